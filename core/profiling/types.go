// Package profiling attaches optional observers to a worker process while it runs.
package profiling

import (
	"context"

	"github.com/pkg/errors"
)

// Mode expresses how profiling should be attached. Profiling defaults to disabled.
type Mode string

const (
	ProfilingDisabled Mode = "disabled"
	// ProfilingHost traces the worker from the host kernel (eBPF).
	ProfilingHost Mode = "host"
)

// ParseMode accepts "", "disabled", "off", "none" and "host".
func ParseMode(value string) (Mode, error) {
	switch value {
	case "", "disabled", "off", "none":
		return ProfilingDisabled, nil
	case "host", "ebpf":
		return ProfilingHost, nil
	}
	return "", errors.Errorf("unknown profiling mode %q", value)
}

// Capabilities declares which attachment points a provider supports.
type Capabilities struct {
	Host bool
}

// Target describes the process a profiler should attach to.
type Target struct {
	// RootPID is the worker pid; events from other process trees are dropped.
	RootPID int
	Mode    Mode
}

// EventType classifies an observation.
type EventType uint32

const (
	EventExec EventType = 1
	EventOpen EventType = 2
)

// Event is one observation captured during execution.
type Event struct {
	Type  EventType
	PID   uint32
	PPID  uint32
	Flags uint32
	Comm  string
	Path  string
}

// Session represents a running profiling attachment.
type Session interface {
	Events() <-chan Event
	Errors() <-chan error
	Close() error
}

// Controller creates profiling sessions and advertises support.
type Controller interface {
	Start(ctx context.Context, target Target) (Session, error)
	Capabilities() Capabilities
}
