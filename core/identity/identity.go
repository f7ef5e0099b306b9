// Package identity names executions: a RunID for every supervised attempt and an ExecutionID
// for the worker process that carried it out.
package identity

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// NewRunID returns a fresh run id. Run ids name run directories and receipts.
func NewRunID() string {
	return uuid.NewString()
}

// ValidRunID reports whether id looks like a run id produced by NewRunID.
func ValidRunID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// ExecutionID identifies the worker process of one attempt. The start time disambiguates
// pid reuse, so the pair stays unique across the host's uptime.
type ExecutionID struct {
	PID       uint32
	StartTime uint64
}

// ForProcess builds the id of a running process, reading its start time when the platform
// exposes it. A missing start time is not an error: the id falls back to start 0.
func ForProcess(pid int) ExecutionID {
	id := ExecutionID{PID: uint32(pid)}
	if start, err := ProcessStartTime(id.PID); err == nil {
		id.StartTime = start
	}
	return id
}

func (id ExecutionID) IsZero() bool { return id.PID == 0 }

func (id ExecutionID) String() string {
	if id.PID == 0 {
		return ""
	}
	return fmt.Sprintf("pid:%d:start:%d", id.PID, id.StartTime)
}

// ParseExecutionID decodes pid:<pid>:start:<ticks>.
func ParseExecutionID(value string) (ExecutionID, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 4 || parts[0] != "pid" || parts[2] != "start" {
		return ExecutionID{}, errors.Errorf("invalid execution id %q", value)
	}
	pid, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return ExecutionID{}, errors.Wrapf(err, "execution id %q", value)
	}
	start, err := strconv.ParseUint(parts[3], 10, 64)
	if err != nil {
		return ExecutionID{}, errors.Wrapf(err, "execution id %q", value)
	}
	return ExecutionID{PID: uint32(pid), StartTime: start}, nil
}
