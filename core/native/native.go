// Package native is the surface a native accelerator runtime exposes to the harness.
//
// Implementations wrap a vendor runtime (a PJRT plugin, libnrt) or simulate one. Every call may
// block; none of them is safe for concurrent use on the same Device. A Device call may also
// terminate the process outright when the runtime faults, which no implementation can prevent.
package native

import (
	"fmt"

	"github.com/pkg/errors"

	"accelrun/core/tensor"
)

var (
	// ErrNoDevice reports that the requested device does not exist or cannot be opened.
	ErrNoDevice = errors.New("no such device")
	// ErrOutOfMemory reports that device memory is exhausted.
	ErrOutOfMemory = errors.New("device out of memory")
	// ErrRejected reports that the runtime refused to load an executable.
	ErrRejected = errors.New("executable rejected")
	// ErrInvalidHandle reports use of a region or model that is unknown or already released.
	ErrInvalidHandle = errors.New("invalid handle")
	// ErrClosed reports use of a device after Close.
	ErrClosed = errors.New("device closed")
)

// StatusError carries a runtime status code.
type StatusError struct {
	Op      string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Code, e.Message)
}

// Driver enumerates and opens devices of one runtime.
type Driver interface {
	Name() string
	NumDevices() (int, error)
	Open(index int) (Device, error)
}

// Region is a device-resident allocation.
type Region interface {
	ByteSize() int
}

// Model is a loaded executable. Inputs and Outputs return nil when the runtime cannot introspect
// the executable.
type Model interface {
	Inputs() []tensor.Spec
	Outputs() []tensor.Spec
}

// Device is one opened accelerator.
type Device interface {
	Index() int
	Load(blob []byte) (Model, error)
	Unload(m Model) error
	Allocate(spec tensor.Spec) (Region, error)
	Free(r Region) error
	CopyToDevice(dst Region, src []byte) error
	CopyToHost(dst []byte, src Region) error
	Execute(m Model, inputs, outputs []Region) error
	Close() error
}

// Status returns the runtime status code carried by err, if any.
func Status(err error) (int, bool) {
	var status *StatusError
	if errors.As(err, &status) {
		return status.Code, true
	}
	return 0, false
}
