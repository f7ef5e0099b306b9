package harness

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"

	"accelrun/core/native"
)

// Kind classifies every error the harness returns.
type Kind int

const (
	KindUnknown Kind = iota
	LoadError
	DeviceUnavailable
	DriverError
	LoadRejected
	AllocationFailed
	ShapeMismatch
	ExecutionError
	IncompleteExecution
)

var kindNames = map[Kind]string{
	KindUnknown:         "Unknown",
	LoadError:           "LoadError",
	DeviceUnavailable:   "DeviceUnavailable",
	DriverError:         "DriverError",
	LoadRejected:        "LoadRejected",
	AllocationFailed:    "AllocationFailed",
	ShapeMismatch:       "ShapeMismatch",
	ExecutionError:      "ExecutionError",
	IncompleteExecution: "IncompleteExecution",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(name string) Kind {
	for k, n := range kindNames {
		if n == name {
			return k
		}
	}
	return KindUnknown
}

// exitCodeBase offsets kinds into process exit codes, clear of 1 and 2 (generic failure and
// Go runtime fatal errors) and of 128+ (signals).
const exitCodeBase = 10

// ExitCode is the exit status a worker process uses to report an error of this kind.
func (k Kind) ExitCode() int { return exitCodeBase + int(k) }

// KindFromExitCode maps a worker exit status back to a kind; ok is false for codes that are
// not kind codes.
func KindFromExitCode(code int) (Kind, bool) {
	k := Kind(code - exitCodeBase)
	if _, ok := kindNames[k]; !ok || k == KindUnknown {
		return KindUnknown, false
	}
	return k, true
}

// Sentinels usable with errors.Is; they match any *Error of the same kind.
var (
	ErrLoad                = kindError(LoadError)
	ErrDeviceUnavailable   = kindError(DeviceUnavailable)
	ErrDriver              = kindError(DriverError)
	ErrLoadRejected        = kindError(LoadRejected)
	ErrAllocationFailed    = kindError(AllocationFailed)
	ErrShapeMismatch       = kindError(ShapeMismatch)
	ErrExecution           = kindError(ExecutionError)
	ErrIncompleteExecution = kindError(IncompleteExecution)
)

var (
	// ErrSessionClosed is wrapped by errors from operations on a closed session or its buffers.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionPoisoned is wrapped by errors from a session whose last execution failed or was abandoned.
	ErrSessionPoisoned = errors.New("session poisoned by a failed execution")
)

type kindError Kind

func (k kindError) Error() string { return Kind(k).String() }

// Error is the error type returned by every harness operation.
type Error struct {
	Kind Kind
	// Op names the failing operation ("open", "load", "allocate", "upload", "run", ...).
	Op string
	// Code is the native runtime status code, when the driver reported one.
	Code int
	Err  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Code != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	k, ok := target.(kindError)
	return ok && Kind(k) == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var he *Error
	if errors.As(err, &he) {
		return he.Kind
	}
	return KindUnknown
}

func newError(kind Kind, op string, err error) *Error {
	e := &Error{Kind: kind, Op: op, Err: err}
	if code, ok := native.Status(err); ok {
		e.Code = code
	}
	return e
}

func errorf(kind Kind, op, format string, args ...any) *Error {
	return newError(kind, op, errors.Errorf(format, args...))
}

// wrap classifies err unless it already carries a kind.
func wrap(fallback Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var he *Error
	if errors.As(err, &he) {
		return err
	}
	return newError(nativeKind(err, fallback), op, err)
}

func nativeKind(err error, fallback Kind) Kind {
	switch {
	case errors.Is(err, native.ErrNoDevice):
		return DeviceUnavailable
	case errors.Is(err, native.ErrOutOfMemory):
		return AllocationFailed
	case errors.Is(err, native.ErrRejected):
		return LoadRejected
	}
	return fallback
}

func joinErrors(errs []error) error {
	return stderrors.Join(errs...)
}

// Wrap gives err a kind unless it already carries one. Errors matching a native sentinel take
// the sentinel's kind instead of fallback.
func Wrap(fallback Kind, op string, err error) error {
	return wrap(fallback, op, err)
}
