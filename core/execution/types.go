package execution

import (
	"time"

	"accelrun/core/profiling"
	"accelrun/core/receipt"
)

// ExecutionSpec describes one worker execution.
type ExecutionSpec struct {
	Args    []string
	Workdir string
	Env     []string
	// Deadline bounds the whole execution; the worker is killed when it passes. 0 means none.
	Deadline  time.Duration
	Profiling profiling.Mode
	Labels    map[string]string
}

// ExecutionHandle identifies a running execution in a backend.
type ExecutionHandle struct {
	ID            string
	BackendHandle any
}

// ExecutionIdentity provides stable identifiers for the running execution.
type ExecutionIdentity struct {
	RootPID int
}

// BackendProfilingInfo describes profiling attachment options for a handle.
type BackendProfilingInfo struct {
	Identity        ExecutionIdentity
	SupportedModes  []profiling.Mode
	SupportsProfile bool
}

// ExecutionResult is what Engine.Run observed. Backends fill ExitCode, Signal and Err from
// Wait; the engine fills in the rest.
type ExecutionResult struct {
	Handle      ExecutionHandle
	ExecutionID string
	ExitCode    int
	// Signal is the name of the signal that terminated the process, if any.
	Signal      string
	Err         error
	StartedAt   time.Time
	CompletedAt time.Time
	// Killed is set when the engine killed the execution at its deadline or on cancellation.
	Killed  bool
	Outcome receipt.Outcome

	Stdout    []byte
	Stderr    []byte
	Resources receipt.Resources
	Backend   receipt.ExecutionInfo

	ProfilingAttached bool
	ProfilingError    error
	Observer          *receipt.Observer
	ExtraErrors       []string
}

// Duration is the wall time between start and completion.
func (r ExecutionResult) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}
