package execution

import "context"

// ExecutionBackend is implemented by every way of running a worker. Engine drives it through
// one attempt: Prepare, Start, Wait (with Kill at the deadline), Cleanup.
type ExecutionBackend interface {
	Name() string
	Prepare(ctx context.Context) error
	Start(spec ExecutionSpec) (ExecutionHandle, error)
	// Wait blocks until the execution ends. It must return once Kill has been called.
	Wait(h ExecutionHandle) (ExecutionResult, error)
	Kill(h ExecutionHandle) error
	Cleanup(h ExecutionHandle) error
	ProfilingInfo(h ExecutionHandle) BackendProfilingInfo
}
