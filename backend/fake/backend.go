// Package fake is a scripted backend for contract tests of the engine and supervisor.
package fake

import (
	"context"
	"sync"

	"accelrun/core/execution"
	"accelrun/core/profiling"
	"accelrun/core/receipt"
)

// Backend ends every execution the way its fields say. With Hang set, Wait blocks until Kill,
// which then reports SIGKILL like a real process would.
type Backend struct {
	ExitCode   int
	Signal     string
	StartErr   error
	WaitErr    error
	CleanupErr error
	Extra      []string
	StdoutData []byte
	StderrData []byte
	Hang       bool
	PID        int

	// OnStart, when set, runs inside Start; a supervisor test uses it to play the worker.
	OnStart func(spec execution.ExecutionSpec)

	mu      sync.Mutex
	started []execution.ExecutionSpec
	killed  chan struct{}
	kills   int
}

func New(exitCode int) *Backend {
	return &Backend{ExitCode: exitCode}
}

func (b *Backend) Name() string { return "fake" }

func (b *Backend) Prepare(ctx context.Context) error {
	return ctx.Err()
}

func (b *Backend) Start(spec execution.ExecutionSpec) (execution.ExecutionHandle, error) {
	if b.StartErr != nil {
		return execution.ExecutionHandle{}, b.StartErr
	}
	b.mu.Lock()
	b.started = append(b.started, spec)
	b.killed = make(chan struct{})
	b.mu.Unlock()
	if b.OnStart != nil {
		b.OnStart(spec)
	}
	return execution.ExecutionHandle{ID: "fake"}, nil
}

func (b *Backend) Wait(h execution.ExecutionHandle) (execution.ExecutionResult, error) {
	if b.Hang {
		b.mu.Lock()
		killed := b.killed
		b.mu.Unlock()
		<-killed
		return execution.ExecutionResult{Handle: h, ExitCode: 128 + 9, Signal: "SIGKILL"}, nil
	}
	res := execution.ExecutionResult{Handle: h, ExitCode: b.ExitCode, Signal: b.Signal, Err: b.WaitErr}
	return res, b.WaitErr
}

func (b *Backend) Kill(h execution.ExecutionHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kills++
	if b.killed != nil {
		select {
		case <-b.killed:
		default:
			close(b.killed)
		}
	}
	return nil
}

func (b *Backend) Cleanup(h execution.ExecutionHandle) error {
	return b.CleanupErr
}

func (b *Backend) ProfilingInfo(h execution.ExecutionHandle) execution.BackendProfilingInfo {
	return execution.BackendProfilingInfo{
		Identity:        execution.ExecutionIdentity{RootPID: b.PID},
		SupportedModes:  []profiling.Mode{profiling.ProfilingDisabled, profiling.ProfilingHost},
		SupportsProfile: true,
	}
}

func (b *Backend) Metadata() receipt.ExecutionInfo {
	return receipt.ExecutionInfo{Backend: b.Name(), Isolation: "none"}
}

func (b *Backend) Stdout() []byte { return b.StdoutData }
func (b *Backend) Stderr() []byte { return b.StderrData }

func (b *Backend) ExtraErrors() []string {
	if len(b.Extra) == 0 {
		return nil
	}
	out := make([]string, len(b.Extra))
	copy(out, b.Extra)
	return out
}

// Started returns the specs passed to Start.
func (b *Backend) Started() []execution.ExecutionSpec {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]execution.ExecutionSpec(nil), b.started...)
}

// Kills counts Kill calls.
func (b *Backend) Kills() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.kills
}

var (
	_ execution.ExecutionBackend   = (*Backend)(nil)
	_ execution.ExtraErrorProvider = (*Backend)(nil)
	_ execution.MetadataProvider   = (*Backend)(nil)
	_ execution.OutputProvider     = (*Backend)(nil)
)
