// Package process runs an execution as a child process of the supervisor.
package process

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"accelrun/core/execution"
	"accelrun/core/profiling"
	"accelrun/core/receipt"
)

// DefaultWaitDelay bounds how long Wait keeps reading the output pipes after the process
// exits, in case a grandchild inherited them.
const DefaultWaitDelay = 2 * time.Second

type Options struct {
	// Stdout and Stderr receive the child's output as it is produced, in addition to the
	// captured copy. nil discards.
	Stdout io.Writer
	Stderr io.Writer
	// WaitDelay overrides DefaultWaitDelay.
	WaitDelay time.Duration
}

// Backend runs one process. It is not reusable: create one per execution.
type Backend struct {
	opts Options
	cmd  *exec.Cmd

	mu        sync.Mutex
	stdoutBuf bytes.Buffer
	stderrBuf bytes.Buffer
}

func New(opts Options) *Backend {
	return &Backend{opts: opts}
}

func (b *Backend) Name() string { return "process" }

func (b *Backend) Prepare(ctx context.Context) error {
	return ctx.Err()
}

func (b *Backend) Start(spec execution.ExecutionSpec) (execution.ExecutionHandle, error) {
	if len(spec.Args) == 0 {
		return execution.ExecutionHandle{}, errors.New("no command provided")
	}
	if b.cmd != nil {
		return execution.ExecutionHandle{}, errors.New("process backend already started")
	}

	cmd := exec.Command(spec.Args[0], spec.Args[1:]...)
	if spec.Workdir != "" {
		cmd.Dir = spec.Workdir
	}
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	cmd.Stdout = io.MultiWriter(orDiscard(b.opts.Stdout), lockedWriter{&b.mu, &b.stdoutBuf})
	cmd.Stderr = io.MultiWriter(orDiscard(b.opts.Stderr), lockedWriter{&b.mu, &b.stderrBuf})
	cmd.WaitDelay = DefaultWaitDelay
	if b.opts.WaitDelay > 0 {
		cmd.WaitDelay = b.opts.WaitDelay
	}
	configureCommand(cmd)

	if err := cmd.Start(); err != nil {
		return execution.ExecutionHandle{}, errors.Wrapf(err, "starting %s", spec.Args[0])
	}
	b.cmd = cmd

	return execution.ExecutionHandle{
		ID:            fmt.Sprintf("pid-%d", cmd.Process.Pid),
		BackendHandle: cmd.Process,
	}, nil
}

func (b *Backend) Wait(h execution.ExecutionHandle) (execution.ExecutionResult, error) {
	if b.cmd == nil {
		return execution.ExecutionResult{}, errors.New("backend not started")
	}

	waitErr := b.cmd.Wait()
	res := execution.ExecutionResult{Handle: h}
	if ps := b.cmd.ProcessState; ps != nil {
		if status, ok := ps.Sys().(syscall.WaitStatus); ok {
			res.ExitCode = exitCodeFromStatus(status)
			if status.Signaled() {
				res.Signal = signalName(status.Signal())
			}
		} else {
			res.ExitCode = ps.ExitCode()
		}
		// A non-zero exit is an outcome, not a failure to wait.
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			waitErr = nil
		}
	} else if waitErr != nil {
		res.ExitCode = exitCodeForError(waitErr)
	}
	res.Err = waitErr
	return res, waitErr
}

// Kill kills the process and, where supported, its process group.
func (b *Backend) Kill(h execution.ExecutionHandle) error {
	if b.cmd == nil || b.cmd.Process == nil {
		return nil
	}
	return killProcess(b.cmd.Process)
}

func (b *Backend) Cleanup(h execution.ExecutionHandle) error {
	return nil
}

func (b *Backend) ProfilingInfo(h execution.ExecutionHandle) execution.BackendProfilingInfo {
	rootPID := 0
	if b.cmd != nil && b.cmd.Process != nil {
		rootPID = b.cmd.Process.Pid
	}
	return execution.BackendProfilingInfo{
		Identity: execution.ExecutionIdentity{RootPID: rootPID},
		SupportedModes: []profiling.Mode{
			profiling.ProfilingDisabled,
			profiling.ProfilingHost,
		},
		SupportsProfile: true,
	}
}

func (b *Backend) ProcessState() *os.ProcessState {
	if b.cmd == nil {
		return nil
	}
	return b.cmd.ProcessState
}

func (b *Backend) Stdout() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.stdoutBuf.Bytes())
}

func (b *Backend) Stderr() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.stderrBuf.Bytes())
}

func (b *Backend) Metadata() receipt.ExecutionInfo {
	return receipt.ExecutionInfo{
		Backend:   b.Name(),
		Isolation: "subprocess",
	}
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

func exitCodeForError(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return exitCodeFromStatus(status)
		}
		return exitErr.ExitCode()
	}
	return 1
}

// exitCodeFromStatus follows the shell convention of 128+signal for signalled processes.
func exitCodeFromStatus(status syscall.WaitStatus) int {
	if status.Exited() {
		return status.ExitStatus()
	}
	if status.Signaled() {
		return 128 + int(status.Signal())
	}
	return 1
}

var (
	_ execution.ExecutionBackend     = (*Backend)(nil)
	_ execution.OutputProvider       = (*Backend)(nil)
	_ execution.ProcessStateProvider = (*Backend)(nil)
	_ execution.MetadataProvider     = (*Backend)(nil)
)
