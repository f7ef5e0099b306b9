package harness

import (
	"context"
	"runtime"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"accelrun/core/native"
	"accelrun/core/tensor"
)

// State is the lifecycle of an ExecutionRequest.
type State int

const (
	Idle State = iota
	Bound
	Running
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Bound:
		return "Bound"
	case Running:
		return "Running"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	}
	return "State(?)"
}

// ExecutionRequest binds a session's loaded executable to its input and output buffers for one
// run. Build a new request for every run.
type ExecutionRequest struct {
	Session *Session
	Inputs  []*TensorBuffer
	Outputs []*TensorBuffer

	state    State
	execTime time.Duration
	err      error
}

// NewRequest creates an Idle request.
func NewRequest(s *Session, inputs, outputs []*TensorBuffer) *ExecutionRequest {
	return &ExecutionRequest{Session: s, Inputs: inputs, Outputs: outputs}
}

func (r *ExecutionRequest) State() State { return r.state }

// ExecTime is the wall time of the native execute call alone.
func (r *ExecutionRequest) ExecTime() time.Duration { return r.execTime }

// Err is the error that failed the request, if any.
func (r *ExecutionRequest) Err() error { return r.err }

// Invoker runs execution requests synchronously. It never retries.
type Invoker struct {
	// Timeout bounds the wait for the native execute call; 0 waits for the context only.
	Timeout time.Duration
}

// Bind validates req and moves it from Idle to Bound: the executable is loaded, every buffer
// belongs to the session, buffers match the declared tensors in count and shape, and every
// input has been uploaded.
func (inv Invoker) Bind(req *ExecutionRequest) error {
	const op = "bind"
	if req == nil || req.Session == nil {
		return errorf(ExecutionError, op, "request has no session")
	}
	if req.state != Idle {
		return errorf(ExecutionError, op, "request is %s, want Idle", req.state)
	}
	s := req.Session
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(ExecutionError, op); err != nil {
		return err
	}
	if s.model == nil {
		return errorf(ExecutionError, op, "no executable loaded")
	}

	declIn, declOut := s.declaredLocked()
	if err := checkBuffers(s, req.Inputs, declIn, Input); err != nil {
		return err
	}
	if err := checkBuffers(s, req.Outputs, declOut, Output); err != nil {
		return err
	}
	for _, buf := range req.Inputs {
		if !buf.uploaded {
			return errorf(ExecutionError, op, "input %q was never uploaded", buf.spec.Name)
		}
	}
	for _, buf := range req.Outputs {
		buf.ready = false
	}
	req.state = Bound
	return nil
}

func checkBuffers(s *Session, bufs []*TensorBuffer, declared []tensor.Spec, dir Direction) error {
	const op = "bind"
	if declared != nil && len(bufs) != len(declared) {
		return errorf(ShapeMismatch, op, "got %d %s buffers, executable declares %d", len(bufs), dir, len(declared))
	}
	for i, buf := range bufs {
		if buf == nil {
			return errorf(ShapeMismatch, op, "%s %d is nil", dir, i)
		}
		if buf.dir != dir {
			return errorf(ShapeMismatch, op, "tensor %q is an %s buffer, bound as %s", buf.spec.Name, buf.dir, dir)
		}
		if err := s.ownedLocked(buf, ExecutionError, op); err != nil {
			return err
		}
		if declared != nil && !declared[i].Equal(buf.spec) {
			return errorf(ShapeMismatch, op, "%s %d: buffer %s, executable declares %s", dir, i, buf.spec, declared[i])
		}
	}
	return nil
}

// Run executes a Bound request and blocks until the native call returns, the timeout expires
// or ctx ends. On any failure the request becomes Failed and the session is poisoned.
//
// A timeout only stops the wait: the native call keeps running on its own OS thread until the
// device is closed, which is why the session cannot be reused afterwards.
func (inv Invoker) Run(ctx context.Context, req *ExecutionRequest) error {
	const op = "run"
	if req == nil || req.Session == nil {
		return errorf(ExecutionError, op, "request has no session")
	}
	if req.state != Bound {
		return errorf(ExecutionError, op, "request is %s, want Bound", req.state)
	}
	s := req.Session
	log := klog.FromContext(ctx)

	s.mu.Lock()
	if err := s.usableLocked(ExecutionError, op); err != nil {
		s.mu.Unlock()
		return inv.fail(req, err)
	}
	model := s.model
	inputs := regions(req.Inputs)
	outputs := regions(req.Outputs)
	done := make(chan struct{})
	s.inflight = done
	req.state = Running
	s.mu.Unlock()

	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	result := make(chan error, 1)
	start := time.Now()
	go func() {
		defer close(done)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		result <- guard(op, func() error { return s.dev.Execute(model, inputs, outputs) })
	}()

	select {
	case err := <-result:
		req.execTime = time.Since(start)
		s.mu.Lock()
		s.inflight = nil
		s.mu.Unlock()
		if err != nil {
			log.Info("execution failed", "error", err, "duration", req.execTime)
			return inv.fail(req, executionError(op, err))
		}
		for _, buf := range req.Outputs {
			buf.ready = true
		}
		req.state = Completed
		log.V(1).Info("execution completed", "duration", req.execTime)
		return nil

	case <-ctx.Done():
		req.execTime = time.Since(start)
		log.Info("abandoning execution", "reason", ctx.Err(), "waited", req.execTime)
		return inv.fail(req, newError(ExecutionError, op, errors.Wrapf(ctx.Err(), "execution abandoned after %s", req.execTime)))
	}
}

func (inv Invoker) fail(req *ExecutionRequest, err error) error {
	req.state = Failed
	req.err = err
	req.Session.poison(err)
	return err
}

// executionError keeps the kind of a recovered driver panic and reports every native failure
// of the execute call as ExecutionError, whatever the status maps to elsewhere.
func executionError(op string, err error) error {
	var he *Error
	if errors.As(err, &he) {
		return err
	}
	return newError(ExecutionError, op, err)
}

func regions(bufs []*TensorBuffer) []native.Region {
	out := make([]native.Region, len(bufs))
	for i, b := range bufs {
		out[i] = b.region
	}
	return out
}
