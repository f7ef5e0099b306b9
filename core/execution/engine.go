package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"accelrun/core/identity"
	"accelrun/core/profiling"
	"accelrun/core/receipt"
)

// Engine runs one execution through a backend, with optional profiling, and classifies how
// it ended.
type Engine struct {
	Backend  ExecutionBackend
	Profiler profiling.Controller
}

// Run returns a non-nil error only when the execution could not be carried out at all
// (invalid spec, Prepare or Start failure). A worker that fails, crashes or times out is a
// successful Run whose result carries the outcome.
func (e Engine) Run(ctx context.Context, spec ExecutionSpec) (ExecutionResult, error) {
	var result ExecutionResult
	if err := e.validateSpec(spec); err != nil {
		result.Err = err
		return result, err
	}
	log := klog.FromContext(ctx).WithValues("backend", e.Backend.Name())
	result.Backend = e.metadataForBackend()

	if err := e.Backend.Prepare(ctx); err != nil {
		result.Err = err
		result.Outcome = receipt.Outcome{Kind: receipt.OutcomeStartFailed, ExitCode: -1, Error: err.Error()}
		return result, err
	}

	result.StartedAt = time.Now()
	handle, err := e.Backend.Start(spec)
	result.Handle = handle
	if err != nil {
		result.Err = err
		result.CompletedAt = time.Now()
		result.Outcome = receipt.Outcome{Kind: receipt.OutcomeStartFailed, ExitCode: -1, Error: err.Error()}
		_ = e.Backend.Cleanup(handle)
		return result, err
	}
	info := e.Backend.ProfilingInfo(handle)
	if pid := info.Identity.RootPID; pid > 0 {
		result.ExecutionID = identity.ForProcess(pid).String()
	}
	log.V(1).Info("execution started", "executionID", result.ExecutionID, "deadline", spec.Deadline)

	var (
		session profiling.Session
		drain   sync.WaitGroup
	)
	if spec.Profiling != "" && spec.Profiling != profiling.ProfilingDisabled {
		session, result.ProfilingError = e.startProfiling(ctx, spec, info)
		if session != nil {
			result.ProfilingAttached = true
			result.Observer = receipt.NewObserver(spec.Profiling)
			drain.Add(2)
			go func() {
				defer drain.Done()
				for ev := range session.Events() {
					result.Observer.HandleEvent(ev)
				}
			}()
			go func() {
				defer drain.Done()
				for err := range session.Errors() {
					result.Observer.HandleError(err)
				}
			}()
		}
	}

	w := e.wait(ctx, handle, spec.Deadline)
	killed := w.killed
	result.CompletedAt = time.Now()
	result.ExitCode = w.res.ExitCode
	result.Signal = w.res.Signal
	result.Killed = killed
	result.Err = w.res.Err
	if result.Err == nil {
		result.Err = w.err
	}

	if session != nil {
		_ = session.Close()
		drain.Wait()
	}

	result.Stdout, result.Stderr = backendOutput(e.Backend)
	result.Resources = ResourcesFromBackend(e.Backend)
	if extra, ok := e.Backend.(ExtraErrorProvider); ok {
		result.ExtraErrors = append(result.ExtraErrors, extra.ExtraErrors()...)
	}
	if result.ProfilingError != nil {
		result.ExtraErrors = append(result.ExtraErrors, result.ProfilingError.Error())
	}

	result.Outcome = Classify(result.ExitCode, result.Signal, killed, result.Stderr)
	if killed && ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.Outcome.Error = fmt.Sprintf("worker killed: %v", ctx.Err())
	}
	log.V(1).Info("execution ended", "outcome", result.Outcome.Kind, "exitCode", result.ExitCode,
		"signal", result.Signal, "duration", result.Duration())

	if cleanupErr := e.Backend.Cleanup(handle); cleanupErr != nil {
		result.ExtraErrors = append(result.ExtraErrors, fmt.Sprintf("cleanup: %v", cleanupErr))
	}
	return result, nil
}

type waited struct {
	res    ExecutionResult
	err    error
	killed bool
}

// wait waits for the execution, killing it when the deadline passes or ctx ends.
func (e Engine) wait(ctx context.Context, h ExecutionHandle, deadline time.Duration) waited {
	done := make(chan waited, 1)
	go func() {
		res, err := e.Backend.Wait(h)
		done <- waited{res: res, err: err}
	}()

	var expired <-chan time.Time
	if deadline > 0 {
		timer := time.NewTimer(deadline)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case w := <-done:
		return w
	case <-expired:
	case <-ctx.Done():
	}
	if err := e.Backend.Kill(h); err != nil {
		klog.FromContext(ctx).V(1).Info("kill failed", "id", h.ID, "err", err)
	}
	w := <-done
	w.killed = true
	return w
}

func (e Engine) startProfiling(ctx context.Context, spec ExecutionSpec, info BackendProfilingInfo) (profiling.Session, error) {
	if e.Profiler == nil {
		return nil, errors.New("profiling requested but profiler not configured")
	}
	if !info.SupportsProfile {
		return nil, fmt.Errorf("backend %s does not support profiling", e.Backend.Name())
	}
	return e.Profiler.Start(ctx, profiling.Target{RootPID: info.Identity.RootPID, Mode: spec.Profiling})
}

func (e Engine) validateSpec(spec ExecutionSpec) error {
	if e.Backend == nil {
		return errors.New("backend required")
	}
	if len(spec.Args) == 0 {
		return errors.New("no command provided")
	}
	return nil
}

func (e Engine) metadataForBackend() receipt.ExecutionInfo {
	if provider, ok := e.Backend.(MetadataProvider); ok {
		return provider.Metadata()
	}
	return receipt.ExecutionInfo{
		Backend:   e.Backend.Name(),
		Isolation: "none",
	}
}

func backendOutput(b ExecutionBackend) ([]byte, []byte) {
	if outputProvider, ok := b.(OutputProvider); ok {
		return outputProvider.Stdout(), outputProvider.Stderr()
	}
	return nil, nil
}

// ResourcesFromBackend reads CPU time and peak RSS from backends that expose process state.
func ResourcesFromBackend(b ExecutionBackend) receipt.Resources {
	if psProvider, ok := b.(ProcessStateProvider); ok {
		if ps := psProvider.ProcessState(); ps != nil {
			cpu := ps.UserTime() + ps.SystemTime()
			return receipt.Resources{
				CPUTimeMs: cpu.Milliseconds(),
				MaxRSSKB:  maxRSSKB(ps),
			}
		}
	}
	return receipt.Resources{}
}
