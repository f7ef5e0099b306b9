// Package runner is the supervisor: it runs each execution attempt in a separate worker
// process, so that a native fault ends the worker and not the caller, and turns whatever
// happened into a receipt.
package runner

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"accelrun/backend/process"
	"accelrun/core/execution"
	"accelrun/core/identity"
	"accelrun/core/profiling"
	"accelrun/core/profiling/ebpf"
	"accelrun/core/profiling/noop"
	"accelrun/core/receipt"
	"accelrun/core/version"
	"accelrun/worker"
)

// Files the supervisor adds to a run directory.
const (
	ReceiptFile   = "receipt.json"
	PostMortemDir = "postmortem"
)

// DefaultGrace is added to the execute timeout to get the supervisor deadline: it covers
// process start, loading, copies and teardown.
const DefaultGrace = 30 * time.Second

// Options configures Run.
type Options struct {
	// BaseDir holds one directory per run. Defaults to <tmp>/accelrun-runs.
	BaseDir string
	// WorkerCommand is the worker argv; "--run-dir <dir>" is appended. Defaults to this
	// executable's "worker" subcommand.
	WorkerCommand []string
	// WorkerEnv is added to the supervisor's environment for the worker.
	WorkerEnv []string
	// Deadline overrides the supervisor deadline. Otherwise it is the request's timeout plus
	// Grace, or none when the request has no timeout.
	Deadline time.Duration
	Grace    time.Duration
	// Profiling attaches a profiler to the worker; Profiler defaults to the eBPF tracer.
	Profiling profiling.Mode
	Profiler  profiling.Controller
	// NewBackend creates the backend for one attempt; defaults to a process backend.
	NewBackend func() execution.ExecutionBackend
	// Stderr receives the worker's stderr as it runs; nil discards.
	Stderr io.Writer
	Labels map[string]string
	// MaxBundleArtifactBytes bounds the artifact copy in a post-mortem bundle.
	MaxBundleArtifactBytes int64
}

// Report is the supervisor's view of one attempt.
type Report struct {
	RunDir  string
	Receipt *receipt.Receipt
	// Result is the worker's final result, nil when it never wrote one.
	Result *worker.Result
}

// Outcome is shorthand for r.Receipt.Outcome.
func (r Report) Outcome() receipt.Outcome {
	if r.Receipt == nil {
		return receipt.Outcome{}
	}
	return r.Receipt.Outcome
}

// Run runs req in a worker process and waits for it. The returned error reports supervisor
// failures only (run directory, worker start); how the worker ended is in the receipt.
func Run(ctx context.Context, req worker.Request, opts Options) (Report, error) {
	req.Protocol = version.WorkerProtocol
	if req.RunID == "" {
		req.RunID = identity.NewRunID()
	}
	log := klog.FromContext(ctx).WithValues("run", req.RunID)
	ctx = klog.NewContext(ctx, log)

	dir, err := runDir(opts.BaseDir, req.RunID)
	if err != nil {
		return Report{}, err
	}
	report := Report{RunDir: dir}
	if req, err = absolutize(req); err != nil {
		return report, err
	}
	if err := worker.WriteRequest(dir, req); err != nil {
		return report, err
	}

	args, err := workerCommand(opts.WorkerCommand)
	if err != nil {
		return report, err
	}
	args = append(args, "--run-dir", dir)

	backend := newBackend(opts)
	engine := execution.Engine{Backend: backend, Profiler: profiler(opts)}
	spec := execution.ExecutionSpec{
		Args:      args,
		Workdir:   dir,
		Env:       append(os.Environ(), opts.WorkerEnv...),
		Deadline:  deadline(req, opts),
		Profiling: opts.Profiling,
		Labels:    opts.Labels,
	}
	log.V(1).Info("starting worker", "dir", dir, "deadline", spec.Deadline, "driver", req.Driver, "device", req.Device)
	res, runErr := engine.Run(ctx, spec)

	if err := os.WriteFile(filepath.Join(dir, worker.StderrFile), res.Stderr, 0o644); err != nil {
		log.Error(err, "saving worker stderr")
	}
	wr, wrErr := worker.ReadResult(dir)
	outcome := res.Outcome
	var final *worker.Result
	switch {
	case wrErr == nil && wr.State != worker.StateStarted:
		final = &wr
		report.Result = final
		if outcome.Kind == receipt.OutcomeError || outcome.Kind == receipt.OutcomeCompleted {
			outcome.ErrorKind = wr.ErrorKind
			outcome.NativeStatus = wr.NativeStatus
			if wr.Error != "" {
				outcome.Error = wr.Error
			}
		}
	case outcome.Kind == receipt.OutcomeCompleted:
		outcome.Kind = receipt.OutcomeError
		outcome.Error = "worker exited 0 without writing a result"
	}

	rec := receipt.New(receipt.Meta{
		RunID:       req.RunID,
		ExecutionID: res.ExecutionID,
		Start:       res.StartedAt,
		End:         res.CompletedAt,
		Labels:      opts.Labels,
		Stdout:      res.Stdout,
		Stderr:      res.Stderr,
		Outcome:     outcome,
		Resources:   res.Resources,
		Backend:     res.Backend,
		Observer:    res.Observer,
	})
	describe(rec, req, wr, wrErr == nil)
	if rec.Observation != nil {
		rec.Observation.Errors = append(rec.Observation.Errors, res.ExtraErrors...)
	}
	report.Receipt = rec

	if outcome.Kind.Abnormal() {
		bundle, err := writePostMortem(dir, req, rec, opts.maxBundleArtifactBytes())
		if err != nil {
			log.Error(err, "writing post-mortem bundle")
		}
		rec.PostMortem = bundle
		log.Info("worker ended abnormally", "outcome", outcome.Kind, "signal", outcome.Signal,
			"exitCode", outcome.ExitCode, "postMortem", bundle)
	}
	if err := rec.Write(filepath.Join(dir, ReceiptFile)); err != nil {
		return report, err
	}
	if rec.PostMortem != "" {
		if err := rec.Write(filepath.Join(rec.PostMortem, ReceiptFile)); err != nil {
			log.Error(err, "saving post-mortem receipt", "postMortem", rec.PostMortem)
		}
	}
	return report, runErr
}

// describe fills in what the worker was asked to run and, when it got that far, what it
// reported back.
func describe(rec *receipt.Receipt, req worker.Request, wr worker.Result, haveResult bool) {
	rec.Device = receipt.Device{Driver: req.Driver, Index: req.Device, Plugin: req.Plugin}
	inputs := req.Inputs
	if haveResult {
		if a := wr.Artifact; a != nil {
			rec.SetArtifact(a.Source, a.Format, a.Digest, a.Size)
		}
		if len(wr.Inputs) > 0 {
			inputs = wr.Inputs
		}
		rec.Timing.LoadMs = wr.LoadMs
		rec.Timing.ExecuteMs = wr.ExecMs
	}
	if rec.Artifact == nil {
		rec.Artifact = &receipt.Artifact{Source: req.Artifact, Digest: req.WantDigest}
	}
	zero := map[string]bool{}
	for _, name := range wr.ZeroFilled {
		zero[name] = true
	}
	for _, spec := range inputs {
		info := receipt.Tensor(spec)
		info.ZeroFilled = zero[spec.Name]
		rec.Inputs = append(rec.Inputs, info)
	}
	if haveResult && len(wr.Outputs) > 0 {
		for _, out := range wr.Outputs {
			info := receipt.Tensor(out.Spec)
			info.Digest = out.Digest
			info.File = out.File
			rec.Outputs = append(rec.Outputs, info)
		}
		return
	}
	for _, spec := range req.Outputs {
		rec.Outputs = append(rec.Outputs, receipt.Tensor(spec))
	}
}

func runDir(base, runID string) (string, error) {
	if runID == "." || runID == ".." || strings.ContainsAny(runID, `/\`) {
		return "", errors.Errorf("invalid run id %q", runID)
	}
	if base == "" {
		base = filepath.Join(os.TempDir(), "accelrun-runs")
	}
	dir, err := filepath.Abs(filepath.Join(base, runID))
	if err != nil {
		return "", errors.WithStack(err)
	}
	return dir, errors.Wrap(os.MkdirAll(dir, 0o755), "creating run directory")
}

// absolutize rewrites local paths in req, since the worker runs inside the run directory.
func absolutize(req worker.Request) (worker.Request, error) {
	var err error
	if req.Artifact, err = absLocal(req.Artifact); err != nil {
		return req, err
	}
	if req.CacheDir, err = absLocal(req.CacheDir); err != nil {
		return req, err
	}
	if len(req.InputFiles) > 0 {
		files := make(map[string]string, len(req.InputFiles))
		for name, path := range req.InputFiles {
			if files[name], err = absLocal(path); err != nil {
				return req, err
			}
		}
		req.InputFiles = files
	}
	return req, nil
}

func absLocal(path string) (string, error) {
	if path == "" || strings.Contains(path, "://") {
		return path, nil
	}
	abs, err := filepath.Abs(path)
	return abs, errors.WithStack(err)
}

func workerCommand(cmd []string) ([]string, error) {
	if len(cmd) > 0 {
		return append([]string(nil), cmd...), nil
	}
	self, err := os.Executable()
	if err != nil {
		return nil, errors.Wrap(err, "locating the accelrun binary for the worker")
	}
	return []string{self, "worker"}, nil
}

func newBackend(opts Options) execution.ExecutionBackend {
	if opts.NewBackend != nil {
		return opts.NewBackend()
	}
	return process.New(process.Options{Stderr: opts.Stderr})
}

func profiler(opts Options) profiling.Controller {
	if opts.Profiler != nil {
		return opts.Profiler
	}
	if opts.Profiling == profiling.ProfilingHost {
		return ebpf.NewController(ebpf.Config{})
	}
	return noop.NewController()
}

func deadline(req worker.Request, opts Options) time.Duration {
	if opts.Deadline > 0 {
		return opts.Deadline
	}
	if req.TimeoutMs <= 0 {
		return 0
	}
	grace := opts.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	return req.Timeout() + grace
}
