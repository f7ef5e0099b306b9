// Package manager runs batches of executables on this node. Each job runs either in a
// supervised worker process or in-process, jobs on the same device run one at a time, and
// artifacts that previously crashed or hung a worker are refused until released.
package manager

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"accelrun/core/artifact"
	"accelrun/core/harness"
	"accelrun/core/identity"
	"accelrun/core/receipt"
	"accelrun/core/tensor"
	"accelrun/node/config"
	"accelrun/node/enforcement"
	"accelrun/node/pool"
	"accelrun/node/registry"
	"accelrun/runner"
	"accelrun/worker"
)

// ErrQuarantined is returned for jobs whose artifact is quarantined.
var ErrQuarantined = errors.New("artifact is quarantined")

// Job is one executable to run.
type Job struct {
	Request worker.Request
	// Force runs the job even when its artifact is quarantined.
	Force  bool
	Labels map[string]string
}

// Response is what happened to a job. Receipt is nil only when the job never ran.
type Response struct {
	Job     Job
	RunDir  string
	Receipt *receipt.Receipt
	// Outputs holds the output tensors of in-process runs.
	Outputs []tensor.HostTensor
	// Quarantine is set when the job was refused.
	Quarantine *enforcement.Entry
	Err        error
}

// Failed reports whether the job did not complete.
func (r Response) Failed() bool {
	return r.Err != nil || r.Receipt == nil || r.Receipt.Outcome.Kind != receipt.OutcomeCompleted
}

// Manager orchestrates isolation, device serialization, quarantine and enforcement.
type Manager struct {
	Config     config.Config
	Registry   *registry.Registry
	Pool       *pool.Pool
	Quarantine *enforcement.Quarantine
	// Enforcer sees every receipt; it defaults to Quarantine.
	Enforcer enforcement.Enforcer
	// Runner is the template for supervised runs; BaseDir, Grace, Profiling and Labels are
	// filled from Config and the job when unset.
	Runner runner.Options
	// Progress, when set, receives download progress for remote artifacts.
	Progress io.Writer

	// locks serializes jobs per device. It is separate from the harness's process-wide table,
	// which in-process runs take as well.
	locks *pool.DeviceLocks
}

func New(cfg config.Config, reg *registry.Registry) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, errors.New("registry required")
	}
	q, err := enforcement.NewQuarantine(cfg.QuarantineFile)
	if err != nil {
		return nil, err
	}
	return &Manager{
		Config:     cfg,
		Registry:   reg,
		Pool:       pool.New(cfg.Concurrency),
		Quarantine: q,
		Enforcer:   q,
		locks:      pool.NewDeviceLocks(),
	}, nil
}

// Request builds a worker request for source from the node configuration.
func (m *Manager) Request(source string) worker.Request {
	mem, _ := m.Config.SimMemoryBytes()
	return worker.Request{
		Artifact:       source,
		CacheDir:       m.Config.CacheDir,
		Driver:         m.Config.Driver,
		Device:         m.Config.DeviceIndex,
		Plugin:         m.Config.PluginName,
		SimDevices:     m.Config.SimDevices,
		SimMemoryBytes: mem,
		TimeoutMs:      m.Config.Timeout.Milliseconds(),
		CoreDumps:      m.Config.CoreDumps,
	}
}

// RunBatch runs jobs and returns one response per job, in order. Jobs for the same device
// run sequentially; distinct devices run concurrently up to Config.Concurrency.
func (m *Manager) RunBatch(ctx context.Context, jobs []Job) []Response {
	responses := make([]Response, len(jobs))
	groups := map[string][]int{}
	var keys []string
	for i, job := range jobs {
		key := pool.DeviceKey(job.Request.Driver, job.Request.Device)
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], i)
	}
	sort.Strings(keys)

	done := make([]<-chan error, len(keys))
	for k, key := range keys {
		indices := groups[key]
		done[k] = m.Pool.Go(ctx, func(ctx context.Context) error {
			for _, i := range indices {
				responses[i] = m.Run(ctx, jobs[i])
			}
			return nil
		})
	}
	for k, ch := range done {
		if err := <-ch; err != nil {
			for _, i := range groups[keys[k]] {
				responses[i] = Response{Job: jobs[i], Err: err}
			}
		}
	}
	return responses
}

// Run runs a single job, waiting for its device.
func (m *Manager) Run(ctx context.Context, job Job) Response {
	req := job.Request
	if req.RunID == "" {
		req.RunID = identity.NewRunID()
	}
	job.Request = req
	resp := Response{Job: job}
	log := klog.FromContext(ctx).WithValues("run", req.RunID, "artifact", req.Artifact)
	ctx = klog.NewContext(ctx, log)

	exe, loadErr := artifact.Load(ctx, req.Artifact, artifact.Options{
		CheckMagic: req.CheckMagic,
		WantDigest: req.WantDigest,
		CacheDir:   req.CacheDir,
		Progress:   m.Progress,
		Inputs:     req.Inputs,
		Outputs:    req.Outputs,
	})
	if loadErr == nil && req.WantDigest == "" {
		// Pin the bytes the worker runs to the ones checked here.
		job.Request.WantDigest = exe.Digest
		resp.Job = job
	}
	if loadErr == nil && !job.Force {
		entry, quarantined, err := m.Quarantine.Quarantined(exe.Digest)
		if err != nil {
			resp.Err = err
			return resp
		}
		if quarantined {
			log.Info("refusing quarantined artifact", "digest", exe.Digest, "since", entry.Since, "outcome", entry.Outcome)
			resp.Quarantine = &entry
			resp.Err = errors.Wrapf(ErrQuarantined, "%s (%s in run %s)", req.Artifact, entry.Outcome, entry.RunID)
			return resp
		}
	}

	release, err := m.locks.Acquire(ctx, pool.DeviceKey(req.Driver, req.Device))
	if err != nil {
		resp.Err = err
		return resp
	}
	defer release()

	if m.Config.Isolation == config.InProcess {
		if loadErr != nil {
			resp.Err = harness.Wrap(harness.LoadError, "load", loadErr)
			return resp
		}
		resp = m.runInProcess(ctx, job, exe)
	} else {
		resp = m.runSupervised(ctx, job)
	}

	if resp.Receipt != nil && m.Enforcer != nil {
		if err := m.Enforcer.Enforce(ctx, resp.Receipt); err != nil {
			log.Error(err, "enforcing policy")
			if resp.Err == nil {
				resp.Err = err
			}
		}
	}
	return resp
}

func (m *Manager) runSupervised(ctx context.Context, job Job) Response {
	opts := m.Runner
	if opts.BaseDir == "" {
		opts.BaseDir = m.Config.RunDir
	}
	if opts.Grace == 0 {
		opts.Grace = m.Config.SupervisorGrace
	}
	if opts.Profiling == "" {
		opts.Profiling = m.Config.Profiling
	}
	if job.Labels != nil {
		opts.Labels = job.Labels
	}
	report, err := runner.Run(ctx, job.Request, opts)
	return Response{Job: job, RunDir: report.RunDir, Receipt: report.Receipt, Err: err}
}

func (m *Manager) runInProcess(ctx context.Context, job Job, exe *artifact.Executable) Response {
	req := job.Request
	resp := Response{Job: job}
	start := time.Now()

	var outDir string
	if m.Config.RunDir != "" {
		resp.RunDir = filepath.Join(m.Config.RunDir, req.RunID)
		if req.SaveOutputs {
			outDir = filepath.Join(resp.RunDir, worker.OutputsDir)
		}
	}

	var rr harness.RunResult
	inputs, err := worker.ReadInputs(exe.Inputs, req.InputFiles)
	if err == nil {
		rr, err = m.runLoaded(ctx, req, exe, inputs, outDir)
	}
	resp.Outputs = rr.Outputs

	outcome := receipt.Outcome{Kind: receipt.OutcomeCompleted}
	if err != nil {
		outcome = receipt.Outcome{
			Kind:      receipt.OutcomeError,
			ErrorKind: harness.KindOf(err).String(),
			Error:     err.Error(),
		}
		var he *harness.Error
		if errors.As(err, &he) {
			outcome.NativeStatus = he.Code
		}
	}
	rec := receipt.New(receipt.Meta{
		RunID:       req.RunID,
		ExecutionID: identity.ForProcess(os.Getpid()).String(),
		Start:       start,
		End:         time.Now(),
		Labels:      job.Labels,
		Outcome:     outcome,
		Backend:     receipt.ExecutionInfo{Backend: "harness", Isolation: config.InProcess},
	})
	rec.SetArtifact(exe.Source, string(exe.Format), exe.Digest, int64(exe.Size()))
	rec.Device = receipt.Device{Driver: req.Driver, Index: req.Device, Plugin: req.Plugin}
	rec.Timing.LoadMs = rr.LoadTime.Milliseconds()
	rec.Timing.ExecuteMs = rr.ExecTime.Milliseconds()
	zero := map[string]bool{}
	for _, name := range rr.ZeroFilled {
		zero[name] = true
	}
	for _, spec := range exe.Inputs {
		info := receipt.Tensor(spec)
		info.ZeroFilled = zero[spec.Name]
		rec.Inputs = append(rec.Inputs, info)
	}
	for i, out := range rr.Outputs {
		info := receipt.Tensor(out.Spec)
		info.Digest = receipt.Digest(out.Data())
		if i < len(rr.OutputFiles) {
			if rel, relErr := filepath.Rel(resp.RunDir, rr.OutputFiles[i]); relErr == nil {
				info.File = rel
			}
		}
		rec.Outputs = append(rec.Outputs, info)
	}
	resp.Receipt = rec

	if resp.RunDir != "" {
		if err := os.MkdirAll(resp.RunDir, 0o755); err != nil {
			resp.Err = errors.WithStack(err)
			return resp
		}
		if err := rec.Write(filepath.Join(resp.RunDir, runner.ReceiptFile)); err != nil {
			resp.Err = err
		}
	}
	return resp
}

func (m *Manager) runLoaded(ctx context.Context, req worker.Request, exe *artifact.Executable, inputs []tensor.HostTensor, outDir string) (harness.RunResult, error) {
	drv, err := m.Registry.Open(req.Driver, registry.Options{
		SimDevices:     req.SimDevices,
		SimMemoryBytes: req.SimMemoryBytes,
		Plugin:         req.Plugin,
	})
	if err != nil {
		return harness.RunResult{State: harness.Idle}, harness.Wrap(harness.DeviceUnavailable, "open", err)
	}
	defer registry.Finalize(drv)
	return harness.RunLoaded(ctx, exe, inputs, harness.Options{
		Driver:      drv,
		DeviceIndex: req.Device,
		Timeout:     req.Timeout(),
		OutputDir:   outDir,
	})
}
