// Package worker is the subprocess side of supervised execution. A worker runs exactly one
// executable, described by request.json in its run directory, reports the outcome in
// result.json and exits with a status that encodes the harness error kind.
//
// A native fault kills the worker before it can report anything; the supervisor detects that
// from the exit status, the missing final result and the runtime's traceback on stderr.
package worker

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"accelrun/core/artifact"
	"accelrun/core/harness"
	"accelrun/core/receipt"
	"accelrun/core/tensor"
	"accelrun/core/version"
	"accelrun/node/registry"
)

// ExitUsage is the exit status for a worker that could not read or validate its request.
const ExitUsage = 1

// Options configures Run.
type Options struct {
	Registry *registry.Registry
}

// Main parses the worker command line and runs the request found in --run-dir.
func Main(ctx context.Context, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(stderr)
	runDir := fs.String("run-dir", "", "run directory holding "+RequestFile)
	if err := fs.Parse(args); err != nil {
		return ExitUsage
	}
	if *runDir == "" {
		fmt.Fprintln(stderr, "accelrun: worker: --run-dir is required")
		return ExitUsage
	}
	req, err := ReadRequest(*runDir)
	if err == nil {
		err = req.Validate()
	}
	if err != nil {
		fmt.Fprintf(stderr, "accelrun: worker: %v\n", err)
		return ExitUsage
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return Run(ctx, *runDir, req, Options{Registry: registry.Default()})
}

// Run executes req, writes result.json into dir and returns the exit status.
func Run(ctx context.Context, dir string, req Request, opts Options) int {
	log := klog.FromContext(ctx).WithValues("run", req.RunID)
	ctx = klog.NewContext(ctx, log)

	if req.CoreDumps {
		if err := enableCoreDumps(); err != nil {
			log.Info("core dumps unavailable", "err", err)
		}
	}

	res, err := execute(ctx, dir, req, opts)
	res.Protocol = version.WorkerProtocol
	if err != nil {
		res.ErrorKind = harness.KindOf(err).String()
		res.Error = err.Error()
		var he *harness.Error
		if errors.As(err, &he) {
			res.NativeStatus = he.Code
		}
	}
	if werr := WriteResult(dir, res); werr != nil {
		log.Error(werr, "writing result")
		return ExitUsage
	}
	if err == nil {
		log.V(1).Info("run completed", "state", res.State, "outputs", len(res.Outputs))
		return 0
	}
	log.Info("run failed", "kind", res.ErrorKind, "err", err)
	if kind := harness.KindOf(err); kind != harness.KindUnknown {
		return kind.ExitCode()
	}
	return ExitUsage
}

func execute(ctx context.Context, dir string, req Request, opts Options) (Result, error) {
	res := Result{State: harness.Idle.String()}
	exe, err := artifact.Load(ctx, req.Artifact, artifact.Options{
		CheckMagic: req.CheckMagic,
		WantDigest: req.WantDigest,
		CacheDir:   req.CacheDir,
		Inputs:     req.Inputs,
		Outputs:    req.Outputs,
	})
	if err != nil {
		return res, harness.Wrap(harness.LoadError, "load", err)
	}
	res.Artifact = &ArtifactInfo{
		Source: exe.Source,
		Format: string(exe.Format),
		Digest: exe.Digest,
		Size:   int64(exe.Size()),
	}
	res.Inputs = exe.Inputs
	res.State = StateStarted
	res.Protocol = version.WorkerProtocol
	if err := WriteResult(dir, res); err != nil {
		return res, err
	}

	inputs, err := ReadInputs(exe.Inputs, req.InputFiles)
	if err != nil {
		return res, err
	}

	reg := opts.Registry
	if reg == nil {
		reg = registry.Default()
	}
	drv, err := reg.Open(req.Driver, registry.Options{
		SimDevices:     req.SimDevices,
		SimMemoryBytes: req.SimMemoryBytes,
		Plugin:         req.Plugin,
	})
	if err != nil {
		return res, harness.Wrap(harness.DeviceUnavailable, "open", err)
	}
	defer registry.Finalize(drv)

	var outDir string
	if req.SaveOutputs {
		outDir = filepath.Join(dir, OutputsDir)
	}
	rr, err := harness.RunLoaded(ctx, exe, inputs, harness.Options{
		Driver:      drv,
		DeviceIndex: req.Device,
		Timeout:     req.Timeout(),
		OutputDir:   outDir,
	})
	res.State = rr.State.String()
	res.LoadMs = rr.LoadTime.Milliseconds()
	res.ExecMs = millis(rr.ExecTime)
	res.ZeroFilled = rr.ZeroFilled
	for i, out := range rr.Outputs {
		o := Output{Spec: out.Spec, Digest: receipt.Digest(out.Data())}
		if i < len(rr.OutputFiles) {
			if rel, relErr := filepath.Rel(dir, rr.OutputFiles[i]); relErr == nil {
				o.File = rel
			}
		}
		res.Outputs = append(res.Outputs, o)
	}
	return res, err
}

// ReadInputs reads the raw bytes for each named input file into host tensors.
func ReadInputs(declared []tensor.Spec, files map[string]string) ([]tensor.HostTensor, error) {
	var inputs []tensor.HostTensor
	for name, path := range files {
		spec, ok := findSpec(declared, name)
		if !ok {
			return nil, &harness.Error{Kind: harness.ShapeMismatch, Op: "input",
				Err: errors.Errorf("no declared input named %q", name)}
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &harness.Error{Kind: harness.LoadError, Op: "input", Err: errors.WithStack(err)}
		}
		t, err := tensor.FromBytes(spec, data)
		if err != nil {
			return nil, &harness.Error{Kind: harness.ShapeMismatch, Op: "input",
				Err: errors.WithMessagef(err, "input file %s", path)}
		}
		inputs = append(inputs, t)
	}
	return inputs, nil
}

func findSpec(specs []tensor.Spec, name string) (tensor.Spec, bool) {
	for _, s := range specs {
		if s.Name == name {
			return s, true
		}
	}
	return tensor.Spec{}, false
}

// millis rounds sub-millisecond executions up so a completed run never reports 0.
func millis(d time.Duration) int64 {
	if d > 0 && d < time.Millisecond {
		return 1
	}
	return d.Milliseconds()
}
