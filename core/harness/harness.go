// Package harness executes a compiled accelerator executable once: it opens a device session,
// loads the executable, stages inputs into device buffers, runs it synchronously with a
// timeout and reads the outputs back.
//
// Every failure the native runtime reports comes back as a typed *Error (see Kind). A fault
// inside the native runtime is different: it terminates the process and cannot be returned.
// Callers that must survive such faults run the harness in a worker process (see the runner
// package) and observe the termination from the outside.
package harness

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"accelrun/core/artifact"
	"accelrun/core/native"
	"accelrun/core/tensor"
	"accelrun/node/pool"
)

// Options configures RunExecutable.
type Options struct {
	Driver      native.Driver
	DeviceIndex int
	// Timeout bounds the execute call; 0 means no limit beyond ctx.
	Timeout time.Duration
	// Load configures reading the executable. Its Inputs/Outputs are overridden by the specs
	// given to RunExecutable when those are non-empty.
	Load artifact.Options
	// OutputDir, when set, receives <name>.out for every output.
	OutputDir string
	// Locks overrides the process-wide device lock table.
	Locks *pool.DeviceLocks
}

// RunResult is the outcome of one run.
type RunResult struct {
	Executable *artifact.Executable
	Outputs    []tensor.HostTensor
	// OutputFiles lists the files written to Options.OutputDir.
	OutputFiles []string
	// ZeroFilled names the inputs that had no data and were uploaded as zeros.
	ZeroFilled []string
	LoadTime   time.Duration
	// ExecTime covers the native execute call only.
	ExecTime time.Duration
	State    State
}

// RunShapes runs the executable at path with zero-filled inputs of the given shapes and returns
// outputs of the given shapes.
func RunShapes(ctx context.Context, path string, inputShapes, outputShapes []tensor.Spec, opts Options) (RunResult, error) {
	return RunExecutable(ctx, path, nil, inputShapes, outputShapes, opts)
}

// RunExecutable loads the executable at path and runs it once. inputs are matched to the
// declared input specs by name, or by position when unnamed; inputs without data are
// zero-filled. inputSpecs and outputSpecs declare the tensors for formats that do not carry
// them and may be nil otherwise.
func RunExecutable(ctx context.Context, path string, inputs []tensor.HostTensor, inputSpecs, outputSpecs []tensor.Spec, opts Options) (RunResult, error) {
	loadOpts := opts.Load
	if len(inputSpecs) > 0 {
		loadOpts.Inputs = inputSpecs
	}
	if len(outputSpecs) > 0 {
		loadOpts.Outputs = outputSpecs
	}
	exe, err := artifact.Load(ctx, path, loadOpts)
	if err != nil {
		return RunResult{State: Idle}, newError(LoadError, "load", err)
	}
	return RunLoaded(ctx, exe, inputs, opts)
}

// RunLoaded is RunExecutable for an executable already in memory.
func RunLoaded(ctx context.Context, exe *artifact.Executable, inputs []tensor.HostTensor, opts Options) (result RunResult, err error) {
	result = RunResult{Executable: exe, State: Idle}
	if exe == nil {
		return result, errorf(LoadError, "load", "no executable")
	}
	log := klog.FromContext(ctx).WithValues("executable", exe.Source, "device", opts.DeviceIndex)
	ctx = klog.NewContext(ctx, log)

	session, err := Open(ctx, opts.Driver, opts.DeviceIndex, SessionOptions{Locks: opts.Locks})
	if err != nil {
		return result, err
	}
	defer func() {
		if closeErr := session.Close(); closeErr != nil {
			log.Error(closeErr, "closing device session")
			if err == nil {
				err = closeErr
			}
		}
	}()

	if err := session.Load(ctx, exe); err != nil {
		return result, err
	}
	result.LoadTime = session.LoadTime()

	declIn, declOut := session.Declared()
	if len(declIn) == 0 && len(inputs) > 0 {
		declIn = specsOf(inputs)
	}
	inBufs := make([]*TensorBuffer, len(declIn))
	for i, spec := range declIn {
		buf, err := session.Allocate(spec, Input)
		if err != nil {
			return result, err
		}
		inBufs[i] = buf
		data, ok := matchInput(inputs, spec, i)
		if !ok {
			result.ZeroFilled = append(result.ZeroFilled, spec.Name)
			log.V(1).Info("input has no data, uploading zeros", "tensor", spec.String())
			data = tensor.Zeros(spec)
		}
		if err := session.UploadTensor(buf, data); err != nil {
			return result, err
		}
	}
	outBufs := make([]*TensorBuffer, len(declOut))
	for i, spec := range declOut {
		buf, err := session.Allocate(spec, Output)
		if err != nil {
			return result, err
		}
		outBufs[i] = buf
	}

	req := NewRequest(session, inBufs, outBufs)
	inv := Invoker{Timeout: opts.Timeout}
	if err := inv.Bind(req); err != nil {
		return result, err
	}
	result.State = req.State()
	err = inv.Run(ctx, req)
	result.State = req.State()
	result.ExecTime = req.ExecTime()
	if err != nil {
		return result, err
	}

	outputs, err := Extract(req)
	if err != nil {
		return result, err
	}
	result.Outputs = outputs
	if opts.OutputDir != "" {
		files, err := SaveOutputs(opts.OutputDir, outputs)
		result.OutputFiles = files
		if err != nil {
			return result, errors.WithMessage(err, "saving outputs")
		}
	}
	log.V(1).Info("run complete", "load", result.LoadTime, "exec", result.ExecTime, "outputs", len(outputs))
	return result, nil
}

// matchInput finds the data for declared input i: by name first, then by position among
// unnamed inputs.
func matchInput(inputs []tensor.HostTensor, spec tensor.Spec, i int) (tensor.HostTensor, bool) {
	if spec.Name != "" {
		for _, in := range inputs {
			if in.Name() == spec.Name {
				return in, true
			}
		}
	}
	if i < len(inputs) && (inputs[i].Name() == "" || spec.Name == "") {
		return inputs[i], true
	}
	return tensor.HostTensor{}, false
}

func specsOf(inputs []tensor.HostTensor) []tensor.Spec {
	specs := make([]tensor.Spec, len(inputs))
	for i, in := range inputs {
		specs[i] = in.Spec.Clone()
	}
	return specs
}
