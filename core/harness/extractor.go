package harness

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"

	"accelrun/core/tensor"
)

// OutputSuffix is appended to tensor names by SaveOutputs.
const OutputSuffix = ".out"

// Extract downloads every output of a completed request, in declared order.
func Extract(req *ExecutionRequest) ([]tensor.HostTensor, error) {
	const op = "extract"
	if req == nil || req.Session == nil {
		return nil, errorf(IncompleteExecution, op, "request has no session")
	}
	if req.state != Completed {
		return nil, errorf(IncompleteExecution, op, "request is %s, want Completed", req.state)
	}
	outputs := make([]tensor.HostTensor, len(req.Outputs))
	for i, buf := range req.Outputs {
		out, err := req.Session.Download(buf)
		if err != nil {
			return nil, err
		}
		outputs[i] = out
	}
	return outputs, nil
}

// SaveOutputs writes each output's raw bytes to dir/<name>.out and returns the paths.
// Unnamed outputs are written as output<i>.out.
func SaveOutputs(dir string, outputs []tensor.HostTensor) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating output dir %s", dir)
	}
	paths := make([]string, 0, len(outputs))
	for i, out := range outputs {
		path := filepath.Join(dir, OutputFileName(out.Name(), i))
		if err := os.WriteFile(path, out.Data(), 0o644); err != nil {
			return paths, errors.Wrapf(err, "writing output %q", out.Name())
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// OutputFileName is the file name SaveOutputs uses for output i.
func OutputFileName(name string, i int) string {
	if name == "" {
		name = "output" + strconv.Itoa(i)
	}
	return filepath.Base(name) + OutputSuffix
}
