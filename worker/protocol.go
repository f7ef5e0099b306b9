package worker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"accelrun/core/tensor"
	"accelrun/core/version"
)

// Files inside a run directory.
const (
	RequestFile = "request.json"
	ResultFile  = "result.json"
	OutputsDir  = "outputs"
	StderrFile  = "stderr.log"
)

// Request is what the supervisor asks a worker to do. It is written to request.json in the run
// directory before the worker starts.
type Request struct {
	Protocol int    `json:"protocol"`
	RunID    string `json:"run_id"`
	// Artifact is a path or URL understood by artifact.Load.
	Artifact   string `json:"artifact"`
	WantDigest string `json:"want_digest,omitempty"`
	CheckMagic bool   `json:"check_magic,omitempty"`
	CacheDir   string `json:"cache_dir,omitempty"`

	Driver         string `json:"driver"`
	Device         int    `json:"device"`
	Plugin         string `json:"plugin,omitempty"`
	SimDevices     int    `json:"sim_devices,omitempty"`
	SimMemoryBytes int64  `json:"sim_memory_bytes,omitempty"`

	TimeoutMs int64 `json:"timeout_ms,omitempty"`
	// Inputs and Outputs declare tensor specs for formats that do not carry them.
	Inputs  []tensor.Spec `json:"inputs,omitempty"`
	Outputs []tensor.Spec `json:"outputs,omitempty"`
	// InputFiles maps input names to files holding their raw bytes.
	InputFiles map[string]string `json:"input_files,omitempty"`
	// SaveOutputs writes every output to outputs/<name>.out.
	SaveOutputs bool `json:"save_outputs,omitempty"`
	// CoreDumps raises RLIMIT_CORE so a crash leaves a core file in the run directory.
	CoreDumps bool `json:"core_dumps,omitempty"`
}

// Timeout is the per-run execute timeout.
func (r Request) Timeout() time.Duration { return time.Duration(r.TimeoutMs) * time.Millisecond }

// Validate checks the fields a worker cannot run without.
func (r Request) Validate() error {
	if r.Protocol != version.WorkerProtocol {
		return errors.Errorf("worker protocol %d, request has %d", version.WorkerProtocol, r.Protocol)
	}
	if r.Artifact == "" {
		return errors.New("request has no artifact")
	}
	if r.Driver == "" {
		return errors.New("request has no driver")
	}
	if r.Device < 0 {
		return errors.Errorf("invalid device index %d", r.Device)
	}
	return nil
}

// Result is what the worker reports back in result.json. The worker writes a preliminary
// result (State "started") once the artifact is loaded, so a crash still leaves the artifact
// identity behind.
type Result struct {
	Protocol int    `json:"protocol"`
	State    string `json:"state"`

	ErrorKind    string `json:"error_kind,omitempty"`
	Error        string `json:"error,omitempty"`
	NativeStatus int    `json:"native_status,omitempty"`

	Artifact *ArtifactInfo `json:"artifact,omitempty"`
	LoadMs   int64         `json:"load_ms"`
	ExecMs   int64         `json:"exec_ms"`

	Inputs     []tensor.Spec `json:"inputs,omitempty"`
	ZeroFilled []string      `json:"zero_filled,omitempty"`
	Outputs    []Output      `json:"outputs,omitempty"`
}

// StateStarted marks the preliminary result.
const StateStarted = "started"

type ArtifactInfo struct {
	Source string `json:"source"`
	Format string `json:"format"`
	Digest string `json:"sha256"`
	Size   int64  `json:"size"`
}

type Output struct {
	Spec   tensor.Spec `json:"spec"`
	Digest string      `json:"sha256"`
	// File is relative to the run directory.
	File string `json:"file,omitempty"`
}

// WriteRequest writes req into dir.
func WriteRequest(dir string, req Request) error {
	return writeJSON(filepath.Join(dir, RequestFile), req)
}

// ReadRequest reads dir/request.json.
func ReadRequest(dir string) (Request, error) {
	var req Request
	err := readJSON(filepath.Join(dir, RequestFile), &req)
	return req, err
}

// WriteResult writes res into dir.
func WriteResult(dir string, res Result) error {
	return writeJSON(filepath.Join(dir, ResultFile), res)
}

// ReadResult reads dir/result.json. A missing file returns an error matching os.ErrNotExist.
func ReadResult(dir string) (Result, error) {
	var res Result
	err := readJSON(filepath.Join(dir, ResultFile), &res)
	return res, err
}

// writeJSON replaces path atomically so a reader never sees a torn file, even if the writer
// dies mid-way.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encoding %s", filepath.Base(path))
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", tmp)
	}
	return errors.Wrapf(os.Rename(tmp, path), "renaming %s", tmp)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.Wrapf(json.Unmarshal(data, v), "decoding %s", path)
}
