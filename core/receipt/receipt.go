package receipt

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"runtime"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"accelrun/core/tensor"
	"accelrun/core/version"
)

// StderrTailBytes bounds Streams.StderrTail.
const StderrTailBytes = 4096

// Meta is the execution context a receipt is built from.
type Meta struct {
	RunID       string
	ExecutionID string
	Start       time.Time
	End         time.Time
	Labels      map[string]string
	Stdout      []byte
	Stderr      []byte
	Outcome     Outcome
	Resources   Resources
	Backend     ExecutionInfo
	Observer    *Observer
}

// New builds the execution-level part of a receipt. Artifact, device and tensor details are
// filled in by the caller, which knows what the worker was asked to do.
func New(meta Meta) *Receipt {
	r := &Receipt{
		Version:     version.ReceiptVersion,
		CoreVersion: version.CoreVersion,
		RunID:       meta.RunID,
		ExecutionID: meta.ExecutionID,
		StartTime:   formatTime(meta.Start),
		EndTime:     formatTime(meta.End),
		Labels:      meta.Labels,
		Inputs:      []TensorInfo{},
		Outputs:     []TensorInfo{},
		Outcome:     meta.Outcome,
		Execution:   meta.Backend,
		Environment: Environment{OS: runtime.GOOS, Arch: runtime.GOARCH},
		Streams: Streams{
			StdoutHash: hashBytes(meta.Stdout),
			StderrHash: hashBytes(meta.Stderr),
			StderrTail: Tail(meta.Stderr, StderrTailBytes),
		},
	}
	if host, err := os.Hostname(); err == nil {
		r.Environment.Hostname = host
	}
	if !meta.Start.IsZero() && !meta.End.IsZero() {
		r.Timing.WallMs = meta.End.Sub(meta.Start).Milliseconds()
	}
	r.Timing.CPUTimeMs = meta.Resources.CPUTimeMs
	if meta.Resources.CPUTimeMs > 0 || meta.Resources.MaxRSSKB > 0 {
		res := meta.Resources
		r.Resources = &res
	}
	if meta.Observer != nil {
		r.Observation = meta.Observer.Observation()
	}
	return r
}

// SetArtifact records the executable that was run.
func (r *Receipt) SetArtifact(source, format, digest string, size int64) {
	r.Artifact = &Artifact{
		Source:    source,
		Format:    format,
		Digest:    digest,
		SizeBytes: size,
		Size:      humanize.IBytes(uint64(size)),
	}
}

// Tensor describes spec for the receipt.
func Tensor(spec tensor.Spec) TensorInfo {
	n := spec.ByteSize()
	return TensorInfo{
		Name:  spec.Name,
		Spec:  spec.String(),
		Bytes: n,
		Size:  humanize.IBytes(uint64(n)),
	}
}

// Write stores the receipt as indented JSON.
func (r *Receipt) Write(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding receipt")
	}
	return errors.Wrapf(os.WriteFile(path, append(data, '\n'), 0o644), "writing receipt %s", path)
}

// Read loads a receipt written by Write.
func Read(path string) (*Receipt, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading receipt")
	}
	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrapf(err, "decoding receipt %s", path)
	}
	return &r, nil
}

// Tail returns at most n trailing bytes of data, cut at a rune boundary.
func Tail(data []byte, n int) string {
	if len(data) > n {
		data = data[len(data)-n:]
		for len(data) > 0 && !utf8.RuneStart(data[0]) {
			data = data[1:]
		}
	}
	return string(data)
}

// Digest is the sha256 hex digest used for streams and outputs.
func Digest(data []byte) string { return hashBytes(data) }

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339Nano)
}
