// Package artifact loads compiled accelerator executables.
//
// An Executable is an opaque, immutable byte blob plus the little metadata that can be
// recovered without the vendor runtime: where it came from, its container format (sniffed
// from the leading magic bytes), its sha256 digest and, when the format carries them, the
// declared input and output tensors.
//
// Sources can be local paths, file:// URLs, gs://bucket/object URLs or http(s):// URLs. Remote
// sources are streamed into a cache directory first; the local copy is what gets read.
package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"accelrun/core/tensor"
)

// Format identifies the container format of an executable.
type Format string

const (
	FormatUnknown   Format = "unknown"
	FormatNEFF      Format = "neff"
	FormatStableHLO Format = "stablehlo"
	FormatHLOProto  Format = "hlo-proto"
	FormatSim       Format = "sim"
)

// DefaultMaxBytes bounds the size of an executable when Options.MaxBytes is zero.
const DefaultMaxBytes int64 = 4 << 30

// SimMagic starts every simulated-device manifest.
const SimMagic = "AXSIM1\n"

var (
	ErrEmpty          = errors.New("executable is empty")
	ErrTooLarge       = errors.New("executable exceeds size limit")
	ErrUnknownFormat  = errors.New("unrecognized executable format")
	ErrDigestMismatch = errors.New("executable digest mismatch")
)

// Options configures Load and FromBytes.
type Options struct {
	// MaxBytes bounds the executable size; 0 means DefaultMaxBytes.
	MaxBytes int64
	// CheckMagic rejects executables whose format cannot be identified.
	CheckMagic bool
	// WantDigest, when set, is the expected sha256 hex digest.
	WantDigest string
	// CacheDir receives downloads of remote sources. Defaults to a directory under os.TempDir().
	CacheDir string
	// Progress, when set, is written to as remote sources stream in.
	Progress io.Writer
	// Inputs and Outputs declare the tensor specs for formats that do not carry them.
	Inputs  []tensor.Spec
	Outputs []tensor.Spec
	// HTTPClient is used for http(s) sources; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

func (o Options) maxBytes() int64 {
	if o.MaxBytes > 0 {
		return o.MaxBytes
	}
	return DefaultMaxBytes
}

// Executable is a loaded compiled executable. It is never mutated after loading.
type Executable struct {
	Source  string
	Format  Format
	Digest  string
	Inputs  []tensor.Spec
	Outputs []tensor.Spec

	data []byte
}

// Size is the length of the blob in bytes.
func (e *Executable) Size() int { return len(e.data) }

// Bytes returns a copy of the blob.
func (e *Executable) Bytes() []byte { return append([]byte(nil), e.data...) }

// Reader streams the blob without copying it.
func (e *Executable) Reader() io.Reader { return bytes.NewReader(e.data) }

// Save writes the blob to path.
func (e *Executable) Save(path string) error {
	if err := os.WriteFile(path, e.data, 0o644); err != nil {
		return errors.Wrapf(err, "saving executable to %s", path)
	}
	return nil
}

func (e *Executable) String() string {
	return fmt.Sprintf("%s (%s, %s, sha256:%.12s)", e.Source, e.Format, humanize.Bytes(uint64(len(e.data))), e.Digest)
}

// Load reads the executable at source.
func Load(ctx context.Context, source string, opts Options) (*Executable, error) {
	log := klog.FromContext(ctx)
	if strings.TrimSpace(source) == "" {
		return nil, errors.New("no executable source given")
	}
	path, err := localPath(ctx, source, opts)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading executable %s", source)
	}
	if info.IsDir() {
		return nil, errors.Errorf("reading executable %s: is a directory", source)
	}
	if info.Size() > opts.maxBytes() {
		return nil, errors.Wrapf(ErrTooLarge, "executable %s is %s, limit %s", source,
			humanize.Bytes(uint64(info.Size())), humanize.Bytes(uint64(opts.maxBytes())))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading executable %s", source)
	}
	exe, err := FromBytes(source, data, opts)
	if err != nil {
		return nil, err
	}
	log.V(1).Info("loaded executable", "source", source, "format", exe.Format, "bytes", exe.Size(), "digest", exe.Digest)
	return exe, nil
}

// FromBytes builds an executable from an in-memory blob. data is copied.
func FromBytes(name string, data []byte, opts Options) (*Executable, error) {
	if len(data) == 0 {
		return nil, errors.Wrapf(ErrEmpty, "executable %s", name)
	}
	if int64(len(data)) > opts.maxBytes() {
		return nil, errors.Wrapf(ErrTooLarge, "executable %s is %s", name, humanize.Bytes(uint64(len(data))))
	}
	format := Sniff(data)
	if opts.CheckMagic && format == FormatUnknown {
		return nil, errors.Wrapf(ErrUnknownFormat, "executable %s", name)
	}
	digest := Digest(data)
	if opts.WantDigest != "" && !strings.EqualFold(opts.WantDigest, digest) {
		return nil, errors.Wrapf(ErrDigestMismatch, "executable %s: got %s, want %s", name, digest, opts.WantDigest)
	}
	exe := &Executable{
		Source:  name,
		Format:  format,
		Digest:  digest,
		Inputs:  cloneSpecs(opts.Inputs),
		Outputs: cloneSpecs(opts.Outputs),
		data:    append([]byte(nil), data...),
	}
	if format == FormatSim {
		header, err := ParseSimHeader(data)
		if err != nil {
			return nil, errors.WithMessagef(err, "executable %s", name)
		}
		if len(exe.Inputs) == 0 {
			exe.Inputs = header.Inputs
		}
		if len(exe.Outputs) == 0 {
			exe.Outputs = header.Outputs
		}
	}
	return exe, nil
}

// Sniff identifies the container format from the leading bytes.
func Sniff(data []byte) Format {
	switch {
	case bytes.HasPrefix(data, []byte(SimMagic)):
		return FormatSim
	case bytes.HasPrefix(data, []byte("NEFF")):
		return FormatNEFF
	case bytes.HasPrefix(data, []byte("ML\xefR")):
		return FormatStableHLO
	case len(data) > 1 && data[0] == 0x0a:
		// HloModuleProto starts with field 1 (name), length-delimited.
		return FormatHLOProto
	}
	return FormatUnknown
}

// Digest is the hex sha256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SimHeader is the part of a simulated-device manifest the loader understands.
type SimHeader struct {
	Inputs  []tensor.Spec `json:"inputs"`
	Outputs []tensor.Spec `json:"outputs"`
}

// ParseSimHeader decodes the declared tensors of a simulated-device manifest.
func ParseSimHeader(data []byte) (SimHeader, error) {
	var header SimHeader
	if !bytes.HasPrefix(data, []byte(SimMagic)) {
		return header, errors.Wrap(ErrUnknownFormat, "missing sim manifest magic")
	}
	if err := json.Unmarshal(data[len(SimMagic):], &header); err != nil {
		return header, errors.Wrap(err, "decoding sim manifest")
	}
	return header, nil
}

func cloneSpecs(specs []tensor.Spec) []tensor.Spec {
	if len(specs) == 0 {
		return nil
	}
	out := make([]tensor.Spec, len(specs))
	for i, s := range specs {
		out[i] = s.Clone()
	}
	return out
}
