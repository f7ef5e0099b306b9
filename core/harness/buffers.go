package harness

import (
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"accelrun/core/native"
	"accelrun/core/tensor"
)

// hostAlignment is the alignment of host staging regions, matching the DMA alignment native
// runtimes expect.
const hostAlignment = 64

// Direction says whether a buffer feeds or receives an execution.
type Direction int

const (
	Input Direction = iota
	Output
)

func (d Direction) String() string {
	if d == Output {
		return "output"
	}
	return "input"
}

// TensorBuffer pairs a host staging region with a device region of the same size.
// Buffers are owned by their session and released when it closes.
type TensorBuffer struct {
	session *Session
	spec    tensor.Spec
	dir     Direction
	host    []byte
	region  native.Region

	uploaded bool
	// ready is set when the last execution that wrote this output completed.
	ready bool
	freed bool
}

// Spec returns the tensor spec the buffer was allocated for.
func (b *TensorBuffer) Spec() tensor.Spec { return b.spec }

// Name is Spec().Name.
func (b *TensorBuffer) Name() string { return b.spec.Name }

func (b *TensorBuffer) Direction() Direction { return b.dir }

// ByteSize is the exact size of both regions.
func (b *TensorBuffer) ByteSize() int { return len(b.host) }

// Uploaded reports whether an input buffer received data.
func (b *TensorBuffer) Uploaded() bool { return b.uploaded }

// Allocate creates a buffer for spec with a host region of exactly spec.ByteSize() bytes and a
// device region of the same size.
func (s *Session) Allocate(spec tensor.Spec, dir Direction) (*TensorBuffer, error) {
	const op = "allocate"
	if err := spec.Validate(); err != nil {
		return nil, newError(ShapeMismatch, op, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(AllocationFailed, op); err != nil {
		return nil, err
	}

	size := spec.ByteSize()
	var region native.Region
	err := guard(op, func() error {
		var err error
		region, err = s.dev.Allocate(spec)
		return err
	})
	if err != nil {
		return nil, wrap(AllocationFailed, op, errors.WithMessagef(err, "tensor %q (%s)", spec.Name, humanize.Bytes(uint64(size))))
	}
	if got := region.ByteSize(); got != size {
		_ = guard(op, func() error { return s.dev.Free(region) })
		return nil, errorf(AllocationFailed, op, "tensor %q: driver returned %d bytes, need %d", spec.Name, got, size)
	}
	buf := &TensorBuffer{
		session: s,
		spec:    spec.Clone(),
		dir:     dir,
		host:    alignedBytes(size),
		region:  region,
	}
	s.buffers = append(s.buffers, buf)
	s.log.V(2).Info("allocated tensor buffer", "tensor", spec.String(), "direction", dir, "bytes", size)
	return buf, nil
}

// Upload copies data into the host region and stages it onto the device. data is not retained.
func (s *Session) Upload(buf *TensorBuffer, data []byte) error {
	const op = "upload"
	if buf == nil {
		return errorf(ShapeMismatch, op, "nil buffer")
	}
	if buf.dir != Input {
		return errorf(ShapeMismatch, op, "tensor %q is an output buffer", buf.spec.Name)
	}
	if len(data) != len(buf.host) {
		return errorf(ShapeMismatch, op, "tensor %q: got %d bytes, %s needs %d",
			buf.spec.Name, len(data), buf.spec, len(buf.host))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ownedLocked(buf, DriverError, op); err != nil {
		return err
	}
	copy(buf.host, data)
	if err := guard(op, func() error { return s.dev.CopyToDevice(buf.region, buf.host) }); err != nil {
		return wrap(DriverError, op, errors.WithMessagef(err, "tensor %q", buf.spec.Name))
	}
	buf.uploaded = true
	s.log.V(2).Info("uploaded tensor", "tensor", buf.spec.Name, "bytes", len(data))
	return nil
}

// UploadTensor is Upload that also checks the tensor's element type and shape.
func (s *Session) UploadTensor(buf *TensorBuffer, t tensor.HostTensor) error {
	if buf != nil && !buf.spec.Equal(t.Spec) {
		return errorf(ShapeMismatch, "upload", "tensor %q: got %s, buffer is %s", buf.spec.Name, t.Spec, buf.spec)
	}
	return s.Upload(buf, t.Data())
}

// Download copies an output back from the device. It requires the execution that produces the
// output to have completed.
func (s *Session) Download(buf *TensorBuffer) (tensor.HostTensor, error) {
	const op = "download"
	if buf == nil {
		return tensor.HostTensor{}, errorf(ShapeMismatch, op, "nil buffer")
	}
	if buf.dir != Output {
		return tensor.HostTensor{}, errorf(ShapeMismatch, op, "tensor %q is an input buffer", buf.spec.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(IncompleteExecution, op); err != nil {
		return tensor.HostTensor{}, err
	}
	if buf.session != s || buf.freed {
		return tensor.HostTensor{}, newError(IncompleteExecution, op, ErrSessionClosed)
	}
	if !buf.ready {
		return tensor.HostTensor{}, errorf(IncompleteExecution, op, "tensor %q: no completed execution has written it", buf.spec.Name)
	}
	if err := guard(op, func() error { return s.dev.CopyToHost(buf.host, buf.region) }); err != nil {
		return tensor.HostTensor{}, wrap(DriverError, op, errors.WithMessagef(err, "tensor %q", buf.spec.Name))
	}
	out, err := tensor.FromBytes(buf.spec, buf.host)
	if err != nil {
		return tensor.HostTensor{}, newError(ShapeMismatch, op, err)
	}
	return out, nil
}

func (s *Session) ownedLocked(buf *TensorBuffer, kind Kind, op string) error {
	if err := s.usableLocked(kind, op); err != nil {
		return err
	}
	if buf.session != s {
		return errorf(kind, op, "tensor %q belongs to another session", buf.spec.Name)
	}
	if buf.freed {
		return newError(kind, op, errors.Wrapf(ErrSessionClosed, "tensor %q was released", buf.spec.Name))
	}
	return nil
}

// alignedBytes returns a zeroed slice of n bytes whose first element is hostAlignment-aligned.
func alignedBytes(n int) []byte {
	raw := make([]byte, n+hostAlignment)
	offset := 0
	if rem := int(uintptr(unsafe.Pointer(&raw[0])) % hostAlignment); rem != 0 {
		offset = hostAlignment - rem
	}
	return raw[offset : offset+n : offset+n]
}
