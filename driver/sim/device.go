package sim

import (
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"accelrun/core/native"
	"accelrun/core/tensor"
)

type region struct {
	spec tensor.Spec
	data []byte
}

func (r *region) ByteSize() int { return len(r.data) }

type model struct {
	manifest Manifest
}

func (m *model) Inputs() []tensor.Spec  { return m.manifest.Inputs }
func (m *model) Outputs() []tensor.Spec { return m.manifest.Outputs }

type device struct {
	drv      *Driver
	index    int
	capacity int64

	mu      sync.Mutex
	closed  bool
	used    int64
	regions map[*region]struct{}
	models  map[*model]struct{}
	// closing is closed by Close and releases hung executions.
	closing chan struct{}
}

func (d *device) Index() int { return d.index }

func (d *device) Load(blob []byte) (native.Model, error) {
	manifest, err := ParseManifest(blob)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, native.ErrClosed
	}
	m := &model{manifest: manifest}
	d.models[m] = struct{}{}
	d.drv.update(func(s *Stats) { s.Loads++ })
	return m, nil
}

func (d *device) Unload(m native.Model) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	mod, ok := m.(*model)
	if !ok {
		return errors.Wrapf(native.ErrInvalidHandle, "model %T", m)
	}
	if _, live := d.models[mod]; !live {
		return errors.Wrap(native.ErrInvalidHandle, "model already unloaded")
	}
	delete(d.models, mod)
	d.drv.update(func(s *Stats) { s.Unloads++ })
	return nil
}

func (d *device) Allocate(spec tensor.Spec) (native.Region, error) {
	if err := spec.Validate(); err != nil {
		return nil, &native.StatusError{Op: "allocate", Code: StatusInvalid, Message: err.Error()}
	}
	size := int64(spec.ByteSize())
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, native.ErrClosed
	}
	if d.used+size > d.capacity {
		return nil, errors.Wrapf(native.ErrOutOfMemory, "sim device %d: %s requested, %s of %s in use",
			d.index, humanize.Bytes(uint64(size)), humanize.Bytes(uint64(d.used)), humanize.Bytes(uint64(d.capacity)))
	}
	r := &region{spec: spec.Clone(), data: make([]byte, size)}
	d.regions[r] = struct{}{}
	d.used += size
	d.drv.update(func(s *Stats) {
		s.Allocations++
		s.LiveRegions++
		s.LiveBytes += size
	})
	return r, nil
}

func (d *device) Free(r native.Region) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	reg, err := d.lookupLocked(r)
	if err != nil {
		d.drv.update(func(s *Stats) { s.InvalidFrees++ })
		return err
	}
	d.freeLocked(reg)
	d.drv.update(func(s *Stats) { s.Frees++ })
	return nil
}

func (d *device) freeLocked(reg *region) {
	delete(d.regions, reg)
	size := int64(len(reg.data))
	d.used -= size
	d.drv.update(func(s *Stats) {
		s.LiveRegions--
		s.LiveBytes -= size
	})
}

func (d *device) lookupLocked(r native.Region) (*region, error) {
	reg, ok := r.(*region)
	if !ok {
		return nil, errors.Wrapf(native.ErrInvalidHandle, "region %T", r)
	}
	if _, live := d.regions[reg]; !live {
		return nil, errors.Wrap(native.ErrInvalidHandle, "region is not allocated on this device")
	}
	return reg, nil
}

func (d *device) CopyToDevice(dst native.Region, src []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	reg, err := d.lookupLocked(dst)
	if err != nil {
		return err
	}
	if len(src) != len(reg.data) {
		return &native.StatusError{Op: "tensor_write", Code: StatusInvalid,
			Message: fmt.Sprintf("wrote %d bytes into a %d byte region", len(src), len(reg.data))}
	}
	copy(reg.data, src)
	return nil
}

func (d *device) CopyToHost(dst []byte, src native.Region) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	reg, err := d.lookupLocked(src)
	if err != nil {
		return err
	}
	if len(dst) != len(reg.data) {
		return &native.StatusError{Op: "tensor_read", Code: StatusInvalid,
			Message: fmt.Sprintf("read %d bytes from a %d byte region", len(dst), len(reg.data))}
	}
	copy(dst, reg.data)
	return nil
}

func (d *device) Execute(m native.Model, inputs, outputs []native.Region) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return native.ErrClosed
	}
	mod, ok := m.(*model)
	if _, live := d.models[mod]; !ok || !live {
		d.mu.Unlock()
		return errors.Wrap(native.ErrInvalidHandle, "model is not loaded on this device")
	}
	manifest := mod.manifest
	in, err := d.bindLocked(inputs, manifest.Inputs)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	out, err := d.bindLocked(outputs, manifest.Outputs)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	hostInputs := make([]tensor.HostTensor, len(in))
	for i, reg := range in {
		hostInputs[i], err = tensor.FromBytes(manifest.Inputs[i], reg.data)
		if err != nil {
			d.mu.Unlock()
			return &native.StatusError{Op: "execute", Code: StatusBadInput, Message: err.Error()}
		}
	}
	closing := d.closing
	d.drv.update(func(s *Stats) { s.Executions++ })
	d.mu.Unlock()

	switch manifest.Op {
	case OpHang:
		<-closing
		return &native.StatusError{Op: "execute", Code: StatusTimeout, Message: "device closed during execution"}
	case OpFault:
		fault()
	case OpFail:
		code := manifest.Status
		if code == 0 {
			code = StatusCompletedWithErr
		}
		msg := manifest.Message
		if msg == "" {
			msg = "execution completed with errors"
		}
		return &native.StatusError{Op: "execute", Code: code, Message: msg}
	}

	results, err := manifest.compute(hostInputs)
	if err != nil {
		return &native.StatusError{Op: "execute", Code: StatusFailure, Message: err.Error()}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for i, reg := range out {
		if _, live := d.regions[reg]; !live {
			return errors.Wrap(native.ErrInvalidHandle, "output region freed during execution")
		}
		copy(reg.data, results[i].Data())
	}
	return nil
}

func (d *device) bindLocked(regions []native.Region, specs []tensor.Spec) ([]*region, error) {
	if len(regions) != len(specs) {
		return nil, &native.StatusError{Op: "execute", Code: StatusBadInput,
			Message: fmt.Sprintf("got %d tensors, executable declares %d", len(regions), len(specs))}
	}
	out := make([]*region, len(regions))
	for i, r := range regions {
		reg, err := d.lookupLocked(r)
		if err != nil {
			return nil, err
		}
		if len(reg.data) != specs[i].ByteSize() {
			return nil, &native.StatusError{Op: "execute", Code: StatusBadInput,
				Message: fmt.Sprintf("tensor %q: region holds %d bytes, needs %d", specs[i].Name, len(reg.data), specs[i].ByteSize())}
		}
		out[i] = reg
	}
	return out, nil
}

func (d *device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return native.ErrClosed
	}
	d.closed = true
	close(d.closing)
	leaked := len(d.regions)
	for reg := range d.regions {
		d.freeLocked(reg)
	}
	d.models = map[*model]struct{}{}
	d.mu.Unlock()

	d.drv.update(func(s *Stats) { s.ReclaimedAtClose += leaked })
	d.drv.release(d.index)
	return nil
}

var _ native.Device = (*device)(nil)
