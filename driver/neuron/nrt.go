//go:build neuron

package neuron

// #cgo CFLAGS: -I/opt/aws/neuron/include
// #cgo LDFLAGS: -L/opt/aws/neuron/lib -lnrt
// #include <stdlib.h>
// #include <nrt/nrt.h>
//
// static nrt_tensor_info_t *tensor_info_at(nrt_tensor_info_array_t *a, uint64_t i) {
//   return &a->tensor_array[i];
// }
// static uint32_t shape_at(nrt_tensor_info_t *t, uint32_t i) {
//   return t->shape[i];
// }
import "C"

import (
	"sync"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"accelrun/core/native"
	"accelrun/core/tensor"
)

var (
	initOnce sync.Once
	initErr  error
)

// initRuntime calls nrt_init the first time it is needed. nrt_close is never called.
func initRuntime() error {
	initOnce.Do(func() {
		status := C.nrt_init(C.NRT_FRAMEWORK_TYPE_NO_FW, nil, nil)
		initErr = statusError("nrt_init", int(status))
		if initErr == nil {
			klog.V(1).Info("neuron runtime initialized")
		}
	})
	return initErr
}

// Driver exposes the NeuronCores visible to this process, one device per core.
type Driver struct {
	mu   sync.Mutex
	open map[int]bool
}

// New returns the Neuron driver. The runtime is initialized on first use.
func New() *Driver {
	return &Driver{open: map[int]bool{}}
}

func (d *Driver) Name() string { return Name }

func (d *Driver) NumDevices() (int, error) {
	if err := initRuntime(); err != nil {
		return 0, err
	}
	var count C.uint32_t
	if err := statusError("nrt_get_visible_nc_count", int(C.nrt_get_visible_nc_count(&count))); err != nil {
		return 0, err
	}
	return int(count), nil
}

func (d *Driver) Open(index int) (native.Device, error) {
	n, err := d.NumDevices()
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= n {
		return nil, errors.Wrapf(native.ErrNoDevice, "NeuronCore %d (%d visible)", index, n)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open[index] {
		return nil, errors.Wrapf(native.ErrNoDevice, "NeuronCore %d is already open", index)
	}
	d.open[index] = true
	return &device{drv: d, index: index, regions: map[*region]struct{}{}, models: map[*model]struct{}{}}, nil
}

func (d *Driver) release(index int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.open, index)
}

type region struct {
	spec tensor.Spec
	t    *C.nrt_tensor_t
}

func (r *region) ByteSize() int { return r.spec.ByteSize() }

type model struct {
	m       *C.nrt_model_t
	inputs  []tensor.Spec
	outputs []tensor.Spec
}

func (m *model) Inputs() []tensor.Spec  { return m.inputs }
func (m *model) Outputs() []tensor.Spec { return m.outputs }

type device struct {
	drv   *Driver
	index int

	mu      sync.Mutex
	closed  bool
	regions map[*region]struct{}
	models  map[*model]struct{}
}

func (dev *device) Index() int { return dev.index }

// Load calls nrt_load on this core. A malformed NEFF may crash the process instead of
// returning a status.
func (dev *device) Load(blob []byte) (native.Model, error) {
	if len(blob) == 0 {
		return nil, errors.Wrap(native.ErrRejected, "empty NEFF")
	}
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.closed {
		return nil, native.ErrClosed
	}
	var m *C.nrt_model_t
	status := C.nrt_load(unsafe.Pointer(&blob[0]), C.size_t(len(blob)), C.int32_t(dev.index), 1, &m)
	if err := statusError("nrt_load", int(status)); err != nil {
		return nil, err
	}
	inputs, outputs, err := tensorInfo(m)
	if err != nil {
		C.nrt_unload(m)
		return nil, err
	}
	mod := &model{m: m, inputs: inputs, outputs: outputs}
	dev.models[mod] = struct{}{}
	klog.V(1).Infof("NeuronCore %d: loaded %s NEFF, %d inputs, %d outputs",
		dev.index, humanize.Bytes(uint64(len(blob))), len(inputs), len(outputs))
	return mod, nil
}

// tensorInfo reads the model's declared tensors with nrt_get_model_tensor_info.
func tensorInfo(m *C.nrt_model_t) (inputs, outputs []tensor.Spec, err error) {
	var info *C.nrt_tensor_info_array_t
	if err := statusError("nrt_get_model_tensor_info", int(C.nrt_get_model_tensor_info(m, &info))); err != nil {
		return nil, nil, err
	}
	defer C.nrt_free_model_tensor_info(info)
	for i := C.uint64_t(0); i < info.tensor_count; i++ {
		ti := C.tensor_info_at(info, i)
		spec := tensor.Spec{
			Name:  C.GoString(&ti.name[0]),
			DType: DTypeFromNRT(int(ti.dtype)),
		}
		for j := C.uint32_t(0); j < ti.ndim; j++ {
			spec.Shape = append(spec.Shape, int(C.shape_at(ti, j)))
		}
		if len(spec.Shape) == 0 {
			spec.Shape = []int{int(ti.size) / max(1, spec.ElementSize())}
		}
		if spec.ByteSize() != int(ti.size) {
			return nil, nil, errors.Errorf("tensor %q: runtime reports %d bytes for %s", spec.Name, int(ti.size), spec)
		}
		switch ti.usage {
		case C.NRT_TENSOR_USAGE_INPUT:
			inputs = append(inputs, spec)
		case C.NRT_TENSOR_USAGE_OUTPUT:
			outputs = append(outputs, spec)
		}
	}
	return inputs, outputs, nil
}

func (dev *device) Unload(m native.Model) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	mod, ok := m.(*model)
	if _, live := dev.models[mod]; !ok || !live {
		return errors.Wrap(native.ErrInvalidHandle, "model is not loaded on this core")
	}
	delete(dev.models, mod)
	return statusError("nrt_unload", int(C.nrt_unload(mod.m)))
}

func (dev *device) Allocate(spec tensor.Spec) (native.Region, error) {
	if err := spec.Validate(); err != nil {
		return nil, &native.StatusError{Op: "nrt_tensor_allocate", Code: StatusInvalid, Message: err.Error()}
	}
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.closed {
		return nil, native.ErrClosed
	}
	name := C.CString(spec.Name)
	defer C.free(unsafe.Pointer(name))
	var t *C.nrt_tensor_t
	status := C.nrt_tensor_allocate(C.NRT_TENSOR_PLACEMENT_DEVICE, C.int(dev.index), C.size_t(spec.ByteSize()), name, &t)
	if err := statusError("nrt_tensor_allocate", int(status)); err != nil {
		return nil, err
	}
	r := &region{spec: spec.Clone(), t: t}
	dev.regions[r] = struct{}{}
	return r, nil
}

func (dev *device) lookupLocked(r native.Region) (*region, error) {
	reg, ok := r.(*region)
	if !ok {
		return nil, errors.Wrapf(native.ErrInvalidHandle, "region %T", r)
	}
	if _, live := dev.regions[reg]; !live {
		return nil, errors.Wrap(native.ErrInvalidHandle, "tensor is not allocated on this core")
	}
	return reg, nil
}

func (dev *device) Free(r native.Region) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	reg, err := dev.lookupLocked(r)
	if err != nil {
		return err
	}
	delete(dev.regions, reg)
	C.nrt_tensor_free(&reg.t)
	return nil
}

func (dev *device) CopyToDevice(dst native.Region, src []byte) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	reg, err := dev.lookupLocked(dst)
	if err != nil {
		return err
	}
	if len(src) != reg.ByteSize() || len(src) == 0 {
		return &native.StatusError{Op: "nrt_tensor_write", Code: StatusInvalid,
			Message: errors.Errorf("%d bytes into %s", len(src), reg.spec).Error()}
	}
	return statusError("nrt_tensor_write",
		int(C.nrt_tensor_write(reg.t, unsafe.Pointer(&src[0]), 0, C.size_t(len(src)))))
}

func (dev *device) CopyToHost(dst []byte, src native.Region) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	reg, err := dev.lookupLocked(src)
	if err != nil {
		return err
	}
	if len(dst) != reg.ByteSize() || len(dst) == 0 {
		return &native.StatusError{Op: "nrt_tensor_read", Code: StatusInvalid,
			Message: errors.Errorf("%d bytes from %s", len(dst), reg.spec).Error()}
	}
	return statusError("nrt_tensor_read",
		int(C.nrt_tensor_read(reg.t, unsafe.Pointer(&dst[0]), 0, C.size_t(len(dst)))))
}

// tensorSet builds an nrt tensor set binding regions to the model's tensor names.
func tensorSet(specs []tensor.Spec, regions []*region) (*C.nrt_tensor_set_t, error) {
	var set *C.nrt_tensor_set_t
	if err := statusError("nrt_allocate_tensor_set", int(C.nrt_allocate_tensor_set(&set))); err != nil {
		return nil, err
	}
	for i, reg := range regions {
		name := C.CString(specs[i].Name)
		status := C.nrt_add_tensor_to_tensor_set(set, name, reg.t)
		C.free(unsafe.Pointer(name))
		if err := statusError("nrt_add_tensor_to_tensor_set", int(status)); err != nil {
			C.nrt_destroy_tensor_set(&set)
			return nil, err
		}
	}
	return set, nil
}

func (dev *device) bindLocked(regions []native.Region, specs []tensor.Spec) ([]*region, error) {
	if len(regions) != len(specs) {
		return nil, &native.StatusError{Op: "nrt_execute", Code: StatusExecBadInput,
			Message: errors.Errorf("got %d tensors, model declares %d", len(regions), len(specs)).Error()}
	}
	out := make([]*region, len(regions))
	for i, r := range regions {
		reg, err := dev.lookupLocked(r)
		if err != nil {
			return nil, err
		}
		out[i] = reg
	}
	return out, nil
}

// Execute runs nrt_execute. The calling goroutine must stay on its OS thread for the duration.
func (dev *device) Execute(m native.Model, inputs, outputs []native.Region) error {
	dev.mu.Lock()
	if dev.closed {
		dev.mu.Unlock()
		return native.ErrClosed
	}
	mod, ok := m.(*model)
	if _, live := dev.models[mod]; !ok || !live {
		dev.mu.Unlock()
		return errors.Wrap(native.ErrInvalidHandle, "model is not loaded on this core")
	}
	in, err := dev.bindLocked(inputs, mod.inputs)
	if err != nil {
		dev.mu.Unlock()
		return err
	}
	out, err := dev.bindLocked(outputs, mod.outputs)
	if err != nil {
		dev.mu.Unlock()
		return err
	}
	inSet, err := tensorSet(mod.inputs, in)
	if err != nil {
		dev.mu.Unlock()
		return err
	}
	defer C.nrt_destroy_tensor_set(&inSet)
	outSet, err := tensorSet(mod.outputs, out)
	if err != nil {
		dev.mu.Unlock()
		return err
	}
	defer C.nrt_destroy_tensor_set(&outSet)
	dev.mu.Unlock()

	return statusError("nrt_execute", int(C.nrt_execute(mod.m, inSet, outSet)))
}

// Close frees every tensor and unloads every model left on the core. The runtime itself stays
// initialized.
func (dev *device) Close() error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.closed {
		return native.ErrClosed
	}
	dev.closed = true
	for reg := range dev.regions {
		C.nrt_tensor_free(&reg.t)
	}
	dev.regions = nil
	var firstErr error
	for mod := range dev.models {
		if err := statusError("nrt_unload", int(C.nrt_unload(mod.m))); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	dev.models = nil
	dev.drv.release(dev.index)
	return firstErr
}

var (
	_ native.Driver = (*Driver)(nil)
	_ native.Device = (*device)(nil)
)
