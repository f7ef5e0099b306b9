// Package pjrt runs StableHLO executables on any device reachable through a PJRT plugin
// (CPU, CUDA, TPU, ...) using github.com/gomlx/gopjrt.
//
// PJRT buffers are immutable, so a region is a slot that holds the most recent device buffer
// written into it: CopyToDevice replaces the buffer, Execute stores the produced outputs in the
// output regions, and CopyToHost transfers whatever the slot currently holds.
package pjrt

import (
	"bytes"
	"slices"
	"sync"

	"github.com/gomlx/gopjrt/pjrt"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"accelrun/core/artifact"
	"accelrun/core/native"
	"accelrun/core/tensor"
)

// Name is the driver name used by the registry.
const Name = "pjrt"

// DefaultPlugins is the plugin preference order when none is configured.
var DefaultPlugins = []string{"cuda", "cpu"}

// AvailablePlugins lists the plugins found on this host, preferred ones first.
func AvailablePlugins() []string {
	found := pjrt.AvailablePlugins()
	names := make([]string, 0, len(found))
	for _, name := range DefaultPlugins {
		if _, ok := found[name]; ok {
			names = append(names, name)
		}
	}
	var others []string
	for name := range found {
		if !slices.Contains(names, name) {
			others = append(others, name)
		}
	}
	slices.Sort(others)
	return append(names, others...)
}

// Driver owns one PJRT client. The plugin is loaded on first use.
type Driver struct {
	pluginName string
	options    pjrt.NamedValuesMap

	mu     sync.Mutex
	plugin *pjrt.Plugin
	client *pjrt.Client
	open   map[int]bool
}

// New creates a driver for pluginName, a plugin name ("cpu", "cuda") or a path to a plugin
// library. An empty name picks the first available plugin.
func New(pluginName string, options pjrt.NamedValuesMap) *Driver {
	return &Driver{pluginName: pluginName, options: options, open: map[int]bool{}}
}

func (d *Driver) Name() string { return Name }

// PluginName is the plugin in use, resolved once the client exists.
func (d *Driver) PluginName() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pluginName
}

func (d *Driver) clientLocked() (*pjrt.Client, error) {
	if d.client != nil {
		return d.client, nil
	}
	if d.pluginName == "" {
		plugins := AvailablePlugins()
		if len(plugins) == 0 {
			return nil, errors.Wrap(native.ErrNoDevice, "no PJRT plugins found, set PJRT_PLUGIN_LIBRARY_PATH")
		}
		d.pluginName = plugins[0]
	}
	plugin, err := pjrt.GetPlugin(d.pluginName)
	if err != nil {
		return nil, errors.WithMessagef(native.ErrNoDevice, "loading PJRT plugin %q: %v", d.pluginName, err)
	}
	client, err := plugin.NewClient(d.options)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating client for PJRT plugin %q", d.pluginName)
	}
	klog.V(1).Infof("PJRT plugin %q: %d addressable devices", d.pluginName, len(client.AddressableDevices()))
	d.plugin, d.client = plugin, client
	return client, nil
}

func (d *Driver) NumDevices() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	client, err := d.clientLocked()
	if err != nil {
		if errors.Is(err, native.ErrNoDevice) {
			return 0, nil
		}
		return 0, err
	}
	return len(client.AddressableDevices()), nil
}

func (d *Driver) Open(index int) (native.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	client, err := d.clientLocked()
	if err != nil {
		return nil, err
	}
	if n := len(client.AddressableDevices()); index < 0 || index >= n {
		return nil, errors.Wrapf(native.ErrNoDevice, "PJRT device %d (plugin %q has %d)", index, d.pluginName, n)
	}
	if d.open[index] {
		return nil, errors.Wrapf(native.ErrNoDevice, "PJRT device %d is already open", index)
	}
	d.open[index] = true
	return &device{drv: d, client: client, index: index, regions: map[*region]struct{}{}}, nil
}

// Finalize destroys the client. Devices opened from it must be closed first.
func (d *Driver) Finalize() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == nil {
		return
	}
	if err := d.client.Destroy(); err != nil {
		klog.Warningf("Failure while destroying PJRT client: %+v", err)
	}
	d.client = nil
	d.plugin = nil
}

func (d *Driver) release(index int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.open, index)
}

type region struct {
	spec tensor.Spec
	buf  *pjrt.Buffer
}

func (r *region) ByteSize() int { return r.spec.ByteSize() }

func (r *region) replace(buf *pjrt.Buffer) {
	if r.buf != nil {
		if err := r.buf.Destroy(); err != nil {
			klog.Warningf("destroying PJRT buffer of %s: %v", r.spec, err)
		}
	}
	r.buf = buf
}

type model struct {
	exec *pjrt.LoadedExecutable
}

// StableHLO programs do not carry names for their parameters; tensor specs come from the caller.
func (m *model) Inputs() []tensor.Spec  { return nil }
func (m *model) Outputs() []tensor.Spec { return nil }

type device struct {
	drv    *Driver
	client *pjrt.Client
	index  int

	mu      sync.Mutex
	closed  bool
	regions map[*region]struct{}
	models  []*model
}

func (dev *device) Index() int { return dev.index }

func (dev *device) checkLocked() error {
	if dev.closed {
		return native.ErrClosed
	}
	return nil
}

func (dev *device) Load(blob []byte) (native.Model, error) {
	switch artifact.Sniff(blob) {
	case artifact.FormatNEFF, artifact.FormatSim:
		return nil, errors.Wrapf(native.ErrRejected, "PJRT cannot load a %s executable", artifact.Sniff(blob))
	}
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if err := dev.checkLocked(); err != nil {
		return nil, err
	}
	exec, err := dev.client.Compile().WithStableHLO(bytes.Clone(blob)).Done()
	if err != nil {
		return nil, errors.Wrapf(native.ErrRejected, "compiling program: %v", err)
	}
	m := &model{exec: exec}
	dev.models = append(dev.models, m)
	return m, nil
}

func (dev *device) Unload(m native.Model) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	mod, ok := m.(*model)
	i := slices.Index(dev.models, mod)
	if !ok || i < 0 {
		return errors.Wrap(native.ErrInvalidHandle, "executable is not loaded on this device")
	}
	dev.models = slices.Delete(dev.models, i, i+1)
	return mod.exec.Destroy()
}

func (dev *device) Allocate(spec tensor.Spec) (native.Region, error) {
	if err := spec.Validate(); err != nil {
		return nil, &native.StatusError{Op: "allocate", Code: 3, Message: err.Error()}
	}
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if err := dev.checkLocked(); err != nil {
		return nil, err
	}
	r := &region{spec: spec.Clone()}
	dev.regions[r] = struct{}{}
	return r, nil
}

func (dev *device) lookupLocked(r native.Region) (*region, error) {
	reg, ok := r.(*region)
	if !ok {
		return nil, errors.Wrapf(native.ErrInvalidHandle, "region %T", r)
	}
	if _, live := dev.regions[reg]; !live {
		return nil, errors.Wrap(native.ErrInvalidHandle, "region is not allocated on this device")
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
	reg.replace(nil)
	return nil
}

func (dev *device) CopyToDevice(dst native.Region, src []byte) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	reg, err := dev.lookupLocked(dst)
	if err != nil {
		return err
	}
	if len(src) != reg.ByteSize() {
		return errors.Errorf("tensor %s needs %d bytes, got %d", reg.spec, reg.ByteSize(), len(src))
	}
	buf, err := dev.client.BufferFromHost().
		FromRawData(src, reg.spec.DType, reg.spec.Shape).
		ToDeviceNum(dev.index).
		Done()
	if err != nil {
		return errors.WithMessagef(err, "transferring %s to PJRT device %d", reg.spec, dev.index)
	}
	reg.replace(buf)
	return nil
}

func (dev *device) CopyToHost(dst []byte, src native.Region) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	reg, err := dev.lookupLocked(src)
	if err != nil {
		return err
	}
	if len(dst) != reg.ByteSize() {
		return errors.Errorf("tensor %s holds %d bytes, destination has %d", reg.spec, reg.ByteSize(), len(dst))
	}
	if reg.buf == nil {
		return errors.Errorf("tensor %s has no device buffer yet", reg.spec)
	}
	return errors.WithMessagef(reg.buf.ToHost(dst), "transferring %s from PJRT device %d", reg.spec, dev.index)
}

func (dev *device) Execute(m native.Model, inputs, outputs []native.Region) error {
	dev.mu.Lock()
	if err := dev.checkLocked(); err != nil {
		dev.mu.Unlock()
		return err
	}
	mod, ok := m.(*model)
	if !ok || !slices.Contains(dev.models, mod) {
		dev.mu.Unlock()
		return errors.Wrap(native.ErrInvalidHandle, "executable is not loaded on this device")
	}
	args := make([]*pjrt.Buffer, len(inputs))
	for i, r := range inputs {
		reg, err := dev.lookupLocked(r)
		if err != nil {
			dev.mu.Unlock()
			return err
		}
		if reg.buf == nil {
			dev.mu.Unlock()
			return errors.Errorf("input %d (%s) was never written", i, reg.spec)
		}
		args[i] = reg.buf
	}
	outRegs := make([]*region, len(outputs))
	for i, r := range outputs {
		reg, err := dev.lookupLocked(r)
		if err != nil {
			dev.mu.Unlock()
			return err
		}
		outRegs[i] = reg
	}
	dev.mu.Unlock()

	results, err := mod.exec.Execute(args...).DonateNone().OnDevicesByNum(dev.index).Done()
	if err != nil {
		return errors.WithMessagef(err, "executing on PJRT device %d", dev.index)
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()
	if len(results) != len(outRegs) {
		destroyAll(results)
		return &native.StatusError{Op: "execute", Code: 3,
			Message: errors.Errorf("program produced %d outputs, %d bound", len(results), len(outRegs)).Error()}
	}
	for i, reg := range outRegs {
		if dims, err := results[i].Dimensions(); err == nil && !slices.Equal(dims, reg.spec.Shape) {
			destroyAll(results)
			return &native.StatusError{Op: "execute", Code: 3,
				Message: errors.Errorf("output %d has dimensions %v, bound as %s", i, dims, reg.spec).Error()}
		}
	}
	for i, reg := range outRegs {
		reg.replace(results[i])
	}
	return nil
}

func destroyAll(bufs []*pjrt.Buffer) {
	for _, b := range bufs {
		_ = b.Destroy()
	}
}

func (dev *device) Close() error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.closed {
		return native.ErrClosed
	}
	dev.closed = true
	var firstErr error
	for reg := range dev.regions {
		reg.replace(nil)
	}
	dev.regions = nil
	for _, m := range dev.models {
		if err := m.exec.Destroy(); err != nil && firstErr == nil {
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
