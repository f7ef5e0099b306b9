// Package sim is an in-memory simulated accelerator.
//
// It executes sim manifests (see Manifest) and keeps exact accounting of device memory, so
// tests can assert that every allocation made through the harness is released exactly once.
// The fail, hang and fault ops reproduce the failure modes of a real runtime: a status error,
// an execution that never completes, and a fatal signal that takes the process down.
package sim

import (
	"sync"

	"github.com/pkg/errors"

	"accelrun/core/native"
)

// Name is the registry name of the simulated driver.
const Name = "sim"

// DefaultMemoryBytes is the per-device capacity when Config.MemoryBytes is zero.
const DefaultMemoryBytes int64 = 1 << 30

// Config sizes the simulated hardware.
type Config struct {
	Devices     int
	MemoryBytes int64
}

// Stats counts driver activity across all devices.
type Stats struct {
	Opens       int
	Closes      int
	Loads       int
	Unloads     int
	Executions  int
	Allocations int
	Frees       int
	// InvalidFrees counts Free calls on regions that were unknown or already freed.
	InvalidFrees int
	// ReclaimedAtClose counts regions still allocated when their device was closed.
	ReclaimedAtClose int
	LiveRegions      int
	LiveBytes        int64
}

// Driver implements native.Driver.
type Driver struct {
	cfg Config

	mu    sync.Mutex
	open  map[int]*device
	stats Stats
}

// New creates a simulated driver; zero fields of cfg take defaults (one device, 1 GiB).
func New(cfg Config) *Driver {
	if cfg.Devices <= 0 {
		cfg.Devices = 1
	}
	if cfg.MemoryBytes <= 0 {
		cfg.MemoryBytes = DefaultMemoryBytes
	}
	return &Driver{cfg: cfg, open: map[int]*device{}}
}

func (d *Driver) Name() string { return Name }

func (d *Driver) NumDevices() (int, error) { return d.cfg.Devices, nil }

func (d *Driver) Open(index int) (native.Device, error) {
	if index < 0 || index >= d.cfg.Devices {
		return nil, errors.Wrapf(native.ErrNoDevice, "sim device %d (have %d)", index, d.cfg.Devices)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.open[index]; busy {
		return nil, errors.Wrapf(native.ErrNoDevice, "sim device %d is already open", index)
	}
	dev := &device{
		drv:      d,
		index:    index,
		capacity: d.cfg.MemoryBytes,
		regions:  map[*region]struct{}{},
		models:   map[*model]struct{}{},
		closing:  make(chan struct{}),
	}
	d.open[index] = dev
	d.stats.Opens++
	return dev, nil
}

// Stats returns a snapshot of the counters.
func (d *Driver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *Driver) update(fn func(*Stats)) {
	d.mu.Lock()
	fn(&d.stats)
	d.mu.Unlock()
}

func (d *Driver) release(index int) {
	d.mu.Lock()
	delete(d.open, index)
	d.stats.Closes++
	d.mu.Unlock()
}

var _ native.Driver = (*Driver)(nil)
