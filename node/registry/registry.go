// Package registry maps driver names to constructors.
package registry

import (
	"sort"
	"sync"

	"github.com/gomlx/gopjrt/pjrt"
	"github.com/pkg/errors"

	"accelrun/core/native"
	pjrtdriver "accelrun/driver/pjrt"
	"accelrun/driver/sim"
)

// Options carries the driver-specific settings a factory may use.
type Options struct {
	// SimDevices and SimMemoryBytes size the simulated driver.
	SimDevices     int
	SimMemoryBytes int64
	// Plugin is the PJRT plugin name or path.
	Plugin string
}

// Factory constructs a driver.
type Factory func(Options) (native.Driver, error)

// Registry maps driver names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func New() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// builtin holds the drivers compiled into this binary; build-tagged files add to it.
var builtin = map[string]Factory{
	sim.Name: func(o Options) (native.Driver, error) {
		return sim.New(sim.Config{Devices: o.SimDevices, MemoryBytes: o.SimMemoryBytes}), nil
	},
	pjrtdriver.Name: func(o Options) (native.Driver, error) {
		return pjrtdriver.New(o.Plugin, pjrt.NamedValuesMap{}), nil
	},
}

// Default returns a registry with every driver compiled into the binary.
func Default() *Registry {
	r := New()
	for name, f := range builtin {
		r.Register(name, f)
	}
	return r
}

// Register adds or replaces a factory under a given name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Get returns the factory for name.
func (r *Registry) Get(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := r.factories[name]; ok {
		return f, nil
	}
	return nil, errors.Errorf("driver %q not registered (have %v)", name, r.namesLocked())
}

// Open constructs the driver registered under name.
func (r *Registry) Open(name string, opts Options) (native.Driver, error) {
	f, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	drv, err := f(opts)
	return drv, errors.WithMessagef(err, "creating driver %q", name)
}

// Names returns the registered driver names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Finalize releases process-wide driver resources, for drivers that hold any.
func Finalize(drv native.Driver) {
	if f, ok := drv.(interface{ Finalize() }); ok {
		f.Finalize()
	}
}
