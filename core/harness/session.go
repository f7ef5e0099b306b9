package harness

import (
	"context"
	"sync"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"accelrun/core/artifact"
	"accelrun/core/native"
	"accelrun/core/tensor"
	"accelrun/node/pool"
)

// abandonGrace is how long Close waits for an abandoned execution to return once the device
// has been closed under it.
const abandonGrace = time.Second

// SessionOptions configures Open.
type SessionOptions struct {
	// Locks is the device lock table; nil means the process-wide pool.Devices.
	Locks *pool.DeviceLocks
}

// Session is exclusive ownership of one opened device, the executable loaded on it and every
// device allocation made through it.
//
// A session is not safe for concurrent use except for Close, which may be called from any
// goroutine. Everything derived from a session is invalid once it is closed.
type Session struct {
	driver string
	index  int
	dev    native.Device
	log    klog.Logger

	mu       sync.Mutex
	release  func()
	exe      *artifact.Executable
	model    native.Model
	loadTime time.Duration
	buffers  []*TensorBuffer
	closed   bool
	poisoned error
	// inflight is non-nil while an execution is running, and stays set if it was abandoned.
	inflight chan struct{}
}

// Open opens device index of drv. It waits for the device lock while ctx allows.
func Open(ctx context.Context, drv native.Driver, index int, opts SessionOptions) (*Session, error) {
	const op = "open"
	if drv == nil {
		return nil, errorf(DeviceUnavailable, op, "no driver")
	}
	log := klog.FromContext(ctx).WithValues("driver", drv.Name(), "device", index)

	var count int
	err := guard(op, func() error {
		var err error
		count, err = drv.NumDevices()
		return err
	})
	if err != nil {
		return nil, wrap(DriverError, op, err)
	}
	if index < 0 || index >= count {
		return nil, newError(DeviceUnavailable, op,
			errors.Wrapf(native.ErrNoDevice, "device %d of driver %s (%d available)", index, drv.Name(), count))
	}

	locks := opts.Locks
	if locks == nil {
		locks = pool.Devices
	}
	release, err := locks.Acquire(ctx, pool.DeviceKey(drv.Name(), index))
	if err != nil {
		return nil, newError(DeviceUnavailable, op, errors.Wrapf(err, "waiting for device %d", index))
	}

	var dev native.Device
	err = guard(op, func() error {
		var err error
		dev, err = drv.Open(index)
		return err
	})
	if err != nil {
		release()
		return nil, wrap(DriverError, op, err)
	}
	log.V(1).Info("device session opened")
	return &Session{
		driver:  drv.Name(),
		index:   index,
		dev:     dev,
		log:     log,
		release: release,
	}, nil
}

// Driver is the name of the driver the session was opened on.
func (s *Session) Driver() string { return s.driver }

// DeviceIndex is the index of the opened device.
func (s *Session) DeviceIndex() int { return s.index }

// Executable returns the loaded executable, or nil.
func (s *Session) Executable() *artifact.Executable {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exe
}

// LoadTime is how long the native load took.
func (s *Session) LoadTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadTime
}

// Poisoned returns the failure that poisoned the session, or nil.
func (s *Session) Poisoned() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poisoned
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// usableLocked fails if the session can no longer be used.
func (s *Session) usableLocked(kind Kind, op string) error {
	if s.closed {
		return newError(kind, op, ErrSessionClosed)
	}
	if s.poisoned != nil {
		return newError(kind, op, errors.Wrapf(ErrSessionPoisoned, "%v", s.poisoned))
	}
	return nil
}

// Load loads exe onto the device. A session holds at most one executable.
//
// The native load parses untrusted bytes; a malformed executable may crash the process
// instead of returning an error. Run untrusted executables through the supervisor.
func (s *Session) Load(ctx context.Context, exe *artifact.Executable) error {
	const op = "load"
	if exe == nil || exe.Size() == 0 {
		return errorf(LoadError, op, "no executable")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(LoadRejected, op); err != nil {
		return err
	}
	if s.model != nil {
		return errorf(LoadRejected, op, "session already holds executable %s", s.exe.Source)
	}

	log := klog.FromContext(ctx)
	start := time.Now()
	var model native.Model
	err := guard(op, func() error {
		var err error
		model, err = s.dev.Load(exe.Bytes())
		return err
	})
	if err != nil {
		return wrap(LoadRejected, op, err)
	}
	s.loadTime = time.Since(start)
	s.model = model
	s.exe = exe
	log.V(1).Info("executable loaded", "source", exe.Source, "format", exe.Format, "duration", s.loadTime)
	return nil
}

// declared returns the executable's input and output specs, preferring what the runtime
// reports over what the artifact declared.
func (s *Session) declaredLocked() (inputs, outputs []tensor.Spec) {
	if s.model != nil {
		inputs, outputs = s.model.Inputs(), s.model.Outputs()
	}
	if inputs == nil && s.exe != nil {
		inputs = s.exe.Inputs
	}
	if outputs == nil && s.exe != nil {
		outputs = s.exe.Outputs
	}
	return inputs, outputs
}

// Declared returns the input and output specs of the loaded executable, when known.
func (s *Session) Declared() (inputs, outputs []tensor.Spec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.declaredLocked()
}

// poison marks the session unusable after a failed or abandoned execution.
func (s *Session) poison(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poisoned == nil {
		s.poisoned = cause
	}
}

// Close unloads the executable, frees every allocation exactly once, closes the device and
// releases the device lock. It is idempotent: later calls return nil. Teardown errors of the
// first call are returned, but the resources are considered released regardless.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	inflight := s.inflight
	defer s.release()

	var errs []error
	abandoned := inflight != nil
	if abandoned {
		// An execution still owns the device: freeing its tensors under it is undefined, so
		// leave their reclamation to the device close.
		s.log.Info("closing device with an abandoned execution in flight")
	} else {
		for _, buf := range s.buffers {
			if buf.freed {
				continue
			}
			buf.freed = true
			region := buf.region
			if err := guard("close", func() error { return s.dev.Free(region) }); err != nil {
				errs = append(errs, errors.WithMessagef(err, "freeing %q", buf.spec.Name))
			}
		}
		if s.model != nil {
			model := s.model
			if err := guard("close", func() error { return s.dev.Unload(model) }); err != nil {
				errs = append(errs, errors.WithMessage(err, "unloading executable"))
			}
		}
	}
	for _, buf := range s.buffers {
		buf.freed = true
	}
	s.model = nil
	if err := guard("close", s.dev.Close); err != nil {
		errs = append(errs, errors.WithMessage(err, "closing device"))
	}
	s.mu.Unlock()

	if abandoned {
		select {
		case <-inflight:
		case <-time.After(abandonGrace):
			s.log.Info("abandoned execution still running after device close")
		}
	}
	s.log.V(1).Info("device session closed", "buffers", len(s.buffers))
	if len(errs) > 0 {
		return newError(DriverError, "close", joinErrors(errs))
	}
	return nil
}

// guard runs a driver call, converting a Go panic raised by driver code into a DriverError.
// Native faults are not panics and are not caught.
func guard(op string, fn func() error) error {
	var err error
	if exception := exceptions.Try(func() { err = fn() }); exception != nil {
		if e, ok := exception.(error); ok {
			return newError(DriverError, op, errors.WithMessage(e, "driver panicked"))
		}
		return errorf(DriverError, op, "driver panicked: %v", exception)
	}
	return err
}
