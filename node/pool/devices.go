package pool

import (
	"context"
	"fmt"
	"sync"
)

// Devices is the process-wide lock table. Accelerator runtimes allow one owner per device, so
// every session opened in this process goes through it.
var Devices = NewDeviceLocks()

// DeviceLocks grants exclusive ownership of devices, keyed by DeviceKey.
type DeviceLocks struct {
	mu   sync.Mutex
	sems map[string]chan struct{}
}

func NewDeviceLocks() *DeviceLocks {
	return &DeviceLocks{sems: map[string]chan struct{}{}}
}

// DeviceKey names device index on driver.
func DeviceKey(driver string, index int) string {
	return fmt.Sprintf("%s/%d", driver, index)
}

func (l *DeviceLocks) sem(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sems[key]
	if !ok {
		s = make(chan struct{}, 1)
		l.sems[key] = s
	}
	return s
}

// Acquire blocks until key is free or ctx ends. The returned release func is idempotent.
func (l *DeviceLocks) Acquire(ctx context.Context, key string) (release func(), err error) {
	s := l.sem(key)
	select {
	case s <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { <-s }) }, nil
}

// TryAcquire is Acquire without waiting; ok is false when the device is held.
func (l *DeviceLocks) TryAcquire(key string) (release func(), ok bool) {
	s := l.sem(key)
	select {
	case s <- struct{}{}:
	default:
		return nil, false
	}
	var once sync.Once
	return func() { once.Do(func() { <-s }) }, true
}

// Held reports whether key is currently owned.
func (l *DeviceLocks) Held(key string) bool {
	return len(l.sem(key)) == 1
}
