package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolLimitsConcurrency(t *testing.T) {
	p := New(2)
	var concurrent int32
	var maxConcurrent int32

	work := func(ctx context.Context) error {
		cur := atomic.AddInt32(&concurrent, 1)
		defer atomic.AddInt32(&concurrent, -1)
		for {
			if curMax := atomic.LoadInt32(&maxConcurrent); cur > curMax {
				atomic.StoreInt32(&maxConcurrent, cur)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(10 * time.Millisecond):
				return nil
			}
		}
	}

	errCh1 := p.Go(context.Background(), work)
	errCh2 := p.Go(context.Background(), work)
	errCh3 := p.Go(context.Background(), work)

	<-errCh1
	<-errCh2
	<-errCh3
	p.Wait()

	if maxConcurrent > 2 {
		t.Fatalf("expected max concurrency <= 2, got %d", maxConcurrent)
	}
}

func TestPoolGoHonoursCancelledContext(t *testing.T) {
	p := New(1)
	block := make(chan struct{})
	first := p.Go(context.Background(), func(context.Context) error { <-block; return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	err := <-p.Go(ctx, func(context.Context) error { ran = true; return nil })
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, ran)

	close(block)
	require.NoError(t, <-first)
	p.Wait()
}

func TestDeviceLocksExclusive(t *testing.T) {
	locks := NewDeviceLocks()
	key := DeviceKey("sim", 0)
	assert.Equal(t, "sim/0", key)

	release, err := locks.Acquire(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, locks.Held(key))

	_, ok := locks.TryAcquire(key)
	assert.False(t, ok)

	other, ok := locks.TryAcquire(DeviceKey("sim", 1))
	require.True(t, ok, "distinct devices are independent")
	other()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.Acquire(ctx, key)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	acquired := make(chan struct{})
	go func() {
		r, err := locks.Acquire(context.Background(), key)
		if err == nil {
			r()
		}
		close(acquired)
	}()
	release()
	release()
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("waiter not woken by release")
	}
	assert.False(t, locks.Held(key))
}
