package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type resource struct {
	id       int
	disposed bool
}

func newTestPool(t *testing.T, size int) (*ResourcePool[*resource], *int32) {
	t.Helper()
	var created int32
	p, err := New(size, func() (*resource, error) {
		n := atomic.AddInt32(&created, 1)
		return &resource{id: int(n)}, nil
	}, func(r *resource) {
		r.disposed = true
	})
	require.NoError(t, err)
	return p, &created
}

func TestResourcePool_ReleaseReusesObject(t *testing.T) {
	p, created := newTestPool(t, 2)
	ctx := context.Background()

	first, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Release(first))

	second, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.Same(t, first, second, "released object should be handed out again")
	require.Equal(t, int32(1), atomic.LoadInt32(created))
}

func TestResourcePool_DisposeNeverReissues(t *testing.T) {
	p, created := newTestPool(t, 1)
	ctx := context.Background()

	broken, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Dispose(broken))
	require.True(t, broken.disposed)

	next, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NotSame(t, broken, next)
	require.Equal(t, int32(2), atomic.LoadInt32(created))

	stats := p.Stats()
	require.Equal(t, 1, stats.InUse)
	require.Equal(t, 1, stats.Disposed)
}

func TestResourcePool_DoubleReleaseRejected(t *testing.T) {
	p, _ := newTestPool(t, 1)
	item, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Release(item))
	require.ErrorIs(t, p.Release(item), ErrNotInUse)
	require.ErrorIs(t, p.Dispose(item), ErrNotInUse)
}

func TestResourcePool_AcquireBlocksWhenExhausted(t *testing.T) {
	p, _ := newTestPool(t, 1)
	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	got := make(chan *resource)
	go func() {
		r, err := p.Acquire(context.Background())
		if err == nil {
			got <- r
		}
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, p.Release(held))

	select {
	case r := <-got:
		require.Same(t, held, r)
	case <-time.After(time.Second):
		t.Fatal("blocked acquire was not woken by release")
	}
}

func TestResourcePool_FactoryFailureFreesSlot(t *testing.T) {
	fail := true
	p, err := New(1, func() (*resource, error) {
		if fail {
			return nil, errors.New("boom")
		}
		return &resource{}, nil
	}, nil)
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	require.Error(t, err)

	fail = false
	_, err = p.Acquire(context.Background())
	require.NoError(t, err)
}

func TestResourcePool_Close(t *testing.T) {
	p, _ := newTestPool(t, 2)
	ctx := context.Background()
	idle, err := p.Acquire(ctx)
	require.NoError(t, err)
	busy, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Release(idle))

	p.Close()
	require.True(t, idle.disposed)
	require.False(t, busy.disposed)

	require.NoError(t, p.Release(busy))
	require.True(t, busy.disposed, "release into a closed pool disposes")

	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestNew_InvalidSize(t *testing.T) {
	_, err := New[*resource](0, func() (*resource, error) { return nil, nil }, nil)
	require.ErrorIs(t, err, ErrInvalidSize)
}
