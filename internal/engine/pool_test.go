package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolReusesReleasedConnection(t *testing.T) {
	connector := newFakeConnector()
	pool := NewPool(connector, PoolConfig{GlobalLimit: 4, PerTargetLimit: 2})
	ctx := context.Background()

	h1, err := pool.Acquire(ctx, testProfile("T0001"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pool.Active())
	pool.Release(h1)
	assert.Equal(t, int64(0), pool.Active())

	h2, err := pool.Acquire(ctx, testProfile("T0001"))
	require.NoError(t, err)
	assert.Same(t, h1.Conn, h2.Conn)
	assert.Equal(t, 1, connector.Dials("T0001"))
	pool.Release(h2)
}

func TestPoolInvalidatedConnectionNotReused(t *testing.T) {
	connector := newFakeConnector()
	pool := NewPool(connector, PoolConfig{GlobalLimit: 4, PerTargetLimit: 2})
	ctx := context.Background()

	h1, err := pool.Acquire(ctx, testProfile("T0001"))
	require.NoError(t, err)
	conn := h1.Conn.(*fakeConn)
	pool.Invalidate(h1)
	assert.True(t, conn.closed.Load())

	h2, err := pool.Acquire(ctx, testProfile("T0001"))
	require.NoError(t, err)
	assert.NotSame(t, h1.Conn, h2.Conn)
	assert.Equal(t, 2, connector.Dials("T0001"))
	pool.Release(h2)
}

func TestPoolStaleIdleConnectionRedialed(t *testing.T) {
	connector := newFakeConnector()
	pool := NewPool(connector, PoolConfig{GlobalLimit: 4, PerTargetLimit: 2})
	ctx := context.Background()

	h1, err := pool.Acquire(ctx, testProfile("T0001"))
	require.NoError(t, err)
	conn := h1.Conn.(*fakeConn)
	pool.Release(h1)

	// The idle connection goes bad while parked.
	conn.pingErr = errors.New("broken pipe")

	h2, err := pool.Acquire(ctx, testProfile("T0001"))
	require.NoError(t, err)
	assert.NotSame(t, h1.Conn, h2.Conn)
	assert.True(t, conn.closed.Load())
	assert.Equal(t, 2, connector.Dials("T0001"))
	pool.Release(h2)
}

func TestPoolPerTargetCeilingYieldsCapacityError(t *testing.T) {
	connector := newFakeConnector()
	pool := NewPool(connector, PoolConfig{
		GlobalLimit:    4,
		PerTargetLimit: 1,
		AcquireTimeout: 50 * time.Millisecond,
	})
	ctx := context.Background()

	h1, err := pool.Acquire(ctx, testProfile("T0001"))
	require.NoError(t, err)

	_, err = pool.Acquire(ctx, testProfile("T0001"))
	var capErr *CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, "T0001", capErr.Target)

	// A different target is not affected by T0001's ceiling.
	h2, err := pool.Acquire(ctx, testProfile("T0002"))
	require.NoError(t, err)

	pool.Release(h1)
	pool.Release(h2)
}

func TestPoolAcquireObservesCallerCancellation(t *testing.T) {
	connector := newFakeConnector()
	pool := NewPool(connector, PoolConfig{
		GlobalLimit:    1,
		AcquireTimeout: time.Second,
	})

	h1, err := pool.Acquire(context.Background(), testProfile("T0001"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = pool.Acquire(ctx, testProfile("T0002"))
	require.ErrorIs(t, err, context.Canceled)

	var capErr *CapacityError
	assert.False(t, errors.As(err, &capErr))
	pool.Release(h1)
}

func TestPoolDialErrorReleasesSlots(t *testing.T) {
	connector := newFakeConnector()
	connector.dialErr = errors.New("no route to host")
	pool := NewPool(connector, PoolConfig{
		GlobalLimit:    1,
		PerTargetLimit: 1,
		AcquireTimeout: 50 * time.Millisecond,
	})
	ctx := context.Background()

	_, err := pool.Acquire(ctx, testProfile("T0001"))
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, int64(0), pool.Active())

	// The failed dial must not leak its semaphore slots.
	connector.mu.Lock()
	connector.dialErr = nil
	connector.mu.Unlock()

	h, err := pool.Acquire(ctx, testProfile("T0001"))
	require.NoError(t, err)
	pool.Release(h)
}

func TestPoolReleaseAndInvalidateAreIdempotent(t *testing.T) {
	connector := newFakeConnector()
	pool := NewPool(connector, PoolConfig{GlobalLimit: 2, PerTargetLimit: 2})
	ctx := context.Background()

	h, err := pool.Acquire(ctx, testProfile("T0001"))
	require.NoError(t, err)

	pool.Release(h)
	pool.Release(h)
	pool.Invalidate(h)
	assert.Equal(t, int64(0), pool.Active())
}

func TestPoolCloseDropsIdleConnections(t *testing.T) {
	connector := newFakeConnector()
	pool := NewPool(connector, PoolConfig{GlobalLimit: 2, PerTargetLimit: 2})
	ctx := context.Background()

	h, err := pool.Acquire(ctx, testProfile("T0001"))
	require.NoError(t, err)
	conn := h.Conn.(*fakeConn)
	pool.Release(h)
	assert.False(t, conn.closed.Load())

	pool.Close()
	assert.True(t, conn.closed.Load())
}
