package counter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireCeiling(t *testing.T) {
	ctx := context.Background()
	c := NewShardedCounter()

	for i := 0; i < 5; i++ {
		ok, err := c.TryAcquire(ctx, "VM001", 5)
		require.NoError(t, err)
		require.True(t, ok, "slot %d", i)
	}

	ok, err := c.TryAcquire(ctx, "VM001", 5)
	require.NoError(t, err)
	assert.False(t, ok)

	// Other machines are independent.
	ok, err = c.TryAcquire(ctx, "VM002", 5)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseFreesSlot(t *testing.T) {
	ctx := context.Background()
	c := NewShardedCounter()

	for i := 0; i < 5; i++ {
		_, err := c.TryAcquire(ctx, "VM001", 5)
		require.NoError(t, err)
	}
	require.NoError(t, c.Release(ctx, "VM001"))

	count, err := c.Count(ctx, "VM001")
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	ok, err := c.TryAcquire(ctx, "VM001", 5)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	ctx := context.Background()
	c := NewShardedCounter()

	require.NoError(t, c.Release(ctx, "VM001"))
	count, err := c.Count(ctx, "VM001")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	c := NewShardedCounter()

	_, err := c.TryAcquire(ctx, "VM001", 5)
	require.NoError(t, err)

	require.NoError(t, c.Reset(ctx, "VM001", 3))
	count, err := c.Count(ctx, "VM001")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	require.NoError(t, c.Reset(ctx, "VM001", 0))
	count, err = c.Count(ctx, "VM001")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestConcurrentAcquireRespectsCeiling(t *testing.T) {
	ctx := context.Background()
	c := NewShardedCounter()

	var acquired atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := c.TryAcquire(ctx, "VM001", 5)
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				acquired.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(5), acquired.Load())
	count, err := c.Count(ctx, "VM001")
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}
