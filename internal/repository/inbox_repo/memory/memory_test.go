package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaim_Duplicate(t *testing.T) {
	ctx := context.Background()
	d := New(time.Hour, 10)

	ok, err := d.Claim(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.Claim(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRelease_AllowsReclaim(t *testing.T) {
	ctx := context.Background()
	d := New(time.Hour, 10)

	_, _ = d.Claim(ctx, "evt-1")
	require.NoError(t, d.Release(ctx, "evt-1"))
	require.NoError(t, d.Release(ctx, "never-seen"))

	ok, err := d.Claim(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClaim_ExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d := New(time.Minute, 10)
	d.now = func() time.Time { return now }

	ok, _ := d.Claim(ctx, "evt-1")
	require.True(t, ok)

	now = now.Add(59 * time.Second)
	ok, _ = d.Claim(ctx, "evt-1")
	assert.False(t, ok)

	now = now.Add(2 * time.Second)
	ok, _ = d.Claim(ctx, "evt-1")
	assert.True(t, ok)
	assert.Equal(t, 1, d.Len())
}

func TestClaim_BoundedSize(t *testing.T) {
	ctx := context.Background()
	d := New(time.Hour, 3)

	for i := 0; i < 5; i++ {
		ok, err := d.Claim(ctx, fmt.Sprintf("evt-%d", i))
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Equal(t, 3, d.Len())

	// The two oldest were evicted.
	ok, _ := d.Claim(ctx, "evt-0")
	assert.True(t, ok)
	ok, _ = d.Claim(ctx, "evt-4")
	assert.False(t, ok)
}

func TestClaim_ConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	d := New(time.Hour, 100)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := d.Claim(ctx, "evt"); ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}
