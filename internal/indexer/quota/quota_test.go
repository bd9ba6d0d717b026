package quota

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sperrors "github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/errors"
)

func TestAllocate_TooLargeFailsFast(t *testing.T) {
	c := NewWaitMemoryQuotaController(10)
	start := time.Now()
	err := c.Allocate(context.Background(), 11)
	require.ErrorIs(t, err, sperrors.ErrQuotaTooLarge)
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, c.UsedQuota())
}

func TestAllocate_BlocksUntilFree(t *testing.T) {
	c := NewWaitMemoryQuotaController(10)
	require.NoError(t, c.Allocate(context.Background(), 8))
	assert.Equal(t, int64(2), c.FreeQuota())
	assert.False(t, c.TryAllocate(3))

	got := make(chan error, 1)
	go func() { got <- c.Allocate(context.Background(), 5) }()

	select {
	case <-got:
		t.Fatal("allocate returned before quota was freed")
	case <-time.After(30 * time.Millisecond):
	}
	c.Free(4)
	require.NoError(t, <-got)
	assert.Equal(t, int64(9), c.UsedQuota())
}

func TestAllocate_AddQuotaWakesWaiters(t *testing.T) {
	c := NewWaitMemoryQuotaController(4)
	require.NoError(t, c.Allocate(context.Background(), 4))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, c.Allocate(context.Background(), 3))
	}()
	time.Sleep(10 * time.Millisecond)
	c.AddQuota(3)
	wg.Wait()
	assert.Equal(t, int64(7), c.TotalQuota())
	assert.Equal(t, int64(7), c.UsedQuota())

	c.Free(7)
	require.NoError(t, c.Allocate(context.Background(), 6), "grown quota accepts larger requests")
}

func TestAllocate_ContextCancel(t *testing.T) {
	c := NewWaitMemoryQuotaController(1)
	require.True(t, c.TryAllocate(1))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.Allocate(ctx, 1), context.DeadlineExceeded)
	assert.Equal(t, int64(1), c.UsedQuota())
}

func TestFree_ClampsToUsed(t *testing.T) {
	c := NewWaitMemoryQuotaController(5)
	require.NoError(t, c.Allocate(context.Background(), 2))
	c.Free(10)
	assert.Zero(t, c.UsedQuota())
	require.NoError(t, c.Allocate(context.Background(), 5))
}

func TestIOThrottle(t *testing.T) {
	var buf bytes.Buffer
	off := NewIOThrottle(0)
	assert.False(t, off.Enabled())
	w := off.Writer(context.Background(), &buf)
	assert.Same(t, &buf, w)

	on := NewIOThrottle(1 << 20)
	require.True(t, on.Enabled())
	w = on.Writer(context.Background(), &buf)
	n, err := w.Write(make([]byte, 3<<20/2))
	require.NoError(t, err)
	assert.Equal(t, 3<<20/2, n)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, on.WaitN(ctx, 10))
}
