// Package quota bounds how much the build pipeline holds in memory and how
// fast it writes segments to disk.
package quota

import (
	"context"
	"fmt"
	"math"
	"sync"

	"golang.org/x/sync/semaphore"

	sperrors "github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/errors"
)

// semaphoreSize is fixed; the part above the current total quota stays
// acquired so that AddQuota is a plain Release.
const semaphoreSize = math.MaxInt64

// WaitMemoryQuotaController hands out units of quota, blocking callers until
// enough is freed.
type WaitMemoryQuotaController struct {
	sem *semaphore.Weighted

	mu    sync.Mutex
	total int64
	used  int64
}

func NewWaitMemoryQuotaController(total int64) *WaitMemoryQuotaController {
	if total < 0 {
		total = 0
	}
	sem := semaphore.NewWeighted(semaphoreSize)
	if !sem.TryAcquire(semaphoreSize - total) {
		panic("quota: fresh semaphore refused reservation")
	}
	return &WaitMemoryQuotaController{sem: sem, total: total}
}

// Allocate blocks until n units are available or ctx is done. A request
// larger than the total quota fails at once with ErrQuotaTooLarge.
func (c *WaitMemoryQuotaController) Allocate(ctx context.Context, n int64) error {
	if n <= 0 {
		return nil
	}
	c.mu.Lock()
	total := c.total
	c.mu.Unlock()
	if n > total {
		return fmt.Errorf("allocating %d of %d: %w", n, total, sperrors.ErrQuotaTooLarge)
	}
	if err := c.sem.Acquire(ctx, n); err != nil {
		return err
	}
	c.mu.Lock()
	c.used += n
	c.mu.Unlock()
	return nil
}

// TryAllocate takes n units only if they are free right now.
func (c *WaitMemoryQuotaController) TryAllocate(n int64) bool {
	if n <= 0 {
		return true
	}
	if !c.sem.TryAcquire(n) {
		return false
	}
	c.mu.Lock()
	c.used += n
	c.mu.Unlock()
	return true
}

// Free returns n previously allocated units.
func (c *WaitMemoryQuotaController) Free(n int64) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	if n > c.used {
		n = c.used
	}
	c.used -= n
	c.mu.Unlock()
	if n > 0 {
		c.sem.Release(n)
	}
}

// AddQuota grows the total by n and wakes waiters that now fit.
func (c *WaitMemoryQuotaController) AddQuota(n int64) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.total += n
	c.mu.Unlock()
	c.sem.Release(n)
}

func (c *WaitMemoryQuotaController) TotalQuota() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *WaitMemoryQuotaController) UsedQuota() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// FreeQuota is the quota not currently allocated.
func (c *WaitMemoryQuotaController) FreeQuota() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total - c.used
}
