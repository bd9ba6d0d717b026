// Package threadpool runs build work items on a fixed set of goroutines fed
// by a bounded queue, and layers per-group ordering and batch barriers on
// top of it.
package threadpool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	sperrors "github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/errors"
)

// WorkItem is one unit of work. Drop is called instead of Process when the
// pool discards a queued item on stop.
type WorkItem interface {
	Process() error
	Drop()
}

// Named work items are logged by name.
type Named interface {
	Name() string
}

// Observer receives per-item timings, e.g. for metrics.
type Observer interface {
	WorkItemFinished(pool string, elapsed time.Duration, err error)
	GroupCoalesced(group string)
}

type funcItem struct {
	name string
	fn   func() error
}

func (f *funcItem) Process() error { return f.fn() }
func (f *funcItem) Drop()          {}
func (f *funcItem) Name() string   { return f.name }

// NewFuncWorkItem adapts fn to a WorkItem.
func NewFuncWorkItem(name string, fn func() error) WorkItem {
	return &funcItem{name: name, fn: fn}
}

func itemName(item WorkItem) string {
	if n, ok := item.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", item)
}

// StopMode selects what Stop does with queued items.
type StopMode int

const (
	// StopAfterQueueEmpty runs everything already queued.
	StopAfterQueueEmpty StopMode = iota
	// StopAndClearQueue drops queued items.
	StopAndClearQueue
)

// ThreadPool is a fixed-size worker pool over a bounded FIFO queue.
type ThreadPool struct {
	name      string
	threadNum int
	queueSize int
	logger    *slog.Logger
	observer  Observer

	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	idle     *sync.Cond
	queue    []WorkItem
	running  int
	started  bool
	closed   bool
	stopping bool
	dropping bool

	wg           sync.WaitGroup
	hasException atomic.Bool
	errMu        sync.Mutex
	firstErr     error
	failures     atomic.Int64
}

func NewThreadPool(name string, threadNum int, queueSize int) *ThreadPool {
	if threadNum <= 0 {
		threadNum = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	p := &ThreadPool{
		name:      name,
		threadNum: threadNum,
		queueSize: queueSize,
		logger:    slog.Default().With("component", "thread_pool", "pool", name),
	}
	p.notEmpty = sync.NewCond(&p.mu)
	p.notFull = sync.NewCond(&p.mu)
	p.idle = sync.NewCond(&p.mu)
	return p
}

func (p *ThreadPool) Name() string {
	return p.name
}

func (p *ThreadPool) ThreadNum() int {
	return p.threadNum
}

// SetObserver must be called before Start.
func (p *ThreadPool) SetObserver(o Observer) {
	p.observer = o
}

func (p *ThreadPool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return sperrors.ErrPoolStopped
	}
	if p.started {
		return nil
	}
	p.started = true
	for i := 0; i < p.threadNum; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.logger.Info("thread pool started", "threads", p.threadNum, "queue_size", p.queueSize)
	return nil
}

// PushWorkItem queues item. With block set it waits for queue space,
// otherwise it fails with ErrQueueFull.
func (p *ThreadPool) PushWorkItem(item WorkItem, block bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.closed && len(p.queue) >= p.queueSize {
		if !block {
			return sperrors.ErrQueueFull
		}
		p.notFull.Wait()
	}
	if p.closed {
		return sperrors.ErrPoolStopped
	}
	p.enqueue(item)
	return nil
}

// pushUnbounded ignores the queue limit. Workers use it to queue follow-up
// work without waiting on themselves.
func (p *ThreadPool) pushUnbounded(item WorkItem) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dropping || (p.stopping && p.running == 0) {
		return sperrors.ErrPoolStopped
	}
	p.enqueue(item)
	return nil
}

func (p *ThreadPool) enqueue(item WorkItem) {
	p.queue = append(p.queue, item)
	p.notEmpty.Signal()
}

// QueueLen is the number of items waiting to run.
func (p *ThreadPool) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *ThreadPool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.stopping {
			p.notEmpty.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		item := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.running++
		p.notFull.Signal()
		p.mu.Unlock()

		p.run(item)

		p.mu.Lock()
		p.running--
		if len(p.queue) == 0 && p.running == 0 {
			p.idle.Broadcast()
		}
		p.mu.Unlock()
	}
}

// finisher is implemented by items with bookkeeping that must observe the
// item's failure, which is recorded before Finish runs.
type finisher interface {
	Finish()
}

func (p *ThreadPool) run(item WorkItem) {
	start := time.Now()
	err := p.process(item)
	if err != nil {
		p.recordError(err)
	}
	if f, ok := item.(finisher); ok {
		f.Finish()
	}
	if p.observer != nil {
		p.observer.WorkItemFinished(p.name, time.Since(start), err)
	}
}

func (p *ThreadPool) process(item WorkItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = sperrors.NewBuildError("panic", itemName(item), fmt.Errorf("%v", r))
		}
	}()
	if err := item.Process(); err != nil {
		var be *sperrors.BuildError
		if errors.As(err, &be) {
			return err
		}
		return sperrors.NewBuildError("process", itemName(item), err)
	}
	return nil
}

func (p *ThreadPool) recordError(err error) {
	p.failures.Add(1)
	p.errMu.Lock()
	if p.firstErr == nil {
		p.firstErr = err
	}
	p.errMu.Unlock()
	p.hasException.Store(true)
	p.logger.Error("work item failed", "work_item", sperrors.ItemName(err), "error", err)
}

// WaitFinish blocks until the queue is empty and no item is running.
func (p *ThreadPool) WaitFinish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return
	}
	for len(p.queue) > 0 || p.running > 0 {
		p.idle.Wait()
	}
}

// Stop shuts the pool down and returns the first work item error, if any.
func (p *ThreadPool) Stop(mode StopMode) error {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		p.wg.Wait()
		return p.CheckException()
	}
	p.closed = true
	var dropped []WorkItem
	if mode == StopAndClearQueue || !p.started {
		p.dropping = true
		dropped = p.queue
		p.queue = nil
	}
	p.stopping = true
	p.notEmpty.Broadcast()
	p.notFull.Broadcast()
	p.idle.Broadcast()
	p.mu.Unlock()

	for _, item := range dropped {
		item.Drop()
	}
	p.wg.Wait()

	p.mu.Lock()
	p.dropping = true
	p.mu.Unlock()
	p.logger.Info("thread pool stopped", "dropped", len(dropped), "failures", p.failures.Load())
	return p.CheckException()
}

// HasException reports whether any work item failed.
func (p *ThreadPool) HasException() bool {
	return p.hasException.Load()
}

// CheckException returns the first work item error.
func (p *ThreadPool) CheckException() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.firstErr
}

// FailureCount is the number of failed work items.
func (p *ThreadPool) FailureCount() int64 {
	return p.failures.Load()
}

// StopIfHasException stops the pool, dropping queued work, when an item has
// failed. It reports whether it stopped.
func (p *ThreadPool) StopIfHasException() bool {
	if !p.HasException() {
		return false
	}
	_ = p.Stop(StopAndClearQueue)
	return true
}
