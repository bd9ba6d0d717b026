package threadpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// ExceedLimitGroupName collects work for groups created past MaxGroupCount.
const ExceedLimitGroupName = "_EXCEED_LIMIT_GROUP_"

// Config sizes a GroupedThreadPool. LongTailGroupNames route to a dedicated
// pool of LongTailThreadNum workers; with no long-tail threads they share
// the main pool.
type Config struct {
	Name               string
	ThreadNum          int
	QueueSize          int
	MaxGroupCount      int
	MaxBatchCount      int
	LongTailThreadNum  int
	LongTailGroupNames []string
}

type group struct {
	name    string
	pool    *ThreadPool
	pending []*groupItem
	running bool
}

type groupItem struct {
	item  WorkItem
	batch int64
	group *group
}

// GroupedThreadPool runs items of the same group strictly in push order and
// fires batch-finish hooks once every item of a batch has completed.
type GroupedThreadPool struct {
	cfg          Config
	pool         *ThreadPool
	longTailPool *ThreadPool
	longTail     map[string]struct{}
	logger       *slog.Logger
	observer     Observer

	mu         sync.Mutex
	changed    *sync.Cond
	groups     map[string]*group
	batchID    int64
	unfinished map[int64]int
	hooks      map[int64][]WorkItem
	started    bool
}

func NewGroupedThreadPool(cfg Config) *GroupedThreadPool {
	if cfg.Name == "" {
		cfg.Name = "build"
	}
	if cfg.MaxGroupCount <= 0 {
		cfg.MaxGroupCount = 1024
	}
	if cfg.MaxBatchCount <= 0 {
		cfg.MaxBatchCount = 1
	}
	gp := &GroupedThreadPool{
		cfg:        cfg,
		pool:       NewThreadPool(cfg.Name, cfg.ThreadNum, cfg.QueueSize),
		longTail:   make(map[string]struct{}, len(cfg.LongTailGroupNames)),
		logger:     slog.Default().With("component", "grouped_thread_pool", "pool", cfg.Name),
		groups:     make(map[string]*group),
		unfinished: make(map[int64]int),
		hooks:      make(map[int64][]WorkItem),
	}
	gp.changed = sync.NewCond(&gp.mu)
	if cfg.LongTailThreadNum > 0 && len(cfg.LongTailGroupNames) > 0 {
		gp.longTailPool = NewThreadPool(cfg.Name+"_long_tail", cfg.LongTailThreadNum, cfg.QueueSize)
		for _, name := range cfg.LongTailGroupNames {
			gp.longTail[name] = struct{}{}
		}
	}
	return gp
}

// SetObserver must be called before Start.
func (gp *GroupedThreadPool) SetObserver(o Observer) {
	gp.observer = o
	gp.pool.SetObserver(o)
	if gp.longTailPool != nil {
		gp.longTailPool.SetObserver(o)
	}
}

func (gp *GroupedThreadPool) Start() error {
	gp.mu.Lock()
	defer gp.mu.Unlock()
	if gp.started {
		return nil
	}
	if err := gp.pool.Start(); err != nil {
		return err
	}
	if gp.longTailPool != nil {
		if err := gp.longTailPool.Start(); err != nil {
			return err
		}
	}
	gp.started = true
	gp.logger.Info("grouped thread pool started",
		"threads", gp.cfg.ThreadNum,
		"long_tail_threads", gp.cfg.LongTailThreadNum,
		"long_tail_groups", gp.cfg.LongTailGroupNames,
		"max_batch_count", gp.cfg.MaxBatchCount,
	)
	return nil
}

// BatchID is the id of the batch new items are tagged with.
func (gp *GroupedThreadPool) BatchID() int64 {
	gp.mu.Lock()
	defer gp.mu.Unlock()
	return gp.batchID
}

// StartNewBatch opens the next batch, waiting while MaxBatchCount batches
// still have unfinished items.
func (gp *GroupedThreadPool) StartNewBatch(ctx context.Context) (int64, error) {
	stop := context.AfterFunc(ctx, func() {
		gp.mu.Lock()
		gp.changed.Broadcast()
		gp.mu.Unlock()
	})
	defer stop()

	gp.mu.Lock()
	defer gp.mu.Unlock()
	for len(gp.unfinished) >= gp.cfg.MaxBatchCount {
		if err := ctx.Err(); err != nil {
			return gp.batchID, err
		}
		gp.changed.Wait()
	}
	gp.batchID++
	return gp.batchID, nil
}

// GroupCount is the number of distinct groups seen so far.
func (gp *GroupedThreadPool) GroupCount() int {
	gp.mu.Lock()
	defer gp.mu.Unlock()
	return len(gp.groups)
}

// UnfinishedBatchCount is the number of batches with items still pending.
func (gp *GroupedThreadPool) UnfinishedBatchCount() int {
	gp.mu.Lock()
	defer gp.mu.Unlock()
	return len(gp.unfinished)
}

func (gp *GroupedThreadPool) PushTask(groupName string, fn func() error) error {
	return gp.PushWorkItem(groupName, NewFuncWorkItem(groupName, fn))
}

// PushWorkItem queues item behind earlier items of groupName in the current
// batch. It blocks while the underlying queue is full.
func (gp *GroupedThreadPool) PushWorkItem(groupName string, item WorkItem) error {
	gp.mu.Lock()
	g := gp.lookupGroup(groupName)
	gi := &groupItem{item: item, batch: gp.batchID, group: g}
	gp.unfinished[gi.batch]++
	g.pending = append(g.pending, gi)
	submit := !g.running
	g.running = true
	gp.mu.Unlock()

	if !submit {
		return nil
	}
	if err := g.pool.PushWorkItem(&groupWorkItem{gp: gp, gi: gi}, true); err != nil {
		gp.dropChain(gi)
		return fmt.Errorf("pushing to group %s: %w", g.name, err)
	}
	return nil
}

// lookupGroup must be called with mu held.
func (gp *GroupedThreadPool) lookupGroup(name string) *group {
	if g, ok := gp.groups[name]; ok {
		return g
	}
	if len(gp.groups) >= gp.cfg.MaxGroupCount && name != ExceedLimitGroupName {
		gp.logger.Error("group count exceeds limit, coalescing",
			"group", name,
			"max_group_count", gp.cfg.MaxGroupCount,
		)
		if gp.observer != nil {
			gp.observer.GroupCoalesced(name)
		}
		return gp.lookupGroupUnchecked(ExceedLimitGroupName)
	}
	return gp.lookupGroupUnchecked(name)
}

func (gp *GroupedThreadPool) lookupGroupUnchecked(name string) *group {
	if g, ok := gp.groups[name]; ok {
		return g
	}
	pool := gp.pool
	if _, ok := gp.longTail[name]; ok && gp.longTailPool != nil {
		pool = gp.longTailPool
	}
	g := &group{name: name, pool: pool}
	gp.groups[name] = g
	return g
}

// AddBatchFinishHook runs fn in the pool once every item of the current batch
// has finished. If none are pending it is queued right away.
func (gp *GroupedThreadPool) AddBatchFinishHook(fn func() error) error {
	gp.mu.Lock()
	batch := gp.batchID
	hook := NewFuncWorkItem(fmt.Sprintf("batch_finish_hook_%d", batch), fn)
	if gp.unfinished[batch] > 0 {
		gp.hooks[batch] = append(gp.hooks[batch], hook)
		gp.mu.Unlock()
		return nil
	}
	gp.mu.Unlock()
	return gp.pool.PushWorkItem(hook, true)
}

// finish retires gi and returns the next item of its group plus any hooks
// that became runnable.
func (gp *GroupedThreadPool) finish(gi *groupItem) (*groupItem, []WorkItem) {
	gp.mu.Lock()
	defer gp.mu.Unlock()
	g := gi.group
	if len(g.pending) > 0 && g.pending[0] == gi {
		g.pending[0] = nil
		g.pending = g.pending[1:]
	}
	var next *groupItem
	if len(g.pending) > 0 {
		next = g.pending[0]
	} else {
		g.running = false
	}
	var hooks []WorkItem
	gp.unfinished[gi.batch]--
	if gp.unfinished[gi.batch] <= 0 {
		delete(gp.unfinished, gi.batch)
		hooks = gp.hooks[gi.batch]
		delete(gp.hooks, gi.batch)
	}
	gp.changed.Broadcast()
	return next, hooks
}

func (gp *GroupedThreadPool) afterItem(gi *groupItem) {
	next, hooks := gp.finish(gi)
	for _, h := range hooks {
		if err := gp.pool.pushUnbounded(h); err != nil {
			gp.logger.Error("dropping batch finish hook", "work_item", itemName(h), "error", err)
			h.Drop()
		}
	}
	if next == nil {
		return
	}
	if err := next.group.pool.pushUnbounded(&groupWorkItem{gp: gp, gi: next}); err != nil {
		gp.dropChain(next)
	}
}

// dropChain drops gi and everything queued behind it in its group.
func (gp *GroupedThreadPool) dropChain(gi *groupItem) {
	for gi != nil {
		gi.item.Drop()
		var hooks []WorkItem
		gi, hooks = gp.finish(gi)
		for _, h := range hooks {
			h.Drop()
		}
	}
}

// WaitCurrentBatchWorkItemsFinish blocks until the current batch has no
// pending items.
func (gp *GroupedThreadPool) WaitCurrentBatchWorkItemsFinish() {
	gp.mu.Lock()
	defer gp.mu.Unlock()
	batch := gp.batchID
	for gp.unfinished[batch] > 0 {
		gp.changed.Wait()
	}
}

// WaitFinish blocks until every batch and every queued hook has run.
func (gp *GroupedThreadPool) WaitFinish() {
	gp.mu.Lock()
	for len(gp.unfinished) > 0 {
		gp.changed.Wait()
	}
	gp.mu.Unlock()
	if gp.longTailPool != nil {
		gp.longTailPool.WaitFinish()
	}
	gp.pool.WaitFinish()
}

// HasException reports whether any item or hook failed.
func (gp *GroupedThreadPool) HasException() bool {
	return gp.pool.HasException() || (gp.longTailPool != nil && gp.longTailPool.HasException())
}

// CheckException returns the first failure of either pool.
func (gp *GroupedThreadPool) CheckException() error {
	if err := gp.pool.CheckException(); err != nil {
		return err
	}
	if gp.longTailPool != nil {
		return gp.longTailPool.CheckException()
	}
	return nil
}

// StopIfHasException drops queued work when an item has failed.
func (gp *GroupedThreadPool) StopIfHasException() bool {
	if !gp.HasException() {
		return false
	}
	gp.Stop(StopAndClearQueue)
	return true
}

// Stop shuts both pools down and returns the first item failure.
func (gp *GroupedThreadPool) Stop(mode StopMode) error {
	if mode == StopAfterQueueEmpty {
		gp.WaitFinish()
	}
	var longTailErr error
	if gp.longTailPool != nil {
		longTailErr = gp.longTailPool.Stop(mode)
	}
	if err := gp.pool.Stop(mode); err != nil {
		return err
	}
	return longTailErr
}

// QueueLen sums the queues of both pools.
func (gp *GroupedThreadPool) QueueLen() int {
	n := gp.pool.QueueLen()
	if gp.longTailPool != nil {
		n += gp.longTailPool.QueueLen()
	}
	return n
}

type groupWorkItem struct {
	gp *GroupedThreadPool
	gi *groupItem
}

func (w *groupWorkItem) Name() string {
	return itemName(w.gi.item)
}

func (w *groupWorkItem) Process() error {
	return w.gi.item.Process()
}

// Finish releases the next item of the group and, for the last item of a
// batch, its finish hooks.
func (w *groupWorkItem) Finish() {
	w.gp.afterItem(w.gi)
}

func (w *groupWorkItem) Drop() {
	w.gp.dropChain(w.gi)
}
