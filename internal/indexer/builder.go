// Package indexer drives the index build: it batches incoming documents,
// appends section attributes, fans each batch out to the grouped thread
// pool, runs batch finish hooks and dumps the building segment to disk.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/appender"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/build"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/document"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/quota"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/schema"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/threadpool"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/config"
	sperrors "github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/tracing"
)

const (
	segmentSuffix = ".spdx"
	patchFileName = "patch.json"
)

// ErrClosed is returned by Add and BuildBatch after Close.
var ErrClosed = errors.New("builder is closed")

// Builder owns one index partition: the building segment, the dumped
// segments and the modifier patching them. Add, BuildBatch and Dump are safe
// for concurrent use; they are serialized internally.
type Builder struct {
	cfg       config.BuilderConfig
	schema    *schema.Schema
	pool      *threadpool.GroupedThreadPool
	quota     *quota.WaitMemoryQuotaController
	appender  *appender.SectionAttributeAppender
	generator *build.DocBuildWorkItemGenerator
	pks       *segment.PrimaryKeyIndex
	modifier  *segment.Modifier
	writer    *segment.Writer
	hooks     []BatchHook
	metrics   *metrics.BuildMetrics
	logger    *slog.Logger

	buildMu   sync.Mutex
	collector *build.DocumentCollector
	allocated int64
	closed    bool

	mu      sync.RWMutex
	seg     *segment.BuildingSegment
	readers []*segment.Reader
}

// NewBuilder opens the partition in cfg.DataDir, recovering dumped segments,
// primary keys and modifier patches, and starts the build pool.
func NewBuilder(cfg config.BuilderConfig, s *schema.Schema, opts ...Option) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", sperrors.ErrInvalidInput, err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating index data directory: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	pool := threadpool.NewGroupedThreadPool(threadpool.Config{
		Name:               "build",
		ThreadNum:          cfg.BuildThreadCount,
		QueueSize:          cfg.QueueSize,
		MaxGroupCount:      cfg.MaxGroupCount,
		MaxBatchCount:      cfg.MaxBatchCount,
		LongTailThreadNum:  cfg.LongTailThreadCount,
		LongTailGroupNames: cfg.LongTailGroups,
	})
	if o.metrics != nil {
		pool.SetObserver(o.metrics)
	}

	b := &Builder{
		cfg:       cfg,
		schema:    s,
		pool:      pool,
		quota:     quota.NewWaitMemoryQuotaController(cfg.MemoryQuota),
		pks:       segment.NewPrimaryKeyIndex(),
		writer:    segment.NewWriter(cfg.DataDir, quota.NewIOThrottle(cfg.DumpIOLimit)),
		hooks:     o.hooks,
		metrics:   o.metrics,
		logger:    slog.Default().With("component", "builder"),
		collector: build.NewDocumentCollector(cfg.BatchSize),
	}
	app := appender.New()
	if app.Init(s) {
		b.appender = app
	}

	next, err := b.recover()
	if err != nil {
		return nil, fmt.Errorf("recovering partition: %w", err)
	}
	b.seg = segment.NewBuildingSegment(s, next)
	b.generator = build.NewDocBuildWorkItemGenerator(s, b.pks, pool, cfg.BatchMode)

	if err := pool.Start(); err != nil {
		b.closeReaders()
		return nil, fmt.Errorf("starting build pool: %w", err)
	}
	b.logger.Info("builder started",
		"data_dir", cfg.DataDir,
		"segments", len(b.readers),
		"next_doc_id", next,
		"primary_keys", b.pks.Len(),
		"batch_mode", cfg.BatchMode,
		"section_attributes", b.appender != nil,
	)
	return b, nil
}

// recover opens dumped segments in doc id order and returns the next doc id
// to allocate.
func (b *Builder) recover() (int32, error) {
	entries, err := os.ReadDir(b.cfg.DataDir)
	if err != nil {
		return 0, fmt.Errorf("reading data directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), segmentSuffix) {
			continue
		}
		path := filepath.Join(b.cfg.DataDir, entry.Name())
		reader, err := segment.OpenReader(path)
		if err != nil {
			b.closeReaders()
			return 0, fmt.Errorf("opening segment %s: %w", entry.Name(), err)
		}
		b.readers = append(b.readers, reader)
	}
	sort.Slice(b.readers, func(i, j int) bool {
		return b.readers[i].BaseDocID() < b.readers[j].BaseDocID()
	})

	var next int32
	for _, r := range b.readers {
		if r.BaseDocID() < next {
			b.closeReaders()
			return 0, sperrors.Corruptionf("segment %s starts at doc %d inside the previous segment ending at %d",
				filepath.Base(r.Path()), r.BaseDocID(), next)
		}
		next = r.BaseDocID() + int32(r.DocCount())
	}

	patchPath := filepath.Join(b.cfg.DataDir, patchFileName)
	switch m, err := segment.LoadModifier(patchPath); {
	case err == nil:
		b.modifier = m
	case errors.Is(err, os.ErrNotExist):
		b.modifier = segment.NewModifier(next)
	default:
		b.closeReaders()
		return 0, err
	}
	b.modifier.SetBuiltLimit(next)

	for _, r := range b.readers {
		keys, err := r.PrimaryKeys()
		if err != nil {
			b.closeReaders()
			return 0, fmt.Errorf("loading primary keys of %s: %w", filepath.Base(r.Path()), err)
		}
		live := make(map[uint64]int32, len(keys))
		for h, id := range keys {
			deleted, err := r.IsDeleted(id)
			if err != nil {
				b.closeReaders()
				return 0, err
			}
			if !deleted && !b.modifier.IsDeleted(id) {
				live[h] = id
			}
		}
		b.pks.Load(live)
		b.logger.Info("loaded existing segment",
			"segment", filepath.Base(r.Path()),
			"base_doc_id", r.BaseDocID(),
			"docs", r.DocCount(),
			"terms", r.Terms(),
			"primary_keys", len(live),
		)
	}
	return next, nil
}

// Add queues doc into the current batch, building the batch once it is
// full. It blocks while the memory quota is exhausted.
func (b *Builder) Add(ctx context.Context, doc *document.Document) error {
	if doc == nil {
		return fmt.Errorf("%w: nil document", sperrors.ErrInvalidInput)
	}
	if err := b.quota.Allocate(ctx, 1); err != nil {
		return fmt.Errorf("waiting for build quota: %w", err)
	}
	b.buildMu.Lock()
	defer b.buildMu.Unlock()
	if b.closed {
		b.quota.Free(1)
		return ErrClosed
	}
	b.collector.Add(doc)
	b.allocated++
	if !b.collector.ShouldTriggerBuild() {
		return nil
	}
	return b.buildBatchLocked(ctx)
}

// BuildBatch builds whatever the current batch holds.
func (b *Builder) BuildBatch(ctx context.Context) error {
	b.buildMu.Lock()
	defer b.buildMu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return b.buildBatchLocked(ctx)
}

func (b *Builder) buildBatchLocked(ctx context.Context) error {
	if b.collector.Len() == 0 {
		return nil
	}
	// pending documents stay queued for the next build
	if err := ctx.Err(); err != nil {
		return err
	}
	docs, allocated := b.collector, b.allocated
	b.collector = build.NewDocumentCollector(b.cfg.BatchSize)
	b.allocated = 0

	start := time.Now()
	span := tracing.Start("build_batch")
	prep := span.Child("prepare")
	rejected, overflows := b.prepare(ctx, docs)
	docs.RemoveNullDocuments()
	prep.SetAttr("rejected", len(rejected))
	prep.End()

	b.mu.RLock()
	target := build.Target{Segment: b.seg, Modifier: b.modifier}
	b.mu.RUnlock()

	batchID, err := b.pool.StartNewBatch(ctx)
	if err != nil {
		b.quota.Free(allocated)
		return fmt.Errorf("starting batch: %w", err)
	}
	logger := b.logger.With("batch_id", batchID)
	span.SetTraceID(fmt.Sprintf("batch-%d", batchID))
	span.SetAttr("doc_count", docs.Len())

	var genErr error
	if !docs.Empty() {
		gen := span.Child("generate")
		items, err := b.generator.Generate(ctx, target, docs)
		if err != nil {
			genErr = fmt.Errorf("generating work items: %w", err)
			gen.SetAttr("error", err.Error())
			logger.Error("generating work items failed", "doc_count", docs.Len(), "error", err)
		}
		gen.SetAttr("work_items", len(items))
		gen.End()
	}
	fin := &batchFinish{
		b:         b,
		batchID:   batchID,
		target:    target,
		docs:      docs,
		rejected:  rejected,
		genErr:    genErr,
		overflows: overflows,
		allocated: allocated,
		start:     start,
		span:      span,
	}
	if err := b.pool.AddBatchFinishHook(fin.run); err != nil {
		b.quota.Free(allocated)
		return errors.Join(genErr, fmt.Errorf("registering batch finish hook: %w", err))
	}
	if genErr != nil {
		return genErr
	}
	logger.Debug("batch queued", "doc_count", docs.Len(), "rejected", len(rejected))

	if b.cfg.StopOnException && b.pool.StopIfHasException() {
		return fmt.Errorf("build pool stopped: %w", b.pool.CheckException())
	}
	if int(target.Segment.DocCount()) >= b.cfg.SegmentMaxDocs {
		logger.Info("building segment reached max docs, dumping",
			"docs", target.Segment.DocCount(),
			"threshold", b.cfg.SegmentMaxDocs,
		)
		return b.dumpLocked(ctx)
	}
	return nil
}

// prepare appends section attributes to ADD_DOC documents in parallel.
// Documents that fail are dropped from the batch and their primary keys
// returned.
func (b *Builder) prepare(ctx context.Context, docs *build.DocumentCollector) ([]string, int64) {
	if b.appender == nil {
		return nil, 0
	}
	before := b.appender.OverflowCount()
	n := b.cfg.PrepareParallelism
	if n <= 0 {
		n = 1
	}
	list := docs.Documents()
	failed := make([][]int, n)
	g, _ := errgroup.WithContext(ctx)
	for idx := 0; idx < n; idx++ {
		g.Go(func() error {
			app := b.appender.Clone()
			for i := idx; i < len(list); i += n {
				doc := list[i]
				if doc == nil || doc.Op != document.OpAdd || doc.Index == nil {
					continue
				}
				if _, err := app.AppendSectionAttribute(doc.Index); err != nil {
					b.logger.Error("dropping document from batch",
						"primary_key", doc.PrimaryKey(),
						"error", err,
					)
					failed[idx] = append(failed[idx], i)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	var rejected []string
	for _, idxs := range failed {
		for _, i := range idxs {
			rejected = append(rejected, list[i].PrimaryKey())
			list[i].Release()
			docs.LogicalDelete(i)
		}
	}
	return rejected, b.appender.OverflowCount() - before
}

// Dump waits for every queued batch, writes the building segment to disk
// and starts a new one after it.
func (b *Builder) Dump(ctx context.Context) error {
	b.buildMu.Lock()
	defer b.buildMu.Unlock()
	return b.dumpLocked(ctx)
}

func (b *Builder) dumpLocked(ctx context.Context) error {
	b.pool.WaitFinish()
	b.mu.RLock()
	seg := b.seg
	b.mu.RUnlock()
	if seg.DocCount() == 0 {
		return nil
	}

	start := time.Now()
	name, err := b.writer.Write(ctx, seg, b.pks)
	if err == nil {
		var reader *segment.Reader
		reader, err = segment.OpenReader(filepath.Join(b.cfg.DataDir, name))
		if err == nil {
			next := seg.BaseDocID() + seg.DocCount()
			b.modifier.SetBuiltLimit(next)
			b.mu.Lock()
			b.readers = append(b.readers, reader)
			b.seg = segment.NewBuildingSegment(b.schema, next)
			b.mu.Unlock()
			err = b.modifier.WriteFile(filepath.Join(b.cfg.DataDir, patchFileName))
		}
	}
	b.metrics.SegmentDumped(err)
	if err != nil {
		b.logger.Error("segment dump failed", "base_doc_id", seg.BaseDocID(), "error", err)
		return fmt.Errorf("dumping segment: %w", err)
	}
	b.logger.Info("segment dumped",
		"segment", name,
		"base_doc_id", seg.BaseDocID(),
		"docs", seg.DocCount(),
		"deleted", seg.DeletedCount(),
		"duration", time.Since(start).Round(time.Millisecond).String(),
	)
	return nil
}

// StartBuildLoop builds partial batches every interval until ctx is done, so
// documents never wait on a batch that does not fill up.
func (b *Builder) StartBuildLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = b.cfg.FlushInterval
	}
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				b.logger.Info("build loop stopping")
				return
			case <-ticker.C:
				if err := b.BuildBatch(ctx); err != nil && !errors.Is(err, ErrClosed) {
					b.logger.Error("periodic build failed", "error", err)
				}
				b.metrics.Resources(b.quota.UsedQuota(), b.pool.QueueLen(), b.DocCount())
			}
		}
	}()
}

// Flush builds the pending batch and waits until every batch has finished,
// hooks included.
func (b *Builder) Flush(ctx context.Context) error {
	b.buildMu.Lock()
	defer b.buildMu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if err := b.buildBatchLocked(ctx); err != nil {
		return err
	}
	b.pool.WaitFinish()
	return b.pool.CheckException()
}

// Close builds and dumps what is pending, stops the pool and closes every
// segment. It returns the first work item failure, if any.
func (b *Builder) Close(ctx context.Context) error {
	b.buildMu.Lock()
	defer b.buildMu.Unlock()
	if b.closed {
		return nil
	}
	var errs []error
	if err := b.buildBatchLocked(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := b.dumpLocked(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := b.modifier.WriteFile(filepath.Join(b.cfg.DataDir, patchFileName)); err != nil {
		errs = append(errs, err)
	}
	b.closed = true
	if err := b.pool.Stop(threadpool.StopAfterQueueEmpty); err != nil {
		errs = append(errs, fmt.Errorf("build pool: %w", err))
	}
	b.mu.Lock()
	b.closeReaders()
	b.mu.Unlock()
	b.logger.Info("builder closed")
	return errors.Join(errs...)
}

func (b *Builder) closeReaders() {
	for _, r := range b.readers {
		if err := r.Close(); err != nil {
			b.logger.Error("closing segment reader", "segment", r.Path(), "error", err)
		}
	}
	b.readers = nil
}

// DocCount is the number of doc ids allocated in the building segment.
func (b *Builder) DocCount() int32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seg.DocCount()
}

// NextDocID is the doc id the next ADD_DOC will get.
func (b *Builder) NextDocID() int32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seg.BaseDocID() + b.seg.DocCount()
}

// SegmentCount is the number of dumped segments.
func (b *Builder) SegmentCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.readers)
}

// HealthCheck reports the builder down once a work item has failed with
// stopOnException set, and degraded while the memory quota is exhausted.
func (b *Builder) HealthCheck(context.Context) health.ComponentHealth {
	if err := b.pool.CheckException(); err != nil {
		if b.cfg.StopOnException {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
	}
	if b.quota.FreeQuota() == 0 {
		return health.ComponentHealth{Status: health.StatusDegraded, Message: "memory quota exhausted"}
	}
	return health.ComponentHealth{Status: health.StatusUp}
}

type batchFinish struct {
	b         *Builder
	batchID   int64
	target    build.Target
	docs      *build.DocumentCollector
	rejected  []string
	// genErr fails every document of the batch
	genErr    error
	overflows int64
	allocated int64
	start     time.Time
	span      *tracing.Span
}

// run is the batch finish hook. It executes on a pool worker once every work
// item of the batch is done.
func (f *batchFinish) run() error {
	b := f.b
	res := f.result()
	ctx := logger.WithBatchID(context.Background(), f.batchID)
	for _, h := range b.hooks {
		hs := f.span.Child("hook:" + h.Name())
		err := resilience.WithTimeout(ctx, b.cfg.HookTimeout, h.Name(), func(ctx context.Context) error {
			return h.AfterBatch(ctx, res)
		})
		hs.End()
		if err != nil {
			hs.SetAttr("error", err.Error())
			b.metrics.HookFailed(h.Name())
			logger.FromContext(ctx, b.logger).Error("batch hook failed",
				"hook", h.Name(),
				"error", err,
			)
		}
	}
	b.metrics.BatchFinished(res.DocCount, res.Elapsed, map[string]int{
		"add":     res.Added,
		"update":  res.Updated,
		"delete":  res.Deleted,
		"skipped": res.Skipped,
		"failed":  len(res.Rejected),
	}, res.Err)
	b.metrics.SectionOverflows(f.overflows)

	if err := f.docs.DestructDocuments(ctx, b.cfg.PrepareParallelism); err != nil {
		b.logger.Warn("releasing batch documents", "batch_id", f.batchID, "error", err)
	}
	b.quota.Free(f.allocated)
	b.metrics.Resources(b.quota.UsedQuota(), b.pool.QueueLen(), f.target.Segment.DocCount())
	b.logger.Debug("batch finished",
		"batch_id", f.batchID,
		"doc_count", res.DocCount,
		"added", res.Added,
		"updated", res.Updated,
		"deleted", res.Deleted,
		"skipped", res.Skipped,
		"elapsed", res.Elapsed.String(),
	)
	f.span.End()
	f.span.Log(b.logger, slog.LevelDebug)
	return nil
}

func (f *batchFinish) result() *BatchResult {
	res := &BatchResult{
		BatchID:          f.batchID,
		SegmentBase:      f.target.Segment.BaseDocID(),
		NextDocID:        f.target.Segment.BaseDocID() + f.target.Segment.DocCount(),
		Rejected:         f.rejected,
		SectionOverflows: f.overflows,
		Elapsed:          time.Since(f.start),
		Err:              f.b.pool.CheckException(),
	}
	if f.genErr != nil {
		res.Err = f.genErr
	}
	for _, doc := range f.docs.Documents() {
		if doc == nil {
			continue
		}
		pk := doc.PrimaryKey()
		if f.genErr != nil {
			res.Rejected = append(res.Rejected, pk)
			continue
		}
		res.DocCount++
		if doc.DocID() == document.InvalidDocID {
			res.Skipped++
			res.Unresolved = append(res.Unresolved, pk)
			continue
		}
		switch doc.Op {
		case document.OpAdd:
			res.Added++
			res.Indexed = append(res.Indexed, pk)
		case document.OpUpdateField:
			res.Updated++
			res.Indexed = append(res.Indexed, pk)
		case document.OpDelete:
			res.Deleted++
			res.Removed = append(res.Removed, pk)
		}
	}
	res.DocCount += len(res.Rejected)
	return res
}
