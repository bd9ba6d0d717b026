package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	sperrors "github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/resilience"
)

// BatchHook runs after every build batch. Errors are logged and counted;
// they never fail the batch.
type BatchHook interface {
	Name() string
	AfterBatch(ctx context.Context, res *BatchResult) error
}

// BatchResult summarizes one finished build batch. The primary key lists
// are grouped by outcome.
type BatchResult struct {
	BatchID  int64
	DocCount int
	Added    int
	Updated  int
	Deleted  int
	Skipped  int

	Indexed    []string // added or updated
	Removed    []string // deleted
	Unresolved []string // update or delete of an unknown primary key
	Rejected   []string // dropped before the build, e.g. a malformed pack field or a batch that could not be queued

	SegmentBase      int32
	NextDocID        int32
	SectionOverflows int64
	Elapsed          time.Duration
	// Err is the first work item failure seen by the pool so far.
	Err error
}

// Document statuses written back to the documents table.
const (
	StatusIndexed = "INDEXED"
	StatusDeleted = "DELETED"
	StatusFailed  = "FAILED"
)

func retryable(err error) bool {
	return !errors.Is(err, sperrors.ErrInvalidInput)
}

// guard retries an external call behind a circuit breaker, so a dead
// dependency costs one fast failure per batch once the breaker opens.
type guard struct {
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
}

func newGuard(name string, m *metrics.BuildMetrics) guard {
	return guard{
		breaker: resilience.NewCircuitBreaker(name, resilience.CircuitBreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
			OnStateChange: func(name string, to resilience.State) {
				m.BreakerState(name, int(to))
			},
		}),
		retry: resilience.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     time.Second,
			Retryable:    retryable,
		},
	}
}

func (g guard) do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return resilience.Retry(ctx, name, g.retry, func(ctx context.Context) error {
		return g.breaker.Execute(ctx, fn, retryable)
	})
}

// Checkpoint is the last finished batch as stored in Redis.
type Checkpoint struct {
	BatchID   int64     `json:"batchId"`
	NextDocID int32     `json:"nextDocId"`
	DocCount  int       `json:"docCount"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RedisCheckpointStore records the newest finished batch. Batches may
// finish out of order; an older batch never overwrites a newer one.
type RedisCheckpointStore struct {
	kv     redis.KV
	key    string
	guard  guard
	logger *slog.Logger

	mu   sync.Mutex
	last int64
}

func NewRedisCheckpointStore(kv redis.KV, key string, m *metrics.BuildMetrics) *RedisCheckpointStore {
	return &RedisCheckpointStore{
		kv:     kv,
		key:    key,
		guard:  newGuard("redis_checkpoint", m),
		logger: slog.Default().With("component", "redis_checkpoint", "key", key),
		last:   -1,
	}
}

func (s *RedisCheckpointStore) Name() string {
	return "redis_checkpoint"
}

func (s *RedisCheckpointStore) AfterBatch(ctx context.Context, res *BatchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res.BatchID <= s.last {
		return nil
	}
	cp := Checkpoint{
		BatchID:   res.BatchID,
		NextDocID: res.NextDocID,
		DocCount:  res.DocCount,
		UpdatedAt: time.Now().UTC(),
	}
	err := s.guard.do(ctx, s.Name(), func(ctx context.Context) error {
		return redis.SetJSON(ctx, s.kv, s.key, cp, 0)
	})
	if err != nil {
		return fmt.Errorf("saving checkpoint of batch %d: %w", res.BatchID, err)
	}
	s.last = res.BatchID
	logger.FromContext(ctx, s.logger).Debug("checkpoint saved", "next_doc_id", res.NextDocID)
	return nil
}

// Load returns the stored checkpoint; found is false when none exists.
func (s *RedisCheckpointStore) Load(ctx context.Context) (Checkpoint, bool, error) {
	var cp Checkpoint
	found, err := redis.GetJSON(ctx, s.kv, s.key, &cp)
	return cp, found, err
}

type statusUpdater interface {
	UpdateStatuses(ctx context.Context, byStatus map[string][]string) (int64, error)
}

// PostgresStatusSink writes each document's build outcome to the documents
// table.
type PostgresStatusSink struct {
	db     statusUpdater
	guard  guard
	logger *slog.Logger
}

func NewPostgresStatusSink(db statusUpdater, m *metrics.BuildMetrics) *PostgresStatusSink {
	return &PostgresStatusSink{
		db:     db,
		guard:  newGuard("postgres_status", m),
		logger: slog.Default().With("component", "postgres_status"),
	}
}

func (s *PostgresStatusSink) Name() string {
	return "postgres_status"
}

// StatusUpdates groups the primary keys of res by document status.
func StatusUpdates(res *BatchResult) map[string][]string {
	out := make(map[string][]string, 3)
	if len(res.Indexed) > 0 {
		out[StatusIndexed] = res.Indexed
	}
	if len(res.Removed) > 0 {
		out[StatusDeleted] = res.Removed
	}
	failed := make([]string, 0, len(res.Rejected)+len(res.Unresolved))
	failed = append(failed, res.Rejected...)
	failed = append(failed, res.Unresolved...)
	if len(failed) > 0 {
		out[StatusFailed] = failed
	}
	return out
}

func (s *PostgresStatusSink) AfterBatch(ctx context.Context, res *BatchResult) error {
	updates := StatusUpdates(res)
	if len(updates) == 0 {
		return nil
	}
	var rows int64
	err := s.guard.do(ctx, s.Name(), func(ctx context.Context) error {
		n, err := s.db.UpdateStatuses(ctx, updates)
		rows = n
		return err
	})
	if err != nil {
		return fmt.Errorf("updating document statuses of batch %d: %w", res.BatchID, err)
	}
	logger.FromContext(ctx, s.logger).Debug("document statuses updated", "rows", rows)
	return nil
}

// BatchBuiltEvent is published on the batch-built topic.
type BatchBuiltEvent struct {
	BatchID     int64     `json:"batchId"`
	DocCount    int       `json:"docCount"`
	Added       int       `json:"added"`
	Updated     int       `json:"updated"`
	Deleted     int       `json:"deleted"`
	Skipped     int       `json:"skipped"`
	Failed      int       `json:"failed"`
	SegmentBase int32     `json:"segmentBase"`
	NextDocID   int32     `json:"nextDocId"`
	ElapsedMs   int64     `json:"elapsedMs"`
	Error       string    `json:"error,omitempty"`
	BuiltAt     time.Time `json:"builtAt"`
}

// NewBatchBuiltEvent summarizes res for downstream consumers.
func NewBatchBuiltEvent(res *BatchResult) BatchBuiltEvent {
	ev := BatchBuiltEvent{
		BatchID:     res.BatchID,
		DocCount:    res.DocCount,
		Added:       res.Added,
		Updated:     res.Updated,
		Deleted:     res.Deleted,
		Skipped:     res.Skipped,
		Failed:      len(res.Rejected),
		SegmentBase: res.SegmentBase,
		NextDocID:   res.NextDocID,
		ElapsedMs:   res.Elapsed.Milliseconds(),
		BuiltAt:     time.Now().UTC(),
	}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	return ev
}

type eventPublisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// KafkaBatchPublisher announces finished batches.
type KafkaBatchPublisher struct {
	producer eventPublisher
	guard    guard
}

func NewKafkaBatchPublisher(p eventPublisher, m *metrics.BuildMetrics) *KafkaBatchPublisher {
	return &KafkaBatchPublisher{
		producer: p,
		guard:    newGuard("kafka_batch_built", m),
	}
}

func (p *KafkaBatchPublisher) Name() string {
	return "kafka_batch_built"
}

func (p *KafkaBatchPublisher) AfterBatch(ctx context.Context, res *BatchResult) error {
	event := kafka.Event{
		Key:     strconv.FormatInt(res.BatchID, 10),
		Value:   NewBatchBuiltEvent(res),
		Headers: map[string]string{"content-type": "application/json"},
	}
	return p.guard.do(ctx, p.Name(), func(ctx context.Context) error {
		return p.producer.Publish(ctx, event)
	})
}
