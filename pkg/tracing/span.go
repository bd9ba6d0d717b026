// Package tracing records lightweight span trees for build batches. A batch
// opens a root span, each stage adds a child, and the finished tree is
// written to slog.
package tracing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Span represents a timed stage of a trace.
type Span struct {
	Name      string
	TraceID   string
	StartTime time.Time
	Duration  time.Duration
	Children  []*Span
	Attrs     map[string]any
	mu        sync.Mutex
}

// Start opens a root span.
func Start(name string) *Span {
	return &Span{
		Name:      name,
		StartTime: time.Now(),
		Attrs:     make(map[string]any),
	}
}

// Child opens a span nested under s. Children may be added from several
// goroutines.
func (s *Span) Child(name string) *Span {
	child := Start(name)
	s.mu.Lock()
	child.TraceID = s.TraceID
	s.Children = append(s.Children, child)
	s.mu.Unlock()
	return child
}

// SetTraceID names the trace of s and its current children.
func (s *Span) SetTraceID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TraceID = id
	for _, c := range s.Children {
		c.SetTraceID(id)
	}
}

// End records the span duration. Calling End again is a no-op.
func (s *Span) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Duration == 0 {
		s.Duration = time.Since(s.StartTime)
	}
}

func (s *Span) SetAttr(key string, value any) {
	s.mu.Lock()
	s.Attrs[key] = value
	s.mu.Unlock()
}

// Log writes the span tree to logger at level, one record per span.
func (s *Span) Log(logger *slog.Logger, level slog.Level) {
	if !logger.Enabled(context.Background(), level) {
		return
	}
	s.logRecursive(logger, level, 0)
}

func (s *Span) logRecursive(logger *slog.Logger, level slog.Level, depth int) {
	s.mu.Lock()
	attrs := []any{
		"trace_id", s.TraceID,
		"span", s.Name,
		"duration_ms", s.Duration.Milliseconds(),
		"depth", depth,
	}
	for k, v := range s.Attrs {
		attrs = append(attrs, k, v)
	}
	children := append([]*Span(nil), s.Children...)
	s.mu.Unlock()
	logger.Log(context.Background(), level, "span", attrs...)

	for _, child := range children {
		child.logRecursive(logger, level, depth+1)
	}
}
