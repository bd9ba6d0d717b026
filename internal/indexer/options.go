package indexer

import (
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/metrics"
)

type options struct {
	hooks   []BatchHook
	metrics *metrics.BuildMetrics
}

// Option configures NewBuilder.
type Option func(*options)

// WithHooks appends batch finish hooks. They run in registration order
// after every batch, on a pool worker.
func WithHooks(hooks ...BatchHook) Option {
	return func(o *options) {
		for _, h := range hooks {
			if h != nil {
				o.hooks = append(o.hooks, h)
			}
		}
	}
}

// WithMetrics records pool, batch and dump metrics into m.
func WithMetrics(m *metrics.BuildMetrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}
