package query

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/cellarsync/entity"
	"github.com/briangreenhill/cellarsync/internal/metrics"
)

const (
	DefaultStaleAfter      = 30 * time.Second
	DefaultIdleEviction    = 5 * time.Minute
	DefaultJanitorInterval = time.Minute
	DefaultFetchTimeout    = 30 * time.Second
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithStaleAfter sets the default freshness window.
func WithStaleAfter(d time.Duration) Option {
	return func(c *Coordinator) { c.staleAfter = d }
}

// WithIdleEviction sets how long an unsubscribed entry is kept. Zero keeps
// entries forever.
func WithIdleEviction(d time.Duration) Option {
	return func(c *Coordinator) { c.idleEviction = d }
}

// WithJanitorInterval sets how often idle entries are swept. Zero disables
// the background sweep; EvictIdle can still be called directly.
func WithJanitorInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.janitorInterval = d }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithFetchTimeout bounds each fetch. Fetches run detached from the caller's
// context so they can populate the cache after every caller has gone.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.fetchTimeout = d }
}

// QueryOption configures one key.
type QueryOption func(*queryConfig)

type queryConfig struct {
	staleAfter time.Duration
	schema     entity.Schema
}

// StaleAfter overrides the freshness window for this key.
func StaleAfter(d time.Duration) QueryOption {
	return func(q *queryConfig) { q.staleAfter = d }
}

// WithSchema normalizes this key's results into the entity store.
func WithSchema(s entity.Schema) QueryOption {
	return func(q *queryConfig) { q.schema = s }
}
