// Package mutation performs writes with optimistic local application.
//
// A mutation applies its optimistic patches before the request is sent. On
// success the patches are kept (or replaced by the canonical data the server
// returned) and the declared keys are invalidated. On failure every patch is
// rolled back, newest first, and nothing is invalidated.
package mutation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/cellarsync/cache"
	"github.com/briangreenhill/cellarsync/entity"
	"github.com/briangreenhill/cellarsync/internal/metrics"
	"github.com/briangreenhill/cellarsync/query"
)

// Func performs the write, typically one transport call.
type Func func(ctx context.Context) (json.RawMessage, error)

// Options declares the effects of a mutation.
type Options struct {
	// Optimistic applies local changes before the request is sent.
	Optimistic func(tx *Tx)
	// Invalidate lists keys to mark stale after success.
	Invalidate []cache.Key
	// InvalidatePaths marks every key of these paths stale after success.
	InvalidatePaths []string
	// Canonical, when set, normalizes the response body into the entity
	// store so server data replaces the optimistic values.
	Canonical entity.Schema
}

// Result is a successful mutation.
type Result struct {
	ID      string
	Data    json.RawMessage
	Patches []Patch
}

// Decode unmarshals the response body into v.
func (r Result) Decode(v any) error {
	if len(r.Data) == 0 {
		return query.ErrNoData
	}
	return json.Unmarshal(r.Data, v)
}

type Option func(*Coordinator)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator runs mutations against one query coordinator and its store.
type Coordinator struct {
	q       *query.Coordinator
	store   *entity.Store
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(q *query.Coordinator, store *entity.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		q:      q,
		store:  store,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Mutate runs fn with the effects declared in opts. The error from fn is
// returned unchanged after the optimistic state has been restored.
func (c *Coordinator) Mutate(ctx context.Context, fn Func, opts Options) (Result, error) {
	if fn == nil {
		return Result{}, cache.Invalid("mutation.Mutate", "mutation func is nil")
	}
	for _, k := range opts.Invalidate {
		if k == "" {
			return Result{}, cache.Invalid("mutation.Mutate", "empty invalidation key")
		}
	}

	tx := &Tx{c: c, id: uuid.NewString(), at: c.now()}
	if opts.Optimistic != nil {
		opts.Optimistic(tx)
	}
	log := c.logger.With().Str("mutation", tx.id).Int("patches", len(tx.patches)).Logger()

	data, err := fn(ctx)
	if err != nil {
		tx.rollback()
		c.metrics.Mutation("rolled_back")
		log.Warn().Err(err).Msg("mutation failed, optimistic changes rolled back")
		return Result{ID: tx.id}, err
	}

	tx.commit()
	if opts.Canonical != nil && len(data) > 0 {
		if err := c.applyCanonical(data, opts.Canonical); err != nil {
			log.Warn().Err(err).Msg("canonical data ignored")
		}
	}
	c.q.Invalidate(opts.Invalidate...)
	for _, p := range opts.InvalidatePaths {
		c.q.InvalidatePath(p)
	}
	c.metrics.Mutation("committed")
	log.Debug().Msg("mutation committed")

	return Result{ID: tx.id, Data: data, Patches: tx.Patches()}, nil
}

func (c *Coordinator) applyCanonical(data json.RawMessage, schema entity.Schema) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	_, recs := schema.Normalize(doc)
	changed := c.store.Write(func(w *entity.Writer) {
		for ref, r := range recs {
			w.Upsert(ref, r)
		}
	})
	c.q.Notify(changed)
	return nil
}
