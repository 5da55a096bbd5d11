// Package query serves cache-first reads over the entity store.
//
// Every key has one cache entry. A fresh entry is returned without a network
// call. A stale entry that still has data is returned immediately while a
// background fetch revalidates it. A key without data, or one that was
// invalidated, waits for a fetch. Concurrent readers of a key share a single
// in-flight fetch through singleflight.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/briangreenhill/cellarsync/cache"
	"github.com/briangreenhill/cellarsync/entity"
	"github.com/briangreenhill/cellarsync/internal/metrics"
	"github.com/briangreenhill/cellarsync/optimistic"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("query: coordinator closed")
	// ErrUnknownKey is returned by Refetch for a key that was never read.
	ErrUnknownKey = errors.New("query: unknown key")
)

// Fetcher loads the raw JSON for one key. A nil result means no content.
type Fetcher func(ctx context.Context) (json.RawMessage, error)

// Listener receives a snapshot whenever a subscribed key changes. It is called
// without any lock held and must not block for long.
type Listener func(Snapshot)

type record struct {
	key     cache.Key
	entry   *cache.Entry
	schema  entity.Schema
	fetcher Fetcher
	// stack holds the normalized document: the confirmed base plus optimistic
	// patches from mutations.
	stack *optimistic.Stack[any]

	flightKey  string // joinable in-flight fetch, "" if none
	flights    int    // fetches not yet settled
	applied    uint64 // seq of the newest settled fetch
	invalidSeq uint64 // fetches at or below this seq started before the last invalidation
	// committedSeq is the seq current when a mutation last committed a patch
	// to this document. Fetches at or below it do not replace the document.
	committedSeq uint64

	listeners map[int]Listener
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	mu      sync.Mutex
	store   *entity.Store
	entries map[cache.Key]*record
	group   singleflight.Group
	seq     uint64
	nextSub int
	// inflight counts unsettled fetches; committed holds, per record, the seq
	// current when a mutation committed it. Both are guarded by mu.
	inflight  int
	committed map[entity.Ref]uint64
	closed  bool

	staleAfter      time.Duration
	idleEviction    time.Duration
	janitorInterval time.Duration
	fetchTimeout    time.Duration
	now             func() time.Time
	logger          zerolog.Logger
	metrics         *metrics.Metrics

	unsubscribe func()
	stopChan    chan struct{}
	closeOnce   sync.Once
}

// New creates a coordinator over store and starts the idle janitor.
func New(store *entity.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:           store,
		entries:         make(map[cache.Key]*record),
		committed:       make(map[entity.Ref]uint64),
		staleAfter:      DefaultStaleAfter,
		idleEviction:    DefaultIdleEviction,
		janitorInterval: DefaultJanitorInterval,
		fetchTimeout:    DefaultFetchTimeout,
		now:             time.Now,
		logger:          zerolog.Nop(),
		stopChan:        make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.unsubscribe = store.Subscribe(c.Notify)
	c.startJanitor()
	return c
}

// Store returns the entity store backing the coordinator.
func (c *Coordinator) Store() *entity.Store { return c.store }

// Fetch returns the data for key, fetching it when needed.
func (c *Coordinator) Fetch(ctx context.Context, key cache.Key, fetcher Fetcher, opts ...QueryOption) (Snapshot, error) {
	if err := validate("query.Fetch", key, fetcher); err != nil {
		return Snapshot{}, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Snapshot{Key: key}, ErrClosed
	}
	rec := c.recordLocked(key, fetcher, opts)
	now := c.now()
	rec.entry.Touch(now)

	if rec.entry.Fresh(now) {
		snap := c.snapshotLocked(rec)
		c.mu.Unlock()
		c.metrics.QueryEvent("hit")
		c.logger.Debug().Str("key", string(key)).Msg("cache hit")
		return snap, nil
	}

	if rec.entry.HasData() && !rec.entry.Invalidated {
		if rec.flightKey == "" {
			c.startLocked(rec)
		}
		snap := c.snapshotLocked(rec)
		c.mu.Unlock()
		c.metrics.QueryEvent("stale")
		c.Notify([]cache.Key{key})
		return snap, nil
	}

	ch := c.startOrJoinLocked(rec)
	c.mu.Unlock()
	c.Notify([]cache.Key{key})
	return c.wait(ctx, key, ch)
}

// Refetch fetches key again regardless of freshness, joining a fetch already
// in flight.
func (c *Coordinator) Refetch(ctx context.Context, key cache.Key) (Snapshot, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Snapshot{Key: key}, ErrClosed
	}
	rec, ok := c.entries[key]
	if !ok || rec.fetcher == nil {
		c.mu.Unlock()
		return Snapshot{Key: key}, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	ch := c.startOrJoinLocked(rec)
	c.mu.Unlock()
	c.Notify([]cache.Key{key})
	return c.wait(ctx, key, ch)
}

// Subscribe registers listener on key and fetches it unless it is fresh. The
// entry is kept while at least one subscription is open.
func (c *Coordinator) Subscribe(key cache.Key, fetcher Fetcher, listener Listener, opts ...QueryOption) (*Subscription, error) {
	if err := validate("query.Subscribe", key, fetcher); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	rec := c.recordLocked(key, fetcher, opts)
	rec.entry.Retain()
	id := c.nextSub
	c.nextSub++
	if listener != nil {
		rec.listeners[id] = listener
	}
	started := false
	if !rec.entry.Fresh(c.now()) && rec.flightKey == "" {
		c.startLocked(rec)
		started = true
	}
	c.mu.Unlock()

	if started {
		c.Notify([]cache.Key{key})
	}
	return &Subscription{c: c, key: key, id: id}, nil
}

// Invalidate marks keys stale so the next read waits for fresh data. Keys with
// subscribers are refetched in the background right away. Reads after this
// call never attach to a fetch that started before it.
func (c *Coordinator) Invalidate(keys ...cache.Key) {
	var touched []cache.Key
	c.mu.Lock()
	for _, k := range keys {
		rec, ok := c.entries[k]
		if !ok {
			continue
		}
		c.invalidateLocked(rec)
		touched = append(touched, k)
	}
	c.mu.Unlock()
	c.Notify(touched)
}

// InvalidatePath invalidates every cached key for path, whatever its
// parameters.
func (c *Coordinator) InvalidatePath(path string) {
	var touched []cache.Key
	c.mu.Lock()
	for k, rec := range c.entries {
		if k.Path() != path {
			continue
		}
		c.invalidateLocked(rec)
		touched = append(touched, k)
	}
	c.mu.Unlock()
	c.Notify(touched)
}

// Peek returns the cached state of key without fetching.
func (c *Coordinator) Peek(key cache.Key) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.entries[key]
	if !ok {
		return Snapshot{Key: key}, false
	}
	return c.snapshotLocked(rec), true
}

// Len reports the number of cache entries.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Notify re-renders keys for their subscribers. The entity store calls it when
// records change; the mutation coordinator calls it after optimistic writes.
func (c *Coordinator) Notify(keys []cache.Key) {
	if len(keys) == 0 {
		return
	}
	type delivery struct {
		fn   Listener
		snap Snapshot
	}
	var out []delivery
	seen := make(map[cache.Key]bool, len(keys))

	c.mu.Lock()
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		rec, ok := c.entries[k]
		if !ok || len(rec.listeners) == 0 {
			continue
		}
		snap := c.snapshotLocked(rec)
		ids := make([]int, 0, len(rec.listeners))
		for id := range rec.listeners {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			out = append(out, delivery{rec.listeners[id], snap})
		}
	}
	c.mu.Unlock()

	for _, d := range out {
		d.fn(d.snap)
	}
}

// Close stops the janitor and detaches from the entity store. In-flight
// fetches still settle.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.stopChan)
		c.unsubscribe()
	})
}

func validate(op string, key cache.Key, fetcher Fetcher) error {
	if key == "" {
		return cache.Invalid(op, "key is empty")
	}
	if fetcher == nil {
		return cache.Invalid(op, "fetcher is nil")
	}
	return nil
}

func (c *Coordinator) recordLocked(key cache.Key, fetcher Fetcher, opts []QueryOption) *record {
	var qc queryConfig
	for _, o := range opts {
		o(&qc)
	}
	rec, ok := c.entries[key]
	if !ok {
		stale := c.staleAfter
		if qc.staleAfter > 0 {
			stale = qc.staleAfter
		}
		rec = &record{
			key:       key,
			entry:     cache.NewEntry(key, stale, c.now()),
			stack:     optimistic.NewStack[any](nil, entity.CloneValue),
			listeners: make(map[int]Listener),
		}
		c.entries[key] = rec
		c.metrics.SetEntries(len(c.entries))
	} else if qc.staleAfter > 0 {
		rec.entry.StaleAfter = qc.staleAfter
	}
	if qc.schema != nil {
		rec.schema = qc.schema
	}
	rec.fetcher = fetcher
	return rec
}

func (c *Coordinator) startOrJoinLocked(rec *record) <-chan singleflight.Result {
	if rec.flightKey != "" {
		c.metrics.QueryEvent("join")
		c.logger.Debug().Str("key", string(rec.key)).Msg("joined in-flight fetch")
		// The flight exists until it settles, so fn never runs here.
		return c.group.DoChan(rec.flightKey, func() (any, error) { return nil, ErrUnknownKey })
	}
	return c.startLocked(rec)
}

func (c *Coordinator) startLocked(rec *record) <-chan singleflight.Result {
	c.seq++
	seq := c.seq
	fk := string(rec.key) + "#" + strconv.FormatUint(seq, 10)
	rec.flightKey = fk
	rec.flights++
	c.inflight++
	rec.entry.MarkLoading()
	c.metrics.QueryEvent("fetch")
	return c.group.DoChan(fk, c.flight(rec.key, fk, seq, rec.fetcher))
}

func (c *Coordinator) flight(key cache.Key, fk string, seq uint64, fetcher Fetcher) func() (any, error) {
	return func() (v any, err error) {
		ctx := context.Background()
		if c.fetchTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.fetchTimeout)
			defer cancel()
		}

		var raw json.RawMessage
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("query: fetcher for %s panicked: %v", key, r)
				}
			}()
			raw, err = fetcher(ctx)
		}()

		snap, changed, err := c.settle(key, fk, seq, raw, err)
		c.Notify(append(changed, key))
		return snap, err
	}
}

func (c *Coordinator) settle(key cache.Key, fk string, seq uint64, raw json.RawMessage, fetchErr error) (Snapshot, []cache.Key, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inflight--
	defer func() {
		if c.inflight == 0 {
			clear(c.committed)
		}
	}()

	rec, ok := c.entries[key]
	if !ok {
		return Snapshot{Key: key}, nil, fetchErr
	}
	rec.flights--
	if rec.flightKey == fk {
		rec.flightKey = ""
	}

	err := fetchErr
	var doc any
	if err == nil && len(raw) > 0 {
		if derr := json.Unmarshal(raw, &doc); derr != nil {
			err = fmt.Errorf("query: decode %s: %w", key, derr)
		}
	}

	if seq <= rec.applied {
		c.logger.Debug().Str("key", string(key)).Uint64("seq", seq).Msg("discarded out-of-order result")
		return c.snapshotLocked(rec), nil, err
	}
	rec.applied = seq

	if err != nil {
		rec.entry.Fail(err)
		c.metrics.QueryEvent("error")
		c.logger.Warn().Err(err).Str("key", string(key)).Bool("has_data", rec.entry.HasData()).Msg("fetch failed")
		return c.snapshotLocked(rec), nil, err
	}

	if seq <= rec.committedSeq && rec.entry.HasData() {
		// The result predates a committed mutation of the document: keep the
		// document and its age.
		c.logger.Debug().Str("key", string(key)).Uint64("seq", seq).Msg("kept document committed after fetch started")
		rec.entry.Succeed(rec.stack.Value(), rec.entry.FetchedAt)
		return c.snapshotLocked(rec), nil, nil
	}

	norm, recs := rec.schema.Normalize(doc)
	changed := c.store.Write(func(w *entity.Writer) {
		for ref, r := range recs {
			if seq <= c.committed[ref] {
				continue
			}
			w.Upsert(ref, r)
		}
		rec.stack.Rebase(norm)
		w.Retain(key, retained(rec))
	})
	rec.entry.Succeed(rec.stack.Value(), c.now())
	if seq > rec.invalidSeq {
		rec.entry.Invalidated = false
	}
	return c.snapshotLocked(rec), changed, nil
}

func (c *Coordinator) invalidateLocked(rec *record) {
	rec.entry.Invalidated = true
	rec.invalidSeq = c.seq
	rec.flightKey = ""
	c.metrics.QueryEvent("invalidate")
	if rec.entry.Subscribers > 0 && rec.fetcher != nil {
		c.startLocked(rec)
	}
}

func (c *Coordinator) wait(ctx context.Context, key cache.Key, ch <-chan singleflight.Result) (Snapshot, error) {
	select {
	case res := <-ch:
		snap, _ := res.Val.(Snapshot)
		if snap.Key == "" {
			snap.Key = key
		}
		return snap, res.Err
	case <-ctx.Done():
		snap, _ := c.Peek(key)
		return snap, ctx.Err()
	}
}

func (c *Coordinator) snapshotLocked(rec *record) Snapshot {
	e := rec.entry
	snap := Snapshot{
		Key:         rec.key,
		Status:      e.Status,
		Err:         e.Err,
		FetchedAt:   e.FetchedAt,
		Stale:       !e.Fresh(c.now()),
		Subscribers: e.Subscribers,
	}
	if e.HasData() {
		if _, empty := e.Data.(cache.NoContent); !empty {
			snap.Data = c.store.Materialize(rec.stack.Value())
		}
	}
	return snap
}

// syncLocked refreshes the entry and dependency set after the visible
// document changed through an optimistic patch.
func (c *Coordinator) syncLocked(rec *record, w *entity.Writer) {
	v := rec.stack.Value()
	if rec.entry.HasData() {
		if v == nil {
			rec.entry.Data = cache.NoContent{}
		} else {
			rec.entry.Data = v
		}
	}
	w.Retain(rec.key, retained(rec))
}

// retained lists the records a key depends on: those of the confirmed
// document and of the visible one, so a rollback never finds a record
// collected.
func retained(rec *record) []entity.Ref {
	refs := entity.Refs(rec.stack.Base())
	if rec.stack.Pending() == 0 {
		return refs
	}
	return append(refs, entity.Refs(rec.stack.Value())...)
}

// Subscription is an open interest in one key.
type Subscription struct {
	c    *Coordinator
	key  cache.Key
	id   int
	once sync.Once
}

func (s *Subscription) Key() cache.Key { return s.key }

// Snapshot returns the current state of the key.
func (s *Subscription) Snapshot() Snapshot {
	snap, _ := s.c.Peek(s.key)
	return snap
}

// Refetch forces a fetch of the key.
func (s *Subscription) Refetch(ctx context.Context) (Snapshot, error) {
	return s.c.Refetch(ctx, s.key)
}

// Close removes the subscription. An in-flight fetch is left to complete.
func (s *Subscription) Close() {
	s.once.Do(func() {
		c := s.c
		c.mu.Lock()
		defer c.mu.Unlock()
		rec, ok := c.entries[s.key]
		if !ok {
			return
		}
		delete(rec.listeners, s.id)
		rec.entry.Release(c.now())
	})
}
