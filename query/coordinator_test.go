package query

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/cellarsync/cache"
	"github.com/briangreenhill/cellarsync/entity"
	"github.com/briangreenhill/cellarsync/internal/metrics"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock { return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeAPI answers fetches with the current body. When gated, call n waits
// for gates[n-1] and answers with the body sent on it.
type fakeAPI struct {
	calls atomic.Int32
	mu    sync.Mutex
	body  string
	err   error
	gates []chan string
}

func (f *fakeAPI) set(body string, err error) {
	f.mu.Lock()
	f.body, f.err = body, err
	f.mu.Unlock()
}

func (f *fakeAPI) gate(n int) {
	f.mu.Lock()
	for i := 0; i < n; i++ {
		f.gates = append(f.gates, make(chan string, 1))
	}
	f.mu.Unlock()
}

func (f *fakeAPI) fetch(ctx context.Context) (json.RawMessage, error) {
	n := int(f.calls.Add(1))
	f.mu.Lock()
	var g chan string
	if n <= len(f.gates) {
		g = f.gates[n-1]
	}
	body, err := f.body, f.err
	f.mu.Unlock()
	if g != nil {
		select {
		case body = <-g:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

func newCoordinator(t *testing.T, clk *fakeClock, opts ...Option) *Coordinator {
	t.Helper()
	opts = append([]Option{WithClock(clk.Now), WithJanitorInterval(0)}, opts...)
	c := New(entity.NewStore(), opts...)
	t.Cleanup(c.Close)
	return c
}

func eventCount(t *testing.T, m *metrics.Metrics, event string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != "cellarsync_query_events_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetName() == "event" && l.GetValue() == event {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

var inventoryKey = cache.MustKey("/api/inventory", map[string]any{"cellarId": 1})

func quantity(t *testing.T, snap Snapshot) float64 {
	t.Helper()
	var page struct {
		Lots []struct {
			ID       int     `json:"id"`
			Quantity float64 `json:"quantity"`
		} `json:"lots"`
	}
	require.NoError(t, snap.Decode(&page))
	require.NotEmpty(t, page.Lots)
	return page.Lots[0].Quantity
}

func TestConcurrentFetchesShareOneCall(t *testing.T) {
	m := metrics.New(false)
	c := newCoordinator(t, newClock(), WithMetrics(m))
	api := &fakeAPI{}
	api.gate(1)

	results := make(chan Snapshot, 2)
	for i := 0; i < 2; i++ {
		go func() {
			snap, err := c.Fetch(context.Background(), inventoryKey, api.fetch)
			assert.NoError(t, err)
			results <- snap
		}()
	}
	require.Eventually(t, func() bool {
		return api.calls.Load() == 1 && eventCount(t, m, "join") == 1
	}, time.Second, 5*time.Millisecond)

	api.gates[0] <- `{"lots":[{"id":1,"quantity":5}],"total":1}`
	a, b := <-results, <-results
	assert.Equal(t, int32(1), api.calls.Load())
	assert.Equal(t, a.Data, b.Data)
	assert.Equal(t, cache.StatusSuccess, a.Status)
}

func TestFreshEntryServedFromCache(t *testing.T) {
	clk := newClock()
	c := newCoordinator(t, clk, WithStaleAfter(30*time.Second))
	api := &fakeAPI{body: `{"lots":[{"id":1,"quantity":5}],"total":1}`}

	_, err := c.Fetch(context.Background(), inventoryKey, api.fetch)
	require.NoError(t, err)

	clk.Advance(10 * time.Second)
	snap, err := c.Fetch(context.Background(), inventoryKey, api.fetch)
	require.NoError(t, err)
	assert.Equal(t, int32(1), api.calls.Load())
	assert.False(t, snap.Stale)
	assert.Equal(t, 5.0, quantity(t, snap))
}

func TestStaleWhileRevalidate(t *testing.T) {
	clk := newClock()
	c := newCoordinator(t, clk, WithStaleAfter(30*time.Second))
	api := &fakeAPI{body: `{"lots":[{"id":1,"quantity":5}]}`}

	_, err := c.Fetch(context.Background(), inventoryKey, api.fetch)
	require.NoError(t, err)

	api.set(`{"lots":[{"id":1,"quantity":6}]}`, nil)
	api.gate(2) // first call already happened; gate the second
	clk.Advance(31 * time.Second)

	snap, err := c.Fetch(context.Background(), inventoryKey, api.fetch)
	require.NoError(t, err)
	assert.True(t, snap.Stale)
	assert.Equal(t, cache.StatusLoading, snap.Status)
	assert.Equal(t, 5.0, quantity(t, snap), "old data returned while revalidating")

	require.Eventually(t, func() bool { return api.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	api.gates[1] <- `{"lots":[{"id":1,"quantity":6}]}`
	require.Eventually(t, func() bool {
		s, _ := c.Peek(inventoryKey)
		return s.Status == cache.StatusSuccess && !s.Stale
	}, time.Second, 5*time.Millisecond)
	s, _ := c.Peek(inventoryKey)
	assert.Equal(t, 6.0, quantity(t, s))
}

func TestFailurePreservesData(t *testing.T) {
	c := newCoordinator(t, newClock())
	api := &fakeAPI{body: `{"lots":[{"id":1,"quantity":5}]}`}
	_, err := c.Fetch(context.Background(), inventoryKey, api.fetch)
	require.NoError(t, err)

	boom := errors.New("connection reset")
	api.set("", boom)
	snap, err := c.Refetch(context.Background(), inventoryKey)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, cache.StatusError, snap.Status)
	assert.ErrorIs(t, snap.Err, boom)
	assert.Equal(t, 5.0, quantity(t, snap), "last known good data kept")
	assert.Equal(t, int32(2), api.calls.Load(), "no automatic retry")
}

func TestFirstFetchFailure(t *testing.T) {
	c := newCoordinator(t, newClock())
	api := &fakeAPI{err: errors.New("offline")}
	snap, err := c.Fetch(context.Background(), inventoryKey, api.fetch)
	require.Error(t, err)
	assert.Equal(t, cache.StatusError, snap.Status)
	assert.Nil(t, snap.Data)
	assert.ErrorIs(t, snap.Decode(&struct{}{}), ErrNoData)
}

func TestNoContentIsSuccess(t *testing.T) {
	c := newCoordinator(t, newClock())
	api := &fakeAPI{}
	snap, err := c.Fetch(context.Background(), "/api/ping", api.fetch)
	require.NoError(t, err)
	assert.Equal(t, cache.StatusSuccess, snap.Status)
	assert.Nil(t, snap.Data)
	assert.False(t, snap.Stale)
}

func TestIdleEntryEvicted(t *testing.T) {
	clk := newClock()
	c := newCoordinator(t, clk, WithIdleEviction(5*time.Minute), WithStaleAfter(time.Hour))
	api := &fakeAPI{body: `{"lots":[{"id":1,"quantity":5}]}`}

	_, err := c.Fetch(context.Background(), inventoryKey, api.fetch, WithSchema(entity.Schema{{Type: "lot", Path: "lots"}}))
	require.NoError(t, err)
	assert.Equal(t, 1, c.Store().Len())

	clk.Advance(4 * time.Minute)
	assert.Equal(t, 0, c.EvictIdle())

	clk.Advance(2 * time.Minute)
	assert.Equal(t, 1, c.EvictIdle())
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0, c.Store().Len(), "unreferenced records collected")

	_, err = c.Fetch(context.Background(), inventoryKey, api.fetch)
	require.NoError(t, err)
	assert.Equal(t, int32(2), api.calls.Load(), "evicted key fetched again")
}

func TestSubscribedEntryNotEvicted(t *testing.T) {
	clk := newClock()
	c := newCoordinator(t, clk, WithIdleEviction(time.Minute))
	api := &fakeAPI{body: `{}`}

	sub, err := c.Subscribe(inventoryKey, api.fetch, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sub.Snapshot().Status == cache.StatusSuccess }, time.Second, 5*time.Millisecond)

	clk.Advance(time.Hour)
	assert.Equal(t, 0, c.EvictIdle())

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, sub.Snapshot().Subscribers)
	clk.Advance(2 * time.Minute)
	assert.Equal(t, 1, c.EvictIdle())
}

func TestInvalidationForcesNetworkCall(t *testing.T) {
	clk := newClock()
	c := newCoordinator(t, clk, WithStaleAfter(30*time.Second))
	api := &fakeAPI{body: `{"lots":[{"id":1,"quantity":5}],"total":1}`}

	_, err := c.Fetch(context.Background(), inventoryKey, api.fetch)
	require.NoError(t, err)

	clk.Advance(10 * time.Second)
	_, err = c.Fetch(context.Background(), inventoryKey, api.fetch)
	require.NoError(t, err)
	assert.Equal(t, int32(1), api.calls.Load())

	clk.Advance(5 * time.Second)
	api.set(`{"lots":[{"id":1,"quantity":4}],"total":1}`, nil)
	c.Invalidate(inventoryKey)

	clk.Advance(time.Second)
	snap, err := c.Fetch(context.Background(), inventoryKey, api.fetch)
	require.NoError(t, err)
	assert.Equal(t, int32(2), api.calls.Load())
	assert.Equal(t, 4.0, quantity(t, snap))
	assert.False(t, snap.Stale)
}

func TestInvalidatePathMatchesAllParams(t *testing.T) {
	c := newCoordinator(t, newClock())
	api := &fakeAPI{body: `{}`}
	k1 := cache.MustKey("/api/inventory", map[string]any{"cellarId": 1})
	k2 := cache.MustKey("/api/inventory", map[string]any{"cellarId": 2})
	other := cache.MustKey("/api/stats", nil)
	for _, k := range []cache.Key{k1, k2, other} {
		_, err := c.Fetch(context.Background(), k, api.fetch)
		require.NoError(t, err)
	}

	c.InvalidatePath("/api/inventory")
	for _, tt := range []struct {
		key   cache.Key
		stale bool
	}{{k1, true}, {k2, true}, {other, false}} {
		s, ok := c.Peek(tt.key)
		require.True(t, ok)
		assert.Equal(t, tt.stale, s.Stale, tt.key)
	}
}

func TestReadAfterInvalidateDoesNotJoinOlderFetch(t *testing.T) {
	c := newCoordinator(t, newClock())
	api := &fakeAPI{}
	api.gate(2)

	first := make(chan Snapshot, 1)
	go func() {
		s, _ := c.Fetch(context.Background(), inventoryKey, api.fetch)
		first <- s
	}()
	require.Eventually(t, func() bool { return api.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	c.Invalidate(inventoryKey)

	second := make(chan Snapshot, 1)
	go func() {
		s, _ := c.Fetch(context.Background(), inventoryKey, api.fetch)
		second <- s
	}()
	require.Eventually(t, func() bool { return api.calls.Load() == 2 }, time.Second, 5*time.Millisecond)

	// The newer request settles first; the older one must not overwrite it.
	api.gates[1] <- `{"lots":[{"id":1,"quantity":4}]}`
	assert.Equal(t, 4.0, quantity(t, <-second))
	api.gates[0] <- `{"lots":[{"id":1,"quantity":5}]}`
	<-first

	s, _ := c.Peek(inventoryKey)
	assert.Equal(t, 4.0, quantity(t, s))
	assert.False(t, s.Stale)
}

func TestInvalidateRefetchesSubscribedKey(t *testing.T) {
	c := newCoordinator(t, newClock())
	api := &fakeAPI{body: `{"lots":[{"id":1,"quantity":5}]}`}

	var mu sync.Mutex
	var seen []Snapshot
	sub, err := c.Subscribe(inventoryKey, api.fetch, func(s Snapshot) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Close()
	require.Eventually(t, func() bool { return sub.Snapshot().Status == cache.StatusSuccess }, time.Second, 5*time.Millisecond)

	api.gate(2)
	c.Invalidate(inventoryKey)
	assert.True(t, sub.Snapshot().Stale)
	mu.Lock()
	require.NotEmpty(t, seen)
	assert.True(t, seen[len(seen)-1].Stale, "subscribers told about the invalidation")
	seen = nil
	mu.Unlock()
	require.Eventually(t, func() bool { return api.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	api.gates[1] <- `{"lots":[{"id":1,"quantity":2}]}`

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		if len(seen) == 0 {
			return false
		}
		last := seen[len(seen)-1]
		return last.Status == cache.StatusSuccess && !last.Stale
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2.0, quantity(t, sub.Snapshot()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2.0, quantity(t, seen[len(seen)-1]))
}

func TestEntityUpdatePropagatesToSubscribers(t *testing.T) {
	c := newCoordinator(t, newClock())
	listAPI := &fakeAPI{body: `{"lots":[{"id":42,"quantity":5},{"id":7,"quantity":1}]}`}
	detailAPI := &fakeAPI{body: `{"id":42,"quantity":5,"wine":"Barolo"}`}
	detailKey := cache.MustKey("/api/inventory/42", nil)

	got := make(map[cache.Key]float64)
	var mu sync.Mutex
	listen := func(s Snapshot) {
		var q float64
		switch s.Key {
		case inventoryKey:
			q = quantity(t, s)
		case detailKey:
			var lot struct{ Quantity float64 }
			_ = s.Decode(&lot)
			q = lot.Quantity
		}
		mu.Lock()
		got[s.Key] = q
		mu.Unlock()
	}

	_, err := c.Fetch(context.Background(), inventoryKey, listAPI.fetch, WithSchema(entity.Schema{{Type: "lot", Path: "lots"}}))
	require.NoError(t, err)
	_, err = c.Fetch(context.Background(), detailKey, detailAPI.fetch, WithSchema(entity.Schema{{Type: "lot"}}))
	require.NoError(t, err)
	s1, err := c.Subscribe(inventoryKey, listAPI.fetch, listen)
	require.NoError(t, err)
	defer s1.Close()
	s2, err := c.Subscribe(detailKey, detailAPI.fetch, listen)
	require.NoError(t, err)
	defer s2.Close()

	c.Store().Upsert("lot", "42", entity.Record{"quantity": 3.0})

	mu.Lock()
	assert.Equal(t, 3.0, got[inventoryKey])
	assert.Equal(t, 3.0, got[detailKey])
	mu.Unlock()
	assert.Equal(t, int32(1), listAPI.calls.Load())
	assert.Equal(t, int32(1), detailAPI.calls.Load())

	var lot map[string]any
	require.NoError(t, s2.Snapshot().Decode(&lot))
	assert.Equal(t, "Barolo", lot["wine"], "fields not in the patch survive")
}

func TestCallerCancelDoesNotAbortFetch(t *testing.T) {
	c := newCoordinator(t, newClock())
	api := &fakeAPI{}
	api.gate(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Fetch(ctx, inventoryKey, api.fetch)
		done <- err
	}()
	require.Eventually(t, func() bool { return api.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	api.gates[0] <- `{"lots":[{"id":1,"quantity":5}]}`
	require.Eventually(t, func() bool {
		s, _ := c.Peek(inventoryKey)
		return s.Status == cache.StatusSuccess
	}, time.Second, 5*time.Millisecond)
}

func TestPatchDataAndRollback(t *testing.T) {
	c := newCoordinator(t, newClock())
	api := &fakeAPI{body: `{"total":3}`}
	_, err := c.Fetch(context.Background(), "/api/stats", api.fetch)
	require.NoError(t, err)

	dec := func(v any) any {
		m := v.(map[string]any)
		m["total"] = m["total"].(float64) - 1
		return m
	}
	_, ok := c.PatchData("/api/stats", "a", dec, time.Now())
	require.True(t, ok)
	_, ok = c.PatchData("/api/stats", "b", dec, time.Now())
	require.True(t, ok)

	var stats struct{ Total float64 }
	s, _ := c.Peek("/api/stats")
	require.NoError(t, s.Decode(&stats))
	assert.Equal(t, 1.0, stats.Total)

	c.RollbackData("/api/stats", "a")
	s, _ = c.Peek("/api/stats")
	require.NoError(t, s.Decode(&stats))
	assert.Equal(t, 2.0, stats.Total, "newer patch kept")

	c.RollbackData("/api/stats", "b")
	s, _ = c.Peek("/api/stats")
	require.NoError(t, s.Decode(&stats))
	assert.Equal(t, 3.0, stats.Total)

	_, ok = c.PatchData("/api/unknown", "c", dec, time.Now())
	assert.False(t, ok)
}

func TestValidation(t *testing.T) {
	c := newCoordinator(t, newClock())
	api := &fakeAPI{}
	var verr *cache.ValidationError

	_, err := c.Fetch(context.Background(), "", api.fetch)
	assert.True(t, errors.As(err, &verr))
	_, err = c.Fetch(context.Background(), inventoryKey, nil)
	assert.True(t, errors.As(err, &verr))
	_, err = c.Subscribe("", api.fetch, nil)
	assert.True(t, errors.As(err, &verr))
	_, err = c.Refetch(context.Background(), "/never")
	assert.ErrorIs(t, err, ErrUnknownKey)
	assert.Equal(t, int32(0), api.calls.Load())
}

func TestClosed(t *testing.T) {
	c := New(entity.NewStore(), WithJanitorInterval(time.Millisecond))
	c.Close()
	c.Close()
	_, err := c.Fetch(context.Background(), inventoryKey, (&fakeAPI{}).fetch)
	assert.ErrorIs(t, err, ErrClosed)
}
