// Package cellar is the wine-cellar API client. Reads go through the query
// coordinator so screens share one cache; writes go through the mutation
// coordinator with optimistic updates and declared invalidations.
package cellar

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/cellarsync/cache"
	"github.com/briangreenhill/cellarsync/entity"
	"github.com/briangreenhill/cellarsync/internal/metrics"
	"github.com/briangreenhill/cellarsync/mutation"
	"github.com/briangreenhill/cellarsync/query"
	"github.com/briangreenhill/cellarsync/search"
	"github.com/briangreenhill/cellarsync/transport"
)

// API paths.
const (
	PathInventory   = "/api/inventory"
	PathFilters     = "/api/inventory/filters"
	PathStats       = "/api/stats"
	PathWishlist    = "/api/wishlist"
	PathWineSearch  = "/api/wines/search"
	PathConsumption = "/api/consumption"
)

// Client is safe for concurrent use.
type Client struct {
	api       *transport.Client
	queries   *query.Coordinator
	mutations *mutation.Coordinator

	logger          zerolog.Logger
	metrics         *metrics.Metrics
	searchDelay     time.Duration
	searchMinLength int
}

type Option func(*Client)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithSearch sets the debounce delay and minimum text length of wine
// searches.
func WithSearch(delay time.Duration, minLength int) Option {
	return func(c *Client) {
		c.searchDelay = delay
		c.searchMinLength = minLength
	}
}

func New(api *transport.Client, q *query.Coordinator, m *mutation.Coordinator, opts ...Option) *Client {
	c := &Client{
		api:             api,
		queries:         q,
		mutations:       m,
		logger:          zerolog.Nop(),
		searchDelay:     300 * time.Millisecond,
		searchMinLength: 2,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Queries exposes the underlying coordinator, mainly for invalidation.
func (c *Client) Queries() *query.Coordinator { return c.queries }

func (c *Client) fetcher(key cache.Key) query.Fetcher {
	return func(ctx context.Context) (json.RawMessage, error) {
		return c.api.Fetch(ctx, key)
	}
}

// read fetches key and decodes it into T. When the fetch fails but older data
// is cached, that data is returned together with the error.
func read[T any](ctx context.Context, c *Client, key cache.Key, schema entity.Schema) (T, error) {
	var out T
	var opts []query.QueryOption
	if schema != nil {
		opts = append(opts, query.WithSchema(schema))
	}
	snap, err := c.queries.Fetch(ctx, key, c.fetcher(key), opts...)
	if snap.HasData() {
		if derr := snap.Decode(&out); derr != nil {
			return out, fmt.Errorf("decode %s: %w", key, derr)
		}
	}
	return out, err
}

// View is what a subscriber sees on every change.
type View[T any] struct {
	Data      T
	HasData   bool
	Status    cache.Status
	Err       error
	Stale     bool
	FetchedAt time.Time
}

func watch[T any](c *Client, key cache.Key, schema entity.Schema, fn func(View[T])) (*query.Subscription, error) {
	var opts []query.QueryOption
	if schema != nil {
		opts = append(opts, query.WithSchema(schema))
	}
	return c.queries.Subscribe(key, c.fetcher(key), func(s query.Snapshot) {
		v := View[T]{Status: s.Status, Err: s.Err, Stale: s.Stale, FetchedAt: s.FetchedAt}
		if s.HasData() {
			if err := s.Decode(&v.Data); err != nil {
				c.logger.Warn().Err(err).Str("key", string(key)).Msg("undecodable snapshot")
			} else {
				v.HasData = true
			}
		}
		fn(v)
	}, opts...)
}

func cellarParams(cellarID int64) map[string]any {
	if cellarID == 0 {
		return nil
	}
	return map[string]any{"cellarId": cellarID}
}

func key(path string, params map[string]any) (cache.Key, error) {
	return cache.KeyFor(path, params)
}

// InventoryKey is the cache key of one inventory page.
func InventoryKey(f InventoryFilter) (cache.Key, error) {
	return key(PathInventory, f.Params())
}

func LotKey(id int64) cache.Key {
	return cache.MustKey(lotPath(id), nil)
}

func StatsKey(cellarID int64) cache.Key {
	return cache.MustKey(PathStats, cellarParams(cellarID))
}

func FacetsKey(cellarID int64) cache.Key {
	return cache.MustKey(PathFilters, cellarParams(cellarID))
}

func ConsumptionKey(cellarID int64) cache.Key {
	return cache.MustKey(PathConsumption, cellarParams(cellarID))
}

func LayoutKey(cellarID int64) cache.Key {
	return cache.MustKey(fmt.Sprintf("/api/cellars/%d/layout", cellarID), nil)
}

var wishlistKey = cache.MustKey(PathWishlist, nil)

func lotPath(id int64) string {
	return PathInventory + "/" + idString(id)
}

func idString(id int64) string { return strconv.FormatInt(id, 10) }

// Inventory returns one page of lots.
func (c *Client) Inventory(ctx context.Context, f InventoryFilter) (InventoryPage, error) {
	k, err := InventoryKey(f)
	if err != nil {
		return InventoryPage{}, err
	}
	return read[InventoryPage](ctx, c, k, inventorySchema)
}

// WatchInventory calls fn with every change to the page, including changes
// made to its lots through other queries and mutations.
func (c *Client) WatchInventory(f InventoryFilter, fn func(View[InventoryPage])) (*query.Subscription, error) {
	k, err := InventoryKey(f)
	if err != nil {
		return nil, err
	}
	return watch(c, k, inventorySchema, fn)
}

func (c *Client) Lot(ctx context.Context, id int64) (Lot, error) {
	if id <= 0 {
		return Lot{}, cache.Invalid("cellar.Lot", "invalid lot id %d", id)
	}
	return read[Lot](ctx, c, LotKey(id), lotSchema)
}

func (c *Client) Stats(ctx context.Context, cellarID int64) (Stats, error) {
	return read[Stats](ctx, c, StatsKey(cellarID), nil)
}

// Facets returns the filter options with their lot counts.
func (c *Client) Facets(ctx context.Context, cellarID int64) (Facets, error) {
	return read[Facets](ctx, c, FacetsKey(cellarID), nil)
}

func (c *Client) Wishlist(ctx context.Context) ([]WishlistItem, error) {
	return read[[]WishlistItem](ctx, c, wishlistKey, wishlistSchema)
}

func (c *Client) Consumption(ctx context.Context, cellarID int64) ([]ConsumptionEvent, error) {
	return read[[]ConsumptionEvent](ctx, c, ConsumptionKey(cellarID), nil)
}

func (c *Client) Layout(ctx context.Context, cellarID int64) (CellarLayout, error) {
	if cellarID <= 0 {
		return CellarLayout{}, cache.Invalid("cellar.Layout", "invalid cellar id %d", cellarID)
	}
	return read[CellarLayout](ctx, c, LayoutKey(cellarID), nil)
}

// NewWineSearch returns a debounced search over the wine catalogue. Close it
// when done.
func (c *Client) NewWineSearch() *search.Controller[[]WineMatch] {
	return search.New(c.searchDelay, c.searchMinLength, func(ctx context.Context, text string) ([]WineMatch, error) {
		raw, err := c.api.Get(ctx, PathWineSearch, map[string]any{"q": text})
		if err != nil {
			return nil, err
		}
		var out []WineMatch
		if err := transport.DecodeJSON(raw, &out); err != nil {
			return nil, err
		}
		return out, nil
	}, search.WithLogger(c.logger), search.WithMetrics(c.metrics))
}
