package cellar

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/briangreenhill/cellarsync/cache"
	"github.com/briangreenhill/cellarsync/entity"
	"github.com/briangreenhill/cellarsync/mutation"
)

var consumedSchema = entity.Schema{
	{Type: TypeLot, Path: "lot"},
	{Type: TypeWine, Path: "lot.wine"},
}

// lotPaths are the queries whose results depend on lot quantities.
var lotPaths = []string{PathInventory, PathStats, PathFilters}

// Consume records bottles taken from a lot. The cached quantity drops at
// once and comes back exactly if the server refuses.
func (c *Client) Consume(ctx context.Context, lotID int64, req ConsumeRequest) (Consumed, error) {
	const op = "cellar.Consume"
	if lotID <= 0 {
		return Consumed{}, cache.Invalid(op, "invalid lot id %d", lotID)
	}
	if req.Quantity < 1 {
		return Consumed{}, cache.Invalid(op, "quantity must be at least 1")
	}
	if req.Rating < 0 || req.Rating > 5 {
		return Consumed{}, cache.Invalid(op, "rating must be between 0 and 5")
	}
	id := idString(lotID)
	if rec, ok := c.queries.Store().Get(TypeLot, id); ok {
		if have, ok := rec.Int("quantity"); ok && req.Quantity > have {
			return Consumed{}, cache.Invalid(op, "only %d bottles left in lot %d", have, lotID)
		}
	}

	res, err := c.mutations.Mutate(ctx, func(ctx context.Context) (json.RawMessage, error) {
		return c.api.Post(ctx, lotPath(lotID)+"/consume", req)
	}, mutation.Options{
		Optimistic: func(tx *mutation.Tx) {
			tx.UpdateEntity(TypeLot, id, func(r entity.Record) entity.Record {
				if r == nil {
					return nil
				}
				if q, ok := r.Int("quantity"); ok {
					r["quantity"] = float64(max(q-req.Quantity, 0))
				}
				return r
			})
		},
		InvalidatePaths: []string{PathInventory, PathStats, PathFilters, PathConsumption},
		Canonical:       consumedSchema,
	})
	if err != nil {
		return Consumed{}, err
	}
	var out Consumed
	if err := res.Decode(&out); err != nil {
		return Consumed{}, err
	}
	c.logger.Info().Int64("lot", lotID).Int("quantity", req.Quantity).Msg("bottles consumed")
	return out, nil
}

// AddLot creates a lot. Nothing is shown optimistically since the id comes
// from the server.
func (c *Client) AddLot(ctx context.Context, lot NewLot) (Lot, error) {
	const op = "cellar.AddLot"
	if lot.CellarID <= 0 {
		return Lot{}, cache.Invalid(op, "cellar id required")
	}
	if strings.TrimSpace(lot.Wine.Name) == "" {
		return Lot{}, cache.Invalid(op, "wine name required")
	}
	if lot.Quantity < 1 {
		return Lot{}, cache.Invalid(op, "quantity must be at least 1")
	}
	res, err := c.mutations.Mutate(ctx, func(ctx context.Context) (json.RawMessage, error) {
		return c.api.Post(ctx, PathInventory, lot)
	}, mutation.Options{
		InvalidatePaths: lotPaths,
		Canonical:       lotSchema,
	})
	if err != nil {
		return Lot{}, err
	}
	var out Lot
	if err := res.Decode(&out); err != nil {
		return Lot{}, err
	}
	return out, nil
}

// UpdateLot edits a lot in place.
func (c *Client) UpdateLot(ctx context.Context, lotID int64, u LotUpdate) (Lot, error) {
	const op = "cellar.UpdateLot"
	if lotID <= 0 {
		return Lot{}, cache.Invalid(op, "invalid lot id %d", lotID)
	}
	fields := u.Fields()
	if len(fields) == 0 {
		return Lot{}, cache.Invalid(op, "nothing to update")
	}
	if u.Quantity != nil && *u.Quantity < 0 {
		return Lot{}, cache.Invalid(op, "quantity cannot be negative")
	}
	id := idString(lotID)
	res, err := c.mutations.Mutate(ctx, func(ctx context.Context) (json.RawMessage, error) {
		return c.api.Put(ctx, lotPath(lotID), u)
	}, mutation.Options{
		Optimistic: func(tx *mutation.Tx) {
			if _, ok := c.queries.Store().Get(TypeLot, id); ok {
				tx.UpsertEntity(TypeLot, id, entity.Record(fields))
			}
		},
		InvalidatePaths: lotPaths,
		Canonical:       lotSchema,
	})
	if err != nil {
		return Lot{}, err
	}
	var out Lot
	if err := res.Decode(&out); err != nil {
		return Lot{}, err
	}
	return out, nil
}

// DeleteLot removes a lot. It disappears from every cached list at once.
func (c *Client) DeleteLot(ctx context.Context, lotID int64) error {
	if lotID <= 0 {
		return cache.Invalid("cellar.DeleteLot", "invalid lot id %d", lotID)
	}
	id := idString(lotID)
	_, err := c.mutations.Mutate(ctx, func(ctx context.Context) (json.RawMessage, error) {
		return c.api.Delete(ctx, lotPath(lotID))
	}, mutation.Options{
		Optimistic: func(tx *mutation.Tx) {
			tx.RemoveEntity(TypeLot, id)
		},
		Invalidate:      []cache.Key{LotKey(lotID)},
		InvalidatePaths: lotPaths,
	})
	return err
}

// AddToWishlist adds a wine to the wishlist. A pending item is appended to
// the cached list until the server answers.
func (c *Client) AddToWishlist(ctx context.Context, item WishlistItem) (WishlistItem, error) {
	item.WineName = strings.TrimSpace(item.WineName)
	if item.WineName == "" {
		return WishlistItem{}, cache.Invalid("cellar.AddToWishlist", "wine name required")
	}
	res, err := c.mutations.Mutate(ctx, func(ctx context.Context) (json.RawMessage, error) {
		return c.api.Post(ctx, PathWishlist, item)
	}, mutation.Options{
		Optimistic: func(tx *mutation.Tx) {
			pending := map[string]any{
				"wineName": item.WineName,
				"producer": item.Producer,
				"vintage":  float64(item.Vintage),
				"notes":    item.Notes,
				"addedAt":  time.Now().UTC().Format(time.RFC3339),
			}
			tx.UpdateQuery(wishlistKey, func(doc any) any {
				list, _ := doc.([]any)
				return append(list, pending)
			})
		},
		Invalidate: []cache.Key{wishlistKey},
	})
	if err != nil {
		return WishlistItem{}, err
	}
	var out WishlistItem
	if err := res.Decode(&out); err != nil {
		return WishlistItem{}, err
	}
	return out, nil
}

func (c *Client) RemoveFromWishlist(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return cache.Invalid("cellar.RemoveFromWishlist", "wishlist id required")
	}
	_, err := c.mutations.Mutate(ctx, func(ctx context.Context) (json.RawMessage, error) {
		return c.api.Delete(ctx, PathWishlist+"/"+url.PathEscape(id))
	}, mutation.Options{
		Optimistic: func(tx *mutation.Tx) {
			tx.RemoveEntity(TypeWishlist, id)
		},
		Invalidate: []cache.Key{wishlistKey},
	})
	return err
}
