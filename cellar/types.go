package cellar

import (
	"time"

	"github.com/briangreenhill/cellarsync/entity"
)

// Entity types held in the store.
const (
	TypeLot      = "lot"
	TypeWine     = "wine"
	TypeWishlist = "wishlist"
)

// Wine is a wine card, shared by every lot of the same wine.
type Wine struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Producer string `json:"producer,omitempty"`
	Region   string `json:"region,omitempty"`
	Country  string `json:"country,omitempty"`
	Color    string `json:"color,omitempty"`
	Grape    string `json:"grape,omitempty"`
	Vintage  int    `json:"vintage,omitempty"`
}

// Lot is a number of bottles of one wine held in one cellar.
type Lot struct {
	ID         int64     `json:"id"`
	CellarID   int64     `json:"cellarId"`
	Wine       Wine      `json:"wine"`
	Quantity   int       `json:"quantity"`
	PricePaid  float64   `json:"pricePaid,omitempty"`
	Location   string    `json:"location,omitempty"`
	DrinkFrom  int       `json:"drinkFrom,omitempty"`
	DrinkUntil int       `json:"drinkUntil,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	AddedAt    time.Time `json:"addedAt"`
}

// InventoryPage is one page of GET /api/inventory.
type InventoryPage struct {
	Lots     []Lot `json:"lots"`
	Total    int   `json:"total"`
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
}

// InventoryFilter selects lots. Zero fields are not sent. Every filter,
// including price, is applied by the server.
type InventoryFilter struct {
	CellarID   int64
	Query      string
	Color      string
	Region     string
	VintageMin int
	VintageMax int
	PriceMin   float64
	PriceMax   float64
	Sort       string
	Page       int
}

// Params returns the filter as query parameters.
func (f InventoryFilter) Params() map[string]any {
	p := map[string]any{}
	set := func(name string, v any, ok bool) {
		if ok {
			p[name] = v
		}
	}
	set("cellarId", f.CellarID, f.CellarID != 0)
	set("q", f.Query, f.Query != "")
	set("color", f.Color, f.Color != "")
	set("region", f.Region, f.Region != "")
	set("vintageMin", f.VintageMin, f.VintageMin != 0)
	set("vintageMax", f.VintageMax, f.VintageMax != 0)
	set("priceMin", f.PriceMin, f.PriceMin != 0)
	set("priceMax", f.PriceMax, f.PriceMax != 0)
	set("sort", f.Sort, f.Sort != "")
	set("page", f.Page, f.Page > 1)
	return p
}

// Stats summarizes a cellar.
type Stats struct {
	TotalBottles int            `json:"totalBottles"`
	TotalLots    int            `json:"totalLots"`
	TotalValue   float64        `json:"totalValue"`
	ReadyToDrink int            `json:"readyToDrink"`
	ByColor      map[string]int `json:"byColor"`
	ByRegion     map[string]int `json:"byRegion"`
}

// FacetCount is one filter option and the number of lots matching it.
type FacetCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// Facets are the filter options offered for a cellar's inventory.
type Facets struct {
	Colors   []FacetCount `json:"colors"`
	Regions  []FacetCount `json:"regions"`
	Vintages []FacetCount `json:"vintages"`
}

type WishlistItem struct {
	ID       string    `json:"id"`
	WineName string    `json:"wineName"`
	Producer string    `json:"producer,omitempty"`
	Vintage  int       `json:"vintage,omitempty"`
	Notes    string    `json:"notes,omitempty"`
	AddedAt  time.Time `json:"addedAt"`
}

// ConsumeRequest records bottles taken from a lot.
type ConsumeRequest struct {
	Quantity int    `json:"quantity"`
	Occasion string `json:"occasion,omitempty"`
	Rating   int    `json:"rating,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

type ConsumptionEvent struct {
	ID         string    `json:"id"`
	LotID      int64     `json:"lotId"`
	WineName   string    `json:"wineName"`
	Quantity   int       `json:"quantity"`
	Occasion   string    `json:"occasion,omitempty"`
	Rating     int       `json:"rating,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	ConsumedAt time.Time `json:"consumedAt"`
}

// Slot is one rack position. LotID is zero when the slot is empty.
type Slot struct {
	Position string `json:"position"`
	LotID    int64  `json:"lotId,omitempty"`
	WineName string `json:"wineName,omitempty"`
}

type CellarLayout struct {
	CellarID int64  `json:"cellarId"`
	Name     string `json:"name"`
	Rows     int    `json:"rows"`
	Columns  int    `json:"columns"`
	Slots    []Slot `json:"slots"`
}

// WineMatch is one wine search hit.
type WineMatch struct {
	WineID   int64   `json:"wineId"`
	Name     string  `json:"name"`
	Producer string  `json:"producer,omitempty"`
	Vintage  int     `json:"vintage,omitempty"`
	Region   string  `json:"region,omitempty"`
	Color    string  `json:"color,omitempty"`
	Score    float64 `json:"score"`
}

// Response schemas. Lots and wines are stored once and shared by every
// query that returns them.
var (
	inventorySchema = entity.Schema{
		{Type: TypeLot, Path: "lots"},
		{Type: TypeWine, Path: "lots.wine"},
	}
	lotSchema = entity.Schema{
		{Type: TypeLot},
		{Type: TypeWine, Path: "wine"},
	}
	wishlistSchema = entity.Schema{{Type: TypeWishlist}}
)

// NewLot is the body of POST /api/inventory. Wine.ID is ignored; wines are
// matched by name, producer and vintage.
type NewLot struct {
	CellarID   int64   `json:"cellarId"`
	Wine       Wine    `json:"wine"`
	Quantity   int     `json:"quantity"`
	PricePaid  float64 `json:"pricePaid,omitempty"`
	Location   string  `json:"location,omitempty"`
	DrinkFrom  int     `json:"drinkFrom,omitempty"`
	DrinkUntil int     `json:"drinkUntil,omitempty"`
	Notes      string  `json:"notes,omitempty"`
}

// LotUpdate is the body of PUT /api/inventory/{id}. Nil fields are left
// unchanged.
type LotUpdate struct {
	Quantity   *int     `json:"quantity,omitempty"`
	PricePaid  *float64 `json:"pricePaid,omitempty"`
	Location   *string  `json:"location,omitempty"`
	DrinkFrom  *int     `json:"drinkFrom,omitempty"`
	DrinkUntil *int     `json:"drinkUntil,omitempty"`
	Notes      *string  `json:"notes,omitempty"`
}

// Fields returns the set fields keyed by their JSON names.
func (u LotUpdate) Fields() map[string]any {
	f := map[string]any{}
	if u.Quantity != nil {
		f["quantity"] = float64(*u.Quantity)
	}
	if u.PricePaid != nil {
		f["pricePaid"] = *u.PricePaid
	}
	if u.Location != nil {
		f["location"] = *u.Location
	}
	if u.DrinkFrom != nil {
		f["drinkFrom"] = float64(*u.DrinkFrom)
	}
	if u.DrinkUntil != nil {
		f["drinkUntil"] = float64(*u.DrinkUntil)
	}
	if u.Notes != nil {
		f["notes"] = *u.Notes
	}
	return f
}

// Apply returns lot with the update's fields set.
func (u LotUpdate) Apply(lot Lot) Lot {
	if u.Quantity != nil {
		lot.Quantity = *u.Quantity
	}
	if u.PricePaid != nil {
		lot.PricePaid = *u.PricePaid
	}
	if u.Location != nil {
		lot.Location = *u.Location
	}
	if u.DrinkFrom != nil {
		lot.DrinkFrom = *u.DrinkFrom
	}
	if u.DrinkUntil != nil {
		lot.DrinkUntil = *u.DrinkUntil
	}
	if u.Notes != nil {
		lot.Notes = *u.Notes
	}
	return lot
}

// Consumed is the response of POST /api/inventory/{id}/consume.
type Consumed struct {
	Lot   Lot              `json:"lot"`
	Event ConsumptionEvent `json:"event"`
}
