package devapi

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/briangreenhill/cellarsync/cellar"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("quantity exceeds stock")
)

// Repository stores the cellar. Filtering, sorting and aggregation happen in
// the server so every implementation behaves the same.
type Repository interface {
	// Lots returns every lot of a cellar, or of all cellars when cellarID is 0.
	Lots(ctx context.Context, cellarID int64) ([]cellar.Lot, error)
	Lot(ctx context.Context, id int64) (cellar.Lot, error)
	CreateLot(ctx context.Context, in cellar.NewLot) (cellar.Lot, error)
	UpdateLot(ctx context.Context, id int64, u cellar.LotUpdate) (cellar.Lot, error)
	DeleteLot(ctx context.Context, id int64) error
	Consume(ctx context.Context, id int64, req cellar.ConsumeRequest) (cellar.Consumed, error)
	Consumption(ctx context.Context, cellarID int64) ([]cellar.ConsumptionEvent, error)
	Wishlist(ctx context.Context) ([]cellar.WishlistItem, error)
	AddWishlist(ctx context.Context, item cellar.WishlistItem) (cellar.WishlistItem, error)
	RemoveWishlist(ctx context.Context, id string) error
}

// MemoryRepository keeps everything in process memory.
type MemoryRepository struct {
	mu          sync.Mutex
	now         func() time.Time
	nextLot     int64
	nextWine    int64
	lots        map[int64]cellar.Lot
	wines       []cellar.Wine
	consumption []consumption
	wishlist    []cellar.WishlistItem
}

type consumption struct {
	cellarID int64
	event    cellar.ConsumptionEvent
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{now: time.Now, lots: make(map[int64]cellar.Lot)}
}

func (m *MemoryRepository) Lots(_ context.Context, cellarID int64) ([]cellar.Lot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]cellar.Lot, 0, len(m.lots))
	for _, l := range m.lots {
		if cellarID == 0 || l.CellarID == cellarID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRepository) Lot(_ context.Context, id int64) (cellar.Lot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lots[id]
	if !ok {
		return cellar.Lot{}, ErrNotFound
	}
	return l, nil
}

func (m *MemoryRepository) CreateLot(_ context.Context, in cellar.NewLot) (cellar.Lot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLot++
	l := cellar.Lot{
		ID:         m.nextLot,
		CellarID:   in.CellarID,
		Wine:       m.wineLocked(in.Wine),
		Quantity:   in.Quantity,
		PricePaid:  in.PricePaid,
		Location:   in.Location,
		DrinkFrom:  in.DrinkFrom,
		DrinkUntil: in.DrinkUntil,
		Notes:      in.Notes,
		AddedAt:    m.now().UTC(),
	}
	m.lots[l.ID] = l
	return l, nil
}

// wineLocked finds the wine by name, producer and vintage, or adds it.
func (m *MemoryRepository) wineLocked(w cellar.Wine) cellar.Wine {
	for _, existing := range m.wines {
		if strings.EqualFold(existing.Name, w.Name) &&
			strings.EqualFold(existing.Producer, w.Producer) &&
			existing.Vintage == w.Vintage {
			return existing
		}
	}
	m.nextWine++
	w.ID = m.nextWine
	m.wines = append(m.wines, w)
	return w
}

func (m *MemoryRepository) UpdateLot(_ context.Context, id int64, u cellar.LotUpdate) (cellar.Lot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lots[id]
	if !ok {
		return cellar.Lot{}, ErrNotFound
	}
	l = u.Apply(l)
	m.lots[id] = l
	return l, nil
}

func (m *MemoryRepository) DeleteLot(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lots[id]; !ok {
		return ErrNotFound
	}
	delete(m.lots, id)
	return nil
}

func (m *MemoryRepository) Consume(_ context.Context, id int64, req cellar.ConsumeRequest) (cellar.Consumed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lots[id]
	if !ok {
		return cellar.Consumed{}, ErrNotFound
	}
	if req.Quantity > l.Quantity {
		return cellar.Consumed{}, ErrInsufficientStock
	}
	l.Quantity -= req.Quantity
	m.lots[id] = l

	ev := cellar.ConsumptionEvent{
		ID:         uuid.NewString(),
		LotID:      id,
		WineName:   l.Wine.Name,
		Quantity:   req.Quantity,
		Occasion:   req.Occasion,
		Rating:     req.Rating,
		Notes:      req.Notes,
		ConsumedAt: m.now().UTC(),
	}
	m.consumption = append(m.consumption, consumption{cellarID: l.CellarID, event: ev})
	return cellar.Consumed{Lot: l, Event: ev}, nil
}

func (m *MemoryRepository) Consumption(_ context.Context, cellarID int64) ([]cellar.ConsumptionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]cellar.ConsumptionEvent, 0, len(m.consumption))
	for i := len(m.consumption) - 1; i >= 0; i-- {
		c := m.consumption[i]
		if cellarID != 0 && c.cellarID != cellarID {
			continue
		}
		out = append(out, c.event)
	}
	return out, nil
}

func (m *MemoryRepository) Wishlist(context.Context) ([]cellar.WishlistItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]cellar.WishlistItem{}, m.wishlist...), nil
}

func (m *MemoryRepository) AddWishlist(_ context.Context, item cellar.WishlistItem) (cellar.WishlistItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item.ID = uuid.NewString()
	item.AddedAt = m.now().UTC()
	m.wishlist = append(m.wishlist, item)
	return item, nil
}

func (m *MemoryRepository) RemoveWishlist(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, it := range m.wishlist {
		if it.ID == id {
			m.wishlist = append(m.wishlist[:i], m.wishlist[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// Seed adds lots to repo.
func Seed(ctx context.Context, repo Repository, lots []cellar.NewLot) error {
	for _, l := range lots {
		if _, err := repo.CreateLot(ctx, l); err != nil {
			return err
		}
	}
	return nil
}

// DemoLots is a small cellar used by cellard when it starts empty.
func DemoLots() []cellar.NewLot {
	return []cellar.NewLot{
		{CellarID: 1, Quantity: 6, PricePaid: 48, Location: "A1", DrinkFrom: 2024, DrinkUntil: 2035,
			Wine: cellar.Wine{Name: "Barolo Brunate", Producer: "Vietti", Region: "Piedmont", Country: "Italy", Color: "red", Grape: "Nebbiolo", Vintage: 2017}},
		{CellarID: 1, Quantity: 3, PricePaid: 32, Location: "A2", DrinkFrom: 2022, DrinkUntil: 2030,
			Wine: cellar.Wine{Name: "Chablis Premier Cru Montmains", Producer: "Domaine Laroche", Region: "Burgundy", Country: "France", Color: "white", Grape: "Chardonnay", Vintage: 2020}},
		{CellarID: 1, Quantity: 12, PricePaid: 19, Location: "B1", DrinkFrom: 2023, DrinkUntil: 2027,
			Wine: cellar.Wine{Name: "Riesling Kabinett", Producer: "Dr. Loosen", Region: "Mosel", Country: "Germany", Color: "white", Grape: "Riesling", Vintage: 2021}},
		{CellarID: 1, Quantity: 2, PricePaid: 85, Location: "C4", DrinkFrom: 2028, DrinkUntil: 2045,
			Wine: cellar.Wine{Name: "Hermitage", Producer: "Jean-Louis Chave", Region: "Rhone", Country: "France", Color: "red", Grape: "Syrah", Vintage: 2018}},
		{CellarID: 2, Quantity: 4, PricePaid: 24, Location: "A1",
			Wine: cellar.Wine{Name: "Pinot Noir", Producer: "Felton Road", Region: "Central Otago", Country: "New Zealand", Color: "red", Grape: "Pinot Noir", Vintage: 2021}},
	}
}
