package devapi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/briangreenhill/cellarsync/cellar"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS wines (
	id       BIGSERIAL PRIMARY KEY,
	name     TEXT NOT NULL,
	producer TEXT NOT NULL DEFAULT '',
	region   TEXT NOT NULL DEFAULT '',
	country  TEXT NOT NULL DEFAULT '',
	color    TEXT NOT NULL DEFAULT '',
	grape    TEXT NOT NULL DEFAULT '',
	vintage  INTEGER NOT NULL DEFAULT 0,
	UNIQUE (name, producer, vintage)
);
CREATE TABLE IF NOT EXISTS lots (
	id          BIGSERIAL PRIMARY KEY,
	cellar_id   BIGINT NOT NULL,
	wine_id     BIGINT NOT NULL REFERENCES wines(id),
	quantity    INTEGER NOT NULL CHECK (quantity >= 0),
	price_paid  DOUBLE PRECISION NOT NULL DEFAULT 0,
	location    TEXT NOT NULL DEFAULT '',
	drink_from  INTEGER NOT NULL DEFAULT 0,
	drink_until INTEGER NOT NULL DEFAULT 0,
	notes       TEXT NOT NULL DEFAULT '',
	added_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS consumption (
	id          TEXT PRIMARY KEY,
	lot_id      BIGINT NOT NULL,
	cellar_id   BIGINT NOT NULL,
	wine_name   TEXT NOT NULL,
	quantity    INTEGER NOT NULL,
	occasion    TEXT NOT NULL DEFAULT '',
	rating      INTEGER NOT NULL DEFAULT 0,
	notes       TEXT NOT NULL DEFAULT '',
	consumed_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS wishlist (
	id        TEXT PRIMARY KEY,
	wine_name TEXT NOT NULL,
	producer  TEXT NOT NULL DEFAULT '',
	vintage   INTEGER NOT NULL DEFAULT 0,
	notes     TEXT NOT NULL DEFAULT '',
	added_at  TIMESTAMPTZ NOT NULL
);`

const lotColumns = `
	l.id, l.cellar_id, l.quantity, l.price_paid, l.location, l.drink_from,
	l.drink_until, l.notes, l.added_at,
	w.id, w.name, w.producer, w.region, w.country, w.color, w.grape, w.vintage
FROM lots l JOIN wines w ON w.id = l.wine_id`

// PostgresRepository stores the cellar in PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (p *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func scanLot(row pgx.CollectableRow) (cellar.Lot, error) {
	var l cellar.Lot
	err := row.Scan(
		&l.ID, &l.CellarID, &l.Quantity, &l.PricePaid, &l.Location, &l.DrinkFrom,
		&l.DrinkUntil, &l.Notes, &l.AddedAt,
		&l.Wine.ID, &l.Wine.Name, &l.Wine.Producer, &l.Wine.Region, &l.Wine.Country,
		&l.Wine.Color, &l.Wine.Grape, &l.Wine.Vintage,
	)
	l.AddedAt = l.AddedAt.UTC()
	return l, err
}

func (p *PostgresRepository) Lots(ctx context.Context, cellarID int64) ([]cellar.Lot, error) {
	rows, err := p.pool.Query(ctx, `SELECT`+lotColumns+` WHERE ($1::bigint = 0 OR l.cellar_id = $1) ORDER BY l.id`, cellarID)
	if err != nil {
		return nil, fmt.Errorf("list lots: %w", err)
	}
	return pgx.CollectRows(rows, scanLot)
}

func (p *PostgresRepository) Lot(ctx context.Context, id int64) (cellar.Lot, error) {
	rows, err := p.pool.Query(ctx, `SELECT`+lotColumns+` WHERE l.id = $1`, id)
	if err != nil {
		return cellar.Lot{}, fmt.Errorf("get lot: %w", err)
	}
	l, err := pgx.CollectExactlyOneRow(rows, scanLot)
	if errors.Is(err, pgx.ErrNoRows) {
		return cellar.Lot{}, ErrNotFound
	}
	return l, err
}

func (p *PostgresRepository) CreateLot(ctx context.Context, in cellar.NewLot) (cellar.Lot, error) {
	var id int64
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		var wineID int64
		err := tx.QueryRow(ctx, `
			INSERT INTO wines (name, producer, region, country, color, grape, vintage)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (name, producer, vintage) DO UPDATE SET name = EXCLUDED.name
			RETURNING id`,
			in.Wine.Name, in.Wine.Producer, in.Wine.Region, in.Wine.Country,
			in.Wine.Color, in.Wine.Grape, in.Wine.Vintage,
		).Scan(&wineID)
		if err != nil {
			return fmt.Errorf("upsert wine: %w", err)
		}
		return tx.QueryRow(ctx, `
			INSERT INTO lots (cellar_id, wine_id, quantity, price_paid, location, drink_from, drink_until, notes)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id`,
			in.CellarID, wineID, in.Quantity, in.PricePaid, in.Location,
			in.DrinkFrom, in.DrinkUntil, in.Notes,
		).Scan(&id)
	})
	if err != nil {
		return cellar.Lot{}, fmt.Errorf("create lot: %w", err)
	}
	return p.Lot(ctx, id)
}

func (p *PostgresRepository) UpdateLot(ctx context.Context, id int64, u cellar.LotUpdate) (cellar.Lot, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE lots SET
			quantity    = COALESCE($2, quantity),
			price_paid  = COALESCE($3, price_paid),
			location    = COALESCE($4, location),
			drink_from  = COALESCE($5, drink_from),
			drink_until = COALESCE($6, drink_until),
			notes       = COALESCE($7, notes)
		WHERE id = $1`,
		id, u.Quantity, u.PricePaid, u.Location, u.DrinkFrom, u.DrinkUntil, u.Notes,
	)
	if err != nil {
		return cellar.Lot{}, fmt.Errorf("update lot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return cellar.Lot{}, ErrNotFound
	}
	return p.Lot(ctx, id)
}

func (p *PostgresRepository) DeleteLot(ctx context.Context, id int64) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM lots WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete lot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresRepository) Consume(ctx context.Context, id int64, req cellar.ConsumeRequest) (cellar.Consumed, error) {
	ev := cellar.ConsumptionEvent{
		ID:         uuid.NewString(),
		LotID:      id,
		Quantity:   req.Quantity,
		Occasion:   req.Occasion,
		Rating:     req.Rating,
		Notes:      req.Notes,
		ConsumedAt: time.Now().UTC(),
	}
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		var (
			quantity int
			cellarID int64
		)
		err := tx.QueryRow(ctx, `
			SELECT l.quantity, l.cellar_id, w.name
			FROM lots l JOIN wines w ON w.id = l.wine_id
			WHERE l.id = $1 FOR UPDATE OF l`, id,
		).Scan(&quantity, &cellarID, &ev.WineName)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if req.Quantity > quantity {
			return ErrInsufficientStock
		}
		if _, err := tx.Exec(ctx, `UPDATE lots SET quantity = quantity - $2 WHERE id = $1`, id, req.Quantity); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO consumption (id, lot_id, cellar_id, wine_name, quantity, occasion, rating, notes, consumed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			ev.ID, id, cellarID, ev.WineName, ev.Quantity, ev.Occasion, ev.Rating, ev.Notes, ev.ConsumedAt,
		)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInsufficientStock) {
			return cellar.Consumed{}, err
		}
		return cellar.Consumed{}, fmt.Errorf("consume: %w", err)
	}
	lot, err := p.Lot(ctx, id)
	if err != nil {
		return cellar.Consumed{}, err
	}
	return cellar.Consumed{Lot: lot, Event: ev}, nil
}

func (p *PostgresRepository) Consumption(ctx context.Context, cellarID int64) ([]cellar.ConsumptionEvent, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, lot_id, wine_name, quantity, occasion, rating, notes, consumed_at
		FROM consumption WHERE ($1::bigint = 0 OR cellar_id = $1)
		ORDER BY consumed_at DESC`, cellarID)
	if err != nil {
		return nil, fmt.Errorf("list consumption: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (cellar.ConsumptionEvent, error) {
		var ev cellar.ConsumptionEvent
		err := row.Scan(&ev.ID, &ev.LotID, &ev.WineName, &ev.Quantity, &ev.Occasion, &ev.Rating, &ev.Notes, &ev.ConsumedAt)
		ev.ConsumedAt = ev.ConsumedAt.UTC()
		return ev, err
	})
}

func (p *PostgresRepository) Wishlist(ctx context.Context) ([]cellar.WishlistItem, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, wine_name, producer, vintage, notes, added_at
		FROM wishlist ORDER BY added_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list wishlist: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (cellar.WishlistItem, error) {
		var it cellar.WishlistItem
		err := row.Scan(&it.ID, &it.WineName, &it.Producer, &it.Vintage, &it.Notes, &it.AddedAt)
		it.AddedAt = it.AddedAt.UTC()
		return it, err
	})
}

func (p *PostgresRepository) AddWishlist(ctx context.Context, item cellar.WishlistItem) (cellar.WishlistItem, error) {
	item.ID = uuid.NewString()
	item.AddedAt = time.Now().UTC()
	_, err := p.pool.Exec(ctx, `
		INSERT INTO wishlist (id, wine_name, producer, vintage, notes, added_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		item.ID, item.WineName, item.Producer, item.Vintage, item.Notes, item.AddedAt,
	)
	if err != nil {
		return cellar.WishlistItem{}, fmt.Errorf("add wishlist item: %w", err)
	}
	return item, nil
}

func (p *PostgresRepository) RemoveWishlist(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM wishlist WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("remove wishlist item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
