package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-live-orders.git/internal/apperr"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const productColumns = `id, sku, name, live_code, variant_of, variant_name, price,
	stock_quantity, reserved_quantity, reorder_level, track_stock, allow_backorder, is_active,
	is_deleted, deleted_at, created_at, updated_at`

// PostgresStore locks the product row (SELECT ... FOR UPDATE) for every
// Mutate, so reservations from several API instances serialize in the DB.
type PostgresStore struct {
	DB          *pgxpool.Pool
	LockTimeout time.Duration
}

func scanProduct(row pgx.Row) (*Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.LiveCode, &p.VariantOf, &p.VariantName, &p.Price,
		&p.StockQuantity, &p.ReservedQuantity, &p.ReorderLevel, &p.TrackStock, &p.AllowBackorder, &p.IsActive,
		&p.IsDeleted, &p.DeletedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Product, error) {
	p, err := scanProduct(s.DB.QueryRow(ctx,
		`SELECT `+productColumns+` FROM products WHERE id=$1 AND NOT is_deleted`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("product", id)
	}
	return p, err
}

func (s *PostgresStore) FindByLiveCode(ctx context.Context, code string) (*Product, error) {
	p, err := scanProduct(s.DB.QueryRow(ctx,
		`SELECT `+productColumns+` FROM products WHERE live_code=$1 AND NOT is_deleted AND is_active`,
		NormalizeCode(code)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("live code", code)
	}
	return p, err
}

func (s *PostgresStore) List(ctx context.Context) ([]*Product, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+productColumns+` FROM products WHERE NOT is_deleted ORDER BY live_code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Save(ctx context.Context, p *Product) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO products(`+productColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (id) DO UPDATE SET
			sku=EXCLUDED.sku, name=EXCLUDED.name, live_code=EXCLUDED.live_code,
			variant_of=EXCLUDED.variant_of, variant_name=EXCLUDED.variant_name, price=EXCLUDED.price,
			stock_quantity=EXCLUDED.stock_quantity, reserved_quantity=EXCLUDED.reserved_quantity,
			reorder_level=EXCLUDED.reorder_level, track_stock=EXCLUDED.track_stock,
			allow_backorder=EXCLUDED.allow_backorder, is_active=EXCLUDED.is_active,
			is_deleted=EXCLUDED.is_deleted, deleted_at=EXCLUDED.deleted_at, updated_at=EXCLUDED.updated_at`,
		p.ID, p.SKU, p.Name, NormalizeCode(p.LiveCode), p.VariantOf, p.VariantName, p.Price,
		p.StockQuantity, p.ReservedQuantity, p.ReorderLevel, p.TrackStock, p.AllowBackorder, p.IsActive,
		p.IsDeleted, p.DeletedAt, p.CreatedAt, p.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return apperr.Validation("live code %s already used by another product", NormalizeCode(p.LiveCode))
	}
	return err
}

func (s *PostgresStore) Mutate(ctx context.Context, id string, fn func(p *Product) error) (*Product, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if s.LockTimeout > 0 {
		// SET does not take bind parameters
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.LockTimeout.Milliseconds())); err != nil {
			return nil, err
		}
	}

	p, err := scanProduct(tx.QueryRow(ctx,
		`SELECT `+productColumns+` FROM products WHERE id=$1 AND NOT is_deleted FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("product", id)
	}
	if err != nil {
		return nil, lockErr(id, err)
	}

	if err := fn(p); err != nil {
		return nil, err
	}

	ct, err := tx.Exec(ctx, `
		UPDATE products SET stock_quantity=$2, reserved_quantity=$3, updated_at=$4
		WHERE id=$1`, p.ID, p.StockQuantity, p.ReservedQuantity, p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if ct.RowsAffected() != 1 {
		return nil, apperr.Conflict("product %s vanished during update", id)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// lockErr turns lock_timeout (55P03) and serialization failures into a
// retryable conflict.
func lockErr(id string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "55P03" || pgErr.Code == "40001") {
		return apperr.Conflict("product %s row lock: %s", id, pgErr.Message)
	}
	return err
}

var _ Store = (*PostgresStore)(nil)
