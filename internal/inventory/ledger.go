package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-live-orders.git/internal/apperr"
	"github.com/ariefcatur/go-live-orders.git/internal/entity"
	"github.com/ariefcatur/go-live-orders.git/internal/events"
	"github.com/ariefcatur/go-live-orders.git/internal/keylock"
	"github.com/rs/zerolog"
)

// Shortage is returned by Reserve when available stock cannot cover qty.
type Shortage struct {
	ProductID string `json:"product_id"`
	Required  int    `json:"required"`
	Available int    `json:"available"`
}

func (s *Shortage) Error() string {
	return fmt.Sprintf("%s: product %s required %d available %d",
		apperr.ErrInsufficientStock, s.ProductID, s.Required, s.Available)
}

func (s *Shortage) Unwrap() error { return apperr.ErrInsufficientStock }

// Ledger owns stock counts and reservations. Every mutation is serialized
// per product and atomic against the store.
type Ledger struct {
	Store       Store
	Locks       *keylock.Locker
	Publisher   events.Publisher
	Log         zerolog.Logger
	ServiceName string
	Backoff     time.Duration
	Now         func() time.Time
}

func NewLedger(store Store, locks *keylock.Locker, pub events.Publisher, log zerolog.Logger) *Ledger {
	return &Ledger{
		Store:       store,
		Locks:       locks,
		Publisher:   pub,
		Log:         log.With().Str("component", "inventory").Logger(),
		ServiceName: "inventory",
		Backoff:     50 * time.Millisecond,
		Now:         time.Now,
	}
}

// Reserve holds qty units. It fails with *Shortage (ErrInsufficientStock)
// when the product cannot cover it and backorder is off.
func (l *Ledger) Reserve(ctx context.Context, productID string, qty int) (*Product, error) {
	return l.mutate(ctx, "reserve", productID, qty, func(p *Product) error {
		if p.TrackStock && !p.AllowBackorder && p.AvailableQuantity() < qty {
			return &Shortage{ProductID: p.ID, Required: qty, Available: p.AvailableQuantity()}
		}
		p.ReservedQuantity += qty
		return nil
	})
}

// Release gives back qty reserved units, floored at zero.
func (l *Ledger) Release(ctx context.Context, productID string, qty int) (*Product, error) {
	return l.mutate(ctx, "release", productID, qty, func(p *Product) error {
		p.ReservedQuantity -= qty
		if p.ReservedQuantity < 0 {
			p.ReservedQuantity = 0
		}
		return nil
	})
}

// Commit turns a reservation into real depletion on shipment.
func (l *Ledger) Commit(ctx context.Context, productID string, qty int) (*Product, error) {
	return l.mutate(ctx, "commit", productID, qty, func(p *Product) error {
		if p.ReservedQuantity < qty {
			return apperr.Validation("commit %d of product %s exceeds reservation %d", qty, p.ID, p.ReservedQuantity)
		}
		p.StockQuantity -= qty
		p.ReservedQuantity -= qty
		return nil
	})
}

// Restock adds physical units, e.g. a new delivery or an inspected return.
func (l *Ledger) Restock(ctx context.Context, productID string, qty int) (*Product, error) {
	return l.mutate(ctx, "restock", productID, qty, func(p *Product) error {
		p.StockQuantity += qty
		return nil
	})
}

func (l *Ledger) Available(ctx context.Context, productID string) (int, error) {
	p, err := l.Store.Get(ctx, productID)
	if err != nil {
		return 0, err
	}
	return p.AvailableQuantity(), nil
}

func (l *Ledger) IsLowStock(ctx context.Context, productID string) (bool, error) {
	p, err := l.Store.Get(ctx, productID)
	if err != nil {
		return false, err
	}
	return p.IsLowStock(), nil
}

func (l *Ledger) Get(ctx context.Context, productID string) (*Product, error) {
	return l.Store.Get(ctx, productID)
}

func (l *Ledger) FindByLiveCode(ctx context.Context, code string) (*Product, error) {
	return l.Store.FindByLiveCode(ctx, code)
}

func (l *Ledger) List(ctx context.Context) ([]*Product, error) {
	return l.Store.List(ctx)
}

// ListLowStock returns tracked products at or below their reorder level.
func (l *Ledger) ListLowStock(ctx context.Context) ([]*Product, error) {
	all, err := l.Store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Product, 0, len(all))
	for _, p := range all {
		if p.IsLowStock() {
			out = append(out, p)
		}
	}
	return out, nil
}

// Upsert creates or replaces catalog data for a product. Reserved quantity
// of an existing product is preserved; it only moves through the ledger.
func (l *Ledger) Upsert(ctx context.Context, p *Product) (*Product, error) {
	if p.Name == "" {
		return nil, apperr.Validation("product name is required")
	}
	if p.StockQuantity < 0 {
		return nil, apperr.Validation("stock quantity must not be negative")
	}
	if p.Price.IsNegative() {
		return nil, apperr.Validation("price must not be negative")
	}
	now := l.Now()
	if p.ID == "" {
		p.Base = entity.NewBase(now)
	}
	unlock, err := l.Locks.Lock(ctx, "product:"+p.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := l.Store.Get(ctx, p.ID)
	switch {
	case err == nil:
		p.CreatedAt = cur.CreatedAt
		p.ReservedQuantity = cur.ReservedQuantity
		if !p.AllowBackorder && p.TrackStock && p.StockQuantity < p.ReservedQuantity {
			return nil, apperr.Validation("stock %d below reserved %d", p.StockQuantity, p.ReservedQuantity)
		}
		p.Touch(now)
	case errors.Is(err, apperr.ErrNotFound):
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now.UTC()
		}
		if p.ReorderLevel == 0 {
			p.ReorderLevel = DefaultReorderLevel
		}
		p.ReservedQuantity = 0
	default:
		return nil, err
	}
	if err := l.Store.Save(ctx, p); err != nil {
		return nil, err
	}
	return l.Store.Get(ctx, p.ID)
}

func (l *Ledger) mutate(ctx context.Context, op, productID string, qty int, fn func(p *Product) error) (*Product, error) {
	if qty <= 0 {
		return nil, apperr.Validation("%s %s: qty must be positive, got %d", op, productID, qty)
	}
	var wasLow bool
	p, err := apperr.RetryOnce(ctx, l.Backoff, func() (*Product, error) {
		unlock, err := l.Locks.Lock(ctx, "product:"+productID)
		if err != nil {
			return nil, err
		}
		defer unlock()
		return l.Store.Mutate(ctx, productID, func(p *Product) error {
			wasLow = p.IsLowStock()
			if err := fn(p); err != nil {
				return err
			}
			p.Touch(l.Now())
			return nil
		})
	})
	if err != nil {
		l.Log.Warn().Err(err).Str("op", op).Str("product_id", productID).Int("qty", qty).
			Str("kind", apperr.Kind(err)).Msg("stock operation rejected")
		return nil, err
	}
	l.Log.Debug().Str("op", op).Str("product_id", productID).Int("qty", qty).
		Int("stock", p.StockQuantity).Int("reserved", p.ReservedQuantity).Msg("stock updated")

	if !wasLow && p.IsLowStock() {
		l.publishLowStock(ctx, p)
	}
	return p, nil
}

func (l *Ledger) publishLowStock(ctx context.Context, p *Product) {
	err := events.Emit(ctx, l.Publisher, events.EventLowStock, l.ServiceName, p.ID, events.LowStockPayload{
		ProductID:    p.ID,
		LiveCode:     p.LiveCode,
		Available:    p.AvailableQuantity(),
		ReorderLevel: p.ReorderLevel,
	})
	if err != nil {
		l.Log.Error().Err(err).Str("product_id", p.ID).Msg("publish low stock")
	}
}
