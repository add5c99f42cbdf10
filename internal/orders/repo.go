package orders

import (
	"context"
	"sort"
	"sync"

	"github.com/ariefcatur/go-live-orders.git/internal/apperr"
)

// Repository persists orders. Mutate runs fn against the current row
// atomically and writes the result back only when fn returns nil. Reads skip
// soft deleted orders.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	Mutate(ctx context.Context, id string, fn func(o *Order) error) (*Order, error)
	GetByNumber(ctx context.Context, number string) (*Order, error)
	GetByTracking(ctx context.Context, tracking string) (*Order, error)
	ListBySession(ctx context.Context, sessionID string) ([]*Order, error)
	ListByCustomer(ctx context.Context, customerID string) ([]*Order, error)
	ListByStatus(ctx context.Context, status Status) ([]*Order, error)
}

type memOrder struct {
	mu sync.Mutex
	o  *Order
}

type MemoryRepo struct {
	mu   sync.RWMutex
	rows map[string]*memOrder
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{rows: map[string]*memOrder{}} }

func (r *MemoryRepo) Create(_ context.Context, o *Order) error {
	if o.ID == "" {
		return apperr.Validation("order id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[o.ID]; ok {
		return apperr.Validation("order %s already exists", o.ID)
	}
	r.rows[o.ID] = &memOrder{o: o.clone()}
	return nil
}

func (r *MemoryRepo) row(id string) (*memOrder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.rows[id]
	return m, ok
}

func (r *MemoryRepo) Get(_ context.Context, id string) (*Order, error) {
	m, ok := r.row(id)
	if !ok {
		return nil, apperr.NotFound("order", id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.o.Active() {
		return nil, apperr.NotFound("order", id)
	}
	return m.o.clone(), nil
}

func (r *MemoryRepo) Mutate(_ context.Context, id string, fn func(o *Order) error) (*Order, error) {
	m, ok := r.row(id)
	if !ok {
		return nil, apperr.NotFound("order", id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.o.Active() {
		return nil, apperr.NotFound("order", id)
	}
	cp := m.o.clone()
	if err := fn(cp); err != nil {
		return nil, err
	}
	m.o = cp
	return cp.clone(), nil
}

func (r *MemoryRepo) list(keep func(o *Order) bool) []*Order {
	r.mu.RLock()
	rows := make([]*memOrder, 0, len(r.rows))
	for _, m := range r.rows {
		rows = append(rows, m)
	}
	r.mu.RUnlock()

	var out []*Order
	for _, m := range rows {
		m.mu.Lock()
		if m.o.Active() && keep(m.o) {
			out = append(out, m.o.clone())
		}
		m.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderNumber < out[j].OrderNumber })
	return out
}

func (r *MemoryRepo) ListBySession(_ context.Context, sessionID string) ([]*Order, error) {
	return r.list(func(o *Order) bool { return o.LiveSessionID == sessionID }), nil
}

func (r *MemoryRepo) ListByCustomer(_ context.Context, customerID string) ([]*Order, error) {
	return r.list(func(o *Order) bool { return o.Customer.CustomerID == customerID }), nil
}

func (r *MemoryRepo) ListByStatus(_ context.Context, status Status) ([]*Order, error) {
	return r.list(func(o *Order) bool { return o.Status == status }), nil
}

func (r *MemoryRepo) GetByNumber(_ context.Context, number string) (*Order, error) {
	if found := r.list(func(o *Order) bool { return o.OrderNumber == number }); len(found) > 0 {
		return found[0], nil
	}
	return nil, apperr.NotFound("order number", number)
}

func (r *MemoryRepo) GetByTracking(_ context.Context, tracking string) (*Order, error) {
	found := r.list(func(o *Order) bool {
		return o.Shipment != nil && tracking != "" && o.Shipment.TrackingNumber == tracking
	})
	if len(found) > 0 {
		return found[0], nil
	}
	return nil, apperr.NotFound("tracking number", tracking)
}

var _ Repository = (*MemoryRepo)(nil)
