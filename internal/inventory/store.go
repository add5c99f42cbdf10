package inventory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/ariefcatur/go-live-orders.git/internal/apperr"
)

// Store persists products. Mutate is the only write path for stock counters:
// it must run fn against the current row atomically (row lock, CAS or
// optimistic transaction) and persist the result only when fn returns nil.
type Store interface {
	Get(ctx context.Context, id string) (*Product, error)
	FindByLiveCode(ctx context.Context, code string) (*Product, error)
	List(ctx context.Context) ([]*Product, error)
	Save(ctx context.Context, p *Product) error
	Mutate(ctx context.Context, id string, fn func(p *Product) error) (*Product, error)
}

func NormalizeCode(code string) string { return strings.ToUpper(strings.TrimSpace(code)) }

type memRow struct {
	mu sync.Mutex
	p  *Product
}

// MemoryStore keeps one mutex per row; the map lock is only held for lookups.
type MemoryStore struct {
	mu    sync.RWMutex
	rows  map[string]*memRow
	codes map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: map[string]*memRow{}, codes: map[string]string{}}
}

func (s *MemoryStore) row(id string) (*memRow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[id]
	return r, ok
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Product, error) {
	r, ok := s.row(id)
	if !ok {
		return nil, apperr.NotFound("product", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.p.Active() {
		return nil, apperr.NotFound("product", id)
	}
	return r.p.clone(), nil
}

func (s *MemoryStore) FindByLiveCode(ctx context.Context, code string) (*Product, error) {
	s.mu.RLock()
	id, ok := s.codes[NormalizeCode(code)]
	s.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("live code", code)
	}
	p, err := s.Get(ctx, id)
	if err != nil || !p.Sellable() {
		return nil, apperr.NotFound("live code", code)
	}
	return p, nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Product, error) {
	s.mu.RLock()
	rows := make([]*memRow, 0, len(s.rows))
	for _, r := range s.rows {
		rows = append(rows, r)
	}
	s.mu.RUnlock()

	out := make([]*Product, 0, len(rows))
	for _, r := range rows {
		r.mu.Lock()
		if r.p.Active() {
			out = append(out, r.p.clone())
		}
		r.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LiveCode < out[j].LiveCode })
	return out, nil
}

func (s *MemoryStore) Save(_ context.Context, p *Product) error {
	if p.ID == "" {
		return apperr.Validation("product id is required")
	}
	code := NormalizeCode(p.LiveCode)

	s.mu.Lock()
	defer s.mu.Unlock()
	if code != "" {
		if owner, ok := s.codes[code]; ok && owner != p.ID {
			return apperr.Validation("live code %s already used by product %s", code, owner)
		}
	}
	if r, ok := s.rows[p.ID]; ok {
		r.mu.Lock()
		if old := NormalizeCode(r.p.LiveCode); old != "" && old != code {
			delete(s.codes, old)
		}
		r.p = p.clone()
		r.p.LiveCode = code
		r.mu.Unlock()
	} else {
		cp := p.clone()
		cp.LiveCode = code
		s.rows[p.ID] = &memRow{p: cp}
	}
	if code != "" {
		s.codes[code] = p.ID
	}
	return nil
}

func (s *MemoryStore) Mutate(_ context.Context, id string, fn func(p *Product) error) (*Product, error) {
	r, ok := s.row(id)
	if !ok {
		return nil, apperr.NotFound("product", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.p.Active() {
		return nil, apperr.NotFound("product", id)
	}
	cp := r.p.clone()
	if err := fn(cp); err != nil {
		return nil, err
	}
	r.p = cp
	return cp.clone(), nil
}

var _ Store = (*MemoryStore)(nil)
