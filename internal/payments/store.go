package payments

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-live-orders.git/internal/apperr"
)

// Store persists payments and bank SMS. ClaimSms is a compare-and-set on the
// SMS owner: it succeeds when the SMS is unmatched or already owned by
// paymentID and fails with apperr.ErrConcurrencyConflict otherwise.
type Store interface {
	CreatePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id string) (*Payment, error)
	MutatePayment(ctx context.Context, id string, fn func(p *Payment) error) (*Payment, error)
	ListByOrder(ctx context.Context, orderID string) ([]*Payment, error)
	ListByStatus(ctx context.Context, status VerificationStatus) ([]*Payment, error)

	// SaveSms inserts s unless an SMS with the same id exists; created
	// reports which happened and the stored row is returned either way.
	SaveSms(ctx context.Context, s *BankSms) (stored *BankSms, created bool, err error)
	GetSms(ctx context.Context, id string) (*BankSms, error)
	// SmsBetween lists SMS whose transfer (or receive) time is in [from, to].
	SmsBetween(ctx context.Context, from, to time.Time) ([]*BankSms, error)
	ClaimSms(ctx context.Context, smsID, paymentID string) error
	ReleaseSms(ctx context.Context, smsID, paymentID string) error
}

type MemoryStore struct {
	mu       sync.Mutex
	payments map[string]*Payment
	sms      map[string]*BankSms
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payments: map[string]*Payment{}, sms: map[string]*BankSms{}}
}

func (s *MemoryStore) CreatePayment(_ context.Context, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[p.ID]; ok {
		return apperr.Validation("payment %s already exists", p.ID)
	}
	s.payments[p.ID] = p.clone()
	return nil
}

func (s *MemoryStore) GetPayment(_ context.Context, id string) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, apperr.NotFound("payment", id)
	}
	return p.clone(), nil
}

func (s *MemoryStore) MutatePayment(_ context.Context, id string, fn func(p *Payment) error) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.payments[id]
	if !ok {
		return nil, apperr.NotFound("payment", id)
	}
	cp := cur.clone()
	if err := fn(cp); err != nil {
		return nil, err
	}
	s.payments[id] = cp
	return cp.clone(), nil
}

func (s *MemoryStore) filter(keep func(p *Payment) bool) []*Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Payment
	for _, p := range s.payments {
		if keep(p) {
			out = append(out, p.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *MemoryStore) ListByOrder(_ context.Context, orderID string) ([]*Payment, error) {
	return s.filter(func(p *Payment) bool { return p.OrderID == orderID }), nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status VerificationStatus) ([]*Payment, error) {
	return s.filter(func(p *Payment) bool { return p.Status == status }), nil
}

func (s *MemoryStore) SaveSms(_ context.Context, in *BankSms) (*BankSms, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.sms[in.ID]; ok {
		cp := *cur
		return &cp, false, nil
	}
	cp := *in
	s.sms[in.ID] = &cp
	out := cp
	return &out, true, nil
}

func (s *MemoryStore) GetSms(_ context.Context, id string) (*BankSms, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.sms[id]
	if !ok {
		return nil, apperr.NotFound("bank sms", id)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) SmsBetween(_ context.Context, from, to time.Time) ([]*BankSms, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*BankSms
	for _, m := range s.sms {
		if w := m.When(); !w.Before(from) && !w.After(to) {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

func (s *MemoryStore) ClaimSms(_ context.Context, smsID, paymentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.sms[smsID]
	if !ok {
		return apperr.NotFound("bank sms", smsID)
	}
	if m.PaymentID != "" && m.PaymentID != paymentID {
		return apperr.Conflict("bank sms %s already matched to payment %s", smsID, m.PaymentID)
	}
	m.PaymentID = paymentID
	return nil
}

func (s *MemoryStore) ReleaseSms(_ context.Context, smsID, paymentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.sms[smsID]; ok && m.PaymentID == paymentID {
		m.PaymentID = ""
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
