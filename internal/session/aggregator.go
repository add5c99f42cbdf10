package session

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/ariefcatur/go-live-orders.git/internal/apperr"
	"github.com/ariefcatur/go-live-orders.git/internal/entity"
	"github.com/ariefcatur/go-live-orders.git/internal/events"
	"github.com/ariefcatur/go-live-orders.git/internal/keylock"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Aggregator owns live sessions and their counters. Every change to one
// session runs under the "session:{id}" key.
type Aggregator struct {
	mu          sync.RWMutex
	rows        map[string]*LiveSession
	Locks       *keylock.Locker
	Publisher   events.Publisher
	Log         zerolog.Logger
	ServiceName string
	Now         func() time.Time
}

func NewAggregator(locks *keylock.Locker, pub events.Publisher, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		rows:        map[string]*LiveSession{},
		Locks:       locks,
		Publisher:   pub,
		Log:         log.With().Str("component", "session").Logger(),
		ServiceName: "session-aggregator",
		Now:         time.Now,
	}
}

type StartInput struct {
	Title     string `json:"title"`
	Platform  string `json:"platform"`
	StreamURL string `json:"stream_url"`
}

func (a *Aggregator) Start(_ context.Context, in StartInput) (*LiveSession, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, apperr.Validation("session title is required")
	}
	now := a.Now().UTC()
	s := &LiveSession{
		Base:      entity.NewBase(now),
		Title:     strings.TrimSpace(in.Title),
		Platform:  entity.ParsePlatform(in.Platform),
		StreamURL: in.StreamURL,
		Status:    StatusActive,
		StartedAt: now,
		Counters:  Counters{TotalSales: decimal.Zero},
	}
	a.mu.Lock()
	a.rows[s.ID] = s
	a.mu.Unlock()
	a.Log.Info().Str("session_id", s.ID).Str("platform", string(s.Platform)).Str("title", s.Title).Msg("session started")
	return s.clone(), nil
}

func (a *Aggregator) Get(_ context.Context, id string) (*LiveSession, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.rows[id]
	if !ok {
		return nil, apperr.NotFound("session", id)
	}
	return s.clone(), nil
}

// mutate applies fn to the stored session under the session key.
func (a *Aggregator) mutate(ctx context.Context, id string, fn func(s *LiveSession) error) (*LiveSession, error) {
	unlock, err := a.Locks.Lock(ctx, "session:"+id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.rows[id]
	if !ok {
		return nil, apperr.NotFound("session", id)
	}
	cp := s.clone()
	if err := fn(cp); err != nil {
		return nil, err
	}
	cp.Touch(a.Now())
	a.rows[id] = cp
	return cp.clone(), nil
}

func (a *Aggregator) transition(ctx context.Context, id string, to Status) (*LiveSession, error) {
	var from Status
	s, err := a.mutate(ctx, id, func(s *LiveSession) error {
		if !CanTransition(s.Status, to) {
			return apperr.InvalidTransition("session", s.Status, to)
		}
		from = s.Status
		s.Status = to
		if to == StatusEnded || to == StatusCancelled {
			now := a.Now().UTC()
			s.EndedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.Log.Info().Str("session_id", id).Str("from", string(from)).Str("to", string(to)).Msg("session status changed")
	if to == StatusEnded || to == StatusCancelled {
		sum := summarize(s, a.Now())
		if err := events.Emit(ctx, a.Publisher, events.EventSessionSummary, a.ServiceName, id, sum.payload()); err != nil {
			a.Log.Error().Err(err).Str("session_id", id).Msg("publish session summary")
		}
	}
	return s, nil
}

func (a *Aggregator) Pause(ctx context.Context, id string) (*LiveSession, error) {
	return a.transition(ctx, id, StatusPaused)
}

func (a *Aggregator) Resume(ctx context.Context, id string) (*LiveSession, error) {
	return a.transition(ctx, id, StatusActive)
}

func (a *Aggregator) End(ctx context.Context, id string) (*LiveSession, error) {
	return a.transition(ctx, id, StatusEnded)
}

func (a *Aggregator) Cancel(ctx context.Context, id string) (*LiveSession, error) {
	return a.transition(ctx, id, StatusCancelled)
}

// MessageRecord is what the pipeline learned about one chat message.
type MessageRecord struct {
	MessageID   string
	IsCF        bool
	Duplicate   bool
	Skipped     bool
	OrderID     string
	OrderTotal  decimal.Decimal
	NewCustomer bool
	Unresolved  int
}

// RecordMessage folds one processed message into the counters. Messages
// keep counting after the session stops accepting orders.
func (a *Aggregator) RecordMessage(ctx context.Context, id string, r MessageRecord) error {
	_, err := a.mutate(ctx, id, func(s *LiveSession) error {
		s.TotalMessages++
		if r.MessageID != "" {
			s.MessageIDs = append(s.MessageIDs, r.MessageID)
		}
		if r.IsCF {
			s.TotalCF++
		}
		if r.Duplicate {
			s.Duplicates++
		}
		if r.Skipped {
			s.Skipped++
		}
		if r.NewCustomer {
			s.NewCustomers++
		}
		s.UnresolvedCodes += r.Unresolved
		if r.OrderID != "" {
			s.TotalOrders++
			s.OrderIDs = append(s.OrderIDs, r.OrderID)
			s.TotalSales = s.TotalSales.Add(r.OrderTotal)
		}
		return nil
	})
	return err
}

// RecordOrderCancelled takes a cancelled order out of the sales total. An
// order that does not belong to the session is ignored.
func (a *Aggregator) RecordOrderCancelled(ctx context.Context, id, orderID string, total decimal.Decimal) error {
	_, err := a.mutate(ctx, id, func(s *LiveSession) error {
		for _, oid := range s.OrderIDs {
			if oid == orderID {
				s.CancelledOrders++
				s.TotalSales = s.TotalSales.Sub(total)
				return nil
			}
		}
		return nil
	})
	return err
}

type Summary struct {
	SessionID string `json:"session_id"`
	Title     string `json:"title"`
	Status    Status `json:"status"`
	Counters
	Duration        time.Duration `json:"duration"`
	OrdersPerMinute float64       `json:"orders_per_minute"`
}

func (s Summary) payload() events.SessionSummaryPayload {
	return events.SessionSummaryPayload{
		SessionID:       s.SessionID,
		Status:          string(s.Status),
		TotalMessages:   s.TotalMessages,
		TotalCF:         s.TotalCF,
		Duplicates:      s.Duplicates,
		Skipped:         s.Skipped,
		TotalOrders:     s.TotalOrders,
		CancelledOrders: s.CancelledOrders,
		TotalSales:      s.TotalSales,
		NewCustomers:    s.NewCustomers,
		DurationSeconds: s.Duration.Seconds(),
	}
}

func summarize(s *LiveSession, now time.Time) Summary {
	end := now.UTC()
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	d := end.Sub(s.StartedAt)
	if d < 0 {
		d = 0
	}
	out := Summary{
		SessionID: s.ID,
		Title:     s.Title,
		Status:    s.Status,
		Counters:  s.Counters,
		Duration:  d,
	}
	if m := d.Minutes(); m > 0 {
		out.OrdersPerMinute = math.Round(float64(s.TotalOrders)/m*100) / 100
	}
	return out
}

// Summary reports the counters so far; a running session is measured up
// to now.
func (a *Aggregator) Summary(ctx context.Context, id string) (Summary, error) {
	s, err := a.Get(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	return summarize(s, a.Now()), nil
}
