package session

import (
	"time"

	"github.com/ariefcatur/go-live-orders.git/internal/entity"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusPaused    Status = "PAUSED"
	StatusEnded     Status = "ENDED"
	StatusCancelled Status = "CANCELLED"
)

var validNext = map[Status]map[Status]bool{
	StatusActive: {StatusPaused: true, StatusEnded: true, StatusCancelled: true},
	StatusPaused: {StatusActive: true, StatusEnded: true, StatusCancelled: true},
}

func CanTransition(from, to Status) bool { return validNext[from][to] }

// Counters are the running totals of one broadcast.
type Counters struct {
	TotalMessages   int             `json:"total_messages"`
	TotalCF         int             `json:"total_cf"`
	Duplicates      int             `json:"duplicates"`
	Skipped         int             `json:"skipped"`
	TotalOrders     int             `json:"total_orders"`
	CancelledOrders int             `json:"cancelled_orders"`
	TotalSales      decimal.Decimal `json:"total_sales"`
	NewCustomers    int             `json:"new_customers"`
	UnresolvedCodes int             `json:"unresolved_codes"`
}

type LiveSession struct {
	entity.Base
	Title     string          `json:"title"`
	Platform  entity.Platform `json:"platform"`
	StreamURL string          `json:"stream_url,omitempty"`
	Status    Status          `json:"status"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
	Counters
	MessageIDs []string `json:"message_ids"`
	OrderIDs   []string `json:"order_ids"`
}

// Accepting reports whether chat for the session should become orders.
func (s *LiveSession) Accepting() bool { return s.Status == StatusActive }

func (s *LiveSession) clone() *LiveSession {
	cp := *s
	cp.MessageIDs = append([]string(nil), s.MessageIDs...)
	cp.OrderIDs = append([]string(nil), s.OrderIDs...)
	if s.EndedAt != nil {
		t := *s.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}
