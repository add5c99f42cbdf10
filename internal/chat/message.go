package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-live-orders.git/internal/apperr"
	"github.com/ariefcatur/go-live-orders.git/internal/entity"
)

// Message is one viewer chat line as received from a platform. Processing
// fields are written once by the ingestion pipeline.
type Message struct {
	entity.Base
	SessionID  string          `json:"session_id"`
	CustomerID string          `json:"customer_id,omitempty"`
	SenderID   string          `json:"sender_id"`
	SenderName string          `json:"sender_name"`
	Platform   entity.Platform `json:"platform"`
	Text       string          `json:"text"`
	ReceivedAt time.Time       `json:"received_at"`

	IsCF             bool       `json:"is_cf"`
	Items            Extraction `json:"items,omitempty"`
	ProcessedToOrder bool       `json:"processed_to_order"`
	OrderID          string     `json:"order_id,omitempty"`
	IsDuplicate      bool       `json:"is_duplicate"`
	DuplicateOfID    string     `json:"duplicate_of_id,omitempty"`
	DuplicateReason  string     `json:"duplicate_reason,omitempty"`
	IsSkipped        bool       `json:"is_skipped"`
	SkipReason       string     `json:"skip_reason,omitempty"`
	Warnings         []string   `json:"warnings,omitempty"`
	// ProcessedAt is set once the pipeline reached an outcome; a message
	// stored without it failed midway and may be processed again.
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

func (m *Message) Skip(reason string) {
	m.IsSkipped = true
	m.SkipReason = reason
}

func (m *Message) Warn(w string) { m.Warnings = append(m.Warnings, w) }

type MessageStore interface {
	Save(ctx context.Context, m *Message) error
	Get(ctx context.Context, id string) (*Message, error)
	ListBySession(ctx context.Context, sessionID string) ([]*Message, error)
}

type MemoryMessages struct {
	mu   sync.RWMutex
	rows map[string]Message
}

func NewMemoryMessages() *MemoryMessages {
	return &MemoryMessages{rows: map[string]Message{}}
}

func (s *MemoryMessages) Save(_ context.Context, m *Message) error {
	if m.ID == "" {
		return apperr.Validation("message id is required")
	}
	cp := *m
	cp.Items = append(Extraction(nil), m.Items...)
	cp.Warnings = append([]string(nil), m.Warnings...)
	s.mu.Lock()
	s.rows[m.ID] = cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryMessages) Get(_ context.Context, id string) (*Message, error) {
	s.mu.RLock()
	m, ok := s.rows[id]
	s.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("message", id)
	}
	return &m, nil
}

func (s *MemoryMessages) ListBySession(_ context.Context, sessionID string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Message
	for _, m := range s.rows {
		m := m
		if m.SessionID == sessionID {
			out = append(out, &m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}
