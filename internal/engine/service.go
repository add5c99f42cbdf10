package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/go-live-orders.git/internal/apperr"
	"github.com/ariefcatur/go-live-orders.git/internal/chat"
	"github.com/ariefcatur/go-live-orders.git/internal/customers"
	"github.com/ariefcatur/go-live-orders.git/internal/entity"
	"github.com/ariefcatur/go-live-orders.git/internal/orders"
	"github.com/ariefcatur/go-live-orders.git/internal/session"
	"github.com/rs/zerolog"
)

type Kind string

const (
	KindCreatedOrder Kind = "created_order"
	KindDuplicate    Kind = "duplicate"
	KindSkipped      Kind = "skipped"
	KindNoStock      Kind = "no_stock"
	KindNotCF        Kind = "not_cf"
)

const ReasonSessionNotActive = "session not active"

// Incoming is one raw chat line handed over by a platform connector.
type Incoming struct {
	// ID is optional; connectors that redeliver should set it so a replay
	// returns the first outcome.
	ID         string    `json:"id,omitempty"`
	SessionID  string    `json:"session_id"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	PictureURL string    `json:"picture_url,omitempty"`
	Platform   string    `json:"platform"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

type Outcome struct {
	Kind     Kind                `json:"kind"`
	Message  *chat.Message       `json:"message"`
	Order    *orders.Order       `json:"order,omitempty"`
	Reason   string              `json:"reason,omitempty"`
	Warnings []string            `json:"warnings,omitempty"`
	Verdict  *chat.Verdict       `json:"verdict,omitempty"`
	Customer *customers.Customer `json:"customer,omitempty"`
}

// Err reports a duplicate as apperr.ErrDuplicateMessage. It is
// informational: the message was stored and counted.
func (o *Outcome) Err() error {
	if o.Kind == KindDuplicate && o.Verdict != nil {
		return fmt.Errorf("%w: %s", apperr.ErrDuplicateMessage, o.Verdict.Reason)
	}
	return nil
}

// Service runs one chat message through extraction, duplicate detection,
// customer resolution, order assembly and session accounting.
type Service struct {
	Sessions  *session.Aggregator
	Messages  chat.MessageStore
	Extractor *chat.Extractor
	Detector  *chat.Detector
	Customers *customers.Directory
	Assembler *orders.Assembler
	Orders    *orders.Lifecycle
	Log       zerolog.Logger
	Now       func() time.Time
}

func New(sessions *session.Aggregator, messages chat.MessageStore, extractor *chat.Extractor, detector *chat.Detector,
	dir *customers.Directory, assembler *orders.Assembler, life *orders.Lifecycle, log zerolog.Logger) *Service {
	return &Service{
		Sessions:  sessions,
		Messages:  messages,
		Extractor: extractor,
		Detector:  detector,
		Customers: dir,
		Assembler: assembler,
		Orders:    life,
		Log:       log.With().Str("component", "chat-pipeline").Logger(),
		Now:       time.Now,
	}
}

func (s *Service) HandleChat(ctx context.Context, in Incoming) (*Outcome, error) {
	if in.SessionID == "" || in.SenderID == "" {
		return nil, apperr.Validation("session id and sender id are required")
	}
	live, err := s.Sessions.Get(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}
	if in.ID != "" {
		if prev, err := s.Messages.Get(ctx, in.ID); err == nil && prev.ProcessedAt != nil {
			return s.replay(ctx, prev)
		}
	}

	m := s.newMessage(in)
	if err := s.Messages.Save(ctx, m); err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}
	log := s.Log.With().Str("message_id", m.ID).Str("session_id", m.SessionID).Str("sender_id", m.SenderID).Logger()

	if !live.Accepting() {
		m.Skip(ReasonSessionNotActive)
		return s.finish(ctx, m, &Outcome{Kind: KindSkipped, Reason: ReasonSessionNotActive}, session.MessageRecord{Skipped: true})
	}

	ex, err := s.Extractor.Extract(m.Text)
	if err != nil {
		if !errors.Is(err, apperr.ErrValidation) {
			return nil, err
		}
		m.Skip(err.Error())
		log.Info().Err(err).Str("text", m.Text).Msg("chat skipped")
		return s.finish(ctx, m, &Outcome{Kind: KindSkipped, Reason: err.Error()}, session.MessageRecord{Skipped: true})
	}
	if ex.Empty() {
		return s.finish(ctx, m, &Outcome{Kind: KindNotCF}, session.MessageRecord{})
	}
	m.IsCF = true
	m.Items = ex

	verdict, err := s.Detector.Check(ctx, m, ex)
	if err != nil {
		return s.fail(ctx, m, fmt.Errorf("duplicate check: %w", err))
	}
	if verdict.Duplicate {
		m.IsDuplicate = true
		m.DuplicateOfID = verdict.DuplicateOfID
		m.DuplicateReason = verdict.Reason
		log.Info().Str("duplicate_of", verdict.DuplicateOfID).Str("items", ex.String()).Msg("duplicate cf")
		return s.finish(ctx, m, &Outcome{Kind: KindDuplicate, Reason: verdict.Reason, Verdict: &verdict},
			session.MessageRecord{IsCF: true, Duplicate: true})
	}

	cust, created, err := s.Customers.GetOrCreateFromSocial(ctx, customers.Social{
		Platform: m.Platform, ID: m.SenderID, Name: m.SenderName, PictureURL: in.PictureURL,
	})
	if err != nil {
		return s.fail(ctx, m, fmt.Errorf("resolve customer: %w", err))
	}
	m.CustomerID = cust.ID

	lines := make([]orders.Line, 0, len(ex))
	for _, it := range ex {
		lines = append(lines, orders.Line{Code: it.Code, Qty: it.Qty})
	}
	res, err := s.Assembler.Assemble(ctx, orders.AssembleRequest{
		SessionID:     m.SessionID,
		ChatMessageID: m.ID,
		Platform:      m.Platform,
		Source:        orders.SourceLive,
		Customer:      snapshot(cust),
		Lines:         lines,
	})
	if err != nil {
		return s.fail(ctx, m, fmt.Errorf("assemble order: %w", err))
	}
	for _, w := range res.Warnings {
		m.Warn(w)
	}
	rec := session.MessageRecord{IsCF: true, NewCustomer: created, Unresolved: len(res.Unresolved)}
	out := &Outcome{Warnings: res.Warnings, Customer: cust}

	if res.Order == nil {
		m.Skip(res.Reason)
		out.Kind, out.Reason = KindNoStock, res.Reason
		rec.Skipped = true
		return s.finish(ctx, m, out, rec)
	}

	o := res.Order
	m.ProcessedToOrder = true
	m.OrderID = o.ID
	if err := s.Customers.RecordOrder(ctx, cust.ID, o.Total, o.CreatedAt); err != nil {
		log.Warn().Err(err).Str("customer_id", cust.ID).Msg("record customer order")
	}
	out.Kind, out.Order = KindCreatedOrder, o
	rec.OrderID, rec.OrderTotal = o.ID, o.Total
	return s.finish(ctx, m, out, rec)
}

func (s *Service) newMessage(in Incoming) *chat.Message {
	now := s.Now()
	m := &chat.Message{
		Base:       entity.NewBase(now),
		SessionID:  in.SessionID,
		SenderID:   in.SenderID,
		SenderName: strings.TrimSpace(in.SenderName),
		Platform:   entity.ParsePlatform(in.Platform),
		Text:       in.Text,
		ReceivedAt: in.ReceivedAt.UTC(),
	}
	if in.ID != "" {
		m.ID = in.ID
	}
	if in.ReceivedAt.IsZero() {
		m.ReceivedAt = now.UTC()
	}
	return m
}

func snapshot(c *customers.Customer) orders.CustomerSnapshot {
	return orders.CustomerSnapshot{
		CustomerID:  c.ID,
		Name:        c.DisplayName(),
		Phone:       c.Phone,
		Address:     c.Address,
		SubDistrict: c.SubDistrict,
		District:    c.District,
		Province:    c.Province,
		PostalCode:  c.PostalCode,
	}
}

// finish persists the processed message and counts it on the session.
func (s *Service) finish(ctx context.Context, m *chat.Message, out *Outcome, rec session.MessageRecord) (*Outcome, error) {
	done := s.Now().UTC()
	m.ProcessedAt = &done
	if err := s.Messages.Save(ctx, m); err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}
	rec.MessageID = m.ID
	if err := s.Sessions.RecordMessage(ctx, m.SessionID, rec); err != nil {
		s.Log.Warn().Err(err).Str("session_id", m.SessionID).Str("message_id", m.ID).Msg("record session counters")
	}
	out.Message = m
	s.Log.Debug().Str("message_id", m.ID).Str("kind", string(out.Kind)).Strs("warnings", m.Warnings).Msg("chat handled")
	return out, nil
}

// fail keeps the error on the stored message so a failed line is visible
// in the session history.
func (s *Service) fail(ctx context.Context, m *chat.Message, cause error) (*Outcome, error) {
	m.Warn(cause.Error())
	if err := s.Messages.Save(ctx, m); err != nil {
		s.Log.Error().Err(err).Str("message_id", m.ID).Msg("store failed message")
	}
	s.Log.Error().Err(cause).Str("message_id", m.ID).Str("kind", apperr.Kind(cause)).Msg("chat pipeline failed")
	return nil, cause
}

// replay rebuilds the outcome of an already processed message.
func (s *Service) replay(ctx context.Context, m *chat.Message) (*Outcome, error) {
	out := &Outcome{Message: m, Warnings: m.Warnings}
	switch {
	case m.ProcessedToOrder:
		out.Kind = KindCreatedOrder
		o, err := s.Orders.Get(ctx, m.OrderID)
		if err != nil {
			return nil, err
		}
		out.Order = o
	case m.IsDuplicate:
		out.Kind = KindDuplicate
		out.Reason = m.DuplicateReason
		out.Verdict = &chat.Verdict{Duplicate: true, DuplicateOfID: m.DuplicateOfID, Reason: m.DuplicateReason}
	case m.SkipReason == orders.ReasonNoStock || m.SkipReason == orders.ReasonUnresolved:
		out.Kind, out.Reason = KindNoStock, m.SkipReason
	case m.IsSkipped:
		out.Kind, out.Reason = KindSkipped, m.SkipReason
	default:
		out.Kind = KindNotCF
	}
	s.Log.Debug().Str("message_id", m.ID).Str("kind", string(out.Kind)).Msg("chat redelivered")
	return out, nil
}

// CancelOrder cancels through the lifecycle and takes the order out of its
// session's sales.
func (s *Service) CancelOrder(ctx context.Context, orderID, reason string, remove bool) (*orders.Order, error) {
	before, err := s.Orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	// a cancelled order comes back together with an error when voiding its
	// payments failed; the session still has to see the cancellation
	o, err := s.Orders.Cancel(ctx, orderID, reason, remove)
	if o == nil {
		return nil, err
	}
	if o.LiveSessionID != "" {
		if rerr := s.Sessions.RecordOrderCancelled(ctx, o.LiveSessionID, o.ID, before.Total); rerr != nil {
			s.Log.Warn().Err(rerr).Str("order_id", o.ID).Msg("record cancelled order on session")
		}
	}
	return o, err
}
