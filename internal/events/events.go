package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	EventOrderCreated       = "OrderCreated"
	EventOrderStatusChanged = "OrderStatusChanged"
	EventOrderCancelled     = "OrderCancelled"
	EventPaymentVerified    = "PaymentVerified"
	EventPaymentSuspicious  = "PaymentSuspicious"
	EventPaymentMismatched  = "PaymentMismatched"
	EventPaymentExpired     = "PaymentExpired"
	EventLowStock           = "LowStock"
	EventSessionSummary     = "SessionSummary"
	EventChatReceived       = "ChatReceived"
	EventBankSmsReceived    = "BankSmsReceived"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// Publisher delivers envelopes to whoever renders or stores them.
// Publishing is best effort: callers log failures, they never roll back
// domain state because of them.
type Publisher interface {
	Publish(ctx context.Context, ev Envelope) error
}

func New(eventType, producer, correlationID string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: correlationID,
		Payload:       b,
	}, nil
}

// Emit builds and publishes in one call.
func Emit(ctx context.Context, p Publisher, eventType, producer, correlationID string, payload any) error {
	if p == nil {
		return nil
	}
	ev, err := New(eventType, producer, correlationID, payload)
	if err != nil {
		return err
	}
	return p.Publish(ctx, ev)
}

func Decode[T any](ev Envelope) (T, error) {
	var t T
	err := json.Unmarshal(ev.Payload, &t)
	return t, err
}

// ---- payloads ----

type OrderLine struct {
	ProductID string          `json:"product_id"`
	Code      string          `json:"code"`
	Qty       int             `json:"qty"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type OrderCreatedPayload struct {
	OrderID       string          `json:"order_id"`
	OrderNumber   string          `json:"order_number"`
	CustomerID    string          `json:"customer_id"`
	SessionID     string          `json:"session_id,omitempty"`
	ChatMessageID string          `json:"chat_message_id,omitempty"`
	Items         []OrderLine     `json:"items"`
	Total         decimal.Decimal `json:"total"`
	Partial       bool            `json:"partial"`
}

type OrderStatusPayload struct {
	OrderID string `json:"order_id"`
	Field   string `json:"field"` // status | payment_status | shipping_status
	From    string `json:"from"`
	To      string `json:"to"`
}

type OrderCancelledPayload struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
	Removed bool   `json:"removed"`
}

type PaymentPayload struct {
	PaymentID  string          `json:"payment_id"`
	OrderID    string          `json:"order_id"`
	Status     string          `json:"status"`
	Amount     decimal.Decimal `json:"amount"`
	Confidence float64         `json:"confidence"`
	BankSmsID  string          `json:"bank_sms_id,omitempty"`
	Warnings   []string        `json:"warnings,omitempty"`
}

type LowStockPayload struct {
	ProductID    string `json:"product_id"`
	LiveCode     string `json:"live_code,omitempty"`
	Available    int    `json:"available"`
	ReorderLevel int    `json:"reorder_level"`
}

type SessionSummaryPayload struct {
	SessionID       string          `json:"session_id"`
	Status          string          `json:"status"`
	TotalMessages   int             `json:"total_messages"`
	TotalCF         int             `json:"total_cf"`
	Duplicates      int             `json:"duplicates"`
	Skipped         int             `json:"skipped"`
	TotalOrders     int             `json:"total_orders"`
	CancelledOrders int             `json:"cancelled_orders"`
	TotalSales      decimal.Decimal `json:"total_sales"`
	NewCustomers    int             `json:"new_customers"`
	DurationSeconds float64         `json:"duration_seconds"`
}
