package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-live-orders.git/internal/apperr"
	"github.com/ariefcatur/go-live-orders.git/internal/entity"
	"github.com/ariefcatur/go-live-orders.git/internal/events"
	"github.com/ariefcatur/go-live-orders.git/internal/inventory"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// StockLedger is the part of the inventory ledger orders depend on.
type StockLedger interface {
	FindByLiveCode(ctx context.Context, code string) (*inventory.Product, error)
	Reserve(ctx context.Context, productID string, qty int) (*inventory.Product, error)
	Release(ctx context.Context, productID string, qty int) (*inventory.Product, error)
	Commit(ctx context.Context, productID string, qty int) (*inventory.Product, error)
}

type Line struct {
	Code string `json:"code"`
	Qty  int    `json:"qty"`
}

type AssembleRequest struct {
	SessionID     string
	ChatMessageID string
	Platform      entity.Platform
	Source        Source
	Customer      CustomerSnapshot
	Lines         []Line
	CustomerNote  string
}

const (
	ReasonNoStock    = "no stock"
	ReasonUnresolved = "unresolved code"
)

type AssembleResult struct {
	// Order is nil when no line could be reserved; Reason says why.
	Order      *Order
	Reason     string
	Warnings   []string
	Unresolved []string
	Shortages  []*inventory.Shortage
}

// Assembler turns resolved CF lines into an order, reserving stock for each
// line it keeps.
type Assembler struct {
	Repo        Repository
	Ledger      StockLedger
	Numbers     *Numberer
	Publisher   events.Publisher
	Log         zerolog.Logger
	ServiceName string
	ShippingFee decimal.Decimal
	Now         func() time.Time
}

func NewAssembler(repo Repository, ledger StockLedger, numbers *Numberer, pub events.Publisher, log zerolog.Logger) *Assembler {
	return &Assembler{
		Repo:        repo,
		Ledger:      ledger,
		Numbers:     numbers,
		Publisher:   pub,
		Log:         log.With().Str("component", "assembler").Logger(),
		ServiceName: "order-assembler",
		ShippingFee: decimal.Zero,
		Now:         time.Now,
	}
}

// reservationTx tracks the reservations made by one assembly so they can be
// handed back if the order never gets persisted.
type reservationTx struct {
	ledger StockLedger
	held   []heldLine
}

type heldLine struct {
	productID string
	qty       int
}

func (tx *reservationTx) reserve(ctx context.Context, productID string, qty int) error {
	if _, err := tx.ledger.Reserve(ctx, productID, qty); err != nil {
		return err
	}
	tx.held = append(tx.held, heldLine{productID: productID, qty: qty})
	return nil
}

// rollback releases everything held. It ignores cancellation of ctx so a
// caller that gives up does not leak reservations.
func (tx *reservationTx) rollback(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for i := len(tx.held) - 1; i >= 0; i-- {
		h := tx.held[i]
		if _, err := tx.ledger.Release(ctx, h.productID, h.qty); err != nil {
			errs = append(errs, fmt.Errorf("release %s x%d: %w", h.productID, h.qty, err))
		}
	}
	tx.held = nil
	return errors.Join(errs...)
}

func (a *Assembler) Assemble(ctx context.Context, req AssembleRequest) (*AssembleResult, error) {
	if req.Customer.CustomerID == "" {
		return nil, apperr.Validation("customer is required")
	}
	if len(req.Lines) == 0 {
		return nil, apperr.Validation("no lines to assemble")
	}

	res := &AssembleResult{}
	tx := &reservationTx{ledger: a.Ledger}
	var items []OrderItem
	resolved := 0

	for _, ln := range req.Lines {
		p, err := a.Ledger.FindByLiveCode(ctx, ln.Code)
		if errors.Is(err, apperr.ErrNotFound) {
			res.Unresolved = append(res.Unresolved, ln.Code)
			res.Warnings = append(res.Warnings, fmt.Sprintf("unresolved code %s", ln.Code))
			continue
		}
		if err != nil {
			return nil, a.abort(ctx, tx, fmt.Errorf("resolve code %s: %w", ln.Code, err))
		}
		resolved++

		err = tx.reserve(ctx, p.ID, ln.Qty)
		var short *inventory.Shortage
		switch {
		case err == nil:
		case errors.As(err, &short):
			res.Shortages = append(res.Shortages, short)
			res.Warnings = append(res.Warnings, fmt.Sprintf("insufficient stock for %s: required %d available %d",
				ln.Code, short.Required, short.Available))
			continue
		case apperr.Retryable(err):
			// not a stock answer; the caller retries the whole message
			return nil, a.abort(ctx, tx, fmt.Errorf("reserve %s: %w", ln.Code, err))
		default:
			return nil, a.abort(ctx, tx, fmt.Errorf("reserve %s: %w", ln.Code, err))
		}

		items = append(items, OrderItem{
			ID:          uuid.NewString(),
			ProductID:   p.ID,
			ProductName: p.DisplayName(),
			ProductSKU:  p.SKU,
			VariantName: p.VariantName,
			LiveCode:    p.LiveCode,
			Qty:         ln.Qty,
			UnitPrice:   p.Price,
			Discount:    decimal.Zero,
			Reserved:    true,
		})
	}

	if len(items) == 0 {
		res.Reason = ReasonNoStock
		if resolved == 0 {
			res.Reason = ReasonUnresolved
		}
		a.Log.Info().Str("session_id", req.SessionID).Str("chat_message_id", req.ChatMessageID).
			Strs("warnings", res.Warnings).Str("reason", res.Reason).Msg("no order assembled")
		return res, nil
	}

	now := a.Now()
	number, err := a.Numbers.Next(ctx, now)
	if err != nil {
		return nil, a.abort(ctx, tx, err)
	}
	source := req.Source
	if source == "" {
		source = SourceLive
	}
	o := &Order{
		Base:           entity.NewBase(now),
		OrderNumber:    number,
		Customer:       req.Customer,
		Items:          items,
		Discount:       decimal.Zero,
		ShippingFee:    a.ShippingFee,
		Status:         StatusPending,
		PaymentStatus:  PaymentUnpaid,
		ShippingStatus: ShippingPending,
		Source:         source,
		Platform:       req.Platform,
		LiveSessionID:  req.SessionID,
		ChatMessageID:  req.ChatMessageID,
		CustomerNote:   req.CustomerNote,
	}
	o.Recalculate()

	if err := a.Repo.Create(ctx, o); err != nil {
		return nil, a.abort(ctx, tx, fmt.Errorf("persist order: %w", err))
	}
	res.Order = o

	a.Log.Info().Str("order_id", o.ID).Str("order_number", o.OrderNumber).
		Str("session_id", req.SessionID).Int("lines", len(items)).
		Str("total", o.Total.StringFixed(2)).Strs("warnings", res.Warnings).Msg("order assembled")

	lines := make([]events.OrderLine, 0, len(items))
	for _, it := range items {
		lines = append(lines, events.OrderLine{ProductID: it.ProductID, Code: it.LiveCode, Qty: it.Qty, UnitPrice: it.UnitPrice})
	}
	if err := events.Emit(ctx, a.Publisher, events.EventOrderCreated, a.ServiceName, o.ID, events.OrderCreatedPayload{
		OrderID:       o.ID,
		OrderNumber:   o.OrderNumber,
		CustomerID:    o.Customer.CustomerID,
		SessionID:     o.LiveSessionID,
		ChatMessageID: o.ChatMessageID,
		Items:         lines,
		Total:         o.Total,
		Partial:       len(res.Warnings) > 0,
	}); err != nil {
		a.Log.Error().Err(err).Str("order_id", o.ID).Msg("publish order created")
	}
	return res, nil
}

func (a *Assembler) abort(ctx context.Context, tx *reservationTx, cause error) error {
	if err := tx.rollback(ctx); err != nil {
		a.Log.Error().Err(err).AnErr("cause", cause).Msg("release after failed assembly")
		return errors.Join(cause, err)
	}
	return cause
}
