package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-live-orders.git/internal/apperr"
	"github.com/ariefcatur/go-live-orders.git/internal/events"
	"github.com/ariefcatur/go-live-orders.git/internal/inventory"
	"github.com/ariefcatur/go-live-orders.git/internal/keylock"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// PaymentVoider voids the open payments of a cancelled order.
type PaymentVoider interface {
	VoidForOrder(ctx context.Context, orderID, reason string) error
}

// Lifecycle applies status changes to orders. All changes to one order are
// serialized on the "order:{id}" key.
type Lifecycle struct {
	Repo        Repository
	Ledger      StockLedger
	Locks       *keylock.Locker
	Publisher   events.Publisher
	Voider      PaymentVoider
	Log         zerolog.Logger
	ServiceName string
	Now         func() time.Time
}

func NewLifecycle(repo Repository, ledger StockLedger, locks *keylock.Locker, pub events.Publisher, log zerolog.Logger) *Lifecycle {
	return &Lifecycle{
		Repo:        repo,
		Ledger:      ledger,
		Locks:       locks,
		Publisher:   pub,
		Log:         log.With().Str("component", "order-lifecycle").Logger(),
		ServiceName: "order-lifecycle",
		Now:         time.Now,
	}
}

func (l *Lifecycle) Get(ctx context.Context, id string) (*Order, error) {
	return l.Repo.Get(ctx, id)
}

func (l *Lifecycle) lock(ctx context.Context, id string) (func(), error) {
	return l.Locks.Lock(ctx, "order:"+id)
}

// Transition moves the order status. Moving to CANCELLED is delegated to
// Cancel so reservations are released.
func (l *Lifecycle) Transition(ctx context.Context, id string, to Status, note string) (*Order, error) {
	if to == StatusCancelled {
		return l.Cancel(ctx, id, note, false)
	}
	unlock, err := l.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := l.Repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(cur, to); err != nil {
		return nil, err
	}

	// shipping turns reservations into real depletion before the status moves
	var committed map[string]bool
	if to == StatusShipped {
		var settleErr error
		committed, settleErr = l.settleLines(ctx, cur, l.Ledger.Commit)
		if settleErr != nil {
			l.markUnreserved(ctx, id, committed)
			return nil, settleErr
		}
	}

	from := cur.Status
	o, err := l.Repo.Mutate(ctx, id, func(o *Order) error {
		if o.Status != from {
			return apperr.Conflict("order %s changed from %s to %s", id, from, o.Status)
		}
		now := l.Now().UTC()
		o.Status = to
		for i := range o.Items {
			if committed[o.Items[i].ID] {
				o.Items[i].Reserved = false
			}
		}
		switch to {
		case StatusShipped:
			o.ShippedAt = &now
		case StatusDelivered:
			o.CompletedAt = &now
		}
		if note != "" {
			o.AdminNote = note
		}
		o.Touch(now)
		return nil
	})
	if err != nil {
		// committed units are gone from stock; a later cancel must not release them
		l.markUnreserved(ctx, id, committed)
		return nil, err
	}
	l.statusChanged(ctx, o.ID, "status", string(from), string(to))
	return o, nil
}

func checkTransition(o *Order, to Status) error {
	if !CanTransition(o.Status, to) {
		return apperr.InvalidTransition("order status", o.Status, to)
	}
	switch to {
	case StatusPacked:
		if !o.PaymentStatus.Settled() {
			return fmt.Errorf("%w: payment status %s", apperr.InvalidTransition("order status", o.Status, to), o.PaymentStatus)
		}
	case StatusShipped:
		if !o.ShippingStatus.ReadyOrLater() {
			return fmt.Errorf("%w: shipping status %s", apperr.InvalidTransition("order status", o.Status, to), o.ShippingStatus)
		}
	}
	return nil
}

// Cancel releases every reserved line exactly once, optionally soft deletes
// the order and then voids its open payments.
func (l *Lifecycle) Cancel(ctx context.Context, id, reason string, remove bool) (*Order, error) {
	o, from, err := l.cancelLocked(ctx, id, reason, remove)
	if err != nil {
		return nil, err
	}
	l.statusChanged(ctx, id, "status", string(from), string(StatusCancelled))
	if err := events.Emit(ctx, l.Publisher, events.EventOrderCancelled, l.ServiceName, id, events.OrderCancelledPayload{
		OrderID: id, Reason: reason, Removed: remove,
	}); err != nil {
		l.Log.Error().Err(err).Str("order_id", id).Msg("publish order cancelled")
	}

	// the order lock is released by now; voiding takes payment locks
	if l.Voider != nil {
		if err := l.Voider.VoidForOrder(ctx, id, "order cancelled"); err != nil {
			l.Log.Error().Err(err).Str("order_id", id).Msg("void payments of cancelled order")
			return o, fmt.Errorf("order %s cancelled but voiding payments failed: %w", id, err)
		}
	}
	return o, nil
}

func (l *Lifecycle) cancelLocked(ctx context.Context, id, reason string, remove bool) (*Order, Status, error) {
	unlock, err := l.lock(ctx, id)
	if err != nil {
		return nil, "", err
	}
	defer unlock()

	cur, err := l.Repo.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if !cur.CanCancel() {
		return nil, "", apperr.InvalidTransition("order status", cur.Status, StatusCancelled)
	}

	released, err := l.settleLines(ctx, cur, l.Ledger.Release)
	if err != nil {
		l.markUnreserved(ctx, id, released)
		return nil, "", err
	}

	from := cur.Status
	o, err := l.Repo.Mutate(ctx, id, func(o *Order) error {
		now := l.Now().UTC()
		o.Status = StatusCancelled
		o.CancelledAt = &now
		o.CancellationReason = reason
		for i := range o.Items {
			if released[o.Items[i].ID] {
				o.Items[i].Reserved = false
			}
		}
		o.Touch(now)
		if remove {
			o.MarkDeleted(now)
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	l.Log.Info().Str("order_id", id).Str("from", string(from)).Str("reason", reason).
		Bool("removed", remove).Int("released_lines", len(released)).Msg("order cancelled")
	return o, from, nil
}

// settleLines runs op for every reserved line. It returns the ids of the
// lines op succeeded for, also on failure, so the caller can record them.
func (l *Lifecycle) settleLines(ctx context.Context, o *Order,
	op func(ctx context.Context, productID string, qty int) (*inventory.Product, error)) (map[string]bool, error) {
	done := map[string]bool{}
	for _, it := range o.Items {
		if !it.Reserved {
			continue
		}
		if _, err := op(ctx, it.ProductID, it.Qty); err != nil {
			return done, fmt.Errorf("order %s line %s: %w", o.ID, it.LiveCode, err)
		}
		done[it.ID] = true
	}
	return done, nil
}

func (l *Lifecycle) markUnreserved(ctx context.Context, id string, lines map[string]bool) {
	if len(lines) == 0 {
		return
	}
	_, err := l.Repo.Mutate(context.WithoutCancel(ctx), id, func(o *Order) error {
		for i := range o.Items {
			if lines[o.Items[i].ID] {
				o.Items[i].Reserved = false
			}
		}
		return nil
	})
	if err != nil {
		l.Log.Error().Err(err).Str("order_id", id).Int("lines", len(lines)).
			Msg("record settled lines after partial failure")
	}
}

// SetPaymentStatus moves the payment status. Setting the current value again
// is a no-op.
func (l *Lifecycle) SetPaymentStatus(ctx context.Context, id string, to PaymentStatus, note string) (*Order, error) {
	var from PaymentStatus
	o, err := l.mutateLocked(ctx, id, func(o *Order) error {
		from = o.PaymentStatus
		if from == to {
			return nil
		}
		if !CanTransitionPayment(from, to) {
			return apperr.InvalidTransition("payment status", from, to)
		}
		if !o.Open() && to.ExpectsMoney() {
			return apperr.InvalidTransition("payment status of "+string(o.Status)+" order", from, to)
		}
		now := l.Now().UTC()
		o.PaymentStatus = to
		if to == PaymentPaid {
			o.PaidAt = &now
		}
		if note != "" {
			o.AdminNote = note
		}
		o.Touch(now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if from != to {
		l.statusChanged(ctx, id, "payment_status", string(from), string(to))
	}
	return o, nil
}

// SetShippingStatus moves the shipping status and applies upd to the
// order's shipment. Passing the current status only updates the shipment.
// A parcel cannot be picked up without carrier and tracking number.
func (l *Lifecycle) SetShippingStatus(ctx context.Context, id string, to ShippingStatus, upd ShipmentUpdate) (*Order, error) {
	if upd.TrackingNumber != nil && *upd.TrackingNumber != "" {
		other, err := l.Repo.GetByTracking(ctx, *upd.TrackingNumber)
		switch {
		case err == nil && other.ID != id:
			return nil, apperr.Validation("tracking number %s already used by order %s", *upd.TrackingNumber, other.OrderNumber)
		case err != nil && !errors.Is(err, apperr.ErrNotFound):
			return nil, err
		}
	}

	var from ShippingStatus
	o, err := l.mutateLocked(ctx, id, func(o *Order) error {
		from = o.ShippingStatus
		if to == "" {
			to = from
		}
		if from == to && upd.empty() {
			return nil
		}
		if from != to && !CanTransitionShipping(from, to) {
			return apperr.InvalidTransition("shipping status", from, to)
		}
		if o.Status == StatusCancelled {
			return apperr.InvalidTransition("shipping status of cancelled order", from, to)
		}
		now := l.Now().UTC()
		sh := o.Shipment
		if sh == nil && (!upd.empty() || to == ShippingPickedUp) {
			sh = &Shipment{CODAmount: decimal.Zero, CODFee: decimal.Zero}
		}
		if sh != nil {
			if err := applyShipment(sh, upd, now); err != nil {
				return err
			}
			if o.PaymentStatus == PaymentCOD {
				sh.CODAmount = o.Total.Add(sh.CODFee)
			}
		}
		if from != to {
			switch to {
			case ShippingPickedUp:
				if sh.Carrier == "" || sh.TrackingNumber == "" {
					return apperr.Validation("carrier and tracking number are required before pick up")
				}
				sh.PickedUpAt = &now
			case ShippingDelivered:
				if sh != nil {
					sh.DeliveredAt = &now
				}
			}
		}
		o.Shipment = sh
		o.ShippingStatus = to
		o.Touch(now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if from != to {
		l.statusChanged(ctx, id, "shipping_status", string(from), string(to))
	}
	return o, nil
}

func applyShipment(sh *Shipment, upd ShipmentUpdate, now time.Time) error {
	if upd.Carrier != nil {
		sh.Carrier = *upd.Carrier
	}
	if upd.TrackingNumber != nil {
		sh.TrackingNumber = *upd.TrackingNumber
	}
	if upd.CODFee != nil {
		if upd.CODFee.IsNegative() {
			return apperr.Validation("cod fee must not be negative")
		}
		sh.CODFee = *upd.CODFee
	}
	if upd.LabelPrinted != nil {
		if *upd.LabelPrinted && !sh.LabelPrinted {
			sh.LabelPrintedAt = &now
		}
		sh.LabelPrinted = *upd.LabelPrinted
	}
	if upd.EstimatedDelivery != nil {
		sh.EstimatedDelivery = upd.EstimatedDelivery
	}
	if upd.Note != nil {
		sh.Note = *upd.Note
	}
	return nil
}

func (l *Lifecycle) GetByNumber(ctx context.Context, number string) (*Order, error) {
	return l.Repo.GetByNumber(ctx, number)
}

func (l *Lifecycle) GetByTracking(ctx context.Context, tracking string) (*Order, error) {
	return l.Repo.GetByTracking(ctx, tracking)
}

// ReadyToPack lists processing orders whose payment is settled.
func (l *Lifecycle) ReadyToPack(ctx context.Context) ([]*Order, error) {
	list, err := l.Repo.ListByStatus(ctx, StatusProcessing)
	if err != nil {
		return nil, err
	}
	out := list[:0]
	for _, o := range list {
		if o.PaymentStatus.Settled() {
			out = append(out, o)
		}
	}
	return out, nil
}

// ReadyToShip lists packed orders whose parcel is ready for the carrier.
func (l *Lifecycle) ReadyToShip(ctx context.Context) ([]*Order, error) {
	list, err := l.Repo.ListByStatus(ctx, StatusPacked)
	if err != nil {
		return nil, err
	}
	out := list[:0]
	for _, o := range list {
		if o.ShippingStatus.ReadyOrLater() {
			out = append(out, o)
		}
	}
	return out, nil
}

// Adjustment carries optional changes; nil fields are left alone.
type Adjustment struct {
	Discount     *decimal.Decimal `json:"discount,omitempty"`
	DiscountCode *string          `json:"discount_code,omitempty"`
	ShippingFee  *decimal.Decimal `json:"shipping_fee,omitempty"`
	AdminNote    *string          `json:"admin_note,omitempty"`
}

// Adjust changes discount or shipping fee before the order ships and
// recomputes totals.
func (l *Lifecycle) Adjust(ctx context.Context, id string, adj Adjustment) (*Order, error) {
	return l.mutateLocked(ctx, id, func(o *Order) error {
		if !o.CanCancel() {
			return apperr.InvalidTransition("order adjustment", o.Status, "adjusted")
		}
		if adj.Discount != nil {
			if adj.Discount.IsNegative() {
				return apperr.Validation("discount must not be negative")
			}
			o.Discount = *adj.Discount
		}
		if adj.ShippingFee != nil {
			if adj.ShippingFee.IsNegative() {
				return apperr.Validation("shipping fee must not be negative")
			}
			o.ShippingFee = *adj.ShippingFee
		}
		if adj.DiscountCode != nil {
			o.DiscountCode = *adj.DiscountCode
		}
		if adj.AdminNote != nil {
			o.AdminNote = *adj.AdminNote
		}
		o.Recalculate()
		if o.Discount.GreaterThan(o.SubTotal) {
			return apperr.Validation("discount %s exceeds sub total %s", o.Discount, o.SubTotal)
		}
		o.Touch(l.Now())
		return nil
	})
}

func (l *Lifecycle) mutateLocked(ctx context.Context, id string, fn func(o *Order) error) (*Order, error) {
	unlock, err := l.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	o, err := l.Repo.Mutate(ctx, id, fn)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		l.Log.Warn().Err(err).Str("order_id", id).Str("kind", apperr.Kind(err)).Msg("order update rejected")
	}
	return o, err
}

func (l *Lifecycle) statusChanged(ctx context.Context, id, field, from, to string) {
	l.Log.Info().Str("order_id", id).Str("field", field).Str("from", from).Str("to", to).Msg("order status changed")
	if err := events.Emit(ctx, l.Publisher, events.EventOrderStatusChanged, l.ServiceName, id, events.OrderStatusPayload{
		OrderID: id, Field: field, From: from, To: to,
	}); err != nil {
		l.Log.Error().Err(err).Str("order_id", id).Msg("publish status change")
	}
}
