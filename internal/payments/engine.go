package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/go-live-orders.git/internal/apperr"
	"github.com/ariefcatur/go-live-orders.git/internal/entity"
	"github.com/ariefcatur/go-live-orders.git/internal/events"
	"github.com/ariefcatur/go-live-orders.git/internal/keylock"
	"github.com/ariefcatur/go-live-orders.git/internal/orders"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// OrderGate is the order side the engine reads and updates.
type OrderGate interface {
	Get(ctx context.Context, id string) (*orders.Order, error)
	SetPaymentStatus(ctx context.Context, id string, to orders.PaymentStatus, note string) (*orders.Order, error)
}

// Engine reconciles customer slips against bank SMS. Payment changes are
// serialized on "payment:{id}"; order updates happen after that lock is
// released.
type Engine struct {
	Store          Store
	Orders         OrderGate
	Scorer         *Scorer
	Locks          *keylock.Locker
	Publisher      events.Publisher
	Log            zerolog.Logger
	ServiceName    string
	PendingTimeout time.Duration
	Backoff        time.Duration
	Now            func() time.Time
}

func NewEngine(store Store, gate OrderGate, scorer *Scorer, locks *keylock.Locker, pub events.Publisher, log zerolog.Logger) *Engine {
	return &Engine{
		Store:          store,
		Orders:         gate,
		Scorer:         scorer,
		Locks:          locks,
		Publisher:      pub,
		Log:            log.With().Str("component", "payments").Logger(),
		ServiceName:    "payment-engine",
		PendingTimeout: 24 * time.Hour,
		Backoff:        50 * time.Millisecond,
		Now:            time.Now,
	}
}

type SlipInput struct {
	OrderID       string          `json:"order_id"`
	Amount        decimal.Decimal `json:"amount"`
	Method        Method          `json:"method"`
	SlipImageRef  string          `json:"slip_image_ref"`
	BankName      string          `json:"bank_name"`
	AccountNumber string          `json:"account_number"`
	AccountName   string          `json:"account_name"`
	TransferAt    *time.Time      `json:"transfer_at"`
	Reference     string          `json:"reference"`
}

// SubmitSlip records a slip for an open order and tries to match it.
func (e *Engine) SubmitSlip(ctx context.Context, in SlipInput) (*Payment, error) {
	if !in.Amount.IsPositive() {
		return nil, apperr.Validation("slip amount must be positive")
	}
	o, err := e.Orders.Get(ctx, in.OrderID)
	if err != nil {
		return nil, err
	}
	if !o.Open() {
		return nil, apperr.InvalidTransition("payment for order", o.Status, "slip submitted")
	}

	now := e.Now()
	method := in.Method
	if method == "" {
		method = MethodTransfer
	}
	p := &Payment{
		Base:          entity.NewBase(now),
		OrderID:       o.ID,
		Amount:        in.Amount,
		Method:        method,
		SlipImageRef:  in.SlipImageRef,
		BankName:      in.BankName,
		AccountNumber: in.AccountNumber,
		AccountName:   in.AccountName,
		TransferAt:    in.TransferAt,
		Reference:     in.Reference,
		Status:        StatusPending,
		ExpiresAt:     now.Add(e.PendingTimeout).UTC(),
	}
	if !in.Amount.Equal(o.Total) {
		p.Warnings = append(p.Warnings, fmt.Sprintf("slip amount %s differs from order total %s", in.Amount, o.Total))
	}
	if err := e.Store.CreatePayment(ctx, p); err != nil {
		return nil, err
	}
	e.Log.Info().Str("payment_id", p.ID).Str("order_id", o.ID).Str("amount", p.Amount.String()).Msg("slip submitted")

	if o.PaymentStatus == orders.PaymentUnpaid || o.PaymentStatus == orders.PaymentFailed {
		if _, err := e.Orders.SetPaymentStatus(ctx, o.ID, orders.PaymentPending, "slip received"); err != nil {
			e.Log.Warn().Err(err).Str("order_id", o.ID).Msg("mark order payment pending")
		}
	}
	return e.Reconcile(ctx, p.ID)
}

type SmsInput struct {
	ID              string          `json:"id"`
	Sender          string          `json:"sender"`
	Message         string          `json:"message"`
	ReceivedAt      time.Time       `json:"received_at"`
	BankName        string          `json:"bank_name"`
	TransactionType string          `json:"transaction_type"`
	Amount          decimal.Decimal `json:"amount"`
	TransferFrom    string          `json:"transfer_from"`
	TransferAt      *time.Time      `json:"transfer_at"`
	ReferenceNo     string          `json:"reference_no"`
	Balance         decimal.Decimal `json:"balance"`
}

var smsNamespace = uuid.MustParse("6f1c9a52-3f0e-4c67-9d43-2f6c1b7e8a10")

// SmsID derives a stable id from the raw SMS so redelivery is idempotent.
func SmsID(sender, message string, receivedAt time.Time) string {
	return uuid.NewSHA1(smsNamespace, []byte(sender+"\x00"+message+"\x00"+receivedAt.UTC().Format(time.RFC3339Nano))).String()
}

// SubmitBankSms stores the SMS once and re-runs matching for pending slips
// whose transfer time is near it.
func (e *Engine) SubmitBankSms(ctx context.Context, in SmsInput) (*BankSms, bool, error) {
	if !in.Amount.IsPositive() {
		return nil, false, apperr.Validation("sms amount must be positive")
	}
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = e.Now()
	}
	id := in.ID
	if id == "" {
		id = SmsID(in.Sender, in.Message, in.ReceivedAt)
	}
	s := &BankSms{
		Base:            entity.Base{ID: id, CreatedAt: e.Now().UTC()},
		Sender:          in.Sender,
		Message:         in.Message,
		ReceivedAt:      in.ReceivedAt.UTC(),
		BankName:        in.BankName,
		TransactionType: in.TransactionType,
		Amount:          in.Amount,
		TransferFrom:    in.TransferFrom,
		TransferAt:      in.TransferAt,
		ReferenceNo:     in.ReferenceNo,
		Balance:         in.Balance,
	}
	stored, created, err := e.Store.SaveSms(ctx, s)
	if err != nil {
		return nil, false, err
	}
	if !created {
		e.Log.Debug().Str("sms_id", id).Msg("bank sms already recorded")
		return stored, false, nil
	}
	e.Log.Info().Str("sms_id", id).Str("amount", s.Amount.String()).Msg("bank sms recorded")

	pending, err := e.Store.ListByStatus(ctx, StatusPending)
	if err != nil {
		return stored, true, err
	}
	for _, p := range pending {
		if !e.nearby(p, stored) {
			continue
		}
		if _, err := e.Reconcile(ctx, p.ID); err != nil {
			e.Log.Warn().Err(err).Str("payment_id", p.ID).Str("sms_id", id).Msg("reconcile after sms")
		}
	}
	return stored, true, nil
}

func (e *Engine) nearby(p *Payment, s *BankSms) bool {
	from, to := e.window(p)
	w := s.When()
	return !w.Before(from) && !w.After(to)
}

// window is the candidate range for p. Without a slip time it falls back to
// the pending period before submission.
func (e *Engine) window(p *Payment) (time.Time, time.Time) {
	tol := e.Scorer.TimeTolerance
	if p.TransferAt != nil && !p.TransferAt.IsZero() {
		return p.TransferAt.Add(-tol), p.TransferAt.Add(tol)
	}
	return p.CreatedAt.Add(-e.PendingTimeout), p.CreatedAt.Add(tol)
}

type decision struct {
	status    VerificationStatus
	match     *Match
	warnings  []string
	claimedBy string
}

// Reconcile scores the slip against candidate SMS and applies the outcome.
// Losing an SMS claim race is retried once; the second pass then sees the
// SMS as taken.
func (e *Engine) Reconcile(ctx context.Context, paymentID string) (*Payment, error) {
	r, err := apperr.RetryOnce(ctx, e.Backoff, func() (reconciled, error) {
		return e.reconcileOnce(ctx, paymentID)
	})
	if err != nil {
		e.Log.Warn().Err(err).Str("payment_id", paymentID).Str("kind", apperr.Kind(err)).Msg("reconcile failed")
		return nil, err
	}
	if r.changed {
		e.afterDecision(ctx, r.p)
	}
	return r.p, nil
}

type reconciled struct {
	p       *Payment
	changed bool
}

func (e *Engine) reconcileOnce(ctx context.Context, paymentID string) (reconciled, error) {
	unlock, err := e.Locks.Lock(ctx, "payment:"+paymentID)
	if err != nil {
		return reconciled{}, err
	}
	defer unlock()

	p, err := e.Store.GetPayment(ctx, paymentID)
	if err != nil {
		return reconciled{}, err
	}
	if p.Status != StatusPending && p.Status != StatusProcessing {
		return reconciled{p: p}, nil
	}

	from, to := e.window(p)
	cands, err := e.Store.SmsBetween(ctx, from, to)
	if err != nil {
		return reconciled{}, fmt.Errorf("load candidate sms: %w", err)
	}
	d := e.decide(p, cands)

	// a cancel may have landed while candidates were loading
	if open, err := e.orderOpen(ctx, p.OrderID); err != nil || !open {
		if err != nil {
			return reconciled{}, err
		}
		out, err := e.voidLocked(ctx, p.ID, "order no longer open")
		return reconciled{p: out}, err
	}

	if d.status == StatusVerified {
		if err := e.Store.ClaimSms(ctx, d.match.SmsID, p.ID); err != nil {
			return reconciled{}, err
		}
	}

	out, err := e.Store.MutatePayment(ctx, p.ID, func(p *Payment) error {
		now := e.Now().UTC()
		p.Status = d.status
		p.Warnings = appendUnique(p.Warnings, d.warnings...)
		if d.match != nil {
			p.Confidence = d.match.Score
		}
		switch d.status {
		case StatusVerified:
			p.Mode = ModeAuto
			p.BankSmsID = d.match.SmsID
			p.SuggestedSmsID = ""
			p.VerifiedAt = &now
		case StatusSuspicious:
			p.Mode = ModeAuto
			p.SuggestedSmsID = d.match.SmsID
		case StatusDuplicate:
			p.VerificationNote = "matching bank sms already used by payment " + d.claimedBy
		}
		p.Touch(now)
		return nil
	})
	if err != nil {
		return reconciled{}, err
	}

	if out.Status == StatusVerified {
		if open, err := e.orderOpen(ctx, p.OrderID); err == nil && !open {
			return e.undoClaim(ctx, out)
		}
	}
	return reconciled{p: out, changed: out.Status != StatusPending}, nil
}

// undoClaim hands the SMS back and voids p after its order closed during
// the claim. The caller holds the payment lock.
func (e *Engine) undoClaim(ctx context.Context, p *Payment) (reconciled, error) {
	ctx = context.WithoutCancel(ctx)
	if err := e.Store.ReleaseSms(ctx, p.BankSmsID, p.ID); err != nil {
		return reconciled{}, fmt.Errorf("release sms of closed order: %w", err)
	}
	e.Log.Warn().Str("payment_id", p.ID).Str("order_id", p.OrderID).Str("sms_id", p.BankSmsID).
		Msg("order closed during match, sms released")
	out, err := e.Store.MutatePayment(ctx, p.ID, func(p *Payment) error {
		p.BankSmsID = ""
		p.VerifiedAt = nil
		p.Status = StatusVoided
		p.VerificationNote = "order closed during match"
		p.Touch(e.Now())
		return nil
	})
	if err != nil {
		return reconciled{}, err
	}
	return reconciled{p: out}, nil
}

// orderOpen reports whether the order still takes payments. A removed order
// is not open.
func (e *Engine) orderOpen(ctx context.Context, orderID string) (bool, error) {
	o, err := e.Orders.Get(ctx, orderID)
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return o.Open(), nil
}

func (e *Engine) decide(p *Payment, cands []*BankSms) decision {
	var best *Match
	var bestSms *BankSms
	var mismatch *Match
	claimedBy := ""

	for _, s := range cands {
		m := e.Scorer.Score(p, s)
		if m.RefConflict {
			continue
		}
		if !m.AmountOK {
			if m.RefMatch && mismatch == nil {
				mm := m
				mismatch = &mm
			}
			continue
		}
		if s.PaymentID != "" && s.PaymentID != p.ID {
			if claimedBy == "" {
				claimedBy = s.PaymentID
			}
			continue
		}
		if best == nil || better(m, s, *best, bestSms) {
			mm := m
			best, bestSms = &mm, s
		}
	}

	sc := e.Scorer
	switch {
	case best != nil && best.Score >= sc.High:
		return decision{status: StatusVerified, match: best}
	case best != nil && best.Score >= sc.Low:
		return decision{status: StatusSuspicious, match: best,
			warnings: append([]string{fmt.Sprintf("low confidence match %.1f, needs manual check", best.Score)}, best.Notes...)}
	case mismatch != nil:
		return decision{status: StatusMismatched, match: mismatch, warnings: mismatch.Notes}
	case claimedBy != "":
		return decision{status: StatusDuplicate, claimedBy: claimedBy,
			warnings: []string{"matching bank sms already used by another payment"}}
	default:
		d := decision{status: StatusPending, match: best}
		if best != nil {
			d.warnings = best.Notes
		}
		return d
	}
}

// better ranks candidates: score, then time proximity, then earliest SMS.
func better(m Match, s *BankSms, best Match, bestSms *BankSms) bool {
	if m.Score != best.Score {
		return m.Score > best.Score
	}
	if m.TimeDelta != best.TimeDelta {
		return m.TimeDelta < best.TimeDelta
	}
	return s.ReceivedAt.Before(bestSms.ReceivedAt)
}

func (e *Engine) afterDecision(ctx context.Context, p *Payment) {
	var evType string
	switch p.Status {
	case StatusVerified:
		evType = events.EventPaymentVerified
		e.markOrderPaid(ctx, p)
	case StatusSuspicious, StatusDuplicate:
		evType = events.EventPaymentSuspicious
	case StatusMismatched:
		evType = events.EventPaymentMismatched
	default:
		return
	}
	e.Log.Info().Str("payment_id", p.ID).Str("order_id", p.OrderID).Str("status", string(p.Status)).
		Float64("confidence", p.Confidence).Strs("warnings", p.Warnings).Msg("payment reconciled")
	e.emit(ctx, evType, p)
}

func (e *Engine) markOrderPaid(ctx context.Context, p *Payment) {
	o, err := e.Orders.Get(ctx, p.OrderID)
	if err != nil {
		e.Log.Error().Err(err).Str("order_id", p.OrderID).Msg("load order for verified payment")
		return
	}
	if o.PaymentStatus == orders.PaymentPaid {
		return
	}
	if !o.Open() {
		e.Log.Warn().Str("order_id", o.ID).Str("payment_id", p.ID).Str("status", string(o.Status)).
			Msg("verified payment for closed order, refund by hand")
		return
	}
	if o.PaymentStatus == orders.PaymentFailed {
		if _, err := e.Orders.SetPaymentStatus(ctx, o.ID, orders.PaymentPending, ""); err != nil {
			e.Log.Error().Err(err).Str("order_id", o.ID).Msg("reopen order payment")
			return
		}
	}
	if _, err := e.Orders.SetPaymentStatus(ctx, o.ID, orders.PaymentPaid, "payment "+p.ID+" verified"); err != nil {
		e.Log.Error().Err(err).Str("order_id", o.ID).Msg("mark order paid")
	}
}

type ManualDecision struct {
	Approve    bool   `json:"approve"`
	VerifierID string `json:"verifier_id"`
	Note       string `json:"note"`
	// SmsID optionally binds a specific SMS on approval.
	SmsID string `json:"sms_id,omitempty"`
}

// ManualVerify records an operator decision. It overrides any automatic
// outcome except that it cannot take an SMS already owned by another payment.
func (e *Engine) ManualVerify(ctx context.Context, paymentID string, dec ManualDecision) (*Payment, error) {
	if strings.TrimSpace(dec.VerifierID) == "" || strings.TrimSpace(dec.Note) == "" {
		return nil, apperr.Validation("verifier id and note are required")
	}
	p, err := e.manualLocked(ctx, paymentID, dec)
	if err != nil {
		return nil, err
	}
	e.Log.Info().Str("payment_id", p.ID).Str("status", string(p.Status)).Str("verifier", dec.VerifierID).
		Msg("payment verified manually")
	if p.Status == StatusVerified {
		e.markOrderPaid(ctx, p)
		e.emit(ctx, events.EventPaymentVerified, p)
	}
	return p, nil
}

func (e *Engine) manualLocked(ctx context.Context, paymentID string, dec ManualDecision) (*Payment, error) {
	unlock, err := e.Locks.Lock(ctx, "payment:"+paymentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := e.Store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if cur.Status == StatusVoided {
		return nil, apperr.InvalidTransition("payment", cur.Status, "manual verification")
	}
	if dec.Approve {
		open, err := e.orderOpen(ctx, cur.OrderID)
		if err != nil {
			return nil, err
		}
		if !open {
			return nil, apperr.InvalidTransition("payment of closed order", cur.Status, StatusVerified)
		}
	}

	smsID := cur.BankSmsID
	if dec.Approve && dec.SmsID != "" && dec.SmsID != smsID {
		if err := e.Store.ClaimSms(ctx, dec.SmsID, cur.ID); err != nil {
			return nil, err
		}
		if smsID != "" {
			if err := e.Store.ReleaseSms(ctx, smsID, cur.ID); err != nil {
				return nil, err
			}
		}
		smsID = dec.SmsID
	}
	if !dec.Approve && smsID != "" {
		if err := e.Store.ReleaseSms(ctx, smsID, cur.ID); err != nil {
			return nil, err
		}
		smsID = ""
	}

	return e.Store.MutatePayment(ctx, paymentID, func(p *Payment) error {
		now := e.Now().UTC()
		wasVerified := p.Status == StatusVerified
		p.Mode = ModeManual
		p.VerifiedBy = dec.VerifierID
		p.VerifiedAt = &now
		p.VerificationNote = dec.Note
		p.BankSmsID = smsID
		if dec.Approve {
			p.Status = StatusVerified
			p.Confidence = 100
		} else {
			p.Status = StatusFake
			if wasVerified {
				p.Warnings = appendUnique(p.Warnings, "rejected after verification, order payment status left as is")
			}
		}
		p.Touch(now)
		return nil
	})
}

// VoidForOrder voids the open payments of orderID. Their SMS stay
// unmatched.
func (e *Engine) VoidForOrder(ctx context.Context, orderID, reason string) error {
	ps, err := e.Store.ListByOrder(ctx, orderID)
	if err != nil {
		return err
	}
	var errs []error
	for _, p := range ps {
		if !p.Status.Open() {
			continue
		}
		if err := e.voidOne(ctx, p.ID, reason); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) voidOne(ctx context.Context, paymentID, reason string) error {
	unlock, err := e.Locks.Lock(ctx, "payment:"+paymentID)
	if err != nil {
		return err
	}
	defer unlock()
	_, err = e.voidLocked(ctx, paymentID, reason)
	return err
}

// voidLocked voids paymentID if it is still open. The caller holds the
// payment lock.
func (e *Engine) voidLocked(ctx context.Context, paymentID, reason string) (*Payment, error) {
	p, err := e.Store.MutatePayment(ctx, paymentID, func(p *Payment) error {
		if !p.Status.Open() {
			return nil
		}
		p.Status = StatusVoided
		p.SuggestedSmsID = ""
		p.VerificationNote = reason
		p.Touch(e.Now())
		return nil
	})
	if err == nil {
		e.Log.Info().Str("payment_id", paymentID).Str("reason", reason).Msg("payment voided")
	}
	return p, err
}

// ExpireStale marks pending payments past their deadline as expired and
// returns how many it changed.
func (e *Engine) ExpireStale(ctx context.Context) (int, error) {
	now := e.Now()
	pending, err := e.Store.ListByStatus(ctx, StatusPending)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range pending {
		if p.ExpiresAt.After(now) {
			continue
		}
		expired, err := e.expireOne(ctx, p.ID, now)
		if err != nil {
			e.Log.Warn().Err(err).Str("payment_id", p.ID).Msg("expire payment")
			continue
		}
		if expired == nil {
			continue
		}
		n++
		e.emit(ctx, events.EventPaymentExpired, expired)
		o, err := e.Orders.Get(ctx, expired.OrderID)
		if err == nil && o.PaymentStatus == orders.PaymentPending {
			if _, err := e.Orders.SetPaymentStatus(ctx, o.ID, orders.PaymentFailed, "payment expired"); err != nil {
				e.Log.Warn().Err(err).Str("order_id", o.ID).Msg("mark order payment failed")
			}
		}
	}
	return n, nil
}

func (e *Engine) expireOne(ctx context.Context, paymentID string, now time.Time) (*Payment, error) {
	unlock, err := e.Locks.Lock(ctx, "payment:"+paymentID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	changed := false
	p, err := e.Store.MutatePayment(ctx, paymentID, func(p *Payment) error {
		if p.Status != StatusPending || p.ExpiresAt.After(now) {
			return nil
		}
		p.Status = StatusExpired
		p.Warnings = appendUnique(p.Warnings, "no matching bank sms before deadline")
		p.Touch(now)
		changed = true
		return nil
	})
	if err != nil || !changed {
		return nil, err
	}
	return p, nil
}

// RunExpiry calls ExpireStale every interval until ctx is done.
func (e *Engine) RunExpiry(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := e.ExpireStale(ctx)
			if err != nil {
				e.Log.Error().Err(err).Msg("expiry sweep")
				continue
			}
			if n > 0 {
				e.Log.Info().Int("expired", n).Msg("expiry sweep")
			}
		}
	}
}

func (e *Engine) Get(ctx context.Context, id string) (*Payment, error) {
	return e.Store.GetPayment(ctx, id)
}

func (e *Engine) emit(ctx context.Context, evType string, p *Payment) {
	if err := events.Emit(ctx, e.Publisher, evType, e.ServiceName, p.OrderID, events.PaymentPayload{
		PaymentID:  p.ID,
		OrderID:    p.OrderID,
		Status:     string(p.Status),
		Amount:     p.Amount,
		Confidence: p.Confidence,
		BankSmsID:  p.BankSmsID,
		Warnings:   p.Warnings,
	}); err != nil {
		e.Log.Error().Err(err).Str("payment_id", p.ID).Str("event", evType).Msg("publish payment event")
	}
}

func appendUnique(dst []string, add ...string) []string {
	seen := make(map[string]bool, len(dst))
	for _, s := range dst {
		seen[s] = true
	}
	for _, s := range add {
		if !seen[s] {
			dst = append(dst, s)
			seen[s] = true
		}
	}
	return dst
}
