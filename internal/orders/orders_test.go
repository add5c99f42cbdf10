package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-live-orders.git/internal/apperr"
	"github.com/ariefcatur/go-live-orders.git/internal/events"
	"github.com/ariefcatur/go-live-orders.git/internal/inventory"
	"github.com/ariefcatur/go-live-orders.git/internal/keylock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type fixture struct {
	ledger    *inventory.Ledger
	repo      *MemoryRepo
	rec       *events.Recorder
	assembler *Assembler
	life      *Lifecycle
	products  map[string]*inventory.Product
}

func newFixture(t *testing.T, stock map[string]int) *fixture {
	t.Helper()
	ctx := context.Background()
	locks := keylock.New(time.Second)
	rec := events.NewRecorder()
	ledger := inventory.NewLedger(inventory.NewMemoryStore(), locks, rec, zerolog.Nop())
	f := &fixture{
		ledger:   ledger,
		repo:     NewMemoryRepo(),
		rec:      rec,
		products: map[string]*inventory.Product{},
	}
	for code, n := range stock {
		p, err := ledger.Upsert(ctx, &inventory.Product{
			Name: "Item " + code, LiveCode: code, Price: decimal.NewFromInt(100),
			StockQuantity: n, TrackStock: true, IsActive: true, ReorderLevel: 1,
		})
		require.NoError(t, err)
		f.products[code] = p
	}
	f.assembler = NewAssembler(f.repo, ledger, &Numberer{Seq: NewMemorySequence(), Loc: time.UTC}, rec, zerolog.Nop())
	f.assembler.Now = func() time.Time { return time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC) }
	f.life = NewLifecycle(f.repo, ledger, locks, rec, zerolog.Nop())
	return f
}

func (f *fixture) reserved(t *testing.T, code string) int {
	p, err := f.ledger.Get(context.Background(), f.products[code].ID)
	require.NoError(t, err)
	return p.ReservedQuantity
}

func request(lines ...Line) AssembleRequest {
	return AssembleRequest{
		SessionID:     "live-1",
		ChatMessageID: "msg-1",
		Customer:      CustomerSnapshot{CustomerID: "cust-1", Name: "Nok"},
		Lines:         lines,
	}
}

func TestAssembleFullOrder(t *testing.T) {
	f := newFixture(t, map[string]int{"1": 5, "3": 5})
	res, err := f.assembler.Assemble(context.Background(), request(Line{"1", 2}, Line{"3", 1}))
	require.NoError(t, err)
	require.NotNil(t, res.Order)

	o := res.Order
	assert.Equal(t, "ORD-20260301-0001", o.OrderNumber)
	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, PaymentUnpaid, o.PaymentStatus)
	assert.Len(t, o.Items, 2)
	assert.True(t, decimal.NewFromInt(300).Equal(o.Total))
	assert.Empty(t, res.Warnings)
	assert.Equal(t, 2, f.reserved(t, "1"))
	assert.Equal(t, 1, f.reserved(t, "3"))

	evs := f.rec.OfType(events.EventOrderCreated)
	require.Len(t, evs, 1)
	payload, err := events.Decode[events.OrderCreatedPayload](evs[0])
	require.NoError(t, err)
	assert.Equal(t, o.ID, payload.OrderID)
	assert.False(t, payload.Partial)
}

func TestAssemblePartialOrder(t *testing.T) {
	f := newFixture(t, map[string]int{"1": 5, "3": 0})
	res, err := f.assembler.Assemble(context.Background(), request(Line{"1", 2}, Line{"3", 1}))
	require.NoError(t, err)
	require.NotNil(t, res.Order)
	require.Len(t, res.Order.Items, 1)
	assert.Equal(t, "1", res.Order.Items[0].LiveCode)
	require.Len(t, res.Shortages, 1)
	assert.Contains(t, res.Warnings[0], "insufficient stock for 3")
	assert.True(t, decimal.NewFromInt(200).Equal(res.Order.Total))
}

func TestAssembleNothingReservable(t *testing.T) {
	f := newFixture(t, map[string]int{"1": 0})
	res, err := f.assembler.Assemble(context.Background(), request(Line{"1", 1}))
	require.NoError(t, err)
	assert.Nil(t, res.Order)
	assert.Equal(t, ReasonNoStock, res.Reason)

	res, err = f.assembler.Assemble(context.Background(), request(Line{"99", 1}))
	require.NoError(t, err)
	assert.Nil(t, res.Order)
	assert.Equal(t, ReasonUnresolved, res.Reason)
	assert.Equal(t, []string{"99"}, res.Unresolved)
	assert.Empty(t, f.rec.OfType(events.EventOrderCreated))
}

type failingRepo struct{ *MemoryRepo }

func (failingRepo) Create(context.Context, *Order) error { return errors.New("disk full") }

func TestAssembleReleasesWhenPersistFails(t *testing.T) {
	f := newFixture(t, map[string]int{"1": 5, "2": 5})
	f.assembler.Repo = failingRepo{f.repo}

	_, err := f.assembler.Assemble(context.Background(), request(Line{"1", 2}, Line{"2", 3}))
	require.Error(t, err)
	assert.Equal(t, 0, f.reserved(t, "1"))
	assert.Equal(t, 0, f.reserved(t, "2"))
}

// busyLedger reports a lock conflict for one product on every reserve.
type busyLedger struct {
	*inventory.Ledger
	busy string
}

func (l busyLedger) Reserve(ctx context.Context, productID string, qty int) (*inventory.Product, error) {
	if productID == l.busy {
		return nil, apperr.Conflict("product %s is locked", productID)
	}
	return l.Ledger.Reserve(ctx, productID, qty)
}

func TestAssembleConflictIsRetryableNotNoStock(t *testing.T) {
	f := newFixture(t, map[string]int{"1": 5, "2": 5})
	f.assembler.Ledger = busyLedger{Ledger: f.ledger, busy: f.products["2"].ID}

	res, err := f.assembler.Assemble(context.Background(), request(Line{"1", 2}, Line{"2", 1}))
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, apperr.Retryable(err))
	assert.Equal(t, 0, f.reserved(t, "1"), "reservations made before the conflict are handed back")
	assert.Empty(t, f.rec.OfType(events.EventOrderCreated))

	f.assembler.Ledger = busyLedger{Ledger: f.ledger, busy: f.products["1"].ID}
	_, err = f.assembler.Assemble(context.Background(), request(Line{"1", 1}))
	assert.ErrorIs(t, err, apperr.ErrConcurrencyConflict)
}

func TestOrderNumbersIncrease(t *testing.T) {
	f := newFixture(t, map[string]int{"1": 10})
	var numbers []string
	for i := 0; i < 3; i++ {
		res, err := f.assembler.Assemble(context.Background(), request(Line{"1", 1}))
		require.NoError(t, err)
		numbers = append(numbers, res.Order.OrderNumber)
	}
	assert.Equal(t, []string{"ORD-20260301-0001", "ORD-20260301-0002", "ORD-20260301-0003"}, numbers)
}

func TestRedisSequence(t *testing.T) {
	mr := miniredis.RunT(t)
	n := &Numberer{Seq: &RedisSequence{RDB: redis.NewClient(&redis.Options{Addr: mr.Addr()})}, Loc: time.UTC}
	day := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	a, err := n.Next(context.Background(), day)
	require.NoError(t, err)
	b, err := n.Next(context.Background(), day)
	require.NoError(t, err)
	c, err := n.Next(context.Background(), day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, "ORD-20260301-0001", a)
	assert.Equal(t, "ORD-20260301-0002", b)
	assert.Equal(t, "ORD-20260302-0001", c)
	assert.Greater(t, mr.TTL("order:seq:20260301"), time.Duration(0))
}

// LifecycleSuite drives one order through its state machines.
type LifecycleSuite struct {
	suite.Suite
	f     *fixture
	order *Order
}

type voidRecorder struct{ orders []string }

func (v *voidRecorder) VoidForOrder(_ context.Context, orderID, _ string) error {
	v.orders = append(v.orders, orderID)
	return nil
}

func (s *LifecycleSuite) SetupTest() {
	s.f = newFixture(s.T(), map[string]int{"1": 5, "2": 5})
	res, err := s.f.assembler.Assemble(context.Background(), request(Line{"1", 2}, Line{"2", 1}))
	s.Require().NoError(err)
	s.order = res.Order
}

func (s *LifecycleSuite) move(to Status) (*Order, error) {
	return s.f.life.Transition(context.Background(), s.order.ID, to, "")
}

func (s *LifecycleSuite) ship(ctx context.Context) {
	_, err := s.f.life.SetShippingStatus(ctx, s.order.ID, ShippingReadyToShip, ShipmentUpdate{})
	s.Require().NoError(err)
}

// toPacked moves the order to Packed with payment settled as pay.
func (s *LifecycleSuite) toPacked(ctx context.Context, pay PaymentStatus) {
	for _, to := range []Status{StatusConfirmed, StatusProcessing} {
		_, err := s.move(to)
		s.Require().NoError(err)
	}
	_, err := s.f.life.SetPaymentStatus(ctx, s.order.ID, pay, "")
	s.Require().NoError(err)
	_, err = s.move(StatusPacked)
	s.Require().NoError(err)
}

func (s *LifecycleSuite) TestHappyPathCommitsStockOnShip() {
	ctx := context.Background()
	_, err := s.move(StatusConfirmed)
	s.Require().NoError(err)
	_, err = s.move(StatusProcessing)
	s.Require().NoError(err)

	_, err = s.move(StatusPacked)
	s.Require().ErrorIs(err, apperr.ErrInvalidTransition, "unpaid order cannot be packed")

	_, err = s.f.life.SetPaymentStatus(ctx, s.order.ID, PaymentPaid, "cash")
	s.Require().NoError(err)
	_, err = s.move(StatusPacked)
	s.Require().NoError(err)

	_, err = s.move(StatusShipped)
	s.Require().ErrorIs(err, apperr.ErrInvalidTransition, "parcel not handed over yet")

	s.ship(ctx)
	o, err := s.move(StatusShipped)
	s.Require().NoError(err)
	s.NotNil(o.ShippedAt)
	for _, it := range o.Items {
		s.False(it.Reserved)
	}

	p, err := s.f.ledger.Get(ctx, s.f.products["1"].ID)
	s.Require().NoError(err)
	s.Equal(3, p.StockQuantity)
	s.Equal(0, p.ReservedQuantity)

	_, err = s.f.life.Cancel(ctx, s.order.ID, "too late", false)
	s.ErrorIs(err, apperr.ErrInvalidTransition)
}

// mutateFailsOnce fails the next Mutate after armed is set.
type mutateFailsOnce struct {
	Repository
	armed bool
}

func (r *mutateFailsOnce) Mutate(ctx context.Context, id string, fn func(o *Order) error) (*Order, error) {
	if r.armed {
		r.armed = false
		return nil, errors.New("connection reset")
	}
	return r.Repository.Mutate(ctx, id, fn)
}

func (s *LifecycleSuite) TestShipWriteFailureKeepsCommittedLinesOutOfCancel() {
	ctx := context.Background()
	s.toPacked(ctx, PaymentPaid)
	s.ship(ctx)

	repo := &mutateFailsOnce{Repository: s.f.repo, armed: true}
	s.f.life.Repo = repo
	_, err := s.move(StatusShipped)
	s.Require().Error(err)

	o, err := s.f.life.Get(ctx, s.order.ID)
	s.Require().NoError(err)
	s.Equal(StatusPacked, o.Status)
	for _, it := range o.Items {
		s.False(it.Reserved, it.LiveCode)
	}

	_, err = s.f.life.Cancel(ctx, s.order.ID, "write failed", false)
	s.Require().NoError(err)
	p, err := s.f.ledger.Get(ctx, s.f.products["1"].ID)
	s.Require().NoError(err)
	s.Equal(3, p.StockQuantity)
	s.Equal(0, p.ReservedQuantity)
}

func (s *LifecycleSuite) TestInvalidTransitionLeavesOrderUntouched() {
	_, err := s.move(StatusDelivered)
	s.Require().ErrorIs(err, apperr.ErrInvalidTransition)
	o, err := s.f.life.Get(context.Background(), s.order.ID)
	s.Require().NoError(err)
	s.Equal(StatusPending, o.Status)
}

func (s *LifecycleSuite) TestCancelReleasesOnceAndVoidsPayments() {
	ctx := context.Background()
	voider := &voidRecorder{}
	s.f.life.Voider = voider

	o, err := s.f.life.Cancel(ctx, s.order.ID, "customer changed mind", false)
	s.Require().NoError(err)
	s.Equal(StatusCancelled, o.Status)
	s.Equal(0, s.f.reserved(s.T(), "1"))
	s.Equal(0, s.f.reserved(s.T(), "2"))
	s.Equal([]string{s.order.ID}, voider.orders)

	_, err = s.f.life.Cancel(ctx, s.order.ID, "again", false)
	s.ErrorIs(err, apperr.ErrInvalidTransition)
	s.Len(s.f.rec.OfType(events.EventOrderCancelled), 1)
}

func (s *LifecycleSuite) TestCancelledOrderTakesNoMoney() {
	ctx := context.Background()
	_, err := s.f.life.SetPaymentStatus(ctx, s.order.ID, PaymentPending, "slip")
	s.Require().NoError(err)
	_, err = s.f.life.Cancel(ctx, s.order.ID, "left", false)
	s.Require().NoError(err)

	_, err = s.f.life.SetPaymentStatus(ctx, s.order.ID, PaymentPaid, "late match")
	s.ErrorIs(err, apperr.ErrInvalidTransition)
	o, err := s.f.life.SetPaymentStatus(ctx, s.order.ID, PaymentFailed, "expired")
	s.Require().NoError(err)
	s.Equal(PaymentFailed, o.PaymentStatus)
	_, err = s.f.life.SetPaymentStatus(ctx, s.order.ID, PaymentPending, "new slip")
	s.ErrorIs(err, apperr.ErrInvalidTransition)
}

func (s *LifecycleSuite) TestCancelWithRemoveSoftDeletes() {
	_, err := s.f.life.Cancel(context.Background(), s.order.ID, "spam", true)
	s.Require().NoError(err)
	_, err = s.f.life.Get(context.Background(), s.order.ID)
	s.ErrorIs(err, apperr.ErrNotFound)
	s.Equal(0, s.f.reserved(s.T(), "1"))
}

func (s *LifecycleSuite) TestAdjustRecomputesTotal() {
	fee := decimal.NewFromInt(50)
	disc := decimal.NewFromInt(30)
	o, err := s.f.life.Adjust(context.Background(), s.order.ID, Adjustment{ShippingFee: &fee, Discount: &disc})
	s.Require().NoError(err)
	s.True(decimal.NewFromInt(300).Equal(o.SubTotal))
	s.True(decimal.NewFromInt(320).Equal(o.Total))

	tooMuch := decimal.NewFromInt(1000)
	_, err = s.f.life.Adjust(context.Background(), s.order.ID, Adjustment{Discount: &tooMuch})
	s.ErrorIs(err, apperr.ErrValidation)
}

func (s *LifecycleSuite) TestPaymentStatusMachine() {
	ctx := context.Background()
	_, err := s.f.life.SetPaymentStatus(ctx, s.order.ID, PaymentFailed, "")
	s.ErrorIs(err, apperr.ErrInvalidTransition)

	_, err = s.f.life.SetPaymentStatus(ctx, s.order.ID, PaymentPending, "")
	s.Require().NoError(err)
	_, err = s.f.life.SetPaymentStatus(ctx, s.order.ID, PaymentFailed, "")
	s.Require().NoError(err)
	o, err := s.f.life.SetPaymentStatus(ctx, s.order.ID, PaymentPending, "new slip")
	s.Require().NoError(err)
	s.Equal(PaymentPending, o.PaymentStatus)
}

func (s *LifecycleSuite) TestShippingLoopAndRetry() {
	ctx := context.Background()
	carrier, tracking := "Kerry", "KER100"
	_, err := s.f.life.SetShippingStatus(ctx, s.order.ID, ShippingReadyToShip,
		ShipmentUpdate{Carrier: &carrier, TrackingNumber: &tracking})
	s.Require().NoError(err)
	for _, to := range []ShippingStatus{ShippingPickedUp, ShippingInTransit, ShippingAtHub,
		ShippingInTransit, ShippingOutForDelivery, ShippingDeliveryFailed, ShippingOutForDelivery, ShippingDelivered} {
		_, err := s.f.life.SetShippingStatus(ctx, s.order.ID, to, ShipmentUpdate{})
		s.Require().NoError(err, to)
	}
	o, err := s.f.life.Get(ctx, s.order.ID)
	s.Require().NoError(err)
	s.Require().NotNil(o.Shipment)
	s.NotNil(o.Shipment.PickedUpAt)
	s.NotNil(o.Shipment.DeliveredAt)

	_, err = s.f.life.SetShippingStatus(ctx, s.order.ID, ShippingReturned, ShipmentUpdate{})
	s.ErrorIs(err, apperr.ErrInvalidTransition)
}

func (s *LifecycleSuite) TestPickUpNeedsCarrierAndTracking() {
	ctx := context.Background()
	s.ship(ctx)
	_, err := s.f.life.SetShippingStatus(ctx, s.order.ID, ShippingPickedUp, ShipmentUpdate{})
	s.Require().ErrorIs(err, apperr.ErrValidation)

	carrier := "Flash"
	_, err = s.f.life.SetShippingStatus(ctx, s.order.ID, ShippingPickedUp, ShipmentUpdate{Carrier: &carrier})
	s.Require().ErrorIs(err, apperr.ErrValidation)

	o, err := s.f.life.Get(ctx, s.order.ID)
	s.Require().NoError(err)
	s.Equal(ShippingReadyToShip, o.ShippingStatus)
	s.Nil(o.Shipment, "a refused update leaves no shipment behind")

	tracking := "FL-77"
	o, err = s.f.life.SetShippingStatus(ctx, s.order.ID, ShippingPickedUp,
		ShipmentUpdate{Carrier: &carrier, TrackingNumber: &tracking})
	s.Require().NoError(err)
	s.Equal(ShippingPickedUp, o.ShippingStatus)
	s.Equal("FL-77", o.Shipment.TrackingNumber)
	s.NotNil(o.Shipment.PickedUpAt)
}

func (s *LifecycleSuite) TestShipmentDetailsWithoutStatusChange() {
	ctx := context.Background()
	_, err := s.f.life.SetPaymentStatus(ctx, s.order.ID, PaymentCOD, "")
	s.Require().NoError(err)
	before := len(s.f.rec.OfType(events.EventOrderStatusChanged))

	fee := decimal.NewFromInt(15)
	printed := true
	eta := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	o, err := s.f.life.SetShippingStatus(ctx, s.order.ID, "",
		ShipmentUpdate{CODFee: &fee, LabelPrinted: &printed, EstimatedDelivery: &eta})
	s.Require().NoError(err)
	s.Equal(ShippingPending, o.ShippingStatus)
	s.Require().NotNil(o.Shipment)
	s.True(o.Total.Add(fee).Equal(o.Shipment.CODAmount), o.Shipment.CODAmount.String())
	s.True(o.Shipment.LabelPrinted)
	s.NotNil(o.Shipment.LabelPrintedAt)
	s.Equal(eta, *o.Shipment.EstimatedDelivery)
	s.Len(s.f.rec.OfType(events.EventOrderStatusChanged), before, "detail edits emit no status change")

	neg := decimal.NewFromInt(-1)
	_, err = s.f.life.SetShippingStatus(ctx, s.order.ID, "", ShipmentUpdate{CODFee: &neg})
	s.ErrorIs(err, apperr.ErrValidation)
}

func (s *LifecycleSuite) TestLookupByNumberAndTracking() {
	ctx := context.Background()
	o, err := s.f.life.GetByNumber(ctx, s.order.OrderNumber)
	s.Require().NoError(err)
	s.Equal(s.order.ID, o.ID)
	_, err = s.f.life.GetByNumber(ctx, "ORD-20260301-9999")
	s.ErrorIs(err, apperr.ErrNotFound)

	tracking := "KER555"
	_, err = s.f.life.SetShippingStatus(ctx, s.order.ID, "", ShipmentUpdate{TrackingNumber: &tracking})
	s.Require().NoError(err)
	o, err = s.f.life.GetByTracking(ctx, "KER555")
	s.Require().NoError(err)
	s.Equal(s.order.ID, o.ID)

	other, err := s.f.assembler.Assemble(ctx, request(Line{"1", 1}))
	s.Require().NoError(err)
	_, err = s.f.life.SetShippingStatus(ctx, other.Order.ID, "", ShipmentUpdate{TrackingNumber: &tracking})
	s.ErrorIs(err, apperr.ErrValidation)

	_, err = s.f.life.GetByTracking(ctx, "NOPE")
	s.ErrorIs(err, apperr.ErrNotFound)
}

func (s *LifecycleSuite) TestWorkQueues() {
	ctx := context.Background()
	pack, err := s.f.life.ReadyToPack(ctx)
	s.Require().NoError(err)
	s.Empty(pack)

	for _, to := range []Status{StatusConfirmed, StatusProcessing} {
		_, err := s.move(to)
		s.Require().NoError(err)
	}
	pack, err = s.f.life.ReadyToPack(ctx)
	s.Require().NoError(err)
	s.Empty(pack, "unpaid orders wait for payment")

	_, err = s.f.life.SetPaymentStatus(ctx, s.order.ID, PaymentCOD, "")
	s.Require().NoError(err)
	pack, err = s.f.life.ReadyToPack(ctx)
	s.Require().NoError(err)
	s.Require().Len(pack, 1)
	s.Equal(s.order.ID, pack[0].ID)

	_, err = s.move(StatusPacked)
	s.Require().NoError(err)
	ship, err := s.f.life.ReadyToShip(ctx)
	s.Require().NoError(err)
	s.Empty(ship, "label not handed over yet")

	s.ship(ctx)
	ship, err = s.f.life.ReadyToShip(ctx)
	s.Require().NoError(err)
	s.Require().Len(ship, 1)
	s.Equal(s.order.ID, ship[0].ID)
	pack, err = s.f.life.ReadyToPack(ctx)
	s.Require().NoError(err)
	s.Empty(pack)
}

func TestLifecycle(t *testing.T) {
	suite.Run(t, new(LifecycleSuite))
}

func TestStatusMachines(t *testing.T) {
	assert.True(t, CanTransition(StatusPacked, StatusCancelled))
	assert.False(t, CanTransition(StatusShipped, StatusCancelled))
	assert.True(t, CanTransition(StatusCancelled, StatusRefunded))
	assert.False(t, CanTransition(StatusRefunded, StatusPending))
	assert.True(t, CanTransitionPayment(PaymentUnpaid, PaymentCOD))
	assert.False(t, CanTransitionPayment(PaymentPaid, PaymentPending))
	assert.True(t, CanTransitionShipping(ShippingAtHub, ShippingInTransit))
}

func TestRecalculate(t *testing.T) {
	o := &Order{
		Items: []OrderItem{
			{Qty: 2, UnitPrice: decimal.RequireFromString("99.50")},
			{Qty: 1, UnitPrice: decimal.NewFromInt(10), Discount: decimal.NewFromInt(1)},
		},
		Discount:    decimal.NewFromInt(8),
		ShippingFee: decimal.NewFromInt(40),
	}
	o.Recalculate()
	assert.Equal(t, "208", o.SubTotal.String())
	assert.Equal(t, "240", o.Total.String())
}
