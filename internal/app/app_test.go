package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-live-orders.git/internal/config"
	"github.com/ariefcatur/go-live-orders.git/internal/engine"
	"github.com/ariefcatur/go-live-orders.git/internal/events"
	"github.com/ariefcatur/go-live-orders.git/internal/inventory"
	kafkax "github.com/ariefcatur/go-live-orders.git/internal/kafka"
	"github.com/ariefcatur/go-live-orders.git/internal/orders"
	"github.com/ariefcatur/go-live-orders.git/internal/payments"
	"github.com/ariefcatur/go-live-orders.git/internal/session"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type APISuite struct {
	suite.Suite
	mr  *miniredis.Miniredis
	rec *events.Recorder
	app *App
	srv *httptest.Server
}

func (s *APISuite) SetupTest() {
	cf, err := config.Load()
	s.Require().NoError(err)
	s.mr = miniredis.RunT(s.T())
	s.rec = events.NewRecorder()
	s.app, err = New(cf, Deps{
		Redis:     redis.NewClient(&redis.Options{Addr: s.mr.Addr()}),
		Publisher: s.rec,
	}, zerolog.Nop())
	s.Require().NoError(err)
	s.srv = httptest.NewServer(s.app.Router())
	s.T().Cleanup(s.srv.Close)
}

// call sends body as JSON and decodes the answer into out when given.
func (s *APISuite) call(method, path string, body, out any) int {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		s.Require().NoError(err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, rd)
	s.Require().NoError(err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.srv.Client().Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()
	if out != nil {
		s.Require().NoError(json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *APISuite) seedProduct(code string, stock int) *inventory.Product {
	var p inventory.Product
	status := s.call(http.MethodPut, "/products", map[string]any{
		"name": "Dress " + code, "live_code": code, "price": "150",
		"stock_quantity": stock, "track_stock": true, "is_active": true,
	}, &p)
	s.Require().Equal(http.StatusOK, status)
	return &p
}

func (s *APISuite) startSession() *session.LiveSession {
	var live session.LiveSession
	s.Require().Equal(http.StatusCreated, s.call(http.MethodPost, "/sessions",
		map[string]string{"title": "evening live", "platform": "facebook"}, &live))
	return &live
}

func (s *APISuite) TestLiveOrderToPaidOrder() {
	p := s.seedProduct("1", 2)
	live := s.startSession()

	msg := map[string]any{"sender_id": "u1", "sender_name": "Nok", "platform": "facebook", "text": "CF1 x2"}
	var out engine.Outcome
	s.Require().Equal(http.StatusCreated, s.call(http.MethodPost, "/sessions/"+live.ID+"/messages", msg, &out))
	s.Require().Equal(engine.KindCreatedOrder, out.Kind)
	s.Require().NotNil(out.Order)
	orderID := out.Order.ID
	s.True(out.Order.Total.Equal(out.Order.SubTotal.Add(out.Order.ShippingFee)))

	var dup engine.Outcome
	s.Equal(http.StatusOK, s.call(http.MethodPost, "/sessions/"+live.ID+"/messages", msg, &dup))
	s.Equal(engine.KindDuplicate, dup.Kind)

	var avail map[string]any
	s.Equal(http.StatusOK, s.call(http.MethodGet, "/products/"+p.ID+"/availability", nil, &avail))
	s.Equal(float64(0), avail["available"])
	s.Equal(float64(2), avail["reserved"])

	// status is cached until the order changes
	var st map[string]any
	s.Equal(http.StatusOK, s.call(http.MethodGet, "/orders/"+orderID+"/status", nil, &st))
	s.Equal("PENDING", st["status"])
	s.True(s.mr.Exists("order_status:" + orderID))
	s.Equal(http.StatusOK, s.call(http.MethodPost, "/orders/"+orderID+"/status", map[string]string{"status": "CONFIRMED"}, nil))
	s.False(s.mr.Exists("order_status:" + orderID))

	now := time.Now().UTC()
	sms := map[string]any{"sender": "KBANK", "message": "deposit", "amount": out.Order.Total,
		"received_at": now, "reference_no": "REF-7781"}
	s.Equal(http.StatusCreated, s.call(http.MethodPost, "/bank-sms", sms, nil))
	s.Equal(http.StatusOK, s.call(http.MethodPost, "/bank-sms", sms, nil))

	var slip struct {
		Payment *payments.Payment `json:"payment"`
		Outcome string            `json:"outcome"`
	}
	s.Require().Equal(http.StatusCreated, s.call(http.MethodPost, "/orders/"+orderID+"/slips", map[string]any{
		"amount": out.Order.Total, "reference": "REF-7781", "transfer_at": now,
	}, &slip))
	s.Equal(payments.StatusVerified, slip.Payment.Status)
	s.Empty(slip.Outcome)

	var o orders.Order
	s.Equal(http.StatusOK, s.call(http.MethodGet, "/orders/"+orderID, nil, &o))
	s.Equal(orders.PaymentPaid, o.PaymentStatus)

	var ps []*payments.Payment
	s.Equal(http.StatusOK, s.call(http.MethodGet, "/orders/"+orderID+"/payments", nil, &ps))
	s.Len(ps, 1)

	var sum session.Summary
	s.Equal(http.StatusOK, s.call(http.MethodGet, "/sessions/"+live.ID+"/summary", nil, &sum))
	s.Equal(2, sum.TotalMessages)
	s.Equal(1, sum.TotalOrders)
	s.Equal(1, sum.Duplicates)
	s.True(sum.TotalSales.Equal(out.Order.Total))

	s.NotEmpty(s.rec.OfType(events.EventPaymentVerified))
}

func (s *APISuite) TestCancelReleasesStockAndSales() {
	p := s.seedProduct("2", 1)
	live := s.startSession()

	var out engine.Outcome
	s.Require().Equal(http.StatusCreated, s.call(http.MethodPost, "/sessions/"+live.ID+"/messages",
		map[string]any{"sender_id": "u2", "sender_name": "Ploy", "text": "CF2"}, &out))

	var o orders.Order
	s.Equal(http.StatusOK, s.call(http.MethodPost, "/orders/"+out.Order.ID+"/cancel", map[string]any{"reason": "changed mind"}, &o))
	s.Equal(orders.StatusCancelled, o.Status)

	var avail map[string]any
	s.call(http.MethodGet, "/products/"+p.ID+"/availability", nil, &avail)
	s.Equal(float64(1), avail["available"])

	var sum session.Summary
	s.call(http.MethodGet, "/sessions/"+live.ID+"/summary", nil, &sum)
	s.Equal(1, sum.CancelledOrders)
	s.True(sum.TotalSales.IsZero())

	var list []*orders.Order
	s.Equal(http.StatusOK, s.call(http.MethodGet, "/sessions/"+live.ID+"/orders", nil, &list))
	s.Len(list, 1)
}

func (s *APISuite) TestFulfilmentLookupsAndQueues() {
	s.seedProduct("5", 1)
	s.seedProduct("6", 10)
	live := s.startSession()

	var out engine.Outcome
	s.Require().Equal(http.StatusCreated, s.call(http.MethodPost, "/sessions/"+live.ID+"/messages",
		map[string]any{"sender_id": "u5", "sender_name": "Fah", "text": "CF5"}, &out))
	id := out.Order.ID

	var low []*inventory.Product
	s.Equal(http.StatusOK, s.call(http.MethodGet, "/products?low_stock=true", nil, &low))
	s.Require().Len(low, 1)
	s.Equal("5", low[0].LiveCode)

	var o orders.Order
	s.Equal(http.StatusOK, s.call(http.MethodGet, "/orders/by-number/"+out.Order.OrderNumber, nil, &o))
	s.Equal(id, o.ID)
	s.Equal(http.StatusNotFound, s.call(http.MethodGet, "/orders/by-number/ORD-20000101-0001", nil, nil))

	var queue []*orders.Order
	s.Equal(http.StatusOK, s.call(http.MethodGet, "/orders?queue=pack", nil, &queue))
	s.NotNil(queue)
	s.Empty(queue)

	for _, st := range []string{"CONFIRMED", "PROCESSING"} {
		s.Require().Equal(http.StatusOK, s.call(http.MethodPost, "/orders/"+id+"/status", map[string]string{"status": st}, nil))
	}
	s.Require().Equal(http.StatusOK, s.call(http.MethodPost, "/orders/"+id+"/payment-status", map[string]string{"status": "COD"}, nil))
	s.Equal(http.StatusOK, s.call(http.MethodGet, "/orders?queue=pack", nil, &queue))
	s.Len(queue, 1)

	s.Require().Equal(http.StatusOK, s.call(http.MethodPost, "/orders/"+id+"/status", map[string]string{"status": "PACKED"}, nil))
	s.Equal(http.StatusUnprocessableEntity, s.call(http.MethodPost, "/orders/"+id+"/shipping",
		map[string]string{"status": "PICKED_UP"}, nil))
	s.Require().Equal(http.StatusOK, s.call(http.MethodPost, "/orders/"+id+"/shipping", map[string]any{
		"status": "READY_TO_SHIP", "carrier": "Kerry", "tracking_number": "KER9", "cod_fee": "20",
	}, &o))
	s.Require().NotNil(o.Shipment)
	s.True(o.Shipment.CODAmount.Equal(o.Total.Add(decimal.NewFromInt(20))))

	s.Equal(http.StatusOK, s.call(http.MethodGet, "/orders?queue=ship", nil, &queue))
	s.Len(queue, 1)
	s.Equal(http.StatusOK, s.call(http.MethodGet, "/orders/by-tracking/KER9", nil, &o))
	s.Equal(id, o.ID)
	s.Equal("Kerry", o.Shipment.Carrier)

	s.Equal(http.StatusBadRequest, s.call(http.MethodGet, "/orders?queue=later", nil, nil))
}

func (s *APISuite) TestErrorStatuses() {
	live := s.startSession()
	s.seedProduct("3", 1)

	var body map[string]string
	s.Equal(http.StatusNotFound, s.call(http.MethodGet, "/orders/nope", nil, &body))
	s.Equal("not_found", body["kind"])

	s.Equal(http.StatusBadRequest, s.call(http.MethodPost, "/sessions", map[string]string{"platform": "line"}, &body))
	s.Equal("validation", body["kind"])

	s.Equal(http.StatusBadRequest, s.call(http.MethodPost, "/sessions", map[string]string{"title": "x", "colour": "red"}, nil))

	var out engine.Outcome
	s.Require().Equal(http.StatusCreated, s.call(http.MethodPost, "/sessions/"+live.ID+"/messages",
		map[string]any{"sender_id": "u3", "sender_name": "Bee", "text": "CF3"}, &out))
	s.Equal(http.StatusUnprocessableEntity, s.call(http.MethodPost, "/orders/"+out.Order.ID+"/status",
		map[string]string{"status": "DELIVERED"}, &body))
	s.Equal("invalid_transition", body["kind"])

	s.Equal(http.StatusOK, s.call(http.MethodPost, "/sessions/"+live.ID+"/end", nil, nil))
	s.Equal(http.StatusUnprocessableEntity, s.call(http.MethodPost, "/sessions/"+live.ID+"/pause", nil, nil))
}

func (s *APISuite) TestIngestChatIsIdempotent() {
	s.seedProduct("4", 5)
	live := s.startSession()
	ctx := context.Background()

	ev, err := events.New(events.EventChatReceived, "test", live.ID+":u4", engine.Incoming{
		SessionID: live.ID, SenderID: "u4", SenderName: "Mint", Platform: "facebook", Text: "CF4 x2",
	})
	s.Require().NoError(err)
	m, err := kafkax.EncodeEnvelope(ev)
	s.Require().NoError(err)

	s.Require().NoError(s.app.HandleIngest(ctx, m))
	s.Require().NoError(s.app.HandleIngest(ctx, m))
	s.Len(s.rec.OfType(events.EventOrderCreated), 1)

	list, err := s.app.OrderRepo.ListBySession(ctx, live.ID)
	s.Require().NoError(err)
	s.Len(list, 1)
}

func (s *APISuite) TestIngestAcknowledgesPoisonMessages() {
	ctx := context.Background()
	s.NoError(s.app.HandleIngest(ctx, kafkago.Message{Topic: events.TopicChatReceived, Value: []byte("not json")}))

	ev, err := events.New(events.EventChatReceived, "test", "x", engine.Incoming{SessionID: "missing", SenderID: "u", Text: "CF1"})
	s.Require().NoError(err)
	m, err := kafkax.EncodeEnvelope(ev)
	s.Require().NoError(err)
	s.NoError(s.app.HandleIngest(ctx, m))

	ev, err = events.New(events.EventBankSmsReceived, "test", "KBANK", payments.SmsInput{Sender: "KBANK", Message: "x"})
	s.Require().NoError(err)
	m, err = kafkax.EncodeEnvelope(ev)
	s.Require().NoError(err)
	s.NoError(s.app.HandleIngest(ctx, m))
}

func TestAPISuite(t *testing.T) {
	suite.Run(t, new(APISuite))
}

func TestBackendRequirements(t *testing.T) {
	cf, err := config.Load()
	require.NoError(t, err)

	cf.StoreBackend = config.BackendPostgres
	_, err = New(cf, Deps{}, zerolog.Nop())
	assert.Error(t, err)

	cf.StoreBackend = config.BackendRedis
	_, err = New(cf, Deps{}, zerolog.Nop())
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	a, err := New(cf, Deps{Redis: redis.NewClient(&redis.Options{Addr: mr.Addr()})}, zerolog.Nop())
	require.NoError(t, err)
	p, err := a.Ledger.Upsert(context.Background(), &inventory.Product{Name: "Bag", LiveCode: "B1", Price: decimal.NewFromInt(90), StockQuantity: 1, TrackStock: true, IsActive: true})
	require.NoError(t, err)
	assert.True(t, mr.Exists("inventory:product:"+p.ID))
}
