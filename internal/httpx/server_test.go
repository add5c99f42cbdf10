package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-live-orders.git/internal/apperr"
	"github.com/ariefcatur/go-live-orders.git/internal/entity"
	"github.com/ariefcatur/go-live-orders.git/internal/events"
	"github.com/ariefcatur/go-live-orders.git/internal/orders"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{apperr.Validation("bad"), http.StatusBadRequest},
		{apperr.NotFound("order", "o1"), http.StatusNotFound},
		{apperr.Conflict("busy"), http.StatusConflict},
		{fmt.Errorf("%w: again", apperr.ErrDuplicateMessage), http.StatusConflict},
		{apperr.InvalidTransition("order", "SHIPPED", "CANCELLED"), http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: CF1", apperr.ErrInsufficientStock), http.StatusUnprocessableEntity},
		{apperr.ErrPaymentMismatch, http.StatusUnprocessableEntity},
		{apperr.ErrPaymentFraudSuspected, http.StatusUnprocessableEntity},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, statusFor(c.err), c.err.Error())
	}
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, errors.New("pq: password authentication failed"))

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", body.Error)
	assert.Equal(t, "internal", body.Kind)
}

func TestRequestLoggerRecoversPanic(t *testing.T) {
	var buf bytes.Buffer
	r := NewRouter(zerolog.New(&buf))
	r.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("kaboom") })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "error", line["level"])
	assert.Equal(t, "kaboom", line["panic"])
	assert.Equal(t, float64(500), line["status"])
	assert.NotEmpty(t, line["request_id"])
}

func TestHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	NewRouter(zerolog.Nop()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestStatusCacheFollowsOrderEvents(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	c := NewStatusCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zerolog.Nop())

	o := &orders.Order{Base: entity.Base{ID: "o1"}, OrderNumber: "ORD-20260301-0001",
		Status: orders.StatusPending, PaymentStatus: orders.PaymentUnpaid}
	c.Set(ctx, o)
	b, ok := c.Get(ctx, "o1")
	require.True(t, ok)
	assert.JSONEq(t, `{"order_id":"o1","order_number":"ORD-20260301-0001","status":"PENDING",
		"payment_status":"UNPAID","shipping_status":""}`, string(b))
	assert.Positive(t, mr.TTL("order_status:o1"))

	// unrelated events leave the entry alone
	require.NoError(t, c.Publish(ctx, events.Envelope{EventType: events.EventLowStock, CorrelationID: "o1"}))
	_, ok = c.Get(ctx, "o1")
	assert.True(t, ok)

	require.NoError(t, c.Publish(ctx, events.Envelope{EventType: events.EventOrderStatusChanged, CorrelationID: "o1"}))
	_, ok = c.Get(ctx, "o1")
	assert.False(t, ok)
}

func TestStatusCacheWithoutRedis(t *testing.T) {
	var c *StatusCache
	ctx := context.Background()
	_, ok := c.Get(ctx, "o1")
	assert.False(t, ok)
	b := c.Set(ctx, &orders.Order{Base: entity.Base{ID: "o1"}, Status: orders.StatusConfirmed})
	assert.Contains(t, string(b), `"CONFIRMED"`)
	assert.NoError(t, c.Publish(ctx, events.Envelope{EventType: events.EventOrderCancelled, CorrelationID: "o1"}))
}
