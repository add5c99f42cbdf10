package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ariefcatur/go-live-orders.git/internal/events"
	"github.com/ariefcatur/go-live-orders.git/internal/orders"
	"github.com/ariefcatur/go-live-orders.git/internal/redisx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type statusView struct {
	OrderID        string                `json:"order_id"`
	OrderNumber    string                `json:"order_number"`
	Status         orders.Status         `json:"status"`
	PaymentStatus  orders.PaymentStatus  `json:"payment_status"`
	ShippingStatus orders.ShippingStatus `json:"shipping_status"`
}

// StatusCache keeps the status triple of an order in Redis. It also
// listens to order events and drops entries whose order changed. A nil
// cache or client disables caching.
type StatusCache struct {
	RDB *redis.Client
	TTL time.Duration
	Log zerolog.Logger
}

func NewStatusCache(rdb *redis.Client, log zerolog.Logger) *StatusCache {
	return &StatusCache{RDB: rdb, TTL: redisx.TTLStatusCache, Log: log.With().Str("component", "status-cache").Logger()}
}

func (c *StatusCache) enabled() bool { return c != nil && c.RDB != nil }

func (c *StatusCache) Get(ctx context.Context, orderID string) ([]byte, bool) {
	if !c.enabled() {
		return nil, false
	}
	b, err := c.RDB.Get(ctx, fmt.Sprintf(redisx.KeyOrderStatus, orderID)).Bytes()
	if err != nil || len(b) == 0 {
		return nil, false
	}
	return b, true
}

func (c *StatusCache) Set(ctx context.Context, o *orders.Order) []byte {
	b, _ := json.Marshal(statusView{
		OrderID:        o.ID,
		OrderNumber:    o.OrderNumber,
		Status:         o.Status,
		PaymentStatus:  o.PaymentStatus,
		ShippingStatus: o.ShippingStatus,
	})
	if c.enabled() {
		if err := c.RDB.Set(ctx, fmt.Sprintf(redisx.KeyOrderStatus, o.ID), b, c.TTL).Err(); err != nil {
			c.Log.Warn().Err(err).Str("order_id", o.ID).Msg("cache order status")
		}
	}
	return b
}

func (c *StatusCache) Invalidate(ctx context.Context, orderID string) {
	if !c.enabled() {
		return
	}
	if err := c.RDB.Del(ctx, fmt.Sprintf(redisx.KeyOrderStatus, orderID)).Err(); err != nil {
		c.Log.Warn().Err(err).Str("order_id", orderID).Msg("invalidate order status")
	}
}

// Publish drops the cached status of the order an event is about.
func (c *StatusCache) Publish(ctx context.Context, ev events.Envelope) error {
	switch ev.EventType {
	case events.EventOrderStatusChanged, events.EventOrderCancelled:
		c.Invalidate(ctx, ev.CorrelationID)
	}
	return nil
}

var _ events.Publisher = (*StatusCache)(nil)
