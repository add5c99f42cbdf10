package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ariefcatur/go-live-orders.git/internal/redisx"
	"github.com/redis/go-redis/v9"
)

// DefaultHistoryCap bounds the per sender history kept by both backends.
const DefaultHistoryCap = 100

type MemoryHistory struct {
	mu   sync.Mutex
	cap  int
	rows map[string][]HistoryEntry
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{cap: DefaultHistoryCap, rows: map[string][]HistoryEntry{}}
}

func (h *MemoryHistory) Recent(_ context.Context, sessionID, senderID string) ([]HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]HistoryEntry(nil), h.rows[sessionID+"\x00"+senderID]...), nil
}

func (h *MemoryHistory) Append(_ context.Context, sessionID, senderID string, e HistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := sessionID + "\x00" + senderID
	rows := append([]HistoryEntry{e}, h.rows[k]...)
	if len(rows) > h.cap {
		rows = rows[:h.cap]
	}
	h.rows[k] = rows
	return nil
}

// RedisHistory keeps the history as a capped list per sender so every ingest
// worker sees the same window.
type RedisHistory struct {
	rdb *redis.Client
	cap int64
	ttl time.Duration
}

func NewRedisHistory(rdb *redis.Client) *RedisHistory {
	return &RedisHistory{rdb: rdb, cap: DefaultHistoryCap, ttl: redisx.TTLChatHistory}
}

func (h *RedisHistory) key(sessionID, senderID string) string {
	return fmt.Sprintf(redisx.KeyChatHistory, sessionID, senderID)
}

func (h *RedisHistory) Recent(ctx context.Context, sessionID, senderID string) ([]HistoryEntry, error) {
	raw, err := h.rdb.LRange(ctx, h.key(sessionID, senderID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, 0, len(raw))
	for _, s := range raw {
		var e HistoryEntry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return nil, fmt.Errorf("decode history entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (h *RedisHistory) Append(ctx context.Context, sessionID, senderID string, e HistoryEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	k := h.key(sessionID, senderID)
	_, err = h.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, k, b)
		p.LTrim(ctx, k, 0, h.cap-1)
		p.Expire(ctx, k, h.ttl)
		return nil
	})
	return err
}
