package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ariefcatur/go-live-orders.git/internal/redisx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Sequence hands out per day counters. Values are never reused, even when the
// order that took one is later rolled back.
type Sequence interface {
	Next(ctx context.Context, day string) (int64, error)
}

const dayLayout = "20060102"

// Numberer formats order numbers as ORD-YYYYMMDD-NNNN.
type Numberer struct {
	Seq Sequence
	Loc *time.Location
}

func (n *Numberer) Next(ctx context.Context, now time.Time) (string, error) {
	if n.Loc != nil {
		now = now.In(n.Loc)
	}
	day := now.Format(dayLayout)
	v, err := n.Seq.Next(ctx, day)
	if err != nil {
		return "", fmt.Errorf("order sequence %s: %w", day, err)
	}
	return fmt.Sprintf("ORD-%s-%04d", day, v), nil
}

type MemorySequence struct {
	mu   sync.Mutex
	days map[string]int64
}

func NewMemorySequence() *MemorySequence { return &MemorySequence{days: map[string]int64{}} }

func (s *MemorySequence) Next(_ context.Context, day string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.days[day]++
	return s.days[day], nil
}

type RedisSequence struct{ RDB *redis.Client }

func (s *RedisSequence) Next(ctx context.Context, day string) (int64, error) {
	key := fmt.Sprintf(redisx.KeyOrderSeq, day)
	var incr *redis.IntCmd
	_, err := s.RDB.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		p.Expire(ctx, key, redisx.TTLOrderSeq)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

type PostgresSequence struct{ DB *pgxpool.Pool }

func (s *PostgresSequence) Next(ctx context.Context, day string) (int64, error) {
	var v int64
	err := s.DB.QueryRow(ctx, `
		INSERT INTO order_sequences(day, value) VALUES ($1, 1)
		ON CONFLICT (day) DO UPDATE SET value = order_sequences.value + 1
		RETURNING value`, day).Scan(&v)
	return v, err
}
