package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/ariefcatur/go-live-orders.git/internal/apperr"
	"github.com/ariefcatur/go-live-orders.git/internal/redisx"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each product as a JSON document. Mutate uses
// WATCH/MULTI/EXEC: if another writer touched the key first the
// transaction aborts and the ledger sees a retryable conflict.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore { return &RedisStore{rdb: rdb} }

func productKey(id string) string { return fmt.Sprintf(redisx.KeyProduct, id) }
func codeKey(code string) string  { return fmt.Sprintf(redisx.KeyProductCode, NormalizeCode(code)) }

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, c getter, id string) (*Product, error) {
	raw, err := c.Get(ctx, productKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperr.NotFound("product", id)
	}
	if err != nil {
		return nil, err
	}
	var p Product
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode product %s: %w", id, err)
	}
	if !p.Active() {
		return nil, apperr.NotFound("product", id)
	}
	return &p, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Product, error) {
	return s.load(ctx, s.rdb, id)
}

func (s *RedisStore) FindByLiveCode(ctx context.Context, code string) (*Product, error) {
	id, err := s.rdb.Get(ctx, codeKey(code)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, apperr.NotFound("live code", code)
	}
	if err != nil {
		return nil, err
	}
	p, err := s.load(ctx, s.rdb, id)
	if err != nil || !p.Sellable() {
		return nil, apperr.NotFound("live code", code)
	}
	return p, nil
}

func (s *RedisStore) List(ctx context.Context) ([]*Product, error) {
	ids, err := s.rdb.SMembers(ctx, redisx.KeyProductSet).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Product, 0, len(ids))
	for _, id := range ids {
		p, err := s.load(ctx, s.rdb, id)
		if errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LiveCode < out[j].LiveCode })
	return out, nil
}

// Save writes the product and moves its live code key in one transaction.
// A code held by another product is a validation error.
func (s *RedisStore) Save(ctx context.Context, p *Product) error {
	cp := p.clone()
	cp.LiveCode = NormalizeCode(cp.LiveCode)
	b, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	key := productKey(cp.ID)
	watch := []string{key}
	if cp.LiveCode != "" {
		watch = append(watch, codeKey(cp.LiveCode))
	}

	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		old, err := s.storedCode(ctx, tx, cp.ID)
		if err != nil {
			return err
		}
		// drop the old code key only while it still points here
		dropOld := false
		if old != "" && old != cp.LiveCode {
			if err := tx.Watch(ctx, codeKey(old)).Err(); err != nil {
				return err
			}
			owner, err := tx.Get(ctx, codeKey(old)).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			dropOld = owner == cp.ID
		}
		if cp.LiveCode != "" {
			owner, err := tx.Get(ctx, codeKey(cp.LiveCode)).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if owner != "" && owner != cp.ID {
				return apperr.Validation("live code %s already used by product %s", cp.LiveCode, owner)
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if dropOld {
				pipe.Del(ctx, codeKey(old))
			}
			if cp.LiveCode != "" {
				pipe.Set(ctx, codeKey(cp.LiveCode), cp.ID, 0)
			}
			pipe.Set(ctx, key, b, 0)
			pipe.SAdd(ctx, redisx.KeyProductSet, cp.ID)
			return nil
		})
		return err
	}, watch...)
	if errors.Is(err, redis.TxFailedErr) {
		return apperr.Conflict("product %s changed concurrently", cp.ID)
	}
	return err
}

// storedCode is the live code currently saved for id, deleted or not.
func (s *RedisStore) storedCode(ctx context.Context, c getter, id string) (string, error) {
	raw, err := c.Get(ctx, productKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var prev struct {
		LiveCode string `json:"live_code"`
	}
	if err := json.Unmarshal(raw, &prev); err != nil {
		return "", fmt.Errorf("decode product %s: %w", id, err)
	}
	return NormalizeCode(prev.LiveCode), nil
}

func (s *RedisStore) Mutate(ctx context.Context, id string, fn func(p *Product) error) (*Product, error) {
	key := productKey(id)
	var out *Product
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		p, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
		b, err := json.Marshal(p)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, 0)
			return nil
		})
		if err != nil {
			return err
		}
		out = p
		return nil
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return nil, apperr.Conflict("product %s changed concurrently", id)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

var _ Store = (*RedisStore)(nil)
