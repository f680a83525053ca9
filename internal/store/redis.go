package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/pool-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for pool and bet records. Transactions always read the primary;
// keys written by a transaction are invalidated after it commits, and the
// next View re-populates them. Balances are never cached.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write path (primary, then invalidate) ---

func (s *CachedStore) Update(ctx context.Context, fn func(Tx) error) error {
	var dirty []string
	err := s.primary.Update(ctx, func(tx Tx) error {
		dirty = dirty[:0]
		return fn(&trackingTx{Tx: tx, dirty: &dirty})
	})
	if err != nil {
		return err
	}
	if len(dirty) > 0 {
		if err := s.rdb.Del(ctx, dirty...).Err(); err != nil {
			slog.Warn("cache invalidation failed", "keys", dirty, "err", err)
		}
	}
	return nil
}

// trackingTx records the cache keys of every record it writes.
type trackingTx struct {
	Tx
	dirty *[]string
}

func (t *trackingTx) InsertPool(ctx context.Context, p *model.Pool) error {
	*t.dirty = append(*t.dirty, poolKey(p.Address))
	return t.Tx.InsertPool(ctx, p)
}

func (t *trackingTx) PutPool(ctx context.Context, p *model.Pool) error {
	*t.dirty = append(*t.dirty, poolKey(p.Address))
	return t.Tx.PutPool(ctx, p)
}

func (t *trackingTx) InsertBet(ctx context.Context, b *model.Bet) error {
	*t.dirty = append(*t.dirty, betKey(b.Address))
	return t.Tx.InsertBet(ctx, b)
}

func (t *trackingTx) PutBet(ctx context.Context, b *model.Bet) error {
	*t.dirty = append(*t.dirty, betKey(b.Address))
	return t.Tx.PutBet(ctx, b)
}

// --- Read path (cache first) ---

func (s *CachedStore) View(ctx context.Context, fn func(ReadTx) error) error {
	return s.primary.View(ctx, func(tx ReadTx) error {
		return fn(&cachedReadTx{ReadTx: tx, s: s})
	})
}

type cachedReadTx struct {
	ReadTx
	s *CachedStore
}

func (t *cachedReadTx) GetPool(ctx context.Context, addr string) (*model.Pool, error) {
	var p model.Pool
	if t.s.load(ctx, poolKey(addr), &p) {
		return &p, nil
	}

	// Cache miss: read from primary.
	pp, err := t.ReadTx.GetPool(ctx, addr)
	if err != nil {
		return nil, err
	}
	t.s.save(ctx, poolKey(addr), pp)
	return pp, nil
}

func (t *cachedReadTx) GetBet(ctx context.Context, addr string) (*model.Bet, error) {
	var b model.Bet
	if t.s.load(ctx, betKey(addr), &b) {
		return &b, nil
	}

	bb, err := t.ReadTx.GetBet(ctx, addr)
	if err != nil {
		return nil, err
	}
	t.s.save(ctx, betKey(addr), bb)
	return bb, nil
}

// --- Cache helpers ---

func (s *CachedStore) load(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) save(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func poolKey(addr string) string { return fmt.Sprintf("pool:%s", addr) }
func betKey(addr string) string  { return fmt.Sprintf("bet:%s", addr) }
