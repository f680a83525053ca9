package store

import (
	"context"
	"fmt"
	"math/bits"
	"sort"
	"sync"

	"github.com/atmx/pool-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Update holds the write lock for the whole transaction and stages writes
// in an overlay that is applied only when fn succeeds.
type MemoryStore struct {
	mu         sync.RWMutex
	pools      map[string]*model.Pool
	bets       map[string]*model.Bet
	betsByPool map[string][]string
	balances   map[string]uint64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools:      make(map[string]*model.Pool),
		bets:       make(map[string]*model.Bet),
		betsByPool: make(map[string][]string),
		balances:   make(map[string]uint64),
	}
}

func (s *MemoryStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:        s,
		writable: true,
		pools:    make(map[string]*model.Pool),
		bets:     make(map[string]*model.Bet),
		balances: make(map[string]uint64),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) View(ctx context.Context, fn func(ReadTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	return fn(&memTx{s: s})
}

// memTx reads through its overlay to the committed maps.
type memTx struct {
	s        *MemoryStore
	writable bool

	pools    map[string]*model.Pool
	bets     map[string]*model.Bet
	newBets  []string
	balances map[string]uint64
}

func (tx *memTx) commit() {
	for addr, p := range tx.pools {
		tx.s.pools[addr] = p
	}
	for addr, b := range tx.bets {
		tx.s.bets[addr] = b
	}
	for _, addr := range tx.newBets {
		b := tx.bets[addr]
		tx.s.betsByPool[b.Pool] = append(tx.s.betsByPool[b.Pool], addr)
	}
	for owner, amt := range tx.balances {
		tx.s.balances[owner] = amt
	}
}

func (tx *memTx) pool(addr string) (*model.Pool, bool) {
	if p, ok := tx.pools[addr]; ok {
		return p, true
	}
	p, ok := tx.s.pools[addr]
	return p, ok
}

func (tx *memTx) bet(addr string) (*model.Bet, bool) {
	if b, ok := tx.bets[addr]; ok {
		return b, true
	}
	b, ok := tx.s.bets[addr]
	return b, ok
}

func (tx *memTx) balance(owner string) uint64 {
	if v, ok := tx.balances[owner]; ok {
		return v
	}
	return tx.s.balances[owner]
}

func (tx *memTx) GetPool(_ context.Context, addr string) (*model.Pool, error) {
	p, ok := tx.pool(addr)
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", addr, ErrNotFound)
	}
	// Return a copy to avoid external mutation.
	cp := *p
	return &cp, nil
}

func (tx *memTx) GetBet(_ context.Context, addr string) (*model.Bet, error) {
	b, ok := tx.bet(addr)
	if !ok {
		return nil, fmt.Errorf("bet %s: %w", addr, ErrNotFound)
	}
	cp := *b
	return &cp, nil
}

func (tx *memTx) ListBets(_ context.Context, pool string) ([]model.Bet, error) {
	addrs := append([]string(nil), tx.s.betsByPool[pool]...)
	for _, addr := range tx.newBets {
		if tx.bets[addr].Pool == pool {
			addrs = append(addrs, addr)
		}
	}

	bets := make([]model.Bet, 0, len(addrs))
	for _, addr := range addrs {
		b, _ := tx.bet(addr)
		bets = append(bets, *b)
	}
	sort.Slice(bets, func(i, j int) bool { return bets[i].Index < bets[j].Index })
	return bets, nil
}

func (tx *memTx) ListPools(_ context.Context) ([]model.Pool, error) {
	seen := make(map[string]bool, len(tx.s.pools)+len(tx.pools))
	pools := make([]model.Pool, 0, len(tx.s.pools)+len(tx.pools))
	for addr, p := range tx.pools {
		seen[addr] = true
		pools = append(pools, *p)
	}
	for addr, p := range tx.s.pools {
		if !seen[addr] {
			pools = append(pools, *p)
		}
	}
	sort.Slice(pools, func(i, j int) bool {
		if !pools[i].CreatedAt.Equal(pools[j].CreatedAt) {
			return pools[i].CreatedAt.After(pools[j].CreatedAt)
		}
		return pools[i].Address < pools[j].Address
	})
	return pools, nil
}

func (tx *memTx) Balance(_ context.Context, owner string) (uint64, error) {
	return tx.balance(owner), nil
}

func (tx *memTx) InsertPool(_ context.Context, p *model.Pool) error {
	if !tx.writable {
		return errReadOnly
	}
	if _, ok := tx.pool(p.Address); ok {
		return fmt.Errorf("pool %s: %w", p.Address, ErrAlreadyExists)
	}
	cp := *p
	tx.pools[p.Address] = &cp
	return nil
}

func (tx *memTx) PutPool(_ context.Context, p *model.Pool) error {
	if !tx.writable {
		return errReadOnly
	}
	if _, ok := tx.pool(p.Address); !ok {
		return fmt.Errorf("pool %s: %w", p.Address, ErrNotFound)
	}
	cp := *p
	tx.pools[p.Address] = &cp
	return nil
}

func (tx *memTx) InsertBet(_ context.Context, b *model.Bet) error {
	if !tx.writable {
		return errReadOnly
	}
	if _, ok := tx.bet(b.Address); ok {
		return fmt.Errorf("bet %s: %w", b.Address, ErrAlreadyExists)
	}
	cp := *b
	tx.bets[b.Address] = &cp
	tx.newBets = append(tx.newBets, b.Address)
	return nil
}

func (tx *memTx) PutBet(_ context.Context, b *model.Bet) error {
	if !tx.writable {
		return errReadOnly
	}
	if _, ok := tx.bet(b.Address); !ok {
		return fmt.Errorf("bet %s: %w", b.Address, ErrNotFound)
	}
	cp := *b
	tx.bets[b.Address] = &cp
	return nil
}

func (tx *memTx) Transfer(_ context.Context, from, to string, amount uint64) error {
	if !tx.writable {
		return errReadOnly
	}
	if from == to {
		if tx.balance(from) < amount {
			return fmt.Errorf("%s holds %d, needs %d: %w", from, tx.balance(from), amount, ErrInsufficientFunds)
		}
		return nil
	}
	src := tx.balance(from)
	if src < amount {
		return fmt.Errorf("%s holds %d, needs %d: %w", from, src, amount, ErrInsufficientFunds)
	}
	dst, carry := bits.Add64(tx.balance(to), amount, 0)
	if carry != 0 {
		return fmt.Errorf("credit %s: %w", to, ErrBalanceOverflow)
	}
	tx.balances[from] = src - amount
	tx.balances[to] = dst
	return nil
}

func (tx *memTx) Credit(_ context.Context, owner string, amount uint64) error {
	if !tx.writable {
		return errReadOnly
	}
	v, carry := bits.Add64(tx.balance(owner), amount, 0)
	if carry != 0 {
		return fmt.Errorf("credit %s: %w", owner, ErrBalanceOverflow)
	}
	tx.balances[owner] = v
	return nil
}
