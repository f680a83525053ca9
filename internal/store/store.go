// Package store defines the persistence interface for the pool engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every mutation happens inside Update: the records written and the balances
// moved by one operation commit together or not at all.
package store

import (
	"context"
	"errors"

	"github.com/atmx/pool-engine/internal/model"
)

var (
	// ErrNotFound is returned when a pool or bet address holds no record.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when inserting at an occupied address.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrInsufficientFunds is returned when a transfer exceeds the source balance.
	ErrInsufficientFunds = errors.New("store: insufficient funds")

	// ErrBalanceOverflow is returned when a credit would push a balance past 2^64-1.
	ErrBalanceOverflow = errors.New("store: balance overflow")

	errReadOnly = errors.New("store: write in read-only transaction")
)

// ReadTx is the read-only view of a transaction.
type ReadTx interface {
	// GetPool retrieves a pool by address.
	GetPool(ctx context.Context, addr string) (*model.Pool, error)

	// GetBet retrieves a bet by address.
	GetBet(ctx context.Context, addr string) (*model.Bet, error)

	// ListBets returns a pool's bets ordered by sequence index.
	ListBets(ctx context.Context, pool string) ([]model.Bet, error)

	// ListPools returns all pools, newest first.
	ListPools(ctx context.Context) ([]model.Pool, error)

	// Balance returns the funds held by owner; zero for an unknown owner.
	Balance(ctx context.Context, owner string) (uint64, error)
}

// Tx is a read-write transaction.
type Tx interface {
	ReadTx

	// InsertPool creates a pool, failing with ErrAlreadyExists if the address
	// is occupied.
	InsertPool(ctx context.Context, p *model.Pool) error

	// PutPool overwrites an existing pool.
	PutPool(ctx context.Context, p *model.Pool) error

	// InsertBet creates a bet, failing with ErrAlreadyExists if the address
	// is occupied.
	InsertBet(ctx context.Context, b *model.Bet) error

	// PutBet overwrites an existing bet.
	PutBet(ctx context.Context, b *model.Bet) error

	// Transfer moves amount from one owner to another.
	Transfer(ctx context.Context, from, to string, amount uint64) error

	// Credit adds amount to owner's balance from outside the ledger.
	Credit(ctx context.Context, owner string, amount uint64) error
}

// Store runs transactions. A non-nil error from fn rolls back every write
// fn made.
type Store interface {
	Update(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(ReadTx) error) error
}
