// Package betting is the pari-mutuel pool engine: it creates pools, accepts
// bets until the deadline, freezes the outcome and pays each winning bet its
// fee-adjusted share of the losing side.
//
// Every operation runs as one store transaction, so a failed operation
// leaves no trace. Operations that change a pool's aggregates hold the
// pool's lock; a payout holds only its bet's lock, since the fields it reads
// from the pool are frozen once the winner is declared.
package betting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/pool-engine/internal/address"
	"github.com/atmx/pool-engine/internal/archive"
	"github.com/atmx/pool-engine/internal/events"
	"github.com/atmx/pool-engine/internal/identity"
	"github.com/atmx/pool-engine/internal/lock"
	"github.com/atmx/pool-engine/internal/metrics"
	"github.com/atmx/pool-engine/internal/model"
	"github.com/atmx/pool-engine/internal/parimutuel"
	"github.com/atmx/pool-engine/internal/store"
)

// DefaultLockTimeout bounds how long an operation waits for its key.
const DefaultLockTimeout = 5 * time.Second

// Engine runs the pool operations against a store.
type Engine struct {
	store       store.Store
	deriver     *address.Deriver
	treasury    address.Address
	fees        parimutuel.FeeSchedule
	locker      lock.Locker
	lockTimeout time.Duration
	publisher   events.Publisher
	archiver    archive.Archiver
	now         func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithFees sets the fee schedule stamped on new pools.
func WithFees(f parimutuel.FeeSchedule) Option {
	return func(e *Engine) { e.fees = f }
}

// WithLocker replaces the in-process keyed lock.
func WithLocker(l lock.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithLockTimeout sets how long an operation waits for exclusive access.
func WithLockTimeout(d time.Duration) Option {
	return func(e *Engine) { e.lockTimeout = d }
}

// WithPublisher sets the sink for committed state changes.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithArchiver sets where settlement reports of fully paid pools go.
func WithArchiver(a archive.Archiver) Option {
	return func(e *Engine) { e.archiver = a }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine. treasury is the only destination payouts accept
// for the platform fee.
func New(st store.Store, deriver *address.Deriver, treasury address.Address, opts ...Option) *Engine {
	e := &Engine{
		store:       st,
		deriver:     deriver,
		treasury:    treasury,
		fees:        parimutuel.DefaultFees(),
		locker:      lock.NewLocalLocker(),
		lockTimeout: DefaultLockTimeout,
		publisher:   events.Discard{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Treasury returns the platform treasury payouts must name.
func (e *Engine) Treasury() address.Address {
	return e.treasury
}

// Deriver returns the address deriver for this engine's namespace.
func (e *Engine) Deriver() *address.Deriver {
	return e.deriver
}

// --- Initialize ---

// InitializeParams are the inputs of Initialize. Admin is the caller.
type InitializeParams struct {
	StreamID  string
	Deadline  time.Time
	Admin     address.Address
	Moderator address.Address // zero = none
}

// Initialize creates the pool for a stream. No funds move.
func (e *Engine) Initialize(ctx context.Context, p InitializeParams) (pool *model.Pool, err error) {
	start := time.Now()
	defer func() { metrics.ObserveOperation("initialize", start, kindLabel(err)) }()

	if p.StreamID == "" {
		return nil, ErrInvalidStreamID
	}
	if len(p.StreamID) > address.MaxSeedLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrStreamIDTooLong, len(p.StreamID))
	}
	if p.Admin.IsZero() {
		return nil, fmt.Errorf("%w: admin", ErrInvalidIdentity)
	}
	now := e.now().UTC()
	if !p.Deadline.After(now) {
		return nil, fmt.Errorf("%w: %s is not after %s", ErrInvalidDeadline,
			p.Deadline.UTC().Format(time.RFC3339), now.Format(time.RFC3339))
	}

	addr, bump, err := e.deriver.Pool(p.StreamID)
	if err != nil {
		if errors.Is(err, address.ErrSeedTooLong) {
			return nil, fmt.Errorf("%w: %v", ErrStreamIDTooLong, err)
		}
		return nil, fmt.Errorf("derive pool address: %w", err)
	}

	pool = &model.Pool{
		Address:         addr.String(),
		Admin:           p.Admin.String(),
		StreamID:        p.StreamID,
		BettingDeadline: p.Deadline.UTC(),
		Status:          model.PoolOpen,
		CreatorFeeBps:   e.fees.CreatorBps,
		PlatformFeeBps:  e.fees.PlatformBps,
		CreatedAt:       now,
		Bump:            bump,
	}
	if !p.Moderator.IsZero() {
		pool.Moderator = p.Moderator.String()
	}

	err = e.store.Update(ctx, func(tx store.Tx) error {
		return tx.InsertPool(ctx, pool)
	})
	if err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, fmt.Errorf("%w: %s", ErrPoolAlreadyExists, p.StreamID)
		}
		return nil, fmt.Errorf("initialize pool %s: %w", p.StreamID, err)
	}

	metrics.PoolsCreated.Inc()
	metrics.OpenPools.Inc()
	slog.Info("pool created",
		"pool", pool.Address,
		"stream_id", pool.StreamID,
		"admin", pool.Admin,
		"deadline", pool.BettingDeadline,
	)

	ev := events.New(events.PoolCreated, pool.Address, now)
	ev.StreamID = pool.StreamID
	ev.Actor = pool.Admin
	ev.Deadline = &pool.BettingDeadline
	events.Emit(ctx, e.publisher, ev)

	return pool, nil
}

// --- PlaceBet ---

// PlaceBetParams are the inputs of PlaceBet. Bettor is the caller and Index
// must equal the pool's current bet count.
type PlaceBetParams struct {
	Pool   address.Address
	Side   model.Side
	Amount uint64
	Bettor address.Address
	Index  uint32
}

// PlaceBet records a stake and moves it from the bettor into pool custody.
// It returns the new bet and the pool as updated.
func (e *Engine) PlaceBet(ctx context.Context, p PlaceBetParams) (bet *model.Bet, pool *model.Pool, err error) {
	start := time.Now()
	defer func() { metrics.ObserveOperation("place_bet", start, kindLabel(err)) }()

	if !p.Side.Valid() {
		return nil, nil, fmt.Errorf("%w: %d", ErrInvalidPrediction, p.Side)
	}
	if p.Amount == 0 {
		return nil, nil, fmt.Errorf("%w: zero stake", ErrInsufficientFunds)
	}
	if p.Bettor.IsZero() {
		return nil, nil, fmt.Errorf("%w: bettor", ErrInvalidIdentity)
	}

	poolAddr := p.Pool.String()
	err = e.withLock(ctx, lock.PoolKey(poolAddr), func() error {
		return e.store.Update(ctx, func(tx store.Tx) error {
			var err error
			pool, err = getPool(ctx, tx, poolAddr)
			if err != nil {
				return err
			}

			now := e.now().UTC()
			if !pool.IsBettingOpen(now) {
				if pool.WinnerDeclared() {
					return fmt.Errorf("%w: winner declared", ErrBettingClosed)
				}
				return fmt.Errorf("%w: deadline %s passed", ErrBettingClosed,
					pool.BettingDeadline.Format(time.RFC3339))
			}
			if p.Index != pool.BetCount() {
				return fmt.Errorf("%w: got %d, expected %d", ErrSequenceMismatch, p.Index, pool.BetCount())
			}

			if err := addStake(pool, p.Side, p.Amount); err != nil {
				return err
			}

			betAddr, bump, err := e.deriver.Bet(p.Pool, p.Bettor, p.Index)
			if err != nil {
				return fmt.Errorf("derive bet address: %w", err)
			}
			bet = &model.Bet{
				Address:  betAddr.String(),
				Pool:     poolAddr,
				Bettor:   p.Bettor.String(),
				Amount:   p.Amount,
				Side:     p.Side,
				Index:    p.Index,
				Status:   model.BetUnpaid,
				PlacedAt: now,
				Bump:     bump,
			}
			if err := tx.InsertBet(ctx, bet); err != nil {
				if errors.Is(err, store.ErrAlreadyExists) {
					return fmt.Errorf("%w: %s", ErrBetAlreadyExists, bet.Address)
				}
				return err
			}
			if err := tx.PutPool(ctx, pool); err != nil {
				return err
			}
			return transfer(ctx, tx, bet.Bettor, poolAddr, p.Amount)
		})
	})
	if err != nil {
		return nil, nil, err
	}

	metrics.BetsTotal.WithLabelValues(p.Side.String()).Inc()
	metrics.StakeVolume.WithLabelValues(p.Side.String()).Add(float64(p.Amount))
	slog.Info("bet placed",
		"pool", poolAddr,
		"bet", bet.Address,
		"bettor", bet.Bettor,
		"side", bet.Side.String(),
		"amount", bet.Amount,
		"index", bet.Index,
	)

	ev := events.New(events.BetPlaced, poolAddr, bet.PlacedAt)
	ev.Bet = bet.Address
	ev.Actor = bet.Bettor
	ev.Side = bet.Side
	ev.Amount = bet.Amount
	events.Emit(ctx, e.publisher, ev)

	return bet, pool, nil
}

// addStake applies a bet to the pool aggregates with checked arithmetic.
func addStake(pool *model.Pool, side model.Side, amount uint64) error {
	total, err := parimutuel.AddChecked(pool.TotalPool, amount)
	if err != nil {
		return fmt.Errorf("%w: total pool", ErrArithmeticOverflow)
	}
	sideTotal, err := parimutuel.AddChecked(pool.SideTotal(side), amount)
	if err != nil {
		return fmt.Errorf("%w: side %s total", ErrArithmeticOverflow, side)
	}
	count := pool.SideCount(side)
	if count == ^uint32(0) || pool.BetCount() == ^uint32(0) {
		return fmt.Errorf("%w: bet count", ErrArithmeticOverflow)
	}

	pool.TotalPool = total
	switch side {
	case model.SideA:
		pool.SideATotal = sideTotal
		pool.SideACount = count + 1
	case model.SideB:
		pool.SideBTotal = sideTotal
		pool.SideBCount = count + 1
	}
	return nil
}

// --- DeclareWinner ---

// DeclareWinner freezes the outcome of a pool. Only the admin or the
// moderator may call it, and only once.
func (e *Engine) DeclareWinner(ctx context.Context, poolAddr address.Address, side model.Side, caller address.Address) (pool *model.Pool, err error) {
	start := time.Now()
	defer func() { metrics.ObserveOperation("declare_winner", start, kindLabel(err)) }()

	if !side.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPrediction, side)
	}

	addr := poolAddr.String()
	err = e.withLock(ctx, lock.PoolKey(addr), func() error {
		return e.store.Update(ctx, func(tx store.Tx) error {
			var err error
			pool, err = getPool(ctx, tx, addr)
			if err != nil {
				return err
			}
			if err := authorizeDeclarer(pool, caller); err != nil {
				return err
			}
			if !pool.Status.CanTransition(model.PoolDeclared) {
				return fmt.Errorf("%w: %s won", ErrWinnerAlreadyDeclared, pool.WinningSide)
			}
			pool.Status = model.PoolDeclared
			pool.WinningSide = side
			return tx.PutPool(ctx, pool)
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.WinnersDeclared.WithLabelValues(side.String()).Inc()
	metrics.OpenPools.Dec()
	slog.Info("winner declared",
		"pool", addr,
		"side", side.String(),
		"declared_by", caller.String(),
		"winning_total", pool.SideTotal(side),
	)
	if pool.SideTotal(side) == 0 {
		slog.Warn("declared side holds no stake; funds stay in custody", "pool", addr, "side", side.String())
	}

	ev := events.New(events.WinnerDeclared, addr, e.now())
	ev.Actor = caller.String()
	ev.Side = side
	events.Emit(ctx, e.publisher, ev)

	return pool, nil
}

func authorizeDeclarer(pool *model.Pool, caller address.Address) error {
	admin, err := address.Parse(pool.Admin)
	if err != nil {
		return fmt.Errorf("%w: stored admin: %v", ErrInvariantViolation, err)
	}
	moderator := address.Zero
	if pool.Moderator != "" {
		if moderator, err = address.Parse(pool.Moderator); err != nil {
			return fmt.Errorf("%w: stored moderator: %v", ErrInvariantViolation, err)
		}
	}
	if err := identity.Authorize(caller, admin, moderator); err != nil {
		return fmt.Errorf("%w: %s", ErrUnauthorizedAdmin, caller)
	}
	return nil
}

// --- Queries ---

// GetPool returns a pool by address.
func (e *Engine) GetPool(ctx context.Context, addr address.Address) (*model.Pool, error) {
	var pool *model.Pool
	err := e.store.View(ctx, func(tx store.ReadTx) error {
		var err error
		pool, err = getPool(ctx, tx, addr.String())
		return err
	})
	return pool, err
}

// GetBet returns a bet by address.
func (e *Engine) GetBet(ctx context.Context, addr address.Address) (*model.Bet, error) {
	var bet *model.Bet
	err := e.store.View(ctx, func(tx store.ReadTx) error {
		var err error
		bet, err = getBet(ctx, tx, addr.String())
		return err
	})
	return bet, err
}

// ListBets returns a pool's bets in placement order.
func (e *Engine) ListBets(ctx context.Context, poolAddr address.Address) ([]model.Bet, error) {
	var bets []model.Bet
	err := e.store.View(ctx, func(tx store.ReadTx) error {
		if _, err := getPool(ctx, tx, poolAddr.String()); err != nil {
			return err
		}
		var err error
		bets, err = tx.ListBets(ctx, poolAddr.String())
		return err
	})
	return bets, err
}

// ListPools returns every pool, newest first.
func (e *Engine) ListPools(ctx context.Context) ([]model.Pool, error) {
	var pools []model.Pool
	err := e.store.View(ctx, func(tx store.ReadTx) error {
		var err error
		pools, err = tx.ListPools(ctx)
		return err
	})
	return pools, err
}

// Balance returns the funds held by an identity or a pool's custody.
func (e *Engine) Balance(ctx context.Context, owner address.Address) (uint64, error) {
	var bal uint64
	err := e.store.View(ctx, func(tx store.ReadTx) error {
		var err error
		bal, err = tx.Balance(ctx, owner.String())
		return err
	})
	return bal, err
}

// Deposit credits an identity's balance from outside the ledger and returns
// the new balance. Pool custody accounts cannot be credited.
func (e *Engine) Deposit(ctx context.Context, owner address.Address, amount uint64) (uint64, error) {
	if owner.IsZero() {
		return 0, fmt.Errorf("%w: owner", ErrInvalidIdentity)
	}
	if amount == 0 {
		return 0, ErrInvalidAmount
	}
	var bal uint64
	err := e.store.Update(ctx, func(tx store.Tx) error {
		_, err := tx.GetPool(ctx, owner.String())
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s is a pool custody account", ErrInvalidIdentity, owner)
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		if err := tx.Credit(ctx, owner.String(), amount); err != nil {
			if errors.Is(err, store.ErrBalanceOverflow) {
				return fmt.Errorf("%w: %v", ErrArithmeticOverflow, err)
			}
			return err
		}
		bal, err = tx.Balance(ctx, owner.String())
		return err
	})
	if err != nil {
		return 0, err
	}
	slog.Info("deposit credited", "owner", owner.String(), "amount", amount, "balance", bal)
	return bal, nil
}

// --- helpers ---

// withLock runs fn while holding key, waiting at most lockTimeout for it.
func (e *Engine) withLock(ctx context.Context, key string, fn func() error) error {
	lctx, cancel := context.WithTimeout(ctx, e.lockTimeout)
	unlock, err := e.locker.Lock(lctx, key)
	cancel()
	if err != nil {
		if errors.Is(err, lock.ErrTimeout) {
			return fmt.Errorf("%w: %s", ErrLockTimeout, key)
		}
		return fmt.Errorf("acquire %s: %w", key, err)
	}
	defer unlock()
	return fn()
}

func getPool(ctx context.Context, tx store.ReadTx, addr string) (*model.Pool, error) {
	pool, err := tx.GetPool(ctx, addr)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, addr)
	}
	return pool, err
}

func getBet(ctx context.Context, tx store.ReadTx, addr string) (*model.Bet, error) {
	bet, err := tx.GetBet(ctx, addr)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrBetNotFound, addr)
	}
	return bet, err
}

// transfer moves funds, mapping store failures onto engine errors. Zero
// amounts are skipped.
func transfer(ctx context.Context, tx store.Tx, from, to string, amount uint64) error {
	if amount == 0 {
		return nil
	}
	err := tx.Transfer(ctx, from, to, amount)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrInsufficientFunds):
		return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	case errors.Is(err, store.ErrBalanceOverflow):
		return fmt.Errorf("%w: %v", ErrArithmeticOverflow, err)
	}
	return err
}
