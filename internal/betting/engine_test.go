package betting

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atmx/pool-engine/internal/address"
	"github.com/atmx/pool-engine/internal/archive"
	"github.com/atmx/pool-engine/internal/events"
	"github.com/atmx/pool-engine/internal/lock"
	"github.com/atmx/pool-engine/internal/model"
	"github.com/atmx/pool-engine/internal/store"
)

const coin = model.UnitsPerCoin

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu  sync.Mutex
	got []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	r.got = append(r.got, e)
	r.mu.Unlock()
	return nil
}

func (r *recordingPublisher) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, len(r.got))
	for i, e := range r.got {
		out[i] = e.Type
	}
	return out
}

type recordingArchiver struct {
	mu      sync.Mutex
	reports []archive.Report
	err     error
}

func (a *recordingArchiver) Archive(_ context.Context, r archive.Report) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reports = append(a.reports, r)
	return a.err
}

func id(b byte) address.Address {
	var a address.Address
	a[0], a[31] = b, b
	return a
}

var (
	admin    = id(1)
	mod      = id(2)
	u1       = id(11)
	u2       = id(12)
	u3       = id(13)
	stranger = id(99)
	treasury = id(200)
)

type fixture struct {
	t        *testing.T
	ctx      context.Context
	engine   *Engine
	store    *store.MemoryStore
	clock    *testClock
	events   *recordingPublisher
	archiver *recordingArchiver
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		store:    store.NewMemoryStore(),
		clock:    &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		events:   &recordingPublisher{},
		archiver: &recordingArchiver{},
	}
	deriver := address.NewDeriver(address.MustParse("DRNEUsSx9gNre6f6mLFhrHDVRDfD4eMGu68dussziUgi"))
	base := []Option{
		WithClock(f.clock.Now),
		WithPublisher(f.events),
		WithArchiver(f.archiver),
	}
	f.engine = New(f.store, deriver, treasury, append(base, opts...)...)
	return f
}

func (f *fixture) fund(who address.Address, amount uint64) {
	f.t.Helper()
	_, err := f.engine.Deposit(f.ctx, who, amount)
	require.NoError(f.t, err)
}

func (f *fixture) initialize(streamID string) address.Address {
	f.t.Helper()
	pool, err := f.engine.Initialize(f.ctx, InitializeParams{
		StreamID:  streamID,
		Deadline:  f.clock.Now().Add(time.Hour),
		Admin:     admin,
		Moderator: mod,
	})
	require.NoError(f.t, err)
	return address.MustParse(pool.Address)
}

func (f *fixture) bet(pool address.Address, bettor address.Address, side model.Side, amount uint64) address.Address {
	f.t.Helper()
	p, err := f.engine.GetPool(f.ctx, pool)
	require.NoError(f.t, err)
	b, _, err := f.engine.PlaceBet(f.ctx, PlaceBetParams{
		Pool:   pool,
		Side:   side,
		Amount: amount,
		Bettor: bettor,
		Index:  p.BetCount(),
	})
	require.NoError(f.t, err)
	return address.MustParse(b.Address)
}

func (f *fixture) balance(who address.Address) uint64 {
	f.t.Helper()
	bal, err := f.engine.Balance(f.ctx, who)
	require.NoError(f.t, err)
	return bal
}

func (f *fixture) payout(pool, bet address.Address) (*model.Payout, error) {
	return f.engine.Payout(f.ctx, PayoutParams{Pool: pool, Bet: bet, Caller: stranger, Treasury: treasury})
}

// scenarioA places U1 1.0 on A, U2 2.0 on B and U3 0.5 on A.
func scenarioA(f *fixture) (pool, b1, b2, b3 address.Address) {
	f.fund(u1, 10*coin)
	f.fund(u2, 10*coin)
	f.fund(u3, 10*coin)
	pool = f.initialize("s1")
	b1 = f.bet(pool, u1, model.SideA, coin)
	b2 = f.bet(pool, u2, model.SideB, 2*coin)
	b3 = f.bet(pool, u3, model.SideA, coin/2)
	return pool, b1, b2, b3
}

func TestInitialize(t *testing.T) {
	f := newFixture(t)
	poolAddr := f.initialize("match-42")

	want, bump, err := f.engine.Deriver().Pool("match-42")
	require.NoError(t, err)
	require.Equal(t, want, poolAddr)

	pool, err := f.engine.GetPool(f.ctx, poolAddr)
	require.NoError(t, err)
	require.Equal(t, model.PoolOpen, pool.Status)
	require.Equal(t, admin.String(), pool.Admin)
	require.Equal(t, mod.String(), pool.Moderator)
	require.Equal(t, bump, pool.Bump)
	require.Equal(t, uint16(250), pool.CreatorFeeBps)
	require.Equal(t, uint16(250), pool.PlatformFeeBps)
	require.Zero(t, pool.TotalPool)
	require.Zero(t, pool.BetCount())
	require.Zero(t, f.balance(poolAddr))
	require.Equal(t, []events.Type{events.PoolCreated}, f.events.types())
}

func TestInitialize_Validation(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now()

	tests := []struct {
		name   string
		params InitializeParams
		want   error
	}{
		{"empty stream", InitializeParams{Deadline: now.Add(time.Hour), Admin: admin}, ErrInvalidStreamID},
		{"long stream", InitializeParams{StreamID: string(make([]byte, 33)), Deadline: now.Add(time.Hour), Admin: admin}, ErrStreamIDTooLong},
		{"deadline now", InitializeParams{StreamID: "s", Deadline: now, Admin: admin}, ErrInvalidDeadline},
		{"deadline past", InitializeParams{StreamID: "s", Deadline: now.Add(-time.Second), Admin: admin}, ErrInvalidDeadline},
		{"no admin", InitializeParams{StreamID: "s", Deadline: now.Add(time.Hour)}, ErrInvalidIdentity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Initialize(f.ctx, tt.params)
			require.ErrorIs(t, err, tt.want)
		})
	}

	// A 32-byte stream id is the longest accepted.
	_, err := f.engine.Initialize(f.ctx, InitializeParams{
		StreamID: "0123456789abcdef0123456789abcdef",
		Deadline: now.Add(time.Hour),
		Admin:    admin,
	})
	require.NoError(t, err)
}

func TestInitialize_Twice(t *testing.T) {
	f := newFixture(t)
	f.initialize("s1")
	_, err := f.engine.Initialize(f.ctx, InitializeParams{
		StreamID: "s1",
		Deadline: f.clock.Now().Add(2 * time.Hour),
		Admin:    u1,
	})
	require.ErrorIs(t, err, ErrPoolAlreadyExists)
	require.Equal(t, KindResource, KindOf(err))
}

func TestScenarioA_Aggregates(t *testing.T) {
	f := newFixture(t)
	pool, _, _, _ := scenarioA(f)

	p, err := f.engine.GetPool(f.ctx, pool)
	require.NoError(t, err)
	require.Equal(t, 3*coin+coin/2, p.TotalPool)
	require.Equal(t, coin+coin/2, p.SideATotal)
	require.Equal(t, uint32(2), p.SideACount)
	require.Equal(t, 2*coin, p.SideBTotal)
	require.Equal(t, uint32(1), p.SideBCount)

	require.Equal(t, p.TotalPool, f.balance(pool))
	require.Equal(t, 9*coin, f.balance(u1))

	bets, err := f.engine.ListBets(f.ctx, pool)
	require.NoError(t, err)
	require.Len(t, bets, 3)
	for i, b := range bets {
		require.Equal(t, uint32(i), b.Index)
		require.Equal(t, model.BetUnpaid, b.Status)
	}
}

func TestPlaceBet_DerivesBetAddress(t *testing.T) {
	f := newFixture(t)
	f.fund(u1, coin)
	pool := f.initialize("s1")
	bet := f.bet(pool, u1, model.SideA, coin)

	want, _, err := f.engine.Deriver().Bet(pool, u1, 0)
	require.NoError(t, err)
	require.Equal(t, want, bet)

	b, err := f.engine.GetBet(f.ctx, bet)
	require.NoError(t, err)
	require.Equal(t, pool.String(), b.Pool)
	require.Equal(t, u1.String(), b.Bettor)
	require.Equal(t, f.clock.Now(), b.PlacedAt)
}

func TestScenarioD_InvalidPrediction(t *testing.T) {
	f := newFixture(t)
	f.fund(u1, coin)
	pool := f.initialize("s1")

	_, _, err := f.engine.PlaceBet(f.ctx, PlaceBetParams{Pool: pool, Side: model.Side(3), Amount: coin, Bettor: u1})
	require.ErrorIs(t, err, ErrInvalidPrediction)

	p, err := f.engine.GetPool(f.ctx, pool)
	require.NoError(t, err)
	require.Zero(t, p.TotalPool)
	require.Zero(t, p.BetCount())
	require.Equal(t, coin, f.balance(u1))
}

func TestPlaceBet_Rejections(t *testing.T) {
	f := newFixture(t)
	f.fund(u1, coin)
	pool := f.initialize("s1")

	tests := []struct {
		name   string
		params PlaceBetParams
		want   error
	}{
		{"zero amount", PlaceBetParams{Pool: pool, Side: model.SideA, Bettor: u1}, ErrInsufficientFunds},
		{"unknown pool", PlaceBetParams{Pool: id(77), Side: model.SideA, Amount: 1, Bettor: u1}, ErrPoolNotFound},
		{"sequence ahead", PlaceBetParams{Pool: pool, Side: model.SideA, Amount: 1, Bettor: u1, Index: 1}, ErrSequenceMismatch},
		{"no funds", PlaceBetParams{Pool: pool, Side: model.SideB, Amount: 1, Bettor: u2}, ErrInsufficientFunds},
		{"more than balance", PlaceBetParams{Pool: pool, Side: model.SideB, Amount: coin + 1, Bettor: u1}, ErrInsufficientFunds},
		{"no bettor", PlaceBetParams{Pool: pool, Side: model.SideB, Amount: 1}, ErrInvalidIdentity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.engine.PlaceBet(f.ctx, tt.params)
			require.ErrorIs(t, err, tt.want)
		})
	}

	p, err := f.engine.GetPool(f.ctx, pool)
	require.NoError(t, err)
	require.Zero(t, p.TotalPool)
	require.Zero(t, p.BetCount())
	require.Zero(t, f.balance(pool))
	require.Equal(t, coin, f.balance(u1))
}

func TestPlaceBet_StaleSequenceIndex(t *testing.T) {
	f := newFixture(t)
	f.fund(u1, coin)
	f.fund(u2, coin)
	pool := f.initialize("s1")
	f.bet(pool, u1, model.SideA, 10)

	_, _, err := f.engine.PlaceBet(f.ctx, PlaceBetParams{Pool: pool, Side: model.SideB, Amount: 10, Bettor: u2, Index: 0})
	require.ErrorIs(t, err, ErrSequenceMismatch)
	require.Equal(t, KindValidation, KindOf(err))
}

func TestPlaceBet_AfterDeadline(t *testing.T) {
	f := newFixture(t)
	f.fund(u1, coin)
	pool := f.initialize("s1")

	f.clock.Advance(time.Hour)
	_, _, err := f.engine.PlaceBet(f.ctx, PlaceBetParams{Pool: pool, Side: model.SideA, Amount: 1, Bettor: u1})
	require.ErrorIs(t, err, ErrBettingClosed)
	require.Equal(t, coin, f.balance(u1))
}

func TestPlaceBet_AfterDeclaration(t *testing.T) {
	f := newFixture(t)
	pool, _, _, _ := scenarioA(f)
	_, err := f.engine.DeclareWinner(f.ctx, pool, model.SideA, admin)
	require.NoError(t, err)

	before, err := f.engine.GetPool(f.ctx, pool)
	require.NoError(t, err)

	_, _, err = f.engine.PlaceBet(f.ctx, PlaceBetParams{Pool: pool, Side: model.SideA, Amount: 1, Bettor: u1, Index: 3})
	require.ErrorIs(t, err, ErrBettingClosed)

	after, err := f.engine.GetPool(f.ctx, pool)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestPlaceBet_Overflow(t *testing.T) {
	f := newFixture(t)
	f.fund(u1, math.MaxUint64)
	f.fund(u2, 1)
	pool := f.initialize("s1")
	f.bet(pool, u1, model.SideA, math.MaxUint64)

	_, _, err := f.engine.PlaceBet(f.ctx, PlaceBetParams{Pool: pool, Side: model.SideB, Amount: 1, Bettor: u2, Index: 1})
	require.ErrorIs(t, err, ErrArithmeticOverflow)
	require.Equal(t, KindArithmetic, KindOf(err))
	require.Equal(t, uint64(1), f.balance(u2))

	p, err := f.engine.GetPool(f.ctx, pool)
	require.NoError(t, err)
	require.Equal(t, uint32(1), p.BetCount())
}

func TestScenarioB_DeclareWinner(t *testing.T) {
	f := newFixture(t)
	pool, _, _, _ := scenarioA(f)

	p, err := f.engine.DeclareWinner(f.ctx, pool, model.SideA, admin)
	require.NoError(t, err)
	require.True(t, p.WinnerDeclared())
	require.Equal(t, model.SideA, p.WinningSide)

	_, err = f.engine.DeclareWinner(f.ctx, pool, model.SideB, admin)
	require.ErrorIs(t, err, ErrWinnerAlreadyDeclared)
	_, err = f.engine.DeclareWinner(f.ctx, pool, model.SideA, mod)
	require.ErrorIs(t, err, ErrWinnerAlreadyDeclared)

	p, err = f.engine.GetPool(f.ctx, pool)
	require.NoError(t, err)
	require.Equal(t, model.SideA, p.WinningSide)
}

func TestDeclareWinner_Authorization(t *testing.T) {
	f := newFixture(t)
	pool := f.initialize("s1")

	_, err := f.engine.DeclareWinner(f.ctx, pool, model.SideA, stranger)
	require.ErrorIs(t, err, ErrUnauthorizedAdmin)
	require.Equal(t, KindAuthorization, KindOf(err))

	_, err = f.engine.DeclareWinner(f.ctx, pool, model.SideA, address.Zero)
	require.ErrorIs(t, err, ErrUnauthorizedAdmin)

	_, err = f.engine.DeclareWinner(f.ctx, pool, model.SideB, mod)
	require.NoError(t, err)
}

func TestDeclareWinner_NoModerator(t *testing.T) {
	f := newFixture(t)
	created, err := f.engine.Initialize(f.ctx, InitializeParams{
		StreamID: "solo",
		Deadline: f.clock.Now().Add(time.Hour),
		Admin:    admin,
	})
	require.NoError(t, err)
	require.Empty(t, created.Moderator)
	pool := address.MustParse(created.Address)

	_, err = f.engine.DeclareWinner(f.ctx, pool, model.SideA, mod)
	require.ErrorIs(t, err, ErrUnauthorizedAdmin)
	_, err = f.engine.DeclareWinner(f.ctx, pool, model.SideA, admin)
	require.NoError(t, err)
}

func TestDeclareWinner_Rejections(t *testing.T) {
	f := newFixture(t)
	pool := f.initialize("s1")

	_, err := f.engine.DeclareWinner(f.ctx, pool, model.SideUnset, admin)
	require.ErrorIs(t, err, ErrInvalidPrediction)
	_, err = f.engine.DeclareWinner(f.ctx, pool, model.Side(7), admin)
	require.ErrorIs(t, err, ErrInvalidPrediction)
	_, err = f.engine.DeclareWinner(f.ctx, id(77), model.SideA, admin)
	require.ErrorIs(t, err, ErrPoolNotFound)

	p, err := f.engine.GetPool(f.ctx, pool)
	require.NoError(t, err)
	require.Equal(t, model.PoolOpen, p.Status)
}

func TestScenarioC_Payouts(t *testing.T) {
	f := newFixture(t)
	pool, b1, b2, b3 := scenarioA(f)
	_, err := f.engine.DeclareWinner(f.ctx, pool, model.SideA, admin)
	require.NoError(t, err)

	q, err := f.engine.Quote(f.ctx, pool, b1)
	require.NoError(t, err)
	require.Equal(t, uint64(2_266_666_666), q.PayoutAmount)

	p1, err := f.payout(pool, b1)
	require.NoError(t, err)
	require.Equal(t, *q, *p1)
	require.Equal(t, uint64(1_266_666_666), p1.Share)
	require.Equal(t, uint64(50_000_000), p1.CreatorFee)
	require.Equal(t, uint64(50_000_000), p1.PlatformFee)
	require.Equal(t, uint64(33_333_333), p1.CreatorFeePaid)
	require.Equal(t, uint64(33_333_333), p1.PlatformFeePaid)

	p3, err := f.payout(pool, b3)
	require.NoError(t, err)
	require.Equal(t, uint64(1_133_333_333), p3.PayoutAmount)
	require.Equal(t, uint64(16_666_666), p3.CreatorFeePaid)

	_, err = f.payout(pool, b2)
	require.ErrorIs(t, err, ErrBetNotWinner)

	require.Equal(t, 9*coin+2_266_666_666, f.balance(u1))
	require.Equal(t, 8*coin, f.balance(u2))
	require.Equal(t, 9*coin+coin/2+1_133_333_333, f.balance(u3))
	require.Equal(t, uint64(49_999_999), f.balance(admin))
	require.Equal(t, uint64(49_999_999), f.balance(treasury))
	require.Equal(t, uint64(3), f.balance(pool))

	b, err := f.engine.GetBet(f.ctx, b1)
	require.NoError(t, err)
	require.Equal(t, model.BetPaid, b.Status)
}

func TestPayout_Twice(t *testing.T) {
	f := newFixture(t)
	pool, b1, _, _ := scenarioA(f)
	_, err := f.engine.DeclareWinner(f.ctx, pool, model.SideA, admin)
	require.NoError(t, err)

	_, err = f.payout(pool, b1)
	require.NoError(t, err)
	custody, winner := f.balance(pool), f.balance(u1)

	_, err = f.payout(pool, b1)
	require.ErrorIs(t, err, ErrBetAlreadyPaidOut)
	require.Equal(t, custody, f.balance(pool))
	require.Equal(t, winner, f.balance(u1))
}

func TestPayout_Preconditions(t *testing.T) {
	f := newFixture(t)
	pool, b1, _, _ := scenarioA(f)

	_, err := f.payout(pool, b1)
	require.ErrorIs(t, err, ErrBetNotWinner, "undeclared pool")
	_, err = f.engine.Quote(f.ctx, pool, b1)
	require.ErrorIs(t, err, ErrWinnerNotDeclared)

	_, err = f.engine.DeclareWinner(f.ctx, pool, model.SideA, admin)
	require.NoError(t, err)

	_, err = f.payout(id(77), b1)
	require.ErrorIs(t, err, ErrPoolNotFound)
	_, err = f.payout(pool, id(78))
	require.ErrorIs(t, err, ErrBetNotFound)

	_, err = f.engine.Payout(f.ctx, PayoutParams{Pool: pool, Bet: b1, Caller: u1, Treasury: stranger})
	require.ErrorIs(t, err, ErrInvalidTreasury)

	other := f.initialize("s2")
	_, err = f.payout(other, b1)
	require.ErrorIs(t, err, ErrInvalidBettingPool)

	require.Equal(t, 3*coin+coin/2, f.balance(pool))
}

func TestPayout_ZeroStakeWinningSide(t *testing.T) {
	f := newFixture(t)
	f.fund(u1, coin)
	pool := f.initialize("s1")
	b1 := f.bet(pool, u1, model.SideA, coin)

	_, err := f.engine.DeclareWinner(f.ctx, pool, model.SideB, admin)
	require.NoError(t, err)

	_, err = f.payout(pool, b1)
	require.ErrorIs(t, err, ErrBetNotWinner)

	s, err := f.engine.Reconcile(f.ctx, pool)
	require.NoError(t, err)
	require.Zero(t, s.WinningBets)
	require.True(t, s.PayoutComplete)
	require.Equal(t, coin, s.Custody)
}

func TestPayout_OneSidedPool(t *testing.T) {
	f := newFixture(t)
	f.fund(u1, coin)
	f.fund(u3, coin)
	pool := f.initialize("s1")
	b1 := f.bet(pool, u1, model.SideA, 300)
	b3 := f.bet(pool, u3, model.SideA, 700)
	_, err := f.engine.DeclareWinner(f.ctx, pool, model.SideA, admin)
	require.NoError(t, err)

	p1, err := f.payout(pool, b1)
	require.NoError(t, err)
	require.Equal(t, uint64(300), p1.PayoutAmount)
	require.Zero(t, p1.CreatorFeePaid)
	p3, err := f.payout(pool, b3)
	require.NoError(t, err)
	require.Equal(t, uint64(700), p3.PayoutAmount)

	require.Zero(t, f.balance(pool))
	require.Zero(t, f.balance(admin))
}

func TestReconcile(t *testing.T) {
	f := newFixture(t)
	pool, b1, _, b3 := scenarioA(f)

	s, err := f.engine.Reconcile(f.ctx, pool)
	require.NoError(t, err)
	require.False(t, s.PayoutComplete)
	require.Zero(t, s.WinningBets)

	_, err = f.engine.DeclareWinner(f.ctx, pool, model.SideA, admin)
	require.NoError(t, err)
	_, err = f.payout(pool, b1)
	require.NoError(t, err)

	s, err = f.engine.Reconcile(f.ctx, pool)
	require.NoError(t, err)
	require.Equal(t, 2, s.WinningBets)
	require.Equal(t, 1, s.PaidBets)
	require.Equal(t, 1, s.Outstanding)
	require.False(t, s.PayoutComplete)
	require.Empty(t, f.archiver.reports)

	_, err = f.payout(pool, b3)
	require.NoError(t, err)

	s, err = f.engine.Reconcile(f.ctx, pool)
	require.NoError(t, err)
	require.True(t, s.PayoutComplete)
	require.Zero(t, s.Outstanding)
	require.Equal(t, uint64(2_266_666_666+1_133_333_333), s.PaidToWinners)
	require.Equal(t, uint64(49_999_999), s.CreatorFeesPaid)
	require.Equal(t, uint64(49_999_999), s.PlatformFeePaid)
	require.Equal(t, uint64(3), s.Custody)
	require.Equal(t, s.TotalPool, s.PaidToWinners+s.CreatorFeesPaid+s.PlatformFeePaid+s.Custody)

	p, err := f.engine.GetPool(f.ctx, pool)
	require.NoError(t, err)
	require.True(t, p.PayoutComplete)

	require.Len(t, f.archiver.reports, 1)
	report := f.archiver.reports[0]
	require.Equal(t, *s, report.Settlement)
	require.Len(t, report.Bets, 3)
	require.True(t, report.Pool.PayoutComplete)

	// Reconciling again archives again but announces settlement once.
	_, err = f.engine.Reconcile(f.ctx, pool)
	require.NoError(t, err)
	require.Len(t, f.archiver.reports, 2)
	settled := 0
	for _, typ := range f.events.types() {
		if typ == events.PoolSettled {
			settled++
		}
	}
	require.Equal(t, 1, settled)
}

func TestReconcile_ArchiveFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.archiver.err = errors.New("bucket unavailable")
	f.fund(u1, coin)
	pool := f.initialize("s1")
	bet := f.bet(pool, u1, model.SideA, coin)
	_, err := f.engine.DeclareWinner(f.ctx, pool, model.SideA, admin)
	require.NoError(t, err)
	_, err = f.payout(pool, bet)
	require.NoError(t, err)

	s, err := f.engine.Reconcile(f.ctx, pool)
	require.NoError(t, err)
	require.True(t, s.PayoutComplete)
}

func TestReconcile_DetectsCorruptAggregates(t *testing.T) {
	f := newFixture(t)
	pool, _, _, _ := scenarioA(f)

	require.NoError(t, f.store.Update(f.ctx, func(tx store.Tx) error {
		p, err := tx.GetPool(f.ctx, pool.String())
		if err != nil {
			return err
		}
		p.SideACount++
		return tx.PutPool(f.ctx, p)
	}))

	_, err := f.engine.Reconcile(f.ctx, pool)
	require.ErrorIs(t, err, ErrInvariantViolation)
	require.Equal(t, KindInternal, KindOf(err))
}

func TestEvents_Sequence(t *testing.T) {
	f := newFixture(t)
	f.fund(u1, coin)
	pool := f.initialize("s1")
	bet := f.bet(pool, u1, model.SideA, coin)
	_, err := f.engine.DeclareWinner(f.ctx, pool, model.SideA, admin)
	require.NoError(t, err)
	_, err = f.payout(pool, bet)
	require.NoError(t, err)
	_, err = f.engine.Reconcile(f.ctx, pool)
	require.NoError(t, err)

	require.Equal(t, []events.Type{
		events.PoolCreated,
		events.BetPlaced,
		events.WinnerDeclared,
		events.WinnerPaidOut,
		events.PoolSettled,
	}, f.events.types())
}

func TestFailedOperationsEmitNothing(t *testing.T) {
	f := newFixture(t)
	pool := f.initialize("s1")
	_, _, _ = f.engine.PlaceBet(f.ctx, PlaceBetParams{Pool: pool, Side: model.SideA, Amount: 1, Bettor: u1})
	_, _ = f.engine.DeclareWinner(f.ctx, pool, model.SideA, stranger)
	require.Equal(t, []events.Type{events.PoolCreated}, f.events.types())
}

func TestDeposit(t *testing.T) {
	f := newFixture(t)

	bal, err := f.engine.Deposit(f.ctx, u1, 5)
	require.NoError(t, err)
	require.Equal(t, uint64(5), bal)

	_, err = f.engine.Deposit(f.ctx, u1, 0)
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = f.engine.Deposit(f.ctx, address.Zero, 1)
	require.ErrorIs(t, err, ErrInvalidIdentity)
	_, err = f.engine.Deposit(f.ctx, u1, math.MaxUint64)
	require.ErrorIs(t, err, ErrArithmeticOverflow)
	require.Equal(t, uint64(5), f.balance(u1))
}

func TestDeposit_RefusesPoolCustody(t *testing.T) {
	f := newFixture(t)
	pool := f.initialize("s1")

	_, err := f.engine.Deposit(f.ctx, pool, coin)
	require.ErrorIs(t, err, ErrInvalidIdentity)
	require.Zero(t, f.balance(pool))
}

func TestListPools(t *testing.T) {
	f := newFixture(t)
	first := f.initialize("first")
	f.clock.Advance(time.Minute)
	second := f.initialize("second")

	pools, err := f.engine.ListPools(f.ctx)
	require.NoError(t, err)
	require.Len(t, pools, 2)
	require.Equal(t, second.String(), pools[0].Address)
	require.Equal(t, first.String(), pools[1].Address)

	_, err = f.engine.ListBets(f.ctx, id(77))
	require.ErrorIs(t, err, ErrPoolNotFound)
}

func TestLockTimeout(t *testing.T) {
	locker := lock.NewLocalLocker()
	f := newFixture(t, WithLocker(locker), WithLockTimeout(20*time.Millisecond))
	f.fund(u1, coin)
	pool := f.initialize("s1")

	unlock, err := locker.Lock(f.ctx, lock.PoolKey(pool.String()))
	require.NoError(t, err)
	defer unlock()

	_, _, err = f.engine.PlaceBet(f.ctx, PlaceBetParams{Pool: pool, Side: model.SideA, Amount: 1, Bettor: u1})
	require.ErrorIs(t, err, ErrLockTimeout)
	require.Equal(t, KindResource, KindOf(err))
}

func TestConcurrentPlaceBet(t *testing.T) {
	f := newFixture(t)
	pool := f.initialize("s1")

	const n = 40
	bettors := make([]address.Address, n)
	for i := range bettors {
		bettors[i] = id(byte(100 + i))
		f.fund(bettors[i], coin)
	}

	var wg sync.WaitGroup
	for i, who := range bettors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			side := model.SideA
			if i%2 == 1 {
				side = model.SideB
			}
			for {
				p, err := f.engine.GetPool(f.ctx, pool)
				if err != nil {
					t.Errorf("get pool: %v", err)
					return
				}
				_, _, err = f.engine.PlaceBet(f.ctx, PlaceBetParams{
					Pool: pool, Side: side, Amount: uint64(i + 1), Bettor: who, Index: p.BetCount(),
				})
				if errors.Is(err, ErrSequenceMismatch) {
					continue
				}
				if err != nil {
					t.Errorf("place bet %d: %v", i, err)
				}
				return
			}
		}()
	}
	wg.Wait()

	p, err := f.engine.GetPool(f.ctx, pool)
	require.NoError(t, err)
	require.Equal(t, uint32(n), p.BetCount())
	require.Equal(t, uint32(n/2), p.SideACount)
	require.Equal(t, uint64(n*(n+1)/2), p.TotalPool)
	require.Equal(t, p.TotalPool, f.balance(pool))

	_, err = f.engine.Reconcile(f.ctx, pool)
	require.NoError(t, err)
}

func TestConcurrentPlaceBetAndDeclare(t *testing.T) {
	f := newFixture(t)
	pool := f.initialize("s1")

	const n = 30
	bettors := make([]address.Address, n)
	for i := range bettors {
		bettors[i] = id(byte(100 + i))
		f.fund(bettors[i], coin)
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		placed = make(map[address.Address]bool)
	)
	start := make(chan struct{})
	for i, who := range bettors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for {
				p, err := f.engine.GetPool(f.ctx, pool)
				if err != nil {
					t.Errorf("get pool: %v", err)
					return
				}
				_, _, err = f.engine.PlaceBet(f.ctx, PlaceBetParams{
					Pool: pool, Side: model.Side(1 + i%2), Amount: uint64(i + 1), Bettor: who, Index: p.BetCount(),
				})
				switch {
				case errors.Is(err, ErrSequenceMismatch):
					continue
				case errors.Is(err, ErrBettingClosed):
				case err != nil:
					t.Errorf("place bet %d: %v", i, err)
				default:
					mu.Lock()
					placed[who] = true
					mu.Unlock()
				}
				return
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		if _, err := f.engine.DeclareWinner(f.ctx, pool, model.SideA, admin); err != nil {
			t.Errorf("declare: %v", err)
		}
	}()
	close(start)
	wg.Wait()

	p, err := f.engine.GetPool(f.ctx, pool)
	require.NoError(t, err)
	require.True(t, p.WinnerDeclared())
	require.Equal(t, model.SideA, p.WinningSide)
	require.Equal(t, uint32(len(placed)), p.BetCount())
	require.Equal(t, p.TotalPool, f.balance(pool))

	bets, err := f.engine.ListBets(f.ctx, pool)
	require.NoError(t, err)
	require.Len(t, bets, len(placed))
	for _, b := range bets {
		require.True(t, placed[address.MustParse(b.Bettor)], "bet from %s was not reported as placed", b.Bettor)
	}
	for i, who := range bettors {
		want := coin
		if placed[who] {
			want -= uint64(i + 1)
		}
		require.Equal(t, want, f.balance(who), "bettor %d", i)
	}

	_, err = f.engine.Reconcile(f.ctx, pool)
	require.NoError(t, err)

	_, err = f.engine.DeclareWinner(f.ctx, pool, model.SideB, admin)
	require.ErrorIs(t, err, ErrWinnerAlreadyDeclared)
}

func TestConcurrentPayouts(t *testing.T) {
	f := newFixture(t)
	f.fund(u2, 1000*coin)
	pool := f.initialize("s1")

	const winners = 16
	bets := make([]address.Address, winners)
	for i := range bets {
		who := id(byte(100 + i))
		f.fund(who, coin)
		bets[i] = f.bet(pool, who, model.SideA, coin/uint64(i+1))
	}
	f.bet(pool, u2, model.SideB, 777*coin)
	_, err := f.engine.DeclareWinner(f.ctx, pool, model.SideA, admin)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, bet := range bets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.payout(pool, bet); err != nil {
				t.Errorf("payout %s: %v", bet, err)
			}
		}()
	}
	wg.Wait()

	s, err := f.engine.Reconcile(f.ctx, pool)
	require.NoError(t, err)
	require.True(t, s.PayoutComplete)
	require.Equal(t, winners, s.PaidBets)
	require.Equal(t, s.TotalPool, s.PaidToWinners+s.CreatorFeesPaid+s.PlatformFeePaid+s.Custody)
	// Each winner loses less than one unit to each floor.
	require.Less(t, s.Custody, uint64(3*winners))
}

func TestConcurrentDoublePayout(t *testing.T) {
	f := newFixture(t)
	pool, b1, _, _ := scenarioA(f)
	_, err := f.engine.DeclareWinner(f.ctx, pool, model.SideA, admin)
	require.NoError(t, err)

	const attempts = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.payout(pool, b1)
			switch {
			case err == nil:
				mu.Lock()
				succeeded++
				mu.Unlock()
			case !errors.Is(err, ErrBetAlreadyPaidOut):
				t.Errorf("unexpected payout error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, succeeded)
	require.Equal(t, 9*coin+2_266_666_666, f.balance(u1))
}

func TestConservation(t *testing.T) {
	for trial := 0; trial < 20; trial++ {
		t.Run(fmt.Sprintf("trial-%d", trial), func(t *testing.T) {
			f := newFixture(t)
			pool := f.initialize("conservation")

			var winners []address.Address
			for i := 0; i < 12; i++ {
				who := id(byte(100 + i))
				amount := uint64((trial+1)*7919*(i+3)) % (5 * coin)
				if amount == 0 {
					amount = 1
				}
				f.fund(who, amount)
				side := model.SideA
				if (i+trial)%3 == 0 {
					side = model.SideB
				}
				bet := f.bet(pool, who, side, amount)
				if side == model.SideA {
					winners = append(winners, bet)
				}
			}
			_, err := f.engine.DeclareWinner(f.ctx, pool, model.SideA, admin)
			require.NoError(t, err)
			for _, bet := range winners {
				_, err := f.payout(pool, bet)
				require.NoError(t, err)
			}

			s, err := f.engine.Reconcile(f.ctx, pool)
			require.NoError(t, err)
			require.True(t, s.PayoutComplete)
			require.Equal(t, s.TotalPool, s.PaidToWinners+s.CreatorFeesPaid+s.PlatformFeePaid+s.Custody)
			require.Less(t, s.Custody, uint64(3*len(winners)))
		})
	}
}

func TestKindOf(t *testing.T) {
	require.Equal(t, KindValidation, KindOf(fmt.Errorf("wrapped: %w", ErrInvalidDeadline)))
	require.Equal(t, KindStateConflict, KindOf(ErrBettingClosed))
	require.Equal(t, KindStateConflict, KindOf(ErrNoWinningStake))
	require.Equal(t, KindResource, KindOf(fmt.Errorf("%w: s1", ErrPoolAlreadyExists)))
	require.Equal(t, KindInternal, KindOf(errors.New("disk on fire")))
	require.Empty(t, kindLabel(nil))
}
