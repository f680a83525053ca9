package betting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/pool-engine/internal/address"
	"github.com/atmx/pool-engine/internal/events"
	"github.com/atmx/pool-engine/internal/lock"
	"github.com/atmx/pool-engine/internal/metrics"
	"github.com/atmx/pool-engine/internal/model"
	"github.com/atmx/pool-engine/internal/parimutuel"
	"github.com/atmx/pool-engine/internal/store"
)

// PayoutParams are the inputs of Payout. Caller is whoever submits the claim
// and is not authorized against anything; the funds always go to the bettor.
type PayoutParams struct {
	Pool     address.Address
	Bet      address.Address
	Caller   address.Address
	Treasury address.Address
}

// Payout pays a winning bet its stake plus its share of the losing side, and
// moves the bet's slice of each fee to the pool admin and the treasury.
func (e *Engine) Payout(ctx context.Context, p PayoutParams) (payout *model.Payout, err error) {
	start := time.Now()
	defer func() { metrics.ObserveOperation("payout", start, kindLabel(err)) }()

	poolAddr, betAddr := p.Pool.String(), p.Bet.String()
	err = e.withLock(ctx, lock.BetKey(betAddr), func() error {
		return e.store.Update(ctx, func(tx store.Tx) error {
			pool, err := getPool(ctx, tx, poolAddr)
			if err != nil {
				return err
			}
			bet, err := getBet(ctx, tx, betAddr)
			if err != nil {
				return err
			}
			if bet.Pool != pool.Address {
				return fmt.Errorf("%w: bet %s belongs to %s", ErrInvalidBettingPool, bet.Address, bet.Pool)
			}
			if p.Treasury != e.treasury {
				return fmt.Errorf("%w: %s", ErrInvalidTreasury, p.Treasury)
			}
			if !pool.WinnerDeclared() || bet.Side != pool.WinningSide {
				return fmt.Errorf("%w: bet on %s", ErrBetNotWinner, bet.Side)
			}
			if !bet.Status.CanTransition(model.BetPaid) {
				return fmt.Errorf("%w: %s", ErrBetAlreadyPaidOut, bet.Address)
			}

			payout, err = quote(pool, bet)
			if err != nil {
				return err
			}

			if err := transfer(ctx, tx, poolAddr, bet.Bettor, payout.PayoutAmount); err != nil {
				return err
			}
			if err := transfer(ctx, tx, poolAddr, pool.Admin, payout.CreatorFeePaid); err != nil {
				return err
			}
			if err := transfer(ctx, tx, poolAddr, e.treasury.String(), payout.PlatformFeePaid); err != nil {
				return err
			}

			bet.Status = model.BetPaid
			return tx.PutBet(ctx, bet)
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.PayoutsTotal.Inc()
	metrics.PayoutVolume.WithLabelValues("winner").Add(float64(payout.PayoutAmount))
	metrics.PayoutVolume.WithLabelValues("creator").Add(float64(payout.CreatorFeePaid))
	metrics.PayoutVolume.WithLabelValues("platform").Add(float64(payout.PlatformFeePaid))
	slog.Info("winner paid out",
		"pool", poolAddr,
		"bet", betAddr,
		"bettor", payout.Bettor,
		"payout", payout.PayoutAmount,
		"creator_fee", payout.CreatorFeePaid,
		"platform_fee", payout.PlatformFeePaid,
		"relayer", p.Caller.String(),
	)

	ev := events.New(events.WinnerPaidOut, poolAddr, e.now())
	ev.Bet = betAddr
	ev.Actor = payout.Bettor
	ev.Amount = payout.PayoutAmount
	ev.Payout = payout
	events.Emit(ctx, e.publisher, ev)

	return payout, nil
}

// Quote returns the distribution Payout would make for a bet, without moving
// funds or checking whether the bet was already paid.
func (e *Engine) Quote(ctx context.Context, poolAddr, betAddr address.Address) (*model.Payout, error) {
	var payout *model.Payout
	err := e.store.View(ctx, func(tx store.ReadTx) error {
		pool, err := getPool(ctx, tx, poolAddr.String())
		if err != nil {
			return err
		}
		bet, err := getBet(ctx, tx, betAddr.String())
		if err != nil {
			return err
		}
		if bet.Pool != pool.Address {
			return fmt.Errorf("%w: bet %s belongs to %s", ErrInvalidBettingPool, bet.Address, bet.Pool)
		}
		if !pool.WinnerDeclared() {
			return ErrWinnerNotDeclared
		}
		if bet.Side != pool.WinningSide {
			return fmt.Errorf("%w: bet on %s", ErrBetNotWinner, bet.Side)
		}
		payout, err = quote(pool, bet)
		return err
	})
	return payout, err
}

// quote computes a winning bet's distribution from the pool's frozen totals.
func quote(pool *model.Pool, bet *model.Bet) (*model.Payout, error) {
	winning := pool.SideTotal(pool.WinningSide)
	if winning == 0 {
		return nil, ErrNoWinningStake
	}
	fees := parimutuel.FeeSchedule{CreatorBps: pool.CreatorFeeBps, PlatformBps: pool.PlatformFeeBps}
	q, err := fees.Quote(pool.TotalPool, winning, bet.Amount)
	if err != nil {
		return nil, parimutuelError(err)
	}
	// The three transfers together must not overflow.
	if _, err := q.Total(); err != nil {
		return nil, parimutuelError(err)
	}
	return &model.Payout{
		Pool:            pool.Address,
		Bet:             bet.Address,
		Bettor:          bet.Bettor,
		BetAmount:       bet.Amount,
		Share:           q.Share,
		PayoutAmount:    q.Payout,
		CreatorFee:      q.Creator,
		PlatformFee:     q.Platform,
		CreatorFeePaid:  q.CreatorFeePaid,
		PlatformFeePaid: q.PlatformFeePaid,
	}, nil
}

func parimutuelError(err error) error {
	switch {
	case errors.Is(err, parimutuel.ErrOverflow):
		return fmt.Errorf("%w: %v", ErrArithmeticOverflow, err)
	case errors.Is(err, parimutuel.ErrNoWinningStake):
		return ErrNoWinningStake
	case errors.Is(err, parimutuel.ErrInconsistentPool):
		return fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}
	return err
}
