package betting

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/pool-engine/internal/address"
	"github.com/atmx/pool-engine/internal/archive"
	"github.com/atmx/pool-engine/internal/events"
	"github.com/atmx/pool-engine/internal/lock"
	"github.com/atmx/pool-engine/internal/metrics"
	"github.com/atmx/pool-engine/internal/model"
	"github.com/atmx/pool-engine/internal/parimutuel"
	"github.com/atmx/pool-engine/internal/store"
)

// Reconcile audits a pool against its bets and summarises how much of it has
// been distributed. Once the pool is declared and every winning bet is paid,
// it marks the pool complete and archives the settlement report.
func (e *Engine) Reconcile(ctx context.Context, poolAddr address.Address) (settlement *model.Settlement, err error) {
	start := time.Now()
	defer func() { metrics.ObserveOperation("reconcile", start, kindLabel(err)) }()

	addr := poolAddr.String()
	var (
		pool      *model.Pool
		bets      []model.Bet
		newlyDone bool
	)
	err = e.withLock(ctx, lock.PoolKey(addr), func() error {
		return e.store.Update(ctx, func(tx store.Tx) error {
			var err error
			pool, err = getPool(ctx, tx, addr)
			if err != nil {
				return err
			}
			bets, err = tx.ListBets(ctx, addr)
			if err != nil {
				return err
			}
			if err := checkInvariants(pool, bets); err != nil {
				return err
			}
			custody, err := tx.Balance(ctx, addr)
			if err != nil {
				return err
			}
			settlement, err = settle(pool, bets, custody)
			if err != nil {
				return err
			}
			settlement.ReconciledAt = e.now().UTC()

			if settlement.PayoutComplete && !pool.PayoutComplete {
				pool.PayoutComplete = true
				newlyDone = true
				return tx.PutPool(ctx, pool)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	slog.Info("pool reconciled",
		"pool", addr,
		"winning_bets", settlement.WinningBets,
		"outstanding", settlement.Outstanding,
		"custody", settlement.Custody,
		"complete", settlement.PayoutComplete,
	)
	if !settlement.PayoutComplete {
		return settlement, nil
	}

	if newlyDone {
		ev := events.New(events.PoolSettled, addr, settlement.ReconciledAt)
		ev.StreamID = pool.StreamID
		ev.Settlement = settlement
		events.Emit(ctx, e.publisher, ev)
	}
	if e.archiver != nil {
		report := archive.Report{
			Settlement: *settlement,
			Pool:       *pool,
			Bets:       bets,
			ArchivedAt: settlement.ReconciledAt,
		}
		if err := e.archiver.Archive(ctx, report); err != nil {
			slog.Error("settlement archive failed", "pool", addr, "err", err)
		}
	}
	return settlement, nil
}

// checkInvariants verifies the pool aggregates against its bet records.
func checkInvariants(pool *model.Pool, bets []model.Bet) error {
	total, err := parimutuel.AddChecked(pool.SideATotal, pool.SideBTotal)
	if err != nil || total != pool.TotalPool {
		return fmt.Errorf("%w: total %d != %d + %d", ErrInvariantViolation,
			pool.TotalPool, pool.SideATotal, pool.SideBTotal)
	}

	var counts [3]uint32
	var sums [3]uint64
	for i, b := range bets {
		if !b.Side.Valid() {
			return fmt.Errorf("%w: bet %s has side %d", ErrInvariantViolation, b.Address, b.Side)
		}
		if b.Index != uint32(i) {
			return fmt.Errorf("%w: bet index %d at position %d", ErrInvariantViolation, b.Index, i)
		}
		counts[b.Side]++
		if sums[b.Side], err = parimutuel.AddChecked(sums[b.Side], b.Amount); err != nil {
			return fmt.Errorf("%w: side %s bet sum overflows", ErrInvariantViolation, b.Side)
		}
	}
	for _, s := range []model.Side{model.SideA, model.SideB} {
		if counts[s] != pool.SideCount(s) {
			return fmt.Errorf("%w: side %s has %d bets, pool counts %d", ErrInvariantViolation,
				s, counts[s], pool.SideCount(s))
		}
		if sums[s] != pool.SideTotal(s) {
			return fmt.Errorf("%w: side %s bets sum to %d, pool holds %d", ErrInvariantViolation,
				s, sums[s], pool.SideTotal(s))
		}
	}
	return nil
}

// settle tallies paid and outstanding winning bets. A declared side with no
// stake has nothing to pay, so the pool is complete as soon as it is declared.
func settle(pool *model.Pool, bets []model.Bet, custody uint64) (*model.Settlement, error) {
	s := &model.Settlement{
		Pool:        pool.Address,
		StreamID:    pool.StreamID,
		WinningSide: pool.WinningSide,
		TotalPool:   pool.TotalPool,
		Custody:     custody,
	}
	if !pool.WinnerDeclared() {
		return s, nil
	}

	for i := range bets {
		b := &bets[i]
		if b.Side != pool.WinningSide {
			continue
		}
		s.WinningBets++
		if !b.PaidOut() {
			s.Outstanding++
			continue
		}
		s.PaidBets++
		p, err := quote(pool, b)
		if err != nil {
			return nil, err
		}
		if s.PaidToWinners, err = parimutuel.AddChecked(s.PaidToWinners, p.PayoutAmount); err != nil {
			return nil, fmt.Errorf("%w: paid to winners", ErrArithmeticOverflow)
		}
		if s.CreatorFeesPaid, err = parimutuel.AddChecked(s.CreatorFeesPaid, p.CreatorFeePaid); err != nil {
			return nil, fmt.Errorf("%w: creator fees", ErrArithmeticOverflow)
		}
		if s.PlatformFeePaid, err = parimutuel.AddChecked(s.PlatformFeePaid, p.PlatformFeePaid); err != nil {
			return nil, fmt.Errorf("%w: platform fees", ErrArithmeticOverflow)
		}
	}
	s.PayoutComplete = s.Outstanding == 0
	return s, nil
}
