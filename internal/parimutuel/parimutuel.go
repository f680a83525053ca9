// Package parimutuel implements the fee-adjusted proportional distribution of
// a binary betting pool.
//
// Winners recover their stake plus a pro-rata share of the losing side's
// total, net of a creator fee and a platform fee levied on the losing side
// only:
//
//	L            = total - W
//	creatorFee   = ⌊L · creatorBps / 10000⌋
//	platformFee  = ⌊L · platformBps / 10000⌋
//	surplus      = L - creatorFee - platformFee
//	share(bet)   = ⌊bet · surplus / W⌋
//	payout(bet)  = bet + share(bet)
//
// All intermediates are computed in 256-bit integers and every result must
// fit in 64 bits; nothing wraps.
package parimutuel

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// BpsDenominator is the basis-point scale: 10000 bps = 100%.
const BpsDenominator = 10_000

// DefaultFeeBps is the creator and platform fee rate (2.5%).
const DefaultFeeBps uint16 = 250

var (
	// ErrOverflow is returned when an intermediate or result does not fit.
	ErrOverflow = errors.New("parimutuel: arithmetic overflow")

	// ErrNoWinningStake is returned when the winning side holds no stake.
	ErrNoWinningStake = errors.New("parimutuel: no stake on the winning side")

	// ErrInvalidFees is returned when the fee rates sum past 100%.
	ErrInvalidFees = errors.New("parimutuel: fee rates exceed 100%")

	// ErrInconsistentPool is returned when the winning total exceeds the pool
	// or a bet exceeds its side's total.
	ErrInconsistentPool = errors.New("parimutuel: inconsistent pool totals")
)

var bpsDen = uint256.NewInt(BpsDenominator)

// FeeSchedule is the pair of fee rates fixed on a pool at creation.
// It is stateless; pool totals are passed as arguments.
type FeeSchedule struct {
	CreatorBps  uint16
	PlatformBps uint16
}

// DefaultFees returns the 250/250 bps schedule.
func DefaultFees() FeeSchedule {
	return FeeSchedule{CreatorBps: DefaultFeeBps, PlatformBps: DefaultFeeBps}
}

// NewFeeSchedule validates and returns a fee schedule.
func NewFeeSchedule(creatorBps, platformBps uint16) (FeeSchedule, error) {
	if uint32(creatorBps)+uint32(platformBps) > BpsDenominator {
		return FeeSchedule{}, fmt.Errorf("%w: %d + %d bps", ErrInvalidFees, creatorBps, platformBps)
	}
	return FeeSchedule{CreatorBps: creatorBps, PlatformBps: platformBps}, nil
}

// Fees are the pool-wide amounts levied on the losing side.
type Fees struct {
	Losing   uint64 // L
	Creator  uint64
	Platform uint64
	Surplus  uint64 // L - Creator - Platform
}

// Fees computes the fee split of a declared pool with the given total and
// winning-side total.
func (f FeeSchedule) Fees(total, winning uint64) (Fees, error) {
	if winning > total {
		return Fees{}, fmt.Errorf("%w: winning %d > total %d", ErrInconsistentPool, winning, total)
	}
	losing := total - winning

	creator, err := bpsOf(losing, f.CreatorBps)
	if err != nil {
		return Fees{}, err
	}
	platform, err := bpsOf(losing, f.PlatformBps)
	if err != nil {
		return Fees{}, err
	}

	l := uint256.NewInt(losing)
	surplus, under := new(uint256.Int).SubOverflow(l, uint256.NewInt(creator))
	if under {
		return Fees{}, ErrOverflow
	}
	surplus, under = surplus.SubOverflow(surplus, uint256.NewInt(platform))
	if under {
		return Fees{}, ErrOverflow
	}

	return Fees{
		Losing:   losing,
		Creator:  creator,
		Platform: platform,
		Surplus:  surplus.Uint64(),
	}, nil
}

// Quote is the distribution owed to a single winning bet.
type Quote struct {
	Fees
	Winning         uint64 // W
	Amount          uint64 // the bet's stake
	Share           uint64 // ⌊amount · surplus / W⌋
	Payout          uint64 // amount + share
	CreatorFeePaid  uint64 // ⌊creator · amount / W⌋
	PlatformFeePaid uint64 // ⌊platform · amount / W⌋
}

// Total is everything the quote moves out of custody.
func (q Quote) Total() (uint64, error) {
	sum, err := addChecked(q.Payout, q.CreatorFeePaid)
	if err != nil {
		return 0, err
	}
	return addChecked(sum, q.PlatformFeePaid)
}

// Quote computes the payout for a winning bet of amount in a pool with the
// given total and winning-side total.
//
// Each bet carries its pro-rata slice of the two fees so that the slices
// over every winning bet sum to at most the pool-wide fee.
func (f FeeSchedule) Quote(total, winning, amount uint64) (Quote, error) {
	if winning == 0 {
		return Quote{}, ErrNoWinningStake
	}
	if amount > winning {
		return Quote{}, fmt.Errorf("%w: bet %d > winning side %d", ErrInconsistentPool, amount, winning)
	}

	fees, err := f.Fees(total, winning)
	if err != nil {
		return Quote{}, err
	}

	share, err := mulDiv(amount, fees.Surplus, winning)
	if err != nil {
		return Quote{}, err
	}
	payout, err := addChecked(amount, share)
	if err != nil {
		return Quote{}, err
	}
	creatorSlice, err := mulDiv(fees.Creator, amount, winning)
	if err != nil {
		return Quote{}, err
	}
	platformSlice, err := mulDiv(fees.Platform, amount, winning)
	if err != nil {
		return Quote{}, err
	}

	return Quote{
		Fees:            fees,
		Winning:         winning,
		Amount:          amount,
		Share:           share,
		Payout:          payout,
		CreatorFeePaid:  creatorSlice,
		PlatformFeePaid: platformSlice,
	}, nil
}

// bpsOf returns ⌊amount · bps / 10000⌋.
func bpsOf(amount uint64, bps uint16) (uint64, error) {
	return mulDiv(amount, uint64(bps), BpsDenominator)
}

// mulDiv returns ⌊x · y / d⌋, failing if the result exceeds 64 bits.
func mulDiv(x, y, d uint64) (uint64, error) {
	if d == 0 {
		return 0, ErrNoWinningStake
	}
	var den *uint256.Int
	if d == BpsDenominator {
		den = bpsDen
	} else {
		den = uint256.NewInt(d)
	}
	z, over := new(uint256.Int).MulDivOverflow(uint256.NewInt(x), uint256.NewInt(y), den)
	if over {
		return 0, ErrOverflow
	}
	v, over := z.Uint64WithOverflow()
	if over {
		return 0, ErrOverflow
	}
	return v, nil
}

// addChecked returns x + y, failing on 64-bit overflow.
func addChecked(x, y uint64) (uint64, error) {
	z, over := new(uint256.Int).AddOverflow(uint256.NewInt(x), uint256.NewInt(y))
	if over {
		return 0, ErrOverflow
	}
	v, over := z.Uint64WithOverflow()
	if over {
		return 0, ErrOverflow
	}
	return v, nil
}

// AddChecked is the checked 64-bit addition used for pool aggregates.
func AddChecked(x, y uint64) (uint64, error) {
	return addChecked(x, y)
}
