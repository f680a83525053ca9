package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/pool-engine/internal/model"
)

// PoolView is the wire form of a pool; amounts are in coins.
type PoolView struct {
	Address         string           `json:"address"`
	Admin           string           `json:"admin"`
	Moderator       string           `json:"moderator,omitempty"`
	StreamID        string           `json:"stream_id"`
	BettingDeadline time.Time        `json:"betting_deadline"`
	TotalPool       decimal.Decimal  `json:"total_pool"`
	SideATotal      decimal.Decimal  `json:"side_a_total"`
	SideBTotal      decimal.Decimal  `json:"side_b_total"`
	SideACount      uint32           `json:"side_a_count"`
	SideBCount      uint32           `json:"side_b_count"`
	Status          model.PoolStatus `json:"status"`
	WinnerDeclared  bool             `json:"winner_declared"`
	WinningSide     model.Side       `json:"winning_side,omitempty"`
	CreatorFeeBps   uint16           `json:"creator_fee_bps"`
	PlatformFeeBps  uint16           `json:"platform_fee_bps"`
	PayoutComplete  bool             `json:"payout_complete"`
	CreatedAt       time.Time        `json:"created_at"`
	Bump            uint8            `json:"bump"`
}

func newPoolView(p *model.Pool) PoolView {
	return PoolView{
		Address:         p.Address,
		Admin:           p.Admin,
		Moderator:       p.Moderator,
		StreamID:        p.StreamID,
		BettingDeadline: p.BettingDeadline,
		TotalPool:       model.CoinsFromUnits(p.TotalPool),
		SideATotal:      model.CoinsFromUnits(p.SideATotal),
		SideBTotal:      model.CoinsFromUnits(p.SideBTotal),
		SideACount:      p.SideACount,
		SideBCount:      p.SideBCount,
		Status:          p.Status,
		WinnerDeclared:  p.WinnerDeclared(),
		WinningSide:     p.WinningSide,
		CreatorFeeBps:   p.CreatorFeeBps,
		PlatformFeeBps:  p.PlatformFeeBps,
		PayoutComplete:  p.PayoutComplete,
		CreatedAt:       p.CreatedAt,
		Bump:            p.Bump,
	}
}

// BetView is the wire form of a bet.
type BetView struct {
	Address  string          `json:"address"`
	Pool     string          `json:"pool"`
	Bettor   string          `json:"bettor"`
	Amount   decimal.Decimal `json:"amount"`
	Side     model.Side      `json:"side"`
	Index    uint32          `json:"sequence_index"`
	Status   model.BetStatus `json:"status"`
	PaidOut  bool            `json:"paid_out"`
	PlacedAt time.Time       `json:"placed_at"`
	Bump     uint8           `json:"bump"`
}

func newBetView(b *model.Bet) BetView {
	return BetView{
		Address:  b.Address,
		Pool:     b.Pool,
		Bettor:   b.Bettor,
		Amount:   model.CoinsFromUnits(b.Amount),
		Side:     b.Side,
		Index:    b.Index,
		Status:   b.Status,
		PaidOut:  b.PaidOut(),
		PlacedAt: b.PlacedAt,
		Bump:     b.Bump,
	}
}

// PayoutView is the wire form of a payout or quote.
type PayoutView struct {
	Pool            string          `json:"pool"`
	Bet             string          `json:"bet"`
	Bettor          string          `json:"bettor"`
	BetAmount       decimal.Decimal `json:"bet_amount"`
	Share           decimal.Decimal `json:"share"`
	Payout          decimal.Decimal `json:"payout"`
	CreatorFee      decimal.Decimal `json:"creator_fee"`
	PlatformFee     decimal.Decimal `json:"platform_fee"`
	CreatorFeePaid  decimal.Decimal `json:"creator_fee_paid"`
	PlatformFeePaid decimal.Decimal `json:"platform_fee_paid"`
}

func newPayoutView(p *model.Payout) PayoutView {
	return PayoutView{
		Pool:            p.Pool,
		Bet:             p.Bet,
		Bettor:          p.Bettor,
		BetAmount:       model.CoinsFromUnits(p.BetAmount),
		Share:           model.CoinsFromUnits(p.Share),
		Payout:          model.CoinsFromUnits(p.PayoutAmount),
		CreatorFee:      model.CoinsFromUnits(p.CreatorFee),
		PlatformFee:     model.CoinsFromUnits(p.PlatformFee),
		CreatorFeePaid:  model.CoinsFromUnits(p.CreatorFeePaid),
		PlatformFeePaid: model.CoinsFromUnits(p.PlatformFeePaid),
	}
}

// SettlementView is the wire form of a reconciliation.
type SettlementView struct {
	Pool             string          `json:"pool"`
	StreamID         string          `json:"stream_id"`
	WinningSide      model.Side      `json:"winning_side,omitempty"`
	WinningBets      int             `json:"winning_bets"`
	PaidBets         int             `json:"paid_bets"`
	Outstanding      int             `json:"outstanding"`
	TotalPool        decimal.Decimal `json:"total_pool"`
	PaidToWinners    decimal.Decimal `json:"paid_to_winners"`
	CreatorFeesPaid  decimal.Decimal `json:"creator_fees_paid"`
	PlatformFeesPaid decimal.Decimal `json:"platform_fees_paid"`
	Custody          decimal.Decimal `json:"custody"`
	PayoutComplete   bool            `json:"payout_complete"`
	ReconciledAt     time.Time       `json:"reconciled_at"`
}

func newSettlementView(s *model.Settlement) SettlementView {
	return SettlementView{
		Pool:             s.Pool,
		StreamID:         s.StreamID,
		WinningSide:      s.WinningSide,
		WinningBets:      s.WinningBets,
		PaidBets:         s.PaidBets,
		Outstanding:      s.Outstanding,
		TotalPool:        model.CoinsFromUnits(s.TotalPool),
		PaidToWinners:    model.CoinsFromUnits(s.PaidToWinners),
		CreatorFeesPaid:  model.CoinsFromUnits(s.CreatorFeesPaid),
		PlatformFeesPaid: model.CoinsFromUnits(s.PlatformFeePaid),
		Custody:          model.CoinsFromUnits(s.Custody),
		PayoutComplete:   s.PayoutComplete,
		ReconciledAt:     s.ReconciledAt,
	}
}
