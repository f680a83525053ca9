// Package model defines the core domain types shared across the pool engine.
// All amounts are unsigned base units (1 coin = 10^9 units); never float64.
package model

import (
	"time"
)

// Side is one of the two mutually exclusive outcomes of a pool.
type Side uint8

const (
	// SideUnset is the zero value; a declared pool never carries it.
	SideUnset Side = 0
	SideA     Side = 1
	SideB     Side = 2
)

// Valid reports whether s is SideA or SideB.
func (s Side) Valid() bool {
	return s == SideA || s == SideB
}

// Opposite returns the other side. The result for an invalid side is SideUnset.
func (s Side) Opposite() Side {
	switch s {
	case SideA:
		return SideB
	case SideB:
		return SideA
	}
	return SideUnset
}

func (s Side) String() string {
	switch s {
	case SideA:
		return "A"
	case SideB:
		return "B"
	}
	return "unset"
}

// PoolStatus is the outcome state of a pool. The only legal transition is
// Open -> Declared.
type PoolStatus string

const (
	PoolOpen     PoolStatus = "open"
	PoolDeclared PoolStatus = "declared"
)

// CanTransition reports whether moving from s to next is legal.
func (s PoolStatus) CanTransition(next PoolStatus) bool {
	return s == PoolOpen && next == PoolDeclared
}

// BetStatus is the payout state of a bet. The only legal transition is
// Unpaid -> Paid.
type BetStatus string

const (
	BetUnpaid BetStatus = "unpaid"
	BetPaid   BetStatus = "paid"
)

// CanTransition reports whether moving from s to next is legal.
func (s BetStatus) CanTransition(next BetStatus) bool {
	return s == BetUnpaid && next == BetPaid
}

// Pool aggregates all bets for one outcome market.
type Pool struct {
	Address         string     `json:"address" db:"address"`
	Admin           string     `json:"admin" db:"admin"`
	Moderator       string     `json:"moderator,omitempty" db:"moderator"` // empty = none
	StreamID        string     `json:"stream_id" db:"stream_id"`
	BettingDeadline time.Time  `json:"betting_deadline" db:"betting_deadline"`
	TotalPool       uint64     `json:"total_pool" db:"total_pool"`
	SideATotal      uint64     `json:"side_a_total" db:"side_a_total"`
	SideBTotal      uint64     `json:"side_b_total" db:"side_b_total"`
	SideACount      uint32     `json:"side_a_count" db:"side_a_count"`
	SideBCount      uint32     `json:"side_b_count" db:"side_b_count"`
	Status          PoolStatus `json:"status" db:"status"`
	WinningSide     Side       `json:"winning_side" db:"winning_side"` // meaningful only when declared
	CreatorFeeBps   uint16     `json:"creator_fee_bps" db:"creator_fee_bps"`
	PlatformFeeBps  uint16     `json:"platform_fee_bps" db:"platform_fee_bps"`
	PayoutComplete  bool       `json:"payout_complete" db:"payout_complete"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	Bump            uint8      `json:"bump" db:"bump"`
}

// WinnerDeclared reports whether the outcome has been frozen.
func (p *Pool) WinnerDeclared() bool {
	return p.Status == PoolDeclared
}

// BetCount is the number of bets placed so far; the next bet's sequence index.
func (p *Pool) BetCount() uint32 {
	return p.SideACount + p.SideBCount
}

// SideTotal returns the staked total for s.
func (p *Pool) SideTotal(s Side) uint64 {
	switch s {
	case SideA:
		return p.SideATotal
	case SideB:
		return p.SideBTotal
	}
	return 0
}

// SideCount returns the number of bets placed on s.
func (p *Pool) SideCount(s Side) uint32 {
	switch s {
	case SideA:
		return p.SideACount
	case SideB:
		return p.SideBCount
	}
	return 0
}

// IsBettingOpen reports whether a bet placed at now may be accepted.
func (p *Pool) IsBettingOpen(now time.Time) bool {
	return p.Status == PoolOpen && now.Before(p.BettingDeadline)
}

// Bet is a single stake placed by one identity on one side of a pool.
type Bet struct {
	Address  string    `json:"address" db:"address"`
	Pool     string    `json:"pool" db:"pool"`
	Bettor   string    `json:"bettor" db:"bettor"`
	Amount   uint64    `json:"amount" db:"amount"`
	Side     Side      `json:"side" db:"side"`
	Index    uint32    `json:"index" db:"bet_index"`
	Status   BetStatus `json:"status" db:"status"`
	PlacedAt time.Time `json:"placed_at" db:"placed_at"`
	Bump     uint8     `json:"bump" db:"bump"`
}

// PaidOut reports whether the bet has been paid.
func (b *Bet) PaidOut() bool {
	return b.Status == BetPaid
}

// Payout is the breakdown of a single winning bet's distribution.
type Payout struct {
	Pool            string `json:"pool"`
	Bet             string `json:"bet"`
	Bettor          string `json:"bettor"`
	BetAmount       uint64 `json:"bet_amount"`
	Share           uint64 `json:"share"`
	PayoutAmount    uint64 `json:"payout_amount"`
	CreatorFee      uint64 `json:"creator_fee"`       // pool-wide fee on the losing side
	PlatformFee     uint64 `json:"platform_fee"`      // pool-wide fee on the losing side
	CreatorFeePaid  uint64 `json:"creator_fee_paid"`  // this bet's slice of CreatorFee
	PlatformFeePaid uint64 `json:"platform_fee_paid"` // this bet's slice of PlatformFee
}

// Settlement summarises the distribution state of a declared pool.
type Settlement struct {
	Pool            string    `json:"pool"`
	StreamID        string    `json:"stream_id"`
	WinningSide     Side      `json:"winning_side"`
	WinningBets     int       `json:"winning_bets"`
	PaidBets        int       `json:"paid_bets"`
	Outstanding     int       `json:"outstanding"`
	TotalPool       uint64    `json:"total_pool"`
	PaidToWinners   uint64    `json:"paid_to_winners"`
	CreatorFeesPaid uint64    `json:"creator_fees_paid"`
	PlatformFeePaid uint64    `json:"platform_fees_paid"`
	Custody         uint64    `json:"custody"` // balance still held by the pool
	PayoutComplete  bool      `json:"payout_complete"`
	ReconciledAt    time.Time `json:"reconciled_at"`
}
