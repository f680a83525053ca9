package betting

import (
	"errors"
)

// Kind classifies an engine error for callers that map errors to responses.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindStateConflict Kind = "state_conflict"
	KindResource      Kind = "resource"
	KindArithmetic    Kind = "arithmetic"
	KindInternal      Kind = "internal"
)

// Validation
var (
	ErrInvalidStreamID    = errors.New("betting: stream id must not be empty")
	ErrStreamIDTooLong    = errors.New("betting: stream id exceeds 32 bytes")
	ErrInvalidDeadline    = errors.New("betting: deadline must be in the future")
	ErrInvalidPrediction  = errors.New("betting: side must be A or B")
	ErrSequenceMismatch   = errors.New("betting: sequence index does not match the pool's bet count")
	ErrInvalidTreasury    = errors.New("betting: treasury does not match the platform treasury")
	ErrInvalidBettingPool = errors.New("betting: bet does not belong to this pool")
	ErrInvalidIdentity    = errors.New("betting: identity must not be empty")
	ErrInvalidAmount      = errors.New("betting: amount must be positive")
)

// Authorization
var (
	ErrUnauthorizedAdmin = errors.New("betting: caller is not the pool admin or moderator")
)

// State conflicts
var (
	ErrPoolAlreadyExists     = errors.New("betting: pool already exists for this stream")
	ErrBetAlreadyExists      = errors.New("betting: bet already exists at this address")
	ErrBettingClosed         = errors.New("betting: betting is closed")
	ErrWinnerAlreadyDeclared = errors.New("betting: winner already declared")
	ErrWinnerNotDeclared     = errors.New("betting: winner not declared")
	ErrBetNotWinner          = errors.New("betting: bet is not on the winning side")
	ErrBetAlreadyPaidOut     = errors.New("betting: bet already paid out")
)

// Resources
var (
	ErrPoolNotFound      = errors.New("betting: pool not found")
	ErrBetNotFound       = errors.New("betting: bet not found")
	ErrInsufficientFunds = errors.New("betting: insufficient funds")
	ErrNoWinningStake    = errors.New("betting: no stake on the winning side")
	ErrLockTimeout       = errors.New("betting: timed out waiting for exclusive access")
)

// Arithmetic
var (
	ErrArithmeticOverflow = errors.New("betting: arithmetic overflow")
)

// Internal
var (
	ErrInvariantViolation = errors.New("betting: pool invariant violated")
)

var kinds = []struct {
	kind Kind
	errs []error
}{
	{KindValidation, []error{
		ErrInvalidStreamID, ErrStreamIDTooLong, ErrInvalidDeadline, ErrInvalidPrediction,
		ErrSequenceMismatch, ErrInvalidTreasury, ErrInvalidBettingPool, ErrInvalidIdentity,
		ErrInvalidAmount,
	}},
	{KindAuthorization, []error{ErrUnauthorizedAdmin}},
	{KindStateConflict, []error{
		ErrBetAlreadyExists, ErrBettingClosed, ErrWinnerAlreadyDeclared, ErrWinnerNotDeclared,
		ErrBetNotWinner, ErrBetAlreadyPaidOut, ErrNoWinningStake,
	}},
	{KindResource, []error{
		ErrPoolNotFound, ErrBetNotFound, ErrInsufficientFunds, ErrPoolAlreadyExists, ErrLockTimeout,
	}},
	{KindArithmetic, []error{ErrArithmeticOverflow}},
	{KindInternal, []error{ErrInvariantViolation}},
}

// KindOf classifies err. Errors not raised by the engine are Internal.
func KindOf(err error) Kind {
	for _, k := range kinds {
		for _, target := range k.errs {
			if errors.Is(err, target) {
				return k.kind
			}
		}
	}
	return KindInternal
}

func kindLabel(err error) string {
	if err == nil {
		return ""
	}
	return string(KindOf(err))
}
