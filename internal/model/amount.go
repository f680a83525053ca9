package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// UnitDecimals is the number of base-unit decimal places in one coin.
const UnitDecimals = 9

// UnitsPerCoin is 10^UnitDecimals.
const UnitsPerCoin uint64 = 1_000_000_000

var (
	// ErrFractionalUnits is returned when a coin amount has more precision
	// than one base unit.
	ErrFractionalUnits = errors.New("model: amount has sub-unit precision")

	// ErrAmountOutOfRange is returned when an amount is negative or does not
	// fit in 64 bits of base units.
	ErrAmountOutOfRange = errors.New("model: amount out of range")

	unitScale = decimal.New(1, UnitDecimals)
	maxUnits  = decimal.NewFromUint64(^uint64(0))
)

// UnitsFromCoins converts a whole-coin decimal ("1.5") to base units.
// The conversion is exact or it fails.
func UnitsFromCoins(coins decimal.Decimal) (uint64, error) {
	if coins.IsNegative() {
		return 0, fmt.Errorf("%w: %s", ErrAmountOutOfRange, coins)
	}
	units := coins.Mul(unitScale)
	if !units.Equal(units.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s", ErrFractionalUnits, coins)
	}
	if units.GreaterThan(maxUnits) {
		return 0, fmt.Errorf("%w: %s", ErrAmountOutOfRange, coins)
	}
	return units.BigInt().Uint64(), nil
}

// CoinsFromUnits renders base units as a whole-coin decimal.
func CoinsFromUnits(units uint64) decimal.Decimal {
	return decimal.NewFromUint64(units).Div(unitScale)
}
