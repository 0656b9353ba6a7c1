package chain

import (
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// TokenDecimals is the fixed-point scale of every amount-valued field.
const TokenDecimals = 18

// ToDecimal converts a 10^18-scaled integer into an exact decimal.
func ToDecimal(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -TokenDecimals)
}

// ToWei converts a decimal amount back to its 10^18-scaled integer. Values
// with more than 18 fractional digits are rejected rather than rounded.
func ToWei(d decimal.Decimal) (*big.Int, error) {
	if d.IsNegative() {
		return nil, fmt.Errorf("amount %s is negative", d.String())
	}
	shifted := d.Shift(TokenDecimals)
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("amount %s has more than %d decimal places", d.String(), TokenDecimals)
	}
	return shifted.BigInt(), nil
}

// ParseAmount parses a human-readable token amount such as "12.5".
func ParseAmount(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return ToWei(d)
}

func unixTime(v *big.Int) time.Time {
	if v == nil || v.Sign() == 0 {
		return time.Time{}
	}
	return time.Unix(v.Int64(), 0).UTC()
}
