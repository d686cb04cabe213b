// Package amount centralizes decimal-string arithmetic for token values.
//
// Every amount that crosses a component boundary in depositd (expected
// amounts on a Watch, observed transfer amounts from a Chain Adapter,
// the webhook payload, batch sums) is carried as a decimal string and
// only ever compared after conversion to the same base units. Floating
// point is never used for money.
package amount

import (
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
)

// Decimals is the canonical number of base-unit decimals for a token on
// a given chain: 6 for USDT on Ethereum/Polygon/Solana/Tron, 18 for
// USDT/BUSD on BSC.
type Decimals uint8

const (
	Decimals6  Decimals = 6
	Decimals18 Decimals = 18
)

var amountPattern = regexp.MustCompile(`^\d+(\.\d+)?$`)

// Parse validates and parses a decimal-string amount as accepted on the
// inbound HTTP surface: must match ^\d+(\.\d+)?$. No sign, no
// exponent, no thousands separators.
func Parse(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("amount: empty amount string")
	}
	if !amountPattern.MatchString(s) {
		return decimal.Decimal{}, fmt.Errorf("amount: invalid decimal %q", s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("amount: invalid decimal %q: %w", s, err)
	}
	if d.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("amount: negative amount %q", s)
	}
	return d, nil
}

// ToBaseUnits converts a decimal token amount to the chain's integer
// base units (e.g. wei, or Tron's SUN-scale TRC20 base units), rounding
// down. A credited amount is never rounded up.
func ToBaseUnits(v decimal.Decimal, decimals Decimals) decimal.Decimal {
	scale := decimal.New(1, int32(decimals))
	return v.Mul(scale).Truncate(0)
}

// FromBaseUnits is the inverse of ToBaseUnits.
func FromBaseUnits(v decimal.Decimal, decimals Decimals) decimal.Decimal {
	scale := decimal.New(1, int32(decimals))
	return v.DivRound(scale, int32(decimals))
}

// WithinTolerance reports whether observed matches expected to within
// one base unit of the token: 10^(-decimals), so 1e-6 for a 6-decimal
// token and 1e-18 for an 18-decimal one. Anything beyond a single ulp of
// slack is a mismatch; an exact match is required to confirm a deposit.
// For a 6-decimal token, expected=5.00 and observed=4.999999 pass;
// observed=5.02 fails.
func WithinTolerance(expected, observed decimal.Decimal, decimals Decimals) bool {
	tolerance := decimal.New(1, -int32(decimals))
	diff := expected.Sub(observed).Abs()
	return diff.LessThanOrEqual(tolerance)
}

// String renders a decimal the way the webhook payload and Store expect:
// a plain decimal string, no scientific notation, no trailing exponent.
func String(v decimal.Decimal) string {
	return v.String()
}
