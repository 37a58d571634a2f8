// Package units parses and formats native-value amounts.
//
// Amounts are unsigned 256-bit integers in the smallest indivisible unit.
// There is no decimal representation: "1000" is one thousand units.
package units

import (
	"math/big"
	"strings"

	"github.com/holiman/uint256"

	"github.com/mbd888/agora/internal/apperr"
)

var (
	ErrInvalidAmount = apperr.New(apperr.Validation, "invalid amount")
	ErrZeroAmount    = apperr.New(apperr.Validation, "amount must be greater than zero")
	ErrOverflow      = apperr.New(apperr.Validation, "amount overflows 256 bits")
)

// Parse converts a base-10 integer string to an amount.
//
// Rules:
//   - Empty string, signs, decimal points and non-digits are rejected
//   - Leading zeros are accepted
//   - Values above 2^256-1 are rejected
func Parse(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidAmount
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return nil, ErrInvalidAmount
		}
	}
	b, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, ErrInvalidAmount
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return nil, ErrOverflow
	}
	return v, nil
}

// ParsePositive is Parse plus a non-zero check.
func ParsePositive(s string) (*uint256.Int, error) {
	v, err := Parse(s)
	if err != nil {
		return nil, err
	}
	if v.IsZero() {
		return nil, ErrZeroAmount
	}
	return v, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) *uint256.Int {
	v, err := Parse(s)
	if err != nil {
		panic("units: " + err.Error() + ": " + s)
	}
	return v
}

// Format renders an amount as a base-10 string. Nil formats as "0".
func Format(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.ToBig().String()
}

// Add returns x+y, reporting overflow instead of wrapping.
func Add(x, y *uint256.Int) (*uint256.Int, bool) {
	return new(uint256.Int).AddOverflow(x, y)
}

// Sub returns x-y, reporting underflow instead of wrapping.
func Sub(x, y *uint256.Int) (*uint256.Int, bool) {
	return new(uint256.Int).SubOverflow(x, y)
}

// Sum adds values, reporting overflow.
func Sum(values ...*uint256.Int) (*uint256.Int, bool) {
	total := new(uint256.Int)
	for _, v := range values {
		if v == nil {
			continue
		}
		if _, overflow := total.AddOverflow(total, v); overflow {
			return nil, true
		}
	}
	return total, false
}
