// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Amount parsing errors.
var (
	ErrEmptyAmount    = errors.New("empty amount string")
	ErrAmountChars    = errors.New("invalid character in amount")
	ErrAmountDecimals = errors.New("too many decimal places")
	ErrAmountOverflow = errors.New("amount overflow")
)

// FormatAmount formats an amount in smallest units as a decimal string.
// For example, FormatAmount(100000000, 8) returns "1" (1 BTC).
func FormatAmount(amount uint64, decimals uint8) string {
	if decimals == 0 {
		return fmt.Sprintf("%d", amount)
	}

	amountBig := new(big.Int).SetUint64(amount)
	divisor := pow10(decimals)

	whole := new(big.Int).Div(amountBig, divisor)
	frac := new(big.Int).Mod(amountBig, divisor)

	if frac.Sign() == 0 {
		return whole.String()
	}

	fracStr := strings.TrimRight(fmt.Sprintf("%0*d", int(decimals), frac), "0")
	return whole.String() + "." + fracStr
}

// ParseAmount parses a user supplied decimal string to smallest units.
// Unlike MakeInt it never rounds: a value with more fractional digits than
// the coin supports is rejected with ErrAmountDecimals.
func ParseAmount(s string, decimals uint8) (uint64, error) {
	wholeStr, fracStr, err := splitAmount(s)
	if err != nil {
		return 0, err
	}
	if len(fracStr) > int(decimals) {
		return 0, fmt.Errorf("%w: %s has more than %d", ErrAmountDecimals, s, decimals)
	}
	fracStr += strings.Repeat("0", int(decimals)-len(fracStr))

	amount, ok := new(big.Int).SetString(wholeStr+fracStr, 10)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrAmountChars, s)
	}
	if !amount.IsUint64() {
		return 0, fmt.Errorf("%w: %s", ErrAmountOverflow, s)
	}
	return amount.Uint64(), nil
}

// MakeInt converts a daemon reported decimal value (for example the
// "balance" field of getwalletinfo) to smallest units. Extra fractional
// digits are rounded half-up when round is set and truncated otherwise.
func MakeInt(s string, decimals uint8, round bool) (int64, error) {
	s = strings.TrimSpace(s)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	// Daemons occasionally print small floats in exponent form.
	if strings.ContainsAny(s, "eE") {
		r, ok := new(big.Rat).SetString(s)
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrAmountChars, s)
		}
		s = r.FloatString(int(decimals) + 1)
	}

	wholeStr, fracStr, err := splitAmount(s)
	if err != nil {
		return 0, err
	}

	var roundUp bool
	if len(fracStr) > int(decimals) {
		roundUp = round && fracStr[decimals] >= '5'
		fracStr = fracStr[:decimals]
	}
	fracStr += strings.Repeat("0", int(decimals)-len(fracStr))

	amount, ok := new(big.Int).SetString(wholeStr+fracStr, 10)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrAmountChars, s)
	}
	if roundUp {
		amount.Add(amount, big.NewInt(1))
	}
	if !amount.IsInt64() {
		return 0, fmt.Errorf("%w: %s", ErrAmountOverflow, s)
	}
	v := amount.Int64()
	if neg {
		v = -v
	}
	return v, nil
}

func splitAmount(s string) (string, string, error) {
	if s == "" {
		return "", "", ErrEmptyAmount
	}
	wholeStr, fracStr, _ := strings.Cut(s, ".")
	if wholeStr == "" {
		wholeStr = "0"
	}
	for _, part := range []string{wholeStr, fracStr} {
		for _, c := range part {
			if c < '0' || c > '9' {
				return "", "", fmt.Errorf("%w: %c", ErrAmountChars, c)
			}
		}
	}
	return wholeStr, fracStr, nil
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
