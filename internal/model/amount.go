package model

import (
	"fmt"
	"math/big"
)

// ParseAmount parses a raw smallest-unit amount string. Empty means
// zero. Negative amounts are rejected; balances can never go negative.
func ParseAmount(value string) (*big.Int, error) {
	if value == "" {
		return big.NewInt(0), nil
	}
	parsed, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %q", value)
	}
	if parsed.Sign() < 0 {
		return nil, fmt.Errorf("negative amount: %q", value)
	}
	return parsed, nil
}

// ParsePositiveAmount parses a raw amount that must be > 0.
func ParsePositiveAmount(value string) (*big.Int, error) {
	parsed, err := ParseAmount(value)
	if err != nil {
		return nil, err
	}
	if parsed.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive: %q", value)
	}
	return parsed, nil
}

// FormatAmount renders a raw amount back to its string form.
func FormatAmount(value *big.Int) string {
	if value == nil {
		return "0"
	}
	return value.String()
}
