package model

import (
	"fmt"
	"strings"
)

// AssetClass partitions balances of the same tick held by the same
// address. Swap balances are spendable inside the module; lock balances
// back staking positions.
type AssetClass string

const (
	ClassSwap             AssetClass = "swap"
	ClassLock             AssetClass = "lock"
	ClassPendingSwap      AssetClass = "pendingSwap"
	ClassPendingAvailable AssetClass = "pendingAvailable"
)

// ValidClass reports whether c is a known asset class.
func ValidClass(c AssetClass) bool {
	switch c {
	case ClassSwap, ClassLock, ClassPendingSwap, ClassPendingAvailable:
		return true
	}
	return false
}

// Pair is a canonical two-tick market. Tick0 < Tick1 always.
type Pair struct {
	Tick0 string `json:"tick0"`
	Tick1 string `json:"tick1"`
}

// NewPair orders the two ticks into canonical form.
func NewPair(a, b string) (Pair, error) {
	if a == "" || b == "" || a == b {
		return Pair{}, fmt.Errorf("invalid pair ticks: %q/%q", a, b)
	}
	if a > b {
		a, b = b, a
	}
	return Pair{Tick0: a, Tick1: b}, nil
}

// ParsePairKey parses a canonical "tick0/tick1" key.
func ParsePairKey(key string) (Pair, error) {
	parts := strings.SplitN(key, "/", 2)
	if len(parts) != 2 {
		return Pair{}, fmt.Errorf("invalid pair key: %q", key)
	}
	pair, err := NewPair(parts[0], parts[1])
	if err != nil {
		return Pair{}, err
	}
	if pair.Tick0 != parts[0] {
		return Pair{}, fmt.Errorf("pair key not canonical: %q", key)
	}
	return pair, nil
}

// Key returns the canonical string key.
func (p Pair) Key() string { return p.Tick0 + "/" + p.Tick1 }

// LpTick is the synthetic tick whose balances are LP shares of the pair.
func (p Pair) LpTick() string { return p.Key() }

// PoolAddress is the synthetic address that holds the pair's reserves.
func (p Pair) PoolAddress() string { return "pool/" + p.Key() }

func (p Pair) String() string { return p.Key() }
