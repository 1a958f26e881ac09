package space

import (
	"math/big"

	"swapSequencer/internal/model"
)

// Clone returns an independent full copy. Mutation on the copy never
// affects the source.
func (s *Space) Clone() *Space {
	out := New()
	out.cursor = s.cursor
	out.lastCommitID = s.lastCommitID
	for key, b := range s.balances {
		out.balances[key] = new(big.Int).Set(b)
	}
	for tick, supply := range s.supplies {
		out.supplies[tick] = new(big.Int).Set(supply)
	}
	for key, pair := range s.pairs {
		out.pairs[key] = pair
	}
	return out
}

// PartialClone returns an independent copy restricted to the given
// addresses and ticks, O(touched keys). Touching anything outside the
// scope fails instead of reading zero, so a mis-scoped speculative run
// surfaces as an error rather than a silent divergence.
func (s *Space) PartialClone(addresses, ticks []string) *Space {
	out := New()
	out.cursor = s.cursor
	out.lastCommitID = s.lastCommitID
	out.restricted = true
	out.allowedAddrs = make(map[string]struct{}, len(addresses))
	out.allowedTicks = make(map[string]struct{}, len(ticks))
	for _, a := range addresses {
		out.allowedAddrs[a] = struct{}{}
	}
	// The burn address is touched by any first liquidity add.
	out.allowedAddrs[BurnAddress] = struct{}{}
	for _, t := range ticks {
		out.allowedTicks[t] = struct{}{}
	}

	for key, b := range s.balances {
		if _, ok := out.allowedTicks[key.tick]; !ok {
			continue
		}
		if _, ok := out.allowedAddrs[key.address]; !ok {
			continue
		}
		out.balances[key] = new(big.Int).Set(b)
	}
	for tick, supply := range s.supplies {
		if _, ok := out.allowedTicks[tick]; ok {
			out.supplies[tick] = new(big.Int).Set(supply)
		}
	}
	for key, pair := range s.pairs {
		out.pairs[key] = pair
	}
	return out
}

// Snapshot is an immutable point-in-time copy of a Space.
type Snapshot struct {
	space *Space
}

// Snapshot deep-copies the ledger. The result is owned by the caller
// and never aliases the source's mutable state.
func (s *Space) Snapshot() *Snapshot {
	return &Snapshot{space: s.Clone()}
}

// Cursor returns the snapshot's event-height marker.
func (sn *Snapshot) Cursor() uint64 { return sn.space.cursor }

// LastCommitID returns the id of the last commit the snapshot reflects.
func (sn *Snapshot) LastCommitID() string { return sn.space.lastCommitID }

// BalanceOf reads a balance from the snapshot.
func (sn *Snapshot) BalanceOf(class model.AssetClass, tick, address string) *big.Int {
	return sn.space.BalanceOf(class, tick, address)
}

// Restore materializes a fresh mutable Space from the snapshot.
func (sn *Snapshot) Restore() *Space { return sn.space.Clone() }
