// Package space holds the pending ledger: per-(class, tick, address)
// integer balances, pool reserves and LP supply derived from the pair's
// synthetic LP tick. One mutable Space is exclusively owned by the
// commit sequencer; everything else works on clones.
package space

import (
	"math/big"

	"swapSequencer/internal/errs"
	"swapSequencer/internal/model"
)

// BurnAddress receives the minimum-liquidity burn of first deposits.
const BurnAddress = "burn"

// StakeVault is the synthetic address holding a stake pool's reward
// token deposits for a given reward tick.
func StakeVault(tick string) string { return "stake/" + tick }

type balanceKey struct {
	class   model.AssetClass
	tick    string
	address string
}

// Space is a mutable ledger. It is not safe for concurrent use; the
// owner serializes all access.
type Space struct {
	balances map[balanceKey]*big.Int
	supplies map[string]*big.Int
	pairs    map[string]model.Pair

	cursor       uint64
	lastCommitID string

	// Partial clones carry an allowed key set; touching anything
	// outside it is an invalid event, not a silent zero.
	restricted   bool
	allowedAddrs map[string]struct{}
	allowedTicks map[string]struct{}
}

func New() *Space {
	return &Space{
		balances: make(map[balanceKey]*big.Int),
		supplies: make(map[string]*big.Int),
		pairs:    make(map[string]model.Pair),
	}
}

// Cursor returns the event-height marker of the ledger.
func (s *Space) Cursor() uint64 { return s.cursor }

// SetCursor updates the event-height marker.
func (s *Space) SetCursor(c uint64) { s.cursor = c }

// LastCommitID returns the id of the last commit reflected here.
func (s *Space) LastCommitID() string { return s.lastCommitID }

// SetLastCommitID records the last commit reflected here.
func (s *Space) SetLastCommitID(id string) { s.lastCommitID = id }

func (s *Space) allowed(tick, address string) bool {
	if !s.restricted {
		return true
	}
	if _, ok := s.allowedTicks[tick]; !ok {
		return false
	}
	_, ok := s.allowedAddrs[address]
	return ok
}

// BalanceOf returns a copy of the balance for (class, tick, address).
func (s *Space) BalanceOf(class model.AssetClass, tick, address string) *big.Int {
	if b, ok := s.balances[balanceKey{class, tick, address}]; ok {
		return new(big.Int).Set(b)
	}
	return big.NewInt(0)
}

// TotalOf sums every address's balance of one (class, tick).
func (s *Space) TotalOf(class model.AssetClass, tick string) *big.Int {
	total := big.NewInt(0)
	for key, b := range s.balances {
		if key.class == class && key.tick == tick {
			total.Add(total, b)
		}
	}
	return total
}

// HoldersOf lists every address with a positive balance of (class, tick).
func (s *Space) HoldersOf(class model.AssetClass, tick string) []string {
	var out []string
	for key, b := range s.balances {
		if key.class == class && key.tick == tick && b.Sign() > 0 {
			out = append(out, key.address)
		}
	}
	return out
}

// AggregateBalance sums an address's balances of one tick across the
// given asset classes.
func (s *Space) AggregateBalance(address, tick string, classes []model.AssetClass) *big.Int {
	total := big.NewInt(0)
	for _, class := range classes {
		if b, ok := s.balances[balanceKey{class, tick, address}]; ok {
			total.Add(total, b)
		}
	}
	return total
}

func (s *Space) credit(class model.AssetClass, tick, address string, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	if !s.allowed(tick, address) {
		return errs.E(errs.KindValidation, errs.CodeInvalidEvent, "balance %s/%s outside clone scope", tick, address)
	}
	key := balanceKey{class, tick, address}
	if b, ok := s.balances[key]; ok {
		b.Add(b, amount)
		return nil
	}
	s.balances[key] = new(big.Int).Set(amount)
	return nil
}

func (s *Space) debit(class model.AssetClass, tick, address string, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	if !s.allowed(tick, address) {
		return errs.E(errs.KindValidation, errs.CodeInvalidEvent, "balance %s/%s outside clone scope", tick, address)
	}
	key := balanceKey{class, tick, address}
	b, ok := s.balances[key]
	if !ok || b.Cmp(amount) < 0 {
		return errs.E(errs.KindValidation, errs.CodeInsufficientFunds,
			"insufficient %s balance of %s at %s", class, tick, address)
	}
	b.Sub(b, amount)
	return nil
}

// RegisterPair records a pair's existence and zero supply for its LP
// tick.
func (s *Space) RegisterPair(pair model.Pair) error {
	key := pair.Key()
	if _, ok := s.pairs[key]; ok {
		return errs.E(errs.KindValidation, errs.CodePoolExists, "pair %s already deployed", key)
	}
	s.pairs[key] = pair
	if _, ok := s.supplies[pair.LpTick()]; !ok {
		s.supplies[pair.LpTick()] = big.NewInt(0)
	}
	return nil
}

// PairExists reports whether the pair's LP tick has been registered.
func (s *Space) PairExists(pair model.Pair) bool {
	_, ok := s.pairs[pair.Key()]
	return ok
}

// Pairs lists all registered pairs.
func (s *Space) Pairs() []model.Pair {
	out := make([]model.Pair, 0, len(s.pairs))
	for _, p := range s.pairs {
		out = append(out, p)
	}
	return out
}

// Reserves returns copies of the pool's reserves of tick0 and tick1.
func (s *Space) Reserves(pair model.Pair) (*big.Int, *big.Int) {
	addr := pair.PoolAddress()
	return s.BalanceOf(model.ClassSwap, pair.Tick0, addr),
		s.BalanceOf(model.ClassSwap, pair.Tick1, addr)
}

// LpSupply returns a copy of the pair's total LP supply, including the
// minimum-liquidity burn.
func (s *Space) LpSupply(pair model.Pair) *big.Int {
	if supply, ok := s.supplies[pair.LpTick()]; ok {
		return new(big.Int).Set(supply)
	}
	return big.NewInt(0)
}

func (s *Space) mintLp(pair model.Pair, address string, amount *big.Int) error {
	if err := s.credit(model.ClassSwap, pair.LpTick(), address, amount); err != nil {
		return err
	}
	supply, ok := s.supplies[pair.LpTick()]
	if !ok {
		supply = big.NewInt(0)
		s.supplies[pair.LpTick()] = supply
	}
	supply.Add(supply, amount)
	return nil
}

func (s *Space) burnLp(pair model.Pair, address string, amount *big.Int) error {
	if err := s.debit(model.ClassSwap, pair.LpTick(), address, amount); err != nil {
		return err
	}
	supply := s.supplies[pair.LpTick()]
	if supply == nil || supply.Cmp(amount) < 0 {
		return errs.E(errs.KindFatal, errs.CodeInvariant, "lp supply underflow for %s", pair.Key())
	}
	supply.Sub(supply, amount)
	return nil
}
