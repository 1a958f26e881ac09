// Package reward accrues liquidity-mining rewards per pool and settles
// them per user, driven off ledger reserve and LP-supply changes.
package reward

import (
	"math/big"

	"go.uber.org/zap"

	"swapSequencer/internal/errs"
	"swapSequencer/internal/model"
	"swapSequencer/internal/space"
)

// The protocol attributes 5/6 of a pool's wealth growth to earned fees;
// the remainder is the providers' own added principal. Protocol
// constant, matched exactly.
const (
	feeShareNumerator   = 5
	feeShareDenominator = 6
)

// accScale fixes the precision of the per-share accumulator.
var accScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Pool is the per-pair reward accumulator. AccRewardPerShare never
// decreases.
type Pool struct {
	Pair              model.Pair
	AccRewardPerShare *big.Int
	AccTotal          *big.Int
	LastK             *big.Int
	LastPoolLp        *big.Int
	Reward0           *big.Int
	Reward1           *big.Int
}

// User is the per-(pair, address) settlement record.
type User struct {
	Pair            model.Pair
	Address         string
	RewardDebt      *big.Int
	RewardUnclaimed *big.Int
	RewardClaimed   *big.Int
	LastLp          *big.Int
	Claimed0        *big.Int
	Claimed1        *big.Int
	Unclaimed0      *big.Int
	Unclaimed1      *big.Int
}

// Engine owns the reward records. It borrows read access to the pending
// ledger per call and never retains it.
type Engine struct {
	feeAddress string
	pools      map[string]*Pool
	users      map[string]*User
	logger     *zap.Logger
}

func NewEngine(feeAddress string, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		feeAddress: feeAddress,
		pools:      make(map[string]*Pool),
		users:      make(map[string]*User),
		logger:     logger,
	}
}

func (e *Engine) pool(pair model.Pair) *Pool {
	key := pair.Key()
	p, ok := e.pools[key]
	if !ok {
		p = &Pool{
			Pair:              pair,
			AccRewardPerShare: big.NewInt(0),
			AccTotal:          big.NewInt(0),
			LastK:             big.NewInt(0),
			LastPoolLp:        big.NewInt(0),
			Reward0:           big.NewInt(0),
			Reward1:           big.NewInt(0),
		}
		e.pools[key] = p
	}
	return p
}

func (e *Engine) user(pair model.Pair, address string) *User {
	key := pair.Key() + "|" + address
	u, ok := e.users[key]
	if !ok {
		u = &User{
			Pair:            pair,
			Address:         address,
			RewardDebt:      big.NewInt(0),
			RewardUnclaimed: big.NewInt(0),
			RewardClaimed:   big.NewInt(0),
			LastLp:          big.NewInt(0),
			Claimed0:        big.NewInt(0),
			Claimed1:        big.NewInt(0),
			Unclaimed0:      big.NewInt(0),
			Unclaimed1:      big.NewInt(0),
		}
		e.users[key] = u
	}
	return u
}

// Pools lists every accumulator record.
func (e *Engine) Pools() []*Pool {
	out := make([]*Pool, 0, len(e.pools))
	for _, p := range e.pools {
		out = append(out, p)
	}
	return out
}

// Users lists every settlement record.
func (e *Engine) Users() []*User {
	out := make([]*User, 0, len(e.users))
	for _, u := range e.users {
		out = append(out, u)
	}
	return out
}

// PoolState returns the current accumulator record, if any.
func (e *Engine) PoolState(pair model.Pair) (*Pool, bool) {
	p, ok := e.pools[pair.Key()]
	return p, ok
}

// UserState returns the current settlement record, if any.
func (e *Engine) UserState(pair model.Pair, address string) (*User, bool) {
	u, ok := e.users[pair.Key()+"|"+address]
	return u, ok
}

// poolLp is the LP supply actually earning rewards: total supply minus
// the fee collector's own holdings.
func (e *Engine) poolLp(sp *space.Space, pair model.Pair) *big.Int {
	lp := sp.LpSupply(pair)
	lp.Sub(lp, sp.BalanceOf(model.ClassSwap, pair.LpTick(), e.feeAddress))
	return lp
}

// UpdatePool rolls the pair's accumulator forward to the ledger's
// current reserves. Incremental wealth sqrt(k2)-sqrt(k1) over the
// incremental period isolates the fee-earned component; the 5/6 factor
// strips the share attributable to added principal.
func (e *Engine) UpdatePool(sp *space.Space, pair model.Pair) {
	p := e.pool(pair)

	reserve0, reserve1 := sp.Reserves(pair)
	k := new(big.Int).Mul(reserve0, reserve1)
	poolLp := e.poolLp(sp, pair)

	if k.Cmp(p.LastK) == 0 && poolLp.Cmp(p.LastPoolLp) == 0 {
		return
	}

	w2 := new(big.Int).Sqrt(k)
	w1 := new(big.Int).Sqrt(p.LastK)
	if w2.Cmp(w1) > 0 && p.LastPoolLp.Sign() > 0 {
		growth := new(big.Int).Sub(w2, w1)
		growth.Mul(growth, big.NewInt(feeShareNumerator))
		growth.Div(growth, big.NewInt(feeShareDenominator))

		perShare := new(big.Int).Mul(growth, accScale)
		perShare.Div(perShare, p.LastPoolLp)

		p.AccRewardPerShare.Add(p.AccRewardPerShare, perShare)
		p.AccTotal.Add(p.AccTotal, growth)
	}

	p.LastK = k
	p.LastPoolLp = poolLp
	p.Reward0, p.Reward1 = e.Split(sp, pair, p.AccTotal)
}

// Settle updates the user's unclaimed reward for the period since the
// last settlement. Must run before any reward-affecting read of the
// user record.
func (e *Engine) Settle(sp *space.Space, pair model.Pair, address string) *User {
	e.UpdatePool(sp, pair)
	u := e.user(pair, address)
	p := e.pool(pair)

	currentLp := sp.AggregateBalance(address, pair.LpTick(),
		[]model.AssetClass{model.ClassSwap, model.ClassLock})

	// Reward for the elapsed period accrues on the previous LP balance.
	accrued := new(big.Int).Mul(p.AccRewardPerShare, u.LastLp)
	accrued.Div(accrued, accScale)
	if accrued.Cmp(u.RewardDebt) > 0 {
		gain := new(big.Int).Sub(accrued, u.RewardDebt)
		u.RewardUnclaimed.Add(u.RewardUnclaimed, gain)
	}

	u.RewardDebt = new(big.Int).Mul(p.AccRewardPerShare, currentLp)
	u.RewardDebt.Div(u.RewardDebt, accScale)
	u.LastLp = currentLp
	u.Unclaimed0, u.Unclaimed1 = e.Split(sp, pair, u.RewardUnclaimed)
	return u
}

// Claim settles and then moves the reward share proportional to
// removedLp out of lastLp from unclaimed to claimed. Returns the
// claimed reward weight.
func (e *Engine) Claim(sp *space.Space, pair model.Pair, address string, removedLp *big.Int) (*big.Int, error) {
	if removedLp == nil || removedLp.Sign() < 0 {
		return nil, errs.E(errs.KindValidation, errs.CodeBadAmount, "removed lp must be non-negative")
	}
	u := e.Settle(sp, pair, address)
	if removedLp.Cmp(u.LastLp) > 0 {
		return nil, errs.E(errs.KindValidation, errs.CodeInsufficientFunds,
			"removed lp %s exceeds balance %s", removedLp, u.LastLp)
	}
	if u.LastLp.Sign() == 0 || u.RewardUnclaimed.Sign() == 0 {
		return big.NewInt(0), nil
	}

	claim := new(big.Int).Mul(removedLp, u.RewardUnclaimed)
	claim.Div(claim, u.LastLp)
	if claim.Sign() == 0 {
		return claim, nil
	}

	u.RewardUnclaimed.Sub(u.RewardUnclaimed, claim)
	u.RewardClaimed.Add(u.RewardClaimed, claim)

	c0, c1 := e.Split(sp, pair, claim)
	u.Claimed0.Add(u.Claimed0, c0)
	u.Claimed1.Add(u.Claimed1, c1)
	u.Unclaimed0, u.Unclaimed1 = e.Split(sp, pair, u.RewardUnclaimed)
	return claim, nil
}

// Split converts an abstract reward weight into per-token amounts
// proportional to current reserves: rewardX = share / sqrt(k) *
// reserveX. Zero weight or an empty pool yields zero for both.
func (e *Engine) Split(sp *space.Space, pair model.Pair, share *big.Int) (*big.Int, *big.Int) {
	if share == nil || share.Sign() == 0 {
		return big.NewInt(0), big.NewInt(0)
	}
	reserve0, reserve1 := sp.Reserves(pair)
	weight := new(big.Int).Mul(reserve0, reserve1)
	weight.Sqrt(weight)
	if weight.Sign() == 0 {
		return big.NewInt(0), big.NewInt(0)
	}

	r0 := new(big.Int).Mul(share, reserve0)
	r0.Div(r0, weight)
	r1 := new(big.Int).Mul(share, reserve1)
	r1.Div(r1, weight)
	return r0, r1
}
