package reward

import (
	"math/big"

	"go.uber.org/zap"

	"swapSequencer/internal/errs"
	"swapSequencer/internal/model"
	"swapSequencer/internal/space"
)

// StakePool distributes a reward token over locked LP of one pair. The
// accumulator mirrors the LP reward engine, but the reward source is a
// deposited token balance rather than pool wealth growth, so the pool
// tracks its own balance sufficiency.
type StakePool struct {
	Pair              model.Pair
	RewardTick        string
	PerCycle          *big.Int
	AccRewardPerShare *big.Int
	Distributed       *big.Int
	Deposited         *big.Int
	Claimed           *big.Int
	LastTotalLocked   *big.Int
}

// Available is the deposited reward not yet earmarked by distribution.
func (p *StakePool) Available() *big.Int {
	return new(big.Int).Sub(p.Deposited, p.Distributed)
}

// StakeUser is the per-(pair, address) staking settlement record.
type StakeUser struct {
	Pair            model.Pair
	Address         string
	RewardDebt      *big.Int
	RewardUnclaimed *big.Int
	RewardClaimed   *big.Int
	LastLocked      *big.Int
}

// StakeLedger owns the staking reward records.
type StakeLedger struct {
	pools  map[string]*StakePool
	users  map[string]*StakeUser
	logger *zap.Logger
}

func NewStakeLedger(logger *zap.Logger) *StakeLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StakeLedger{
		pools:  make(map[string]*StakePool),
		users:  make(map[string]*StakeUser),
		logger: logger,
	}
}

// DeployPool registers a staking pool for a pair.
func (l *StakeLedger) DeployPool(pair model.Pair, rewardTick string, perCycle *big.Int) (*StakePool, error) {
	key := pair.Key()
	if _, ok := l.pools[key]; ok {
		return nil, errs.E(errs.KindValidation, errs.CodePoolExists, "stake pool %s already deployed", key)
	}
	if rewardTick == "" || perCycle == nil || perCycle.Sign() <= 0 {
		return nil, errs.E(errs.KindValidation, errs.CodeBadAmount, "stake pool needs reward tick and positive rate")
	}
	p := &StakePool{
		Pair:              pair,
		RewardTick:        rewardTick,
		PerCycle:          new(big.Int).Set(perCycle),
		AccRewardPerShare: big.NewInt(0),
		Distributed:       big.NewInt(0),
		Deposited:         big.NewInt(0),
		Claimed:           big.NewInt(0),
		LastTotalLocked:   big.NewInt(0),
	}
	l.pools[key] = p
	return p, nil
}

// Pool returns the staking pool for a pair, if deployed.
func (l *StakeLedger) Pool(pair model.Pair) (*StakePool, bool) {
	p, ok := l.pools[pair.Key()]
	return p, ok
}

// User returns the staking record for an address, if present.
func (l *StakeLedger) User(pair model.Pair, address string) (*StakeUser, bool) {
	u, ok := l.users[pair.Key()+"|"+address]
	return u, ok
}

func (l *StakeLedger) user(pair model.Pair, address string) *StakeUser {
	key := pair.Key() + "|" + address
	u, ok := l.users[key]
	if !ok {
		u = &StakeUser{
			Pair:            pair,
			Address:         address,
			RewardDebt:      big.NewInt(0),
			RewardUnclaimed: big.NewInt(0),
			RewardClaimed:   big.NewInt(0),
			LastLocked:      big.NewInt(0),
		}
		l.users[key] = u
	}
	return u
}

// Deposit credits reward tokens to the pool's distribution budget. The
// ledger-side transfer into the stake vault happens separately.
func (l *StakeLedger) Deposit(pair model.Pair, amount *big.Int) error {
	p, ok := l.pools[pair.Key()]
	if !ok {
		return errs.E(errs.KindValidation, errs.CodeUnknownPool, "stake pool %s not deployed", pair.Key())
	}
	if amount == nil || amount.Sign() <= 0 {
		return errs.E(errs.KindValidation, errs.CodeBadAmount, "deposit must be positive")
	}
	p.Deposited.Add(p.Deposited, amount)
	return nil
}

// Cycle distributes one cycle's reward across currently locked LP for
// every pool. Distribution stops when the remaining deposited balance
// cannot cover a full cycle.
func (l *StakeLedger) Cycle(sp *space.Space) {
	for _, p := range l.pools {
		locked := sp.TotalOf(model.ClassLock, p.Pair.LpTick())
		p.LastTotalLocked = locked
		if locked.Sign() == 0 {
			continue
		}
		if p.Available().Cmp(p.PerCycle) < 0 {
			l.logger.Debug("stake pool budget exhausted",
				zap.String("pair", p.Pair.Key()),
				zap.String("available", p.Available().String()))
			continue
		}

		perShare := new(big.Int).Mul(p.PerCycle, accScale)
		perShare.Div(perShare, locked)
		if perShare.Sign() == 0 {
			continue
		}
		p.AccRewardPerShare.Add(p.AccRewardPerShare, perShare)
		p.Distributed.Add(p.Distributed, p.PerCycle)
	}
}

// Settle rolls a user's unclaimed staking reward forward, mirroring the
// LP engine: the elapsed period accrues on the previous locked balance.
func (l *StakeLedger) Settle(sp *space.Space, pair model.Pair, address string) (*StakeUser, error) {
	p, ok := l.pools[pair.Key()]
	if !ok {
		return nil, errs.E(errs.KindValidation, errs.CodeUnknownPool, "stake pool %s not deployed", pair.Key())
	}
	u := l.user(pair, address)

	currentLocked := sp.BalanceOf(model.ClassLock, pair.LpTick(), address)

	accrued := new(big.Int).Mul(p.AccRewardPerShare, u.LastLocked)
	accrued.Div(accrued, accScale)
	if accrued.Cmp(u.RewardDebt) > 0 {
		gain := new(big.Int).Sub(accrued, u.RewardDebt)
		u.RewardUnclaimed.Add(u.RewardUnclaimed, gain)
	}

	u.RewardDebt = new(big.Int).Mul(p.AccRewardPerShare, currentLocked)
	u.RewardDebt.Div(u.RewardDebt, accScale)
	u.LastLocked = currentLocked
	return u, nil
}

// PreviewClaim settles and returns the claimable amount without moving
// it, plus whether the pool's reward balance covers it.
func (l *StakeLedger) PreviewClaim(sp *space.Space, pair model.Pair, address string) (*big.Int, bool, error) {
	u, err := l.Settle(sp, pair, address)
	if err != nil {
		return nil, false, err
	}
	p := l.pools[pair.Key()]
	remaining := new(big.Int).Sub(p.Deposited, p.Claimed)
	return new(big.Int).Set(u.RewardUnclaimed), remaining.Cmp(u.RewardUnclaimed) >= 0, nil
}

// Claim settles and moves the whole unclaimed amount to claimed. Fails
// before any change if the pool's reward balance cannot cover it.
func (l *StakeLedger) Claim(sp *space.Space, pair model.Pair, address string) (*big.Int, error) {
	amount, covered, err := l.PreviewClaim(sp, pair, address)
	if err != nil {
		return nil, err
	}
	if !covered {
		return nil, errs.E(errs.KindValidation, errs.CodeStakeBalanceLow,
			"stake pool %s cannot cover claim %s", pair.Key(), amount)
	}
	if amount.Sign() == 0 {
		return amount, nil
	}
	u := l.user(pair, address)
	p := l.pools[pair.Key()]
	u.RewardUnclaimed.Sub(u.RewardUnclaimed, amount)
	u.RewardClaimed.Add(u.RewardClaimed, amount)
	p.Claimed.Add(p.Claimed, amount)
	return amount, nil
}
