// Package operator owns the pending ledger and the commit lifecycle:
// verified intents become ledger mutations batched into the open
// commit, which is sealed, verified against the indexer, published for
// inscription, and rotated.
package operator

import (
	"context"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"swapSequencer/internal/errs"
	"swapSequencer/internal/indexer"
	"swapSequencer/internal/model"
	"swapSequencer/internal/observer"
	"swapSequencer/internal/pricing"
	"swapSequencer/internal/reward"
	"swapSequencer/internal/space"
	"swapSequencer/internal/storage"
)

// Verifier is the indexer-side contract consumed by the sequencer.
type Verifier interface {
	Verify(ctx context.Context, req indexer.VerifyRequest) (bool, error)
	Health(ctx context.Context) (indexer.HealthStatus, error)
	LastIndexed(ctx context.Context) (string, uint64, error)
	Deposits(ctx context.Context, from, to uint64) ([]model.DepositEvent, error)
}

// Store keys for the durable confirmed baseline.
const (
	StateConfirmedSnapshot = "confirmed_snapshot"
	StateLastInscription   = "last_inscription"
)

// Publisher is the inscription-side contract.
type Publisher interface {
	Push(ctx context.Context, commit *model.Commit) (string, error)
	IsCommitting() bool
}

// Config holds the sequencing policy.
type Config struct {
	Module string
	Params *chaincfg.Params

	// Seal condition: operation count ceiling, and optionally a time
	// window since the first operation in the batch (0 disables).
	MaxCommitOps int
	CommitWindow time.Duration

	// Backpressure ceiling on commits the indexer has not confirmed.
	MaxUnconfirmed int

	// VerifyPerOperation runs a verification round before each
	// aggregate instead of only at seal time.
	VerifyPerOperation bool
	// StrictVerify escalates a verification mismatch to a forced
	// ledger reset; otherwise mismatches are logged only.
	StrictVerify bool

	SwapFeeRateBps uint32
	FeeAddress     string

	GasPriceMin float64
	GasPriceMax float64

	QuoteTTL      time.Duration
	QuoteCapacity int

	// MaxOpsPerAddress bounds one address's operations per open
	// commit; 0 disables the quota.
	MaxOpsPerAddress int

	// HealthFailureLimit latches the fatal flag after this many
	// consecutive indexer health failures.
	HealthFailureLimit int
}

func (c *Config) withDefaults() {
	if c.Params == nil {
		c.Params = &chaincfg.MainNetParams
	}
	if c.MaxCommitOps <= 0 {
		c.MaxCommitOps = 100
	}
	if c.MaxUnconfirmed <= 0 {
		c.MaxUnconfirmed = 5
	}
	if c.QuoteTTL <= 0 {
		c.QuoteTTL = 5 * time.Minute
	}
	if c.QuoteCapacity <= 0 {
		c.QuoteCapacity = 4096
	}
	if c.HealthFailureLimit <= 0 {
		c.HealthFailureLimit = 10
	}
}

// Operator is the commit sequencer. All entry points serialize on one
// mutex; no two mutations interleave against the pending ledger.
type Operator struct {
	mu sync.Mutex

	cfg    Config
	logger *zap.Logger
	obs    observer.Observer

	space       *space.Space
	rewards     *reward.Engine
	stakeLedger *reward.StakeLedger

	// confirmed is the last indexer-acknowledged ledger state; pending
	// resets rebuild from it.
	confirmed *space.Snapshot

	store    storage.Store
	verifier Verifier
	pricer   pricing.Service
	sender   Publisher

	current     *model.Commit
	unconfirmed []*model.Commit

	quotes *lru.LRU[string, PreResult]

	// lastOpID and seenOps back the prevs-chain replay detection.
	lastOpID map[string]string
	seenOps  map[string]struct{}

	verifyFails  int
	healthFails  int
	resetPending bool
	readOnly     bool
	fatal        error
	sealNotified bool
}

// New builds an Operator around a freshly derived pending ledger and an
// open commit chained to parent.
func New(cfg Config, sp *space.Space, rewards *reward.Engine, stakeLedger *reward.StakeLedger,
	store storage.Store, verifier Verifier, pricer pricing.Service, sender Publisher,
	obs observer.Observer, logger *zap.Logger) *Operator {

	cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if obs == nil {
		obs = observer.Nop{}
	}
	return &Operator{
		cfg:         cfg,
		logger:      logger,
		obs:         obs,
		space:       sp,
		confirmed:   sp.Snapshot(),
		rewards:     rewards,
		stakeLedger: stakeLedger,
		store:       store,
		verifier:    verifier,
		pricer:      pricer,
		sender:      sender,
		quotes:      lru.NewLRU[string, PreResult](cfg.QuoteCapacity, nil, cfg.QuoteTTL),
		lastOpID:    make(map[string]string),
		seenOps:     make(map[string]struct{}),
	}
}

// StartCommit opens the first commit of a session, chained to the last
// published inscription id.
func (o *Operator) StartCommit(parent, gasPrice, satsPrice string) *model.Commit {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.current = model.NewCommit(o.cfg.Module, parent, gasPrice, o.swapFeeRate())
	o.current.SatsPrice = satsPrice
	o.sealNotified = false
	return o.current
}

func (o *Operator) swapFeeRate() string {
	if o.cfg.SwapFeeRateBps == 0 {
		return ""
	}
	return strconv.FormatUint(uint64(o.cfg.SwapFeeRateBps), 10)
}

// Current returns the open or sealed commit.
func (o *Operator) Current() *model.Commit {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Balance reads one pending-ledger balance, synchronized with the
// mutators. The returned value is a copy owned by the caller.
func (o *Operator) Balance(class model.AssetClass, tick, address string) *big.Int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.space.BalanceOf(class, tick, address)
}

// PoolInfo reads a pool's reserves and LP supply, or false when the
// pair is not deployed.
func (o *Operator) PoolInfo(pair model.Pair) (model.PoolUpdate, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.space.PairExists(pair) {
		return model.PoolUpdate{}, false
	}
	r0, r1 := o.space.Reserves(pair)
	return model.PoolUpdate{
		Pair:     pair.Key(),
		Reserve0: r0.String(),
		Reserve1: r1.String(),
		LpSupply: o.space.LpSupply(pair).String(),
	}, true
}

// SettleStake rolls one address's staking reward settlement forward.
func (o *Operator) SettleStake(pair model.Pair, address string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, err := o.stakeLedger.Settle(o.space, pair, address)
	return err
}

// PreviewStakeClaim reports the claimable staking reward for an address
// and whether the pool balance covers it.
func (o *Operator) PreviewStakeClaim(pair model.Pair, address string) (*big.Int, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stakeLedger.PreviewClaim(o.space, pair, address)
}

// ClaimStake moves an address's settled staking reward to claimed.
func (o *Operator) ClaimStake(pair model.Pair, address string) (*big.Int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stakeLedger.Claim(o.space, pair, address)
}

// CycleStake runs one staking distribution cycle over all pools.
func (o *Operator) CycleStake() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stakeLedger.Cycle(o.space)
}

// StakeProjection copies one pool's staking state and one address's
// settlement state into storage records. Either may be nil.
func (o *Operator) StakeProjection(pair model.Pair, address string) (*storage.StakePoolRecord, *storage.StakeUserRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var poolRec *storage.StakePoolRecord
	if pool, ok := o.stakeLedger.Pool(pair); ok {
		poolRec = &storage.StakePoolRecord{
			Pair:              pool.Pair.Key(),
			RewardTick:        pool.RewardTick,
			PerCycle:          pool.PerCycle.String(),
			AccRewardPerShare: pool.AccRewardPerShare.String(),
			Deposited:         pool.Deposited.String(),
			Distributed:       pool.Distributed.String(),
			Claimed:           pool.Claimed.String(),
		}
	}
	var userRec *storage.StakeUserRecord
	if user, ok := o.stakeLedger.User(pair, address); ok {
		userRec = &storage.StakeUserRecord{
			Pair:            user.Pair.Key(),
			Address:         user.Address,
			RewardDebt:      user.RewardDebt.String(),
			RewardUnclaimed: user.RewardUnclaimed.String(),
			RewardClaimed:   user.RewardClaimed.String(),
			LastLocked:      user.LastLocked.String(),
		}
	}
	return poolRec, userRec
}

// RewardProjection copies the LP reward engine state into storage
// records for the periodic projection flush.
func (o *Operator) RewardProjection() ([]storage.RewardPoolRecord, []storage.RewardUserRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	pools := make([]storage.RewardPoolRecord, 0, len(o.rewards.Pools()))
	for _, p := range o.rewards.Pools() {
		pools = append(pools, storage.RewardPoolRecord{
			Pair:              p.Pair.Key(),
			AccRewardPerShare: p.AccRewardPerShare.String(),
			AccTotal:          p.AccTotal.String(),
			LastK:             p.LastK.String(),
			LastPoolLp:        p.LastPoolLp.String(),
			Reward0:           p.Reward0.String(),
			Reward1:           p.Reward1.String(),
		})
	}
	users := make([]storage.RewardUserRecord, 0, len(o.rewards.Users()))
	for _, u := range o.rewards.Users() {
		users = append(users, storage.RewardUserRecord{
			Pair:            u.Pair.Key(),
			Address:         u.Address,
			RewardDebt:      u.RewardDebt.String(),
			RewardUnclaimed: u.RewardUnclaimed.String(),
			RewardClaimed:   u.RewardClaimed.String(),
			LastLp:          u.LastLp.String(),
		})
	}
	return pools, users
}

// SetReadOnly toggles read-only mode; mutating requests are rejected
// while set.
func (o *Operator) SetReadOnly(on bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.readOnly = on
}

// Fatal returns the latched fatal error, if any.
func (o *Operator) Fatal() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fatal
}

// ClearFatal manually clears the latched fatal flag.
func (o *Operator) ClearFatal() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fatal = nil
	o.healthFails = 0
}

// reachCommitCondition reports whether the open commit should seal:
// operation ceiling reached, or the time window since the first
// operation elapsed.
func (o *Operator) reachCommitCondition(c *model.Commit) bool {
	if c == nil {
		return false
	}
	if len(c.Op.Data) >= o.cfg.MaxCommitOps {
		return true
	}
	if o.cfg.CommitWindow > 0 && len(c.Op.Data) > 0 &&
		time.Since(c.FirstOpAt) >= o.cfg.CommitWindow {
		return true
	}
	return false
}

// gateErr re-derives the system status checks. Never cached: every
// input changes asynchronously from timers.
func (o *Operator) gateErr() error {
	if o.fatal != nil {
		return errs.Wrap(errs.KindFatal, errs.CodeInvariant, o.fatal)
	}
	if o.resetPending {
		return errs.E(errs.KindCapacity, errs.CodeSystemBusy, "ledger recovery in progress")
	}
	if o.current == nil {
		return errs.E(errs.KindCapacity, errs.CodeSystemBusy, "no open commit")
	}
	if o.current.Published() {
		return errs.E(errs.KindCapacity, errs.CodeSystemBusy, "commit awaiting rotation")
	}
	if o.sender != nil && o.sender.IsCommitting() {
		return errs.E(errs.KindCapacity, errs.CodeSystemBusy, "publication in flight")
	}
	if o.reachCommitCondition(o.current) {
		return errs.E(errs.KindCapacity, errs.CodeSystemBusy, "commit imminent")
	}
	return nil
}

// latchFatal records an unrecoverable condition; all further mutating
// operations are blocked until ClearFatal.
func (o *Operator) latchFatal(err error) {
	if o.fatal == nil {
		o.fatal = err
		o.logger.Error("fatal flag latched", zap.Error(err))
	}
}
