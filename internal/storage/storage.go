// Package storage defines the durable projection contract. The ledger
// in memory is the source of truth; these records are a projection that
// self-heals on the next full rebuild, so writers log failures instead
// of rolling the ledger back.
package storage

import (
	"context"
	"time"

	"swapSequencer/internal/model"
)

// BalanceRecord projects one (class, tick, address) balance.
type BalanceRecord struct {
	Address string
	Tick    string
	Class   model.AssetClass
	Balance string
}

// SupplyRecord projects a tick's total supply.
type SupplyRecord struct {
	Tick   string
	Supply string
}

// PoolRecord projects a pair's reserves and LP supply.
type PoolRecord struct {
	Pair     string
	Reserve0 string
	Reserve1 string
	LpSupply string
}

// RewardPoolRecord projects the LP reward accumulator of a pair.
type RewardPoolRecord struct {
	Pair              string
	AccRewardPerShare string
	AccTotal          string
	LastK             string
	LastPoolLp        string
	Reward0           string
	Reward1           string
}

// RewardUserRecord projects one user's LP reward settlement state.
type RewardUserRecord struct {
	Pair            string
	Address         string
	RewardDebt      string
	RewardUnclaimed string
	RewardClaimed   string
	LastLp          string
}

// StakePoolRecord projects a staking pool.
type StakePoolRecord struct {
	Pair              string
	RewardTick        string
	PerCycle          string
	AccRewardPerShare string
	Deposited         string
	Distributed       string
	Claimed           string
}

// StakeUserRecord projects one user's staking settlement state.
type StakeUserRecord struct {
	Pair            string
	Address         string
	RewardDebt      string
	RewardUnclaimed string
	RewardClaimed   string
	LastLocked      string
}

// StakeHistoryRecord is the externally visible record of one staking
// operation, keyed by the operation id the ledger mutation carries.
type StakeHistoryRecord struct {
	OpID      string
	Kind      model.OpKind
	Pair      string
	Address   string
	Amount    string
	CreatedAt time.Time
}

// PayPreferenceRecord remembers how an address pays sequencing fees.
type PayPreferenceRecord struct {
	Address string
	PayType string
	FeeTick string
}

// TaskCompletionRecord marks a free-quota task consumed by an address.
type TaskCompletionRecord struct {
	Address     string
	Task        string
	OpID        string
	CompletedAt time.Time
}

// StakeWriter is the transactional scope of one staking operation: the
// pool and user projections and the history record commit or fail as
// one unit.
type StakeWriter interface {
	UpsertStakePool(ctx context.Context, rec StakePoolRecord) error
	UpsertStakeUser(ctx context.Context, rec StakeUserRecord) error
	AppendStakeHistory(ctx context.Context, rec StakeHistoryRecord) error
}

// Store is the keyed document store consumed by the sequencer.
type Store interface {
	UpsertBalances(ctx context.Context, recs []BalanceRecord) error
	// UpsertBalancesAndSupply writes the balance set and the supply
	// record in one transaction.
	UpsertBalancesAndSupply(ctx context.Context, recs []BalanceRecord, supply SupplyRecord) error
	UpsertPool(ctx context.Context, rec PoolRecord) error
	UpsertRewardPool(ctx context.Context, rec RewardPoolRecord) error
	UpsertRewardUser(ctx context.Context, rec RewardUserRecord) error
	UpsertPayPreference(ctx context.Context, rec PayPreferenceRecord) error
	MarkTaskCompleted(ctx context.Context, rec TaskCompletionRecord) error

	SaveCommit(ctx context.Context, commit *model.Commit) error
	SetCommitInscription(ctx context.Context, parent, inscriptionID, txid string) error
	CommitByParent(ctx context.Context, parent string) (*model.Commit, error)
	RecentCommits(ctx context.Context, limit int) ([]*model.Commit, error)
	// UnindexedCommits returns published commits the indexer has not
	// confirmed yet, in insertion order.
	UnindexedCommits(ctx context.Context) ([]*model.Commit, error)
	MarkCommitIndexed(ctx context.Context, inscriptionID string, height uint64) error

	StakeTx(ctx context.Context, fn func(w StakeWriter) error) error

	LoadState(ctx context.Context, name string) (string, bool, error)
	SaveState(ctx context.Context, name, value string) error
}
