// Package postgres implements the storage contract on Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"swapSequencer/internal/model"
	"swapSequencer/internal/storage"
)

// Store provides Postgres persistence for sequencer projections.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// UpsertBalances writes balance projections keyed by
// (address, tick, asset_class).
func (s *Store) UpsertBalances(ctx context.Context, recs []storage.BalanceRecord) error {
	if len(recs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, rec := range recs {
		queueBalance(batch, rec)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range recs {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func queueBalance(batch *pgx.Batch, rec storage.BalanceRecord) {
	batch.Queue(`
		INSERT INTO balances (address, tick, asset_class, balance, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (address, tick, asset_class)
		DO UPDATE SET balance = EXCLUDED.balance, updated_at = now()
	`, rec.Address, rec.Tick, string(rec.Class), rec.Balance)
}

// UpsertBalancesAndSupply writes the balances and the tick supply in
// one transaction.
func (s *Store) UpsertBalancesAndSupply(ctx context.Context, recs []storage.BalanceRecord, supply storage.SupplyRecord) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, rec := range recs {
			_, err := tx.Exec(ctx, `
				INSERT INTO balances (address, tick, asset_class, balance, updated_at)
				VALUES ($1, $2, $3, $4, now())
				ON CONFLICT (address, tick, asset_class)
				DO UPDATE SET balance = EXCLUDED.balance, updated_at = now()
			`, rec.Address, rec.Tick, string(rec.Class), rec.Balance)
			if err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO supplies (tick, supply, updated_at)
			VALUES ($1, $2, now())
			ON CONFLICT (tick)
			DO UPDATE SET supply = EXCLUDED.supply, updated_at = now()
		`, supply.Tick, supply.Supply)
		return err
	})
}

// UpsertPool writes a pool reserve projection.
func (s *Store) UpsertPool(ctx context.Context, rec storage.PoolRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pools (pair, reserve0, reserve1, lp_supply, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (pair)
		DO UPDATE SET
			reserve0 = EXCLUDED.reserve0,
			reserve1 = EXCLUDED.reserve1,
			lp_supply = EXCLUDED.lp_supply,
			updated_at = now()
	`, rec.Pair, rec.Reserve0, rec.Reserve1, rec.LpSupply)
	return err
}

// UpsertRewardPool writes an LP reward accumulator projection.
func (s *Store) UpsertRewardPool(ctx context.Context, rec storage.RewardPoolRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reward_pools (
			pair, acc_reward_per_share, acc_total, last_k, last_pool_lp, reward0, reward1, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (pair)
		DO UPDATE SET
			acc_reward_per_share = EXCLUDED.acc_reward_per_share,
			acc_total = EXCLUDED.acc_total,
			last_k = EXCLUDED.last_k,
			last_pool_lp = EXCLUDED.last_pool_lp,
			reward0 = EXCLUDED.reward0,
			reward1 = EXCLUDED.reward1,
			updated_at = now()
	`, rec.Pair, rec.AccRewardPerShare, rec.AccTotal, rec.LastK, rec.LastPoolLp, rec.Reward0, rec.Reward1)
	return err
}

// UpsertRewardUser writes a user's LP reward settlement projection.
func (s *Store) UpsertRewardUser(ctx context.Context, rec storage.RewardUserRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reward_users (
			pair, address, reward_debt, reward_unclaimed, reward_claimed, last_lp, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (pair, address)
		DO UPDATE SET
			reward_debt = EXCLUDED.reward_debt,
			reward_unclaimed = EXCLUDED.reward_unclaimed,
			reward_claimed = EXCLUDED.reward_claimed,
			last_lp = EXCLUDED.last_lp,
			updated_at = now()
	`, rec.Pair, rec.Address, rec.RewardDebt, rec.RewardUnclaimed, rec.RewardClaimed, rec.LastLp)
	return err
}

// UpsertPayPreference writes an address's fee-payment preference.
func (s *Store) UpsertPayPreference(ctx context.Context, rec storage.PayPreferenceRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pay_preferences (address, pay_type, fee_tick, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (address)
		DO UPDATE SET pay_type = EXCLUDED.pay_type, fee_tick = EXCLUDED.fee_tick, updated_at = now()
	`, rec.Address, rec.PayType, rec.FeeTick)
	return err
}

// MarkTaskCompleted records a consumed free-quota task.
func (s *Store) MarkTaskCompleted(ctx context.Context, rec storage.TaskCompletionRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_completions (address, task, op_id, completed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (address, task) DO NOTHING
	`, rec.Address, rec.Task, rec.OpID, rec.CompletedAt)
	return err
}

// SaveCommit inserts or replaces a commit record keyed by its parent.
func (s *Store) SaveCommit(ctx context.Context, commit *model.Commit) error {
	payload, err := json.Marshal(commit)
	if err != nil {
		return fmt.Errorf("marshal commit: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO commits (parent, inscription_id, txid, height, indexed, payload, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, false, $5, now(), now())
		ON CONFLICT (parent)
		DO UPDATE SET
			inscription_id = EXCLUDED.inscription_id,
			txid = EXCLUDED.txid,
			height = EXCLUDED.height,
			payload = EXCLUDED.payload,
			updated_at = now()
	`, commit.Op.Parent, commit.InscriptionID, commit.TxID, commit.Height, payload)
	return err
}

// SetCommitInscription stamps the inscription id onto a saved commit.
func (s *Store) SetCommitInscription(ctx context.Context, parent, inscriptionID, txid string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE commits SET
			inscription_id = $2,
			txid = NULLIF($3, ''),
			payload = jsonb_set(jsonb_set(payload, '{inscriptionId}', to_jsonb($2::text)), '{txid}', to_jsonb($3::text)),
			updated_at = now()
		WHERE parent = $1
	`, parent, inscriptionID, txid)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("commit with parent %s not found", parent)
	}
	return nil
}

// CommitByParent finds a commit by its parent id.
func (s *Store) CommitByParent(ctx context.Context, parent string) (*model.Commit, error) {
	row := s.pool.QueryRow(ctx, `SELECT payload FROM commits WHERE parent = $1`, parent)
	return scanCommit(row)
}

// RecentCommits returns the most recent commits by insertion order.
func (s *Store) RecentCommits(ctx context.Context, limit int) ([]*model.Commit, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
		SELECT payload FROM commits ORDER BY id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCommits(rows)
}

// UnindexedCommits returns published commits the indexer has not yet
// confirmed, oldest first.
func (s *Store) UnindexedCommits(ctx context.Context) ([]*model.Commit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT payload FROM commits
		WHERE indexed = false AND inscription_id IS NOT NULL
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCommits(rows)
}

// MarkCommitIndexed records that the indexer has observed the commit.
func (s *Store) MarkCommitIndexed(ctx context.Context, inscriptionID string, height uint64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE commits SET indexed = true, height = $2, updated_at = now()
		WHERE inscription_id = $1
	`, inscriptionID, height)
	return err
}

func scanCommit(row pgx.Row) (*model.Commit, error) {
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var commit model.Commit
	if err := json.Unmarshal(payload, &commit); err != nil {
		return nil, fmt.Errorf("unmarshal commit: %w", err)
	}
	return &commit, nil
}

func scanCommits(rows pgx.Rows) ([]*model.Commit, error) {
	var out []*model.Commit
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var commit model.Commit
		if err := json.Unmarshal(payload, &commit); err != nil {
			return nil, fmt.Errorf("unmarshal commit: %w", err)
		}
		out = append(out, &commit)
	}
	return out, rows.Err()
}

type stakeWriter struct {
	tx pgx.Tx
}

func (w *stakeWriter) UpsertStakePool(ctx context.Context, rec storage.StakePoolRecord) error {
	_, err := w.tx.Exec(ctx, `
		INSERT INTO stake_pools (
			pair, reward_tick, per_cycle, acc_reward_per_share, deposited, distributed, claimed, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (pair)
		DO UPDATE SET
			reward_tick = EXCLUDED.reward_tick,
			per_cycle = EXCLUDED.per_cycle,
			acc_reward_per_share = EXCLUDED.acc_reward_per_share,
			deposited = EXCLUDED.deposited,
			distributed = EXCLUDED.distributed,
			claimed = EXCLUDED.claimed,
			updated_at = now()
	`, rec.Pair, rec.RewardTick, rec.PerCycle, rec.AccRewardPerShare, rec.Deposited, rec.Distributed, rec.Claimed)
	return err
}

func (w *stakeWriter) UpsertStakeUser(ctx context.Context, rec storage.StakeUserRecord) error {
	_, err := w.tx.Exec(ctx, `
		INSERT INTO stake_users (
			pair, address, reward_debt, reward_unclaimed, reward_claimed, last_locked, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (pair, address)
		DO UPDATE SET
			reward_debt = EXCLUDED.reward_debt,
			reward_unclaimed = EXCLUDED.reward_unclaimed,
			reward_claimed = EXCLUDED.reward_claimed,
			last_locked = EXCLUDED.last_locked,
			updated_at = now()
	`, rec.Pair, rec.Address, rec.RewardDebt, rec.RewardUnclaimed, rec.RewardClaimed, rec.LastLocked)
	return err
}

func (w *stakeWriter) AppendStakeHistory(ctx context.Context, rec storage.StakeHistoryRecord) error {
	_, err := w.tx.Exec(ctx, `
		INSERT INTO stake_history (op_id, kind, pair, address, amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (op_id) DO NOTHING
	`, rec.OpID, string(rec.Kind), rec.Pair, rec.Address, rec.Amount, rec.CreatedAt)
	return err
}

// StakeTx runs one staking operation's durable writes in a single
// transaction.
func (s *Store) StakeTx(ctx context.Context, fn func(w storage.StakeWriter) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&stakeWriter{tx: tx})
	})
}

// LoadState returns a named state value.
func (s *Store) LoadState(ctx context.Context, name string) (string, bool, error) {
	if name == "" {
		return "", false, fmt.Errorf("state name required")
	}
	var value string
	row := s.pool.QueryRow(ctx, `SELECT value FROM sequencer_state WHERE name = $1`, name)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

// SaveState upserts a named state value.
func (s *Store) SaveState(ctx context.Context, name, value string) error {
	if name == "" {
		return fmt.Errorf("state name required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sequencer_state (name, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE
		SET value = EXCLUDED.value, updated_at = now()
	`, name, value)
	return err
}
