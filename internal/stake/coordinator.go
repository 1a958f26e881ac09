// Package stake fronts the staking operations with a durability
// barrier: the history record and projections are written before the
// ledger mutates, so a crash between the two leaves a replayable trail
// instead of silent state loss.
package stake

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"swapSequencer/internal/errs"
	"swapSequencer/internal/model"
	"swapSequencer/internal/operator"
	"swapSequencer/internal/storage"
)

// Coordinator serializes staking operations. It holds its own mutex on
// top of the operator's so the dry run, the durable write, and the
// canonical apply of one staking request never interleave with another.
type Coordinator struct {
	mu sync.Mutex

	op     *operator.Operator
	store  storage.Store
	logger *zap.Logger
}

func New(op *operator.Operator, store storage.Store, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{op: op, store: store, logger: logger}
}

// Stake locks LP into the staking class.
func (c *Coordinator) Stake(ctx context.Context, req operator.Request) (*model.OperationResult, error) {
	return c.run(ctx, req)
}

// Unstake releases locked LP back to the liquid class.
func (c *Coordinator) Unstake(ctx context.Context, req operator.Request) (*model.OperationResult, error) {
	return c.run(ctx, req)
}

// Claim pays out an address's accrued staking reward. The claim must
// match the settled claimable amount, and the pool's reward balance
// must cover it before anything is written.
func (c *Coordinator) Claim(ctx context.Context, req operator.Request) (*model.OperationResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	op := &req.Op
	if op.Kind != model.KindStakeClaim {
		return nil, errs.E(errs.KindValidation, errs.CodeInvalidEvent, "operation kind %q", op.Kind)
	}
	pair, err := model.ParsePairKey(op.Pair)
	if err != nil {
		return nil, err
	}
	amount, err := model.ParsePositiveAmount(op.Amount)
	if err != nil {
		return nil, err
	}

	if _, err := c.op.DryRun(ctx, req); err != nil {
		return nil, err
	}

	claimable, covered, err := c.op.PreviewStakeClaim(pair, op.Address)
	if err != nil {
		return nil, err
	}
	if !covered {
		return nil, errs.E(errs.KindValidation, errs.CodeStakeBalanceLow,
			"stake pool %s cannot cover claim %s", pair.Key(), claimable)
	}
	if claimable.Cmp(amount) != 0 {
		return nil, errs.E(errs.KindValidation, errs.CodeBadAmount,
			"claim %s does not match settled claimable %s", amount, claimable)
	}

	if err := c.persist(ctx, op, pair); err != nil {
		return nil, err
	}

	res, err := c.op.Aggregate(ctx, req)
	if err != nil {
		return nil, err
	}
	if _, err := c.op.ClaimStake(pair, op.Address); err != nil {
		// The coordinator mutex serialized the whole claim; a failure
		// here is a bookkeeping split from the ledger, not a user error.
		c.logger.Error("stake claim settlement failed after apply",
			zap.String("op", op.ID), zap.Error(err))
		return nil, errs.Wrap(errs.KindFatal, errs.CodeInvariant, err)
	}
	c.persistSettled(ctx, op, pair)
	return res, nil
}

// run handles stake and unstake: dry run, durable write, canonical
// apply, staking settlement.
func (c *Coordinator) run(ctx context.Context, req operator.Request) (*model.OperationResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	op := &req.Op
	if op.Kind != model.KindStake && op.Kind != model.KindUnstake {
		return nil, errs.E(errs.KindValidation, errs.CodeInvalidEvent, "operation kind %q", op.Kind)
	}
	pair, err := model.ParsePairKey(op.Pair)
	if err != nil {
		return nil, err
	}

	if _, err := c.op.DryRun(ctx, req); err != nil {
		return nil, err
	}
	if err := c.persist(ctx, op, pair); err != nil {
		return nil, err
	}

	res, err := c.op.Aggregate(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := c.op.SettleStake(pair, op.Address); err != nil {
		c.logger.Warn("stake settlement after apply",
			zap.String("pair", pair.Key()), zap.Error(err))
	}
	c.persistSettled(ctx, op, pair)
	return res, nil
}

// persist writes the history record and the pre-operation projections
// in one transaction. Failure here blocks the canonical mutation.
func (c *Coordinator) persist(ctx context.Context, op *model.InternalOperation, pair model.Pair) error {
	id, err := op.ComputeID()
	if err != nil {
		return errs.E(errs.KindValidation, errs.CodeInvalidEvent, "derive id: %v", err)
	}
	amount := op.Amount
	if amount == "" {
		amount = op.Lp
	}
	err = c.store.StakeTx(ctx, func(w storage.StakeWriter) error {
		if err := c.writeProjections(ctx, w, op, pair); err != nil {
			return err
		}
		return w.AppendStakeHistory(ctx, storage.StakeHistoryRecord{
			OpID:      id,
			Kind:      op.Kind,
			Pair:      pair.Key(),
			Address:   op.Address,
			Amount:    amount,
			CreatedAt: time.Unix(op.Timestamp, 0),
		})
	})
	if err != nil {
		return errs.Wrap(errs.KindStorage, errs.CodeProjectionWrite, err)
	}
	return nil
}

// persistSettled refreshes the projections after the ledger moved;
// failures are logged, the next operation rewrites them.
func (c *Coordinator) persistSettled(ctx context.Context, op *model.InternalOperation, pair model.Pair) {
	err := c.store.StakeTx(ctx, func(w storage.StakeWriter) error {
		return c.writeProjections(ctx, w, op, pair)
	})
	if err != nil {
		c.logger.Error("stake projection refresh",
			zap.String("pair", pair.Key()), zap.Error(err))
	}
}

func (c *Coordinator) writeProjections(ctx context.Context, w storage.StakeWriter, op *model.InternalOperation, pair model.Pair) error {
	poolRec, userRec := c.op.StakeProjection(pair, op.Address)
	if poolRec != nil {
		if err := w.UpsertStakePool(ctx, *poolRec); err != nil {
			return err
		}
	}
	if userRec != nil {
		if err := w.UpsertStakeUser(ctx, *userRec); err != nil {
			return err
		}
	}
	return nil
}
