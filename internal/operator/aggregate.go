package operator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"

	"swapSequencer/internal/errs"
	"swapSequencer/internal/model"
	"swapSequencer/internal/sign"
	"swapSequencer/internal/space"
	"swapSequencer/internal/storage"
)

// PayType selects how an operation's sequencing fee is settled.
type PayType string

const (
	// PayTick settles the fee in a module tick via an appended fee leg.
	PayTick PayType = "tick"
	// PayAsset settles the fee on chain, outside the module ledger.
	PayAsset PayType = "asset"
	// PayFree consumes a free-quota voucher.
	PayFree PayType = "free"
)

// Request is one inbound intent plus its fee settlement choice.
type Request struct {
	Op        model.InternalOperation
	Pay       PayType
	FeeTick   string
	FeeAmount string
}

// PreResult is a cached fee quote for a not-yet-submitted operation,
// keyed by the hash of its signed payload. Entries expire after the
// configured TTL.
type PreResult struct {
	QuoteKey  string    `json:"quoteKey"`
	FeeTick   string    `json:"feeTick"`
	FeeAmount string    `json:"feeAmount"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"createdAt"`
}

// Estimated size of one operation's share of the inscription, in
// virtual bytes, for fee quoting.
const opVBytes = 350

// QuoteOperation computes and caches the fee for an intent before the
// user signs it. The returned payload is the exact message to sign.
func (o *Operator) QuoteOperation(ctx context.Context, op model.InternalOperation) (PreResult, error) {
	payload, err := op.SignedPayload()
	if err != nil {
		return PreResult{}, errs.E(errs.KindValidation, errs.CodeInvalidEvent, "canonicalize: %v", err)
	}

	feeTick := op.Tick
	if feeTick == "" {
		feeTick = op.TickIn
	}
	if feeTick == "" {
		if pair, perr := model.ParsePairKey(op.Pair); perr == nil {
			feeTick = pair.Tick0
		}
	}
	if feeTick == "" {
		return PreResult{}, errs.E(errs.KindValidation, errs.CodeUnknownTick, "no fee tick resolvable")
	}

	feeRate, err := o.pricer.FeeRate(ctx)
	if err != nil {
		return PreResult{}, errs.Wrap(errs.KindCapacity, errs.CodeSystemBusy, err)
	}
	price, err := o.pricer.TickPrice(ctx, feeTick)
	if err != nil {
		return PreResult{}, errs.Wrap(errs.KindValidation, errs.CodeUnknownTick, err)
	}
	if price <= 0 {
		return PreResult{}, errs.E(errs.KindValidation, errs.CodeUnknownTick, "no price for %s", feeTick)
	}

	amount := uint64(math.Ceil(feeRate * opVBytes / price))
	res := PreResult{
		QuoteKey:  quoteKey(payload),
		FeeTick:   feeTick,
		FeeAmount: strconv.FormatUint(amount, 10),
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	o.quotes.Add(res.QuoteKey, res)
	return res, nil
}

func quoteKey(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Aggregate verifies, executes, and appends one operation to the open
// commit. The ledger mutation and the commit append are atomic with
// respect to other entry points.
func (o *Operator) Aggregate(ctx context.Context, req Request) (*model.OperationResult, error) {
	return o.aggregate(ctx, req, false)
}

// DryRun executes the operation speculatively and returns the result
// and resolved operation id without mutating the ledger or the commit.
func (o *Operator) DryRun(ctx context.Context, req Request) (*model.OperationResult, error) {
	return o.aggregate(ctx, req, true)
}

func (o *Operator) aggregate(ctx context.Context, req Request, dryRun bool) (*model.OperationResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	op := req.Op
	res, err := o.aggregateLocked(ctx, &op, req, dryRun)
	if err != nil {
		o.obs.OperationRejected(op.Kind, errs.CodeOf(err))
		return nil, err
	}
	if !dryRun {
		o.obs.OperationAccepted(op.Kind)
	}
	return res, nil
}

func (o *Operator) aggregateLocked(ctx context.Context, op *model.InternalOperation, req Request, dryRun bool) (*model.OperationResult, error) {
	if o.readOnly {
		return nil, errs.E(errs.KindCapacity, errs.CodeReadOnly, "sequencer is read-only")
	}
	if !model.ValidKind(op.Kind) || op.Kind == model.KindFee {
		return nil, errs.E(errs.KindValidation, errs.CodeInvalidEvent, "operation kind %q", op.Kind)
	}

	// Fee-payment resolution and quote validation before anything else;
	// a stale quote must not cost the caller a replay slot.
	feeOp, err := o.resolveFee(ctx, op, req, dryRun)
	if err != nil {
		return nil, err
	}

	if len(o.unconfirmed) >= o.cfg.MaxUnconfirmed {
		return nil, errs.E(errs.KindCapacity, errs.CodeTooManyUnconfirmed,
			"%d commits awaiting indexing", len(o.unconfirmed))
	}
	if err := o.gateErr(); err != nil {
		return nil, err
	}
	if err := o.checkAddressQuota(op.Address); err != nil {
		return nil, err
	}

	payload, err := op.SignedPayload()
	if err != nil {
		return nil, errs.E(errs.KindValidation, errs.CodeInvalidEvent, "canonicalize: %v", err)
	}
	if err := sign.Verify(op.Address, payload, op.Signature, o.cfg.Params); err != nil {
		return nil, err
	}
	op.ID, err = op.ComputeID()
	if err != nil {
		return nil, errs.E(errs.KindValidation, errs.CodeInvalidEvent, "derive id: %v", err)
	}
	if err := o.checkReplay(op); err != nil {
		return nil, err
	}

	if o.cfg.VerifyPerOperation && !dryRun {
		if err := o.verifyPending(ctx); err != nil {
			return nil, err
		}
	}

	// Speculative execution on a partial clone scoped to the touched
	// keys: a math or invariant failure aborts with no side effects.
	clone := o.partialCloneFor(op, feeOp)
	res, err := clone.ApplyOp(op, o.cfg.SwapFeeRateBps)
	if err != nil {
		return nil, err
	}
	if feeOp != nil {
		if _, err := clone.ApplyOp(feeOp, o.cfg.SwapFeeRateBps); err != nil {
			return nil, err
		}
	}

	if dryRun {
		return res, nil
	}

	o.preApplyRewards(op)

	canonical, err := o.space.ApplyOp(op, o.cfg.SwapFeeRateBps)
	if err != nil {
		// The clone accepted what the canonical ledger rejected: the
		// two diverged, which serialized mutation is meant to prevent.
		o.latchFatal(errs.E(errs.KindFatal, errs.CodeInvariant,
			"canonical apply diverged from speculative run: %v", err))
		return nil, errs.Wrap(errs.KindFatal, errs.CodeInvariant, err)
	}
	o.current.Append(*op, *canonical)

	if feeOp != nil {
		canonicalFee, err := o.space.ApplyOp(feeOp, o.cfg.SwapFeeRateBps)
		if err != nil {
			o.latchFatal(errs.E(errs.KindFatal, errs.CodeInvariant,
				"fee apply diverged from speculative run: %v", err))
			return nil, errs.Wrap(errs.KindFatal, errs.CodeInvariant, err)
		}
		o.current.Append(*feeOp, *canonicalFee)
	}

	o.postApplyRewards(op)

	// The free-fee voucher burns only once the operation is in the log;
	// any rejection above leaves the quota untouched.
	if req.Pay == PayFree {
		if cerr := o.pricer.ConsumeQuota(ctx, op.Address, op.ID); cerr != nil {
			o.logger.Warn("free quota consume failed after apply",
				zap.String("op", op.ID), zap.Error(cerr))
		}
	}

	o.seenOps[op.ID] = struct{}{}
	o.lastOpID[op.Address] = op.ID

	// The ledger is the source of truth; projection failures are
	// logged and healed by the next full rebuild, never rolled back.
	o.persistProjection(ctx, op, canonical)
	if err := o.store.SaveCommit(ctx, o.current); err != nil {
		o.logger.Error("persist open commit",
			zap.String("parent", o.current.Op.Parent), zap.Error(err))
	}

	return canonical, nil
}

// resolveFee validates the fee settlement choice and builds the fee leg
// when the fee is paid in a module tick.
func (o *Operator) resolveFee(ctx context.Context, op *model.InternalOperation, req Request, dryRun bool) (*model.InternalOperation, error) {
	switch req.Pay {
	case PayAsset:
		// Settled on chain; nothing touches the module ledger.
		return nil, nil
	case PayFree:
		if dryRun {
			return nil, nil
		}
		quota, err := o.pricer.Quota(ctx, op.Address)
		if err != nil {
			return nil, errs.Wrap(errs.KindValidation, errs.CodePayTypeMismatch, err)
		}
		if quota.Remaining <= 0 {
			return nil, errs.E(errs.KindValidation, errs.CodePayTypeMismatch,
				"no free quota left for %s", op.Address)
		}
		return nil, nil
	case PayTick:
		payload, err := op.SignedPayload()
		if err != nil {
			return nil, errs.E(errs.KindValidation, errs.CodeInvalidEvent, "canonicalize: %v", err)
		}
		entry, ok := o.quotes.Get(quoteKey(payload))
		if !ok {
			return nil, errs.E(errs.KindSignature, errs.CodeQuoteExpired, "no active fee quote for operation")
		}
		if entry.FeeTick != req.FeeTick || entry.FeeAmount != req.FeeAmount {
			return nil, errs.E(errs.KindSignature, errs.CodeFeeMismatch,
				"fee %s %s does not match quoted %s %s", req.FeeAmount, req.FeeTick, entry.FeeAmount, entry.FeeTick)
		}
		feeOp := &model.InternalOperation{
			Kind:      model.KindFee,
			Address:   op.Address,
			Tick:      entry.FeeTick,
			Amount:    entry.FeeAmount,
			To:        o.cfg.FeeAddress,
			Timestamp: op.Timestamp,
		}
		feeOp.ID, err = feeOp.ComputeID()
		if err != nil {
			return nil, errs.E(errs.KindValidation, errs.CodeInvalidEvent, "derive fee id: %v", err)
		}
		return feeOp, nil
	default:
		return nil, errs.E(errs.KindValidation, errs.CodePayTypeMismatch, "pay type %q", req.Pay)
	}
}

func (o *Operator) checkAddressQuota(address string) error {
	if o.cfg.MaxOpsPerAddress <= 0 {
		return nil
	}
	count := 0
	for i := range o.current.Op.Data {
		if o.current.Op.Data[i].Address == address && o.current.Op.Data[i].Kind != model.KindFee {
			count++
		}
	}
	if count >= o.cfg.MaxOpsPerAddress {
		return errs.E(errs.KindValidation, errs.CodeAccessDenied,
			"address %s exceeded %d operations per commit", address, o.cfg.MaxOpsPerAddress)
	}
	return nil
}

// checkReplay enforces the prevs pointer chain: an operation id may
// enter the log once, and an address's next operation must point at its
// previous one.
func (o *Operator) checkReplay(op *model.InternalOperation) error {
	if _, ok := o.seenOps[op.ID]; ok {
		return errs.E(errs.KindValidation, errs.CodeReplay, "operation %s already applied", op.ID)
	}
	last := o.lastOpID[op.Address]
	if last == "" {
		return nil
	}
	if len(op.Prevs) == 0 || op.Prevs[len(op.Prevs)-1] != last {
		return errs.E(errs.KindValidation, errs.CodeReplay,
			"operation does not chain to %s's previous operation", op.Address)
	}
	return nil
}

func (o *Operator) partialCloneFor(op, feeOp *model.InternalOperation) *space.Space {
	addrs := op.TouchedAddresses()
	ticks := op.TouchedTicks()
	if feeOp != nil {
		addrs = append(addrs, feeOp.TouchedAddresses()...)
		ticks = append(ticks, feeOp.TouchedTicks()...)
	}
	if op.Kind == model.KindStakeClaim {
		addrs = append(addrs, space.StakeVault(op.Tick))
	}
	return o.space.PartialClone(addrs, ticks)
}

// preApplyRewards rolls reward accumulators forward under the ledger
// state the elapsed period actually had, before the operation moves
// reserves or LP.
func (o *Operator) preApplyRewards(op *model.InternalOperation) {
	pair, err := model.ParsePairKey(op.Pair)
	if err != nil {
		return
	}
	switch op.Kind {
	case model.KindSwap:
		o.rewards.UpdatePool(o.space, pair)
	case model.KindAddLiq:
		o.rewards.UpdatePool(o.space, pair)
	case model.KindRemoveLiq:
		if lp, perr := model.ParseAmount(op.Lp); perr == nil {
			if _, cerr := o.rewards.Claim(o.space, pair, op.Address, lp); cerr != nil {
				o.logger.Warn("reward claim on remove",
					zap.String("pair", pair.Key()), zap.Error(cerr))
			}
		}
	case model.KindSendLp:
		if amount, perr := model.ParseAmount(op.Amount); perr == nil {
			if _, cerr := o.rewards.Claim(o.space, pair, op.Address, amount); cerr != nil {
				o.logger.Warn("reward claim on send lp",
					zap.String("pair", pair.Key()), zap.Error(cerr))
			}
		}
	}
}

// postApplyRewards settles the touched users so their reward debt
// reflects their post-operation LP balances.
func (o *Operator) postApplyRewards(op *model.InternalOperation) {
	pair, err := model.ParsePairKey(op.Pair)
	if err != nil {
		return
	}
	switch op.Kind {
	case model.KindAddLiq, model.KindRemoveLiq, model.KindStake, model.KindUnstake:
		o.rewards.Settle(o.space, pair, op.Address)
	case model.KindSendLp:
		o.rewards.Settle(o.space, pair, op.Address)
		o.rewards.Settle(o.space, pair, op.To)
	}
}

func (o *Operator) persistProjection(ctx context.Context, op *model.InternalOperation, res *model.OperationResult) {
	recs := make([]storage.BalanceRecord, 0, len(res.Users))
	for _, u := range res.Users {
		recs = append(recs, storage.BalanceRecord{
			Address: u.Address,
			Tick:    u.Tick,
			Class:   u.Class,
			Balance: u.Balance,
		})
	}

	var err error
	if len(res.Pools) > 0 {
		pool := res.Pools[0]
		err = o.store.UpsertBalancesAndSupply(ctx, recs, storage.SupplyRecord{
			Tick:   pool.Pair,
			Supply: pool.LpSupply,
		})
		if err == nil {
			for _, p := range res.Pools {
				if perr := o.store.UpsertPool(ctx, storage.PoolRecord{
					Pair:     p.Pair,
					Reserve0: p.Reserve0,
					Reserve1: p.Reserve1,
					LpSupply: p.LpSupply,
				}); perr != nil {
					err = perr
					break
				}
			}
		}
	} else {
		err = o.store.UpsertBalances(ctx, recs)
	}
	if err != nil {
		storageErr := errs.Wrap(errs.KindStorage, errs.CodeProjectionWrite, err)
		o.logger.Error("projection write failed",
			zap.String("op", op.ID), zap.Error(storageErr))
	}
}
