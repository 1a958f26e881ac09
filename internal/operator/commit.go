package operator

import (
	"context"
	"encoding/json"
	"strconv"

	"go.uber.org/zap"

	"swapSequencer/internal/errs"
	"swapSequencer/internal/indexer"
	"swapSequencer/internal/model"
	"swapSequencer/internal/space"
)

// Restore rebuilds the session at start. A persisted confirmed
// snapshot, when present, becomes both the pending ledger's base and
// the recovery baseline; then published-but-unconfirmed commits are
// replayed into the unconfirmed chain, and a persisted open commit is
// re-adopted with its operations re-applied so the replay ids and the
// prevs chain survive the restart.
func (o *Operator) Restore(confirmed *space.Snapshot, unconfirmed []*model.Commit, open *model.Commit) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if confirmed != nil {
		o.space = confirmed.Restore()
		o.confirmed = confirmed
	} else {
		o.confirmed = o.space.Snapshot()
	}

	replay := func(c *model.Commit) error {
		for i := range c.Op.Data {
			op := &c.Op.Data[i]
			if _, err := o.space.ApplyOp(op, o.cfg.SwapFeeRateBps); err != nil {
				return errs.Wrap(errs.KindFatal, errs.CodeInvariant, err)
			}
			o.seenOps[op.ID] = struct{}{}
			if op.Kind != model.KindFee {
				o.lastOpID[op.Address] = op.ID
			}
		}
		return nil
	}
	for _, c := range unconfirmed {
		if err := replay(c); err != nil {
			return err
		}
	}
	o.unconfirmed = append(o.unconfirmed, unconfirmed...)
	if len(unconfirmed) > 0 {
		o.space.SetLastCommitID(unconfirmed[len(unconfirmed)-1].InscriptionID)
	}
	if open != nil {
		if err := replay(open); err != nil {
			return err
		}
		o.current = open
		o.sealNotified = false
	}
	return nil
}

// buildVerifyRequest assembles every commit the indexer has not yet
// confirmed plus the open one, oldest first, deduplicated by parent.
func (o *Operator) buildVerifyRequest() indexer.VerifyRequest {
	var req indexer.VerifyRequest
	seen := make(map[string]struct{})
	add := func(c *model.Commit) {
		if c == nil || len(c.Op.Data) == 0 {
			return
		}
		if _, ok := seen[c.Op.Parent]; ok {
			return
		}
		seen[c.Op.Parent] = struct{}{}
		req.Commits = append(req.Commits, c.Op)
		req.Results = append(req.Results, c.Results)
	}
	for _, c := range o.unconfirmed {
		add(c)
	}
	add(o.current)
	return req
}

// verifyPending replays the pending commit chain through the indexer
// and compares verdicts. A negative verdict under strict mode schedules
// a ledger reset; transport failures surface as capacity errors and
// leave the ledger untouched.
func (o *Operator) verifyPending(ctx context.Context) error {
	req := o.buildVerifyRequest()
	if len(req.Commits) == 0 {
		return nil
	}
	ok, err := o.verifier.Verify(ctx, req)
	if err != nil {
		return errs.Wrap(errs.KindCapacity, errs.CodeIndexerDown, err)
	}
	if !ok {
		o.verifyFails++
		o.obs.VerificationFailed(o.verifyFails)
		o.logger.Warn("indexer verification mismatch",
			zap.Int("failures", o.verifyFails),
			zap.Int("commits", len(req.Commits)))
		if o.cfg.StrictVerify {
			o.resetPending = true
		}
		return errs.E(errs.KindConsistency, errs.CodeVerifyMismatch,
			"indexer rejected pending chain after %d attempts", o.verifyFails)
	}
	o.verifyFails = 0
	return nil
}

// TryCommit seals, verifies, and publishes the open commit when the
// seal condition holds. A nil return with no publication means the
// condition was not met; callers poll.
func (o *Operator) TryCommit(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.fatal != nil {
		return errs.Wrap(errs.KindFatal, errs.CodeInvariant, o.fatal)
	}
	if o.resetPending || o.current == nil || o.current.Published() {
		return nil
	}
	if !o.reachCommitCondition(o.current) {
		return nil
	}
	if o.sender == nil || o.sender.IsCommitting() {
		return nil
	}

	if !o.sealNotified {
		o.sealNotified = true
		o.obs.CommitSealed(len(o.current.Op.Data))
		o.logger.Info("commit sealed",
			zap.String("parent", o.current.Op.Parent),
			zap.Int("operations", len(o.current.Op.Data)))
	}

	if err := o.verifyPending(ctx); err != nil {
		return err
	}

	inscriptionID, err := o.sender.Push(ctx, o.current)
	if err != nil {
		return errs.Wrap(errs.KindCapacity, errs.CodeSystemBusy, err)
	}
	o.current.InscriptionID = inscriptionID
	o.space.SetLastCommitID(inscriptionID)

	if err := o.store.SetCommitInscription(ctx, o.current.Op.Parent, inscriptionID, o.current.TxID); err != nil {
		o.logger.Error("persist inscription id",
			zap.String("inscription", inscriptionID), zap.Error(err))
	}
	o.obs.CommitPublished(inscriptionID)
	o.logger.Info("commit published",
		zap.String("inscription", inscriptionID),
		zap.String("txid", o.current.TxID))
	return nil
}

// TryNewCommitOp rotates to a fresh open commit chained to the just
// published inscription. No-op until the current commit is published
// and the publication round trip has drained.
func (o *Operator) TryNewCommitOp(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.fatal != nil || o.resetPending {
		return nil
	}
	if o.current == nil || !o.current.Published() {
		return nil
	}
	if o.sender != nil && o.sender.IsCommitting() {
		return nil
	}

	gasPrice := o.nextGasPrice(ctx)
	satsPrice, err := o.pricer.SatsPrice(ctx)
	if err != nil {
		o.logger.Warn("sats price unavailable", zap.Error(err))
	}

	o.unconfirmed = append(o.unconfirmed, o.current)
	next := model.NewCommit(o.cfg.Module, o.current.InscriptionID, gasPrice, o.swapFeeRate())
	next.SatsPrice = satsPrice
	o.current = next
	o.sealNotified = false

	if err := o.store.SaveCommit(ctx, o.current); err != nil {
		o.logger.Error("persist open commit",
			zap.String("parent", o.current.Op.Parent), zap.Error(err))
	}
	o.logger.Info("commit rotated",
		zap.String("parent", o.current.Op.Parent),
		zap.String("gasPrice", gasPrice))
	return nil
}

func (o *Operator) nextGasPrice(ctx context.Context) string {
	rate, err := o.pricer.FeeRate(ctx)
	if err != nil {
		o.logger.Warn("fee rate unavailable, keeping previous", zap.Error(err))
		return o.current.Op.GasPrice
	}
	if o.cfg.GasPriceMin > 0 && rate < o.cfg.GasPriceMin {
		rate = o.cfg.GasPriceMin
	}
	if o.cfg.GasPriceMax > 0 && rate > o.cfg.GasPriceMax {
		rate = o.cfg.GasPriceMax
	}
	return strconv.FormatFloat(rate, 'f', -1, 64)
}

// TryRecover rebuilds the pending ledger from the confirmed baseline
// when a verification mismatch scheduled a reset. No-op otherwise; runs
// on the scheduler so a strict-mode mismatch never wedges the
// sequencer.
func (o *Operator) TryRecover() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.resetPending || o.fatal != nil {
		return nil
	}
	return o.resetPendingSpace(o.confirmed, o.unconfirmed)
}

// ResetPendingSpace rebuilds the pending ledger from a confirmed
// snapshot, replaying the given unconfirmed commits first.
func (o *Operator) ResetPendingSpace(snap *space.Snapshot, unconfirmed []*model.Commit) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.resetPendingSpace(snap, unconfirmed)
}

// resetPendingSpace replays the published-but-unconfirmed commits onto
// the snapshot, then re-applies the open commit's operations,
// recomputing every result. Caller holds o.mu.
func (o *Operator) resetPendingSpace(snap *space.Snapshot, unconfirmed []*model.Commit) error {
	sp := snap.Restore()
	for _, c := range unconfirmed {
		if o.current != nil && c.Op.Parent == o.current.Op.Parent {
			continue
		}
		for i := range c.Op.Data {
			if _, err := sp.ApplyOp(&c.Op.Data[i], o.cfg.SwapFeeRateBps); err != nil {
				o.latchFatal(errs.Wrap(errs.KindFatal, errs.CodeInvariant, err))
				return o.fatal
			}
		}
	}
	if o.current != nil {
		ops := o.current.Op.Data
		o.current.Op.Data = nil
		o.current.Results = nil
		for i := range ops {
			res, err := sp.ApplyOp(&ops[i], o.cfg.SwapFeeRateBps)
			if err != nil {
				o.latchFatal(errs.Wrap(errs.KindFatal, errs.CodeInvariant, err))
				return o.fatal
			}
			o.current.Append(ops[i], *res)
		}
	}
	o.space = sp
	o.resetPending = false
	o.verifyFails = 0
	o.obs.LedgerReset("verification mismatch")
	o.logger.Warn("pending ledger rebuilt from confirmed snapshot",
		zap.Int("replayedCommits", len(unconfirmed)))
	return nil
}

// Tick is the periodic housekeeping pass: roll reward accumulators,
// run a staking distribution cycle, probe indexer health, and retire
// commits the indexer has confirmed.
func (o *Operator) Tick(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.fatal != nil {
		return
	}

	for _, pair := range o.space.Pairs() {
		o.rewards.UpdatePool(o.space, pair)
	}
	if o.stakeLedger != nil {
		o.stakeLedger.Cycle(o.space)
	}

	o.probeHealth(ctx)
	o.syncIndexed(ctx)
}

func (o *Operator) probeHealth(ctx context.Context) {
	status, err := o.verifier.Health(ctx)
	if err != nil || status == indexer.HealthError {
		o.healthFails++
		o.logger.Warn("indexer health probe failed",
			zap.Int("consecutive", o.healthFails), zap.Error(err))
		if o.healthFails >= o.cfg.HealthFailureLimit {
			o.latchFatal(errs.E(errs.KindFatal, errs.CodeIndexerDown,
				"indexer unhealthy for %d consecutive probes", o.healthFails))
		}
		return
	}
	o.healthFails = 0
}

// syncIndexed advances the confirmed baseline: ingest transfer-ins the
// indexer observed since the last confirmed height, retire unconfirmed
// commits it has indexed, and persist the updated snapshot.
func (o *Operator) syncIndexed(ctx context.Context) {
	lastID, height, err := o.verifier.LastIndexed(ctx)
	if err != nil {
		return
	}

	// Lazily materialized mutable copy of the confirmed baseline.
	var base *space.Space
	ensure := func() *space.Space {
		if base == nil {
			base = o.confirmed.Restore()
		}
		return base
	}

	if height > o.confirmed.Cursor() {
		deposits, derr := o.verifier.Deposits(ctx, o.confirmed.Cursor()+1, height)
		if derr != nil {
			o.logger.Warn("deposit scan failed", zap.Error(derr))
			return
		}
		for _, d := range deposits {
			amount, perr := model.ParsePositiveAmount(d.Amount)
			if perr != nil {
				o.logger.Warn("malformed deposit skipped",
					zap.String("inscription", d.InscriptionID), zap.Error(perr))
				continue
			}
			if cerr := ensure().Deposit(model.ClassSwap, d.Tick, d.Address, amount); cerr != nil {
				o.logger.Warn("deposit rejected",
					zap.String("inscription", d.InscriptionID), zap.Error(cerr))
				continue
			}
			if cerr := o.space.Deposit(model.ClassSwap, d.Tick, d.Address, amount); cerr != nil {
				o.latchFatal(errs.Wrap(errs.KindFatal, errs.CodeInvariant, cerr))
				return
			}
			o.logger.Info("deposit credited",
				zap.String("address", d.Address),
				zap.String("tick", d.Tick),
				zap.String("amount", d.Amount),
				zap.Uint64("height", d.Height))
		}
		ensure().SetCursor(height)
	}

	if lastID != "" && len(o.unconfirmed) > 0 {
		cut := -1
		for i, c := range o.unconfirmed {
			if c.InscriptionID == lastID {
				cut = i
				break
			}
		}
		if cut >= 0 {
			for i := 0; i <= cut; i++ {
				c := o.unconfirmed[i]
				for j := range c.Op.Data {
					if aerr := o.confirmApply(ensure(), &c.Op.Data[j]); aerr != nil {
						return
					}
				}
				if merr := o.store.MarkCommitIndexed(ctx, c.InscriptionID, height); merr != nil {
					o.logger.Error("mark commit indexed",
						zap.String("inscription", c.InscriptionID), zap.Error(merr))
				}
			}
			ensure().SetLastCommitID(lastID)
			o.unconfirmed = append([]*model.Commit(nil), o.unconfirmed[cut+1:]...)
		}
	}

	if base == nil {
		return
	}
	o.space.SetCursor(height)
	o.confirmed = base.Snapshot()
	o.persistConfirmed(ctx)
}

func (o *Operator) confirmApply(sp *space.Space, op *model.InternalOperation) error {
	if _, err := sp.ApplyOp(op, o.cfg.SwapFeeRateBps); err != nil {
		o.latchFatal(errs.Wrap(errs.KindFatal, errs.CodeInvariant, err))
		return err
	}
	return nil
}

// persistConfirmed writes the confirmed snapshot and its commit marker
// so a restart rebuilds balances without replaying the full history.
// Caller holds o.mu.
func (o *Operator) persistConfirmed(ctx context.Context) {
	data, err := json.Marshal(o.confirmed)
	if err != nil {
		o.logger.Error("encode confirmed snapshot", zap.Error(err))
		return
	}
	if err := o.store.SaveState(ctx, StateConfirmedSnapshot, string(data)); err != nil {
		o.logger.Error("persist confirmed snapshot", zap.Error(err))
		return
	}
	if id := o.confirmed.LastCommitID(); id != "" {
		if err := o.store.SaveState(ctx, StateLastInscription, id); err != nil {
			o.logger.Error("persist last inscription", zap.Error(err))
		}
	}
}
