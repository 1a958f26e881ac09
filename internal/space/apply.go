package space

import (
	"math/big"

	"swapSequencer/internal/amm"
	"swapSequencer/internal/errs"
	"swapSequencer/internal/model"
)

// ApplyOp replays one normalized operation against the ledger, mutating
// balances in place. It returns the updated user and pool balances for
// downstream notification. Exhaustive over the operation kinds; an
// unknown kind is an invalid event.
func (s *Space) ApplyOp(op *model.InternalOperation, swapFeeRateBps uint32) (*model.OperationResult, error) {
	switch op.Kind {
	case model.KindDeploy:
		return s.applyDeploy(op)
	case model.KindAddLiq:
		return s.applyAddLiquidity(op)
	case model.KindRemoveLiq:
		return s.applyRemoveLiquidity(op)
	case model.KindSwap:
		return s.applySwap(op, swapFeeRateBps)
	case model.KindSend, model.KindFee:
		return s.applySend(op)
	case model.KindSendLp:
		return s.applySendLp(op)
	case model.KindStake:
		return s.applyStake(op, model.ClassSwap, model.ClassLock)
	case model.KindUnstake:
		return s.applyStake(op, model.ClassLock, model.ClassSwap)
	case model.KindStakeClaim:
		return s.applyStakeClaim(op)
	default:
		return nil, errs.E(errs.KindValidation, errs.CodeInvalidEvent, "unknown operation kind %q", op.Kind)
	}
}

func (s *Space) applyDeploy(op *model.InternalOperation) (*model.OperationResult, error) {
	pair, err := model.ParsePairKey(op.Pair)
	if err != nil {
		return nil, errs.E(errs.KindValidation, errs.CodeInvalidEvent, "deploy: %v", err)
	}
	if err := s.RegisterPair(pair); err != nil {
		return nil, err
	}
	return &model.OperationResult{
		OpID:  op.ID,
		Pools: []model.PoolUpdate{s.poolUpdate(pair)},
	}, nil
}

func (s *Space) applyAddLiquidity(op *model.InternalOperation) (*model.OperationResult, error) {
	pair, err := model.ParsePairKey(op.Pair)
	if err != nil {
		return nil, errs.E(errs.KindValidation, errs.CodeInvalidEvent, "add liquidity: %v", err)
	}
	amount0, err := model.ParseAmount(op.Amount0)
	if err != nil {
		return nil, errs.E(errs.KindValidation, errs.CodeBadAmount, "add liquidity: %v", err)
	}
	amount1, err := model.ParseAmount(op.Amount1)
	if err != nil {
		return nil, errs.E(errs.KindValidation, errs.CodeBadAmount, "add liquidity: %v", err)
	}

	if !s.PairExists(pair) {
		if err := s.RegisterPair(pair); err != nil {
			return nil, err
		}
	}

	reserve0, reserve1 := s.Reserves(pair)
	quote, err := amm.QuoteAddLiquidity(amount0, amount1, reserve0, reserve1, s.LpSupply(pair))
	if err != nil {
		return nil, err
	}

	poolAddr := pair.PoolAddress()
	if err := s.debit(model.ClassSwap, pair.Tick0, op.Address, quote.Amount0); err != nil {
		return nil, err
	}
	if err := s.debit(model.ClassSwap, pair.Tick1, op.Address, quote.Amount1); err != nil {
		return nil, err
	}
	if err := s.credit(model.ClassSwap, pair.Tick0, poolAddr, quote.Amount0); err != nil {
		return nil, err
	}
	if err := s.credit(model.ClassSwap, pair.Tick1, poolAddr, quote.Amount1); err != nil {
		return nil, err
	}
	if err := s.mintLp(pair, op.Address, quote.Lp); err != nil {
		return nil, err
	}
	if quote.Burned.Sign() > 0 {
		if err := s.mintLp(pair, BurnAddress, quote.Burned); err != nil {
			return nil, err
		}
	}

	return s.result(op, pair,
		balanceRef{model.ClassSwap, pair.Tick0, op.Address},
		balanceRef{model.ClassSwap, pair.Tick1, op.Address},
		balanceRef{model.ClassSwap, pair.LpTick(), op.Address},
	), nil
}

func (s *Space) applyRemoveLiquidity(op *model.InternalOperation) (*model.OperationResult, error) {
	pair, err := model.ParsePairKey(op.Pair)
	if err != nil {
		return nil, errs.E(errs.KindValidation, errs.CodeInvalidEvent, "remove liquidity: %v", err)
	}
	if !s.PairExists(pair) {
		return nil, errs.E(errs.KindValidation, errs.CodeUnknownPool, "pair %s not deployed", op.Pair)
	}
	lp, err := model.ParsePositiveAmount(op.Lp)
	if err != nil {
		return nil, errs.E(errs.KindValidation, errs.CodeBadAmount, "remove liquidity: %v", err)
	}

	reserve0, reserve1 := s.Reserves(pair)
	amount0, amount1, err := amm.QuoteRemoveLiquidity(lp, reserve0, reserve1, s.LpSupply(pair))
	if err != nil {
		return nil, err
	}

	if err := s.burnLp(pair, op.Address, lp); err != nil {
		return nil, err
	}
	poolAddr := pair.PoolAddress()
	if err := s.debit(model.ClassSwap, pair.Tick0, poolAddr, amount0); err != nil {
		return nil, err
	}
	if err := s.debit(model.ClassSwap, pair.Tick1, poolAddr, amount1); err != nil {
		return nil, err
	}
	if err := s.credit(model.ClassSwap, pair.Tick0, op.Address, amount0); err != nil {
		return nil, err
	}
	if err := s.credit(model.ClassSwap, pair.Tick1, op.Address, amount1); err != nil {
		return nil, err
	}

	return s.result(op, pair,
		balanceRef{model.ClassSwap, pair.Tick0, op.Address},
		balanceRef{model.ClassSwap, pair.Tick1, op.Address},
		balanceRef{model.ClassSwap, pair.LpTick(), op.Address},
	), nil
}

func (s *Space) applySwap(op *model.InternalOperation, feeRateBps uint32) (*model.OperationResult, error) {
	pair, err := model.ParsePairKey(op.Pair)
	if err != nil {
		return nil, errs.E(errs.KindValidation, errs.CodeInvalidEvent, "swap: %v", err)
	}
	if !s.PairExists(pair) {
		return nil, errs.E(errs.KindValidation, errs.CodeUnknownPool, "pair %s not deployed", op.Pair)
	}
	if op.TickIn == op.TickOut {
		return nil, errs.E(errs.KindValidation, errs.CodeInvalidEvent, "swap ticks are identical")
	}
	if (op.TickIn != pair.Tick0 && op.TickIn != pair.Tick1) ||
		(op.TickOut != pair.Tick0 && op.TickOut != pair.Tick1) {
		return nil, errs.E(errs.KindValidation, errs.CodeInvalidEvent, "swap ticks do not match pair %s", op.Pair)
	}

	amount, err := model.ParsePositiveAmount(op.Amount)
	if err != nil {
		return nil, errs.E(errs.KindValidation, errs.CodeBadAmount, "swap: %v", err)
	}
	var limit *big.Int
	if op.AmountLimit != "" {
		limit, err = model.ParseAmount(op.AmountLimit)
		if err != nil {
			return nil, errs.E(errs.KindValidation, errs.CodeBadAmount, "swap limit: %v", err)
		}
	}

	reserveIn := s.BalanceOf(model.ClassSwap, op.TickIn, pair.PoolAddress())
	reserveOut := s.BalanceOf(model.ClassSwap, op.TickOut, pair.PoolAddress())

	var amountIn, amountOut *big.Int
	switch op.Exact {
	case model.ExactIn:
		amountIn = amount
		amountOut, err = amm.QuoteSwapExactIn(amountIn, reserveIn, reserveOut, feeRateBps)
		if err != nil {
			return nil, err
		}
		if limit != nil && amountOut.Cmp(limit) < 0 {
			return nil, errs.E(errs.KindValidation, errs.CodeSlippage, "output %s below minimum %s", amountOut, limit)
		}
	case model.ExactOut:
		amountOut = amount
		amountIn, err = amm.QuoteSwapExactOut(amountOut, reserveIn, reserveOut, feeRateBps)
		if err != nil {
			return nil, err
		}
		if limit != nil && limit.Sign() > 0 && amountIn.Cmp(limit) > 0 {
			return nil, errs.E(errs.KindValidation, errs.CodeSlippage, "input %s above maximum %s", amountIn, limit)
		}
	default:
		return nil, errs.E(errs.KindValidation, errs.CodeInvalidEvent, "swap exact side %q", op.Exact)
	}

	poolAddr := pair.PoolAddress()
	if err := s.debit(model.ClassSwap, op.TickIn, op.Address, amountIn); err != nil {
		return nil, err
	}
	if err := s.credit(model.ClassSwap, op.TickIn, poolAddr, amountIn); err != nil {
		return nil, err
	}
	if err := s.debit(model.ClassSwap, op.TickOut, poolAddr, amountOut); err != nil {
		return nil, err
	}
	if err := s.credit(model.ClassSwap, op.TickOut, op.Address, amountOut); err != nil {
		return nil, err
	}

	return s.result(op, pair,
		balanceRef{model.ClassSwap, op.TickIn, op.Address},
		balanceRef{model.ClassSwap, op.TickOut, op.Address},
	), nil
}

func (s *Space) applySend(op *model.InternalOperation) (*model.OperationResult, error) {
	if op.To == "" || op.To == op.Address {
		return nil, errs.E(errs.KindValidation, errs.CodeInvalidEvent, "send target %q", op.To)
	}
	amount, err := model.ParsePositiveAmount(op.Amount)
	if err != nil {
		return nil, errs.E(errs.KindValidation, errs.CodeBadAmount, "send: %v", err)
	}
	if err := s.debit(model.ClassSwap, op.Tick, op.Address, amount); err != nil {
		return nil, err
	}
	if err := s.credit(model.ClassSwap, op.Tick, op.To, amount); err != nil {
		return nil, err
	}
	return s.result(op, model.Pair{},
		balanceRef{model.ClassSwap, op.Tick, op.Address},
		balanceRef{model.ClassSwap, op.Tick, op.To},
	), nil
}

func (s *Space) applySendLp(op *model.InternalOperation) (*model.OperationResult, error) {
	pair, err := model.ParsePairKey(op.Pair)
	if err != nil {
		return nil, errs.E(errs.KindValidation, errs.CodeInvalidEvent, "send lp: %v", err)
	}
	if !s.PairExists(pair) {
		return nil, errs.E(errs.KindValidation, errs.CodeUnknownPool, "pair %s not deployed", op.Pair)
	}
	amount, err := model.ParsePositiveAmount(op.Amount)
	if err != nil {
		return nil, errs.E(errs.KindValidation, errs.CodeBadAmount, "send lp: %v", err)
	}
	if op.To == "" || op.To == op.Address {
		return nil, errs.E(errs.KindValidation, errs.CodeInvalidEvent, "send lp target %q", op.To)
	}
	if err := s.debit(model.ClassSwap, pair.LpTick(), op.Address, amount); err != nil {
		return nil, err
	}
	if err := s.credit(model.ClassSwap, pair.LpTick(), op.To, amount); err != nil {
		return nil, err
	}
	return s.result(op, pair,
		balanceRef{model.ClassSwap, pair.LpTick(), op.Address},
		balanceRef{model.ClassSwap, pair.LpTick(), op.To},
	), nil
}

func (s *Space) applyStake(op *model.InternalOperation, from, to model.AssetClass) (*model.OperationResult, error) {
	pair, err := model.ParsePairKey(op.Pair)
	if err != nil {
		return nil, errs.E(errs.KindValidation, errs.CodeInvalidEvent, "stake: %v", err)
	}
	if !s.PairExists(pair) {
		return nil, errs.E(errs.KindValidation, errs.CodeUnknownPool, "pair %s not deployed", op.Pair)
	}
	amount, err := model.ParsePositiveAmount(op.Amount)
	if err != nil {
		return nil, errs.E(errs.KindValidation, errs.CodeBadAmount, "stake: %v", err)
	}
	if err := s.debit(from, pair.LpTick(), op.Address, amount); err != nil {
		return nil, err
	}
	if err := s.credit(to, pair.LpTick(), op.Address, amount); err != nil {
		return nil, err
	}
	return s.result(op, pair,
		balanceRef{model.ClassSwap, pair.LpTick(), op.Address},
		balanceRef{model.ClassLock, pair.LpTick(), op.Address},
	), nil
}

func (s *Space) applyStakeClaim(op *model.InternalOperation) (*model.OperationResult, error) {
	amount, err := model.ParsePositiveAmount(op.Amount)
	if err != nil {
		return nil, errs.E(errs.KindValidation, errs.CodeBadAmount, "stake claim: %v", err)
	}
	vault := StakeVault(op.Tick)
	if err := s.debit(model.ClassSwap, op.Tick, vault, amount); err != nil {
		return nil, err
	}
	if err := s.credit(model.ClassSwap, op.Tick, op.Address, amount); err != nil {
		return nil, err
	}
	return s.result(op, model.Pair{},
		balanceRef{model.ClassSwap, op.Tick, op.Address},
		balanceRef{model.ClassSwap, op.Tick, vault},
	), nil
}

type balanceRef struct {
	class   model.AssetClass
	tick    string
	address string
}

func (s *Space) result(op *model.InternalOperation, pair model.Pair, refs ...balanceRef) *model.OperationResult {
	res := &model.OperationResult{OpID: op.ID}
	for _, ref := range refs {
		res.Users = append(res.Users, model.BalanceUpdate{
			Address: ref.address,
			Tick:    ref.tick,
			Class:   ref.class,
			Balance: s.BalanceOf(ref.class, ref.tick, ref.address).String(),
		})
	}
	if pair.Tick0 != "" {
		res.Pools = append(res.Pools, s.poolUpdate(pair))
	}
	return res
}

func (s *Space) poolUpdate(pair model.Pair) model.PoolUpdate {
	reserve0, reserve1 := s.Reserves(pair)
	return model.PoolUpdate{
		Pair:     pair.Key(),
		Reserve0: reserve0.String(),
		Reserve1: reserve1.String(),
		LpSupply: s.LpSupply(pair).String(),
	}
}

// Deposit credits an external inflow (a confirmed transfer-in observed
// on chain) to an address. Used when replaying externally-observed
// events and when seeding test ledgers.
func (s *Space) Deposit(class model.AssetClass, tick, address string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errs.E(errs.KindValidation, errs.CodeBadAmount, "deposit must be positive")
	}
	return s.credit(class, tick, address, amount)
}
