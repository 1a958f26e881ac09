// Package amm implements the constant-product market math on raw
// integer reserves. All functions are pure; rounding never favors the
// trader (outputs floor, inputs ceil).
package amm

import (
	"math/big"

	"swapSequencer/internal/errs"
)

// FeeDenominator is the basis-point denominator for swap fee rates.
const FeeDenominator = 10000

// MinimumLiquidity is burned on the first deposit into an empty pool to
// guard against degenerate share pricing.
const MinimumLiquidity = 1000

var (
	feeDen = big.NewInt(FeeDenominator)
	minLiq = big.NewInt(MinimumLiquidity)
)

// QuoteSwapExactIn returns the output amount for a fixed input. The fee
// is deducted from the input before the product-invariant division and
// the result is floored.
func QuoteSwapExactIn(amountIn, reserveIn, reserveOut *big.Int, feeRateBps uint32) (*big.Int, error) {
	if err := checkSwapArgs(amountIn, reserveIn, reserveOut, feeRateBps); err != nil {
		return nil, err
	}

	inWithFee := new(big.Int).Mul(amountIn, big.NewInt(int64(FeeDenominator-feeRateBps)))
	num := new(big.Int).Mul(inWithFee, reserveOut)
	den := new(big.Int).Mul(reserveIn, feeDen)
	den.Add(den, inWithFee)

	out := num.Div(num, den)
	if out.Cmp(reserveOut) >= 0 {
		return nil, errs.E(errs.KindValidation, errs.CodeBadAmount, "swap would drain reserve")
	}
	return out, nil
}

// QuoteSwapExactOut returns the input amount required for a fixed
// output. The result is ceilinged.
func QuoteSwapExactOut(amountOut, reserveIn, reserveOut *big.Int, feeRateBps uint32) (*big.Int, error) {
	if err := checkSwapArgs(amountOut, reserveIn, reserveOut, feeRateBps); err != nil {
		return nil, err
	}
	if amountOut.Cmp(reserveOut) >= 0 {
		return nil, errs.E(errs.KindValidation, errs.CodeBadAmount, "output exceeds reserve")
	}

	num := new(big.Int).Mul(reserveIn, amountOut)
	num.Mul(num, feeDen)
	den := new(big.Int).Sub(reserveOut, amountOut)
	den.Mul(den, big.NewInt(int64(FeeDenominator-feeRateBps)))

	return ceilDiv(num, den), nil
}

// AddLiquidityQuote is the result of quoting a liquidity add: the LP
// shares minted to the depositor and the exact amounts taken, with the
// back-computed side resolved.
type AddLiquidityQuote struct {
	Lp      *big.Int
	Amount0 *big.Int
	Amount1 *big.Int
	// Burned is the minimum-liquidity burn on the first deposit, zero
	// otherwise. Total supply grows by Lp + Burned.
	Burned *big.Int
}

// QuoteAddLiquidity computes LP shares for a deposit. On an empty pool
// lp = floor(sqrt(amount0*amount1)) - MinimumLiquidity. On a live pool
// the unspecified side of a single-sided quote (zero amount) is
// back-computed from the reserve ratio, rounded up by one unit unless
// the ratio divides exactly, and the LP minted is the minimum of the
// two proportional shares.
func QuoteAddLiquidity(amount0, amount1, reserve0, reserve1, poolLp *big.Int) (AddLiquidityQuote, error) {
	zero := AddLiquidityQuote{}
	if amount0 == nil || amount1 == nil || amount0.Sign() < 0 || amount1.Sign() < 0 {
		return zero, errs.E(errs.KindValidation, errs.CodeBadAmount, "liquidity amounts must be non-negative")
	}

	if poolLp == nil || poolLp.Sign() == 0 {
		if amount0.Sign() == 0 || amount1.Sign() == 0 {
			return zero, errs.E(errs.KindValidation, errs.CodeBadAmount, "initial deposit requires both amounts")
		}
		lp := new(big.Int).Mul(amount0, amount1)
		lp.Sqrt(lp)
		if lp.Cmp(minLiq) <= 0 {
			return zero, errs.E(errs.KindValidation, errs.CodeLiquidityTooLow, "initial liquidity below minimum burn")
		}
		lp.Sub(lp, minLiq)
		return AddLiquidityQuote{
			Lp:      lp,
			Amount0: new(big.Int).Set(amount0),
			Amount1: new(big.Int).Set(amount1),
			Burned:  new(big.Int).Set(minLiq),
		}, nil
	}

	if reserve0 == nil || reserve1 == nil || reserve0.Sign() <= 0 || reserve1.Sign() <= 0 {
		return zero, errs.E(errs.KindValidation, errs.CodeUnknownPool, "pool has no reserves")
	}
	if amount0.Sign() == 0 && amount1.Sign() == 0 {
		return zero, errs.E(errs.KindValidation, errs.CodeBadAmount, "liquidity deposit is empty")
	}

	a0 := new(big.Int).Set(amount0)
	a1 := new(big.Int).Set(amount1)
	switch {
	case a1.Sign() == 0:
		a1 = counterpart(a0, reserve1, reserve0)
	case a0.Sign() == 0:
		a0 = counterpart(a1, reserve0, reserve1)
	}

	share0 := new(big.Int).Mul(a0, poolLp)
	share0.Div(share0, reserve0)
	share1 := new(big.Int).Mul(a1, poolLp)
	share1.Div(share1, reserve1)

	lp := share0
	if share1.Cmp(share0) < 0 {
		lp = share1
	}
	if lp.Sign() <= 0 {
		return zero, errs.E(errs.KindValidation, errs.CodeLiquidityTooLow, "deposit too small for one LP share")
	}
	return AddLiquidityQuote{
		Lp:      lp,
		Amount0: a0,
		Amount1: a1,
		Burned:  big.NewInt(0),
	}, nil
}

// counterpart back-computes the unspecified deposit side: amount *
// reserveOther / reserveGiven, rounded up by one unit unless integral,
// so a proportional add can never be under-collateralized.
func counterpart(amount, reserveOther, reserveGiven *big.Int) *big.Int {
	num := new(big.Int).Mul(amount, reserveOther)
	return ceilDiv(num, reserveGiven)
}

// QuoteRemoveLiquidity returns the amounts redeemed for lp shares,
// floored per side.
func QuoteRemoveLiquidity(lp, reserve0, reserve1, poolLp *big.Int) (*big.Int, *big.Int, error) {
	if lp == nil || lp.Sign() <= 0 {
		return nil, nil, errs.E(errs.KindValidation, errs.CodeBadAmount, "lp amount must be positive")
	}
	if poolLp == nil || poolLp.Sign() <= 0 {
		return nil, nil, errs.E(errs.KindValidation, errs.CodeUnknownPool, "pool has no liquidity")
	}
	if lp.Cmp(poolLp) > 0 {
		return nil, nil, errs.E(errs.KindValidation, errs.CodeInsufficientFunds, "lp exceeds pool supply")
	}

	amount0 := new(big.Int).Mul(lp, reserve0)
	amount0.Div(amount0, poolLp)
	amount1 := new(big.Int).Mul(lp, reserve1)
	amount1.Div(amount1, poolLp)
	return amount0, amount1, nil
}

func checkSwapArgs(amount, reserveIn, reserveOut *big.Int, feeRateBps uint32) error {
	if feeRateBps >= FeeDenominator {
		return errs.E(errs.KindValidation, errs.CodeBadAmount, "fee rate %d out of range", feeRateBps)
	}
	if amount == nil || amount.Sign() <= 0 {
		return errs.E(errs.KindValidation, errs.CodeBadAmount, "amount must be positive")
	}
	if reserveIn == nil || reserveOut == nil || reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return errs.E(errs.KindValidation, errs.CodeUnknownPool, "pool has no reserves")
	}
	return nil
}

func ceilDiv(num, den *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}
