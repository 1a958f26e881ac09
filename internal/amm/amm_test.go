package amm

import (
	"math/big"
	"testing"
)

func bi(v int64) *big.Int { return big.NewInt(v) }

func TestQuoteAddLiquidityBootstrap(t *testing.T) {
	q, err := QuoteAddLiquidity(bi(1_000_000), bi(1_000_000), bi(0), bi(0), bi(0))
	if err != nil {
		t.Fatalf("bootstrap add: %v", err)
	}
	if q.Lp.Cmp(bi(999_000)) != 0 {
		t.Fatalf("minted lp = %s, want 999000", q.Lp)
	}
	if q.Burned.Cmp(bi(MinimumLiquidity)) != 0 {
		t.Fatalf("burned = %s, want %d", q.Burned, MinimumLiquidity)
	}
	if q.Amount0.Cmp(bi(1_000_000)) != 0 || q.Amount1.Cmp(bi(1_000_000)) != 0 {
		t.Fatalf("consumed %s/%s, want full amounts", q.Amount0, q.Amount1)
	}
}

func TestQuoteAddLiquidityBelowMinimum(t *testing.T) {
	if _, err := QuoteAddLiquidity(bi(1000), bi(1000), bi(0), bi(0), bi(0)); err == nil {
		t.Fatal("expected error for sqrt(k) at the burn floor")
	}
}

func TestQuoteAddLiquidityProportional(t *testing.T) {
	// Pool at 1000/4000 with 2000 LP outstanding; a single-sided 10%
	// deposit back-computes the other side and mints 10% of supply.
	q, err := QuoteAddLiquidity(bi(100), bi(0), bi(1000), bi(4000), bi(2000))
	if err != nil {
		t.Fatalf("proportional add: %v", err)
	}
	if q.Lp.Cmp(bi(200)) != 0 {
		t.Fatalf("minted lp = %s, want 200", q.Lp)
	}
	if q.Amount0.Cmp(bi(100)) != 0 {
		t.Fatalf("amount0 = %s, want 100", q.Amount0)
	}
	if q.Amount1.Cmp(bi(400)) != 0 {
		t.Fatalf("amount1 = %s, want 400", q.Amount1)
	}
}

func TestQuoteSwapExactIn(t *testing.T) {
	// 1000 in against 10000/10000 with a 30 bps fee.
	out, err := QuoteSwapExactIn(bi(1000), bi(10_000), bi(10_000), 30)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	// 997*10000/(10000+997) floored.
	if out.Cmp(bi(906)) != 0 {
		t.Fatalf("out = %s, want 906", out)
	}
}

func TestQuoteSwapExactOut(t *testing.T) {
	in, err := QuoteSwapExactOut(bi(90), bi(1000), bi(1000), 30)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	// Required input rounds up; feeding it back must yield at least 90.
	back, err := QuoteSwapExactIn(in, bi(1000), bi(1000), 30)
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if back.Cmp(bi(90)) < 0 {
		t.Fatalf("round trip output %s < requested 90 (in=%s)", back, in)
	}
}

func TestSwapPreservesK(t *testing.T) {
	r0, r1 := bi(1_000_000), bi(2_500_000)
	in := bi(37_501)
	out, err := QuoteSwapExactIn(in, r0, r1, 30)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	kBefore := new(big.Int).Mul(r0, r1)
	kAfter := new(big.Int).Mul(new(big.Int).Add(r0, in), new(big.Int).Sub(r1, out))
	if kAfter.Cmp(kBefore) < 0 {
		t.Fatalf("k decreased: %s -> %s", kBefore, kAfter)
	}
}

func TestQuoteSwapExactOutDrainsPool(t *testing.T) {
	if _, err := QuoteSwapExactOut(bi(1000), bi(1000), bi(1000), 30); err == nil {
		t.Fatal("expected error requesting the whole reserve")
	}
}

func TestQuoteRemoveLiquidityRoundTrip(t *testing.T) {
	// Adding then removing the same LP never returns more than deposited.
	q, err := QuoteAddLiquidity(bi(500_000), bi(500_000), bi(0), bi(0), bi(0))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	poolLp := new(big.Int).Add(q.Lp, q.Burned)
	a0, a1, err := QuoteRemoveLiquidity(q.Lp, bi(500_000), bi(500_000), poolLp)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if a0.Cmp(bi(500_000)) > 0 || a1.Cmp(bi(500_000)) > 0 {
		t.Fatalf("removal returned more than deposited: %s/%s", a0, a1)
	}
}

func TestQuoteSwapRejectsBadArgs(t *testing.T) {
	cases := []struct {
		name    string
		amount  *big.Int
		rIn     *big.Int
		rOut    *big.Int
		feeRate uint32
	}{
		{"zero amount", bi(0), bi(1000), bi(1000), 30},
		{"negative amount", bi(-5), bi(1000), bi(1000), 30},
		{"empty pool", bi(100), bi(0), bi(0), 30},
		{"fee too high", bi(100), bi(1000), bi(1000), FeeDenominator},
	}
	for _, tc := range cases {
		if _, err := QuoteSwapExactIn(tc.amount, tc.rIn, tc.rOut, tc.feeRate); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestCeilDiv(t *testing.T) {
	if got := ceilDiv(bi(10), bi(3)); got.Cmp(bi(4)) != 0 {
		t.Fatalf("ceilDiv(10,3) = %s, want 4", got)
	}
	if got := ceilDiv(bi(9), bi(3)); got.Cmp(bi(3)) != 0 {
		t.Fatalf("ceilDiv(9,3) = %s, want 3", got)
	}
}
