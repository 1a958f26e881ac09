package space

import (
	"encoding/json"
	"math/big"
	"testing"

	"swapSequencer/internal/errs"
	"swapSequencer/internal/model"
)

const (
	alice = "addr_alice"
	bob   = "addr_bob"
)

func bi(v int64) *big.Int { return big.NewInt(v) }

func seeded(t *testing.T) *Space {
	t.Helper()
	s := New()
	for _, tick := range []string{"ordi", "sats"} {
		if err := s.Deposit(model.ClassSwap, tick, alice, bi(1_000_000)); err != nil {
			t.Fatalf("seed %s: %v", tick, err)
		}
	}
	return s
}

func addLiquidity(t *testing.T, s *Space, amount0, amount1 string) model.Pair {
	t.Helper()
	pair, _ := model.NewPair("ordi", "sats")
	_, err := s.ApplyOp(&model.InternalOperation{
		ID:      "op-add",
		Kind:    model.KindAddLiq,
		Address: alice,
		Pair:    pair.Key(),
		Amount0: amount0,
		Amount1: amount1,
	}, 30)
	if err != nil {
		t.Fatalf("add liquidity: %v", err)
	}
	return pair
}

func TestAddLiquidityBootstrapsPool(t *testing.T) {
	s := seeded(t)
	pair := addLiquidity(t, s, "1000000", "1000000")

	if got := s.BalanceOf(model.ClassSwap, pair.LpTick(), alice); got.Cmp(bi(999_000)) != 0 {
		t.Fatalf("minted lp = %s, want 999000", got)
	}
	if got := s.BalanceOf(model.ClassSwap, pair.LpTick(), BurnAddress); got.Cmp(bi(1000)) != 0 {
		t.Fatalf("burn address lp = %s, want 1000", got)
	}
	if got := s.LpSupply(pair); got.Cmp(bi(1_000_000)) != 0 {
		t.Fatalf("lp supply = %s, want 1000000", got)
	}
	r0, r1 := s.Reserves(pair)
	if r0.Cmp(bi(1_000_000)) != 0 || r1.Cmp(bi(1_000_000)) != 0 {
		t.Fatalf("reserves = %s/%s, want full deposit", r0, r1)
	}
}

func TestSwapMovesFunds(t *testing.T) {
	s := seeded(t)
	if err := s.Deposit(model.ClassSwap, "ordi", bob, bi(1000)); err != nil {
		t.Fatalf("seed bob: %v", err)
	}
	pair := addLiquidity(t, s, "10000", "10000")

	res, err := s.ApplyOp(&model.InternalOperation{
		ID:      "op-swap",
		Kind:    model.KindSwap,
		Address: bob,
		Pair:    pair.Key(),
		TickIn:  "ordi",
		TickOut: "sats",
		Exact:   model.ExactIn,
		Amount:  "1000",
	}, 30)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if got := s.BalanceOf(model.ClassSwap, "sats", bob); got.Cmp(bi(906)) != 0 {
		t.Fatalf("bob received %s sats, want 906", got)
	}
	if got := s.BalanceOf(model.ClassSwap, "ordi", bob); got.Sign() != 0 {
		t.Fatalf("bob kept %s ordi, want 0", got)
	}
	if len(res.Pools) != 1 {
		t.Fatalf("expected one pool update, got %d", len(res.Pools))
	}
	if res.Pools[0].Reserve0 != "11000" || res.Pools[0].Reserve1 != "9094" {
		t.Fatalf("pool update = %s/%s", res.Pools[0].Reserve0, res.Pools[0].Reserve1)
	}
}

func TestSwapZeroFeeRate(t *testing.T) {
	s := seeded(t)
	if err := s.Deposit(model.ClassSwap, "ordi", bob, bi(100)); err != nil {
		t.Fatalf("seed bob: %v", err)
	}
	pair := addLiquidity(t, s, "1000", "1000")

	// Pure constant product: 1000*100/(1000+100) rounds down to 90.
	_, err := s.ApplyOp(&model.InternalOperation{
		ID:      "op-swap-nofee",
		Kind:    model.KindSwap,
		Address: bob,
		Pair:    pair.Key(),
		TickIn:  "ordi",
		TickOut: "sats",
		Exact:   model.ExactIn,
		Amount:  "100",
	}, 0)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if got := s.BalanceOf(model.ClassSwap, "sats", bob); got.Cmp(bi(90)) != 0 {
		t.Fatalf("bob received %s sats, want 90", got)
	}
}

func TestSwapSlippageLimit(t *testing.T) {
	s := seeded(t)
	pair := addLiquidity(t, s, "10000", "10000")

	_, err := s.ApplyOp(&model.InternalOperation{
		Kind:        model.KindSwap,
		Address:     alice,
		Pair:        pair.Key(),
		TickIn:      "ordi",
		TickOut:     "sats",
		Exact:       model.ExactIn,
		Amount:      "1000",
		AmountLimit: "907",
	}, 30)
	if errs.CodeOf(err) != errs.CodeSlippage {
		t.Fatalf("expected slippage rejection, got %v", err)
	}
}

func TestInsufficientFunds(t *testing.T) {
	s := New()
	_, err := s.ApplyOp(&model.InternalOperation{
		Kind:    model.KindSend,
		Address: alice,
		Tick:    "ordi",
		Amount:  "5",
		To:      bob,
	}, 30)
	if errs.CodeOf(err) != errs.CodeInsufficientFunds {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
}

func TestStakeMovesClasses(t *testing.T) {
	s := seeded(t)
	pair := addLiquidity(t, s, "1000000", "1000000")

	_, err := s.ApplyOp(&model.InternalOperation{
		Kind:    model.KindStake,
		Address: alice,
		Pair:    pair.Key(),
		Amount:  "400000",
	}, 30)
	if err != nil {
		t.Fatalf("stake: %v", err)
	}
	if got := s.BalanceOf(model.ClassLock, pair.LpTick(), alice); got.Cmp(bi(400_000)) != 0 {
		t.Fatalf("locked lp = %s, want 400000", got)
	}
	if got := s.BalanceOf(model.ClassSwap, pair.LpTick(), alice); got.Cmp(bi(599_000)) != 0 {
		t.Fatalf("liquid lp = %s, want 599000", got)
	}
	// Supply is unchanged by class moves.
	if got := s.LpSupply(pair); got.Cmp(bi(1_000_000)) != 0 {
		t.Fatalf("lp supply = %s, want 1000000", got)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	s := seeded(t)
	clone := s.Clone()

	if err := clone.Deposit(model.ClassSwap, "ordi", bob, bi(77)); err != nil {
		t.Fatalf("deposit on clone: %v", err)
	}
	if got := s.BalanceOf(model.ClassSwap, "ordi", bob); got.Sign() != 0 {
		t.Fatalf("clone write leaked into source: %s", got)
	}
	if got := clone.BalanceOf(model.ClassSwap, "ordi", alice); got.Cmp(bi(1_000_000)) != 0 {
		t.Fatalf("clone lost source balance: %s", got)
	}
}

func TestPartialCloneScope(t *testing.T) {
	s := seeded(t)
	partial := s.PartialClone([]string{alice}, []string{"ordi"})

	if got := partial.BalanceOf(model.ClassSwap, "ordi", alice); got.Cmp(bi(1_000_000)) != 0 {
		t.Fatalf("in-scope balance = %s, want 1000000", got)
	}
	_, err := partial.ApplyOp(&model.InternalOperation{
		Kind:    model.KindSend,
		Address: alice,
		Tick:    "ordi",
		Amount:  "10",
		To:      bob,
	}, 30)
	if errs.CodeOf(err) != errs.CodeInvalidEvent {
		t.Fatalf("expected out-of-scope rejection for %s, got %v", bob, err)
	}
}

func TestSnapshotRestore(t *testing.T) {
	s := seeded(t)
	s.SetCursor(42)
	s.SetLastCommitID("insc-1")
	snap := s.Snapshot()

	if err := s.Deposit(model.ClassSwap, "ordi", bob, bi(123)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	restored := snap.Restore()
	if got := restored.BalanceOf(model.ClassSwap, "ordi", bob); got.Sign() != 0 {
		t.Fatalf("snapshot captured later write: %s", got)
	}
	if restored.Cursor() != 42 || restored.LastCommitID() != "insc-1" {
		t.Fatalf("snapshot lost markers: cursor=%d id=%s", restored.Cursor(), restored.LastCommitID())
	}
}

func TestSnapshotPersistedFormRebuildsLedger(t *testing.T) {
	s := seeded(t)
	pair := addLiquidity(t, s, "1000", "2000")
	s.SetCursor(9)
	s.SetLastCommitID("insc-9")

	raw, err := json.Marshal(s.Snapshot())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded := new(Snapshot)
	if err := json.Unmarshal(raw, decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	restored := decoded.Restore()
	if restored.Cursor() != 9 || restored.LastCommitID() != "insc-9" {
		t.Fatalf("markers lost: cursor=%d id=%s", restored.Cursor(), restored.LastCommitID())
	}
	if !restored.PairExists(pair) {
		t.Fatal("pair lost across persistence")
	}
	if got, want := restored.LpSupply(pair), s.LpSupply(pair); got.Cmp(want) != 0 {
		t.Fatalf("lp supply = %s, want %s", got, want)
	}
	got := restored.BalanceOf(model.ClassSwap, "ordi", alice)
	want := s.BalanceOf(model.ClassSwap, "ordi", alice)
	if got.Cmp(want) != 0 {
		t.Fatalf("balance = %s, want %s", got, want)
	}
	r0, r1 := restored.Reserves(pair)
	if r0.Cmp(bi(1000)) != 0 || r1.Cmp(bi(2000)) != 0 {
		t.Fatalf("reserves = %s/%s, want 1000/2000", r0, r1)
	}
}

func TestLiquidityRoundTripNeverProfits(t *testing.T) {
	s := seeded(t)
	pair := addLiquidity(t, s, "250000", "640000")

	lp := s.BalanceOf(model.ClassSwap, pair.LpTick(), alice)
	_, err := s.ApplyOp(&model.InternalOperation{
		Kind:    model.KindRemoveLiq,
		Address: alice,
		Pair:    pair.Key(),
		Lp:      lp.String(),
	}, 30)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := s.BalanceOf(model.ClassSwap, "ordi", alice); got.Cmp(bi(1_000_000)) > 0 {
		t.Fatalf("round trip minted ordi: %s", got)
	}
	if got := s.BalanceOf(model.ClassSwap, "sats", alice); got.Cmp(bi(1_000_000)) > 0 {
		t.Fatalf("round trip minted sats: %s", got)
	}
}
