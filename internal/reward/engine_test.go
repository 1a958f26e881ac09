package reward

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"swapSequencer/internal/model"
	"swapSequencer/internal/space"
)

const (
	alice   = "addr_alice"
	bob     = "addr_bob"
	feeAddr = "addr_fee"
)

func bi(v int64) *big.Int { return big.NewInt(v) }

// poolFixture builds a ledger with one ordi/sats pool at equal reserves
// and alice holding all non-burned LP.
func poolFixture(t *testing.T) (*space.Space, model.Pair) {
	t.Helper()
	s := space.New()
	require.NoError(t, s.Deposit(model.ClassSwap, "ordi", alice, bi(1_000_000)))
	require.NoError(t, s.Deposit(model.ClassSwap, "sats", alice, bi(1_000_000)))

	pair, err := model.NewPair("ordi", "sats")
	require.NoError(t, err)
	_, err = s.ApplyOp(&model.InternalOperation{
		Kind:    model.KindAddLiq,
		Address: alice,
		Pair:    pair.Key(),
		Amount0: "1000000",
		Amount1: "1000000",
	}, 30)
	require.NoError(t, err)
	return s, pair
}

// growPool simulates fee accumulation by crediting both reserves
// directly, which raises sqrt(k) without touching LP supply.
func growPool(t *testing.T, s *space.Space, pair model.Pair, amount int64) {
	t.Helper()
	addr := pair.PoolAddress()
	require.NoError(t, s.Deposit(model.ClassSwap, pair.Tick0, addr, bi(amount)))
	require.NoError(t, s.Deposit(model.ClassSwap, pair.Tick1, addr, bi(amount)))
}

func TestUpdatePoolBootstrapAccruesNothing(t *testing.T) {
	s, pair := poolFixture(t)
	e := NewEngine(feeAddr, nil)

	e.UpdatePool(s, pair)
	p, ok := e.PoolState(pair)
	require.True(t, ok)
	require.Zero(t, p.AccTotal.Sign(), "bootstrap must not mint reward")
	require.Equal(t, bi(1_000_000), p.LastPoolLp)
}

func TestUpdatePoolAccruesOnGrowth(t *testing.T) {
	s, pair := poolFixture(t)
	e := NewEngine(feeAddr, nil)
	e.UpdatePool(s, pair)
	e.Settle(s, pair, alice)

	growPool(t, s, pair, 20_100)
	e.UpdatePool(s, pair)

	p, _ := e.PoolState(pair)
	// sqrt(k) grew by 20100; five sixths of that is fee reward.
	require.Equal(t, bi(16_750), p.AccTotal)

	// Repeating with unchanged reserves must not accrue again.
	e.UpdatePool(s, pair)
	require.Equal(t, bi(16_750), p.AccTotal)
}

func TestSettleAccruesOnPreviousLp(t *testing.T) {
	s, pair := poolFixture(t)
	e := NewEngine(feeAddr, nil)
	e.UpdatePool(s, pair)
	e.Settle(s, pair, alice)

	growPool(t, s, pair, 20_100)
	u := e.Settle(s, pair, alice)

	// alice holds 999000 of 1000000 shares: 16750 * 999000 / 1000000.
	require.Equal(t, bi(16_733), u.RewardUnclaimed)
}

func TestNoOverIssuance(t *testing.T) {
	s, pair := poolFixture(t)
	// Move some LP to bob so two users split the accrual.
	_, err := s.ApplyOp(&model.InternalOperation{
		Kind:    model.KindSendLp,
		Address: alice,
		Pair:    pair.Key(),
		Amount:  "300000",
		To:      bob,
	}, 30)
	require.NoError(t, err)

	e := NewEngine(feeAddr, nil)
	e.UpdatePool(s, pair)
	e.Settle(s, pair, alice)
	e.Settle(s, pair, bob)

	growPool(t, s, pair, 60_000)
	uA := e.Settle(s, pair, alice)
	uB := e.Settle(s, pair, bob)

	p, _ := e.PoolState(pair)
	total := new(big.Int).Add(uA.RewardUnclaimed, uB.RewardUnclaimed)
	require.LessOrEqual(t, total.Cmp(p.AccTotal), 0,
		"settled rewards %s exceed accumulator %s", total, p.AccTotal)
	require.Positive(t, uA.RewardUnclaimed.Sign())
	require.Positive(t, uB.RewardUnclaimed.Sign())
}

func TestClaimProportionalToRemovedLp(t *testing.T) {
	s, pair := poolFixture(t)
	e := NewEngine(feeAddr, nil)
	e.UpdatePool(s, pair)
	e.Settle(s, pair, alice)

	growPool(t, s, pair, 20_100)
	before := new(big.Int).Set(e.Settle(s, pair, alice).RewardUnclaimed)

	// Removing a third of the LP carves out a third of the unclaimed.
	claimed, err := e.Claim(s, pair, alice, bi(333_000))
	require.NoError(t, err)

	expect := new(big.Int).Mul(bi(333_000), before)
	expect.Div(expect, bi(999_000))
	require.Equal(t, expect, claimed)

	u, _ := e.UserState(pair, alice)
	rest := new(big.Int).Sub(before, claimed)
	require.Equal(t, rest, u.RewardUnclaimed)
	require.Equal(t, claimed, u.RewardClaimed)
}

func TestClaimRejectsExcessLp(t *testing.T) {
	s, pair := poolFixture(t)
	e := NewEngine(feeAddr, nil)
	_, err := e.Claim(s, pair, alice, bi(2_000_000))
	require.Error(t, err)
}

func TestSplitProportionalToReserves(t *testing.T) {
	s, pair := poolFixture(t)
	e := NewEngine(feeAddr, nil)

	// Equal reserves: a weight splits evenly.
	r0, r1 := e.Split(s, pair, bi(1000))
	require.Equal(t, bi(1000), r0)
	require.Equal(t, bi(1000), r1)

	z0, z1 := e.Split(s, pair, bi(0))
	require.Zero(t, z0.Sign())
	require.Zero(t, z1.Sign())
}
