package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"

	"swapSequencer/internal/errs"
	"swapSequencer/internal/indexer"
	"swapSequencer/internal/model"
	"swapSequencer/internal/pricing"
	"swapSequencer/internal/reward"
	"swapSequencer/internal/sign"
	"swapSequencer/internal/space"
	"swapSequencer/internal/storage"
)

// memStore is an in-memory storage.Store with failure injection.
type memStore struct {
	mu       sync.Mutex
	commits  map[string]*model.Commit
	state    map[string]string
	balances int
	failNext error
}

func newMemStore() *memStore {
	return &memStore{
		commits: make(map[string]*model.Commit),
		state:   make(map[string]string),
	}
}

func (m *memStore) takeErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.failNext
	m.failNext = nil
	return err
}

func (m *memStore) UpsertBalances(_ context.Context, recs []storage.BalanceRecord) error {
	if err := m.takeErr(); err != nil {
		return err
	}
	m.mu.Lock()
	m.balances += len(recs)
	m.mu.Unlock()
	return nil
}

func (m *memStore) UpsertBalancesAndSupply(ctx context.Context, recs []storage.BalanceRecord, _ storage.SupplyRecord) error {
	return m.UpsertBalances(ctx, recs)
}

func (m *memStore) UpsertPool(context.Context, storage.PoolRecord) error             { return nil }
func (m *memStore) UpsertRewardPool(context.Context, storage.RewardPoolRecord) error { return nil }
func (m *memStore) UpsertRewardUser(context.Context, storage.RewardUserRecord) error { return nil }

func (m *memStore) UpsertPayPreference(context.Context, storage.PayPreferenceRecord) error {
	return nil
}

func (m *memStore) MarkTaskCompleted(context.Context, storage.TaskCompletionRecord) error {
	return nil
}

func (m *memStore) SaveCommit(_ context.Context, commit *model.Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits[commit.Op.Parent] = commit
	return nil
}

func (m *memStore) SetCommitInscription(_ context.Context, parent, inscriptionID, txid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.commits[parent]; ok {
		c.InscriptionID = inscriptionID
		c.TxID = txid
	}
	return nil
}

func (m *memStore) CommitByParent(_ context.Context, parent string) (*model.Commit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits[parent], nil
}

func (m *memStore) RecentCommits(context.Context, int) ([]*model.Commit, error) { return nil, nil }
func (m *memStore) UnindexedCommits(context.Context) ([]*model.Commit, error)   { return nil, nil }
func (m *memStore) MarkCommitIndexed(context.Context, string, uint64) error     { return nil }

func (m *memStore) StakeTx(ctx context.Context, fn func(storage.StakeWriter) error) error {
	if err := m.takeErr(); err != nil {
		return err
	}
	return fn(nopStakeWriter{})
}

func (m *memStore) LoadState(_ context.Context, name string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.state[name]
	return v, ok, nil
}

func (m *memStore) SaveState(_ context.Context, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[name] = value
	return nil
}

type nopStakeWriter struct{}

func (nopStakeWriter) UpsertStakePool(context.Context, storage.StakePoolRecord) error { return nil }
func (nopStakeWriter) UpsertStakeUser(context.Context, storage.StakeUserRecord) error { return nil }

func (nopStakeWriter) AppendStakeHistory(context.Context, storage.StakeHistoryRecord) error {
	return nil
}

// fakeVerifier returns a scripted verdict, health status, and indexed
// chain position.
type fakeVerifier struct {
	mu           sync.Mutex
	verdict      bool
	verifyErr    error
	health       indexer.HealthStatus
	healthErr    error
	verifyCalls  int
	lastID       string
	lastHeight   uint64
	deposits     []model.DepositEvent
	depositCalls int
}

func (f *fakeVerifier) Verify(context.Context, indexer.VerifyRequest) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls++
	return f.verdict, f.verifyErr
}

func (f *fakeVerifier) Health(context.Context) (indexer.HealthStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.healthErr != nil {
		return indexer.HealthError, f.healthErr
	}
	if f.health == "" {
		return indexer.HealthOK, nil
	}
	return f.health, nil
}

func (f *fakeVerifier) LastIndexed(context.Context) (string, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastID, f.lastHeight, nil
}

func (f *fakeVerifier) Deposits(context.Context, uint64, uint64) ([]model.DepositEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.depositCalls++
	return f.deposits, nil
}

// fakePublisher mints sequential inscription ids.
type fakePublisher struct {
	mu         sync.Mutex
	committing bool
	pushErr    error
	pushes     int
}

func (f *fakePublisher) Push(_ context.Context, commit *model.Commit) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return "", f.pushErr
	}
	f.pushes++
	commit.TxID = fmt.Sprintf("tx-%d", f.pushes)
	return fmt.Sprintf("insc-%d", f.pushes), nil
}

func (f *fakePublisher) IsCommitting() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.committing
}

// signer wraps a key pair with its P2WPKH address.
type signer struct {
	priv *btcec.PrivateKey
	addr string
}

func newSigner(t *testing.T) *signer {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	addr, err := sign.P2WPKHAddress(priv.PubKey(), &chaincfg.MainNetParams)
	require.NoError(t, err)
	return &signer{priv: priv, addr: addr}
}

func (s *signer) sign(t *testing.T, op *model.InternalOperation) {
	t.Helper()
	op.Address = s.addr
	payload, err := op.SignedPayload()
	require.NoError(t, err)
	op.Signature = sign.SignCompact(s.priv, payload)
}

type fixture struct {
	op       *Operator
	store    *memStore
	verifier *fakeVerifier
	pub      *fakePublisher
	pricer   *pricing.Static
	user     *signer
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	cfg := Config{
		Module:         "module-1",
		Params:         &chaincfg.MainNetParams,
		MaxCommitOps:   50,
		MaxUnconfirmed: 5,
		SwapFeeRateBps: 30,
		FeeAddress:     "addr_fee",
		StrictVerify:   true,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	store := newMemStore()
	verifier := &fakeVerifier{verdict: true}
	pub := &fakePublisher{}
	pricer := pricing.NewStatic(12)

	f := &fixture{
		store:    store,
		verifier: verifier,
		pub:      pub,
		pricer:   pricer,
		user:     newSigner(t),
	}
	f.op = New(cfg,
		space.New(),
		reward.NewEngine(cfg.FeeAddress, nil),
		reward.NewStakeLedger(nil),
		store, verifier, pricer, pub, nil, nil)
	f.op.StartCommit("module-1", "12", "0")
	return f
}

// seed credits the user before any operations run and refreshes the
// confirmed baseline so recovery rebuilds include the funds.
func (f *fixture) seed(t *testing.T, tick string, amount int64) {
	t.Helper()
	require.NoError(t, f.op.space.Deposit(model.ClassSwap, tick, f.user.addr, big.NewInt(amount)))
	f.op.confirmed = f.op.space.Snapshot()
}

func (f *fixture) sendOp(t *testing.T, to string, amount string, prevs []string) Request {
	t.Helper()
	op := model.InternalOperation{
		Kind:      model.KindSend,
		Tick:      "ordi",
		Amount:    amount,
		To:        to,
		Timestamp: 1700000000,
		Prevs:     prevs,
	}
	f.user.sign(t, &op)
	return Request{Op: op, Pay: PayAsset}
}

func TestAggregateAppliesAndAppends(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "ordi", 1000)

	res, err := f.op.Aggregate(context.Background(), f.sendOp(t, "addr_bob", "400", nil))
	require.NoError(t, err)
	require.NotEmpty(t, res.OpID)

	current := f.op.Current()
	require.Len(t, current.Op.Data, 1)
	require.Len(t, current.Results, 1)
	require.Equal(t, res.OpID, current.Op.Data[0].ID)

	require.Equal(t, "600", f.op.Balance(model.ClassSwap, "ordi", f.user.addr).String())
	require.Equal(t, "400", f.op.Balance(model.ClassSwap, "ordi", "addr_bob").String())
	require.Positive(t, f.store.balances, "projection writes must flow to storage")
}

func TestDryRunLeavesLedgerUntouched(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "ordi", 1000)

	_, err := f.op.DryRun(context.Background(), f.sendOp(t, "addr_bob", "400", nil))
	require.NoError(t, err)

	require.Empty(t, f.op.Current().Op.Data)
	require.Equal(t, "1000", f.op.Balance(model.ClassSwap, "ordi", f.user.addr).String())
}

func TestAggregateRejectsTamperedSignature(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "ordi", 1000)

	req := f.sendOp(t, "addr_bob", "400", nil)
	req.Op.Amount = "999"
	_, err := f.op.Aggregate(context.Background(), req)
	require.True(t, errs.IsKind(err, errs.KindSignature), "got %v", err)
	require.Empty(t, f.op.Current().Op.Data)
}

func TestReplayDetection(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "ordi", 1000)
	ctx := context.Background()

	req := f.sendOp(t, "addr_bob", "100", nil)
	first, err := f.op.Aggregate(ctx, req)
	require.NoError(t, err)

	// Same operation again: the id is already in the log.
	_, err = f.op.Aggregate(ctx, req)
	require.Equal(t, errs.CodeReplay, errs.CodeOf(err))

	// A fresh operation must chain to the address's previous id.
	_, err = f.op.Aggregate(ctx, f.sendOp(t, "addr_bob", "50", nil))
	require.Equal(t, errs.CodeReplay, errs.CodeOf(err))

	_, err = f.op.Aggregate(ctx, f.sendOp(t, "addr_bob", "50", []string{first.OpID}))
	require.NoError(t, err)
	require.Len(t, f.op.Current().Op.Data, 2)
}

func TestSealVerifyPublishRotate(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxCommitOps = 1 })
	f.seed(t, "ordi", 1000)
	ctx := context.Background()

	_, err := f.op.Aggregate(ctx, f.sendOp(t, "addr_bob", "100", nil))
	require.NoError(t, err)

	// Seal condition reached: new operations are rejected.
	_, err = f.op.Aggregate(ctx, f.sendOp(t, "addr_bob", "1", nil))
	require.Equal(t, errs.CodeSystemBusy, errs.CodeOf(err))

	require.NoError(t, f.op.TryCommit(ctx))
	require.Equal(t, 1, f.verifier.verifyCalls)
	require.Equal(t, 1, f.pub.pushes)
	require.Equal(t, "insc-1", f.op.Current().InscriptionID)

	require.NoError(t, f.op.TryNewCommitOp(ctx))
	current := f.op.Current()
	require.Equal(t, "insc-1", current.Op.Parent)
	require.False(t, current.Published())
	require.Empty(t, current.Op.Data)
}

func TestStrictVerifyMismatchBlocksPublication(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxCommitOps = 1 })
	f.seed(t, "ordi", 1000)
	f.verifier.verdict = false
	ctx := context.Background()

	snap := f.op.space.Snapshot()
	_, err := f.op.Aggregate(ctx, f.sendOp(t, "addr_bob", "100", nil))
	require.NoError(t, err)

	err = f.op.TryCommit(ctx)
	require.Equal(t, errs.CodeVerifyMismatch, errs.CodeOf(err))
	require.Zero(t, f.pub.pushes, "mismatch must not publish")

	// Reset pending: everything is rejected until recovery runs.
	_, err = f.op.Aggregate(ctx, f.sendOp(t, "addr_bob", "1", nil))
	require.Equal(t, errs.CodeSystemBusy, errs.CodeOf(err))

	require.NoError(t, f.op.ResetPendingSpace(snap, nil))
	require.Len(t, f.op.Current().Op.Data, 1, "open operations replay through recovery")
	require.Len(t, f.op.Current().Results, 1)
}

func TestBackpressureOnUnconfirmed(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxUnconfirmed = 1 })
	f.seed(t, "ordi", 1000)

	published := model.NewCommit("module-1", "older-parent", "12", "30")
	published.InscriptionID = "insc-old"
	require.NoError(t, f.op.Restore(nil, []*model.Commit{published}, nil))

	_, err := f.op.Aggregate(context.Background(), f.sendOp(t, "addr_bob", "100", nil))
	require.Equal(t, errs.CodeTooManyUnconfirmed, errs.CodeOf(err))
}

func TestFeeLegFromQuote(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "ordi", 1000)
	f.pricer.Prices["ordi"] = 100
	ctx := context.Background()

	op := model.InternalOperation{
		Kind:      model.KindSend,
		Tick:      "ordi",
		Amount:    "100",
		To:        "addr_bob",
		Timestamp: 1700000000,
	}
	op.Address = f.user.addr
	quote, err := f.op.QuoteOperation(ctx, op)
	require.NoError(t, err)
	require.Equal(t, "ordi", quote.FeeTick)
	// rate 12 sat/vB * 350 vB / 100 sats per unit = 42.
	require.Equal(t, "42", quote.FeeAmount)

	f.user.sign(t, &op)
	res, err := f.op.Aggregate(ctx, Request{
		Op:        op,
		Pay:       PayTick,
		FeeTick:   quote.FeeTick,
		FeeAmount: quote.FeeAmount,
	})
	require.NoError(t, err)
	require.NotNil(t, res)

	current := f.op.Current()
	require.Len(t, current.Op.Data, 2, "fee leg rides in the same commit")
	require.Equal(t, model.KindFee, current.Op.Data[1].Kind)
	require.Equal(t, "42",
		f.op.Balance(model.ClassSwap, "ordi", "addr_fee").String())
}

func TestFeeMismatchRejected(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "ordi", 1000)
	f.pricer.Prices["ordi"] = 100
	ctx := context.Background()

	op := model.InternalOperation{
		Kind:      model.KindSend,
		Tick:      "ordi",
		Amount:    "100",
		To:        "addr_bob",
		Timestamp: 1700000000,
	}
	op.Address = f.user.addr
	quote, err := f.op.QuoteOperation(ctx, op)
	require.NoError(t, err)

	f.user.sign(t, &op)
	_, err = f.op.Aggregate(ctx, Request{
		Op:        op,
		Pay:       PayTick,
		FeeTick:   quote.FeeTick,
		FeeAmount: "1",
	})
	require.Equal(t, errs.CodeFeeMismatch, errs.CodeOf(err))
	require.Empty(t, f.op.Current().Op.Data)
}

func TestPayTickWithoutQuoteExpires(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "ordi", 1000)

	req := f.sendOp(t, "addr_bob", "100", nil)
	req.Pay = PayTick
	req.FeeTick = "ordi"
	req.FeeAmount = "42"
	_, err := f.op.Aggregate(context.Background(), req)
	require.Equal(t, errs.CodeQuoteExpired, errs.CodeOf(err))
}

func TestPayFreeConsumesQuota(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "ordi", 1000)
	f.pricer.FreeQuota[f.user.addr] = 1
	ctx := context.Background()

	req := f.sendOp(t, "addr_bob", "100", nil)
	req.Pay = PayFree
	res, err := f.op.Aggregate(ctx, req)
	require.NoError(t, err)

	next := f.sendOp(t, "addr_bob", "100", []string{res.OpID})
	next.Pay = PayFree
	_, err = f.op.Aggregate(ctx, next)
	require.Error(t, err, "quota of one is spent")
}

func TestHealthFailureLatchesFatal(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.HealthFailureLimit = 2 })
	f.seed(t, "ordi", 1000)
	f.verifier.healthErr = fmt.Errorf("connection refused")
	ctx := context.Background()

	f.op.Tick(ctx)
	require.NoError(t, f.op.Fatal())
	f.op.Tick(ctx)
	require.Error(t, f.op.Fatal())

	_, err := f.op.Aggregate(ctx, f.sendOp(t, "addr_bob", "100", nil))
	require.Equal(t, errs.CodeInvariant, errs.CodeOf(err))

	f.op.ClearFatal()
	require.NoError(t, f.op.Fatal())
}

func TestReadOnlyMode(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "ordi", 1000)

	f.op.SetReadOnly(true)
	_, err := f.op.Aggregate(context.Background(), f.sendOp(t, "addr_bob", "100", nil))
	require.Equal(t, errs.CodeReadOnly, errs.CodeOf(err))

	f.op.SetReadOnly(false)
	_, err = f.op.Aggregate(context.Background(), f.sendOp(t, "addr_bob", "100", nil))
	require.NoError(t, err)
}

func TestPerAddressQuota(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxOpsPerAddress = 1 })
	f.seed(t, "ordi", 1000)
	ctx := context.Background()

	res, err := f.op.Aggregate(ctx, f.sendOp(t, "addr_bob", "100", nil))
	require.NoError(t, err)

	_, err = f.op.Aggregate(ctx, f.sendOp(t, "addr_bob", "50", []string{res.OpID}))
	require.Equal(t, errs.CodeAccessDenied, errs.CodeOf(err))
}

func TestRecoverRebuildsAfterVerifyMismatch(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxCommitOps = 1 })
	f.seed(t, "ordi", 1000)
	f.verifier.verdict = false
	ctx := context.Background()

	_, err := f.op.Aggregate(ctx, f.sendOp(t, "addr_bob", "100", nil))
	require.NoError(t, err)
	err = f.op.TryCommit(ctx)
	require.Equal(t, errs.CodeVerifyMismatch, errs.CodeOf(err))

	// The scheduled recovery rebuilds from the confirmed baseline
	// without any caller-supplied snapshot.
	f.verifier.verdict = true
	require.NoError(t, f.op.TryRecover())
	require.Len(t, f.op.Current().Op.Data, 1, "open operations replay through recovery")

	require.NoError(t, f.op.TryCommit(ctx))
	require.Equal(t, 1, f.pub.pushes, "recovered sequencer publishes again")

	// Idle recovery is a no-op.
	require.NoError(t, f.op.TryRecover())
}

func TestConfirmedSnapshotSurvivesRestart(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxCommitOps = 1 })
	f.seed(t, "ordi", 1000)
	ctx := context.Background()

	_, err := f.op.Aggregate(ctx, f.sendOp(t, "addr_bob", "400", nil))
	require.NoError(t, err)
	require.NoError(t, f.op.TryCommit(ctx))
	require.NoError(t, f.op.TryNewCommitOp(ctx))

	// The indexer confirms the published commit; the tick persists the
	// advanced baseline.
	f.verifier.lastID = "insc-1"
	f.verifier.lastHeight = 7
	f.op.Tick(ctx)

	raw, ok := f.store.state[StateConfirmedSnapshot]
	require.True(t, ok, "confirmed snapshot must be persisted")
	require.Equal(t, "insc-1", f.store.state[StateLastInscription])

	snap := new(space.Snapshot)
	require.NoError(t, json.Unmarshal([]byte(raw), snap))
	require.Equal(t, uint64(7), snap.Cursor())

	// A fresh session restores balances from the snapshot alone.
	restarted := New(Config{
		Module:         "module-1",
		Params:         &chaincfg.MainNetParams,
		MaxCommitOps:   50,
		MaxUnconfirmed: 5,
		SwapFeeRateBps: 30,
		FeeAddress:     "addr_fee",
		StrictVerify:   true,
	}, space.New(), reward.NewEngine("addr_fee", nil), reward.NewStakeLedger(nil),
		f.store, f.verifier, f.pricer, f.pub, nil, nil)
	require.NoError(t, restarted.Restore(snap, nil, nil))
	restarted.StartCommit("insc-1", "12", "0")

	require.Equal(t, "600", restarted.Balance(model.ClassSwap, "ordi", f.user.addr).String())
	require.Equal(t, "400", restarted.Balance(model.ClassSwap, "ordi", "addr_bob").String())

	// The restored ledger accepts new spends against those balances.
	_, err = restarted.Aggregate(ctx, f.sendOp(t, "addr_carol", "600", nil))
	require.NoError(t, err)
}

func TestDepositsCreditConfirmedBalances(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.verifier.lastHeight = 5
	f.verifier.deposits = []model.DepositEvent{
		{InscriptionID: "dep-1", Address: "addr_bob", Tick: "ordi", Amount: "250", Height: 3},
	}
	f.op.Tick(ctx)

	require.Equal(t, "250", f.op.Balance(model.ClassSwap, "ordi", "addr_bob").String())
	require.Equal(t, 1, f.verifier.depositCalls)
	require.NotEmpty(t, f.store.state[StateConfirmedSnapshot])

	// Same indexed height again: the scanned range is empty, nothing is
	// credited twice.
	f.op.Tick(ctx)
	require.Equal(t, "250", f.op.Balance(model.ClassSwap, "ordi", "addr_bob").String())
	require.Equal(t, 1, f.verifier.depositCalls)
}

func TestPoolInfoAccessor(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "ordi", 10000)
	f.seed(t, "sats", 10000)
	ctx := context.Background()

	pair, err := model.NewPair("ordi", "sats")
	require.NoError(t, err)
	op := model.InternalOperation{
		Kind:      model.KindAddLiq,
		Pair:      pair.Key(),
		Amount0:   "10000",
		Amount1:   "10000",
		Timestamp: 1700000000,
	}
	f.user.sign(t, &op)
	_, err = f.op.Aggregate(ctx, Request{Op: op, Pay: PayAsset})
	require.NoError(t, err)

	info, ok := f.op.PoolInfo(pair)
	require.True(t, ok)
	require.Equal(t, "10000", info.Reserve0)
	require.Equal(t, "10000", info.Reserve1)

	other, err := model.NewPair("ordi", "zzzz")
	require.NoError(t, err)
	_, ok = f.op.PoolInfo(other)
	require.False(t, ok)
}

func TestConcurrentReadsDuringAggregate(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "ordi", 100000)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			f.op.Balance(model.ClassSwap, "ordi", f.user.addr)
		}
	}()

	var prevs []string
	for i := 0; i < 20; i++ {
		res, err := f.op.Aggregate(ctx, f.sendOp(t, "addr_bob", "10", prevs))
		require.NoError(t, err)
		prevs = []string{res.OpID}
	}
	<-done
}

func TestRejectedFreeOpKeepsQuota(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "ordi", 1000)
	f.pricer.FreeQuota[f.user.addr] = 1
	ctx := context.Background()

	req := f.sendOp(t, "addr_bob", "100", nil)
	req.Op.Amount = "999"
	req.Pay = PayFree
	_, err := f.op.Aggregate(ctx, req)
	require.True(t, errs.IsKind(err, errs.KindSignature), "got %v", err)
	require.Equal(t, 1, f.pricer.FreeQuota[f.user.addr],
		"rejected request must not burn quota")

	good := f.sendOp(t, "addr_bob", "100", nil)
	good.Pay = PayFree
	res, err := f.op.Aggregate(ctx, good)
	require.NoError(t, err)
	require.Zero(t, f.pricer.FreeQuota[f.user.addr])
	require.Equal(t, res.OpID, f.pricer.ConsumedBy[f.user.addr])
}
