package orchestrator_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cosmossdk.io/log"
	"cosmossdk.io/math"
	"github.com/stretchr/testify/require"

	"github.com/pelagos-market/pelagos/credentials"
	"github.com/pelagos-market/pelagos/escrow"
	"github.com/pelagos-market/pelagos/journal"
	"github.com/pelagos-market/pelagos/ledger"
	"github.com/pelagos-market/pelagos/orchestrator"
	"github.com/pelagos-market/pelagos/pricing"
	"github.com/pelagos-market/pelagos/provider"
	"github.com/pelagos-market/pelagos/types"
)

const (
	consumer = "0xconsumer"
	endpoint = "https://provider.example.com"
)

var oceanToken = types.TokenInfo{Address: "0xocean", Symbol: "OCEAN", Decimals: 18}

// ocean converts whole OCEAN into the token's smallest unit.
func ocean(n int64) math.Int { return math.NewIntWithDecimal(n, 18) }

func freeAlgorithm() *types.Asset {
	return &types.Asset{
		ID:      "did:op:algo",
		ChainID: 1,
		Owner:   "0xowner",
		Services: []types.Service{{
			ID:              "algo-svc",
			Kind:            types.ServiceKindCompute,
			ServiceEndpoint: endpoint,
		}},
		AccessDetails: []types.AccessDetails{{
			Type:      types.AccessTypeFree,
			BaseToken: oceanToken,
			Price:     math.ZeroInt(),
		}},
	}
}

func pricedDataset(id string, price math.Int) *types.Asset {
	return &types.Asset{
		ID:      id,
		ChainID: 1,
		Owner:   "0xowner",
		Services: []types.Service{{
			ID:              "data-svc",
			Kind:            types.ServiceKindCompute,
			ServiceEndpoint: endpoint,
		}},
		AccessDetails: []types.AccessDetails{{
			Type:        types.AccessTypeFixed,
			BaseToken:   oceanToken,
			Price:       price,
			Purchasable: true,
		}},
	}
}

func paidSelection() *types.ResourceSelection {
	return &types.ResourceSelection{
		Mode:               types.ResourceModePaid,
		Amounts:            map[types.ResourceKind]int64{types.ResourceCPU: 2, types.ResourceRAM: 4},
		JobDurationSeconds: 3600,
		TotalPrice:         ocean(1),
	}
}

func environment() *types.ComputeEnvironment {
	return &types.ComputeEnvironment{
		ID:       "env-1",
		Consumer: "0xoperator",
		Resources: []types.ComputeResource{
			{Kind: types.ResourceCPU, FreeMax: 1, PaidMax: 8, PricePerUnit: ocean(1)},
		},
	}
}

// mockProvider is a scripted ProviderAPI.
type mockProvider struct {
	mu         sync.Mutex
	initResult *types.InitializeComputeResult
	initNext   *types.InitializeComputeResult // served from the second call on
	initErr    error
	initCalls  int
	startJob   *types.ComputeJob
	startErr   error
	paidCalls  int
	freeCalls  int
	lastPaid   provider.PaidStartRequest
}

func (m *mockProvider) InitializeCompute(_ context.Context, _ provider.InitializeComputeRequest) (*types.InitializeComputeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initCalls++
	if m.initErr != nil {
		return nil, m.initErr
	}
	if m.initCalls > 1 && m.initNext != nil {
		return m.initNext, nil
	}
	return m.initResult, nil
}

func (m *mockProvider) SubmitFree(_ context.Context, _ provider.FreeStartRequest) (*types.ComputeJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freeCalls++
	if m.startErr != nil {
		return nil, m.startErr
	}
	return m.startJob, nil
}

func (m *mockProvider) SubmitPaid(_ context.Context, req provider.PaidStartRequest) (*types.ComputeJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paidCalls++
	m.lastPaid = req
	if m.startErr != nil {
		return nil, m.startErr
	}
	return m.startJob, nil
}

// mockSettler records settlement order and injects per-key failures.
// It also asserts calls never interleave.
type mockSettler struct {
	mu       sync.Mutex
	sequence []string
	failOn   map[string]error
	inFlight atomic.Int32
	overlap  atomic.Bool
	counter  int
}

func (m *mockSettler) Order(_ context.Context, params ledger.OrderParams) (types.OrderTransaction, error) {
	if m.inFlight.Add(1) > 1 {
		m.overlap.Store(true)
	}
	defer m.inFlight.Add(-1)
	time.Sleep(time.Millisecond)

	key := types.OrderKey(params.Asset.ID, params.Service.ID)

	m.mu.Lock()
	m.sequence = append(m.sequence, key)
	m.counter++
	n := m.counter
	err := m.failOn[key]
	m.mu.Unlock()

	if err != nil {
		return types.OrderTransaction{}, err
	}
	return types.OrderTransaction{
		TxRef:     "0xtx-" + key + "-" + string(rune('0'+n)),
		AssetID:   params.Asset.ID,
		ServiceID: params.Service.ID,
		Amount:    params.Price.Total(),
	}, nil
}

// fakeJournal enforces the same referential rule as the Postgres
// journal: an order row needs its attempt row first.
type fakeJournal struct {
	mu       sync.Mutex
	attempts map[string]journal.AttemptRecord
	orders   map[string][]types.OrderTransaction
	readErr  error
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{
		attempts: map[string]journal.AttemptRecord{},
		orders:   map[string][]types.OrderTransaction{},
	}
}

func (j *fakeJournal) SaveAttempt(_ context.Context, record journal.AttemptRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.attempts[record.ID] = record
	return nil
}

func (j *fakeJournal) SaveOrder(_ context.Context, attemptID string, order types.OrderTransaction) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.attempts[attemptID]; !ok {
		return errors.New("no attempt row for " + attemptID)
	}
	j.orders[attemptID] = append(j.orders[attemptID], order)
	return nil
}

func (j *fakeJournal) OrdersForAttempt(_ context.Context, attemptID string) ([]types.OrderTransaction, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.readErr != nil {
		return nil, j.readErr
	}
	return j.orders[attemptID], nil
}

type fakeFunds struct {
	available math.Int
}

func (f *fakeFunds) Funds(context.Context, string, string) (types.EscrowFunds, error) {
	return types.EscrowFunds{Available: f.available, Locked: math.ZeroInt()}, nil
}

func initResultFor(datasets []*types.Asset, deposit math.Int, fee math.Int) *types.InitializeComputeResult {
	quotes := make(map[string]*types.ProviderFeeQuote, len(datasets))
	for _, ds := range datasets {
		quotes[types.OrderKey(ds.ID, ds.Services[0].ID)] = &types.ProviderFeeQuote{
			ProviderFeeAddress: "0xprov",
			Token:              oceanToken.Address,
			Amount:             fee,
		}
	}
	return &types.InitializeComputeResult{
		Algorithm: nil,
		Datasets:  quotes,
		Payment: types.PaymentTerms{
			EscrowAddress:  "0xescrow",
			RequiredAmount: deposit,
			MinLockSeconds: 3600,
			Token:          oceanToken.Address,
		},
		ValidUntil: time.Now().Add(10 * time.Minute),
	}
}

type harness struct {
	orch     *orchestrator.Orchestrator
	provider *mockProvider
	settler  *mockSettler
	funds    *fakeFunds
	sessions credentials.SessionCache
}

func newHarness(t *testing.T, datasets []*types.Asset, available math.Int) *harness {
	return newHarnessWith(t, datasets, available, nil)
}

func newHarnessWith(t *testing.T, datasets []*types.Asset, available math.Int, customize func(*orchestrator.Deps)) *harness {
	t.Helper()

	funds := &fakeFunds{available: available}
	prov := &mockProvider{
		initResult: initResultFor(datasets, ocean(2), math.NewIntWithDecimal(1, 17)),
		startJob:   &types.ComputeJob{ID: "job-123", Status: 1, StatusText: "Warming up"},
	}
	settler := &mockSettler{failOn: map[string]error{}}
	sessions := credentials.NewMemoryCache()

	deps := orchestrator.Deps{
		Pricing:  pricing.New(pricing.MarketFeeConfig{}),
		Escrow:   escrow.NewVerifier(funds, log.NewNopLogger()),
		Sessions: sessions,
		Settler:  settler,
		Provider: prov,
		Logger:   log.NewNopLogger(),
	}
	if customize != nil {
		customize(&deps)
	}
	orch := orchestrator.New(deps)

	return &harness{orch: orch, provider: prov, settler: settler, funds: funds, sessions: sessions}
}

func inputsFor(datasets ...*types.Asset) orchestrator.Inputs {
	selections := make([]orchestrator.DatasetSelection, len(datasets))
	for i, ds := range datasets {
		selections[i] = orchestrator.DatasetSelection{Asset: ds}
	}
	return orchestrator.Inputs{
		Algorithm:     freeAlgorithm(),
		Datasets:      selections,
		Environment:   environment(),
		Resources:     paidSelection(),
		Consumer:      consumer,
		TermsAccepted: true,
	}
}

func runToCompletion(t *testing.T, h *harness, inputs orchestrator.Inputs) *orchestrator.Attempt {
	t.Helper()
	a, err := h.orch.Start(inputs)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Wait(ctx))
	return a
}

// TestRun_PaidHappyPath is the full scenario: free algorithm with a
// cached session, one dataset at 2 OCEAN plus 0.1 OCEAN provider fee,
// 5 OCEAN escrowed. Both orders settle and the paid submission
// returns job-123.
func TestRun_PaidHappyPath(t *testing.T) {
	dataset := pricedDataset("did:op:data", ocean(2))
	h := newHarness(t, []*types.Asset{dataset}, ocean(5))

	require.NoError(t, h.sessions.Put(context.Background(), types.CredentialSession{
		AssetID:   "did:op:algo",
		ServiceID: "algo-svc",
		SessionID: "sess-algo",
	}))

	a := runToCompletion(t, h, inputsFor(dataset))

	require.Equal(t, orchestrator.StateSubmitted, a.State())
	require.Nil(t, a.Failure())
	require.NotNil(t, a.Job())
	require.Equal(t, "job-123", a.Job().ID)

	// Price for the dataset is base + provider fee = 2.1 OCEAN.
	snap := a.Snapshot()
	dsKey := types.OrderKey("did:op:data", "data-svc")
	require.Equal(t, ocean(2).Add(math.NewIntWithDecimal(1, 17)), snap.Prices[dsKey].Total())

	// Settlement order: algorithm strictly first.
	require.Equal(t, []string{
		types.OrderKey("did:op:algo", "algo-svc"),
		dsKey,
	}, h.settler.sequence)
	require.False(t, h.settler.overlap.Load())

	// The paid start carried both settlement proofs and the session.
	require.Equal(t, 1, h.provider.paidCalls)
	require.Zero(t, h.provider.freeCalls)
	require.NotEmpty(t, h.provider.lastPaid.Algorithm.PaymentRef)
	require.Len(t, h.provider.lastPaid.Datasets, 1)
	require.NotEmpty(t, h.provider.lastPaid.Datasets[0].TransferTxID)
}

// TestRun_InsufficientEscrow: 1 OCEAN available against a 2.1 OCEAN
// obligation. The gate fails, no order is placed, no job submitted.
func TestRun_InsufficientEscrow(t *testing.T) {
	dataset := pricedDataset("did:op:data", ocean(2))
	h := newHarness(t, []*types.Asset{dataset}, ocean(1))

	a := runToCompletion(t, h, inputsFor(dataset))

	require.Equal(t, orchestrator.StateFailed, a.State())
	require.NotNil(t, a.Failure())
	require.Equal(t, orchestrator.ClassFatal, a.Failure().Class)
	require.False(t, a.Failure().Retryable)
	require.Contains(t, a.Failure().Message, "shortfall")

	require.Empty(t, h.settler.sequence)
	require.Zero(t, h.provider.paidCalls)
	require.Zero(t, h.provider.freeCalls)
	require.Nil(t, a.Job())
}

// TestRun_UserRejectionMidSequence: the algorithm settles, the dataset
// order is rejected by the user. The attempt ends cancelled and
// retryable, the algorithm's transaction is retained, and nothing
// after the rejected dataset is called.
func TestRun_UserRejectionMidSequence(t *testing.T) {
	ds1 := pricedDataset("did:op:data1", ocean(2))
	ds2 := pricedDataset("did:op:data2", ocean(2))
	h := newHarness(t, []*types.Asset{ds1, ds2}, ocean(50))

	ds1Key := types.OrderKey("did:op:data1", "data-svc")
	h.settler.failOn[ds1Key] = errors.New("MetaMask Tx Signature: User denied transaction signature")

	a := runToCompletion(t, h, inputsFor(ds1, ds2))

	require.Equal(t, orchestrator.StateFailed, a.State())
	require.NotNil(t, a.Failure())
	require.Equal(t, orchestrator.ClassCancelled, a.Failure().Class)
	require.True(t, a.Failure().Retryable)

	algoKey := types.OrderKey("did:op:algo", "algo-svc")
	orders := a.Orders()
	require.Contains(t, orders, algoKey)
	require.NotContains(t, orders, ds1Key)

	// Sequence stops at the rejected dataset.
	require.Equal(t, []string{algoKey, ds1Key}, h.settler.sequence)
	require.Zero(t, h.provider.paidCalls)
}

// TestRun_RetryReusesSettledOrders: after a mid-sequence rejection a
// retry must not re-place the algorithm's order.
func TestRun_RetryReusesSettledOrders(t *testing.T) {
	dataset := pricedDataset("did:op:data", ocean(2))
	h := newHarness(t, []*types.Asset{dataset}, ocean(50))

	dsKey := types.OrderKey("did:op:data", "data-svc")
	algoKey := types.OrderKey("did:op:algo", "algo-svc")
	h.settler.failOn[dsKey] = errors.New("user rejected signing")

	a := runToCompletion(t, h, inputsFor(dataset))
	require.True(t, a.Retryable())
	require.Contains(t, a.Orders(), algoKey)
	algoTx := a.Orders()[algoKey].TxRef

	// User approves this time.
	h.settler.mu.Lock()
	delete(h.settler.failOn, dsKey)
	h.settler.mu.Unlock()

	retried, err := h.orch.Retry(context.Background(), a.ID)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, retried.Wait(ctx))

	require.Equal(t, orchestrator.StateSubmitted, retried.State())
	require.Equal(t, algoTx, retried.Orders()[algoKey].TxRef)

	// The algorithm was ordered exactly once across both runs.
	count := 0
	for _, key := range h.settler.sequence {
		if key == algoKey {
			count++
		}
	}
	require.Equal(t, 1, count)
}

// TestRun_SequentialSettlement: with N datasets, dataset i is never
// ordered before i-1 returned, and a fault at dataset i prevents every
// call for i+1..N.
func TestRun_SequentialSettlement(t *testing.T) {
	datasets := []*types.Asset{
		pricedDataset("did:op:d0", ocean(1)),
		pricedDataset("did:op:d1", ocean(1)),
		pricedDataset("did:op:d2", ocean(1)),
		pricedDataset("did:op:d3", ocean(1)),
	}
	h := newHarness(t, datasets, ocean(100))
	h.settler.failOn[types.OrderKey("did:op:d2", "data-svc")] = errors.New("provider quote no longer valid")

	a := runToCompletion(t, h, inputsFor(datasets...))

	require.Equal(t, orchestrator.StateFailed, a.State())
	require.Equal(t, orchestrator.ClassRetryable, a.Failure().Class)
	require.True(t, a.Failure().Retryable)

	require.Equal(t, []string{
		types.OrderKey("did:op:algo", "algo-svc"),
		types.OrderKey("did:op:d0", "data-svc"),
		types.OrderKey("did:op:d1", "data-svc"),
		types.OrderKey("did:op:d2", "data-svc"),
	}, h.settler.sequence)
	require.False(t, h.settler.overlap.Load())
}

// TestRun_FreeTier: free mode submits through the free start variant
// and no payment token is involved.
func TestRun_FreeTier(t *testing.T) {
	dataset := pricedDataset("did:op:data", ocean(0))
	dataset.AccessDetails[0].Type = types.AccessTypeFree
	h := newHarness(t, []*types.Asset{dataset}, ocean(0))
	h.provider.initResult = initResultFor([]*types.Asset{dataset}, math.ZeroInt(), math.ZeroInt())

	inputs := inputsFor(dataset)
	inputs.Resources = &types.ResourceSelection{
		Mode:               types.ResourceModeFree,
		Amounts:            map[types.ResourceKind]int64{types.ResourceCPU: 1},
		JobDurationSeconds: 600,
	}

	a := runToCompletion(t, h, inputs)

	require.Equal(t, orchestrator.StateSubmitted, a.State())
	require.Equal(t, 1, h.provider.freeCalls)
	require.Zero(t, h.provider.paidCalls)
}

// TestRun_SubmitFailureKeepsOrders: a failed submission is retryable
// and keeps every settlement proof.
func TestRun_SubmitFailureKeepsOrders(t *testing.T) {
	dataset := pricedDataset("did:op:data", ocean(2))
	h := newHarness(t, []*types.Asset{dataset}, ocean(50))
	h.provider.startErr = errors.New("gateway timeout")

	a := runToCompletion(t, h, inputsFor(dataset))

	require.Equal(t, orchestrator.StateFailed, a.State())
	require.Equal(t, orchestrator.ClassRetryable, a.Failure().Class)
	require.Len(t, a.Orders(), 2)
}

// TestStart_PreconditionsBlockBeforeRemoteCalls: broken preconditions
// are rejected synchronously and no provider call is made.
func TestStart_PreconditionsBlockBeforeRemoteCalls(t *testing.T) {
	dataset := pricedDataset("did:op:data", ocean(2))
	h := newHarness(t, []*types.Asset{dataset}, ocean(50))

	cases := map[string]func(*orchestrator.Inputs){
		"no algorithm":          func(in *orchestrator.Inputs) { in.Algorithm = nil },
		"no datasets":           func(in *orchestrator.Inputs) { in.Datasets = nil },
		"no resource selection": func(in *orchestrator.Inputs) { in.Resources = nil },
		"no consent":            func(in *orchestrator.Inputs) { in.TermsAccepted = false },
		"no environment":        func(in *orchestrator.Inputs) { in.Environment = nil },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			inputs := inputsFor(dataset)
			mutate(&inputs)

			_, err := h.orch.Start(inputs)
			require.Error(t, err)

			failure := orchestrator.Classify(err)
			require.Equal(t, orchestrator.ClassFatal, failure.Class)
			require.False(t, failure.Retryable)
		})
	}

	require.Zero(t, h.provider.initCalls)
}

// TestRun_QuoteRefresh: an expired quote window triggers exactly one
// re-initialize before settlement proceeds.
func TestRun_QuoteRefresh(t *testing.T) {
	dataset := pricedDataset("did:op:data", ocean(2))
	h := newHarness(t, []*types.Asset{dataset}, ocean(50))
	h.provider.initResult.ValidUntil = time.Now().Add(-time.Minute)
	// The refresh returns a live window with the same payment terms.
	h.provider.initNext = initResultFor([]*types.Asset{dataset}, ocean(2), math.NewIntWithDecimal(1, 17))

	a, err := h.orch.Start(inputsFor(dataset))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Wait(ctx))

	require.Equal(t, orchestrator.StateSubmitted, a.State())
	require.GreaterOrEqual(t, h.provider.initCalls, 2)
}

// TestCancel_AbortsPendingChain: cancelling mid-flight ends the
// attempt without corrupting the session cache.
func TestCancel_AbortsPendingChain(t *testing.T) {
	dataset := pricedDataset("did:op:data", ocean(2))
	h := newHarness(t, []*types.Asset{dataset}, ocean(50))

	a, err := h.orch.Start(inputsFor(dataset))
	require.NoError(t, err)
	require.NoError(t, h.orch.Cancel(a.ID))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Wait(ctx))

	// Depending on timing the attempt either finished or was cut off;
	// either way it must land in a terminal state.
	state := a.State()
	require.Contains(t, []orchestrator.State{orchestrator.StateSubmitted, orchestrator.StateFailed}, state)
}

// TestRun_JournalsAttemptRowBeforeOrders: the attempt row must be
// written before settlement journals the first order, or the order
// rows are rejected by the journal's referential rule.
func TestRun_JournalsAttemptRowBeforeOrders(t *testing.T) {
	dataset := pricedDataset("did:op:data", ocean(2))
	jnl := newFakeJournal()
	h := newHarnessWith(t, []*types.Asset{dataset}, ocean(50), func(deps *orchestrator.Deps) {
		deps.Journal = jnl
	})

	a := runToCompletion(t, h, inputsFor(dataset))
	require.Equal(t, orchestrator.StateSubmitted, a.State())

	jnl.mu.Lock()
	defer jnl.mu.Unlock()
	require.Contains(t, jnl.attempts, a.ID)
	require.Len(t, jnl.orders[a.ID], 2)
}

// TestRetry_ProceedsWhenJournalReadFails: a broken journal read must
// not block the retry; reuse falls back to the in-memory orders.
func TestRetry_ProceedsWhenJournalReadFails(t *testing.T) {
	dataset := pricedDataset("did:op:data", ocean(2))
	jnl := newFakeJournal()
	jnl.readErr = errors.New("connection refused")
	h := newHarnessWith(t, []*types.Asset{dataset}, ocean(50), func(deps *orchestrator.Deps) {
		deps.Journal = jnl
	})

	dsKey := types.OrderKey("did:op:data", "data-svc")
	h.settler.failOn[dsKey] = errors.New("user rejected signing")

	a := runToCompletion(t, h, inputsFor(dataset))
	require.True(t, a.Retryable())

	h.settler.mu.Lock()
	delete(h.settler.failOn, dsKey)
	h.settler.mu.Unlock()

	retried, err := h.orch.Retry(context.Background(), a.ID)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, retried.Wait(ctx))
	require.Equal(t, orchestrator.StateSubmitted, retried.State())
}

// TestRun_QuoteRefreshRejectsHigherFee: a refreshed quote whose
// provider fee exceeds what the escrow gate verified must abort the
// settlement before any order is placed.
func TestRun_QuoteRefreshRejectsHigherFee(t *testing.T) {
	dataset := pricedDataset("did:op:data", ocean(2))
	h := newHarness(t, []*types.Asset{dataset}, ocean(50))
	h.provider.initResult.ValidUntil = time.Now().Add(-time.Minute)

	refreshed := initResultFor([]*types.Asset{dataset}, ocean(2), math.NewIntWithDecimal(1, 17))
	refreshed.Algorithm = &types.ProviderFeeQuote{
		ProviderFeeAddress: "0xprov",
		Token:              oceanToken.Address,
		Amount:             math.NewIntWithDecimal(2, 17),
	}
	h.provider.initNext = refreshed

	a := runToCompletion(t, h, inputsFor(dataset))

	require.Equal(t, orchestrator.StateFailed, a.State())
	require.Equal(t, orchestrator.ClassRetryable, a.Failure().Class)
	require.Contains(t, a.Failure().Message, "exceeds verified")
	require.Empty(t, h.settler.sequence)
}

// TestRun_QuoteRefreshRecomputesPrice: when the refreshed fee is lower
// the unit settles at the refreshed terms and its recorded price
// follows.
func TestRun_QuoteRefreshRecomputesPrice(t *testing.T) {
	dataset := pricedDataset("did:op:data", ocean(2))
	h := newHarness(t, []*types.Asset{dataset}, ocean(50))
	h.provider.initResult = initResultFor([]*types.Asset{dataset}, ocean(2), math.NewIntWithDecimal(2, 17))
	h.provider.initResult.ValidUntil = time.Now().Add(-time.Minute)

	// The refresh stays expired so every unit re-checks its own fee.
	lower := initResultFor([]*types.Asset{dataset}, ocean(2), math.NewIntWithDecimal(1, 17))
	lower.ValidUntil = time.Now().Add(-time.Minute)
	h.provider.initNext = lower

	a := runToCompletion(t, h, inputsFor(dataset))

	require.Equal(t, orchestrator.StateSubmitted, a.State())
	dsKey := types.OrderKey("did:op:data", "data-svc")
	require.Equal(t, ocean(2).Add(math.NewIntWithDecimal(1, 17)), a.Snapshot().Prices[dsKey].Total())
}

// TestStart_EvictsOldestFinishedAttempt: past the retention cap the
// oldest finished attempt leaves the registry; later ones stay
// queryable.
func TestStart_EvictsOldestFinishedAttempt(t *testing.T) {
	dataset := pricedDataset("did:op:data", ocean(2))
	h := newHarnessWith(t, []*types.Asset{dataset}, ocean(50), func(deps *orchestrator.Deps) {
		deps.MaxRetainedAttempts = 2
	})

	first := runToCompletion(t, h, inputsFor(dataset))
	second := runToCompletion(t, h, inputsFor(dataset))
	third := runToCompletion(t, h, inputsFor(dataset))

	_, err := h.orch.Attempt(first.ID)
	require.ErrorIs(t, err, types.ErrAttemptNotFound)
	_, err = h.orch.Attempt(second.ID)
	require.NoError(t, err)
	_, err = h.orch.Attempt(third.ID)
	require.NoError(t, err)
}
