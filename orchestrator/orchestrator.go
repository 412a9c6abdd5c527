// Package orchestrator sequences one compute-job attempt: provider
// initialization, parallel pricing and escrow verification, strictly
// sequential settlement of the algorithm and every dataset, and the
// final job submission. It is the single place failures are classified
// and partial progress is preserved.
package orchestrator

import (
	"context"
	"sync"
	"time"

	sdkerrors "cosmossdk.io/errors"
	"cosmossdk.io/log"
	"cosmossdk.io/math"

	"github.com/pelagos-market/pelagos/credentials"
	"github.com/pelagos-market/pelagos/journal"
	"github.com/pelagos-market/pelagos/ledger"
	"github.com/pelagos-market/pelagos/pricing"
	"github.com/pelagos-market/pelagos/provider"
	"github.com/pelagos-market/pelagos/telemetry"
	"github.com/pelagos-market/pelagos/types"
)

// ProviderAPI is the compute provider surface the orchestrator needs.
// *provider.Client implements it.
type ProviderAPI interface {
	InitializeCompute(ctx context.Context, req provider.InitializeComputeRequest) (*types.InitializeComputeResult, error)
	SubmitFree(ctx context.Context, req provider.FreeStartRequest) (*types.ComputeJob, error)
	SubmitPaid(ctx context.Context, req provider.PaidStartRequest) (*types.ComputeJob, error)
}

// EscrowGate is the funds verification step. *escrow.Verifier
// implements it.
type EscrowGate interface {
	VerifyFunds(ctx context.Context, token types.TokenInfo, consumer string,
		requiredDeposit, providerFee math.Int, minLockSeconds, toleranceSeconds uint64) error
}

// Deps wires the orchestrator's collaborators. Sessions, Checker,
// Journal and Metrics may be nil and default to in-memory / no-op
// implementations.
type Deps struct {
	Pricing  *pricing.Service
	Escrow   EscrowGate
	Sessions credentials.SessionCache
	Checker  credentials.Checker
	Provider ProviderAPI
	Settler  ledger.Settler
	Journal  journal.Journal
	Metrics  *telemetry.Metrics
	Logger   log.Logger

	// EscrowToleranceSeconds is added to the provider's minimum lock
	// duration when verifying funds, to absorb settlement latency.
	EscrowToleranceSeconds uint64

	// MaxRetainedAttempts caps the in-memory attempt registry. The
	// oldest finished attempts are evicted past the cap; running
	// attempts are never evicted. Zero uses the default.
	MaxRetainedAttempts int
}

const defaultMaxRetainedAttempts = 1024

// Orchestrator owns the attempt registry and drives attempts through
// the state machine. Safe for concurrent use; distinct attempts only
// share the credential session cache and the per-payer settlement
// locks.
type Orchestrator struct {
	pricing   *pricing.Service
	escrow    EscrowGate
	sessions  credentials.SessionCache
	checker   credentials.Checker
	provider  ProviderAPI
	settler   ledger.Settler
	journal   journal.Journal
	metrics   *telemetry.Metrics
	logger    log.Logger
	tolerance uint64

	attemptsMu  sync.RWMutex
	attempts    map[string]*Attempt
	maxRetained int

	// payerLocks serializes settlement per payer identity: order calls
	// share an account-nonce-like resource and must never interleave.
	payerLocksMu sync.Mutex
	payerLocks   map[string]*sync.Mutex
}

// New creates an orchestrator from its dependencies.
func New(deps Deps) *Orchestrator {
	if deps.Sessions == nil {
		deps.Sessions = credentials.NewMemoryCache()
	}
	if deps.Checker == nil {
		deps.Checker = credentials.NopChecker{}
	}
	if deps.Journal == nil {
		deps.Journal = journal.Nop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NewMetrics()
	}
	if deps.Logger == nil {
		deps.Logger = log.NewNopLogger()
	}
	if deps.MaxRetainedAttempts <= 0 {
		deps.MaxRetainedAttempts = defaultMaxRetainedAttempts
	}

	return &Orchestrator{
		pricing:     deps.Pricing,
		escrow:      deps.Escrow,
		sessions:    deps.Sessions,
		checker:     deps.Checker,
		provider:    deps.Provider,
		settler:     deps.Settler,
		journal:     deps.Journal,
		metrics:     deps.Metrics,
		logger:      deps.Logger.With("module", "orchestrator"),
		tolerance:   deps.EscrowToleranceSeconds,
		maxRetained: deps.MaxRetainedAttempts,
		attempts:    make(map[string]*Attempt),
		payerLocks:  make(map[string]*sync.Mutex),
	}
}

// workUnit is one orderable (asset, service) pair of the attempt, with
// its provider fee quote resolved. Index 0 is always the algorithm.
type workUnit struct {
	key     string
	kind    string // "algorithm" or "dataset"
	asset   *types.Asset
	service *types.Service
	details *types.AccessDetails
	quote   *types.ProviderFeeQuote
}

func (o *Orchestrator) run(ctx context.Context, a *Attempt) {
	o.metrics.ActiveAttempts.Inc()
	defer o.metrics.ActiveAttempts.Dec()

	// The attempt row must exist before settlement journals any order
	// against it.
	o.saveAttempt(a)

	if err := o.execute(ctx, a); err != nil {
		o.fail(a, err)
		return
	}

	o.metrics.AttemptsTotal.WithLabelValues("submitted").Inc()
	o.saveAttempt(a)
	o.logger.Info("attempt submitted", "attempt", a.ID, "job", a.Job().ID)
}

func (o *Orchestrator) execute(ctx context.Context, a *Attempt) error {
	// Fatal before any remote call.
	if err := o.checkPreconditions(a.Inputs); err != nil {
		return err
	}
	a.setState(StateEnvSelected)

	initRes, err := o.initialize(ctx, a)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.initRes = initRes
	a.mu.Unlock()

	units, err := o.units(a)
	if err != nil {
		return err
	}

	if err := o.priceAndVerify(ctx, a, units); err != nil {
		return err
	}

	if err := o.checkSessions(ctx, units); err != nil {
		return err
	}

	if err := o.settle(ctx, a, units); err != nil {
		return err
	}

	job, err := o.submit(ctx, a, units)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.job = job
	a.state = StateSubmitted
	a.failure = nil
	a.mu.Unlock()
	return nil
}

// checkPreconditions is the no-remote-calls gate. Violations are fatal
// and require new user input, never a plain retry.
func (o *Orchestrator) checkPreconditions(inputs Inputs) error {
	if inputs.Algorithm == nil {
		return sdkerrors.Wrap(types.ErrPrecondition, "no algorithm selected")
	}
	if len(inputs.Datasets) == 0 {
		return sdkerrors.Wrap(types.ErrPrecondition, "no datasets selected")
	}
	if inputs.Consumer == "" {
		return sdkerrors.Wrap(types.ErrPrecondition, "no consumer address")
	}
	if !inputs.TermsAccepted {
		return sdkerrors.Wrap(types.ErrMissingConsent, "terms not accepted")
	}

	if err := inputs.Environment.Validate(); err != nil {
		return sdkerrors.Wrap(types.ErrPrecondition, err.Error())
	}
	if err := inputs.Resources.Validate(); err != nil {
		return sdkerrors.Wrap(types.ErrMissingResources, err.Error())
	}

	if err := inputs.Algorithm.Validate(); err != nil {
		return sdkerrors.Wrap(types.ErrPrecondition, err.Error())
	}
	if _, _, err := inputs.Algorithm.ServiceAt(inputs.AlgorithmServiceIndex); err != nil {
		return sdkerrors.Wrap(types.ErrUnknownService, err.Error())
	}
	for _, ds := range inputs.Datasets {
		if ds.Asset == nil {
			return sdkerrors.Wrap(types.ErrPrecondition, "nil dataset selection")
		}
		if err := ds.Asset.Validate(); err != nil {
			return sdkerrors.Wrap(types.ErrPrecondition, err.Error())
		}
		if _, _, err := ds.Asset.ServiceAt(ds.ServiceIndex); err != nil {
			return sdkerrors.Wrap(types.ErrUnknownService, err.Error())
		}
	}
	return nil
}

// initialize performs the single atomic provider quote call for the
// full asset set.
func (o *Orchestrator) initialize(ctx context.Context, a *Attempt) (*types.InitializeComputeResult, error) {
	req, err := o.initializeRequest(ctx, a)
	if err != nil {
		return nil, err
	}

	result, err := o.provider.InitializeCompute(ctx, req)
	if err != nil {
		o.metrics.ProviderRequests.WithLabelValues("initialize", "error").Inc()
		return nil, err
	}
	o.metrics.ProviderRequests.WithLabelValues("initialize", "ok").Inc()
	return result, nil
}

func (o *Orchestrator) initializeRequest(ctx context.Context, a *Attempt) (provider.InitializeComputeRequest, error) {
	inputs := a.Inputs

	algoService, _, err := inputs.Algorithm.ServiceAt(inputs.AlgorithmServiceIndex)
	if err != nil {
		return provider.InitializeComputeRequest{}, sdkerrors.Wrap(types.ErrUnknownService, err.Error())
	}

	sessions := make(map[string]string)
	lookupSession := func(assetID, serviceID string) {
		if session, ok := o.sessions.Lookup(ctx, assetID, serviceID); ok {
			sessions[types.OrderKey(assetID, serviceID)] = session.SessionID
		}
	}
	lookupSession(inputs.Algorithm.ID, algoService.ID)

	req := provider.InitializeComputeRequest{
		Algorithm: provider.AssetRef{
			AssetID:   inputs.Algorithm.ID,
			ServiceID: algoService.ID,
		},
		Consumer:      inputs.Consumer,
		EnvironmentID: inputs.Environment.ID,
		ChainID:       inputs.Algorithm.ChainID,
		Resources:     inputs.Resources,
		Sessions:      sessions,
	}

	for _, ds := range inputs.Datasets {
		service, details, err := ds.Asset.ServiceAt(ds.ServiceIndex)
		if err != nil {
			return provider.InitializeComputeRequest{}, sdkerrors.Wrap(types.ErrUnknownService, err.Error())
		}
		req.Datasets = append(req.Datasets, provider.AssetRef{
			AssetID:      ds.Asset.ID,
			ServiceID:    service.ID,
			TransferTxID: details.ValidOrderTx,
		})
		lookupSession(ds.Asset.ID, service.ID)
	}

	// The dataset's compute service provider runs the job; initialize
	// against it, falling back to the algorithm's provider.
	if len(req.Datasets) > 0 {
		service, _, _ := inputs.Datasets[0].Asset.ServiceAt(inputs.Datasets[0].ServiceIndex)
		req.Endpoint = service.ServiceEndpoint
	}
	if req.Endpoint == "" {
		req.Endpoint = algoService.ServiceEndpoint
	}
	return req, nil
}

// units resolves the orderable pairs of the attempt, algorithm first.
func (o *Orchestrator) units(a *Attempt) ([]workUnit, error) {
	a.mu.RLock()
	initRes := a.initRes
	a.mu.RUnlock()

	inputs := a.Inputs
	algoService, algoDetails, err := inputs.Algorithm.ServiceAt(inputs.AlgorithmServiceIndex)
	if err != nil {
		return nil, sdkerrors.Wrap(types.ErrUnknownService, err.Error())
	}

	units := []workUnit{{
		key:     types.OrderKey(inputs.Algorithm.ID, algoService.ID),
		kind:    "algorithm",
		asset:   inputs.Algorithm,
		service: algoService,
		details: algoDetails,
		quote:   initRes.Algorithm,
	}}

	for _, ds := range inputs.Datasets {
		service, details, err := ds.Asset.ServiceAt(ds.ServiceIndex)
		if err != nil {
			return nil, sdkerrors.Wrap(types.ErrUnknownService, err.Error())
		}
		key := types.OrderKey(ds.Asset.ID, service.ID)
		units = append(units, workUnit{
			key:     key,
			kind:    "dataset",
			asset:   ds.Asset,
			service: service,
			details: details,
			quote:   initRes.Datasets[key],
		})
	}
	return units, nil
}

// priceAndVerify fans out per unit: pricing and the escrow gate run in
// parallel across units because each addresses a distinct token/asset
// pair. The first failure aborts the whole attempt.
func (o *Orchestrator) priceAndVerify(ctx context.Context, a *Attempt, units []workUnit) error {
	a.mu.RLock()
	payment := a.initRes.Payment
	a.mu.RUnlock()

	prices := make([]types.OrderPriceAndFees, len(units))
	errs := make([]error, len(units))

	var wg sync.WaitGroup
	for i := range units {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u := units[i]

			price, err := o.pricing.ComputePrice(u.asset, u.service, u.details, a.Inputs.Consumer, u.quote)
			if err != nil {
				errs[i] = err
				return
			}
			prices[i] = price

			err = o.escrow.VerifyFunds(ctx, escrowToken(u.details, payment), a.Inputs.Consumer,
				payment.RequiredAmount, quoteFee(u.quote), payment.MinLockSeconds, o.tolerance)
			if err != nil {
				o.metrics.EscrowChecks.WithLabelValues("fail").Inc()
				errs[i] = err
				return
			}
			o.metrics.EscrowChecks.WithLabelValues("ok").Inc()
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	priceMap := make(map[string]types.OrderPriceAndFees, len(units))
	for i, u := range units {
		priceMap[u.key] = prices[i]
	}
	a.setPrices(priceMap)
	a.setState(StatePriced)
	a.setState(StateEscrowOk)
	return nil
}

// escrowToken picks the token the escrow deposit is held in. The
// asset's base token is authoritative when it matches the payment
// terms; otherwise the terms' token is used at escrow precision.
func escrowToken(details *types.AccessDetails, payment types.PaymentTerms) types.TokenInfo {
	if details.BaseToken.Address != "" &&
		(payment.Token == "" || details.BaseToken.Address == payment.Token) {
		return details.BaseToken
	}
	return types.TokenInfo{Address: payment.Token, Symbol: payment.Token, Decimals: types.EscrowDecimals}
}

// checkSessions validates each cached credential session once before
// settlement begins. A stale session is invalidated and the attempt
// fails fatally so the user re-verifies.
func (o *Orchestrator) checkSessions(ctx context.Context, units []workUnit) error {
	for _, u := range units {
		session, ok := o.sessions.Lookup(ctx, u.asset.ID, u.service.ID)
		if !ok || session.SkipVerify {
			continue
		}
		if err := o.checker.CheckSession(ctx, session); err != nil {
			if sdkerrors.IsOf(err, types.ErrSessionInvalid) {
				if cerr := o.sessions.Invalidate(ctx, u.asset.ID, u.service.ID); cerr != nil {
					o.logger.Error("failed to invalidate stale session", "key", u.key, "err", cerr)
				}
			}
			return err
		}
	}
	return nil
}

// settle places the orders in the fixed sequence {algorithm, dataset0,
// dataset1, ...}. Orders already settled in a previous run of this
// attempt are reused, never re-placed.
func (o *Orchestrator) settle(ctx context.Context, a *Attempt, units []workUnit) error {
	lock := o.payerLock(a.Inputs.Consumer)
	lock.Lock()
	defer lock.Unlock()

	for i := range units {
		u := units[i]
		if _, done := a.orderFor(u.key); done {
			o.logger.Info("reusing settled order", "attempt", a.ID, "key", u.key)
		} else {
			if err := o.orderOne(ctx, a, &units[i]); err != nil {
				return err
			}
		}
		if u.kind == "algorithm" {
			a.setState(StateAlgoOrdered)
		}
	}

	a.setState(StateDatasetsOrdered)
	return nil
}

func (o *Orchestrator) orderOne(ctx context.Context, a *Attempt, u *workUnit) error {
	if err := o.ensureFreshQuote(ctx, a, u); err != nil {
		return err
	}

	sessionID := ""
	if session, ok := o.sessions.Lookup(ctx, u.asset.ID, u.service.ID); ok {
		sessionID = session.SessionID
	}

	started := time.Now()
	tx, err := o.settler.Order(ctx, ledger.OrderParams{
		Asset:         u.asset,
		Service:       u.service,
		Price:         a.priceFor(u.key),
		Payer:         a.Inputs.Consumer,
		ProviderFee:   u.quote,
		HasPriorOrder: u.details.ValidOrderTx != "",
		SessionID:     sessionID,
		Consumer:      a.Inputs.Consumer,
	})
	o.metrics.SettlementDuration.WithLabelValues(u.kind).Observe(time.Since(started).Seconds())
	if err != nil {
		return err
	}
	if tx.TxRef == "" {
		return sdkerrors.Wrapf(types.ErrEmptyOrderTx, "key %s", u.key)
	}

	a.recordOrder(u.key, tx)
	if err := o.journal.SaveOrder(ctx, a.ID, tx); err != nil {
		// The order is settled and recorded in memory; the journal row
		// is the durable audit copy. Do not fail the attempt over it.
		o.logger.Error("failed to journal order", "attempt", a.ID, "key", u.key, "err", err)
	}

	o.logger.Info("order settled",
		"attempt", a.ID, "kind", u.kind, "key", u.key, "tx", tx.TxRef)
	return nil
}

// ensureFreshQuote re-initializes when the provider's quote window has
// closed mid-sequence. The refreshed terms must not exceed what the
// escrow gate already verified.
func (o *Orchestrator) ensureFreshQuote(ctx context.Context, a *Attempt, u *workUnit) error {
	a.mu.RLock()
	initRes := a.initRes
	a.mu.RUnlock()

	if !initRes.Expired(time.Now()) {
		return nil
	}

	o.logger.Info("provider quote expired mid-sequence, refreshing", "attempt", a.ID, "key", u.key)
	refreshed, err := o.initialize(ctx, a)
	if err != nil {
		return sdkerrors.Wrapf(types.ErrQuoteExpired, "refresh failed: %v", err)
	}
	if refreshed.Payment.RequiredAmount.GT(initRes.Payment.RequiredAmount) {
		return sdkerrors.Wrapf(types.ErrQuoteExpired,
			"refreshed deposit %s exceeds verified %s",
			refreshed.Payment.RequiredAmount, initRes.Payment.RequiredAmount)
	}

	var quote *types.ProviderFeeQuote
	if u.kind == "algorithm" {
		quote = refreshed.Algorithm
	} else {
		quote = refreshed.Datasets[u.key]
	}
	if quoteFee(quote).GT(quoteFee(u.quote)) {
		return sdkerrors.Wrapf(types.ErrQuoteExpired,
			"refreshed provider fee %s for %s exceeds verified %s",
			quoteFee(quote), u.key, quoteFee(u.quote))
	}

	// The unit settles at its refreshed fee, so its recorded price
	// must follow.
	price, err := o.pricing.ComputePrice(u.asset, u.service, u.details, a.Inputs.Consumer, quote)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.initRes = refreshed
	a.prices[u.key] = price
	a.mu.Unlock()

	u.quote = quote
	return nil
}

// quoteFee is the provider fee amount of a quote, zero when absent.
func quoteFee(quote *types.ProviderFeeQuote) math.Int {
	if quote == nil || quote.Amount.IsNil() {
		return math.ZeroInt()
	}
	return quote.Amount
}

// submit hands the settled attempt to the provider, free or paid tier
// per the resource selection.
func (o *Orchestrator) submit(ctx context.Context, a *Attempt, units []workUnit) (*types.ComputeJob, error) {
	inputs := a.Inputs

	var endpoint string
	var datasets []provider.AssetRef
	var algorithm provider.AlgorithmSpec
	var policies []types.PolicyDirective

	for _, u := range units {
		order, _ := a.orderFor(u.key)

		sessionID := ""
		if session, ok := o.sessions.Lookup(ctx, u.asset.ID, u.service.ID); ok {
			sessionID = session.SessionID
		}
		policies = append(policies, types.PolicyDirective{
			AssetID:   u.asset.ID,
			ServiceID: u.service.ID,
			SessionID: sessionID,
		})

		if u.kind == "algorithm" {
			algorithm = provider.AlgorithmSpec{
				AssetID:    u.asset.ID,
				ServiceID:  u.service.ID,
				PaymentRef: order.TxRef,
			}
			continue
		}
		if endpoint == "" {
			endpoint = u.service.ServiceEndpoint
		}
		datasets = append(datasets, provider.AssetRef{
			AssetID:      u.asset.ID,
			ServiceID:    u.service.ID,
			TransferTxID: order.TxRef,
		})
	}
	if endpoint == "" {
		return nil, sdkerrors.Wrap(types.ErrPrecondition, "no provider endpoint resolved")
	}

	a.mu.RLock()
	payment := a.initRes.Payment
	a.mu.RUnlock()

	var job *types.ComputeJob
	var err error
	if inputs.Resources.Mode == types.ResourceModeFree {
		job, err = o.provider.SubmitFree(ctx, provider.FreeStartRequest{
			Endpoint:      endpoint,
			EnvironmentID: inputs.Environment.ID,
			Consumer:      inputs.Consumer,
			Datasets:      datasets,
			Algorithm:     algorithm,
			Resources:     inputs.Resources,
			Policies:      policies,
		})
	} else {
		job, err = o.provider.SubmitPaid(ctx, provider.PaidStartRequest{
			Endpoint:      endpoint,
			EnvironmentID: inputs.Environment.ID,
			Consumer:      inputs.Consumer,
			Datasets:      datasets,
			Algorithm:     algorithm,
			Duration:      inputs.Resources.JobDurationSeconds,
			PaymentToken:  payment.Token,
			Resources:     inputs.Resources,
			ChainID:       inputs.Algorithm.ChainID,
			Policies:      policies,
		})
	}
	if err != nil {
		o.metrics.ProviderRequests.WithLabelValues("start", "error").Inc()
		// Settled orders stay on the attempt; a retry resubmits without
		// paying again.
		return nil, err
	}
	o.metrics.ProviderRequests.WithLabelValues("start", "ok").Inc()
	return job, nil
}

func (o *Orchestrator) fail(a *Attempt, err error) {
	failure := Classify(err)

	a.mu.Lock()
	a.state = StateFailed
	a.failure = &failure
	a.lastErr = err
	a.mu.Unlock()

	o.metrics.AttemptsTotal.WithLabelValues(string(failure.Class)).Inc()
	o.saveAttempt(a)

	switch failure.Class {
	case ClassCancelled:
		o.logger.Info("attempt cancelled by user", "attempt", a.ID)
	case ClassFatal:
		o.logger.Error("attempt failed", "attempt", a.ID, "err", err)
	default:
		o.logger.Warn("attempt failed, retryable", "attempt", a.ID, "err", err)
	}
}

func (o *Orchestrator) saveAttempt(a *Attempt) {
	snap := a.Snapshot()
	record := journal.AttemptRecord{
		ID:        snap.ID,
		Consumer:  snap.Consumer,
		State:     string(snap.State),
		Retryable: snap.Failure != nil && snap.Failure.Retryable,
	}
	if snap.Failure != nil {
		record.LastError = snap.Failure.Message
	}
	if snap.Job != nil {
		record.JobID = snap.Job.ID
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.journal.SaveAttempt(ctx, record); err != nil {
		o.logger.Error("failed to journal attempt", "attempt", a.ID, "err", err)
	}
}

func (o *Orchestrator) payerLock(payer string) *sync.Mutex {
	o.payerLocksMu.Lock()
	defer o.payerLocksMu.Unlock()
	lock, ok := o.payerLocks[payer]
	if !ok {
		lock = &sync.Mutex{}
		o.payerLocks[payer] = lock
	}
	return lock
}
