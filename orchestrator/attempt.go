package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/pelagos-market/pelagos/types"
)

// State names one step of the settlement state machine. Transitions
// are strictly forward; the only branch is into StateFailed, reachable
// from every state.
type State string

const (
	StateInit            State = "init"
	StateEnvSelected     State = "env_selected"
	StatePriced          State = "priced"
	StateEscrowOk        State = "escrow_ok"
	StateAlgoOrdered     State = "algo_ordered"
	StateDatasetsOrdered State = "datasets_ordered"
	StateSubmitted       State = "submitted"
	StateFailed          State = "failed"
)

// Class is the failure taxonomy the orchestrator reports to callers.
type Class string

const (
	ClassFatal     Class = "fatal"
	ClassCancelled Class = "cancelled"
	ClassRetryable Class = "retryable"
)

// Failure is a classified terminal error of one attempt. Retryable
// means safe to re-attempt with the same inputs; fatal failures need
// new user input first.
type Failure struct {
	Class     Class  `json:"class"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// DatasetSelection names one dataset asset and the service to order.
type DatasetSelection struct {
	Asset        *types.Asset
	ServiceIndex int
}

// Inputs is everything a caller provides to start one attempt.
type Inputs struct {
	Algorithm             *types.Asset
	AlgorithmServiceIndex int
	Datasets              []DatasetSelection
	Environment           *types.ComputeEnvironment
	Resources             *types.ResourceSelection
	Consumer              string
	TermsAccepted         bool
}

// Attempt is the typed context of one orchestration run. It carries
// only what later states need: quotes, prices, settled orders, and the
// terminal result. Settled orders survive a failed attempt so a retry
// never pays twice for the same (asset, service).
type Attempt struct {
	ID string

	Inputs Inputs

	mu       sync.RWMutex
	state    State
	initRes  *types.InitializeComputeResult
	prices   map[string]types.OrderPriceAndFees
	orders   map[string]types.OrderTransaction
	ordered  []string // settlement order, for tests and display
	job      *types.ComputeJob
	failure  *Failure
	lastErr  error
	cancelFn context.CancelFunc
	running  bool
	done     chan struct{}

	finishedAt time.Time
}

// finished reports when the attempt's last run ended; zero while it
// has never run to completion.
func (a *Attempt) finished() (time.Time, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.running || a.finishedAt.IsZero() {
		return time.Time{}, false
	}
	return a.finishedAt, true
}

func newAttempt(id string, inputs Inputs) *Attempt {
	return &Attempt{
		ID:     id,
		Inputs: inputs,
		state:  StateInit,
		prices: make(map[string]types.OrderPriceAndFees),
		orders: make(map[string]types.OrderTransaction),
	}
}

// State returns the current machine state.
func (a *Attempt) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Job returns the submitted job handle, if any.
func (a *Attempt) Job() *types.ComputeJob {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.job
}

// Failure returns the classified failure, if the attempt failed.
func (a *Attempt) Failure() *Failure {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.failure
}

// Orders returns a copy of the settled order transactions so far.
func (a *Attempt) Orders() map[string]types.OrderTransaction {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]types.OrderTransaction, len(a.orders))
	for k, v := range a.orders {
		out[k] = v
	}
	return out
}

// Retryable reports whether the attempt may be re-run with the same
// inputs.
func (a *Attempt) Retryable() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.failure != nil && a.failure.Retryable
}

func (a *Attempt) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *Attempt) recordOrder(key string, order types.OrderTransaction) {
	a.mu.Lock()
	a.orders[key] = order
	a.ordered = append(a.ordered, key)
	a.mu.Unlock()
}

func (a *Attempt) orderFor(key string) (types.OrderTransaction, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	order, ok := a.orders[key]
	return order, ok
}

func (a *Attempt) setPrices(prices map[string]types.OrderPriceAndFees) {
	a.mu.Lock()
	a.prices = prices
	a.mu.Unlock()
}

func (a *Attempt) priceFor(key string) types.OrderPriceAndFees {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.prices[key]
}

// Snapshot is the caller-facing view of an attempt.
type Snapshot struct {
	ID        string                             `json:"id"`
	Consumer  string                             `json:"consumer"`
	State     State                              `json:"state"`
	Orders    map[string]types.OrderTransaction  `json:"orders"`
	Job       *types.ComputeJob                  `json:"job,omitempty"`
	Failure   *Failure                           `json:"failure,omitempty"`
	Prices    map[string]types.OrderPriceAndFees `json:"prices,omitempty"`
	Datasets  int                                `json:"datasets"`
	Submitted bool                               `json:"submitted"`
}

// Snapshot captures a consistent view for API responses.
func (a *Attempt) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	orders := make(map[string]types.OrderTransaction, len(a.orders))
	for k, v := range a.orders {
		orders[k] = v
	}
	prices := make(map[string]types.OrderPriceAndFees, len(a.prices))
	for k, v := range a.prices {
		prices[k] = v
	}

	return Snapshot{
		ID:        a.ID,
		Consumer:  a.Inputs.Consumer,
		State:     a.state,
		Orders:    orders,
		Prices:    prices,
		Job:       a.job,
		Failure:   a.failure,
		Datasets:  len(a.Inputs.Datasets),
		Submitted: a.state == StateSubmitted,
	}
}
