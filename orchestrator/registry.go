package orchestrator

import (
	"context"
	"time"

	sdkerrors "cosmossdk.io/errors"
	"github.com/google/uuid"

	"github.com/pelagos-market/pelagos/types"
)

// Start validates preconditions synchronously, registers a new attempt
// and drives it in the background. Precondition violations are
// returned immediately and no attempt is created: fatal errors must
// block progress before any remote call.
func (o *Orchestrator) Start(inputs Inputs) (*Attempt, error) {
	if err := o.checkPreconditions(inputs); err != nil {
		return nil, err
	}

	a := newAttempt(uuid.NewString(), inputs)

	o.attemptsMu.Lock()
	o.attempts[a.ID] = a
	o.evictFinishedLocked()
	o.attemptsMu.Unlock()

	o.launch(a)
	return a, nil
}

// evictFinishedLocked drops the oldest finished attempts once the
// registry exceeds its cap. Running attempts are never evicted; the
// journal keeps the durable record of what was settled. Callers hold
// attemptsMu.
func (o *Orchestrator) evictFinishedLocked() {
	excess := len(o.attempts) - o.maxRetained
	for ; excess > 0; excess-- {
		oldestID := ""
		var oldestAt time.Time
		for id, a := range o.attempts {
			at, done := a.finished()
			if !done {
				continue
			}
			if oldestID == "" || at.Before(oldestAt) {
				oldestID, oldestAt = id, at
			}
		}
		if oldestID == "" {
			return
		}
		delete(o.attempts, oldestID)
	}
}

// Attempt looks up a registered attempt.
func (o *Orchestrator) Attempt(id string) (*Attempt, error) {
	o.attemptsMu.RLock()
	defer o.attemptsMu.RUnlock()
	a, ok := o.attempts[id]
	if !ok {
		return nil, sdkerrors.Wrap(types.ErrAttemptNotFound, id)
	}
	return a, nil
}

// Retry re-runs a failed, retryable attempt with its original inputs.
// Settled order transactions from the failed run are kept; pricing and
// escrow verification always run again. Retrying is an explicit caller
// action, never automatic.
func (o *Orchestrator) Retry(ctx context.Context, id string) (*Attempt, error) {
	a, err := o.Attempt(id)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil, sdkerrors.Wrap(types.ErrAttemptNotFailed, "attempt still running")
	}
	if a.failure == nil || !a.failure.Retryable {
		a.mu.Unlock()
		return nil, sdkerrors.Wrap(types.ErrAttemptNotFailed, id)
	}
	a.state = StateInit
	a.failure = nil
	a.mu.Unlock()

	// Backfill settled orders from the journal in case the in-memory
	// record is incomplete.
	journaled, err := o.journal.OrdersForAttempt(ctx, id)
	if err != nil {
		// Reuse still works off the in-memory orders.
		o.logger.Error("failed to read journaled orders", "attempt", id, "err", err)
	}
	for _, order := range journaled {
		key := types.OrderKey(order.AssetID, order.ServiceID)
		if _, ok := a.orderFor(key); !ok {
			a.recordOrder(key, order)
		}
	}

	o.launch(a)
	return a, nil
}

// Cancel aborts a running attempt. The pending chain stops at the next
// suspension point; settled orders stay recorded.
func (o *Orchestrator) Cancel(id string) error {
	a, err := o.Attempt(id)
	if err != nil {
		return err
	}

	a.mu.Lock()
	cancel := a.cancelFn
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// launch runs the attempt in its own goroutine. The attempt is driven
// off a fresh background context: it must outlive the API request that
// started it, and only Cancel tears it down.
func (o *Orchestrator) launch(a *Attempt) {
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	a.mu.Lock()
	a.cancelFn = cancel
	a.running = true
	a.done = done
	a.mu.Unlock()

	go func() {
		defer func() {
			a.mu.Lock()
			a.running = false
			a.finishedAt = time.Now()
			a.mu.Unlock()
			cancel()
			close(done)
		}()
		o.run(ctx, a)
	}()
}

// Wait blocks until the attempt's current run finishes or ctx expires.
func (a *Attempt) Wait(ctx context.Context) error {
	a.mu.RLock()
	done := a.done
	a.mu.RUnlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
