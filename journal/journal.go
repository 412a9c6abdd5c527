// Package journal persists orchestration attempts and their settled
// order transactions. The journal is what makes retries payment-safe:
// an order recorded here is never placed again for the same attempt.
package journal

import (
	"context"

	"github.com/pelagos-market/pelagos/types"
)

// AttemptRecord is the durable summary of one orchestration attempt.
type AttemptRecord struct {
	ID        string
	Consumer  string
	State     string
	Retryable bool
	LastError string
	JobID     string
}

// Journal records attempt progress. Implementations must tolerate
// being called from the orchestration goroutine mid-flight.
type Journal interface {
	SaveAttempt(ctx context.Context, record AttemptRecord) error
	SaveOrder(ctx context.Context, attemptID string, order types.OrderTransaction) error
	OrdersForAttempt(ctx context.Context, attemptID string) ([]types.OrderTransaction, error)
}

// Nop is the journal used when no database is configured: progress
// lives only in the in-memory attempt and dies with the process.
type Nop struct{}

func (Nop) SaveAttempt(context.Context, AttemptRecord) error                 { return nil }
func (Nop) SaveOrder(context.Context, string, types.OrderTransaction) error { return nil }
func (Nop) OrdersForAttempt(context.Context, string) ([]types.OrderTransaction, error) {
	return nil, nil
}
