// Package ledger defines the engine's boundary to the on-chain
// settlement capability: placing orders and reading escrow balances.
// Contract bindings themselves live behind these interfaces; the engine
// only ever sees opaque transaction references and balance snapshots.
package ledger

import (
	"context"
	"strings"

	sdkerrors "cosmossdk.io/errors"

	"github.com/pelagos-market/pelagos/types"
)

// OrderParams is everything the settlement primitive needs to pay for
// one (asset, service) pair.
type OrderParams struct {
	Asset         *types.Asset
	Service       *types.Service
	Price         types.OrderPriceAndFees
	Payer         string
	ProviderFee   *types.ProviderFeeQuote
	HasPriorOrder bool
	SessionID     string
	Consumer      string
}

// Settler places one order on the ledger and returns the settlement
// reference. Implementations go through an external signer; a refusal
// to sign surfaces as a user-rejection error (see IsUserRejection).
//
// Order calls for one payer share an account-nonce-like resource and
// must never run concurrently; the orchestrator serializes them.
type Settler interface {
	Order(ctx context.Context, params OrderParams) (types.OrderTransaction, error)
}

// EscrowReader reads per-token escrow balances. It never moves funds.
type EscrowReader interface {
	Funds(ctx context.Context, token, consumer string) (types.EscrowFunds, error)
}

// userRejectionMarkers are the message shapes external signers use for
// a declined signature. Typed detection via types.ErrUserRejected is
// preferred; the markers cover foreign signer errors the bridge cannot
// wrap.
var userRejectionMarkers = []string{
	"user rejected",
	"User denied",
}

// IsUserRejection reports whether err is a signer refusal. These are
// classified as cancelled rather than failed: the attempt stays
// retryable and no error toast is raised.
func IsUserRejection(err error) bool {
	if err == nil {
		return false
	}
	if sdkerrors.IsOf(err, types.ErrUserRejected) {
		return true
	}
	msg := err.Error()
	for _, marker := range userRejectionMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
