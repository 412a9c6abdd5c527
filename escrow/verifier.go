// Package escrow implements the pre-settlement funds gate. The
// verifier only reads the escrow ledger; failing the gate must stop an
// orchestration before any order is placed.
package escrow

import (
	"context"
	"fmt"

	sdkerrors "cosmossdk.io/errors"
	"cosmossdk.io/log"
	"cosmossdk.io/math"

	"github.com/pelagos-market/pelagos/ledger"
	"github.com/pelagos-market/pelagos/types"
)

// Verifier checks that a consumer's escrow balance covers a
// prospective job's obligation.
type Verifier struct {
	reader ledger.EscrowReader
	logger log.Logger
}

// NewVerifier creates a verifier over the given escrow ledger reader.
func NewVerifier(reader ledger.EscrowReader, logger log.Logger) *Verifier {
	return &Verifier{
		reader: reader,
		logger: logger.With("module", "escrow"),
	}
}

// VerifyFunds asserts that available escrow in token covers the
// required deposit (scaled to the ledger's 18-decimal fixed point)
// plus the provider fee. minLockSeconds and toleranceSeconds are
// forwarded from the provider's payment terms; they bound how long the
// deposit must remain lockable and do not change the amount checked.
//
// Returns nil when the balance covers the obligation; an error
// wrapping types.ErrInsufficientEscrow carrying the shortfall
// otherwise. Never mutates ledger state.
func (v *Verifier) VerifyFunds(
	ctx context.Context,
	token types.TokenInfo,
	consumer string,
	requiredDeposit math.Int,
	providerFee math.Int,
	minLockSeconds uint64,
	toleranceSeconds uint64,
) error {
	obligation := obligationOf(token, requiredDeposit, providerFee)
	if !obligation.IsPositive() {
		return nil
	}

	funds, err := v.reader.Funds(ctx, token.Address, consumer)
	if err != nil {
		return fmt.Errorf("escrow balance read for %s: %w", consumer, err)
	}

	if funds.Available.LT(obligation) {
		shortfall := obligation.Sub(funds.Available)
		v.logger.Info("escrow gate failed",
			"token", token.Symbol,
			"consumer", consumer,
			"required", obligation.String(),
			"available", funds.Available.String(),
			"shortfall", shortfall.String(),
			"min_lock_seconds", minLockSeconds+toleranceSeconds,
		)
		return sdkerrors.Wrapf(types.ErrInsufficientEscrow,
			"token %s: need %s, have %s, shortfall %s",
			token.Symbol, obligation, funds.Available, shortfall)
	}

	return nil
}

// obligationOf is the total escrow obligation for one order: deposit
// scaled to escrow precision plus the provider fee.
func obligationOf(token types.TokenInfo, requiredDeposit, providerFee math.Int) math.Int {
	deposit := requiredDeposit
	if deposit.IsNil() {
		deposit = math.ZeroInt()
	}
	fee := providerFee
	if fee.IsNil() {
		fee = math.ZeroInt()
	}
	return types.ScaleToEscrowPrecision(deposit, token.Decimals).Add(fee)
}
