package types

import (
	sdkerrors "cosmossdk.io/errors"
)

// Ordering engine sentinel errors. The orchestrator classifies these
// into the fatal / user-cancel / retryable taxonomy; see
// orchestrator.Classify.

var (
	// Precondition and validation errors (fatal, need new user input)
	ErrPrecondition     = sdkerrors.Register(Codespace, 2, "orchestration precondition failed")
	ErrMissingResources = sdkerrors.Register(Codespace, 3, "resource selection not resolved")
	ErrMissingConsent   = sdkerrors.Register(Codespace, 4, "required consent not given")
	ErrUnknownService   = sdkerrors.Register(Codespace, 5, "unknown service id")
	ErrNotOrderable     = sdkerrors.Register(Codespace, 6, "asset is not orderable")

	// Pricing errors
	ErrMissingProviderFee = sdkerrors.Register(Codespace, 10, "provider fee quote missing for priced asset")

	// Escrow errors
	ErrInsufficientEscrow = sdkerrors.Register(Codespace, 20, "insufficient escrow balance")

	// Settlement errors
	ErrUserRejected = sdkerrors.Register(Codespace, 30, "signing rejected by user")
	ErrEmptyOrderTx = sdkerrors.Register(Codespace, 31, "settlement returned empty order transaction")

	// Provider errors
	ErrProviderUnavailable = sdkerrors.Register(Codespace, 40, "compute provider unavailable")
	ErrQuoteExpired        = sdkerrors.Register(Codespace, 41, "provider fee quote expired")
	ErrBadResponseShape    = sdkerrors.Register(Codespace, 42, "malformed provider response")

	// Credential errors
	ErrSessionInvalid = sdkerrors.Register(Codespace, 50, "credential session no longer valid")

	// Lifecycle errors
	ErrAttemptNotFound  = sdkerrors.Register(Codespace, 60, "orchestration attempt not found")
	ErrAttemptNotFailed = sdkerrors.Register(Codespace, 61, "attempt is not in a retryable failed state")
)
