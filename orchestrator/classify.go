package orchestrator

import (
	sdkerrors "cosmossdk.io/errors"

	"github.com/pelagos-market/pelagos/ledger"
	"github.com/pelagos-market/pelagos/types"
)

// fatalSentinels are the errors that require new user input before a
// retry makes sense: broken preconditions, provider validation
// verdicts, malformed responses, and an escrow balance that cannot
// cover the job without a fresh deposit.
var fatalSentinels = []*sdkerrors.Error{
	types.ErrPrecondition,
	types.ErrMissingResources,
	types.ErrMissingConsent,
	types.ErrUnknownService,
	types.ErrNotOrderable,
	types.ErrMissingProviderFee,
	types.ErrInsufficientEscrow,
	types.ErrBadResponseShape,
	types.ErrEmptyOrderTx,
	types.ErrSessionInvalid,
}

// Classify maps an error onto the failure taxonomy. User rejections
// are a class of their own: retryable, and never surfaced through the
// fatal-error channel. Everything not explicitly fatal is treated as
// transient.
func Classify(err error) Failure {
	if ledger.IsUserRejection(err) {
		return Failure{
			Class:     ClassCancelled,
			Message:   "signing cancelled",
			Retryable: true,
		}
	}

	for _, sentinel := range fatalSentinels {
		if sdkerrors.IsOf(err, sentinel) {
			return Failure{
				Class:     ClassFatal,
				Message:   err.Error(),
				Retryable: false,
			}
		}
	}

	return Failure{
		Class:     ClassRetryable,
		Message:   err.Error(),
		Retryable: true,
	}
}
