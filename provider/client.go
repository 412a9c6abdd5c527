// Package provider is the HTTP client for the remote compute provider:
// fee/payment quoting (initialize), job start in its free and paid
// variants, and job status. Endpoints are per-service, taken from the
// asset's service record, never global.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	sdkerrors "cosmossdk.io/errors"
	"cosmossdk.io/log"
	"cosmossdk.io/math"

	"github.com/pelagos-market/pelagos/types"
)

const (
	initializeComputePath = "/api/services/initializeCompute"
	computeStartPath      = "/api/services/compute"
	freeComputeStartPath  = "/api/services/freeCompute"
	computeStatusPath     = "/api/services/computeStatus"
)

// Client talks to compute providers. Per-call timeouts are the
// provider's own (service.TimeoutSeconds); the client timeout is only
// a transport-level backstop.
type Client struct {
	http   *http.Client
	logger log.Logger
}

// NewClient creates a provider client. timeout of zero disables the
// transport backstop, leaving cancellation to the caller's context.
func NewClient(timeout time.Duration, logger log.Logger) *Client {
	return &Client{
		http:   &http.Client{Timeout: timeout},
		logger: logger.With("module", "provider"),
	}
}

// AssetRef identifies one asset+service in a provider request,
// optionally with the settlement reference proving it was paid for.
type AssetRef struct {
	AssetID      string `json:"documentId"`
	ServiceID    string `json:"serviceId"`
	TransferTxID string `json:"transferTxId,omitempty"`
}

type providerErrorBody struct {
	Error string `json:"error"`
}

// post sends one JSON request and maps transport and status failures
// onto the engine's error taxonomy: 4xx is a provider-side validation
// verdict and fatal for the attempt, everything else is retryable.
func (c *Client) post(ctx context.Context, endpoint, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	url := strings.TrimSuffix(endpoint, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, sdkerrors.Wrapf(types.ErrProviderUnavailable, "%s: %v", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, sdkerrors.Wrapf(types.ErrProviderUnavailable, "%s: %v", url, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return data, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var perr providerErrorBody
		_ = json.Unmarshal(data, &perr)
		msg := perr.Error
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		return nil, c.validationError(resp.StatusCode, msg)
	default:
		return nil, sdkerrors.Wrapf(types.ErrProviderUnavailable,
			"%s returned status %d", url, resp.StatusCode)
	}
}

// parseAmount parses a decimal token amount string; empty means zero.
func parseAmount(s string) (math.Int, error) {
	if s == "" {
		return math.ZeroInt(), nil
	}
	amount, ok := math.NewIntFromString(s)
	if !ok {
		return math.Int{}, fmt.Errorf("not a base-10 integer")
	}
	return amount, nil
}

// validationError picks the sentinel for an explicit provider verdict.
func (c *Client) validationError(status int, msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "service"):
		return sdkerrors.Wrapf(types.ErrUnknownService, "provider status %d: %s", status, msg)
	case strings.Contains(lower, "order"):
		return sdkerrors.Wrapf(types.ErrNotOrderable, "provider status %d: %s", status, msg)
	case strings.Contains(lower, "expired"):
		return sdkerrors.Wrapf(types.ErrQuoteExpired, "provider status %d: %s", status, msg)
	default:
		return sdkerrors.Wrapf(types.ErrPrecondition, "provider status %d: %s", status, msg)
	}
}
