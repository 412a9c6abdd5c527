package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	sdkerrors "cosmossdk.io/errors"

	"github.com/pelagos-market/pelagos/types"
)

// Checker asks the external credential verifier whether a cached
// session handle is still honored. The orchestrator calls it once per
// session before settlement begins, when credential enforcement is
// enabled.
type Checker interface {
	CheckSession(ctx context.Context, session types.CredentialSession) error
}

// HTTPChecker checks sessions against the verifier's HTTP endpoint.
type HTTPChecker struct {
	endpoint string
	client   *http.Client
}

// NewHTTPChecker creates a checker for the given verifier endpoint.
func NewHTTPChecker(endpoint string) *HTTPChecker {
	return &HTTPChecker{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type checkSessionRequest struct {
	SessionID string `json:"sessionId"`
	AssetID   string `json:"documentId"`
	ServiceID string `json:"serviceId"`
}

type checkSessionResponse struct {
	Valid bool   `json:"success"`
	Error string `json:"error,omitempty"`
}

// CheckSession returns nil when the verifier still honors the session,
// types.ErrSessionInvalid when it does not.
func (c *HTTPChecker) CheckSession(ctx context.Context, session types.CredentialSession) error {
	if session.SkipVerify {
		return nil
	}

	body, err := json.Marshal(checkSessionRequest{
		SessionID: session.SessionID,
		AssetID:   session.AssetID,
		ServiceID: session.ServiceID,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("credential verifier unreachable: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var out checkSessionResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return fmt.Errorf("malformed verifier response: %w", err)
		}
	}

	if resp.StatusCode != http.StatusOK || !out.Valid {
		return sdkerrors.Wrapf(types.ErrSessionInvalid,
			"asset %s service %s: %s", session.AssetID, session.ServiceID, out.Error)
	}
	return nil
}

// NopChecker accepts every session; used when credential enforcement
// is disabled.
type NopChecker struct{}

func (NopChecker) CheckSession(context.Context, types.CredentialSession) error { return nil }
