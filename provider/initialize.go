package provider

import (
	"context"
	"encoding/json"
	"time"

	sdkerrors "cosmossdk.io/errors"

	"github.com/pelagos-market/pelagos/types"
)

// InitializeComputeRequest asks one provider to quote fees and escrow
// payment terms for an algorithm plus N datasets on a chosen
// environment.
type InitializeComputeRequest struct {
	Endpoint      string
	Datasets      []AssetRef
	Algorithm     AssetRef
	Sessions      map[string]string // OrderKey -> credential session id
	Consumer      string
	EnvironmentID string
	ChainID       uint64
	Resources     *types.ResourceSelection
}

type initializeComputePayload struct {
	Datasets      []initializeAssetPayload  `json:"datasets"`
	Algorithm     initializeAssetPayload    `json:"algorithm"`
	Consumer      string                    `json:"consumerAddress"`
	EnvironmentID string                    `json:"environment"`
	ChainID       uint64                    `json:"chainId"`
	Duration      uint64                    `json:"maxJobDuration"`
	Resources     []initializeResourceEntry `json:"resources,omitempty"`
}

type initializeAssetPayload struct {
	AssetRef
	SessionID string `json:"sessionId,omitempty"`
}

type initializeResourceEntry struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
}

type initializeComputeResponse struct {
	Datasets []struct {
		AssetID     string                  `json:"documentId"`
		ServiceID   string                  `json:"serviceId"`
		ProviderFee *types.ProviderFeeQuote `json:"providerFee"`
	} `json:"datasets"`
	Algorithm struct {
		ProviderFee *types.ProviderFeeQuote `json:"providerFee"`
	} `json:"algorithm"`
	Payment struct {
		EscrowAddress  string `json:"escrowAddress"`
		Amount         string `json:"amount"`
		MinLockSeconds uint64 `json:"minLockSeconds"`
		Token          string `json:"token"`
	} `json:"payment"`
	ValidUntil int64 `json:"validUntil"`
}

// InitializeCompute performs the single atomic quote call for one full
// attempt. Validation verdicts from the provider are fatal for the
// attempt; everything else is retryable.
func (c *Client) InitializeCompute(ctx context.Context, req InitializeComputeRequest) (*types.InitializeComputeResult, error) {
	payload := initializeComputePayload{
		Algorithm: initializeAssetPayload{
			AssetRef:  req.Algorithm,
			SessionID: req.Sessions[types.OrderKey(req.Algorithm.AssetID, req.Algorithm.ServiceID)],
		},
		Consumer:      req.Consumer,
		EnvironmentID: req.EnvironmentID,
		ChainID:       req.ChainID,
	}
	for _, ds := range req.Datasets {
		payload.Datasets = append(payload.Datasets, initializeAssetPayload{
			AssetRef:  ds,
			SessionID: req.Sessions[types.OrderKey(ds.AssetID, ds.ServiceID)],
		})
	}
	if req.Resources != nil {
		payload.Duration = req.Resources.JobDurationSeconds
		for kind, amount := range req.Resources.Amounts {
			payload.Resources = append(payload.Resources, initializeResourceEntry{
				ID:     string(kind),
				Amount: amount,
			})
		}
	}

	data, err := c.post(ctx, req.Endpoint, initializeComputePath, payload)
	if err != nil {
		return nil, err
	}

	var resp initializeComputeResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, sdkerrors.Wrapf(types.ErrBadResponseShape, "initialize response: %v", err)
	}

	result := &types.InitializeComputeResult{
		Algorithm: resp.Algorithm.ProviderFee,
		Datasets:  make(map[string]*types.ProviderFeeQuote, len(resp.Datasets)),
	}
	for _, ds := range resp.Datasets {
		result.Datasets[types.OrderKey(ds.AssetID, ds.ServiceID)] = ds.ProviderFee
	}

	amount, err := parseAmount(resp.Payment.Amount)
	if err != nil {
		return nil, sdkerrors.Wrapf(types.ErrBadResponseShape,
			"payment amount %q: %v", resp.Payment.Amount, err)
	}
	result.Payment = types.PaymentTerms{
		EscrowAddress:  resp.Payment.EscrowAddress,
		RequiredAmount: amount,
		MinLockSeconds: resp.Payment.MinLockSeconds,
		Token:          resp.Payment.Token,
	}

	if resp.ValidUntil > 0 {
		result.ValidUntil = time.Unix(resp.ValidUntil, 0)
	}

	c.logger.Debug("provider initialize completed",
		"endpoint", req.Endpoint,
		"datasets", len(result.Datasets),
		"escrow", result.Payment.EscrowAddress,
		"valid_until", result.ValidUntil,
	)
	return result, nil
}
