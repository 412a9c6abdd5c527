package provider

import (
	"context"
	"encoding/json"
	"time"

	sdkerrors "cosmossdk.io/errors"

	"github.com/pelagos-market/pelagos/types"
)

// AlgorithmSpec is the algorithm reference in a start request. For the
// paid variant PaymentRef carries the algorithm's own order
// transaction.
type AlgorithmSpec struct {
	AssetID    string `json:"documentId"`
	ServiceID  string `json:"serviceId"`
	PaymentRef string `json:"transferTxId,omitempty"`
}

// FreeStartRequest starts a job on the environment's free tier.
type FreeStartRequest struct {
	Endpoint      string
	EnvironmentID string
	Consumer      string
	Datasets      []AssetRef
	Algorithm     AlgorithmSpec
	Resources     *types.ResourceSelection
	Policies      []types.PolicyDirective
}

// PaidStartRequest starts a job backed by escrow payment. Every
// dataset ref must carry its order transaction, and Payment must match
// the terms the escrow deposit was verified against.
type PaidStartRequest struct {
	Endpoint      string
	EnvironmentID string
	Consumer      string
	Datasets      []AssetRef
	Algorithm     AlgorithmSpec
	Duration      uint64
	PaymentToken  string
	Resources     *types.ResourceSelection
	ChainID       uint64
	Policies      []types.PolicyDirective
}

type startPayload struct {
	EnvironmentID string                    `json:"environment"`
	Consumer      string                    `json:"consumerAddress"`
	Datasets      []AssetRef                `json:"datasets"`
	Algorithm     AlgorithmSpec             `json:"algorithm"`
	Duration      uint64                    `json:"maxJobDuration,omitempty"`
	PaymentToken  string                    `json:"token,omitempty"`
	ChainID       uint64                    `json:"chainId,omitempty"`
	Resources     []initializeResourceEntry `json:"resources,omitempty"`
	Policies      []types.PolicyDirective   `json:"policies,omitempty"`
}

type startResponseEntry struct {
	JobID      string `json:"jobId"`
	Status     int    `json:"status"`
	StatusText string `json:"statusText"`
}

// SubmitFree starts a free-tier job.
func (c *Client) SubmitFree(ctx context.Context, req FreeStartRequest) (*types.ComputeJob, error) {
	payload := startPayload{
		EnvironmentID: req.EnvironmentID,
		Consumer:      req.Consumer,
		Datasets:      req.Datasets,
		Algorithm:     req.Algorithm,
		Resources:     resourceEntries(req.Resources),
		Policies:      req.Policies,
	}
	return c.start(ctx, req.Endpoint, freeComputeStartPath, payload)
}

// SubmitPaid starts a paid job carrying proofs of payment.
func (c *Client) SubmitPaid(ctx context.Context, req PaidStartRequest) (*types.ComputeJob, error) {
	payload := startPayload{
		EnvironmentID: req.EnvironmentID,
		Consumer:      req.Consumer,
		Datasets:      req.Datasets,
		Algorithm:     req.Algorithm,
		Duration:      req.Duration,
		PaymentToken:  req.PaymentToken,
		ChainID:       req.ChainID,
		Resources:     resourceEntries(req.Resources),
		Policies:      req.Policies,
	}
	return c.start(ctx, req.Endpoint, computeStartPath, payload)
}

func (c *Client) start(ctx context.Context, endpoint, path string, payload startPayload) (*types.ComputeJob, error) {
	data, err := c.post(ctx, endpoint, path, payload)
	if err != nil {
		return nil, err
	}

	entry, err := decodeStartResponse(data)
	if err != nil {
		return nil, err
	}
	if entry.JobID == "" {
		// A 200 without a job id is a broken provider, not a retry case.
		return nil, sdkerrors.Wrap(types.ErrBadResponseShape, "start response carries no job id")
	}

	c.logger.Info("compute job accepted",
		"endpoint", endpoint, "job_id", entry.JobID, "status", entry.StatusText)

	return &types.ComputeJob{
		ID:         entry.JobID,
		Status:     entry.Status,
		StatusText: entry.StatusText,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// decodeStartResponse accepts both response shapes providers use: a
// single job object or a one-element job array.
func decodeStartResponse(data []byte) (startResponseEntry, error) {
	var list []startResponseEntry
	if err := json.Unmarshal(data, &list); err == nil {
		if len(list) == 0 {
			return startResponseEntry{}, sdkerrors.Wrap(types.ErrBadResponseShape, "empty job list")
		}
		return list[0], nil
	}

	var single startResponseEntry
	if err := json.Unmarshal(data, &single); err != nil {
		return startResponseEntry{}, sdkerrors.Wrapf(types.ErrBadResponseShape, "start response: %v", err)
	}
	return single, nil
}

func resourceEntries(sel *types.ResourceSelection) []initializeResourceEntry {
	if sel == nil {
		return nil
	}
	entries := make([]initializeResourceEntry, 0, len(sel.Amounts))
	for kind, amount := range sel.Amounts {
		entries = append(entries, initializeResourceEntry{ID: string(kind), Amount: amount})
	}
	return entries
}

// JobStatus polls the provider for the current state of a job.
func (c *Client) JobStatus(ctx context.Context, endpoint, consumer, jobID string) (*types.ComputeJob, error) {
	payload := map[string]string{
		"consumerAddress": consumer,
		"jobId":           jobID,
	}
	data, err := c.post(ctx, endpoint, computeStatusPath, payload)
	if err != nil {
		return nil, err
	}

	entry, err := decodeStartResponse(data)
	if err != nil {
		return nil, err
	}
	return &types.ComputeJob{
		ID:         entry.JobID,
		Status:     entry.Status,
		StatusText: entry.StatusText,
	}, nil
}
