package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	sdkerrors "cosmossdk.io/errors"
	"cosmossdk.io/log"
	"cosmossdk.io/math"

	"github.com/pelagos-market/pelagos/types"
)

const defaultBridgeTimeout = 90 * time.Second

// Bridge implements Settler and EscrowReader against a wallet/signer
// bridge daemon: order placement is proxied to the user's signer, so a
// single Order call can block for as long as the user deliberates.
type Bridge struct {
	baseURL string
	client  *http.Client
	logger  log.Logger
}

// NewBridge creates a bridge client. timeout of zero uses the default;
// the signer prompt is part of the request, so this should stay
// generous.
func NewBridge(baseURL string, timeout time.Duration, logger log.Logger) *Bridge {
	if timeout == 0 {
		timeout = defaultBridgeTimeout
	}
	return &Bridge{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With("module", "ledger-bridge"),
	}
}

type bridgeOrderRequest struct {
	AssetID       string                  `json:"assetId"`
	ServiceID     string                  `json:"serviceId"`
	ChainID       uint64                  `json:"chainId"`
	Payer         string                  `json:"payer"`
	Consumer      string                  `json:"consumerAddress"`
	Price         types.OrderPriceAndFees `json:"price"`
	ProviderFee   *types.ProviderFeeQuote `json:"providerFee,omitempty"`
	HasPriorOrder bool                    `json:"hasPriorOrder"`
	SessionID     string                  `json:"sessionId,omitempty"`
}

type bridgeOrderResponse struct {
	TxRef string   `json:"txRef"`
	Error string   `json:"error,omitempty"`
	Code  string   `json:"code,omitempty"`
	Paid  math.Int `json:"paid"`
}

type bridgeFundsResponse struct {
	Available math.Int `json:"available"`
	Locked    math.Int `json:"locked"`
	Error     string   `json:"error,omitempty"`
}

// Order places one order through the signer bridge.
func (b *Bridge) Order(ctx context.Context, params OrderParams) (types.OrderTransaction, error) {
	payload := bridgeOrderRequest{
		AssetID:       params.Asset.ID,
		ServiceID:     params.Service.ID,
		ChainID:       params.Asset.ChainID,
		Payer:         params.Payer,
		Consumer:      params.Consumer,
		Price:         params.Price,
		ProviderFee:   params.ProviderFee,
		HasPriorOrder: params.HasPriorOrder,
		SessionID:     params.SessionID,
	}

	var resp bridgeOrderResponse
	status, err := b.post(ctx, "/v1/orders", payload, &resp)
	if err != nil {
		return types.OrderTransaction{}, err
	}

	switch {
	case status == http.StatusConflict || resp.Code == "user_rejected":
		// The user declined the signature prompt. Not a failure.
		b.logger.Info("order signing rejected by user",
			"asset", params.Asset.ID, "service", params.Service.ID)
		return types.OrderTransaction{}, sdkerrors.Wrap(types.ErrUserRejected, resp.Error)
	case status != http.StatusOK:
		return types.OrderTransaction{}, fmt.Errorf("signer bridge returned status %d: %s", status, resp.Error)
	case resp.TxRef == "":
		return types.OrderTransaction{}, sdkerrors.Wrapf(types.ErrEmptyOrderTx,
			"asset %s service %s", params.Asset.ID, params.Service.ID)
	}

	amount := resp.Paid
	if amount.IsNil() {
		amount = params.Price.Total()
	}

	return types.OrderTransaction{
		TxRef:     resp.TxRef,
		AssetID:   params.Asset.ID,
		ServiceID: params.Service.ID,
		Amount:    amount,
	}, nil
}

// Funds reads the escrow balance for one (token, consumer) pair.
func (b *Bridge) Funds(ctx context.Context, token, consumer string) (types.EscrowFunds, error) {
	endpoint := fmt.Sprintf("%s/v1/escrow/funds?token=%s&consumer=%s",
		b.baseURL, url.QueryEscape(token), url.QueryEscape(consumer))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return types.EscrowFunds{}, err
	}

	httpResp, err := b.client.Do(req)
	if err != nil {
		return types.EscrowFunds{}, fmt.Errorf("escrow funds query failed: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return types.EscrowFunds{}, err
	}

	var resp bridgeFundsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return types.EscrowFunds{}, fmt.Errorf("malformed escrow funds response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return types.EscrowFunds{}, fmt.Errorf("escrow funds query returned status %d: %s", httpResp.StatusCode, resp.Error)
	}

	funds := types.EscrowFunds{Available: resp.Available, Locked: resp.Locked}
	if funds.Available.IsNil() {
		funds.Available = math.ZeroInt()
	}
	if funds.Locked.IsNil() {
		funds.Locked = math.ZeroInt()
	}
	return funds, nil
}

func (b *Bridge) post(ctx context.Context, path string, payload, out any) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("signer bridge request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("malformed signer bridge response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
