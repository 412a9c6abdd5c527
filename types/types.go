package types

import (
	"fmt"
	"strings"
	"time"

	"cosmossdk.io/math"
)

const (
	// Codespace is the sentinel error namespace for the ordering engine
	Codespace = "ordering"

	// ZeroAddress is the null settlement target; assets priced against it
	// are treated as free regardless of their declared price
	ZeroAddress = "0x0000000000000000000000000000000000000000"

	// EscrowDecimals is the fixed-point precision the escrow ledger
	// accounts in; deposit obligations are scaled to this before checks
	EscrowDecimals = 18
)

// ServiceKind classifies what a service offer grants access to.
type ServiceKind string

const (
	ServiceKindAccess  ServiceKind = "access"
	ServiceKindCompute ServiceKind = "compute"
)

// AccessType classifies how orders for a service are priced.
type AccessType string

const (
	AccessTypeFree         AccessType = "free"
	AccessTypeFixed        AccessType = "fixed"
	AccessTypeDynamic      AccessType = "dynamic"
	AccessTypeNotSupported AccessType = "not-supported"
)

// ResourceMode selects between the free and paid tier of a compute
// environment.
type ResourceMode string

const (
	ResourceModeFree ResourceMode = "free"
	ResourceModePaid ResourceMode = "paid"
)

// TokenInfo identifies the base token a service is priced in.
type TokenInfo struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

// ConsumerParameter is one entry of a service's declared consumer
// parameter schema. The engine passes these through untouched.
type ConsumerParameter struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Default  string `json:"default,omitempty"`
}

// Service is an offer attached to an asset, either direct access or
// compute-to-data. TimeoutSeconds of zero means unlimited.
type Service struct {
	ID                 string              `json:"id"`
	Kind               ServiceKind         `json:"type"`
	ServiceEndpoint    string              `json:"serviceEndpoint"`
	TimeoutSeconds     uint64              `json:"timeout"`
	ConsumerParameters []ConsumerParameter `json:"consumerParameters,omitempty"`
}

// AccessDetails is the pricing classification for one service. It is
// refreshed on demand from the catalog and never cached across
// orchestration attempts.
type AccessDetails struct {
	Type        AccessType `json:"type"`
	BaseToken   TokenInfo  `json:"baseToken"`
	Price       math.Int   `json:"price"`
	Purchasable bool       `json:"purchasable"`
	// ValidOrderTx is a prior valid order transaction for this service,
	// set when the consumer already holds an unexpired order that can be
	// reused instead of paying again.
	ValidOrderTx string `json:"validOrderTx,omitempty"`
}

// Asset is an immutable catalog record for a dataset or algorithm.
// Services and AccessDetails are parallel lists sharing one index.
type Asset struct {
	ID            string          `json:"id"`
	ChainID       uint64          `json:"chainId"`
	Owner         string          `json:"owner"`
	Services      []Service       `json:"services"`
	AccessDetails []AccessDetails `json:"accessDetails"`
}

// ServiceAt returns the service and its access details at index i.
func (a *Asset) ServiceAt(i int) (*Service, *AccessDetails, error) {
	if i < 0 || i >= len(a.Services) {
		return nil, nil, fmt.Errorf("asset %s has no service at index %d", a.ID, i)
	}
	if i >= len(a.AccessDetails) {
		return nil, nil, fmt.Errorf("asset %s has no access details for service index %d", a.ID, i)
	}
	return &a.Services[i], &a.AccessDetails[i], nil
}

// ServiceIndexByID resolves a service id to its index, or -1.
func (a *Asset) ServiceIndexByID(serviceID string) int {
	for i := range a.Services {
		if a.Services[i].ID == serviceID {
			return i
		}
	}
	return -1
}

// ResourceKind names one dimension of a compute environment.
type ResourceKind string

const (
	ResourceCPU      ResourceKind = "cpu"
	ResourceRAM      ResourceKind = "ram"
	ResourceDisk     ResourceKind = "disk"
	ResourceDuration ResourceKind = "duration"
)

// ComputeResource describes one dimension of an environment with its
// free and paid maxima and the per-unit paid price.
type ComputeResource struct {
	Kind         ResourceKind `json:"id"`
	FreeMax      int64        `json:"freeMax"`
	PaidMax      int64        `json:"paidMax"`
	PricePerUnit math.Int     `json:"pricePerUnit"`
}

// ComputeEnvironment is a named execution context offered by a compute
// provider.
type ComputeEnvironment struct {
	ID        string            `json:"id"`
	Consumer  string            `json:"consumerAddress"`
	Resources []ComputeResource `json:"resources"`
}

// ResourceSelection is the user-chosen allocation for one orchestration
// attempt. TotalPrice is only meaningful in paid mode.
type ResourceSelection struct {
	Mode               ResourceMode           `json:"mode"`
	Amounts            map[ResourceKind]int64 `json:"amounts"`
	JobDurationSeconds uint64                 `json:"jobDurationSeconds"`
	TotalPrice         math.Int               `json:"totalPrice"`
}

// OrderPriceAndFees is the full fee breakdown for ordering one service,
// all amounts in the base token's smallest unit.
type OrderPriceAndFees struct {
	Base             math.Int  `json:"base"`
	ConsumeMarketFee math.Int  `json:"consumeMarketFee"`
	ProviderFee      math.Int  `json:"providerFee"`
	Token            TokenInfo `json:"token"`
}

// ZeroOrderPrice returns an all-zero breakdown in the given token.
func ZeroOrderPrice(token TokenInfo) OrderPriceAndFees {
	return OrderPriceAndFees{
		Base:             math.ZeroInt(),
		ConsumeMarketFee: math.ZeroInt(),
		ProviderFee:      math.ZeroInt(),
		Token:            token,
	}
}

// Total is base plus both fees.
func (p OrderPriceAndFees) Total() math.Int {
	return p.Base.Add(p.ConsumeMarketFee).Add(p.ProviderFee)
}

// IsZero reports whether no payment at all is due.
func (p OrderPriceAndFees) IsZero() bool {
	return p.Base.IsZero() && p.ConsumeMarketFee.IsZero() && p.ProviderFee.IsZero()
}

// ProviderFeeQuote is a signed provider fee for one asset, valid only
// until ValidUntil (unix seconds, provider clock).
type ProviderFeeQuote struct {
	ProviderFeeAddress string   `json:"providerFeeAddress"`
	Token              string   `json:"providerFeeToken"`
	Amount             math.Int `json:"providerFeeAmount"`
	ValidUntil         int64    `json:"validUntil"`
	V                  uint8    `json:"v,omitempty"`
	R                  string   `json:"r,omitempty"`
	S                  string   `json:"s,omitempty"`
	ProviderData       string   `json:"providerData,omitempty"`
}

// PaymentTerms is the escrow payment block of an initialize result.
type PaymentTerms struct {
	EscrowAddress  string   `json:"escrowAddress"`
	RequiredAmount math.Int `json:"amount"`
	MinLockSeconds uint64   `json:"minLockSeconds"`
	Token          string   `json:"token"`
}

// InitializeComputeResult is the provider's quote for one full attempt:
// per-dataset and algorithm fee quotes plus the payment terms. It must
// not be used past ValidUntil.
type InitializeComputeResult struct {
	Algorithm  *ProviderFeeQuote            `json:"algorithm"`
	Datasets   map[string]*ProviderFeeQuote `json:"datasets"`
	Payment    PaymentTerms                 `json:"payment"`
	ValidUntil time.Time                    `json:"validUntil"`
}

// Expired reports whether the quote window has closed.
func (r *InitializeComputeResult) Expired(now time.Time) bool {
	return !r.ValidUntil.IsZero() && now.After(r.ValidUntil)
}

// EscrowFunds is a point-in-time balance snapshot for one
// (token, consumer) pair as reported by the escrow ledger.
type EscrowFunds struct {
	Available math.Int `json:"available"`
	Locked    math.Int `json:"locked"`
}

// CredentialSession is a cached verification handle proving the user
// satisfied the access policy for one (asset, service) pair. TTL is
// enforced by the external verifier, not by the engine.
type CredentialSession struct {
	AssetID    string `json:"assetId"`
	ServiceID  string `json:"serviceId"`
	SessionID  string `json:"sessionId"`
	SkipVerify bool   `json:"skipVerify"`
}

// OrderTransaction is the proof that one (asset, service) was paid for.
type OrderTransaction struct {
	TxRef     string   `json:"txRef"`
	AssetID   string   `json:"assetId"`
	ServiceID string   `json:"serviceId"`
	Amount    math.Int `json:"amount"`
}

// PolicyDirective carries one asset+service credential session
// reference to the provider. Empty redirect URIs are valid; policy
// enforcement is delegated to the remote provider.
type PolicyDirective struct {
	AssetID             string `json:"documentId"`
	ServiceID           string `json:"serviceId"`
	SessionID           string `json:"sessionId"`
	SuccessRedirectURI  string `json:"successRedirectUri"`
	ErrorRedirectURI    string `json:"errorRedirectUri"`
	ResponseRedirectURI string `json:"responseRedirectUri"`
}

// ComputeJob is the handle returned by the provider once a job is
// accepted. The provider owns the job from then on; the engine only
// keeps the id for display and polling.
type ComputeJob struct {
	ID         string    `json:"jobId"`
	Status     int       `json:"status"`
	StatusText string    `json:"statusText"`
	CreatedAt  time.Time `json:"createdAt"`
}

// OrderKey builds the canonical (asset, service) cache and journal key.
func OrderKey(assetID, serviceID string) string {
	return assetID + "/" + serviceID
}

// SplitOrderKey is the inverse of OrderKey.
func SplitOrderKey(key string) (assetID, serviceID string) {
	if i := strings.LastIndex(key, "/"); i >= 0 {
		return key[:i], key[i+1:]
	}
	return key, ""
}

// ScaleToEscrowPrecision converts an amount in a token's smallest unit
// to the escrow ledger's 18-decimal fixed point. Amounts from tokens
// finer than 18 decimals round up so the obligation is never
// understated.
func ScaleToEscrowPrecision(amount math.Int, decimals uint8) math.Int {
	if decimals == EscrowDecimals {
		return amount
	}
	if decimals < EscrowDecimals {
		scaled := amount
		for d := decimals; d < EscrowDecimals; d++ {
			scaled = scaled.MulRaw(10)
		}
		return scaled
	}
	divisor := math.OneInt()
	for d := uint8(EscrowDecimals); d < decimals; d++ {
		divisor = divisor.MulRaw(10)
	}
	scaled := amount.Quo(divisor)
	if !amount.Mod(divisor).IsZero() {
		scaled = scaled.AddRaw(1)
	}
	return scaled
}
