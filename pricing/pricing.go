// Package pricing computes the total price and fee breakdown for
// ordering one service of one asset. The service is stateless and safe
// for concurrent use across independent (asset, service) pairs.
package pricing

import (
	sdkerrors "cosmossdk.io/errors"
	"cosmossdk.io/math"

	"github.com/pelagos-market/pelagos/types"
)

// MarketFeeConfig is the consume-market fee charged by the marketplace
// operator on top of the base asset price, in basis points.
type MarketFeeConfig struct {
	Address string
	Bps     uint32
}

// Service computes order prices. A zero-value MarketFeeConfig disables
// the consume-market fee entirely.
type Service struct {
	marketFee MarketFeeConfig
}

// New creates a pricing service with the given market fee policy.
func New(marketFee MarketFeeConfig) *Service {
	return &Service{marketFee: marketFee}
}

// ComputePrice resolves the fee breakdown for ordering one service.
// Free assets and assets settling against the zero address always
// price to zero, regardless of any declared price. Priced assets
// require a provider fee quote.
func (s *Service) ComputePrice(
	asset *types.Asset,
	service *types.Service,
	details *types.AccessDetails,
	requester string,
	feeQuote *types.ProviderFeeQuote,
) (types.OrderPriceAndFees, error) {
	if details.Type == types.AccessTypeFree || details.BaseToken.Address == types.ZeroAddress {
		return types.ZeroOrderPrice(details.BaseToken), nil
	}

	switch details.Type {
	case types.AccessTypeFixed, types.AccessTypeDynamic:
	case types.AccessTypeNotSupported:
		return types.OrderPriceAndFees{}, sdkerrors.Wrapf(types.ErrNotOrderable,
			"asset %s service %s", asset.ID, service.ID)
	default:
		return types.OrderPriceAndFees{}, sdkerrors.Wrapf(types.ErrNotOrderable,
			"asset %s service %s: unknown access type %q", asset.ID, service.ID, details.Type)
	}

	if feeQuote == nil {
		return types.OrderPriceAndFees{}, sdkerrors.Wrapf(types.ErrMissingProviderFee,
			"asset %s service %s", asset.ID, service.ID)
	}

	base := details.Price
	if base.IsNil() {
		base = math.ZeroInt()
	}

	providerFee := feeQuote.Amount
	if providerFee.IsNil() {
		providerFee = math.ZeroInt()
	}

	return types.OrderPriceAndFees{
		Base:             base,
		ConsumeMarketFee: s.consumeMarketFee(base),
		ProviderFee:      providerFee,
		Token:            details.BaseToken,
	}, nil
}

// consumeMarketFee applies the marketplace fee in basis points of the
// base price, floor-rounded the way the settlement contract rounds.
func (s *Service) consumeMarketFee(base math.Int) math.Int {
	if s.marketFee.Bps == 0 || s.marketFee.Address == "" || s.marketFee.Address == types.ZeroAddress {
		return math.ZeroInt()
	}
	return base.MulRaw(int64(s.marketFee.Bps)).QuoRaw(10_000)
}
