package lending

import (
	"errors"
	"math/big"
)

// MockPriceDecimals is the fixed decimal scale of the persisted mock price.
const MockPriceDecimals uint32 = 7

var errNilPriceFeed = errors.New("lending engine: price feed returned no price")

// PriceSource yields the collateral price used for a single evaluation.
type PriceSource interface {
	Quote() (PriceQuote, error)
}

// PriceFeed is an external oracle quoting asset in the reference unit.
type PriceFeed interface {
	LatestPrice(asset string) (PriceQuote, error)
}

// MockPriceSource serves the admin-controlled price at MockPriceDecimals.
type MockPriceSource struct {
	Price *big.Int
}

func (m MockPriceSource) Quote() (PriceQuote, error) {
	return PriceQuote{Price: cloneOrZero(m.Price), Decimals: MockPriceDecimals}, nil
}

type feedPriceSource struct {
	feed  PriceFeed
	asset string
}

func (f feedPriceSource) Quote() (PriceQuote, error) {
	quote, err := f.feed.LatestPrice(f.asset)
	if err != nil {
		return PriceQuote{}, err
	}
	if quote.Price == nil {
		return PriceQuote{}, errNilPriceFeed
	}
	return PriceQuote{Price: new(big.Int).Set(quote.Price), Decimals: quote.Decimals}, nil
}

// NewPriceSource picks the price source for cfg. External mode without a
// wired feed falls back to the persisted mock price.
func NewPriceSource(cfg *ProtocolConfig, feed PriceFeed) PriceSource {
	if cfg == nil {
		return MockPriceSource{}
	}
	if cfg.PriceSource == PriceSourceExternal && feed != nil {
		return feedPriceSource{feed: feed, asset: cfg.CollateralAsset}
	}
	return MockPriceSource{Price: cfg.MockPrice}
}
