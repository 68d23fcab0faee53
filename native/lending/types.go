package lending

import (
	"fmt"
	"math/big"
	"strings"

	"kalefi/crypto"
)

// PriceSourceMode selects where the engine obtains the collateral price.
type PriceSourceMode uint8

const (
	PriceSourceMock PriceSourceMode = iota
	PriceSourceExternal
)

func (m PriceSourceMode) String() string {
	switch m {
	case PriceSourceMock:
		return "mock"
	case PriceSourceExternal:
		return "external"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(m))
	}
}

// ParsePriceSourceMode accepts "mock" or "external" in any case. An empty
// string selects mock mode.
func ParsePriceSourceMode(value string) (PriceSourceMode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "mock":
		return PriceSourceMock, nil
	case "external":
		return PriceSourceExternal, nil
	default:
		return 0, fmt.Errorf("lending engine: unknown price source %q", value)
	}
}

// ProtocolConfig is the singleton written by Initialize. Only MockPrice
// changes afterwards.
type ProtocolConfig struct {
	Admin           crypto.Address
	CollateralAsset string
	DebtAsset       string
	LTVBps          uint32
	PriceSource     PriceSourceMode
	// MockPrice is a fixed-point value with MockPriceDecimals decimals.
	MockPrice *big.Int
}

// Clone returns a deep copy of the configuration.
func (c *ProtocolConfig) Clone() *ProtocolConfig {
	if c == nil {
		return nil
	}
	clone := *c
	clone.MockPrice = cloneOrZero(c.MockPrice)
	if !c.Admin.IsZero() {
		clone.Admin = crypto.NewAddress(c.Admin.Prefix(), c.Admin.Bytes())
	}
	return &clone
}

// AccountPosition tracks one account's collateral and debt in the smallest
// denomination of each asset.
type AccountPosition struct {
	Account    crypto.Address
	Collateral *big.Int
	Debt       *big.Int
}

// Clone returns a deep copy of the position.
func (p *AccountPosition) Clone() *AccountPosition {
	if p == nil {
		return nil
	}
	clone := &AccountPosition{
		Collateral: cloneOrZero(p.Collateral),
		Debt:       cloneOrZero(p.Debt),
	}
	if !p.Account.IsZero() {
		clone.Account = crypto.NewAddress(p.Account.Prefix(), p.Account.Bytes())
	}
	return clone
}

// PriceQuote is a fixed-point price: Price / 10^Decimals.
type PriceQuote struct {
	Price    *big.Int
	Decimals uint32
}

// Health is the outcome of a health factor evaluation. FactorBps of 10000
// equals a factor of 1.0.
type Health struct {
	CollateralValue *big.Int
	MaxBorrowValue  *big.Int
	DebtValue       *big.Int
	FactorBps       *big.Int
}

// Healthy reports whether the factor is at least 1.0.
func (h Health) Healthy() bool {
	return h.FactorBps != nil && h.FactorBps.Cmp(basisPoints) >= 0
}

// RiskTier buckets a health factor for display.
type RiskTier string

const (
	RiskSafe     RiskTier = "safe"
	RiskModerate RiskTier = "moderate"
	RiskHigh     RiskTier = "high"
	RiskCritical RiskTier = "critical"
)

var (
	safeThresholdBps     = big.NewInt(20_000)
	moderateThresholdBps = big.NewInt(15_000)
)

// TierFor classifies a health factor in basis points.
func TierFor(factorBps *big.Int) RiskTier {
	switch {
	case factorBps == nil:
		return RiskCritical
	case factorBps.Cmp(safeThresholdBps) >= 0:
		return RiskSafe
	case factorBps.Cmp(moderateThresholdBps) >= 0:
		return RiskModerate
	case factorBps.Cmp(basisPoints) >= 0:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// Position is the read model returned by GetPosition.
type Position struct {
	Account           crypto.Address
	Collateral        *big.Int
	Debt              *big.Int
	Health            Health
	AvailableToBorrow *big.Int
	RiskTier          RiskTier
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
