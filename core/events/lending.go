package events

import (
	"math/big"
	"strconv"

	"kalefi/core/types"
	"kalefi/crypto"
)

const (
	TypeLendingInitialized = "lending.initialized"
	TypeLendingMockPrice   = "lending.mock_price_set"
	TypeLendingDeposit     = "lending.deposit"
	TypeLendingBorrow      = "lending.borrow"
	TypeLendingRepay       = "lending.repay"
	TypeLendingWithdraw    = "lending.withdraw"
)

type LendingInitialized struct {
	Admin           crypto.Address
	CollateralAsset string
	DebtAsset       string
	LTVBps          uint32
	PriceSource     string
}

func (LendingInitialized) EventType() string { return TypeLendingInitialized }

func (e LendingInitialized) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingInitialized,
		Attributes: map[string]string{
			"admin":           e.Admin.String(),
			"collateralAsset": normalizeAsset(e.CollateralAsset),
			"debtAsset":       normalizeAsset(e.DebtAsset),
			"ltvBps":          strconv.FormatUint(uint64(e.LTVBps), 10),
			"priceSource":     e.PriceSource,
		},
	}
}

type LendingMockPriceSet struct {
	Admin crypto.Address
	Price *big.Int
}

func (LendingMockPriceSet) EventType() string { return TypeLendingMockPrice }

func (e LendingMockPriceSet) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingMockPrice,
		Attributes: map[string]string{
			"admin": e.Admin.String(),
			"price": formatAmount(e.Price),
		},
	}
}

// LendingPositionChanged covers every account-level mutation. Kind selects
// the event type.
type LendingPositionChanged struct {
	Kind       string
	Account    crypto.Address
	Asset      string
	Amount     *big.Int
	Collateral *big.Int
	Debt       *big.Int
	// HealthBps is empty when the operation did not evaluate health.
	HealthBps *big.Int
}

func (e LendingPositionChanged) EventType() string { return e.Kind }

func (e LendingPositionChanged) Event() *types.Event {
	attrs := map[string]string{
		"account":    e.Account.String(),
		"asset":      normalizeAsset(e.Asset),
		"amount":     formatAmount(e.Amount),
		"collateral": formatAmount(e.Collateral),
		"debt":       formatAmount(e.Debt),
	}
	if e.HealthBps != nil {
		attrs["healthFactorBps"] = e.HealthBps.String()
	}
	return &types.Event{Type: e.Kind, Attributes: attrs}
}
