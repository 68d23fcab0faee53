package lending

import "math/big"

// Evaluate computes the health factor of a position holding collateral and
// owing debt, valued at quote and capped at ltvBps. It never mutates its
// inputs, so callers can evaluate hypothetical positions directly.
//
// A position without debt reports zero values and a factor of MaxI128.
func Evaluate(collateral, debt *big.Int, ltvBps uint32, quote PriceQuote) (Health, error) {
	collateral = cloneOrZero(collateral)
	debt = cloneOrZero(debt)
	if debt.Sign() == 0 {
		return Health{
			CollateralValue: big.NewInt(0),
			MaxBorrowValue:  big.NewInt(0),
			DebtValue:       big.NewInt(0),
			FactorBps:       new(big.Int).Set(MaxI128),
		}, nil
	}

	collateralValue, maxBorrow, err := borrowCapacity(collateral, ltvBps, quote)
	if err != nil {
		return Health{}, err
	}

	// Debt is denominated in the reference unit.
	debtValue := debt
	scaled, err := checkedMul(maxBorrow, basisPoints)
	if err != nil {
		return Health{}, err
	}
	factor, err := checkedQuo(scaled, debtValue)
	if err != nil {
		return Health{}, err
	}
	return Health{
		CollateralValue: collateralValue,
		MaxBorrowValue:  maxBorrow,
		DebtValue:       new(big.Int).Set(debtValue),
		FactorBps:       factor,
	}, nil
}

// borrowCapacity values collateral at quote and applies the LTV cap.
func borrowCapacity(collateral *big.Int, ltvBps uint32, quote PriceQuote) (*big.Int, *big.Int, error) {
	price := cloneOrZero(quote.Price)
	if !inI128(price) || !inI128(collateral) {
		return nil, nil, ErrOverflow
	}
	denom, err := pow10(quote.Decimals)
	if err != nil {
		return nil, nil, err
	}
	gross, err := checkedMul(collateral, price)
	if err != nil {
		return nil, nil, err
	}
	collateralValue, err := checkedQuo(gross, denom)
	if err != nil {
		return nil, nil, err
	}
	capped, err := checkedMul(collateralValue, new(big.Int).SetUint64(uint64(ltvBps)))
	if err != nil {
		return nil, nil, err
	}
	maxBorrow, err := checkedQuo(capped, basisPoints)
	if err != nil {
		return nil, nil, err
	}
	return collateralValue, maxBorrow, nil
}
