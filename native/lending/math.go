package lending

import "math/big"

var (
	basisPoints = big.NewInt(10_000)

	// MaxI128 is the largest value any ledger quantity may take. A health
	// factor of MaxI128 means the position carries no debt.
	MaxI128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minI128 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))

	ten = big.NewInt(10)
)

func inI128(v *big.Int) bool {
	return v.Cmp(MaxI128) <= 0 && v.Cmp(minI128) >= 0
}

func checkedAdd(a, b *big.Int) (*big.Int, error) {
	sum := new(big.Int).Add(a, b)
	if !inI128(sum) {
		return nil, ErrOverflow
	}
	return sum, nil
}

func checkedSub(a, b *big.Int) (*big.Int, error) {
	diff := new(big.Int).Sub(a, b)
	if !inI128(diff) {
		return nil, ErrOverflow
	}
	return diff, nil
}

func checkedMul(a, b *big.Int) (*big.Int, error) {
	product := new(big.Int).Mul(a, b)
	if !inI128(product) {
		return nil, ErrOverflow
	}
	return product, nil
}

// checkedQuo truncates toward zero. Division by zero reports ErrOverflow
// since no ledger quantity can produce it under the invariants.
func checkedQuo(a, b *big.Int) (*big.Int, error) {
	if b.Sign() == 0 {
		return nil, ErrOverflow
	}
	quo := new(big.Int).Quo(a, b)
	if !inI128(quo) {
		return nil, ErrOverflow
	}
	return quo, nil
}

// pow10 returns 10^exp, failing once the result leaves the i128 range.
func pow10(exp uint32) (*big.Int, error) {
	// 10^38 is the largest power of ten below 2^127.
	if exp > 38 {
		return nil, ErrOverflow
	}
	return new(big.Int).Exp(ten, big.NewInt(int64(exp)), nil), nil
}
