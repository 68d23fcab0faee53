package bank

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"kalefi/crypto"
)

var (
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	ErrUnknownToken        = errors.New("bank: unknown token")
	ErrInvalidAmount       = errors.New("bank: amount must be positive")
	ErrBalanceOverflow     = errors.New("bank: balance overflow")
)

type balanceState interface {
	TokenExists(symbol string) bool
	Balance(addr []byte, symbol string) (*big.Int, error)
	SetBalance(addr []byte, symbol string, amount *big.Int) error
}

// Bank moves token balances held in ledger state. Balances are bounded to
// 256 bits.
type Bank struct {
	state balanceState
}

// New returns a bank operating on state.
func New(state balanceState) *Bank {
	return &Bank{state: state}
}

// Transfer debits amount of asset from one account and credits another.
func (b *Bank) Transfer(asset string, from, to crypto.Address, amount *big.Int) error {
	if b == nil || b.state == nil {
		return fmt.Errorf("bank: state manager required")
	}
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	if !b.state.TokenExists(asset) {
		return fmt.Errorf("%w: %s", ErrUnknownToken, asset)
	}
	if from.IsZero() || to.IsZero() {
		return fmt.Errorf("bank: transfer endpoints required")
	}

	fromBal, err := b.balance(from, asset)
	if err != nil {
		return err
	}
	debited, underflow := new(uint256.Int).SubOverflow(fromBal, value)
	if underflow {
		return fmt.Errorf("%w: %s has %s %s, needs %s", ErrInsufficientBalance, from, fromBal.Dec(), asset, value.Dec())
	}
	if from.Equal(to) {
		return nil
	}
	toBal, err := b.balance(to, asset)
	if err != nil {
		return err
	}
	credited, overflow := new(uint256.Int).AddOverflow(toBal, value)
	if overflow {
		return ErrBalanceOverflow
	}

	if err := b.state.SetBalance(from.Bytes(), asset, debited.ToBig()); err != nil {
		return err
	}
	return b.state.SetBalance(to.Bytes(), asset, credited.ToBig())
}

// Mint credits amount of asset to an account out of thin air. It seeds
// genesis balances and funds protocol custody.
func (b *Bank) Mint(asset string, to crypto.Address, amount *big.Int) error {
	if b == nil || b.state == nil {
		return fmt.Errorf("bank: state manager required")
	}
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	if !b.state.TokenExists(asset) {
		return fmt.Errorf("%w: %s", ErrUnknownToken, asset)
	}
	bal, err := b.balance(to, asset)
	if err != nil {
		return err
	}
	credited, overflow := new(uint256.Int).AddOverflow(bal, value)
	if overflow {
		return ErrBalanceOverflow
	}
	return b.state.SetBalance(to.Bytes(), asset, credited.ToBig())
}

// BalanceOf returns the balance of asset held by addr.
func (b *Bank) BalanceOf(asset string, addr crypto.Address) (*big.Int, error) {
	if b == nil || b.state == nil {
		return nil, fmt.Errorf("bank: state manager required")
	}
	if !b.state.TokenExists(asset) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, asset)
	}
	return b.state.Balance(addr.Bytes(), asset)
}

func (b *Bank) balance(addr crypto.Address, asset string) (*uint256.Int, error) {
	raw, err := b.state.Balance(addr.Bytes(), asset)
	if err != nil {
		return nil, err
	}
	value, overflow := uint256.FromBig(raw)
	if overflow {
		return nil, ErrBalanceOverflow
	}
	return value, nil
}

func toUint256(amount *big.Int) (*uint256.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	value, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrBalanceOverflow
	}
	return value, nil
}
