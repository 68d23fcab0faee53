package state

import (
	"fmt"
	"math/big"

	"kalefi/crypto"
	"kalefi/native/lending"
)

var (
	lendingConfigKey        = []byte("lending/config")
	lendingAccountsKey      = []byte("lending/accounts")
	lendingCollateralPrefix = []byte("lending/position/collateral/")
	lendingDebtPrefix       = []byte("lending/position/debt/")
)

func lendingPositionKey(prefix []byte, addr crypto.Address) []byte {
	raw := addr.Bytes()
	buf := make([]byte, len(prefix)+len(raw))
	copy(buf, prefix)
	copy(buf[len(prefix):], raw)
	return buf
}

// storedLendingConfig is the RLP form of lending.ProtocolConfig. RLP cannot
// encode negative integers, so the mock price sign travels separately.
type storedLendingConfig struct {
	Admin             []byte
	AdminPrefix       string
	CollateralAsset   string
	DebtAsset         string
	LTVBps            uint32
	PriceSource       uint8
	MockPrice         *big.Int
	MockPriceNegative bool
}

func newStoredLendingConfig(cfg *lending.ProtocolConfig) *storedLendingConfig {
	price := big.NewInt(0)
	negative := false
	if cfg.MockPrice != nil {
		price = new(big.Int).Abs(cfg.MockPrice)
		negative = cfg.MockPrice.Sign() < 0
	}
	return &storedLendingConfig{
		Admin:             append([]byte(nil), cfg.Admin.Bytes()...),
		AdminPrefix:       string(cfg.Admin.Prefix()),
		CollateralAsset:   cfg.CollateralAsset,
		DebtAsset:         cfg.DebtAsset,
		LTVBps:            cfg.LTVBps,
		PriceSource:       uint8(cfg.PriceSource),
		MockPrice:         price,
		MockPriceNegative: negative,
	}
}

func (s *storedLendingConfig) toConfig() (*lending.ProtocolConfig, error) {
	if len(s.Admin) != crypto.AddressLength {
		return nil, fmt.Errorf("lending: stored admin must be %d bytes, got %d", crypto.AddressLength, len(s.Admin))
	}
	price := big.NewInt(0)
	if s.MockPrice != nil {
		price = new(big.Int).Set(s.MockPrice)
	}
	if s.MockPriceNegative {
		price.Neg(price)
	}
	return &lending.ProtocolConfig{
		Admin:           crypto.NewAddress(crypto.AddressPrefix(s.AdminPrefix), s.Admin),
		CollateralAsset: s.CollateralAsset,
		DebtAsset:       s.DebtAsset,
		LTVBps:          s.LTVBps,
		PriceSource:     lending.PriceSourceMode(s.PriceSource),
		MockPrice:       price,
	}, nil
}

// GetLendingConfig returns nil when the protocol has not been initialised.
func (m *Manager) GetLendingConfig() (*lending.ProtocolConfig, error) {
	var stored storedLendingConfig
	ok, err := m.KVGet(lendingConfigKey, &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return stored.toConfig()
}

func (m *Manager) PutLendingConfig(cfg *lending.ProtocolConfig) error {
	if cfg == nil {
		return fmt.Errorf("lending: nil config")
	}
	return m.KVPut(lendingConfigKey, newStoredLendingConfig(cfg))
}

// getOrZero reads an amount, treating a missing key as zero.
func (m *Manager) getOrZero(key []byte) (*big.Int, error) {
	amount := new(big.Int)
	ok, err := m.KVGet(key, amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return amount, nil
}

// GetLendingPosition returns the stored position, or a zero position for
// accounts that never touched the ledger.
func (m *Manager) GetLendingPosition(addr crypto.Address) (*lending.AccountPosition, error) {
	if addr.IsZero() {
		return nil, fmt.Errorf("lending: account required")
	}
	collateral, err := m.getOrZero(lendingPositionKey(lendingCollateralPrefix, addr))
	if err != nil {
		return nil, err
	}
	debt, err := m.getOrZero(lendingPositionKey(lendingDebtPrefix, addr))
	if err != nil {
		return nil, err
	}
	return &lending.AccountPosition{Account: addr, Collateral: collateral, Debt: debt}, nil
}

func (m *Manager) PutLendingPosition(pos *lending.AccountPosition) error {
	if pos == nil || pos.Account.IsZero() {
		return fmt.Errorf("lending: position account required")
	}
	collateral := pos.Collateral
	if collateral == nil {
		collateral = big.NewInt(0)
	}
	debt := pos.Debt
	if debt == nil {
		debt = big.NewInt(0)
	}
	if collateral.Sign() < 0 || debt.Sign() < 0 {
		return fmt.Errorf("lending: negative position amounts not allowed")
	}
	if err := m.KVPut(lendingPositionKey(lendingCollateralPrefix, pos.Account), collateral); err != nil {
		return err
	}
	if err := m.KVPut(lendingPositionKey(lendingDebtPrefix, pos.Account), debt); err != nil {
		return err
	}
	return m.KVAppend(lendingAccountsKey, pos.Account.Bytes())
}

// LendingAccounts lists every account with a stored position in first-seen
// order.
func (m *Manager) LendingAccounts() ([]crypto.Address, error) {
	raw, err := m.KVList(lendingAccountsKey)
	if err != nil {
		return nil, err
	}
	out := make([]crypto.Address, 0, len(raw))
	for _, entry := range raw {
		if len(entry) != crypto.AddressLength {
			return nil, fmt.Errorf("lending: corrupt account index entry of %d bytes", len(entry))
		}
		out = append(out, crypto.NewAddress(crypto.AccountPrefix, entry))
	}
	return out, nil
}
