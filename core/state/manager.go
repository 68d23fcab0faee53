package state

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

var (
	ErrEmptyKey        = errors.New("state: key must not be empty")
	ErrEmptySymbol     = errors.New("state: token symbol must not be empty")
	ErrEmptyAddress    = errors.New("state: address must not be empty")
	ErrTokenExists     = errors.New("state: token already registered")
	ErrUnknownToken    = errors.New("state: token not registered")
	ErrNegativeBalance = errors.New("state: negative balance not allowed")
)

// Manager provides typed access to ledger state stored in a key-value view.
// Every record lives under keccak256(kind ":" part...) and values are RLP
// encoded.
type Manager struct {
	kv KV
}

// NewManager creates a state manager operating on the provided view.
func NewManager(kv KV) *Manager {
	return &Manager{kv: kv}
}

type TokenMetadata struct {
	Symbol   string
	Name     string
	Decimals uint8
}

const (
	kindToken     = "token"
	kindTokenList = "token-list"
	kindBalance   = "balance"
	kindRecord    = "kv"
)

// compositeKey hashes a record kind and its identifying parts into a fixed
// 32 byte storage key.
func compositeKey(kind string, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(kind)+32*len(parts))
	buf = append(buf, kind...)
	for _, part := range parts {
		buf = append(buf, ':')
		buf = append(buf, part...)
	}
	return ethcrypto.Keccak256(buf)
}

// NormalizeSymbol is the canonical token symbol form used in keys.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// get decodes the RLP value at key into out and reports whether it existed.
func (m *Manager) get(key []byte, out interface{}) (bool, error) {
	data, err := m.kv.Get(key)
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, fmt.Errorf("state: decode %x: %w", key, err)
	}
	return true, nil
}

func (m *Manager) put(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.kv.Put(key, encoded)
}

func (m *Manager) token(symbol string) (*TokenMetadata, error) {
	meta := new(TokenMetadata)
	ok, err := m.get(compositeKey(kindToken, []byte(symbol)), meta)
	if err != nil || !ok {
		return nil, err
	}
	return meta, nil
}

// RegisterToken stores the metadata for a token and records it in the token
// index. Registering the same symbol twice is an error.
func (m *Manager) RegisterToken(symbol, name string, decimals uint8) error {
	normalized := NormalizeSymbol(symbol)
	if normalized == "" {
		return ErrEmptySymbol
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("state: token %s: name must not be empty", normalized)
	}
	existing, err := m.token(normalized)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: %s", ErrTokenExists, normalized)
	}

	list, err := m.TokenList()
	if err != nil {
		return err
	}
	list = append(list, normalized)
	sort.Strings(list)
	if err := m.put(compositeKey(kindTokenList), list); err != nil {
		return err
	}
	return m.put(compositeKey(kindToken, []byte(normalized)), &TokenMetadata{
		Symbol:   normalized,
		Name:     name,
		Decimals: decimals,
	})
}

// Token retrieves metadata for a registered token, or nil when unknown.
func (m *Manager) Token(symbol string) (*TokenMetadata, error) {
	return m.token(NormalizeSymbol(symbol))
}

// TokenList returns all registered token symbols in sorted order.
func (m *Manager) TokenList() ([]string, error) {
	var list []string
	if _, err := m.get(compositeKey(kindTokenList), &list); err != nil {
		return nil, err
	}
	if list == nil {
		list = []string{}
	}
	return list, nil
}

// TokenExists reports whether the provided token symbol is registered.
func (m *Manager) TokenExists(symbol string) bool {
	normalized := NormalizeSymbol(symbol)
	if normalized == "" {
		return false
	}
	meta, err := m.token(normalized)
	return err == nil && meta != nil
}

// SetBalance stores an account balance for the provided token.
func (m *Manager) SetBalance(addr []byte, symbol string, amount *big.Int) error {
	if len(addr) == 0 {
		return ErrEmptyAddress
	}
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return ErrNegativeBalance
	}
	normalized := NormalizeSymbol(symbol)
	if normalized == "" {
		return ErrEmptySymbol
	}
	if !m.TokenExists(normalized) {
		return fmt.Errorf("%w: %s", ErrUnknownToken, normalized)
	}
	return m.put(compositeKey(kindBalance, []byte(normalized), addr), amount)
}

// Balance retrieves a token balance; missing balances read as zero.
func (m *Manager) Balance(addr []byte, symbol string) (*big.Int, error) {
	amount := new(big.Int)
	ok, err := m.get(compositeKey(kindBalance, []byte(NormalizeSymbol(symbol)), addr), amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return amount, nil
}

// KVPut stores value under key using RLP encoding.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	return m.put(compositeKey(kindRecord, key), value)
}

// KVGet decodes the value stored under key into out. The boolean reports
// whether the key existed; a nil out only checks presence.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, ErrEmptyKey
	}
	return m.get(compositeKey(kindRecord, key), out)
}

// KVAppend appends value to the byte-slice set stored under key, keeping
// first-seen order. Values already present are ignored.
func (m *Manager) KVAppend(key []byte, value []byte) error {
	list, err := m.KVList(key)
	if err != nil {
		return err
	}
	for _, existing := range list {
		if bytes.Equal(existing, value) {
			return nil
		}
	}
	return m.KVPut(key, append(list, append([]byte(nil), value...)))
}

// KVList returns the byte-slice list stored under key. Missing keys yield an
// empty list.
func (m *Manager) KVList(key []byte) ([][]byte, error) {
	var list [][]byte
	if _, err := m.KVGet(key, &list); err != nil {
		return nil, err
	}
	if list == nil {
		list = [][]byte{}
	}
	return list, nil
}
