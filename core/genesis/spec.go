package genesis

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"

	"kalefi/crypto"
)

// Spec describes the ledger contents written on first start: registered
// tokens and opening balances.
type Spec struct {
	Tokens []TokenSpec `json:"tokens" yaml:"tokens"`
	// Alloc maps bech32 account -> token -> decimal amount.
	Alloc map[string]map[string]string `json:"alloc" yaml:"alloc"`
	// ModuleAlloc maps module name -> token -> decimal amount. Module
	// accounts are derived with crypto.ModuleAddress.
	ModuleAlloc map[string]map[string]string `json:"moduleAlloc" yaml:"moduleAlloc"`
}

type TokenSpec struct {
	Symbol   string `json:"symbol" yaml:"symbol"`
	Name     string `json:"name" yaml:"name"`
	Decimals uint8  `json:"decimals" yaml:"decimals"`
}

// Allocation is a resolved opening balance.
type Allocation struct {
	Account crypto.Address
	Token   string
	Amount  *big.Int
}

// LoadSpec reads a JSON genesis file.
func LoadSpec(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis spec: %w", err)
	}
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("decode genesis spec: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate checks token definitions and that every allocation references a
// declared token with a positive amount.
func (s *Spec) Validate() error {
	if s == nil {
		return fmt.Errorf("genesis spec must not be nil")
	}
	_, err := s.Allocations()
	return err
}

func (s *Spec) tokenSymbols() (map[string]struct{}, error) {
	symbols := make(map[string]struct{}, len(s.Tokens))
	for i := range s.Tokens {
		token := &s.Tokens[i]
		symbol := strings.ToUpper(strings.TrimSpace(token.Symbol))
		if symbol == "" {
			return nil, fmt.Errorf("genesis token %d: symbol required", i)
		}
		if strings.TrimSpace(token.Name) == "" {
			return nil, fmt.Errorf("genesis token %s: name required", symbol)
		}
		if _, dup := symbols[symbol]; dup {
			return nil, fmt.Errorf("genesis token %s declared twice", symbol)
		}
		symbols[symbol] = struct{}{}
	}
	return symbols, nil
}

// Allocations resolves Alloc and ModuleAlloc into a deterministic list sorted
// by account then token.
func (s *Spec) Allocations() ([]Allocation, error) {
	symbols, err := s.tokenSymbols()
	if err != nil {
		return nil, err
	}
	var out []Allocation
	appendBalances := func(owner string, account crypto.Address, balances map[string]string) error {
		for token, raw := range balances {
			symbol := strings.ToUpper(strings.TrimSpace(token))
			if _, ok := symbols[symbol]; !ok {
				return fmt.Errorf("genesis alloc %s: unknown token %s", owner, token)
			}
			amount, err := parseAmountString(raw)
			if err != nil {
				return fmt.Errorf("genesis alloc %s %s: %w", owner, symbol, err)
			}
			out = append(out, Allocation{Account: account, Token: symbol, Amount: amount})
		}
		return nil
	}
	for addr, balances := range s.Alloc {
		account, err := crypto.DecodeAddress(strings.TrimSpace(addr))
		if err != nil {
			return nil, fmt.Errorf("genesis alloc %s: %w", addr, err)
		}
		if err := appendBalances(addr, account, balances); err != nil {
			return nil, err
		}
	}
	for module, balances := range s.ModuleAlloc {
		name := strings.TrimSpace(module)
		if name == "" {
			return nil, fmt.Errorf("genesis module alloc: module name required")
		}
		if err := appendBalances(name, crypto.ModuleAddress(name), balances); err != nil {
			return nil, err
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := string(out[i].Account.Bytes()), string(out[j].Account.Bytes())
		if ai != aj {
			return ai < aj
		}
		return out[i].Token < out[j].Token
	})
	return out, nil
}

func parseAmountString(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}
