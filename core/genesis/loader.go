package genesis

import (
	"fmt"
	"sort"
	"strings"

	"kalefi/core/state"
	"kalefi/native/bank"
	"kalefi/storage"
)

var appliedMarkerKey = []byte("genesis/applied")

// Apply writes spec into db in a single batch. It reports false without
// touching the database when genesis has already been applied.
func Apply(spec *Spec, db storage.Database) (bool, error) {
	if db == nil {
		return false, fmt.Errorf("database must not be nil")
	}
	allocations, err := spec.Allocations()
	if err != nil {
		return false, err
	}

	overlay := state.NewOverlay(db)
	manager := state.NewManager(overlay)
	applied, err := manager.KVGet(appliedMarkerKey, nil)
	if err != nil {
		return false, err
	}
	if applied {
		return false, nil
	}

	tokens := append([]TokenSpec(nil), spec.Tokens...)
	sort.Slice(tokens, func(i, j int) bool {
		return strings.ToUpper(tokens[i].Symbol) < strings.ToUpper(tokens[j].Symbol)
	})
	for i := range tokens {
		token := &tokens[i]
		if err := manager.RegisterToken(token.Symbol, token.Name, token.Decimals); err != nil {
			return false, fmt.Errorf("register token %s: %w", token.Symbol, err)
		}
	}

	ledger := bank.New(manager)
	for _, alloc := range allocations {
		if err := ledger.Mint(alloc.Token, alloc.Account, alloc.Amount); err != nil {
			return false, fmt.Errorf("genesis alloc %s %s: %w", alloc.Account, alloc.Token, err)
		}
	}
	if err := manager.KVPut(appliedMarkerKey, true); err != nil {
		return false, err
	}
	if err := overlay.Commit(); err != nil {
		return false, err
	}
	return true, nil
}
