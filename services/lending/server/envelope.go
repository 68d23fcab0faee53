package server

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"kalefi/core"
	"kalefi/core/types"
	"kalefi/crypto"
	"kalefi/native/lending"
)

const (
	defaultClockSkew = 2 * time.Minute
	maxClockSkew     = 10 * time.Minute
)

var (
	ErrMalformedCall  = errors.New("lending api: malformed call")
	ErrSignerMismatch = errors.New("lending api: signer does not match caller")
	ErrStaleCall      = errors.New("lending api: call timestamp outside allowed skew")
	ErrReplayedCall   = errors.New("lending api: nonce already used")
)

// NonceStore consumes (signer, nonce) pairs. ReserveNonce reports false when
// the pair was seen before.
type NonceStore interface {
	ReserveNonce(ctx context.Context, signer crypto.Address, nonce uint64, payload []byte) (bool, error)
}

// memoryNonces is the fallback NonceStore when no durable store is wired.
type memoryNonces struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newMemoryNonces() *memoryNonces {
	return &memoryNonces{seen: make(map[string]struct{})}
}

func (m *memoryNonces) ReserveNonce(_ context.Context, signer crypto.Address, nonce uint64, _ []byte) (bool, error) {
	key := fmt.Sprintf("%s/%d", signer.String(), nonce)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[key]; ok {
		return false, nil
	}
	m.seen[key] = struct{}{}
	return true, nil
}

// verifier turns a signed envelope into an executor call.
type verifier struct {
	nonces NonceStore
	skew   time.Duration
	now    func() time.Time
}

func (v *verifier) verify(ctx context.Context, op types.CallType, signed *types.SignedCall) (core.Call, error) {
	payload, err := signed.Decode()
	if err != nil {
		return core.Call{}, fmt.Errorf("%w: %v", ErrMalformedCall, err)
	}
	if payload.Op != op {
		return core.Call{}, fmt.Errorf("%w: payload op %q sent to %q", ErrMalformedCall, payload.Op, op)
	}
	signer, err := signed.Signer()
	if err != nil {
		return core.Call{}, fmt.Errorf("%w: %v", ErrMalformedCall, err)
	}
	caller, err := crypto.DecodeAddress(strings.TrimSpace(payload.Caller))
	if err != nil {
		return core.Call{}, fmt.Errorf("%w: caller: %v", ErrMalformedCall, err)
	}
	if !signer.Equal(caller) {
		return core.Call{}, ErrSignerMismatch
	}
	drift := v.now().Sub(time.Unix(payload.Timestamp, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > v.skew {
		return core.Call{}, ErrStaleCall
	}

	call := core.Call{
		Type:    op,
		Caller:  caller,
		Signers: []crypto.Address{caller},
	}
	switch op {
	case types.CallInitialize:
		mode, err := lending.ParsePriceSourceMode(payload.PriceSource)
		if err != nil {
			return core.Call{}, fmt.Errorf("%w: %v", ErrMalformedCall, err)
		}
		call.CollateralAsset = payload.CollateralAsset
		call.DebtAsset = payload.DebtAsset
		call.LTVBps = payload.LTVBps
		call.PriceSource = mode
	case types.CallSetMockPrice:
		if call.Price, err = parseInteger("price", payload.Price); err != nil {
			return core.Call{}, err
		}
	default:
		if call.Amount, err = parseInteger("amount", payload.Amount); err != nil {
			return core.Call{}, err
		}
	}

	ok, err := v.nonces.ReserveNonce(ctx, caller, payload.Nonce, signed.Payload)
	if err != nil {
		return core.Call{}, err
	}
	if !ok {
		return core.Call{}, ErrReplayedCall
	}
	return call, nil
}

func parseInteger(field, value string) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("%w: %s required", ErrMalformedCall, field)
	}
	out, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be a base-10 integer", ErrMalformedCall, field)
	}
	return out, nil
}
