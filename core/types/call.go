package types

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"kalefi/crypto"
)

// CallType defines the purpose of a signed call.
type CallType string

const (
	CallInitialize   CallType = "initialize"
	CallSetMockPrice CallType = "set_mock_price"
	CallDeposit      CallType = "deposit"
	CallBorrow       CallType = "borrow"
	CallRepay        CallType = "repay"
	CallWithdraw     CallType = "withdraw"
)

var (
	ErrEmptyPayload   = errors.New("call: empty payload")
	ErrEmptySignature = errors.New("call: missing signature")
)

// CallPayload is the signed body of a mutating request. Amounts are decimal
// strings so values beyond 64 bits survive JSON.
type CallPayload struct {
	Op              CallType `json:"op"`
	Caller          string   `json:"caller"`
	Amount          string   `json:"amount,omitempty"`
	Price           string   `json:"price,omitempty"`
	CollateralAsset string   `json:"collateralAsset,omitempty"`
	DebtAsset       string   `json:"debtAsset,omitempty"`
	LTVBps          uint32   `json:"ltvBps,omitempty"`
	PriceSource     string   `json:"priceSource,omitempty"`
	Nonce           uint64   `json:"nonce"`
	Timestamp       int64    `json:"timestamp"`
}

// SignedCall carries the exact payload bytes that were signed so the digest
// does not depend on re-encoding.
type SignedCall struct {
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`

	signer *crypto.Address
}

// NewSignedCall encodes payload and signs its keccak256 digest with key.
func NewSignedCall(payload *CallPayload, key *crypto.PrivateKey) (*SignedCall, error) {
	if payload == nil {
		return nil, ErrEmptyPayload
	}
	if key == nil {
		return nil, fmt.Errorf("call: signing key required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	sig, err := key.Sign(crypto.Digest(raw))
	if err != nil {
		return nil, err
	}
	return &SignedCall{Payload: raw, Signature: hex.EncodeToString(sig)}, nil
}

// Digest returns the keccak256 hash of the payload bytes.
func (c *SignedCall) Digest() []byte {
	return crypto.Digest(c.Payload)
}

// Decode parses the signed payload.
func (c *SignedCall) Decode() (*CallPayload, error) {
	if c == nil || len(c.Payload) == 0 {
		return nil, ErrEmptyPayload
	}
	var payload CallPayload
	if err := json.Unmarshal(c.Payload, &payload); err != nil {
		return nil, fmt.Errorf("call: decode payload: %w", err)
	}
	return &payload, nil
}

// Signer recovers the address that produced the signature.
func (c *SignedCall) Signer() (crypto.Address, error) {
	if c.signer != nil {
		return *c.signer, nil
	}
	if len(c.Payload) == 0 {
		return crypto.Address{}, ErrEmptyPayload
	}
	trimmed := strings.TrimPrefix(strings.TrimSpace(c.Signature), "0x")
	if trimmed == "" {
		return crypto.Address{}, ErrEmptySignature
	}
	sig, err := hex.DecodeString(trimmed)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("call: decode signature: %w", err)
	}
	signer, err := crypto.RecoverAddress(c.Digest(), sig)
	if err != nil {
		return crypto.Address{}, err
	}
	c.signer = &signer
	return signer, nil
}
