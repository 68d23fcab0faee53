package types

import (
	"encoding/hex"
	"errors"
	"testing"

	"kalefi/crypto"
)

func TestSignedCallRecoversSigner(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	caller := key.PubKey().Address()
	call, err := NewSignedCall(&CallPayload{
		Op:        CallDeposit,
		Caller:    caller.String(),
		Amount:    "1000000000",
		Nonce:     7,
		Timestamp: 1_700_000_000,
	}, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	signer, err := call.Signer()
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if !signer.Equal(caller) {
		t.Fatalf("expected signer %s, got %s", caller, signer)
	}

	payload, err := call.Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Op != CallDeposit || payload.Amount != "1000000000" || payload.Nonce != 7 {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestTamperedPayloadChangesSigner(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	call, err := NewSignedCall(&CallPayload{Op: CallBorrow, Amount: "1", Nonce: 1}, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	tampered := &SignedCall{
		Payload:   []byte(string(call.Payload[:len(call.Payload)-1]) + ` `+"}"),
		Signature: call.Signature,
	}
	signer, err := tampered.Signer()
	if err == nil && signer.Equal(key.PubKey().Address()) {
		t.Fatalf("tampered payload must not recover the original signer")
	}
}

func TestSignerRejectsMissingSignature(t *testing.T) {
	call := &SignedCall{Payload: []byte(`{"op":"deposit"}`)}
	if _, err := call.Signer(); !errors.Is(err, ErrEmptySignature) {
		t.Fatalf("expected ErrEmptySignature, got %v", err)
	}
	call.Signature = hex.EncodeToString([]byte("short"))
	if _, err := call.Signer(); err == nil {
		t.Fatalf("expected short signature to fail")
	}
}
