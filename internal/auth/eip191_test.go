package auth

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

func TestHashMessage(t *testing.T) {
	h1 := HashMessage([]byte("redeem 8 DOT"))
	if len(h1) != 32 {
		t.Fatalf("expected 32 bytes, got %d", len(h1))
	}
	if !bytes.Equal(h1, HashMessage([]byte("redeem 8 DOT"))) {
		t.Fatal("HashMessage is not deterministic")
	}
	if bytes.Equal(h1, HashMessage([]byte("redeem 9 DOT"))) {
		t.Fatal("different messages produced the same hash")
	}
	// The prefix must be applied: a raw keccak of the message differs.
	if bytes.Equal(h1, crypto.Keccak256([]byte("redeem 8 DOT"))) {
		t.Fatal("EIP-191 prefix not applied")
	}
}

// The core round-trip: sign with a known key, recover the same address.
func TestSignMessage_Recover(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	want := crypto.PubkeyToAddress(key.PublicKey)
	msg := []byte(`{"action":"cancel","nonce":"abc"}`)

	sig, err := SignMessage(msg, key)
	if err != nil {
		t.Fatalf("SignMessage: %v", err)
	}
	if sig[64] != 27 && sig[64] != 28 {
		t.Errorf("V should be wallet-style, got %d", sig[64])
	}
	got, err := Recover(msg, sig)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if got != want {
		t.Errorf("got %s, want %s", got.Hex(), want.Hex())
	}
}

func TestRecover_RawRecoveryID(t *testing.T) {
	key, _ := crypto.GenerateKey()
	want := crypto.PubkeyToAddress(key.PublicKey)
	msg := []byte("test message")
	sig, _ := crypto.Sign(HashMessage(msg), key) // V left as 0/1

	got, err := Recover(msg, sig)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if got != want {
		t.Errorf("got %s, want %s", got.Hex(), want.Hex())
	}
}

func TestRecover_TamperedMessage(t *testing.T) {
	key, _ := crypto.GenerateKey()
	signer := crypto.PubkeyToAddress(key.PublicKey)
	sig, _ := SignMessage([]byte("original message"), key)

	got, err := Recover([]byte("tampered message"), sig)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == signer {
		t.Error("tampered message should not recover the original signer")
	}
}

func TestRecover_Rejects(t *testing.T) {
	if _, err := Recover([]byte("msg"), []byte("tooshort")); err == nil {
		t.Error("expected error for short signature")
	}
	key, _ := crypto.GenerateKey()
	sig, _ := SignMessage([]byte("msg"), key)
	sig[64] = 35
	if _, err := Recover([]byte("msg"), sig); err == nil {
		t.Error("expected error for out-of-range V")
	}
}
