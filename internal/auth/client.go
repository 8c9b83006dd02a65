package auth

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// Headers are the three values a client attaches to an authenticated call.
type Headers struct {
	Wallet    string
	Message   string
	Signature string
}

// Apply sets h on r.
func (h Headers) Apply(r *http.Request) {
	r.Header.Set(HeaderWallet, h.Wallet)
	r.Header.Set(HeaderMessage, h.Message)
	r.Header.Set(HeaderSignature, h.Signature)
}

// NewRequest builds a SignedRequest with a random nonce expiring after ttl.
func NewRequest(action, resourceID string, payload any, ttl time.Duration) (SignedRequest, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return SignedRequest{}, fmt.Errorf("marshal payload: %w", err)
	}
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return SignedRequest{}, fmt.Errorf("nonce: %w", err)
	}
	return SignedRequest{
		Action:     action,
		ExpiresAt:  time.Now().Add(ttl).Unix(),
		Nonce:      hex.EncodeToString(nonce[:]),
		Payload:    raw,
		ResourceID: resourceID,
	}, nil
}

// Sign serialises req and signs it with key.
func Sign(req SignedRequest, key *ecdsa.PrivateKey) (Headers, error) {
	msg, err := json.Marshal(req)
	if err != nil {
		return Headers{}, fmt.Errorf("marshal request: %w", err)
	}
	sig, err := SignMessage(msg, key)
	if err != nil {
		return Headers{}, err
	}
	return Headers{
		Wallet:    crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Message:   base64.StdEncoding.EncodeToString(msg),
		Signature: "0x" + hex.EncodeToString(sig),
	}, nil
}
