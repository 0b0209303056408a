// Package auth verifies frame signatures against registered account
// keys. Signatures are Ed25519 detached signatures; the signed message
// for a frame is the wire header bytes followed by the payload after
// the 64-byte signature prefix.
package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"

	"tradecore/internal/common"
)

// SignatureSize is the Ed25519 detached signature length carried as
// the first bytes of a signed frame payload.
const SignatureSize = ed25519.SignatureSize

// Authenticator maps accounts to their registered public keys.
// Registration happens on the control path while verification runs on
// the transport thread, so the map is mutex-guarded.
type Authenticator struct {
	mu   sync.RWMutex
	keys map[common.AccountID]ed25519.PublicKey
}

func NewAuthenticator() *Authenticator {
	return &Authenticator{
		keys: make(map[common.AccountID]ed25519.PublicKey),
	}
}

// RegisterAccount installs or replaces the public key for account.
func (a *Authenticator) RegisterAccount(account common.AccountID, publicKey ed25519.PublicKey) {
	key := make(ed25519.PublicKey, len(publicKey))
	copy(key, publicKey)
	a.mu.Lock()
	a.keys[account] = key
	a.mu.Unlock()
}

// UnregisterAccount removes the account's key.
func (a *Authenticator) UnregisterAccount(account common.AccountID) {
	a.mu.Lock()
	delete(a.keys, account)
	a.mu.Unlock()
}

// HasAccount reports whether a key is registered for account.
func (a *Authenticator) HasAccount(account common.AccountID) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.keys[account]
	return ok
}

// AccountCount returns the number of registered accounts.
func (a *Authenticator) AccountCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys)
}

// Verify checks a detached signature over message for account.
// Unknown accounts verify as false.
func (a *Authenticator) Verify(account common.AccountID, message, signature []byte) bool {
	a.mu.RLock()
	key, ok := a.keys[account]
	a.mu.RUnlock()
	if !ok || len(signature) != SignatureSize {
		return false
	}
	return ed25519.Verify(key, message, signature)
}

// GenerateKeypair creates a fresh Ed25519 keypair.
func GenerateKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("auth: generate keypair: %w", err)
	}
	return pub, priv, nil
}

// Sign produces a detached signature over message.
func Sign(privateKey ed25519.PrivateKey, message []byte) []byte {
	return ed25519.Sign(privateKey, message)
}

// FrameAuthenticator verifies signed ingress frames.
type FrameAuthenticator struct {
	auth *Authenticator
}

func NewFrameAuthenticator(auth *Authenticator) *FrameAuthenticator {
	return &FrameAuthenticator{auth: auth}
}

// VerifyFrame checks the signature carried as the first 64 bytes of
// payload. The signed message is headerBytes followed by the payload
// after the signature.
func (fa *FrameAuthenticator) VerifyFrame(headerBytes, payload []byte, account common.AccountID) bool {
	if len(payload) < SignatureSize {
		return false
	}
	signature := payload[:SignatureSize]

	message := make([]byte, 0, len(headerBytes)+len(payload)-SignatureSize)
	message = append(message, headerBytes...)
	message = append(message, payload[SignatureSize:]...)

	return fa.auth.Verify(account, message, signature)
}
