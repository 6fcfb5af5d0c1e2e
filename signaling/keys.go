package signaling

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Per-call media key agreement. Each side generates an X25519 keypair at
// call setup and publishes the public half through the call record (caller
// at creation, receiver at answer). Once both halves are visible, each side
// derives the same session key and hands it to the media transport. This is
// key agreement for the media session only; signaling transport security is
// the store's concern.

// generateKeyPair generates an X25519 keypair.
func generateKeyPair() (privateKey, publicKey []byte, err error) {
	privateKey = make([]byte, 32)
	if _, err := rand.Read(privateKey); err != nil {
		return nil, nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}

	// Clamp the private key per X25519 spec
	privateKey[0] &= 248
	privateKey[31] &= 127
	privateKey[31] |= 64

	publicKey, err = curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute public key: %w", err)
	}

	return privateKey, publicKey, nil
}

// deriveSessionKey performs X25519 key exchange and HKDF to derive the
// per-call media key. The call ID salts the derivation so keys are never
// shared across call attempts.
func deriveSessionKey(localPrivKey []byte, peerPubB64, callID string) ([]byte, error) {
	peerPubKey, err := base64.StdEncoding.DecodeString(peerPubB64)
	if err != nil {
		return nil, fmt.Errorf("invalid peer public key: %w", err)
	}
	if len(peerPubKey) != 32 {
		return nil, fmt.Errorf("invalid peer public key length: %d", len(peerPubKey))
	}

	sharedPoint, err := curve25519.X25519(localPrivKey, peerPubKey)
	if err != nil {
		return nil, fmt.Errorf("X25519 key exchange failed: %w", err)
	}

	hkdfReader := hkdf.New(sha256.New, sharedPoint, []byte(callID), []byte("callcore-media-key"))

	sessionKey := make([]byte, 32)
	if _, err := hkdfReader.Read(sessionKey); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}

	return sessionKey, nil
}
