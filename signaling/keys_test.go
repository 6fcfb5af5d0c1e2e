package signaling

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func TestGenerateKeyPair(t *testing.T) {
	priv, pub, err := generateKeyPair()
	if err != nil {
		t.Fatalf("generateKeyPair: %v", err)
	}
	if len(priv) != 32 || len(pub) != 32 {
		t.Fatalf("key lengths = %d/%d, want 32/32", len(priv), len(pub))
	}

	// Clamping per the X25519 spec.
	if priv[0]&7 != 0 {
		t.Error("low bits of private key not cleared")
	}
	if priv[31]&128 != 0 {
		t.Error("high bit of private key not cleared")
	}
	if priv[31]&64 == 0 {
		t.Error("second-highest bit of private key not set")
	}
}

func TestDeriveSessionKeySymmetric(t *testing.T) {
	callerPriv, callerPub, err := generateKeyPair()
	if err != nil {
		t.Fatalf("caller keypair: %v", err)
	}
	receiverPriv, receiverPub, err := generateKeyPair()
	if err != nil {
		t.Fatalf("receiver keypair: %v", err)
	}

	callerPubB64 := base64.StdEncoding.EncodeToString(callerPub)
	receiverPubB64 := base64.StdEncoding.EncodeToString(receiverPub)

	callerKey, err := deriveSessionKey(callerPriv, receiverPubB64, "call-1")
	if err != nil {
		t.Fatalf("caller derivation: %v", err)
	}
	receiverKey, err := deriveSessionKey(receiverPriv, callerPubB64, "call-1")
	if err != nil {
		t.Fatalf("receiver derivation: %v", err)
	}

	if len(callerKey) != 32 {
		t.Fatalf("session key length = %d, want 32", len(callerKey))
	}
	if !bytes.Equal(callerKey, receiverKey) {
		t.Fatal("two sides derived different session keys")
	}

	// A different call ID must yield a different key.
	otherKey, err := deriveSessionKey(callerPriv, receiverPubB64, "call-2")
	if err != nil {
		t.Fatalf("second derivation: %v", err)
	}
	if bytes.Equal(callerKey, otherKey) {
		t.Fatal("session key reused across call IDs")
	}
}

func TestDeriveSessionKeyRejectsBadPeerKey(t *testing.T) {
	priv, _, err := generateKeyPair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}

	if _, err := deriveSessionKey(priv, "not base64!!", "call-1"); err == nil {
		t.Fatal("accepted invalid base64 peer key")
	}
	short := base64.StdEncoding.EncodeToString([]byte("too short"))
	if _, err := deriveSessionKey(priv, short, "call-1"); err == nil {
		t.Fatal("accepted short peer key")
	}
}
