package crypto

import (
	"crypto/ed25519"
	"testing"
)

func TestSignVerifyWithDomain(t *testing.T) {
	publicKey, privateKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	data := []byte("handshake payload")
	signature, err := Sign(privateKey, "handshake", data)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if !Verify(publicKey, "handshake", data, signature) {
		t.Fatalf("expected signature to verify")
	}
	if Verify(publicKey, "handshake_response", data, signature) {
		t.Fatalf("expected signature to fail under another domain")
	}
	if Verify(publicKey, "handshake", []byte("other payload"), signature) {
		t.Fatalf("expected signature to fail for other data")
	}
}

func TestSignRejectsInvalidInput(t *testing.T) {
	_, privateKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if _, err := Sign(privateKey, "", []byte("x")); err == nil {
		t.Fatalf("expected empty domain to fail")
	}
	if _, err := Sign(privateKey, "d", nil); err == nil {
		t.Fatalf("expected empty data to fail")
	}
	if _, err := Sign(privateKey[:10], "d", []byte("x")); err == nil {
		t.Fatalf("expected short private key to fail")
	}
}
