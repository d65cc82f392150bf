package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"
)

// Sign signs data under a domain label so a signature for one message kind
// can never verify as another.
func Sign(privateKey ed25519.PrivateKey, domain string, data []byte) ([]byte, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid Ed25519 private key length: got %d want %d", len(privateKey), ed25519.PrivateKeySize)
	}
	if domain == "" {
		return nil, errors.New("signature domain is required")
	}
	if len(data) == 0 {
		return nil, errors.New("data is required")
	}

	return ed25519.Sign(privateKey, signable(domain, data)), nil
}

// Verify checks a signature produced by Sign with the same domain.
func Verify(publicKey ed25519.PublicKey, domain string, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || domain == "" || len(data) == 0 {
		return false
	}
	if len(signature) != ed25519.SignatureSize {
		return false
	}

	return ed25519.Verify(publicKey, signable(domain, data), signature)
}

func signable(domain string, data []byte) []byte {
	out := make([]byte, 0, len(domain)+1+len(data))
	out = append(out, domain...)
	out = append(out, 0)
	return append(out, data...)
}
