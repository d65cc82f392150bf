package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const sessionKeyInfo = "kdeconnect-service session v1"

// SessionKeys holds one AES-256 key per direction.
type SessionKeys struct {
	InitiatorToResponder []byte
	ResponderToInitiator []byte
}

// DeriveSessionKeys expands an ECDH secret into directional session keys.
// The salt is the handshake challenge nonce, so keys are unique per connection.
func DeriveSessionKeys(sharedSecret, salt []byte, initiatorID, responderID string) (SessionKeys, error) {
	if len(sharedSecret) == 0 {
		return SessionKeys{}, errors.New("shared secret is required")
	}
	if initiatorID == "" || responderID == "" {
		return SessionKeys{}, errors.New("both device ids are required")
	}

	info := []byte(sessionKeyInfo + "|" + initiatorID + "|" + responderID)
	reader := hkdf.New(sha256.New, sharedSecret, salt, info)

	material := make([]byte, 2*aes256KeySize)
	if _, err := io.ReadFull(reader, material); err != nil {
		return SessionKeys{}, fmt.Errorf("expand session keys: %w", err)
	}

	return SessionKeys{
		InitiatorToResponder: material[:aes256KeySize],
		ResponderToInitiator: material[aes256KeySize:],
	}, nil
}
