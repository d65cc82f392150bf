package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const aes256KeySize = 32

var (
	// ErrRecordAuth indicates a record failed authentication (tampered, replayed, or reordered).
	ErrRecordAuth = errors.New("crypto: record authentication failed")
	// ErrSequenceExhausted indicates the record counter would wrap.
	ErrSequenceExhausted = errors.New("crypto: record sequence exhausted")
)

// RecordCipher seals records for one direction of a session with counter nonces.
// It is not safe for concurrent use.
type RecordCipher struct {
	aead cipher.AEAD
	seq  uint64
}

// NewRecordCipher builds an AES-256-GCM record cipher.
func NewRecordCipher(key []byte) (*RecordCipher, error) {
	if len(key) != aes256KeySize {
		return nil, fmt.Errorf("invalid session key length: got %d want %d", len(key), aes256KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &RecordCipher{aead: aead}, nil
}

// Seal encrypts the next record.
func (c *RecordCipher) Seal(plaintext []byte) ([]byte, error) {
	nonce, err := c.nextNonce()
	if err != nil {
		return nil, err
	}
	return c.aead.Seal(nil, nonce, plaintext, nil), nil
}

// Open decrypts the next expected record.
func (c *RecordCipher) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < c.aead.Overhead() {
		return nil, ErrRecordAuth
	}
	nonce, err := c.nextNonce()
	if err != nil {
		return nil, err
	}
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrRecordAuth
	}
	return plaintext, nil
}

// Overhead is the per-record ciphertext expansion.
func (c *RecordCipher) Overhead() int {
	return c.aead.Overhead()
}

func (c *RecordCipher) nextNonce() ([]byte, error) {
	if c.seq == math.MaxUint64 {
		return nil, ErrSequenceExhausted
	}
	nonce := make([]byte, c.aead.NonceSize())
	binary.BigEndian.PutUint64(nonce[len(nonce)-8:], c.seq)
	c.seq++
	return nonce, nil
}
