package crypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func newCipherPair(t *testing.T) (*RecordCipher, *RecordCipher) {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate session key: %v", err)
	}
	sender, err := NewRecordCipher(key)
	if err != nil {
		t.Fatalf("NewRecordCipher sender: %v", err)
	}
	receiver, err := NewRecordCipher(key)
	if err != nil {
		t.Fatalf("NewRecordCipher receiver: %v", err)
	}
	return sender, receiver
}

func TestRecordCipherRoundTrip(t *testing.T) {
	sender, receiver := newCipherPair(t)

	for _, plaintext := range [][]byte{
		[]byte(`{"id":1,"type":"kdeconnect.ping","body":{}}` + "\n"),
		[]byte("second record"),
	} {
		sealed, err := sender.Seal(plaintext)
		if err != nil {
			t.Fatalf("Seal failed: %v", err)
		}
		if len(sealed) != len(plaintext)+sender.Overhead() {
			t.Fatalf("unexpected sealed length %d", len(sealed))
		}
		opened, err := receiver.Open(sealed)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		if !bytes.Equal(opened, plaintext) {
			t.Fatalf("opened record does not match")
		}
	}
}

func TestRecordCipherRejectsReplayAndTamper(t *testing.T) {
	sender, receiver := newCipherPair(t)

	first, err := sender.Seal([]byte("first"))
	if err != nil {
		t.Fatalf("Seal first: %v", err)
	}
	if _, err := receiver.Open(first); err != nil {
		t.Fatalf("Open first: %v", err)
	}
	if _, err := receiver.Open(first); !errors.Is(err, ErrRecordAuth) {
		t.Fatalf("expected replayed record to fail with ErrRecordAuth, got %v", err)
	}

	sender2, receiver2 := newCipherPair(t)
	sealed, err := sender2.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	sealed[0] ^= 0xff
	if _, err := receiver2.Open(sealed); !errors.Is(err, ErrRecordAuth) {
		t.Fatalf("expected tampered record to fail, got %v", err)
	}
}

func TestNewRecordCipherValidatesKey(t *testing.T) {
	if _, err := NewRecordCipher(make([]byte, 16)); err == nil {
		t.Fatalf("expected short key to fail")
	}
}
