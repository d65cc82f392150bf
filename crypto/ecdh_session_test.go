package crypto

import (
	"bytes"
	"testing"
)

func TestSessionKeyDerivationMatchesAcrossPeers(t *testing.T) {
	alicePrivate, alicePublic, err := GenerateEphemeralX25519KeyPair()
	if err != nil {
		t.Fatalf("generate alice ephemeral keypair: %v", err)
	}
	bobPrivate, bobPublic, err := GenerateEphemeralX25519KeyPair()
	if err != nil {
		t.Fatalf("generate bob ephemeral keypair: %v", err)
	}

	parsedBob, err := ParseX25519PublicKey(bobPublic.Bytes())
	if err != nil {
		t.Fatalf("parse bob public key: %v", err)
	}

	aliceShared, err := ComputeX25519SharedSecret(alicePrivate, parsedBob)
	if err != nil {
		t.Fatalf("compute alice shared secret: %v", err)
	}
	bobShared, err := ComputeX25519SharedSecret(bobPrivate, alicePublic)
	if err != nil {
		t.Fatalf("compute bob shared secret: %v", err)
	}
	if !bytes.Equal(aliceShared, bobShared) {
		t.Fatalf("expected matching shared secrets")
	}

	salt := bytes.Repeat([]byte{7}, 32)
	aliceKeys, err := DeriveSessionKeys(aliceShared, salt, "alice", "bob")
	if err != nil {
		t.Fatalf("derive alice keys: %v", err)
	}
	bobKeys, err := DeriveSessionKeys(bobShared, salt, "alice", "bob")
	if err != nil {
		t.Fatalf("derive bob keys: %v", err)
	}

	if len(aliceKeys.InitiatorToResponder) != 32 || len(aliceKeys.ResponderToInitiator) != 32 {
		t.Fatalf("expected 32-byte directional keys")
	}
	if !bytes.Equal(aliceKeys.InitiatorToResponder, bobKeys.InitiatorToResponder) ||
		!bytes.Equal(aliceKeys.ResponderToInitiator, bobKeys.ResponderToInitiator) {
		t.Fatalf("expected matching session keys")
	}
	if bytes.Equal(aliceKeys.InitiatorToResponder, aliceKeys.ResponderToInitiator) {
		t.Fatalf("expected distinct keys per direction")
	}

	otherSalt := bytes.Repeat([]byte{8}, 32)
	fresh, err := DeriveSessionKeys(aliceShared, otherSalt, "alice", "bob")
	if err != nil {
		t.Fatalf("derive with other salt: %v", err)
	}
	if bytes.Equal(fresh.InitiatorToResponder, aliceKeys.InitiatorToResponder) {
		t.Fatalf("expected a new nonce to produce new keys")
	}
}

func TestParseX25519PublicKeyRejectsBadSize(t *testing.T) {
	if _, err := ParseX25519PublicKey([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected short X25519 key to fail")
	}
}
