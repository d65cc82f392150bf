package storage

import (
	"context"
	"testing"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()

	store, _, err := Open(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})
	return store
}

func mustInsertDevice(t *testing.T, store *Store, deviceID, name string) {
	t.Helper()

	err := store.InsertTrustedDevice(context.Background(), TrustedDevice{
		DeviceID:    deviceID,
		DeviceName:  name,
		DeviceType:  "phone",
		PublicKey:   "key-" + deviceID,
		Fingerprint: "fp-" + deviceID,
	})
	if err != nil {
		t.Fatalf("insert trusted device %q: %v", deviceID, err)
	}
}
