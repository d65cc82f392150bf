package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTrustedDeviceLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustInsertDevice(t, store, "phone_1", "Pixel")
	mustInsertDevice(t, store, "laptop_2", "Framework")

	device, err := store.TrustedDevice(ctx, "phone_1")
	if err != nil {
		t.Fatalf("TrustedDevice failed: %v", err)
	}
	if device.DeviceType != "phone" || device.PublicKey != "key-phone_1" {
		t.Fatalf("unexpected device: %+v", device)
	}
	if device.PairedAt.IsZero() {
		t.Fatalf("expected paired time to default to now")
	}
	if !device.LastSeen.IsZero() || device.LastAddress != "" || device.LastPort != 0 {
		t.Fatalf("expected no endpoint yet, got %+v", device)
	}

	devices, err := store.TrustedDevices(ctx)
	if err != nil {
		t.Fatalf("TrustedDevices failed: %v", err)
	}
	if len(devices) != 2 || devices[0].DeviceName != "Framework" {
		t.Fatalf("expected name-sorted devices, got %+v", devices)
	}

	seen := time.UnixMilli(1_700_000_000_000)
	if err := store.TouchTrustedDevice(ctx, "phone_1", "192.168.1.20", 1716, seen); err != nil {
		t.Fatalf("TouchTrustedDevice failed: %v", err)
	}
	if err := store.TouchTrustedDevice(ctx, "phone_1", "192.168.1.21", 1716, time.Time{}); err != nil {
		t.Fatalf("TouchTrustedDevice without time failed: %v", err)
	}
	if err := store.RenameTrustedDevice(ctx, "phone_1", "Pixel 8", "tablet"); err != nil {
		t.Fatalf("RenameTrustedDevice failed: %v", err)
	}

	device, err = store.TrustedDevice(ctx, "phone_1")
	if err != nil {
		t.Fatalf("TrustedDevice after update failed: %v", err)
	}
	if device.LastAddress != "192.168.1.21" || device.LastPort != 1716 {
		t.Fatalf("unexpected endpoint %s:%d", device.LastAddress, device.LastPort)
	}
	if !device.LastSeen.Equal(seen) {
		t.Fatalf("last seen = %v, want %v kept", device.LastSeen, seen)
	}
	if device.DeviceName != "Pixel 8" || device.DeviceType != "tablet" {
		t.Fatalf("unexpected info after rename: %+v", device)
	}

	if err := store.DeleteTrustedDevice(ctx, "phone_1"); err != nil {
		t.Fatalf("DeleteTrustedDevice failed: %v", err)
	}
	if _, err := store.TrustedDevice(ctx, "phone_1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.DeleteTrustedDevice(ctx, "phone_1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestInsertTrustedDeviceValidation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustInsertDevice(t, store, "phone_1", "Pixel")

	cases := map[string]TrustedDevice{
		"duplicate":      {DeviceID: "phone_1", PublicKey: "other", Fingerprint: "other"},
		"missing id":     {PublicKey: "k", Fingerprint: "f"},
		"missing key":    {DeviceID: "phone_2", Fingerprint: "f"},
		"missing finger": {DeviceID: "phone_3", PublicKey: "k"},
	}
	for name, device := range cases {
		if err := store.InsertTrustedDevice(ctx, device); err == nil {
			t.Fatalf("%s: expected insert to fail", name)
		}
	}

	device, err := store.TrustedDevice(ctx, "phone_1")
	if err != nil {
		t.Fatalf("TrustedDevice failed: %v", err)
	}
	if device.PublicKey != "key-phone_1" {
		t.Fatalf("duplicate insert replaced the stored key: %+v", device)
	}
}

func TestUpdatesOnUnknownDevice(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.TouchTrustedDevice(ctx, "ghost", "10.0.0.1", 1716, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.RenameTrustedDevice(ctx, "ghost", "Ghost", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.TouchTrustedDevice(ctx, "ghost", "", 1716, time.Now()); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected endpoint validation error, got %v", err)
	}
}
