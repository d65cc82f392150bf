package storage

import (
	"context"
	"testing"
	"time"
)

func TestAuditRecordAndQuery(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, WithAuditRetention(0))
	base := time.UnixMilli(1_700_000_000_000)

	entries := []AuditEntry{
		{Kind: AuditDevicePaired, DeviceID: "phone_1", At: base},
		{Kind: AuditKeyMismatch, DeviceID: "phone_1", Severity: SeverityCritical, At: base.Add(time.Second),
			Detail: map[string]string{"presented_fingerprint": "abcd"}},
		{Kind: AuditHandshakeRejected, DeviceID: "laptop_2", Severity: SeverityWarning, At: base.Add(2 * time.Second)},
	}
	for _, e := range entries {
		if err := store.RecordAudit(ctx, e); err != nil {
			t.Fatalf("RecordAudit(%s) failed: %v", e.Kind, err)
		}
	}

	all, err := store.Audit(ctx, AuditQuery{})
	if err != nil {
		t.Fatalf("Audit failed: %v", err)
	}
	if len(all) != 3 || all[0].Kind != AuditHandshakeRejected {
		t.Fatalf("expected newest first, got %+v", all)
	}
	if all[2].Severity != SeverityInfo {
		t.Fatalf("default severity = %q, want info", all[2].Severity)
	}

	critical, err := store.Audit(ctx, AuditQuery{DeviceID: "phone_1", Severity: SeverityCritical})
	if err != nil {
		t.Fatalf("Audit with filter failed: %v", err)
	}
	if len(critical) != 1 || critical[0].Detail["presented_fingerprint"] != "abcd" {
		t.Fatalf("unexpected filtered result: %+v", critical)
	}

	recent, err := store.Audit(ctx, AuditQuery{Since: base.Add(time.Second), Limit: 1})
	if err != nil {
		t.Fatalf("Audit with since failed: %v", err)
	}
	if len(recent) != 1 || recent[0].DeviceID != "laptop_2" {
		t.Fatalf("unexpected since/limit result: %+v", recent)
	}
}

func TestAuditValidationAndRetention(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, WithAuditRetention(time.Hour))
	now := time.UnixMilli(1_700_000_000_000)
	store.now = func() time.Time { return now }

	if err := store.RecordAudit(ctx, AuditEntry{}); err == nil {
		t.Fatalf("expected missing kind to fail")
	}
	if err := store.RecordAudit(ctx, AuditEntry{Kind: AuditDevicePaired, Severity: "loud"}); err == nil {
		t.Fatalf("expected invalid severity to fail")
	}
	if _, err := store.Audit(ctx, AuditQuery{Severity: "loud"}); err == nil {
		t.Fatalf("expected invalid severity filter to fail")
	}

	if err := store.RecordAudit(ctx, AuditEntry{Kind: AuditDevicePaired, At: now.Add(-2 * time.Hour)}); err != nil {
		t.Fatalf("RecordAudit old entry failed: %v", err)
	}
	if err := store.RecordAudit(ctx, AuditEntry{Kind: AuditDeviceUnpaired}); err != nil {
		t.Fatalf("RecordAudit failed: %v", err)
	}

	entries, err := store.Audit(ctx, AuditQuery{})
	if err != nil {
		t.Fatalf("Audit failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != AuditDeviceUnpaired {
		t.Fatalf("expected only the fresh entry to survive, got %+v", entries)
	}
}
