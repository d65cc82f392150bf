package storage

import (
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound indicates a requested row does not exist.
var ErrNotFound = errors.New("storage: record not found")

// Severity grades audit entries.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// AuditKind names what an audit entry records.
type AuditKind string

// Audit kinds written by the trust store and session manager.
const (
	AuditDevicePaired      AuditKind = "device_paired"
	AuditDeviceUnpaired    AuditKind = "device_unpaired"
	AuditKeyMismatch       AuditKind = "key_mismatch"
	AuditHandshakeRejected AuditKind = "handshake_rejected"
	AuditPairingRejected   AuditKind = "pairing_rejected"
	AuditPairingExpired    AuditKind = "pairing_expired"
)

// TrustedDevice is one row of trusted_devices. Zero LastSeen and empty
// LastAddress mean the device has not been seen since pairing.
type TrustedDevice struct {
	DeviceID    string
	DeviceName  string
	DeviceType  string
	PublicKey   string
	Fingerprint string
	PairedAt    time.Time
	LastSeen    time.Time
	LastAddress string
	LastPort    int
}

// AuditEntry is one row of audit_log.
type AuditEntry struct {
	ID       int64
	Kind     AuditKind
	DeviceID string
	Severity Severity
	Detail   map[string]string
	At       time.Time
}

// AuditQuery narrows Audit results. Zero fields match everything.
type AuditQuery struct {
	Kind     AuditKind
	DeviceID string
	Severity Severity
	Since    time.Time
	Limit    int
}

func millis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid || v.Int64 == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}

func optional(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type scanner interface {
	Scan(dest ...any) error
}
