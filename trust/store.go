package trust

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kdeconnect-service/crypto"
	"kdeconnect-service/models"
	"kdeconnect-service/storage"
)

const dbTimeout = 5 * time.Second

// Verdict is the outcome of checking a presented key.
type Verdict string

const (
	// VerdictTrusted means the key matches the stored key for the id.
	VerdictTrusted Verdict = "trusted"
	// VerdictUnverified means the id has no stored key.
	VerdictUnverified Verdict = "unverified"
)

// Device is one trusted remote device.
type Device struct {
	DeviceID    string
	DeviceName  string
	DeviceType  models.DeviceType
	PublicKey   ed25519.PublicKey
	Fingerprint string
	PairedAt    time.Time
	LastAddress string
	LastPort    int
	LastSeen    time.Time
}

// Store is the trust store. Every read and mutation goes through its mutex;
// the cache mirrors the trusted_devices table.
type Store struct {
	mu    sync.RWMutex
	db    *storage.Store
	cache map[string]Device
	log   zerolog.Logger
	now   func() time.Time
}

// NewStore loads all trusted devices from db.
func NewStore(db *storage.Store, log zerolog.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("storage is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	rows, err := db.TrustedDevices(ctx)
	if err != nil {
		return nil, models.NewError(models.KindFatal, "load trust store", "", err)
	}

	cache := make(map[string]Device, len(rows))
	for _, row := range rows {
		device, err := deviceFromRow(row)
		if err != nil {
			log.Warn().Err(err).Str("device_id", row.DeviceID).Msg("skipping unreadable trusted device")
			continue
		}
		cache[device.DeviceID] = device
	}

	return &Store{
		db:    db,
		cache: cache,
		log:   log.With().Str("component", "trust").Logger(),
		now:   time.Now,
	}, nil
}

func deviceFromRow(row storage.TrustedDevice) (Device, error) {
	key, err := crypto.DecodePublicKey(row.PublicKey)
	if err != nil {
		return Device{}, err
	}
	return Device{
		DeviceID:    row.DeviceID,
		DeviceName:  row.DeviceName,
		DeviceType:  models.ParseDeviceType(row.DeviceType),
		PublicKey:   key,
		Fingerprint: row.Fingerprint,
		PairedAt:    row.PairedAt,
		LastAddress: row.LastAddress,
		LastPort:    row.LastPort,
		LastSeen:    row.LastSeen,
	}, nil
}

// Trust records key as the trusted key for deviceID. Trusting the same key
// again is a no-op; trusting a different key for a trusted id is a trust
// violation and leaves the stored key unchanged.
func (s *Store) Trust(deviceID, deviceName string, deviceType models.DeviceType, key ed25519.PublicKey) error {
	if deviceID == "" {
		return errors.New("device id is required")
	}
	if len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key length %d", len(key))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.cache[deviceID]; ok {
		if bytes.Equal(existing.PublicKey, key) {
			return nil
		}
		s.recordMismatch(deviceID, existing.Fingerprint, crypto.KeyFingerprint(key))
		return models.NewError(models.KindTrustViolation, "trust", deviceID, models.ErrTrustViolation)
	}

	now := s.now()
	device := Device{
		DeviceID:    deviceID,
		DeviceName:  deviceName,
		DeviceType:  deviceType,
		PublicKey:   append(ed25519.PublicKey(nil), key...),
		Fingerprint: crypto.KeyFingerprint(key),
		PairedAt:    now,
	}
	if device.DeviceName == "" {
		device.DeviceName = deviceID
	}
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	if err := s.db.InsertTrustedDevice(ctx, storage.TrustedDevice{
		DeviceID:    device.DeviceID,
		DeviceName:  device.DeviceName,
		DeviceType:  string(device.DeviceType),
		PublicKey:   crypto.EncodePublicKey(key),
		Fingerprint: device.Fingerprint,
		PairedAt:    now,
	}); err != nil {
		return fmt.Errorf("persist trusted device: %w", err)
	}
	s.cache[deviceID] = device

	s.log.Info().
		Str("device_id", deviceID).
		Str("fingerprint", crypto.FormatFingerprint(device.Fingerprint)).
		Msg("device trusted")
	s.audit(storage.AuditDevicePaired, deviceID, storage.SeverityInfo, map[string]string{
		"fingerprint": device.Fingerprint,
	})
	return nil
}

// IsTrusted reports whether key exactly matches the stored key for deviceID.
func (s *Store) IsTrusted(deviceID string, key ed25519.PublicKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	existing, ok := s.cache[deviceID]
	return ok && bytes.Equal(existing.PublicKey, key)
}

// Verify classifies a key presented during a handshake. A known id with a
// different key yields a trust violation error and a critical security event.
func (s *Store) Verify(deviceID string, key ed25519.PublicKey) (Verdict, error) {
	s.mu.RLock()
	existing, ok := s.cache[deviceID]
	s.mu.RUnlock()

	if !ok {
		return VerdictUnverified, nil
	}
	if bytes.Equal(existing.PublicKey, key) {
		return VerdictTrusted, nil
	}

	s.recordMismatch(deviceID, existing.Fingerprint, crypto.KeyFingerprint(key))
	return "", models.NewError(models.KindTrustViolation, "verify key", deviceID, models.ErrTrustViolation)
}

// Revoke removes trust for deviceID.
func (s *Store) Revoke(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cache[deviceID]; !ok {
		return models.ErrNotPaired
	}
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	if err := s.db.DeleteTrustedDevice(ctx, deviceID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("remove trusted device: %w", err)
	}
	delete(s.cache, deviceID)

	s.log.Info().Str("device_id", deviceID).Msg("device trust revoked")
	s.audit(storage.AuditDeviceUnpaired, deviceID, storage.SeverityInfo, nil)
	return nil
}

// Lookup returns the trusted device for deviceID.
func (s *Store) Lookup(deviceID string) (Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	device, ok := s.cache[deviceID]
	if ok {
		device.PublicKey = append(ed25519.PublicKey(nil), device.PublicKey...)
	}
	return device, ok
}

// List returns all trusted devices sorted by name.
func (s *Store) List() []Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Device, 0, len(s.cache))
	for _, device := range s.cache {
		out = append(out, device)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName == out[j].DeviceName {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].DeviceName < out[j].DeviceName
	})
	return out
}

// UpdateEndpoint records where a trusted device was last reachable.
// Untrusted ids are ignored.
func (s *Store) UpdateEndpoint(deviceID, address string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, ok := s.cache[deviceID]
	if !ok {
		return nil
	}
	now := s.now()
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	if err := s.db.TouchTrustedDevice(ctx, deviceID, address, port, now); err != nil {
		return fmt.Errorf("update endpoint: %w", err)
	}
	device.LastAddress = address
	device.LastPort = port
	device.LastSeen = now
	s.cache[deviceID] = device
	return nil
}

// UpdateInfo refreshes the stored display name and type of a trusted device.
func (s *Store) UpdateInfo(deviceID, deviceName string, deviceType models.DeviceType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, ok := s.cache[deviceID]
	if !ok || deviceName == "" || (device.DeviceName == deviceName && device.DeviceType == deviceType) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	if err := s.db.RenameTrustedDevice(ctx, deviceID, deviceName, string(deviceType)); err != nil {
		return fmt.Errorf("update device info: %w", err)
	}
	device.DeviceName = deviceName
	device.DeviceType = deviceType
	s.cache[deviceID] = device
	return nil
}

// RecordHandshakeRejected audits a handshake that failed authentication.
func (s *Store) RecordHandshakeRejected(deviceID, reason string) {
	s.audit(storage.AuditHandshakeRejected, deviceID, storage.SeverityWarning, map[string]string{
		"reason": reason,
	})
}

// RecordPairingOutcome audits a pairing request that ended without trust.
func (s *Store) RecordPairingOutcome(deviceID string, expired bool) {
	kind := storage.AuditPairingRejected
	if expired {
		kind = storage.AuditPairingExpired
	}
	s.audit(kind, deviceID, storage.SeverityInfo, nil)
}

// Audit returns recent audit entries for deviceID, or for every device when
// deviceID is empty.
func (s *Store) Audit(ctx context.Context, deviceID string, limit int) ([]storage.AuditEntry, error) {
	return s.db.Audit(ctx, storage.AuditQuery{DeviceID: deviceID, Limit: limit})
}

func (s *Store) recordMismatch(deviceID, storedFingerprint, presentedFingerprint string) {
	s.log.Error().
		Str("device_id", deviceID).
		Str("stored_fingerprint", crypto.FormatFingerprint(storedFingerprint)).
		Str("presented_fingerprint", crypto.FormatFingerprint(presentedFingerprint)).
		Msg("trust violation: device presented a different key")
	s.audit(storage.AuditKeyMismatch, deviceID, storage.SeverityCritical, map[string]string{
		"stored_fingerprint":    storedFingerprint,
		"presented_fingerprint": presentedFingerprint,
	})
}

// audit never fails the caller; the trust decision stands even when the
// log write does not.
func (s *Store) audit(kind storage.AuditKind, deviceID string, severity storage.Severity, detail map[string]string) {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	if err := s.db.RecordAudit(ctx, storage.AuditEntry{
		Kind:     kind,
		DeviceID: deviceID,
		Severity: severity,
		Detail:   detail,
	}); err != nil {
		s.log.Warn().Err(err).Str("kind", string(kind)).Msg("failed to record audit entry")
	}
}
