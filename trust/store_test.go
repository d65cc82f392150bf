package trust

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kdeconnect-service/config"
	"kdeconnect-service/logger"
	"kdeconnect-service/models"
	"kdeconnect-service/storage"
)

func newTestKey(t *testing.T) ed25519.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub
}

func openTestStore(t *testing.T, dataDir string) (*Store, *storage.Store) {
	t.Helper()
	db, _, err := storage.Open(dataDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewStore(db, logger.NewTestLogger())
	require.NoError(t, err)
	return store, db
}

func TestTrustVerifyRevoke(t *testing.T) {
	store, db := openTestStore(t, t.TempDir())
	key := newTestKey(t)
	other := newTestKey(t)

	verdict, err := store.Verify("phone-1", key)
	require.NoError(t, err)
	assert.Equal(t, VerdictUnverified, verdict)
	assert.False(t, store.IsTrusted("phone-1", key))

	require.NoError(t, store.Trust("phone-1", "Pixel", models.DeviceTypePhone, key))
	assert.True(t, store.IsTrusted("phone-1", key))
	assert.False(t, store.IsTrusted("phone-1", other))

	verdict, err = store.Verify("phone-1", key)
	require.NoError(t, err)
	assert.Equal(t, VerdictTrusted, verdict)

	_, err = store.Verify("phone-1", other)
	require.ErrorIs(t, err, models.ErrTrustViolation)
	assert.Equal(t, models.KindTrustViolation, models.KindOf(err))

	entries, err := db.Audit(context.Background(), storage.AuditQuery{Kind: storage.AuditKeyMismatch})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, storage.SeverityCritical, entries[0].Severity)
	assert.Equal(t, "phone-1", entries[0].DeviceID)

	require.NoError(t, store.Revoke("phone-1"))
	assert.False(t, store.IsTrusted("phone-1", key))
	verdict, err = store.Verify("phone-1", other)
	require.NoError(t, err)
	assert.Equal(t, VerdictUnverified, verdict)

	assert.True(t, errors.Is(store.Revoke("phone-1"), models.ErrNotPaired))
}

func TestTrustRefusesKeyReplacement(t *testing.T) {
	store, _ := openTestStore(t, t.TempDir())
	key := newTestKey(t)

	require.NoError(t, store.Trust("phone-1", "Pixel", models.DeviceTypePhone, key))
	require.NoError(t, store.Trust("phone-1", "Pixel", models.DeviceTypePhone, key), "re-trusting the same key is a no-op")

	err := store.Trust("phone-1", "Pixel", models.DeviceTypePhone, newTestKey(t))
	require.ErrorIs(t, err, models.ErrTrustViolation)
	assert.True(t, store.IsTrusted("phone-1", key), "stored key must be unchanged")
}

func TestTrustIsMonotonicAcrossRestart(t *testing.T) {
	dataDir := t.TempDir()
	key := newTestKey(t)

	db, _, err := storage.Open(dataDir)
	require.NoError(t, err)
	store, err := NewStore(db, logger.NewTestLogger())
	require.NoError(t, err)
	require.NoError(t, store.Trust("phone-1", "Pixel", models.DeviceTypePhone, key))
	require.NoError(t, store.UpdateEndpoint("phone-1", "192.168.1.20", 1716))
	require.NoError(t, db.Close())

	reopened, _ := openTestStore(t, dataDir)
	for i := 0; i < 3; i++ {
		assert.True(t, reopened.IsTrusted("phone-1", key))
	}

	device, ok := reopened.Lookup("phone-1")
	require.True(t, ok)
	assert.Equal(t, "Pixel", device.DeviceName)
	assert.Equal(t, models.DeviceTypePhone, device.DeviceType)
	assert.Equal(t, "192.168.1.20", device.LastAddress)
	assert.Equal(t, 1716, device.LastPort)
	assert.False(t, device.LastSeen.IsZero())
}

func TestUpdateEndpointIgnoresUntrusted(t *testing.T) {
	store, _ := openTestStore(t, t.TempDir())
	require.NoError(t, store.UpdateEndpoint("stranger", "10.0.0.9", 1716))
	_, ok := store.Lookup("stranger")
	assert.False(t, ok)
}

func TestListSortedByName(t *testing.T) {
	store, _ := openTestStore(t, t.TempDir())
	require.NoError(t, store.Trust("b", "Zed", models.DeviceTypeLaptop, newTestKey(t)))
	require.NoError(t, store.Trust("a", "Alpha", models.DeviceTypePhone, newTestKey(t)))
	require.NoError(t, store.UpdateInfo("b", "Beta", models.DeviceTypeTablet))

	list := store.List()
	require.Len(t, list, 2)
	assert.Equal(t, "Alpha", list[0].DeviceName)
	assert.Equal(t, "Beta", list[1].DeviceName)
	assert.Equal(t, models.DeviceTypeTablet, list[1].DeviceType)
}

func TestLoadOrCreateIdentityIsStable(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.DeviceConfig{
		DeviceID:        "self",
		DeviceName:      "Desk",
		DeviceType:      models.DeviceTypeDesktop,
		IdentityKeyPath: filepath.Join(dir, "keys", "identity.pem"),
	}

	first, err := LoadOrCreateIdentity(cfg)
	require.NoError(t, err)
	second, err := LoadOrCreateIdentity(cfg)
	require.NoError(t, err)
	assert.Equal(t, first.PublicKey, second.PublicKey)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, "self", second.DeviceID)
}

func TestLoadOrCreateIdentityFailureIsFatal(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.DeviceConfig{IdentityKeyPath: dir}

	_, err := LoadOrCreateIdentity(cfg)
	require.Error(t, err)
	assert.Equal(t, models.KindFatal, models.KindOf(err))
}

func TestPairingOutcomesAreAudited(t *testing.T) {
	store, _ := openTestStore(t, t.TempDir())

	store.RecordPairingOutcome("phone-1", false)
	store.RecordPairingOutcome("tablet-2", true)
	store.RecordHandshakeRejected("laptop-3", "bad signature")

	entries, err := store.Audit(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	kinds := map[string]storage.AuditKind{}
	for _, e := range entries {
		kinds[e.DeviceID] = e.Kind
	}
	assert.Equal(t, storage.AuditPairingRejected, kinds["phone-1"])
	assert.Equal(t, storage.AuditPairingExpired, kinds["tablet-2"])
	assert.Equal(t, storage.AuditHandshakeRejected, kinds["laptop-3"])

	only, err := store.Audit(context.Background(), "tablet-2", 10)
	require.NoError(t, err)
	require.Len(t, only, 1)
}
