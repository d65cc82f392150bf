// Package trust holds the local identity and the set of remote device keys
// this device has agreed to trust.
package trust

import (
	"crypto/ed25519"
	"errors"

	"kdeconnect-service/config"
	"kdeconnect-service/crypto"
	"kdeconnect-service/models"
)

// Identity is the local device's long-term identity.
type Identity struct {
	DeviceID    string
	DeviceName  string
	DeviceType  models.DeviceType
	PrivateKey  ed25519.PrivateKey
	PublicKey   ed25519.PublicKey
	Fingerprint string
}

// LoadOrCreateIdentity loads the identity key named by cfg, generating it on
// first run. Failures are fatal to the service.
func LoadOrCreateIdentity(cfg *config.DeviceConfig) (*Identity, error) {
	if cfg == nil {
		return nil, models.NewError(models.KindFatal, "load identity", "", errors.New("config is required"))
	}
	if cfg.IdentityKeyPath == "" {
		return nil, models.NewError(models.KindFatal, "load identity", "", errors.New("identity_key_path is required"))
	}

	privateKey, err := crypto.LoadOrCreateIdentityKey(cfg.IdentityKeyPath)
	if err != nil {
		return nil, models.NewError(models.KindFatal, "load identity", "", err)
	}
	return NewIdentity(cfg.DeviceID, cfg.DeviceName, cfg.DeviceType, privateKey), nil
}

// NewIdentity builds an identity around an existing key.
func NewIdentity(deviceID, deviceName string, deviceType models.DeviceType, privateKey ed25519.PrivateKey) *Identity {
	publicKey := privateKey.Public().(ed25519.PublicKey)
	return &Identity{
		DeviceID:    deviceID,
		DeviceName:  deviceName,
		DeviceType:  deviceType,
		PrivateKey:  privateKey,
		PublicKey:   publicKey,
		Fingerprint: crypto.KeyFingerprint(publicKey),
	}
}
