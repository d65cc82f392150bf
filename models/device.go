package models

import (
	"strings"
	"time"
)

// DeviceType is the advertised form factor of a device.
type DeviceType string

const (
	DeviceTypePhone   DeviceType = "phone"
	DeviceTypeTablet  DeviceType = "tablet"
	DeviceTypeDesktop DeviceType = "desktop"
	DeviceTypeLaptop  DeviceType = "laptop"
	DeviceTypeTV      DeviceType = "tv"
)

// ParseDeviceType maps an advertised type string to a known DeviceType.
// Unknown or empty values fall back to desktop.
func ParseDeviceType(raw string) DeviceType {
	switch DeviceType(strings.ToLower(strings.TrimSpace(raw))) {
	case DeviceTypePhone, "smartphone":
		return DeviceTypePhone
	case DeviceTypeTablet:
		return DeviceTypeTablet
	case DeviceTypeLaptop:
		return DeviceTypeLaptop
	case DeviceTypeTV:
		return DeviceTypeTV
	default:
		return DeviceTypeDesktop
	}
}

// IconName returns the freedesktop icon name used by companion UIs.
func (t DeviceType) IconName() string {
	switch t {
	case DeviceTypePhone:
		return "phone-symbolic"
	case DeviceTypeTablet:
		return "tablet-symbolic"
	case DeviceTypeLaptop:
		return "laptop-symbolic"
	case DeviceTypeTV:
		return "tv-symbolic"
	default:
		return "computer-symbolic"
	}
}

// PairState tracks the pairing relationship with a remote device.
type PairState string

const (
	PairStateUnpaired          PairState = "unpaired"
	PairStateRequestedOutgoing PairState = "requested_outgoing"
	PairStateRequestedIncoming PairState = "requested_incoming"
	PairStatePaired            PairState = "paired"
	PairStateRejected          PairState = "rejected"
)

// SessionState is the connection lifecycle state of one device.
type SessionState string

const (
	SessionDiscovered         SessionState = "discovered"
	SessionConnecting         SessionState = "connecting"
	SessionHandshaking        SessionState = "handshaking"
	SessionPairingPending     SessionState = "pairing_pending"
	SessionCapabilityExchange SessionState = "capability_exchange"
	SessionActive             SessionState = "active"
	SessionDisconnected       SessionState = "disconnected"
)

// InProgress reports whether a session is being established.
func (s SessionState) InProgress() bool {
	switch s {
	case SessionConnecting, SessionHandshaking, SessionPairingPending, SessionCapabilityExchange:
		return true
	default:
		return false
	}
}

// Device is the service's view of one remote device.
type Device struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Type            DeviceType   `json:"type"`
	ProtocolVersion int          `json:"protocol_version,omitempty"`
	Address         string       `json:"address,omitempty"`
	TCPPort         int          `json:"tcp_port,omitempty"`
	PairState       PairState    `json:"pair_state"`
	SessionState    SessionState `json:"session_state"`
	Reachable       bool         `json:"reachable"`
	KeyFingerprint  string       `json:"key_fingerprint,omitempty"`
	// PublicKey is the base64 Ed25519 key, present only once paired.
	PublicKey            string    `json:"public_key,omitempty"`
	IncomingCapabilities []string  `json:"incoming_capabilities,omitempty"`
	OutgoingCapabilities []string  `json:"outgoing_capabilities,omitempty"`
	LastSeen             time.Time `json:"last_seen,omitempty"`
}

// Paired reports whether the device is trusted.
func (d Device) Paired() bool {
	return d.PairState == PairStatePaired
}

// Clone returns a copy that does not share capability slices.
func (d Device) Clone() Device {
	out := d
	out.IncomingCapabilities = append([]string(nil), d.IncomingCapabilities...)
	out.OutgoingCapabilities = append([]string(nil), d.OutgoingCapabilities...)
	return out
}

// PairingDirection tells who initiated a pairing request.
type PairingDirection string

const (
	PairingIncoming PairingDirection = "incoming"
	PairingOutgoing PairingDirection = "outgoing"
)

// PairingRequest is a pending pairing decision. It never outlives ExpiresAt.
type PairingRequest struct {
	DeviceID   string           `json:"device_id"`
	DeviceName string           `json:"device_name"`
	Direction  PairingDirection `json:"direction"`
	// Fingerprint lets the user compare keys on both screens.
	Fingerprint string    `json:"fingerprint,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the request has passed its expiry at now.
func (r PairingRequest) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
