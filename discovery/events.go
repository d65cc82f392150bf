// Package discovery announces this device on the LAN and reports remote
// devices seen through UDP identity beacons and mDNS.
package discovery

import (
	"time"

	"kdeconnect-service/protocol"
)

const (
	// EventDeviceSeen is emitted for every valid beacon from a remote device.
	EventDeviceSeen EventType = "device_seen"
	// EventDeviceLost is emitted when a device has not been seen for the stale window.
	EventDeviceLost EventType = "device_lost"
)

// EventType identifies discovery updates.
type EventType string

// Source identifies which mechanism produced an announcement.
type Source string

const (
	SourceUDP  Source = "udp"
	SourceMDNS Source = "mdns"
)

// Event carries discovery updates for the session manager.
type Event struct {
	Type         EventType
	Announcement Announcement
}

// Announcement is a remote device's identity as last advertised.
type Announcement struct {
	DeviceID             string
	DeviceName           string
	DeviceType           string
	ProtocolVersion      int
	Address              string
	TCPPort              int
	IncomingCapabilities []string
	OutgoingCapabilities []string
	Source               Source
	LastSeen             time.Time
}

func announcementFromIdentity(body protocol.IdentityBody, address string, source Source, seen time.Time) Announcement {
	return Announcement{
		DeviceID:             body.DeviceID,
		DeviceName:           body.DeviceName,
		DeviceType:           body.DeviceType,
		ProtocolVersion:      body.ProtocolVersion,
		Address:              address,
		TCPPort:              body.TCPPort,
		IncomingCapabilities: append([]string(nil), body.IncomingCapabilities...),
		OutgoingCapabilities: append([]string(nil), body.OutgoingCapabilities...),
		Source:               source,
		LastSeen:             seen,
	}
}
