package models

import (
	"encoding/json"
	"errors"
	"time"
)

// EventKind identifies what an Event reports.
type EventKind string

const (
	EventDeviceAdded      EventKind = "device_added"
	EventDeviceUpdated    EventKind = "device_updated"
	EventDeviceRemoved    EventKind = "device_removed"
	EventPairingRequested EventKind = "pairing_requested"
	EventPairingResolved  EventKind = "pairing_resolved"
	EventPairingExpired   EventKind = "pairing_expired"
	EventCapability       EventKind = "capability"
	EventPacketSent       EventKind = "packet_sent"
	EventSendFailed       EventKind = "send_failed"
	EventTrustViolation   EventKind = "trust_violation"
	EventError            EventKind = "error"
)

// Event is one change pushed to every IPC subscriber.
type Event struct {
	Kind       EventKind       `json:"kind"`
	DeviceID   string          `json:"device_id,omitempty"`
	Device     *Device         `json:"device,omitempty"`
	Pairing    *PairingRequest `json:"pairing,omitempty"`
	PacketType string          `json:"packet_type,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Error      *ErrorInfo      `json:"error,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// ErrorInfo is the structured failure attached to error events.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Op      string    `json:"op,omitempty"`
	Message string    `json:"message"`
}

// ErrorEvent builds an error event from err.
func ErrorEvent(deviceID string, err error) Event {
	info := &ErrorInfo{Kind: KindOf(err), Message: err.Error()}
	var classified *Error
	if errors.As(err, &classified) {
		info.Op = classified.Op
	}
	kind := EventError
	if info.Kind == KindTrustViolation {
		kind = EventTrustViolation
	}
	return Event{
		Kind:      kind,
		DeviceID:  deviceID,
		Error:     info,
		Timestamp: time.Now(),
	}
}

// EventSink receives events. Implementations must not block for long.
type EventSink interface {
	Publish(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

func (f EventSinkFunc) Publish(event Event) {
	f(event)
}
