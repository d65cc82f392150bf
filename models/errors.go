package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures for reporting to IPC subscribers.
type ErrorKind string

const (
	KindTransport      ErrorKind = "transport"
	KindTrustViolation ErrorKind = "trust_violation"
	KindProtocol       ErrorKind = "protocol"
	KindCapability     ErrorKind = "capability"
	KindFatal          ErrorKind = "fatal"
)

var (
	// ErrTrustViolation indicates a known device presented a different key.
	ErrTrustViolation = errors.New("trust violation: presented key does not match trusted key")
	// ErrDeviceOffline indicates no session exists that could carry a packet.
	ErrDeviceOffline = errors.New("device offline")
	// ErrQueueFull indicates the per-device outbound queue is at capacity.
	ErrQueueFull = errors.New("outbound queue full")
	// ErrUnknownDevice indicates the device id has never been seen.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrSessionCancelled indicates a session was torn down before a queued packet was sent.
	ErrSessionCancelled = errors.New("session cancelled")
	// ErrNoPairingRequest indicates there is no pending pairing request to resolve.
	ErrNoPairingRequest = errors.New("no pending pairing request")
	// ErrNotPaired indicates the operation requires a paired device.
	ErrNotPaired = errors.New("device is not paired")
)

// Error carries a classified failure bound to an operation and optionally a device.
type Error struct {
	Kind     ErrorKind
	DeviceID string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("%s %s [%s]: %v", e.Kind, e.Op, e.DeviceID, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind, operation, and device id.
func NewError(kind ErrorKind, op, deviceID string, err error) *Error {
	return &Error{Kind: kind, DeviceID: deviceID, Op: op, Err: err}
}

// KindOf returns the classification of err. Unclassified errors are transport errors,
// except for trust violations which are recognised anywhere in the chain.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	if errors.Is(err, ErrTrustViolation) {
		return KindTrustViolation
	}
	return KindTransport
}
