package plugins

import (
	"context"

	"kdeconnect-service/protocol"
)

// FindMyPhone rings a remote device.
type FindMyPhone struct {
	base
}

func NewFindMyPhone() *FindMyPhone { return &FindMyPhone{} }

func (f *FindMyPhone) Name() string            { return NameFindMyPhone }
func (f *FindMyPhone) IncomingTypes() []string { return nil }
func (f *FindMyPhone) OutgoingTypes() []string { return []string{protocol.TypeFindMyPhoneRequest} }

func (f *FindMyPhone) HandlePacket(context.Context, string, protocol.Packet) error { return nil }

// Ring makes deviceID play its ringtone.
func (f *FindMyPhone) Ring(deviceID string) error {
	return f.send(deviceID, protocol.TypeFindMyPhoneRequest, nil)
}
