package plugins

import (
	"context"

	"kdeconnect-service/protocol"
)

// PingBody is the body of kdeconnect.ping. Message is optional.
type PingBody struct {
	Message string `json:"message,omitempty"`
}

// Ping exchanges ping packets.
type Ping struct {
	base
}

func NewPing() *Ping { return &Ping{} }

func (p *Ping) Name() string            { return NamePing }
func (p *Ping) IncomingTypes() []string { return []string{protocol.TypePing} }
func (p *Ping) OutgoingTypes() []string { return []string{protocol.TypePing} }

func (p *Ping) HandlePacket(_ context.Context, deviceID string, packet protocol.Packet) error {
	body, err := decode[PingBody](packet)
	if err != nil {
		return err
	}
	p.log.Info().Str("device_id", deviceID).Str("message", body.Message).Msg("ping received")
	p.emit(deviceID, protocol.TypePing, body)
	return nil
}

// Send pings deviceID with an optional message.
func (p *Ping) Send(deviceID, message string) error {
	return p.send(deviceID, protocol.TypePing, PingBody{Message: message})
}
