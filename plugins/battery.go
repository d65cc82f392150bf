package plugins

import (
	"context"
	"sync"

	"kdeconnect-service/protocol"
)

// BatteryBody reports a device's charge.
type BatteryBody struct {
	CurrentCharge  int  `json:"currentCharge"`
	IsCharging     bool `json:"isCharging"`
	ThresholdEvent int  `json:"thresholdEvent"`
}

// LowBattery reports whether the device signalled the low battery threshold.
func (b BatteryBody) LowBattery() bool {
	return b.ThresholdEvent == 1
}

type batteryRequestBody struct {
	Request bool `json:"request"`
}

// Battery tracks the last reported charge of each device.
type Battery struct {
	base

	mu     sync.RWMutex
	status map[string]BatteryBody
}

func NewBattery() *Battery {
	return &Battery{status: make(map[string]BatteryBody)}
}

func (b *Battery) Name() string            { return NameBattery }
func (b *Battery) IncomingTypes() []string { return []string{protocol.TypeBattery} }
func (b *Battery) OutgoingTypes() []string { return []string{protocol.TypeBatteryRequest} }

func (b *Battery) HandlePacket(_ context.Context, deviceID string, packet protocol.Packet) error {
	body, err := decode[BatteryBody](packet)
	if err != nil {
		return err
	}
	if body.CurrentCharge < 0 || body.CurrentCharge > 100 {
		b.log.Debug().Str("device_id", deviceID).Int("charge", body.CurrentCharge).Msg("battery charge out of range")
		body.CurrentCharge = min(max(body.CurrentCharge, 0), 100)
	}

	b.mu.Lock()
	b.status[deviceID] = body
	b.mu.Unlock()

	b.emit(deviceID, protocol.TypeBattery, body)
	return nil
}

// Status returns the last battery report from deviceID.
func (b *Battery) Status(deviceID string) (BatteryBody, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	status, ok := b.status[deviceID]
	return status, ok
}

// Request asks deviceID to report its battery.
func (b *Battery) Request(deviceID string) error {
	return b.send(deviceID, protocol.TypeBatteryRequest, batteryRequestBody{Request: true})
}
