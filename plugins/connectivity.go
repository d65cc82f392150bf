package plugins

import (
	"context"

	"kdeconnect-service/protocol"
)

// SignalStrength is the cellular state of one SIM subscription.
type SignalStrength struct {
	NetworkType    string `json:"networkType"`
	SignalStrength int    `json:"signalStrength"`
}

// ConnectivityBody maps subscription ids to their signal.
type ConnectivityBody struct {
	SignalStrengths map[string]SignalStrength `json:"signalStrengths"`
}

// ConnectivityReport relays cellular signal reports.
type ConnectivityReport struct {
	base
}

func NewConnectivityReport() *ConnectivityReport { return &ConnectivityReport{} }

func (c *ConnectivityReport) Name() string { return NameConnectivityReport }
func (c *ConnectivityReport) IncomingTypes() []string {
	return []string{protocol.TypeConnectivityReport}
}
func (c *ConnectivityReport) OutgoingTypes() []string {
	return []string{protocol.TypeConnectivityReportRequest}
}

func (c *ConnectivityReport) HandlePacket(_ context.Context, deviceID string, packet protocol.Packet) error {
	body, err := decode[ConnectivityBody](packet)
	if err != nil {
		return err
	}
	for id, signal := range body.SignalStrengths {
		if signal.SignalStrength < 0 || signal.SignalStrength > 4 {
			c.log.Debug().Str("device_id", deviceID).Str("subscription", id).Int("strength", signal.SignalStrength).Msg("signal strength out of range")
		}
	}
	c.emit(deviceID, protocol.TypeConnectivityReport, body)
	return nil
}

// Request asks deviceID for a fresh report.
func (c *ConnectivityReport) Request(deviceID string) error {
	return c.send(deviceID, protocol.TypeConnectivityReportRequest, nil)
}
