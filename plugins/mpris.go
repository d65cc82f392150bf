package plugins

import (
	"context"
	"fmt"
	"slices"

	"kdeconnect-service/protocol"
)

// Media actions accepted by kdeconnect.mpris.request.
const (
	MediaPlayPause = "PlayPause"
	MediaPlay      = "Play"
	MediaPause     = "Pause"
	MediaStop      = "Stop"
	MediaNext      = "Next"
	MediaPrevious  = "Previous"
)

var mediaActions = []string{MediaPlayPause, MediaPlay, MediaPause, MediaStop, MediaNext, MediaPrevious}

// MPRISBody reports remote player state or the player list.
type MPRISBody struct {
	PlayerList []string `json:"playerList,omitempty"`
	Player     string   `json:"player,omitempty"`
	IsPlaying  bool     `json:"isPlaying,omitempty"`
	Title      string   `json:"title,omitempty"`
	Artist     string   `json:"artist,omitempty"`
	Album      string   `json:"album,omitempty"`
	Position   int64    `json:"pos,omitempty"`
	Length     int64    `json:"length,omitempty"`
	Volume     int      `json:"volume,omitempty"`
}

type mprisRequestBody struct {
	Player            string `json:"player,omitempty"`
	Action            string `json:"action,omitempty"`
	RequestPlayerList bool   `json:"requestPlayerList,omitempty"`
	RequestNowPlaying bool   `json:"requestNowPlaying,omitempty"`
}

// MPRIS controls media players on a remote device.
type MPRIS struct {
	base
}

func NewMPRIS() *MPRIS { return &MPRIS{} }

func (m *MPRIS) Name() string            { return NameMPRIS }
func (m *MPRIS) IncomingTypes() []string { return []string{protocol.TypeMPRIS} }
func (m *MPRIS) OutgoingTypes() []string { return []string{protocol.TypeMPRISRequest} }

func (m *MPRIS) HandlePacket(_ context.Context, deviceID string, packet protocol.Packet) error {
	body, err := decode[MPRISBody](packet)
	if err != nil {
		return err
	}
	m.emit(deviceID, protocol.TypeMPRIS, body)
	return nil
}

// Control sends a media action to player on deviceID.
func (m *MPRIS) Control(deviceID, player, action string) error {
	if !slices.Contains(mediaActions, action) {
		return fmt.Errorf("unknown media action %q", action)
	}
	return m.send(deviceID, protocol.TypeMPRISRequest, mprisRequestBody{Player: player, Action: action})
}

// RequestPlayers asks deviceID for its player list.
func (m *MPRIS) RequestPlayers(deviceID string) error {
	return m.send(deviceID, protocol.TypeMPRISRequest, mprisRequestBody{RequestPlayerList: true})
}

// RequestNowPlaying asks for the current state of player.
func (m *MPRIS) RequestNowPlaying(deviceID, player string) error {
	return m.send(deviceID, protocol.TypeMPRISRequest, mprisRequestBody{Player: player, RequestNowPlaying: true})
}
