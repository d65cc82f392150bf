package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"kdeconnect-service/models"
	"kdeconnect-service/protocol"
)

// Command names accepted over IPC.
const (
	CommandGetDeviceList = "get_device_list"
	CommandGetPairings   = "get_pairings"
	CommandInitiatePair  = "initiate_pair"
	CommandResolvePair   = "resolve_pair"
	CommandSendPacket    = "send_packet"
	CommandUnpair        = "unpair"
	CommandConnect       = "connect"
	CommandSubscribe     = "subscribe"
)

var (
	// ErrUnknownCommand indicates a request with an unrecognised command name.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrInvalidRequest indicates a request missing a required field.
	ErrInvalidRequest = errors.New("invalid request")
)

// Request is one command frame sent by a client.
type Request struct {
	ID         int64           `json:"id"`
	Command    string          `json:"command"`
	DeviceID   string          `json:"device_id,omitempty"`
	Accept     *bool           `json:"accept,omitempty"`
	PacketType string          `json:"packet_type,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
	Address    string          `json:"address,omitempty"`
	Filter     *Filter         `json:"filter,omitempty"`
}

// Response answers the request with the same ID.
type Response struct {
	ID        int64                   `json:"id"`
	OK        bool                    `json:"ok"`
	Error     string                  `json:"error,omitempty"`
	ErrorKind models.ErrorKind        `json:"error_kind,omitempty"`
	DeviceID  string                  `json:"device_id,omitempty"`
	Devices   []models.Device         `json:"devices,omitempty"`
	Pairings  []models.PairingRequest `json:"pairings,omitempty"`
}

// Message is a server frame: either a response or a pushed event.
type Message struct {
	*Response
	Event *models.Event `json:"event,omitempty"`
}

// Sessions is the session manager surface the commands drive.
type Sessions interface {
	Devices() []models.Device
	Device(deviceID string) (models.Device, bool)
	PendingPairings() []models.PairingRequest
	RequestPair(deviceID string) error
	ResolvePair(deviceID string, accept bool) error
	Unpair(deviceID string) error
	Connect(ctx context.Context, address string) (string, error)
}

// Packets sends plugin packets on behalf of clients.
type Packets interface {
	CanSend(packetType string) bool
	SendPacket(deviceID string, p protocol.Packet) error
}

// Commands validates requests and hands them to the session manager or router.
type Commands struct {
	sessions Sessions
	packets  Packets
}

// NewCommands binds the command set to its collaborators.
func NewCommands(sessions Sessions, packets Packets) *Commands {
	return &Commands{sessions: sessions, packets: packets}
}

// Execute runs one request. The subscription itself is connection state kept
// by the transport; subscribe answers with the current devices and pairings.
func (c *Commands) Execute(ctx context.Context, req Request) Response {
	resp := Response{ID: req.ID}
	err := c.execute(ctx, req, &resp)
	if err != nil {
		resp.OK = false
		resp.Error = err.Error()
		resp.ErrorKind = models.KindOf(err)
		return resp
	}
	resp.OK = true
	return resp
}

func (c *Commands) execute(ctx context.Context, req Request, resp *Response) error {
	switch req.Command {
	case CommandGetDeviceList:
		resp.Devices = c.sessions.Devices()
		return nil
	case CommandGetPairings:
		resp.Pairings = c.sessions.PendingPairings()
		return nil
	case CommandSubscribe:
		resp.Devices = c.sessions.Devices()
		resp.Pairings = c.sessions.PendingPairings()
		return nil
	case CommandConnect:
		if strings.TrimSpace(req.Address) == "" {
			return invalid(req, "address is required")
		}
		deviceID, err := c.sessions.Connect(ctx, req.Address)
		resp.DeviceID = deviceID
		return err
	}

	if err := c.requireKnownDevice(req); err != nil {
		return err
	}
	resp.DeviceID = req.DeviceID

	switch req.Command {
	case CommandInitiatePair:
		return c.sessions.RequestPair(req.DeviceID)
	case CommandResolvePair:
		if req.Accept == nil {
			return invalid(req, "accept is required")
		}
		return c.sessions.ResolvePair(req.DeviceID, *req.Accept)
	case CommandUnpair:
		return c.sessions.Unpair(req.DeviceID)
	case CommandSendPacket:
		return c.sendPacket(req)
	default:
		return models.NewError(models.KindProtocol, "ipc", req.DeviceID, fmt.Errorf("%w: %q", ErrUnknownCommand, req.Command))
	}
}

func (c *Commands) requireKnownDevice(req Request) error {
	switch req.Command {
	case CommandInitiatePair, CommandResolvePair, CommandUnpair, CommandSendPacket:
	default:
		return models.NewError(models.KindProtocol, "ipc", req.DeviceID, fmt.Errorf("%w: %q", ErrUnknownCommand, req.Command))
	}
	if strings.TrimSpace(req.DeviceID) == "" {
		return invalid(req, "device_id is required")
	}
	if _, ok := c.sessions.Device(req.DeviceID); !ok {
		return models.NewError(models.KindProtocol, req.Command, req.DeviceID, models.ErrUnknownDevice)
	}
	return nil
}

func (c *Commands) sendPacket(req Request) error {
	if req.PacketType == "" {
		return invalid(req, "packet_type is required")
	}
	if !c.packets.CanSend(req.PacketType) {
		return models.NewError(models.KindCapability, req.Command, req.DeviceID, fmt.Errorf("%s is not an outgoing capability", req.PacketType))
	}
	body := req.Body
	if len(body) == 0 {
		body = json.RawMessage(`{}`)
	}
	p, err := protocol.NewPacket(req.PacketType, body)
	if err != nil {
		return invalid(req, err.Error())
	}
	return c.packets.SendPacket(req.DeviceID, p)
}

func invalid(req Request, msg string) error {
	return models.NewError(models.KindProtocol, req.Command, req.DeviceID, fmt.Errorf("%w: %s", ErrInvalidRequest, msg))
}
