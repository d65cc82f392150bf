package plugins

import (
	"context"
	"sync"

	"kdeconnect-service/protocol"
)

// ClipboardBody carries clipboard text. Timestamp is set on
// kdeconnect.clipboard.connect, sent when a session starts.
type ClipboardBody struct {
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// ClipboardEvent is the capability payload for clipboard updates. Apply asks
// the companion UI to write Content into the local clipboard.
type ClipboardEvent struct {
	Content string `json:"content"`
	Apply   bool   `json:"apply"`
}

// Clipboard syncs clipboard text with remote devices.
type Clipboard struct {
	base
	autoShare bool

	mu     sync.Mutex
	latest map[string]int64
}

func NewClipboard(autoShare bool) *Clipboard {
	return &Clipboard{autoShare: autoShare, latest: make(map[string]int64)}
}

func (c *Clipboard) Name() string { return NameClipboard }
func (c *Clipboard) IncomingTypes() []string {
	return []string{protocol.TypeClipboard, protocol.TypeClipboardConnect}
}
func (c *Clipboard) OutgoingTypes() []string { return []string{protocol.TypeClipboard} }

func (c *Clipboard) HandlePacket(_ context.Context, deviceID string, packet protocol.Packet) error {
	body, err := decode[ClipboardBody](packet)
	if err != nil {
		return err
	}

	if packet.Type == protocol.TypeClipboardConnect {
		// Content from before the last update we saw is stale.
		c.mu.Lock()
		stale := body.Timestamp == 0 || body.Timestamp <= c.latest[deviceID]
		if !stale {
			c.latest[deviceID] = body.Timestamp
		}
		c.mu.Unlock()
		if stale {
			return nil
		}
	}

	c.emit(deviceID, protocol.TypeClipboard, ClipboardEvent{Content: body.Content, Apply: c.autoShare})
	return nil
}

// Send pushes clipboard text to deviceID.
func (c *Clipboard) Send(deviceID, content string) error {
	return c.send(deviceID, protocol.TypeClipboard, ClipboardBody{Content: content})
}
