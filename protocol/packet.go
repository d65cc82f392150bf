// Package protocol defines the packet envelope exchanged with peers and its
// newline-delimited wire framing.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ProtocolVersion is the packet protocol version advertised in identity packets.
const ProtocolVersion = 7

var (
	// ErrMalformedFrame indicates a frame that could not be decoded into a packet.
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	// ErrFrameTooLarge indicates a frame over MaxFrameSize.
	ErrFrameTooLarge = errors.New("protocol: frame too large")
)

// Packet is the typed envelope carried by every frame.
type Packet struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`

	// Extra holds envelope fields besides id, type and body, such as
	// payloadSize and payloadTransferInfo. Values are compact JSON.
	Extra map[string]json.RawMessage `json:"-"`

	// Unknown is set by the codec when Type is not in its known set.
	Unknown bool `json:"-"`

	// frame is the line this packet was decoded from.
	frame *decodedFrame
}

type decodedFrame struct {
	raw   []byte
	id    int64
	typ   string
	body  json.RawMessage
	extra map[string]json.RawMessage
}

// original returns the decoded line when p still carries exactly the values
// decoded from it.
func (p Packet) original() []byte {
	f := p.frame
	if f == nil || f.id != p.ID || f.typ != p.Type || !bytes.Equal(f.body, p.Body) || !sameExtra(f.extra, p.Extra) {
		return nil
	}
	return f.raw
}

// NewPacket builds a packet with a fresh id and a compacted JSON body.
// A nil body encodes as an empty object.
func NewPacket(packetType string, body any) (Packet, error) {
	if packetType == "" {
		return Packet{}, errors.New("packet type is required")
	}
	raw, err := marshalBody(body)
	if err != nil {
		return Packet{}, err
	}
	return Packet{ID: NextID(), Type: packetType, Body: raw}, nil
}

// MustPacket is NewPacket for bodies that cannot fail to marshal.
func MustPacket(packetType string, body any) Packet {
	p, err := NewPacket(packetType, body)
	if err != nil {
		panic(err)
	}
	return p
}

// DecodeBody unmarshals the packet body into v.
func (p Packet) DecodeBody(v any) error {
	body := p.Body
	if len(body) == 0 {
		body = emptyBody
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode %s body: %w", p.Type, err)
	}
	return nil
}

// Equal compares packets field by field, including the codec marker.
func (p Packet) Equal(other Packet) bool {
	return p.ID == other.ID &&
		p.Type == other.Type &&
		p.Unknown == other.Unknown &&
		bytes.Equal(p.Body, other.Body) &&
		sameExtra(p.Extra, other.Extra)
}

func sameExtra(a, b map[string]json.RawMessage) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || !bytes.Equal(v, w) {
			return false
		}
	}
	return true
}

var emptyBody = json.RawMessage(`{}`)

func marshalBody(body any) (json.RawMessage, error) {
	switch v := body.(type) {
	case nil:
		return emptyBody, nil
	case json.RawMessage:
		return compactObject(v)
	case []byte:
		return compactObject(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal packet body: %w", err)
		}
		return compactObject(raw)
	}
}

func compactObject(raw []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return emptyBody, nil
	}
	if trimmed[0] != '{' {
		return nil, errors.New("packet body must be a JSON object")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, fmt.Errorf("compact packet body: %w", err)
	}
	return json.RawMessage(buf.Bytes()), nil
}

var ids struct {
	mu   sync.Mutex
	last int64
}

// NextID returns a millisecond timestamp that is strictly greater than any
// previously returned id in this process.
func NextID() int64 {
	now := time.Now().UnixMilli()

	ids.mu.Lock()
	defer ids.mu.Unlock()
	if now <= ids.last {
		now = ids.last + 1
	}
	ids.last = now
	return now
}
