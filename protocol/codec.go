package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
)

// MaxFrameSize bounds one encoded packet line, newline excluded.
const MaxFrameSize = 1 << 20

// Codec encodes and decodes packet lines. The known-type set is fixed at
// construction; decoding any other type marks the packet Unknown.
type Codec struct {
	known map[string]struct{}
}

// NewCodec returns a codec that recognises the core types plus knownTypes.
func NewCodec(knownTypes ...string) *Codec {
	known := make(map[string]struct{}, len(CoreTypes)+len(knownTypes))
	for _, t := range CoreTypes {
		known[t] = struct{}{}
	}
	for _, t := range knownTypes {
		known[t] = struct{}{}
	}
	return &Codec{known: known}
}

// Known reports whether packetType is in the codec's known set.
func (c *Codec) Known(packetType string) bool {
	_, ok := c.known[packetType]
	return ok
}

// Encode renders p as one line. A packet decoded by Decode and left
// unchanged is written back byte for byte; anything else gets the canonical
// form {"id":N,"type":"t","body":{...},<extra fields sorted by key>}\n.
func (c *Codec) Encode(p Packet) ([]byte, error) {
	if p.Type == "" {
		return nil, errors.New("encode packet: type is required")
	}
	if raw := p.original(); raw != nil {
		line := make([]byte, 0, len(raw)+1)
		return append(append(line, raw...), '\n'), nil
	}
	body, err := compactObject(p.Body)
	if err != nil {
		return nil, fmt.Errorf("encode packet %s: %w", p.Type, err)
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(p.Type) + 48)
	buf.WriteString(`{"id":`)
	buf.WriteString(strconv.FormatInt(p.ID, 10))
	buf.WriteString(`,"type":`)
	if err := writeString(&buf, p.Type); err != nil {
		return nil, fmt.Errorf("encode packet type: %w", err)
	}
	buf.WriteString(`,"body":`)
	buf.Write(body)

	keys := make([]string, 0, len(p.Extra))
	for k := range p.Extra {
		if _, reserved := envelopeKeys[k]; !reserved {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		var value bytes.Buffer
		if err := json.Compact(&value, p.Extra[k]); err != nil {
			return nil, fmt.Errorf("encode packet field %q: %w", k, err)
		}
		buf.WriteByte(',')
		if err := writeString(&buf, k); err != nil {
			return nil, fmt.Errorf("encode packet field name: %w", err)
		}
		buf.WriteByte(':')
		buf.Write(value.Bytes())
	}
	buf.WriteString("}\n")

	if buf.Len()-1 > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return buf.Bytes(), nil
}

var envelopeKeys = map[string]struct{}{"id": {}, "type": {}, "body": {}}

func writeString(buf *bytes.Buffer, s string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	// json.Encoder terminates each value with a newline.
	buf.Truncate(buf.Len() - 1)
	return nil
}

// Decode parses one frame. Malformed frames return an error wrapping
// ErrMalformedFrame; unrecognised types succeed with Unknown set. Fields
// other than id, type and body are kept in Extra.
func (c *Codec) Decode(frame []byte) (Packet, error) {
	frame = bytes.TrimRight(frame, "\r\n")
	if len(frame) > MaxFrameSize {
		return Packet{}, fmt.Errorf("%w: %w", ErrMalformedFrame, ErrFrameTooLarge)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(frame, &fields); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if fields == nil {
		return Packet{}, fmt.Errorf("%w: frame is not an object", ErrMalformedFrame)
	}

	var packetType string
	if raw, ok := fields["type"]; !ok || json.Unmarshal(raw, &packetType) != nil || packetType == "" {
		return Packet{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	id, err := parseID(fields["id"])
	if err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	body, err := compactObject(fields["body"])
	if err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var extra map[string]json.RawMessage
	for k, v := range fields {
		if _, reserved := envelopeKeys[k]; reserved {
			continue
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, v); err != nil {
			return Packet{}, fmt.Errorf("%w: field %q: %v", ErrMalformedFrame, k, err)
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[k] = compact.Bytes()
	}

	return Packet{
		ID:      id,
		Type:    packetType,
		Body:    body,
		Extra:   extra,
		Unknown: !c.Known(packetType),
		frame: &decodedFrame{
			raw:   append([]byte(nil), frame...),
			id:    id,
			typ:   packetType,
			body:  body,
			extra: extra,
		},
	}, nil
}

func parseID(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, errors.New("missing id")
	}
	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, fmt.Errorf("invalid id: %w", err)
		}
	}
	id, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %s", raw)
	}
	return id, nil
}

// Decoder reads packets from a newline-delimited stream.
type Decoder struct {
	codec *Codec
	r     *bufio.Reader
}

// NewDecoder wraps r.
func (c *Codec) NewDecoder(r io.Reader) *Decoder {
	return &Decoder{codec: c, r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next packet. Errors wrapping ErrMalformedFrame leave the
// stream positioned at the following frame, so callers may keep reading.
func (d *Decoder) Next() (Packet, error) {
	for {
		frame, err := d.readFrame()
		if err != nil {
			return Packet{}, err
		}
		if len(bytes.TrimSpace(frame)) == 0 {
			continue
		}
		return d.codec.Decode(frame)
	}
}

func (d *Decoder) readFrame() ([]byte, error) {
	var frame []byte
	for {
		chunk, err := d.r.ReadSlice('\n')
		if len(frame)+len(chunk) > MaxFrameSize+2 {
			if errors.Is(err, bufio.ErrBufferFull) {
				if discardErr := d.discardLine(); discardErr != nil {
					return nil, discardErr
				}
			}
			return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, ErrFrameTooLarge)
		}
		frame = append(frame, chunk...)

		switch {
		case err == nil:
			return bytes.TrimRight(frame, "\r\n"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(frame) > 0:
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}

func (d *Decoder) discardLine() error {
	for {
		_, err := d.r.ReadSlice('\n')
		if err == nil {
			return nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return err
		}
	}
}

// Encoder writes packets to a stream. It is safe for concurrent use.
type Encoder struct {
	codec *Codec
	mu    sync.Mutex
	w     io.Writer
}

// NewEncoder wraps w.
func (c *Codec) NewEncoder(w io.Writer) *Encoder {
	return &Encoder{codec: c, w: w}
}

// Encode writes one packet line.
func (e *Encoder) Encode(p Packet) error {
	line, err := e.codec.Encode(p)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(line); err != nil {
		return fmt.Errorf("write packet %s: %w", p.Type, err)
	}
	return nil
}
