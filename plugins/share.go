package plugins

import (
	"context"
	"errors"
	"net/url"

	"kdeconnect-service/protocol"
)

// ErrFileShareUnsupported is returned for share requests carrying a file payload.
var ErrFileShareUnsupported = errors.New("file transfers are not supported")

// ShareBody is the body of kdeconnect.share.request. Exactly one of the
// fields is set.
type ShareBody struct {
	Text     string `json:"text,omitempty"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// Share exchanges text and links.
type Share struct {
	base
}

func NewShare() *Share { return &Share{} }

func (s *Share) Name() string            { return NameShare }
func (s *Share) IncomingTypes() []string { return []string{protocol.TypeShareRequest} }
func (s *Share) OutgoingTypes() []string { return []string{protocol.TypeShareRequest} }

func (s *Share) HandlePacket(_ context.Context, deviceID string, packet protocol.Packet) error {
	body, err := decode[ShareBody](packet)
	if err != nil {
		return err
	}
	switch {
	case body.Filename != "":
		return ErrFileShareUnsupported
	case body.URL == "" && body.Text == "":
		return errors.New("empty share request")
	}
	s.emit(deviceID, protocol.TypeShareRequest, body)
	return nil
}

// SendText shares a piece of text.
func (s *Share) SendText(deviceID, text string) error {
	return s.send(deviceID, protocol.TypeShareRequest, ShareBody{Text: text})
}

// SendURL shares a link. Only absolute URLs are accepted.
func (s *Share) SendURL(deviceID, link string) error {
	parsed, err := url.Parse(link)
	if err != nil || !parsed.IsAbs() {
		return errors.New("share url must be absolute")
	}
	return s.send(deviceID, protocol.TypeShareRequest, ShareBody{URL: parsed.String()})
}
