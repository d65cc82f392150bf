// Package network authenticates peers over TCP, encrypts the session, and
// carries newline-delimited packets over the encrypted stream.
package network

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"kdeconnect-service/crypto"
	"kdeconnect-service/protocol"
)

const (
	// MaxControlFrameSize bounds handshake frames.
	MaxControlFrameSize = 64 * 1024
	// DefaultHandshakeTimeout bounds TCP dial and handshake duration.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultKeepAliveInterval sends a keepalive on idle links.
	DefaultKeepAliveInterval = 30 * time.Second
	// DefaultKeepAliveTimeout waits this long for the keepalive reply.
	DefaultKeepAliveTimeout = 10 * time.Second
	// DefaultWriteTimeout bounds a single packet write; a peer that stops
	// reading for longer loses its link.
	DefaultWriteTimeout = 10 * time.Second

	challengeNonceSize = 32
)

// Control frame types exchanged before encryption starts.
const (
	TypeHandshakeChallenge = "handshake_challenge"
	TypeHandshake          = "handshake"
	TypeHandshakeResponse  = "handshake_response"
	TypeError              = "error"
)

// Error codes carried by error frames.
const (
	CodeVersionMismatch  = "version_mismatch"
	CodeInvalidHandshake = "invalid_handshake"
	CodeTrustViolation   = "trust_violation"
	CodeSelfConnection   = "self_connection"
)

const (
	signDomainHandshake = "kdeconnect-service handshake"
	signDomainResponse  = "kdeconnect-service handshake response"
)

var (
	// ErrFrameTooLarge indicates a control frame over MaxControlFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidSignature indicates signature verification failed.
	ErrInvalidSignature = errors.New("network: invalid signature")
	// ErrInvalidMessageType indicates the message type is missing or unexpected.
	ErrInvalidMessageType = errors.New("network: invalid message type")
)

// Envelope identifies the control message type.
type Envelope struct {
	Type string `json:"type"`
}

// HandshakeChallenge is sent by the responder as soon as a connection opens.
type HandshakeChallenge struct {
	Type            string `json:"type"`
	Nonce           string `json:"nonce"`
	ProtocolVersion int    `json:"protocol_version"`
}

// HandshakeMessage is sent by the initiator, signed with its identity key.
type HandshakeMessage struct {
	Type            string `json:"type"`
	DeviceID        string `json:"device_id"`
	DeviceName      string `json:"device_name"`
	DeviceType      string `json:"device_type"`
	IdentityKey     string `json:"identity_key"`
	EphemeralKey    string `json:"ephemeral_key"`
	ProtocolVersion int    `json:"protocol_version"`
	TCPPort         int    `json:"tcp_port"`
	ChallengeNonce  string `json:"challenge_nonce"`
	Timestamp       int64  `json:"timestamp"`
	Signature       string `json:"signature"`
}

// HandshakeResponse is returned by the responder. It signs the initiator's
// ephemeral key and the challenge nonce so it cannot be replayed into
// another connection.
type HandshakeResponse struct {
	Type                  string `json:"type"`
	DeviceID              string `json:"device_id"`
	DeviceName            string `json:"device_name"`
	DeviceType            string `json:"device_type"`
	IdentityKey           string `json:"identity_key"`
	EphemeralKey          string `json:"ephemeral_key"`
	InitiatorEphemeralKey string `json:"initiator_ephemeral_key"`
	ProtocolVersion       int    `json:"protocol_version"`
	TCPPort               int    `json:"tcp_port"`
	ChallengeNonce        string `json:"challenge_nonce"`
	Timestamp             int64  `json:"timestamp"`
	Signature             string `json:"signature"`
}

// ErrorMessage aborts a handshake with a reason.
type ErrorMessage struct {
	Type              string `json:"type"`
	Code              string `json:"code"`
	Message           string `json:"message"`
	SupportedVersions []int  `json:"supported_versions,omitempty"`
	Timestamp         int64  `json:"timestamp"`
}

// RemoteError is returned when the peer aborts the handshake.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error [%s]: %s", e.Code, e.Message)
}

// EncodeJSON marshals a control message.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal control message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType returns the type of a control message.
func DecodeMessageType(payload []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", fmt.Errorf("decode control envelope: %w", err)
	}
	if env.Type == "" {
		return "", ErrInvalidMessageType
	}
	return env.Type, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxControlFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(append(header, payload...)); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxControlFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

func writeError(conn net.Conn, code, message string) error {
	payload, err := EncodeJSON(ErrorMessage{
		Type:              TypeError,
		Code:              code,
		Message:           message,
		SupportedVersions: []int{protocol.ProtocolVersion},
		Timestamp:         time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return WriteFrame(conn, payload)
}

func decodeRemoteError(payload []byte) error {
	var remote ErrorMessage
	if err := json.Unmarshal(payload, &remote); err != nil {
		return fmt.Errorf("decode remote error: %w", err)
	}
	return &RemoteError{Code: remote.Code, Message: remote.Message}
}

func buildHandshakeMessage(identity LocalIdentity, ephemeralPublicKey []byte, challengeNonce string) (HandshakeMessage, error) {
	msg := HandshakeMessage{
		Type:            TypeHandshake,
		DeviceID:        identity.DeviceID,
		DeviceName:      identity.DeviceName,
		DeviceType:      identity.DeviceType,
		IdentityKey:     crypto.EncodePublicKey(identity.PublicKey()),
		EphemeralKey:    base64.StdEncoding.EncodeToString(ephemeralPublicKey),
		ProtocolVersion: protocol.ProtocolVersion,
		TCPPort:         identity.TCPPort,
		ChallengeNonce:  challengeNonce,
		Timestamp:       time.Now().UnixMilli(),
	}

	signature, err := signMessage(msg, identity.PrivateKey, signDomainHandshake)
	if err != nil {
		return HandshakeMessage{}, err
	}
	msg.Signature = signature
	return msg, nil
}

func buildHandshakeResponse(identity LocalIdentity, ephemeralPublicKey []byte, handshake HandshakeMessage) (HandshakeResponse, error) {
	msg := HandshakeResponse{
		Type:                  TypeHandshakeResponse,
		DeviceID:              identity.DeviceID,
		DeviceName:            identity.DeviceName,
		DeviceType:            identity.DeviceType,
		IdentityKey:           crypto.EncodePublicKey(identity.PublicKey()),
		EphemeralKey:          base64.StdEncoding.EncodeToString(ephemeralPublicKey),
		InitiatorEphemeralKey: handshake.EphemeralKey,
		ProtocolVersion:       protocol.ProtocolVersion,
		TCPPort:               identity.TCPPort,
		ChallengeNonce:        handshake.ChallengeNonce,
		Timestamp:             time.Now().UnixMilli(),
	}

	signature, err := signMessage(msg, identity.PrivateKey, signDomainResponse)
	if err != nil {
		return HandshakeResponse{}, err
	}
	msg.Signature = signature
	return msg, nil
}

// verifyHandshakeMessage checks version and signature and returns the
// presented identity key.
func verifyHandshakeMessage(msg HandshakeMessage) (ed25519.PublicKey, error) {
	if msg.ProtocolVersion != protocol.ProtocolVersion {
		return nil, ErrUnsupportedVersion
	}
	publicKey, err := crypto.DecodePublicKey(msg.IdentityKey)
	if err != nil {
		return nil, err
	}

	signature := msg.Signature
	msg.Signature = ""
	if err := verifyMessage(msg, publicKey, signDomainHandshake, signature); err != nil {
		return nil, err
	}
	return publicKey, nil
}

func verifyHandshakeResponse(msg HandshakeResponse) (ed25519.PublicKey, error) {
	if msg.ProtocolVersion != protocol.ProtocolVersion {
		return nil, ErrUnsupportedVersion
	}
	publicKey, err := crypto.DecodePublicKey(msg.IdentityKey)
	if err != nil {
		return nil, err
	}

	signature := msg.Signature
	msg.Signature = ""
	if err := verifyMessage(msg, publicKey, signDomainResponse, signature); err != nil {
		return nil, err
	}
	return publicKey, nil
}

func signMessage(unsigned any, privateKey ed25519.PrivateKey, domain string) (string, error) {
	signable, err := json.Marshal(unsigned)
	if err != nil {
		return "", fmt.Errorf("marshal signable payload: %w", err)
	}
	signature, err := crypto.Sign(privateKey, domain, signable)
	if err != nil {
		return "", fmt.Errorf("sign handshake payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(signature), nil
}

func verifyMessage(unsigned any, publicKey ed25519.PublicKey, domain, signatureBase64 string) error {
	signature, err := base64.StdEncoding.DecodeString(signatureBase64)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	signable, err := json.Marshal(unsigned)
	if err != nil {
		return fmt.Errorf("marshal signable payload: %w", err)
	}
	if !crypto.Verify(publicKey, domain, signable, signature) {
		return ErrInvalidSignature
	}
	return nil
}
