package network

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"kdeconnect-service/crypto"
	"kdeconnect-service/models"
	"kdeconnect-service/protocol"
	"kdeconnect-service/trust"
)

// LocalIdentity is what this device presents during a handshake.
type LocalIdentity struct {
	DeviceID   string
	DeviceName string
	DeviceType string
	TCPPort    int
	PrivateKey ed25519.PrivateKey
}

// PublicKey returns the identity public key.
func (i LocalIdentity) PublicKey() ed25519.PublicKey {
	if len(i.PrivateKey) != ed25519.PrivateKeySize {
		return nil
	}
	return i.PrivateKey.Public().(ed25519.PublicKey)
}

// IdentityFromTrust adapts a loaded trust identity.
func IdentityFromTrust(id *trust.Identity, tcpPort int) LocalIdentity {
	return LocalIdentity{
		DeviceID:   id.DeviceID,
		DeviceName: id.DeviceName,
		DeviceType: string(id.DeviceType),
		TCPPort:    tcpPort,
		PrivateKey: id.PrivateKey,
	}
}

// KeyVerifier classifies a peer's identity key. *trust.Store satisfies it.
type KeyVerifier interface {
	Verify(deviceID string, key ed25519.PublicKey) (trust.Verdict, error)
}

// HandshakeOptions configures handshake verification and link behavior.
type HandshakeOptions struct {
	Identity LocalIdentity
	Verifier KeyVerifier

	HandshakeTimeout  time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	WriteTimeout      time.Duration

	// Codec decodes packets on established links. Nil means core types only.
	Codec  *protocol.Codec
	Logger zerolog.Logger

	// OnConnected runs after an outbound TCP connect, before the handshake.
	OnConnected func()
}

func (o HandshakeOptions) withDefaults() HandshakeOptions {
	out := o
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = DefaultWriteTimeout
	}
	if out.Codec == nil {
		out.Codec = protocol.NewCodec()
	}
	return out
}

func (o HandshakeOptions) validate() error {
	if o.Identity.DeviceID == "" {
		return errors.New("local device ID is required")
	}
	if o.Identity.DeviceName == "" {
		return errors.New("local device name is required")
	}
	if len(o.Identity.PrivateKey) != ed25519.PrivateKeySize {
		return errors.New("local Ed25519 private key is required")
	}
	if o.Verifier == nil {
		return errors.New("key verifier is required")
	}
	return nil
}

// PeerInfo describes the authenticated remote end of a link.
type PeerInfo struct {
	DeviceID        string
	DeviceName      string
	DeviceType      models.DeviceType
	PublicKey       ed25519.PublicKey
	ProtocolVersion int
	TCPPort         int
	Verdict         trust.Verdict
	RemoteAddr      string
}

// Unverified reports whether the peer's key is not yet trusted.
func (p PeerInfo) Unverified() bool {
	return p.Verdict != trust.VerdictTrusted
}

// handshakeResult carries what both sides need to build a link.
type handshakeResult struct {
	peer PeerInfo
	keys crypto.SessionKeys
}

// initiatorHandshake runs the dialing side over conn.
func initiatorHandshake(conn net.Conn, opts HandshakeOptions) (handshakeResult, error) {
	challengePayload, err := ReadFrameWithTimeout(conn, opts.HandshakeTimeout)
	if err != nil {
		return handshakeResult{}, transportErr("read handshake challenge", "", err)
	}
	challengeType, err := DecodeMessageType(challengePayload)
	if err != nil {
		return handshakeResult{}, protocolErr("read handshake challenge", "", err)
	}
	if challengeType == TypeError {
		return handshakeResult{}, classifyRemoteError("", decodeRemoteError(challengePayload))
	}
	if challengeType != TypeHandshakeChallenge {
		return handshakeResult{}, protocolErr("read handshake challenge", "", fmt.Errorf("%w: expected %q, got %q", ErrInvalidMessageType, TypeHandshakeChallenge, challengeType))
	}

	var challenge HandshakeChallenge
	if err := json.Unmarshal(challengePayload, &challenge); err != nil {
		return handshakeResult{}, protocolErr("decode handshake challenge", "", err)
	}
	if challenge.ProtocolVersion != 0 && challenge.ProtocolVersion != protocol.ProtocolVersion {
		return handshakeResult{}, protocolErr("read handshake challenge", "", ErrUnsupportedVersion)
	}
	nonce, err := decodeNonce(challenge.Nonce)
	if err != nil {
		return handshakeResult{}, protocolErr("decode handshake challenge", "", err)
	}

	ephemeralPrivate, ephemeralPublic, err := crypto.GenerateEphemeralX25519KeyPair()
	if err != nil {
		return handshakeResult{}, err
	}
	handshake, err := buildHandshakeMessage(opts.Identity, ephemeralPublic.Bytes(), challenge.Nonce)
	if err != nil {
		return handshakeResult{}, err
	}
	payload, err := EncodeJSON(handshake)
	if err != nil {
		return handshakeResult{}, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		return handshakeResult{}, transportErr("send handshake", "", err)
	}

	responsePayload, err := ReadFrameWithTimeout(conn, opts.HandshakeTimeout)
	if err != nil {
		return handshakeResult{}, transportErr("read handshake response", "", err)
	}
	msgType, err := DecodeMessageType(responsePayload)
	if err != nil {
		return handshakeResult{}, protocolErr("read handshake response", "", err)
	}
	if msgType == TypeError {
		return handshakeResult{}, classifyRemoteError("", decodeRemoteError(responsePayload))
	}
	if msgType != TypeHandshakeResponse {
		return handshakeResult{}, protocolErr("read handshake response", "", fmt.Errorf("%w: expected %q, got %q", ErrInvalidMessageType, TypeHandshakeResponse, msgType))
	}

	var response HandshakeResponse
	if err := json.Unmarshal(responsePayload, &response); err != nil {
		return handshakeResult{}, protocolErr("decode handshake response", "", err)
	}
	publicKey, err := verifyHandshakeResponse(response)
	if err != nil {
		return handshakeResult{}, protocolErr("verify handshake response", response.DeviceID, err)
	}
	if response.ChallengeNonce != challenge.Nonce || response.InitiatorEphemeralKey != handshake.EphemeralKey {
		return handshakeResult{}, protocolErr("verify handshake response", response.DeviceID, errors.New("response is not bound to this handshake"))
	}
	if response.DeviceID == opts.Identity.DeviceID {
		return handshakeResult{}, protocolErr("verify handshake response", response.DeviceID, errors.New("connected to self"))
	}

	verdict, err := opts.Verifier.Verify(response.DeviceID, publicKey)
	if err != nil {
		return handshakeResult{}, err
	}

	shared, err := sharedSecret(ephemeralPrivate, response.EphemeralKey)
	if err != nil {
		return handshakeResult{}, protocolErr("derive session keys", response.DeviceID, err)
	}
	keys, err := crypto.DeriveSessionKeys(shared, nonce, opts.Identity.DeviceID, response.DeviceID)
	if err != nil {
		return handshakeResult{}, err
	}

	return handshakeResult{
		peer: PeerInfo{
			DeviceID:        response.DeviceID,
			DeviceName:      response.DeviceName,
			DeviceType:      models.ParseDeviceType(response.DeviceType),
			PublicKey:       publicKey,
			ProtocolVersion: response.ProtocolVersion,
			TCPPort:         response.TCPPort,
			Verdict:         verdict,
			RemoteAddr:      conn.RemoteAddr().String(),
		},
		keys: keys,
	}, nil
}

// responderHandshake runs the accepting side over conn. Failures that the
// initiator should learn about are reported with an error frame first.
func responderHandshake(conn net.Conn, opts HandshakeOptions) (handshakeResult, error) {
	rawNonce := make([]byte, challengeNonceSize)
	if _, err := rand.Read(rawNonce); err != nil {
		return handshakeResult{}, fmt.Errorf("generate handshake challenge nonce: %w", err)
	}
	nonce := base64.StdEncoding.EncodeToString(rawNonce)

	challengePayload, err := EncodeJSON(HandshakeChallenge{
		Type:            TypeHandshakeChallenge,
		Nonce:           nonce,
		ProtocolVersion: protocol.ProtocolVersion,
	})
	if err != nil {
		return handshakeResult{}, err
	}
	if err := WriteFrame(conn, challengePayload); err != nil {
		return handshakeResult{}, transportErr("write handshake challenge", "", err)
	}

	handshakePayload, err := ReadFrameWithTimeout(conn, opts.HandshakeTimeout)
	if err != nil {
		return handshakeResult{}, transportErr("read handshake", "", err)
	}
	msgType, err := DecodeMessageType(handshakePayload)
	if err != nil {
		return handshakeResult{}, protocolErr("read handshake", "", err)
	}
	if msgType != TypeHandshake {
		_ = writeError(conn, CodeInvalidHandshake, fmt.Sprintf("expected %q, got %q", TypeHandshake, msgType))
		return handshakeResult{}, protocolErr("read handshake", "", fmt.Errorf("%w: %q", ErrInvalidMessageType, msgType))
	}

	var handshake HandshakeMessage
	if err := json.Unmarshal(handshakePayload, &handshake); err != nil {
		return handshakeResult{}, protocolErr("decode handshake", "", err)
	}
	if handshake.ProtocolVersion != protocol.ProtocolVersion {
		_ = writeError(conn, CodeVersionMismatch, fmt.Sprintf("unsupported protocol version: expected %d, got %d", protocol.ProtocolVersion, handshake.ProtocolVersion))
		return handshakeResult{}, protocolErr("verify handshake", handshake.DeviceID, ErrUnsupportedVersion)
	}
	if handshake.ChallengeNonce != nonce {
		_ = writeError(conn, CodeInvalidHandshake, "handshake challenge nonce mismatch")
		return handshakeResult{}, protocolErr("verify handshake", handshake.DeviceID, errors.New("challenge nonce mismatch"))
	}
	publicKey, err := verifyHandshakeMessage(handshake)
	if err != nil {
		_ = writeError(conn, CodeInvalidHandshake, "handshake verification failed")
		return handshakeResult{}, protocolErr("verify handshake", handshake.DeviceID, err)
	}
	if handshake.DeviceID == opts.Identity.DeviceID {
		_ = writeError(conn, CodeSelfConnection, "refusing connection from own device id")
		return handshakeResult{}, protocolErr("verify handshake", handshake.DeviceID, errors.New("connection from self"))
	}

	verdict, err := opts.Verifier.Verify(handshake.DeviceID, publicKey)
	if err != nil {
		if models.KindOf(err) == models.KindTrustViolation {
			_ = writeError(conn, CodeTrustViolation, "identity key does not match the trusted key")
		}
		return handshakeResult{}, err
	}

	ephemeralPrivate, ephemeralPublic, err := crypto.GenerateEphemeralX25519KeyPair()
	if err != nil {
		return handshakeResult{}, err
	}
	shared, err := sharedSecret(ephemeralPrivate, handshake.EphemeralKey)
	if err != nil {
		_ = writeError(conn, CodeInvalidHandshake, "invalid ephemeral key")
		return handshakeResult{}, protocolErr("derive session keys", handshake.DeviceID, err)
	}
	keys, err := crypto.DeriveSessionKeys(shared, rawNonce, handshake.DeviceID, opts.Identity.DeviceID)
	if err != nil {
		return handshakeResult{}, err
	}

	response, err := buildHandshakeResponse(opts.Identity, ephemeralPublic.Bytes(), handshake)
	if err != nil {
		return handshakeResult{}, err
	}
	responsePayload, err := EncodeJSON(response)
	if err != nil {
		return handshakeResult{}, err
	}
	if err := WriteFrame(conn, responsePayload); err != nil {
		return handshakeResult{}, transportErr("write handshake response", handshake.DeviceID, err)
	}

	return handshakeResult{
		peer: PeerInfo{
			DeviceID:        handshake.DeviceID,
			DeviceName:      handshake.DeviceName,
			DeviceType:      models.ParseDeviceType(handshake.DeviceType),
			PublicKey:       publicKey,
			ProtocolVersion: handshake.ProtocolVersion,
			TCPPort:         handshake.TCPPort,
			Verdict:         verdict,
			RemoteAddr:      conn.RemoteAddr().String(),
		},
		keys: keys,
	}, nil
}

func sharedSecret(local *ecdh.PrivateKey, peerEphemeralBase64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(peerEphemeralBase64)
	if err != nil {
		return nil, fmt.Errorf("decode peer ephemeral public key: %w", err)
	}
	peerKey, err := crypto.ParseX25519PublicKey(raw)
	if err != nil {
		return nil, err
	}
	return crypto.ComputeX25519SharedSecret(local, peerKey)
}

func decodeNonce(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode challenge nonce: %w", err)
	}
	if len(raw) != challengeNonceSize {
		return nil, fmt.Errorf("invalid challenge nonce length: got %d want %d", len(raw), challengeNonceSize)
	}
	return raw, nil
}

func classifyRemoteError(deviceID string, err error) error {
	var remote *RemoteError
	if errors.As(err, &remote) && remote.Code == CodeTrustViolation {
		return models.NewError(models.KindTrustViolation, "handshake", deviceID, fmt.Errorf("%w: %w", models.ErrTrustViolation, err))
	}
	return protocolErr("handshake", deviceID, err)
}

func transportErr(op, deviceID string, err error) error {
	return models.NewError(models.KindTransport, op, deviceID, err)
}

func protocolErr(op, deviceID string, err error) error {
	return models.NewError(models.KindProtocol, op, deviceID, err)
}
