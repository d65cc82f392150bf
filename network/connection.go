package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"kdeconnect-service/models"
	"kdeconnect-service/protocol"
)

var (
	// ErrPongTimeout indicates keep-alive timed out waiting for the reply.
	ErrPongTimeout = errors.New("network: keepalive timeout")
	// ErrLinkClosed indicates the link is no longer usable.
	ErrLinkClosed = errors.New("network: link closed")
	// ErrOutboxFull indicates the peer stopped draining posted packets.
	ErrOutboxFull = errors.New("network: outbound buffer full")
)

const outboxSize = 64

type writeRequest struct {
	packet     protocol.Packet
	result     chan error
	closeAfter bool
}

// Direction records which side opened the TCP connection.
type Direction string

const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
)

// Link is one authenticated, encrypted packet stream to a peer.
type Link struct {
	conn   net.Conn
	secure *SecureConn
	enc    *protocol.Encoder
	dec    *protocol.Decoder

	peer      PeerInfo
	localID   string
	direction Direction
	log       zerolog.Logger

	waitMu       sync.Mutex
	waitingPong  bool
	pongDeadline time.Time

	lastActivity atomic.Int64
	malformed    atomic.Int64

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	writeTimeout      time.Duration

	inbound chan protocol.Packet
	outbox  chan writeRequest

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newLink(conn net.Conn, result handshakeResult, direction Direction, opts HandshakeOptions) (*Link, error) {
	sendKey, receiveKey := result.keys.InitiatorToResponder, result.keys.ResponderToInitiator
	if direction == Inbound {
		sendKey, receiveKey = receiveKey, sendKey
	}
	secure, err := newSecureConn(conn, sendKey, receiveKey)
	if err != nil {
		return nil, err
	}

	l := &Link{
		conn:              conn,
		secure:            secure,
		enc:               opts.Codec.NewEncoder(secure),
		dec:               opts.Codec.NewDecoder(secure),
		peer:              result.peer,
		localID:           opts.Identity.DeviceID,
		direction:         direction,
		keepAliveInterval: opts.KeepAliveInterval,
		keepAliveTimeout:  opts.KeepAliveTimeout,
		writeTimeout:      opts.WriteTimeout,
		inbound:           make(chan protocol.Packet, 64),
		outbox:            make(chan writeRequest, outboxSize),
		closed:            make(chan struct{}),
	}
	l.log = opts.Logger.With().
		Str("peer_device_id", result.peer.DeviceID).
		Str("direction", string(direction)).
		Logger()

	l.touchActivity()
	go l.readLoop()
	go l.writeLoop()
	go l.keepAliveLoop()
	return l, nil
}

// Peer returns the authenticated peer.
func (l *Link) Peer() PeerInfo {
	return l.peer
}

// Direction reports which side dialed.
func (l *Link) Direction() Direction {
	return l.direction
}

// Done is closed when the link is fully disconnected.
func (l *Link) Done() <-chan struct{} {
	return l.closed
}

// Err returns the terminal link error, if any.
func (l *Link) Err() error {
	l.errMu.RLock()
	defer l.errMu.RUnlock()
	return l.closeErr
}

// MalformedFrames reports how many undecodable frames were skipped.
func (l *Link) MalformedFrames() int64 {
	return l.malformed.Load()
}

// Inbound delivers decoded packets, keepalives excluded. It is never closed;
// select on Done as well.
func (l *Link) Inbound() <-chan protocol.Packet {
	return l.inbound
}

// Send writes one packet and waits for the write to finish. Writes are
// serialised through the link's writer, so Send and Post keep their order.
func (l *Link) Send(p protocol.Packet) error {
	req := writeRequest{packet: p, result: make(chan error, 1)}
	select {
	case l.outbox <- req:
	case <-l.closed:
		return l.closedErr()
	}
	select {
	case err := <-req.result:
		return err
	case <-l.closed:
		return l.closedErr()
	}
}

// Post queues p for the writer without waiting. A full outbox means the peer
// has stopped reading; the link is closed and the error returned.
func (l *Link) Post(p protocol.Packet) error {
	return l.post(writeRequest{packet: p})
}

// CloseAfter queues p as the final packet and closes the link once it is
// written.
func (l *Link) CloseAfter(p protocol.Packet) {
	if err := l.post(writeRequest{packet: p, closeAfter: true}); err != nil {
		l.closeWithError(nil)
	}
}

func (l *Link) post(req writeRequest) error {
	select {
	case <-l.closed:
		return l.closedErr()
	default:
	}
	select {
	case l.outbox <- req:
		return nil
	case <-l.closed:
		return l.closedErr()
	default:
		err := models.NewError(models.KindTransport, "post packet", l.peer.DeviceID, ErrOutboxFull)
		l.closeWithError(err)
		return err
	}
}

func (l *Link) closedErr() error {
	if err := l.Err(); err != nil {
		return err
	}
	return ErrLinkClosed
}

// Receive waits for the next inbound packet.
func (l *Link) Receive(ctx context.Context) (protocol.Packet, error) {
	select {
	case p := <-l.inbound:
		return p, nil
	case <-l.closed:
		if err := l.Err(); err != nil {
			return protocol.Packet{}, err
		}
		return protocol.Packet{}, io.EOF
	case <-ctx.Done():
		return protocol.Packet{}, ctx.Err()
	}
}

// Close terminates the link.
func (l *Link) Close() error {
	l.closeWithError(nil)
	return nil
}

func (l *Link) readLoop() {
	for {
		p, err := l.dec.Next()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedFrame) {
				count := l.malformed.Add(1)
				l.log.Warn().Err(err).Int64("malformed_frames", count).Msg("dropping malformed frame")
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				l.closeWithError(nil)
				return
			}
			l.closeWithError(models.NewError(models.KindTransport, "read packet", l.peer.DeviceID, err))
			return
		}

		l.touchActivity()
		if p.Type == protocol.TypeKeepAlive {
			l.handleKeepAlive(p)
			continue
		}
		if p.Unknown {
			l.log.Debug().Str("packet_type", p.Type).Msg("received packet of unknown type")
		}

		select {
		case l.inbound <- p:
		case <-l.closed:
			return
		}
	}
}

func (l *Link) writeLoop() {
	for {
		select {
		case req := <-l.outbox:
			err := l.write(req.packet)
			if req.result != nil {
				req.result <- err
			}
			if err != nil {
				return
			}
			if req.closeAfter {
				l.closeWithError(nil)
				return
			}
		case <-l.closed:
			return
		}
	}
}

// write encodes one packet under the write deadline. Any failure, a missed
// deadline included, ends the link.
func (l *Link) write(p protocol.Packet) error {
	if err := l.conn.SetWriteDeadline(time.Now().Add(l.writeTimeout)); err != nil {
		werr := models.NewError(models.KindTransport, "send packet", l.peer.DeviceID, err)
		l.closeWithError(werr)
		return werr
	}
	if err := l.enc.Encode(p); err != nil {
		werr := models.NewError(models.KindTransport, "send packet", l.peer.DeviceID, err)
		l.closeWithError(werr)
		return werr
	}
	l.touchActivity()
	return nil
}

func (l *Link) handleKeepAlive(p protocol.Packet) {
	var body protocol.KeepAliveBody
	if err := p.DecodeBody(&body); err != nil {
		l.malformed.Add(1)
		return
	}
	if body.Ack {
		l.ackPong()
		return
	}
	_ = l.Post(protocol.MustPacket(protocol.TypeKeepAlive, protocol.KeepAliveBody{Ack: true}))
}

func (l *Link) keepAliveLoop() {
	checkEvery := l.keepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = l.keepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if l.waitingPongExpired() {
				l.closeWithError(models.NewError(models.KindTransport, "keepalive", l.peer.DeviceID, ErrPongTimeout))
				return
			}

			idleFor := time.Since(time.Unix(0, l.lastActivity.Load()))
			if idleFor < l.keepAliveInterval || l.isWaitingPong() {
				continue
			}

			l.setWaitingPong(time.Now().Add(l.keepAliveTimeout))
			if err := l.Post(protocol.MustPacket(protocol.TypeKeepAlive, protocol.KeepAliveBody{})); err != nil {
				return
			}
		case <-l.closed:
			return
		}
	}
}

func (l *Link) touchActivity() {
	l.lastActivity.Store(time.Now().UnixNano())
}

func (l *Link) setWaitingPong(deadline time.Time) {
	l.waitMu.Lock()
	defer l.waitMu.Unlock()
	l.waitingPong = true
	l.pongDeadline = deadline
}

func (l *Link) ackPong() {
	l.waitMu.Lock()
	defer l.waitMu.Unlock()
	l.waitingPong = false
	l.pongDeadline = time.Time{}
}

func (l *Link) isWaitingPong() bool {
	l.waitMu.Lock()
	defer l.waitMu.Unlock()
	return l.waitingPong
}

func (l *Link) waitingPongExpired() bool {
	l.waitMu.Lock()
	defer l.waitMu.Unlock()
	return l.waitingPong && time.Now().After(l.pongDeadline)
}

func (l *Link) closeWithError(err error) {
	l.closeOnce.Do(func() {
		l.errMu.Lock()
		l.closeErr = err
		l.errMu.Unlock()

		_ = l.conn.Close()
		close(l.closed)
		if err != nil {
			l.log.Debug().Err(err).Msg("link closed with error")
		}
	})
}

func (l *Link) String() string {
	return fmt.Sprintf("%s(%s %s)", l.peer.DeviceID, l.direction, l.peer.RemoteAddr)
}
