package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"kdeconnect-service/models"
)

// Server accepts inbound TCP sessions and upgrades them to Links.
type Server struct {
	listener net.Listener
	options  HandshakeOptions

	incoming chan *Link
	errs     chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds the session port and answers every inbound connection with a
// challenge; authenticated links arrive on Incoming.
func Listen(address string, options HandshakeOptions) (*Server, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	// Handshake responses advertise the port peers should dial back.
	if addr, ok := listener.Addr().(*net.TCPAddr); ok && opts.Identity.TCPPort == 0 {
		opts.Identity.TCPPort = addr.Port
	}

	server := &Server{
		listener: listener,
		options:  opts,
		incoming: make(chan *Link, 16),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr is the bound TCP address; useful when listening on port 0.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Incoming returns authenticated links.
func (s *Server) Incoming() <-chan *Link {
	return s.incoming
}

// Errors returns failed inbound handshakes, classified as *models.Error
// where the failure kind is known.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops the accept loop, waits for in-flight handshakes and closes the
// Incoming and Errors channels.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.incoming)
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			s.reportError(models.NewError(models.KindTransport, "accept connection", "", err))
			continue
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()

	closeConn := true
	defer func() {
		if closeConn {
			_ = conn.Close()
		}
	}()

	if err := conn.SetDeadline(time.Now().Add(s.options.HandshakeTimeout)); err != nil {
		s.reportError(fmt.Errorf("set handshake deadline: %w", err))
		return
	}

	result, err := responderHandshake(conn, s.options)
	if err != nil {
		s.options.Logger.Debug().Err(err).Str("remote_addr", conn.RemoteAddr().String()).Msg("inbound handshake failed")
		s.reportError(err)
		return
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		s.reportError(fmt.Errorf("clear handshake deadline: %w", err))
		return
	}

	link, err := newLink(conn, result, Inbound, s.options)
	if err != nil {
		s.reportError(err)
		return
	}

	closeConn = false
	select {
	case s.incoming <- link:
	case <-s.closed:
		_ = link.Close()
	}
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case s.errs <- err:
	default:
	}
}
