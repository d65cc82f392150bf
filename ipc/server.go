package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	clientQueueSize = 64
	writeTimeout    = 5 * time.Second
	pingInterval    = 30 * time.Second
	pongTimeout     = 60 * time.Second
	maxRequestSize  = 1 << 20
)

// ErrSocketInUse indicates another process is serving on the socket path.
var ErrSocketInUse = errors.New("ipc socket is already in use")

// ServerOptions configures the IPC endpoint.
type ServerOptions struct {
	SocketPath string
	Commands   *Commands
	Broker     *Broker
	Logger     zerolog.Logger
}

// Server serves WebSocket clients on a unix socket.
type Server struct {
	opts     ServerOptions
	log      zerolog.Logger
	listener net.Listener
	http     *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	clients map[*serverClient]struct{}
	closed  bool
}

// Listen binds the unix socket and starts serving. A stale socket file left
// by a previous process is replaced.
func Listen(opts ServerOptions) (*Server, error) {
	if opts.SocketPath == "" {
		return nil, errors.New("ipc socket path is required")
	}
	if opts.Commands == nil || opts.Broker == nil {
		return nil, errors.New("ipc server requires commands and a broker")
	}
	if err := os.MkdirAll(filepath.Dir(opts.SocketPath), 0o700); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	if err := removeStaleSocket(opts.SocketPath); err != nil {
		return nil, err
	}

	listener, err := net.Listen("unix", opts.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", opts.SocketPath, err)
	}
	if err := os.Chmod(opts.SocketPath, 0o600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("restrict socket permissions: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:     opts,
		log:      opts.Logger.With().Str("component", "ipc").Logger(),
		listener: listener,
		ctx:      ctx,
		cancel:   cancel,
		clients:  make(map[*serverClient]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebSocket)
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("ipc server stopped")
		}
	}()

	s.log.Info().Str("socket", opts.SocketPath).Msg("ipc server listening")
	return s, nil
}

func removeStaleSocket(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %s", ErrSocketInUse, path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

// Addr returns the socket path.
func (s *Server) Addr() string {
	return s.opts.SocketPath
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects every client and removes the socket.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	clients := make([]*serverClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.http.Shutdown(ctx)
	for _, c := range clients {
		c.close()
	}
	s.wg.Wait()
	_ = os.Remove(s.opts.SocketPath)
	return err
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Only local processes that can open the 0600 socket get here.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to upgrade ipc connection")
		return
	}

	c := &serverClient{
		server: s,
		conn:   conn,
		out:    make(chan Message, clientQueueSize),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.Debug().Int("clients", s.Clients()).Msg("ipc client connected")
	go c.writeLoop()
	c.readLoop()

	c.close()
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	s.wg.Done()
	s.log.Debug().Msg("ipc client disconnected")
}

type serverClient struct {
	server *Server
	conn   *websocket.Conn
	out    chan Message
	done   chan struct{}

	mu        sync.Mutex
	sub       *Subscription
	closeOnce sync.Once
}

func (c *serverClient) readLoop() {
	c.conn.SetReadLimit(maxRequestSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		var req Request
		if err := c.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.server.log.Debug().Err(err).Msg("ipc read failed")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))

		if req.Command == CommandSubscribe {
			filter := Filter{}
			if req.Filter != nil {
				filter = *req.Filter
			}
			c.subscribe(filter)
		}
		resp := c.server.opts.Commands.Execute(c.server.ctx, req)
		if !c.enqueue(Message{Response: &resp}) {
			return
		}
	}
}

func (c *serverClient) subscribe(filter Filter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil {
		c.sub.SetFilter(filter)
		return
	}
	sub := c.server.opts.Broker.Subscribe(filter)
	c.sub = sub
	go func() {
		for event := range sub.C {
			if !c.enqueue(Message{Event: &event}) {
				return
			}
		}
	}()
}

func (c *serverClient) enqueue(msg Message) bool {
	select {
	case c.out <- msg:
		return true
	case <-c.done:
		return false
	}
}

func (c *serverClient) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.log.Debug().Err(err).Msg("ipc write failed")
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "service stopping"),
				time.Now().Add(time.Second))
			return
		}
	}
}

func (c *serverClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.sub != nil {
			c.sub.Close()
		}
		c.mu.Unlock()
		_ = c.conn.Close()
	})
}
