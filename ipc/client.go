package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"kdeconnect-service/models"
)

// ErrClientClosed is returned by calls on a closed client.
var ErrClientClosed = errors.New("ipc client closed")

// RemoteError is a failed command as reported by the service.
type RemoteError struct {
	Kind    models.ErrorKind
	Message string
}

func (e *RemoteError) Error() string {
	if e.Kind == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Err converts a failed response into a *RemoteError.
func (r Response) Err() error {
	if r.OK {
		return nil
	}
	return &RemoteError{Kind: r.ErrorKind, Message: r.Error}
}

// Client talks to a running service over its unix socket.
type Client struct {
	conn   *websocket.Conn
	nextID atomic.Int64
	events chan models.Event

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan Response
	err     error

	done    chan struct{}
	dropped atomic.Int64
}

// Dial connects to the service socket.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
		HandshakeTimeout: 5 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, "ws://kdeconnect-service/", nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", socketPath, err)
	}

	c := &Client{
		conn:    conn,
		events:  make(chan models.Event, 256),
		pending: make(map[int64]chan Response),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Events delivers pushed events after Subscribe. It is closed when the
// connection ends.
func (c *Client) Events() <-chan models.Event {
	return c.events
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// Call sends req and waits for its response. The request ID is assigned here.
func (c *Client) Call(ctx context.Context, req Request) (Response, error) {
	req.ID = c.nextID.Add(1)
	wait := make(chan Response, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return Response{}, err
	}
	c.pending[req.ID] = wait
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	}
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		return Response{}, fmt.Errorf("send %s: %w", req.Command, err)
	}

	select {
	case resp := <-wait:
		return resp, nil
	case <-c.done:
		return Response{}, c.Err()
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

func (c *Client) do(ctx context.Context, req Request) (Response, error) {
	resp, err := c.Call(ctx, req)
	if err != nil {
		return resp, err
	}
	return resp, resp.Err()
}

// Devices returns the service's device list.
func (c *Client) Devices(ctx context.Context) ([]models.Device, error) {
	resp, err := c.do(ctx, Request{Command: CommandGetDeviceList})
	return resp.Devices, err
}

// Pairings returns pending pairing requests.
func (c *Client) Pairings(ctx context.Context) ([]models.PairingRequest, error) {
	resp, err := c.do(ctx, Request{Command: CommandGetPairings})
	return resp.Pairings, err
}

// Pair asks the service to pair with deviceID.
func (c *Client) Pair(ctx context.Context, deviceID string) error {
	_, err := c.do(ctx, Request{Command: CommandInitiatePair, DeviceID: deviceID})
	return err
}

// ResolvePair accepts or rejects a pending request from deviceID.
func (c *Client) ResolvePair(ctx context.Context, deviceID string, accept bool) error {
	_, err := c.do(ctx, Request{Command: CommandResolvePair, DeviceID: deviceID, Accept: &accept})
	return err
}

// Unpair revokes trust in deviceID.
func (c *Client) Unpair(ctx context.Context, deviceID string) error {
	_, err := c.do(ctx, Request{Command: CommandUnpair, DeviceID: deviceID})
	return err
}

// Connect asks the service to dial address directly.
func (c *Client) Connect(ctx context.Context, address string) (string, error) {
	resp, err := c.do(ctx, Request{Command: CommandConnect, Address: address})
	return resp.DeviceID, err
}

// SendPacket asks the service to send a plugin packet to deviceID.
func (c *Client) SendPacket(ctx context.Context, deviceID, packetType string, body any) error {
	var raw json.RawMessage
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode packet body: %w", err)
		}
		raw = encoded
	}
	_, err := c.do(ctx, Request{Command: CommandSendPacket, DeviceID: deviceID, PacketType: packetType, Body: raw})
	return err
}

// Subscribe starts event delivery and returns the current device list.
// Calling it again replaces the filter.
func (c *Client) Subscribe(ctx context.Context, filter Filter) ([]models.Device, error) {
	resp, err := c.do(ctx, Request{Command: CommandSubscribe, Filter: &filter})
	return resp.Devices, err
}

// Dropped counts events discarded because Events was not drained.
func (c *Client) Dropped() int64 {
	return c.dropped.Load()
}

func (c *Client) readLoop() {
	var err error
	defer func() {
		c.mu.Lock()
		if err == nil {
			err = ErrClientClosed
		}
		c.err = err
		c.mu.Unlock()
		close(c.done)
		close(c.events)
	}()

	for {
		var msg Message
		if err = c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = fmt.Errorf("%w: %v", ErrClientClosed, err)
			}
			return
		}
		switch {
		case msg.Event != nil:
			select {
			case c.events <- *msg.Event:
			default:
				c.dropped.Add(1)
			}
		case msg.Response != nil:
			c.mu.Lock()
			wait, ok := c.pending[msg.Response.ID]
			c.mu.Unlock()
			if ok {
				wait <- *msg.Response
			}
		}
	}
}
