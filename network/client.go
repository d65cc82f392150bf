package network

import (
	"context"
	"fmt"
	"net"
	"time"

	"kdeconnect-service/models"
)

// Dial connects to a peer, performs the handshake, and returns a ready Link.
func Dial(ctx context.Context, address string, options HandshakeOptions) (*Link, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: opts.HandshakeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, models.NewError(models.KindTransport, "dial", "", fmt.Errorf("dial %q: %w", address, err))
	}

	if opts.OnConnected != nil {
		opts.OnConnected()
	}

	deadline := time.Now().Add(opts.HandshakeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	result, err := initiatorHandshake(conn, opts)
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	link, err := newLink(conn, result, Outbound, opts)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return link, nil
}
