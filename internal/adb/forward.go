package adb

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// forwardConn removes its adb forward when closed.
type forwardConn struct {
	net.Conn
	once   sync.Once
	remove func() error
}

func (c *forwardConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() {
		if rerr := c.remove(); rerr != nil && err == nil {
			err = rerr
		}
	})
	return err
}

// DialForward tunnels a host-picked local port to remote on the device and
// connects to it. Closing the connection removes the tunnel.
func (c *Client) DialForward(ctx context.Context, serial, remote string) (net.Conn, error) {
	port, err := c.Forward(ctx, serial, 0, remote)
	if err != nil {
		return nil, fmt.Errorf("forward %s: %w", remote, err)
	}
	remove := func() error {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return c.RemoveForward(rctx, serial, port)
	}

	d := net.Dialer{Timeout: time.Second}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		if rerr := remove(); rerr != nil {
			c.logger.Warn("Failed to remove forward", "serial", serial, "port", port, "error", rerr)
		}
		return nil, err
	}
	return &forwardConn{Conn: conn, remove: remove}, nil
}
