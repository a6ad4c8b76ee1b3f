package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
)

// Session is one running helper and its local connection. A session is
// never reused: reconnecting means closing it and launching a new one.
type Session struct {
	Device    string
	SCID      uint32
	LocalPort int
	Header    Header

	conn     net.Conn
	handle   Handle
	teardown func()
	logger   *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Conn returns the connection carrying raw Annex-B video.
func (s *Session) Conn() net.Conn {
	return s.conn
}

// Reader returns the raw Annex-B stream.
func (s *Session) Reader() io.Reader {
	return s.conn
}

// Done is closed when the helper process exits.
func (s *Session) Done() <-chan struct{} {
	return s.handle.Done()
}

// Close closes the connection, stops the helper and removes the forward.
// It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
		if errors.Is(s.closeErr, net.ErrClosed) {
			s.closeErr = nil
		}
		s.teardown()
		s.logger.Info("Bridge session closed", "port", s.LocalPort)
	})
	return s.closeErr
}

// RelayUDP re-chunks the raw stream into datagrams of at most mtu bytes and
// sends them to addr without re-framing. It returns when ctx is done or the
// stream ends. Datagrams are sized for loopback delivery.
func (s *Session) RelayUDP(ctx context.Context, addr string, mtu int) (int64, error) {
	if mtu <= 0 {
		mtu = 65000
	}
	var d net.Dialer
	out, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return 0, fmt.Errorf("dial udp relay: %w", err)
	}
	defer out.Close()

	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	buf := make([]byte, mtu)
	var total int64
	for {
		n, rerr := s.conn.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return total, fmt.Errorf("udp relay write: %w", werr)
			}
			total += int64(n)
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			if errors.Is(rerr, io.EOF) {
				return total, nil
			}
			return total, rerr
		}
	}
}
