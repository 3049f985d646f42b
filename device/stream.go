package device

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/creachadair/busio"
)

// A Stream is a Device backed by a network connection, such as a terminal
// server port or an instrument with a raw socket interface.
type Stream struct {
	Network string // e.g., "tcp"
	Address string // e.g., "host:4001"

	// If set, Dial is used to open the connection. Otherwise a net.Dialer
	// is used.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)

	// If positive, the time allowed to establish a connection.
	DialTimeout time.Duration

	mu   sync.Mutex
	conn net.Conn
}

// Connect implements part of Device.
func (s *Stream) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	ctx := context.Background()
	if s.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.DialTimeout)
		defer cancel()
	}
	dial := s.Dial
	if dial == nil {
		dial = new(net.Dialer).DialContext
	}
	conn, err := dial(ctx, s.Network, s.Address)
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

// Disconnect implements part of Device.
func (s *Stream) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *Stream) getConn() (net.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, ErrNotConnected
	}
	return s.conn, nil
}

func deadline(timeout time.Duration) time.Time {
	if timeout < 0 {
		return time.Time{}
	}
	return time.Now().Add(waitFor(timeout))
}

// Read implements part of Device.
func (s *Stream) Read(buf []byte, timeout time.Duration) (int, busio.EOM, error) {
	conn, err := s.getConn()
	if err != nil {
		return 0, 0, err
	}
	if err := conn.SetReadDeadline(deadline(timeout)); err != nil {
		return 0, 0, err
	}
	n, err := conn.Read(buf)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return n, 0, busio.ErrTimeout
	} else if err != nil {
		return n, 0, err
	} else if n == len(buf) {
		return n, busio.EOMCount, nil
	}
	return n, 0, nil
}

// Write implements part of Device.
func (s *Stream) Write(data []byte, timeout time.Duration) (int, error) {
	conn, err := s.getConn()
	if err != nil {
		return 0, err
	}
	if err := conn.SetWriteDeadline(deadline(timeout)); err != nil {
		return 0, err
	}
	n, err := conn.Write(data)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return n, busio.ErrTimeout
	}
	return n, err
}

// Flush implements part of Device. It discards input that is already
// available without waiting for more.
func (s *Stream) Flush() error {
	conn, err := s.getConn()
	if err != nil {
		return err
	}
	var buf [256]byte
	for {
		if err := conn.SetReadDeadline(time.Now().Add(pollWait)); err != nil {
			return err
		}
		n, err := conn.Read(buf[:])
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil
		} else if err != nil {
			return err
		} else if n == 0 {
			return nil
		}
	}
}
