// Package device defines the raw byte devices a bus port drives, and
// provides implementations for in-memory pipes, network streams and serial
// lines.
package device

import (
	"errors"
	"time"

	"github.com/creachadair/busio"
)

// A Device is a raw, half-duplex byte channel. A Device is used by one
// goroutine at a time.
//
// Timeouts follow the busio conventions: a negative timeout waits without
// bound and a zero timeout polls.
type Device interface {
	// Connect opens the device. Connecting an open device is a no-op.
	Connect() error

	// Disconnect closes the device. It may be reopened by Connect.
	Disconnect() error

	// Read reads up to len(buf) bytes, waiting at most timeout for the first
	// byte. If no data arrive in time, it reports busio.ErrTimeout.
	Read(buf []byte, timeout time.Duration) (int, busio.EOM, error)

	// Write writes a prefix of data, and reports how much was written.
	Write(data []byte, timeout time.Duration) (int, error)

	// Flush discards pending input.
	Flush() error
}

// A Peeker is a Device that reports whether it supports single-byte reads.
// Devices that do not implement Peeker are assumed to support them.
type Peeker interface {
	CanPeek() bool
}

// An EventSource is a Device that reports out-of-band event values. The
// channel returned by Events is closed when the device is closed.
type EventSource interface {
	Events() <-chan uint32
}

// ErrNotConnected is reported by I/O on a device that is not connected.
var ErrNotConnected = errors.New("device is not connected")

// pollWait is the wait used for a zero-timeout read on devices whose
// deadlines cannot express an immediate poll.
const pollWait = time.Millisecond

func waitFor(timeout time.Duration) time.Duration {
	if timeout == 0 {
		return pollWait
	}
	return timeout
}
