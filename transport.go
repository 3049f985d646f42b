// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package busio

import (
	"errors"
	"strings"
	"time"

	"github.com/creachadair/busio/code"
)

// A Transport is the capability a Channel uses to reach a shared bus. It
// serializes competing requests onto the physical channel and performs the
// raw I/O. The port package provides an implementation.
//
// Queue requests a turn. Exactly one of HandleTurn or HandleTimeout is later
// called on the TurnHandler the transport was attached with, unless Cancel
// intervenes. A transport runs at most one turn at a time for a given
// handler. The raw I/O methods are only valid during a turn, with the
// exception of Connect, IsConnected and AutoConnect.
type Transport interface {
	// Queue asks for a turn at the given priority. If timeout > 0 and the turn
	// has not started within timeout, HandleTimeout is called instead.
	Queue(pri Priority, timeout time.Duration) error

	// Cancel removes any queued request and blocks until no handler for this
	// attachment is running and none will start.
	Cancel()

	// Block reserves the bus for this attachment until Unblock is called.
	// Turns requested by other attachments wait in the meantime.
	Block()
	Unblock()

	Connect() error
	Disconnect() error
	IsConnected() bool
	AutoConnect() bool

	// Read reads up to len(buf) bytes, waiting at most timeout for data. A
	// timeout of zero polls. On a timeout the error is ErrTimeout and n
	// reports the bytes received before it expired.
	Read(buf []byte, timeout time.Duration) (int, EOM, error)

	// Write writes as much of data as the bus accepts in one call.
	Write(data []byte, timeout time.Duration) (int, error)

	// Flush discards any pending unread input.
	Flush() error

	// SetInputEOS sets the end-of-message sequence recognized by Read. An
	// empty sequence disables detection. A transport may reject sequences it
	// cannot recognize.
	SetInputEOS(eos []byte) error

	// CanPeek reports whether the bus supports reading a single byte ahead
	// of a reply without losing the remainder.
	CanPeek() bool

	// OnInput registers f to receive unsolicited input. OnEvent registers f
	// to receive event values. Either may report ErrUnsupported.
	OnInput(f func(data []byte)) (cancel func(), err error)
	OnEvent(f func(value uint32)) (cancel func(), err error)

	// Close releases the attachment.
	Close() error
}

// A TurnHandler receives the outcome of a queued request from a Transport.
type TurnHandler interface {
	// HandleTurn is called when the handler has exclusive use of the bus.
	HandleTurn()

	// HandleTimeout is called when the queued request could not be started
	// within its admission timeout.
	HandleTimeout()
}

// Priority orders competing requests for the same bus.
type Priority int

// Request priorities, lowest first.
const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityConnect
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityConnect:
		return "connect"
	}
	return "invalid"
}

// EOM is a set of flags reporting why a Read stopped.
type EOM int

// End-of-message reasons. A read that filled its buffer reports EOMCount.
const (
	EOMCount EOM = 1 << iota // the requested count was reached
	EOMEOS                   // the end-of-message sequence was matched
	EOMEnd                   // the device signalled the end of a message
)

// IsEnd reports whether e marks the end of a message.
func (e EOM) IsEnd() bool { return e&(EOMEOS|EOMEnd) != 0 }

func (e EOM) String() string {
	var parts []string
	if e&EOMCount != 0 {
		parts = append(parts, "count")
	}
	if e&EOMEOS != 0 {
		parts = append(parts, "eos")
	}
	if e&EOMEnd != 0 {
		parts = append(parts, "end")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Errors a Transport reports from raw I/O.
var (
	// ErrTimeout reports that a read or write window expired. It carries
	// code.Timeout.
	ErrTimeout = code.Timeout.Err()

	// ErrOverflow reports that input did not fit the requested read size.
	ErrOverflow = errors.New("input overflow")

	// ErrUnsupported reports that the transport lacks an optional
	// capability.
	ErrUnsupported = errors.New("operation not supported")
)
