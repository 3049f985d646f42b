// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package testutil defines internal support code for writing tests.
package testutil

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/busio"
	"github.com/creachadair/busio/code"
)

// A Call records one operation performed on a Transport.
type Call struct {
	Op      string
	Pri     busio.Priority
	Size    int
	Timeout time.Duration
	Data    string
}

func (c Call) String() string {
	return fmt.Sprintf("%s(pri=%v size=%d timeout=%v data=%q)", c.Op, c.Pri, c.Size, c.Timeout, c.Data)
}

// A Reply is a scripted result for one Read call.
type Reply struct {
	Data string
	EOM  busio.EOM
	Err  error
}

// Transport is a scripted implementation of busio.Transport. Turns do not
// run by themselves: the test calls Turn or Expire to run the pending
// request. Unscripted reads time out with no data.
type Transport struct {
	// Fields set before use.
	Replies    []Reply // consumed in order by Read
	WriteLimit int     // if positive, the most bytes accepted per Write
	WriteErr   error   // if set, reported by Write
	FlushErr   error   // if set, reported by Flush
	QueueErr   error   // if set, reported by Queue
	ConnectErr error   // if set, reported by Connect
	MaxEOS     int     // if positive, longer sequences are rejected
	NoPeek     bool    // if true, CanPeek reports false
	NoInput    bool    // if true, OnInput is unsupported
	NoEvents   bool    // if true, OnEvent is unsupported
	Auto       bool    // reported by AutoConnect
	Connected  bool    // reported by IsConnected

	turn    sync.Mutex // held while a handler runs
	mu      sync.Mutex
	h       busio.TurnHandler
	pending bool
	calls   []Call
	written []byte
	input   func([]byte)
	event   func(uint32)
	closed  bool
}

// Attach binds h to t. It satisfies busio.AttachFunc.
func (t *Transport) Attach(h busio.TurnHandler) (busio.Transport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.h != nil {
		return nil, errors.New("transport is already attached")
	}
	t.h = h
	return t, nil
}

func (t *Transport) record(c Call) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, c)
}

// Calls returns the operations performed on t so far, and discards them.
func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.calls
	t.calls = nil
	return out
}

// Written returns all data accepted by Write.
func (t *Transport) Written() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.written)
}

// Pending reports whether a queued request is waiting for a turn.
func (t *Transport) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

// IsClosed reports whether Close has been called.
func (t *Transport) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Turn runs the pending request, and reports whether there was one. It
// returns after the handler has finished.
func (t *Transport) Turn() bool { return t.dispatch(busio.TurnHandler.HandleTurn) }

// Expire reports an admission timeout for the pending request, and reports
// whether there was one.
func (t *Transport) Expire() bool { return t.dispatch(busio.TurnHandler.HandleTimeout) }

func (t *Transport) dispatch(f func(busio.TurnHandler)) bool {
	t.turn.Lock()
	defer t.turn.Unlock()
	t.mu.Lock()
	ok := t.pending
	t.pending = false
	h := t.h
	t.mu.Unlock()
	if ok {
		f(h)
	}
	return ok
}

// Input delivers unsolicited input to the registered listener, if any.
func (t *Transport) Input(data string) {
	t.mu.Lock()
	f := t.input
	t.mu.Unlock()
	if f != nil {
		f([]byte(data))
	}
}

// Signal delivers an event value to the registered listener, if any.
func (t *Transport) Signal(v uint32) {
	t.mu.Lock()
	f := t.event
	t.mu.Unlock()
	if f != nil {
		f(v)
	}
}

// Queue implements part of busio.Transport.
func (t *Transport) Queue(pri busio.Priority, timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, Call{Op: "queue", Pri: pri, Timeout: timeout})
	if t.QueueErr != nil {
		return t.QueueErr
	} else if t.pending {
		return errors.New("request already queued")
	}
	t.pending = true
	return nil
}

// Cancel implements part of busio.Transport.
func (t *Transport) Cancel() {
	t.mu.Lock()
	t.pending = false
	t.calls = append(t.calls, Call{Op: "cancel"})
	t.mu.Unlock()

	// Wait for a running handler to finish.
	t.turn.Lock()
	t.turn.Unlock()
}

// Block implements part of busio.Transport.
func (t *Transport) Block() { t.record(Call{Op: "block"}) }

// Unblock implements part of busio.Transport.
func (t *Transport) Unblock() { t.record(Call{Op: "unblock"}) }

// Connect implements part of busio.Transport.
func (t *Transport) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, Call{Op: "connect"})
	if t.ConnectErr != nil {
		return t.ConnectErr
	}
	t.Connected = true
	return nil
}

// Disconnect implements part of busio.Transport.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, Call{Op: "disconnect"})
	t.Connected = false
	return nil
}

// IsConnected implements part of busio.Transport.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Connected
}

// AutoConnect implements part of busio.Transport.
func (t *Transport) AutoConnect() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Auto
}

// Read implements part of busio.Transport.
func (t *Transport) Read(buf []byte, timeout time.Duration) (int, busio.EOM, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, Call{Op: "read", Size: len(buf), Timeout: timeout})
	if len(t.Replies) == 0 {
		return 0, 0, busio.ErrTimeout
	}
	r := t.Replies[0]
	t.Replies = t.Replies[1:]
	n := copy(buf, r.Data)
	return n, r.EOM, r.Err
}

// Write implements part of busio.Transport.
func (t *Transport) Write(data []byte, timeout time.Duration) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, Call{Op: "write", Size: len(data), Timeout: timeout, Data: string(data)})
	if t.WriteErr != nil {
		return 0, t.WriteErr
	}
	n := len(data)
	if t.WriteLimit > 0 && n > t.WriteLimit {
		n = t.WriteLimit
	}
	t.written = append(t.written, data[:n]...)
	return n, nil
}

// Flush implements part of busio.Transport.
func (t *Transport) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, Call{Op: "flush"})
	return t.FlushErr
}

// SetInputEOS implements part of busio.Transport.
func (t *Transport) SetInputEOS(eos []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, Call{Op: "eos", Data: string(eos)})
	if t.MaxEOS > 0 && len(eos) > t.MaxEOS {
		return errors.New("end-of-message sequence too long")
	}
	return nil
}

// CanPeek implements part of busio.Transport.
func (t *Transport) CanPeek() bool { return !t.NoPeek }

// OnInput implements part of busio.Transport.
func (t *Transport) OnInput(f func([]byte)) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.NoInput {
		return nil, busio.ErrUnsupported
	}
	t.input = f
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.input = nil
	}, nil
}

// OnEvent implements part of busio.Transport.
func (t *Transport) OnEvent(f func(uint32)) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.NoEvents {
		return nil, busio.ErrUnsupported
	}
	t.event = f
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.event = nil
	}, nil
}

// Close implements part of busio.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// A Result records one completion reported to a Client.
type Result struct {
	Op   string
	Code code.Code
	Data string
}

func (r Result) String() string { return fmt.Sprintf("%s(%v, %q)", r.Op, r.Code, r.Data) }

// Client is a busio.Client that records the completions it receives. Each
// ReadComplete returns the next value from More, or 0 when More is empty.
type Client struct {
	mu      sync.Mutex
	more    []int
	results []Result
}

// NewClient returns a Client whose reads continue according to more.
func NewClient(more ...int) *Client { return &Client{more: more} }

// Results returns the completions received so far, and discards them.
func (c *Client) Results() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.results
	c.results = nil
	return out
}

func (c *Client) add(op string, s code.Code, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, Result{Op: op, Code: s, Data: string(data)})
}

// LockComplete implements part of busio.Client.
func (c *Client) LockComplete(s code.Code) { c.add("lock", s, nil) }

// WriteComplete implements part of busio.Client.
func (c *Client) WriteComplete(s code.Code) { c.add("write", s, nil) }

// ReadComplete implements part of busio.Client.
func (c *Client) ReadComplete(s code.Code, data []byte) int {
	c.add("read", s, data)
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.more) == 0 {
		return 0
	}
	n := c.more[0]
	c.more = c.more[1:]
	return n
}

// EventComplete implements part of busio.Client.
func (c *Client) EventComplete(s code.Code) { c.add("event", s, nil) }

// ConnectComplete implements part of busio.Client.
func (c *Client) ConnectComplete(s code.Code) { c.add("connect", s, nil) }
