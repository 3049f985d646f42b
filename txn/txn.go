// Package txn provides blocking, context-aware transactions on a
// busio.Channel.
//
// A Channel reports the outcome of each request to a callback. A Conn bridges
// those callbacks to ordinary function calls, so that a command and its reply
// can be written as
//
//	c, err := txn.New("gpib0", 5, "", nil)
//	...
//	rep, err := c.Do(ctx, []byte("*IDN?\n"), nil)
//	...
//	fmt.Println(string(rep.Data))
//
// Each method waits for its request to complete. If ctx ends first, the
// pending request is cancelled with CancelAll and the method reports the
// context error. The methods of a Conn may be called concurrently, but they
// are performed one at a time.
package txn

import (
	"context"
	"sync"
	"time"

	"github.com/creachadair/busio"
	"github.com/creachadair/busio/code"
)

// A Conn performs transactions on a channel.
type Conn struct {
	ch *busio.Channel

	run sync.Mutex // held for the duration of each operation

	mu sync.Mutex
	op *op // the operation awaiting completion, or nil
}

// An op is one pending request.
type op struct {
	done   chan code.Code // receives the final status
	data   []byte         // input collected by a read
	expect int
	max    int
}

// New opens a channel for the device at addr on the named bus, using the
// first registered bus interface that serves it. See busio.Find.
func New(bus string, addr int, param string, opts *busio.Options) (*Conn, error) {
	c := new(Conn)
	ch, err := busio.Find(bridge{c}, bus, addr, param, opts)
	if err != nil {
		return nil, err
	}
	c.ch = ch
	return c, nil
}

// Attach creates a channel named name on the transport provided by attach.
func Attach(name string, attach busio.AttachFunc, opts *busio.Options) (*Conn, error) {
	c := new(Conn)
	ch, err := busio.NewChannel(name, bridge{c}, attach, opts)
	if err != nil {
		return nil, err
	}
	c.ch = ch
	return c, nil
}

// Channel returns the channel underlying c.
func (c *Conn) Channel() *busio.Channel { return c.ch }

// Close closes the channel underlying c.
func (c *Conn) Close() error { return c.ch.Close() }

// Lock acquires exclusive use of the bus, waiting up to timeout. A zero
// timeout waits without bound.
func (c *Conn) Lock(ctx context.Context, timeout time.Duration) error {
	_, err := c.call(ctx, &op{}, func() error { return c.ch.Lock(timeout) })
	return err
}

// Unlock releases the bus acquired by Lock.
func (c *Conn) Unlock() error { return c.ch.Unlock() }

// Write writes data to the bus, waiting up to timeout for the bus to accept
// all of it.
func (c *Conn) Write(ctx context.Context, data []byte, timeout time.Duration) error {
	_, err := c.call(ctx, &op{}, func() error { return c.ch.Write(data, timeout) })
	return err
}

// ReadOptions control a Read.
type ReadOptions struct {
	// The longest wait for the first byte of the reply. A negative value
	// waits without bound.
	Reply time.Duration

	// The longest wait between subsequent bytes. A negative value waits
	// without bound.
	Read time.Duration

	// If positive, the length of the reply. The read completes with
	// code.Success once this many bytes have arrived.
	Expect int

	// If positive, the read completes with code.Success once at least this
	// many bytes have arrived.
	Max int

	// If true, wait for the reply without holding the bus. The channel
	// stops waiting for input when the read completes.
	Async bool
}

// A Reply is the input collected by a Read.
type Reply struct {
	Data   []byte
	Status code.Code // the status that completed the read
}

// Read collects input from the bus until the end of a message, until the
// length set by opts is reached, or until the input stops.
//
// A read that received some input before the input stopped reports a nil
// error with status code.Timeout. Otherwise the error is the status error
// from code.Err, if any.
func (c *Conn) Read(ctx context.Context, opts ReadOptions) (Reply, error) {
	if opts.Async {
		c.ch.SupportsAsyncRead()
		defer c.ch.CancelAll()
	}
	o := &op{expect: opts.Expect, max: opts.Max}
	status, err := c.call(ctx, o, func() error {
		return c.ch.Read(opts.Reply, opts.Read, opts.Expect, opts.Async)
	})
	rep := Reply{Data: o.data, Status: status}
	if err != nil && status == code.Timeout && len(o.data) != 0 {
		return rep, nil
	}
	return rep, err
}

// Event waits up to timeout for an event matching mask. An event that
// arrived since the last Write satisfies it at once.
func (c *Conn) Event(ctx context.Context, mask uint32, timeout time.Duration) error {
	_, err := c.call(ctx, &op{}, func() error { return c.ch.AcceptEvent(mask, timeout) })
	return err
}

// Connect connects the bus, waiting up to timeout.
func (c *Conn) Connect(ctx context.Context, timeout time.Duration) error {
	_, err := c.call(ctx, &op{}, func() error { return c.ch.Connect(timeout) })
	return err
}

// DoOptions control a Do. A nil *DoOptions provides the defaults shown.
type DoOptions struct {
	Lock  time.Duration // default 5s
	Write time.Duration // default 1s
	Read  ReadOptions   // zero timeouts default to Reply 1s, Read 100ms

	// If true, Do only writes the command and reports an empty reply.
	NoReply bool
}

func (o *DoOptions) lockTimeout() time.Duration {
	if o == nil || o.Lock == 0 {
		return 5 * time.Second
	}
	return o.Lock
}

func (o *DoOptions) writeTimeout() time.Duration {
	if o == nil || o.Write == 0 {
		return time.Second
	}
	return o.Write
}

func (o *DoOptions) readOptions() ReadOptions {
	var ro ReadOptions
	if o != nil {
		ro = o.Read
	}
	if ro.Reply == 0 {
		ro.Reply = time.Second
	}
	if ro.Read == 0 {
		ro.Read = 100 * time.Millisecond
	}
	return ro
}

func (o *DoOptions) noReply() bool { return o != nil && o.NoReply }

// Do performs a complete transaction: it locks the bus, writes cmd, reads the
// reply, and unlocks the bus.
func (c *Conn) Do(ctx context.Context, cmd []byte, opts *DoOptions) (Reply, error) {
	if err := c.Lock(ctx, opts.lockTimeout()); err != nil {
		return Reply{}, err
	}
	defer c.Unlock()
	if err := c.Write(ctx, cmd, opts.writeTimeout()); err != nil {
		return Reply{}, err
	}
	if opts.noReply() {
		return Reply{Status: code.Success}, nil
	}
	return c.Read(ctx, opts.readOptions())
}

// call issues a request with start and waits for o to complete.
func (c *Conn) call(ctx context.Context, o *op, start func() error) (code.Code, error) {
	c.run.Lock()
	defer c.run.Unlock()

	o.done = make(chan code.Code, 1)
	c.setOp(o)
	if err := start(); err != nil {
		c.setOp(nil)
		return code.Fault, err
	}
	select {
	case status := <-o.done:
		return status, status.Err()
	case <-ctx.Done():
		c.ch.CancelAll()
		c.setOp(nil)
		select {
		case status := <-o.done:
			// The request completed before it could be cancelled.
			return status, status.Err()
		default:
			return code.FromError(ctx.Err()), ctx.Err()
		}
	}
}

func (c *Conn) setOp(o *op) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.op = o
}

func (c *Conn) currentOp() *op {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.op
}

// complete reports status for the pending operation, if any.
func (c *Conn) complete(status code.Code) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.op != nil {
		c.op.done <- status
		c.op = nil
	}
}

// bridge implements busio.Client for a Conn.
type bridge struct{ c *Conn }

func (b bridge) LockComplete(status code.Code)    { b.c.complete(status) }
func (b bridge) WriteComplete(status code.Code)   { b.c.complete(status) }
func (b bridge) EventComplete(status code.Code)   { b.c.complete(status) }
func (b bridge) ConnectComplete(status code.Code) { b.c.complete(status) }

func (b bridge) ReadComplete(status code.Code, data []byte) int {
	o := b.c.currentOp()
	if o == nil {
		return 0
	}
	o.data = append(o.data, data...)
	if status == code.Success {
		if o.expect > 0 {
			if rem := o.expect - len(o.data); rem > 0 {
				return rem
			}
		} else if o.max <= 0 || len(o.data) < o.max {
			return -1
		}
	}
	b.c.complete(status)
	return 0
}
