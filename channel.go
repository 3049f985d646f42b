// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package busio

import (
	"bytes"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/busio/timer"
	"github.com/creachadair/mds/queue"
)

// A Channel mediates between one Client and a shared bus reached through a
// Transport. It holds at most one pending Intent at a time and reports the
// outcome of each request through the matching Client method.
//
// All requests are asynchronous: they return as soon as the request has been
// recorded. The transport's turns and timeouts, timer expiries, unsolicited
// input and events are all processed in arrival order by a single goroutine
// owned by the channel, which is also the goroutine that calls the client.
type Channel struct {
	name    string
	client  Client
	tp      Transport
	log     func(string, ...any)
	pri     Priority
	timer   timer.Timer
	stopped chan struct{} // closed when the run goroutine exits

	intent atomic.Int32 // written only by the run goroutine

	mu      sync.Mutex // protects the fields below
	inq     *queue.Queue[event]
	work    chan struct{} // for signaling event availability
	closing bool          // Close has been called
	closed  bool          // no further events are accepted
	tgen    uint64        // generation of the armed timer; stale expiries are dropped
	eos     []byte        // end-of-message sequence, may shrink on rejection
	unInput func()        // cancels the input listener, if registered
	unEvent func()        // cancels the event listener, if registered

	// The fields below are owned by the run goroutine.
	lockTimeout   time.Duration
	writeTimeout  time.Duration
	readTimeout   time.Duration
	replyTimeout  time.Duration
	expectLen     int
	in            *inputBuffer
	peekSize      int
	out           []byte // unwritten output
	flushed       bool   // stale input was flushed for the current write
	eventMask     uint32
	receivedEvent uint32
	queued        bool // a turn requested from the transport has not yet been reported
}

// An AttachFunc binds a TurnHandler to a transport.
type AttachFunc func(TurnHandler) (Transport, error)

// NewChannel constructs a channel named name that reports to client, and
// attaches it to a transport by calling attach. The channel is ready for use
// when NewChannel returns; call Close to release it.
func NewChannel(name string, client Client, attach AttachFunc, opts *Options) (*Channel, error) {
	c := &Channel{
		name:        name,
		client:      client,
		log:         opts.logger(name),
		pri:         PriorityLow,
		timer:       opts.newTimer(),
		stopped:     make(chan struct{}),
		inq:         queue.New[event](),
		work:        make(chan struct{}, 1),
		lockTimeout: -1,
		in:          newInputBuffer(opts.bufferSize()),
		peekSize:    1,
		eos:         opts.eos(),
	}
	if p, ok := client.(Prioritizer); ok {
		c.pri = p.Priority()
	}
	tp, err := attach(turnHandler{c})
	if err != nil {
		return nil, err
	}
	c.tp = tp
	if opts.noPeek() || !tp.CanPeek() {
		c.peekSize = nonPeekSize
	}
	if cancel, err := tp.OnEvent(c.deliverEvent); err == nil {
		c.unEvent = cancel
	} else {
		c.log("No event support: %v", err)
	}

	go func() { defer close(c.stopped); c.run() }()
	channelsActive.Add(1)
	return c, nil
}

// Name reports the name of c.
func (c *Channel) Name() string { return c.name }

// Intent reports the current intent of c.
func (c *Channel) Intent() Intent { return Intent(c.intent.Load()) }

// SupportsEvent reports whether the transport delivers events to c.
func (c *Channel) SupportsEvent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unEvent != nil
}

// SupportsAsyncRead reports whether the transport delivers unsolicited input
// to c. The first call registers c to receive it.
func (c *Channel) SupportsAsyncRead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unInput != nil {
		return true
	} else if c.closing {
		return false
	}
	cancel, err := c.tp.OnInput(c.deliverInput)
	if err != nil {
		c.log("Bus does not support asynchronous input: %v", err)
		return false
	}
	c.unInput = cancel
	return true
}

// SetEOS sets the end-of-message sequence used by subsequent reads. If the
// transport rejects it, reads fall back to successively shorter suffixes.
func (c *Channel) SetEOS(eos []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eos = bytes.Clone(eos)
}

// EOS reports the end-of-message sequence currently in effect.
func (c *Channel) EOS() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.eos)
}

// Lock requests exclusive access to the bus for one transaction, reporting
// the outcome to LockComplete. A timeout of zero waits without bound, and
// first connects the bus if it is not connected.
func (c *Channel) Lock(timeout time.Duration) error {
	return c.post(event{kind: evLock, timeout: timeout})
}

// Unlock releases the exclusive access obtained by Lock.
func (c *Channel) Unlock() error {
	if c.isClosed() {
		return ErrClosed
	}
	c.log("Unlock")
	c.tp.Unblock()
	return nil
}

// Write requests that data be written to the bus, reporting the outcome to
// WriteComplete. The channel writes from a private copy of data.
func (c *Channel) Write(data []byte, timeout time.Duration) error {
	return c.post(event{kind: evWrite, data: bytes.Clone(data), timeout: timeout})
}

// Read requests input from the bus. The reply timeout bounds the wait for the
// first byte and the read timeout bounds the wait between later bytes; a
// negative timeout waits without bound. If expect > 0 it is the expected
// length of the reply. Input is delivered to ReadComplete.
//
// If async is true, the channel does not hold the bus while it waits. It
// polls once, then relies on unsolicited input (see SupportsAsyncRead) and
// polls again whenever the reply timeout elapses without input.
func (c *Channel) Read(reply, read time.Duration, expect int, async bool) error {
	return c.post(event{kind: evRead, timeout: reply, read: read, expect: expect, async: async})
}

// AcceptEvent requests notification when an event matching mask arrives,
// reporting the outcome to EventComplete. An event that arrived before the
// request and was not yet consumed satisfies it immediately.
func (c *Channel) AcceptEvent(mask uint32, timeout time.Duration) error {
	return c.post(event{kind: evAccept, value: mask, timeout: timeout})
}

// Connect requests that the bus be connected, reporting the outcome to
// ConnectComplete.
func (c *Channel) Connect(timeout time.Duration) error {
	return c.post(event{kind: evConnect, timeout: timeout})
}

// Disconnect requests that the bus be disconnected. No completion is
// reported.
func (c *Channel) Disconnect() error {
	return c.post(event{kind: evDisconnect})
}

// CancelAll abandons the pending request, if any. It blocks until the
// transport confirms that no handler for c is running and none will start.
// After CancelAll returns, no completion is reported for requests made
// before it was called.
//
// CancelAll must not be called from a Client method.
func (c *Channel) CancelAll() {
	c.stopTimer()
	c.await(evCancel)
	c.tp.Cancel()
}

// Close cancels all pending work, releases the transport registrations, and
// stops the channel. Requests made after Close report ErrClosed. Close is
// safe to call more than once, and must not be called from a Client method.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		<-c.stopped
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	c.CancelAll()

	c.mu.Lock()
	unInput, unEvent := c.unInput, c.unEvent
	c.unInput, c.unEvent = nil, nil
	c.closed = true
	c.signal()
	c.mu.Unlock()
	if unInput != nil {
		unInput()
	}
	if unEvent != nil {
		unEvent()
	}

	// Now no handler is running and none will start.
	<-c.stopped
	channelsActive.Add(-1)
	return c.tp.Close()
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type eventKind int

const (
	evLock eventKind = iota
	evWrite
	evRead
	evAccept
	evConnect
	evDisconnect
	evTurn
	evTurnTimeout
	evTimer
	evInput
	evSignal
	evCancel
)

type event struct {
	kind    eventKind
	timeout time.Duration
	read    time.Duration
	expect  int
	async   bool
	data    []byte
	value   uint32
	gen     uint64
	done    chan struct{} // if not nil, closed when the event has been handled
}

func (c *Channel) signal() {
	select {
	case c.work <- struct{}{}:
	default:
	}
}

// post adds ev to the inbox. It does not block.
func (c *Channel) post(ev event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.inq.Add(ev)
	c.signal()
	return nil
}

// await posts an event of the given kind and blocks until it is handled or
// the channel stops.
func (c *Channel) await(kind eventKind) {
	done := make(chan struct{})
	if c.post(event{kind: kind, done: done}) != nil {
		return
	}
	select {
	case <-done:
	case <-c.stopped:
	}
}

// next blocks until an event is available and returns it. It reports false
// when the channel is closed.
func (c *Channel) next() (event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.inq.IsEmpty() && !c.closed {
		c.mu.Unlock()
		<-c.work
		c.mu.Lock()
	}
	if c.closed {
		// Release any waiters, but do not act on their events.
		for !c.inq.IsEmpty() {
			if ev, _ := c.inq.Pop(); ev.done != nil {
				close(ev.done)
			}
		}
		return event{}, false
	}
	return c.inq.Pop()
}

func (c *Channel) run() {
	for {
		ev, ok := c.next()
		if !ok {
			return
		}
		c.dispatch(ev)
		if ev.done != nil {
			close(ev.done)
		}
	}
}

func (c *Channel) dispatch(ev event) {
	switch ev.kind {
	case evLock:
		c.lockRequest(ev.timeout)
	case evWrite:
		c.writeRequest(ev.data, ev.timeout)
	case evRead:
		c.readRequest(ev.timeout, ev.read, ev.expect, ev.async)
	case evAccept:
		c.acceptEvent(ev.value, ev.timeout)
	case evConnect:
		c.connectRequest(ev.timeout)
	case evDisconnect:
		c.disconnectRequest()
	case evTurn:
		c.queued = false
		c.handleTurn()
	case evTurnTimeout:
		c.queued = false
		c.handleTimeout()
	case evTimer:
		if c.timerCurrent(ev.gen) {
			c.timerExpired()
		}
	case evInput:
		c.asyncInput(ev.data)
	case evSignal:
		c.eventArrived(ev.value)
	case evCancel:
		c.reset()
	}
}

// turnHandler exposes the transport callbacks of a Channel without adding
// them to its method set.
type turnHandler struct{ c *Channel }

// HandleTurn implements part of TurnHandler. It blocks until the channel has
// finished using the bus.
func (h turnHandler) HandleTurn() { h.c.await(evTurn) }

// HandleTimeout implements part of TurnHandler.
func (h turnHandler) HandleTimeout() { h.c.await(evTurnTimeout) }

// deliverInput receives unsolicited input from the transport. It must not
// block, and copies data since the caller may reuse it.
func (c *Channel) deliverInput(data []byte) {
	c.post(event{kind: evInput, data: bytes.Clone(data)})
}

// deliverEvent receives an event value from the transport.
func (c *Channel) deliverEvent(value uint32) {
	c.post(event{kind: evSignal, value: value})
}

// startTimer arms the channel timer. Any previously armed expiry becomes
// stale.
func (c *Channel) startTimer(d time.Duration) {
	c.mu.Lock()
	c.tgen++
	gen := c.tgen
	c.mu.Unlock()
	c.log("Start timer %v", d)
	c.timer.Start(d, func() { c.post(event{kind: evTimer, gen: gen}) })
}

// stopTimer disarms the channel timer. An expiry already posted becomes
// stale and is dropped when it is handled.
func (c *Channel) stopTimer() {
	c.mu.Lock()
	c.tgen++
	c.mu.Unlock()
	c.timer.Stop()
}

func (c *Channel) timerCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.tgen
}

func (c *Channel) setIntent(i Intent) { c.intent.Store(int32(i)) }

// begin starts a new request with the given intent. The new intent does not
// own any running timer, so it is cancelled first.
func (c *Channel) begin(i Intent) {
	c.stopTimer()
	c.setIntent(i)
}

// reset abandons the current request on behalf of CancelAll.
func (c *Channel) reset() {
	c.stopTimer()
	c.log("Cancel %v", c.Intent())
	c.setIntent(IntentNone)
	c.eventMask = 0
	c.out = nil
	c.queued = false
}
