package busio

import (
	"errors"
	"time"

	"github.com/creachadair/busio/code"
)

// queue asks the transport for a turn and records the outcome. While a turn
// is outstanding, the current intent takes it over instead of queueing
// another.
func (c *Channel) queue(pri Priority, timeout time.Duration) error {
	if c.queued {
		c.log("Queue %v request: using the outstanding turn", c.Intent())
		return nil
	}
	if err := c.tp.Queue(pri, timeout); err != nil {
		c.log("Queue %v request failed: %v", c.Intent(), err)
		queueErrorsCount.Add(1)
		return err
	}
	c.queued = true
	return nil
}

// abandon ends a request that failed before its turn, so that a turn
// arriving later finds nothing to do.
func (c *Channel) abandon() { c.setIntent(IntentNone) }

func (c *Channel) lockRequest(timeout time.Duration) {
	c.log("Lock request timeout=%v", timeout)
	c.begin(IntentLock)
	if timeout == 0 {
		c.lockTimeout = -1
		if err := c.connectBus(); err != nil {
			c.abandon()
			c.client.LockComplete(code.Fault)
			return
		}
	} else {
		c.lockTimeout = timeout
	}
	if err := c.queue(c.pri, c.lockTimeout); err != nil {
		c.abandon()
		c.client.LockComplete(code.Timeout)
	}
}

// connectBus connects the transport if it is not already connected.
func (c *Channel) connectBus() error {
	if c.tp.IsConnected() {
		return nil
	}
	if err := c.tp.Connect(); err != nil {
		c.log("Connect failed: %v", err)
		return err
	}
	return nil
}

func (c *Channel) lockHandler() {
	c.tp.Block()
	c.client.LockComplete(code.Success)
}

func (c *Channel) writeRequest(data []byte, timeout time.Duration) {
	c.log("Write request %q timeout=%v", data, timeout)
	c.begin(IntentWrite)
	c.out = data
	c.flushed = false
	c.writeTimeout = timeout
	if err := c.queue(c.pri, timeout); err != nil {
		c.abandon()
		c.finishWrite(code.Timeout)
	}
}

func (c *Channel) writeHandler() {
	if !c.flushed {
		// A write starts a new transaction: discard early input and events.
		err := c.tp.Flush()
		c.receivedEvent = 0
		if err != nil {
			c.log("Flush failed: %v", err)
			c.finishWrite(code.Fault)
			return
		}
		c.flushed = true
	}

	n, err := c.tp.Write(c.out, c.writeTimeout)
	bytesWrittenCount.Add(int64(n))
	c.out = c.out[n:]
	switch {
	case err == nil:
		if len(c.out) == 0 {
			c.finishWrite(code.Success)
		} else if c.queue(c.pri, c.writeTimeout) != nil {
			c.finishWrite(code.Fault)
		}
	case errors.Is(err, ErrTimeout):
		c.finishWrite(code.Timeout)
	default:
		c.log("Write failed: %v", err)
		c.finishWrite(code.Fault)
	}
}

func (c *Channel) finishWrite(status code.Code) {
	c.out = nil
	c.client.WriteComplete(status)
}

func (c *Channel) readRequest(reply, read time.Duration, expect int, async bool) {
	c.log("Read request reply=%v read=%v expect=%d async=%v", reply, read, expect, async)
	c.replyTimeout = reply
	c.readTimeout = read
	c.expectLen = expect
	if async {
		// Poll once now, then wait for unsolicited input.
		c.begin(IntentAsyncRead)
		if c.queue(c.pri, 0) != nil {
			c.startTimer(c.replyTimeout)
		}
		return
	}
	c.begin(IntentRead)
	if c.queue(c.pri, reply) != nil {
		c.abandon()
		c.client.ReadComplete(code.Fault, nil)
	}
}

// setInputEOS installs the configured end-of-message sequence on the
// transport. If the transport rejects it, successively shorter suffixes are
// tried, and the accepted suffix replaces the configured sequence.
func (c *Channel) setInputEOS() {
	c.mu.Lock()
	eos := c.eos
	c.mu.Unlock()

	for i := 0; i <= len(eos); i++ {
		err := c.tp.SetInputEOS(eos[i:])
		if err == nil {
			if i > 0 {
				c.mu.Lock()
				c.eos = eos[i:]
				c.mu.Unlock()
			}
			return
		} else if i == len(eos) {
			c.log("Warning: transport rejected end-of-message sequence: %v", err)
		}
	}
}

func (c *Channel) readHandler() {
	c.setInputEOS()

	async := c.Intent() == IntentAsyncRead
	want := c.peekSize
	if c.expectLen > 0 {
		c.in.reserve(c.expectLen)
		if c.peekSize > 1 {
			// No peeking, so try to read the whole message.
			want = c.expectLen
		}
	}
	timeout := c.replyTimeout
	if async {
		timeout = 0
	}
	c.setIntent(IntentRead)

	for first := true; ; first = false {
		buf := c.in.chunk(want)
		n, eom, err := c.tp.Read(buf, timeout)
		bytesReadCount.Add(int64(n))
		data := buf[:n]
		c.log("Read %d of %d bytes %q eom=%v err=%v", n, want, data, eom, err)

		var more int
		switch {
		case err == nil:
			status := code.Success
			if eom.IsEnd() {
				status = code.End
			}
			more = c.client.ReadComplete(status, data)

		case errors.Is(err, ErrTimeout):
			if n == 0 && first {
				if async {
					// Nothing yet: wait for input, and poll again later.
					c.setIntent(IntentAsyncRead)
					if c.replyTimeout != 0 {
						c.startTimer(c.replyTimeout)
					}
					return
				}
				more = c.client.ReadComplete(code.NoReply, nil)
			} else {
				more = c.client.ReadComplete(code.Timeout, data)
			}

		case errors.Is(err, ErrOverflow):
			if want == 1 {
				// The transport cannot peek; read whole messages from now on.
				c.in.reserve(nonPeekSize)
			} else {
				c.in.reserve(2 * c.in.capacity())
			}
			c.peekSize = c.in.capacity()
			c.log("Input overflow, buffer size is now %d", c.peekSize)
			c.client.ReadComplete(code.Fault, data)

		default:
			c.log("Read failed: %v", err)
			c.client.ReadComplete(code.Fault, data)
		}

		if more == 0 {
			return
		} else if more > 0 {
			want = more
		} else {
			want = c.in.capacity()
		}
		timeout = c.readTimeout
	}
}

// asyncInput handles unsolicited input from the transport.
func (c *Channel) asyncInput(data []byte) {
	switch c.Intent() {
	case IntentAsyncRead, IntentAsyncReadMore:
	default:
		return
	}
	c.begin(IntentAsyncReadCancelled)
	bytesReadCount.Add(int64(len(data)))

	more := 1
	if len(data) != 0 {
		more = c.client.ReadComplete(code.Success, data)
	}
	if more != 0 {
		c.setIntent(IntentAsyncReadMore)
		c.startTimer(c.readTimeout)
	} else {
		c.setIntent(IntentAsyncRead)
		c.startTimer(c.replyTimeout)
	}
}

func (c *Channel) acceptEvent(mask uint32, timeout time.Duration) {
	c.log("Accept event mask=%#x timeout=%v", mask, timeout)
	if c.receivedEvent&mask != 0 {
		// The event arrived before anyone waited for it.
		c.receivedEvent = 0
		c.client.EventComplete(code.Success)
		return
	}
	c.begin(IntentReceiveEvent)
	c.eventMask = mask
	c.startTimer(timeout)
}

// eventArrived handles an event value from the transport. With no mask
// armed the value is latched, replacing any earlier unconsumed value.
func (c *Channel) eventArrived(value uint32) {
	c.log("Event %#x mask=%#x", value, c.eventMask)
	eventsCount.Add(1)
	if c.eventMask == 0 {
		c.receivedEvent = value
		return
	}
	if value&c.eventMask != 0 {
		c.eventMask = 0
		if c.Intent() == IntentReceiveEvent {
			c.begin(IntentNone)
		}
		c.client.EventComplete(code.Success)
	}
}

func (c *Channel) connectRequest(timeout time.Duration) {
	c.log("Connect request timeout=%v", timeout)
	c.begin(IntentConnect)
	if c.queue(PriorityConnect, timeout) != nil {
		c.abandon()
		c.client.ConnectComplete(code.Timeout)
	}
}

func (c *Channel) connectHandler() {
	if err := c.tp.Connect(); err != nil {
		c.log("Connect failed: %v", err)
		c.client.ConnectComplete(code.Fault)
		return
	}
	c.client.ConnectComplete(code.Success)
}

func (c *Channel) disconnectRequest() {
	c.log("Disconnect request")
	c.begin(IntentDisconnect)
	if c.queue(PriorityConnect, 0) != nil {
		c.abandon()
	}
}

func (c *Channel) disconnectHandler() {
	if err := c.tp.Disconnect(); err != nil {
		c.log("Disconnect failed: %v", err)
	}
}

// handleTurn runs the current intent while the channel holds the bus.
func (c *Channel) handleTurn() {
	turnsCount.Add(1)
	switch i := c.Intent(); i {
	case IntentLock:
		c.lockHandler()
	case IntentWrite:
		c.writeHandler()
	case IntentRead, IntentAsyncRead:
		c.readHandler()
	case IntentAsyncReadCancelled, IntentAsyncReadMore:
		// Input arrived before the poll ran.
	case IntentConnect:
		c.connectHandler()
	case IntentDisconnect:
		c.disconnectHandler()
	case IntentNone:
		// The request was cancelled after the turn began.
	default:
		c.log("Internal error: unexpected turn for intent %v", i)
	}
}

// handleTimeout reports a turn that could not start in time.
func (c *Channel) handleTimeout() {
	turnTimeoutsCount.Add(1)
	switch i := c.Intent(); i {
	case IntentLock:
		c.client.LockComplete(code.Timeout)
	case IntentWrite:
		c.finishWrite(code.Timeout)
	case IntentRead:
		c.client.ReadComplete(code.Fault, nil)
	case IntentAsyncRead:
		// The poll could not run; try again later.
		c.startTimer(c.replyTimeout)
	case IntentConnect:
		c.client.ConnectComplete(code.Timeout)
	case IntentAsyncReadCancelled, IntentAsyncReadMore, IntentDisconnect, IntentNone:
	default:
		c.log("Internal error: unexpected turn timeout for intent %v", i)
	}
}

// timerExpired handles expiry of the current timer.
func (c *Channel) timerExpired() {
	timerExpiriesCount.Add(1)
	switch i := c.Intent(); i {
	case IntentReceiveEvent:
		c.setIntent(IntentNone)
		c.eventMask = 0
		c.client.EventComplete(code.Timeout)

	case IntentAsyncReadMore:
		c.client.ReadComplete(code.Timeout, nil)
		c.setIntent(IntentAsyncRead)
		c.startTimer(c.replyTimeout)

	case IntentAsyncRead:
		if c.tp.AutoConnect() && !c.tp.IsConnected() {
			// The bus was disconnected on purpose; a poll would reconnect it.
			c.startTimer(c.replyTimeout)
		} else if c.queue(PriorityLow, c.replyTimeout) != nil {
			c.startTimer(c.replyTimeout)
		}

	case IntentAsyncReadCancelled:
		// Input arrived first.
	case IntentRead:
		c.log("Timer expired during read, ignored")
	default:
		c.log("Internal error: unexpected timer expiry for intent %v", i)
	}
}
