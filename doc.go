/*
Package busio implements an asynchronous adapter between a device client and
a shared byte-stream bus, such as a serial line or an instrument bus.

# Channels

A *Channel binds one Client to one Transport. The client issues requests
(Lock, Write, Read, AcceptEvent, Connect, Disconnect) and the channel reports
the outcome of each through the matching Client method, with a status from
the code package:

	type Client interface {
	   LockComplete(code.Code)
	   WriteComplete(code.Code)
	   ReadComplete(code.Code, []byte) int
	   EventComplete(code.Code)
	   ConnectComplete(code.Code)
	}

Requests never block the caller. A channel holds one pending request at a
time, and a new request replaces the pending one. A typical transaction is:

	ch.Lock(time.Second)            // LockComplete(Success)
	ch.Write([]byte("*IDN?\n"), d)  // WriteComplete(Success)
	ch.Read(replyTimeout, readTimeout, -1, false)
	                                // ReadComplete(End, "...")
	ch.Unlock()

Each request is issued from the completion of the previous one. The Funcs
type adapts plain functions to the Client interface.

# Reads

The reply timeout bounds the wait for the first byte of a reply, and the read
timeout bounds the wait between later bytes. A read that receives nothing
within the reply timeout reports code.NoReply. A read that stops later reports
code.Timeout with whatever it received. Input that ends with the end-of-message
sequence (see SetEOS) reports code.End.

The value returned by ReadComplete controls whether the read continues: zero
stops, a positive value reads exactly that many more bytes, and a negative
value reads as much as the input buffer holds.

An asynchronous read does not hold the bus while it waits. It relies on the
transport to deliver unsolicited input, and polls the bus whenever the reply
timeout elapses without any.

# Transports and registration

A Transport serializes the requests of many channels onto one physical bus.
The port package provides one over a device.Device. Bus interface kinds
register a Factory with Register, and Find opens a channel on the first kind
that serves a named bus:

	ch, err := busio.Find(client, "ps1", 0, "", nil)

# Concurrency

Each channel runs one goroutine. Client requests, transport turns, timer
expiries and interrupt input are all handled there, in order of arrival, and
the client is called from that goroutine. Once CancelAll returns, no further
completion is reported for earlier requests. Close releases the channel and
its transport attachment.
*/
package busio
