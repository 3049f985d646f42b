// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package busio

import "github.com/creachadair/busio/code"

// A Client receives the outcomes of the requests it makes on a Channel. All
// methods are called from the channel's own goroutine, one at a time, and may
// issue further requests on the channel. They must not call CancelAll or
// Close on the channel that invoked them.
type Client interface {
	// LockComplete reports the outcome of Lock.
	LockComplete(code.Code)

	// WriteComplete reports the outcome of Write.
	WriteComplete(code.Code)

	// ReadComplete delivers input received by Read, with a status of Success,
	// End, Timeout, NoReply or Fault. The data slice is only valid during the
	// call. The return value controls whether reading continues:
	//
	//    0 -- stop reading
	//   <0 -- read as much as the input buffer holds
	//   >0 -- read exactly that many more bytes
	//
	ReadComplete(status code.Code, data []byte) int

	// EventComplete reports the outcome of AcceptEvent.
	EventComplete(code.Code)

	// ConnectComplete reports the outcome of Connect.
	ConnectComplete(code.Code)
}

// A Prioritizer is a Client that chooses the priority of its bus requests.
// Clients that do not implement it use PriorityLow.
type Prioritizer interface {
	Priority() Priority
}

// Funcs implements Client by calling the non-nil functions it holds. Calls
// for which the function is nil are ignored, and a nil Read stops reading.
type Funcs struct {
	Lock    func(code.Code)
	Write   func(code.Code)
	Read    func(code.Code, []byte) int
	Event   func(code.Code)
	Connect func(code.Code)
}

// LockComplete implements part of Client.
func (f Funcs) LockComplete(c code.Code) {
	if f.Lock != nil {
		f.Lock(c)
	}
}

// WriteComplete implements part of Client.
func (f Funcs) WriteComplete(c code.Code) {
	if f.Write != nil {
		f.Write(c)
	}
}

// ReadComplete implements part of Client.
func (f Funcs) ReadComplete(c code.Code, data []byte) int {
	if f.Read != nil {
		return f.Read(c, data)
	}
	return 0
}

// EventComplete implements part of Client.
func (f Funcs) EventComplete(c code.Code) {
	if f.Event != nil {
		f.Event(c)
	}
}

// ConnectComplete implements part of Client.
func (f Funcs) ConnectComplete(c code.Code) {
	if f.Connect != nil {
		f.Connect(c)
	}
}
