// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

// Package code defines the completion status values reported by a busio
// channel to its client.
package code

import (
	"context"
	"errors"
	"fmt"
)

// A Code is the status of a completed bus operation.
type Code int

func (c Code) String() string {
	if s, ok := stdStatus[c]; ok {
		return s
	}
	return fmt.Sprintf("status %d", int(c))
}

// A Coder is a value that can report a status code value.
type Coder interface {
	Code() Code
}

// Err converts c to an error value, which is nil for Success and End and
// otherwise an error that reports c as its code. Errors constructed by Err
// compare equal under errors.Is when their codes are equal.
func (c Code) Err() error {
	if c.OK() {
		return nil
	}
	return codeError(c)
}

// OK reports whether c denotes a successful completion, either with or
// without an end-of-message indication.
func (c Code) OK() bool { return c == Success || c == End }

// Status codes reported through the client callbacks.
const (
	Success Code = iota // The operation completed
	End                 // A read completed and the end of a message was seen
	Timeout             // A queue admission or reply/read window was exceeded
	NoReply             // The device did not respond at all before the reply timeout
	Fault               // The transport reported an error
)

var stdStatus = map[Code]string{
	Success: "success",
	End:     "end of message",
	Timeout: "timeout",
	NoReply: "no reply",
	Fault:   "fault",
}

type codeError Code

func (e codeError) Error() string { return Code(e).String() }

// Code satisfies the Coder interface.
func (e codeError) Code() Code { return Code(e) }

// Is reports whether err has the same code as e.
func (e codeError) Is(err error) bool {
	c, ok := err.(Coder)
	return ok && c.Code() == Code(e)
}

// FromError returns a Code to categorize the specified error.
// If err == nil, it returns code.Success.
// If err is (or wraps) a Coder, it returns the reported code value.
// If err is context.DeadlineExceeded, it returns code.Timeout.
// Otherwise it returns code.Fault.
func FromError(err error) Code {
	if err == nil {
		return Success
	}
	var c Coder
	if errors.As(err, &c) {
		return c.Code()
	} else if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Fault
}
