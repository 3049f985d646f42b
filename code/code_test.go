package code

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
)

type testCoder Code

func (t testCoder) Code() Code  { return Code(t) }
func (testCoder) Error() string { return "bogus" }

func TestFromError(t *testing.T) {
	tests := []struct {
		input error
		want  Code
	}{
		{nil, Success},
		{testCoder(NoReply), NoReply},
		{testCoder(Timeout), Timeout},
		{fmt.Errorf("wrapped: %w", Timeout.Err()), Timeout},
		{context.DeadlineExceeded, Timeout},
		{fmt.Errorf("wrapped deadline: %w", context.DeadlineExceeded), Timeout},
		{context.Canceled, Fault},
		{errors.New("other"), Fault},
		{io.EOF, Fault},
	}
	for _, test := range tests {
		if got := FromError(test.input); got != test.want {
			t.Errorf("FromError(%v): got %v, want %v", test.input, got, test.want)
		}
	}
}

func TestErr(t *testing.T) {
	for _, c := range []Code{Success, End} {
		if err := c.Err(); err != nil {
			t.Errorf("%v.Err(): got %v, want nil", c, err)
		}
	}
	tests := []struct {
		code Code
		err  error
		want bool
	}{
		{Timeout, Timeout.Err(), true},
		{Timeout, NoReply.Err(), false},
		{Fault, fmt.Errorf("blah: %w", Fault.Err()), true},
		{NoReply, fmt.Errorf("nope: %w", Fault.Err()), false},
		{Fault, errors.New("fault"), false},
	}
	for _, test := range tests {
		cerr := test.code.Err()
		if got := errors.Is(test.err, cerr); got != test.want {
			t.Errorf("Is(%v, %v): got %v, want %v", test.err, cerr, got, test.want)
		}
	}
}

func TestString(t *testing.T) {
	tests := []struct {
		code Code
		want string
	}{
		{Success, "success"},
		{End, "end of message"},
		{NoReply, "no reply"},
		{Code(99), "status 99"},
	}
	for _, test := range tests {
		if got := test.code.String(); got != test.want {
			t.Errorf("String(%d): got %q, want %q", int(test.code), got, test.want)
		}
	}
}
