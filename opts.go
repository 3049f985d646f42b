package busio

import (
	"bytes"
	"fmt"
	"io"
	"log"

	"github.com/creachadair/busio/timer"
)

const logFlags = log.LstdFlags | log.Lshortfile

// Options control the behaviour of a channel created by NewChannel.
// A nil *Options provides sensible defaults.
type Options struct {
	// If not nil, send debug logs to this writer.
	LogWriter io.Writer

	// If not nil, timers for the channel are serviced by this queue.
	// Otherwise each channel uses its own runtime timer.
	Timers *timer.Queue

	// If positive, the initial capacity of the input buffer. The default is
	// 64 bytes.
	BufferSize int

	// If true, the channel does not attempt single-byte peek reads even if
	// the transport claims to support them.
	NoPeek bool

	// If set, the initial end-of-message sequence for reads (see SetEOS).
	EOS []byte
}

func (o *Options) logger(name string) func(string, ...any) {
	if o == nil || o.LogWriter == nil {
		return func(string, ...any) {}
	}
	logger := log.New(o.LogWriter, "[busio "+name+"] ", logFlags)
	return func(msg string, args ...any) { logger.Output(2, fmt.Sprintf(msg, args...)) }
}

func (o *Options) newTimer() timer.Timer {
	if o == nil || o.Timers == nil {
		return timer.New()
	}
	return o.Timers.NewTimer()
}

func (o *Options) bufferSize() int {
	if o == nil || o.BufferSize <= 0 {
		return defaultBufferSize
	}
	return o.BufferSize
}

func (o *Options) noPeek() bool { return o != nil && o.NoPeek }

func (o *Options) eos() []byte {
	if o == nil {
		return nil
	}
	return bytes.Clone(o.EOS)
}
