package device

import (
	"errors"
	"sync"
	"time"

	"github.com/creachadair/busio"
)

// Pipe creates an in-memory Device and an Instrument that plays the part of
// the equipment at its far end. Data written to the device are received by
// the instrument, and vice versa.
func Pipe() (*PipeDevice, *Instrument) {
	s := &pipeState{
		toDev:  make(chan struct{}, 1),
		toInst: make(chan struct{}, 1),
		events: make(chan uint32, 16),
	}
	return &PipeDevice{s}, &Instrument{s}
}

// Loopback returns an in-memory Device that echoes everything written to it
// back as input, with each write forming one message.
func Loopback() *PipeDevice {
	d, _ := Pipe()
	d.s.echo = true
	return d
}

type segment struct {
	data []byte
	end  bool // the segment completes a message
}

type pipeState struct {
	toDev  chan struct{} // signaled when input is sent to the device
	toInst chan struct{} // signaled when the device writes

	mu        sync.Mutex
	connected bool
	closed    bool
	echo      bool
	noPeek    bool
	limit     int
	input     []segment
	output    []byte
	events    chan uint32
}

func signal(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}

// A PipeDevice is the device end of a Pipe.
type PipeDevice struct{ s *pipeState }

// Connect implements part of Device.
func (d *PipeDevice) Connect() error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	if d.s.closed {
		return errors.New("pipe is closed")
	}
	d.s.connected = true
	return nil
}

// Disconnect implements part of Device.
func (d *PipeDevice) Disconnect() error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	d.s.connected = false
	return nil
}

// CanPeek implements Peeker.
func (d *PipeDevice) CanPeek() bool {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	return !d.s.noPeek
}

// Events implements EventSource.
func (d *PipeDevice) Events() <-chan uint32 { return d.s.events }

// Read implements part of Device.
func (d *PipeDevice) Read(buf []byte, timeout time.Duration) (int, busio.EOM, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		d.s.mu.Lock()
		if !d.s.connected {
			d.s.mu.Unlock()
			return 0, 0, ErrNotConnected
		} else if d.s.noPeek && len(buf) == 1 {
			d.s.mu.Unlock()
			return 0, 0, busio.ErrOverflow
		}
		if len(d.s.input) != 0 {
			n, eom := d.s.takeLocked(buf)
			d.s.mu.Unlock()
			return n, eom, nil
		}
		d.s.mu.Unlock()

		if timeout == 0 {
			return 0, 0, busio.ErrTimeout
		}
		select {
		case <-d.s.toDev:
		case <-expired:
			return 0, 0, busio.ErrTimeout
		}
	}
}

// takeLocked copies pending input into buf, stopping at the end of a
// message.
func (s *pipeState) takeLocked(buf []byte) (int, busio.EOM) {
	var n int
	for n < len(buf) && len(s.input) != 0 {
		seg := &s.input[0]
		nc := copy(buf[n:], seg.data)
		n += nc
		seg.data = seg.data[nc:]
		if len(seg.data) != 0 {
			break
		}
		end := seg.end
		s.input = s.input[1:]
		if end {
			return n, busio.EOMEnd
		}
	}
	if n == len(buf) {
		return n, busio.EOMCount
	}
	return n, 0
}

// Write implements part of Device.
func (d *PipeDevice) Write(data []byte, timeout time.Duration) (int, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	if !d.s.connected {
		return 0, ErrNotConnected
	}
	n := len(data)
	if d.s.limit > 0 && n > d.s.limit {
		n = d.s.limit
	}
	if d.s.echo {
		d.s.input = append(d.s.input, segment{data: append([]byte(nil), data[:n]...), end: true})
		signal(d.s.toDev)
	} else {
		d.s.output = append(d.s.output, data[:n]...)
		signal(d.s.toInst)
	}
	return n, nil
}

// Flush implements part of Device.
func (d *PipeDevice) Flush() error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	d.s.input = nil
	return nil
}

// Close closes the pipe and its event channel. It cannot be reconnected.
func (d *PipeDevice) Close() error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	if !d.s.closed {
		d.s.closed = true
		d.s.connected = false
		close(d.s.events)
	}
	return nil
}

// An Instrument is the far end of a Pipe. Its methods are safe for
// concurrent use.
type Instrument struct{ s *pipeState }

// Send makes data available to the device as input.
func (in *Instrument) Send(data string) { in.send(data, false) }

// SendMessage makes data available to the device as one complete message,
// whose end the device reports with busio.EOMEnd.
func (in *Instrument) SendMessage(data string) { in.send(data, true) }

func (in *Instrument) send(data string, end bool) {
	in.s.mu.Lock()
	defer in.s.mu.Unlock()
	in.s.input = append(in.s.input, segment{data: []byte(data), end: end})
	signal(in.s.toDev)
}

// Recv returns the data written by the device since the last call, waiting
// up to timeout for some to arrive. It reports busio.ErrTimeout if none do.
func (in *Instrument) Recv(timeout time.Duration) (string, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		in.s.mu.Lock()
		if len(in.s.output) != 0 {
			out := string(in.s.output)
			in.s.output = nil
			in.s.mu.Unlock()
			return out, nil
		}
		in.s.mu.Unlock()

		select {
		case <-in.s.toInst:
		case <-t.C:
			return "", busio.ErrTimeout
		}
	}
}

// Raise reports an event value from the device. It reports false if the
// event could not be queued.
func (in *Instrument) Raise(v uint32) bool {
	in.s.mu.Lock()
	defer in.s.mu.Unlock()
	if in.s.closed {
		return false
	}
	select {
	case in.s.events <- v:
		return true
	default:
		return false
	}
}

// SetWriteLimit sets the most bytes the device accepts per Write. Zero
// means no limit.
func (in *Instrument) SetWriteLimit(n int) {
	in.s.mu.Lock()
	defer in.s.mu.Unlock()
	in.s.limit = n
}

// RefusePeek makes the device reject single-byte reads with
// busio.ErrOverflow, and report that it cannot peek.
func (in *Instrument) RefusePeek(refuse bool) {
	in.s.mu.Lock()
	defer in.s.mu.Unlock()
	in.s.noPeek = refuse
}

// IsConnected reports whether the device end is connected.
func (in *Instrument) IsConnected() bool {
	in.s.mu.Lock()
	defer in.s.mu.Unlock()
	return in.s.connected
}
