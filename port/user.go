package port

import (
	"bytes"
	"errors"
	"time"

	"github.com/creachadair/busio"
	"github.com/creachadair/busio/device"
)

// A User is one attachment to a Port. It implements busio.Transport.
type User struct {
	p    *Port
	h    busio.TurnHandler
	addr int

	// The fields below are protected by p.mu.
	req     *request // the queued request, or nil
	active  int      // handlers running for this user
	eos     []byte
	onInput func([]byte)
	onEvent func(uint32)
	closed  bool
}

var _ busio.Transport = (*User)(nil)

// Addr reports the device address of u.
func (u *User) Addr() int { return u.addr }

// Queue implements part of busio.Transport.
func (u *User) Queue(pri busio.Priority, timeout time.Duration) error {
	u.p.mu.Lock()
	defer u.p.mu.Unlock()
	if u.closed {
		return ErrClosed
	}
	return u.p.enqueueLocked(u, pri, timeout)
}

// Cancel implements part of busio.Transport. It must not be called from a
// handler of u.
func (u *User) Cancel() {
	u.p.mu.Lock()
	defer u.p.mu.Unlock()
	if u.req != nil {
		u.p.dropLocked(u.req)
	}
	for u.active > 0 {
		u.p.idle.Wait()
	}
}

// Block implements part of busio.Transport.
func (u *User) Block() {
	u.p.mu.Lock()
	defer u.p.mu.Unlock()
	if u.p.owner == nil {
		u.p.owner = u
		u.p.log("Blocked by address %d", u.addr)
	}
}

// Unblock implements part of busio.Transport.
func (u *User) Unblock() {
	u.p.mu.Lock()
	defer u.p.mu.Unlock()
	if u.p.owner == u {
		u.p.owner = nil
		u.p.releaseLocked()
		u.p.log("Unblocked by address %d", u.addr)
	}
}

// Connect implements part of busio.Transport.
func (u *User) Connect() error { return u.p.connect() }

// Disconnect implements part of busio.Transport.
func (u *User) Disconnect() error { return u.p.disconnect() }

// IsConnected implements part of busio.Transport.
func (u *User) IsConnected() bool { return u.p.isConnected() }

// AutoConnect implements part of busio.Transport.
func (u *User) AutoConnect() bool { return u.p.auto }

// CanPeek implements part of busio.Transport.
func (u *User) CanPeek() bool {
	if pk, ok := u.p.dev.(device.Peeker); ok {
		return pk.CanPeek()
	}
	return true
}

// OnInput implements part of busio.Transport.
func (u *User) OnInput(f func([]byte)) (func(), error) {
	u.p.mu.Lock()
	defer u.p.mu.Unlock()
	u.onInput = f
	return func() {
		u.p.mu.Lock()
		defer u.p.mu.Unlock()
		u.onInput = nil
	}, nil
}

// OnEvent implements part of busio.Transport.
func (u *User) OnEvent(f func(uint32)) (func(), error) {
	u.p.mu.Lock()
	defer u.p.mu.Unlock()
	u.onEvent = f
	return func() {
		u.p.mu.Lock()
		defer u.p.mu.Unlock()
		u.onEvent = nil
	}, nil
}

// SetInputEOS implements part of busio.Transport. It reports ErrEOSTooLong
// for a sequence longer than the port recognizes.
func (u *User) SetInputEOS(eos []byte) error {
	if len(eos) > u.p.maxEOS {
		return ErrEOSTooLong
	}
	u.p.mu.Lock()
	defer u.p.mu.Unlock()
	u.eos = bytes.Clone(eos)
	return nil
}

// Close implements part of busio.Transport. It cancels any request of u and
// detaches it from the port.
func (u *User) Close() error {
	u.Cancel()
	u.p.mu.Lock()
	defer u.p.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true
	if u.p.owner == u {
		u.p.owner = nil
		u.p.releaseLocked()
	}
	delete(u.p.users, u)
	u.p.stats.Count("users", -1)
	return nil
}

// holdsTurn reports whether u may perform device I/O, and returns its
// end-of-message sequence.
func (u *User) holdsTurn() ([]byte, bool) {
	u.p.mu.Lock()
	defer u.p.mu.Unlock()
	return u.eos, u.p.current == u
}

// Read implements part of busio.Transport. It returns when buf is full, the
// end-of-message sequence is seen, or the device reports the end of a
// message. The end-of-message sequence is not included in the result, and
// input after it is kept for the next read. A sequence that begins within
// buf is recognized even if it ends beyond it, so a full buffer whose tail
// may start the sequence waits for enough input to decide.
func (u *User) Read(buf []byte, timeout time.Duration) (int, busio.EOM, error) {
	eos, ok := u.holdsTurn()
	if !ok {
		return 0, 0, ErrNoTurn
	}
	p := u.p
	p.ioMu.Lock()
	n, eom, err := p.readMessage(buf, eos, timeout)
	p.ioMu.Unlock()

	p.stats.Count("bytes_read", int64(n))
	if n > 0 {
		p.fanout(u, buf[:n])
	}
	return n, eom, err
}

// readMessage implements Read. The caller must hold p.ioMu.
func (p *Port) readMessage(buf, eos []byte, timeout time.Duration) (int, busio.EOM, error) {
	if len(buf) == 0 {
		return 0, 0, nil
	}
	for {
		if n, eom, ok := p.takeAhead(buf, eos); ok {
			return n, eom, nil
		}

		// Read at least enough to fill buf and finish a sequence it ends in.
		want := len(buf) + len(eos) - len(p.ahead)
		if want < 1 {
			want = 1
		}
		chunk := make([]byte, want)
		nr, eom, err := p.readDevice(chunk, timeout)
		p.ahead = append(p.ahead, chunk[:nr]...)
		p.end = eom&busio.EOMEnd != 0
		if err == nil && (nr != 0 || p.end) {
			continue
		} else if err == nil {
			err = busio.ErrTimeout
		}

		// Return what was received with the error.
		n := copy(buf, p.ahead)
		p.ahead = p.ahead[n:]
		return n, 0, err
	}
}

// takeAhead moves a complete result from the read-ahead buffer into buf, and
// reports false if more input is needed to decide one. The caller must hold
// p.ioMu.
func (p *Port) takeAhead(buf, eos []byte) (int, busio.EOM, bool) {
	a := p.ahead
	if len(eos) != 0 {
		lim := min(len(a), len(buf)+len(eos))
		if i := bytes.Index(a[:lim], eos); i >= 0 {
			n := copy(buf, a[:i])
			p.ahead = a[i+len(eos):]
			if len(p.ahead) == 0 {
				p.end = false
			}
			return n, busio.EOMEOS, true
		}
	}
	if p.end && len(a) <= len(buf) {
		n := copy(buf, a)
		p.ahead, p.end = nil, false
		return n, busio.EOMEnd, true
	}
	if len(a) >= len(buf) && (p.end || !partialEOS(a, len(buf), eos)) {
		n := copy(buf, a)
		p.ahead = a[n:]
		return n, busio.EOMCount, true
	}
	return 0, 0, false
}

// partialEOS reports whether a sequence starting within a[:n] could still be
// completed by input not yet in a.
func partialEOS(a []byte, n int, eos []byte) bool {
	for s := max(0, n-len(eos)+1); s < n; s++ {
		if s+len(eos) > len(a) && bytes.HasPrefix(eos, a[s:]) {
			return true
		}
	}
	return false
}

// readDevice reads from the device. The caller must hold p.ioMu.
func (p *Port) readDevice(buf []byte, timeout time.Duration) (int, busio.EOM, error) {
	n, eom, err := p.dev.Read(buf, timeout)
	if errors.Is(err, device.ErrNotConnected) {
		p.mu.Lock()
		p.connected = false
		p.mu.Unlock()
	}
	return n, eom, err
}

// Write implements part of busio.Transport.
func (u *User) Write(data []byte, timeout time.Duration) (int, error) {
	if _, ok := u.holdsTurn(); !ok {
		return 0, ErrNoTurn
	}
	p := u.p
	p.ioMu.Lock()
	defer p.ioMu.Unlock()
	n, err := p.dev.Write(data, timeout)
	p.stats.Count("bytes_written", int64(n))
	return n, err
}

// Flush implements part of busio.Transport. It discards buffered input and
// input pending on the device.
func (u *User) Flush() error {
	if _, ok := u.holdsTurn(); !ok {
		return ErrNoTurn
	}
	p := u.p
	p.ioMu.Lock()
	defer p.ioMu.Unlock()
	p.ahead, p.end = nil, false
	return p.dev.Flush()
}
