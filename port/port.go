// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

// Package port implements a busio.Transport that shares one device among
// many channels.
//
// A Port serializes the turns requested by its users in priority order, and
// lets one user reserve the device for a multi-step transaction. Input read
// by one user is also delivered to the other users that asked for
// unsolicited input.
package port

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/creachadair/busio"
	"github.com/creachadair/busio/device"
	"github.com/creachadair/busio/metrics"
	"github.com/creachadair/mds/heapq"
	"golang.org/x/sync/errgroup"
)

const logFlags = log.LstdFlags | log.Lshortfile

// Options control the behaviour of a port. A nil *Options provides
// sensible defaults.
type Options struct {
	// If not nil, send debug logs to this writer.
	LogWriter io.Writer

	// If true, requests on a disconnected port fail instead of connecting
	// the device first.
	NoAutoConnect bool

	// The longest end-of-message sequence the port recognizes. The default
	// is 2 bytes.
	MaxEOS int

	// If positive, an idle port checks its device for unsolicited input at
	// this interval, and delivers any to its users.
	Monitor time.Duration
}

func (o *Options) logger(name string) func(string, ...any) {
	if o == nil || o.LogWriter == nil {
		return func(string, ...any) {}
	}
	logger := log.New(o.LogWriter, "[port "+name+"] ", logFlags)
	return func(msg string, args ...any) { logger.Output(2, fmt.Sprintf(msg, args...)) }
}

func (o *Options) autoConnect() bool { return o == nil || !o.NoAutoConnect }

func (o *Options) maxEOS() int {
	if o == nil || o.MaxEOS <= 0 {
		return 2
	}
	return o.MaxEOS
}

func (o *Options) monitor() time.Duration {
	if o == nil {
		return 0
	}
	return o.Monitor
}

var (
	// ErrClosed is reported for requests on a closed port.
	ErrClosed = errors.New("port is closed")

	// ErrQueued is reported by Queue when the user already has a request
	// waiting.
	ErrQueued = errors.New("request already queued")

	// ErrNoTurn is reported for device I/O by a user that does not hold the
	// current turn.
	ErrNoTurn = errors.New("user does not hold the port")

	// ErrEOSTooLong is reported by SetInputEOS for a sequence longer than
	// the port recognizes.
	ErrEOSTooLong = errors.New("end-of-message sequence too long")
)

// A Port shares one device among many users.
type Port struct {
	name    string
	dev     device.Device
	log     func(string, ...any)
	auto    bool
	maxEOS  int
	monitor time.Duration
	stats   *metrics.M

	tasks  *errgroup.Group
	cancel context.CancelFunc

	wake chan struct{} // signaled when a request may be runnable

	mu        sync.Mutex
	idle      *sync.Cond // broadcast when a handler finishes
	queue     *heapq.Queue[*request]
	held      []*request // requests deferred while another user owns the port
	seq       uint64
	owner     *User // the user that blocked the port, or nil
	current   *User // the user whose turn is running, or nil
	connected bool
	closed    bool
	users     map[*User]struct{}

	// Device I/O state, used only by the goroutine running a turn.
	ioMu  sync.Mutex
	ahead []byte // input read from the device but not yet returned
	end   bool   // the last byte of ahead ends a message
}

// New constructs a port named name that drives dev, and starts its
// workers. The name must be unique among open ports; it is the bus name
// under which channels find the port through the busio registry.
func New(name string, dev device.Device, opts *Options) (*Port, error) {
	ports.Lock()
	defer ports.Unlock()
	if _, ok := ports.m[name]; ok {
		return nil, fmt.Errorf("port %q already exists", name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	p := &Port{
		name:    name,
		dev:     dev,
		log:     opts.logger(name),
		auto:    opts.autoConnect(),
		maxEOS:  opts.maxEOS(),
		monitor: opts.monitor(),
		stats:   metrics.New(),
		tasks:   g,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		queue:   heapq.New(compareRequests),
		users:   make(map[*User]struct{}),
	}
	p.idle = sync.NewCond(&p.mu)
	g.Go(func() error { return p.dispatch(ctx) })
	if es, ok := dev.(device.EventSource); ok {
		g.Go(func() error { return p.pumpEvents(ctx, es.Events()) })
	}
	ports.m[name] = p
	return p, nil
}

// Name reports the name of p.
func (p *Port) Name() string { return p.name }

// Stats returns the metrics collector for p. It may be published with
// expvar.
func (p *Port) Stats() *metrics.M { return p.stats }

// Attach binds h to p as a new user, which addresses the device at addr.
// The User implements busio.Transport.
func (p *Port) Attach(h busio.TurnHandler, addr int) (*User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	u := &User{p: p, h: h, addr: addr}
	p.users[u] = struct{}{}
	p.stats.CountAndSetMax("users", 1)
	p.log("Attach user at address %d", addr)
	return u, nil
}

// Raise delivers the event value v to the event listeners of all users.
func (p *Port) Raise(v uint32) {
	p.stats.Count("events", 1)
	for _, f := range p.eventListeners() {
		f(v)
	}
}

// Close stops the workers of p and disconnects its device. Requests still
// queued are discarded without notice.
func (p *Port) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, req := range p.held {
		p.dropLocked(req)
	}
	p.held = nil
	for !p.queue.IsEmpty() {
		req, _ := p.queue.Pop()
		p.dropLocked(req)
	}
	p.mu.Unlock()

	ports.Lock()
	delete(ports.m, p.name)
	ports.Unlock()

	p.cancel()
	err := p.tasks.Wait()
	if derr := p.dev.Disconnect(); err == nil {
		err = derr
	}
	p.log("Closed")
	return err
}

func (p *Port) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// A request is a pending turn for one user.
type request struct {
	u     *User
	pri   busio.Priority
	seq   uint64
	state reqState
	timer *time.Timer // admission timeout, or nil
}

type reqState int

const (
	reqQueued reqState = iota
	reqRunning
	reqDone
)

// compareRequests orders requests by descending priority, then in order of
// arrival.
func compareRequests(a, b *request) int {
	if a.pri != b.pri {
		return int(b.pri) - int(a.pri)
	}
	if a.seq < b.seq {
		return -1
	} else if a.seq > b.seq {
		return 1
	}
	return 0
}

// dropLocked discards req if it has not started. The caller must hold p.mu.
func (p *Port) dropLocked(req *request) {
	if req.state != reqQueued {
		return
	}
	req.state = reqDone
	if req.timer != nil {
		req.timer.Stop()
	}
	req.u.req = nil
}

// enqueueLocked adds a request for u. The caller must hold p.mu.
func (p *Port) enqueueLocked(u *User, pri busio.Priority, timeout time.Duration) error {
	if p.closed {
		return ErrClosed
	} else if u.req != nil {
		return ErrQueued
	}
	p.seq++
	req := &request{u: u, pri: pri, seq: p.seq}
	if timeout > 0 {
		req.timer = time.AfterFunc(timeout, func() { p.expire(req) })
	}
	u.req = req
	p.queue.Add(req)
	p.stats.SetMax("queue_depth", int64(p.queue.Len()))
	p.signal()
	return nil
}

// expire reports an admission timeout for req if it has not yet started.
func (p *Port) expire(req *request) {
	p.mu.Lock()
	if req.state != reqQueued {
		p.mu.Unlock()
		return
	}
	req.state = reqDone
	u := req.u
	u.req = nil
	u.active++
	p.mu.Unlock()

	p.stats.Count("timeouts", 1)
	p.log("Request for address %d timed out in queue", u.addr)
	u.h.HandleTimeout()
	p.finish(u, false)
}

// finish records that a handler for u has returned. If turn is true, the
// handler was a turn, which ends.
func (p *Port) finish(u *User, turn bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u.active--
	if turn {
		p.current = nil
	}
	p.idle.Broadcast()
	p.signal()
}

// next removes and returns the next runnable request, or nil if there is
// none. Requests from other users while the port is blocked are held until
// it is unblocked.
func (p *Port) next() *request {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		req, ok := p.queue.Pop()
		if !ok {
			return nil
		} else if req.state != reqQueued {
			continue // cancelled or expired
		} else if p.owner != nil && req.u != p.owner {
			p.held = append(p.held, req)
			continue
		}
		if req.timer != nil {
			req.timer.Stop()
		}
		req.state = reqRunning
		req.u.req = nil
		req.u.active++
		p.current = req.u
		return req
	}
}

// releaseLocked returns held requests to the queue. The caller must hold
// p.mu.
func (p *Port) releaseLocked() {
	for _, req := range p.held {
		if req.state == reqQueued {
			p.queue.Add(req)
		}
	}
	p.held = nil
	p.signal()
}

func (p *Port) dispatch(ctx context.Context) error {
	for {
		if req := p.next(); req != nil {
			p.runTurn(req)
			continue
		}

		var poll <-chan time.Time
		if p.monitor > 0 {
			poll = time.After(p.monitor)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-p.wake:
		case <-poll:
			p.monitorInput()
		}
	}
}

func (p *Port) runTurn(req *request) {
	u := req.u
	defer p.finish(u, true)

	if req.pri != busio.PriorityConnect && !p.isConnected() {
		if !p.auto {
			p.log("Port is disconnected, rejecting request for address %d", u.addr)
			p.stats.Count("timeouts", 1)
			u.h.HandleTimeout()
			return
		} else if err := p.connect(); err != nil {
			p.log("Auto-connect failed: %v", err)
			p.stats.Count("timeouts", 1)
			u.h.HandleTimeout()
			return
		}
	}
	p.stats.Count("turns", 1)
	u.h.HandleTurn()
}

// monitorInput polls the device for unsolicited input while the port is
// idle, and delivers any to all input listeners.
func (p *Port) monitorInput() {
	p.mu.Lock()
	busy := p.owner != nil || p.current != nil || !p.connected
	p.mu.Unlock()
	if busy {
		return
	}
	var buf [256]byte
	p.ioMu.Lock()
	n, _, err := p.readMessage(buf[:], nil, 0)
	p.ioMu.Unlock()
	if n > 0 {
		p.log("Unsolicited input %q", buf[:n])
		p.fanout(nil, buf[:n])
	} else if err != nil && !errors.Is(err, busio.ErrTimeout) {
		p.log("Monitor read failed: %v", err)
	}
}

func (p *Port) pumpEvents(ctx context.Context, events <-chan uint32) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case v, ok := <-events:
			if !ok {
				return nil
			}
			p.Raise(v)
		}
	}
}

// inputListeners returns the input listeners of all users except skip.
func (p *Port) inputListeners(skip *User) []func([]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []func([]byte)
	for u := range p.users {
		if u != skip && u.onInput != nil {
			out = append(out, u.onInput)
		}
	}
	return out
}

// eventListeners returns the event listeners of all users.
func (p *Port) eventListeners() []func(uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []func(uint32)
	for u := range p.users {
		if u.onEvent != nil {
			out = append(out, u.onEvent)
		}
	}
	return out
}

// fanout delivers data read by from to the input listeners of all other
// users. Listeners are called without holding the port lock.
func (p *Port) fanout(from *User, data []byte) {
	for _, f := range p.inputListeners(from) {
		f(data)
	}
}

func (p *Port) isConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *Port) connect() error {
	p.ioMu.Lock()
	defer p.ioMu.Unlock()
	if err := p.dev.Connect(); err != nil {
		return err
	}
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	p.stats.Count("connects", 1)
	p.log("Connected")
	return nil
}

func (p *Port) disconnect() error {
	p.ioMu.Lock()
	defer p.ioMu.Unlock()
	err := p.dev.Disconnect()
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	p.ahead, p.end = nil, false
	p.log("Disconnected")
	return err
}

// ports is the table of open ports, by name.
var ports = struct {
	sync.Mutex
	m map[string]*Port
}{m: make(map[string]*Port)}

// Lookup returns the open port with the given name, or nil.
func Lookup(name string) *Port {
	ports.Lock()
	defer ports.Unlock()
	return ports.m[name]
}

func init() {
	busio.Register("port", func(client busio.Client, bus string, addr int, _ string, opts *busio.Options) (*busio.Channel, error) {
		p := Lookup(bus)
		if p == nil {
			return nil, busio.ErrNoBus
		}
		return busio.NewChannel(busio.ChannelName(bus, addr), client, func(h busio.TurnHandler) (busio.Transport, error) {
			u, err := p.Attach(h, addr)
			if err != nil {
				return nil, err
			}
			return u, nil
		}, opts)
	})
}
