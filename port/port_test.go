// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package port_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/creachadair/busio"
	"github.com/creachadair/busio/code"
	"github.com/creachadair/busio/device"
	"github.com/creachadair/busio/port"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// recorder collects the turns and timeouts of a set of handlers.
type recorder struct {
	mu  sync.Mutex
	got []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, s)
}

func (r *recorder) take() []string {
	synctest.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.got
	r.got = nil
	return out
}

func (r *recorder) check(t *testing.T, want ...string) {
	t.Helper()
	if diff := cmp.Diff(want, r.take(), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Handler calls (-want, +got):\n%s", diff)
	}
}

// handler is a busio.TurnHandler that records its calls, and runs its turn
// function during a turn.
type handler struct {
	name string
	rec  *recorder
	turn func()
	done chan struct{} // if not nil, closed after the next call
}

func (h *handler) HandleTurn() {
	h.rec.add("turn " + h.name)
	if h.turn != nil {
		h.turn()
	}
	h.called()
}

func (h *handler) HandleTimeout() {
	h.rec.add("timeout " + h.name)
	h.called()
}

func (h *handler) called() {
	if h.done != nil {
		close(h.done)
		h.done = nil
	}
}

func newPort(t *testing.T, name string, opts *port.Options) (*port.Port, *device.PipeDevice, *device.Instrument) {
	t.Helper()
	dev, inst := device.Pipe()
	p, err := port.New(name, dev, opts)
	if err != nil {
		t.Fatalf("New: unexpected error: %v", err)
	}
	return p, dev, inst
}

func attach(t *testing.T, p *port.Port, h *handler) *port.User {
	t.Helper()
	u, err := p.Attach(h, 0)
	if err != nil {
		t.Fatalf("Attach: unexpected error: %v", err)
	}
	return u
}

// runTurn queues a turn for u that calls f, and waits for the port to handle
// it.
func runTurn(t *testing.T, u *port.User, h *handler, f func()) {
	t.Helper()
	done := make(chan struct{})
	h.turn, h.done = f, done
	if err := u.Queue(busio.PriorityMedium, 0); err != nil {
		t.Fatalf("Queue: unexpected error: %v", err)
	}
	<-done
	synctest.Wait()
}

func TestPriorityOrder(t *testing.T) {
	defer leaktest.Check(t)()
	synctest.Test(t, func(t *testing.T) {
		p, _, _ := newPort(t, "order", nil)
		defer p.Close()

		var rec recorder
		release := make(chan struct{})
		h0 := &handler{name: "busy", rec: &rec, turn: func() { <-release }}
		u0 := attach(t, p, h0)
		u0.Queue(busio.PriorityMedium, 0)
		synctest.Wait()
		rec.check(t, "turn busy")

		for _, q := range []struct {
			name string
			pri  busio.Priority
		}{
			{"low", busio.PriorityLow},
			{"medium1", busio.PriorityMedium},
			{"high", busio.PriorityHigh},
			{"medium2", busio.PriorityMedium},
			{"connect", busio.PriorityConnect},
		} {
			u := attach(t, p, &handler{name: q.name, rec: &rec})
			if err := u.Queue(q.pri, 0); err != nil {
				t.Fatalf("Queue %s: unexpected error: %v", q.name, err)
			}
		}
		close(release)
		rec.check(t, "turn connect", "turn high", "turn medium1", "turn medium2", "turn low")
	})
}

func TestQueueErrors(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		p, _, _ := newPort(t, "queue", nil)

		var rec recorder
		release := make(chan struct{})
		u0 := attach(t, p, &handler{name: "busy", rec: &rec, turn: func() { <-release }})
		u0.Queue(busio.PriorityMedium, 0)

		u1 := attach(t, p, &handler{name: "u1", rec: &rec})
		if err := u1.Queue(busio.PriorityMedium, 0); err != nil {
			t.Fatalf("Queue: unexpected error: %v", err)
		}
		if err := u1.Queue(busio.PriorityMedium, 0); !errors.Is(err, port.ErrQueued) {
			t.Errorf("Second Queue: got %v, want %v", err, port.ErrQueued)
		}
		close(release)
		synctest.Wait()
		p.Close()

		if err := u1.Queue(busio.PriorityMedium, 0); !errors.Is(err, port.ErrClosed) {
			t.Errorf("Queue after Close: got %v, want %v", err, port.ErrClosed)
		}
		if _, err := p.Attach(&handler{rec: &rec}, 1); !errors.Is(err, port.ErrClosed) {
			t.Errorf("Attach after Close: got %v, want %v", err, port.ErrClosed)
		}
	})
}

func TestAdmissionTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		p, _, _ := newPort(t, "timeout", nil)
		defer p.Close()

		var rec recorder
		release := make(chan struct{})
		u0 := attach(t, p, &handler{name: "busy", rec: &rec, turn: func() { <-release }})
		u0.Queue(busio.PriorityMedium, 0)
		synctest.Wait()
		rec.check(t, "turn busy")

		u1 := attach(t, p, &handler{name: "u1", rec: &rec})
		u1.Queue(busio.PriorityHigh, 100*time.Millisecond)
		time.Sleep(99 * time.Millisecond)
		rec.check(t)
		time.Sleep(time.Millisecond)
		rec.check(t, "timeout u1")

		close(release)
		rec.check(t)
	})
}

func TestBlock(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		p, _, _ := newPort(t, "block", nil)
		defer p.Close()

		var rec recorder
		h0 := &handler{name: "owner", rec: &rec}
		u0 := attach(t, p, h0)
		h1 := &handler{name: "other", rec: &rec}
		u1 := attach(t, p, h1)

		runTurn(t, u0, h0, u0.Block)
		rec.check(t, "turn owner")

		// The other user waits while the owner continues.
		h1.turn = nil
		u1.Queue(busio.PriorityHigh, 0)
		runTurn(t, u0, h0, nil)
		runTurn(t, u0, h0, nil)
		rec.check(t, "turn owner", "turn owner")

		u0.Unblock()
		rec.check(t, "turn other")
	})
}

func TestCancelWaits(t *testing.T) {
	defer leaktest.Check(t)()
	synctest.Test(t, func(t *testing.T) {
		p, _, _ := newPort(t, "cancel", nil)
		defer p.Close()

		var rec recorder
		release := make(chan struct{})
		u0 := attach(t, p, &handler{name: "busy", rec: &rec, turn: func() { <-release }})
		u0.Queue(busio.PriorityMedium, 0)
		synctest.Wait()

		cancelled := make(chan struct{})
		go func() { u0.Cancel(); close(cancelled) }()
		synctest.Wait()
		select {
		case <-cancelled:
			t.Fatal("Cancel returned while a turn was running")
		default:
		}
		close(release)
		synctest.Wait()
		select {
		case <-cancelled:
		default:
			t.Fatal("Cancel did not return after the turn ended")
		}

		// A queued request is discarded.
		u1 := attach(t, p, &handler{name: "u1", rec: &rec, turn: func() { <-release }})
		u2 := attach(t, p, &handler{name: "u2", rec: &rec})
		release = make(chan struct{})
		u1.Queue(busio.PriorityMedium, 0)
		synctest.Wait()
		u2.Queue(busio.PriorityMedium, time.Second)
		u2.Cancel()
		close(release)
		time.Sleep(2 * time.Second)
		rec.check(t, "turn busy", "turn u1")
	})
}

func TestConnect(t *testing.T) {
	t.Run("Auto", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			p, _, inst := newPort(t, "auto", nil)
			defer p.Close()

			var rec recorder
			h := &handler{name: "u", rec: &rec}
			u := attach(t, p, h)
			if u.IsConnected() {
				t.Error("New port is connected")
			}
			if !u.AutoConnect() {
				t.Error("AutoConnect: got false, want true")
			}
			runTurn(t, u, h, nil)
			rec.check(t, "turn u")
			if !inst.IsConnected() || !u.IsConnected() {
				t.Error("Turn did not connect the device")
			}

			if err := u.Disconnect(); err != nil {
				t.Errorf("Disconnect: unexpected error: %v", err)
			}
			if inst.IsConnected() || u.IsConnected() {
				t.Error("Device is still connected")
			}
		})
	})
	t.Run("Manual", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			p, _, inst := newPort(t, "manual", &port.Options{NoAutoConnect: true})
			defer p.Close()

			var rec recorder
			h := &handler{name: "u", rec: &rec}
			u := attach(t, p, h)
			runTurn(t, u, h, nil)
			rec.check(t, "timeout u")

			// Connect requests run on a disconnected port.
			h.turn = func() {
				if err := u.Connect(); err != nil {
					t.Errorf("Connect: unexpected error: %v", err)
				}
			}
			u.Queue(busio.PriorityConnect, 0)
			rec.check(t, "turn u")
			if !inst.IsConnected() {
				t.Error("Device is not connected")
			}
			runTurn(t, u, h, nil)
			rec.check(t, "turn u")
		})
	})
}

func TestReadEOS(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		p, _, inst := newPort(t, "eos", nil)
		defer p.Close()

		var rec recorder
		h := &handler{name: "u", rec: &rec}
		u := attach(t, p, h)

		if err := u.SetInputEOS([]byte("abc")); !errors.Is(err, port.ErrEOSTooLong) {
			t.Errorf("SetInputEOS: got %v, want %v", err, port.ErrEOSTooLong)
		}

		type result struct {
			Data string
			EOM  busio.EOM
			Err  error
		}
		var got []result
		read := func(size int, timeout time.Duration) {
			buf := make([]byte, size)
			n, eom, err := u.Read(buf, timeout)
			got = append(got, result{string(buf[:n]), eom, err})
		}
		runTurn(t, u, h, func() {
			u.SetInputEOS([]byte("\r\n"))
			inst.Send("abc\r\ndef")
			read(10, time.Second)
			read(10, time.Second)
			inst.Send("gh\r\nij\r\n")
			read(1, time.Second)
			read(10, time.Second)
			u.Flush()
			read(10, 0)
		})
		want := []result{
			{"abc", busio.EOMEOS, nil},
			{"def", 0, busio.ErrTimeout},
			{"g", busio.EOMCount, nil},
			{"h", busio.EOMEOS, nil},
			{"", 0, busio.ErrTimeout},
		}
		if diff := cmp.Diff(want, got, cmpopts.EquateErrors()); diff != "" {
			t.Errorf("Reads (-want, +got):\n%s", diff)
		}

		// Without a sequence, the device's end of message is reported.
		got = nil
		runTurn(t, u, h, func() {
			u.SetInputEOS(nil)
			inst.SendMessage("one\n")
			read(10, time.Second)
			inst.SendMessage("")
			read(10, time.Second)
		})
		want = []result{
			{"one\n", busio.EOMEnd, nil},
			{"", busio.EOMEnd, nil},
		}
		if diff := cmp.Diff(want, got, cmpopts.EquateErrors()); diff != "" {
			t.Errorf("Reads (-want, +got):\n%s", diff)
		}

		// A sequence that starts within the buffer is recognized even when it
		// ends beyond it or arrives in pieces.
		got = nil
		runTurn(t, u, h, func() {
			u.SetInputEOS([]byte("\r\n"))
			inst.Send("\r\n")
			read(1, time.Second)
			inst.Send("ok\r\n")
			read(2, time.Second)
			inst.Send("x\r")
			go func() {
				time.Sleep(10 * time.Millisecond)
				inst.Send("\n")
			}()
			read(1, time.Second)
			read(1, time.Second)
		})
		want = []result{
			{"", busio.EOMEOS, nil},
			{"ok", busio.EOMEOS, nil},
			{"x", busio.EOMCount, nil},
			{"", busio.EOMEOS, nil},
		}
		if diff := cmp.Diff(want, got, cmpopts.EquateErrors()); diff != "" {
			t.Errorf("Reads (-want, +got):\n%s", diff)
		}
	})
}

func TestReadWriteOutsideTurn(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		p, _, _ := newPort(t, "noturn", nil)
		defer p.Close()

		u := attach(t, p, &handler{rec: new(recorder)})
		buf := make([]byte, 4)
		if _, _, err := u.Read(buf, 0); !errors.Is(err, port.ErrNoTurn) {
			t.Errorf("Read: got %v, want %v", err, port.ErrNoTurn)
		}
		if _, err := u.Write(buf, 0); !errors.Is(err, port.ErrNoTurn) {
			t.Errorf("Write: got %v, want %v", err, port.ErrNoTurn)
		}
		if err := u.Flush(); !errors.Is(err, port.ErrNoTurn) {
			t.Errorf("Flush: got %v, want %v", err, port.ErrNoTurn)
		}
	})
}

func TestPeek(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		p, _, inst := newPort(t, "peek", nil)
		defer p.Close()

		u := attach(t, p, &handler{rec: new(recorder)})
		if !u.CanPeek() {
			t.Error("CanPeek: got false, want true")
		}
		inst.RefusePeek(true)
		if u.CanPeek() {
			t.Error("CanPeek: got true, want false")
		}
	})
}

func TestFanout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		p, _, inst := newPort(t, "fanout", nil)
		defer p.Close()

		var rec recorder
		ha := &handler{name: "a", rec: &rec}
		ua := attach(t, p, ha)
		ub := attach(t, p, &handler{name: "b", rec: &rec})

		var mu sync.Mutex
		var gotA, gotB []string
		ua.OnInput(func(data []byte) { mu.Lock(); gotA = append(gotA, string(data)); mu.Unlock() })
		cancel, err := ub.OnInput(func(data []byte) { mu.Lock(); gotB = append(gotB, string(data)); mu.Unlock() })
		if err != nil {
			t.Fatalf("OnInput: unexpected error: %v", err)
		}

		runTurn(t, ua, ha, func() {
			inst.SendMessage("hello")
			ua.Read(make([]byte, 16), time.Second)
		})
		cancel()
		runTurn(t, ua, ha, func() {
			inst.SendMessage("again")
			ua.Read(make([]byte, 16), time.Second)
		})

		mu.Lock()
		defer mu.Unlock()
		if len(gotA) != 0 {
			t.Errorf("Reader received its own input: %q", gotA)
		}
		if diff := cmp.Diff([]string{"hello"}, gotB); diff != "" {
			t.Errorf("Listener input (-want, +got):\n%s", diff)
		}
	})
}

func TestEvents(t *testing.T) {
	defer leaktest.Check(t)()
	synctest.Test(t, func(t *testing.T) {
		p, _, inst := newPort(t, "events", nil)
		defer p.Close()

		u := attach(t, p, &handler{rec: new(recorder)})
		var mu sync.Mutex
		var got []uint32
		u.OnEvent(func(v uint32) { mu.Lock(); got = append(got, v); mu.Unlock() })

		inst.Raise(5)
		synctest.Wait()
		p.Raise(7)

		mu.Lock()
		defer mu.Unlock()
		if diff := cmp.Diff([]uint32{5, 7}, got); diff != "" {
			t.Errorf("Events (-want, +got):\n%s", diff)
		}
		if n := p.Stats().Snapshot().Counters["events"]; n != 2 {
			t.Errorf("Event count: got %d, want 2", n)
		}
	})
}

func TestMonitor(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		p, _, inst := newPort(t, "monitor", &port.Options{Monitor: 10 * time.Millisecond})
		defer p.Close()

		u := attach(t, p, &handler{rec: new(recorder)})
		if err := u.Connect(); err != nil {
			t.Fatalf("Connect: unexpected error: %v", err)
		}
		got := make(chan string, 1)
		u.OnInput(func(data []byte) { got <- string(data) })

		inst.SendMessage("status:ok")
		time.Sleep(10 * time.Millisecond)
		synctest.Wait()
		select {
		case s := <-got:
			if s != "status:ok" {
				t.Errorf("Unsolicited input: got %q, want status:ok", s)
			}
		default:
			t.Error("No unsolicited input was delivered")
		}
	})
}

func TestDuplicateName(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		p, _, _ := newPort(t, "dup", nil)
		defer p.Close()

		if q, err := port.New("dup", device.Loopback(), nil); err == nil {
			q.Close()
			t.Error("New with a duplicate name: got nil, want error")
		}
		if got := port.Lookup("dup"); got != p {
			t.Errorf("Lookup: got %v, want %v", got, p)
		}
	})
}

func TestFindChannel(t *testing.T) {
	defer leaktest.Check(t)()
	synctest.Test(t, func(t *testing.T) {
		p, dev, inst := newPort(t, "ps1", nil)
		defer p.Close()
		defer dev.Close()

		if _, err := busio.Find(busio.Funcs{}, "nonesuch", 0, "", nil); !errors.Is(err, busio.ErrNoBus) {
			t.Errorf("Find nonesuch: got %v, want %v", err, busio.ErrNoBus)
		}

		results := make(chan string, 10)
		var ch *busio.Channel
		client := busio.Funcs{
			Lock: func(s code.Code) {
				results <- "lock " + s.String()
				ch.Write([]byte("*IDN?\n"), time.Second)
			},
			Write: func(s code.Code) {
				results <- "write " + s.String()
				ch.Read(time.Second, 100*time.Millisecond, -1, false)
			},
			Read: func(s code.Code, data []byte) int {
				results <- fmt.Sprintf("read %v %q", s, data)
				if s == code.Success {
					return -1
				}
				ch.Unlock()
				return 0
			},
		}
		var err error
		ch, err = busio.Find(client, "ps1", 3, "", &busio.Options{EOS: []byte("\r\n")})
		if err != nil {
			t.Fatalf("Find: unexpected error: %v", err)
		}
		defer ch.Close()
		if got := ch.Name(); got != "ps1:3" {
			t.Errorf("Name: got %q, want ps1:3", got)
		}

		go func() {
			if cmd, err := inst.Recv(time.Second); err == nil && cmd == "*IDN?\n" {
				inst.Send("ACME,1.0\r\n")
			}
		}()
		ch.Lock(time.Second)
		synctest.Wait()
		close(results)

		var got []string
		for r := range results {
			got = append(got, r)
		}
		want := []string{
			"lock success",
			"write success",
			`read success "A"`,
			`read end of message "CME,1.0"`,
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Transaction (-want, +got):\n%s", diff)
		}
	})
}

func TestWriteBehindHeldPoll(t *testing.T) {
	defer leaktest.Check(t)()
	synctest.Test(t, func(t *testing.T) {
		p, dev, inst := newPort(t, "shared", nil)
		defer p.Close()
		defer dev.Close()

		results := make(chan string, 10)
		a, err := busio.Find(busio.Funcs{
			Lock: func(s code.Code) { results <- "A lock " + s.String() },
		}, "shared", 1, "", nil)
		if err != nil {
			t.Fatalf("Find A: unexpected error: %v", err)
		}
		defer a.Close()
		b, err := busio.Find(busio.Funcs{
			Write: func(s code.Code) { results <- "B write " + s.String() },
		}, "shared", 2, "", nil)
		if err != nil {
			t.Fatalf("Find B: unexpected error: %v", err)
		}
		defer b.Close()

		a.Lock(time.Second)
		synctest.Wait()

		// B's poll is held while A owns the port, and its write follows it.
		b.SupportsAsyncRead()
		b.Read(time.Second, 100*time.Millisecond, -1, true)
		b.Write([]byte("CMD\n"), 5*time.Second)
		synctest.Wait()
		a.Unlock()

		if got, err := inst.Recv(time.Second); err != nil || got != "CMD\n" {
			t.Errorf("Device received %q, %v; want CMD", got, err)
		}
		synctest.Wait()
		close(results)

		var got []string
		for r := range results {
			got = append(got, r)
		}
		if diff := cmp.Diff([]string{"A lock success", "B write success"}, got); diff != "" {
			t.Errorf("Completions (-want, +got):\n%s", diff)
		}
	})
}
