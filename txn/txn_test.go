package txn_test

import (
	"context"
	"errors"
	"testing"
	"testing/synctest"
	"time"

	"github.com/creachadair/busio"
	"github.com/creachadair/busio/code"
	"github.com/creachadair/busio/device"
	"github.com/creachadair/busio/port"
	"github.com/creachadair/busio/txn"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// newBus creates a port named name over a pipe, and returns the instrument
// at the far end of the pipe.
func newBus(t *testing.T, name string, opts *port.Options) *device.Instrument {
	t.Helper()
	dev, inst := device.Pipe()
	p, err := port.New(name, dev, opts)
	if err != nil {
		t.Fatalf("port.New: unexpected error: %v", err)
	}
	t.Cleanup(func() { p.Close(); dev.Close() })
	return inst
}

func newConn(t *testing.T, bus string, opts *busio.Options) *txn.Conn {
	t.Helper()
	c, err := txn.New(bus, 1, "", opts)
	if err != nil {
		t.Fatalf("txn.New: unexpected error: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// respond runs a goroutine that answers cmd with reply.
func respond(inst *device.Instrument, cmd, reply string) {
	go func() {
		got, err := inst.Recv(5 * time.Second)
		if err == nil && got == cmd {
			inst.Send(reply)
		}
	}()
}

func checkReply(t *testing.T, got, want txn.Reply) {
	t.Helper()
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Reply (-want, +got):\n%s", diff)
	}
}

func TestDo(t *testing.T) {
	defer leaktest.Check(t)()
	synctest.Test(t, func(t *testing.T) {
		inst := newBus(t, "do", nil)
		c := newConn(t, "do", &busio.Options{EOS: []byte("\r\n")})
		ctx := context.Background()

		respond(inst, "*IDN?\n", "ACME,1.0\r\n")
		rep, err := c.Do(ctx, []byte("*IDN?\n"), nil)
		if err != nil {
			t.Fatalf("Do: unexpected error: %v", err)
		}
		checkReply(t, rep, txn.Reply{Data: []byte("ACME,1.0"), Status: code.End})

		// A command with no reply.
		rep, err = c.Do(ctx, []byte("*RST\n"), &txn.DoOptions{NoReply: true})
		if err != nil {
			t.Fatalf("Do: unexpected error: %v", err)
		}
		checkReply(t, rep, txn.Reply{Status: code.Success})
		if got, _ := inst.Recv(time.Second); got != "*RST\n" {
			t.Errorf("Instrument received %q, want *RST", got)
		}
	})
}

func TestRead(t *testing.T) {
	opts := txn.ReadOptions{Reply: time.Second, Read: 100 * time.Millisecond}
	tests := []struct {
		name string
		run  func(t *testing.T, inst *device.Instrument, c *txn.Conn)
	}{
		{"NoReply", func(t *testing.T, inst *device.Instrument, c *txn.Conn) {
			start := time.Now()
			rep, err := c.Read(context.Background(), opts)
			if got := code.FromError(err); got != code.NoReply {
				t.Errorf("Read: got %v (%v), want %v", got, err, code.NoReply)
			}
			checkReply(t, rep, txn.Reply{Status: code.NoReply})
			if d := time.Since(start); d != time.Second {
				t.Errorf("Read took %v, want 1s", d)
			}
		}},
		{"Silence", func(t *testing.T, inst *device.Instrument, c *txn.Conn) {
			inst.Send("12345")
			rep, err := c.Read(context.Background(), opts)
			if err != nil {
				t.Errorf("Read: unexpected error: %v", err)
			}
			checkReply(t, rep, txn.Reply{Data: []byte("12345"), Status: code.Timeout})
		}},
		{"Message", func(t *testing.T, inst *device.Instrument, c *txn.Conn) {
			inst.SendMessage("done")
			rep, err := c.Read(context.Background(), opts)
			if err != nil {
				t.Errorf("Read: unexpected error: %v", err)
			}
			checkReply(t, rep, txn.Reply{Data: []byte("done"), Status: code.End})
		}},
		{"Expect", func(t *testing.T, inst *device.Instrument, c *txn.Conn) {
			inst.Send("abcdefg")
			o := opts
			o.Expect = 4
			rep, err := c.Read(context.Background(), o)
			if err != nil {
				t.Errorf("Read: unexpected error: %v", err)
			}
			checkReply(t, rep, txn.Reply{Data: []byte("abcd"), Status: code.Success})

			// The rest of the input remains for the next read.
			rep, _ = c.Read(context.Background(), opts)
			checkReply(t, rep, txn.Reply{Data: []byte("efg"), Status: code.Timeout})
		}},
		{"Max", func(t *testing.T, inst *device.Instrument, c *txn.Conn) {
			inst.Send("xyz")
			o := opts
			o.Max = 1
			rep, err := c.Read(context.Background(), o)
			if err != nil {
				t.Errorf("Read: unexpected error: %v", err)
			}
			checkReply(t, rep, txn.Reply{Data: []byte("x"), Status: code.Success})
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			synctest.Test(t, func(t *testing.T) {
				inst := newBus(t, "read", nil)
				tc.run(t, inst, newConn(t, "read", nil))
			})
		})
	}
}

func TestAsyncRead(t *testing.T) {
	defer leaktest.Check(t)()
	synctest.Test(t, func(t *testing.T) {
		inst := newBus(t, "async", &port.Options{Monitor: 10 * time.Millisecond})
		c := newConn(t, "async", &busio.Options{EOS: []byte("\n")})
		ctx := context.Background()
		if err := c.Connect(ctx, time.Second); err != nil {
			t.Fatalf("Connect: unexpected error: %v", err)
		}

		// The reply arrives while nobody holds the bus.
		go func() {
			time.Sleep(50 * time.Millisecond)
			inst.SendMessage("ready")
		}()
		rep, err := c.Read(ctx, txn.ReadOptions{Reply: time.Second, Read: 100 * time.Millisecond, Async: true})
		if err != nil {
			t.Errorf("Read: unexpected error: %v", err)
		}
		checkReply(t, rep, txn.Reply{Data: []byte("ready"), Status: code.Timeout})
		if got := c.Channel().Intent(); got != busio.IntentNone {
			t.Errorf("Intent after read: got %v, want %v", got, busio.IntentNone)
		}

		// The channel no longer polls, so a later transaction runs normally.
		time.Sleep(2 * time.Second)
		respond(inst, "*IDN?\n", "ACME,1.0\n")
		rep, err = c.Do(ctx, []byte("*IDN?\n"), nil)
		if err != nil {
			t.Fatalf("Do: unexpected error: %v", err)
		}
		checkReply(t, rep, txn.Reply{Data: []byte("ACME,1.0"), Status: code.End})
	})
}

func TestEvent(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		inst := newBus(t, "event", nil)
		c := newConn(t, "event", nil)
		ctx := context.Background()

		if err := c.Event(ctx, 0x4, 100*time.Millisecond); code.FromError(err) != code.Timeout {
			t.Errorf("Event: got %v, want timeout", err)
		}

		go func() {
			time.Sleep(10 * time.Millisecond)
			inst.Raise(0x1) // does not match
			inst.Raise(0x6)
		}()
		if err := c.Event(ctx, 0x4, time.Second); err != nil {
			t.Errorf("Event: unexpected error: %v", err)
		}
	})
}

func TestConnect(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		inst := newBus(t, "connect", nil)
		c := newConn(t, "connect", nil)

		if err := c.Connect(context.Background(), time.Second); err != nil {
			t.Errorf("Connect: unexpected error: %v", err)
		}
		if !inst.IsConnected() {
			t.Error("Device is not connected")
		}
	})
}

func TestCancel(t *testing.T) {
	defer leaktest.Check(t)()
	synctest.Test(t, func(t *testing.T) {
		newBus(t, "cancel", nil)
		a := newConn(t, "cancel", nil)
		b := newConn(t, "cancel", nil)

		if err := a.Lock(context.Background(), time.Second); err != nil {
			t.Fatalf("Lock a: unexpected error: %v", err)
		}

		// The bus is held by a, so b waits until its context ends.
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		start := time.Now()
		if err := b.Lock(ctx, 0); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Lock b: got %v, want %v", err, context.DeadlineExceeded)
		}
		if d := time.Since(start); d != 50*time.Millisecond {
			t.Errorf("Lock b took %v, want 50ms", d)
		}

		// After a releases the bus, b can lock it.
		a.Unlock()
		if err := b.Lock(context.Background(), time.Second); err != nil {
			t.Errorf("Lock b: unexpected error: %v", err)
		}
		b.Unlock()
	})
}

func TestClosed(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		newBus(t, "closed", nil)
		c := newConn(t, "closed", nil)
		c.Close()

		if err := c.Write(context.Background(), []byte("x"), time.Second); !errors.Is(err, busio.ErrClosed) {
			t.Errorf("Write: got %v, want %v", err, busio.ErrClosed)
		}
		if _, err := txn.New("nonesuch", 0, "", nil); !errors.Is(err, busio.ErrNoBus) {
			t.Errorf("New: got %v, want %v", err, busio.ErrNoBus)
		}
	})
}
