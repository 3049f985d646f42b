// Program buscall sends commands to a device and prints its replies.
//
// Usage:
//
//	buscall [options] <bus> <command>...
//
// The bus is either the name of a bus in the table given by -config, or a
// device URI such as tcp://meter:5025 or serial:///dev/ttyUSB0?baud=9600.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/creachadair/busio"
	"github.com/creachadair/busio/device"
	"github.com/creachadair/busio/internal/config"
	"github.com/creachadair/busio/txn"
	"github.com/peterbourgon/ff/v3"
	"gopkg.in/natefinch/lumberjack.v2"
)

type options struct {
	Config    string
	Addr      int
	EOS       string
	Lock      time.Duration
	Write     time.Duration
	Reply     time.Duration
	Read      time.Duration
	Timeout   time.Duration
	Expect    int
	NoReply   bool
	Event     uint
	EventWait time.Duration
	Verbose   bool
	LogFile   string
	Timing    bool
}

func (o *options) register(fs *flag.FlagSet) {
	fs.StringVar(&o.Config, "config", "", "Bus table (YAML)")
	fs.IntVar(&o.Addr, "addr", 0, "Device address on the bus")
	fs.StringVar(&o.EOS, "eos", "", `End-of-message sequence for replies, with Go escapes (e.g. "\r\n")`)
	fs.DurationVar(&o.Lock, "lock", 0, "Timeout to acquire the bus (0 for the bus default)")
	fs.DurationVar(&o.Write, "write", 0, "Timeout to write a command (0 for the bus default)")
	fs.DurationVar(&o.Reply, "reply", 0, "Timeout for the first byte of a reply (0 for the bus default)")
	fs.DurationVar(&o.Read, "read", 0, "Timeout between bytes of a reply (0 for the bus default)")
	fs.DurationVar(&o.Timeout, "timeout", 0, "Timeout for all commands (0 for no timeout)")
	fs.IntVar(&o.Expect, "expect", 0, "Expected reply length (0 for any)")
	fs.BoolVar(&o.NoReply, "no-reply", false, "Send commands without reading replies")
	fs.UintVar(&o.Event, "event", 0, "After the commands, wait for an event matching this mask")
	fs.DurationVar(&o.EventWait, "event-wait", 5*time.Second, "Timeout for -event")
	fs.BoolVar(&o.Verbose, "v", false, "Enable verbose logging")
	fs.StringVar(&o.LogFile, "log-file", "", "Write logs to this file (rotated) instead of stderr")
	fs.BoolVar(&o.Timing, "T", false, "Print timing stats")
}

func main() {
	fs := flag.NewFlagSet("buscall", flag.ExitOnError)
	var opts options
	opts.register(fs)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: %s [options] <bus> <command>...

Send each command to the device on the specified bus, and print the replies
to stdout. The bus is the name of a bus in the -config table, or a device URI:

  tcp://host:port                    -- TCP stream
  udp://host:port                    -- UDP stream
  serial:///dev/ttyS0?baud=9600      -- serial line (also data, parity, stop)
  loop:                              -- loopback, echoes each command

Commands and -eos may contain Go escape sequences such as \r and \n.
Options may also be set from environment variables with the prefix BUSCALL_.

Options:
`, filepath.Base(os.Args[0]))
		fs.PrintDefaults()
	}
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("BUSCALL")); err != nil {
		log.Fatalf("Parsing flags: %v", err)
	}
	if fs.NArg() < 2 && !(fs.NArg() == 1 && opts.Event != 0) {
		fs.Usage()
		os.Exit(2)
	}

	ctx := context.Background()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	logw, closeLog := opts.logWriter()
	defer closeLog()
	if err := run(ctx, &opts, fs.Args(), os.Stdout, logw); err != nil {
		log.Fatal(err)
	}
}

// logWriter returns the destination for debug logs, or nil if logging is
// disabled, and a function that releases it.
func (o *options) logWriter() (io.Writer, func() error) {
	if o.LogFile != "" {
		lj := &lumberjack.Logger{
			Filename:   o.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
		}
		return lj, lj.Close
	}
	nop := func() error { return nil }
	if o.Verbose {
		return os.Stderr, nop
	}
	return nil, nop
}

// run sends the commands in args[1:] to the bus named by args[0], and writes
// the replies to out.
func run(ctx context.Context, o *options, args []string, out io.Writer, logw io.Writer) error {
	start := time.Now()
	cfg := new(config.Config)
	if o.Config != "" {
		c, err := config.Load(o.Config)
		if err != nil {
			return err
		}
		cfg = c
	}
	bus, err := findBus(cfg, args[0])
	if err != nil {
		return err
	}
	p, err := bus.Open(logw)
	if err != nil {
		return fmt.Errorf("open %q: %w", args[0], err)
	}
	defer p.Close()

	set := cfg.Settings(bus)
	copts := set.ChannelOptions(logw)
	if o.EOS != "" {
		eos, err := unescape(o.EOS)
		if err != nil {
			return fmt.Errorf("invalid -eos: %w", err)
		}
		copts.EOS = []byte(eos)
	}
	c, err := txn.New(p.Name(), o.Addr, "", copts)
	if err != nil {
		return err
	}
	defer c.Close()
	topen := time.Now()

	dopts := set.DoOptions()
	o.apply(dopts)
	for _, arg := range args[1:] {
		cmd, err := unescape(arg)
		if err != nil {
			return fmt.Errorf("invalid command %q: %w", arg, err)
		}
		rep, err := c.Do(ctx, []byte(cmd), dopts)
		if err != nil {
			return fmt.Errorf("command %q: %w", arg, err)
		}
		if !o.NoReply {
			fmt.Fprintln(out, string(rep.Data))
		}
	}
	if o.Event != 0 {
		if err := c.Event(ctx, uint32(o.Event), o.EventWait); err != nil {
			return fmt.Errorf("event %#x: %w", o.Event, err)
		}
		fmt.Fprintf(out, "event %#x\n", o.Event)
	}
	if o.Timing {
		tdone := time.Now()
		fmt.Fprintf(os.Stderr, "%v elapsed: %v open, %v commands\n",
			tdone.Sub(start), topen.Sub(start), tdone.Sub(topen))
	}
	return nil
}

// findBus returns the bus in cfg with the given name. A name containing a
// colon is a device URI, for which a bus is synthesized.
func findBus(cfg *config.Config, name string) (config.Bus, error) {
	if b, ok := cfg.Lookup(name); ok {
		return b, nil
	} else if !strings.Contains(name, ":") {
		return config.Bus{}, fmt.Errorf("bus %q: %w", name, busio.ErrNoBus)
	} else if _, err := device.Open(name); err != nil {
		return config.Bus{}, err
	}
	return config.Bus{Name: "buscall:" + name, Device: name}, nil
}

// apply overrides the settings in d with those given on the command line.
func (o *options) apply(d *txn.DoOptions) {
	for _, v := range []struct{ flag, dst *time.Duration }{
		{&o.Lock, &d.Lock},
		{&o.Write, &d.Write},
		{&o.Reply, &d.Read.Reply},
		{&o.Read, &d.Read.Read},
	} {
		if *v.flag != 0 {
			*v.dst = *v.flag
		}
	}
	d.Read.Expect = o.Expect
	d.NoReply = o.NoReply
}

// unescape interprets the Go escape sequences in s.
func unescape(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	u, err := strconv.Unquote(`"` + strings.ReplaceAll(s, `"`, `\"`) + `"`)
	if err != nil {
		return "", errors.New("bad escape sequence")
	}
	return u, nil
}
