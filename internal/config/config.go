// Package config loads the bus table used by the buscall tool.
//
// A bus table is a YAML document of the form
//
//	defaults:
//	  eos: "\r\n"
//	  lock: 5s
//	  write: 1s
//	  reply: 1s
//	  read: 100ms
//	buses:
//	  - name: dmm
//	    device: tcp://meter:5025
//	  - name: psu
//	    device: serial:///dev/ttyUSB0?baud=19200
//	    eos: "\n"
//	    monitor: 500ms
//
// Settings omitted from a bus are taken from the defaults.
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/creachadair/busio"
	"github.com/creachadair/busio/device"
	"github.com/creachadair/busio/port"
	"github.com/creachadair/busio/txn"
	"gopkg.in/yaml.v2"
)

// Config is a bus table.
type Config struct {
	Defaults Settings `yaml:"defaults"`
	Buses    []Bus    `yaml:"buses"`
}

// Settings are the transaction settings of a bus.
type Settings struct {
	EOS   *string  `yaml:"eos"`
	Lock  Duration `yaml:"lock"`
	Write Duration `yaml:"write"`
	Reply Duration `yaml:"reply"`
	Read  Duration `yaml:"read"`
}

// Bus describes one bus and the device that implements it.
type Bus struct {
	Name          string   `yaml:"name"`
	Device        string   `yaml:"device"` // see device.Open
	MaxEOS        int      `yaml:"maxEOS"`
	NoAutoConnect bool     `yaml:"noAutoConnect"`
	Monitor       Duration `yaml:"monitor"`

	Settings `yaml:",inline"`
}

// Duration is a time.Duration written as a string like "250ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Load reads and validates the bus table in the named file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates a bus table.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid bus table: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports an error if c has unnamed or duplicate buses, or buses
// whose device cannot be opened.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for i, b := range c.Buses {
		if b.Name == "" {
			return fmt.Errorf("bus %d has no name", i+1)
		} else if seen[b.Name] {
			return fmt.Errorf("duplicate bus %q", b.Name)
		}
		seen[b.Name] = true
		if _, err := device.Open(b.Device); err != nil {
			return fmt.Errorf("bus %q: %w", b.Name, err)
		}
		if b.MaxEOS < 0 {
			return fmt.Errorf("bus %q: negative maxEOS", b.Name)
		}
	}
	return nil
}

// Lookup returns the bus with the given name.
func (c *Config) Lookup(name string) (Bus, bool) {
	for _, b := range c.Buses {
		if b.Name == name {
			return b, true
		}
	}
	return Bus{}, false
}

// Settings returns the settings for b, filling omitted values from the
// defaults of c.
func (c *Config) Settings(b Bus) Settings {
	s := b.Settings
	if s.EOS == nil {
		s.EOS = c.Defaults.EOS
	}
	for _, d := range []struct{ v, dv *Duration }{
		{&s.Lock, &c.Defaults.Lock},
		{&s.Write, &c.Defaults.Write},
		{&s.Reply, &c.Defaults.Reply},
		{&s.Read, &c.Defaults.Read},
	} {
		if *d.v == 0 {
			*d.v = *d.dv
		}
	}
	return s
}

// Open opens the device of b and starts a port for it, logging to w if it
// is not nil.
func (b Bus) Open(w io.Writer) (*port.Port, error) {
	dev, err := device.Open(b.Device)
	if err != nil {
		return nil, err
	}
	return port.New(b.Name, dev, &port.Options{
		LogWriter:     w,
		NoAutoConnect: b.NoAutoConnect,
		MaxEOS:        b.MaxEOS,
		Monitor:       time.Duration(b.Monitor),
	})
}

// ChannelOptions returns channel options for s, logging to w if it is not
// nil.
func (s Settings) ChannelOptions(w io.Writer) *busio.Options {
	opts := &busio.Options{LogWriter: w}
	if s.EOS != nil {
		opts.EOS = []byte(*s.EOS)
	}
	return opts
}

// DoOptions returns transaction options for s. Unset timeouts take the
// defaults of txn.Do.
func (s Settings) DoOptions() *txn.DoOptions {
	return &txn.DoOptions{
		Lock:  time.Duration(s.Lock),
		Write: time.Duration(s.Write),
		Read: txn.ReadOptions{
			Reply: time.Duration(s.Reply),
			Read:  time.Duration(s.Read),
		},
	}
}
