package device

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"go.bug.st/serial"
)

// An Opener constructs a Device from a parsed URI.
type Opener func(*url.URL) (Device, error)

var openers = map[string]Opener{
	"tcp":    openStream,
	"udp":    openStream,
	"serial": openSerial,
	"loop":   func(*url.URL) (Device, error) { return Loopback(), nil },
}

// Schemes reports the URI schemes understood by Open, in order.
func Schemes() []string {
	out := make([]string, 0, len(openers))
	for s := range openers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Open returns an unconnected Device described by uri. The URI forms
// currently understood are:
//
//	tcp://host:port                  -- a Stream over TCP
//	udp://host:port                  -- a Stream over UDP
//	serial:///dev/ttyS0?baud=9600    -- a Serial line
//	loop:                            -- a Loopback device
//
// Serial lines also accept the parameters data (5 to 8), parity (none, odd,
// even, mark, space) and stop (1, 1.5, 2). The defaults are 8N1.
func Open(uri string) (Device, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid device URI: %w", err)
	}
	open, ok := openers[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("unknown device scheme %q", u.Scheme)
	}
	return open(u)
}

func openStream(u *url.URL) (Device, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("missing %s address", u.Scheme)
	}
	return &Stream{Network: u.Scheme, Address: u.Host}, nil
}

func openSerial(u *url.URL) (Device, error) {
	path := u.Path
	if path == "" {
		path = u.Opaque
	}
	if path == "" {
		return nil, fmt.Errorf("missing serial port name")
	}
	mode, err := parseMode(u.Query())
	if err != nil {
		return nil, err
	}
	return &Serial{Port: path, Mode: mode}, nil
}

func parseMode(q url.Values) (serial.Mode, error) {
	mode := serial.Mode{BaudRate: 9600, DataBits: 8}
	if s := q.Get("baud"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			return mode, fmt.Errorf("invalid baud rate %q", s)
		}
		mode.BaudRate = v
	}
	if s := q.Get("data"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 5 || v > 8 {
			return mode, fmt.Errorf("invalid data bits %q", s)
		}
		mode.DataBits = v
	}
	switch s := strings.ToLower(q.Get("parity")); s {
	case "", "none", "n":
		mode.Parity = serial.NoParity
	case "odd", "o":
		mode.Parity = serial.OddParity
	case "even", "e":
		mode.Parity = serial.EvenParity
	case "mark", "m":
		mode.Parity = serial.MarkParity
	case "space", "s":
		mode.Parity = serial.SpaceParity
	default:
		return mode, fmt.Errorf("invalid parity %q", s)
	}
	switch s := q.Get("stop"); s {
	case "", "1":
		mode.StopBits = serial.OneStopBit
	case "1.5":
		mode.StopBits = serial.OnePointFiveStopBits
	case "2":
		mode.StopBits = serial.TwoStopBits
	default:
		return mode, fmt.Errorf("invalid stop bits %q", s)
	}
	return mode, nil
}
