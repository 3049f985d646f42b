package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/busio"
	"go.bug.st/serial"
)

// A Serial is a Device backed by a serial line.
type Serial struct {
	Port string      // e.g., "/dev/ttyUSB0"
	Mode serial.Mode // line settings; the zero value is 9600 8N1

	mu   sync.Mutex
	port serial.Port
}

// Connect implements part of Device.
func (s *Serial) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		return nil
	}
	mode := s.Mode
	if mode.BaudRate == 0 {
		mode.BaudRate = 9600
	}
	p, err := serial.Open(s.Port, &mode)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.Port, err)
	}
	s.port = p
	return nil
}

// Disconnect implements part of Device.
func (s *Serial) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

func (s *Serial) getPort() (serial.Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil, ErrNotConnected
	}
	return s.port, nil
}

// Read implements part of Device.
func (s *Serial) Read(buf []byte, timeout time.Duration) (int, busio.EOM, error) {
	p, err := s.getPort()
	if err != nil {
		return 0, 0, err
	}
	wait := serial.NoTimeout
	if timeout >= 0 {
		wait = waitFor(timeout)
	}
	if err := p.SetReadTimeout(wait); err != nil {
		return 0, 0, err
	}
	n, err := p.Read(buf)
	if err != nil {
		return n, 0, err
	} else if n == 0 {
		return 0, 0, busio.ErrTimeout
	} else if n == len(buf) {
		return n, busio.EOMCount, nil
	}
	return n, 0, nil
}

// Write implements part of Device. The line does not support write
// timeouts, so timeout is ignored.
func (s *Serial) Write(data []byte, timeout time.Duration) (int, error) {
	p, err := s.getPort()
	if err != nil {
		return 0, err
	}
	return p.Write(data)
}

// Flush implements part of Device.
func (s *Serial) Flush() error {
	p, err := s.getPort()
	if err != nil {
		return err
	}
	return p.ResetInputBuffer()
}
