package probe

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// PortLister enumerates serial ports with their USB details.
type PortLister func() ([]*enumerator.PortDetails, error)

// Port represents a serial port.
type Port struct {
	Name        string
	Description string
	VID         string
	PID         string
	IsProbe     bool
}

// Find returns the first USB port whose identity matches vid:pid.
func Find(list PortLister, vid, pid uint16) (*enumerator.PortDetails, error) {
	ports, err := list()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	for _, port := range ports {
		if matches(port, vid, pid) {
			return port, nil
		}
	}

	return nil, fmt.Errorf("%w (VID=0x%04X PID=0x%04X)", ErrDeviceNotFound, vid, pid)
}

// Ports returns a list of available serial ports, marking those that look like a probe.
func Ports(list PortLister) ([]Port, error) {
	ports, err := list()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]Port, 0, len(ports))
	for _, p := range ports {
		desc := p.Product
		if desc == "" {
			desc = p.Name
		}
		result = append(result, Port{
			Name:        p.Name,
			Description: desc,
			VID:         p.VID,
			PID:         p.PID,
			IsProbe:     matches(p, VendorID, ProductID),
		})
	}
	return result, nil
}

func matches(port *enumerator.PortDetails, vid, pid uint16) bool {
	if port == nil || !port.IsUSB {
		return false
	}
	portVID, err := strconv.ParseUint(port.VID, 16, 16)
	if err != nil {
		return false
	}
	portPID, err := strconv.ParseUint(port.PID, 16, 16)
	if err != nil {
		return false
	}
	return uint16(portVID) == vid && uint16(portPID) == pid
}

// ParseID parses a 4-digit hexadecimal USB vendor or product id.
func ParseID(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid USB id %q: %w", s, err)
	}
	return uint16(v), nil
}

// Serial is a Link over a USB CDC serial port.
type Serial struct {
	port     string // explicit port; empty means discover by identity
	vid, pid uint16
	word     uint32

	list     PortLister
	openPort func(name string, mode *serial.Mode) (serial.Port, error)

	mu      sync.Mutex
	conn    serial.Port
	name    string
	timeout time.Duration
}

// NewSerial creates a serial link. word is the control word used as the baud rate.
func NewSerial(port string, vid, pid uint16, word uint32) *Serial {
	return &Serial{
		port:     port,
		vid:      vid,
		pid:      pid,
		word:     word,
		list:     enumerator.GetDetailedPortsList,
		openPort: serial.Open,
	}
}

// Name returns the port in use, or "" when closed.
func (s *Serial) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Open finds the probe and configures the line.
func (s *Serial) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return fmt.Errorf("already open on %s", s.name)
	}

	name := s.port
	if name == "" {
		details, err := Find(s.list, s.vid, s.pid)
		if err != nil {
			return err
		}
		name = details.Name
	}

	mode := &serial.Mode{
		BaudRate: int(s.word),
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	conn, err := s.openPort(name, mode)
	if err != nil {
		return fmt.Errorf("%w: failed to open serial port %s: %w", ErrIO, name, err)
	}

	s.conn = conn
	s.name = name
	s.timeout = 0

	log.Info().Str("port", name).Uint32("control", s.word).Msg("probe link open")
	return nil
}

// Write sends p to the probe.
func (s *Serial) Write(p []byte) error {
	conn, name := s.current()
	if conn == nil {
		return ErrNotOpen
	}
	if _, err := conn.Write(p); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrIO, name, err)
	}
	return nil
}

// Read reads up to len(p) bytes, waiting at most timeout.
func (s *Serial) Read(p []byte, timeout time.Duration) (int, error) {
	conn, name := s.current()
	if conn == nil {
		return 0, ErrNotOpen
	}

	// only the acquisition goroutine reads, so the cached timeout needs no lock
	if timeout != s.timeout {
		if err := conn.SetReadTimeout(timeout); err != nil {
			return 0, fmt.Errorf("%w: set read timeout on %s: %w", ErrIO, name, err)
		}
		s.timeout = timeout
	}

	n, err := conn.Read(p)
	if err != nil {
		return n, fmt.Errorf("%w: read %s: %w", ErrIO, name, err)
	}
	return n, nil
}

// ResetInput discards bytes received but not yet read.
func (s *Serial) ResetInput() error {
	conn, name := s.current()
	if conn == nil {
		return ErrNotOpen
	}
	if err := conn.ResetInputBuffer(); err != nil {
		return fmt.Errorf("%w: reset input %s: %w", ErrIO, name, err)
	}
	return nil
}

// Close sends the exit byte and closes the port. Closing a closed link does nothing.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Write([]byte{CmdExit}); err != nil {
		log.Warn().Err(err).Str("port", s.name).Msg("failed to send exit byte")
	}

	err := s.conn.Close()
	log.Info().Str("port", s.name).Msg("probe link closed")
	s.conn = nil
	s.name = ""
	if err != nil {
		return fmt.Errorf("%w: close: %w", ErrIO, err)
	}
	return nil
}

func (s *Serial) current() (serial.Port, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn, s.name
}
