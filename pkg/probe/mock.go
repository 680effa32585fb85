package probe

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/makerdiary/power-profiler/pkg/config"
)

// Mock simulates a probe for testing and development.
// It streams frames encoding the configured current at its selected gain while running.
type Mock struct {
	cfg *config.MockConfig

	mu      sync.Mutex
	open    bool
	running bool
	gain    Gain
	written []byte
	rnd     *rand.Rand
	phase   float64

	// failure injection
	failAfter int // fail the read after this many successful reads, 0 disables
	reads     int
	failErr   error
}

// NewMock creates a new simulated probe.
func NewMock(cfg *config.MockConfig) *Mock {
	if cfg == nil {
		def := config.Default().Mock
		cfg = &def
	}

	return &Mock{
		cfg: cfg,
		rnd: rand.New(rand.NewPCG(1, 2)),
	}
}

// FailAfter makes the read following n successful reads fail with err.
func (m *Mock) FailAfter(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
	m.failErr = err
}

// Written returns a copy of every byte written to the mock.
func (m *Mock) Written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.written...)
}

// Running reports whether the mock is streaming.
func (m *Mock) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Gain returns the gain currently selected on the mock.
func (m *Mock) Gain() Gain {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gain
}

// Open simulates opening the device.
func (m *Mock) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.open {
		return fmt.Errorf("already open")
	}

	m.open = true
	m.running = false
	m.reads = 0
	return nil
}

// Write interprets control bytes.
func (m *Mock) Write(p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.open {
		return ErrNotOpen
	}

	m.written = append(m.written, p...)
	for _, b := range p {
		switch b {
		case CmdStop, CmdExit:
			m.running = false
		case CmdGo:
			m.running = true
		case Range0.Byte(), Range1.Byte():
			m.gain = Gain(b - '0')
		}
	}
	return nil
}

// Read produces one frame per call while running. When stopped it waits out the timeout.
func (m *Mock) Read(p []byte, timeout time.Duration) (int, error) {
	m.mu.Lock()
	if !m.open {
		m.mu.Unlock()
		return 0, ErrNotOpen
	}
	if m.failAfter > 0 && m.reads >= m.failAfter {
		err := m.failErr
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: %w", ErrIO, err)
	}
	running := m.running
	m.mu.Unlock()

	if !running {
		time.Sleep(timeout)
		return 0, nil
	}

	if wait := min(m.cfg.Interval, timeout); wait > 0 {
		time.Sleep(wait)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.reads++
	n := 0
	for n+2 <= len(p) && n < FrameSize {
		slot := EncodeSlot(Raw(m.current(), m.gain))
		p[n], p[n+1] = slot[0], slot[1]
		n += 2
	}
	return n, nil
}

// current returns the next simulated current: the configured level with a slow ripple and random noise.
func (m *Mock) current() float64 {
	m.phase += 0.01
	ripple := math.Sin(m.phase) * m.cfg.Noise * 0.5
	noise := (m.rnd.Float64() - 0.5) * m.cfg.Noise
	return math.Max(m.cfg.Current+ripple+noise, 0)
}

// ResetInput is a no-op for the mock.
func (m *Mock) ResetInput() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return ErrNotOpen
	}
	return nil
}

// Close records the exit byte and stops the mock.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.open {
		return nil
	}

	m.written = append(m.written, CmdExit)
	m.running = false
	m.open = false
	return nil
}
