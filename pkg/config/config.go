package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxSampleRate is the largest rate that fits the 20-bit rate field of the control word.
const MaxSampleRate = 1<<20 - 1

// ErrInvalid is wrapped by all validation failures.
var ErrInvalid = errors.New("invalid configuration")

// Config represents the application configuration.
type Config struct {
	Serial  SerialConfig  `yaml:"serial"`
	Probe   ProbeConfig   `yaml:"probe"`
	Buffer  BufferConfig  `yaml:"buffer"`
	Meter   MeterConfig   `yaml:"meter"`
	Mock    MockConfig    `yaml:"mock"`
	Logging LoggingConfig `yaml:"logging"`
}

// SerialConfig contains serial port configuration.
// An empty Port means the port is discovered by USB identity.
type SerialConfig struct {
	Port string `yaml:"port"`
	VID  string `yaml:"vid"`
	PID  string `yaml:"pid"`
}

// ProbeConfig contains acquisition parameters sent to the probe and used by the loop.
type ProbeConfig struct {
	Gain         int           `yaml:"gain"`          // Gain range select (0 or 1)
	SampleRate   int           `yaml:"sample_rate"`   // Device sample rate (Hz)
	Log2Average  int           `yaml:"log2_average"`  // log2 of the device-side averaging count
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // Upper bound of a single blocking read
	SettleDelay  time.Duration `yaml:"settle_delay"`  // Pause after the initial stop byte
	StopTimeout  time.Duration `yaml:"stop_timeout"`  // How long Stop waits for the loop
	CommandQueue int           `yaml:"command_queue"` // Pending command capacity
}

// BufferConfig contains sample history sizing.
type BufferConfig struct {
	InitialCapacity int `yaml:"initial_capacity"`
	MaxHistory      int `yaml:"max_history"`
}

// MeterConfig contains burst detection parameters.
type MeterConfig struct {
	Threshold float64       `yaml:"threshold"` // Current above which a burst starts (mA)
	MinBurst  time.Duration `yaml:"min_burst"` // Shorter bursts are ignored
}

// MockConfig contains simulated probe configuration.
type MockConfig struct {
	Current  float64       `yaml:"current"`  // Simulated load current (mA)
	Noise    float64       `yaml:"noise"`    // Peak noise amplitude (mA)
	Interval time.Duration `yaml:"interval"` // Delay between simulated frames
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// AverageCount returns the number of device samples averaged into one reported value.
func (p ProbeConfig) AverageCount() int {
	return 1 << p.Log2Average
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Port: "",
			VID:  "0D28",
			PID:  "0204",
		},
		Probe: ProbeConfig{
			Gain:         0,
			SampleRate:   60000,
			Log2Average:  1,
			ReadTimeout:  time.Second,
			SettleDelay:  time.Second,
			StopTimeout:  2 * time.Second,
			CommandQueue: 64,
		},
		Buffer: BufferConfig{
			InitialCapacity: 1 << 12,
			MaxHistory:      1 << 20,
		},
		Meter: MeterConfig{
			Threshold: 5.0,
			MinBurst:  time.Millisecond,
		},
		Mock: MockConfig{
			Current:  25.0,
			Noise:    0.5,
			Interval: 2 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks that values fit the probe protocol and the buffer layout.
func (c *Config) Validate() error {
	if c.Probe.Gain != 0 && c.Probe.Gain != 1 {
		return fmt.Errorf("%w: gain must be 0 or 1, got %d", ErrInvalid, c.Probe.Gain)
	}
	if c.Probe.SampleRate <= 0 || c.Probe.SampleRate > MaxSampleRate {
		return fmt.Errorf("%w: sample_rate out of range: %d", ErrInvalid, c.Probe.SampleRate)
	}
	// The wire field holds 6 bits but the probe cannot average more samples than its rate field can count.
	if c.Probe.Log2Average < 0 || c.Probe.Log2Average > 20 {
		return fmt.Errorf("%w: log2_average out of range: %d", ErrInvalid, c.Probe.Log2Average)
	}
	if c.Buffer.MaxHistory < 2 || c.Buffer.MaxHistory&(c.Buffer.MaxHistory-1) != 0 {
		return fmt.Errorf("%w: max_history must be a power of two >= 2, got %d", ErrInvalid, c.Buffer.MaxHistory)
	}
	if c.Buffer.InitialCapacity <= 0 || c.Buffer.InitialCapacity > c.Buffer.MaxHistory {
		return fmt.Errorf("%w: initial_capacity out of range: %d", ErrInvalid, c.Buffer.InitialCapacity)
	}
	if c.Meter.Threshold < 0 {
		return fmt.Errorf("%w: meter threshold must not be negative, got %g", ErrInvalid, c.Meter.Threshold)
	}
	if c.Probe.CommandQueue <= 0 {
		return fmt.Errorf("%w: command_queue must be positive, got %d", ErrInvalid, c.Probe.CommandQueue)
	}
	return nil
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Serial.VID == "" {
		c.Serial.VID = def.Serial.VID
	}
	if c.Serial.PID == "" {
		c.Serial.PID = def.Serial.PID
	}

	if c.Probe.SampleRate == 0 {
		c.Probe.SampleRate = def.Probe.SampleRate
	}
	if c.Probe.ReadTimeout == 0 {
		c.Probe.ReadTimeout = def.Probe.ReadTimeout
	}
	if c.Probe.SettleDelay == 0 {
		c.Probe.SettleDelay = def.Probe.SettleDelay
	}
	if c.Probe.StopTimeout == 0 {
		c.Probe.StopTimeout = def.Probe.StopTimeout
	}
	if c.Probe.CommandQueue == 0 {
		c.Probe.CommandQueue = def.Probe.CommandQueue
	}

	if c.Buffer.InitialCapacity == 0 {
		c.Buffer.InitialCapacity = def.Buffer.InitialCapacity
	}
	if c.Buffer.MaxHistory == 0 {
		c.Buffer.MaxHistory = def.Buffer.MaxHistory
	}

	if c.Mock.Interval == 0 {
		c.Mock.Interval = def.Mock.Interval
	}

	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
}
