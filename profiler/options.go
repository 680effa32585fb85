package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/makerdiary/power-profiler/pkg/config"
	"github.com/makerdiary/power-profiler/pkg/probe"
)

// loadConfig reads the YAML file and applies flag and environment overrides on top.
func loadConfig(path string, v *viper.Viper) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	overlay(cfg, v)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overlay copies explicitly set keys from v into cfg.
func overlay(cfg *config.Config, v *viper.Viper) {
	if v.IsSet("serial.port") {
		cfg.Serial.Port = v.GetString("serial.port")
	}
	if v.IsSet("serial.vid") {
		cfg.Serial.VID = v.GetString("serial.vid")
	}
	if v.IsSet("serial.pid") {
		cfg.Serial.PID = v.GetString("serial.pid")
	}
	if v.IsSet("probe.gain") {
		cfg.Probe.Gain = v.GetInt("probe.gain")
	}
	if v.IsSet("probe.sample_rate") {
		cfg.Probe.SampleRate = v.GetInt("probe.sample_rate")
	}
	if v.IsSet("probe.log2_average") {
		cfg.Probe.Log2Average = v.GetInt("probe.log2_average")
	}
	if v.IsSet("logging.level") && v.GetString("logging.level") != "" {
		cfg.Logging.Level = v.GetString("logging.level")
	}
}

// setupLogging configures the global zerolog logger for console output.
func setupLogging(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	return nil
}

// newLink builds the transport selected by the configuration.
func newLink(cfg *config.Config, mock bool) (probe.Link, error) {
	if mock {
		return probe.NewMock(&cfg.Mock), nil
	}

	vid, err := probe.ParseID(cfg.Serial.VID)
	if err != nil {
		return nil, err
	}
	pid, err := probe.ParseID(cfg.Serial.PID)
	if err != nil {
		return nil, err
	}
	gain, err := probe.ParseGain(cfg.Probe.Gain)
	if err != nil {
		return nil, err
	}
	word, err := probe.ControlWord(gain, cfg.Probe.Log2Average, cfg.Probe.SampleRate)
	if err != nil {
		return nil, err
	}

	return probe.NewSerial(cfg.Serial.Port, vid, pid, word), nil
}
