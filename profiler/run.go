package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/makerdiary/power-profiler/pkg/acquire"
	"github.com/makerdiary/power-profiler/pkg/meter"
	"github.com/makerdiary/power-profiler/pkg/sample"
)

var errQuit = errors.New("quit requested")

func run(ctx context.Context) error {
	cfg, err := loadConfig(cfgFile, viper.GetViper())
	if err != nil {
		return err
	}
	if err := setupLogging(cfg.Logging.Level); err != nil {
		return err
	}

	link, err := newLink(cfg, useMock)
	if err != nil {
		return err
	}
	eng := acquire.New(cfg, link)
	mtr := meter.New(&cfg.Meter)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	log.Info().
		Bool("mock", useMock).
		Str("port", cfg.Serial.Port).
		Int("sample_rate", cfg.Probe.SampleRate).
		Int("average", cfg.Probe.AverageCount()).
		Msg("profiler starting")

	// start failures arrive as events and go through the retry policy below
	if err := eng.Start(); err != nil {
		log.Warn().Err(err).Msg("start failed")
	}
	defer func() {
		if err := eng.Stop(); err != nil {
			log.Warn().Err(err).Msg("stop failed")
		}
	}()

	c := &controller{eng: eng}
	keys := readKeys(os.Stdin)
	ticker := time.NewTicker(statusEvery)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			report(eng, mtr, os.Stdout)
			return nil

		case ev := <-eng.Events():
			failures++
			if failures > retries {
				return fmt.Errorf("giving up after %d failed attempts: %w", failures, ev.Err)
			}
			log.Warn().Stringer("kind", ev.Kind).Err(ev.Err).Int("attempt", failures).Dur("delay", retryDelay).Msg("probe error, restarting")

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retryDelay):
			}
			if err := c.restart(); err != nil && !errors.Is(err, acquire.ErrNotIdle) {
				log.Warn().Err(err).Msg("restart failed")
			}

		case key, ok := <-keys:
			if !ok {
				keys = nil
				continue
			}
			if err := c.handle(key); errors.Is(err, errQuit) {
				report(eng, mtr, os.Stdout)
				return nil
			} else if err != nil {
				log.Warn().Err(err).Str("key", key).Msg("command rejected")
			}

		case <-ticker.C:
			if eng.State() == acquire.Running {
				failures = 0
			}
			report(eng, mtr, os.Stdout)
		}
	}
}

// controller maps key presses to engine requests.
type controller struct {
	eng    *acquire.Engine
	paused bool
}

// restart starts a new session. The start sequence leaves the probe streaming.
func (c *controller) restart() error {
	if err := c.eng.Start(); err != nil {
		return err
	}
	c.paused = false
	return nil
}

func (c *controller) handle(key string) error {
	switch key {
	case "g":
		g := c.eng.Gain().Toggle()
		if err := c.eng.SetGain(g); err != nil {
			return err
		}
		log.Info().Stringer("gain", g).Msg("gain change requested")
	case "p":
		var err error
		if c.paused {
			err = c.eng.Resume()
		} else {
			err = c.eng.Pause()
		}
		if err != nil {
			return err
		}
		c.paused = !c.paused
		log.Info().Bool("paused", c.paused).Msg("streaming toggled")
	case "r":
		c.eng.Buffer().Reset()
		log.Info().Msg("history cleared")
	case "q":
		return errQuit
	case "":
	default:
		return fmt.Errorf("unknown key %q", key)
	}
	return nil
}

// readKeys delivers trimmed input lines until r is exhausted.
func readKeys(r io.Reader) <-chan string {
	keys := make(chan string)
	go func() {
		defer close(keys)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			keys <- strings.ToLower(strings.TrimSpace(scanner.Text()))
		}
	}()
	return keys
}

// report logs a summary of the recent window and optionally prints its trace.
func report(eng *acquire.Engine, mtr *meter.Meter, w io.Writer) {
	snap := eng.Snapshot()
	recent := sample.Tail(snap.Samples, window.Seconds())
	sum := sample.Summarize(recent)
	activity := mtr.Analyze(recent)
	stats := eng.Stats()

	log.Info().
		Stringer("state", eng.State()).
		Stringer("gain", eng.ActiveGain()).
		Int("resident", snap.Len()).
		Uint64("total", snap.Total).
		Uint64("bad_slots", stats.BadSlots).
		Float64("last_ma", sum.Last).
		Float64("min_ma", sum.Min).
		Float64("max_ma", sum.Max).
		Float64("mean_ma", sum.Mean).
		Float64("charge_mc", activity.Charge).
		Int("bursts", len(activity.Bursts)).
		Msg("status")

	if n := len(activity.Bursts); n > 0 {
		last := activity.Bursts[n-1]
		log.Debug().
			Dur("duration", meter.Seconds(last.Duration())).
			Float64("peak_ma", last.Peak).
			Float64("mean_ma", last.Mean).
			Float64("charge_mc", last.Charge).
			Msg("last burst")
	}

	if showTrace && sum.N > 0 {
		fmt.Fprint(w, renderTrace(recent, traceStyle, traceWidth, traceHeight))
	}
}
