package acquire

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/makerdiary/power-profiler/pkg/config"
	"github.com/makerdiary/power-profiler/pkg/probe"
	"github.com/makerdiary/power-profiler/pkg/sample"
)

// eventBuffer is the number of undelivered events kept before new ones are dropped.
const eventBuffer = 16

// State is the acquisition state.
type State int32

const (
	Idle State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Stats are counters of the acquisition loop since the engine was created.
type Stats struct {
	Reads      uint64 // Read calls
	EmptyReads uint64 // Reads that timed out without data
	Bytes      uint64 // Bytes received
	Frames     uint64 // Complete frames decoded
	Readings   uint64 // Valid channel readings
	BadSlots   uint64 // Corrupt channel slots skipped
	Commands   uint64 // Commands written to the probe
}

type counters struct {
	reads, emptyReads, bytes, frames, readings, badSlots, commands atomic.Uint64
}

// Engine runs the acquisition loop: it owns the probe link, writes the sample buffer
// and delivers queued commands. All device I/O happens on the loop goroutine.
type Engine struct {
	link probe.Link
	buf  *sample.Buffer

	readTimeout  time.Duration
	settleDelay  time.Duration
	stopTimeout  time.Duration
	averageCount int

	commands chan Command
	events   chan Event

	state   atomic.Int32
	pending atomic.Uint32 // gain most recently requested
	active  atomic.Uint32 // gain last sent to the probe
	stats   counters

	mu      sync.Mutex // guards the session fields below
	session context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	// loop goroutine only
	asm      probe.Assembler
	rx       []byte
	raws     []uint16
	currents []float64
}

// New creates an idle engine reading from link.
func New(cfg *config.Config, link probe.Link) *Engine {
	queue := cfg.Probe.CommandQueue
	if queue <= 0 {
		queue = config.Default().Probe.CommandQueue
	}

	e := &Engine{
		link:         link,
		buf:          sample.NewBuffer(float64(cfg.Probe.SampleRate), cfg.Buffer.InitialCapacity, cfg.Buffer.MaxHistory),
		readTimeout:  cfg.Probe.ReadTimeout,
		settleDelay:  cfg.Probe.SettleDelay,
		stopTimeout:  cfg.Probe.StopTimeout,
		averageCount: cfg.Probe.AverageCount(),
		commands:     make(chan Command, queue),
		events:       make(chan Event, eventBuffer),
		rx:           make([]byte, probe.FrameSize),
		raws:         make([]uint16, 0, probe.SlotsPerFrame),
		currents:     make([]float64, 0, probe.SlotsPerFrame),
	}
	e.pending.Store(uint32(cfg.Probe.Gain))
	e.active.Store(uint32(cfg.Probe.Gain))
	return e
}

// Buffer returns the sample history written by the engine.
func (e *Engine) Buffer() *sample.Buffer {
	return e.buf
}

// Snapshot returns the current valid samples without copying.
func (e *Engine) Snapshot() sample.Snapshot {
	return e.buf.Snapshot()
}

// Events returns the channel on which DeviceNotFound and IOError events are delivered.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// State returns the current state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Gain returns the most recently requested gain.
func (e *Engine) Gain() probe.Gain {
	return probe.Gain(e.pending.Load())
}

// ActiveGain returns the gain readings are currently calibrated with.
func (e *Engine) ActiveGain() probe.Gain {
	return probe.Gain(e.active.Load())
}

// Stats returns a copy of the loop counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Reads:      e.stats.reads.Load(),
		EmptyReads: e.stats.emptyReads.Load(),
		Bytes:      e.stats.bytes.Load(),
		Frames:     e.stats.frames.Load(),
		Readings:   e.stats.readings.Load(),
		BadSlots:   e.stats.badSlots.Load(),
		Commands:   e.stats.commands.Load(),
	}
}

// SetGain requests a gain change. The request is visible through Gain at once, but
// readings keep the previous calibration until the command reaches the probe.
func (e *Engine) SetGain(g probe.Gain) error {
	if !g.Valid() {
		return fmt.Errorf("invalid gain %v", g)
	}
	if err := e.enqueue(Command{Kind: CommandSetGain, Gain: g}); err != nil {
		return err
	}
	e.pending.Store(uint32(g))
	return nil
}

// Pause asks the probe to stop streaming while the session stays open.
func (e *Engine) Pause() error {
	return e.enqueue(Command{Kind: CommandStop})
}

// Resume asks the probe to start streaming again.
func (e *Engine) Resume() error {
	return e.enqueue(Command{Kind: CommandRun})
}

func (e *Engine) enqueue(cmd Command) error {
	select {
	case e.commands <- cmd:
		return nil
	default:
		log.Warn().Stringer("command", cmd).Msg("command queue full")
		return fmt.Errorf("%w: %v", ErrQueueFull, cmd)
	}
}

// Start opens the probe, runs the start sequence and launches the loop.
// Failures are returned and also published as events. A Stop during the start
// sequence aborts it and Start returns ErrStartCancelled.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.State() != Idle {
		e.mu.Unlock()
		return ErrNotIdle
	}
	if e.cancel != nil {
		e.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.session, e.cancel, e.done = ctx, cancel, done
	e.state.Store(int32(Starting))
	e.mu.Unlock()

	if err := e.link.Open(); err != nil {
		e.abort(cancel, done)
		e.emit(classify(err), err)
		return err
	}

	if err := e.handshake(ctx); err != nil {
		if cerr := e.link.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("failed to close probe link")
		}
		e.abort(cancel, done)
		if ctx.Err() != nil {
			log.Info().Msg("start cancelled")
			return ErrStartCancelled
		}
		e.emit(IOError, err)
		return err
	}

	// a Stop that raced the handshake has already moved the state on; the loop sees
	// the cancelled context and shuts the link down
	if e.state.CompareAndSwap(int32(Starting), int32(Running)) {
		log.Info().Stringer("gain", e.ActiveGain()).Int("average", e.averageCount).Msg("acquisition started")
	}

	go e.run(ctx, cancel, done)
	return nil
}

// abort returns a failed start to Idle.
func (e *Engine) abort(cancel context.CancelFunc, done chan struct{}) {
	cancel()
	e.state.Store(int32(Idle))
	close(done)
}

// Stop ends the session and waits at most the stop timeout for the loop to finish.
// It returns ErrStopTimeout if the loop is still blocked; the loop then finishes on its own.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.done == nil {
		return nil
	}

	if !e.state.CompareAndSwap(int32(Running), int32(Stopping)) {
		e.state.CompareAndSwap(int32(Starting), int32(Stopping))
	}
	e.cancel()

	select {
	case <-e.done:
		e.done = nil
		return nil
	case <-time.After(e.stopTimeout):
		log.Warn().Dur("timeout", e.stopTimeout).Msg("acquisition loop still busy")
		return ErrStopTimeout
	}
}

// handshake halts the probe, drops stale input and starts streaming at the requested gain.
func (e *Engine) handshake(ctx context.Context) error {
	if err := e.link.Write([]byte{probe.CmdStop}); err != nil {
		return err
	}

	settle := time.NewTimer(e.settleDelay)
	defer settle.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-settle.C:
	}

	if err := e.link.ResetInput(); err != nil {
		return err
	}

	g := e.Gain()
	if err := e.link.Write([]byte{g.Byte()}); err != nil {
		return err
	}
	if err := e.link.Write([]byte{probe.CmdGo}); err != nil {
		return err
	}

	e.active.Store(uint32(g))
	e.asm.Reset()
	return nil
}

func (e *Engine) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)
	defer cancel()

	rate := newRateLog()
	var err error
	for ctx.Err() == nil {
		if err = e.iterate(); err != nil {
			log.Error().Err(err).Msg("acquisition failed")
			break
		}
		rate.tick(e.Stats())
	}

	e.state.Store(int32(Stopping))
	e.shutdown()
	e.state.Store(int32(Idle))
	log.Info().Msg("acquisition stopped")

	if err != nil {
		e.emit(IOError, err)
	}
}

// iterate performs one loop step: at most one command, then one timed read.
func (e *Engine) iterate() error {
	if err := e.dispatch(); err != nil {
		return err
	}

	n, err := e.link.Read(e.rx, e.readTimeout)
	e.stats.reads.Add(1)
	if n > 0 {
		e.consume(e.rx[:n])
	}
	if err != nil {
		return err
	}
	if n == 0 {
		e.stats.emptyReads.Add(1)
	}
	return nil
}

func (e *Engine) dispatch() error {
	select {
	case cmd := <-e.commands:
		if err := e.link.Write([]byte{cmd.Byte()}); err != nil {
			return err
		}
		if cmd.Kind == CommandSetGain {
			e.active.Store(uint32(cmd.Gain))
		}
		e.stats.commands.Add(1)
		log.Debug().Stringer("command", cmd).Msg("command sent")
	default:
	}
	return nil
}

// consume decodes p and records calibrated readings at the active gain.
func (e *Engine) consume(p []byte) {
	e.stats.bytes.Add(uint64(len(p)))

	g := e.ActiveGain()
	e.currents = e.currents[:0]
	e.asm.Push(p, func(frame []byte) {
		var bad int
		e.raws, bad = probe.DecodeFrame(e.raws[:0], frame)
		e.stats.frames.Add(1)
		e.stats.badSlots.Add(uint64(bad))
		for _, raw := range e.raws {
			e.currents = append(e.currents, probe.Calibrate(raw, g))
		}
	})

	e.buf.RecordAll(e.currents, e.averageCount)
	e.stats.readings.Add(uint64(len(e.currents)))
}

// shutdown sends the stop byte and closes the link.
func (e *Engine) shutdown() {
	if err := e.link.Write([]byte{probe.CmdStop}); err != nil {
		log.Warn().Err(err).Msg("failed to send stop byte")
	}
	if err := e.link.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close probe link")
	}
}

func (e *Engine) emit(kind ErrorKind, err error) {
	ev := Event{Kind: kind, Err: err, Time: time.Now()}
	select {
	case e.events <- ev:
	default:
		log.Warn().Stringer("kind", kind).Err(err).Msg("event channel full, dropping event")
	}
}
