package acquire

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makerdiary/power-profiler/pkg/config"
	"github.com/makerdiary/power-profiler/pkg/probe"
)

// fakeLink replays scripted reads and records every operation.
type fakeLink struct {
	mu      sync.Mutex
	openErr error
	frames  [][]byte
	readErr error         // returned once frames run out
	block   chan struct{} // when set, Read waits for it to close
	entered chan struct{} // closed when Read starts waiting on block

	open   bool
	reads  int
	ops    []string
	writes []byte
	late   []byte // writes attempted while closed
}

func (f *fakeLink) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "open")
	if f.openErr != nil {
		return f.openErr
	}
	f.open = true
	return nil
}

func (f *fakeLink) Write(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		f.late = append(f.late, p...)
		return probe.ErrNotOpen
	}
	f.writes = append(f.writes, p...)
	for _, b := range p {
		f.ops = append(f.ops, "w:"+string(b))
	}
	return nil
}

func (f *fakeLink) Read(p []byte, timeout time.Duration) (int, error) {
	f.mu.Lock()
	if f.block != nil {
		block := f.block
		if f.entered != nil {
			close(f.entered)
			f.entered = nil
		}
		f.mu.Unlock()
		<-block
		return 0, nil
	}
	if !f.open {
		f.mu.Unlock()
		return 0, probe.ErrNotOpen
	}
	if f.reads < len(f.frames) {
		n := copy(p, f.frames[f.reads])
		f.reads++
		f.mu.Unlock()
		return n, nil
	}
	err := f.readErr
	f.mu.Unlock()

	if err != nil {
		return 0, err
	}
	time.Sleep(min(timeout, time.Millisecond))
	return 0, nil
}

func (f *fakeLink) ResetInput() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "reset")
	return nil
}

func (f *fakeLink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "close")
	f.open = false
	return nil
}

func (f *fakeLink) Ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeLink) Writes() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.writes)
}

func (f *fakeLink) Late() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.late...)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Probe.SettleDelay = time.Millisecond
	cfg.Probe.ReadTimeout = 10 * time.Millisecond
	cfg.Probe.StopTimeout = 500 * time.Millisecond
	cfg.Buffer.InitialCapacity = 16
	cfg.Buffer.MaxHistory = 1 << 14
	return cfg
}

// frameOf builds a frame whose slots all carry raw.
func frameOf(raw uint16) []byte {
	frame := make([]byte, 0, probe.FrameSize)
	for range probe.SlotsPerFrame {
		slot := probe.EncodeSlot(raw)
		frame = append(frame, slot[:]...)
	}
	return frame
}

// sparseFrame builds a frame with one valid slot and the rest corrupt.
func sparseFrame(raw uint16) []byte {
	slot := probe.EncodeSlot(raw)
	frame := append(make([]byte, 0, probe.FrameSize), slot[:]...)
	for len(frame) < probe.FrameSize {
		frame = append(frame, 0x08, 0x00)
	}
	return frame
}

func waitEvent(t *testing.T, e *Engine) Event {
	t.Helper()
	select {
	case ev := <-e.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func assertNoEvent(t *testing.T, e *Engine) {
	t.Helper()
	select {
	case ev := <-e.Events():
		t.Fatalf("unexpected event: %v %v", ev.Kind, ev.Err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNew(t *testing.T) {
	cfg := testConfig()
	cfg.Probe.Gain = 1
	e := New(cfg, &fakeLink{})

	assert.Equal(t, Idle, e.State())
	assert.Equal(t, probe.Range1, e.Gain())
	assert.Equal(t, probe.Range1, e.ActiveGain())
	assert.Equal(t, 0, e.Snapshot().Len())
	assert.Equal(t, 1<<14, e.Buffer().MaxHistory())
	assert.Equal(t, Stats{}, e.Stats())
}

func TestEngine_StartStop(t *testing.T) {
	link := &fakeLink{}
	e := New(testConfig(), link)

	require.NoError(t, e.Start())
	assert.Equal(t, Running, e.State())
	assert.ErrorIs(t, e.Start(), ErrNotIdle)

	require.NoError(t, e.Stop())
	assert.Equal(t, Idle, e.State())
	assert.NoError(t, e.Stop(), "stopping an idle engine is a no-op")

	assert.Equal(t, []string{"open", "w:s", "reset", "w:0", "w:g", "w:s", "close"}, link.Ops())
	assert.Empty(t, link.Late())
	assertNoEvent(t, e)
}

func TestEngine_StartUsesRequestedGain(t *testing.T) {
	link := &fakeLink{}
	e := New(testConfig(), link)

	require.NoError(t, e.SetGain(probe.Range1))
	require.NoError(t, e.Start())
	require.NoError(t, e.Stop())

	assert.Equal(t, probe.Range1, e.ActiveGain())
	assert.True(t, strings.HasPrefix(link.Writes(), "s1g"), "start sequence selects the requested gain")
}

func TestEngine_StartDeviceNotFound(t *testing.T) {
	link := &fakeLink{openErr: fmt.Errorf("%w: vid 0D28 pid 0204", probe.ErrDeviceNotFound)}
	e := New(testConfig(), link)

	err := e.Start()
	assert.ErrorIs(t, err, probe.ErrDeviceNotFound)
	assert.Equal(t, Idle, e.State())

	ev := waitEvent(t, e)
	assert.Equal(t, DeviceNotFound, ev.Kind)
	assert.ErrorIs(t, ev.Err, probe.ErrDeviceNotFound)
	assert.Empty(t, link.Writes())
}

func TestEngine_StartOpenFailure(t *testing.T) {
	link := &fakeLink{openErr: fmt.Errorf("%w: permission denied", probe.ErrIO)}
	e := New(testConfig(), link)

	assert.ErrorIs(t, e.Start(), probe.ErrIO)
	ev := waitEvent(t, e)
	assert.Equal(t, IOError, ev.Kind)
	assert.Equal(t, Idle, e.State())
}

func TestEngine_CommandsDispatchedInOrder(t *testing.T) {
	link := &fakeLink{}
	e := New(testConfig(), link)
	require.NoError(t, link.Open())
	require.NoError(t, e.handshake(context.Background()))
	base := len(link.Writes())

	require.NoError(t, e.SetGain(probe.Range1))
	require.NoError(t, e.Pause())
	require.NoError(t, e.Resume())
	require.NoError(t, e.SetGain(probe.Range0))

	want := "1sg0"
	for i := range len(want) {
		require.NoError(t, e.iterate())
		assert.Equal(t, want[:i+1], link.Writes()[base:], "one command per iteration")
	}

	require.NoError(t, e.iterate())
	assert.Equal(t, want, link.Writes()[base:])
	assert.Equal(t, uint64(4), e.Stats().Commands)
}

func TestEngine_QueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.Probe.CommandQueue = 2
	e := New(cfg, &fakeLink{})

	require.NoError(t, e.Pause())
	require.NoError(t, e.Resume())

	err := e.SetGain(probe.Range1)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, probe.Range0, e.Gain(), "rejected request does not change the gain")
	assert.ErrorIs(t, e.Pause(), ErrQueueFull)
}

func TestEngine_SetGainInvalid(t *testing.T) {
	e := New(testConfig(), &fakeLink{})
	assert.Error(t, e.SetGain(probe.Gain(5)))
	assert.Equal(t, probe.Range0, e.Gain())
}

func TestEngine_GainAppliesOnDispatch(t *testing.T) {
	cfg := testConfig()
	cfg.Probe.Log2Average = 0
	link := &fakeLink{frames: [][]byte{frameOf(100), frameOf(100)}}
	e := New(cfg, link)
	require.NoError(t, link.Open())
	require.NoError(t, e.handshake(context.Background()))

	require.NoError(t, e.iterate())
	snap := e.Snapshot()
	require.Equal(t, probe.SlotsPerFrame, snap.Len())
	for _, s := range snap.Samples {
		assert.Equal(t, probe.Calibrate(100, probe.Range0), s.Current)
	}

	require.NoError(t, e.SetGain(probe.Range1))
	assert.Equal(t, probe.Range1, e.Gain())
	assert.Equal(t, probe.Range0, e.ActiveGain(), "calibration follows the probe, not the request")

	require.NoError(t, e.iterate())
	assert.Equal(t, probe.Range1, e.ActiveGain())
	snap = e.Snapshot()
	require.Equal(t, 2*probe.SlotsPerFrame, snap.Len())
	for _, s := range snap.Samples[probe.SlotsPerFrame:] {
		assert.Equal(t, probe.Calibrate(100, probe.Range1), s.Current)
	}
}

func TestEngine_PartialReads(t *testing.T) {
	cfg := testConfig()
	cfg.Probe.Log2Average = 0
	frame := frameOf(200)
	link := &fakeLink{frames: [][]byte{frame[:5], frame[5:11], frame[11:]}}
	e := New(cfg, link)
	require.NoError(t, link.Open())
	require.NoError(t, e.handshake(context.Background()))

	require.NoError(t, e.iterate())
	require.NoError(t, e.iterate())
	assert.Equal(t, 0, e.Snapshot().Len())

	require.NoError(t, e.iterate())
	assert.Equal(t, probe.SlotsPerFrame, e.Snapshot().Len())
	assert.Equal(t, uint64(1), e.Stats().Frames)
}

func TestEngine_ReadErrorEndsSession(t *testing.T) {
	link := &fakeLink{
		frames:  [][]byte{frameOf(10), frameOf(10), frameOf(10)},
		readErr: fmt.Errorf("%w: device unplugged", probe.ErrIO),
	}
	e := New(testConfig(), link)
	require.NoError(t, e.Start())

	ev := waitEvent(t, e)
	assert.Equal(t, IOError, ev.Kind)
	assert.ErrorIs(t, ev.Err, probe.ErrIO)
	assert.Equal(t, Idle, e.State())

	ops := link.Ops()
	require.GreaterOrEqual(t, len(ops), 2)
	assert.Equal(t, []string{"w:s", "close"}, ops[len(ops)-2:])
	assert.Empty(t, link.Late())
	assertNoEvent(t, e)

	// three frames of eight readings, each reported twice
	assert.Equal(t, 48, e.Snapshot().Len())
	assert.NoError(t, e.Stop())
}

func TestEngine_EndToEnd(t *testing.T) {
	const reads = 1000

	frames := make([][]byte, reads)
	for i := range frames {
		frames[i] = sparseFrame(100)
	}
	link := &fakeLink{frames: frames}
	cfg := testConfig()
	e := New(cfg, link)

	require.NoError(t, e.Start())
	require.Eventually(t, func() bool {
		return e.Stats().Reads > reads
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, e.Stop())

	stats := e.Stats()
	assert.Equal(t, uint64(reads), stats.Frames)
	assert.Equal(t, uint64(reads), stats.Readings)
	assert.Equal(t, uint64(reads*(probe.SlotsPerFrame-1)), stats.BadSlots)

	snap := e.Snapshot()
	require.Equal(t, 2*reads, snap.Len())
	want := probe.Calibrate(100, probe.Range0)
	for i, s := range snap.Samples {
		assert.Equal(t, uint64(i+1), s.Count)
		assert.InDelta(t, float64(i+1)/float64(cfg.Probe.SampleRate), s.Time, 1e-12)
		assert.InDelta(t, want, s.Current, 1e-9)
	}
}

func TestEngine_StopTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Probe.StopTimeout = 50 * time.Millisecond
	entered := make(chan struct{})
	link := &fakeLink{block: make(chan struct{}), entered: entered}
	e := New(cfg, link)
	require.NoError(t, e.Start())

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("loop never reached the read")
	}

	started := time.Now()
	err := e.Stop()
	assert.ErrorIs(t, err, ErrStopTimeout)
	assert.Less(t, time.Since(started), time.Second)
	assert.Equal(t, Stopping, e.State())
	assert.ErrorIs(t, e.Start(), ErrNotIdle)

	close(link.block)
	require.Eventually(t, func() bool {
		return e.State() == Idle
	}, time.Second, time.Millisecond)
	assert.NoError(t, e.Stop())

	ops := link.Ops()
	assert.Equal(t, []string{"w:s", "close"}, ops[len(ops)-2:])
}

func TestEngine_StopDuringSettle(t *testing.T) {
	cfg := testConfig()
	cfg.Probe.SettleDelay = 5 * time.Second
	cfg.Probe.StopTimeout = 200 * time.Millisecond
	link := &fakeLink{}
	e := New(cfg, link)

	result := make(chan error, 1)
	go func() { result <- e.Start() }()
	require.Eventually(t, func() bool {
		return e.State() == Starting
	}, time.Second, time.Millisecond)

	started := time.Now()
	assert.NoError(t, e.Stop())
	assert.Less(t, time.Since(started), time.Second, "stop does not wait out the settle delay")

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrStartCancelled)
	case <-time.After(time.Second):
		t.Fatal("start did not return")
	}

	assert.Equal(t, Idle, e.State())
	assert.Equal(t, []string{"open", "w:s", "close"}, link.Ops())
	assertNoEvent(t, e)

	// the engine is usable again
	cfg.Probe.SettleDelay = time.Millisecond
	e = New(cfg, &fakeLink{})
	require.NoError(t, e.Start())
	assert.NoError(t, e.Stop())
}

func TestEngine_ReadErrorReleasesSession(t *testing.T) {
	link := &fakeLink{readErr: fmt.Errorf("%w: device unplugged", probe.ErrIO)}
	e := New(testConfig(), link)
	require.NoError(t, e.Start())
	first := e.session

	waitEvent(t, e)
	require.Eventually(t, func() bool {
		return first.Err() != nil
	}, time.Second, time.Millisecond, "session context is cancelled when the loop ends")

	link.mu.Lock()
	link.readErr = nil
	link.mu.Unlock()

	require.NoError(t, e.Start())
	assert.NoError(t, e.session.Err())
	assert.NoError(t, e.Stop())
	assert.Error(t, e.session.Err())
}

func TestEngine_WithMock(t *testing.T) {
	mock := probe.NewMock(&config.MockConfig{Current: 10, Noise: 0, Interval: time.Millisecond})
	e := New(testConfig(), mock)
	require.NoError(t, e.Start())
	defer e.Stop()

	require.Eventually(t, func() bool {
		return e.Snapshot().Len() >= 32
	}, 2*time.Second, time.Millisecond)
	for _, s := range e.Snapshot().Samples {
		assert.InDelta(t, 10.0, s.Current, probe.Beta[probe.Range0])
	}

	require.NoError(t, e.SetGain(probe.Range1))
	require.Eventually(t, func() bool {
		return e.ActiveGain() == probe.Range1
	}, 2*time.Second, time.Millisecond)
	before := e.Snapshot().Len()

	require.Eventually(t, func() bool {
		return e.Snapshot().Len() >= before+32
	}, 2*time.Second, time.Millisecond)
	for _, s := range e.Snapshot().Samples[before:] {
		assert.InDelta(t, 10.0, s.Current, probe.Beta[probe.Range1])
	}

	require.NoError(t, e.Stop())
	assert.Equal(t, "s0g1se", string(mock.Written()))
	assert.False(t, mock.Running())
}

func TestEngine_RestartContinuesTimeline(t *testing.T) {
	mock := probe.NewMock(&config.MockConfig{Current: 5, Interval: time.Millisecond})
	e := New(testConfig(), mock)

	require.NoError(t, e.Start())
	require.Eventually(t, func() bool { return e.Snapshot().Len() >= 16 }, 2*time.Second, time.Millisecond)
	require.NoError(t, e.Stop())
	first := e.Snapshot().Len()

	require.NoError(t, e.Start())
	require.Eventually(t, func() bool { return e.Snapshot().Len() >= first+16 }, 2*time.Second, time.Millisecond)
	require.NoError(t, e.Stop())

	snap := e.Snapshot()
	for i := 1; i < snap.Len(); i++ {
		assert.Greater(t, snap.Samples[i].Count, snap.Samples[i-1].Count)
	}
}

func TestCommand_Byte(t *testing.T) {
	tests := []struct {
		cmd  Command
		want byte
		str  string
	}{
		{Command{Kind: CommandSetGain, Gain: probe.Range0}, '0', "set-gain(range-0)"},
		{Command{Kind: CommandSetGain, Gain: probe.Range1}, '1', "set-gain(range-1)"},
		{Command{Kind: CommandStop}, 's', "stop"},
		{Command{Kind: CommandRun}, 'g', "run"},
	}

	for _, tt := range tests {
		t.Run(tt.str, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cmd.Byte())
			assert.Equal(t, tt.str, tt.cmd.String())
		})
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "starting", Starting.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "stopping", Stopping.String())
	assert.Equal(t, "io-error", IOError.String())
	assert.Equal(t, "device-not-found", DeviceNotFound.String())
}
