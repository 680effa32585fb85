package sample

import "sync"

// Default sizing of the sample history.
const (
	DefaultInitialCapacity = 1 << 12
	DefaultMaxHistory      = 1 << 20
)

// Buffer is the time-ordered sample history.
//
// The store starts at the initial capacity and doubles when full until it reaches the
// history cap. After that a full store is compacted: the newest half is copied to the
// front of a fresh store and appending continues behind it. A store is never written
// below its published length, so a Snapshot stays valid after the buffer moves on.
//
// A single goroutine appends; any number may take snapshots.
type Buffer struct {
	sampleRate float64
	initial    int
	maxHistory int

	mu    sync.RWMutex
	data  []Sample // len(data) is the store capacity
	n     int      // valid samples in data
	count uint64   // cumulative device sample counter
	total uint64   // samples appended since reset
}

// Snapshot is a read-only view of the valid part of the buffer.
type Snapshot struct {
	Samples []Sample // Oldest first; must not be modified
	Total   uint64   // Samples appended since reset, including discarded ones
}

// Len returns the number of samples in the snapshot.
func (s Snapshot) Len() int {
	return len(s.Samples)
}

// NewBuffer creates a buffer for a probe sampling at sampleRate Hz.
func NewBuffer(sampleRate float64, initialCapacity, maxHistory int) *Buffer {
	if maxHistory < 2 {
		maxHistory = DefaultMaxHistory
	}
	if initialCapacity <= 0 {
		initialCapacity = DefaultInitialCapacity
	}
	initialCapacity = min(initialCapacity, maxHistory)
	if sampleRate <= 0 {
		sampleRate = 1
	}

	return &Buffer{
		sampleRate: sampleRate,
		initial:    initialCapacity,
		maxHistory: maxHistory,
		data:       make([]Sample, initialCapacity),
	}
}

// Append adds s to the end of the history.
func (b *Buffer) Append(s Sample) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.append(s)
}

// Record adds one device reading. When the device pre-averages averageCount samples into
// one value, two samples are stored: one at the first and one at the last sample of the
// group, both carrying current. This draws the group as a flat step on the sample clock.
func (b *Buffer) Record(current float64, averageCount int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record(current, averageCount)
}

// RecordAll records each value of currents as Record does, under a single lock.
func (b *Buffer) RecordAll(currents []float64, averageCount int) {
	if len(currents) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range currents {
		b.record(c, averageCount)
	}
}

// Snapshot returns the current valid samples without copying them.
func (b *Buffer) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Snapshot{
		Samples: b.data[:b.n:b.n],
		Total:   b.total,
	}
}

// Len returns the number of resident samples.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.n
}

// Cap returns the capacity of the current store.
func (b *Buffer) Cap() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

// Total returns the number of samples appended since the last reset.
func (b *Buffer) Total() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.total
}

// Count returns the cumulative device sample counter.
func (b *Buffer) Count() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// MaxHistory returns the resident sample cap.
func (b *Buffer) MaxHistory() int {
	return b.maxHistory
}

// Reset drops all samples and restarts the sample clock.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = make([]Sample, b.initial)
	b.n = 0
	b.count = 0
	b.total = 0
}

func (b *Buffer) record(current float64, averageCount int) {
	if averageCount > 1 {
		b.append(b.at(b.count+1, current))
	} else {
		averageCount = 1
	}
	b.count += uint64(averageCount)
	b.append(b.at(b.count, current))
}

func (b *Buffer) at(count uint64, current float64) Sample {
	return Sample{
		Time:    float64(count) / b.sampleRate,
		Count:   count,
		Current: current,
	}
}

func (b *Buffer) append(s Sample) {
	if b.n == len(b.data) {
		if len(b.data) < b.maxHistory {
			b.grow()
		} else {
			b.compact()
		}
	}
	b.data[b.n] = s
	b.n++
	b.total++
}

// grow moves the samples to a store twice as large, capped at maxHistory.
func (b *Buffer) grow() {
	data := make([]Sample, min(2*len(b.data), b.maxHistory))
	copy(data, b.data[:b.n])
	b.data = data
}

// compact keeps the newest maxHistory/2 samples at the front of a fresh store.
func (b *Buffer) compact() {
	half := b.maxHistory / 2
	data := make([]Sample, len(b.data))
	copy(data, b.data[b.n-half:b.n])
	b.data = data
	b.n = half
}
