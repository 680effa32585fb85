package meter

import (
	"time"

	"github.com/makerdiary/power-profiler/pkg/config"
	"github.com/makerdiary/power-profiler/pkg/sample"
)

// Burst is a stretch of samples whose current stays above the threshold.
type Burst struct {
	StartIndex int     // First sample index in the analyzed slice
	EndIndex   int     // Last sample index (inclusive)
	StartTime  float64 // Seconds
	EndTime    float64 // Seconds
	Peak       float64 // Highest current (mA)
	Mean       float64 // Time-weighted mean current (mA)
	Charge     float64 // Integrated charge (mC)
}

// Duration returns the burst length in seconds.
func (b Burst) Duration() float64 {
	return b.EndTime - b.StartTime
}

// Report summarizes a window of samples.
type Report struct {
	Charge   float64 // Total charge of the window (mC)
	Duration float64 // Window length (s)
	Bursts   []Burst
}

// Average returns the mean current over the window in mA.
func (r Report) Average() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return r.Charge / r.Duration
}

// Meter finds activity bursts in sample windows.
// It holds no samples itself and is safe for concurrent use.
type Meter struct {
	threshold   float64
	minDuration float64
}

// New creates a Meter from the configuration.
func New(cfg *config.MeterConfig) *Meter {
	if cfg == nil {
		def := config.Default().Meter
		cfg = &def
	}
	return &Meter{
		threshold:   cfg.Threshold,
		minDuration: cfg.MinBurst.Seconds(),
	}
}

// Analyze integrates samples and detects bursts. samples must be ordered by time.
func (m *Meter) Analyze(samples []sample.Sample) Report {
	r := Report{Charge: Charge(samples)}
	if len(samples) > 0 {
		r.Duration = samples[len(samples)-1].Time - samples[0].Time
	}
	r.Bursts = m.Bursts(nil, samples)
	return r
}

// Bursts appends every burst of samples to dst. Bursts shorter than the minimum
// duration are dropped as noise; a burst still open at the end of samples is kept.
func (m *Meter) Bursts(dst []Burst, samples []sample.Sample) []Burst {
	start := -1
	for i, s := range samples {
		above := s.Current > m.threshold
		switch {
		case above && start < 0:
			start = i
		case !above && start >= 0:
			dst = m.appendBurst(dst, samples, start, i-1)
			start = -1
		}
	}
	if start >= 0 {
		dst = m.appendBurst(dst, samples, start, len(samples)-1)
	}
	return dst
}

func (m *Meter) appendBurst(dst []Burst, samples []sample.Sample, from, to int) []Burst {
	b := Burst{
		StartIndex: from,
		EndIndex:   to,
		StartTime:  samples[from].Time,
		EndTime:    samples[to].Time,
		Charge:     Charge(samples[from : to+1]),
	}
	if b.Duration() < m.minDuration {
		return dst
	}

	for _, s := range samples[from : to+1] {
		b.Peak = max(b.Peak, s.Current)
	}
	if d := b.Duration(); d > 0 {
		b.Mean = b.Charge / d
	} else {
		b.Mean = samples[from].Current
	}
	return append(dst, b)
}

// Charge integrates current over time with the trapezoidal rule, in mC.
func Charge(samples []sample.Sample) float64 {
	var q float64
	for i := 1; i < len(samples); i++ {
		dt := samples[i].Time - samples[i-1].Time
		if dt <= 0 {
			continue
		}
		q += (samples[i].Current + samples[i-1].Current) / 2 * dt
	}
	return q
}

// Seconds converts a sample time to a duration.
func Seconds(t float64) time.Duration {
	return time.Duration(t * float64(time.Second))
}
