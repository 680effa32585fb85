package sample

import (
	"math"
	"sort"
)

// Sample is one calibrated current reading on the probe's sample clock.
type Sample struct {
	Time    float64 // Seconds since acquisition start (Count / sample rate)
	Count   uint64  // Cumulative device sample counter
	Current float64 // Current (mA)
}

// Summary holds simple statistics over a run of samples.
type Summary struct {
	N        int
	Min      float64
	Max      float64
	Mean     float64
	Last     float64
	Duration float64 // Seconds between first and last sample
}

// Summarize computes min, max, mean and last current of samples.
func Summarize(samples []Sample) Summary {
	if len(samples) == 0 {
		return Summary{}
	}

	s := Summary{
		N:   len(samples),
		Min: math.Inf(1),
		Max: math.Inf(-1),
	}

	var sum float64
	for _, x := range samples {
		sum += x.Current
		s.Min = math.Min(s.Min, x.Current)
		s.Max = math.Max(s.Max, x.Current)
	}

	last := samples[len(samples)-1]
	s.Mean = sum / float64(len(samples))
	s.Last = last.Current
	s.Duration = last.Time - samples[0].Time
	return s
}

// Tail returns the trailing part of samples covering the last window seconds.
// samples must be ordered by time; the result shares its backing array.
func Tail(samples []Sample, window float64) []Sample {
	if len(samples) == 0 {
		return samples
	}

	from := samples[len(samples)-1].Time - window
	i := sort.Search(len(samples), func(i int) bool {
		return samples[i].Time >= from
	})
	return samples[i:]
}
