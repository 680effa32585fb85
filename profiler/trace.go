package main

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/makerdiary/power-profiler/pkg/sample"
)

const (
	styleEnvelope = "envelope"
	stylePoints   = "points"
)

// renderTrace draws samples as an ASCII chart of width columns and height rows.
// The envelope style fills each column between its min and max so short spikes stay
// visible; the points style plots one decimated sample per column.
func renderTrace(samples []sample.Sample, style string, width, height int) string {
	if width <= 0 || height < 2 {
		return ""
	}

	var lo, hi []float64
	switch style {
	case stylePoints:
		points := sample.Downsample(nil, samples, width)
		lo = make([]float64, len(points))
		for i, p := range points {
			lo[i] = p.Current
		}
		hi = lo
	default:
		lo, hi = sample.Envelope(samples, width)
	}
	if len(lo) == 0 {
		return ""
	}

	bottom, top := slices.Min(lo), slices.Max(hi)
	if top == bottom {
		top = bottom + 1e-6
	}

	row := func(v float64) int {
		y := int(math.Round(float64(height-1) * (top - v) / (top - bottom)))
		return min(max(y, 0), height-1)
	}

	grid := make([][]byte, height)
	for y := range grid {
		grid[y] = []byte(strings.Repeat(" ", len(lo)))
	}
	for x := range lo {
		for y := row(hi[x]); y <= row(lo[x]); y++ {
			grid[y][x] = '#'
		}
	}

	var b strings.Builder
	for y, line := range grid {
		switch y {
		case 0:
			fmt.Fprintf(&b, "%10.3f mA |%s\n", top, line)
		case height - 1:
			fmt.Fprintf(&b, "%10.3f mA |%s\n", bottom, line)
		default:
			fmt.Fprintf(&b, "%13s |%s\n", "", line)
		}
	}
	return b.String()
}
