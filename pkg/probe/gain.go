package probe

import "fmt"

// Gain selects the amplifier range of the probe.
//
//	Range0: gain 1.98,   0 - 690 mA, ~5 mA resolution
//	Range1: gain 119.52, 0 - 11 mA,  ~50 uA resolution
type Gain uint8

const (
	Range0 Gain = iota
	Range1
)

const (
	// transconductance of the sense stage (mA per ADC count at unity gain)
	transconductance = 1.3524

	// ZeroOffset is the zero-load bias removed from positive readings (mA).
	ZeroOffset = 0.0165
)

// Beta holds the mA-per-count scale for each gain range.
var Beta = [...]float64{
	Range0: transconductance / 1.98,
	Range1: transconductance / 119.52,
}

// ParseGain converts a range index to a Gain.
func ParseGain(v int) (Gain, error) {
	if v < 0 || v >= len(Beta) {
		return 0, fmt.Errorf("invalid gain range %d", v)
	}
	return Gain(v), nil
}

// Valid reports whether g names a known range.
func (g Gain) Valid() bool {
	return int(g) < len(Beta)
}

// Byte returns the ASCII digit that selects g on the device.
func (g Gain) Byte() byte {
	return '0' + byte(g)
}

// Toggle returns the other range.
func (g Gain) Toggle() Gain {
	return g ^ 1
}

func (g Gain) String() string {
	switch g {
	case Range0:
		return "range-0"
	case Range1:
		return "range-1"
	default:
		return fmt.Sprintf("range-%d?", uint8(g))
	}
}

// Calibrate converts a raw 10-bit reading taken at gain g into milliamps.
// The zero offset is only removed from strictly positive values and the result is
// floored at zero, so the correction never flips the sign of a reading.
func Calibrate(raw uint16, g Gain) float64 {
	current := float64(raw) * Beta[g]
	if current > 0 {
		current = max(current-ZeroOffset, 0)
	}
	return current
}

// Raw is the inverse of Calibrate, rounded to the nearest count and clamped to 10 bits.
func Raw(current float64, g Gain) uint16 {
	if current > 0 {
		current += ZeroOffset
	}
	v := current/Beta[g] + 0.5
	switch {
	case v < 0:
		return 0
	case v > MaxRaw:
		return MaxRaw
	default:
		return uint16(v)
	}
}
