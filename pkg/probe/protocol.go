package probe

import "fmt"

// Control bytes understood by the probe firmware.
const (
	CmdStop byte = 's'
	CmdGo   byte = 'g'
	CmdExit byte = 'e'
)

// Frame layout.
const (
	FrameSize     = 16            // bytes per telemetry read
	SlotsPerFrame = FrameSize / 2 // two-byte channel slots per frame
	MaxRaw        = 1<<10 - 1     // largest 10-bit reading
)

// USB identity of the probe.
const (
	VendorID  = 0x0D28
	ProductID = 0x0204
)

// Control word layout. The probe is configured through the baud rate field of the serial line.
const (
	controlEnable   = 1 << 31
	gainShift       = 29
	gainMask        = 0x3
	versionShift    = 26
	protocolVersion = 7
	averageShift    = 20
	averageMask     = 0x3F
	rateMask        = 1<<20 - 1
)

// ControlWord packs the acquisition settings into the value used as the port baud rate.
func ControlWord(g Gain, log2Avg int, rateHz int) (uint32, error) {
	if !g.Valid() || uint32(g) > gainMask {
		return 0, fmt.Errorf("gain %v does not fit control word", g)
	}
	if log2Avg < 0 || log2Avg > averageMask {
		return 0, fmt.Errorf("averaging exponent %d does not fit control word", log2Avg)
	}
	if rateHz <= 0 || rateHz > rateMask {
		return 0, fmt.Errorf("sample rate %d Hz does not fit control word", rateHz)
	}

	return controlEnable |
		uint32(g)<<gainShift |
		protocolVersion<<versionShift |
		uint32(log2Avg)<<averageShift |
		uint32(rateHz), nil
}
