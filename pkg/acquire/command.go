package acquire

import (
	"fmt"

	"github.com/makerdiary/power-profiler/pkg/probe"
)

// CommandKind identifies a device control command.
type CommandKind uint8

const (
	CommandSetGain CommandKind = iota // select a gain range
	CommandStop                       // halt streaming
	CommandRun                        // resume streaming
)

// Command is a pending device control request.
type Command struct {
	Kind CommandKind
	Gain probe.Gain // for CommandSetGain
}

// Byte returns the control byte sent to the probe.
func (c Command) Byte() byte {
	switch c.Kind {
	case CommandSetGain:
		return c.Gain.Byte()
	case CommandStop:
		return probe.CmdStop
	default:
		return probe.CmdGo
	}
}

func (c Command) String() string {
	switch c.Kind {
	case CommandSetGain:
		return fmt.Sprintf("set-gain(%v)", c.Gain)
	case CommandStop:
		return "stop"
	case CommandRun:
		return "run"
	default:
		return fmt.Sprintf("command(%d)", c.Kind)
	}
}
