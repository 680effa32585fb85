package acquire

import (
	"errors"
	"time"

	"github.com/makerdiary/power-profiler/pkg/probe"
)

var (
	// ErrNotIdle is returned by Start while a session is running or stopping.
	ErrNotIdle = errors.New("acquisition is not idle")
	// ErrQueueFull is returned when the command queue has no free slot.
	ErrQueueFull = errors.New("command queue full")
	// ErrStartCancelled is returned by Start when Stop interrupted the start sequence.
	ErrStartCancelled = errors.New("start cancelled by stop")
	// ErrStopTimeout is returned by Stop when the loop did not finish within the stop timeout.
	ErrStopTimeout = errors.New("acquisition loop did not stop in time")
)

// ErrorKind classifies errors reported to callers.
type ErrorKind int

const (
	// DeviceNotFound means no probe was present when starting.
	DeviceNotFound ErrorKind = iota + 1
	// IOError means the transport failed and the session ended.
	IOError
)

func (k ErrorKind) String() string {
	switch k {
	case DeviceNotFound:
		return "device-not-found"
	case IOError:
		return "io-error"
	default:
		return "unknown"
	}
}

// Event reports an error that ended (or prevented) an acquisition session.
type Event struct {
	Kind ErrorKind
	Err  error
	Time time.Time
}

func classify(err error) ErrorKind {
	if errors.Is(err, probe.ErrDeviceNotFound) {
		return DeviceNotFound
	}
	return IOError
}
