package probe

import (
	"errors"
	"time"
)

var (
	// ErrDeviceNotFound is returned when no port carries the probe's USB identity.
	ErrDeviceNotFound = errors.New("no probe found")
	// ErrIO wraps every transport failure.
	ErrIO = errors.New("probe i/o error")
	// ErrNotOpen is returned by operations on a link that is not open.
	ErrNotOpen = errors.New("probe link not open")
)

// Link is the transport to a probe (real or simulated).
type Link interface {
	// Open locates and configures the device.
	Open() error
	// Write sends control bytes without waiting for any reply.
	Write(p []byte) error
	// Read blocks for at most timeout. Zero bytes with a nil error means no data arrived.
	Read(p []byte, timeout time.Duration) (int, error)
	// ResetInput discards unread input.
	ResetInput() error
	// Close sends the exit byte and releases the transport.
	Close() error
}

// Ensure Serial implements Link.
var _ Link = (*Serial)(nil)

// Ensure Mock implements Link.
var _ Link = (*Mock)(nil)
