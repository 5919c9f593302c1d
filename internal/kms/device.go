// Package kms wraps the kernel mode-setting interface of one GPU
package kms

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrDeviceInactive is returned while the session does not own the device (VT switched away)
	ErrDeviceInactive = errors.New("device inactive")
	// ErrPermissionDenied matches any AccessError
	ErrPermissionDenied = errors.New("permission denied")
	// ErrFlipPending is returned when a frame is committed before the previous one completed
	ErrFlipPending = errors.New("flip already pending")
)

// AccessError is a mode-setting call rejected with EACCES or EPERM
type AccessError struct {
	Op  string
	Err error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("%s: permission denied: %v", e.Op, e.Err)
}

func (e *AccessError) Unwrap() error { return e.Err }

func (e *AccessError) Is(target error) bool { return target == ErrPermissionDenied }

// classify turns raw errno failures into package errors
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) {
		return &AccessError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Device is a mode-setting handle on one DRM node
type Device interface {
	Node() Node
	File() *os.File
	Driver() (Driver, error)
	Resources() (Resources, error)
	Connector(h ConnectorHandle) (ConnectorInfo, error)
	Encoder(h EncoderHandle) (EncoderInfo, error)
	Planes(crtc CrtcHandle) (Planes, error)
	CursorSize() (width, height uint32)
	CreateSurface(crtc CrtcHandle, m Mode, connectors []ConnectorHandle) (Surface, error)
	// Events delivers page-flip completions and errors for every surface of the device
	Events() <-chan Event
	Close() error
}

// Surface is one CRTC driven with a mode on a set of connectors
type Surface interface {
	Crtc() CrtcHandle
	Mode() Mode
	Connectors() []ConnectorHandle
	Planes() Planes
	Device() Device
	// Commit scans out the framebuffer; completion arrives on Device().Events()
	Commit(fb uint32) error
}

// Opener builds a Device from an opened device file
type Opener func(f *os.File, node Node) (Device, error)

type EventKind int

const (
	EventVBlank EventKind = iota
	EventError
)

// Timestamp is a presentation time, Monotonic when it comes from the hardware clock
type Timestamp struct {
	Monotonic bool
	Value     time.Duration
}

// EventMetadata accompanies a successful flip
type EventMetadata struct {
	Sequence uint32
	Time     Timestamp
}

// Event is one completion event of a device
type Event struct {
	Kind EventKind
	Crtc CrtcHandle
	Meta *EventMetadata
	Err  error
}
