package protocol

import (
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// PresentationFlags are wp_presentation_feedback kind bits
type PresentationFlags uint32

const (
	PresentationVsync        PresentationFlags = 0x1
	PresentationHwClock      PresentationFlags = 0x2
	PresentationHwCompletion PresentationFlags = 0x4
	PresentationZeroCopy     PresentationFlags = 0x8
)

func (f PresentationFlags) String() string {
	var parts []string
	for _, p := range []struct {
		flag PresentationFlags
		name string
	}{
		{PresentationVsync, "vsync"},
		{PresentationHwClock, "hw_clock"},
		{PresentationHwCompletion, "hw_completion"},
		{PresentationZeroCopy, "zero_copy"},
	} {
		if f&p.flag != 0 {
			parts = append(parts, p.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// SurfaceFeedback is the per-surface presentation feedback object a client asked for
type SurfaceFeedback interface {
	Presented(output string, clock time.Duration, refresh time.Duration, seq uint64, flags PresentationFlags)
	Discarded()
}

type pendingFeedback struct {
	feedback SurfaceFeedback
	flags    PresentationFlags
}

// OutputFeedback collects the surface feedbacks of one frame on one output
type OutputFeedback struct {
	output    string
	callbacks []pendingFeedback
}

func NewOutputFeedback(output string) *OutputFeedback {
	return &OutputFeedback{output: output}
}

// Add registers a surface feedback with the flags specific to that surface (zero copy)
func (f *OutputFeedback) Add(fb SurfaceFeedback, flags PresentationFlags) {
	f.callbacks = append(f.callbacks, pendingFeedback{feedback: fb, flags: flags})
}

func (f *OutputFeedback) Len() int {
	if f == nil {
		return 0
	}
	return len(f.callbacks)
}

func (f *OutputFeedback) Output() string { return f.output }

// Presented fires every collected feedback. refreshMHz of zero means unknown refresh.
func (f *OutputFeedback) Presented(clock time.Duration, refreshMHz uint32, seq uint64, flags PresentationFlags) {
	var refresh time.Duration
	if refreshMHz > 0 {
		refresh = time.Duration(1_000_000_000_000 / uint64(refreshMHz))
	}
	for _, cb := range f.callbacks {
		cb.feedback.Presented(f.output, clock, refresh, seq, flags|cb.flags)
	}
	f.callbacks = nil
}

// Discarded tells every client its frame never reached the screen
func (f *OutputFeedback) Discarded() {
	for _, cb := range f.callbacks {
		cb.feedback.Discarded()
	}
	f.callbacks = nil
}

// Clock is the compositor's monotonic software clock
type Clock interface {
	Now() time.Duration
}

// MonotonicClock reads CLOCK_MONOTONIC, the clock wp_presentation advertises
type MonotonicClock struct{}

func (MonotonicClock) Now() time.Duration {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return time.Duration(ts.Nano())
}
