package backend

import (
	"errors"
	"fmt"

	"github.com/bnema/kmsway/internal/display"
	"github.com/bnema/kmsway/internal/kms"
	"github.com/bnema/kmsway/internal/protocol"
	"github.com/bnema/kmsway/internal/render"
)

// ShouldReschedule decides whether the repaint loop continues after a failed frame
// completion. Context loss cannot be recovered here and panics.
func ShouldReschedule(err error) bool {
	if err == nil {
		return true
	}
	var swapErr *render.SwapBuffersError
	if !errors.As(err, &swapErr) {
		return true
	}
	switch swapErr.Kind {
	case render.AlreadySwapped:
		return true
	case render.ContextLost:
		panic(fmt.Sprintf("rendering loop lost: %v", swapErr.Err))
	}
	// Rendering resumes once the session is active again
	return !errors.Is(err, kms.ErrDeviceInactive)
}

// ProcessCompletionEvent handles the page flip completion of a surface: it reports
// presentation to the clients of the frame and re-arms the repaint timer
func (b *Backend) ProcessCompletionEvent(node kms.Node, crtc kms.CrtcHandle, meta *kms.EventMetadata) {
	dev, ok := b.devices[node]
	if !ok {
		b.log.Error("No backend for device", "node", node)
		return
	}
	s, ok := dev.surfaces[crtc]
	if !ok {
		b.log.Error("No surface for crtc", "node", node, "crtc", crtc)
		return
	}
	output := b.opts.Space.FindOutput(display.OutputID{Device: s.device, Crtc: crtc})
	if output == nil {
		return
	}

	reschedule := true
	fb, err := s.composition.FrameSubmitted()
	if err != nil {
		b.log.Error("Error occurred while rendering", "output", output.Name(), "err", err)
		reschedule = ShouldReschedule(err)
	} else if fb != nil {
		b.presented(fb, output, meta)
	}

	if !reschedule {
		s.state = RepaintIdle
		return
	}

	mode, ok := output.CurrentMode()
	if !ok {
		s.state = RepaintIdle
		return
	}
	delay := RepaintDelay(mode.Refresh, s.renderNode == b.opts.PrimaryGPU)
	b.log.Debug("Scheduling repaint", "output", output.Name(), "delay", delay)
	b.scheduleRender(s, delay)
}

func (b *Backend) presented(fb *protocol.OutputFeedback, output *display.Output, meta *kms.EventMetadata) {
	var (
		seq   uint64
		clock = b.opts.Clock.Now()
		flags = protocol.PresentationVsync
	)
	if meta != nil {
		seq = uint64(meta.Sequence)
		if meta.Time.Monotonic {
			clock = meta.Time.Value
			flags |= protocol.PresentationHwClock | protocol.PresentationHwCompletion
		}
	}

	var refresh uint32
	if mode, ok := output.CurrentMode(); ok && mode.Refresh > 0 {
		refresh = uint32(mode.Refresh)
	}
	fb.Presented(clock, refresh, seq, flags)
}
