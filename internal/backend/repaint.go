package backend

import (
	"errors"
	"fmt"
	"time"

	"github.com/bnema/kmsway/internal/display"
	"github.com/bnema/kmsway/internal/format"
	"github.com/bnema/kmsway/internal/kms"
	"github.com/bnema/kmsway/internal/protocol"
	"github.com/bnema/kmsway/internal/render"
)

// RepaintState is where a surface is in its repaint cycle
type RepaintState int

const (
	// RepaintIdle has no timer armed and no frame in flight
	RepaintIdle RepaintState = iota
	RepaintPendingTimer
	RepaintRendering
	// RepaintSubmitted waits for the completion of a queued frame
	RepaintSubmitted
	// RepaintSkipped rendered no damage and re-tests one frame later
	RepaintSkipped
)

func (s RepaintState) String() string {
	switch s {
	case RepaintIdle:
		return "idle"
	case RepaintPendingTimer:
		return "pending-timer"
	case RepaintRendering:
		return "rendering"
	case RepaintSubmitted:
		return "submitted"
	case RepaintSkipped:
		return "skipped"
	}
	return "unknown"
}

const defaultRefresh = 60_000 // mHz

// RepaintDelay is how long after a completion the next frame is rendered: 60% of the
// refresh interval on the primary GPU, immediately when a cross-GPU copy follows
func RepaintDelay(refreshMHz int32, sameGPU bool) time.Duration {
	if !sameGPU {
		return 0
	}
	if refreshMHz <= 0 {
		refreshMHz = defaultRefresh
	}
	return time.Duration(600_000_000/int64(refreshMHz)) * time.Microsecond
}

// FrameDuration is one refresh interval, truncated to the microsecond
func FrameDuration(refreshMHz int32) time.Duration {
	if refreshMHz <= 0 {
		refreshMHz = defaultRefresh
	}
	return time.Duration(1_000_000_000/int64(refreshMHz)) * time.Microsecond
}

// scheduleRender arms the repaint timer of a surface, replacing any armed one
func (b *Backend) scheduleRender(s *surfaceEntry, delay time.Duration) {
	if s.timerArmed {
		b.opts.Loop.Remove(s.timer)
	}
	node, crtc := s.device, s.crtc
	s.timer = b.opts.Loop.InsertTimer(delay, func() {
		if b.surface(node, crtc) != s {
			return
		}
		s.timerArmed = false
		b.renderSurface(node, crtc)
	})
	s.timerArmed = true
	if s.state != RepaintSkipped {
		s.state = RepaintPendingTimer
	}
}

// renderer returns the renderer for a surface: the render node's own renderer when it
// is the primary GPU, a copying renderer otherwise
func (b *Backend) renderer(s *surfaceEntry) (render.Renderer, error) {
	if s.renderNode == b.opts.PrimaryGPU {
		return b.opts.GPUs.SingleRenderer(s.renderNode)
	}
	alloc := b.primaryAllocator()
	if alloc == nil {
		return nil, render.ErrNoAllocator
	}
	return b.opts.GPUs.Renderer(b.opts.PrimaryGPU, s.renderNode, alloc, s.composition.Format())
}

// renderSurface renders one frame of a surface and queues it when anything changed
func (b *Backend) renderSurface(node kms.Node, crtc kms.CrtcHandle) {
	s := b.surface(node, crtc)
	if s == nil {
		return
	}
	output := b.opts.Space.FindOutput(display.OutputID{Device: s.device, Crtc: crtc})
	if output == nil {
		return
	}
	s.state = RepaintRendering

	r, err := b.renderer(s)
	if err != nil {
		b.finishRender(s, output, fmt.Errorf("no renderer: %w", render.Temporary(err)))
		return
	}

	elements := b.cursorElements(r, output)
	elements = append(elements, b.opts.Space.RenderElements(r, output)...)

	res, err := s.composition.RenderFrame(r, elements, b.opts.ClearColor)
	if err != nil {
		b.finishRender(s, output, err)
		return
	}

	b.postRepaint(output, res.States, s.feedback)

	if len(res.Damage) == 0 {
		b.finishRender(s, output, nil)
		return
	}

	fb := b.takePresentationFeedback(output, res.States)
	if err := s.composition.QueueFrame(res.Damage, fb); err != nil {
		fb.Discarded()
		b.finishRender(s, output, err)
		return
	}
	s.state = RepaintSubmitted
}

// finishRender handles a frame that was not queued: no damage or a failure
func (b *Backend) finishRender(s *surfaceEntry, output *display.Output, err error) {
	if err != nil && !b.retryRender(s, err) {
		return
	}
	mode, ok := output.CurrentMode()
	if !ok {
		s.state = RepaintIdle
		return
	}
	delay := FrameDuration(mode.Refresh)
	b.log.Debug("Reschedule repaint", "output", output.Name(), "delay", delay)
	s.state = RepaintSkipped
	b.scheduleRender(s, delay)
}

// retryRender decides whether a failed frame is retried one frame later. A frame
// that was already swapped completes through its page flip; an inactive device
// resumes on the next device change.
func (b *Backend) retryRender(s *surfaceEntry, err error) bool {
	b.log.Warn("Error during rendering", "output", s.output.Name(), "err", err)

	var swapErr *render.SwapBuffersError
	if !errors.As(err, &swapErr) {
		swapErr = &render.SwapBuffersError{Kind: render.TemporaryFailure, Err: err}
	}
	switch swapErr.Kind {
	case render.AlreadySwapped:
		s.state = RepaintSubmitted
		return false
	case render.ContextLost:
		panic(fmt.Sprintf("rendering loop lost: %v", swapErr.Err))
	}
	if errors.Is(err, kms.ErrDeviceInactive) {
		s.state = RepaintIdle
		return false
	}
	return true
}

// postRepaint updates what every surface on the output needs after a frame: its
// primary scanout output, frame callbacks and dma-buf feedback
func (b *Backend) postRepaint(output *display.Output, states render.ElementStates, feedback *format.FeedbackPair) {
	now := b.opts.Clock.Now()

	for _, e := range b.opts.Space.Elements() {
		e.UpdateScanoutOutput(output, states)
	}
	for _, e := range b.opts.Space.ElementsFor(output) {
		b.notifyElement(e, output, states, feedback, now)
	}
	for _, layer := range b.opts.Space.LayersFor(output) {
		layer.UpdateScanoutOutput(output, states)
		b.notifyElement(layer, output, states, feedback, now)
	}
}

func (b *Backend) notifyElement(e display.Element, output *display.Output, states render.ElementStates,
	feedback *format.FeedbackPair, now time.Duration) {
	e.SendFrame(output, now, frameThrottle)
	if feedback == nil {
		return
	}
	fb := feedback.Render
	if states.ZeroCopy(e.RenderIDs()...) {
		fb = feedback.Scanout
	}
	e.SendDmabufFeedback(output, fb)
}

// takePresentationFeedback collects the presentation feedback of every surface on the output
func (b *Backend) takePresentationFeedback(output *display.Output, states render.ElementStates) *protocol.OutputFeedback {
	fb := protocol.NewOutputFeedback(output.Name())
	for _, e := range b.opts.Space.ElementsFor(output) {
		e.TakePresentationFeedback(output, fb, states)
	}
	for _, layer := range b.opts.Space.LayersFor(output) {
		layer.TakePresentationFeedback(output, fb, states)
	}
	return fb
}
