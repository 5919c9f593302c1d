package softgpu

import (
	"errors"
	"fmt"
	"image"

	"github.com/bnema/kmsway/internal/format"
	"github.com/bnema/kmsway/internal/kms"
	"github.com/bnema/kmsway/internal/protocol"
	"github.com/bnema/kmsway/internal/render"
)

const swapchainLength = 2

var errNoFreeBuffer = errors.New("no free buffer in swapchain")

type slot struct {
	fb  *Framebuffer
	age int // 0 when the contents are undefined
}

// Swapchain double buffers a KMS surface with dumb buffers
type Swapchain struct {
	surface kms.Surface
	alloc   *Allocator
	code    format.Fourcc
	slots   []slot

	front   int // scanned out, -1 before the first completion
	queued  int // committed and waiting for completion, -1 when none
	current int // handed out by NextBuffer, -1 when none
	pending *protocol.OutputFeedback
}

// NewSwapchain allocates the buffers of a surface at its mode size
func NewSwapchain(surface kms.Surface, alloc *Allocator, code format.Fourcc) (*Swapchain, error) {
	m := surface.Mode()
	sc := &Swapchain{surface: surface, alloc: alloc, code: code, front: -1, queued: -1, current: -1}
	for i := 0; i < swapchainLength; i++ {
		fb, err := alloc.Allocate(int(m.Width), int(m.Height), code)
		if err != nil {
			sc.Release()
			return nil, fmt.Errorf("failed to allocate buffer %d of crtc %d: %w", i, surface.Crtc(), err)
		}
		sc.slots = append(sc.slots, slot{fb: fb})
	}
	return sc, nil
}

func (s *Swapchain) Format() format.Fourcc { return s.code }
func (s *Swapchain) Surface() kms.Surface  { return s.surface }

// NextBuffer returns a buffer that is neither scanned out nor queued
func (s *Swapchain) NextBuffer() (render.Buffer, int, error) {
	for i := range s.slots {
		if i == s.front || i == s.queued {
			continue
		}
		s.current = i
		return s.slots[i].fb, s.slots[i].age, nil
	}
	return nil, 0, render.Temporary(errNoFreeBuffer)
}

// QueueBuffer flushes the damage of the last buffer handed out and commits it
func (s *Swapchain) QueueBuffer(damage []image.Rectangle, feedback *protocol.OutputFeedback) error {
	if s.current < 0 {
		return render.Swapped()
	}
	if s.queued >= 0 {
		return render.Temporary(fmt.Errorf("crtc %d: %w", s.surface.Crtc(), kms.ErrFlipPending))
	}
	fb := s.slots[s.current].fb
	fb.flush(damage)
	if err := s.surface.Commit(fb.ID); err != nil {
		return err
	}

	for i := range s.slots {
		if s.slots[i].age > 0 {
			s.slots[i].age++
		}
	}
	s.slots[s.current].age = 1
	s.queued = s.current
	s.current = -1
	s.pending = feedback
	return nil
}

// FrameSubmitted marks the queued buffer as scanned out and hands back its feedback
func (s *Swapchain) FrameSubmitted() (*protocol.OutputFeedback, error) {
	if s.queued < 0 {
		return nil, nil
	}
	s.front = s.queued
	s.queued = -1
	fb := s.pending
	s.pending = nil
	return fb, nil
}

// ResetBuffers forgets the contents of every buffer
func (s *Swapchain) ResetBuffers() {
	for i := range s.slots {
		s.slots[i].age = 0
	}
}

// Release frees the buffers
func (s *Swapchain) Release() {
	for _, sl := range s.slots {
		_ = s.alloc.Free(sl.fb)
	}
	s.slots = nil
}
