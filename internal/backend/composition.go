package backend

import (
	"errors"
	"image"

	"github.com/bnema/kmsway/internal/format"
	"github.com/bnema/kmsway/internal/kms"
	"github.com/bnema/kmsway/internal/protocol"
	"github.com/bnema/kmsway/internal/render"
)

// CompositionKind tells which path a surface renders through
type CompositionKind int

const (
	// CompositionDirect renders everything into a swapchain buffer
	CompositionDirect CompositionKind = iota
	// CompositionHardware lets a plane compositor scan elements out directly
	CompositionHardware
)

func (k CompositionKind) String() string {
	if k == CompositionHardware {
		return "hardware"
	}
	return "direct"
}

// composition is exactly one of a buffered surface with its damage tracker, or a
// plane compositor. The kind is fixed at creation.
type composition struct {
	kind CompositionKind

	surface render.BufferedSurface
	damage  render.DamageTracker

	compositor render.PlaneCompositor
	released   bool
}

func directComposition(surface render.BufferedSurface, damage render.DamageTracker) *composition {
	return &composition{kind: CompositionDirect, surface: surface, damage: damage}
}

func hardwareComposition(c render.PlaneCompositor) *composition {
	return &composition{kind: CompositionHardware, compositor: c}
}

func (c *composition) Kind() CompositionKind {
	return c.kind
}

func (c *composition) Format() format.Fourcc {
	switch c.kind {
	case CompositionHardware:
		return c.compositor.Format()
	default:
		return c.surface.Format()
	}
}

// FrameSubmitted acknowledges the completion of the last queued frame
func (c *composition) FrameSubmitted() (*protocol.OutputFeedback, error) {
	var (
		fb  *protocol.OutputFeedback
		err error
	)
	switch c.kind {
	case CompositionHardware:
		fb, err = c.compositor.FrameSubmitted()
	default:
		fb, err = c.surface.FrameSubmitted()
	}
	return fb, swapError(err)
}

func (c *composition) Surface() kms.Surface {
	switch c.kind {
	case CompositionHardware:
		return c.compositor.Surface()
	default:
		return c.surface.Surface()
	}
}

func (c *composition) ResetBuffers() {
	switch c.kind {
	case CompositionHardware:
		c.compositor.ResetBuffers()
	default:
		c.surface.ResetBuffers()
	}
}

// QueueFrame submits the last rendered frame. The damage is only used by the direct path.
func (c *composition) QueueFrame(damage []image.Rectangle, feedback *protocol.OutputFeedback) error {
	switch c.kind {
	case CompositionHardware:
		return swapError(c.compositor.QueueFrame(feedback))
	default:
		if err := c.surface.QueueBuffer(damage, feedback); err != nil {
			return swapError(err)
		}
		c.damage.Queued()
		return nil
	}
}

// Release frees the buffers of the composition once
func (c *composition) Release() {
	if c.released {
		return
	}
	c.released = true
	switch c.kind {
	case CompositionHardware:
		c.compositor.Release()
	default:
		c.surface.Release()
	}
}

// RenderFrame renders the elements. An empty damage list means nothing changed.
func (c *composition) RenderFrame(r render.Renderer, elements []render.Element, clear render.Color) (render.FrameResult, error) {
	switch c.kind {
	case CompositionHardware:
		res, err := c.compositor.RenderFrame(r, elements, clear)
		return res, swapError(err)
	default:
		buf, age, err := c.surface.NextBuffer()
		if err != nil {
			return render.FrameResult{}, swapError(err)
		}
		damage, states, err := c.damage.RenderOutput(r, buf, age, elements, clear)
		if err != nil {
			return render.FrameResult{}, swapError(err)
		}
		return render.FrameResult{Damage: damage, States: states}, nil
	}
}

// swapError classifies a failure that is not classified yet as temporary
func swapError(err error) error {
	if err == nil {
		return nil
	}
	var swapErr *render.SwapBuffersError
	if errors.As(err, &swapErr) {
		return err
	}
	return render.Temporary(err)
}
