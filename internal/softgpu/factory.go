package softgpu

import (
	"fmt"
	"image"

	"github.com/bnema/kmsway/internal/format"
	"github.com/bnema/kmsway/internal/kms"
	"github.com/bnema/kmsway/internal/logger"
	"github.com/bnema/kmsway/internal/protocol"
	"github.com/bnema/kmsway/internal/render"
)

// Factory builds dumb buffer compositions
type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

// pickFormat returns the first candidate the primary plane scans out and the
// renderer draws into
func pickFormat(surface kms.Surface, formats []format.Fourcc, renderFormats format.Set) (format.Fourcc, error) {
	plane := surface.Planes().Primary.Formats
	for _, code := range formats {
		if plane.HasCode(code) && renderFormats.HasCode(code) && RenderFormats.HasCode(code) {
			return code, nil
		}
	}
	return 0, fmt.Errorf("none of %v usable on crtc %d", formats, surface.Crtc())
}

func (f *Factory) NewBufferedSurface(surface kms.Surface, alloc render.Allocator, formats []format.Fourcc, renderFormats format.Set) (render.BufferedSurface, error) {
	a, ok := alloc.(*Allocator)
	if !ok {
		return nil, fmt.Errorf("allocator %T cannot allocate dumb buffers", alloc)
	}
	code, err := pickFormat(surface, formats, renderFormats)
	if err != nil {
		return nil, err
	}
	return NewSwapchain(surface, a, code)
}

func (f *Factory) NewDamageTracker(size image.Point, scale float64) render.DamageTracker {
	return render.NewOutputDamageTracker(size, scale)
}

// NewCompositor returns a compositor that only uses the primary plane: dumb buffers
// carry no client content a plane could scan out directly
func (f *Factory) NewCompositor(output render.OutputInfo, surface kms.Surface, planes kms.Planes, alloc render.Allocator,
	formats []format.Fourcc, renderFormats format.Set, cursor image.Point) (render.PlaneCompositor, error) {
	sc, err := f.NewBufferedSurface(surface, alloc, formats, renderFormats)
	if err != nil {
		return nil, err
	}
	logger.Debug("Primary plane compositor created", "output", output.Name,
		"overlays", len(planes.Overlay), "cursor", cursor)
	return &PrimaryPlaneCompositor{
		swapchain: sc,
		damage:    f.NewDamageTracker(output.Size, output.Scale),
	}, nil
}

// PrimaryPlaneCompositor renders every element into the primary plane
type PrimaryPlaneCompositor struct {
	swapchain  render.BufferedSurface
	damage     render.DamageTracker
	lastDamage []image.Rectangle
	rendered   bool
}

func (c *PrimaryPlaneCompositor) Format() format.Fourcc { return c.swapchain.Format() }
func (c *PrimaryPlaneCompositor) Surface() kms.Surface  { return c.swapchain.Surface() }
func (c *PrimaryPlaneCompositor) ResetBuffers()         { c.swapchain.ResetBuffers() }

func (c *PrimaryPlaneCompositor) RenderFrame(r render.Renderer, elements []render.Element, clear render.Color) (render.FrameResult, error) {
	buf, age, err := c.swapchain.NextBuffer()
	if err != nil {
		return render.FrameResult{}, err
	}
	damage, states, err := c.damage.RenderOutput(r, buf, age, elements, clear)
	if err != nil {
		return render.FrameResult{}, err
	}
	c.lastDamage = damage
	c.rendered = true
	return render.FrameResult{Damage: damage, States: states}, nil
}

func (c *PrimaryPlaneCompositor) QueueFrame(feedback *protocol.OutputFeedback) error {
	if !c.rendered {
		return render.Swapped()
	}
	c.rendered = false
	if err := c.swapchain.QueueBuffer(c.lastDamage, feedback); err != nil {
		return err
	}
	c.damage.Queued()
	return nil
}

func (c *PrimaryPlaneCompositor) Release() {
	c.swapchain.Release()
}

func (c *PrimaryPlaneCompositor) FrameSubmitted() (*protocol.OutputFeedback, error) {
	return c.swapchain.FrameSubmitted()
}
