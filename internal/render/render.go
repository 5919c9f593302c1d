// Package render defines the GPU rendering capabilities the output pipeline consumes
package render

import (
	"errors"
	"image"

	"github.com/bnema/kmsway/internal/format"
	"github.com/bnema/kmsway/internal/kms"
	"github.com/bnema/kmsway/internal/protocol"
)

// Color is a premultiplied RGBA clear color
type Color [4]float32

// ErrNoAllocator is returned when a cross-GPU renderer is requested before any
// allocator exists on the primary GPU
var ErrNoAllocator = errors.New("no allocator on the primary gpu")

// Texture is image data uploaded to a GPU
type Texture interface {
	Width() int
	Height() int
	Format() format.Fourcc
}

// Buffer is a render target handed out by a surface
type Buffer interface {
	Size() image.Point
}

// Renderer draws elements on one GPU
type Renderer interface {
	Node() kms.Node
	// DmabufTextureFormats are the formats the renderer can sample from
	DmabufTextureFormats() format.Set
	// DmabufRenderFormats are the formats the renderer can draw into
	DmabufRenderFormats() format.Set
	ImportMemory(pixels []byte, code format.Fourcc, width, height int) (Texture, error)
	// Render clears the damaged regions of the target and draws the elements into them
	Render(target Buffer, damage []image.Rectangle, elements []Element, clear Color) error
}

// Allocator creates scanout-capable buffers on one device
type Allocator interface {
	Node() kms.Node
	Close() error
}

// AllocatorOpener creates the allocator of a device
type AllocatorOpener func(dev kms.Device) (Allocator, error)

// GPUManager owns the render contexts of every GPU
type GPUManager interface {
	AddNode(node kms.Node, dev kms.Device) error
	RemoveNode(node kms.Node)
	SingleRenderer(node kms.Node) (Renderer, error)
	// Renderer returns a renderer drawing on render and copying to primary in the given format
	Renderer(primary, render kms.Node, alloc Allocator, code format.Fourcc) (Renderer, error)
	// EarlyImport imports a client buffer into the target GPU ahead of rendering
	EarlyImport(source, target kms.Node, surface protocol.SurfaceID) error
}

// BufferedSurface is a swapchain on a KMS surface
type BufferedSurface interface {
	Format() format.Fourcc
	// NextBuffer returns the buffer to render into and its age, 0 meaning undefined contents
	NextBuffer() (Buffer, int, error)
	QueueBuffer(damage []image.Rectangle, feedback *protocol.OutputFeedback) error
	// FrameSubmitted acknowledges the completion of the queued buffer and returns its feedback
	FrameSubmitted() (*protocol.OutputFeedback, error)
	ResetBuffers()
	Surface() kms.Surface
	// Release frees the buffers of the swapchain
	Release()
}

// DamageTracker renders an output, only repainting what changed
type DamageTracker interface {
	RenderOutput(r Renderer, target Buffer, age int, elements []Element, clear Color) ([]image.Rectangle, ElementStates, error)
	// Queued records the last rendered frame once it was submitted
	Queued()
}

// FrameResult is the outcome of a plane compositor frame
type FrameResult struct {
	Damage []image.Rectangle
	States ElementStates
}

// PlaneCompositor assigns elements to hardware planes and renders the rest
type PlaneCompositor interface {
	Format() format.Fourcc
	RenderFrame(r Renderer, elements []Element, clear Color) (FrameResult, error)
	QueueFrame(feedback *protocol.OutputFeedback) error
	FrameSubmitted() (*protocol.OutputFeedback, error)
	ResetBuffers()
	Surface() kms.Surface
	Release()
}

// OutputInfo is what a plane compositor needs to know about its output
type OutputInfo struct {
	Name  string
	Size  image.Point
	Scale float64
}

// CompositionFactory builds the two kinds of surface composition
type CompositionFactory interface {
	NewBufferedSurface(surface kms.Surface, alloc Allocator, formats []format.Fourcc, renderFormats format.Set) (BufferedSurface, error)
	NewDamageTracker(size image.Point, scale float64) DamageTracker
	NewCompositor(output OutputInfo, surface kms.Surface, planes kms.Planes, alloc Allocator,
		formats []format.Fourcc, renderFormats format.Set, cursorSize image.Point) (PlaneCompositor, error)
}
