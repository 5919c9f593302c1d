// Package backend drives the outputs of every GPU: device lifecycle, output surface
// creation, dma-buf feedback and the per-output repaint loop.
//
// Every exported method must be called from the reactor goroutine.
package backend

import (
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bnema/kmsway/internal/config"
	"github.com/bnema/kmsway/internal/display"
	"github.com/bnema/kmsway/internal/edid"
	"github.com/bnema/kmsway/internal/format"
	"github.com/bnema/kmsway/internal/kms"
	"github.com/bnema/kmsway/internal/logger"
	"github.com/bnema/kmsway/internal/protocol"
	"github.com/bnema/kmsway/internal/reactor"
	"github.com/bnema/kmsway/internal/render"
	"github.com/bnema/kmsway/internal/scanner"
	"github.com/bnema/kmsway/internal/session"
)

// SupportedFormats are the color formats output swapchains are allocated with
var SupportedFormats = []format.Fourcc{format.ABGR8888, format.ARGB8888}

// DefaultClearColor is painted wherever no element covers the output
var DefaultClearColor = render.Color{0.2, 0.05, 0.6, 1.0}

// frameThrottle limits frame callbacks for surfaces that were not visible
const frameThrottle = time.Second

// Loop is the part of the reactor the backend schedules work on
type Loop interface {
	Post(fn func())
	InsertTimer(d time.Duration, fn func()) reactor.Token
	InsertSource(src reactor.Source) reactor.Token
	Remove(tok reactor.Token)
}

// RenderNodeResolver finds the render node of a KMS node
type RenderNodeResolver func(node kms.Node) (kms.Node, error)

// Options wires the backend to its collaborators. Session, Open, GPUs, Factory,
// Display and Loop are required.
type Options struct {
	Session       session.Session
	Open          kms.Opener
	OpenAllocator render.AllocatorOpener
	RenderNode    RenderNodeResolver
	GPUs          render.GPUManager
	Factory       render.CompositionFactory
	Display       protocol.Display
	Loop          Loop
	EDID          edid.Reader
	Clock         protocol.Clock
	Space         *display.Space
	Cursor        *CursorStatus
	CursorImages  CursorSource

	// PrimaryGPU is the render node of the GPU composition happens on
	PrimaryGPU kms.Node

	ClearColor                render.Color
	DisableHardwareCompositor bool
	Quirks                    []config.Quirk
	ModePolicy                ModePolicy
	Mapper                    scanner.CrtcMapper
}

// Backend owns every device and output surface of the process
type Backend struct {
	opts    Options
	log     *log.Logger
	devices map[kms.Node]*deviceEntry
	order   []kms.Node

	dmabufGlobal    protocol.GlobalID
	hasDmabufGlobal bool

	pointerX, pointerY float64
	cursor             *cursorCache
}

// New validates the options and fills in defaults for the optional collaborators
func New(opts Options) (*Backend, error) {
	switch {
	case opts.Session == nil:
		return nil, errors.New("backend: session is required")
	case opts.Open == nil:
		return nil, errors.New("backend: device opener is required")
	case opts.GPUs == nil:
		return nil, errors.New("backend: gpu manager is required")
	case opts.Factory == nil:
		return nil, errors.New("backend: composition factory is required")
	case opts.Display == nil:
		return nil, errors.New("backend: display is required")
	case opts.Loop == nil:
		return nil, errors.New("backend: loop is required")
	}

	if opts.OpenAllocator == nil {
		opts.OpenAllocator = func(dev kms.Device) (render.Allocator, error) {
			return nil, fmt.Errorf("no allocator for %s", dev.Node())
		}
	}
	if opts.RenderNode == nil {
		opts.RenderNode = func(n kms.Node) (kms.Node, error) { return n.WithType(kms.NodeRender) }
	}
	if opts.EDID == nil {
		opts.EDID = edid.NewSysfsReader()
	}
	if opts.Clock == nil {
		opts.Clock = protocol.MonotonicClock{}
	}
	if opts.Space == nil {
		opts.Space = display.NewSpace()
	}
	if opts.Cursor == nil {
		opts.Cursor = NewCursorStatus()
	}
	if opts.CursorImages == nil {
		opts.CursorImages = DefaultCursor()
	}
	if opts.ClearColor == (render.Color{}) {
		opts.ClearColor = DefaultClearColor
	}
	if opts.ModePolicy == nil {
		opts.ModePolicy = PreferredMode
	}

	return &Backend{
		opts:    opts,
		log:     logger.With("component", "backend"),
		devices: make(map[kms.Node]*deviceEntry),
		cursor:  newCursorCache(),
	}, nil
}

// PrimaryGPU returns the render node composition happens on
func (b *Backend) PrimaryGPU() kms.Node {
	return b.opts.PrimaryGPU
}

// Space returns the output space the backend maps outputs into
func (b *Backend) Space() *display.Space {
	return b.opts.Space
}

// Cursor returns the cursor status shared with input handling
func (b *Backend) Cursor() *CursorStatus {
	return b.opts.Cursor
}

// SetPointerLocation moves the pointer in global coordinates
func (b *Backend) SetPointerLocation(x, y float64) {
	b.pointerX, b.pointerY = x, y
}

// EarlyImport imports a client buffer on the primary GPU before it is rendered
func (b *Backend) EarlyImport(surface protocol.SurfaceID) {
	if err := b.opts.GPUs.EarlyImport(b.opts.PrimaryGPU, b.opts.PrimaryGPU, surface); err != nil {
		b.log.Error("Error on early buffer import", "surface", surface, "err", err)
	}
}

// ResetBuffers drops the buffer ages of the surface behind an output
func (b *Backend) ResetBuffers(id display.OutputID) {
	s := b.surface(id.Device, id.Crtc)
	if s == nil {
		b.log.Debug("Reset requested for unknown output", "output", id)
		return
	}
	s.composition.ResetBuffers()
}

// Shutdown removes every device
func (b *Backend) Shutdown() {
	for _, node := range append([]kms.Node(nil), b.order...) {
		b.DeviceRemoved(node)
	}
	if b.hasDmabufGlobal {
		b.opts.Display.RemoveGlobal(b.dmabufGlobal)
		b.hasDmabufGlobal = false
	}
}

func (b *Backend) surface(node kms.Node, crtc kms.CrtcHandle) *surfaceEntry {
	dev, ok := b.devices[node]
	if !ok {
		return nil
	}
	return dev.surfaces[crtc]
}

// primaryAllocator is the allocator of the device whose render node is the primary GPU
func (b *Backend) primaryAllocator() render.Allocator {
	for _, node := range b.order {
		if dev := b.devices[node]; dev.renderNode == b.opts.PrimaryGPU && dev.alloc != nil {
			return dev.alloc
		}
	}
	return nil
}
