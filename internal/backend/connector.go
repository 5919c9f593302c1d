package backend

import (
	"image"

	"github.com/charmbracelet/log"

	"github.com/bnema/kmsway/internal/display"
	"github.com/bnema/kmsway/internal/format"
	"github.com/bnema/kmsway/internal/kms"
	"github.com/bnema/kmsway/internal/render"
)

// connectorConnected builds the output and surface composition for a newly connected
// connector. Nothing is inserted or advertised unless every step succeeds.
func (b *Backend) connectorConnected(node kms.Node, crtc kms.CrtcHandle, conn kms.ConnectorInfo) {
	dev, ok := b.devices[node]
	if !ok {
		return
	}
	name := conn.Name()
	log := b.log.With("connector", name, "crtc", crtc)

	if existing, ok := dev.surfaces[crtc]; ok {
		log.Warn("Crtc already drives an output, replacing it", "output", existing.output.Name())
		b.removeSurface(dev, crtc, existing.output.Name())
	}

	rend, err := b.opts.GPUs.SingleRenderer(dev.renderNode)
	if err != nil {
		log.Error("No renderer for render node", "render", dev.renderNode, "err", err)
		return
	}
	renderFormats := rend.DmabufRenderFormats()

	log.Info("Setting up connector")

	kmode, ok := b.opts.ModePolicy(conn.Modes)
	if !ok {
		log.Warn("Connector reports no modes")
		return
	}

	surface, err := dev.dev.CreateSurface(crtc, kmode, []kms.ConnectorHandle{conn.Handle})
	if err != nil {
		log.Error("Failure to create drm surface", "err", err)
		return
	}

	physical := display.PhysicalProperties{
		Width:  int32(conn.PhysicalWidth),
		Height: int32(conn.PhysicalHeight),
	}
	if info, err := b.opts.EDID.Read(node, name); err != nil {
		log.Debug("No display identity", "err", err)
	} else {
		physical.Make = info.Make
		physical.Model = info.Model
	}

	output := display.NewOutput(display.OutputID{Device: node, Crtc: crtc}, name, physical)
	mode := display.ModeFromKMS(kmode)
	output.SetPreferred(mode)
	position := b.opts.Space.NextPosition()
	output.ChangeCurrentState(&mode, &position)

	comp, planes, ok := b.buildComposition(dev, output, surface, renderFormats, log)
	if !ok {
		return
	}

	feedback := b.surfaceFeedback(dev.renderNode, node, planes)

	b.opts.Space.MapOutput(output, position)
	entry := &surfaceEntry{
		device:      node,
		crtc:        crtc,
		renderNode:  dev.renderNode,
		output:      output,
		composition: comp,
		feedback:    feedback,
		display:     b.opts.Display,
		global:      b.opts.Display.CreateOutputGlobal(output.Description()),
		hasGlobal:   true,
	}
	dev.surfaces[crtc] = entry

	log.Info("Output added", "output", name, "mode", mode, "position", position, "composition", comp.Kind())

	b.initialRender(entry)
}

// buildComposition picks the composition path of a new surface. A failure on the
// chosen path aborts; the other path is never tried instead.
func (b *Backend) buildComposition(dev *deviceEntry, output *display.Output, surface kms.Surface,
	renderFormats format.Set, log *log.Logger) (*composition, kms.Planes, bool) {
	if b.opts.DisableHardwareCompositor {
		log.Info("Creating software-rendered compositor")
		buffered, err := b.opts.Factory.NewBufferedSurface(surface, dev.alloc, SupportedFormats, renderFormats)
		if err != nil {
			log.Error("Error creating rendering surface", "err", err)
			return nil, kms.Planes{}, false
		}
		tracker := b.opts.Factory.NewDamageTracker(output.Size(), output.Scale())
		return directComposition(buffered, tracker), surface.Planes(), true
	}

	driver, err := dev.dev.Driver()
	if err != nil {
		log.Error("Unable to get device driver", "err", err)
		return nil, kms.Planes{}, false
	}

	planes := surface.Planes()
	if disableOverlayPlanes(b.opts.Quirks, driver) {
		log.Info("Overlay planes disabled for driver", "driver", driver.Name, "overlays", len(planes.Overlay))
		planes = planes.WithoutOverlays()
	}

	cw, ch := dev.dev.CursorSize()
	compositor, err := b.opts.Factory.NewCompositor(
		render.OutputInfo{Name: output.Name(), Size: output.Size(), Scale: output.Scale()},
		surface,
		planes,
		dev.alloc,
		SupportedFormats,
		renderFormats,
		image.Pt(int(cw), int(ch)),
	)
	if err != nil {
		log.Error("Error creating hardware-accelerated compositor", "err", err)
		return nil, kms.Planes{}, false
	}
	return hardwareComposition(compositor), planes, true
}

// connectorDisconnected drops the surface driven by crtc and unmaps its output.
// Calling it again for the same pair does nothing.
func (b *Backend) connectorDisconnected(node kms.Node, conn kms.ConnectorInfo, crtc kms.CrtcHandle) {
	dev, ok := b.devices[node]
	if !ok {
		return
	}
	b.log.Info("Connector disconnected", "connector", conn.Name(), "crtc", crtc)
	b.removeSurface(dev, crtc, conn.Name())
}

func (b *Backend) removeSurface(dev *deviceEntry, crtc kms.CrtcHandle, name string) {
	if s, ok := dev.surfaces[crtc]; ok {
		s.teardown(b.opts.Loop)
		delete(dev.surfaces, crtc)
	}
	if o := b.opts.Space.UnmapOutput(display.OutputID{Device: dev.node, Crtc: crtc}); o != nil {
		b.log.Debug("Output unmapped", "output", name)
	}
}

// initialRender paints the clear color once and queues it so the swapchain holds a
// valid buffer before the repaint loop starts
func (b *Backend) initialRender(s *surfaceEntry) {
	r, err := b.opts.GPUs.SingleRenderer(s.renderNode)
	if err != nil {
		b.log.Error("No renderer for initial frame", "output", s.output.Name(), "err", err)
		return
	}
	if _, err := s.composition.RenderFrame(r, nil, b.opts.ClearColor); err != nil {
		b.log.Error("Initial render failed", "output", s.output.Name(), "err", err)
		return
	}
	if err := s.composition.QueueFrame([]image.Rectangle{{Max: s.output.Size()}}, nil); err != nil {
		b.log.Error("Failed to queue initial frame", "output", s.output.Name(), "err", err)
		return
	}
	s.composition.ResetBuffers()
	s.state = RepaintSubmitted
}
