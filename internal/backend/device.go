package backend

import (
	"fmt"
	"os"
	"sort"

	"github.com/bnema/kmsway/internal/display"
	"github.com/bnema/kmsway/internal/format"
	"github.com/bnema/kmsway/internal/kms"
	"github.com/bnema/kmsway/internal/protocol"
	"github.com/bnema/kmsway/internal/reactor"
	"github.com/bnema/kmsway/internal/render"
	"github.com/bnema/kmsway/internal/scanner"
	"github.com/bnema/kmsway/internal/session"
)

// deviceEntry is one opened GPU
type deviceEntry struct {
	node       kms.Node
	path       string
	file       *os.File
	dev        kms.Device
	alloc      render.Allocator
	renderNode kms.Node
	source     reactor.Token
	scanner    *scanner.Scanner
	surfaces   map[kms.CrtcHandle]*surfaceEntry
}

// crtcs returns the CRTCs with a surface, in handle order
func (d *deviceEntry) crtcs() []kms.CrtcHandle {
	out := make([]kms.CrtcHandle, 0, len(d.surfaces))
	for crtc := range d.surfaces {
		out = append(out, crtc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// surfaceEntry is one driven (CRTC, connector) pair
type surfaceEntry struct {
	device      kms.Node
	crtc        kms.CrtcHandle
	renderNode  kms.Node
	output      *display.Output
	composition *composition
	feedback    *format.FeedbackPair

	display   protocol.Display
	global    protocol.GlobalID
	hasGlobal bool

	state      RepaintState
	timer      reactor.Token
	timerArmed bool
}

// teardown cancels the pending repaint, revokes the output global and frees the
// buffers of the composition. It is the only path that removes the global and is
// safe to call more than once.
func (s *surfaceEntry) teardown(loop Loop) {
	if s.timerArmed {
		loop.Remove(s.timer)
		s.timerArmed = false
	}
	if s.hasGlobal {
		s.display.RemoveGlobal(s.global)
		s.hasGlobal = false
	}
	if s.composition != nil {
		s.composition.Release()
	}
	s.state = RepaintIdle
}

// AddDevice opens a GPU, registers it for rendering and sets up its connected outputs.
// Nothing is kept when any step fails.
func (b *Backend) AddDevice(node kms.Node, path string) error {
	if _, ok := b.devices[node]; ok {
		return fmt.Errorf("device %s already added", node)
	}

	f, err := b.opts.Session.Open(path, session.DefaultFlags)
	if err != nil {
		return fmt.Errorf("failed to open device %s: %w", path, err)
	}

	dev, err := b.opts.Open(f, node)
	if err != nil {
		b.closeFile(f)
		return fmt.Errorf("failed to create drm device for %s: %w", path, err)
	}

	alloc, err := b.opts.OpenAllocator(dev)
	if err != nil {
		_ = dev.Close()
		b.closeFile(f)
		return fmt.Errorf("failed to create allocator for %s: %w", path, err)
	}

	renderNode, err := b.opts.RenderNode(node)
	if err != nil {
		b.log.Debug("No render node, rendering on the kms node", "node", node, "err", err)
		renderNode = node
	}

	if err := b.opts.GPUs.AddNode(renderNode, dev); err != nil {
		_ = alloc.Close()
		_ = dev.Close()
		b.closeFile(f)
		return fmt.Errorf("failed to add render node %s: %w", renderNode, err)
	}

	entry := &deviceEntry{
		node:       node,
		path:       path,
		file:       f,
		dev:        dev,
		alloc:      alloc,
		renderNode: renderNode,
		scanner:    scanner.New(b.opts.Mapper),
		surfaces:   make(map[kms.CrtcHandle]*surfaceEntry),
	}
	entry.source = b.opts.Loop.InsertSource(reactor.Channel(dev.Events(), func(ev kms.Event) {
		b.handleDeviceEvent(node, ev)
	}))

	b.devices[node] = entry
	b.order = append(b.order, node)
	b.log.Info("Device added", "node", node, "path", path, "render", renderNode)

	if renderNode == b.opts.PrimaryGPU {
		b.ensureDmabufGlobal()
	}

	b.DeviceChanged(node)
	return nil
}

// DeviceChanged rescans the connectors of a device, applies the transitions and
// restarts the repaint loop of surfaces left idle
func (b *Backend) DeviceChanged(node kms.Node) {
	dev, ok := b.devices[node]
	if !ok {
		return
	}

	var idle []*surfaceEntry
	for _, crtc := range dev.crtcs() {
		if s := dev.surfaces[crtc]; s.state == RepaintIdle && !s.timerArmed {
			idle = append(idle, s)
		}
	}

	events, err := dev.scanner.Scan(dev.dev)
	if err != nil {
		b.log.Warn("Failed to scan connectors", "node", node, "err", err)
		return
	}

	for _, ev := range events {
		if !ev.HasCrtc {
			b.log.Debug("Connector without crtc ignored", "connector", ev.Connector.Name(), "event", ev.Kind)
			continue
		}
		switch ev.Kind {
		case scanner.Connected:
			b.connectorConnected(node, ev.Crtc, ev.Connector)
		case scanner.Disconnected:
			b.connectorDisconnected(node, ev.Connector, ev.Crtc)
		}
	}

	// Surfaces stopped by an inactive device restart here
	for _, s := range idle {
		if dev.surfaces[s.crtc] != s || s.state != RepaintIdle {
			continue
		}
		b.log.Debug("Resuming repaint", "output", s.output.Name())
		b.scheduleRender(s, 0)
	}
}

// DeviceRemoved tears down every surface of the device and releases it
func (b *Backend) DeviceRemoved(node kms.Node) {
	dev, ok := b.devices[node]
	if !ok {
		return
	}

	for _, crtc := range dev.crtcs() {
		s := dev.surfaces[crtc]
		b.removeSurface(dev, crtc, s.output.Name())
	}
	b.log.Debug("Removed surfaces", "node", node)

	b.opts.GPUs.RemoveNode(dev.renderNode)
	b.opts.Loop.Remove(dev.source)

	if dev.alloc != nil {
		if err := dev.alloc.Close(); err != nil {
			b.log.Warn("Failed to close allocator", "node", node, "err", err)
		}
	}
	if err := dev.dev.Close(); err != nil {
		b.log.Warn("Failed to close device", "node", node, "err", err)
	}
	b.closeFile(dev.file)

	delete(b.devices, node)
	for i, n := range b.order {
		if n == node {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	b.log.Info("Device removed", "node", node)
}

func (b *Backend) handleDeviceEvent(node kms.Node, ev kms.Event) {
	switch ev.Kind {
	case kms.EventVBlank:
		b.ProcessCompletionEvent(node, ev.Crtc, ev.Meta)
	case kms.EventError:
		b.log.Error("Device error", "node", node, "crtc", ev.Crtc, "err", ev.Err)
	}
}

func (b *Backend) closeFile(f *os.File) {
	if err := b.opts.Session.Close(f); err != nil {
		b.log.Warn("Failed to close device file", "err", err)
	}
}
