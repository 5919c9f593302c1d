package backend

import (
	"errors"
	"fmt"
	"image"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bnema/kmsway/internal/config"
	"github.com/bnema/kmsway/internal/display"
	"github.com/bnema/kmsway/internal/edid"
	"github.com/bnema/kmsway/internal/format"
	"github.com/bnema/kmsway/internal/kms"
	"github.com/bnema/kmsway/internal/protocol"
	"github.com/bnema/kmsway/internal/reactor"
	"github.com/bnema/kmsway/internal/render"
)

var (
	fmtA = format.Format{Code: format.XRGB8888, Modifier: format.ModifierLinear}
	fmtB = format.Format{Code: format.ARGB8888, Modifier: format.ModifierLinear}
	fmtC = format.Format{Code: format.ABGR8888, Modifier: format.ModifierLinear}
)

func card(n uint32) kms.Node { return kms.Node{Major: kms.DRMMajor, Minor: n} }
func renderD(n uint32) kms.Node { return kms.Node{Major: kms.DRMMajor, Minor: 128 + n} }
func cardPath(n uint32) string { return fmt.Sprintf("/dev/dri/card%d", n) }
func outputID(n uint32, crtc kms.CrtcHandle) display.OutputID {
	return display.OutputID{Device: card(n), Crtc: crtc}
}

// Loop

type fakeTimer struct {
	delay time.Duration
	fn    func()
}

type fakeLoop struct {
	next    reactor.Token
	timers  map[reactor.Token]fakeTimer
	sources map[reactor.Token]reactor.Source
	removed []reactor.Token
}

func newFakeLoop() *fakeLoop {
	return &fakeLoop{
		timers:  make(map[reactor.Token]fakeTimer),
		sources: make(map[reactor.Token]reactor.Source),
	}
}

func (l *fakeLoop) Post(fn func()) { fn() }

func (l *fakeLoop) InsertTimer(d time.Duration, fn func()) reactor.Token {
	l.next++
	l.timers[l.next] = fakeTimer{delay: d, fn: fn}
	return l.next
}

func (l *fakeLoop) InsertSource(src reactor.Source) reactor.Token {
	l.next++
	l.sources[l.next] = src
	return l.next
}

func (l *fakeLoop) Remove(tok reactor.Token) {
	delete(l.timers, tok)
	delete(l.sources, tok)
	l.removed = append(l.removed, tok)
}

// pending returns the armed timer delays in token order
func (l *fakeLoop) pending() []time.Duration {
	toks := make([]reactor.Token, 0, len(l.timers))
	for tok := range l.timers {
		toks = append(toks, tok)
	}
	sort.Slice(toks, func(i, j int) bool { return toks[i] < toks[j] })
	out := make([]time.Duration, 0, len(toks))
	for _, tok := range toks {
		out = append(out, l.timers[tok].delay)
	}
	return out
}

// fireAll runs every timer armed so far, once
func (l *fakeLoop) fireAll() {
	toks := make([]reactor.Token, 0, len(l.timers))
	for tok := range l.timers {
		toks = append(toks, tok)
	}
	sort.Slice(toks, func(i, j int) bool { return toks[i] < toks[j] })
	for _, tok := range toks {
		t, ok := l.timers[tok]
		if !ok {
			continue
		}
		delete(l.timers, tok)
		t.fn()
	}
}

// Session

type fakeSession struct {
	fail   map[string]error
	opened []string
	closed int
}

func (s *fakeSession) Open(path string, flags int) (*os.File, error) {
	if err := s.fail[path]; err != nil {
		return nil, err
	}
	s.opened = append(s.opened, path)
	return nil, nil
}

func (s *fakeSession) Close(*os.File) error {
	s.closed++
	return nil
}

func (s *fakeSession) Seat() string { return "seat0" }

// Device

type fakeDevice struct {
	node       kms.Node
	driver     kms.Driver
	driverErr  error
	res        kms.Resources
	connectors map[kms.ConnectorHandle]kms.ConnectorInfo
	encoders   map[kms.EncoderHandle]kms.EncoderInfo
	planes     kms.Planes
	surfaceErr error
	surfaces   []*fakeSurface
	events     chan kms.Event
	closed     bool
	driverCall int
}

func newFakeDevice(node kms.Node) *fakeDevice {
	return &fakeDevice{
		node:   node,
		driver: kms.Driver{Name: "amdgpu", Description: "AMD GPU"},
		res: kms.Resources{
			Crtcs: []kms.CrtcHandle{40, 41, 42},
		},
		connectors: make(map[kms.ConnectorHandle]kms.ConnectorInfo),
		encoders:   make(map[kms.EncoderHandle]kms.EncoderInfo),
		planes: kms.Planes{
			Primary: kms.PlaneInfo{Handle: 30, Type: kms.PlanePrimary, Formats: format.NewSet(fmtA)},
			Overlay: []kms.PlaneInfo{{Handle: 31, Type: kms.PlaneOverlay, Formats: format.NewSet(fmtA)}},
		},
		events: make(chan kms.Event),
	}
}

func mode(w, h uint16, refresh uint32, preferred bool) kms.Mode {
	return kms.Mode{Width: w, Height: h, Refresh: refresh, Preferred: preferred}
}

// connect plugs a display on connector h, reachable from every CRTC
func (d *fakeDevice) connect(h kms.ConnectorHandle, iface kms.Interface, modes ...kms.Mode) {
	enc := kms.EncoderHandle(h + 100)
	if _, ok := d.connectors[h]; !ok {
		d.res.Connectors = append(d.res.Connectors, h)
		d.res.Encoders = append(d.res.Encoders, enc)
	}
	d.encoders[enc] = kms.EncoderInfo{Handle: enc, PossibleCrtcs: 0b111}
	d.connectors[h] = kms.ConnectorInfo{
		Handle:         h,
		Interface:      iface,
		InterfaceID:    uint32(h) % 10,
		State:          kms.StateConnected,
		Modes:          modes,
		PhysicalWidth:  600,
		PhysicalHeight: 340,
		Encoders:       []kms.EncoderHandle{enc},
	}
}

func (d *fakeDevice) disconnect(h kms.ConnectorHandle) {
	info := d.connectors[h]
	info.State = kms.StateDisconnected
	d.connectors[h] = info
}

func (d *fakeDevice) Node() kms.Node  { return d.node }
func (d *fakeDevice) File() *os.File  { return nil }
func (d *fakeDevice) Events() <-chan kms.Event { return d.events }

func (d *fakeDevice) Driver() (kms.Driver, error) {
	d.driverCall++
	return d.driver, d.driverErr
}

func (d *fakeDevice) Resources() (kms.Resources, error) { return d.res, nil }

func (d *fakeDevice) Connector(h kms.ConnectorHandle) (kms.ConnectorInfo, error) {
	info, ok := d.connectors[h]
	if !ok {
		return kms.ConnectorInfo{}, errors.New("no such connector")
	}
	return info, nil
}

func (d *fakeDevice) Encoder(h kms.EncoderHandle) (kms.EncoderInfo, error) {
	info, ok := d.encoders[h]
	if !ok {
		return kms.EncoderInfo{}, errors.New("no such encoder")
	}
	return info, nil
}

func (d *fakeDevice) Planes(kms.CrtcHandle) (kms.Planes, error) { return d.planes, nil }

func (d *fakeDevice) CursorSize() (uint32, uint32) { return 64, 64 }

func (d *fakeDevice) CreateSurface(crtc kms.CrtcHandle, m kms.Mode, conns []kms.ConnectorHandle) (kms.Surface, error) {
	if d.surfaceErr != nil {
		return nil, d.surfaceErr
	}
	s := &fakeSurface{crtc: crtc, mode: m, connectors: conns, dev: d}
	d.surfaces = append(d.surfaces, s)
	return s, nil
}

func (d *fakeDevice) Close() error {
	d.closed = true
	return nil
}

type fakeSurface struct {
	crtc       kms.CrtcHandle
	mode       kms.Mode
	connectors []kms.ConnectorHandle
	dev        *fakeDevice
}

func (s *fakeSurface) Crtc() kms.CrtcHandle              { return s.crtc }
func (s *fakeSurface) Mode() kms.Mode                    { return s.mode }
func (s *fakeSurface) Connectors() []kms.ConnectorHandle { return s.connectors }
func (s *fakeSurface) Planes() kms.Planes                { return s.dev.planes }
func (s *fakeSurface) Device() kms.Device                { return s.dev }
func (s *fakeSurface) Commit(uint32) error               { return nil }

// Rendering

type fakeTexture struct{ w, h int }

func (t *fakeTexture) Width() int            { return t.w }
func (t *fakeTexture) Height() int           { return t.h }
func (t *fakeTexture) Format() format.Fourcc { return format.ABGR8888 }

type fakeRenderer struct {
	node     kms.Node
	texture  format.Set
	target   format.Set
	imports  int
	cross    bool
}

func (r *fakeRenderer) Node() kms.Node                     { return r.node }
func (r *fakeRenderer) DmabufTextureFormats() format.Set   { return r.texture }
func (r *fakeRenderer) DmabufRenderFormats() format.Set    { return r.target }
func (r *fakeRenderer) Render(render.Buffer, []image.Rectangle, []render.Element, render.Color) error {
	return nil
}

func (r *fakeRenderer) ImportMemory(_ []byte, _ format.Fourcc, w, h int) (render.Texture, error) {
	r.imports++
	return &fakeTexture{w: w, h: h}, nil
}

type crossCall struct {
	primary, render kms.Node
	alloc           render.Allocator
	code            format.Fourcc
}

type fakeGPUs struct {
	renderers map[kms.Node]*fakeRenderer
	added     []kms.Node
	removed   []kms.Node
	addErr    error
	cross     []crossCall
	imports   [][2]kms.Node
}

func newFakeGPUs() *fakeGPUs {
	return &fakeGPUs{renderers: make(map[kms.Node]*fakeRenderer)}
}

func (g *fakeGPUs) AddNode(node kms.Node, _ kms.Device) error {
	if g.addErr != nil {
		return g.addErr
	}
	g.added = append(g.added, node)
	if _, ok := g.renderers[node]; !ok {
		g.renderers[node] = &fakeRenderer{node: node, texture: format.NewSet(fmtA, fmtB), target: format.NewSet(fmtA, fmtB)}
	}
	return nil
}

func (g *fakeGPUs) RemoveNode(node kms.Node) {
	g.removed = append(g.removed, node)
	delete(g.renderers, node)
}

func (g *fakeGPUs) SingleRenderer(node kms.Node) (render.Renderer, error) {
	r, ok := g.renderers[node]
	if !ok {
		return nil, fmt.Errorf("no renderer for %s", node)
	}
	return r, nil
}

func (g *fakeGPUs) Renderer(primary, rn kms.Node, alloc render.Allocator, code format.Fourcc) (render.Renderer, error) {
	g.cross = append(g.cross, crossCall{primary: primary, render: rn, alloc: alloc, code: code})
	r, ok := g.renderers[rn]
	if !ok {
		return nil, fmt.Errorf("no renderer for %s", rn)
	}
	return &fakeRenderer{node: primary, texture: r.texture, target: r.target, cross: true}, nil
}

func (g *fakeGPUs) EarlyImport(source, target kms.Node, _ protocol.SurfaceID) error {
	g.imports = append(g.imports, [2]kms.Node{source, target})
	return nil
}

type fakeAllocator struct {
	node   kms.Node
	closed bool
}

func (a *fakeAllocator) Node() kms.Node { return a.node }
func (a *fakeAllocator) Close() error {
	a.closed = true
	return nil
}

// frameScript is the behavior shared by both composition fakes
type frameScript struct {
	format        format.Fourcc
	damage        []image.Rectangle
	states        render.ElementStates
	renderErr     error
	queueErr      error
	submitErr     error
	renders       [][]render.Element
	queued        []*protocol.OutputFeedback
	queuedDmg     [][]image.Rectangle
	resets        int
	releases      int
	trackerQueued int
	pending       *protocol.OutputFeedback
	lastRender    render.Renderer
}

func (f *frameScript) render(r render.Renderer, elements []render.Element) (render.FrameResult, error) {
	f.renders = append(f.renders, elements)
	f.lastRender = r
	if f.renderErr != nil {
		return render.FrameResult{}, f.renderErr
	}
	return render.FrameResult{Damage: f.damage, States: f.states}, nil
}

func (f *frameScript) queue(damage []image.Rectangle, fb *protocol.OutputFeedback) error {
	if f.queueErr != nil {
		return f.queueErr
	}
	f.queued = append(f.queued, fb)
	f.queuedDmg = append(f.queuedDmg, damage)
	f.pending = fb
	return nil
}

func (f *frameScript) submitted() (*protocol.OutputFeedback, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	fb := f.pending
	f.pending = nil
	return fb, nil
}

type fakeCompositor struct {
	*frameScript
	output  render.OutputInfo
	surface kms.Surface
	planes  kms.Planes
	formats []format.Fourcc
	cursor  image.Point
}

func (c *fakeCompositor) Format() format.Fourcc { return c.format }
func (c *fakeCompositor) RenderFrame(r render.Renderer, elements []render.Element, _ render.Color) (render.FrameResult, error) {
	return c.render(r, elements)
}
func (c *fakeCompositor) QueueFrame(fb *protocol.OutputFeedback) error {
	return c.queue(nil, fb)
}
func (c *fakeCompositor) FrameSubmitted() (*protocol.OutputFeedback, error) { return c.submitted() }
func (c *fakeCompositor) ResetBuffers()                                    { c.resets++ }
func (c *fakeCompositor) Surface() kms.Surface                             { return c.surface }
func (c *fakeCompositor) Release()                                         { c.releases++ }

type fakeBuffer struct{ size image.Point }

func (b fakeBuffer) Size() image.Point { return b.size }

type fakeBuffered struct {
	*frameScript
	surface kms.Surface
	formats []format.Fourcc
	age     int
}

func (s *fakeBuffered) Format() format.Fourcc { return s.format }
func (s *fakeBuffered) NextBuffer() (render.Buffer, int, error) {
	return fakeBuffer{}, s.age, nil
}
func (s *fakeBuffered) QueueBuffer(damage []image.Rectangle, fb *protocol.OutputFeedback) error {
	return s.queue(damage, fb)
}
func (s *fakeBuffered) FrameSubmitted() (*protocol.OutputFeedback, error) { return s.submitted() }
func (s *fakeBuffered) ResetBuffers()                                    { s.resets++ }
func (s *fakeBuffered) Surface() kms.Surface                             { return s.surface }
func (s *fakeBuffered) Release()                                         { s.releases++ }

type fakeTracker struct {
	script *frameScript
}

func (t *fakeTracker) RenderOutput(r render.Renderer, _ render.Buffer, _ int, elements []render.Element, _ render.Color) ([]image.Rectangle, render.ElementStates, error) {
	res, err := t.script.render(r, elements)
	return res.Damage, res.States, err
}

func (t *fakeTracker) Queued() { t.script.trackerQueued++ }

type fakeFactory struct {
	compositorErr error
	bufferedErr   error
	// scripts by output name, created on first use
	scripts     map[string]*frameScript
	compositors map[string]*fakeCompositor
	buffered    map[string]*fakeBuffered
	last        *frameScript
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		scripts:     make(map[string]*frameScript),
		compositors: make(map[string]*fakeCompositor),
		buffered:    make(map[string]*fakeBuffered),
	}
}

func scriptName(crtc kms.CrtcHandle) string {
	return fmt.Sprintf("crtc-%d", crtc)
}

func (f *fakeFactory) script(name string) *frameScript {
	s, ok := f.scripts[name]
	if !ok {
		s = &frameScript{format: format.ARGB8888}
		f.scripts[name] = s
	}
	return s
}

func (f *fakeFactory) NewBufferedSurface(surface kms.Surface, _ render.Allocator, formats []format.Fourcc, _ format.Set) (render.BufferedSurface, error) {
	if f.bufferedErr != nil {
		return nil, f.bufferedErr
	}
	name := scriptName(surface.Crtc())
	b := &fakeBuffered{frameScript: f.script(name), surface: surface, formats: formats}
	f.buffered[name] = b
	f.last = b.frameScript
	return b, nil
}

func (f *fakeFactory) NewDamageTracker(image.Point, float64) render.DamageTracker {
	return &fakeTracker{script: f.last}
}

func (f *fakeFactory) NewCompositor(output render.OutputInfo, surface kms.Surface, planes kms.Planes, _ render.Allocator,
	formats []format.Fourcc, _ format.Set, cursor image.Point) (render.PlaneCompositor, error) {
	if f.compositorErr != nil {
		return nil, f.compositorErr
	}
	c := &fakeCompositor{
		frameScript: f.script(scriptName(surface.Crtc())),
		output:      output,
		surface:     surface,
		planes:      planes,
		formats:     formats,
		cursor:      cursor,
	}
	f.compositors[scriptName(surface.Crtc())] = c
	return c, nil
}

// countingDisplay records how often each global was revoked
type countingDisplay struct {
	*protocol.Registry
	removals map[protocol.GlobalID]int
}

func (d *countingDisplay) RemoveGlobal(id protocol.GlobalID) {
	d.removals[id]++
	d.Registry.RemoveGlobal(id)
}

// Identity and time

type fakeEDID map[string]edid.Info

func (e fakeEDID) Read(node kms.Node, connector string) (edid.Info, error) {
	info, ok := e[fmt.Sprintf("%s/%s", node, connector)]
	if !ok {
		return edid.Info{}, edid.ErrNoEDID
	}
	return info, nil
}

type fakeClock struct{ now time.Duration }

func (c *fakeClock) Now() time.Duration { return c.now }

type fakeCursorSource struct {
	img   *CursorImage
	calls int
}

func (s *fakeCursorSource) Image(int, time.Duration) *CursorImage {
	s.calls++
	return s.img
}

// harness wires a backend to fakes. The primary GPU is renderD128, the render node
// of card0.
type harness struct {
	t        *testing.T
	b        *Backend
	loop     *fakeLoop
	session  *fakeSession
	gpus     *fakeGPUs
	factory  *fakeFactory
	registry *protocol.Registry
	display  *countingDisplay
	edid     fakeEDID
	clock    *fakeClock
	cursor   *fakeCursorSource
	devices  map[kms.Node]*fakeDevice
	allocs   map[kms.Node]*fakeAllocator
	renderOf map[kms.Node]kms.Node
	openErr  error
	allocErr error
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		loop:     newFakeLoop(),
		session:  &fakeSession{fail: make(map[string]error)},
		gpus:     newFakeGPUs(),
		factory:  newFakeFactory(),
		registry: protocol.NewRegistry(),
		edid:     fakeEDID{},
		clock:    &fakeClock{now: 5 * time.Second},
		cursor:   &fakeCursorSource{img: &CursorImage{Width: 8, Height: 8, Pixels: make([]byte, 8*8*4)}},
		devices:  make(map[kms.Node]*fakeDevice),
		allocs:   make(map[kms.Node]*fakeAllocator),
		renderOf: make(map[kms.Node]kms.Node),
	}

	h.display = &countingDisplay{Registry: h.registry, removals: make(map[protocol.GlobalID]int)}

	opts := Options{
		Session: h.session,
		Open: func(_ *os.File, node kms.Node) (kms.Device, error) {
			if h.openErr != nil {
				return nil, h.openErr
			}
			d, ok := h.devices[node]
			if !ok {
				return nil, fmt.Errorf("no device %s", node)
			}
			return d, nil
		},
		OpenAllocator: func(dev kms.Device) (render.Allocator, error) {
			if h.allocErr != nil {
				return nil, h.allocErr
			}
			a := &fakeAllocator{node: dev.Node()}
			h.allocs[dev.Node()] = a
			return a, nil
		},
		RenderNode: func(n kms.Node) (kms.Node, error) {
			if r, ok := h.renderOf[n]; ok {
				return r, nil
			}
			return kms.Node{Major: n.Major, Minor: n.Minor + 128}, nil
		},
		GPUs:         h.gpus,
		Factory:      h.factory,
		Display:      h.display,
		Loop:         h.loop,
		EDID:         h.edid,
		Clock:        h.clock,
		CursorImages: h.cursor,
		PrimaryGPU:   renderD(0),
		Quirks:       config.DefaultConfig.Quirks,
	}
	for _, m := range mutate {
		m(&opts)
	}

	b, err := New(opts)
	require.NoError(t, err)
	b.SetPointerLocation(-1, -1)
	h.b = b
	return h
}

func (h *harness) device(n uint32) *fakeDevice {
	d, ok := h.devices[card(n)]
	if !ok {
		d = newFakeDevice(card(n))
		h.devices[card(n)] = d
	}
	return d
}

func (h *harness) add(n uint32) {
	h.t.Helper()
	require.NoError(h.t, h.b.AddDevice(card(n), cardPath(n)))
}

func (h *harness) script(crtc kms.CrtcHandle) *frameScript {
	return h.factory.script(scriptName(crtc))
}

func (h *harness) compositor(crtc kms.CrtcHandle) *fakeCompositor {
	return h.factory.compositors[scriptName(crtc)]
}

func (h *harness) outputGlobals() []protocol.Global {
	return h.registry.Globals(protocol.InterfaceOutput)
}

func (h *harness) entry(n uint32, crtc kms.CrtcHandle) *surfaceEntry {
	return h.b.surface(card(n), crtc)
}

// complete delivers a page flip completion for a surface
func (h *harness) complete(n uint32, crtc kms.CrtcHandle, meta *kms.EventMetadata) {
	h.b.ProcessCompletionEvent(card(n), crtc, meta)
}
