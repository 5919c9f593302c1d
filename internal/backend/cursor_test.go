package backend

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/kmsway/internal/kms"
	"github.com/bnema/kmsway/internal/render"
)

type fakeCursorSurface struct {
	alive    bool
	hotspot  image.Point
	location image.Point
	calls    int
}

func (s *fakeCursorSurface) Alive() bool          { return s.alive }
func (s *fakeCursorSurface) Hotspot() image.Point { return s.hotspot }
func (s *fakeCursorSurface) RenderElements(_ render.Renderer, location image.Point, _ float64) []render.Element {
	s.calls++
	s.location = location
	return nil
}

// cursorHarness drives two side by side outputs, the pointer sitting on the second
func cursorHarness(t *testing.T) *harness {
	h := newHarness(t)
	d := h.device(0)
	d.connect(1, kms.InterfaceDisplayPort, mode(1920, 1080, 60_000, true))
	d.connect(2, kms.InterfaceDisplayPort, mode(1280, 1024, 60_000, true))
	h.add(0)
	h.cursor.img.Hotspot = image.Pt(2, 3)
	h.b.SetPointerLocation(2020.4, 50.6)
	return h
}

// frame renders crtc once and returns the elements it was given
func (h *harness) frame(crtc kms.CrtcHandle) []render.Element {
	h.t.Helper()
	h.complete(0, crtc, nil)
	h.loop.fireAll()
	renders := h.script(crtc).renders
	require.NotEmpty(h.t, renders)
	return renders[len(renders)-1]
}

func TestCursorDrawnOnlyOnPointerOutput(t *testing.T) {
	h := cursorHarness(t)

	assert.Empty(t, h.frame(40))

	elements := h.frame(41)
	require.Len(t, elements, 1)
	// (2020.4 - 1920 - 2, 50.6 - 0 - 3) rounded
	assert.Equal(t, image.Pt(98, 48), elements[0].Geometry().Min)
	assert.Equal(t, image.Pt(8, 8), elements[0].Geometry().Size())
}

func TestCursorTextureCached(t *testing.T) {
	h := cursorHarness(t)
	first := h.frame(41)
	second := h.frame(41)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, 1, h.gpus.renderers[renderD(0)].imports, "bitmap uploaded once")
	assert.Equal(t, 1, h.b.cursor.len())
	assert.Equal(t, first[0].ID(), second[0].ID())
	assert.Equal(t, first[0].Commit(), second[0].Commit())

	// A new frame of the cursor animation is a new texture and a new commit
	h.cursor.img = &CursorImage{Width: 8, Height: 8, Pixels: make([]byte, 8*8*4)}
	third := h.frame(41)
	require.Len(t, third, 1)
	assert.Equal(t, 2, h.b.cursor.len())
	assert.NotEqual(t, first[0].Commit(), third[0].Commit())
}

func TestHiddenCursor(t *testing.T) {
	h := cursorHarness(t)
	h.b.Cursor().Set(CursorHidden, nil)
	assert.Empty(t, h.frame(41))
	assert.Zero(t, h.cursor.calls)
}

func TestSurfaceCursor(t *testing.T) {
	h := cursorHarness(t)
	surf := &fakeCursorSurface{alive: true, hotspot: image.Pt(4, 4)}
	h.b.Cursor().Set(CursorSurface, surf)

	h.frame(41)
	assert.Equal(t, 1, surf.calls)
	assert.Equal(t, image.Pt(96, 47), surf.location)
	assert.Zero(t, h.cursor.calls, "theme cursor not used")

	// A dead client surface falls back to the default cursor
	surf.alive = false
	elements := h.frame(41)
	assert.Equal(t, 1, surf.calls)
	kind, _ := h.b.Cursor().Get()
	assert.Equal(t, CursorDefault, kind)
	assert.Len(t, elements, 1)
}

func TestCursorStatusSetDropsSurface(t *testing.T) {
	c := NewCursorStatus()
	c.Set(CursorDefault, &fakeCursorSurface{alive: true})
	kind, surf := c.Get()
	assert.Equal(t, CursorDefault, kind)
	assert.Nil(t, surf)
}

func TestDefaultCursor(t *testing.T) {
	src := DefaultCursor()
	img := src.Image(1, 0)
	require.NotNil(t, img)
	assert.Equal(t, 24, img.Width)
	assert.Len(t, img.Pixels, 24*24*4)
	assert.Same(t, img, src.Image(2, 0), "same frame for every scale")
}
