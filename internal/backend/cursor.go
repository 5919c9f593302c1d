package backend

import (
	"fmt"
	"image"
	"math"
	"sync"
	"time"

	"github.com/bnema/kmsway/internal/display"
	"github.com/bnema/kmsway/internal/format"
	"github.com/bnema/kmsway/internal/kms"
	"github.com/bnema/kmsway/internal/render"
)

// CursorImage is one frame of a cursor theme, ABGR8888 pixels
type CursorImage struct {
	Width   int
	Height  int
	Hotspot image.Point
	Pixels  []byte
}

// CursorSource returns the cursor frame to show at a scale and time. Frames must be
// returned as the same pointer for as long as they are valid, the texture cache is
// keyed on it.
type CursorSource interface {
	Image(scale int, now time.Duration) *CursorImage
}

// CursorKind is what the pointer currently shows
type CursorKind int

const (
	CursorDefault CursorKind = iota
	CursorHidden
	// CursorSurface is a client provided cursor surface
	CursorSurface
)

// CursorSurfaceElement is a client cursor surface
type CursorSurfaceElement interface {
	Alive() bool
	Hotspot() image.Point
	RenderElements(r render.Renderer, location image.Point, scale float64) []render.Element
}

// CursorStatus is shared between input handling and the repaint loop
type CursorStatus struct {
	mu      sync.Mutex
	kind    CursorKind
	surface CursorSurfaceElement
}

func NewCursorStatus() *CursorStatus {
	return &CursorStatus{}
}

// Set changes the cursor. The surface is only kept for CursorSurface.
func (c *CursorStatus) Set(kind CursorKind, surface CursorSurfaceElement) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kind = kind
	c.surface = nil
	if kind == CursorSurface {
		c.surface = surface
	}
}

func (c *CursorStatus) Get() (CursorKind, CursorSurfaceElement) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kind, c.surface
}

// resetDead falls back to the default cursor when the client surface is gone
func (c *CursorStatus) resetDead() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.kind == CursorSurface && (c.surface == nil || !c.surface.Alive()) {
		c.kind = CursorDefault
		c.surface = nil
	}
}

type cursorKey struct {
	node  kms.Node
	image *CursorImage
}

// cursorCache holds the uploaded textures of cursor frames. Entries are never evicted.
type cursorCache struct {
	textures map[cursorKey]render.Texture
	id       render.ElementID
	current  render.Texture
	commit   uint64
}

func newCursorCache() *cursorCache {
	return &cursorCache{
		textures: make(map[cursorKey]render.Texture),
		id:       render.NewElementID(),
	}
}

func (c *cursorCache) texture(r render.Renderer, img *CursorImage) (render.Texture, error) {
	key := cursorKey{node: r.Node(), image: img}
	if tex, ok := c.textures[key]; ok {
		return tex, nil
	}
	tex, err := r.ImportMemory(img.Pixels, format.ABGR8888, img.Width, img.Height)
	if err != nil {
		return nil, fmt.Errorf("failed to import cursor bitmap: %w", err)
	}
	c.textures[key] = tex
	return tex, nil
}

// element returns the pointer element; its commit changes whenever the texture does
func (c *cursorCache) element(tex render.Texture, location image.Point) render.Element {
	if tex != c.current {
		c.current = tex
		c.commit++
	}
	return render.NewTextureElement(c.id, tex, location, c.commit)
}

func (c *cursorCache) len() int {
	return len(c.textures)
}

// cursorElements draws the pointer when it is on the output
func (b *Backend) cursorElements(r render.Renderer, output *display.Output) []render.Element {
	if !output.Contains(b.pointerX, b.pointerY) {
		return nil
	}

	b.opts.Cursor.resetDead()
	kind, surface := b.opts.Cursor.Get()
	if kind == CursorHidden {
		return nil
	}

	geo := output.Geometry()
	scale := output.Scale()
	location := func(hotspot image.Point) image.Point {
		x := (b.pointerX - float64(geo.Min.X) - float64(hotspot.X)) * scale
		y := (b.pointerY - float64(geo.Min.Y) - float64(hotspot.Y)) * scale
		return image.Pt(int(math.Round(x)), int(math.Round(y)))
	}

	if kind == CursorSurface {
		return surface.RenderElements(r, location(surface.Hotspot()), scale)
	}

	img := b.opts.CursorImages.Image(int(math.Ceil(scale)), b.opts.Clock.Now())
	if img == nil {
		return nil
	}
	tex, err := b.cursor.texture(r, img)
	if err != nil {
		b.log.Warn("Cursor not drawn", "err", err)
		return nil
	}
	return []render.Element{b.cursor.element(tex, location(img.Hotspot))}
}

type staticCursor struct {
	img *CursorImage
}

func (s staticCursor) Image(int, time.Duration) *CursorImage {
	return s.img
}

// DefaultCursor is a plain arrow used when no cursor theme is available
func DefaultCursor() CursorSource {
	const size = 24
	pix := make([]byte, size*size*4)
	for y := 0; y < size; y++ {
		for x := 0; x <= y/2+y/4 && x < size; x++ {
			i := (y*size + x) * 4
			v := byte(0xff)
			if x == 0 || x == y/2+y/4 || y == size-1 {
				v = 0x00
			}
			pix[i], pix[i+1], pix[i+2], pix[i+3] = v, v, v, 0xff
		}
	}
	return staticCursor{img: &CursorImage{Width: size, Height: size, Pixels: pix}}
}
