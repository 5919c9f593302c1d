// Package softgpu renders outputs on the CPU into KMS dumb buffers. It drives any
// mode-setting device without a GPU driver and backs the headless test setups.
package softgpu

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"

	"golang.org/x/image/draw"

	"github.com/bnema/kmsway/internal/format"
	"github.com/bnema/kmsway/internal/kms"
	"github.com/bnema/kmsway/internal/logger"
	"github.com/bnema/kmsway/internal/protocol"
	"github.com/bnema/kmsway/internal/render"
)

var (
	// TextureFormats can be imported from client memory
	TextureFormats = format.Linear(format.ABGR8888, format.XBGR8888, format.ARGB8888, format.XRGB8888)
	// RenderFormats can be rendered into and scanned out
	RenderFormats = format.Linear(format.XRGB8888, format.ARGB8888)

	ErrForeignTexture = errors.New("texture was not imported by this renderer")
)

// Texture is client pixel data converted to RGBA
type Texture struct {
	code format.Fourcc
	img  *image.RGBA
}

func (t *Texture) Width() int            { return t.img.Rect.Dx() }
func (t *Texture) Height() int           { return t.img.Rect.Dy() }
func (t *Texture) Format() format.Fourcc { return t.code }

// Renderer composites texture elements on the CPU
type Renderer struct {
	node kms.Node
}

func NewRenderer(node kms.Node) *Renderer {
	return &Renderer{node: node}
}

func (r *Renderer) Node() kms.Node                   { return r.node }
func (r *Renderer) DmabufTextureFormats() format.Set { return TextureFormats.Union(nil) }
func (r *Renderer) DmabufRenderFormats() format.Set  { return RenderFormats.Union(nil) }

// ImportMemory converts packed 32 bit pixels, tightly strided, into a texture
func (r *Renderer) ImportMemory(pixels []byte, code format.Fourcc, width, height int) (render.Texture, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid texture size %dx%d", width, height)
	}
	if len(pixels) < width*height*4 {
		return nil, fmt.Errorf("texture %dx%d needs %d bytes, got %d", width, height, width*height*4, len(pixels))
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	src := pixels[:width*height*4]
	switch code {
	case format.ABGR8888:
		copy(img.Pix, src)
	case format.XBGR8888:
		copy(img.Pix, src)
		for i := 3; i < len(img.Pix); i += 4 {
			img.Pix[i] = 0xff
		}
	case format.ARGB8888, format.XRGB8888:
		for i := 0; i < len(src); i += 4 {
			img.Pix[i+0] = src[i+2]
			img.Pix[i+1] = src[i+1]
			img.Pix[i+2] = src[i+0]
			img.Pix[i+3] = src[i+3]
			if code == format.XRGB8888 {
				img.Pix[i+3] = 0xff
			}
		}
	default:
		return nil, fmt.Errorf("unsupported texture format %s", code)
	}
	return &Texture{code: code, img: img}, nil
}

// Render clears the damage and draws the elements, given topmost first, into it
func (r *Renderer) Render(target render.Buffer, damage []image.Rectangle, elements []render.Element, clear render.Color) error {
	fb, ok := target.(*Framebuffer)
	if !ok {
		return fmt.Errorf("render target %T is not a dumb framebuffer", target)
	}
	dst := fb.Image()
	background := image.NewUniform(toRGBA(clear))

	for _, d := range damage {
		d = d.Intersect(dst.Rect)
		if d.Empty() {
			continue
		}
		draw.Draw(dst, d, background, image.Point{}, draw.Src)

		for i := len(elements) - 1; i >= 0; i-- {
			e := elements[i]
			tex, ok := e.Texture().(*Texture)
			if !ok {
				return fmt.Errorf("element %d: %w", e.ID(), ErrForeignTexture)
			}
			geo := e.Geometry()
			clip := geo.Intersect(d)
			if clip.Empty() {
				continue
			}
			if geo.Size() == tex.img.Rect.Size() {
				draw.Draw(dst, clip, tex.img, clip.Min.Sub(geo.Min), draw.Over)
				continue
			}
			// Scaled elements are resampled into the damaged part only
			sub := dst.SubImage(d).(*image.RGBA)
			draw.ApproxBiLinear.Scale(sub, geo, tex.img, tex.img.Rect, draw.Over, nil)
		}
	}
	return nil
}

// toRGBA premultiplies a float color
func toRGBA(c render.Color) color.RGBA {
	clamp := func(v float32) uint8 {
		switch {
		case v <= 0:
			return 0
		case v >= 1:
			return 0xff
		}
		return uint8(v*0xff + 0.5)
	}
	a := c[3]
	return color.RGBA{R: clamp(c[0] * a), G: clamp(c[1] * a), B: clamp(c[2] * a), A: clamp(a)}
}

// Manager keeps one renderer per render node
type Manager struct {
	mu        sync.Mutex
	renderers map[kms.Node]*Renderer
}

func NewManager() *Manager {
	return &Manager{renderers: make(map[kms.Node]*Renderer)}
}

func (m *Manager) AddNode(node kms.Node, _ kms.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.renderers[node]; ok {
		return nil
	}
	m.renderers[node] = NewRenderer(node)
	logger.Debug("Software renderer added", "node", node)
	return nil
}

func (m *Manager) RemoveNode(node kms.Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.renderers, node)
}

func (m *Manager) SingleRenderer(node kms.Node) (render.Renderer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.renderers[node]
	if !ok {
		return nil, fmt.Errorf("no renderer for %s", node)
	}
	return r, nil
}

// Renderer returns the renderer of the render node. CPU buffers are visible to
// every device, so the copy to the primary GPU happens at scanout.
func (m *Manager) Renderer(primary, rn kms.Node, alloc render.Allocator, code format.Fourcc) (render.Renderer, error) {
	if alloc == nil {
		return nil, render.ErrNoAllocator
	}
	if !RenderFormats.HasCode(code) {
		return nil, fmt.Errorf("cannot copy %s to %s", code, primary)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.renderers[primary]; !ok {
		return nil, fmt.Errorf("no renderer for primary %s", primary)
	}
	r, ok := m.renderers[rn]
	if !ok {
		return nil, fmt.Errorf("no renderer for %s", rn)
	}
	return r, nil
}

// EarlyImport has nothing to prepare: memory buffers are read at render time
func (m *Manager) EarlyImport(source, target kms.Node, surface protocol.SurfaceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range []kms.Node{source, target} {
		if _, ok := m.renderers[n]; !ok {
			return fmt.Errorf("early import of surface %d: no renderer for %s", surface, n)
		}
	}
	return nil
}
