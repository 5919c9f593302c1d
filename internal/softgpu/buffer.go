package softgpu

import (
	"errors"
	"fmt"
	"image"
	"os"
	"sync"

	"github.com/NeowayLabs/drm"
	"github.com/NeowayLabs/drm/mode"
	"golang.org/x/sys/unix"

	"github.com/bnema/kmsway/internal/format"
	"github.com/bnema/kmsway/internal/kms"
	"github.com/bnema/kmsway/internal/render"
)

const bitsPerPixel = 32

// Framebuffer is a CPU mapped scanout buffer. Rendering happens in the RGBA shadow
// image, damaged regions are swizzled into the mapped memory before scanout.
type Framebuffer struct {
	ID     uint32 // KMS framebuffer id
	Handle uint32 // dumb buffer handle
	Code   format.Fourcc
	Stride int

	shadow *image.RGBA
	pixels []byte
}

func newFramebuffer(id, handle uint32, code format.Fourcc, width, height, stride int, pixels []byte) *Framebuffer {
	return &Framebuffer{
		ID:     id,
		Handle: handle,
		Code:   code,
		Stride: stride,
		shadow: image.NewRGBA(image.Rect(0, 0, width, height)),
		pixels: pixels,
	}
}

func (f *Framebuffer) Size() image.Point { return f.shadow.Rect.Size() }

// Image is the render target
func (f *Framebuffer) Image() *image.RGBA { return f.shadow }

// flush copies the damaged regions to the mapped memory as little-endian XRGB/ARGB
func (f *Framebuffer) flush(damage []image.Rectangle) {
	bounds := f.shadow.Rect
	opaque := f.Code == format.XRGB8888
	for _, r := range damage {
		r = r.Intersect(bounds)
		for y := r.Min.Y; y < r.Max.Y; y++ {
			src := f.shadow.Pix[f.shadow.PixOffset(r.Min.X, y):]
			dst := f.pixels[y*f.Stride+r.Min.X*4:]
			for x := 0; x < r.Dx(); x++ {
				i := x * 4
				dst[i+0] = src[i+2]
				dst[i+1] = src[i+1]
				dst[i+2] = src[i+0]
				if opaque {
					dst[i+3] = 0xff
				} else {
					dst[i+3] = src[i+3]
				}
			}
		}
	}
}

// dumbOps creates and destroys mapped dumb buffers on one device
type dumbOps interface {
	create(width, height int, code format.Fourcc) (*Framebuffer, error)
	destroy(fb *Framebuffer) error
}

type drmDumb struct {
	file *os.File
}

func depthOf(code format.Fourcc) (uint8, error) {
	switch code {
	case format.XRGB8888:
		return 24, nil
	case format.ARGB8888:
		return 32, nil
	}
	return 0, fmt.Errorf("format %s cannot be scanned out from a dumb buffer", code)
}

func (d drmDumb) create(width, height int, code format.Fourcc) (*Framebuffer, error) {
	depth, err := depthOf(code)
	if err != nil {
		return nil, err
	}

	bo, err := mode.CreateFB(d.file, uint16(width), uint16(height), bitsPerPixel)
	if err != nil {
		return nil, fmt.Errorf("create dumb buffer: %w", err)
	}

	id, err := mode.AddFB(d.file, uint16(width), uint16(height), depth, bitsPerPixel, bo.Pitch, bo.Handle)
	if err != nil {
		_ = mode.DestroyDumb(d.file, bo.Handle)
		return nil, fmt.Errorf("add framebuffer: %w", err)
	}

	offset, err := mode.MapDumb(d.file, bo.Handle)
	if err != nil {
		_ = mode.RmFB(d.file, id)
		_ = mode.DestroyDumb(d.file, bo.Handle)
		return nil, fmt.Errorf("map dumb buffer: %w", err)
	}

	pixels, err := unix.Mmap(int(d.file.Fd()), int64(offset), int(bo.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = mode.RmFB(d.file, id)
		_ = mode.DestroyDumb(d.file, bo.Handle)
		return nil, fmt.Errorf("mmap dumb buffer: %w", err)
	}

	return newFramebuffer(id, bo.Handle, code, width, height, int(bo.Pitch), pixels), nil
}

func (d drmDumb) destroy(fb *Framebuffer) error {
	return errors.Join(
		unix.Munmap(fb.pixels),
		mode.RmFB(d.file, fb.ID),
		mode.DestroyDumb(d.file, fb.Handle),
	)
}

// Allocator hands out dumb buffers of one device and frees whatever is left on Close
type Allocator struct {
	node kms.Node
	ops  dumbOps

	mu      sync.Mutex
	buffers map[*Framebuffer]struct{}
	closed  bool
}

// NewAllocator creates the allocator of a mode-setting device
func NewAllocator(dev kms.Device) (render.Allocator, error) {
	f := dev.File()
	if f == nil {
		return nil, fmt.Errorf("device %s has no file", dev.Node())
	}
	if !drm.HasDumbBuffer(f) {
		return nil, fmt.Errorf("device %s does not support dumb buffers", dev.Node())
	}
	return newAllocator(dev.Node(), drmDumb{file: f}), nil
}

func newAllocator(node kms.Node, ops dumbOps) *Allocator {
	return &Allocator{node: node, ops: ops, buffers: make(map[*Framebuffer]struct{})}
}

func (a *Allocator) Node() kms.Node { return a.node }

// Allocate creates a mapped scanout buffer
func (a *Allocator) Allocate(width, height int, code format.Fourcc) (*Framebuffer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, fmt.Errorf("allocator of %s is closed", a.node)
	}
	fb, err := a.ops.create(width, height, code)
	if err != nil {
		return nil, err
	}
	a.buffers[fb] = struct{}{}
	return fb, nil
}

// Free releases one buffer
func (a *Allocator) Free(fb *Framebuffer) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.buffers[fb]; !ok {
		return nil
	}
	delete(a.buffers, fb)
	return a.ops.destroy(fb)
}

// Close frees every buffer still allocated
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	var errs []error
	for fb := range a.buffers {
		errs = append(errs, a.ops.destroy(fb))
	}
	a.buffers = nil
	return errors.Join(errs...)
}

// Outstanding returns the number of buffers not freed yet
func (a *Allocator) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}
