package kms

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/NeowayLabs/drm"
	"github.com/NeowayLabs/drm/ioctl"
	"github.com/NeowayLabs/drm/mode"

	"github.com/bnema/kmsway/internal/format"
	"github.com/bnema/kmsway/internal/logger"
)

const (
	capCursorWidth  = 0x8
	capCursorHeight = 0x9

	defaultCursorSize = 64
	eventBuffer       = 32
)

type (
	sysCap struct {
		cap uint64
		val uint64
	}

	sysPlaneRes struct {
		planeIDPtr  uint64
		countPlanes uint32
		_           uint32
	}

	sysGetPlane struct {
		planeID          uint32
		crtcID           uint32
		fbID             uint32
		possibleCrtcs    uint32
		gammaSize        uint32
		countFormatTypes uint32
		formatTypePtr    uint64
	}
)

var (
	// DRM_IOWR(0xB5, struct drm_mode_get_plane_res)
	ioctlGetPlaneResources = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysPlaneRes{})), drm.IOCTLBase, 0xB5)

	// DRM_IOWR(0xB6, struct drm_mode_get_plane)
	ioctlGetPlane = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysGetPlane{})), drm.IOCTLBase, 0xB6)

	// Formats every legacy primary plane accepts through SetCrtc
	legacyPrimaryFormats = format.Linear(format.XRGB8888, format.ARGB8888)
)

// Card is a Device backed by the legacy KMS ioctls
type Card struct {
	file *os.File
	node Node

	events chan Event

	mu     sync.Mutex
	closed bool
}

// OpenCard wraps an opened device file. The descriptor stays owned by the caller's session.
func OpenCard(f *os.File, node Node) (Device, error) {
	if !drm.HasDumbBuffer(f) {
		return nil, fmt.Errorf("%s does not support dumb buffers", node.DevicePath())
	}
	if _, err := mode.GetResources(f); err != nil {
		return nil, fmt.Errorf("%s is not a mode-setting device: %w", node.DevicePath(), err)
	}
	return &Card{
		file:   f,
		node:   node,
		events: make(chan Event, eventBuffer),
	}, nil
}

func (c *Card) Node() Node { return c.node }

func (c *Card) File() *os.File { return c.file }

func (c *Card) Events() <-chan Event { return c.events }

func (c *Card) Driver() (Driver, error) {
	v, err := drm.GetVersion(c.file)
	if err != nil {
		return Driver{}, classify("get version", err)
	}
	return Driver{Name: v.Name, Description: v.Desc}, nil
}

func (c *Card) Resources() (Resources, error) {
	res, err := mode.GetResources(c.file)
	if err != nil {
		return Resources{}, classify("get resources", err)
	}
	out := Resources{}
	for _, id := range res.Crtcs {
		out.Crtcs = append(out.Crtcs, CrtcHandle(id))
	}
	for _, id := range res.Connectors {
		out.Connectors = append(out.Connectors, ConnectorHandle(id))
	}
	for _, id := range res.Encoders {
		out.Encoders = append(out.Encoders, EncoderHandle(id))
	}
	return out, nil
}

func (c *Card) Connector(h ConnectorHandle) (ConnectorInfo, error) {
	conn, err := mode.GetConnector(c.file, uint32(h))
	if err != nil {
		return ConnectorInfo{}, classify("get connector", err)
	}
	info := ConnectorInfo{
		Handle:         h,
		Interface:      Interface(conn.Type),
		InterfaceID:    conn.TypeID,
		State:          ConnectorState(conn.Connection),
		PhysicalWidth:  conn.Width,
		PhysicalHeight: conn.Height,
		CurrentEncoder: EncoderHandle(conn.EncoderID),
	}
	for _, m := range conn.Modes {
		info.Modes = append(info.Modes, ModeFromInfo(m))
	}
	for _, e := range conn.Encoders {
		info.Encoders = append(info.Encoders, EncoderHandle(e))
	}
	return info, nil
}

func (c *Card) Encoder(h EncoderHandle) (EncoderInfo, error) {
	enc, err := mode.GetEncoder(c.file, uint32(h))
	if err != nil {
		return EncoderInfo{}, classify("get encoder", err)
	}
	return EncoderInfo{
		Handle:        h,
		Crtc:          CrtcHandle(enc.CrtcID),
		PossibleCrtcs: enc.PossibleCrtcs,
	}, nil
}

// Planes lists the planes usable by a CRTC. Without the universal planes client
// capability the kernel only reports overlays, so the primary plane is the legacy
// CRTC scanout with its fixed formats.
func (c *Card) Planes(crtc CrtcHandle) (Planes, error) {
	res, err := c.Resources()
	if err != nil {
		return Planes{}, err
	}
	index := -1
	for i, h := range res.Crtcs {
		if h == crtc {
			index = i
			break
		}
	}
	if index < 0 {
		return Planes{}, fmt.Errorf("crtc %d not found", crtc)
	}

	planes := Planes{
		Primary: PlaneInfo{Type: PlanePrimary, Formats: legacyPrimaryFormats.Union(nil)},
	}

	ids, err := c.planeIDs()
	if err != nil {
		return Planes{}, err
	}
	for _, id := range ids {
		p, formats, err := c.plane(id)
		if err != nil {
			return Planes{}, err
		}
		if index >= 32 || p.possibleCrtcs&(1<<uint(index)) == 0 {
			continue
		}
		planes.Overlay = append(planes.Overlay, PlaneInfo{
			Handle:  PlaneHandle(id),
			Type:    PlaneOverlay,
			Formats: formats,
		})
	}
	return planes, nil
}

func (c *Card) planeIDs() ([]uint32, error) {
	res := &sysPlaneRes{}
	if err := ioctl.Do(c.file.Fd(), uintptr(ioctlGetPlaneResources), uintptr(unsafe.Pointer(res))); err != nil {
		return nil, classify("get plane resources", err)
	}
	if res.countPlanes == 0 {
		return nil, nil
	}
	ids := make([]uint32, res.countPlanes)
	res.planeIDPtr = uint64(uintptr(unsafe.Pointer(&ids[0])))
	if err := ioctl.Do(c.file.Fd(), uintptr(ioctlGetPlaneResources), uintptr(unsafe.Pointer(res))); err != nil {
		return nil, classify("get plane resources", err)
	}
	return ids[:res.countPlanes], nil
}

func (c *Card) plane(id uint32) (*sysGetPlane, format.Set, error) {
	p := &sysGetPlane{planeID: id}
	if err := ioctl.Do(c.file.Fd(), uintptr(ioctlGetPlane), uintptr(unsafe.Pointer(p))); err != nil {
		return nil, nil, classify("get plane", err)
	}
	codes := make([]uint32, p.countFormatTypes)
	if len(codes) > 0 {
		p.formatTypePtr = uint64(uintptr(unsafe.Pointer(&codes[0])))
		if err := ioctl.Do(c.file.Fd(), uintptr(ioctlGetPlane), uintptr(unsafe.Pointer(p))); err != nil {
			return nil, nil, classify("get plane", err)
		}
	}
	// Modifiers need the IN_FORMATS blob; the legacy query only guarantees linear
	set := make(format.Set, len(codes))
	if int(p.countFormatTypes) < len(codes) {
		codes = codes[:p.countFormatTypes]
	}
	for _, code := range codes {
		set.Add(format.Format{Code: format.Fourcc(code), Modifier: format.ModifierLinear})
	}
	return p, set, nil
}

func (c *Card) getCap(capability uint64) (uint64, bool) {
	v := &sysCap{cap: capability}
	if err := ioctl.Do(c.file.Fd(), uintptr(drm.IOCTLGetCap), uintptr(unsafe.Pointer(v))); err != nil {
		return 0, false
	}
	return v.val, true
}

func (c *Card) CursorSize() (uint32, uint32) {
	w, okw := c.getCap(capCursorWidth)
	h, okh := c.getCap(capCursorHeight)
	if !okw || !okh || w == 0 || h == 0 {
		return defaultCursorSize, defaultCursorSize
	}
	return uint32(w), uint32(h)
}

func (c *Card) CreateSurface(crtc CrtcHandle, m Mode, connectors []ConnectorHandle) (Surface, error) {
	if len(connectors) == 0 {
		return nil, fmt.Errorf("surface on crtc %d needs at least one connector", crtc)
	}
	planes, err := c.Planes(crtc)
	if err != nil {
		return nil, fmt.Errorf("failed to query planes: %w", err)
	}
	return &cardSurface{
		card:       c,
		crtc:       crtc,
		mode:       m,
		connectors: append([]ConnectorHandle(nil), connectors...),
		planes:     planes,
	}, nil
}

// Close stops event delivery; the descriptor is closed by the session
func (c *Card) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.events)
	return nil
}

func (c *Card) active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// emit queues an event without ever blocking the caller
func (c *Card) emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		logger.Warn("Dropping KMS event, queue full", "node", c.node, "crtc", ev.Crtc)
	}
}

type cardSurface struct {
	card       *Card
	crtc       CrtcHandle
	mode       Mode
	connectors []ConnectorHandle
	planes     Planes

	sequence atomic.Uint32
	pending  atomic.Bool
}

func (s *cardSurface) Crtc() CrtcHandle              { return s.crtc }
func (s *cardSurface) Mode() Mode                    { return s.mode }
func (s *cardSurface) Connectors() []ConnectorHandle { return s.connectors }
func (s *cardSurface) Planes() Planes                { return s.planes }
func (s *cardSurface) Device() Device                { return s.card }

// Commit sets the CRTC to the framebuffer. The legacy modeset call has no flip
// event, so the completion is delivered one refresh interval later without a
// hardware timestamp.
func (s *cardSurface) Commit(fb uint32) error {
	if !s.card.active() {
		return ErrDeviceInactive
	}
	if !s.pending.CompareAndSwap(false, true) {
		return fmt.Errorf("commit on crtc %d: %w", s.crtc, ErrFlipPending)
	}

	info := s.mode.Raw
	err := mode.SetCrtc(s.card.file, uint32(s.crtc), fb, 0, 0,
		(*uint32)(unsafe.Pointer(&s.connectors[0])), len(s.connectors), &info)
	if err != nil {
		s.pending.Store(false)
		return classify("set crtc", err)
	}

	time.AfterFunc(refreshInterval(s.mode.Refresh), func() {
		s.pending.Store(false)
		s.card.emit(Event{
			Kind: EventVBlank,
			Crtc: s.crtc,
			Meta: &EventMetadata{Sequence: s.sequence.Add(1)},
		})
	})
	return nil
}

func refreshInterval(mhz uint32) time.Duration {
	if mhz == 0 {
		mhz = 60_000
	}
	return time.Duration(1_000_000_000_000 / uint64(mhz))
}
