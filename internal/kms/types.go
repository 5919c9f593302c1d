package kms

import (
	"bytes"
	"fmt"

	"github.com/NeowayLabs/drm/mode"

	"github.com/bnema/kmsway/internal/format"
)

type (
	CrtcHandle      uint32
	ConnectorHandle uint32
	EncoderHandle   uint32
	PlaneHandle     uint32
)

// ConnectorState mirrors the kernel connection status
type ConnectorState uint8

const (
	StateConnected    ConnectorState = mode.Connected
	StateDisconnected ConnectorState = mode.Disconnected
	StateUnknown      ConnectorState = mode.UnknownConnection
)

func (s ConnectorState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Interface is the DRM_MODE_CONNECTOR_* type of a connector
type Interface uint32

var interfaceNames = map[Interface]string{
	0:  "Unknown",
	1:  "VGA",
	2:  "DVI-I",
	3:  "DVI-D",
	4:  "DVI-A",
	5:  "Composite",
	6:  "SVIDEO",
	7:  "LVDS",
	8:  "Component",
	9:  "DIN",
	10: "DP",
	11: "HDMI-A",
	12: "HDMI-B",
	13: "TV",
	14: "eDP",
	15: "Virtual",
	16: "DSI",
	17: "DPI",
	18: "Writeback",
	19: "SPI",
	20: "USB",
}

const (
	InterfaceDisplayPort Interface = 10
	InterfaceHDMIA       Interface = 11
	InterfaceEmbeddedDP  Interface = 14
)

func (i Interface) String() string {
	if name, ok := interfaceNames[i]; ok {
		return name
	}
	return "Unknown"
}

// modeTypePreferred is DRM_MODE_TYPE_PREFERRED
const modeTypePreferred = 1 << 3

// Mode is a display timing
type Mode struct {
	Width     uint16
	Height    uint16
	Refresh   uint32 // mHz
	Preferred bool
	Name      string

	Raw mode.Info
}

// ModeFromInfo converts a kernel mode
func ModeFromInfo(info mode.Info) Mode {
	return Mode{
		Width:     info.Hdisplay,
		Height:    info.Vdisplay,
		Refresh:   refreshMHz(info),
		Preferred: info.Type&modeTypePreferred != 0,
		Name:      string(bytes.TrimRight(info.Name[:], "\x00")),
		Raw:       info,
	}
}

// refreshMHz derives the refresh rate from the pixel clock when the timings allow it
func refreshMHz(info mode.Info) uint32 {
	if info.Htotal == 0 || info.Vtotal == 0 {
		return info.Vrefresh * 1000
	}
	htotal := uint64(info.Htotal)
	vtotal := uint64(info.Vtotal)
	mhz := (uint64(info.Clock)*1_000_000/htotal + vtotal/2) / vtotal
	return uint32(mhz)
}

func (m Mode) String() string {
	return fmt.Sprintf("%dx%d@%d.%03d", m.Width, m.Height, m.Refresh/1000, m.Refresh%1000)
}

// ConnectorInfo is a snapshot of one connector
type ConnectorInfo struct {
	Handle         ConnectorHandle
	Interface      Interface
	InterfaceID    uint32
	State          ConnectorState
	Modes          []Mode
	PhysicalWidth  uint32 // mm
	PhysicalHeight uint32 // mm
	Encoders       []EncoderHandle
	CurrentEncoder EncoderHandle // 0 when none
}

// Name returns the connector name as the kernel prints it, e.g. HDMI-A-1
func (c ConnectorInfo) Name() string {
	return fmt.Sprintf("%s-%d", c.Interface, c.InterfaceID)
}

type EncoderInfo struct {
	Handle        EncoderHandle
	Crtc          CrtcHandle // 0 when unbound
	PossibleCrtcs uint32     // bitmask over the resource CRTC list
}

// Resources lists the mode-setting objects of a device
type Resources struct {
	Crtcs      []CrtcHandle
	Connectors []ConnectorHandle
	Encoders   []EncoderHandle
}

// FilterCrtcs returns the CRTCs selected by a possible_crtcs bitmask
func (r Resources) FilterCrtcs(mask uint32) []CrtcHandle {
	var out []CrtcHandle
	for i, crtc := range r.Crtcs {
		if i < 32 && mask&(1<<uint(i)) != 0 {
			out = append(out, crtc)
		}
	}
	return out
}

type PlaneType int

const (
	PlanePrimary PlaneType = iota
	PlaneOverlay
	PlaneCursor
)

func (t PlaneType) String() string {
	switch t {
	case PlaneOverlay:
		return "overlay"
	case PlaneCursor:
		return "cursor"
	default:
		return "primary"
	}
}

// PlaneInfo is a hardware plane usable by one CRTC
type PlaneInfo struct {
	Handle  PlaneHandle
	Type    PlaneType
	Formats format.Set
}

// Planes groups the planes of a CRTC by type
type Planes struct {
	Primary PlaneInfo
	Cursor  *PlaneInfo
	Overlay []PlaneInfo
}

// WithoutOverlays returns a copy with the overlay planes removed
func (p Planes) WithoutOverlays() Planes {
	return Planes{Primary: p.Primary, Cursor: p.Cursor}
}

// ScanoutFormats is the union of the primary and overlay plane formats
func (p Planes) ScanoutFormats() format.Set {
	out := p.Primary.Formats.Union(nil)
	for _, o := range p.Overlay {
		out = out.Union(o.Formats)
	}
	return out
}

// Driver identifies the kernel driver behind a device
type Driver struct {
	Name        string
	Description string
}
