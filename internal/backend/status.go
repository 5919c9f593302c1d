package backend

import (
	"image"

	"github.com/bnema/kmsway/internal/format"
	"github.com/bnema/kmsway/internal/kms"
	"github.com/bnema/kmsway/internal/protocol"
)

// SurfaceStatus describes one driven output
type SurfaceStatus struct {
	Crtc        kms.CrtcHandle
	Output      string
	Make        string
	Model       string
	Mode        string
	Position    image.Point
	Composition CompositionKind
	Format      format.Fourcc
	RenderNode  kms.Node
	State       RepaintState
	TimerArmed  bool
	Global      protocol.GlobalID
	HasGlobal   bool

	// Tranche counts of the negotiated feedback, zero when there is none
	RenderTranches  int
	ScanoutTranches int
	ScanoutFormats  int
}

// DeviceStatus describes one opened GPU
type DeviceStatus struct {
	Node       kms.Node
	Path       string
	RenderNode kms.Node
	Primary    bool
	Driver     string
	Surfaces   []SurfaceStatus
}

// Status is a snapshot of the whole backend
type Status struct {
	PrimaryGPU   kms.Node
	DmabufGlobal bool
	Devices      []DeviceStatus
}

// Status takes a snapshot of every device and surface
func (b *Backend) Status() Status {
	st := Status{
		PrimaryGPU:   b.opts.PrimaryGPU,
		DmabufGlobal: b.hasDmabufGlobal,
	}
	for _, node := range b.order {
		dev := b.devices[node]
		ds := DeviceStatus{
			Node:       node,
			Path:       dev.path,
			RenderNode: dev.renderNode,
			Primary:    dev.renderNode == b.opts.PrimaryGPU,
		}
		if drv, err := dev.dev.Driver(); err == nil {
			ds.Driver = drv.Name
		}
		for _, crtc := range dev.crtcs() {
			ds.Surfaces = append(ds.Surfaces, dev.surfaces[crtc].status())
		}
		st.Devices = append(st.Devices, ds)
	}
	return st
}

// SurfaceStatus returns the status of the surface driven by crtc
func (b *Backend) SurfaceStatus(node kms.Node, crtc kms.CrtcHandle) (SurfaceStatus, bool) {
	s := b.surface(node, crtc)
	if s == nil {
		return SurfaceStatus{}, false
	}
	return s.status(), true
}

func (s *surfaceEntry) status() SurfaceStatus {
	phys := s.output.Physical()
	st := SurfaceStatus{
		Crtc:        s.crtc,
		Output:      s.output.Name(),
		Make:        phys.Make,
		Model:       phys.Model,
		Position:    s.output.Position(),
		Composition: s.composition.Kind(),
		Format:      s.composition.Format(),
		RenderNode:  s.renderNode,
		State:       s.state,
		TimerArmed:  s.timerArmed,
		Global:      s.global,
		HasGlobal:   s.hasGlobal,
	}
	if m, ok := s.output.CurrentMode(); ok {
		st.Mode = m.String()
	}
	if s.feedback != nil {
		st.RenderTranches = len(s.feedback.Render.Tranches)
		st.ScanoutTranches = len(s.feedback.Scanout.Tranches)
		if st.ScanoutTranches > 0 {
			st.ScanoutFormats = len(s.feedback.Scanout.Tranches[0].Formats)
		}
	}
	return st
}
