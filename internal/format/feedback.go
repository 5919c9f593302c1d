package format

// TrancheFlags are zwp_linux_dmabuf_feedback_v1 tranche flags
type TrancheFlags uint32

const (
	TrancheNone    TrancheFlags = 0
	TrancheScanout TrancheFlags = 1
)

// Tranche is one preference group of a dma-buf feedback
type Tranche struct {
	TargetDevice uint64 // dev_t
	Flags        TrancheFlags
	Formats      []Format
}

// Feedback is the format/modifier advice sent to clients for one surface
type Feedback struct {
	MainDevice uint64 // dev_t
	Formats    []Format
	Tranches   []Tranche
}

// FeedbackPair holds the render and scanout feedback computed for one output surface
type FeedbackPair struct {
	Render  *Feedback
	Scanout *Feedback
}

// FeedbackInput gathers everything the negotiation depends on
type FeedbackInput struct {
	MainDevice    uint64 // primary GPU
	MainFormats   Set    // texture formats of the primary GPU
	RenderDevice  uint64 // GPU rendering this surface
	RenderFormats Set    // render formats of the render GPU
	ScanoutDevice uint64 // display device owning the surface
	PlaneFormats  Set    // primary plane formats united with overlay plane formats
}

// DefaultFeedback is the feedback advertised by the dma-buf global: the main device's
// formats and a single tranche targeting it
func DefaultFeedback(device uint64, formats Set) *Feedback {
	sorted := formats.Sorted()
	return &Feedback{
		MainDevice: device,
		Formats:    sorted,
		Tranches: []Tranche{
			{TargetDevice: device, Flags: TrancheNone, Formats: sorted},
		},
	}
}

// BuildFeedback computes the two-tier dma-buf feedback for one surface.
//
// The render feedback prefers the render GPU's formats. The scanout feedback puts
// the formats the display planes can scan out directly first, and the render GPU's
// formats second. Every format list is sorted so the result is deterministic.
func BuildFeedback(in FeedbackInput) FeedbackPair {
	all := in.MainFormats.Union(in.RenderFormats)
	scanout := in.PlaneFormats.Intersect(all)

	base := in.MainFormats.Sorted()
	renderTranche := Tranche{
		TargetDevice: in.RenderDevice,
		Flags:        TrancheNone,
		Formats:      in.RenderFormats.Sorted(),
	}

	return FeedbackPair{
		Render: &Feedback{
			MainDevice: in.MainDevice,
			Formats:    base,
			Tranches:   []Tranche{renderTranche},
		},
		Scanout: &Feedback{
			MainDevice: in.MainDevice,
			Formats:    base,
			Tranches: []Tranche{
				{TargetDevice: in.ScanoutDevice, Flags: TrancheScanout, Formats: scanout.Sorted()},
				renderTranche,
			},
		},
	}
}
