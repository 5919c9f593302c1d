package display

import (
	"image"
	"time"

	"github.com/bnema/kmsway/internal/format"
	"github.com/bnema/kmsway/internal/protocol"
	"github.com/bnema/kmsway/internal/render"
)

// Element is a window or layer surface tree owned by the shell
type Element interface {
	// Geometry is the element's rectangle in global coordinates
	Geometry() image.Rectangle
	// RenderElements returns the elements to draw, relative to the output origin
	RenderElements(r render.Renderer, origin image.Point, scale float64) []render.Element
	// RenderIDs lists the render element ids of every surface in the tree
	RenderIDs() []render.ElementID
	UpdateScanoutOutput(o *Output, states render.ElementStates)
	SendFrame(o *Output, now time.Duration, throttle time.Duration)
	SendDmabufFeedback(o *Output, feedback *format.Feedback)
	TakePresentationFeedback(o *Output, feedback *protocol.OutputFeedback, states render.ElementStates)
}

// Space maps outputs and elements into one global coordinate space
type Space struct {
	outputs  []*Output
	elements []Element
	layers   map[OutputID][]Element
}

func NewSpace() *Space {
	return &Space{layers: make(map[OutputID][]Element)}
}

// MapOutput places an output, remapping it when it is already mapped
func (s *Space) MapOutput(o *Output, position image.Point) {
	o.ChangeCurrentState(nil, &position)
	for _, existing := range s.outputs {
		if existing == o {
			return
		}
	}
	s.outputs = append(s.outputs, o)
}

// UnmapOutput removes the output with the given id and returns it, nil when none is mapped
func (s *Space) UnmapOutput(id OutputID) *Output {
	for i, o := range s.outputs {
		if o.ID() == id {
			s.outputs = append(s.outputs[:i], s.outputs[i+1:]...)
			delete(s.layers, id)
			return o
		}
	}
	return nil
}

func (s *Space) FindOutput(id OutputID) *Output {
	for _, o := range s.outputs {
		if o.ID() == id {
			return o
		}
	}
	return nil
}

// Outputs returns the mapped outputs in mapping order
func (s *Space) Outputs() []*Output {
	return append([]*Output(nil), s.outputs...)
}

// OutputGeometry returns the geometry of a mapped output
func (s *Space) OutputGeometry(o *Output) (image.Rectangle, bool) {
	for _, existing := range s.outputs {
		if existing == o {
			return o.Geometry(), true
		}
	}
	return image.Rectangle{}, false
}

// NextPosition is where a new output goes: right of every mapped output
func (s *Space) NextPosition() image.Point {
	x := 0
	for _, o := range s.outputs {
		x += o.Geometry().Dx()
	}
	return image.Pt(x, 0)
}

// OutputAt returns the output containing the given point
func (s *Space) OutputAt(x, y float64) *Output {
	for _, o := range s.outputs {
		if o.Contains(x, y) {
			return o
		}
	}
	return nil
}

// Primary returns the output at the origin, falling back to the first mapped output
func (s *Space) Primary() *Output {
	for _, o := range s.outputs {
		if o.Position() == (image.Point{}) {
			return o
		}
	}
	if len(s.outputs) > 0 {
		return s.outputs[0]
	}
	return nil
}

func (s *Space) MapElement(e Element) {
	for _, existing := range s.elements {
		if existing == e {
			return
		}
	}
	s.elements = append(s.elements, e)
}

func (s *Space) UnmapElement(e Element) {
	for i, existing := range s.elements {
		if existing == e {
			s.elements = append(s.elements[:i], s.elements[i+1:]...)
			return
		}
	}
}

// Elements returns every mapped element, bottom first
func (s *Space) Elements() []Element {
	return append([]Element(nil), s.elements...)
}

// ElementsFor returns the elements overlapping the output
func (s *Space) ElementsFor(o *Output) []Element {
	geo, ok := s.OutputGeometry(o)
	if !ok {
		return nil
	}
	var out []Element
	for _, e := range s.elements {
		if e.Geometry().Overlaps(geo) {
			out = append(out, e)
		}
	}
	return out
}

// MapLayer attaches a layer surface to a mapped output
func (s *Space) MapLayer(id OutputID, e Element) {
	s.layers[id] = append(s.layers[id], e)
}

// LayersFor returns the layer surfaces of an output
func (s *Space) LayersFor(o *Output) []Element {
	return append([]Element(nil), s.layers[o.ID()]...)
}

// RenderElements collects what the output shows, topmost first: layers, then windows
func (s *Space) RenderElements(r render.Renderer, o *Output) []render.Element {
	origin := o.Position()
	var out []render.Element
	layers := s.LayersFor(o)
	for i := len(layers) - 1; i >= 0; i-- {
		out = append(out, layers[i].RenderElements(r, origin, o.Scale())...)
	}
	windows := s.ElementsFor(o)
	for i := len(windows) - 1; i >= 0; i-- {
		out = append(out, windows[i].RenderElements(r, origin, o.Scale())...)
	}
	return out
}
