// Package display holds the logical outputs and the space that lays them out
package display

import (
	"fmt"
	"image"

	"github.com/bnema/kmsway/internal/kms"
	"github.com/bnema/kmsway/internal/protocol"
)

// UnknownIdentity is reported when a display does not say who made it
const UnknownIdentity = "Unknown"

// Mode is an output mode in physical pixels
type Mode struct {
	Width   int32
	Height  int32
	Refresh int32 // mHz
}

// ModeFromKMS converts a kernel mode
func ModeFromKMS(m kms.Mode) Mode {
	return Mode{Width: int32(m.Width), Height: int32(m.Height), Refresh: int32(m.Refresh)}
}

func (m Mode) String() string {
	return fmt.Sprintf("%dx%d@%d.%03dHz", m.Width, m.Height, m.Refresh/1000, m.Refresh%1000)
}

// PhysicalProperties describe the panel behind an output
type PhysicalProperties struct {
	Width  int32 // mm
	Height int32 // mm
	Make   string
	Model  string
}

// OutputID ties a logical output to the CRTC driving it
type OutputID struct {
	Device kms.Node
	Crtc   kms.CrtcHandle
}

func (id OutputID) String() string {
	return fmt.Sprintf("%s/crtc-%d", id.Device, id.Crtc)
}

// Output represents a logical display
type Output struct {
	id       OutputID
	name     string
	physical PhysicalProperties

	current   Mode
	preferred Mode
	hasMode   bool

	position image.Point // position in global coordinate space
	scale    float64
}

func NewOutput(id OutputID, name string, physical PhysicalProperties) *Output {
	if physical.Make == "" {
		physical.Make = UnknownIdentity
	}
	if physical.Model == "" {
		physical.Model = UnknownIdentity
	}
	return &Output{id: id, name: name, physical: physical, scale: 1}
}

func (o *Output) ID() OutputID                 { return o.id }
func (o *Output) Name() string                 { return o.name }
func (o *Output) Physical() PhysicalProperties { return o.physical }
func (o *Output) Position() image.Point        { return o.position }
func (o *Output) Scale() float64               { return o.scale }
func (o *Output) PreferredMode() Mode          { return o.preferred }

// CurrentMode returns the active mode, false while no mode was set
func (o *Output) CurrentMode() (Mode, bool) {
	return o.current, o.hasMode
}

func (o *Output) SetPreferred(m Mode) {
	o.preferred = m
}

// ChangeCurrentState updates the mode and position, nil values are left unchanged
func (o *Output) ChangeCurrentState(m *Mode, position *image.Point) {
	if m != nil {
		o.current = *m
		o.hasMode = true
	}
	if position != nil {
		o.position = *position
	}
}

// Size returns the logical size of the output
func (o *Output) Size() image.Point {
	if !o.hasMode {
		return image.Point{}
	}
	return image.Pt(int(float64(o.current.Width)/o.scale), int(float64(o.current.Height)/o.scale))
}

// Geometry returns the output's rectangle in global coordinates
func (o *Output) Geometry() image.Rectangle {
	return image.Rectangle{Min: o.position, Max: o.position.Add(o.Size())}
}

// Contains checks if a point is within this output
func (o *Output) Contains(x, y float64) bool {
	g := o.Geometry()
	return x >= float64(g.Min.X) && x < float64(g.Max.X) && y >= float64(g.Min.Y) && y < float64(g.Max.Y)
}

// Description is what the output's global advertises
func (o *Output) Description() protocol.OutputDescription {
	return protocol.OutputDescription{
		Name:           o.name,
		Make:           o.physical.Make,
		Model:          o.physical.Model,
		PhysicalWidth:  o.physical.Width,
		PhysicalHeight: o.physical.Height,
		Width:          o.current.Width,
		Height:         o.current.Height,
		Refresh:        o.current.Refresh,
		X:              int32(o.position.X),
		Y:              int32(o.position.Y),
	}
}
