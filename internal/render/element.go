package render

import (
	"image"
	"sync/atomic"
)

// ElementID identifies an element across frames
type ElementID uint64

var lastElementID atomic.Uint64

// NewElementID returns a process-unique element id
func NewElementID() ElementID {
	return ElementID(lastElementID.Add(1))
}

// Element is something drawn on an output, in output-local physical coordinates
type Element interface {
	ID() ElementID
	Geometry() image.Rectangle
	// Commit changes whenever the element content changes
	Commit() uint64
	Texture() Texture
}

// TextureElement draws a texture at a location
type TextureElement struct {
	id       ElementID
	texture  Texture
	location image.Point
	commit   uint64
}

func NewTextureElement(id ElementID, tex Texture, location image.Point, commit uint64) *TextureElement {
	return &TextureElement{id: id, texture: tex, location: location, commit: commit}
}

func (e *TextureElement) ID() ElementID    { return e.id }
func (e *TextureElement) Commit() uint64   { return e.commit }
func (e *TextureElement) Texture() Texture { return e.texture }

func (e *TextureElement) Geometry() image.Rectangle {
	return image.Rect(e.location.X, e.location.Y,
		e.location.X+e.texture.Width(), e.location.Y+e.texture.Height())
}

// Presentation is how an element reached the screen
type Presentation int

const (
	PresentationRendered Presentation = iota
	PresentationZeroCopy              // scanned out directly from a plane
)

// ElementState is the per-frame state of one element
type ElementState struct {
	Visible      bool
	Presentation Presentation
}

// ElementStates is the outcome of a frame for every element that was given
type ElementStates map[ElementID]ElementState

// ZeroCopy reports whether any of the ids was scanned out directly
func (s ElementStates) ZeroCopy(ids ...ElementID) bool {
	for _, id := range ids {
		if st, ok := s[id]; ok && st.Visible && st.Presentation == PresentationZeroCopy {
			return true
		}
	}
	return false
}

// Visible reports whether any of the ids was visible in the frame
func (s ElementStates) Visible(ids ...ElementID) bool {
	for _, id := range ids {
		if st, ok := s[id]; ok && st.Visible {
			return true
		}
	}
	return false
}
