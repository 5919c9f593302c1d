package render

import (
	"fmt"
	"image"
)

// maxTrackedAge bounds how many past frames the tracker remembers
const maxTrackedAge = 4

type elementSnapshot struct {
	geometry image.Rectangle
	commit   uint64
}

type frameSnapshot struct {
	clear    Color
	elements map[ElementID]elementSnapshot
	order    []ElementID
}

// OutputDamageTracker renders only what changed since a buffer was last shown. Every
// queued frame records its damage against the frame queued before it; a buffer of age
// n is repaired with the union of the last n-1 recorded damages and the damage of the
// current frame.
type OutputDamageTracker struct {
	size  image.Point
	scale float64

	last    *frameSnapshot
	damages [][]image.Rectangle // most recent first
	pending *pendingFrame
}

// pendingFrame is the last rendered frame, recorded once it is queued
type pendingFrame struct {
	snapshot frameSnapshot
	damage   []image.Rectangle
}

func NewOutputDamageTracker(size image.Point, scale float64) *OutputDamageTracker {
	if scale <= 0 {
		scale = 1
	}
	return &OutputDamageTracker{size: size, scale: scale}
}

func (t *OutputDamageTracker) bounds() image.Rectangle {
	return image.Rectangle{Max: t.size}
}

// RenderOutput renders the damaged part of the frame. A nil damage slice means the
// target already shows this frame and nothing was drawn.
func (t *OutputDamageTracker) RenderOutput(r Renderer, target Buffer, age int, elements []Element, clear Color) ([]image.Rectangle, ElementStates, error) {
	damage, states := t.Damage(age, elements, clear)
	if len(damage) == 0 {
		return nil, states, nil
	}
	if err := r.Render(target, damage, elements, clear); err != nil {
		t.pending = nil
		return nil, states, fmt.Errorf("failed to render output: %w", err)
	}
	return damage, states, nil
}

// Damage returns what a buffer of the given age needs repainted to show the frame.
// The frame is only remembered once Queued is called.
func (t *OutputDamageTracker) Damage(age int, elements []Element, clear Color) ([]image.Rectangle, ElementStates) {
	bounds := t.bounds()
	current := frameSnapshot{clear: clear, elements: make(map[ElementID]elementSnapshot, len(elements))}
	states := make(ElementStates, len(elements))

	for _, e := range elements {
		geo := e.Geometry().Intersect(bounds)
		visible := !geo.Empty()
		states[e.ID()] = ElementState{Visible: visible, Presentation: PresentationRendered}
		if !visible {
			continue
		}
		current.elements[e.ID()] = elementSnapshot{geometry: geo, commit: e.Commit()}
		current.order = append(current.order, e.ID())
	}

	frame := []image.Rectangle{bounds}
	if t.last != nil {
		frame = diff(*t.last, current, bounds)
	}
	t.pending = &pendingFrame{snapshot: current, damage: frame}

	if age <= 0 || age-1 > len(t.damages) {
		return []image.Rectangle{bounds}, states
	}
	damage := append([]image.Rectangle(nil), frame...)
	for _, d := range t.damages[:age-1] {
		damage = append(damage, d...)
	}
	return merge(damage), states
}

// Queued records the last rendered frame as submitted to the display
func (t *OutputDamageTracker) Queued() {
	if t.pending == nil {
		return
	}
	t.last = &t.pending.snapshot
	t.damages = append([][]image.Rectangle{t.pending.damage}, t.damages...)
	if len(t.damages) > maxTrackedAge {
		t.damages = t.damages[:maxTrackedAge]
	}
	t.pending = nil
}

func diff(prev, cur frameSnapshot, bounds image.Rectangle) []image.Rectangle {
	if prev.clear != cur.clear {
		return []image.Rectangle{bounds}
	}
	var damage []image.Rectangle
	for _, id := range cur.order {
		now := cur.elements[id]
		before, ok := prev.elements[id]
		switch {
		case !ok:
			damage = append(damage, now.geometry)
		case before.geometry != now.geometry:
			damage = append(damage, before.geometry, now.geometry)
		case before.commit != now.commit:
			damage = append(damage, now.geometry)
		}
	}
	for _, id := range prev.order {
		if _, ok := cur.elements[id]; !ok {
			damage = append(damage, prev.elements[id].geometry)
		}
	}
	return merge(damage)
}

// merge folds overlapping rectangles together
func merge(rects []image.Rectangle) []image.Rectangle {
	out := make([]image.Rectangle, 0, len(rects))
	for _, r := range rects {
		if r.Empty() {
			continue
		}
		merged := false
		for i := range out {
			if out[i].Overlaps(r) {
				out[i] = out[i].Union(r)
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, r)
		}
	}
	return out
}
