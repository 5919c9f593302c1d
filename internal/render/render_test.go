package render

import (
	"errors"
	"fmt"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/kmsway/internal/format"
	"github.com/bnema/kmsway/internal/kms"
)

type fakeTexture struct{ w, h int }

func (t fakeTexture) Width() int            { return t.w }
func (t fakeTexture) Height() int           { return t.h }
func (t fakeTexture) Format() format.Fourcc { return format.ARGB8888 }

type fakeBuffer struct{}

func (fakeBuffer) Size() image.Point { return image.Pt(100, 100) }

type recordingRenderer struct {
	calls  [][]image.Rectangle
	failed error
}

func (r *recordingRenderer) Node() kms.Node                   { return kms.Node{} }
func (r *recordingRenderer) DmabufTextureFormats() format.Set { return nil }
func (r *recordingRenderer) DmabufRenderFormats() format.Set  { return nil }
func (r *recordingRenderer) ImportMemory([]byte, format.Fourcc, int, int) (Texture, error) {
	return nil, errors.New("unsupported")
}

func (r *recordingRenderer) Render(_ Buffer, damage []image.Rectangle, _ []Element, _ Color) error {
	r.calls = append(r.calls, damage)
	return r.failed
}

func TestTextureElement(t *testing.T) {
	id := NewElementID()
	e := NewTextureElement(id, fakeTexture{w: 24, h: 24}, image.Pt(10, 20), 3)
	assert.Equal(t, id, e.ID())
	assert.Equal(t, image.Rect(10, 20, 34, 44), e.Geometry())
	assert.Equal(t, uint64(3), e.Commit())
	assert.NotEqual(t, id, NewElementID())
}

func TestDamageTracker(t *testing.T) {
	clear := Color{0.2, 0.05, 0.6, 1}
	full := []image.Rectangle{image.Rect(0, 0, 100, 100)}

	id := NewElementID()
	at := func(x, y int, commit uint64) Element {
		return NewTextureElement(id, fakeTexture{w: 10, h: 10}, image.Pt(x, y), commit)
	}
	// queue renders a frame for a buffer of the given age and submits it
	queue := func(tr *OutputDamageTracker, age int, elements ...Element) []image.Rectangle {
		damage, _ := tr.Damage(age, elements, clear)
		tr.Queued()
		return damage
	}

	t.Run("age zero is full damage", func(t *testing.T) {
		tr := NewOutputDamageTracker(image.Pt(100, 100), 1)
		damage, states := tr.Damage(0, []Element{at(0, 0, 1)}, clear)
		assert.Equal(t, full, damage)
		assert.True(t, states.Visible(id))
		assert.False(t, states.ZeroCopy(id))
	})

	t.Run("unchanged frame has no damage", func(t *testing.T) {
		tr := NewOutputDamageTracker(image.Pt(100, 100), 1)
		queue(tr, 0, at(0, 0, 1))
		damage, _ := tr.Damage(1, []Element{at(0, 0, 1)}, clear)
		assert.Empty(t, damage)
	})

	t.Run("moved element damages old and new spot", func(t *testing.T) {
		tr := NewOutputDamageTracker(image.Pt(100, 100), 1)
		queue(tr, 0, at(0, 0, 1))
		damage, _ := tr.Damage(1, []Element{at(50, 50, 1)}, clear)
		assert.ElementsMatch(t, []image.Rectangle{image.Rect(0, 0, 10, 10), image.Rect(50, 50, 60, 60)}, damage)
	})

	t.Run("new commit damages the element", func(t *testing.T) {
		tr := NewOutputDamageTracker(image.Pt(100, 100), 1)
		queue(tr, 0, at(5, 5, 1))
		damage, _ := tr.Damage(1, []Element{at(5, 5, 2)}, clear)
		assert.Equal(t, []image.Rectangle{image.Rect(5, 5, 15, 15)}, damage)
	})

	t.Run("removed element damages where it was", func(t *testing.T) {
		tr := NewOutputDamageTracker(image.Pt(100, 100), 1)
		queue(tr, 0, at(5, 5, 1))
		damage, _ := tr.Damage(1, nil, clear)
		assert.Equal(t, []image.Rectangle{image.Rect(5, 5, 15, 15)}, damage)
	})

	t.Run("older buffer accumulates damage", func(t *testing.T) {
		tr := NewOutputDamageTracker(image.Pt(100, 100), 1)
		queue(tr, 0, at(0, 0, 1))
		queue(tr, 1, at(0, 0, 2))
		// The buffer of age 2 still shows commit 1
		damage, _ := tr.Damage(2, []Element{at(0, 0, 2)}, clear)
		assert.Equal(t, []image.Rectangle{image.Rect(0, 0, 10, 10)}, damage)
	})

	t.Run("scene returning to an older buffer is still damaged", func(t *testing.T) {
		tr := NewOutputDamageTracker(image.Pt(100, 100), 1)
		queue(tr, 0, at(0, 0, 1))
		queue(tr, 0, at(50, 0, 1))
		// The back buffer holds x=0 but the screen shows x=50
		damage, _ := tr.Damage(2, []Element{at(0, 0, 1)}, clear)
		assert.ElementsMatch(t, []image.Rectangle{image.Rect(0, 0, 10, 10), image.Rect(50, 0, 60, 10)}, damage)
	})

	t.Run("frames not queued are not recorded", func(t *testing.T) {
		tr := NewOutputDamageTracker(image.Pt(100, 100), 1)
		queue(tr, 0, at(0, 0, 1))
		tr.Damage(1, []Element{at(50, 50, 1)}, clear)
		damage, _ := tr.Damage(1, []Element{at(0, 0, 1)}, clear)
		assert.Empty(t, damage, "the buffer still shows the queued frame")
	})

	t.Run("age beyond the history is full damage", func(t *testing.T) {
		tr := NewOutputDamageTracker(image.Pt(100, 100), 1)
		queue(tr, 0, at(0, 0, 1))
		damage, _ := tr.Damage(3, []Element{at(0, 0, 1)}, clear)
		assert.Equal(t, full, damage)
	})

	t.Run("offscreen element is not visible", func(t *testing.T) {
		tr := NewOutputDamageTracker(image.Pt(100, 100), 1)
		_, states := tr.Damage(0, []Element{at(500, 500, 1)}, clear)
		assert.False(t, states.Visible(id))
	})

	t.Run("clear color change is full damage", func(t *testing.T) {
		tr := NewOutputDamageTracker(image.Pt(100, 100), 1)
		queue(tr, 0)
		damage, _ := tr.Damage(1, nil, Color{0, 0, 0, 1})
		assert.Equal(t, full, damage)
	})
}

func TestRenderOutput(t *testing.T) {
	clear := Color{0, 0, 0, 1}
	tr := NewOutputDamageTracker(image.Pt(100, 100), 1)
	r := &recordingRenderer{}

	damage, _, err := tr.RenderOutput(r, fakeBuffer{}, 0, nil, clear)
	require.NoError(t, err)
	assert.Len(t, damage, 1)
	assert.Len(t, r.calls, 1)
	tr.Queued()

	damage, _, err = tr.RenderOutput(r, fakeBuffer{}, 1, nil, clear)
	require.NoError(t, err)
	assert.Nil(t, damage)
	assert.Len(t, r.calls, 1, "nothing drawn without damage")

	r.failed = errors.New("gpu hung")
	_, _, err = tr.RenderOutput(r, fakeBuffer{}, 0, nil, clear)
	assert.Error(t, err)
}

func TestSwapBuffersError(t *testing.T) {
	inner := fmt.Errorf("flip: %w", kms.ErrDeviceInactive)
	err := fmt.Errorf("queue frame: %w", Temporary(inner))

	var swap *SwapBuffersError
	require.True(t, errors.As(err, &swap))
	assert.Equal(t, TemporaryFailure, swap.Kind)
	assert.ErrorIs(t, err, kms.ErrDeviceInactive)

	assert.Equal(t, "already swapped", Swapped().Error())
	assert.Contains(t, Lost(errors.New("reset")).Error(), "context lost")
}

func TestElementStates(t *testing.T) {
	a, b := NewElementID(), NewElementID()
	states := ElementStates{
		a: {Visible: true, Presentation: PresentationZeroCopy},
		b: {Visible: false, Presentation: PresentationZeroCopy},
	}
	assert.True(t, states.ZeroCopy(a))
	assert.False(t, states.ZeroCopy(b), "invisible elements are never scanned out")
	assert.True(t, states.Visible(b, a))
	assert.False(t, states.Visible(NewElementID()))
}
