// Package arena packs multiple named intermediate tensors into a single
// flat buffer. A forward pass declares a Layout, allocates one buffer of
// Layout.NumElements() elements and realizes it into named regions; the
// paired backward pass realizes the same buffer with a structurally
// identical Layout to recover every cached activation without recomputing
// anything.
//
// Regions are contiguous and non-overlapping, packed in declaration order
// with no padding or alignment beyond the element size. Realizing a buffer
// with a layout that differs from the one used to fill it silently
// misinterprets memory; callers must compare layouts with Layout.Equal
// across the forward/backward boundary.
package arena

import (
	"errors"
	"fmt"

	"github.com/shaun95/haste"
)

var (
	// ErrUnknownRegion is returned when a name lookup does not match any
	// layout entry.
	ErrUnknownRegion = errors.New("arena: unknown region")

	// ErrSize is returned when a buffer's length does not match the
	// layout's total element count.
	ErrSize = errors.New("arena: buffer size mismatch")
)

// Entry declares one named region of a layout.
type Entry struct {
	Name  string
	Shape []int
}

// NumElements returns the element count of the entry's shape.
func (e Entry) NumElements() int {
	n := 1
	for _, d := range e.Shape {
		n *= d
	}
	return n
}

// Layout is an ordered list of named regions. The zero value is an empty
// layout; build one with NewLayout.
type Layout struct {
	entries []Entry
	offsets []int
	total   int
}

// NewLayout builds a layout from an ordered list of entries. Every shape
// dimension must be positive.
func NewLayout(entries ...Entry) (Layout, error) {
	l := Layout{
		entries: entries,
		offsets: make([]int, len(entries)),
	}
	for i, e := range entries {
		for _, d := range e.Shape {
			if d <= 0 {
				return Layout{}, fmt.Errorf("arena: entry %q has non-positive dimension %d", e.Name, d)
			}
		}
		l.offsets[i] = l.total
		l.total += e.NumElements()
	}
	return l, nil
}

// NumElements returns the total element count of all regions, i.e. the
// length of the buffer a caller must allocate before Realize.
func (l Layout) NumElements() int { return l.total }

// Len returns the number of regions.
func (l Layout) Len() int { return len(l.entries) }

// Entry returns the i-th declared entry.
func (l Layout) Entry(i int) Entry { return l.entries[i] }

// Equal reports whether two layouts declare the same ordered sequence of
// names and shapes. Forward and backward passes must agree on this before
// reinterpreting a cached buffer.
func (l Layout) Equal(o Layout) bool {
	if len(l.entries) != len(o.entries) {
		return false
	}
	for i, e := range l.entries {
		oe := o.entries[i]
		if e.Name != oe.Name || len(e.Shape) != len(oe.Shape) {
			return false
		}
		for j, d := range e.Shape {
			if d != oe.Shape[j] {
				return false
			}
		}
	}
	return true
}

// View is one realized region: a slice into the shared buffer plus the
// logical row-major shape it represents.
type View[T haste.Float] struct {
	Data  []T
	Shape []int
}

// Arena is a realized layout: a lookup from region name or index to a view
// into the caller's buffer.
type Arena[T haste.Float] struct {
	layout Layout
	views  []View[T]
	byName map[string]int
}

// Realize maps buf into the layout's regions in declaration order. The
// buffer length must equal the layout's total element count.
func Realize[T haste.Float](l Layout, buf []T) (*Arena[T], error) {
	if len(buf) != l.total {
		return nil, fmt.Errorf("%w: layout needs %d elements, buffer has %d", ErrSize, l.total, len(buf))
	}
	a := &Arena[T]{
		layout: l,
		views:  make([]View[T], len(l.entries)),
		byName: make(map[string]int, len(l.entries)),
	}
	for i, e := range l.entries {
		off := l.offsets[i]
		a.views[i] = View[T]{
			Data:  buf[off : off+e.NumElements() : off+e.NumElements()],
			Shape: e.Shape,
		}
		a.byName[e.Name] = i
	}
	return a, nil
}

// Region returns the i-th region in declaration order. This is the hot-path
// accessor; the engines address regions by fixed index constants.
func (a *Arena[T]) Region(i int) View[T] {
	return a.views[i]
}

// ByName returns the region declared under name.
func (a *Arena[T]) ByName(name string) (View[T], error) {
	i, ok := a.byName[name]
	if !ok {
		return View[T]{}, fmt.Errorf("%w: %q", ErrUnknownRegion, name)
	}
	return a.views[i], nil
}

// Layout returns the layout this arena was realized with.
func (a *Arena[T]) Layout() Layout { return a.layout }
