package ingest

import (
	"errors"

	"biowave/internal/models"
)

// ErrOutOfOrder is returned when a point does not advance the window's index.
var ErrOutOfOrder = errors.New("sample index does not increase")

// Window is a fixed-capacity FIFO of points for one channel. The oldest point
// is evicted once capacity is exceeded.
type Window struct {
	points   []models.Point // ring storage
	start    int
	size     int
	visible  int
	evicted  int64
	hasLast  bool
	lastSeen int64
}

// NewWindow returns a window holding up to capacity points with a visible
// width of visible (clamped to [1, capacity]).
func NewWindow(capacity, visible int) *Window {
	if capacity <= 0 {
		capacity = 1
	}
	w := &Window{points: make([]models.Point, capacity)}
	w.SetVisibleWidth(visible)
	return w
}

// Push appends p, evicting the oldest point when the window is full.
func (w *Window) Push(p models.Point) error {
	if w.hasLast && p.Index <= w.lastSeen {
		return ErrOutOfOrder
	}
	capacity := len(w.points)
	if w.size == capacity {
		w.points[w.start] = p
		w.start = (w.start + 1) % capacity
		w.evicted++
	} else {
		w.points[(w.start+w.size)%capacity] = p
		w.size++
	}
	w.hasLast = true
	w.lastSeen = p.Index
	return nil
}

// Len returns the number of stored points.
func (w *Window) Len() int { return w.size }

// Capacity returns the maximum number of stored points.
func (w *Window) Capacity() int { return len(w.points) }

// VisibleWidth returns the width of the visible sub-window.
func (w *Window) VisibleWidth() int { return w.visible }

// Evicted returns the number of points dropped for capacity.
func (w *Window) Evicted() int64 { return w.evicted }

// SetVisibleWidth sets the visible width, clamped to [1, capacity], and
// returns the applied value.
func (w *Window) SetVisibleWidth(n int) int {
	switch {
	case n < 1:
		n = 1
	case n > len(w.points):
		n = len(w.points)
	}
	w.visible = n
	return n
}

// Points returns a copy of all stored points, oldest first.
func (w *Window) Points() []models.Point {
	out := make([]models.Point, w.size)
	for i := range out {
		out[i] = w.at(i)
	}
	return out
}

// View returns a copy of the points whose index lies in
// [cursor-visibleWidth, cursor], oldest first.
func (w *Window) View(cursor int64) []models.Point {
	lo := cursor - int64(w.visible)
	first := w.size
	for first > 0 {
		p := w.at(first - 1)
		if p.Index < lo {
			break
		}
		first--
	}
	out := make([]models.Point, 0, w.size-first)
	for i := first; i < w.size; i++ {
		if p := w.at(i); p.Index <= cursor {
			out = append(out, p)
		}
	}
	return out
}

// Reset empties the window. Capacity and visible width are kept.
func (w *Window) Reset() {
	clear(w.points)
	w.start = 0
	w.size = 0
	w.hasLast = false
	w.lastSeen = 0
}

func (w *Window) at(i int) models.Point {
	return w.points[(w.start+i)%len(w.points)]
}
