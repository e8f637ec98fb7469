package models

// AxisRange is the displayed [Min, Max] of a chart axis. Min < Max always.
type AxisRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Valid reports whether the range is non-degenerate.
func (r AxisRange) Valid() bool {
	return r.Min < r.Max
}

// HalfRange returns the larger absolute bound, used for symmetric axes.
func (r AxisRange) HalfRange() float64 {
	lo, hi := r.Min, r.Max
	if lo < 0 {
		lo = -lo
	}
	if hi < 0 {
		hi = -hi
	}
	if lo > hi {
		return lo
	}
	return hi
}
