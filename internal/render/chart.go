// Package render draws the visible window of a channel as a PNG chart.
package render

import (
	"errors"
	"fmt"
	"io"

	"github.com/wcharczuk/go-chart/v2"

	"biowave/internal/models"
)

// Chart size bounds in pixels.
const (
	DefaultWidth  = 800
	DefaultHeight = 300
	MinSize       = 100
	MaxSize       = 4000
)

var ErrNoData = errors.New("no samples in view")

// Options describes one chart.
type Options struct {
	Title  string
	Points []models.Point
	Range  models.AxisRange
	Width  int
	Height int
}

// PNG renders opts to w. The Y axis is pinned to opts.Range so the image
// matches what a live client shows.
func PNG(w io.Writer, opts Options) error {
	if len(opts.Points) == 0 {
		return ErrNoData
	}
	if !opts.Range.Valid() {
		return fmt.Errorf("render %s: invalid axis range [%g, %g]", opts.Title, opts.Range.Min, opts.Range.Max)
	}

	xs := make([]float64, len(opts.Points))
	ys := make([]float64, len(opts.Points))
	for i, p := range opts.Points {
		xs[i] = float64(p.Index)
		ys[i] = p.Value
	}
	// A single point has no X extent; widen it to a flat segment.
	if len(xs) == 1 {
		xs = append(xs, xs[0]+1)
		ys = append(ys, ys[0])
	}

	ch := chart.Chart{
		Title:      opts.Title,
		Width:      clampSize(opts.Width, DefaultWidth),
		Height:     clampSize(opts.Height, DefaultHeight),
		Background: chart.Style{Padding: chart.Box{Top: 24, Left: 16, Right: 12, Bottom: 24}},
		XAxis:      chart.XAxis{Name: "sample"},
		YAxis:      chart.YAxis{Range: &chart.ContinuousRange{Min: opts.Range.Min, Max: opts.Range.Max}},
		Series: []chart.Series{
			chart.ContinuousSeries{
				Name:    opts.Title,
				XValues: xs,
				YValues: ys,
				Style: chart.Style{
					StrokeWidth: 1.5,
					StrokeColor: chart.ColorBlue,
				},
			},
		},
	}
	if err := ch.Render(chart.PNG, w); err != nil {
		return fmt.Errorf("render %s: %w", opts.Title, err)
	}
	return nil
}

func clampSize(v, def int) int {
	switch {
	case v <= 0:
		return def
	case v < MinSize:
		return MinSize
	case v > MaxSize:
		return MaxSize
	default:
		return v
	}
}
