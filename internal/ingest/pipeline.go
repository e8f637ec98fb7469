package ingest

import (
	"errors"
	"fmt"
	"math"

	"biowave/internal/logger"
	"biowave/internal/models"
)

// ErrInvalidConfig is returned for pipeline settings that cannot work.
var ErrInvalidConfig = errors.New("invalid pipeline config")

// Window defaults.
const (
	DefaultCapacity     = 700
	DefaultVisibleWidth = 700
)

// Config holds everything needed to build a pipeline.
type Config struct {
	Capacity     int
	VisibleWidth int
	MaxLineBytes int
	Gain         float64
	InvertECG    bool
	InvertPPG    bool
	Axes         []AxisConfig
}

// DefaultAxes returns the default display layout: ECG auto-fit on ±3, PPG
// hysteretic on ±5000 and SpO2 on a fixed 80..100 band.
func DefaultAxes() []AxisConfig {
	return []AxisConfig{
		{
			Name:      "ecg",
			Channels:  []models.Channel{models.ChannelECG},
			Default:   models.AxisRange{Min: -3, Max: 3},
			Policy:    PolicyAutoFit,
			AutoRange: true,
			Margin:    DefaultMargin,
		},
		{
			Name:      "ppg",
			Channels:  []models.Channel{models.ChannelPPG},
			Default:   models.AxisRange{Min: -5000, Max: 5000},
			Policy:    PolicyHysteretic,
			AutoRange: true,
			Step:      DefaultStep,
			Threshold: DefaultThreshold,
		},
		{
			Name:     "spo2",
			Channels: []models.Channel{models.ChannelSpO2},
			Default:  models.AxisRange{Min: 80, Max: 100},
			Policy:   PolicyAutoFit,
		},
	}
}

// DefaultConfig returns a config matching the reference device.
func DefaultConfig() Config {
	return Config{
		Capacity:     DefaultCapacity,
		VisibleWidth: DefaultVisibleWidth,
		MaxLineBytes: DefaultMaxLineBytes,
		Gain:         DefaultGain,
		InvertECG:    true,
		InvertPPG:    true,
		Axes:         DefaultAxes(),
	}
}

// Stats counts what the pipeline has seen since it was built.
type Stats struct {
	Lines     int64 `json:"lines"`
	Accepted  int64 `json:"accepted"`
	Malformed int64 `json:"malformed"`
	Overflows int64 `json:"overflows"`
}

// Snapshot is a point-in-time copy of the pipeline's display state.
type Snapshot struct {
	NextIndex    int64                             `json:"next_index"`
	Gain         float64                           `json:"gain"`
	Capacity     int                               `json:"capacity"`
	VisibleWidth int                               `json:"visible_width"`
	Axes         []AxisStatus                      `json:"axes"`
	Series       map[models.Channel][]models.Point `json:"series"`
	LatestSpO2   *float64                          `json:"latest_spo2,omitempty"`
	Stats        Stats                             `json:"stats"`
}

// Pipeline turns raw fragments into frames. It is not safe for concurrent
// use; callers serialize access.
type Pipeline struct {
	assembler *Assembler
	gain      *GainStage
	windows   map[models.Channel]*Window
	ranges    *RangeController
	log       *logger.Logger

	seq        int64 // index of the next accepted sample
	latestSpO2 *float64
	stats      Stats
}

// NewPipeline builds a pipeline. log may be nil.
func NewPipeline(cfg Config, log *logger.Logger) (*Pipeline, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity must be positive", ErrInvalidConfig)
	}
	if len(cfg.Axes) == 0 {
		cfg.Axes = DefaultAxes()
	}
	ranges, err := NewRangeController(cfg.Axes)
	if err != nil {
		return nil, err
	}
	if cfg.VisibleWidth <= 0 {
		cfg.VisibleWidth = cfg.Capacity
	}

	p := &Pipeline{
		assembler: NewAssembler(cfg.MaxLineBytes),
		gain:      NewGainStage(cfg.Gain, cfg.InvertECG, cfg.InvertPPG),
		windows:   make(map[models.Channel]*Window, len(models.Channels)),
		ranges:    ranges,
		log:       log,
	}
	for _, ch := range models.Channels {
		p.windows[ch] = NewWindow(cfg.Capacity, cfg.VisibleWidth)
	}
	return p, nil
}

// Feed processes one fragment and returns a frame per accepted sample, in
// arrival order.
func (p *Pipeline) Feed(chunk []byte) []models.Frame {
	overflowsBefore := p.assembler.Overflows()
	var frames []models.Frame
	for line := range p.assembler.Feed(chunk) {
		if line == "" {
			continue
		}
		p.stats.Lines++
		frame, err := p.accept(line)
		if err != nil {
			if errors.Is(err, ErrMalformed) {
				p.stats.Malformed++
				if p.log != nil {
					p.log.Debugw("malformed_line", "err", err)
				}
				continue
			}
			if p.log != nil {
				p.log.Errorw("sample_rejected", "err", err)
			}
			continue
		}
		frames = append(frames, frame)
	}
	if n := p.assembler.Overflows(); n != overflowsBefore {
		p.stats.Overflows += int64(n - overflowsBefore)
		if p.log != nil {
			p.log.Warnw("line_overflow", "dropped", n-overflowsBefore, "max_line_bytes", p.assembler.maxLine)
		}
	}
	return frames
}

func (p *Pipeline) accept(line string) (models.Frame, error) {
	s, err := ParseLine(line)
	if err != nil {
		return models.Frame{}, err
	}
	s.Index = p.seq
	p.gain.Apply(&s)
	if math.IsInf(s.ECG, 0) || math.IsInf(s.PPG, 0) {
		return models.Frame{}, &MalformedError{Line: line, Reason: "value overflows after gain"}
	}

	for _, ch := range models.Channels {
		v, ok := s.Value(ch)
		if !ok {
			continue
		}
		if err := p.windows[ch].Push(models.Point{Index: s.Index, Value: v}); err != nil {
			return models.Frame{}, fmt.Errorf("push %s: %w", ch, err)
		}
	}
	p.seq++
	p.stats.Accepted++
	if s.SpO2 != nil {
		v := *s.SpO2
		p.latestSpO2 = &v
	}

	p.ranges.Update(s, p.view)
	return p.frame(s), nil
}

// view returns the visible points of ch ending at the newest sample.
func (p *Pipeline) view(ch models.Channel) []models.Point {
	return p.windows[ch].View(p.seq)
}

func (p *Pipeline) frame(s models.Sample) models.Frame {
	f := models.Frame{Index: s.Index, Values: make([]models.ChannelValue, 0, len(models.Channels))}
	for _, ch := range models.Channels {
		v, ok := s.Value(ch)
		if !ok {
			continue
		}
		axis, r, _ := p.ranges.Axis(ch)
		f.Values = append(f.Values, models.ChannelValue{Channel: ch, Axis: axis, Value: v, Range: r})
	}
	return f
}

// Reset starts a new session: buffered text, every window and all range
// state are cleared and the index restarts at zero. Gain and visible width
// are operator settings and survive.
func (p *Pipeline) Reset() {
	p.assembler.Reset()
	for _, w := range p.windows {
		w.Reset()
	}
	p.ranges.Reset()
	p.seq = 0
	p.latestSpO2 = nil
}

// SetGain replaces the gain, clamping to MinGain, and returns the applied value.
func (p *Pipeline) SetGain(m float64) float64 { return p.gain.Set(m) }

// IncreaseGain steps the gain up.
func (p *Pipeline) IncreaseGain() float64 { return p.gain.Increase() }

// DecreaseGain steps the gain down.
func (p *Pipeline) DecreaseGain() float64 { return p.gain.Decrease() }

// Gain returns the current gain.
func (p *Pipeline) Gain() float64 { return p.gain.Factor() }

// SetAutoRange toggles auto-range for the axis carrying ch.
func (p *Pipeline) SetAutoRange(ch models.Channel, enabled bool) error {
	return p.ranges.SetAutoRange(ch, enabled)
}

// SetVisibleWidth changes the visible width of every window and resets range
// state. It returns the applied width.
func (p *Pipeline) SetVisibleWidth(n int) int {
	applied := n
	for _, w := range p.windows {
		applied = w.SetVisibleWidth(n)
	}
	p.ranges.Reset()
	return applied
}

// NextIndex returns the index the next accepted sample will get.
func (p *Pipeline) NextIndex() int64 { return p.seq }

// Buffered returns the number of unterminated bytes held by the assembler.
func (p *Pipeline) Buffered() int { return p.assembler.Buffered() }

// Stats returns the running counters.
func (p *Pipeline) Stats() Stats { return p.stats }

// Visible returns the visible points of ch.
func (p *Pipeline) Visible(ch models.Channel) []models.Point {
	w, ok := p.windows[ch]
	if !ok {
		return nil
	}
	return w.View(p.seq)
}

// Snapshot copies the current display state.
func (p *Pipeline) Snapshot() Snapshot {
	w := p.windows[models.ChannelECG]
	snap := Snapshot{
		NextIndex:    p.seq,
		Gain:         p.gain.Factor(),
		Capacity:     w.Capacity(),
		VisibleWidth: w.VisibleWidth(),
		Axes:         p.ranges.Status(),
		Series:       make(map[models.Channel][]models.Point, len(p.windows)),
		Stats:        p.stats,
	}
	for ch := range p.windows {
		snap.Series[ch] = p.Visible(ch)
	}
	if p.latestSpO2 != nil {
		v := *p.latestSpO2
		snap.LatestSpO2 = &v
	}
	return snap
}
