package ingest

import (
	"errors"
	"fmt"
	"math"

	"biowave/internal/models"
)

// Policy kinds selectable per axis.
const (
	PolicyAutoFit    = "autofit"
	PolicyHysteretic = "hysteretic"
)

// Range policy defaults.
const (
	DefaultMargin    = 0.10
	DefaultStep      = 1000.0
	DefaultThreshold = 10
)

var (
	ErrUnknownPolicy  = errors.New("unknown range policy")
	ErrInvalidAxis    = errors.New("invalid axis config")
	ErrUnknownChannel = errors.New("channel is not on any axis")
)

// Observation is what a policy sees on every accepted sample.
type Observation struct {
	// Latest holds the newest sample's values on the axis' channels. It is
	// empty when the sample carries none of them.
	Latest []float64
	// Visible holds the visible window of each of the axis' channels.
	Visible [][]models.Point
}

// Policy decides an axis range from the data currently in view.
type Policy interface {
	Update(obs Observation) models.AxisRange
	Reset()
}

// AutoFit widens the default band to fit the visible extremes and relaxes
// back once outliers scroll out of view.
type AutoFit struct {
	def    models.AxisRange
	margin float64
}

func NewAutoFit(def models.AxisRange, margin float64) *AutoFit {
	return &AutoFit{def: def, margin: margin}
}

func (p *AutoFit) Update(obs Observation) models.AxisRange {
	lo, hi, ok := extremes(obs.Visible)
	if !ok {
		return p.def
	}
	r := models.AxisRange{
		Min: math.Min(lo*(1-p.margin), p.def.Min),
		Max: math.Max(hi*(1+p.margin), p.def.Max),
	}
	if r.Min >= r.Max {
		mid := r.Min
		r = models.AxisRange{Min: mid - 1, Max: mid + 1}
	}
	return r
}

func (p *AutoFit) Reset() {}

// Hysteretic keeps a symmetric axis. Expansion needs threshold consecutive
// out-of-band samples; one in-band sample snaps back to the default.
type Hysteretic struct {
	def       models.AxisRange
	step      float64
	threshold int

	outOfRange int
	current    models.AxisRange
}

func NewHysteretic(def models.AxisRange, step float64, threshold int) *Hysteretic {
	return &Hysteretic{def: def, step: step, threshold: threshold, current: def}
}

func (p *Hysteretic) Update(obs Observation) models.AxisRange {
	if len(obs.Latest) == 0 {
		return p.current
	}
	if maxAbs(obs.Latest) <= p.def.HalfRange() {
		p.outOfRange = 0
		p.current = p.def
		return p.current
	}

	p.outOfRange++
	if p.outOfRange < p.threshold {
		return p.current
	}
	p.outOfRange = 0

	visible := 0.0
	for _, pts := range obs.Visible {
		for _, pt := range pts {
			visible = math.Max(visible, math.Abs(pt.Value))
		}
	}
	visible = math.Max(visible, maxAbs(obs.Latest))
	r := math.Ceil(visible/p.step) * p.step
	p.current = models.AxisRange{Min: -r, Max: r}
	return p.current
}

func (p *Hysteretic) Reset() {
	p.outOfRange = 0
	p.current = p.def
}

// OutOfRange returns the current consecutive out-of-band count.
func (p *Hysteretic) OutOfRange() int { return p.outOfRange }

// AxisConfig describes one displayed axis.
type AxisConfig struct {
	Name      string
	Channels  []models.Channel
	Default   models.AxisRange
	Policy    string
	AutoRange bool
	Margin    float64
	Step      float64
	Threshold int
}

// NewPolicy builds the policy named by the config, filling zero knobs with
// defaults.
func (c AxisConfig) NewPolicy() (Policy, error) {
	switch c.Policy {
	case PolicyAutoFit, "":
		margin := c.Margin
		if margin <= 0 {
			margin = DefaultMargin
		}
		return NewAutoFit(c.Default, margin), nil
	case PolicyHysteretic:
		step, threshold := c.Step, c.Threshold
		if step <= 0 {
			step = DefaultStep
		}
		if threshold <= 0 {
			threshold = DefaultThreshold
		}
		return NewHysteretic(c.Default, step, threshold), nil
	default:
		return nil, fmt.Errorf("axis %q: %w: %q", c.Name, ErrUnknownPolicy, c.Policy)
	}
}

type axisState struct {
	cfg     AxisConfig
	policy  Policy
	current models.AxisRange
}

// AxisStatus is a read-only view of one axis.
type AxisStatus struct {
	Name      string           `json:"name"`
	Channels  []models.Channel `json:"channels"`
	Policy    string           `json:"policy"`
	AutoRange bool             `json:"auto_range"`
	Range     models.AxisRange `json:"range"`
}

// RangeController owns the range state of every axis.
type RangeController struct {
	axes      []*axisState
	byChannel map[models.Channel]int
}

// NewRangeController validates axes and returns a controller with every
// axis at its default band.
func NewRangeController(axes []AxisConfig) (*RangeController, error) {
	rc := &RangeController{byChannel: make(map[models.Channel]int)}
	for _, cfg := range axes {
		if cfg.Name == "" || len(cfg.Channels) == 0 {
			return nil, fmt.Errorf("%w: axis needs a name and at least one channel", ErrInvalidAxis)
		}
		if !cfg.Default.Valid() {
			return nil, fmt.Errorf("axis %q: %w: default band min must be below max", cfg.Name, ErrInvalidAxis)
		}
		policy, err := cfg.NewPolicy()
		if err != nil {
			return nil, err
		}
		for _, ch := range cfg.Channels {
			if _, dup := rc.byChannel[ch]; dup {
				return nil, fmt.Errorf("axis %q: %w: channel %s already assigned", cfg.Name, ErrInvalidAxis, ch)
			}
			rc.byChannel[ch] = len(rc.axes)
		}
		cfg.Channels = append([]models.Channel(nil), cfg.Channels...)
		rc.axes = append(rc.axes, &axisState{cfg: cfg, policy: policy, current: cfg.Default})
	}
	return rc, nil
}

// Update feeds the newest sample to every axis. view returns the visible
// window of a channel.
func (rc *RangeController) Update(latest models.Sample, view func(models.Channel) []models.Point) {
	for _, ax := range rc.axes {
		if !ax.cfg.AutoRange {
			ax.current = ax.cfg.Default
			continue
		}
		obs := Observation{}
		for _, ch := range ax.cfg.Channels {
			if v, ok := latest.Value(ch); ok {
				obs.Latest = append(obs.Latest, v)
			}
			obs.Visible = append(obs.Visible, view(ch))
		}
		ax.current = saturate(ax.policy.Update(obs))
	}
}

// saturate keeps r within the float64 range so margins and step rounding
// on extreme samples never commit an infinite bound.
func saturate(r models.AxisRange) models.AxisRange {
	r.Min = math.Max(r.Min, -math.MaxFloat64)
	r.Max = math.Min(r.Max, math.MaxFloat64)
	return r
}

// Axis returns the axis name and current range for ch.
func (rc *RangeController) Axis(ch models.Channel) (string, models.AxisRange, bool) {
	i, ok := rc.byChannel[ch]
	if !ok {
		return "", models.AxisRange{}, false
	}
	ax := rc.axes[i]
	return ax.cfg.Name, ax.current, true
}

// SetAutoRange toggles auto-range on the axis carrying ch and resets that
// axis to its default band.
func (rc *RangeController) SetAutoRange(ch models.Channel, enabled bool) error {
	i, ok := rc.byChannel[ch]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, ch)
	}
	ax := rc.axes[i]
	ax.cfg.AutoRange = enabled
	ax.policy.Reset()
	ax.current = ax.cfg.Default
	return nil
}

// Reset returns every axis to its default band and clears policy state.
func (rc *RangeController) Reset() {
	for _, ax := range rc.axes {
		ax.policy.Reset()
		ax.current = ax.cfg.Default
	}
}

// Status lists every axis in configuration order.
func (rc *RangeController) Status() []AxisStatus {
	out := make([]AxisStatus, 0, len(rc.axes))
	for _, ax := range rc.axes {
		policy := ax.cfg.Policy
		if policy == "" {
			policy = PolicyAutoFit
		}
		out = append(out, AxisStatus{
			Name:      ax.cfg.Name,
			Channels:  append([]models.Channel(nil), ax.cfg.Channels...),
			Policy:    policy,
			AutoRange: ax.cfg.AutoRange,
			Range:     ax.current,
		})
	}
	return out
}

func extremes(series [][]models.Point) (lo, hi float64, ok bool) {
	for _, pts := range series {
		for _, pt := range pts {
			if !ok {
				lo, hi, ok = pt.Value, pt.Value, true
				continue
			}
			lo = math.Min(lo, pt.Value)
			hi = math.Max(hi, pt.Value)
		}
	}
	return lo, hi, ok
}

func maxAbs(vs []float64) float64 {
	m := 0.0
	for _, v := range vs {
		m = math.Max(m, math.Abs(v))
	}
	return m
}
