package ingest

import (
	"math"

	"biowave/internal/models"
)

// Gain tuning knobs.
const (
	GainStep    = 1.2
	MinGain     = 0.1
	MaxGain     = 1000.0
	DefaultGain = 1.0
)

// GainStage scales waveform samples before they are stored and displayed.
// SpO2 is a percentage, not an amplitude, and is never scaled.
type GainStage struct {
	factor    float64
	invertECG bool
	invertPPG bool
}

// NewGainStage returns a stage starting at gain. Inversion flags flip the sign
// of a channel to compensate for electrode or sensor wiring.
func NewGainStage(gain float64, invertECG, invertPPG bool) *GainStage {
	g := &GainStage{factor: DefaultGain, invertECG: invertECG, invertPPG: invertPPG}
	g.Set(gain)
	return g
}

// Factor returns the current gain.
func (g *GainStage) Factor() float64 { return g.factor }

// Increase multiplies the gain by GainStep, never going above MaxGain.
func (g *GainStage) Increase() float64 {
	g.factor *= GainStep
	if g.factor > MaxGain {
		g.factor = MaxGain
	}
	return g.factor
}

// Decrease divides the gain by GainStep, never going below MinGain.
func (g *GainStage) Decrease() float64 {
	g.factor /= GainStep
	if g.factor < MinGain {
		g.factor = MinGain
	}
	return g.factor
}

// Set replaces the gain. Values outside [MinGain, MaxGain] (and NaN) are
// clamped; infinite values leave the gain unchanged.
func (g *GainStage) Set(m float64) float64 {
	switch {
	case math.IsInf(m, 0):
	case math.IsNaN(m) || m < MinGain:
		g.factor = MinGain
	case m > MaxGain:
		g.factor = MaxGain
	default:
		g.factor = m
	}
	return g.factor
}

// Apply scales the waveform channels of s in place.
func (g *GainStage) Apply(s *models.Sample) {
	s.ECG = s.ECG * g.factor * sign(g.invertECG)
	s.PPG = s.PPG * g.factor * sign(g.invertPPG)
}

func sign(invert bool) float64 {
	if invert {
		return -1
	}
	return 1
}
