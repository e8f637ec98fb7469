package transport

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"

	"biowave/internal/config"
	"biowave/internal/logger"
)

// Waveform shape constants. ECG amplitudes are in millivolts, PPG in raw
// sensor counts.
const (
	ecgBaselineNoise = 0.02
	ppgAmplitude     = 3000.0
	ppgOffset        = -1000.0
	ppgNoise         = 40.0

	spo2Min     = 90.0
	spo2Max     = 100.0
	spo2Every   = 50 // samples between SpO2 readings
	spo2MaxStep = 0.3
)

// wave is one Gaussian component of a synthetic heartbeat, placed at a
// fraction of the beat period.
type wave struct {
	center, width, amplitude float64
}

// P, Q, R, S and T waves.
var ecgWaves = []wave{
	{center: 0.20, width: 0.025, amplitude: 0.15},
	{center: 0.36, width: 0.008, amplitude: -0.12},
	{center: 0.39, width: 0.010, amplitude: 1.20},
	{center: 0.42, width: 0.008, amplitude: -0.25},
	{center: 0.65, width: 0.040, amplitude: 0.30},
}

// Systolic peak and dicrotic wave.
var ppgWaves = []wave{
	{center: 0.45, width: 0.08, amplitude: 1.0},
	{center: 0.70, width: 0.06, amplitude: 0.35},
}

// Emulator synthesizes a device stream: ECG and PPG on every line, SpO2
// periodically, fragmented into BLE-sized chunks. It can inject malformed
// lines and amplitude spikes to exercise fault isolation and range control.
type Emulator struct {
	cfg config.EmulatorConfig
	log *logger.Logger
	rng *rand.Rand

	n    int64
	spo2 float64
}

// NewEmulator returns an emulator. A zero seed picks a random one.
func NewEmulator(cfg config.EmulatorConfig, log *logger.Logger) *Emulator {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 250
	}
	if cfg.HeartRate <= 0 {
		cfg.HeartRate = 72
	}
	seed := uint64(cfg.Seed)
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Emulator{
		cfg:  cfg,
		log:  log,
		rng:  rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		spo2: 97,
	}
}

// Run paces lines at the configured sample rate as one session.
func (e *Emulator) Run(ctx context.Context, sink Sink) error {
	burst := int(e.cfg.SampleRate / 10)
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(e.cfg.SampleRate), burst)
	chunks := newChunker(e.cfg.MTU, e.rng)

	sink.OnSessionStart()
	if e.log != nil {
		e.log.Infow("emulator_started", "sample_rate", e.cfg.SampleRate, "heart_rate", e.cfg.HeartRate, "mtu", chunks.mtu)
	}
	defer func() {
		chunks.flush(sink)
		sink.OnSessionEnd()
		if e.log != nil {
			e.log.Infow("emulator_stopped", "samples", e.n, "stream_time", e.elapsed())
		}
	}()

	for {
		if err := limiter.Wait(ctx); err != nil {
			// Wait fails when ctx is done or its deadline cannot be met.
			return nil
		}
		chunks.write(e.Next(), sink)
	}
}

// Next returns the next wire line, newline included.
func (e *Emulator) Next() []byte {
	t := float64(e.n) / e.cfg.SampleRate
	e.n++

	if e.cfg.MalformedRate > 0 && e.rng.Float64() < e.cfg.MalformedRate {
		return e.malformed()
	}

	period := 60 / e.cfg.HeartRate
	phase := math.Mod(t, period) / period

	ecg := shape(ecgWaves, phase) + e.rng.NormFloat64()*ecgBaselineNoise
	ppg := ppgOffset + ppgAmplitude*shape(ppgWaves, phase) + e.rng.NormFloat64()*ppgNoise

	if e.cfg.SpikeRate > 0 && e.rng.Float64() < e.cfg.SpikeRate {
		ecg *= e.cfg.SpikeAmplitude
		ppg *= e.cfg.SpikeAmplitude
	}

	var spo2 *float64
	if e.cfg.SpO2 && (e.n-1)%spo2Every == 0 {
		e.spo2 += (e.rng.Float64()*2 - 1) * spo2MaxStep
		e.spo2 = math.Max(spo2Min, math.Min(spo2Max, e.spo2))
		v := math.Round(e.spo2*10) / 10
		spo2 = &v
	}
	return formatLine(ecg, ppg, spo2)
}

var malformedLines = [][]byte{
	[]byte("E:;P:12\n"),
	[]byte("P:1;E:2\n"),
	[]byte("E:1.2.3;P:4\n"),
	[]byte("E:NaN;P:0\n"),
	[]byte("hello\n"),
}

func (e *Emulator) malformed() []byte {
	return malformedLines[e.rng.IntN(len(malformedLines))]
}

func shape(waves []wave, phase float64) float64 {
	var v float64
	for _, w := range waves {
		d := (phase - w.center) / w.width
		v += w.amplitude * math.Exp(-0.5*d*d)
	}
	return v
}

// elapsed reports the emulated stream time.
func (e *Emulator) elapsed() time.Duration {
	return time.Duration(float64(e.n) / e.cfg.SampleRate * float64(time.Second))
}
