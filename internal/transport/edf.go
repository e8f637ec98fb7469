package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"

	"github.com/OpenPSG/edf"
	"golang.org/x/time/rate"

	"biowave/internal/config"
	"biowave/internal/logger"
)

const edfBlock = 64

// EDF replays a recorded EDF/EDF+ file as a device stream, paced at
// SampleRate and fragmented like a live link. Each pass over the file is
// one session.
type EDF struct {
	cfg config.EDFConfig
	log *logger.Logger
	rng *rand.Rand
}

func NewEDF(cfg config.EDFConfig, log *logger.Logger) *EDF {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 250
	}
	return &EDF{cfg: cfg, log: log, rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

func (r *EDF) Run(ctx context.Context, sink Sink) error {
	f, err := os.Open(r.cfg.Path)
	if err != nil {
		return fmt.Errorf("open edf %s: %w", r.cfg.Path, err)
	}
	defer f.Close()

	limiter := rate.NewLimiter(rate.Limit(r.cfg.SampleRate), edfBlock)
	for {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewind edf %s: %w", r.cfg.Path, err)
		}
		n, err := r.replay(ctx, f, sink, limiter)
		if r.log != nil {
			r.log.Infow("edf_replay_finished", "path", r.cfg.Path, "samples", n, "err", err)
		}
		if err != nil || ctx.Err() != nil || !r.cfg.Loop {
			return err
		}
	}
}

// replay streams one pass over the file as a session and returns the number
// of samples sent.
func (r *EDF) replay(ctx context.Context, rs io.ReadSeeker, sink Sink, limiter *rate.Limiter) (int, error) {
	er, err := edf.Open(rs)
	if err != nil {
		return 0, fmt.Errorf("parse edf %s: %w", r.cfg.Path, err)
	}
	ecg, err := er.Signal(r.cfg.ECGSignal)
	if err != nil {
		return 0, fmt.Errorf("ecg signal %d: %w", r.cfg.ECGSignal, err)
	}
	ppg, err := er.Signal(r.cfg.PPGSignal)
	if err != nil {
		return 0, fmt.Errorf("ppg signal %d: %w", r.cfg.PPGSignal, err)
	}
	var spo2 *edf.SignalReader
	if r.cfg.SpO2Signal >= 0 {
		if spo2, err = er.Signal(r.cfg.SpO2Signal); err != nil {
			return 0, fmt.Errorf("spo2 signal %d: %w", r.cfg.SpO2Signal, err)
		}
	}

	chunks := newChunker(r.cfg.MTU, r.rng)
	sink.OnSessionStart()
	defer sink.OnSessionEnd()

	ecgBuf := make([]float64, edfBlock)
	ppgBuf := make([]float64, edfBlock)
	spo2Buf := make([]float64, edfBlock)

	sent := 0
	for {
		n, done, err := readBlock(ecg, ppg, spo2, ecgBuf, ppgBuf, spo2Buf)
		if err != nil {
			return sent, err
		}
		for i := 0; i < n; i++ {
			if err := limiter.Wait(ctx); err != nil {
				chunks.reset()
				return sent, nil
			}
			var s *float64
			if spo2 != nil {
				s = &spo2Buf[i]
			}
			chunks.write(formatLine(ecgBuf[i], ppgBuf[i], s), sink)
			sent++
		}
		if done {
			chunks.flush(sink)
			return sent, nil
		}
	}
}

// readBlock reads the next block of every signal and returns how many
// aligned samples are available. done reports that a signal is exhausted.
func readBlock(ecg, ppg, spo2 *edf.SignalReader, ecgBuf, ppgBuf, spo2Buf []float64) (int, bool, error) {
	n, done, err := readSignal(ecg, ecgBuf)
	if err != nil {
		return 0, false, fmt.Errorf("read ecg: %w", err)
	}
	m, d, err := readSignal(ppg, ppgBuf)
	if err != nil {
		return 0, false, fmt.Errorf("read ppg: %w", err)
	}
	n, done = min(n, m), done || d
	if spo2 != nil {
		m, d, err = readSignal(spo2, spo2Buf)
		if err != nil {
			return 0, false, fmt.Errorf("read spo2: %w", err)
		}
		n, done = min(n, m), done || d
	}
	return n, done, nil
}

func readSignal(sr *edf.SignalReader, buf []float64) (int, bool, error) {
	n, err := sr.Read(buf)
	if errors.Is(err, io.EOF) {
		return n, true, nil
	}
	return n, false, err
}
