// Package transport delivers raw device bytes to the stream. Every source
// reports fragments exactly as they arrive and marks session boundaries
// when its underlying connection opens or closes.
package transport

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"

	"biowave/internal/config"
	"biowave/internal/logger"
)

// Sink receives transport output. OnChunk must not retain chunk after it
// returns. *service.StreamService implements it.
type Sink interface {
	OnChunk(chunk []byte)
	OnSessionStart()
	OnSessionEnd()
}

// Source runs until ctx is canceled or the source is exhausted.
type Source interface {
	Run(ctx context.Context, sink Sink) error
}

// New builds the source selected by cfg.Source.Kind.
func New(cfg *config.Config, log *logger.Logger) (Source, error) {
	switch cfg.Source.Kind {
	case config.SourceNone:
		return Idle{}, nil
	case config.SourceEmulator:
		return NewEmulator(cfg.Emulator, log.Named("emulator")), nil
	case config.SourceSerial:
		return NewSerial(cfg.Serial, log.Named("serial")), nil
	case config.SourceMQTT:
		return NewMQTT(cfg.MQTT, log.Named("mqtt")), nil
	case config.SourceEDF:
		return NewEDF(cfg.EDF, log.Named("edf")), nil
	default:
		return nil, fmt.Errorf("%w: unknown source.kind %q", config.ErrInvalid, cfg.Source.Kind)
	}
}

// Idle never produces data. It is used when samples arrive some other way.
type Idle struct{}

func (Idle) Run(ctx context.Context, _ Sink) error {
	<-ctx.Done()
	return nil
}

// chunker cuts a byte stream into fragments of random length in [1, mtu],
// the way a BLE link splits notifications.
type chunker struct {
	mtu int
	rng *rand.Rand
	buf []byte
}

func newChunker(mtu int, rng *rand.Rand) *chunker {
	if mtu <= 0 {
		mtu = 20
	}
	return &chunker{mtu: mtu, rng: rng}
}

// write buffers p and emits every full fragment. A tail shorter than the
// drawn fragment length stays buffered until the next write or flush.
func (c *chunker) write(p []byte, sink Sink) {
	c.buf = append(c.buf, p...)
	for {
		n := 1 + c.rng.IntN(c.mtu)
		if n > len(c.buf) {
			return
		}
		sink.OnChunk(c.buf[:n])
		c.buf = c.buf[n:]
	}
}

func (c *chunker) flush(sink Sink) {
	if len(c.buf) > 0 {
		sink.OnChunk(c.buf)
	}
	c.buf = c.buf[:0]
}

func (c *chunker) reset() { c.buf = c.buf[:0] }

// formatLine renders one sample in wire format.
func formatLine(ecg, ppg float64, spo2 *float64) []byte {
	b := make([]byte, 0, 40)
	b = append(b, "E:"...)
	b = strconv.AppendFloat(b, ecg, 'f', 4, 64)
	b = append(b, ";P:"...)
	b = strconv.AppendFloat(b, ppg, 'f', 1, 64)
	if spo2 != nil {
		b = append(b, ";S:"...)
		b = strconv.AppendFloat(b, *spo2, 'f', 1, 64)
	}
	return append(b, '\n')
}
