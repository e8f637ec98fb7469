package transport

import (
	"context"
	"fmt"
	"time"

	"go.bug.st/serial"

	"biowave/internal/config"
	"biowave/internal/logger"
)

// Serial reads a device on a serial port, such as a BLE-to-UART bridge.
// Each successful open is one session; the port is reopened after
// ReconnectDelay when it fails or disappears.
type Serial struct {
	cfg  config.SerialConfig
	log  *logger.Logger
	open func(path string, mode *serial.Mode) (serial.Port, error)
}

func NewSerial(cfg config.SerialConfig, log *logger.Logger) *Serial {
	if cfg.ReadBuffer <= 0 {
		cfg.ReadBuffer = 64
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	return &Serial{cfg: cfg, log: log, open: serial.Open}
}

func (s *Serial) Run(ctx context.Context, sink Sink) error {
	for {
		err := s.session(ctx, sink)
		if ctx.Err() != nil {
			return nil
		}
		if s.log != nil {
			s.log.Warnw("serial_disconnected", "port", s.cfg.Port, "err", err, "retry_in", s.cfg.ReconnectDelay)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.ReconnectDelay):
		}
	}
}

// session opens the port and forwards reads until the port fails or ctx
// is canceled.
func (s *Serial) session(ctx context.Context, sink Sink) error {
	port, err := s.open(s.cfg.Port, &serial.Mode{
		BaudRate: s.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return fmt.Errorf("open %s: %w", s.cfg.Port, err)
	}
	defer port.Close()

	if err := port.SetReadTimeout(s.cfg.ReadTimeout); err != nil {
		return fmt.Errorf("set read timeout on %s: %w", s.cfg.Port, err)
	}

	// Close unblocks a pending Read when ctx is canceled.
	stop := context.AfterFunc(ctx, func() { _ = port.Close() })
	defer stop()

	sink.OnSessionStart()
	defer sink.OnSessionEnd()
	if s.log != nil {
		s.log.Infow("serial_connected", "port", s.cfg.Port, "baud_rate", s.cfg.BaudRate)
	}

	buf := make([]byte, s.cfg.ReadBuffer)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			sink.OnChunk(buf[:n])
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read %s: %w", s.cfg.Port, err)
		}
		// A zero-length read without error is a read timeout.
		if n == 0 && ctx.Err() != nil {
			return nil
		}
	}
}
