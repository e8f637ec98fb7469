package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"biowave/internal/ingest"
	"biowave/internal/logger"
	"biowave/internal/models"
)

var ErrStreamStopped = errors.New("stream is not running")

// Recorder receives stream counters. *metrics.Collector implements it.
type Recorder interface {
	ChunkReceived(n int)
	Lines(lines, accepted, malformed, overflows int64)
	SessionStarted()
	SessionEnded()
	SetGain(g float64)
}

// Journal records session events without blocking.
type Journal interface {
	Record(e models.SessionEvent)
}

// StreamState is the externally visible state of the stream.
type StreamState struct {
	SessionID   string          `json:"session_id,omitempty"`
	Active      bool            `json:"active"`
	Subscribers int             `json:"subscribers"`
	Snapshot    ingest.Snapshot `json:"snapshot"`
}

// StreamService owns the pipeline. Transports and control requests enqueue
// work from any goroutine; Run executes it in arrival order on one goroutine,
// so the pipeline is only ever touched there.
type StreamService struct {
	pipeline *ingest.Pipeline
	hub      *Hub
	journal  Journal
	metrics  Recorder
	log      *logger.Logger

	queue   chan func()
	stopped chan struct{}

	// owned by the Run goroutine
	sessionID string
	active    bool
	lastStats ingest.Stats
}

// NewStreamService wires a pipeline to the hub. journal, metrics and log may
// be nil.
func NewStreamService(p *ingest.Pipeline, hub *Hub, queueSize int, journal Journal, metrics Recorder, log *logger.Logger) *StreamService {
	if queueSize <= 0 {
		queueSize = 1
	}
	s := &StreamService{
		pipeline:  p,
		hub:       hub,
		journal:   journal,
		metrics:   metrics,
		log:       log,
		queue:     make(chan func(), queueSize),
		stopped:   make(chan struct{}),
		lastStats: p.Stats(),
	}
	if metrics != nil {
		metrics.SetGain(p.Gain())
	}
	return s
}

// Run drains the queue until ctx is canceled. Work queued before the
// cancel is still applied and an open session is ended, so its end reaches
// the journal. It must be called once.
func (s *StreamService) Run(ctx context.Context) {
	defer close(s.stopped)
	for {
		select {
		case <-ctx.Done():
			s.flushQueue()
			if s.active {
				s.endSession()
			}
			return
		case fn := <-s.queue:
			fn()
		}
	}
}

func (s *StreamService) flushQueue() {
	for {
		select {
		case fn := <-s.queue:
			fn()
		default:
			return
		}
	}
}

// enqueue blocks until fn is queued, giving backpressure to the caller.
func (s *StreamService) enqueue(fn func()) bool {
	select {
	case s.queue <- fn:
		return true
	case <-s.stopped:
		return false
	}
}

// do runs fn on the stream goroutine and waits for it to finish.
func (s *StreamService) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case s.queue <- func() { fn(); close(done) }:
	case <-s.stopped:
		return ErrStreamStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-s.stopped:
		return ErrStreamStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnChunk queues a transport fragment. The slice is copied.
func (s *StreamService) OnChunk(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	buf := append([]byte(nil), chunk...)
	s.enqueue(func() { s.feed(buf) })
}

// OnSessionStart queues a session start: the pipeline is reset before any
// data queued after this call is processed.
func (s *StreamService) OnSessionStart() {
	s.enqueue(s.startSession)
}

// OnSessionEnd queues a session end and reset.
func (s *StreamService) OnSessionEnd() {
	s.enqueue(s.endSession)
}

func (s *StreamService) feed(chunk []byte) {
	if s.metrics != nil {
		s.metrics.ChunkReceived(len(chunk))
	}
	frames := s.pipeline.Feed(chunk)

	stats := s.pipeline.Stats()
	if s.metrics != nil {
		s.metrics.Lines(
			stats.Lines-s.lastStats.Lines,
			stats.Accepted-s.lastStats.Accepted,
			stats.Malformed-s.lastStats.Malformed,
			stats.Overflows-s.lastStats.Overflows,
		)
	}
	s.lastStats = stats

	if len(frames) == 0 {
		return
	}
	for i := range frames {
		frames[i].SessionID = s.sessionID
	}
	s.hub.Publish(Update{Frames: frames})
}

func (s *StreamService) startSession() {
	if s.active {
		s.endSession()
	}
	s.pipeline.Reset()
	s.sessionID = uuid.NewString()
	s.active = true

	if s.metrics != nil {
		s.metrics.SessionStarted()
	}
	if s.log != nil {
		s.log.Infow("session_started", "session_id", s.sessionID)
	}
	s.announce(SessionStarted, models.EventSessionStart, "transport session started", nil)
}

func (s *StreamService) endSession() {
	s.pipeline.Reset()
	if !s.active {
		return
	}
	stats := s.pipeline.Stats()
	if s.metrics != nil {
		s.metrics.SessionEnded()
	}
	if s.log != nil {
		s.log.Infow("session_ended", "session_id", s.sessionID, "accepted", stats.Accepted, "malformed", stats.Malformed)
	}
	s.announce(SessionEnded, models.EventSessionEnd, "transport session ended", nil)
	s.active = false
	s.sessionID = ""
}

func (s *StreamService) announce(state, eventType, description string, meta any) {
	now := time.Now().UTC()
	s.hub.Publish(Update{Session: &SessionChange{SessionID: s.sessionID, State: state, At: now}})
	s.record(eventType, description, meta, now)
}

func (s *StreamService) record(eventType, description string, meta any, at time.Time) {
	if s.journal == nil {
		return
	}
	s.journal.Record(models.SessionEvent{
		SessionID:   s.sessionID,
		OccurredAt:  at,
		Type:        eventType,
		Description: description,
		Metadata:    meta,
	})
}

// publishSnapshot lets subscribers redraw after a display setting changed.
func (s *StreamService) publishSnapshot() {
	snap := s.pipeline.Snapshot()
	s.hub.Publish(Update{Snapshot: &snap})
}

func (s *StreamService) gainChanged(op string, from, to float64) {
	if s.metrics != nil {
		s.metrics.SetGain(to)
	}
	s.record(models.EventGainChange, fmt.Sprintf("gain %s: %.3f -> %.3f", op, from, to),
		map[string]any{"op": op, "from": from, "to": to}, time.Now().UTC())
	s.publishSnapshot()
}

// SetGain replaces the gain and returns the applied (clamped) value.
func (s *StreamService) SetGain(ctx context.Context, m float64) (float64, error) {
	var applied float64
	err := s.do(ctx, func() {
		from := s.pipeline.Gain()
		applied = s.pipeline.SetGain(m)
		s.gainChanged("set", from, applied)
	})
	return applied, err
}

func (s *StreamService) IncreaseGain(ctx context.Context) (float64, error) {
	var applied float64
	err := s.do(ctx, func() {
		from := s.pipeline.Gain()
		applied = s.pipeline.IncreaseGain()
		s.gainChanged("increase", from, applied)
	})
	return applied, err
}

func (s *StreamService) DecreaseGain(ctx context.Context) (float64, error) {
	var applied float64
	err := s.do(ctx, func() {
		from := s.pipeline.Gain()
		applied = s.pipeline.DecreaseGain()
		s.gainChanged("decrease", from, applied)
	})
	return applied, err
}

// SetAutoRange toggles auto-range for the axis carrying ch.
func (s *StreamService) SetAutoRange(ctx context.Context, ch models.Channel, enabled bool) error {
	var opErr error
	err := s.do(ctx, func() {
		if opErr = s.pipeline.SetAutoRange(ch, enabled); opErr != nil {
			return
		}
		s.record(models.EventAutoRangeChange, fmt.Sprintf("auto-range %s: %t", ch, enabled),
			map[string]any{"channel": ch, "enabled": enabled}, time.Now().UTC())
		s.publishSnapshot()
	})
	if err != nil {
		return err
	}
	return opErr
}

// SetVisibleWidth changes the visible window and returns the applied width.
func (s *StreamService) SetVisibleWidth(ctx context.Context, n int) (int, error) {
	var applied int
	err := s.do(ctx, func() {
		applied = s.pipeline.SetVisibleWidth(n)
		s.record(models.EventWindowChange, fmt.Sprintf("visible width: %d", applied),
			map[string]any{"requested": n, "applied": applied}, time.Now().UTC())
		s.publishSnapshot()
	})
	return applied, err
}

// State returns a consistent copy of the stream state.
func (s *StreamService) State(ctx context.Context) (StreamState, error) {
	var st StreamState
	err := s.do(ctx, func() {
		st = StreamState{
			SessionID: s.sessionID,
			Active:    s.active,
			Snapshot:  s.pipeline.Snapshot(),
		}
	})
	st.Subscribers = s.hub.Len()
	return st, err
}
