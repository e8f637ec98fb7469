package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"biowave/internal/logger"
	"biowave/internal/models"
	"biowave/internal/repository"
)

var ErrInvalidTimeRange = errors.New("invalid time range: From must be <= To")

// journalWriteTimeout bounds each append made while draining at shutdown.
const journalWriteTimeout = 2 * time.Second

// EventLogService is the session journal. Record never blocks the stream;
// a background worker started by Run writes events and enforces retention.
type EventLogService struct {
	eventRepo repository.EventRepo
	queue     chan models.SessionEvent
	retention int
	log       *logger.Logger
	onDrop    func()

	appended int
}

// NewEventLogService returns a journal keeping at most retention events
// (0 keeps everything). onDrop and log may be nil.
func NewEventLogService(eventRepo repository.EventRepo, queueSize, retention int, log *logger.Logger, onDrop func()) *EventLogService {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &EventLogService{
		eventRepo: eventRepo,
		queue:     make(chan models.SessionEvent, queueSize),
		retention: retention,
		log:       log,
		onDrop:    onDrop,
	}
}

// Record queues e for writing. IDs and timestamps are assigned here so that
// they reflect when the event happened, not when it was written.
func (s *EventLogService) Record(e models.SessionEvent) {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	select {
	case s.queue <- e:
	default:
		if s.log != nil {
			s.log.Warnw("journal_event_dropped", "type", e.Type, "session_id", e.SessionID)
		}
		if s.onDrop != nil {
			s.onDrop()
		}
	}
}

// Run writes queued events until ctx is canceled, then drains what is left.
func (s *EventLogService) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case e := <-s.queue:
			s.write(ctx, e)
		}
	}
}

func (s *EventLogService) drain() {
	for {
		select {
		case e := <-s.queue:
			ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
			s.write(ctx, e)
			cancel()
		default:
			return
		}
	}
}

func (s *EventLogService) write(ctx context.Context, e models.SessionEvent) {
	if err := s.eventRepo.Append(ctx, e); err != nil {
		if s.log != nil {
			s.log.Errorw("journal_append_failed", "type", e.Type, "err", err)
		}
		return
	}
	s.appended++
	if s.retention <= 0 || s.appended%pruneEvery(s.retention) != 0 {
		return
	}
	if n, err := s.eventRepo.Prune(ctx, s.retention); err != nil {
		if s.log != nil {
			s.log.Errorw("journal_prune_failed", "err", err)
		}
	} else if n > 0 && s.log != nil {
		s.log.Debugw("journal_pruned", "deleted", n)
	}
}

// pruneEvery spreads pruning over a tenth of the retention window.
func pruneEvery(retention int) int {
	if n := retention / 10; n > 1 {
		return n
	}
	return 1
}

// normalizeToUTC returns t in UTC, preserving zero time values.
func normalizeToUTC(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}

// normalizeEventType trims spaces and uppercases the event type filter.
func normalizeEventType(s string) string {
	return strings.TrimSpace(strings.ToUpper(s))
}

// normalizeAndValidateFilter prepares query parameters and validates the time range.
func normalizeAndValidateFilter(f LogFilter) (repository.EventFilter, error) {
	from := normalizeToUTC(f.From)
	to := normalizeToUTC(f.To)

	if !from.IsZero() && !to.IsZero() && from.After(to) {
		return repository.EventFilter{}, ErrInvalidTimeRange
	}
	limit := f.Limit
	if limit < 0 {
		limit = 0
	}
	return repository.EventFilter{
		From:      from,
		To:        to,
		Type:      normalizeEventType(f.Type),
		SessionID: strings.TrimSpace(f.SessionID),
		Limit:     limit,
	}, nil
}

func (s *EventLogService) List(ctx context.Context, f LogFilter) ([]models.SessionEvent, error) {
	filter, err := normalizeAndValidateFilter(f)
	if err != nil {
		return nil, err
	}
	return s.eventRepo.List(ctx, filter)
}
