package service

import (
	"context"
	"time"

	"biowave/internal/ingest"
	"biowave/internal/logger"
	"biowave/internal/metrics"
	"biowave/internal/models"
	"biowave/internal/repository"
)

type Authorization interface {
	SeedOperators(ctx context.Context, creds []OperatorCredential) error
	GenerateToken(ctx context.Context, username, password string) (string, error)
	ParseToken(accessToken string) (int, error)
}

// Stream is the ingest side: transports push fragments and session
// boundaries, Run processes them in order.
type Stream interface {
	OnChunk(chunk []byte)
	OnSessionStart()
	OnSessionEnd()
	Run(ctx context.Context)
}

// Control exposes the operator's display settings.
type Control interface {
	SetGain(ctx context.Context, m float64) (float64, error)
	IncreaseGain(ctx context.Context) (float64, error)
	DecreaseGain(ctx context.Context) (float64, error)
	SetAutoRange(ctx context.Context, ch models.Channel, enabled bool) error
	SetVisibleWidth(ctx context.Context, n int) (int, error)
}

// Monitoring exposes read-only state and the live feed.
type Monitoring interface {
	GetState(ctx context.Context) (StreamState, error)
	Subscribe() *Subscription
	Unsubscribe(sub *Subscription)
	Chart(ctx context.Context, ch models.Channel, width, height int) ([]byte, error)
}

// EventLog exposes the session journal with filtering access.
type EventLog interface {
	List(ctx context.Context, f LogFilter) ([]models.SessionEvent, error)
}

// JournalWorker is the background writer behind EventLog.
type JournalWorker interface {
	Journal
	Run(ctx context.Context)
}

type Service struct {
	Stream
	Control
	Monitoring
	EventLog
	Authorization

	Journal JournalWorker
}

// Options tunes NewService.
type Options struct {
	Pipeline         ingest.Config
	QueueSize        int
	SubscriberBuffer int
	JournalQueue     int
	Retention        int
	SigningKey       string
	TokenTTL         time.Duration
	Metrics          *metrics.Collector
}

// NewService builds the pipeline and wires it to the repositories.
func NewService(repos *repository.Repository, opts Options, log *logger.Logger) (*Service, error) {
	p, err := ingest.NewPipeline(opts.Pipeline, log.Named("pipeline"))
	if err != nil {
		return nil, err
	}

	var (
		onHubDrop     func()
		onSubscribers func(int)
		onJournalDrop func()
		recorder      Recorder
	)
	if m := opts.Metrics; m != nil {
		onHubDrop = m.SubscriberDropped
		onSubscribers = m.SetSubscribers
		onJournalDrop = m.JournalDropped
		recorder = m
	}

	hub := NewHub(opts.SubscriberBuffer, onHubDrop, onSubscribers)
	journal := NewEventLogService(repos.EventRepo, opts.JournalQueue, opts.Retention, log.Named("journal"), onJournalDrop)
	stream := NewStreamService(p, hub, opts.QueueSize, journal, recorder, log.Named("stream"))

	return &Service{
		Stream:        stream,
		Control:       stream,
		Monitoring:    NewMonitoringService(stream, hub),
		EventLog:      journal,
		Authorization: NewAuthService(repos.Operators, opts.SigningKey, opts.TokenTTL),
		Journal:       journal,
	}, nil
}
