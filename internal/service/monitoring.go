package service

import (
	"bytes"
	"context"
	"fmt"

	"biowave/internal/ingest"
	"biowave/internal/models"
	"biowave/internal/render"
)

// MonitoringService is the read side used by HTTP and WebSocket clients.
type MonitoringService struct {
	stream *StreamService
	hub    *Hub
}

func NewMonitoringService(stream *StreamService, hub *Hub) *MonitoringService {
	return &MonitoringService{stream: stream, hub: hub}
}

func (s *MonitoringService) GetState(ctx context.Context) (StreamState, error) {
	return s.stream.State(ctx)
}

func (s *MonitoringService) Subscribe() *Subscription { return s.hub.Subscribe() }

func (s *MonitoringService) Unsubscribe(sub *Subscription) { s.hub.Unsubscribe(sub) }

// Chart renders the visible window of ch as a PNG, scaled to the range of
// the axis that carries it.
func (s *MonitoringService) Chart(ctx context.Context, ch models.Channel, width, height int) ([]byte, error) {
	st, err := s.stream.State(ctx)
	if err != nil {
		return nil, err
	}
	rng, ok := axisRange(st.Snapshot, ch)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ingest.ErrUnknownChannel, ch)
	}

	var buf bytes.Buffer
	err = render.PNG(&buf, render.Options{
		Title:  string(ch),
		Points: st.Snapshot.Series[ch],
		Range:  rng,
		Width:  width,
		Height: height,
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func axisRange(snap ingest.Snapshot, ch models.Channel) (models.AxisRange, bool) {
	for _, ax := range snap.Axes {
		for _, c := range ax.Channels {
			if c == ch {
				return ax.Range, true
			}
		}
	}
	return models.AxisRange{}, false
}
