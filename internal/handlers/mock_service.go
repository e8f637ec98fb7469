package handlers

import (
	"context"
	"net/http"

	"biowave/internal/models"
	"biowave/internal/service"

	"github.com/gin-gonic/gin"
)

// ---- Service Mocks ----

type mockAuth struct {
	genTokenToken string
	genTokenErr   error
	parseID       int
	parseErr      error

	lastGenUsername string
	lastGenPassword string
	lastParseToken  string
}

func (m *mockAuth) SeedOperators(context.Context, []service.OperatorCredential) error { return nil }

func (m *mockAuth) GenerateToken(_ context.Context, username, password string) (string, error) {
	m.lastGenUsername = username
	m.lastGenPassword = password
	return m.genTokenToken, m.genTokenErr
}

func (m *mockAuth) ParseToken(token string) (int, error) {
	m.lastParseToken = token
	return m.parseID, m.parseErr
}

type mockControl struct {
	gain  float64
	width int
	err   error

	lastGain      float64
	lastChannel   models.Channel
	lastEnabled   bool
	lastWidth     int
	increaseCalls int
	decreaseCalls int
}

func (m *mockControl) SetGain(_ context.Context, g float64) (float64, error) {
	m.lastGain = g
	return m.gain, m.err
}

func (m *mockControl) IncreaseGain(context.Context) (float64, error) {
	m.increaseCalls++
	return m.gain, m.err
}

func (m *mockControl) DecreaseGain(context.Context) (float64, error) {
	m.decreaseCalls++
	return m.gain, m.err
}

func (m *mockControl) SetAutoRange(_ context.Context, ch models.Channel, enabled bool) error {
	m.lastChannel = ch
	m.lastEnabled = enabled
	return m.err
}

func (m *mockControl) SetVisibleWidth(_ context.Context, n int) (int, error) {
	m.lastWidth = n
	return m.width, m.err
}

// mockMonitoring serves a fixed state and a real hub so tests can publish
// live updates.
type mockMonitoring struct {
	state service.StreamState
	err   error
	hub   *service.Hub

	chart      []byte
	chartErr   error
	lastChart  models.Channel
	lastWidth  int
	lastHeight int

	subscribed chan struct{}
}

func newMockMonitoring() *mockMonitoring {
	return &mockMonitoring{hub: service.NewHub(64, nil, nil), subscribed: make(chan struct{}, 1)}
}

func (m *mockMonitoring) GetState(context.Context) (service.StreamState, error) {
	return m.state, m.err
}

func (m *mockMonitoring) Subscribe() *service.Subscription {
	sub := m.hub.Subscribe()
	select {
	case m.subscribed <- struct{}{}:
	default:
	}
	return sub
}

func (m *mockMonitoring) Unsubscribe(sub *service.Subscription) { m.hub.Unsubscribe(sub) }

func (m *mockMonitoring) Chart(_ context.Context, ch models.Channel, w, h int) ([]byte, error) {
	m.lastChart, m.lastWidth, m.lastHeight = ch, w, h
	return m.chart, m.chartErr
}

type mockEventLog struct {
	resp []models.SessionEvent
	err  error
	last service.LogFilter
}

func (m *mockEventLog) List(_ context.Context, f service.LogFilter) ([]models.SessionEvent, error) {
	m.last = f
	return m.resp, m.err
}

// ---- Shared Test Helpers ----

func newTestRouter(s *service.Service) *gin.Engine {
	h := NewHandler(s, nil, WithAuth(true))
	gin.SetMode(gin.TestMode)
	return h.InitRoutes()
}

func authHeader(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}
