package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"biowave/internal/ingest"
	"biowave/internal/models"
	"biowave/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// --- parseInterval unit tests ---

func TestParseInterval(t *testing.T) {
	h := NewHandler(&service.Service{}, nil, WithFrameInterval(time.Second))

	cases := []struct {
		name string
		u    string
		want time.Duration
	}{
		{"default_when_missing", "/ws", 1 * time.Second},
		{"interval_string_valid", "/ws?interval=200ms", 200 * time.Millisecond},
		{"interval_ms_valid", "/ws?interval_ms=150", 150 * time.Millisecond},
		{"interval_too_large", "/ws?interval=20s", 1 * time.Second},
		{"interval_ms_too_large", "/ws?interval_ms=20000", 1 * time.Second},
		{"interval_invalid_string", "/ws?interval=bogus", 1 * time.Second},
		{"interval_ms_invalid", "/ws?interval_ms=NaN", 1 * time.Second},
		{"both_present_interval_wins", "/ws?interval=2s&interval_ms=150", 2 * time.Second},
		{"both_present_invalid_interval_ms_used", "/ws?interval=bogus&interval_ms=250", 250 * time.Millisecond},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, tc.u, nil)
			c, _ := gin.CreateTestContext(w)
			c.Request = req
			got := h.parseInterval(c)
			if got != tc.want {
				t.Fatalf("got %v, want %v for %s", got, tc.want, tc.u)
			}
		})
	}
}

func TestParseInterval_DefaultFrameInterval(t *testing.T) {
	h := NewHandler(&service.Service{}, nil, WithFrameInterval(time.Hour))
	if h.frameInterval != defaultFrameInterval {
		t.Fatalf("out of range option should be ignored, got %v", h.frameInterval)
	}
}

// --- websocket integration tests ---

type envelope struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

func dialWS(t *testing.T, mon *mockMonitoring, query string) *websocket.Conn {
	t.Helper()
	s := &service.Service{Monitoring: mon}

	r := gin.New()
	h := NewHandler(s, nil)
	r.GET("/ws", h.wsConnect)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	u, _ := url.Parse(srv.URL)
	u.Scheme = "ws"
	u.Path = "/ws"
	u.RawQuery = query

	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

func TestWebSocket_StateThenLiveUpdates(t *testing.T) {
	mon := newMockMonitoring()
	mon.state = service.StreamState{SessionID: "s1", Active: true, Snapshot: ingest.Snapshot{Gain: 1}}
	// long interval so only the session change flushes the batch
	conn := dialWS(t, mon, "interval=5s")

	env := readEnvelope(t, conn)
	if env.Type != msgState || len(env.Data) == 0 {
		t.Fatalf("bad envelope: %+v", env)
	}
	var st service.StreamState
	if err := json.Unmarshal(env.Data, &st); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if st.SessionID != "s1" || !st.Active {
		t.Fatalf("unexpected state: %+v", st)
	}

	select {
	case <-mon.subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not subscribe")
	}

	// Frames are batched; a session change flushes the pending batch first.
	mon.hub.Publish(service.Update{Frames: []models.Frame{{SessionID: "s1", Index: 0}}})
	mon.hub.Publish(service.Update{Frames: []models.Frame{{SessionID: "s1", Index: 1}}})
	mon.hub.Publish(service.Update{Session: &service.SessionChange{SessionID: "s1", State: service.SessionEnded}})

	env = readEnvelope(t, conn)
	if env.Type != msgFrames {
		t.Fatalf("expected frames, got %+v", env)
	}
	var batch framesMessage
	if err := json.Unmarshal(env.Data, &batch); err != nil {
		t.Fatalf("unmarshal frames: %v", err)
	}
	if len(batch.Frames) != 2 || batch.Frames[0].Index != 0 || batch.Frames[1].Index != 1 {
		t.Fatalf("unexpected batch: %+v", batch)
	}

	env = readEnvelope(t, conn)
	if env.Type != msgSession {
		t.Fatalf("expected session, got %+v", env)
	}
	var sc service.SessionChange
	_ = json.Unmarshal(env.Data, &sc)
	if sc.State != service.SessionEnded {
		t.Fatalf("unexpected session change: %+v", sc)
	}

	// A snapshot update is forwarded as-is.
	mon.hub.Publish(service.Update{Snapshot: &ingest.Snapshot{Gain: 2, VisibleWidth: 100}})
	env = readEnvelope(t, conn)
	if env.Type != msgSnapshot {
		t.Fatalf("expected snapshot, got %+v", env)
	}
	var snap ingest.Snapshot
	_ = json.Unmarshal(env.Data, &snap)
	if snap.Gain != 2 || snap.VisibleWidth != 100 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func readFrames(t *testing.T, conn *websocket.Conn) []models.Frame {
	t.Helper()
	env := readEnvelope(t, conn)
	if env.Type != msgFrames {
		t.Fatalf("expected frames, got %+v", env)
	}
	var batch framesMessage
	if err := json.Unmarshal(env.Data, &batch); err != nil {
		t.Fatalf("unmarshal frames: %v", err)
	}
	return batch.Frames
}

func TestWebSocket_SkipsFramesAlreadyInState(t *testing.T) {
	mon := newMockMonitoring()
	mon.state = service.StreamState{SessionID: "s1", Active: true, Snapshot: ingest.Snapshot{NextIndex: 2}}
	conn := dialWS(t, mon, "interval=5s")
	readEnvelope(t, conn)
	<-mon.subscribed

	// frames 0 and 1 are already part of the state's series
	mon.hub.Publish(service.Update{Frames: []models.Frame{{SessionID: "s1", Index: 0}, {SessionID: "s1", Index: 1}, {SessionID: "s1", Index: 2}}})
	mon.hub.Publish(service.Update{Frames: []models.Frame{{SessionID: "s1", Index: 3}}})
	mon.hub.Publish(service.Update{Session: &service.SessionChange{SessionID: "s2", State: service.SessionStarted}})

	frames := readFrames(t, conn)
	if len(frames) != 2 || frames[0].Index != 2 || frames[1].Index != 3 {
		t.Fatalf("unexpected batch: %+v", frames)
	}
	if env := readEnvelope(t, conn); env.Type != msgSession {
		t.Fatalf("expected session, got %+v", env)
	}

	// indices restart with the new session and are delivered in full
	mon.hub.Publish(service.Update{Frames: []models.Frame{{SessionID: "s2", Index: 0}}})
	mon.hub.Publish(service.Update{Session: &service.SessionChange{SessionID: "s2", State: service.SessionEnded}})

	frames = readFrames(t, conn)
	if len(frames) != 1 || frames[0].SessionID != "s2" || frames[0].Index != 0 {
		t.Fatalf("unexpected batch after restart: %+v", frames)
	}
}

func TestStateCursor_Filter(t *testing.T) {
	c := stateCursor{sessionID: "s1", next: 5, active: true}

	u := c.filter(service.Update{Frames: []models.Frame{{SessionID: "s1", Index: 3}, {SessionID: "s1", Index: 4}}})
	if len(u.Frames) != 0 || !c.active {
		t.Fatalf("stale frames should be dropped, got %+v active=%v", u.Frames, c.active)
	}

	u = c.filter(service.Update{Frames: []models.Frame{{SessionID: "s1", Index: 5}}})
	if len(u.Frames) != 1 || c.active {
		t.Fatalf("newer frame should pass and stop filtering, got %+v active=%v", u.Frames, c.active)
	}

	u = c.filter(service.Update{Frames: []models.Frame{{SessionID: "s1", Index: 1}}})
	if len(u.Frames) != 1 {
		t.Fatalf("filtering must stop after the first newer frame, got %+v", u.Frames)
	}
}

func TestWebSocket_PeriodicFlush(t *testing.T) {
	mon := newMockMonitoring()
	conn := dialWS(t, mon, "interval_ms=20")
	readEnvelope(t, conn)
	<-mon.subscribed

	mon.hub.Publish(service.Update{Frames: []models.Frame{{Index: 7}}})
	env := readEnvelope(t, conn)
	if env.Type != msgFrames {
		t.Fatalf("expected frames, got %+v", env)
	}
}

func TestWebSocket_InitialGetStateError_Closes(t *testing.T) {
	mon := newMockMonitoring()
	mon.err = errors.New("boom")
	conn := dialWS(t, mon, "")

	// The server should close immediately after failing initial GetState
	_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	var raw json.RawMessage
	if err := conn.ReadJSON(&raw); err == nil {
		t.Fatalf("expected read error (closed), got message: %s", string(raw))
	}
	// the subscription is released on close
	deadline := time.Now().Add(time.Second)
	for mon.hub.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber leaked, hub len = %d", mon.hub.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
