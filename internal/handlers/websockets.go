package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"biowave/internal/models"
	"biowave/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Send/receive timing configuration and message size limits.
const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	maxMsgSize       = 1 << 12 // 4 KB
	maxInterval      = 10 * time.Second
	maxIntervalMilli = 10_000 // 10s in ms
	maxBatchFrames   = 1024
)

// Envelope types sent to live clients.
const (
	msgState    = "state"
	msgSnapshot = "snapshot"
	msgFrames   = "frames"
	msgSession  = "session"
)

type wsEnvelope struct {
	Type  string      `json:"type"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

// framesMessage is one batch of frames in index order. Dropped counts
// updates this client has missed so far because it fell behind.
type framesMessage struct {
	Frames  []models.Frame `json:"frames"`
	Dropped int64          `json:"dropped,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConnect streams the live feed: the full state first, then frame
// batches every interval, with session and snapshot updates in order.
func (h *Handler) wsConnect(c *gin.Context) {
	interval := h.parseInterval(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		if h.log != nil {
			h.log.Errorw("ws_upgrade_failed", "err", err)
		}
		return
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(maxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go h.startReader(conn, done)

	// Subscribe before the snapshot so no frame falls between the two.
	sub := h.services.Monitoring.Subscribe()
	defer h.services.Monitoring.Unsubscribe(sub)

	ticker := time.NewTicker(interval)
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ping.Stop()
	}()

	st, err := h.sendState(c.Request.Context(), conn)
	if err != nil {
		if h.log != nil {
			h.log.Infow("ws_write_failed_initial", "err", err)
		}
		return
	}
	seen := stateCursor{sessionID: st.SessionID, next: st.Snapshot.NextIndex, active: true}

	var pending []models.Frame
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		err := h.write(conn, wsEnvelope{Type: msgFrames, Data: framesMessage{Frames: pending, Dropped: sub.Dropped()}})
		pending = nil
		return err
	}

	for {
		var err error
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			err = conn.WriteMessage(websocket.PingMessage, nil)
		case <-ticker.C:
			err = flush()
		case u, ok := <-sub.C:
			if !ok {
				_ = flush()
				return
			}
			err = h.forward(conn, seen.filter(u), &pending, flush)
		}
		if err != nil {
			if h.log != nil {
				h.log.Infow("ws_write_failed", "err", err)
			}
			return
		}
	}
}

// forward queues frames for the next batch. Session and snapshot updates
// flush the batch first so the client sees them in stream order.
func (h *Handler) forward(conn *websocket.Conn, u service.Update, pending *[]models.Frame, flush func() error) error {
	switch {
	case len(u.Frames) > 0:
		*pending = append(*pending, u.Frames...)
		if len(*pending) >= maxBatchFrames {
			return flush()
		}
	case u.Session != nil:
		if err := flush(); err != nil {
			return err
		}
		return h.write(conn, wsEnvelope{Type: msgSession, Data: u.Session})
	case u.Snapshot != nil:
		if err := flush(); err != nil {
			return err
		}
		return h.write(conn, wsEnvelope{Type: msgSnapshot, Data: u.Snapshot})
	}
	return nil
}

// stateCursor drops frames that the initial state's series already carried.
// Those are the frames published between Subscribe and GetState; they form a
// prefix of the stream, so filtering stops at the first newer frame or at the
// next session boundary.
type stateCursor struct {
	sessionID string
	next      int64
	active    bool
}

func (c *stateCursor) filter(u service.Update) service.Update {
	if !c.active {
		return u
	}
	if u.Session != nil {
		c.active = false
		return u
	}
	i := 0
	for i < len(u.Frames) && u.Frames[i].SessionID == c.sessionID && u.Frames[i].Index < c.next {
		i++
	}
	if i < len(u.Frames) {
		c.active = false
	}
	u.Frames = u.Frames[i:]
	return u
}

// Helper: parseInterval reads ?interval=2s or ?interval_ms=2000 with bounds.
func (h *Handler) parseInterval(c *gin.Context) time.Duration {
	if s := c.Query("interval"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 && d <= maxInterval {
			return d
		}
	}

	if ms := c.Query("interval_ms"); ms != "" {
		if v, err := strconv.Atoi(ms); err == nil && v > 0 && v <= maxIntervalMilli {
			return time.Duration(v) * time.Millisecond
		}
	}

	return h.frameInterval
}

// Helper: startReader drains incoming messages to handle control frames and detect closure.
func (h *Handler) startReader(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if h.log != nil {
				h.log.Infow("ws_read_closed", "err", err)
			}
			return
		}
	}
}

// Helper: sendState fetches and writes the full stream state.
func (h *Handler) sendState(ctx context.Context, conn *websocket.Conn) (service.StreamState, error) {
	st, err := h.services.Monitoring.GetState(ctx)
	if err != nil {
		if h.log != nil {
			h.log.Errorw("ws_get_state_failed", "err", err)
		}
		return st, err
	}
	return st, h.write(conn, wsEnvelope{Type: msgState, Data: st})
}

func (h *Handler) write(conn *websocket.Conn, env wsEnvelope) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(env)
}
