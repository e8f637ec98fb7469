package service

import (
	"sync"
	"sync/atomic"
	"time"

	"biowave/internal/ingest"
	"biowave/internal/models"
)

// Session states carried by SessionChange.
const (
	SessionStarted = "started"
	SessionEnded   = "ended"
)

// SessionChange announces a transport session boundary.
type SessionChange struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	At        time.Time `json:"at"`
}

// Update is one message fanned out to live subscribers. Exactly one field
// is set.
type Update struct {
	Frames   []models.Frame
	Session  *SessionChange
	Snapshot *ingest.Snapshot
}

// Subscription receives updates in publish order until it is closed.
type Subscription struct {
	C       <-chan Update
	ch      chan Update
	dropped atomic.Int64
}

// Dropped returns how many updates were skipped because C was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Hub fans updates out to subscribers. A subscriber that does not keep up
// loses updates instead of stalling the stream.
type Hub struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	buffer int

	onDrop  func()
	onCount func(int)
}

// NewHub returns a hub whose subscriptions buffer up to buffer updates.
// onDrop and onCount may be nil.
func NewHub(buffer int, onDrop func(), onCount func(int)) *Hub {
	if buffer <= 0 {
		buffer = 1
	}
	return &Hub{
		subs:    make(map[*Subscription]struct{}),
		buffer:  buffer,
		onDrop:  onDrop,
		onCount: onCount,
	}
}

func (h *Hub) Subscribe() *Subscription {
	ch := make(chan Update, h.buffer)
	sub := &Subscription{C: ch, ch: ch}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()

	if h.onCount != nil {
		h.onCount(n)
	}
	return sub
}

// Unsubscribe removes sub and closes its channel. Repeated calls are no-ops.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	_, ok := h.subs[sub]
	if ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
	n := len(h.subs)
	h.mu.Unlock()

	if ok && h.onCount != nil {
		h.onCount(n)
	}
}

// Publish delivers u to every subscriber without blocking.
func (h *Hub) Publish(u Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.ch <- u:
		default:
			sub.dropped.Add(1)
			if h.onDrop != nil {
				h.onDrop()
			}
		}
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
