package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"biowave/internal/ingest"
	"biowave/internal/models"
)

type fakeJournal struct {
	mu     sync.Mutex
	events []models.SessionEvent
}

func (j *fakeJournal) Record(e models.SessionEvent) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, e)
}

func (j *fakeJournal) types() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.events))
	for i, e := range j.events {
		out[i] = e.Type
	}
	return out
}

type fakeRecorder struct {
	mu                        sync.Mutex
	chunks                    int
	lines, accepted, malformd int64
	started, ended            int
	gain                      float64
}

func (r *fakeRecorder) ChunkReceived(int) { r.mu.Lock(); r.chunks++; r.mu.Unlock() }
func (r *fakeRecorder) Lines(lines, accepted, malformed, _ int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines += lines
	r.accepted += accepted
	r.malformd += malformed
}
func (r *fakeRecorder) SessionStarted()   { r.mu.Lock(); r.started++; r.mu.Unlock() }
func (r *fakeRecorder) SessionEnded()     { r.mu.Lock(); r.ended++; r.mu.Unlock() }
func (r *fakeRecorder) SetGain(g float64) { r.mu.Lock(); r.gain = g; r.mu.Unlock() }

type streamFixture struct {
	stream  *StreamService
	hub     *Hub
	journal *fakeJournal
	metrics *fakeRecorder
	cancel  context.CancelFunc
	done    chan struct{}
}

func newStreamFixture(t *testing.T) *streamFixture {
	t.Helper()
	cfg := ingest.DefaultConfig()
	cfg.InvertECG, cfg.InvertPPG = false, false
	p, err := ingest.NewPipeline(cfg, nil)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}

	f := &streamFixture{
		hub:     NewHub(256, nil, nil),
		journal: &fakeJournal{},
		metrics: &fakeRecorder{},
		done:    make(chan struct{}),
	}
	f.stream = NewStreamService(p, f.hub, 16, f.journal, f.metrics, nil)

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() {
		f.stream.Run(ctx)
		close(f.done)
	}()
	t.Cleanup(f.stop)
	return f
}

func (f *streamFixture) stop() {
	f.cancel()
	<-f.done
}

// sync waits until everything queued so far has been processed.
func (f *streamFixture) sync(t *testing.T) StreamState {
	t.Helper()
	st, err := f.stream.State(context.Background())
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	return st
}

func drain(sub *Subscription) []Update {
	var out []Update
	for {
		select {
		case u := <-sub.C:
			out = append(out, u)
		default:
			return out
		}
	}
}

func frameIndices(updates []Update) []int64 {
	var out []int64
	for _, u := range updates {
		for _, fr := range u.Frames {
			out = append(out, fr.Index)
		}
	}
	return out
}

func TestStream_ChunksAcrossFragments(t *testing.T) {
	f := newStreamFixture(t)
	sub := f.hub.Subscribe()

	f.stream.OnSessionStart()
	f.stream.OnChunk([]byte("E:1;P:2;S:97\nE:"))
	f.stream.OnChunk([]byte("3;P:4\ngarbage\n"))
	st := f.sync(t)

	if !st.Active || st.SessionID == "" {
		t.Fatalf("expected active session, got %+v", st)
	}
	if st.Snapshot.NextIndex != 2 {
		t.Fatalf("next index = %d", st.Snapshot.NextIndex)
	}

	updates := drain(sub)
	if len(updates) == 0 || updates[0].Session == nil || updates[0].Session.State != SessionStarted {
		t.Fatalf("first update should announce the session: %+v", updates)
	}
	got := frameIndices(updates)
	if len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Fatalf("frame indices = %v", got)
	}
	for _, u := range updates {
		for _, fr := range u.Frames {
			if fr.SessionID != st.SessionID {
				t.Fatalf("frame %d has session %q, want %q", fr.Index, fr.SessionID, st.SessionID)
			}
		}
	}

	f.metrics.mu.Lock()
	defer f.metrics.mu.Unlock()
	if f.metrics.chunks != 2 || f.metrics.accepted != 2 || f.metrics.malformd != 1 || f.metrics.started != 1 {
		t.Fatalf("metrics = %+v", f.metrics)
	}
}

func TestStream_ChunkIsCopied(t *testing.T) {
	f := newStreamFixture(t)
	sub := f.hub.Subscribe()

	buf := []byte("E:5;P:6\n")
	f.stream.OnChunk(buf)
	copy(buf, "E:9;P:9\n")
	f.sync(t)

	updates := drain(sub)
	if len(updates) != 1 || len(updates[0].Frames) != 1 {
		t.Fatalf("updates = %+v", updates)
	}
	for _, v := range updates[0].Frames[0].Values {
		if v.Channel == models.ChannelECG && v.Value != 5 {
			t.Fatalf("ecg = %v, want 5", v.Value)
		}
	}
}

func TestStream_SessionReset(t *testing.T) {
	f := newStreamFixture(t)

	f.stream.OnSessionStart()
	f.stream.OnChunk([]byte("E:1;P:1\nE:2;P:2\nE:3;P:"))
	first := f.sync(t)

	f.stream.OnSessionStart()
	f.stream.OnChunk([]byte("4\nE:7;P:7\n"))
	second := f.sync(t)

	if first.SessionID == second.SessionID {
		t.Fatal("restart should assign a new session id")
	}
	// the partial line of the old session is discarded with it
	if second.Snapshot.NextIndex != 1 {
		t.Fatalf("next index after reset = %d", second.Snapshot.NextIndex)
	}
	if pts := second.Snapshot.Series[models.ChannelECG]; len(pts) != 1 || pts[0].Value != 7 {
		t.Fatalf("ecg series = %+v", pts)
	}

	f.stream.OnSessionEnd()
	ended := f.sync(t)
	if ended.Active || ended.Snapshot.NextIndex != 0 {
		t.Fatalf("after end: %+v", ended)
	}

	want := []string{models.EventSessionStart, models.EventSessionEnd, models.EventSessionStart, models.EventSessionEnd}
	got := f.journal.types()
	if len(got) != len(want) {
		t.Fatalf("journal = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("journal = %v, want %v", got, want)
		}
	}
}

func TestStream_EndWithoutSessionIsQuiet(t *testing.T) {
	f := newStreamFixture(t)
	sub := f.hub.Subscribe()

	f.stream.OnChunk([]byte("E:1;P:1\n"))
	f.stream.OnSessionEnd()
	st := f.sync(t)

	if st.Snapshot.NextIndex != 0 {
		t.Fatalf("end should still reset the pipeline, next index = %d", st.Snapshot.NextIndex)
	}
	for _, u := range drain(sub) {
		if u.Session != nil {
			t.Fatalf("unexpected session update %+v", u.Session)
		}
	}
	if len(f.journal.types()) != 0 {
		t.Fatalf("journal = %v", f.journal.types())
	}
}

func TestStream_GainControls(t *testing.T) {
	f := newStreamFixture(t)
	sub := f.hub.Subscribe()
	ctx := context.Background()

	g, err := f.stream.IncreaseGain(ctx)
	if err != nil || g != ingest.GainStep {
		t.Fatalf("IncreaseGain = %v, %v", g, err)
	}
	if g, _ = f.stream.DecreaseGain(ctx); g != 1 {
		t.Fatalf("DecreaseGain = %v", g)
	}
	if g, _ = f.stream.SetGain(ctx, 0); g != ingest.MinGain {
		t.Fatalf("SetGain(0) = %v", g)
	}
	f.stream.OnChunk([]byte("E:10;P:10\n"))
	f.sync(t)

	var snapshots int
	var ecg float64
	for _, u := range drain(sub) {
		if u.Snapshot != nil {
			snapshots++
		}
		for _, fr := range u.Frames {
			for _, v := range fr.Values {
				if v.Channel == models.ChannelECG {
					ecg = v.Value
				}
			}
		}
	}
	if snapshots != 3 {
		t.Fatalf("snapshots = %d, want 3", snapshots)
	}
	if ecg != 10*ingest.MinGain {
		t.Fatalf("ecg = %v", ecg)
	}
	if got := f.journal.types(); len(got) != 3 || got[0] != models.EventGainChange {
		t.Fatalf("journal = %v", got)
	}
	f.metrics.mu.Lock()
	defer f.metrics.mu.Unlock()
	if f.metrics.gain != ingest.MinGain {
		t.Fatalf("gain metric = %v", f.metrics.gain)
	}
}

func TestStream_AutoRangeAndWindow(t *testing.T) {
	f := newStreamFixture(t)
	ctx := context.Background()

	if err := f.stream.SetAutoRange(ctx, models.ChannelPPG, false); err != nil {
		t.Fatalf("SetAutoRange: %v", err)
	}
	if err := f.stream.SetAutoRange(ctx, models.Channel("hr"), true); !errors.Is(err, ingest.ErrUnknownChannel) {
		t.Fatalf("want ErrUnknownChannel, got %v", err)
	}
	n, err := f.stream.SetVisibleWidth(ctx, 100)
	if err != nil || n != 100 {
		t.Fatalf("SetVisibleWidth = %d, %v", n, err)
	}
	if n, _ = f.stream.SetVisibleWidth(ctx, 1_000_000); n != ingest.DefaultCapacity {
		t.Fatalf("SetVisibleWidth clamp = %d", n)
	}

	st := f.sync(t)
	for _, ax := range st.Snapshot.Axes {
		if ax.Name == "ppg" && ax.AutoRange {
			t.Fatal("ppg auto-range should be off")
		}
	}
	want := []string{models.EventAutoRangeChange, models.EventWindowChange, models.EventWindowChange}
	if got := f.journal.types(); len(got) != len(want) {
		t.Fatalf("journal = %v, want %v", got, want)
	}
}

func TestStream_Stopped(t *testing.T) {
	f := newStreamFixture(t)
	f.stop()

	if _, err := f.stream.State(context.Background()); !errors.Is(err, ErrStreamStopped) {
		t.Fatalf("want ErrStreamStopped, got %v", err)
	}
	// must not block once the stream is gone
	done := make(chan struct{})
	go func() {
		f.stream.OnChunk([]byte("E:1;P:1\n"))
		f.stream.OnSessionStart()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnChunk blocked after stop")
	}
}

func TestStream_ShutdownEndsSession(t *testing.T) {
	f := newStreamFixture(t)
	f.stream.OnSessionStart()
	f.stream.OnChunk([]byte("E:1;P:1\nE:2;P:2\n"))
	f.stop()

	want := []string{models.EventSessionStart, models.EventSessionEnd}
	got := f.journal.types()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("journal = %v, want %v", got, want)
	}
	f.metrics.mu.Lock()
	defer f.metrics.mu.Unlock()
	if f.metrics.accepted != 2 || f.metrics.ended != 1 {
		t.Fatalf("accepted=%d ended=%d", f.metrics.accepted, f.metrics.ended)
	}
}

func TestStream_StopBeforeJournalKeepsSessionEnd(t *testing.T) {
	p, err := ingest.NewPipeline(ingest.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	repo := &fakeEventRepo{}
	journal := NewEventLogService(repo, 16, 0, nil, nil)
	stream := NewStreamService(p, NewHub(4, nil, nil), 16, journal, nil, nil)

	journalCtx, stopJournal := context.WithCancel(context.Background())
	journalDone := make(chan struct{})
	go func() {
		journal.Run(journalCtx)
		close(journalDone)
	}()
	streamCtx, stopStream := context.WithCancel(context.Background())
	streamDone := make(chan struct{})
	go func() {
		stream.Run(streamCtx)
		close(streamDone)
	}()

	stream.OnSessionStart()
	stopStream()
	<-streamDone
	stopJournal()
	<-journalDone

	got := repo.snapshot()
	if len(got) != 2 || got[0].Type != models.EventSessionStart || got[1].Type != models.EventSessionEnd {
		t.Fatalf("journal written = %+v", got)
	}
	if got[0].SessionID == "" || got[0].SessionID != got[1].SessionID {
		t.Fatalf("session ids = %q, %q", got[0].SessionID, got[1].SessionID)
	}
}
