package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"biowave/internal/config"
)

// fakePort serves scripted reads, then blocks until closed.
type fakePort struct {
	serial.Port

	reads  chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakePort(reads ...string) *fakePort {
	p := &fakePort{reads: make(chan []byte, len(reads)), closed: make(chan struct{})}
	for _, r := range reads {
		p.reads <- []byte(r)
	}
	close(p.reads)
	return p
}

func (p *fakePort) Read(buf []byte) (int, error) {
	select {
	case b, ok := <-p.reads:
		if !ok {
			return 0, io.EOF
		}
		return copy(buf, b), nil
	case <-p.closed:
		return 0, errors.New("port closed")
	}
}

func (p *fakePort) SetReadTimeout(time.Duration) error { return nil }

func (p *fakePort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSerial_ReconnectsAndMarksSessions(t *testing.T) {
	var (
		mu    sync.Mutex
		opens int
	)
	s := NewSerial(config.SerialConfig{Port: "/dev/ttyFAKE", BaudRate: 115200, ReconnectDelay: 5 * time.Millisecond}, nil)
	s.open = func(path string, mode *serial.Mode) (serial.Port, error) {
		mu.Lock()
		defer mu.Unlock()
		opens++
		assert.Equal(t, "/dev/ttyFAKE", path)
		assert.Equal(t, 115200, mode.BaudRate)
		switch opens {
		case 1:
			return nil, errors.New("no such device")
		case 2:
			return newFakePort("E:1;P:", "2\nE:3;P:4\n"), nil
		default:
			return nil, errors.New("no such device")
		}
	}

	sink := &recordingSink{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, sink) }()

	waitFor(t, func() bool { return sink.count("end") == 1 })
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return opens >= 3 })
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []string{"start", "end"}, sink.sessions())
	assert.Equal(t, "E:1;P:2\nE:3;P:4\n", string(sink.bytes()))
}

func TestSerial_CancelClosesPort(t *testing.T) {
	port := &fakePort{reads: make(chan []byte), closed: make(chan struct{})}
	s := NewSerial(config.SerialConfig{Port: "/dev/ttyFAKE"}, nil)
	s.open = func(string, *serial.Mode) (serial.Port, error) { return port, nil }

	sink := &recordingSink{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, sink) }()

	waitFor(t, func() bool { return sink.count("start") == 1 })
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, []string{"start", "end"}, sink.sessions())
}
