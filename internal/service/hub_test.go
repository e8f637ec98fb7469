package service

import (
	"testing"

	"biowave/internal/models"
)

func frameUpdate(i int64) Update {
	return Update{Frames: []models.Frame{{Index: i}}}
}

func TestHub_DeliversInOrder(t *testing.T) {
	h := NewHub(8, nil, nil)
	sub := h.Subscribe()

	for i := int64(0); i < 5; i++ {
		h.Publish(frameUpdate(i))
	}
	for i := int64(0); i < 5; i++ {
		u := <-sub.C
		if got := u.Frames[0].Index; got != i {
			t.Fatalf("update %d: got index %d", i, got)
		}
	}
}

func TestHub_DropsForSlowSubscriber(t *testing.T) {
	var drops int
	h := NewHub(2, func() { drops++ }, nil)
	slow := h.Subscribe()
	fast := h.Subscribe()

	h.Publish(frameUpdate(0))
	h.Publish(frameUpdate(1))
	<-fast.C
	<-fast.C
	h.Publish(frameUpdate(2))

	if slow.Dropped() != 1 || drops != 1 {
		t.Fatalf("dropped = %d, callback = %d; want 1, 1", slow.Dropped(), drops)
	}
	if fast.Dropped() != 0 {
		t.Fatalf("fast subscriber dropped %d", fast.Dropped())
	}
	if u := <-fast.C; u.Frames[0].Index != 2 {
		t.Fatalf("fast subscriber got %d", u.Frames[0].Index)
	}
}

func TestHub_Unsubscribe(t *testing.T) {
	var counts []int
	h := NewHub(1, nil, func(n int) { counts = append(counts, n) })
	sub := h.Subscribe()
	h.Unsubscribe(sub)
	h.Unsubscribe(sub)

	if _, ok := <-sub.C; ok {
		t.Fatal("channel should be closed")
	}
	if h.Len() != 0 {
		t.Fatalf("len = %d", h.Len())
	}
	if len(counts) != 2 || counts[0] != 1 || counts[1] != 0 {
		t.Fatalf("count callbacks = %v", counts)
	}
	// publishing with no subscribers is a no-op
	h.Publish(frameUpdate(0))
}
