package ble

import (
	"context"
	"testing"
	"time"
)

func TestFeedDeliversInOrderWithoutDropping(t *testing.T) {
	f := newFeed[int]()
	s := f.subscribe()
	for i := range 1000 {
		f.publish(i)
	}
	for i := range 1000 {
		v, ok := s.next(context.Background())
		if !ok || v != i {
			t.Fatalf("next() = %d, %v; want %d", v, ok, i)
		}
	}
}

func TestFeedInitialValue(t *testing.T) {
	f := newFeed[string]()
	s := f.subscribe("current")
	f.publish("later")

	for _, want := range []string{"current", "later"} {
		if v, _ := s.next(context.Background()); v != want {
			t.Errorf("next() = %q, want %q", v, want)
		}
	}
}

func TestFeedCloseDrainsThenEnds(t *testing.T) {
	f := newFeed[int]()
	s := f.subscribe()
	f.publish(1)
	f.close()
	f.close()

	if v, ok := s.next(context.Background()); !ok || v != 1 {
		t.Fatalf("next() = %d, %v; want 1, true", v, ok)
	}
	if _, ok := s.next(context.Background()); ok {
		t.Error("next() after close reported a value")
	}
	if _, ok := f.subscribe().next(context.Background()); ok {
		t.Error("subscription to a closed feed reported a value")
	}
}

func TestFeedNextHonoursContext(t *testing.T) {
	f := newFeed[int]()
	s := f.subscribe()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, ok := s.next(ctx); ok {
		t.Error("next() on an idle feed reported a value")
	}
}

func TestFeedSeqUnsubscribesOnBreak(t *testing.T) {
	f := newFeed[int]()
	seq := f.seq(context.Background(), nil)
	if f.len() != 0 {
		t.Fatal("seq subscribed before iteration")
	}

	go func() {
		for f.len() == 0 {
			time.Sleep(time.Millisecond)
		}
		f.publish(7)
	}()
	for v := range seq {
		if v != 7 {
			t.Errorf("v = %d, want 7", v)
		}
		break
	}
	if f.len() != 0 {
		t.Errorf("len() = %d after break, want 0", f.len())
	}
}
