package credits

import (
	"context"
	"testing"
	"time"
)

func TestSettlementNotifyReleasesAllWaiters(t *testing.T) {
	s := newSettlements()
	a := s.register("org-1")
	b := s.register("org-1")
	other := s.register("org-2")

	s.notify("org-1")

	for _, ch := range []<-chan struct{}{a, b} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("waiter not released")
		}
	}
	select {
	case <-other:
		t.Fatal("waiter for another organization released")
	default:
	}
}

func TestWaitTimesOut(t *testing.T) {
	s := newSettlements()
	ch := s.register("org-1")
	start := time.Now()
	if wait(context.Background(), ch, 20*time.Millisecond) {
		t.Fatal("expected timeout")
	}
	if time.Since(start) > time.Second {
		t.Fatal("timeout not bounded")
	}
}

func TestWaitHonorsContextCancel(t *testing.T) {
	s := newSettlements()
	ch := s.register("org-1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if wait(ctx, ch, time.Minute) {
		t.Fatal("expected cancellation, not settlement")
	}
}

func TestDeregisterRemovesWaiter(t *testing.T) {
	s := newSettlements()
	a := s.register("org-1")
	b := s.register("org-1")

	s.deregister("org-1", a)
	if got := len(s.waiters["org-1"]); got != 1 {
		t.Fatalf("expected 1 waiter left, got %d", got)
	}
	s.deregister("org-1", b)
	if _, ok := s.waiters["org-1"]; ok {
		t.Fatal("expected organization entry removed once empty")
	}
	s.deregister("org-1", a) // already gone, must not panic
}

func TestNotifyWithoutWaitersIsNoop(t *testing.T) {
	s := newSettlements()
	s.notify("org-unknown") // must not panic
}
