package credits

import (
	"context"
	"sync"
	"time"
)

// settlements is the completion signal between a recharge payment and the
// reserve path: Reserve registers a waiter before triggering a recharge,
// and the payment-confirmation webhook resolves it. Waiting is always
// bounded; a timeout falls through to the reserve call, which stays the
// authoritative gate.
type settlements struct {
	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

func newSettlements() *settlements {
	return &settlements{waiters: make(map[string][]chan struct{})}
}

// register returns a channel closed on the next settlement for the
// organization.
func (s *settlements) register(orgID string) <-chan struct{} {
	ch := make(chan struct{})
	s.mu.Lock()
	s.waiters[orgID] = append(s.waiters[orgID], ch)
	s.mu.Unlock()
	return ch
}

// deregister drops a waiter that will no longer be consumed, so abandoned
// registrations (failed recharge, timed-out wait) do not accumulate. Safe
// to call after notify already cleared the entry.
func (s *settlements) deregister(orgID string, ch <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws := s.waiters[orgID]
	for i, c := range ws {
		if c == ch {
			s.waiters[orgID] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(s.waiters[orgID]) == 0 {
		delete(s.waiters, orgID)
	}
}

// notify closes every waiter registered for the organization.
func (s *settlements) notify(orgID string) {
	s.mu.Lock()
	chans := s.waiters[orgID]
	delete(s.waiters, orgID)
	s.mu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}

// wait blocks until the channel is closed, the timeout elapses, or the
// context ends. Returns true only on a real settlement signal.
func wait(ctx context.Context, ch <-chan struct{}, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
