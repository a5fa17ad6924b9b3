package notify

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultRatePerMinute = 60
	defaultBurst         = 10

	limiterTTL     = 10 * time.Minute
	cleanupEvery   = time.Minute
	maxIdleEntries = 10000
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// orgLimiters keeps one token bucket per organization. Entries idle past
// the TTL are dropped by a background sweep so the map does not grow with
// tenant churn.
type orgLimiters struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	rpm     int
	burst   int
}

func newOrgLimiters(rpm, burst int) *orgLimiters {
	l := &orgLimiters{
		entries: make(map[string]*limiterEntry),
		rpm:     rpm,
		burst:   burst,
	}
	go l.sweep()
	return l
}

func (l *orgLimiters) Allow(orgID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[orgID]
	if !ok {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(l.rpm)/60.0), l.burst),
		}
		l.entries[orgID] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter.Allow()
}

func (l *orgLimiters) sweep() {
	for range time.Tick(cleanupEvery) {
		l.mu.Lock()
		now := time.Now()
		for org, entry := range l.entries {
			if now.Sub(entry.lastSeen) > limiterTTL || len(l.entries) > maxIdleEntries {
				delete(l.entries, org)
			}
		}
		l.mu.Unlock()
	}
}
