package limits

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// FrameGuard enforces a node-local token bucket per connection, in front of
// the cluster counters. It is the cheap first line against a single
// connection flooding the read loop.
type FrameGuard struct {
	mu        sync.Mutex
	buckets   map[string]*guardEntry
	ratePerS  rate.Limit
	burst     int
	idleAfter time.Duration
	stop      chan struct{}
	stopOnce  sync.Once
}

type guardEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewFrameGuard creates a guard allowing ratePerSecond sustained frames with
// the given burst. Entries idle longer than five minutes are swept.
func NewFrameGuard(ratePerSecond float64, burst int) *FrameGuard {
	g := &FrameGuard{
		buckets:   make(map[string]*guardEntry),
		ratePerS:  rate.Limit(ratePerSecond),
		burst:     burst,
		idleAfter: 5 * time.Minute,
		stop:      make(chan struct{}),
	}
	go g.sweepLoop()
	return g
}

// Allow consumes one token for connID, creating the bucket on first use.
func (g *FrameGuard) Allow(connID string) bool {
	g.mu.Lock()
	entry, ok := g.buckets[connID]
	if !ok {
		entry = &guardEntry{limiter: rate.NewLimiter(g.ratePerS, g.burst)}
		g.buckets[connID] = entry
	}
	entry.lastSeen = time.Now()
	g.mu.Unlock()
	return entry.limiter.Allow()
}

// Forget drops the bucket for a closed connection.
func (g *FrameGuard) Forget(connID string) {
	g.mu.Lock()
	delete(g.buckets, connID)
	g.mu.Unlock()
}

// Close stops the background sweeper.
func (g *FrameGuard) Close() {
	g.stopOnce.Do(func() { close(g.stop) })
}

func (g *FrameGuard) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-g.idleAfter)
			g.mu.Lock()
			for id, entry := range g.buckets {
				if entry.lastSeen.Before(cutoff) {
					delete(g.buckets, id)
				}
			}
			g.mu.Unlock()
		}
	}
}
