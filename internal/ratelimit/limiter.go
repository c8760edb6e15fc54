package ratelimit

import (
	"sync"
	"time"
)

type peerData struct {
	timestamps []time.Time
}

// Limiter is a sliding-window limiter keyed by peer: at most limit events
// per peer inside any window-long interval.
type Limiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	peers  map[string]*peerData
	now    func() time.Time
}

func NewLimiter(limit int, window time.Duration) *Limiter {
	return &Limiter{
		limit:  limit,
		window: window,
		peers:  make(map[string]*peerData),
		now:    time.Now,
	}
}

func (rl *Limiter) Allow(peer string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	p, ok := rl.peers[peer]
	if !ok {
		p = &peerData{}
		rl.peers[peer] = p
	}

	// drop timestamps that left the window
	valid := p.timestamps[:0]
	for _, ts := range p.timestamps {
		if now.Sub(ts) < rl.window {
			valid = append(valid, ts)
		}
	}
	p.timestamps = valid

	if len(p.timestamps) >= rl.limit {
		return false
	}

	p.timestamps = append(p.timestamps, now)
	return true
}

// Prune forgets peers with no event inside the window.
func (rl *Limiter) Prune() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for peer, p := range rl.peers {
		if n := len(p.timestamps); n == 0 || now.Sub(p.timestamps[n-1]) >= rl.window {
			delete(rl.peers, peer)
			removed++
		}
	}
	return removed
}
