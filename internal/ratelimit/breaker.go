package ratelimit

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// breaker keeps the manager off Redis for a cool-down after a failure.
type breaker struct {
	cooldown time.Duration

	mu    sync.Mutex
	until time.Time
}

func newBreaker(cooldown time.Duration) *breaker {
	return &breaker{cooldown: cooldown}
}

// open reports whether Redis should be skipped at now.
func (b *breaker) open(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.until.IsZero() {
		return false
	}
	if now.Before(b.until) {
		return true
	}
	b.until = time.Time{}
	log.Info("rate limit: retrying redis")
	return false
}

// trip opens the breaker unless it is already open.
func (b *breaker) trip(err error, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.until.IsZero() && now.Before(b.until) {
		return
	}
	b.until = now.Add(b.cooldown)
	log.WithError(err).Warnf("rate limit: redis unavailable, using memory for %s", b.cooldown)
}
