package ratelimit

import (
	"context"
	"sync"
	"time"
)

// sweepEvery bounds how often stale windows are evicted.
const sweepEvery = 1024

// MemoryLimiter is the in-process fixed-window limiter. Counters of past
// windows are evicted periodically so idle profiles do not accumulate.
type MemoryLimiter struct {
	mu     sync.Mutex
	counts map[string]windowCount
	calls  int
}

type windowCount struct {
	start int64 // Unix seconds.
	n     int
}

// NewMemoryLimiter constructs an empty MemoryLimiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{counts: make(map[string]windowCount)}
}

// Allow counts one request for key in the window containing now.
func (l *MemoryLimiter) Allow(_ context.Context, key string, limit int, now time.Time) (Result, error) {
	if limit <= 0 || key == "" {
		return Result{Allowed: true, Backend: BackendMemory}, nil
	}
	start := now.Unix()
	res := Result{Limit: limit, Reset: time.Unix(start+1, 0), Backend: BackendMemory}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.calls >= sweepEvery {
		l.sweepLocked(start)
	}

	wc := l.counts[key]
	if wc.start != start {
		wc = windowCount{start: start}
	}
	if wc.n >= limit {
		l.counts[key] = wc
		return res, nil
	}
	wc.n++
	l.counts[key] = wc
	res.Allowed = true
	res.Remaining = limit - wc.n
	return res, nil
}

// Len reports the number of tracked keys.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.counts)
}

func (l *MemoryLimiter) sweepLocked(current int64) {
	l.calls = 0
	for key, wc := range l.counts {
		if wc.start < current {
			delete(l.counts, key)
		}
	}
}
