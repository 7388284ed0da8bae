package ratelimit

import (
	"context"
	"math"
	"time"
)

// Backend names reported in Result.Backend.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Result describes the outcome of a rate limit check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
	Backend   string
}

// RetryAfter returns the whole seconds until the window resets, at least 1.
func (r Result) RetryAfter(now time.Time) int {
	wait := r.Reset.Sub(now).Seconds()
	if wait <= 1 {
		return 1
	}
	return int(math.Ceil(wait))
}

// Limiter counts requests per key in one-second fixed windows.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, now time.Time) (Result, error)
}

// Scope indicates which bucket a request is counted in.
type Scope int

const (
	ScopeNone Scope = iota
	ScopeProfile
	ScopeGlobal
)

// Decision describes the resolved rate limit and scope.
type Decision struct {
	Limit     int
	Scope     Scope
	ProfileID string
}
