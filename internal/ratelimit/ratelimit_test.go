package ratelimit

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/prismhq/prism/internal/db"
	internalsettings "github.com/prismhq/prism/internal/settings"
)

func TestMemoryLimiter_FixedWindow(t *testing.T) {
	l := NewMemoryLimiter()
	ctx := context.Background()
	now := time.Unix(1700000000, 100)

	for i := 0; i < 2; i++ {
		res, err := l.Allow(ctx, "p:a", 2, now)
		if err != nil || !res.Allowed {
			t.Fatalf("expected request %d allowed, got %+v err=%v", i, res, err)
		}
	}
	res, _ := l.Allow(ctx, "p:a", 2, now)
	if res.Allowed {
		t.Fatalf("expected third request in window rejected")
	}
	res, _ = l.Allow(ctx, "p:b", 2, now)
	if !res.Allowed {
		t.Fatalf("expected other key unaffected")
	}
	res, _ = l.Allow(ctx, "p:a", 2, now.Add(time.Second))
	if !res.Allowed || res.Remaining != 1 {
		t.Fatalf("expected new window, got %+v", res)
	}
}

func TestMemoryLimiter_SweepsStaleWindows(t *testing.T) {
	l := NewMemoryLimiter()
	ctx := context.Background()
	old := time.Unix(1700000000, 0)
	for i := 0; i < 10; i++ {
		_, _ = l.Allow(ctx, "p:"+strconv.Itoa(i), 5, old)
	}
	now := old.Add(time.Minute)
	for i := 0; i < sweepEvery; i++ {
		_, _ = l.Allow(ctx, "p:live", sweepEvery+1, now)
	}
	if got := l.Len(); got != 1 {
		t.Fatalf("expected only the live key after sweep, got %d", got)
	}
}

func TestResult_RetryAfter(t *testing.T) {
	now := time.Unix(1700000000, int64(200*time.Millisecond))
	res := Result{Reset: time.Unix(1700000001, 0)}
	if got := res.RetryAfter(now); got != 1 {
		t.Fatalf("expected 1s, got %d", got)
	}
	res.Reset = now.Add(2500 * time.Millisecond)
	if got := res.RetryAfter(now); got != 3 {
		t.Fatalf("expected 3s, got %d", got)
	}
}

func TestBreaker_CoolsDown(t *testing.T) {
	b := newBreaker(30 * time.Second)
	now := time.Unix(1700000000, 0)
	if b.open(now) {
		t.Fatalf("expected closed breaker")
	}
	b.trip(errors.New("dial tcp: refused"), now)
	if !b.open(now.Add(10 * time.Second)) {
		t.Fatalf("expected open breaker during cool-down")
	}
	if b.open(now.Add(31 * time.Second)) {
		t.Fatalf("expected breaker closed after cool-down")
	}
}

func TestResolveLimitAndKey(t *testing.T) {
	if d := ResolveLimit(SettingsConfig{Limit: 0}, "a"); KeyForDecision(d) != "" {
		t.Fatalf("expected no key when unlimited, got %+v", d)
	}
	d := ResolveLimit(SettingsConfig{Limit: 5}, " a ")
	if d.Scope != ScopeProfile || KeyForDecision(d) != "p:a" {
		t.Fatalf("expected profile scope, got %+v key=%q", d, KeyForDecision(d))
	}
	d = ResolveLimit(SettingsConfig{Limit: 5}, "")
	if d.Scope != ScopeGlobal || KeyForDecision(d) != "global" {
		t.Fatalf("expected global scope, got %+v", d)
	}
}

func TestManager_FallsBackToMemoryWhenRedisDown(t *testing.T) {
	provider := func() SettingsConfig {
		return SettingsConfig{Limit: 1, RedisEnabled: true, RedisAddr: "127.0.0.1:1", RedisPrefix: "test"}
	}
	now := time.Unix(1700000000, 0)
	m := NewManager(provider, func() time.Time { return now }, nil)
	defer func() { _ = m.Close() }()

	ctx := context.Background()
	res, err := m.Allow(ctx, "p:a", 1)
	if err != nil || !res.Allowed {
		t.Fatalf("expected first request allowed via memory, got %+v err=%v", res, err)
	}
	if res.Backend != BackendMemory {
		t.Fatalf("expected memory backend, got %q", res.Backend)
	}
	res, err = m.Allow(ctx, "p:a", 1)
	if err != nil || res.Allowed {
		t.Fatalf("expected second request rejected via memory, got %+v err=%v", res, err)
	}
	if !m.breaker.open(now) {
		t.Fatalf("expected breaker open after redis failure")
	}
}

func TestSettingsFromStore_OverlaysDBValues(t *testing.T) {
	conn, err := db.Open("file:" + filepath.Join(t.TempDir(), "rl.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	store := internalsettings.NewStore(conn)
	ctx := context.Background()
	if errSet := store.Set(ctx, internalsettings.RateLimitKey, "7"); errSet != nil {
		t.Fatalf("set: %v", errSet)
	}
	base := DefaultSettingsConfig()
	base.RedisAddr = "redis.internal:6379"
	cfg := SettingsFromStore(store, base)()
	if cfg.Limit != 7 {
		t.Fatalf("expected limit 7, got %d", cfg.Limit)
	}
	if cfg.RedisAddr != "redis.internal:6379" || cfg.RedisPrefix != internalsettings.DefaultRateLimitRedisPrefix {
		t.Fatalf("expected base redis settings kept, got %+v", cfg)
	}
}
