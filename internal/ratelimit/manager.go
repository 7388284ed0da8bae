package ratelimit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	redisBreakerCooldown = 30 * time.Second
	redisPingTimeout     = 2 * time.Second
)

var errMissingRedisAddr = errors.New("ratelimit: redis enabled without an address")

// SettingsProvider supplies the latest settings snapshot.
type SettingsProvider func() SettingsConfig

// RedisClientFactory constructs a Redis client for the given options.
type RedisClientFactory func(options *redis.Options) *redis.Client

// redisTarget identifies the Redis connection a limiter was built for.
type redisTarget struct {
	addr     string
	password string
	db       int
	prefix   string
}

func targetFrom(cfg SettingsConfig) redisTarget {
	t := redisTarget{
		addr:     strings.TrimSpace(cfg.RedisAddr),
		password: strings.TrimSpace(cfg.RedisPassword),
		db:       cfg.RedisDB,
		prefix:   strings.TrimSpace(cfg.RedisPrefix),
	}
	if t.db < 0 {
		t.db = 0
	}
	return t
}

// Manager enforces limits with Redis when it is enabled and reachable, and the
// in-process limiter otherwise. Settings are re-read on every check so changes
// made through the admin API apply without a restart.
type Manager struct {
	provider       SettingsProvider
	nowFn          func() time.Time
	memory         *MemoryLimiter
	newRedisClient RedisClientFactory
	breaker        *breaker

	mu     sync.Mutex
	redis  *RedisLimiter
	client *redis.Client
	target redisTarget
}

// NewManager constructs a Manager. nil arguments take defaults.
func NewManager(provider SettingsProvider, nowFn func() time.Time, newRedisClient RedisClientFactory) *Manager {
	if provider == nil {
		provider = DefaultSettingsConfig
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if newRedisClient == nil {
		newRedisClient = redis.NewClient
	}
	return &Manager{
		provider:       provider,
		nowFn:          nowFn,
		memory:         NewMemoryLimiter(),
		newRedisClient: newRedisClient,
		breaker:        newBreaker(redisBreakerCooldown),
	}
}

// Settings returns the current settings snapshot.
func (m *Manager) Settings() SettingsConfig {
	if m == nil {
		return DefaultSettingsConfig()
	}
	return m.provider()
}

// Allow counts one request for key against limit.
func (m *Manager) Allow(ctx context.Context, key string, limit int) (Result, error) {
	if m == nil || limit <= 0 || key == "" {
		return Result{Allowed: true}, nil
	}
	now := m.nowFn()
	cfg := m.provider()
	if cfg.RedisEnabled && !m.breaker.open(now) {
		res, errRedis := m.allowRedis(ctx, cfg, key, limit, now)
		if errRedis == nil {
			return res, nil
		}
		m.breaker.trip(errRedis, now)
	}
	return m.memory.Allow(ctx, key, limit, now)
}

func (m *Manager) allowRedis(ctx context.Context, cfg SettingsConfig, key string, limit int, now time.Time) (Result, error) {
	limiter, errConnect := m.redisFor(ctx, targetFrom(cfg))
	if errConnect != nil {
		return Result{}, errConnect
	}
	return limiter.Allow(ctx, key, limit, now)
}

// redisFor returns a limiter for target, reconnecting when the target changed.
func (m *Manager) redisFor(ctx context.Context, target redisTarget) (*RedisLimiter, error) {
	if target.addr == "" {
		return nil, errMissingRedisAddr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.redis != nil && m.target == target {
		return m.redis, nil
	}
	m.closeLocked()

	client := m.newRedisClient(&redis.Options{
		Addr:     target.addr,
		Password: target.password,
		DB:       target.db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if errPing := client.Ping(pingCtx).Err(); errPing != nil {
		_ = client.Close()
		return nil, errPing
	}
	m.client = client
	m.redis = NewRedisLimiter(client, target.prefix)
	m.target = target
	log.Infof("rate limit: using redis at %s", target.addr)
	return m.redis, nil
}

func (m *Manager) closeLocked() error {
	if m.client == nil {
		return nil
	}
	errClose := m.client.Close()
	m.client = nil
	m.redis = nil
	return errClose
}

// Close releases the Redis client, if any.
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked()
}
