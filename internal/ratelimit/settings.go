package ratelimit

import (
	"strings"

	internalsettings "github.com/prismhq/prism/internal/settings"
)

// SettingsConfig captures rate limit settings.
type SettingsConfig struct {
	Limit         int
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// DefaultSettingsConfig returns the built-in defaults.
func DefaultSettingsConfig() SettingsConfig {
	return SettingsConfig{
		Limit:       internalsettings.DefaultRateLimit,
		RedisPrefix: internalsettings.DefaultRateLimitRedisPrefix,
	}
}

// SettingsFromStore returns a provider reading the DB settings snapshot.
// Keys missing from the store keep the values from base.
func SettingsFromStore(store *internalsettings.Store, base SettingsConfig) SettingsProvider {
	return func() SettingsConfig {
		return LoadSettingsConfig(store, base)
	}
}

// LoadSettingsConfig overlays stored rate limit settings onto base.
func LoadSettingsConfig(store *internalsettings.Store, base SettingsConfig) SettingsConfig {
	cfg := base
	if raw, ok := store.Value(internalsettings.RateLimitKey); ok {
		if limit, okParse := internalsettings.ParseNonNegativeInt(raw); okParse {
			cfg.Limit = limit
		}
	}
	if raw, ok := store.Value(internalsettings.RateLimitRedisEnabledKey); ok {
		if enabled, okParse := internalsettings.ParseBool(raw); okParse {
			cfg.RedisEnabled = enabled
		}
	}
	if raw, ok := store.Value(internalsettings.RateLimitRedisAddrKey); ok {
		if addr, okParse := internalsettings.ParseString(raw); okParse && addr != "" {
			cfg.RedisAddr = addr
		}
	}
	if raw, ok := store.Value(internalsettings.RateLimitRedisPasswordKey); ok {
		if password, okParse := internalsettings.ParseString(raw); okParse && password != "" {
			cfg.RedisPassword = password
		}
	}
	if raw, ok := store.Value(internalsettings.RateLimitRedisDBKey); ok {
		if db, okParse := internalsettings.ParseNonNegativeInt(raw); okParse {
			cfg.RedisDB = db
		}
	}
	if raw, ok := store.Value(internalsettings.RateLimitRedisPrefixKey); ok {
		if prefix, okParse := internalsettings.ParseString(raw); okParse && prefix != "" {
			cfg.RedisPrefix = prefix
		}
	}
	cfg.RedisAddr = strings.TrimSpace(cfg.RedisAddr)
	cfg.RedisPassword = strings.TrimSpace(cfg.RedisPassword)
	cfg.RedisPrefix = strings.TrimSpace(cfg.RedisPrefix)
	if cfg.RedisPrefix == "" {
		cfg.RedisPrefix = internalsettings.DefaultRateLimitRedisPrefix
	}
	if cfg.RedisDB < 0 {
		cfg.RedisDB = 0
	}
	if cfg.Limit < 0 {
		cfg.Limit = 0
	}
	return cfg
}
