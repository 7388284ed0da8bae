package settings

// DB config keys and defaults for settings.
const (
	// ProxyAPIKeyKey stores the key clients must present when auth is enabled.
	ProxyAPIKeyKey = "PROXY_API_KEY"
	// EnableAuthKey toggles proxy API key enforcement.
	EnableAuthKey = "ENABLE_AUTH"
	// ProxyConfigKey stores the persisted proxy bind address.
	ProxyConfigKey = "PROXY_CONFIG"
	// ProxyStatusKey stores the last observed proxy status.
	ProxyStatusKey = "PROXY_STATUS"
	// SchemaVersionKey records the profile storage shape version.
	SchemaVersionKey = "SCHEMA_VERSION"
	// RateLimitKey controls the per-profile rate limit per second.
	RateLimitKey = "RATE_LIMIT"
	// RateLimitRedisEnabledKey toggles Redis-backed rate limiting.
	RateLimitRedisEnabledKey = "RATE_LIMIT_REDIS_ENABLED"
	// RateLimitRedisAddrKey defines the Redis address for rate limiting.
	RateLimitRedisAddrKey = "RATE_LIMIT_REDIS_ADDR"
	// RateLimitRedisPasswordKey defines the Redis password for rate limiting.
	RateLimitRedisPasswordKey = "RATE_LIMIT_REDIS_PASSWORD"
	// RateLimitRedisDBKey defines the Redis DB index for rate limiting.
	RateLimitRedisDBKey = "RATE_LIMIT_REDIS_DB"
	// RateLimitRedisPrefixKey defines the Redis key prefix for rate limiting.
	RateLimitRedisPrefixKey = "RATE_LIMIT_REDIS_PREFIX"

	// DefaultEnableAuth leaves the proxy open on the loopback interface.
	DefaultEnableAuth = false
	// DefaultRateLimit is the fallback rate limit (0 means unlimited).
	DefaultRateLimit = 0
	// DefaultRateLimitRedisPrefix is the fallback Redis key prefix.
	DefaultRateLimitRedisPrefix = "prism:rl"
	// CurrentSchemaVersion is the profile storage shape written by this build.
	CurrentSchemaVersion = 2
	// APIKeyPrefix prefixes generated proxy API keys.
	APIKeyPrefix = "sk-prism-"
)

// EditableKeys lists settings the command surface may change directly.
var EditableKeys = map[string]struct{}{
	EnableAuthKey:             {},
	RateLimitKey:              {},
	RateLimitRedisEnabledKey:  {},
	RateLimitRedisAddrKey:     {},
	RateLimitRedisPasswordKey: {},
	RateLimitRedisDBKey:       {},
	RateLimitRedisPrefixKey:   {},
}
