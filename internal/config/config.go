package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prismhq/prism/internal/proxyserver"
	"github.com/prismhq/prism/internal/retention"
	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath   = "CONFIG_PATH"
	EnvDBConnection = "DB_CONNECTION"
	EnvAdminAddr    = "PRISM_ADMIN_ADDR"
	EnvAdminToken   = "PRISM_ADMIN_TOKEN"
)

const (
	// DefaultAdminHost keeps the admin surface on loopback.
	DefaultAdminHost = "127.0.0.1"
	// DefaultAdminPort is the admin API port.
	DefaultAdminPort = 15289
	// DefaultDatabaseDSN is the SQLite file used when no DSN is configured.
	DefaultDatabaseDSN = "prism.db"
	// DefaultLogDir holds rotated log files.
	DefaultLogDir = "logs"

	defaultDrainTimeout    = 5 * time.Second
	defaultUpstreamTimeout = 60 * time.Second
	defaultConnectTimeout  = 10 * time.Second
)

// ErrMissingDatabaseDSN indicates no database DSN is present in the config file.
var ErrMissingDatabaseDSN = errors.New("missing database dsn (set `database-dsn` or `database.dsn` in config file)")

// AdminConfig is the admin API bind address and optional bearer token.
type AdminConfig struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Token string `yaml:"token"`
}

// Addr returns the host:port listen address.
func (c AdminConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// UpstreamConfig bounds upstream calls.
type UpstreamConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	ConnectTimeout time.Duration `yaml:"connect-timeout"`
}

// RedisConfig seeds the Redis rate limit backend. DB settings override it.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// RateLimitConfig holds the rate limit seed values.
type RateLimitConfig struct {
	Limit int         `yaml:"limit"`
	Redis RedisConfig `yaml:"redis"`
}

// Config is the process configuration read from config.yaml.
type Config struct {
	Admin         AdminConfig        `yaml:"admin"`
	Proxy         proxyserver.Config `yaml:"proxy"`
	DatabaseDSN   string             `yaml:"database-dsn"`
	Debug         bool               `yaml:"debug"`
	LoggingToFile bool               `yaml:"logging-to-file"`
	LogDir        string             `yaml:"log-dir"`
	DrainTimeout  time.Duration      `yaml:"drain-timeout"`
	Retention     retention.Config   `yaml:"retention"`
	Upstream      UpstreamConfig     `yaml:"upstream"`
	RateLimit     RateLimitConfig    `yaml:"ratelimit"`

	// Path is the file the config was read from.
	Path string `yaml:"-"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Admin:        AdminConfig{Host: DefaultAdminHost, Port: DefaultAdminPort},
		Proxy:        proxyserver.DefaultConfig(),
		DatabaseDSN:  DefaultDatabaseDSN,
		LogDir:       DefaultLogDir,
		DrainTimeout: defaultDrainTimeout,
		Retention:    retention.Config{Days: retention.DefaultDays, Schedule: retention.DefaultSchedule},
		Upstream:     UpstreamConfig{Timeout: defaultUpstreamTimeout, ConnectTimeout: defaultConnectTimeout},
	}
}

// ResolveConfigPath normalizes the config path and applies defaults.
func ResolveConfigPath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		trimmed = strings.TrimSpace(os.Getenv(EnvConfigPath))
	}
	if trimmed == "" {
		trimmed = "./config.yaml"
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		return abs
	}
	return trimmed
}

// ConfigExists reports whether the config file exists at the path.
func ConfigExists(configPath string) bool {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return false
	}
	return true
}

// Load reads configPath over the defaults and applies environment overrides.
// A missing file yields the defaults.
func Load(configPath string) (Config, error) {
	cfg := Default()
	data, errRead := os.ReadFile(configPath)
	switch {
	case errRead == nil:
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return Config{}, fmt.Errorf("parse config file: %w", errUnmarshal)
		}
	case os.IsNotExist(errRead):
	default:
		return Config{}, fmt.Errorf("read config file: %w", errRead)
	}
	cfg.Path = configPath

	if dsn := strings.TrimSpace(os.Getenv(EnvDBConnection)); dsn != "" {
		cfg.DatabaseDSN = dsn
	}
	if addr := strings.TrimSpace(os.Getenv(EnvAdminAddr)); addr != "" {
		host, portRaw, errSplit := net.SplitHostPort(addr)
		if errSplit != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvAdminAddr, errSplit)
		}
		port, errPort := strconv.Atoi(portRaw)
		if errPort != nil {
			return Config{}, fmt.Errorf("%s: invalid port %q", EnvAdminAddr, portRaw)
		}
		cfg.Admin.Host, cfg.Admin.Port = host, port
	}
	if token := strings.TrimSpace(os.Getenv(EnvAdminToken)); token != "" {
		cfg.Admin.Token = token
	}

	cfg.applyDefaults()
	if errValidate := cfg.Validate(); errValidate != nil {
		return Config{}, errValidate
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	c.DatabaseDSN = strings.TrimSpace(c.DatabaseDSN)
	if c.DatabaseDSN == "" {
		c.DatabaseDSN = DefaultDatabaseDSN
	}
	if strings.TrimSpace(c.Admin.Host) == "" {
		c.Admin.Host = DefaultAdminHost
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = DefaultAdminPort
	}
	if strings.TrimSpace(c.Proxy.Host) == "" && c.Proxy.Port == 0 {
		c.Proxy = proxyserver.DefaultConfig()
	}
	if strings.TrimSpace(c.LogDir) == "" {
		c.LogDir = DefaultLogDir
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
	if c.Upstream.Timeout <= 0 {
		c.Upstream.Timeout = defaultUpstreamTimeout
	}
	if c.Upstream.ConnectTimeout <= 0 {
		c.Upstream.ConnectTimeout = defaultConnectTimeout
	}
}

// Validate checks the bind addresses. The proxy address is only a seed, so it is
// validated the same way the lifecycle manager does.
func (c Config) Validate() error {
	if c.Admin.Port <= 0 || c.Admin.Port > 65535 {
		return fmt.Errorf("invalid admin port: %d", c.Admin.Port)
	}
	if errProxy := c.Proxy.Validate(); errProxy != nil {
		return errProxy
	}
	if c.RateLimit.Limit < 0 {
		return fmt.Errorf("invalid ratelimit.limit: %d", c.RateLimit.Limit)
	}
	return nil
}

// LoadDatabaseDSN reads the database DSN from the YAML config file.
func LoadDatabaseDSN(configPath string) (string, error) {
	if dsn := strings.TrimSpace(os.Getenv(EnvDBConnection)); dsn != "" {
		return dsn, nil
	}

	// fileConfig maps the YAML fields needed for DSN resolution.
	type fileConfig struct {
		DatabaseDSN string `yaml:"database-dsn"`
		Database    struct {
			DSN string `yaml:"dsn"`
		} `yaml:"database"`
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("read config file: %w", err)
	}

	var cfg fileConfig
	if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
		return "", fmt.Errorf("parse config file: %w", errUnmarshal)
	}

	if dsn := strings.TrimSpace(cfg.DatabaseDSN); dsn != "" {
		return dsn, nil
	}
	if dsn := strings.TrimSpace(cfg.Database.DSN); dsn != "" {
		return dsn, nil
	}
	return "", ErrMissingDatabaseDSN
}

// WriteDefault writes a starter config file. An existing file is left alone
// unless overwrite is set.
func WriteDefault(configPath string, dsn string, overwrite bool) error {
	if !overwrite && ConfigExists(configPath) {
		return fmt.Errorf("config file %s already exists", configPath)
	}
	cfg := Default()
	if strings.TrimSpace(dsn) != "" {
		cfg.DatabaseDSN = strings.TrimSpace(dsn)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(configPath)
	if errMkdir := os.MkdirAll(dir, 0755); errMkdir != nil {
		return fmt.Errorf("create config dir: %w", errMkdir)
	}

	if errWrite := os.WriteFile(configPath, data, 0600); errWrite != nil {
		return fmt.Errorf("write config file: %w", errWrite)
	}
	return nil
}
