package proxyserver

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	// DefaultHost is the loopback address the proxy binds to by default.
	DefaultHost = "127.0.0.1"
	// DefaultPort is the default proxy port.
	DefaultPort = 15288
)

// Config is the proxy bind address.
type Config struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// DefaultConfig returns the default bind address.
func DefaultConfig() Config {
	return Config{Host: DefaultHost, Port: DefaultPort}
}

// Validate checks that host is an IP literal and port is in 1..65535.
func (c Config) Validate() error {
	host := strings.TrimSpace(c.Host)
	if host == "" {
		return &ConfigError{Field: "host", Reason: "is required"}
	}
	if net.ParseIP(host) == nil {
		return &ConfigError{Field: "host", Reason: fmt.Sprintf("%q is not an IP address", c.Host)}
	}
	if c.Port <= 0 || c.Port > 65535 {
		return &ConfigError{Field: "port", Reason: fmt.Sprintf("%d is outside 1-65535", c.Port)}
	}
	return nil
}

// Addr returns the host:port listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(strings.TrimSpace(c.Host), strconv.Itoa(c.Port))
}

// ConfigError reports an invalid proxy configuration.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("proxy: invalid %s: %s", e.Field, e.Reason)
}

// BindError reports that the listener could not be opened.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("proxy: bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// ConfigStore persists the proxy bind address and last status.
type ConfigStore interface {
	LoadProxyConfig(ctx context.Context) (Config, bool, error)
	SaveProxyConfig(ctx context.Context, cfg Config) error
	SaveProxyStatus(ctx context.Context, status Status) error
}
