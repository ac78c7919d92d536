// Package config loads the relay's static configuration: listening address,
// relay buffer sizing, name resolution and logging.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

const (
	DefaultHost           = "0.0.0.0"
	DefaultPort           = 1080
	DefaultBacklog        = 128
	DefaultBufferSize     = 8192
	DefaultMaxQueuedBytes = 0
	DefaultDNSTimeout     = 2 * time.Second
	DefaultDNSAttempts    = 3
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
)

type Config struct {
	Server ServerConfig `mapstructure:"server" yaml:"server"`
	Relay  RelayConfig  `mapstructure:"relay" yaml:"relay"`
	DNS    DNSConfig    `mapstructure:"dns" yaml:"dns"`
	Log    LogConfig    `mapstructure:"log" yaml:"log"`
}

type ServerConfig struct {
	Host    string `mapstructure:"host" yaml:"host"`
	Port    int    `mapstructure:"port" yaml:"port"`
	Backlog int    `mapstructure:"backlog" yaml:"backlog"`
}

type RelayConfig struct {
	// BufferSize is the size of the buffer allocated for each read.
	BufferSize int `mapstructure:"buffer_size" yaml:"buffer_size"`
	// MaxQueuedBytes pauses reading from a side while the opposite queue holds
	// at least this many bytes. Zero means unbounded.
	MaxQueuedBytes int `mapstructure:"max_queued_bytes" yaml:"max_queued_bytes"`
}

type DNSConfig struct {
	// Server is an IPv4 host:port. Empty means the first nameserver of
	// /etc/resolv.conf.
	Server string `mapstructure:"server" yaml:"server"`

	// Timeout is the wait for each query attempt; Attempts bounds how many
	// times a query is sent before the lookup fails.
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Attempts int           `mapstructure:"attempts" yaml:"attempts"`

	Hosts map[string]string `mapstructure:"hosts" yaml:"hosts"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    DefaultHost,
			Port:    DefaultPort,
			Backlog: DefaultBacklog,
		},
		Relay: RelayConfig{
			BufferSize:     DefaultBufferSize,
			MaxQueuedBytes: DefaultMaxQueuedBytes,
		},
		DNS: DNSConfig{
			Timeout:  DefaultDNSTimeout,
			Attempts: DefaultDNSAttempts,
			Hosts:    map[string]string{"localhost": "127.0.0.1"},
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

// ConfigError describes one invalid field.
type ConfigError struct {
	Field   string
	Value   any
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s (%v): %s", e.Field, e.Value, e.Message)
}

// Validate returns every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(field string, value any, msg string) {
		errs = append(errs, &ConfigError{Field: field, Value: value, Message: msg})
	}

	if ip, err := netip.ParseAddr(c.Server.Host); err != nil || !ip.Is4() {
		add("server.host", c.Server.Host, "must be an IPv4 address")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", c.Server.Port, "must be between 1 and 65535")
	}
	if c.Server.Backlog < 1 {
		add("server.backlog", c.Server.Backlog, "must be positive")
	}
	if c.Relay.BufferSize < 1 {
		add("relay.buffer_size", c.Relay.BufferSize, "must be positive")
	}
	if c.Relay.MaxQueuedBytes < 0 {
		add("relay.max_queued_bytes", c.Relay.MaxQueuedBytes, "must not be negative")
	}
	if c.DNS.Server != "" {
		if ap, err := netip.ParseAddrPort(c.DNS.Server); err != nil || !ap.Addr().Is4() {
			add("dns.server", c.DNS.Server, "must be an IPv4 host:port")
		}
	}
	if c.DNS.Timeout <= 0 {
		add("dns.timeout", c.DNS.Timeout, "must be positive")
	}
	if c.DNS.Attempts < 1 {
		add("dns.attempts", c.DNS.Attempts, "must be positive")
	}
	for name, ip := range c.DNS.Hosts {
		if addr, err := netip.ParseAddr(ip); err != nil || !addr.Is4() {
			add("dns.hosts."+name, ip, "must be an IPv4 address")
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("log.level", c.Log.Level, "must be one of debug, info, warn, error")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		add("log.format", c.Log.Format, "must be text or json")
	}

	return errors.Join(errs...)
}

// StaticHosts returns the host table keyed by lower-case name.
func (c *Config) StaticHosts() map[string][4]byte {
	out := make(map[string][4]byte, len(c.DNS.Hosts))
	for name, ip := range c.DNS.Hosts {
		if addr, err := netip.ParseAddr(ip); err == nil && addr.Is4() {
			out[strings.ToLower(name)] = addr.As4()
		}
	}
	return out
}
