package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	appName   = "socks-relay"
	envPrefix = "SOCKS_RELAY"
)

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"host":             "server.host",
	"port":             "server.port",
	"backlog":          "server.backlog",
	"buffer-size":      "relay.buffer_size",
	"max-queued-bytes": "relay.max_queued_bytes",
	"dns-server":       "dns.server",
	"dns-timeout":      "dns.timeout",
	"dns-attempts":     "dns.attempts",
	"log-level":        "log.level",
	"log-format":       "log.format",
}

// Load merges, in decreasing precedence, flags that were set, SOCKS_RELAY_*
// environment variables, the config file and defaults. An empty configPath
// searches the working directory, the XDG config dirs and /etc. A nil flags
// set is allowed.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigName(appName)
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		for _, dir := range searchDirs() {
			v.AddConfigPath(dir)
		}
	}

	def := Default()
	v.SetDefault("server.host", def.Server.Host)
	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("server.backlog", def.Server.Backlog)
	v.SetDefault("relay.buffer_size", def.Relay.BufferSize)
	v.SetDefault("relay.max_queued_bytes", def.Relay.MaxQueuedBytes)
	v.SetDefault("dns.server", def.DNS.Server)
	v.SetDefault("dns.timeout", def.DNS.Timeout)
	v.SetDefault("dns.attempts", def.DNS.Attempts)
	v.SetDefault("dns.hosts", def.DNS.Hosts)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func searchDirs() []string {
	dirs := []string{".", filepath.Join(xdg.ConfigHome, appName)}
	for _, dir := range xdg.ConfigDirs {
		dirs = append(dirs, filepath.Join(dir, appName))
	}
	return append(dirs, filepath.Join("/etc", appName))
}

// DefaultPath is where WriteDefault puts the file when no path is given.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, appName, appName+".yaml")
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// WriteDefault writes the default configuration to path, refusing to replace
// an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if path == "" {
		path = DefaultPath()
	}
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config file %s already exists", path)
	}

	out, err := Marshal(Default())
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}
