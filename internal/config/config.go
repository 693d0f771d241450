// Package config loads the daemon configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration. Zero values fall back to the
// defaults applied by Load.
type Config struct {
	ListenAddr     string `yaml:"listenAddr"`
	HostKey        string `yaml:"hostKey"`
	AuthorizedKeys string `yaml:"authorizedKeys"`
	PasswordSecret string `yaml:"passwordSecret"`

	SocketDir string `yaml:"socketDir"`
	StateDir  string `yaml:"stateDir"`

	// SessionGroup, when set, grants members of that unix group access to
	// session sockets.
	SessionGroup string `yaml:"sessionGroup"`

	Relay RelayConfig `yaml:"relay"`

	LogJSON bool `yaml:"logJSON"`
}

type RelayConfig struct {
	URL               string `yaml:"url"`
	SubjectPrefix     string `yaml:"subjectPrefix"`
	ConnectRetries    int    `yaml:"connectRetries"`
	RetryDelaySeconds int    `yaml:"retryDelaySeconds"`
}

// RetryDelay converts the configured seconds to a duration.
func (r RelayConfig) RetryDelay() time.Duration {
	return time.Duration(r.RetryDelaySeconds) * time.Second
}

// DefaultHomeDir is where keys, sockets and persisted state live unless
// the config says otherwise.
func DefaultHomeDir() string {
	if v := os.Getenv("HOLDFAST_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".holdfast")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultHomeDir(), "config.yaml")
}

// Load decodes the config file and fills defaults. A missing file yields
// a pure-defaults config rather than an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	trimmed := strings.TrimSpace(path)
	if trimmed != "" {
		expanded, err := expandPath(trimmed)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(expanded)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	home := DefaultHomeDir()
	if c.ListenAddr == "" {
		c.ListenAddr = ":2222"
	}
	if c.HostKey == "" {
		c.HostKey = filepath.Join(home, "host_key")
	}
	if c.AuthorizedKeys == "" {
		c.AuthorizedKeys = filepath.Join(home, "authorized_keys")
	}
	if c.SocketDir == "" {
		c.SocketDir = filepath.Join(home, "sockets")
	}
	if c.StateDir == "" {
		c.StateDir = filepath.Join(home, "state")
	}
	if c.Relay.SubjectPrefix == "" {
		c.Relay.SubjectPrefix = "holdfast"
	}
	if c.Relay.ConnectRetries == 0 {
		c.Relay.ConnectRetries = 5
	}
	if c.Relay.RetryDelaySeconds == 0 {
		c.Relay.RetryDelaySeconds = 2
	}
}

func expandPath(path string) (string, error) {
	switch {
	case strings.HasPrefix(path, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	case path == "~":
		return os.UserHomeDir()
	case filepath.IsAbs(path):
		return path, nil
	default:
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return filepath.Join(cwd, path), nil
	}
}
