// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Meridian's
// to-device delivery service.
//
// Configuration is loaded from a single YAML file specified by:
//   - MERIDIAN_CONFIG environment variable, or
//   - --config flag passed to the daemon
//
// There are no fallbacks or automatic discovery. The config file is
// the single source of truth; environment variables do not override
// values. The only expansion performed is ${HOME}-style path variables
// for portability.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/meridian-im/meridian/lib/ref"
)

// Config is the master configuration for the to-device delivery
// service.
type Config struct {
	// ServerName is this homeserver's Matrix server name. Users whose
	// IDs carry this domain are local; everything else routes over
	// federation.
	ServerName string `yaml:"server_name"`

	// InstanceName identifies this process within the sharded
	// deployment (e.g., "writer-1"). Compared against the writer
	// lists in Topology to decide which roles this process performs.
	InstanceName string `yaml:"instance_name"`

	// Database configures the SQLite-backed inbox store.
	Database DatabaseConfig `yaml:"database"`

	// Topology configures writer affinity for sharded deployments.
	Topology TopologyConfig `yaml:"topology"`

	// Replication configures the internal instance-to-instance
	// channel used for EDU forwarding and device resync.
	Replication ReplicationConfig `yaml:"replication"`

	// Federation configures the inbound federation listener.
	Federation FederationConfig `yaml:"federation"`

	// RateLimit configures admission control for room key requests.
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// DedupKeyRequests enables the cancellation/dedup protocol for
	// self-addressed room key requests.
	DedupKeyRequests bool `yaml:"dedup_key_requests"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	// Path is the SQLite database file. The parent directory must
	// exist.
	Path string `yaml:"path"`

	// PoolSize is the connection pool size. Zero uses the pool
	// default.
	PoolSize int `yaml:"pool_size"`
}

// TopologyConfig names the instances that own single-writer resources.
type TopologyConfig struct {
	// ToDeviceWriters lists the instances allowed to mutate the
	// to-device inbox. Inbound federation EDUs handled elsewhere are
	// forwarded to one of these.
	ToDeviceWriters []string `yaml:"to_device_writers"`

	// ResyncInstance is the single instance that performs device-list
	// resync. Other instances issue resync over replication.
	ResyncInstance string `yaml:"resync_instance"`
}

// ReplicationConfig configures the internal replication sockets.
type ReplicationConfig struct {
	// SocketDir is the directory holding per-instance Unix sockets
	// (<SocketDir>/<instance>.sock).
	SocketDir string `yaml:"socket_dir"`
}

// FederationConfig configures the inbound federation listener.
type FederationConfig struct {
	// ListenAddr is the address the federation transaction endpoint
	// binds to. Signature verification is handled by the fronting
	// proxy before traffic reaches this listener.
	ListenAddr string `yaml:"listen_addr"`
}

// RateLimitConfig holds the token-bucket parameters for room key
// request admission control.
type RateLimitConfig struct {
	// PerSecond is the sustained refill rate. Zero means no refill:
	// only the initial burst is available.
	PerSecond float64 `yaml:"per_second"`

	// BurstCount is the bucket capacity.
	BurstCount int `yaml:"burst_count"`
}

// Default returns the default configuration. Defaults exist to give
// every field a sensible zero-value base — the config file is still
// required and must name the server and instance.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: "${HOME}/.local/state/meridian/to_device.db",
		},
		Replication: ReplicationConfig{
			SocketDir: "/run/meridian",
		},
		Federation: FederationConfig{
			ListenAddr: ":8448",
		},
		RateLimit: RateLimitConfig{
			PerSecond:  20,
			BurstCount: 100,
		},
		DedupKeyRequests: true,
	}
}

// Load loads configuration from the MERIDIAN_CONFIG environment
// variable. Fails if the variable is not set — there is no fallback
// path, which keeps deployments deterministic and auditable.
func Load() (*Config, error) {
	configPath := os.Getenv("MERIDIAN_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("MERIDIAN_CONFIG environment variable not set; " +
			"set it to the path of your meridian.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merging over
// the defaults and expanding path variables.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in path
// fields.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Database.Path = expandVars(c.Database.Path, vars)
	c.Replication.SocketDir = expandVars(c.Replication.SocketDir, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors. Returns all problems
// joined, not just the first.
func (c *Config) Validate() error {
	var errs []error

	if c.ServerName == "" {
		errs = append(errs, fmt.Errorf("server_name is required"))
	} else if _, err := ref.ParseServerName(c.ServerName); err != nil {
		errs = append(errs, fmt.Errorf("server_name: %w", err))
	}

	if c.InstanceName == "" {
		errs = append(errs, fmt.Errorf("instance_name is required"))
	}

	if c.Database.Path == "" {
		errs = append(errs, fmt.Errorf("database.path is required"))
	}

	if len(c.Topology.ToDeviceWriters) == 0 {
		errs = append(errs, fmt.Errorf("topology.to_device_writers must name at least one instance"))
	}
	if c.Topology.ResyncInstance == "" {
		errs = append(errs, fmt.Errorf("topology.resync_instance is required"))
	}

	if c.RateLimit.PerSecond < 0 {
		errs = append(errs, fmt.Errorf("rate_limit.per_second must not be negative"))
	}
	if c.RateLimit.BurstCount < 1 {
		errs = append(errs, fmt.Errorf("rate_limit.burst_count must be at least 1"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
