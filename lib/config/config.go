// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for server-farm
// binaries.
//
// Configuration is a single YAML file specified by:
//   - the FARM_CONFIG environment variable, or
//   - the --config flag passed to the command.
//
// There is no automatic discovery and no override chain beyond
// "defaults, then file". This keeps a fleet's effective configuration
// auditable: what the file says, plus documented defaults, is what
// runs.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable consulted when no --config
// flag is given.
const EnvVar = "FARM_CONFIG"

// Config is the master configuration for a server-farm node.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server"`

	// Node configures this node's identity and role.
	Node NodeConfig `yaml:"node"`

	// Peer configures the sync and heartbeat engines.
	Peer PeerConfig `yaml:"peer"`

	// Security configures peer authentication and the command
	// blacklist.
	Security SecurityConfig `yaml:"security"`

	// Storage configures the persisted record store.
	Storage StorageConfig `yaml:"storage"`

	// Discovery configures optional etcd seed discovery. Inactive
	// when Endpoints is empty.
	Discovery DiscoveryConfig `yaml:"discovery"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// NodeConfig configures identity and role.
type NodeConfig struct {
	// ID pins the node ID. Empty means load the persisted ID or
	// generate one on first boot (hostname plus random suffix).
	ID string `yaml:"id"`

	// Name is the display name; defaults to the hostname.
	Name string `yaml:"name"`

	// Mode is "full", "relay", or "auto". Auto resolves to relay
	// when a primary server is configured, else full.
	Mode string `yaml:"mode"`

	// PrimaryServer is the URL of the Full peer a relay heartbeats
	// to before it has learned any peers from the registry.
	PrimaryServer string `yaml:"primary_server"`

	// Connectable declares that peers can reach this node's
	// listener directly.
	Connectable bool `yaml:"connectable"`

	// PublicURL is the externally reachable base URL, advertised to
	// peers when Connectable is true.
	PublicURL string `yaml:"public_url"`
}

// PeerConfig configures the gossip and heartbeat engines. Intervals
// and ages are whole seconds, matching the wire protocol's clock
// granularity.
type PeerConfig struct {
	// SyncIntervalSeconds is the base gossip period; each cycle is
	// jittered ±20% to avoid synchronized bursts across a fleet.
	SyncIntervalSeconds int `yaml:"sync_interval"`

	// HeartbeatIntervalSeconds is the heartbeat period, and also
	// the cadence of mode evaluation and the liveness sweep.
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval"`

	// TimeoutSeconds bounds every outbound peer call.
	TimeoutSeconds int `yaml:"timeout"`

	// MaxFanout is the number of peers contacted per gossip cycle.
	MaxFanout int `yaml:"max_fanout"`

	// MaxHeartbeatFailures is the consecutive-failure threshold
	// that, once reached for every known connectable Full peer,
	// promotes a relay to Temp-Full.
	MaxHeartbeatFailures int `yaml:"max_heartbeat_failures"`

	// OfflineAfterSeconds is how long a node can go unseen before
	// the liveness sweep marks its state offline.
	OfflineAfterSeconds int `yaml:"offline_after"`

	// TaskMaxAgeSeconds is how long an uncollected task waits for a
	// heartbeat before the server role marks it timeout.
	TaskMaxAgeSeconds int `yaml:"task_max_age"`

	// JoinTimeoutSeconds bounds how long an outbound join request
	// polls for approval before it is marked failed locally.
	JoinTimeoutSeconds int `yaml:"join_timeout"`

	// AutoApprove makes inbound join requests trusted immediately
	// instead of pending. Not the default; enable only on closed
	// networks.
	AutoApprove bool `yaml:"auto_approve"`

	// TombstoneTTLSeconds garbage-collects kicked records this long
	// after KickedAt. Zero keeps tombstones forever, which is the
	// safe default: a collected tombstone can no longer protect
	// against a stale trusted copy re-propagating.
	TombstoneTTLSeconds int `yaml:"tombstone_ttl"`
}

// SecurityConfig configures authentication and command filtering.
type SecurityConfig struct {
	// ClusterSecret is the shared secret carried on every peer
	// call. Empty means generate one at first boot and persist it
	// with the identity — correct for a single-node start, but a
	// joining node must be configured with the network's secret.
	ClusterSecret string `yaml:"cluster_secret"`

	// CommandBlacklist rejects task commands containing any of
	// these substrings (case-insensitive).
	CommandBlacklist []string `yaml:"command_blacklist"`
}

// StorageConfig configures the SQLite record store.
type StorageConfig struct {
	// Path is the database file. The parent directory must exist.
	Path string `yaml:"path"`

	// PoolSize is the connection pool size; zero means a small
	// default sized to the host.
	PoolSize int `yaml:"pool_size"`
}

// DiscoveryConfig configures optional etcd-based seed discovery for
// connectable Full nodes.
type DiscoveryConfig struct {
	// Endpoints lists etcd endpoints. Empty disables discovery.
	Endpoints []string `yaml:"endpoints"`

	// Namespace is the key prefix nodes register under.
	Namespace string `yaml:"namespace"`

	// LeaseTTLSeconds is the registration lease; a crashed node's
	// entry disappears when the lease lapses.
	LeaseTTLSeconds int `yaml:"lease_ttl"`
}

// Default returns a Config with every field at its documented default.
func Default() Config {
	return Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8300},
		Node:   NodeConfig{Mode: "auto"},
		Peer: PeerConfig{
			SyncIntervalSeconds:      30,
			HeartbeatIntervalSeconds: 10,
			TimeoutSeconds:           10,
			MaxFanout:                3,
			MaxHeartbeatFailures:     3,
			OfflineAfterSeconds:      60,
			TaskMaxAgeSeconds:        3600,
			JoinTimeoutSeconds:       600,
		},
		Security: SecurityConfig{
			CommandBlacklist: []string{"rm -rf /", "mkfs", "dd if=/dev/zero"},
		},
		Storage: StorageConfig{Path: "farm.db"},
		Discovery: DiscoveryConfig{
			Namespace:       "/farm/nodes",
			LeaseTTLSeconds: 15,
		},
	}
}

// Load reads the YAML file at path over the defaults and validates the
// result. An empty path falls back to FARM_CONFIG; if that is also
// empty, the defaults are returned unchanged.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that YAML decoding cannot.
func (c Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Node.Mode {
	case "full", "relay", "auto":
	default:
		errs = append(errs, fmt.Errorf("node.mode %q must be full, relay, or auto", c.Node.Mode))
	}
	if c.Node.Mode == "relay" && c.Node.PrimaryServer == "" {
		errs = append(errs, errors.New("node.mode relay requires node.primary_server"))
	}
	if c.Peer.SyncIntervalSeconds <= 0 {
		errs = append(errs, errors.New("peer.sync_interval must be positive"))
	}
	if c.Peer.HeartbeatIntervalSeconds <= 0 {
		errs = append(errs, errors.New("peer.heartbeat_interval must be positive"))
	}
	if c.Peer.MaxFanout <= 0 {
		errs = append(errs, errors.New("peer.max_fanout must be positive"))
	}
	if c.Peer.MaxHeartbeatFailures <= 0 {
		errs = append(errs, errors.New("peer.max_heartbeat_failures must be positive"))
	}
	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}

	return errors.Join(errs...)
}

// Duration helpers so callers never multiply by time.Second at use
// sites.

func (p PeerConfig) SyncInterval() time.Duration {
	return time.Duration(p.SyncIntervalSeconds) * time.Second
}

func (p PeerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(p.HeartbeatIntervalSeconds) * time.Second
}

func (p PeerConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

func (p PeerConfig) OfflineAfter() time.Duration {
	return time.Duration(p.OfflineAfterSeconds) * time.Second
}

func (p PeerConfig) TaskMaxAge() time.Duration {
	return time.Duration(p.TaskMaxAgeSeconds) * time.Second
}

func (p PeerConfig) JoinTimeout() time.Duration {
	return time.Duration(p.JoinTimeoutSeconds) * time.Second
}

func (p PeerConfig) TombstoneTTL() time.Duration {
	return time.Duration(p.TombstoneTTLSeconds) * time.Second
}
