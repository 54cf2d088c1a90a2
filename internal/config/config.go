// Package config handles configuration loading and validation for gridmesh nodes.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gridmesh/gridmesh/internal/xsite"
	"github.com/gridmesh/gridmesh/pkg/bytesize"
	"github.com/gridmesh/gridmesh/pkg/proto"
)

// GossipConfig holds configuration for cluster membership.
type GossipConfig struct {
	Bind  string   `yaml:"bind"`  // Gossip listen address (default: ":7946")
	Seeds []string `yaml:"seeds"` // Gossip addresses of existing members
}

// TransportConfig holds configuration for the node-to-node transport.
type TransportConfig struct {
	RateLimit             float64       `yaml:"rate_limit"`              // Incoming messages per second (0 = unlimited)
	RateBurst             int           `yaml:"rate_burst"`              // Default: 100
	CompressThreshold     bytesize.Size `yaml:"compress_threshold"`      // Payload size from which to compress (0 = never)
	MaxMessageSize        bytesize.Size `yaml:"max_message_size"`        // Default: 8MB
	MaxConcurrentCommands int64         `yaml:"max_concurrent_commands"` // Default: 64
}

// LokiConfig holds configuration for shipping logs to Grafana Loki.
type LokiConfig struct {
	URL           string `yaml:"url"`            // Loki base URL (empty = disabled)
	BatchSize     int    `yaml:"batch_size"`     // Default: 100
	FlushInterval string `yaml:"flush_interval"` // Duration string (default: "5s")
}

// TraceConfig holds configuration for the runtime flight recorder.
type TraceConfig struct {
	Enabled    bool          `yaml:"enabled"`
	BufferSize bytesize.Size `yaml:"buffer_size"` // Default: 10MB
}

// TakeOfflineConfig holds the automatic take-offline thresholds of a site.
type TakeOfflineConfig struct {
	AfterFailures int    `yaml:"after_failures"`
	MinWait       string `yaml:"min_wait"` // Duration string, e.g. "30s"
}

// SiteConfig holds configuration for one backup site.
type SiteConfig struct {
	Name          string            `yaml:"name"`
	Gateway       string            `yaml:"gateway"`        // RPC address of the site's gateway node
	Sync          bool              `yaml:"sync"`           // Wait for the site before acknowledging writes
	Timeout       string            `yaml:"timeout"`        // Duration string (default: "10s")
	FailurePolicy string            `yaml:"failure_policy"` // warn, fail or ignore (default: warn)
	TakeOffline   TakeOfflineConfig `yaml:"take_offline"`
}

// NodeConfig holds configuration for a grid node.
type NodeConfig struct {
	Name          string          `yaml:"name"`
	Site          string          `yaml:"site"`           // Local site name
	Listen        string          `yaml:"listen"`         // RPC and API listen address (default: ":7000")
	Advertise     string          `yaml:"advertise"`      // RPC address other nodes use (default: listen)
	MetricsListen string          `yaml:"metrics_listen"` // Prometheus endpoint (empty = disabled)
	RemoteTimeout string          `yaml:"remote_timeout"` // Duration string (default: "15s")
	MaxPending    int             `yaml:"max_pending"`    // Live request limit (0 = unlimited)
	Gossip        GossipConfig    `yaml:"gossip"`
	Transport     TransportConfig `yaml:"transport"`
	Loki          LokiConfig      `yaml:"loki"`
	Trace         TraceConfig     `yaml:"trace"`
	Sites         []SiteConfig    `yaml:"sites"`
}

// LoadNodeConfig loads a node configuration from a YAML file.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &NodeConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	// Apply defaults
	if cfg.Listen == "" {
		cfg.Listen = ":7000"
	}
	if cfg.Advertise == "" {
		cfg.Advertise = cfg.Listen
	}
	if cfg.RemoteTimeout == "" {
		cfg.RemoteTimeout = "15s"
	}
	if cfg.Gossip.Bind == "" {
		cfg.Gossip.Bind = ":7946"
	}
	if cfg.Transport.RateBurst == 0 {
		cfg.Transport.RateBurst = 100
	}
	if cfg.Transport.MaxMessageSize == 0 {
		cfg.Transport.MaxMessageSize = bytesize.Size(8 * bytesize.MB)
	}
	if cfg.Transport.MaxConcurrentCommands == 0 {
		cfg.Transport.MaxConcurrentCommands = 64
	}
	if cfg.Loki.FlushInterval == "" {
		cfg.Loki.FlushInterval = "5s"
	}
	if cfg.Trace.BufferSize == 0 {
		cfg.Trace.BufferSize = bytesize.Size(10 * bytesize.MB)
	}
	for i := range cfg.Sites {
		if cfg.Sites[i].Timeout == "" {
			cfg.Sites[i].Timeout = "10s"
		}
		if cfg.Sites[i].FailurePolicy == "" {
			cfg.Sites[i].FailurePolicy = string(xsite.FailurePolicyWarn)
		}
	}

	return cfg, nil
}

// Validate checks if the node configuration is valid.
func (c *NodeConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.Site == "" {
		return fmt.Errorf("site is required")
	}
	host, _, err := net.SplitHostPort(c.Advertise)
	if err != nil {
		return fmt.Errorf("invalid advertise address: %w", err)
	}
	if host == "" {
		return fmt.Errorf("advertise address %q needs a host", c.Advertise)
	}
	if _, err := parsePositiveDuration(c.RemoteTimeout); err != nil {
		return fmt.Errorf("invalid remote_timeout: %w", err)
	}
	if _, _, err := net.SplitHostPort(c.Gossip.Bind); err != nil {
		return fmt.Errorf("invalid gossip.bind: %w", err)
	}
	if c.Transport.RateLimit < 0 {
		return fmt.Errorf("transport.rate_limit must not be negative")
	}
	if c.MaxPending < 0 {
		return fmt.Errorf("max_pending must not be negative")
	}
	if c.Loki.URL != "" {
		if _, err := parsePositiveDuration(c.Loki.FlushInterval); err != nil {
			return fmt.Errorf("invalid loki.flush_interval: %w", err)
		}
	}

	seen := make(map[string]bool, len(c.Sites))
	for i, s := range c.Sites {
		if s.Name == "" {
			return fmt.Errorf("sites[%d].name is required", i)
		}
		if s.Name == c.Site {
			return fmt.Errorf("sites[%d]: %q is the local site", i, s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("sites[%d]: duplicate site %q", i, s.Name)
		}
		seen[s.Name] = true
		if s.Gateway == "" {
			return fmt.Errorf("sites[%d].gateway is required", i)
		}
		if _, err := parsePositiveDuration(s.Timeout); err != nil {
			return fmt.Errorf("sites[%d].timeout: %w", i, err)
		}
		switch xsite.FailurePolicy(s.FailurePolicy) {
		case xsite.FailurePolicyWarn, xsite.FailurePolicyFail, xsite.FailurePolicyIgnore:
		default:
			return fmt.Errorf("sites[%d].failure_policy %q must be warn, fail or ignore", i, s.FailurePolicy)
		}
		if s.TakeOffline.AfterFailures < 0 {
			return fmt.Errorf("sites[%d].take_offline.after_failures must not be negative", i)
		}
		if s.TakeOffline.MinWait != "" {
			if _, err := time.ParseDuration(s.TakeOffline.MinWait); err != nil {
				return fmt.Errorf("sites[%d].take_offline.min_wait: %w", i, err)
			}
		}
	}
	return nil
}

// Address returns the RPC address of this node.
func (c *NodeConfig) Address() proto.Address {
	return proto.Address(c.Advertise)
}

// RemoteTimeoutDuration returns the parsed remote timeout. Call Validate
// first.
func (c *NodeConfig) RemoteTimeoutDuration() time.Duration {
	d, _ := parsePositiveDuration(c.RemoteTimeout)
	return d
}

// LokiFlushInterval returns the parsed Loki flush interval. Call Validate
// first.
func (c *NodeConfig) LokiFlushInterval() time.Duration {
	d, _ := parsePositiveDuration(c.Loki.FlushInterval)
	return d
}

// SiteGateways maps every backup site to its gateway address.
func (c *NodeConfig) SiteGateways() map[string]proto.Address {
	out := make(map[string]proto.Address, len(c.Sites))
	for _, s := range c.Sites {
		out[s.Name] = proto.Address(s.Gateway)
	}
	return out
}

// BackupSites converts the site list for the backup sender. Call Validate
// first.
func (c *NodeConfig) BackupSites() []xsite.SiteConfig {
	out := make([]xsite.SiteConfig, 0, len(c.Sites))
	for _, s := range c.Sites {
		timeout, _ := parsePositiveDuration(s.Timeout)
		var minWait time.Duration
		if s.TakeOffline.MinWait != "" {
			minWait, _ = time.ParseDuration(s.TakeOffline.MinWait)
		}
		out = append(out, xsite.SiteConfig{
			Backup: xsite.Backup{
				Site:    s.Name,
				Sync:    s.Sync,
				Timeout: timeout,
			},
			TakeOffline: xsite.TakeOfflineConfig{
				AfterFailures: s.TakeOffline.AfterFailures,
				MinWait:       minWait,
			},
			FailurePolicy: xsite.FailurePolicy(s.FailurePolicy),
		})
	}
	return out
}

func parsePositiveDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", s)
	}
	return d, nil
}
