// Package config loads and hot-reloads the engine configuration.
// Precedence is defaults, then the YAML file, then environment
// variables.
package config

import (
	"fmt"
	"time"

	"github.com/taskfold/taskfold/vault"
)

// Config is the complete engine configuration.
type Config struct {
	// Vault locates the document hierarchy.
	Vault VaultConfig `yaml:"vault"`

	// Server configures the HTTP surface.
	Server ServerConfig `yaml:"server"`

	// Claim tunes lock acquisition and the reclaim limit.
	Claim ClaimConfig `yaml:"claim"`

	// Assign tunes discovery and strategy selection.
	Assign AssignConfig `yaml:"assign"`

	// Reclaim tunes the abandonment sweeps.
	Reclaim ReclaimConfig `yaml:"reclaim"`

	// Limits are the fleet-wide capacity defaults.
	Limits LimitsConfig `yaml:"limits"`

	// Audit configures the event trail.
	Audit AuditConfig `yaml:"audit"`

	// Log configures logging.
	Log LogConfig `yaml:"log"`
}

// VaultConfig locates the document hierarchy on disk.
type VaultConfig struct {
	// Root is the directory holding the folder layout.
	Root string `yaml:"root"`

	// Layout overrides the standard folder names.
	Layout vault.Layout `yaml:"layout"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// ListenAddr is the listen address for the agent-facing API.
	ListenAddr string `yaml:"listen_addr"`

	// MetricsAddr is the listen address for the metrics endpoint.
	MetricsAddr string `yaml:"metrics_addr"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ClaimConfig tunes the claim manager.
type ClaimConfig struct {
	// RetryAttempts is the number of lock acquisition attempts.
	RetryAttempts int `yaml:"retry_attempts"`

	// RetryBackoff is the sleep schedule between attempts.
	RetryBackoff []time.Duration `yaml:"retry_backoff"`

	// ReclaimLimit is how many reclaims a task survives before it is
	// failed.
	ReclaimLimit int `yaml:"reclaim_limit"`

	// Locker selects the lock backend: "file" or "redis".
	Locker string `yaml:"locker"`

	// Redis configures the redis locker when selected.
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig configures the redis lock backend.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// AssignConfig tunes the assignment engine.
type AssignConfig struct {
	// Strategy is the assignment strategy name.
	Strategy string `yaml:"strategy"`

	// PollInterval is the scan-and-dispatch cadence.
	PollInterval time.Duration `yaml:"poll_interval"`

	// ScanPerSecond throttles folder scans. Zero disables throttling.
	ScanPerSecond float64 `yaml:"scan_per_second"`

	// BroadcastBuffer is the urgent-notification channel depth.
	BroadcastBuffer int `yaml:"broadcast_buffer"`
}

// ReclaimConfig tunes the abandonment detector.
type ReclaimConfig struct {
	SweepInterval     time.Duration            `yaml:"sweep_interval"`
	DefaultTimeout    time.Duration            `yaml:"default_timeout"`
	TypeTimeouts      map[string]time.Duration `yaml:"type_timeouts"`
	HeartbeatInterval time.Duration            `yaml:"heartbeat_interval"`
	MissedHeartbeats  int                      `yaml:"missed_heartbeats"`
	LockMaxAge        time.Duration            `yaml:"lock_max_age"`
}

// LimitsConfig holds the default capacity limits for agents that do not
// set their own.
type LimitsConfig struct {
	// MaxConcurrent is the default per-agent concurrency limit. Zero
	// means unlimited.
	MaxConcurrent int `yaml:"max_concurrent"`

	// PerType is the default per-type concurrency limit. Zero disables
	// the per-type check.
	PerType int `yaml:"per_type"`
}

// AuditConfig configures the event trail.
type AuditConfig struct {
	// Path is the JSONL audit log file. Empty disables auditing.
	Path string `yaml:"path"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "json" or "console".
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file or environment
// override is present.
func Default() *Config {
	return &Config{
		Vault: VaultConfig{
			Root:   "./vault",
			Layout: vault.DefaultLayout(),
		},
		Server: ServerConfig{
			ListenAddr:      ":8080",
			MetricsAddr:     ":9090",
			ShutdownTimeout: 15 * time.Second,
		},
		Claim: ClaimConfig{
			RetryAttempts: 3,
			RetryBackoff:  []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, time.Second},
			ReclaimLimit:  3,
			Locker:        "file",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "taskfold:lock:",
				TTL:       30 * time.Second,
			},
		},
		Assign: AssignConfig{
			Strategy:        "priority_first",
			PollInterval:    5 * time.Second,
			ScanPerSecond:   0,
			BroadcastBuffer: 8,
		},
		Reclaim: ReclaimConfig{
			SweepInterval:     time.Minute,
			DefaultTimeout:    30 * time.Minute,
			HeartbeatInterval: time.Minute,
			MissedHeartbeats:  3,
			LockMaxAge:        5 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Vault.Root == "" {
		return fmt.Errorf("vault.root is empty")
	}
	if c.Vault.Layout.Inbox == "" || c.Vault.Layout.Agents == "" || c.Vault.Layout.Locks == "" {
		return fmt.Errorf("vault.layout is missing required folders")
	}
	if c.Claim.RetryAttempts < 1 {
		return fmt.Errorf("claim.retry_attempts must be at least 1, got %d", c.Claim.RetryAttempts)
	}
	if c.Claim.ReclaimLimit < 1 {
		return fmt.Errorf("claim.reclaim_limit must be at least 1, got %d", c.Claim.ReclaimLimit)
	}
	switch c.Claim.Locker {
	case "file", "redis":
	default:
		return fmt.Errorf("claim.locker must be \"file\" or \"redis\", got %q", c.Claim.Locker)
	}
	if c.Claim.Locker == "redis" && c.Claim.Redis.Addr == "" {
		return fmt.Errorf("claim.redis.addr is empty")
	}
	if c.Assign.PollInterval <= 0 {
		return fmt.Errorf("assign.poll_interval must be positive, got %s", c.Assign.PollInterval)
	}
	if c.Reclaim.SweepInterval <= 0 {
		return fmt.Errorf("reclaim.sweep_interval must be positive, got %s", c.Reclaim.SweepInterval)
	}
	if c.Reclaim.DefaultTimeout <= 0 {
		return fmt.Errorf("reclaim.default_timeout must be positive, got %s", c.Reclaim.DefaultTimeout)
	}
	if c.Reclaim.MissedHeartbeats < 1 {
		return fmt.Errorf("reclaim.missed_heartbeats must be at least 1, got %d", c.Reclaim.MissedHeartbeats)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be \"json\" or \"console\", got %q", c.Log.Format)
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	out := *c
	if c.Claim.RetryBackoff != nil {
		out.Claim.RetryBackoff = append([]time.Duration(nil), c.Claim.RetryBackoff...)
	}
	if c.Reclaim.TypeTimeouts != nil {
		out.Reclaim.TypeTimeouts = make(map[string]time.Duration, len(c.Reclaim.TypeTimeouts))
		for k, v := range c.Reclaim.TypeTimeouts {
			out.Reclaim.TypeTimeouts[k] = v
		}
	}
	if c.Vault.Layout.Destinations != nil {
		out.Vault.Layout.Destinations = make(map[string]string, len(c.Vault.Layout.Destinations))
		for k, v := range c.Vault.Layout.Destinations {
			out.Vault.Layout.Destinations[k] = v
		}
	}
	return &out
}
