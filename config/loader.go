package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader builds a Config from defaults, an optional YAML file, and
// environment variables, in that order.
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader creates a loader with the TASKFOLD environment prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "TASKFOLD"}
}

// WithConfigPath sets the YAML file to load. A missing file is not an
// error; defaults and environment apply.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load resolves and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.configPath != "" {
		data, err := os.ReadFile(l.configPath)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", l.configPath, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", l.configPath, err)
			}
		}
	}

	l.applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the config. Malformed
// values are ignored so a typo in the environment cannot take the engine
// down; Validate catches anything that matters.
func (l *Loader) applyEnv(cfg *Config) {
	l.stringVar("VAULT_ROOT", &cfg.Vault.Root)
	l.stringVar("LISTEN_ADDR", &cfg.Server.ListenAddr)
	l.stringVar("METRICS_ADDR", &cfg.Server.MetricsAddr)
	l.durationVar("SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	l.intVar("CLAIM_RETRY_ATTEMPTS", &cfg.Claim.RetryAttempts)
	l.intVar("CLAIM_RECLAIM_LIMIT", &cfg.Claim.ReclaimLimit)
	l.stringVar("CLAIM_LOCKER", &cfg.Claim.Locker)
	l.stringVar("REDIS_ADDR", &cfg.Claim.Redis.Addr)
	l.stringVar("REDIS_PASSWORD", &cfg.Claim.Redis.Password)
	l.intVar("REDIS_DB", &cfg.Claim.Redis.DB)
	l.durationVar("REDIS_TTL", &cfg.Claim.Redis.TTL)

	l.stringVar("ASSIGN_STRATEGY", &cfg.Assign.Strategy)
	l.durationVar("ASSIGN_POLL_INTERVAL", &cfg.Assign.PollInterval)
	l.floatVar("ASSIGN_SCAN_PER_SECOND", &cfg.Assign.ScanPerSecond)

	l.durationVar("RECLAIM_SWEEP_INTERVAL", &cfg.Reclaim.SweepInterval)
	l.durationVar("RECLAIM_DEFAULT_TIMEOUT", &cfg.Reclaim.DefaultTimeout)
	l.durationVar("RECLAIM_HEARTBEAT_INTERVAL", &cfg.Reclaim.HeartbeatInterval)
	l.intVar("RECLAIM_MISSED_HEARTBEATS", &cfg.Reclaim.MissedHeartbeats)
	l.durationVar("RECLAIM_LOCK_MAX_AGE", &cfg.Reclaim.LockMaxAge)

	l.intVar("LIMITS_MAX_CONCURRENT", &cfg.Limits.MaxConcurrent)
	l.intVar("LIMITS_PER_TYPE", &cfg.Limits.PerType)

	l.stringVar("AUDIT_PATH", &cfg.Audit.Path)
	l.stringVar("LOG_LEVEL", &cfg.Log.Level)
	l.stringVar("LOG_FORMAT", &cfg.Log.Format)
}

func (l *Loader) lookup(key string) (string, bool) {
	return os.LookupEnv(l.envPrefix + "_" + key)
}

func (l *Loader) stringVar(key string, dst *string) {
	if v, ok := l.lookup(key); ok {
		*dst = v
	}
}

func (l *Loader) intVar(key string, dst *int) {
	if v, ok := l.lookup(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func (l *Loader) floatVar(key string, dst *float64) {
	if v, ok := l.lookup(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func (l *Loader) durationVar(key string, dst *time.Duration) {
	if v, ok := l.lookup(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
