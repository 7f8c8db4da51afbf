// Package config loads and validates collector configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Board      BoardConfig      `mapstructure:"board"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	Delays     DelaysConfig     `mapstructure:"delays"`
	Backoff    BackoffConfig    `mapstructure:"backoff"`
	Solver     SolverConfig     `mapstructure:"solver"`
	Proxy      ProxyConfig      `mapstructure:"proxy"`
	Session    SessionConfig    `mapstructure:"session"`
	Dedupe     DedupeConfig     `mapstructure:"dedupe"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Snapshot   SnapshotConfig   `mapstructure:"snapshot"`
	Publish    PublishConfig    `mapstructure:"publish"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Fetcher    FetcherConfig    `mapstructure:"fetcher"`
}

// BoardConfig names the job board a run targets.
type BoardConfig struct {
	Name string `mapstructure:"name"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// BrowserConfig configures the headless browser.
type BrowserConfig struct {
	Headless         bool    `mapstructure:"headless"`
	UserAgent        string  `mapstructure:"user_agent"`
	NavTimeoutSec    int     `mapstructure:"nav_timeout_seconds"`
	NavRatePerDomain float64 `mapstructure:"nav_rate_per_domain"`
}

// DelaysConfig shapes the human-like pauses between interactions.
type DelaysConfig struct {
	MinMs int `mapstructure:"min_ms"`
	MaxMs int `mapstructure:"max_ms"`
}

// BackoffConfig tunes the challenge backoff curve.
type BackoffConfig struct {
	BaseSeconds int `mapstructure:"base_seconds"`
	MaxSeconds  int `mapstructure:"max_seconds"`
}

// SolverConfig selects and tunes the challenge resolver backends.
type SolverConfig struct {
	Backends             []string `mapstructure:"backends"`
	APIKey               string   `mapstructure:"api_key"`
	BaseURL              string   `mapstructure:"base_url"`
	PollIntervalSec      int      `mapstructure:"poll_interval_seconds"`
	TimeoutSec           int      `mapstructure:"timeout_seconds"`
	MaxAttempts          int      `mapstructure:"max_attempts"`
	ClearanceURL         string   `mapstructure:"clearance_url"`
	ClearanceTimeoutSec  int      `mapstructure:"clearance_timeout_seconds"`
	SkipEscalationThresh int      `mapstructure:"skip_escalation_threshold"`
}

// ProxyConfig configures sticky upstream proxy sessions.
type ProxyConfig struct {
	Enabled               bool   `mapstructure:"enabled"`
	Provider              string `mapstructure:"provider"`
	Server                string `mapstructure:"server"`
	Username              string `mapstructure:"username"`
	Password              string `mapstructure:"password"`
	UsernameTemplate      string `mapstructure:"username_template"`
	Sticky                bool   `mapstructure:"sticky"`
	Scope                 string `mapstructure:"scope"`
	PoolSize              int    `mapstructure:"pool_size"`
	SessionTTLMinutes     int    `mapstructure:"session_ttl_minutes"`
	RotateAfterChallenges int    `mapstructure:"rotate_after_challenges"`
}

// SessionConfig tunes the challenge handling loop.
type SessionConfig struct {
	// AutoClearWaitSec polls for self-clearing challenges before any
	// solver is engaged.
	AutoClearWaitSec    int `mapstructure:"auto_clear_wait_seconds"`
	MaxChallengeRetries int `mapstructure:"max_challenge_retries"`
	NavMaxRetries       int `mapstructure:"nav_max_retries"`
}

// DedupeConfig locates the cross-run hash log.
type DedupeConfig struct {
	Path string `mapstructure:"path"`
}

// CheckpointConfig controls partial-result snapshots.
type CheckpointConfig struct {
	Path     string `mapstructure:"path"`
	Interval int    `mapstructure:"interval"`
}

// MetricsConfig locates the run summary document.
type MetricsConfig struct {
	PathTemplate string `mapstructure:"path_template"`
}

// SnapshotConfig selects the blocked-page artifact store.
type SnapshotConfig struct {
	// Provider is "none", "local" or "gcs".
	Provider  string `mapstructure:"provider"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PublishConfig holds metadata for run summary notifications.
type PublishConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// PostgresConfig controls the optional posting archive.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// FetcherConfig controls the clearance-cookie HTTP fetcher.
type FetcherConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	TimeoutSec int  `mapstructure:"timeout_seconds"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("JOBSWEEP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("board.name", "indeed")
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.nav_timeout_seconds", 45)
	v.SetDefault("browser.nav_rate_per_domain", 0.5)
	v.SetDefault("delays.min_ms", 800)
	v.SetDefault("delays.max_ms", 2500)
	v.SetDefault("backoff.base_seconds", 60)
	v.SetDefault("backoff.max_seconds", 300)
	v.SetDefault("solver.backends", []string{"token", "clearance", "skip"})
	v.SetDefault("solver.poll_interval_seconds", 5)
	v.SetDefault("solver.timeout_seconds", 180)
	v.SetDefault("solver.max_attempts", 3)
	v.SetDefault("solver.clearance_timeout_seconds", 60)
	v.SetDefault("solver.skip_escalation_threshold", 0)
	v.SetDefault("proxy.sticky", true)
	v.SetDefault("proxy.scope", "run")
	v.SetDefault("proxy.pool_size", 1)
	v.SetDefault("proxy.rotate_after_challenges", 3)
	v.SetDefault("session.auto_clear_wait_seconds", 15)
	v.SetDefault("session.max_challenge_retries", 3)
	v.SetDefault("session.nav_max_retries", 2)
	v.SetDefault("dedupe.path", "data/seen_jobs.jsonl")
	v.SetDefault("checkpoint.path", "data/checkpoint.json")
	v.SetDefault("checkpoint.interval", 25)
	v.SetDefault("metrics.path_template", "data/run-{timestamp}.json")
	v.SetDefault("snapshot.provider", "none")
	v.SetDefault("snapshot.prefix", "snapshots")
	v.SetDefault("postgres.table", "postings")
	v.SetDefault("fetcher.enabled", false)
	v.SetDefault("fetcher.timeout_seconds", 15)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Board.Name == "" {
		return fmt.Errorf("board.name must be set")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Backoff.BaseSeconds <= 0 || c.Backoff.MaxSeconds < c.Backoff.BaseSeconds {
		return fmt.Errorf("backoff.base_seconds must be > 0 and <= backoff.max_seconds")
	}
	if c.Delays.MinMs < 0 || c.Delays.MaxMs < c.Delays.MinMs {
		return fmt.Errorf("delays.min_ms must be >= 0 and <= delays.max_ms")
	}
	if c.Checkpoint.Interval < 0 {
		return fmt.Errorf("checkpoint.interval must be >= 0")
	}
	for _, backend := range c.Solver.Backends {
		switch backend {
		case "token", "clearance", "manual", "skip":
		default:
			return fmt.Errorf("unknown solver backend %q", backend)
		}
	}
	if c.Proxy.Enabled && c.Proxy.Server == "" {
		return fmt.Errorf("proxy.server must be set when proxy is enabled")
	}
	switch c.Snapshot.Provider {
	case "", "none", "local", "gcs":
	default:
		return fmt.Errorf("unknown snapshot provider %q", c.Snapshot.Provider)
	}
	if c.Snapshot.Provider == "local" && c.Snapshot.BaseDir == "" {
		return fmt.Errorf("snapshot.base_dir must be set for the local provider")
	}
	if c.Snapshot.Provider == "gcs" && c.Snapshot.GCSBucket == "" {
		return fmt.Errorf("snapshot.gcs_bucket must be set for the gcs provider")
	}
	return nil
}

// NavTimeout converts the browser navigation timeout to a duration.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Browser.NavTimeoutSec) * time.Second
}

// SessionTTL converts the proxy session TTL to a duration.
func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.Proxy.SessionTTLMinutes) * time.Minute
}
