// Package config loads and validates the backplane configuration file.
// Values support ${VAR} expansion from the process environment; a .env or
// .env.local file is loaded first (never overriding existing variables).
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for both services. A single file carries
// both sections; each daemon reads only its own.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	NATS    NATSConfig    `yaml:"nats"`
	Deploy  DeployConfig  `yaml:"deploy"`
	Observe ObserveConfig `yaml:"observe"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// NATSConfig enables JetStream fan-out of build lifecycle and telemetry
// events. Optional; both daemons run without it.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// DeployConfig configures the deploy service daemon.
type DeployConfig struct {
	Listen    string `yaml:"listen"`     // HTTP ingress address
	AuthToken string `yaml:"auth_token"` // bearer token required on ingress

	StorePath string `yaml:"store_path"` // sqlite file for durable build state

	// Webhook delivery of build events to the backend.
	BackendEventsURL  string        `yaml:"backend_events_url"`
	BackendToken      string        `yaml:"backend_token"`
	BatchMaxEvents    int           `yaml:"batch_max_events"`
	BatchMaxWait      time.Duration `yaml:"batch_max_wait"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	StopAfterAttempts int           `yaml:"stop_after_attempts"`

	// Sealed env-var decryption key (base64 of the 32-byte curve25519
	// private scalar). Required only when builds carry env vars.
	PrivateKey string `yaml:"private_key"`

	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Provider ProviderConfig `yaml:"provider"`
}

// SandboxConfig selects the build executor.
type SandboxConfig struct {
	Mode         string `yaml:"mode"`          // remote|local
	RemoteURL    string `yaml:"remote_url"`    // executor service base URL (remote)
	RemoteToken  string `yaml:"remote_token"`  // bearer for the executor service
	WorkspaceDir string `yaml:"workspace_dir"` // scratch root (local)
}

// ProviderConfig points at the CDN provider API.
type ProviderConfig struct {
	BaseURL           string `yaml:"base_url"`
	APIToken          string `yaml:"api_token"`
	DispatchNamespace string `yaml:"dispatch_namespace"`
}

// ObserveConfig configures the observability service daemon.
type ObserveConfig struct {
	Listen     string `yaml:"listen"`
	AdminToken string `yaml:"admin_token"`

	Analytics AnalyticsConfig `yaml:"analytics"`
	Alerting  AlertingConfig  `yaml:"alerting"`
	Session   SessionConfig   `yaml:"session"`
}

// AnalyticsConfig selects the analytics store backend.
type AnalyticsConfig struct {
	Driver string `yaml:"driver"` // sqlite|clickhouse
	DSN    string `yaml:"dsn"`
}

// AlertingConfig drives the SLO burn-rate evaluator.
type AlertingConfig struct {
	Enabled       bool          `yaml:"enabled"`
	TickInterval  time.Duration `yaml:"tick_interval"`
	PageWebhook   string        `yaml:"page_webhook"`
	TicketWebhook string        `yaml:"ticket_webhook"`

	// Cooldown marker store. Empty redis_addr selects the in-memory store.
	RedisAddr      string        `yaml:"redis_addr"`
	PageCooldown   time.Duration `yaml:"page_cooldown"`
	TicketCooldown time.Duration `yaml:"ticket_cooldown"`

	ErrorRate []ErrorRateAlertConfig `yaml:"error_rate"`
	TTFB      []TTFBAlertConfig      `yaml:"ttfb"`
}

// ErrorRateAlertConfig is the per-model error-rate SLO.
type ErrorRateAlertConfig struct {
	Model                string  `yaml:"model"`
	Enabled              bool    `yaml:"enabled"`
	ErrorRateSLO         float64 `yaml:"error_rate_slo"` // in (0,1)
	MinRequestsPerWindow float64 `yaml:"min_requests_per_window"`
}

// TTFBAlertConfig is the per-model tail-latency SLO.
type TTFBAlertConfig struct {
	Model                string  `yaml:"model"`
	Enabled              bool    `yaml:"enabled"`
	TTFBThresholdMs      float64 `yaml:"ttfb_threshold_ms"`
	TTFBSLO              float64 `yaml:"ttfb_slo"` // in (0,1)
	MinRequestsPerWindow float64 `yaml:"min_requests_per_window"`
}

// SessionConfig tunes the session metrics aggregator.
type SessionConfig struct {
	StorePath           string        `yaml:"store_path"`
	PostCloseDrain      time.Duration `yaml:"post_close_drain"`
	InactivityTimeout   time.Duration `yaml:"inactivity_timeout"`
	MaxIngestItemBytes  int           `yaml:"max_ingest_item_bytes"`
	MaxIngestBatchBytes int           `yaml:"max_ingest_batch_bytes"`
}

var slugPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ValidSlug reports whether s is an acceptable worker/build slug.
func ValidSlug(s string) bool { return slugPattern.MatchString(s) }

// Load reads, expands, and validates the configuration file.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadEnvFiles loads .env then .env.local; existing process variables win.
func loadEnvFiles() {
	for _, name := range []string{".env", ".env.local"} {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		_ = godotenv.Load(name)
	}
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "backplane"
	}

	d := &c.Deploy
	if d.Listen == "" {
		d.Listen = ":8080"
	}
	if d.StorePath == "" {
		d.StorePath = "backplane-deploy.db"
	}
	if d.BatchMaxEvents <= 0 {
		d.BatchMaxEvents = 100
	}
	if d.BatchMaxWait <= 0 {
		d.BatchMaxWait = 2 * time.Second
	}
	if d.BackoffBase <= 0 {
		d.BackoffBase = 2 * time.Second
	}
	if d.StopAfterAttempts <= 0 {
		d.StopAfterAttempts = 10
	}
	if d.Sandbox.Mode == "" {
		d.Sandbox.Mode = "local"
	}
	if d.Sandbox.WorkspaceDir == "" {
		d.Sandbox.WorkspaceDir = os.TempDir()
	}

	o := &c.Observe
	if o.Listen == "" {
		o.Listen = ":8081"
	}
	if o.Analytics.Driver == "" {
		o.Analytics.Driver = "sqlite"
	}
	if o.Analytics.DSN == "" && o.Analytics.Driver == "sqlite" {
		o.Analytics.DSN = "backplane-analytics.db"
	}
	if o.Alerting.TickInterval <= 0 {
		o.Alerting.TickInterval = time.Minute
	}
	if o.Alerting.PageCooldown <= 0 {
		o.Alerting.PageCooldown = 15 * time.Minute
	}
	if o.Alerting.TicketCooldown <= 0 {
		o.Alerting.TicketCooldown = 4 * time.Hour
	}
	if o.Session.StorePath == "" {
		o.Session.StorePath = "backplane-sessions.db"
	}
	if o.Session.PostCloseDrain <= 0 {
		o.Session.PostCloseDrain = 5 * time.Second
	}
	if o.Session.InactivityTimeout <= 0 {
		o.Session.InactivityTimeout = 5 * time.Minute
	}
	if o.Session.MaxIngestItemBytes <= 0 {
		o.Session.MaxIngestItemBytes = 128 * 1024
	}
	if o.Session.MaxIngestBatchBytes <= 0 {
		o.Session.MaxIngestBatchBytes = 1024 * 1024
	}
}

// Validate checks invariants that defaults cannot repair.
func (c *Config) Validate() error {
	switch c.Deploy.Sandbox.Mode {
	case "local", "remote":
	default:
		return fmt.Errorf("deploy.sandbox.mode must be local or remote, got %q", c.Deploy.Sandbox.Mode)
	}
	if c.Deploy.Sandbox.Mode == "remote" && c.Deploy.Sandbox.RemoteURL == "" {
		return fmt.Errorf("deploy.sandbox.remote_url is required in remote mode")
	}

	switch c.Observe.Analytics.Driver {
	case "sqlite", "clickhouse":
	default:
		return fmt.Errorf("observe.analytics.driver must be sqlite or clickhouse, got %q", c.Observe.Analytics.Driver)
	}
	if c.Observe.Analytics.Driver == "clickhouse" && c.Observe.Analytics.DSN == "" {
		return fmt.Errorf("observe.analytics.dsn is required for clickhouse")
	}

	for i, ac := range c.Observe.Alerting.ErrorRate {
		if ac.Model == "" {
			return fmt.Errorf("observe.alerting.error_rate[%d]: model is required", i)
		}
		if ac.ErrorRateSLO <= 0 || ac.ErrorRateSLO >= 1 {
			return fmt.Errorf("observe.alerting.error_rate[%d]: error_rate_slo must be in (0,1)", i)
		}
		if ac.MinRequestsPerWindow <= 0 {
			return fmt.Errorf("observe.alerting.error_rate[%d]: min_requests_per_window must be positive", i)
		}
	}
	for i, tc := range c.Observe.Alerting.TTFB {
		if tc.Model == "" {
			return fmt.Errorf("observe.alerting.ttfb[%d]: model is required", i)
		}
		if tc.TTFBThresholdMs <= 0 {
			return fmt.Errorf("observe.alerting.ttfb[%d]: ttfb_threshold_ms must be positive", i)
		}
		if tc.TTFBSLO <= 0 || tc.TTFBSLO >= 1 {
			return fmt.Errorf("observe.alerting.ttfb[%d]: ttfb_slo must be in (0,1)", i)
		}
		if tc.MinRequestsPerWindow <= 0 {
			return fmt.Errorf("observe.alerting.ttfb[%d]: min_requests_per_window must be positive", i)
		}
	}
	return nil
}
