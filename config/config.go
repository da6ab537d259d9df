// Package config loads ballotd's daemon configuration, following
// services/payoutd/config.go's yaml.v3 + Duration-wrapper pattern.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ballotd/internal/permissions"
	"ballotd/internal/statemachine"
	"ballotd/internal/voting"
)

// Duration wraps time.Duration so config values can be written as human
// readable strings ("30s", "5m") in YAML.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string scalar.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a string")
	}
	if value.Value == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// Config is the top-level daemon configuration.
type Config struct {
	ListenAddress  string         `yaml:"listen"`
	Database       DatabaseConfig `yaml:"database"`
	Thresholds     ThresholdsFile `yaml:"thresholds"`
	Analytics      AnalyticsConfig `yaml:"analytics"`
	Committer      CommitterConfig `yaml:"committer"`
	Bootstrap      BootstrapConfig `yaml:"bootstrap"`
	Admin          AdminConfig    `yaml:"admin"`
}

// DatabaseConfig configures the Postgres connection used by internal/store.
type DatabaseConfig struct {
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
}

// PlatformThresholds is one platform's score-threshold configuration, keyed
// by rule type ("BINARY", "CERTIFICATE", "PACKAGE"). LocalAllow may be
// absent (nil pointer) to mean "this rule type never grants local-allow".
type PlatformThresholds struct {
	Ban        int64  `yaml:"ban"`
	LocalAllow *int64 `yaml:"local_allow,omitempty"`
	Global     int64  `yaml:"global"`
}

// ThresholdsFile carries the per-platform, per-rule-type threshold maps
// loaded from YAML.
type ThresholdsFile struct {
	MacOS   map[string]PlatformThresholds `yaml:"macos"`
	Windows map[string]PlatformThresholds `yaml:"windows"`
}

// AnalyticsConfig configures the analytics sink.
type AnalyticsConfig struct {
	StagePath     string   `yaml:"stage_path"`
	OutDir        string   `yaml:"out_dir"`
	FlushInterval Duration `yaml:"flush_interval"`
	MaxBatch      int      `yaml:"max_batch"`
	BufferSize    int      `yaml:"buffer_size"`
}

// CommitterConfig configures the change-set committer.
type CommitterConfig struct {
	PolicyAPIBaseURL   string   `yaml:"policy_api_base_url"`
	PolicyAPIToken     string   `yaml:"policy_api_token"`
	PolicyAPITokenFile string   `yaml:"policy_api_token_file"`
	RequestsPerSecond  float64  `yaml:"requests_per_second"`
	Burst              int      `yaml:"burst"`
	PollInterval       Duration `yaml:"poll_interval"`
	BatchSize          int      `yaml:"batch_size"`
	HostFreshness      Duration `yaml:"host_freshness"`
	MinSyncPercent     int      `yaml:"min_sync_percent"`
	LogPath            string   `yaml:"log_path"`
}

// BootstrapConfig points at the critical-rule manifest.
type BootstrapConfig struct {
	ManifestPath string `yaml:"manifest_path"`
}

// AdminConfig secures the operability surface (health/metrics/debug).
type AdminConfig struct {
	ListenAddress string `yaml:"listen"`
	JWTSecret     string `yaml:"jwt_secret"`
	JWTSecretFile string `yaml:"jwt_secret_file"`
}

// Load reads and validates configuration from path.
func Load(path string) (Config, error) {
	var cfg Config
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Committer.normalise(); err != nil {
		return cfg, fmt.Errorf("committer: %w", err)
	}
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin: %w", err)
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime.Duration == 0 {
		cfg.Database.ConnMaxLifetime.Duration = 30 * time.Minute
	}
	if cfg.Analytics.StagePath == "" {
		cfg.Analytics.StagePath = "./data/analytics-stage"
	}
	if cfg.Analytics.OutDir == "" {
		cfg.Analytics.OutDir = "./data/analytics-export"
	}
	if cfg.Analytics.FlushInterval.Duration == 0 {
		cfg.Analytics.FlushInterval.Duration = time.Minute
	}
	if cfg.Analytics.MaxBatch == 0 {
		cfg.Analytics.MaxBatch = 5000
	}
	if cfg.Analytics.BufferSize == 0 {
		cfg.Analytics.BufferSize = 4096
	}
	if cfg.Committer.RequestsPerSecond == 0 {
		cfg.Committer.RequestsPerSecond = 10
	}
	if cfg.Committer.Burst == 0 {
		cfg.Committer.Burst = 5
	}
	if cfg.Committer.PollInterval.Duration == 0 {
		cfg.Committer.PollInterval.Duration = 2 * time.Second
	}
	if cfg.Committer.BatchSize == 0 {
		cfg.Committer.BatchSize = 50
	}
	if cfg.Committer.HostFreshness.Duration == 0 {
		cfg.Committer.HostFreshness.Duration = 24 * time.Hour
	}
	if cfg.Committer.MinSyncPercent == 0 {
		cfg.Committer.MinSyncPercent = 50
	}
	if cfg.Committer.LogPath == "" {
		cfg.Committer.LogPath = "./data/committer.log"
	}
	if cfg.Admin.ListenAddress == "" {
		cfg.Admin.ListenAddress = ":8081"
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database.dsn must be configured")
	}
	if strings.TrimSpace(cfg.Committer.PolicyAPIBaseURL) == "" {
		return fmt.Errorf("committer.policy_api_base_url must be configured")
	}
	if strings.TrimSpace(cfg.Bootstrap.ManifestPath) == "" {
		return fmt.Errorf("bootstrap.manifest_path must be configured")
	}
	if cfg.Admin.JWTSecret == "" {
		return fmt.Errorf("admin.jwt_secret (or jwt_secret_file) must be configured")
	}
	return nil
}

func (c *CommitterConfig) normalise() error {
	c.PolicyAPIToken = strings.TrimSpace(c.PolicyAPIToken)
	if path := strings.TrimSpace(c.PolicyAPITokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read policy_api_token_file: %w", err)
		}
		c.PolicyAPIToken = strings.TrimSpace(string(contents))
	}
	return nil
}

// Resolve converts the YAML threshold maps into the
// map[permissions.Platform]map[permissions.RuleType]statemachine.Thresholds
// shape internal/voting.BallotBox consumes.
func (t ThresholdsFile) Resolve() (map[permissions.Platform]voting.ThresholdSet, error) {
	out := map[permissions.Platform]voting.ThresholdSet{
		permissions.MacOS:   {},
		permissions.Windows: {},
	}
	if err := resolveOne(t.MacOS, out[permissions.MacOS]); err != nil {
		return nil, fmt.Errorf("thresholds.macos: %w", err)
	}
	if err := resolveOne(t.Windows, out[permissions.Windows]); err != nil {
		return nil, fmt.Errorf("thresholds.windows: %w", err)
	}
	return out, nil
}

func resolveOne(src map[string]PlatformThresholds, dst voting.ThresholdSet) error {
	for ruleType, pt := range src {
		if pt.Ban >= 0 {
			return fmt.Errorf("rule type %s: ban threshold must be negative", ruleType)
		}
		if pt.Global <= 0 {
			return fmt.Errorf("rule type %s: global threshold must be positive", ruleType)
		}
		dst[permissions.RuleType(ruleType)] = statemachine.Thresholds{
			Ban:        pt.Ban,
			LocalAllow: pt.LocalAllow,
			Global:     pt.Global,
		}
	}
	return nil
}

func (a *AdminConfig) normalise() error {
	a.JWTSecret = strings.TrimSpace(a.JWTSecret)
	if path := strings.TrimSpace(a.JWTSecretFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read jwt_secret_file: %w", err)
		}
		a.JWTSecret = strings.TrimSpace(string(contents))
	}
	return nil
}
