// Package config holds the snapshot finder configuration and its loaders.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	Registry RegistryConfig `yaml:"registry"`
	Probe    ProbeConfig    `yaml:"probe"`
	Filter   FilterConfig   `yaml:"filter"`
	Rank     RankConfig     `yaml:"rank"`
	Verify   VerifyConfig   `yaml:"verify"`
	Retry    RetryConfig    `yaml:"retry"`
	Storage  StorageConfig  `yaml:"storage"`
	Mirror   MirrorConfig   `yaml:"mirror"`
	Summary  SummaryConfig  `yaml:"summary"`
	Audit    AuditConfig    `yaml:"audit"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type RegistryConfig struct {
	RPCAddress string        `yaml:"rpc_address"`
	Timeout    time.Duration `yaml:"timeout"`
	// WithPrivateRPC adds nodes that do not advertise an RPC address,
	// addressed as gossip-host:PrivatePort.
	WithPrivateRPC bool `yaml:"with_private_rpc"`
	PrivatePort    int  `yaml:"private_port"`
}

type ProbeConfig struct {
	Workers         int           `yaml:"workers"`
	Timeout         time.Duration `yaml:"timeout"`
	IncrementalPath string        `yaml:"incremental_path"`
	FullPath        string        `yaml:"full_path"`
}

// FilterConfig bounds which candidates the classifier accepts.
type FilterConfig struct {
	MaxSnapshotAge  uint64        `yaml:"max_snapshot_age"`
	FutureTolerance uint64        `yaml:"future_tolerance"`
	MaxLatency      time.Duration `yaml:"max_latency"`
	Versions        []string      `yaml:"versions"`
	VersionPrefixes []string      `yaml:"version_prefixes"`
	// PinnedSlot requests an exact-slot search when non-zero.
	PinnedSlot uint64 `yaml:"pinned_slot"`
}

type RankConfig struct {
	SortOrder          string  `yaml:"sort_order"` // "cost" | "latency" | "slots_diff"
	AverageFullSizeMB  float64 `yaml:"average_full_size_mb"`
	AverageIncrSizeMB  float64 `yaml:"average_incremental_size_mb"`
	CatchupSlotsPerSec float64 `yaml:"catchup_slots_per_sec"`
}

type VerifyConfig struct {
	MinSpeedMB       float64       `yaml:"min_download_speed_mb"`
	MaxSpeedMB       float64       `yaml:"max_download_speed_mb"` // 0 disables the upper bound
	MeasurementTime  time.Duration `yaml:"measurement_time"`
	SettleWindow     time.Duration `yaml:"settle_window"`
	MaxMeasured      int           `yaml:"max_measured"`
	ExcludeAddresses []string      `yaml:"exclude_addresses"`
	ExcludeArtifacts []string      `yaml:"exclude_artifacts"`
}

type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	Backoff         time.Duration `yaml:"backoff"`
	EscalatePrivate bool          `yaml:"escalate_private"`
}

type StorageConfig struct {
	SnapshotPath  string        `yaml:"snapshot_path"`
	MaxRateMB     float64       `yaml:"max_download_rate_mb"` // 0 = unlimited
	VerifyArchive bool          `yaml:"verify_archive"`
	ProgressEvery time.Duration `yaml:"progress_every"`
}

// MirrorConfig configures an optional object-store copy of acquired files.
// URL accepts any gocloud.dev bucket URL (s3://, gs://, file://).
type MirrorConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

type SummaryConfig struct {
	FileName string `yaml:"file_name"`
	Parquet  bool   `yaml:"parquet"`
}

type AuditConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	BackupDir string `yaml:"backup_dir"`
}

type CatalogConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	Cluster     string `yaml:"cluster"`
}

type MetricsConfig struct {
	Address   string `yaml:"address"`
	Namespace string `yaml:"namespace"`
}

type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// Default returns the configuration used when nothing else is set.
func Default() Config {
	return Config{
		Registry: RegistryConfig{
			RPCAddress:  "https://api.mainnet-beta.solana.com",
			Timeout:     25 * time.Second,
			PrivatePort: 8899,
		},
		Probe: ProbeConfig{
			Workers:         500,
			Timeout:         time.Second,
			IncrementalPath: "/incremental-snapshot.tar.bz2",
			FullPath:        "/snapshot.tar.bz2",
		},
		Filter: FilterConfig{
			MaxSnapshotAge:  900,
			FutureTolerance: 100,
			MaxLatency:      70 * time.Millisecond,
		},
		Rank: RankConfig{
			SortOrder:          "cost",
			AverageFullSizeMB:  2500,
			AverageIncrSizeMB:  200,
			CatchupSlotsPerSec: 2,
		},
		Verify: VerifyConfig{
			MinSpeedMB:      25,
			MeasurementTime: 7 * time.Second,
			MaxMeasured:     15,
		},
		Retry: RetryConfig{
			MaxAttempts:     5,
			Backoff:         20 * time.Second,
			EscalatePrivate: true,
		},
		Storage: StorageConfig{
			SnapshotPath:  ".",
			ProgressEvery: 10 * time.Second,
		},
		Summary: SummaryConfig{
			FileName: "snapshot.json",
		},
		Audit: AuditConfig{
			BackupDir: "./audit",
		},
		Catalog: CatalogConfig{
			Cluster: "mainnet-beta",
		},
		Metrics: MetricsConfig{
			Namespace: "snapshot_finder",
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
	}
}

// Load builds a Config from defaults, an optional YAML file, an optional
// .env file and the process environment, in that order of precedence.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return cfg, err
		}
	}

	// A missing .env is normal.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to read .env", "component", "config", "error", err)
	}

	cfg.applyEnv()
	return cfg, nil
}

// mergeFile overlays YAML values on top of cfg.
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyEnv reads the SNAPSHOT_FINDER_* variables that are not bound to a CLI flag.
func (c *Config) applyEnv() {
	c.Registry.Timeout = getenvDuration("SNAPSHOT_FINDER_REGISTRY_TIMEOUT", c.Registry.Timeout)
	c.Registry.PrivatePort = getenvInt("SNAPSHOT_FINDER_PRIVATE_PORT", c.Registry.PrivatePort)
	c.Probe.Timeout = getenvDuration("SNAPSHOT_FINDER_PROBE_TIMEOUT", c.Probe.Timeout)
	c.Verify.SettleWindow = getenvDuration("SNAPSHOT_FINDER_SETTLE_WINDOW", c.Verify.SettleWindow)
	c.Verify.MaxMeasured = getenvInt("SNAPSHOT_FINDER_MAX_MEASURED", c.Verify.MaxMeasured)
	c.Catalog.Cluster = getenvDefault("SNAPSHOT_FINDER_CLUSTER", c.Catalog.Cluster)
	c.Metrics.Namespace = getenvDefault("SNAPSHOT_FINDER_METRICS_NAMESPACE", c.Metrics.Namespace)
	c.Mirror.Prefix = getenvDefault("SNAPSHOT_FINDER_MIRROR_PREFIX", c.Mirror.Prefix)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var problems []string

	if c.Registry.RPCAddress == "" {
		problems = append(problems, "registry rpc address is empty")
	}
	if c.Probe.Workers < 1 {
		problems = append(problems, fmt.Sprintf("probe workers must be >= 1, got %d", c.Probe.Workers))
	}
	if c.Probe.Timeout <= 0 {
		problems = append(problems, "probe timeout must be positive")
	}
	if c.Filter.MaxLatency <= 0 {
		problems = append(problems, "max latency must be positive")
	}
	switch c.Rank.SortOrder {
	case "cost", "latency", "slots_diff":
	default:
		problems = append(problems, fmt.Sprintf("unknown sort order %q", c.Rank.SortOrder))
	}
	if c.Rank.CatchupSlotsPerSec <= 0 {
		problems = append(problems, "catch-up rate must be positive")
	}
	if c.Verify.MinSpeedMB <= 0 {
		problems = append(problems, "minimum download speed must be positive")
	}
	if c.Verify.MaxSpeedMB != 0 && c.Verify.MaxSpeedMB < c.Verify.MinSpeedMB {
		problems = append(problems, "maximum download speed is below the minimum")
	}
	if c.Verify.MeasurementTime < time.Second {
		problems = append(problems, "measurement time must be at least 1s")
	}
	if c.Verify.MaxMeasured < 1 {
		problems = append(problems, "max measured candidates must be >= 1")
	}
	if c.Retry.MaxAttempts < 1 {
		problems = append(problems, "max attempts must be >= 1")
	}
	if c.Retry.Backoff < 0 {
		problems = append(problems, "retry backoff must not be negative")
	}
	if c.Storage.SnapshotPath == "" {
		problems = append(problems, "snapshot path is empty")
	}
	if c.Storage.MaxRateMB < 0 {
		problems = append(problems, "max download rate must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// EffectiveFilter returns the filter used for a pass. A pinned slot turns
// the search into an exact-slot search with no age or future slack.
func (c Config) EffectiveFilter() FilterConfig {
	f := c.Filter
	if f.PinnedSlot != 0 {
		f.MaxSnapshotAge = 0
		f.FutureTolerance = 0
	}
	return f
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}
