package main

import (
	"time"

	"gopkg.in/urfave/cli.v1"

	"github.com/withObsrvr/snapshot-finder/internal/config"
)

const envPrefix = "SNAPSHOT_FINDER_"

var flags = []cli.Flag{
	cli.StringFlag{Name: "config, c", Usage: "YAML configuration file", EnvVar: envPrefix + "CONFIG"},
	cli.StringFlag{Name: "rpc-address, r", Usage: "RPC endpoint used to list cluster nodes and the current slot", EnvVar: envPrefix + "RPC_ADDRESS"},
	cli.IntFlag{Name: "threads-count, t", Usage: "number of concurrent probe workers", EnvVar: envPrefix + "THREADS_COUNT"},
	cli.Uint64Flag{Name: "slot", Usage: "search for a snapshot at exactly this slot", EnvVar: envPrefix + "SLOT"},
	cli.Uint64Flag{Name: "max-snapshot-age", Usage: "how many slots a snapshot may lag the current slot", EnvVar: envPrefix + "MAX_SNAPSHOT_AGE"},
	cli.Uint64Flag{Name: "future-tolerance", Usage: "how many slots a snapshot may claim to be ahead of the current slot", EnvVar: envPrefix + "FUTURE_TOLERANCE"},
	cli.IntFlag{Name: "max-latency", Usage: "maximum probe latency in milliseconds", EnvVar: envPrefix + "MAX_LATENCY"},
	cli.Float64Flag{Name: "min-download-speed", Usage: "minimum median download speed in MB/s", EnvVar: envPrefix + "MIN_DOWNLOAD_SPEED"},
	cli.Float64Flag{Name: "max-download-speed", Usage: "maximum median download speed in MB/s, 0 disables", EnvVar: envPrefix + "MAX_DOWNLOAD_SPEED"},
	cli.IntFlag{Name: "measurement-time", Usage: "seconds spent measuring each candidate", EnvVar: envPrefix + "MEASUREMENT_TIME"},
	cli.IntFlag{Name: "max-measured", Usage: "maximum candidates measured per pass", EnvVar: envPrefix + "MAX_MEASURED"},
	cli.IntFlag{Name: "num-of-retries", Usage: "maximum number of passes", EnvVar: envPrefix + "NUM_OF_RETRIES"},
	cli.IntFlag{Name: "sleep", Usage: "seconds to wait between passes", EnvVar: envPrefix + "SLEEP"},
	cli.StringFlag{Name: "sort-order", Usage: "ranking: cost, latency or slots_diff", EnvVar: envPrefix + "SORT_ORDER"},
	cli.StringFlag{Name: "snapshot-path", Usage: "directory snapshots are written to", EnvVar: envPrefix + "SNAPSHOT_PATH"},
	cli.StringSliceFlag{Name: "version", Usage: "accept only nodes running this exact version (repeatable)", EnvVar: envPrefix + "VERSION"},
	cli.StringSliceFlag{Name: "version-prefix", Usage: "accept only nodes whose version starts with this prefix (repeatable)", EnvVar: envPrefix + "VERSION_PREFIX"},
	cli.StringSliceFlag{Name: "exclude-address", Usage: "never download from this host:port (repeatable)", EnvVar: envPrefix + "EXCLUDE_ADDRESS"},
	cli.StringSliceFlag{Name: "exclude-artifact", Usage: "skip candidates whose archive names contain this text (repeatable)", EnvVar: envPrefix + "EXCLUDE_ARTIFACT"},
	cli.BoolFlag{Name: "with-private-rpc", Usage: "also probe nodes that do not advertise an RPC address", EnvVar: envPrefix + "WITH_PRIVATE_RPC"},
	cli.Float64Flag{Name: "max-download-rate", Usage: "cap the download rate in MB/s, 0 is unlimited", EnvVar: envPrefix + "MAX_DOWNLOAD_RATE"},
	cli.BoolFlag{Name: "verify-archive", Usage: "decode the first archive entry before keeping a download", EnvVar: envPrefix + "VERIFY_ARCHIVE"},
	cli.BoolFlag{Name: "parquet", Usage: "also write the ranked candidates as a Parquet table", EnvVar: envPrefix + "PARQUET"},
	cli.StringFlag{Name: "mirror-url", Usage: "bucket URL (s3://, gs://, file://) acquired archives are copied to", EnvVar: envPrefix + "MIRROR_URL"},
	cli.StringFlag{Name: "catalog-dsn", Usage: "PostgreSQL DSN for the pass and acquisition catalog", EnvVar: envPrefix + "CATALOG_DSN"},
	cli.StringFlag{Name: "audit-dir", Usage: "directory for audit events and chain heads; enables auditing", EnvVar: envPrefix + "AUDIT_DIR"},
	cli.StringFlag{Name: "audit-endpoint", Usage: "HTTP endpoint audit events are posted to; enables auditing", EnvVar: envPrefix + "AUDIT_ENDPOINT"},
	cli.StringFlag{Name: "metrics-address", Usage: "serve /metrics and /health on this address", EnvVar: envPrefix + "METRICS_ADDRESS"},
	cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error", EnvVar: envPrefix + "LOG_LEVEL"},
	cli.StringFlag{Name: "log-format", Usage: "text or json", EnvVar: envPrefix + "LOG_FORMAT"},
}

// applyFlags overlays every flag that was set on cfg.
func applyFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("rpc-address") {
		cfg.Registry.RPCAddress = c.String("rpc-address")
	}
	if c.IsSet("threads-count") {
		cfg.Probe.Workers = c.Int("threads-count")
	}
	if c.IsSet("slot") {
		cfg.Filter.PinnedSlot = c.Uint64("slot")
	}
	if c.IsSet("max-snapshot-age") {
		cfg.Filter.MaxSnapshotAge = c.Uint64("max-snapshot-age")
	}
	if c.IsSet("future-tolerance") {
		cfg.Filter.FutureTolerance = c.Uint64("future-tolerance")
	}
	if c.IsSet("max-latency") {
		cfg.Filter.MaxLatency = time.Duration(c.Int("max-latency")) * time.Millisecond
	}
	if c.IsSet("min-download-speed") {
		cfg.Verify.MinSpeedMB = c.Float64("min-download-speed")
	}
	if c.IsSet("max-download-speed") {
		cfg.Verify.MaxSpeedMB = c.Float64("max-download-speed")
	}
	if c.IsSet("measurement-time") {
		cfg.Verify.MeasurementTime = time.Duration(c.Int("measurement-time")) * time.Second
	}
	if c.IsSet("max-measured") {
		cfg.Verify.MaxMeasured = c.Int("max-measured")
	}
	if c.IsSet("num-of-retries") {
		cfg.Retry.MaxAttempts = c.Int("num-of-retries")
	}
	if c.IsSet("sleep") {
		cfg.Retry.Backoff = time.Duration(c.Int("sleep")) * time.Second
	}
	if c.IsSet("sort-order") {
		cfg.Rank.SortOrder = c.String("sort-order")
	}
	if c.IsSet("snapshot-path") {
		cfg.Storage.SnapshotPath = c.String("snapshot-path")
	}
	if c.IsSet("version") {
		cfg.Filter.Versions = c.StringSlice("version")
	}
	if c.IsSet("version-prefix") {
		cfg.Filter.VersionPrefixes = c.StringSlice("version-prefix")
	}
	if c.IsSet("exclude-address") {
		cfg.Verify.ExcludeAddresses = c.StringSlice("exclude-address")
	}
	if c.IsSet("exclude-artifact") {
		cfg.Verify.ExcludeArtifacts = c.StringSlice("exclude-artifact")
	}
	if c.IsSet("with-private-rpc") {
		cfg.Registry.WithPrivateRPC = c.Bool("with-private-rpc")
	}
	if c.IsSet("max-download-rate") {
		cfg.Storage.MaxRateMB = c.Float64("max-download-rate")
	}
	if c.IsSet("verify-archive") {
		cfg.Storage.VerifyArchive = c.Bool("verify-archive")
	}
	if c.IsSet("parquet") {
		cfg.Summary.Parquet = c.Bool("parquet")
	}
	if c.IsSet("mirror-url") {
		cfg.Mirror.URL = c.String("mirror-url")
	}
	if c.IsSet("catalog-dsn") {
		cfg.Catalog.PostgresDSN = c.String("catalog-dsn")
	}
	if c.IsSet("audit-dir") {
		cfg.Audit.Enabled = true
		cfg.Audit.BackupDir = c.String("audit-dir")
	}
	if c.IsSet("audit-endpoint") {
		cfg.Audit.Enabled = true
		cfg.Audit.Endpoint = c.String("audit-endpoint")
	}
	if c.IsSet("metrics-address") {
		cfg.Metrics.Address = c.String("metrics-address")
	}
	if c.IsSet("log-level") {
		cfg.Logging.Level = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.Logging.Format = c.String("log-format")
	}
}
