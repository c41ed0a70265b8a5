package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Probe.Workers = 0
	cfg.Rank.SortOrder = "random"
	cfg.Verify.MaxSpeedMB = 1

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"probe workers", "sort order", "maximum download speed"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %q", err, want)
		}
	}
}

func TestLoadMergesYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "finder.yaml")
	content := `
registry:
  rpc_address: http://127.0.0.1:8899
probe:
  workers: 64
filter:
  max_snapshot_age: 1200
  max_latency: 120ms
  version_prefixes: ["1.18."]
rank:
  sort_order: latency
verify:
  exclude_addresses: ["10.0.0.1:8899"]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Registry.RPCAddress != "http://127.0.0.1:8899" {
		t.Errorf("rpc address = %s", cfg.Registry.RPCAddress)
	}
	if cfg.Probe.Workers != 64 {
		t.Errorf("workers = %d, want 64", cfg.Probe.Workers)
	}
	if cfg.Filter.MaxSnapshotAge != 1200 {
		t.Errorf("max age = %d, want 1200", cfg.Filter.MaxSnapshotAge)
	}
	if cfg.Filter.MaxLatency != 120*time.Millisecond {
		t.Errorf("max latency = %v, want 120ms", cfg.Filter.MaxLatency)
	}
	if cfg.Rank.SortOrder != "latency" {
		t.Errorf("sort order = %s", cfg.Rank.SortOrder)
	}
	if len(cfg.Verify.ExcludeAddresses) != 1 {
		t.Errorf("exclude addresses = %v", cfg.Verify.ExcludeAddresses)
	}
	// Untouched sections keep their defaults.
	if cfg.Probe.FullPath != "/snapshot.tar.bz2" {
		t.Errorf("full path = %s", cfg.Probe.FullPath)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("SNAPSHOT_FINDER_PROBE_TIMEOUT", "2s")
	t.Setenv("SNAPSHOT_FINDER_MAX_MEASURED", "3")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Probe.Timeout != 2*time.Second {
		t.Errorf("probe timeout = %v", cfg.Probe.Timeout)
	}
	if cfg.Verify.MaxMeasured != 3 {
		t.Errorf("max measured = %d", cfg.Verify.MaxMeasured)
	}
}

func TestEffectiveFilterPinnedSlot(t *testing.T) {
	cfg := Default()
	cfg.Filter.PinnedSlot = 12345

	f := cfg.EffectiveFilter()
	if f.MaxSnapshotAge != 0 || f.FutureTolerance != 0 {
		t.Errorf("pinned slot should force exact search, got age=%d tolerance=%d", f.MaxSnapshotAge, f.FutureTolerance)
	}
	if cfg.Filter.MaxSnapshotAge != 900 {
		t.Error("EffectiveFilter must not mutate the config")
	}
}
