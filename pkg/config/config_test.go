package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err != nil {
		t.Fatalf("Default() produced an invalid config: %v", err)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cloudsync.yaml")
	yaml := `
bundleRoot: /var/backups/cloudsync
remoteBase: s3://example-bucket/cloudsync
parallelism: 4
sizeThresholds:
  smallMiB: 50
  mediumMiB: 200
gitSources:
  - path: /home/dev/project
    repoKey: project
notifierSinks:
  - kind: webhook
    params:
      url: https://example.invalid/hooks/cloudsync
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BundleRoot != "/var/backups/cloudsync" {
		t.Errorf("BundleRoot = %q", cfg.BundleRoot)
	}
	if cfg.Parallelism != 4 {
		t.Errorf("Parallelism = %d, want 4", cfg.Parallelism)
	}
	if cfg.SizeThresholds.SmallMiB != 50 || cfg.SizeThresholds.MediumMiB != 200 {
		t.Errorf("SizeThresholds = %+v", cfg.SizeThresholds)
	}
	// Fields not present in the YAML should retain Default()'s values.
	if cfg.Consolidation.MaxIncrementals != 10 {
		t.Errorf("Consolidation.MaxIncrementals = %d, want default 10", cfg.Consolidation.MaxIncrementals)
	}
	if len(cfg.GitSources) != 1 || cfg.GitSources[0].RepoKey != "project" {
		t.Errorf("GitSources = %+v", cfg.GitSources)
	}
	if len(cfg.NotifierSinks) != 1 || cfg.NotifierSinks[0].Kind != "webhook" {
		t.Errorf("NotifierSinks = %+v", cfg.NotifierSinks)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("not: [valid: yaml"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error for malformed YAML")
	}
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty bundleRoot", func(c *Config) { c.BundleRoot = "" }},
		{"zero parallelism", func(c *Config) { c.Parallelism = 0 }},
		{"small >= medium threshold", func(c *Config) { c.SizeThresholds.SmallMiB = 500; c.SizeThresholds.MediumMiB = 500 }},
		{"zero hard multiplier", func(c *Config) { c.Timeouts.HardMultiplier = 0 }},
		{"relative git source path", func(c *Config) { c.GitSources = []GitSource{{AbsolutePath: "relative/path", RepoKey: "x"}} }},
		{"unsupported compressor", func(c *Config) { c.NonGitSources = []NonGitSource{{AbsolutePath: "/a", Compressor: "rar"}} }},
		{"unsupported sink kind", func(c *Config) { c.NotifierSinks = []SinkConfig{{Kind: "carrier-pigeon"}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := Validate(cfg); err == nil {
				t.Errorf("expected Validate to reject config mutated by %q", tt.name)
			}
		})
	}
}

func TestCadences_ForSource(t *testing.T) {
	c := Cadences{
		Default: Cadence{Interval: 24 * time.Hour},
		PerSource: map[string]Cadence{
			"hot-repo": {Interval: time.Hour},
		},
	}
	if got := c.ForSource("hot-repo"); got.Interval != time.Hour {
		t.Errorf("ForSource(hot-repo) = %v, want 1h", got.Interval)
	}
	if got := c.ForSource("other-repo"); got.Interval != 24*time.Hour {
		t.Errorf("ForSource(other-repo) = %v, want 24h default", got.Interval)
	}
}

func TestTimeouts_HardDerivation(t *testing.T) {
	tm := Timeouts{SoftRepo: time.Hour, SoftArchive: 2 * time.Hour, HardMultiplier: 2}
	if tm.HardRepo() != 2*time.Hour {
		t.Errorf("HardRepo() = %v, want 2h", tm.HardRepo())
	}
	if tm.HardArchive() != 4*time.Hour {
		t.Errorf("HardArchive() = %v, want 4h", tm.HardArchive())
	}
}

func TestLoadDefault_FallsBackWhenNoFileExists(t *testing.T) {
	// LoadDefault checks cwd/cloudsync.yaml, $HOME/.cloudsync/config.yaml,
	// and /etc/cloudsync/config.yaml; none exist in the test sandbox.
	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault: %v", err)
	}
	if cfg.Parallelism <= 0 {
		t.Errorf("expected LoadDefault to fall back to Default(), got Parallelism=%d", cfg.Parallelism)
	}
}
