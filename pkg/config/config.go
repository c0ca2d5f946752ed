// Copyright (c) 2025 Archmagece
// SPDX-License-Identifier: MIT

// Package config defines CloudSync's typed configuration object (spec
// §6.4, §9). Unlike a layered precedence system, there is exactly one
// Config value per process: it is loaded once and passed by value into
// every component's constructor. Nothing here mutates a package-level
// global.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is CloudSync's single typed settings object (spec §6.4).
type Config struct {
	BundleRoot string `yaml:"bundleRoot"`
	RemoteBase string `yaml:"remoteBase"`

	SizeThresholds SizeThresholds `yaml:"sizeThresholds"`
	Consolidation  Consolidation  `yaml:"consolidation"`
	Cadences       Cadences       `yaml:"cadences"`
	Timeouts       Timeouts       `yaml:"timeouts"`
	Parallelism    int            `yaml:"parallelism"`
	CriticalFiles  CriticalFiles  `yaml:"criticalPatterns"`
	GitSources     []GitSource    `yaml:"gitSources"`
	NonGitSources  []NonGitSource `yaml:"nonGitSources"`
	Verification   Verification   `yaml:"verification"`
	NotifierSinks  []SinkConfig   `yaml:"notifierSinks"`
}

// SizeThresholds classify sources into SizeCategory (spec §3.1).
type SizeThresholds struct {
	SmallMiB  int64 `yaml:"smallMiB"`
	MediumMiB int64 `yaml:"mediumMiB"`
}

// Consolidation configures when a full+incremental chain is collapsed
// back into a single full (spec §4.3.3).
type Consolidation struct {
	MaxIncrementals int `yaml:"maxIncrementals"`
	AgeDays         int `yaml:"ageDays"`
}

// Cadence is a single source or group's scheduling interval (spec §4.5).
type Cadence struct {
	Interval time.Duration `yaml:"interval"`
	Grace    time.Duration `yaml:"grace"`
}

// Cadences holds default and per-source-key cadence overrides.
type Cadences struct {
	Default   Cadence            `yaml:"default"`
	PerSource map[string]Cadence `yaml:"perSource"`
}

// ForSource resolves the effective cadence for a given source key.
func (c Cadences) ForSource(sourceKey string) Cadence {
	if cad, ok := c.PerSource[sourceKey]; ok {
		return cad
	}
	return c.Default
}

// Timeouts configures per-engine soft/hard run timeouts (spec §4.5).
type Timeouts struct {
	SoftRepo       time.Duration `yaml:"softRepo"`
	SoftArchive    time.Duration `yaml:"softArchive"`
	HardMultiplier float64       `yaml:"hardMultiplier"`
}

// HardRepo returns the hard-kill timeout for repo engine runs.
func (t Timeouts) HardRepo() time.Duration {
	return time.Duration(float64(t.SoftRepo) * t.HardMultiplier)
}

// HardArchive returns the hard-kill timeout for archive engine runs.
func (t Timeouts) HardArchive() time.Duration {
	return time.Duration(float64(t.SoftArchive) * t.HardMultiplier)
}

// CriticalFiles configures the gitignored-but-critical file extractor
// (spec §4.3 C5).
type CriticalFiles struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// GitSource declares a git repository to back up (spec §3.1 GitRepo).
type GitSource struct {
	AbsolutePath string `yaml:"path"`
	RepoKey      string `yaml:"repoKey"`
}

// NonGitSource declares an arbitrary directory to back up (spec §3.1
// Directory).
type NonGitSource struct {
	AbsolutePath string `yaml:"path"`
	Category     string `yaml:"category"`
	Compressor   string `yaml:"compressor"`    // "zstd" (default) or "gzip"
	FastFingerprint bool `yaml:"fastFingerprint"` // use blake2b instead of SHA-256 for change-detection fingerprinting of large trees
}

// Verification configures the periodic verification engine (spec §4.7).
type Verification struct {
	Enabled        bool          `yaml:"enabled"`
	Cadence        time.Duration `yaml:"cadence"`
	MaxReposToTest int           `yaml:"maxReposToTest"`
	CleanupAfter   bool          `yaml:"cleanupAfter"`
}

// SinkConfig is an opaque notifier sink descriptor (spec §4.9, §6.4).
type SinkConfig struct {
	Kind   string            `yaml:"kind"` // "log", "webhook", "exec"
	Params map[string]string `yaml:"params"`
}

// Default returns a Config populated with the defaults named throughout
// spec §4 and §6.4.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		BundleRoot: filepath.Join(home, ".cloudsync", "bundles"),
		SizeThresholds: SizeThresholds{
			SmallMiB:  100,
			MediumMiB: 500,
		},
		Consolidation: Consolidation{
			MaxIncrementals: 10,
			AgeDays:         30,
		},
		Cadences: Cadences{
			Default: Cadence{
				Interval: 24 * time.Hour,
				Grace:    2 * time.Minute,
			},
		},
		Timeouts: Timeouts{
			SoftRepo:       1 * time.Hour,
			SoftArchive:    2 * time.Hour,
			HardMultiplier: 2,
		},
		Parallelism: defaultParallelism(),
		CriticalFiles: CriticalFiles{
			Allow: []string{".env*", "*.pem", "*credentials*"},
			Deny:  []string{"node_modules/", "dist/", ".cache/"},
		},
		Verification: Verification{
			Enabled:        true,
			Cadence:        7 * 24 * time.Hour,
			MaxReposToTest: 5,
			CleanupAfter:   true,
		},
	}
}

// Load reads and parses a YAML config file, filling any unset fields
// with the package defaults, then validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// defaultConfigLocations lists the paths LoadDefault tries, in order,
// before falling back to Default(). These are mutually exclusive
// candidates for a single file — first one found wins outright, with
// no layered precedence between them.
func defaultConfigLocations() []string {
	var locs []string
	if wd, err := os.Getwd(); err == nil {
		locs = append(locs, filepath.Join(wd, "cloudsync.yaml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		locs = append(locs, filepath.Join(home, ".cloudsync", "config.yaml"))
	}
	locs = append(locs, "/etc/cloudsync/config.yaml")
	return locs
}

// LoadDefault tries each of defaultConfigLocations in turn and loads the
// first one that exists. If none exist, it returns Default() unmodified.
func LoadDefault() (Config, error) {
	for _, loc := range defaultConfigLocations() {
		if _, err := os.Stat(loc); err == nil {
			return Load(loc)
		}
	}
	cfg := Default()
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
