package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BusyPolicy defines how a sync trigger behaves while a pass is running
type BusyPolicy string

const (
	// BusyReject turns the trigger away immediately (webhook callers see 409)
	BusyReject BusyPolicy = "reject"
	// BusyCoalesce records a pending re-run serviced right after the current pass
	BusyCoalesce BusyPolicy = "coalesce"
)

// Config represents the complete relsyncd configuration
type Config struct {
	Repo  RepoConfig  `yaml:"repo"`
	Paths PathsConfig `yaml:"paths"`
	Sync  SyncConfig  `yaml:"sync"`
	Serve ServeConfig `yaml:"serve"`
}

// RepoConfig configures the upstream GitHub repository
type RepoConfig struct {
	Slug       string `yaml:"slug"`         // "owner/name"
	APIBaseURL string `yaml:"api_base_url"` // override for GitHub Enterprise or tests
	TokenFile  string `yaml:"token_file"`   // optional API token for higher rate limits
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	MirrorDir string `yaml:"mirror_dir"`
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	Interval            Duration   `yaml:"interval"`
	Timeout             Duration   `yaml:"timeout"`
	DownloadConcurrency int        `yaml:"download_concurrency"`
	BusyPolicy          BusyPolicy `yaml:"busy_policy"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Duration wraps time.Duration so YAML values like "24h" parse naturally.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Repo.Slug = os.ExpandEnv(c.Repo.Slug)
	c.Repo.APIBaseURL = os.ExpandEnv(c.Repo.APIBaseURL)
	c.Repo.TokenFile = os.ExpandEnv(c.Repo.TokenFile)
	c.Paths.MirrorDir = os.ExpandEnv(c.Paths.MirrorDir)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Sync.Interval == 0 {
		c.Sync.Interval = Duration(24 * time.Hour)
	}
	if c.Sync.Timeout == 0 {
		c.Sync.Timeout = Duration(15 * time.Minute)
	}
	if c.Sync.DownloadConcurrency == 0 {
		c.Sync.DownloadConcurrency = 6
	}
	if c.Sync.BusyPolicy == "" {
		c.Sync.BusyPolicy = BusyReject
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = ":8080"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Repo.Slug == "" {
		return fmt.Errorf("repo.slug is required")
	}
	parts := strings.Split(c.Repo.Slug, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("repo.slug must be of the form owner/name: %s", c.Repo.Slug)
	}

	if c.Paths.MirrorDir == "" {
		return fmt.Errorf("paths.mirror_dir is required")
	}
	if !filepath.IsAbs(c.Paths.MirrorDir) {
		return fmt.Errorf("paths.mirror_dir must be an absolute path: %s", c.Paths.MirrorDir)
	}

	if c.Sync.Interval < 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.Sync.Timeout < 0 {
		return fmt.Errorf("sync.timeout must be positive")
	}
	if c.Sync.DownloadConcurrency < 1 {
		return fmt.Errorf("sync.download_concurrency must be at least 1")
	}

	switch c.Sync.BusyPolicy {
	case BusyReject, BusyCoalesce:
		// valid
	default:
		return fmt.Errorf("invalid sync.busy_policy: %s (must be reject or coalesce)", c.Sync.BusyPolicy)
	}

	return nil
}

// Owner returns the repository owner part of the slug
func (c *Config) Owner() string {
	return strings.SplitN(c.Repo.Slug, "/", 2)[0]
}

// Name returns the repository name part of the slug
func (c *Config) Name() string {
	return strings.SplitN(c.Repo.Slug, "/", 2)[1]
}

// StagingDir returns the transient download staging area inside the mirror root
func (c *Config) StagingDir() string {
	return filepath.Join(c.Paths.MirrorDir, ".staging")
}

// TrackingDir returns the directory holding tracking-directory targets
func (c *Config) TrackingDir() string {
	return filepath.Join(c.Paths.MirrorDir, ".tracking")
}

// IndexPath returns the path of the published index document
func (c *Config) IndexPath() string {
	return filepath.Join(c.Paths.MirrorDir, "index.json")
}

// LockPath returns the cross-process sync lock file
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.MirrorDir, ".sync.lock")
}
