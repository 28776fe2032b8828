// Package config loads client settings from reviews.toml, REVIEWS_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/steveyegge/restaurant-reviews/internal/assetcache"
	"github.com/steveyegge/restaurant-reviews/internal/reconcile"
)

const (
	// FileName is the config file name without extension.
	FileName = "reviews"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "REVIEWS"
)

// Keys understood by the loader. Flags bound to viper use the same names.
const (
	KeyDataDir          = "data_dir"
	KeyEndpoint         = "endpoint"
	KeyOrigin           = "origin"
	KeyCacheVersion     = "cache_version"
	KeyManifest         = "manifest"
	KeyFetchConcurrency = "fetch_concurrency"
	KeyProbeInterval    = "probe_interval"
	KeyProxyAddr        = "proxy_addr"
	KeyDashboardPort    = "dashboard_port"
	KeyLogFile          = "log_file"
)

// Config is the resolved client configuration.
type Config struct {
	DataDir          string        `mapstructure:"data_dir"`
	Endpoint         string        `mapstructure:"endpoint"`
	Origin           string        `mapstructure:"origin"`
	CacheVersion     string        `mapstructure:"cache_version"`
	Manifest         string        `mapstructure:"manifest"`
	FetchConcurrency int           `mapstructure:"fetch_concurrency"`
	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
	ProxyAddr        string        `mapstructure:"proxy_addr"`
	DashboardPort    int           `mapstructure:"dashboard_port"`
	LogFile          string        `mapstructure:"log_file"`
}

// fileConfig is the on-disk shape written by WriteDefault. Durations are
// strings so the file stays readable.
type fileConfig struct {
	DataDir          string `toml:"data_dir"`
	Endpoint         string `toml:"endpoint"`
	Origin           string `toml:"origin"`
	CacheVersion     string `toml:"cache_version"`
	Manifest         string `toml:"manifest"`
	FetchConcurrency int    `toml:"fetch_concurrency"`
	ProbeInterval    string `toml:"probe_interval"`
	ProxyAddr        string `toml:"proxy_addr"`
	DashboardPort    int    `toml:"dashboard_port"`
	LogFile          string `toml:"log_file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:          ".reviews",
		Endpoint:         reconcile.DefaultEndpoint,
		Origin:           "http://localhost:8000/",
		CacheVersion:     assetcache.DefaultVersion,
		FetchConcurrency: 8,
		ProbeInterval:    30 * time.Second,
		ProxyAddr:        "127.0.0.1:8001",
		DashboardPort:    8080,
	}
}

// New returns a viper instance with defaults, search paths and environment
// binding set up. Callers bind flags before calling Load.
func New() *viper.Viper {
	v := viper.New()

	d := Default()
	v.SetDefault(KeyDataDir, d.DataDir)
	v.SetDefault(KeyEndpoint, d.Endpoint)
	v.SetDefault(KeyOrigin, d.Origin)
	v.SetDefault(KeyCacheVersion, d.CacheVersion)
	v.SetDefault(KeyManifest, d.Manifest)
	v.SetDefault(KeyFetchConcurrency, d.FetchConcurrency)
	v.SetDefault(KeyProbeInterval, d.ProbeInterval)
	v.SetDefault(KeyProxyAddr, d.ProxyAddr)
	v.SetDefault(KeyDashboardPort, d.DashboardPort)
	v.SetDefault(KeyLogFile, d.LogFile)

	v.SetConfigName(FileName)
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", FileName))
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file (explicit path, or the first reviews.toml on
// the search path) and returns the merged configuration. A missing file on
// the search path is not an error; a missing explicit file is.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that URLs parse and numbers are in range.
func (c *Config) Validate() error {
	for key, raw := range map[string]string{KeyEndpoint: c.Endpoint, KeyOrigin: c.Origin} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid %s %q: must be an absolute URL", key, raw)
		}
	}
	if c.CacheVersion == "" {
		return fmt.Errorf("%s cannot be empty", KeyCacheVersion)
	}
	if c.DataDir == "" {
		return fmt.Errorf("%s cannot be empty", KeyDataDir)
	}
	if c.FetchConcurrency < 1 {
		return fmt.Errorf("%s must be at least 1 (got %d)", KeyFetchConcurrency, c.FetchConcurrency)
	}
	if c.ProbeInterval < 0 {
		return fmt.Errorf("%s cannot be negative", KeyProbeInterval)
	}
	return nil
}

// DatabasePath is the local review database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "restaurants.db")
}

// CachePath is the asset cache database.
func (c *Config) CachePath() string {
	return filepath.Join(c.DataDir, "assets.db")
}

// SpoolDir is where sync tags are dropped for the daemon.
func (c *Config) SpoolDir() string {
	return filepath.Join(c.DataDir, "spool")
}

// WriteDefault writes the default configuration to path. An existing file
// is left alone unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	d := Default()
	fc := fileConfig{
		DataDir:          d.DataDir,
		Endpoint:         d.Endpoint,
		Origin:           d.Origin,
		CacheVersion:     d.CacheVersion,
		Manifest:         d.Manifest,
		FetchConcurrency: d.FetchConcurrency,
		ProbeInterval:    d.ProbeInterval.String(),
		ProxyAddr:        d.ProxyAddr,
		DashboardPort:    d.DashboardPort,
		LogFile:          d.LogFile,
	}
	if _, err := fmt.Fprintln(f, "# Restaurant reviews client configuration"); err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(fc); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return f.Close()
}
