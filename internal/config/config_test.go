package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// chdir moves into a clean directory so no stray reviews.toml is found.
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t)

	cfg, err := Load(New(), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := chdir(t)

	data := `
endpoint = "http://reviews.example.com/reviews/"
cache_version = "v2"
probe_interval = "5s"
fetch_concurrency = 2
`
	if err := os.WriteFile(filepath.Join(dir, "reviews.toml"), []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("REVIEWS_CACHE_VERSION", "v3")

	cfg, err := Load(New(), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Endpoint != "http://reviews.example.com/reviews/" {
		t.Errorf("Endpoint = %q", cfg.Endpoint)
	}
	if cfg.CacheVersion != "v3" {
		t.Errorf("CacheVersion = %q, want env override v3", cfg.CacheVersion)
	}
	if cfg.ProbeInterval != 5*time.Second || cfg.FetchConcurrency != 2 {
		t.Errorf("ProbeInterval=%v FetchConcurrency=%d", cfg.ProbeInterval, cfg.FetchConcurrency)
	}
	if cfg.Origin != Default().Origin {
		t.Errorf("Origin = %q, want default", cfg.Origin)
	}
}

func TestLoad_ExplicitFileMissing(t *testing.T) {
	dir := chdir(t)
	if _, err := Load(New(), filepath.Join(dir, "nope.toml")); err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  string
		val  string
	}{
		{"relative endpoint", "REVIEWS_ENDPOINT", "/reviews"},
		{"negative probe interval", "REVIEWS_PROBE_INTERVAL", "-5s"},
		{"zero concurrency", "REVIEWS_FETCH_CONCURRENCY", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chdir(t)
			t.Setenv(tt.env, tt.val)
			if _, err := Load(New(), ""); err == nil {
				t.Errorf("expected error with %s=%q", tt.env, tt.val)
			}
		})
	}
}

func TestWriteDefault_RoundTrip(t *testing.T) {
	dir := chdir(t)
	path := filepath.Join(dir, "conf", "reviews.toml")

	if err := WriteDefault(path, false); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}
	if err := WriteDefault(path, false); err == nil {
		t.Error("second WriteDefault without force should fail")
	}
	if err := WriteDefault(path, true); err != nil {
		t.Errorf("WriteDefault with force: %v", err)
	}

	cfg, err := Load(New(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestPaths(t *testing.T) {
	cfg := &Config{DataDir: "/data"}
	if got := cfg.DatabasePath(); got != filepath.Join("/data", "restaurants.db") {
		t.Errorf("DatabasePath = %q", got)
	}
	if got := cfg.SpoolDir(); got != filepath.Join("/data", "spool") {
		t.Errorf("SpoolDir = %q", got)
	}
}
