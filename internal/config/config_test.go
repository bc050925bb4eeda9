package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/snehjoshi/storyq/internal/config"
)

func TestDefault_MatchesSchedulerDefaults(t *testing.T) {
	cfg := config.Default()

	if cfg.Node.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Node.Port)
	}
	q := cfg.Queue
	if q.MaxQueueSizePerUser != 10 {
		t.Errorf("max_queue_size_per_user = %d, want 10", q.MaxQueueSizePerUser)
	}
	if q.DefaultStoryExpiry() != 30*time.Minute {
		t.Errorf("default expiry = %v, want 30m", q.DefaultStoryExpiry())
	}
	if q.MinStorySpacing() != 90*time.Second {
		t.Errorf("spacing = %v, want 90s", q.MinStorySpacing())
	}
	if q.MaxStoryAge() != 24*time.Hour {
		t.Errorf("max age = %v, want 24h", q.MaxStoryAge())
	}
	if q.CleanupInterval() != 5*time.Minute {
		t.Errorf("cleanup interval = %v, want 5m", q.CleanupInterval())
	}
	if q.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want 3", q.MaxAttempts)
	}
	if cfg.Auth.Enabled {
		t.Error("auth must be disabled by default")
	}
}

func TestLoad_MissingFile_ReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	if cfg.Node.Port != 8080 {
		t.Errorf("expected default port for missing file, got %d", cfg.Node.Port)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeTempYAML(t, `
node:
  port: 9999
  data_dir: "/var/lib/storyq"
queue:
  max_queue_size_per_user: 25
  min_story_spacing_seconds: 0
triggers:
  proximity:
    radius_meters: 150
    pois:
      - id: tower-bridge
        name: Tower Bridge
        lat: 51.5055
        lon: -0.0754
        context:
          topic: victorian engineering
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Node.Port != 9999 || cfg.Node.DataDir != "/var/lib/storyq" {
		t.Errorf("node section not applied: %+v", cfg.Node)
	}
	if cfg.Queue.MaxQueueSizePerUser != 25 {
		t.Errorf("max_queue_size_per_user = %d, want 25", cfg.Queue.MaxQueueSizePerUser)
	}
	if cfg.Queue.MinStorySpacing() != 0 {
		t.Errorf("spacing should be disabled, got %v", cfg.Queue.MinStorySpacing())
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Errorf("unset max_attempts should keep its default, got %d", cfg.Queue.MaxAttempts)
	}
	prox := cfg.Triggers.Proximity
	if prox.RadiusMeters != 150 || len(prox.POIs) != 1 || prox.POIs[0].Context["topic"] != "victorian engineering" {
		t.Errorf("proximity section not applied: %+v", prox)
	}
	if prox.Cooldown != "1h" {
		t.Errorf("unset cooldown should keep its default, got %q", prox.Cooldown)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should validate: %v", err)
	}
}

func TestLoad_InvalidYAML_ReturnsError(t *testing.T) {
	path := writeTempYAML(t, "node: [invalid: yaml: {{{}}")
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("STORYQ_AUTH_API_KEY", "s3cret")
	t.Setenv("STORYQ_DATA_DIR", "/tmp/storyq-env")
	t.Setenv("STORYQ_PORT", "7070")
	t.Setenv("STORYQ_LOG_LEVEL", "DEBUG")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "s3cret" {
		t.Errorf("auth not enabled from env: %+v", cfg.Auth)
	}
	if cfg.Node.DataDir != "/tmp/storyq-env" || cfg.Node.Port != 7070 {
		t.Errorf("node env overrides not applied: %+v", cfg.Node)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Log.Level)
	}
}

func TestValidate_DefaultIsValid(t *testing.T) {
	if err := config.Default().Validate(); err != nil {
		t.Errorf("Default config should be valid, got: %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	mutations := map[string]func(*config.Config){
		"port zero":           func(c *config.Config) { c.Node.Port = 0 },
		"port too high":       func(c *config.Config) { c.Node.Port = 99999 },
		"empty data dir":      func(c *config.Config) { c.Node.DataDir = "" },
		"log level":           func(c *config.Config) { c.Log.Level = "verbose" },
		"log format":          func(c *config.Config) { c.Log.Format = "xml" },
		"capacity":            func(c *config.Config) { c.Queue.MaxQueueSizePerUser = 0 },
		"negative spacing":    func(c *config.Config) { c.Queue.MinStorySpacingSeconds = -1 },
		"attempts":            func(c *config.Config) { c.Queue.MaxAttempts = 0 },
		"history retention":   func(c *config.Config) { c.History.Retention = "forever" },
		"auth without key":    func(c *config.Config) { c.Auth.Enabled = true },
		"idle timeout":        func(c *config.Config) { c.Sessions.IdleTimeout = "0s" },
		"radius":              func(c *config.Config) { c.Triggers.Proximity.RadiusMeters = 0 },
		"poi latitude":        func(c *config.Config) { c.Triggers.Proximity.POIs = []config.POI{{ID: "x", Lat: 91}} },
		"poi without id":      func(c *config.Config) { c.Triggers.Proximity.POIs = []config.POI{{Lat: 1}} },
		"empty schedule spec": func(c *config.Config) { c.Triggers.Scheduled.Enabled = true; c.Triggers.Scheduled.Spec = "" },
	}
	for name, mutate := range mutations {
		cfg := config.Default()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestValidate_SpacingZeroAllowed(t *testing.T) {
	cfg := config.Default()
	cfg.Queue.MinStorySpacingSeconds = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("zero spacing should be valid: %v", err)
	}
}

// writeTempYAML writes content to a temp file and returns its path.
func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writeTempYAML: %v", err)
	}
	return path
}
