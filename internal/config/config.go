// Package config holds the configuration types and loading logic for storyq.
// Fields are only ever added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a storyq server.
type Config struct {
	Node      NodeConfig     `yaml:"node"`
	Log       LogConfig      `yaml:"log"`
	Queue     QueueConfig    `yaml:"queue"`
	History   HistoryConfig  `yaml:"history"`
	Producers ProducerConfig `yaml:"producers"`
	Auth      AuthConfig     `yaml:"auth"`
	Metrics   MetricsConfig  `yaml:"metrics"`
	Webhook   WebhookConfig  `yaml:"webhook"`
	Sessions  SessionConfig  `yaml:"sessions"`
	Triggers  TriggerConfig  `yaml:"triggers"`
}

// NodeConfig holds identity and network settings.
type NodeConfig struct {
	// ID is a ULID string. "auto" generates one and persists it on first start.
	ID      string `yaml:"id"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

// QueueConfig carries the scheduler tunables in operator-friendly units.
type QueueConfig struct {
	MaxQueueSizePerUser       int `yaml:"max_queue_size_per_user"`
	DefaultStoryExpiryMinutes int `yaml:"default_story_expiry_minutes"`
	// MinStorySpacingSeconds of 0 disables spacing.
	MinStorySpacingSeconds int `yaml:"min_story_spacing_seconds"`
	MaxStoryAgeHours       int `yaml:"max_story_age_hours"`
	CleanupIntervalMinutes int `yaml:"cleanup_interval_minutes"`
	MaxAttempts            int `yaml:"max_attempts"`
	SweepBatchSize         int `yaml:"sweep_batch_size"`
	// MaxContextKB caps the encoded size of a story's context blob on the
	// HTTP surface.
	MaxContextKB int `yaml:"max_context_kb"`
}

// DefaultStoryExpiry returns the configured expiry as a duration.
func (q QueueConfig) DefaultStoryExpiry() time.Duration {
	return time.Duration(q.DefaultStoryExpiryMinutes) * time.Minute
}

// MinStorySpacing returns the configured spacing as a duration.
func (q QueueConfig) MinStorySpacing() time.Duration {
	return time.Duration(q.MinStorySpacingSeconds) * time.Second
}

// MaxStoryAge returns the registry retention as a duration.
func (q QueueConfig) MaxStoryAge() time.Duration {
	return time.Duration(q.MaxStoryAgeHours) * time.Hour
}

// CleanupInterval returns the sweep throttle as a duration.
func (q QueueConfig) CleanupInterval() time.Duration {
	return time.Duration(q.CleanupIntervalMinutes) * time.Minute
}

// HistoryConfig controls the on-disk delivery archive.
type HistoryConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path defaults to <node.data_dir>/history.db.
	Path string `yaml:"path"`
	// Retention is how long archived records are kept.
	Retention string `yaml:"retention"`
	// PruneSchedule is a cron spec for the retention job.
	PruneSchedule string `yaml:"prune_schedule"`
	// BufferSize is the capacity of the asynchronous write channel.
	BufferSize int `yaml:"buffer_size"`
}

// ProducerConfig sets the per-client rate limit on the HTTP API.
type ProducerConfig struct {
	// MaxRate is requests per second per client IP. 0 disables limiting.
	MaxRate int `yaml:"max_rate"`
	Burst   int `yaml:"burst"`
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// MetricsConfig controls the Prometheus endpoint. When Port is set the
// registry is also served on its own listener.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// WebhookConfig controls push delivery to webhook subscribers.
type WebhookConfig struct {
	PollIntervalMs int `yaml:"poll_interval_ms"`
	TimeoutMs      int `yaml:"timeout_ms"`
	// MaxPerUser caps subscriptions per user. 0 means unlimited.
	MaxPerUser int `yaml:"max_per_user"`
}

// SessionConfig controls trip sessions.
type SessionConfig struct {
	// IdleTimeout after which a trip without activity is no longer active.
	IdleTimeout string `yaml:"idle_timeout"`
	// ClearOnEnd clears the user's queue when a trip ends.
	ClearOnEnd bool `yaml:"clear_on_end"`
}

// TriggerConfig groups the built-in story sources.
type TriggerConfig struct {
	Proximity ProximityConfig `yaml:"proximity"`
	Scheduled ScheduledConfig `yaml:"scheduled"`
}

// POI is a point of interest that fires proximity stories.
type POI struct {
	ID      string         `yaml:"id"`
	Name    string         `yaml:"name"`
	Lat     float64        `yaml:"lat"`
	Lon     float64        `yaml:"lon"`
	Context map[string]any `yaml:"context"`
}

// ProximityConfig drives High-priority stories from position updates.
type ProximityConfig struct {
	Enabled      bool    `yaml:"enabled"`
	RadiusMeters float64 `yaml:"radius_meters"`
	// Cooldown suppresses re-firing the same POI for the same user.
	Cooldown string `yaml:"cooldown"`
	// Window bounds the story's usefulness: LatestTime = now + Window.
	Window string `yaml:"window"`
	POIs   []POI  `yaml:"pois"`
	// POIFile is an optional GeoJSON FeatureCollection of Point features
	// loaded in addition to POIs.
	POIFile string `yaml:"poi_file"`
}

// ScheduledConfig drives routine Medium stories for active trips.
type ScheduledConfig struct {
	Enabled bool `yaml:"enabled"`
	// Spec is a cron expression or descriptor such as "@every 20m".
	Spec    string         `yaml:"spec"`
	Context map[string]any `yaml:"context"`
}

// Default returns a Config populated with defaults. It is the canonical
// source of default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "auto",
			Host:    "0.0.0.0",
			Port:    8080,
			DataDir: "./data",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Queue: QueueConfig{
			MaxQueueSizePerUser:       10,
			DefaultStoryExpiryMinutes: 30,
			MinStorySpacingSeconds:    90,
			MaxStoryAgeHours:          24,
			CleanupIntervalMinutes:    5,
			MaxAttempts:               3,
			SweepBatchSize:            256,
			MaxContextKB:              64,
		},
		History: HistoryConfig{
			Enabled:       true,
			Retention:     "168h",
			PruneSchedule: "@hourly",
			BufferSize:    1024,
		},
		Producers: ProducerConfig{
			MaxRate: 100,
			Burst:   200,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Webhook: WebhookConfig{
			PollIntervalMs: 1_000,
			TimeoutMs:      10_000,
			MaxPerUser:     4,
		},
		Sessions: SessionConfig{
			IdleTimeout: "2h",
			ClearOnEnd:  true,
		},
		Triggers: TriggerConfig{
			Proximity: ProximityConfig{
				Enabled:      true,
				RadiusMeters: 300,
				Cooldown:     "1h",
				Window:       "5m",
			},
			Scheduled: ScheduledConfig{
				Enabled: false,
				Spec:    "@every 20m",
			},
		},
	}
}

// Load reads the YAML file at path over Default(). A missing file is not an
// error, so storyq runs with no config at all. Environment overrides are
// applied last:
//
//	STORYQ_AUTH_API_KEY   sets auth.api_key and enables auth
//	STORYQ_DATA_DIR       sets node.data_dir
//	STORYQ_PORT           sets node.port
//	STORYQ_LOG_LEVEL      sets log.level
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("STORYQ_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("STORYQ_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("STORYQ_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Node.Port = p
		}
	}
	if v := os.Getenv("STORYQ_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
}

// Validate checks that values are consistent and in range. It returns the
// first problem found.
func (c *Config) Validate() error {
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return errors.New("node.port must be between 1 and 65535")
	}
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q must be one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format %q must be json or text", c.Log.Format)
	}

	q := c.Queue
	if q.MaxQueueSizePerUser < 1 {
		return errors.New("queue.max_queue_size_per_user must be at least 1")
	}
	if q.DefaultStoryExpiryMinutes < 1 {
		return errors.New("queue.default_story_expiry_minutes must be at least 1")
	}
	if q.MinStorySpacingSeconds < 0 {
		return errors.New("queue.min_story_spacing_seconds must be >= 0")
	}
	if q.MaxStoryAgeHours < 1 {
		return errors.New("queue.max_story_age_hours must be at least 1")
	}
	if q.CleanupIntervalMinutes < 1 {
		return errors.New("queue.cleanup_interval_minutes must be at least 1")
	}
	if q.MaxAttempts < 1 {
		return errors.New("queue.max_attempts must be at least 1")
	}

	if c.History.Enabled {
		if _, err := positiveDuration("history.retention", c.History.Retention); err != nil {
			return err
		}
		if c.History.PruneSchedule == "" {
			return errors.New("history.prune_schedule must not be empty")
		}
		if c.History.BufferSize < 1 {
			return errors.New("history.buffer_size must be at least 1")
		}
	}
	if c.Producers.MaxRate < 0 || c.Producers.Burst < 0 {
		return errors.New("producers.max_rate and producers.burst must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Port != 0 && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	if c.Webhook.PollIntervalMs < 10 {
		return errors.New("webhook.poll_interval_ms must be at least 10")
	}
	if c.Webhook.TimeoutMs < 1 {
		return errors.New("webhook.timeout_ms must be at least 1")
	}
	if _, err := positiveDuration("sessions.idle_timeout", c.Sessions.IdleTimeout); err != nil {
		return err
	}

	p := c.Triggers.Proximity
	if p.Enabled {
		if p.RadiusMeters <= 0 {
			return errors.New("triggers.proximity.radius_meters must be > 0")
		}
		if _, err := positiveDuration("triggers.proximity.cooldown", p.Cooldown); err != nil {
			return err
		}
		if _, err := positiveDuration("triggers.proximity.window", p.Window); err != nil {
			return err
		}
		for i, poi := range p.POIs {
			if poi.ID == "" {
				return fmt.Errorf("triggers.proximity.pois[%d].id must not be empty", i)
			}
			if poi.Lat < -90 || poi.Lat > 90 || poi.Lon < -180 || poi.Lon > 180 {
				return fmt.Errorf("triggers.proximity.pois[%d] (%s) has out-of-range coordinates", i, poi.ID)
			}
		}
	}
	if c.Triggers.Scheduled.Enabled && c.Triggers.Scheduled.Spec == "" {
		return errors.New("triggers.scheduled.spec must not be empty")
	}
	return nil
}

// MustDuration parses a duration field that Validate has already checked.
func MustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("config: unvalidated duration %q: %v", s, err))
	}
	return d
}

func positiveDuration(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be > 0", field)
	}
	return d, nil
}
