package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Shopflow ShopflowConfig `yaml:"shopflow"`
	Business BusinessConfig `yaml:"business"`
	Channels ChannelsConfig `yaml:"channels"`
	Capture  CaptureConfig  `yaml:"capture"`
	Sink     SinkConfig     `yaml:"sink"`
	Store    StoreConfig    `yaml:"store"`
	Sources  SourcesConfig  `yaml:"sources"`
	API      APIConfig      `yaml:"api"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ShopflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type BusinessConfig struct {
	// UTCOffsetHours is the fixed business timezone every bucket is defined
	// in. The observed deployment runs at UTC+8.
	UTCOffsetHours int `yaml:"utc_offset_hours"`
}

type ChannelsConfig struct {
	ObservationBuffer int `yaml:"observation_buffer"`
	EventBuffer       int `yaml:"event_buffer"`
}

type CaptureConfig struct {
	MaxWorkers int `yaml:"max_workers"`
}

type SinkConfig struct {
	MaxWorkers int `yaml:"max_workers"`
	// ThrottleMinutes is the write granularity: at most one persisted row per
	// source per slot of this width. Tunable at runtime within AllowedMinutes.
	ThrottleMinutes int   `yaml:"throttle_minutes"`
	AllowedMinutes  []int `yaml:"allowed_throttle_minutes"`
	// MarkerPath persists the per-source last-slot markers between runs.
	// Empty keeps them in memory only.
	MarkerPath        string `yaml:"marker_path"`
	DiagnosticLogSize int    `yaml:"diagnostic_log_size"`
}

type StoreConfig struct {
	URL       string          `yaml:"url"`
	APIKey    string          `yaml:"api_key"`
	Timeout   time.Duration   `yaml:"timeout"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Tables    TablesConfig    `yaml:"tables"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type RealtimeConfig struct {
	Enabled           bool          `yaml:"enabled"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

type TablesConfig struct {
	CartLog       string `yaml:"cart_log"`
	TrafficLog    string `yaml:"traffic_log"`
	MarketRankLog string `yaml:"market_rank_log"`
	ChartNotes    string `yaml:"chart_notes"`
}

type SourcesConfig struct {
	Cart       CartSourceConfig       `yaml:"cart"`
	Traffic    TrafficSourceConfig    `yaml:"traffic"`
	MarketRank MarketRankSourceConfig `yaml:"market_rank"`
}

type CartSourceConfig struct {
	URLContains string `yaml:"url_contains"`
}

type TrafficSourceConfig struct {
	URLContains string `yaml:"url_contains"`
	// SearchNode and CartNode are the page-tree node names the extractor
	// looks up in the traffic source response.
	SearchNode string `yaml:"search_node"`
	CartNode   string `yaml:"cart_node"`
}

type MarketRankSourceConfig struct {
	URLContains string `yaml:"url_contains"`
	// URLKeyword additionally filters rank requests so only the tracked
	// category is persisted. Empty disables the filter.
	URLKeyword string `yaml:"url_keyword"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	// MaxTemplateMetrics caps how many metrics the chart endpoints list per
	// view. A display policy only; the aggregator always computes the full
	// set.
	MaxTemplateMetrics int `yaml:"max_template_metrics"`
}

type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxBuffer     int           `yaml:"max_buffer"`
	Compression   string        `yaml:"compression"`
	S3            S3Config      `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level         string                 `yaml:"level"`
	Format        string                 `yaml:"format"`
	Output        string                 `yaml:"output"`
	MaxAge        int                    `yaml:"max_age"`
	Fields        map[string]interface{} `yaml:"fields"`
	DashboardName string                 `yaml:"dashboard_name"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Business: BusinessConfig{UTCOffsetHours: 8},
		Sink: SinkConfig{
			ThrottleMinutes:   20,
			AllowedMinutes:    []int{10, 20, 30, 60},
			DiagnosticLogSize: 100,
		},
		API: APIConfig{MaxTemplateMetrics: 8},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override store credentials from environment variables if available
	if v := os.Getenv("SUPABASE_URL"); v != "" {
		config.Store.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv("SUPABASE_ANON_KEY"); v != "" {
		config.Store.APIKey = strings.TrimSpace(v)
	}

	// Override S3 settings from environment variables if available
	if config.Archive.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Archive.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Archive.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Archive.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Archive.S3.Bucket = strings.TrimSpace(v)
		}
	}

	config.Store.URL = strings.TrimRight(strings.TrimSpace(config.Store.URL), "/")

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Shopflow.Name == "" {
		return fmt.Errorf("shopflow.name is required")
	}

	if cfg.Shopflow.Version == "" {
		return fmt.Errorf("shopflow.version is required")
	}

	if cfg.Channels.ObservationBuffer <= 0 {
		return fmt.Errorf("channels.observation_buffer must be greater than 0")
	}
	if cfg.Channels.EventBuffer <= 0 {
		return fmt.Errorf("channels.event_buffer must be greater than 0")
	}

	if cfg.Capture.MaxWorkers <= 0 {
		return fmt.Errorf("capture.max_workers must be greater than 0")
	}
	if cfg.Sink.MaxWorkers <= 0 {
		return fmt.Errorf("sink.max_workers must be greater than 0")
	}

	// A restart without persisted markers rewrites the first slot per source,
	// so production-like deployments must configure a marker path.
	if IsProductionLike(AppEnvironment()) && cfg.Sink.MarkerPath == "" {
		return fmt.Errorf("sink.marker_path is required in %s", AppEnvironment())
	}

	if !throttleAllowed(cfg.Sink.ThrottleMinutes, cfg.Sink.AllowedMinutes) {
		return fmt.Errorf("sink.throttle_minutes %d is not in allowed set %v",
			cfg.Sink.ThrottleMinutes, cfg.Sink.AllowedMinutes)
	}

	if cfg.Store.URL == "" {
		return fmt.Errorf("store.url is required")
	}
	if cfg.Store.APIKey == "" {
		return fmt.Errorf("store.api_key is required")
	}
	if cfg.Store.Tables.CartLog == "" || cfg.Store.Tables.TrafficLog == "" ||
		cfg.Store.Tables.MarketRankLog == "" || cfg.Store.Tables.ChartNotes == "" {
		return fmt.Errorf("store.tables must name all four tables")
	}

	if cfg.Archive.Enabled {
		if cfg.Archive.S3.Bucket == "" {
			return fmt.Errorf("archive.s3.bucket is required when the archive is enabled")
		}
		if cfg.Archive.S3.Region == "" {
			return fmt.Errorf("archive.s3.region is required when the archive is enabled")
		}
		if cfg.Archive.FlushInterval <= 0 {
			return fmt.Errorf("archive.flush_interval must be greater than 0")
		}
	}

	return nil
}

func throttleAllowed(minutes int, allowed []int) bool {
	for _, m := range allowed {
		if m == minutes {
			return true
		}
	}
	return false
}

// ThrottleAllowed reports whether a runtime granularity change to the given
// width is permitted.
func (c *SinkConfig) ThrottleAllowed(minutes int) bool {
	return throttleAllowed(minutes, c.AllowedMinutes)
}
