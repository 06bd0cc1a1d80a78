// Package config loads proxsync settings from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Backend kinds.
const (
	BackendMemory = "memory"
	BackendRelay  = "relay"
	BackendKafka  = "kafka"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config structure for YAML configuration
type Config struct {
	Sync struct {
		EventsRadiusKm    float64       `yaml:"events_radius_km"`
		PlayersRadiusKm   float64       `yaml:"players_radius_km"`
		StaleThreshold    time.Duration `yaml:"stale_threshold"`
		ShowExpiredEvents bool          `yaml:"show_expired_events"`
		RefreshInterval   time.Duration `yaml:"refresh_interval"`
	} `yaml:"sync"`
	Publisher struct {
		MinUpdateDistanceMeters float64       `yaml:"min_update_distance_meters"`
		MaxUpdateInterval       time.Duration `yaml:"max_update_interval"`
	} `yaml:"publisher"`
	Location struct {
		Simulated      bool          `yaml:"simulated"`
		Latitude       float64       `yaml:"latitude"`
		Longitude      float64       `yaml:"longitude"`
		Interval       time.Duration `yaml:"interval"`
		AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	} `yaml:"location"`
	Backend struct {
		Kind        string   `yaml:"kind"`
		RelayURL    string   `yaml:"relay_url"`
		Brokers     []string `yaml:"brokers"`
		TopicPrefix string   `yaml:"topic_prefix"`
		GroupID     string   `yaml:"group_id"`
	} `yaml:"backend"`
	Relay struct {
		Addr       string  `yaml:"addr"`
		RateLimit  float64 `yaml:"rate_limit"`
		RateBurst  int     `yaml:"rate_burst"`
		PostGISDSN string  `yaml:"postgis_dsn"`
	} `yaml:"relay"`
	Identity struct {
		Path string `yaml:"path"`
	} `yaml:"identity"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	var c Config
	c.Sync.EventsRadiusKm = 5
	c.Sync.PlayersRadiusKm = 1
	c.Sync.StaleThreshold = 5 * time.Minute
	c.Sync.RefreshInterval = 15 * time.Second
	c.Publisher.MinUpdateDistanceMeters = 2
	c.Publisher.MaxUpdateInterval = 10 * time.Second
	c.Location.Simulated = true
	c.Location.Latitude = 54.350178
	c.Location.Longitude = 18.650743
	c.Location.Interval = time.Second
	c.Location.AcquireTimeout = 20 * time.Second
	c.Backend.Kind = BackendMemory
	c.Backend.TopicPrefix = "proxsync."
	c.Backend.GroupID = "proxsync"
	c.Relay.Addr = ":8080"
	c.Relay.RateLimit = 50
	c.Relay.RateBurst = 100
	c.Identity.Path = "proxsync.db"
	c.Log.Level = "info"
	return c
}

// Load reads path (if not empty) over the defaults, then applies .env and
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// A missing .env is fine; the environment still applies.
	_ = godotenv.Load()

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from PROXSYNC_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	float := func(key string, dst *float64) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
		}
		*dst = f
		return nil
	}

	str("PROXSYNC_BACKEND", &c.Backend.Kind)
	str("PROXSYNC_RELAY_URL", &c.Backend.RelayURL)
	str("PROXSYNC_RELAY_ADDR", &c.Relay.Addr)
	str("PROXSYNC_POSTGIS_DSN", &c.Relay.PostGISDSN)
	str("PROXSYNC_IDENTITY_PATH", &c.Identity.Path)
	str("PROXSYNC_LOG_LEVEL", &c.Log.Level)
	str("PROXSYNC_LOG_FORMAT", &c.Log.Format)
	if v, ok := lookup("PROXSYNC_KAFKA_BROKERS"); ok && v != "" {
		c.Backend.Brokers = strings.Split(v, ",")
	}

	if err := float("PROXSYNC_EVENTS_RADIUS_KM", &c.Sync.EventsRadiusKm); err != nil {
		return err
	}
	if err := float("PROXSYNC_PLAYERS_RADIUS_KM", &c.Sync.PlayersRadiusKm); err != nil {
		return err
	}
	return nil
}

// Validate checks ranges and backend requirements.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	check(c.Sync.EventsRadiusKm > 0, "sync.events_radius_km must be positive")
	check(c.Sync.PlayersRadiusKm > 0, "sync.players_radius_km must be positive")
	check(c.Sync.StaleThreshold > 0, "sync.stale_threshold must be positive")
	check(c.Sync.RefreshInterval > 0, "sync.refresh_interval must be positive")
	check(c.Publisher.MinUpdateDistanceMeters > 0, "publisher.min_update_distance_meters must be positive")
	check(c.Publisher.MaxUpdateInterval > 0, "publisher.max_update_interval must be positive")
	check(c.Location.AcquireTimeout > 0, "location.acquire_timeout must be positive")

	switch c.Backend.Kind {
	case BackendMemory:
	case BackendRelay:
		check(c.Backend.RelayURL != "", "backend.relay_url is required for the relay backend")
	case BackendKafka:
		check(len(c.Backend.Brokers) > 0, "backend.brokers is required for the kafka backend")
	default:
		check(false, "unknown backend kind %q", c.Backend.Kind)
	}

	return errors.Join(errs...)
}
