package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	"github.com/joho/godotenv"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Request handling.
	RequestTimeout   time.Duration
	MaxDurationHours float64
	DefaultProvider  string
	GridResolution   float64
	GridConcurrency  int

	// Static inputs.
	RasterDir string
	ModelDir  string

	// Cache.
	CacheDir             string
	CacheMemorySize      int
	CacheMaxAge          time.Duration
	CacheJanitorInterval time.Duration

	// Open-Meteo real-time provider.
	OpenMeteoURL       string
	OpenMeteoTimeout   time.Duration
	OpenMeteoRateLimit float64 // requests per second
	OpenMeteoMaxPast   time.Duration

	// Copernicus reanalysis provider.
	CDSCredentialsFile   string
	CDSURL               string
	CDSKey               string
	EWDSURL              string
	EWDSKey              string
	CDSTimeout           time.Duration
	CDSPollInterval      time.Duration
	CDSAvailabilityDelay time.Duration

	// Optional result export.
	KafkaBrokers     []string
	KafkaResultTopic string
}

// KafkaEnabled reports whether prediction results are published.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// Load reads configuration from environment variables, applying defaults where
// unset. A .env file in the working directory is loaded first if present;
// variables already set in the environment take precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,
		DefaultProvider: sharedcfg.EnvOrDefault("WEATHER_DEFAULT_PROVIDER", "openmeteo"),

		RasterDir: sharedcfg.EnvOrDefault("RASTER_DIR", "data/rasters"),
		ModelDir:  sharedcfg.EnvOrDefault("MODEL_DIR", "models"),
		CacheDir:  sharedcfg.EnvOrDefault("CACHE_DIR", "data/cache"),

		OpenMeteoURL: sharedcfg.EnvOrDefault("OPENMETEO_URL", "https://api.open-meteo.com/v1/forecast"),

		CDSCredentialsFile: os.Getenv("CDS_CREDENTIALS_FILE"),
		CDSURL:             os.Getenv("CDS_URL"),
		CDSKey:             os.Getenv("CDS_KEY"),
		EWDSURL:            os.Getenv("EWDS_URL"),
		EWDSKey:            os.Getenv("EWDS_KEY"),

		KafkaResultTopic: sharedcfg.EnvOrDefault("KAFKA_RESULT_TOPIC", "ros-predictions"),
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = sharedcfg.ParseBrokers(brokers)
	}

	durations := []struct {
		env    string
		def    string
		dst    *time.Duration
		allow0 bool
	}{
		{"REQUEST_TIMEOUT", "15m", &cfg.RequestTimeout, false},
		{"OPENMETEO_TIMEOUT", "10s", &cfg.OpenMeteoTimeout, false},
		{"OPENMETEO_MAX_PAST", "2208h", &cfg.OpenMeteoMaxPast, false},
		{"CDS_TIMEOUT", "10m", &cfg.CDSTimeout, false},
		{"CDS_POLL_INTERVAL", "2s", &cfg.CDSPollInterval, false},
		{"CDS_AVAILABILITY_DELAY", "120h", &cfg.CDSAvailabilityDelay, false},
		{"CACHE_MAX_AGE", "0s", &cfg.CacheMaxAge, true},
		{"CACHE_JANITOR_INTERVAL", "1h", &cfg.CacheJanitorInterval, true},
	}
	for _, d := range durations {
		v, err := parseDuration(d.env, d.def, d.allow0)
		if err != nil {
			return nil, err
		}
		*d.dst = v
	}

	if cfg.CacheMemorySize, err = parseInt("CACHE_MEMORY_SIZE", 1000, 0); err != nil {
		return nil, err
	}
	if cfg.GridConcurrency, err = parseInt("GRID_CONCURRENCY", 8, 1); err != nil {
		return nil, err
	}
	if cfg.MaxDurationHours, err = parseFloat("MAX_DURATION_HOURS", 72); err != nil {
		return nil, err
	}
	if cfg.GridResolution, err = parseFloat("GRID_RESOLUTION", 0.1); err != nil {
		return nil, err
	}
	if cfg.OpenMeteoRateLimit, err = parseFloat("OPENMETEO_RATE_LIMIT", 10); err != nil {
		return nil, err
	}

	switch cfg.DefaultProvider {
	case "openmeteo", "cds":
	default:
		return nil, fmt.Errorf("invalid WEATHER_DEFAULT_PROVIDER %q (want openmeteo or cds)", cfg.DefaultProvider)
	}
	if cfg.ModelDir == "" {
		return nil, errors.New("MODEL_DIR is required")
	}
	if cfg.CacheDir == "" {
		return nil, errors.New("CACHE_DIR is required")
	}
	// Each upstream call needs its own bound inside the request's.
	for _, p := range []struct {
		env string
		d   time.Duration
	}{{"OPENMETEO_TIMEOUT", cfg.OpenMeteoTimeout}, {"CDS_TIMEOUT", cfg.CDSTimeout}} {
		if p.d >= cfg.RequestTimeout {
			return nil, fmt.Errorf("%s (%s) must be shorter than REQUEST_TIMEOUT (%s)", p.env, p.d, cfg.RequestTimeout)
		}
	}
	if cfg.KafkaEnabled() && cfg.KafkaResultTopic == "" {
		return nil, errors.New("KAFKA_RESULT_TOPIC is required when KAFKA_BROKERS is set")
	}

	return cfg, nil
}

func parseDuration(env, def string, allowZero bool) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(env, def))
	if err != nil || d < 0 || (d == 0 && !allowZero) {
		return 0, fmt.Errorf("invalid %s", env)
	}
	return d, nil
}

func parseInt(env string, def, minimum int) (int, error) {
	s := os.Getenv(env)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < minimum {
		return 0, fmt.Errorf("invalid %s", env)
	}
	return n, nil
}

func parseFloat(env string, def float64) (float64, error) {
	s := os.Getenv(env)
	if s == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid %s", env)
	}
	return f, nil
}
