package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Upstream request behaviour.
	RequestTimeout time.Duration
	RequestRetries int
	ResolveTimeout time.Duration

	// Location cache.
	CacheMaxSize       int
	CacheMaxAge        time.Duration
	CacheSweepInterval time.Duration
	CacheSnapshotDir   string

	// Device position. Set when the host has a known fixed position.
	DevicePositionSet bool
	DeviceLat         float64
	DeviceLon         float64

	LocalTimezone string

	// Geocoding providers.
	NominatimURL       string
	NominatimUserAgent string
	MapboxToken        string
	MapboxEnabled      bool

	// Location update publishing.
	KafkaBrokers []string
	KafkaTopic   string
	KafkaEnabled bool

	// TuningFile optionally points at a YAML file overriding Tuning defaults.
	TuningFile string
	Tuning     *Tuning
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	requestTimeout, err := parseDuration("REQUEST_TIMEOUT", "8s")
	if err != nil {
		return nil, err
	}
	resolveTimeout, err := parseDuration("RESOLVE_TIMEOUT", "20s")
	if err != nil {
		return nil, err
	}
	cacheMaxAge, err := parseDuration("CACHE_MAX_AGE", "168h")
	if err != nil {
		return nil, err
	}
	sweepInterval, err := parseDuration("CACHE_SWEEP_INTERVAL", "5m")
	if err != nil {
		return nil, err
	}

	retries, err := strconv.Atoi(sharedcfg.EnvOrDefault("REQUEST_RETRIES", "3"))
	if err != nil || retries < 0 {
		return nil, errors.New("invalid REQUEST_RETRIES")
	}
	cacheMaxSize, err := strconv.Atoi(sharedcfg.EnvOrDefault("CACHE_MAX_SIZE", "100"))
	if err != nil || cacheMaxSize <= 0 {
		return nil, errors.New("invalid CACHE_MAX_SIZE")
	}

	cfg := &Config{
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		RequestTimeout: requestTimeout,
		RequestRetries: retries,
		ResolveTimeout: resolveTimeout,

		CacheMaxSize:       cacheMaxSize,
		CacheMaxAge:        cacheMaxAge,
		CacheSweepInterval: sweepInterval,
		CacheSnapshotDir:   os.Getenv("CACHE_SNAPSHOT_DIR"),

		LocalTimezone: sharedcfg.EnvOrDefault("LOCAL_TIMEZONE", os.Getenv("TZ")),

		NominatimURL:       sharedcfg.EnvOrDefault("NOMINATIM_URL", "https://nominatim.openstreetmap.org"),
		NominatimUserAgent: sharedcfg.EnvOrDefault("NOMINATIM_USER_AGENT", "location-resolver/1.0"),

		KafkaTopic: sharedcfg.EnvOrDefault("KAFKA_TOPIC", "location-updates"),
		TuningFile: os.Getenv("TUNING_FILE"),
	}

	if err := cfg.loadDevicePosition(); err != nil {
		return nil, err
	}

	cfg.MapboxToken = os.Getenv("MAPBOX_TOKEN")
	cfg.MapboxEnabled = cfg.MapboxToken != ""
	if v := os.Getenv("MAPBOX_ENABLED"); v != "" {
		cfg.MapboxEnabled = v == "true"
	}
	if cfg.MapboxEnabled && cfg.MapboxToken == "" {
		return nil, errors.New("MAPBOX_ENABLED is true but MAPBOX_TOKEN is not set")
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = sharedcfg.ParseBrokers(brokers)
	}
	cfg.KafkaEnabled = len(cfg.KafkaBrokers) > 0
	if v := os.Getenv("KAFKA_ENABLED"); v != "" {
		cfg.KafkaEnabled = v == "true"
	}
	if cfg.KafkaEnabled && len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_ENABLED is true but KAFKA_BROKERS is not set")
	}
	if cfg.KafkaEnabled && cfg.KafkaTopic == "" {
		return nil, errors.New("KAFKA_TOPIC is required")
	}

	tuning, err := LoadTuning(cfg.TuningFile)
	if err != nil {
		return nil, err
	}
	cfg.Tuning = tuning

	return cfg, nil
}

// LogLevelName returns the configured log level.
func (c *Config) LogLevelName() string { return c.LogLevel }

// LogFormatName returns the configured log format.
func (c *Config) LogFormatName() string { return c.LogFormat }

func (c *Config) loadDevicePosition() error {
	latStr, lonStr := os.Getenv("DEVICE_LAT"), os.Getenv("DEVICE_LON")
	if latStr == "" && lonStr == "" {
		return nil
	}
	if latStr == "" || lonStr == "" {
		return errors.New("DEVICE_LAT and DEVICE_LON must be set together")
	}

	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil || lat < -90 || lat > 90 {
		return errors.New("invalid DEVICE_LAT")
	}
	lon, err := strconv.ParseFloat(lonStr, 64)
	if err != nil || lon < -180 || lon > 180 {
		return errors.New("invalid DEVICE_LON")
	}

	c.DevicePositionSet = true
	c.DeviceLat = lat
	c.DeviceLon = lon
	return nil
}

func parseDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, def))
	if err != nil || d <= 0 {
		return 0, errors.New("invalid " + key)
	}
	return d, nil
}
