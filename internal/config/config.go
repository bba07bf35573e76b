package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all service settings, populated from environment variables.
// It is built once at process start and threaded into every collaborator;
// nothing reads the environment after Load returns.
type Config struct {
	// Climate data store (CDS-style retrieve API).
	CDSURL     string
	CDSKey     string
	CDSDataset string
	Variable   string
	MinYear    int
	CDSTimeout time.Duration

	// Publishing portal.
	PortalURL     string
	PortalKey     string
	PortalDataset string
	PortalTimeout time.Duration

	// Global admin boundaries archive.
	BoundariesURL      string
	BoundariesCacheDir string

	// External tool binaries.
	GDALTranslateBin string
	GDALCalcBin      string
	ExactExtractBin  string

	// Run behavior.
	WorkDir          string
	RunInterval      time.Duration
	RunOnce          bool
	FailOnSliceError bool

	// Optional Kafka audit stream; disabled when no brokers are set.
	AuditBrokers []string
	AuditTopic   string

	// Ops server and process settings.
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
}

// Load reads configuration from the environment (and an optional .env file),
// applying defaults where unset.
func Load() (*Config, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	minYear, err := envInt("CDS_MIN_YEAR", 2024)
	if err != nil {
		return nil, err
	}
	cdsTimeout, err := envDuration("CDS_TIMEOUT", 15*time.Minute)
	if err != nil {
		return nil, err
	}
	portalTimeout, err := envDuration("PORTAL_TIMEOUT", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	runInterval, err := envDuration("RUN_INTERVAL", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	shutdownTimeout, err := envDuration("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		CDSURL:     envOrDefault("CDS_URL", "https://cds.climate.copernicus.eu/api"),
		CDSKey:     os.Getenv("CDS_KEY"),
		CDSDataset: envOrDefault("CDS_DATASET", "seasonal-postprocessed-single-levels"),
		Variable:   envOrDefault("CDS_VARIABLE", "total_precipitation_anomalous_rate_of_accumulation"),
		MinYear:    minYear,
		CDSTimeout: cdsTimeout,

		PortalURL:     envOrDefault("PORTAL_URL", "https://data.humdata.org"),
		PortalKey:     os.Getenv("PORTAL_KEY"),
		PortalDataset: envOrDefault("PORTAL_DATASET", "ecmwf-anomalous-precipitation"),
		PortalTimeout: portalTimeout,

		BoundariesURL:      envOrDefault("BOUNDARIES_URL", ""),
		BoundariesCacheDir: envOrDefault("BOUNDARIES_CACHE_DIR", ""),

		GDALTranslateBin: envOrDefault("GDAL_TRANSLATE_BIN", "gdal_translate"),
		GDALCalcBin:      envOrDefault("GDAL_CALC_BIN", "gdal_calc.py"),
		ExactExtractBin:  envOrDefault("EXACTEXTRACT_BIN", "exactextract"),

		WorkDir:          envOrDefault("WORK_DIR", ""),
		RunInterval:      runInterval,
		RunOnce:          envBool("RUN_ONCE", false),
		FailOnSliceError: envBool("FAIL_ON_SLICE_ERROR", false),

		AuditBrokers: splitList(os.Getenv("AUDIT_KAFKA_BROKERS")),
		AuditTopic:   envOrDefault("AUDIT_KAFKA_TOPIC", "precip-etl-runs"),

		HTTPAddr:        envOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
		LogFormat:       envOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,
	}

	if cfg.CDSKey == "" {
		return nil, errors.New("CDS_KEY is required")
	}
	if cfg.PortalKey == "" {
		return nil, errors.New("PORTAL_KEY is required")
	}
	if cfg.BoundariesURL == "" {
		return nil, errors.New("BOUNDARIES_URL is required")
	}
	if cfg.MinYear < 1981 {
		// SEAS5 hindcasts start in 1981; nothing exists before that.
		return nil, fmt.Errorf("CDS_MIN_YEAR %d is before the start of the SEAS5 record", cfg.MinYear)
	}
	if cfg.RunInterval < time.Hour && !cfg.RunOnce {
		return nil, errors.New("RUN_INTERVAL shorter than 1h would hammer the data store")
	}

	return cfg, nil
}

// AuditEnabled reports whether the Kafka audit stream is configured.
func (c *Config) AuditEnabled() bool {
	return len(c.AuditBrokers) > 0
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
