package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"
)

type Config struct {
	Port          int    `toml:"port"`
	DataDir       string `toml:"data_dir"`
	LogLevel      string `toml:"log_level"`
	LogFormat     string `toml:"log_format"`
	UploadToken   string `toml:"upload_token"`
	MaxUploadSize int64  `toml:"max_upload_size"`
	AllowedOrigin string `toml:"allowed_origin"`
	PublicBaseURL string `toml:"public_base_url"`

	// Decoded fragments.
	DecodeCacheMB      int    `toml:"decode_cache_mb"`
	DecodeCacheEntries int    `toml:"decode_cache_entries"`
	PruneInterval      string `toml:"prune_interval"`
	Resampler          string `toml:"resampler"`
	SmallArea          int64  `toml:"small_area"`
	LargeArea          int64  `toml:"large_area"`
	RepeatThreshold    int    `toml:"repeat_threshold"`
	MaxTargetPixels    int64  `toml:"max_target_pixels"`

	// Encoded responses.
	CacheType            string `toml:"cache"`
	ResponseCacheEntries int    `toml:"response_cache_entries"`
	CacheFileDir         string `toml:"cache_file_dir"`

	WarmupSize    int `toml:"warmup_size"`
	WarmupWorkers int `toml:"warmup_workers"`

	AnimationPolicy string `toml:"animation_policy"`
	AnimationIdle   string `toml:"animation_idle"`

	VipsMaxCacheMB  int `toml:"vips_max_cache_mb"`
	VipsConcurrency int `toml:"vips_concurrency"`
}

func defaults() *Config {
	return &Config{
		Port:                 8080,
		DataDir:              "/data",
		LogLevel:             "info",
		LogFormat:            "json",
		MaxUploadSize:        1 << 30,
		PublicBaseURL:        "http://localhost:8080",
		DecodeCacheMB:        256,
		PruneInterval:        "30s",
		Resampler:            "lanczos3",
		SmallArea:            4096,
		LargeArea:            4096 * 4096,
		RepeatThreshold:      4,
		MaxTargetPixels:      8192 * 8192,
		CacheType:            "memory",
		ResponseCacheEntries: 2000,
		WarmupSize:           256,
		WarmupWorkers:        1,
		AnimationPolicy:      "allowed",
		AnimationIdle:        "10s",
		VipsMaxCacheMB:       64,
		VipsConcurrency:      1,
	}
}

// Load builds the configuration from defaults, the TOML file named by
// CONFIG_FILE (if any), and environment variables, in that order.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := toml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.Port = getEnvInt("PORT", cfg.Port)
	cfg.DataDir = getEnv("DATA_DIR", cfg.DataDir)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.UploadToken = getEnv("UPLOAD_TOKEN", cfg.UploadToken)
	cfg.MaxUploadSize = getEnvInt64("MAX_UPLOAD_SIZE", cfg.MaxUploadSize)
	cfg.AllowedOrigin = getEnv("ALLOWED_ORIGIN", cfg.AllowedOrigin)
	cfg.PublicBaseURL = getEnv("PUBLIC_BASE_URL", cfg.PublicBaseURL)

	cfg.DecodeCacheMB = getEnvInt("DECODE_CACHE_MB", cfg.DecodeCacheMB)
	cfg.DecodeCacheEntries = getEnvInt("DECODE_CACHE_ENTRIES", cfg.DecodeCacheEntries)
	cfg.PruneInterval = getEnv("PRUNE_INTERVAL", cfg.PruneInterval)
	cfg.Resampler = getEnv("RESAMPLER", cfg.Resampler)
	cfg.SmallArea = getEnvInt64("RESAMPLE_SMALL_AREA", cfg.SmallArea)
	cfg.LargeArea = getEnvInt64("RESAMPLE_LARGE_AREA", cfg.LargeArea)
	cfg.RepeatThreshold = getEnvInt("RESAMPLE_REPEAT_THRESHOLD", cfg.RepeatThreshold)
	cfg.MaxTargetPixels = getEnvInt64("MAX_TARGET_PIXELS", cfg.MaxTargetPixels)

	cfg.CacheType = getEnv("CACHE", cfg.CacheType)
	cfg.ResponseCacheEntries = getEnvInt("CACHE_MEMORY_ENTRIES", cfg.ResponseCacheEntries)
	if cfg.CacheFileDir == "" {
		cfg.CacheFileDir = filepath.Join(cfg.DataDir, "cache")
	}
	cfg.CacheFileDir = getEnv("CACHE_FILE_DIR", cfg.CacheFileDir)

	cfg.WarmupSize = getEnvInt("WARMUP_SIZE", cfg.WarmupSize)
	cfg.WarmupWorkers = getEnvInt("WARMUP_WORKERS", cfg.WarmupWorkers)

	cfg.AnimationPolicy = getEnv("ANIMATION_POLICY", cfg.AnimationPolicy)
	cfg.AnimationIdle = getEnv("ANIMATION_IDLE", cfg.AnimationIdle)

	cfg.VipsMaxCacheMB = getEnvInt("VIPS_MAX_CACHE_MB", cfg.VipsMaxCacheMB)
	cfg.VipsConcurrency = getEnvInt("VIPS_CONCURRENCY", cfg.VipsConcurrency)

	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var err error
	if c.Port <= 0 || c.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.DataDir == "" {
		err = multierr.Append(err, errors.New("data dir is empty"))
	}
	if c.DecodeCacheMB < 0 {
		err = multierr.Append(err, fmt.Errorf("decode cache size %d MB is negative", c.DecodeCacheMB))
	}
	if c.MaxTargetPixels <= 0 {
		err = multierr.Append(err, fmt.Errorf("max target pixels %d must be positive", c.MaxTargetPixels))
	}
	if c.SmallArea > c.LargeArea {
		err = multierr.Append(err, fmt.Errorf("small area %d exceeds large area %d", c.SmallArea, c.LargeArea))
	}
	switch c.Resampler {
	case "lanczos", "lanczos3", "catmullrom", "vips":
	default:
		err = multierr.Append(err, fmt.Errorf("unknown resampler %q", c.Resampler))
	}
	switch c.CacheType {
	case "memory", "file", "none", "disabled":
	default:
		err = multierr.Append(err, fmt.Errorf("unknown cache type %q", c.CacheType))
	}
	switch c.AnimationPolicy {
	case "allowed", "once", "none":
	default:
		err = multierr.Append(err, fmt.Errorf("unknown animation policy %q", c.AnimationPolicy))
	}
	if _, perr := c.PruneEvery(); perr != nil {
		err = multierr.Append(err, perr)
	}
	if _, perr := c.AnimationIdleAfter(); perr != nil {
		err = multierr.Append(err, perr)
	}
	return err
}

func (c *Config) DecodeCacheBytes() int64 {
	return int64(c.DecodeCacheMB) * 1024 * 1024
}

// PruneEvery is the decode cache prune period. Zero disables the ticker.
func (c *Config) PruneEvery() (time.Duration, error) {
	return parseDuration("prune interval", c.PruneInterval)
}

// AnimationIdleAfter is how long an animation keeps running without being
// drawn.
func (c *Config) AnimationIdleAfter() (time.Duration, error) {
	return parseDuration("animation idle", c.AnimationIdle)
}

func parseDuration(name, value string) (time.Duration, error) {
	if value == "" || value == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s %s is negative", name, d)
	}
	return d, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func (c *Config) IsUploadPublic() bool {
	return strings.TrimSpace(c.UploadToken) == ""
}
