package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"mapillary-downloader/pkg/models"
)

// Environment variable names
const (
	EnvToken      = "MAPILLARY_TOKEN"
	EnvOutput     = "MAPILLARY_DL_OUTPUT"
	EnvWorkers    = "MAPILLARY_DL_WORKERS"
	EnvQuality    = "MAPILLARY_DL_QUALITY"
	EnvLogLevel   = "MAPILLARY_DL_LOG_LEVEL"
	EnvPassphrase = "MAPILLARY_DL_PASSPHRASE"
)

// Config holds all configuration options for the downloader
type Config struct {
	// Remote API settings
	Mapillary MapillaryConfig `yaml:"mapillary" json:"mapillary"`

	// What to download and where
	Download DownloadConfig `yaml:"download" json:"download"`

	// Transient failure policy
	Retry RetryConfig `yaml:"retry" json:"retry"`

	// Request pacing
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`

	// Recompression and archiving
	PostProcess PostProcessConfig `yaml:"post_process" json:"post_process"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// MapillaryConfig holds API access settings
type MapillaryConfig struct {
	Token          string        `yaml:"token" json:"token"`
	Username       string        `yaml:"username" json:"username"`
	BaseURL        string        `yaml:"base_url" json:"base_url"`
	PageLimit      int           `yaml:"page_limit" json:"page_limit"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// DownloadConfig holds download-specific configuration
type DownloadConfig struct {
	Output           string `yaml:"output" json:"output"`
	Quality          string `yaml:"quality" json:"quality"`
	BBox             string `yaml:"bbox" json:"bbox"`
	Workers          int    `yaml:"workers" json:"workers"`
	WriteMetadataLog bool   `yaml:"write_metadata_log" json:"write_metadata_log"`
	ResetState       bool   `yaml:"-" json:"-"`
}

// RetryConfig bounds retries for transient errors
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier  float64       `yaml:"multiplier" json:"multiplier"`
	Jitter      float64       `yaml:"jitter" json:"jitter"`
}

// RateLimitConfig paces API and image requests. Zero disables pacing.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int     `yaml:"burst" json:"burst"`
}

// PostProcessConfig holds per-sequence post-processing switches
type PostProcessConfig struct {
	WebP          bool   `yaml:"webp" json:"webp"`
	Tar           bool   `yaml:"tar" json:"tar"`
	CWebPPath     string `yaml:"cwebp_path" json:"cwebp_path"`
	TarPath       string `yaml:"tar_path" json:"tar_path"`
	RemoveSources bool   `yaml:"remove_sources" json:"remove_sources"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
}

// DefaultConfig returns a Config instance with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Mapillary: MapillaryConfig{
			BaseURL:        "https://graph.mapillary.com",
			PageLimit:      2000,
			RequestTimeout: 60 * time.Second,
		},
		Download: DownloadConfig{
			Output:           "./mapillary_data",
			Quality:          string(models.QualityOriginal),
			Workers:          runtime.NumCPU(),
			WriteMetadataLog: true,
		},
		Retry: RetryConfig{
			MaxAttempts: 10,
			BaseDelay:   1 * time.Second,
			MaxDelay:    60 * time.Second,
			Multiplier:  2.0,
			Jitter:      0.1,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             10,
		},
		PostProcess: PostProcessConfig{
			WebP:          false,
			Tar:           true,
			CWebPPath:     "cwebp",
			TarPath:       "tar",
			RemoveSources: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() error {
	if token := os.Getenv(EnvToken); token != "" {
		c.Mapillary.Token = token
	}

	if output := os.Getenv(EnvOutput); output != "" {
		c.Download.Output = output
	}

	if quality := os.Getenv(EnvQuality); quality != "" {
		c.Download.Quality = quality
	}

	if workers := os.Getenv(EnvWorkers); workers != "" {
		val, err := strconv.Atoi(workers)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvWorkers, workers, err)
		}
		if val > 0 {
			c.Download.Workers = val
		}
	}

	if logLevel := os.Getenv(EnvLogLevel); logLevel != "" {
		c.Logging.Level = logLevel
	}

	return nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(path string) error {
	// If path is empty, try default locations
	if path == "" {
		path = c.findConfigFile()
		if path == "" {
			return nil // No config file found, not an error
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// findConfigFile searches for config file in standard locations
func (c *Config) findConfigFile() string {
	home := os.Getenv("HOME")
	locations := []string{
		".mapillary-downloader.yaml",
		".mapillary-downloader.yml",
		filepath.Join(home, ".config", "mapillary-downloader", "config.yaml"),
		filepath.Join(home, ".config", "mapillary-downloader", "config.yml"),
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return ""
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Mapillary.BaseURL == "" {
		errs = append(errs, errors.New("API base URL is required"))
	}
	if c.Mapillary.PageLimit <= 0 || c.Mapillary.PageLimit > 2000 {
		errs = append(errs, errors.New("page limit must be between 1 and 2000"))
	}
	if c.Mapillary.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request timeout must be positive"))
	}

	if c.Download.Output == "" {
		errs = append(errs, errors.New("output directory is required"))
	}
	if _, err := models.ParseQuality(c.Download.Quality); err != nil {
		errs = append(errs, err)
	}
	if c.Download.BBox != "" {
		if _, err := models.ParseBBox(c.Download.BBox); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Download.Workers <= 0 {
		errs = append(errs, errors.New("workers must be positive"))
	}

	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("retry max attempts must be positive"))
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		errs = append(errs, errors.New("retry delays cannot be negative"))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, errors.New("retry multiplier must be at least 1"))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		errs = append(errs, errors.New("retry jitter must be between 0 and 1"))
	}

	if c.RateLimit.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("requests per second cannot be negative"))
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst <= 0 {
		errs = append(errs, errors.New("burst must be positive when rate limiting is enabled"))
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, errors.New("invalid log level"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Quality returns the parsed quality. Call after Validate.
func (c *Config) Quality() models.Quality {
	q, _ := models.ParseQuality(c.Download.Quality)
	return q
}

// BBox returns the parsed bounding box, nil when unset. Call after Validate.
func (c *Config) BBox() *models.BBox {
	if c.Download.BBox == "" {
		return nil
	}
	b, _ := models.ParseBBox(c.Download.BBox)
	return b
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// MergeCommandLineFlags merges command line flags into the configuration.
// Only keys present in the map are applied.
func (c *Config) MergeCommandLineFlags(flags map[string]interface{}) {
	if token, ok := flags["token"].(string); ok && token != "" {
		c.Mapillary.Token = token
	}
	if username, ok := flags["username"].(string); ok && username != "" {
		c.Mapillary.Username = username
	}
	if output, ok := flags["output"].(string); ok && output != "" {
		c.Download.Output = output
	}
	if quality, ok := flags["quality"].(string); ok && quality != "" {
		c.Download.Quality = quality
	}
	if bbox, ok := flags["bbox"].(string); ok && bbox != "" {
		c.Download.BBox = bbox
	}
	if workers, ok := flags["workers"].(int); ok && workers > 0 {
		c.Download.Workers = workers
	}
	if reset, ok := flags["reset-state"].(bool); ok {
		c.Download.ResetState = reset
	}
	if webp, ok := flags["webp"].(bool); ok {
		c.PostProcess.WebP = webp
	}
	if noTar, ok := flags["no-tar"].(bool); ok && noTar {
		c.PostProcess.Tar = false
	}
	if keep, ok := flags["keep-sources"].(bool); ok && keep {
		c.PostProcess.RemoveSources = false
	}
	if attempts, ok := flags["max-retries"].(int); ok && attempts > 0 {
		c.Retry.MaxAttempts = attempts
	}
	if logLevel, ok := flags["log-level"].(string); ok && logLevel != "" {
		c.Logging.Level = logLevel
	}
	if logFile, ok := flags["log-file"].(string); ok && logFile != "" {
		c.Logging.File = logFile
	}
}

// Load loads configuration from all sources with proper precedence
// Precedence order: Command line flags > Environment variables > .env file > Config file > Defaults
func Load(configPath string, flags map[string]interface{}) (*Config, error) {
	// Try to load .env files (don't fail if they don't exist)
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join(os.Getenv("HOME"), ".mapillary-downloader.env"))

	config := DefaultConfig()

	if err := config.LoadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := config.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	config.MergeCommandLineFlags(flags)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}
