package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"mapillary-downloader/pkg/models"
)

// isolate keeps the user's own config and environment out of the test
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	for _, key := range []string{EnvToken, EnvOutput, EnvWorkers, EnvQuality, EnvLogLevel} {
		t.Setenv(key, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "https://graph.mapillary.com", cfg.Mapillary.BaseURL)
	assert.Equal(t, 2000, cfg.Mapillary.PageLimit)
	assert.Equal(t, 60*time.Second, cfg.Mapillary.RequestTimeout)

	assert.Equal(t, "./mapillary_data", cfg.Download.Output)
	assert.Equal(t, "original", cfg.Download.Quality)
	assert.Equal(t, runtime.NumCPU(), cfg.Download.Workers)
	assert.True(t, cfg.Download.WriteMetadataLog)

	assert.Equal(t, 10, cfg.Retry.MaxAttempts)
	assert.Equal(t, 1*time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 60*time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, 2.0, cfg.Retry.Multiplier)

	assert.True(t, cfg.PostProcess.Tar)
	assert.False(t, cfg.PostProcess.WebP)
	assert.True(t, cfg.PostProcess.RemoveSources)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	isolate(t)
	t.Setenv(EnvToken, "MLY|env")
	t.Setenv(EnvOutput, "/env/output")
	t.Setenv(EnvWorkers, "5")
	t.Setenv(EnvQuality, "1024")
	t.Setenv(EnvLogLevel, "debug")

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, "MLY|env", cfg.Mapillary.Token)
	assert.Equal(t, "/env/output", cfg.Download.Output)
	assert.Equal(t, 5, cfg.Download.Workers)
	assert.Equal(t, "1024", cfg.Download.Quality)
	assert.Equal(t, "debug", cfg.Logging.Level)

	t.Run("bad worker count", func(t *testing.T) {
		t.Setenv(EnvWorkers, "many")
		assert.Error(t, DefaultConfig().LoadFromEnv())
	})
}

func TestLoadFromFile(t *testing.T) {
	t.Run("valid yaml file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		content := `
mapillary:
  username: alice
  request_timeout: 30s
download:
  output: /data/mly
  quality: "2048"
  bbox: "-1,51,1,52"
retry:
  max_attempts: 4
  base_delay: 500ms
post_process:
  webp: true
  tar: false
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		cfg := DefaultConfig()
		require.NoError(t, cfg.LoadFromFile(path))

		assert.Equal(t, "alice", cfg.Mapillary.Username)
		assert.Equal(t, 30*time.Second, cfg.Mapillary.RequestTimeout)
		assert.Equal(t, "/data/mly", cfg.Download.Output)
		assert.Equal(t, models.Quality2048, cfg.Quality())
		assert.Equal(t, &models.BBox{West: -1, South: 51, East: 1, North: 52}, cfg.BBox())
		assert.Equal(t, 4, cfg.Retry.MaxAttempts)
		assert.Equal(t, 500*time.Millisecond, cfg.Retry.BaseDelay)
		assert.True(t, cfg.PostProcess.WebP)
		assert.False(t, cfg.PostProcess.Tar)

		// untouched keys keep their defaults
		assert.Equal(t, 2000, cfg.Mapillary.PageLimit)
	})

	t.Run("missing file", func(t *testing.T) {
		err := DefaultConfig().LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("download: [unclosed"), 0644))
		err := DefaultConfig().LoadFromFile(path)
		assert.ErrorContains(t, err, "failed to parse config file")
	})

	t.Run("no file anywhere", func(t *testing.T) {
		isolate(t)
		assert.NoError(t, DefaultConfig().LoadFromFile(""))
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad quality", func(c *Config) { c.Download.Quality = "4k" }, "invalid quality"},
		{"bad bbox", func(c *Config) { c.Download.BBox = "1,2,3" }, "invalid bbox"},
		{"zero workers", func(c *Config) { c.Download.Workers = 0 }, "workers must be positive"},
		{"empty output", func(c *Config) { c.Download.Output = "" }, "output directory is required"},
		{"page limit too large", func(c *Config) { c.Mapillary.PageLimit = 5000 }, "page limit"},
		{"no retries", func(c *Config) { c.Retry.MaxAttempts = 0 }, "max attempts"},
		{"shrinking backoff", func(c *Config) { c.Retry.Multiplier = 0.5 }, "multiplier"},
		{"burst without rate", func(c *Config) { c.RateLimit.Burst = 0 }, "burst"},
		{"unknown log level", func(c *Config) { c.Logging.Level = "loud" }, "invalid log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}

	t.Run("reports every problem", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Download.Workers = -1
		cfg.Logging.Level = "nope"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "workers")
		assert.Contains(t, err.Error(), "log level")
	})
}

func TestSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Mapillary.Username = "bob"
	cfg.Download.Workers = 3
	require.NoError(t, cfg.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded := DefaultConfig()
	require.NoError(t, loaded.LoadFromFile(path))
	assert.Equal(t, "bob", loaded.Mapillary.Username)
	assert.Equal(t, 3, loaded.Download.Workers)
}

func TestMergeCommandLineFlags(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MergeCommandLineFlags(map[string]interface{}{
		"token":        "MLY|flag",
		"username":     "carol",
		"output":       "/flag/out",
		"quality":      "256",
		"bbox":         "0,0,1,1",
		"workers":      7,
		"webp":         true,
		"no-tar":       true,
		"keep-sources": true,
		"reset-state":  true,
		"log-level":    "warn",
	})

	assert.Equal(t, "MLY|flag", cfg.Mapillary.Token)
	assert.Equal(t, "carol", cfg.Mapillary.Username)
	assert.Equal(t, "/flag/out", cfg.Download.Output)
	assert.Equal(t, "256", cfg.Download.Quality)
	assert.Equal(t, "0,0,1,1", cfg.Download.BBox)
	assert.Equal(t, 7, cfg.Download.Workers)
	assert.True(t, cfg.PostProcess.WebP)
	assert.False(t, cfg.PostProcess.Tar)
	assert.False(t, cfg.PostProcess.RemoveSources)
	assert.True(t, cfg.Download.ResetState)
	assert.Equal(t, "warn", cfg.Logging.Level)

	t.Run("zero values and wrong types are ignored", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MergeCommandLineFlags(map[string]interface{}{
			"output":  "",
			"workers": "lots",
			"no-tar":  false,
		})
		assert.Equal(t, DefaultConfig().Download.Output, cfg.Download.Output)
		assert.Equal(t, runtime.NumCPU(), cfg.Download.Workers)
		assert.True(t, cfg.PostProcess.Tar)
	})
}

func TestLoad(t *testing.T) {
	t.Run("precedence order", func(t *testing.T) {
		isolate(t)
		path := filepath.Join(t.TempDir(), "config.yaml")
		content := `
mapillary:
  token: file_token
  username: file_user
download:
  output: /file/output
  quality: "1024"
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		t.Setenv(EnvToken, "env_token")
		t.Setenv(EnvOutput, "/env/output")

		cfg, err := Load(path, map[string]interface{}{"token": "flag_token"})
		require.NoError(t, err)

		assert.Equal(t, "flag_token", cfg.Mapillary.Token)
		assert.Equal(t, "/env/output", cfg.Download.Output)
		assert.Equal(t, "file_user", cfg.Mapillary.Username)
		assert.Equal(t, "1024", cfg.Download.Quality)
	})

	t.Run("validation failure", func(t *testing.T) {
		isolate(t)
		cfg, err := Load("", map[string]interface{}{"quality": "huge"})
		assert.ErrorContains(t, err, "configuration validation failed")
		assert.Nil(t, cfg)
	})
}

func TestYAMLKeys(t *testing.T) {
	data, err := yaml.Marshal(DefaultConfig())
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, yaml.Unmarshal(data, &raw))
	for _, key := range []string{"mapillary", "download", "retry", "rate_limit", "post_process", "logging"} {
		assert.Contains(t, raw, key)
	}
	assert.NotContains(t, raw["download"], "resetstate")
}
