package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapillary-downloader/pkg/config"
)

func TestNew(t *testing.T) {
	t.Run("console only", func(t *testing.T) {
		l, err := New(&config.LoggingConfig{Level: "debug"})
		require.NoError(t, err)
		assert.NotNil(t, l)
	})

	t.Run("invalid level", func(t *testing.T) {
		_, err := New(&config.LoggingConfig{Level: "chatty"})
		assert.Error(t, err)
	})

	t.Run("file output", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "run.log")
		l, err := New(&config.LoggingConfig{Level: "info", File: path})
		require.NoError(t, err)

		l.WithField("image_id", "123").Info("written to file")

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"image_id":"123"`)
		assert.Contains(t, string(data), "written to file")
	})
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected zerolog.Level
		wantErr  bool
	}{
		{"debug", zerolog.DebugLevel, false},
		{"INFO", zerolog.InfoLevel, false},
		{"warning", zerolog.WarnLevel, false},
		{"error", zerolog.ErrorLevel, false},
		{"disabled", zerolog.Disabled, false},
		{"", zerolog.InfoLevel, true},
		{"verbose", zerolog.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			level, err := parseLogLevel(tt.level)
			assert.Equal(t, tt.wantErr, err != nil)
			assert.Equal(t, tt.expected, level)
		})
	}
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestStructuredOutput(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, zerolog.DebugLevel)

	l.WithField("sequence_id", "seq1").
		WithError(errors.New("disk full")).
		WarnWithFields("write failed", map[string]interface{}{
			"attempt": 3,
			"elapsed": 2 * time.Second,
		})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	entry := lines[0]
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "write failed", entry["message"])
	assert.Equal(t, "seq1", entry["sequence_id"])
	assert.Equal(t, "disk full", entry["error"])
	assert.Equal(t, float64(3), entry["attempt"])
	assert.Equal(t, "mapillary-downloader", entry["app"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, zerolog.WarnLevel)

	l.Debug("hidden")
	l.Info("hidden too")
	l.Warn("shown")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "shown", lines[0]["message"])
}

func TestWithFieldsDoesNotLeak(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter(&buf, zerolog.InfoLevel)

	base.WithFields(map[string]interface{}{"worker": 1}).Info("child")
	base.Info("parent")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "worker")
	assert.NotContains(t, lines[1], "worker")
}

func TestGlobalLogger(t *testing.T) {
	tl := NewTestLogger()
	SetLogger(tl)
	defer SetLogger(nil)

	WithField("k", "v").Info("global")
	assert.True(t, tl.HasMessage("global"))
	assert.Same(t, tl, GetLogger())
}

func TestTestLogger(t *testing.T) {
	tl := NewTestLogger()

	tl.WithField("image_id", "9").WithError(errors.New("404")).Warn("Image failed")
	tl.ErrorWithFields("boom", map[string]interface{}{"code": 500})

	msgs := tl.GetMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "WARN", msgs[0].Level)
	assert.Equal(t, "9", msgs[0].Fields["image_id"])
	assert.EqualError(t, msgs[0].Error, "404")
	assert.Equal(t, 500, msgs[1].Fields["code"])
	assert.True(t, tl.HasError())
	assert.Contains(t, tl.String(), "[ERROR] boom")

	tl.Clear()
	assert.Empty(t, tl.GetMessages())
}

func TestHelpers(t *testing.T) {
	tl := NewTestLogger()

	LogRequest(tl, "GET", "https://example.test/images", 503, 40*time.Millisecond)
	LogImage(tl, "1", "s", errors.New("gone"))
	LogImage(tl, "2", "s", nil)

	warns := tl.GetMessagesByLevel("WARN")
	require.Len(t, warns, 2)
	assert.Equal(t, "HTTP request server error", warns[0].Message)
	assert.Equal(t, "Image failed", warns[1].Message)
	assert.True(t, tl.HasMessage("Image downloaded"))
}
