package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]zapcore.Level{
		"":      zapcore.InfoLevel,
		"debug": zapcore.DebugLevel,
		"WARN":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	out := filepath.Join(t.TempDir(), "log.json")
	logger, err := New(Config{Level: "warn", OutputPaths: []string{out}})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	_, err = New(Config{Level: "nope"})
	assert.Error(t, err)

	assert.NotNil(t, NewDefault())
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("", false)
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)
	f, err = ParseFormat("", true)
	require.NoError(t, err)
	assert.Equal(t, FormatConsole, f)
	f, err = ParseFormat(FormatJSON, true)
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	_, err = ParseFormat("xml", false)
	assert.ErrorContains(t, err, "xml")
	_, err = New(Config{Format: "xml"})
	assert.Error(t, err)
}

func TestJSONEncoding(t *testing.T) {
	out := filepath.Join(t.TempDir(), "log.json")
	logger, err := New(Config{Level: "info", OutputPaths: []string{out}})
	require.NoError(t, err)
	logger.Info("frame late", zap.Duration("age", 1500*time.Microsecond))
	require.NoError(t, logger.Sync())

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "frame late", entry["msg"])
	assert.Equal(t, "1.5ms", entry["age"])
	ts, ok := entry["time"].(string)
	require.True(t, ok, "time key present")
	_, err = time.Parse(time.RFC3339Nano, ts)
	assert.NoError(t, err)
}

func TestDevelopmentConsole(t *testing.T) {
	out := filepath.Join(t.TempDir(), "log.txt")
	logger, err := New(Config{Level: "debug", Development: true, OutputPaths: []string{out}})
	require.NoError(t, err)
	logger.Debug("attached", zap.String("stream", "cam"))
	require.NoError(t, logger.Sync())

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	line := string(raw)
	assert.Contains(t, line, "attached")
	assert.Contains(t, line, `{"stream": "cam"}`)
	assert.False(t, json.Valid([]byte(strings.TrimSpace(line))))
}
