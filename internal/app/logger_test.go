package app

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLoggerJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&Config{LogFormat: "json", LogLevel: "warn"}, &buf)

	logger.Info("dropped")
	require.Zero(t, buf.Len())

	logger.Warn("kept")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "kept", entry["msg"])
	require.Equal(t, "WARN", entry["level"])
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	require.Equal(t, "INFO", parseLevel(nil).String())
	require.Equal(t, "DEBUG", parseLevel(&Config{LogLevel: "DEBUG"}).String())
	require.Equal(t, "INFO", parseLevel(&Config{LogLevel: "verbose"}).String())
}
