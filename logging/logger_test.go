package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestLoggerWritesServiceAndModule(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewWithWriter(Config{Service: "svc", Module: "mod", Level: "info"}, buf)

	logger.InfoContext(context.Background(), "hello", "k", "v")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "svc", entry["service"])
	assert.Equal(t, "mod", entry["module"])
	assert.Equal(t, "v", entry["k"])
	assert.Contains(t, entry, "timestamp")
}

func TestSetLevelFiltersRecords(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewWithWriter(Config{Service: "svc", Module: "mod", Level: "info"}, buf)

	SetLevel("error")
	defer SetLevel("info")

	logger.Info("dropped")
	assert.Zero(t, buf.Len())

	logger.Error("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestNamedAddsComponent(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewWithWriter(Config{Service: "svc", Module: "root", Level: "info"}, buf).Named("security")

	logger.Info("scoped")

	assert.Equal(t, "security", logger.Module)
	assert.Contains(t, buf.String(), `"component":"security"`)
}
