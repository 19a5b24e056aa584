package bootstrap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeDefaults(t *testing.T) {
	cfg, logger, err := Initialize("agrimonitor", "")
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, float64(80), cfg.Monitoring.CPUAlertThreshold)
}

func TestInitializeFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
name = "agrimonitor"
addr = ":9090"

[monitoring]
suspicious_event_threshold = 5
cpu_alert_threshold = 70.5
`), 0o600))

	cfg, _, err := Initialize("agrimonitor", path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, int64(5), cfg.Monitoring.SuspiciousEventThreshold)
	assert.Equal(t, 70.5, cfg.Monitoring.CPUAlertThreshold)
	// 未配置的字段保留默认值
	assert.Equal(t, float64(90), cfg.Monitoring.MemoryAlertThreshold)
}

func TestInitializeMissingFile(t *testing.T) {
	_, _, err := Initialize("agrimonitor", filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
