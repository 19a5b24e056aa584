package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
version = "1.2.0"

[server]
name = "agrimonitor"
addr = ":9090"

[redis]
addr = "redis:6379"
password = "s3cret"

[monitoring]
suspicious_event_threshold = 50
enhanced_monitoring_ttl = "2h"
regulated_activities = ["LAND_TITLE_TRANSFER", "CROSS_BORDER_PAYMENT"]

[[monitoring.malicious_patterns]]
name = "drain"
expression = "eventType == 'DRAIN'"
`

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleTOML), 0o600))

	cfg := DefaultConfig()
	require.NoError(t, Load(path, cfg))

	assert.Equal(t, "1.2.0", cfg.Version)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, int64(50), cfg.Monitoring.SuspiciousEventThreshold)
	assert.Equal(t, 2*time.Hour, cfg.Monitoring.EnhancedMonitoringTTL)
	assert.Equal(t, []string{"LAND_TITLE_TRANSFER", "CROSS_BORDER_PAYMENT"}, cfg.Monitoring.RegulatedActivities)
	require.Len(t, cfg.Monitoring.MaliciousPatterns, 1)
	assert.Equal(t, "drain", cfg.Monitoring.MaliciousPatterns[0].Name)

	// 未出现在文件中的字段保留默认值
	assert.Equal(t, 80.0, cfg.Monitoring.CPUAlertThreshold)
	assert.Equal(t, 90.0, cfg.Monitoring.MemoryAlertThreshold)
	assert.Equal(t, int64(10), cfg.Monitoring.RecentIncidentLimit)
}

func TestDefaultMonitoringConfig(t *testing.T) {
	cfg := DefaultMonitoringConfig()

	assert.Equal(t, int64(100), cfg.SuspiciousEventThreshold)
	assert.Equal(t, 80.0, cfg.SystemLoadThreshold)
	assert.Equal(t, time.Hour, cfg.EnhancedMonitoringTTL)
	assert.Equal(t, 24*time.Hour, cfg.SummaryWindow)
	assert.Equal(t, time.Hour, cfg.SummaryStep)
	assert.Zero(t, cfg.RecentEventLimit)
}

func TestMaskedJSONHidesSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Redis.Password = "s3cret"
	cfg.ClickHouse.Password = "hunter2"

	out, err := MaskedJSON(cfg)
	require.NoError(t, err)

	assert.NotContains(t, out, "s3cret")
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "******")
}
