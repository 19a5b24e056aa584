// Package config 提供了统一的配置加载与管理能力.
// 支持 TOML 文件、APP_ 前缀环境变量覆盖、结构校验与热更新回调。
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/wyfcoding/agrimonitor/logging"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config 全局顶级配置结构.
type Config struct {
	Version        string               `mapstructure:"version"        toml:"version"`
	Server         ServerConfig         `mapstructure:"server"         toml:"server"`
	Log            LogConfig            `mapstructure:"log"            toml:"log"`
	Redis          RedisConfig          `mapstructure:"redis"          toml:"redis"`
	Metrics        MetricsConfig        `mapstructure:"metrics"        toml:"metrics"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuitbreaker" toml:"circuitbreaker"`
	Snowflake      SnowflakeConfig      `mapstructure:"snowflake"      toml:"snowflake"`
	Kafka          KafkaConfig          `mapstructure:"kafka"          toml:"kafka"`
	ClickHouse     ClickHouseConfig     `mapstructure:"clickhouse"     toml:"clickhouse"`
	RateLimit      RateLimitConfig      `mapstructure:"ratelimit"      toml:"ratelimit"`
	Scheduler      SchedulerConfig      `mapstructure:"scheduler"      toml:"scheduler"`
	Notification   NotificationConfig   `mapstructure:"notification"   toml:"notification"`
	Monitoring     MonitoringConfig     `mapstructure:"monitoring"     toml:"monitoring"`
}

// ServerConfig 宿主 HTTP 服务配置.
type ServerConfig struct {
	Name string `mapstructure:"name" toml:"name" validate:"required"`
	Addr string `mapstructure:"addr" toml:"addr" validate:"required"`
	Mode string `mapstructure:"mode" toml:"mode"`
	// RequestTimeout 单个请求的处理超时，0 表示不限制。
	RequestTimeout time.Duration `mapstructure:"request_timeout" toml:"request_timeout"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"  toml:"max_body_bytes"`
	// DenyCIDRs 静态拒绝的来源网段，另有安全监控器写入的动态封禁.
	DenyCIDRs       []string      `mapstructure:"deny_cidrs"       toml:"deny_cidrs"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" toml:"shutdown_timeout"`
}

// LogConfig 定义日志输出、级别与切割策略.
type LogConfig struct {
	Level      string `mapstructure:"level"       toml:"level"`
	Output     string `mapstructure:"output"      toml:"output"`
	File       string `mapstructure:"file"        toml:"file"`
	MaxSize    int    `mapstructure:"max_size"    toml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"     toml:"max_age"`
	Compress   bool   `mapstructure:"compress"    toml:"compress"`
}

// RedisConfig 定义 Redis 连接与池化参数.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"           toml:"addr"`
	Password     string        `mapstructure:"password"       toml:"password"`
	DB           int           `mapstructure:"db"             toml:"db"`
	PoolSize     int           `mapstructure:"pool_size"      toml:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns" toml:"min_idle_conns"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"   toml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"  toml:"write_timeout"`
	// SeriesRetention 指标时序在 Redis 中的保留时长，0 表示不裁剪。
	SeriesRetention time.Duration `mapstructure:"series_retention" toml:"series_retention"`
}

// MetricsConfig 普罗米修斯监控指标暴露配置.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" toml:"enabled"`
	Path    string `mapstructure:"path"    toml:"path"`
}

// CircuitBreakerConfig 存储客户端熔断参数.
type CircuitBreakerConfig struct {
	Enabled     bool          `mapstructure:"enabled"      toml:"enabled"`
	MaxRequests uint32        `mapstructure:"max_requests" toml:"max_requests"`
	Interval    time.Duration `mapstructure:"interval"     toml:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"      toml:"timeout"`
}

// SnowflakeConfig 雪花 ID 配置.
type SnowflakeConfig struct {
	StartTime string `mapstructure:"start_time" toml:"start_time"`
	MachineID int64  `mapstructure:"machine_id" toml:"machine_id" validate:"gte=0,lte=1023"`
}

// KafkaConfig 告警转发到 Kafka 的配置.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled" toml:"enabled"`
	Brokers []string `mapstructure:"brokers" toml:"brokers"`
	Topic   string   `mapstructure:"topic"   toml:"topic"`
	// Events 需要转发的总线事件名。
	Events       []string      `mapstructure:"events"        toml:"events"`
	Async        bool          `mapstructure:"async"         toml:"async"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" toml:"write_timeout"`
}

// ClickHouseConfig 分析事件写入 ClickHouse 的配置.
type ClickHouseConfig struct {
	Enabled  bool          `mapstructure:"enabled"  toml:"enabled"`
	Addrs    []string      `mapstructure:"addrs"    toml:"addrs"`
	Database string        `mapstructure:"database" toml:"database"`
	Username string        `mapstructure:"username" toml:"username"`
	Password string        `mapstructure:"password" toml:"password"`
	Timeout  time.Duration `mapstructure:"timeout"  toml:"timeout"`
}

// RateLimitConfig 写入类接口的令牌桶限流参数.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled" toml:"enabled"`
	Rate    float64 `mapstructure:"rate"    toml:"rate"`
	Burst   int     `mapstructure:"burst"   toml:"burst"`
}

// SchedulerConfig 周期任务配置，Spec 优先于 Interval.
type SchedulerConfig struct {
	PerformanceSpec     string        `mapstructure:"performance_spec"     toml:"performance_spec"`
	PerformanceInterval time.Duration `mapstructure:"performance_interval" toml:"performance_interval"`
	HostProbeSpec       string        `mapstructure:"host_probe_spec"      toml:"host_probe_spec"`
	HostProbeInterval   time.Duration `mapstructure:"host_probe_interval"  toml:"host_probe_interval"`
	JobTimeout          time.Duration `mapstructure:"job_timeout"          toml:"job_timeout"`
}

// NotificationConfig 告警 Webhook 推送配置.
type NotificationConfig struct {
	Enabled    bool          `mapstructure:"enabled"     toml:"enabled"`
	Webhooks   []string      `mapstructure:"webhooks"    toml:"webhooks"`
	Events     []string      `mapstructure:"events"      toml:"events"`
	Timeout    time.Duration `mapstructure:"timeout"     toml:"timeout"`
	UserAgent  string        `mapstructure:"user_agent"  toml:"user_agent"`
	MaxRetries int           `mapstructure:"max_retries" toml:"max_retries"`
	Workers    int           `mapstructure:"workers"     toml:"workers"`
	QueueSize  int           `mapstructure:"queue_size"  toml:"queue_size"`
}

// PatternConfig 描述一条恶意事件模式：字段等值匹配或 expr 表达式，二者同时配置时须同时满足。
type PatternConfig struct {
	Name       string         `mapstructure:"name"       toml:"name" validate:"required"`
	Fields     map[string]any `mapstructure:"fields"     toml:"fields"`
	Expression string         `mapstructure:"expression" toml:"expression"`
}

// MonitoringConfig 监控核心的阈值与窗口.
type MonitoringConfig struct {
	SuspiciousEventThreshold int64           `mapstructure:"suspicious_event_threshold" toml:"suspicious_event_threshold" validate:"gte=0"`
	SystemLoadThreshold      float64         `mapstructure:"system_load_threshold"      toml:"system_load_threshold"`
	CPUAlertThreshold        float64         `mapstructure:"cpu_alert_threshold"        toml:"cpu_alert_threshold"`
	MemoryAlertThreshold     float64         `mapstructure:"memory_alert_threshold"     toml:"memory_alert_threshold"`
	EnhancedMonitoringTTL    time.Duration   `mapstructure:"enhanced_monitoring_ttl"    toml:"enhanced_monitoring_ttl"`
	AlertRetention           time.Duration   `mapstructure:"alert_retention"            toml:"alert_retention"`
	SummaryWindow            time.Duration   `mapstructure:"summary_window"             toml:"summary_window"`
	SummaryStep              time.Duration   `mapstructure:"summary_step"               toml:"summary_step"`
	RecentIncidentLimit      int64           `mapstructure:"recent_incident_limit"      toml:"recent_incident_limit" validate:"gte=0"`
	RecentEventLimit         int             `mapstructure:"recent_event_limit"         toml:"recent_event_limit" validate:"gte=0"`
	RegulatedActivities      []string        `mapstructure:"regulated_activities"       toml:"regulated_activities"`
	MaliciousPatterns        []PatternConfig `mapstructure:"malicious_patterns"         toml:"malicious_patterns" validate:"dive"`
}

// DefaultMonitoringConfig 返回监控核心的默认阈值.
func DefaultMonitoringConfig() MonitoringConfig {
	return MonitoringConfig{
		SuspiciousEventThreshold: 100,
		SystemLoadThreshold:      80,
		CPUAlertThreshold:        80,
		MemoryAlertThreshold:     90,
		EnhancedMonitoringTTL:    time.Hour,
		AlertRetention:           24 * time.Hour,
		SummaryWindow:            24 * time.Hour,
		SummaryStep:              time.Hour,
		RecentIncidentLimit:      10,
	}
}

// DefaultConfig 返回可直接运行的默认配置.
func DefaultConfig() *Config {
	return &Config{
		Version: "dev",
		Server: ServerConfig{
			Name:            "agrimonitor",
			Addr:            ":8080",
			Mode:            "release",
			RequestTimeout:  10 * time.Second,
			MaxBodyBytes:    1 << 20,
			ShutdownTimeout: 5 * time.Second,
		},
		Log:     LogConfig{Level: "info", Output: "stdout"},
		Redis: RedisConfig{
			Addr:            "127.0.0.1:6379",
			PoolSize:        20,
			ReadTimeout:     3 * time.Second,
			WriteTimeout:    3 * time.Second,
			SeriesRetention: 7 * 24 * time.Hour,
		},
		Metrics:        MetricsConfig{Enabled: true, Path: "/metrics"},
		CircuitBreaker: CircuitBreakerConfig{Enabled: true, MaxRequests: 5, Interval: time.Minute, Timeout: 30 * time.Second},
		RateLimit:      RateLimitConfig{Enabled: true, Rate: 200, Burst: 400},
		Scheduler: SchedulerConfig{
			PerformanceInterval: 30 * time.Second,
			HostProbeInterval:   15 * time.Second,
			JobTimeout:          10 * time.Second,
		},
		Kafka:      KafkaConfig{Topic: "agrimonitor.alerts", Events: []string{"security_alert", "performance_alert", "compliance_alert"}},
		Notification: NotificationConfig{
			Events:     []string{"security_alert", "compliance_alert"},
			Timeout:    5 * time.Second,
			MaxRetries: 2,
			Workers:    2,
			QueueSize:  256,
		},
		Monitoring: DefaultMonitoringConfig(),
	}
}

var (
	vInstance = viper.New()
	reloadMu  sync.Mutex
	onReload  []func(*Config)
)

// RegisterReloadHook 注册配置热更新回调。
func RegisterReloadHook(hook func(*Config)) {
	if hook == nil {
		return
	}
	reloadMu.Lock()
	defer reloadMu.Unlock()
	onReload = append(onReload, hook)
}

// Load 从 TOML 文件加载配置到 conf，conf 中已有的值作为默认值。
func Load(path string, conf *Config) error {
	vInstance.SetConfigFile(path)
	vInstance.SetConfigType("toml")

	vInstance.SetEnvPrefix("APP")
	vInstance.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vInstance.AutomaticEnv()

	if err := vInstance.ReadInConfig(); err != nil {
		return fmt.Errorf("read config error: %w", err)
	}

	if err := vInstance.Unmarshal(conf); err != nil {
		return fmt.Errorf("unmarshal config error: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(conf); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	vInstance.OnConfigChange(func(event fsnotify.Event) {
		slog.Info("detecting config change", "file", event.Name)
		const debounceTimeout = 500 * time.Millisecond
		time.Sleep(debounceTimeout)

		next := *conf
		if err := vInstance.Unmarshal(&next); err != nil {
			slog.Error("reload config unmarshal failed", "error", err)
			return
		}
		if err := validate.Struct(&next); err != nil {
			slog.Error("reload config validation failed", "error", err)
			return
		}

		*conf = next
		logging.SetLevel(conf.Log.Level)
		slog.Info("config hot-reloaded and validated successfully")

		reloadMu.Lock()
		hooks := append([]func(*Config){}, onReload...)
		reloadMu.Unlock()
		for _, hook := range hooks {
			hook(conf)
		}
	})
	vInstance.WatchConfig()

	return nil
}

// PrintWithMask 脱敏打印当前配置.
func PrintWithMask(conf any) {
	masked, err := MaskedJSON(conf)
	if err != nil {
		slog.Error("failed to mask config for printing", "error", err)
		return
	}
	slog.Info("Current effective configuration", "config", masked)
}

// MaskedJSON 返回敏感字段被替换为 ****** 的配置 JSON.
func MaskedJSON(conf any) (string, error) {
	data, err := json.Marshal(conf)
	if err != nil {
		return "", err
	}

	var configMap map[string]any
	if err := json.Unmarshal(data, &configMap); err != nil {
		return "", err
	}

	mask(configMap)

	out, err := json.MarshalIndent(configMap, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func mask(configMap map[string]any) {
	sensitiveKeys := []string{"password", "secret", "dsn", "token"}

	for key, val := range configMap {
		if subMap, ok := val.(map[string]any); ok {
			mask(subMap)
			continue
		}

		if slice, ok := val.([]any); ok {
			for _, item := range slice {
				if itemMap, ok := item.(map[string]any); ok {
					mask(itemMap)
				}
			}
			continue
		}

		for _, sensitiveKey := range sensitiveKeys {
			if strings.Contains(strings.ToLower(key), sensitiveKey) {
				configMap[key] = "******"
				break
			}
		}
	}
}

// GetViper 返回底层的 Viper 实例.
func GetViper() *viper.Viper {
	return vInstance
}
