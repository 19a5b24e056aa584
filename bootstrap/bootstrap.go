// Package bootstrap 负责进程启动时的公共初始化：加载配置、初始化日志与全局 ID 生成器。
package bootstrap

import (
	"github.com/wyfcoding/agrimonitor/config"
	"github.com/wyfcoding/agrimonitor/idgen"
	"github.com/wyfcoding/agrimonitor/logging"
)

// Initialize 加载配置文件并据此初始化日志与雪花 ID。
// path 为空时使用默认配置；配置热更新时同步日志级别。
func Initialize(service, path string) (*config.Config, *logging.Logger, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		if err := config.Load(path, cfg); err != nil {
			logging.NewLogger(service, "bootstrap").Error("failed to load config", "path", path, "error", err)
			return nil, nil, err
		}
	}

	logging.InitLogger(logging.Config{
		Service:    service,
		Module:     "main",
		Level:      cfg.Log.Level,
		Output:     cfg.Log.Output,
		File:       cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
	logger := logging.Default()

	if err := idgen.Init(cfg.Snowflake); err != nil {
		logger.Error("failed to init id generator", "error", err)
		return nil, nil, err
	}

	config.RegisterReloadHook(func(c *config.Config) {
		logger.Info("config reloaded", "log_level", c.Log.Level)
	})
	return cfg, logger, nil
}
