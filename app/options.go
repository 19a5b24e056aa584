package app

import (
	"time"

	"github.com/wyfcoding/agrimonitor/server"
)

// Option 配置应用程序选项。
type Option func(*options)

type options struct {
	servers         []server.Server
	hooks           []Hook
	cleanups        []func()
	shutdownTimeout time.Duration
}

// WithServer 注册随应用启动、关闭的服务器.
func WithServer(servers ...server.Server) Option {
	return func(o *options) {
		o.servers = append(o.servers, servers...)
	}
}

// WithHook 注册后台组件的生命周期钩子，按注册顺序启动、逆序停止.
func WithHook(hook Hook) Option {
	return func(o *options) {
		o.hooks = append(o.hooks, hook)
	}
}

// WithCleanup 注册关闭时执行的清理函数（如关闭 Redis 连接、Kafka writer），按注册的逆序执行.
func WithCleanup(cleanup func()) Option {
	return func(o *options) {
		o.cleanups = append(o.cleanups, cleanup)
	}
}

// WithShutdownTimeout 设置关闭阶段的总超时.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		o.shutdownTimeout = d
	}
}
