// Package app 管理监控进程的生命周期：启动后台组件与服务器，收到退出信号后逆序停止并执行清理。
package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wyfcoding/agrimonitor/logging"
	"github.com/wyfcoding/agrimonitor/server"
)

const defaultShutdownTimeout = 10 * time.Second

// App 应用程序容器.
type App struct {
	name      string
	logger    *logging.Logger
	opts      options
	lifecycle *Lifecycle
}

// New 创建一个新的应用程序实例。
func New(name string, logger *logging.Logger, opts ...Option) *App {
	o := options{shutdownTimeout: defaultShutdownTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.Named("app")

	lc := NewLifecycle(logger)
	for _, h := range o.hooks {
		lc.Append(h)
	}
	return &App{name: name, logger: logger, opts: o, lifecycle: lc}
}

// Run 阻塞运行直到收到 SIGINT/SIGTERM.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx)
}

// RunContext 阻塞运行直到 ctx 取消或任一服务器异常退出.
func (a *App) RunContext(ctx context.Context) error {
	a.logger.Info("application starting", "name", a.name, "pid", os.Getpid())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.lifecycle.Start(ctx); err != nil {
		cancel()
		return errors.Join(err, a.shutdown())
	}

	errCh := make(chan error, len(a.opts.servers))
	for _, srv := range a.opts.servers {
		go func(s server.Server) {
			if err := s.Start(ctx); err != nil {
				errCh <- err
			}
		}(srv)
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down application", "name", a.name)
	case runErr = <-errCh:
		a.logger.Error("server failed", "error", runErr)
	}
	cancel()

	return errors.Join(runErr, a.shutdown())
}

func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.shutdownTimeout)
	defer cancel()

	var errs []error
	for _, srv := range a.opts.servers {
		if err := srv.Stop(ctx); err != nil {
			a.logger.Error("server failed to stop", "error", err)
			errs = append(errs, err)
		}
	}
	if err := a.lifecycle.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	for i := len(a.opts.cleanups) - 1; i >= 0; i-- {
		a.opts.cleanups[i]()
	}

	if len(errs) == 0 {
		a.logger.Info("application shut down gracefully")
	}
	return errors.Join(errs...)
}
