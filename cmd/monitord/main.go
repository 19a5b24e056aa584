// Command monitord 运行农业金融平台的监控核心：HTTP 写入与查询接口、周期性性能采集和告警推送。
package main

import (
	"context"
	"flag"
	"os"

	"github.com/wyfcoding/agrimonitor/analytics"
	"github.com/wyfcoding/agrimonitor/api"
	"github.com/wyfcoding/agrimonitor/app"
	"github.com/wyfcoding/agrimonitor/audit"
	"github.com/wyfcoding/agrimonitor/bootstrap"
	"github.com/wyfcoding/agrimonitor/breaker"
	"github.com/wyfcoding/agrimonitor/config"
	"github.com/wyfcoding/agrimonitor/eventbus"
	"github.com/wyfcoding/agrimonitor/health"
	"github.com/wyfcoding/agrimonitor/idgen"
	"github.com/wyfcoding/agrimonitor/limiter"
	"github.com/wyfcoding/agrimonitor/logging"
	"github.com/wyfcoding/agrimonitor/metrics"
	"github.com/wyfcoding/agrimonitor/monitor"
	"github.com/wyfcoding/agrimonitor/notification"
	"github.com/wyfcoding/agrimonitor/probe"
	"github.com/wyfcoding/agrimonitor/redis"
	"github.com/wyfcoding/agrimonitor/retry"
	"github.com/wyfcoding/agrimonitor/scheduler"
	"github.com/wyfcoding/agrimonitor/server"
	"github.com/wyfcoding/agrimonitor/store"
	"github.com/wyfcoding/agrimonitor/types/monitoring"
	"github.com/wyfcoding/agrimonitor/worker"
	"golang.org/x/time/rate"
)

const serviceName = "agrimonitor"

func main() {
	configPath := flag.String("config", "", "path to config file (toml)")
	flag.Parse()

	cfg, logger, err := bootstrap.Initialize(serviceName, *configPath)
	if err != nil {
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("monitord exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx := context.Background()
	config.PrintWithMask(cfg)

	m := metrics.NewMetrics(cfg.Server.Name)
	m.RegisterBuildInfo(cfg.Server.Name, cfg.Version)

	var opts []app.Option
	registry := health.NewRegistry(0)

	client, closeRedis, err := redis.NewClient(&cfg.Redis, logger, m)
	if err != nil {
		return err
	}
	opts = append(opts, app.WithCleanup(closeRedis))
	registry.Register("redis", health.RedisChecker(client))

	cb := breaker.NewBreaker(breaker.Settings{Name: "store", Config: cfg.CircuitBreaker}, m)
	kv := store.NewGuardedStore(store.NewRedisStore(client), cb)
	series := store.NewGuardedSeriesStore(store.NewRedisSeriesStore(client, cfg.Redis.SeriesRetention, idgen.Default()), cb)

	bus := eventbus.NewLocalBus(logger, eventbus.WithFailureCounter(m.BusHandlerFailures))
	writers := []audit.Writer{audit.NewLoggerWriter(logger), audit.NewEventBusWriter(bus)}
	backends := monitor.Backends{KV: kv, Series: series, Bus: bus, Metrics: m, IDs: idgen.Default()}

	if cfg.ClickHouse.Enabled {
		conn, err := analytics.OpenClickHouse(ctx, cfg.ClickHouse)
		if err != nil {
			return err
		}
		opts = append(opts, app.WithCleanup(func() {
			if err := conn.Close(); err != nil {
				logger.Error("failed to close clickhouse", "error", err)
			}
		}))
		backends.Sink = analytics.NewClickHouseSink(conn, "", logger)
		writers = append(writers, analytics.NewAuditWriter(conn, ""))
		registry.Register("clickhouse", health.ClickHouseChecker(conn))
	}
	backends.Audit = audit.NewFanoutWriter(writers...)

	if cfg.Kafka.Enabled {
		forwarder := eventbus.NewKafkaForwarder(eventbus.NewKafkaWriter(cfg.Kafka), logger)
		forwarder.Attach(bus, cfg.Kafka.Events...)
		opts = append(opts, app.WithCleanup(func() {
			if err := forwarder.Close(); err != nil {
				logger.Error("failed to close kafka writer", "error", err)
			}
		}))
		registry.Register("kafka", health.KafkaChecker(cfg.Kafka.Brokers, nil))
	}

	if cfg.Notification.Enabled && len(cfg.Notification.Webhooks) > 0 {
		pool := worker.NewPool(
			worker.WithName("notification"),
			worker.WithSize(cfg.Notification.Workers),
			worker.WithQueueSize(cfg.Notification.QueueSize),
			worker.WithMetrics(m),
			worker.WithLogger(logger),
		)
		notifier := notification.NewWebhookNotifier(cfg.Notification, logger, notification.WithPool(pool))
		notifier.Attach(bus, cfg.Notification.Events...)
		opts = append(opts, app.WithCleanup(func() {
			pool.Stop()
			_ = notifier.Close()
		}))
	}

	svc, err := monitor.Build(backends, monitor.Hooks{}, cfg.Monitoring, logger)
	if err != nil {
		return err
	}

	hub := server.NewAlertHub(logger)
	hub.Attach(bus,
		monitoring.EventSecurityAlert,
		monitoring.EventPerformanceAlert,
		monitoring.EventComplianceAlert,
		audit.DefaultEventName,
	)

	sched, err := newScheduler(cfg.Scheduler, svc, series, m, logger)
	if err != nil {
		return err
	}

	var lim limiter.Limiter
	if cfg.RateLimit.Enabled {
		lim = limiter.NewLocalLimiter(rate.Limit(cfg.RateLimit.Rate), cfg.RateLimit.Burst)
	}
	routerOpts := api.RouterOptions{
		Handler: api.NewHandler(svc, registry, logger),
		Server:  cfg.Server,
		Limiter: lim,
		Alerts:  hub,
		IDs:     idgen.Default(),
		Logger:  logger,
	}
	if cfg.Metrics.Enabled {
		routerOpts.Metrics = m
		routerOpts.MetricsPath = cfg.Metrics.Path
	}
	engine := api.NewRouter(routerOpts)

	opts = append(opts,
		app.WithServer(server.NewGinServer(engine, cfg.Server.Addr, cfg.Server.ShutdownTimeout, logger)),
		app.WithHook(app.Hook{
			Name:    "alert_hub",
			OnStart: func(ctx context.Context) error { go hub.Run(ctx); return nil },
		}),
		app.WithHook(app.Hook{
			Name:    "scheduler",
			OnStart: func(ctx context.Context) error { sched.Start(ctx); return nil },
			OnStop:  sched.Stop,
		}),
	)
	return app.New(cfg.Server.Name, logger, opts...).Run()
}

func newScheduler(cfg config.SchedulerConfig, svc *monitor.Service, series store.MetricValueStore, m *metrics.Metrics, logger *logging.Logger) (*scheduler.Scheduler, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	hostProbe := probe.NewHostProbe(series, host, logger)

	sched := scheduler.New(logger, m)
	if err := sched.AddJob(scheduler.JobConfig{
		Name:       "host_probe",
		Spec:       cfg.HostProbeSpec,
		Interval:   cfg.HostProbeInterval,
		Timeout:    cfg.JobTimeout,
		RunOnStart: true,
	}, hostProbe.Sample); err != nil {
		return nil, err
	}
	if err := sched.AddJob(scheduler.JobConfig{
		Name:     "collect_performance",
		Spec:     cfg.PerformanceSpec,
		Interval: cfg.PerformanceInterval,
		Timeout:  cfg.JobTimeout,
		Retry:    retry.DefaultConfig(),
	}, func(ctx context.Context) error {
		_, err := svc.CollectPerformanceMetrics(ctx)
		return err
	}); err != nil {
		return nil, err
	}
	return sched, nil
}
