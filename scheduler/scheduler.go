// Package scheduler 运行周期性任务（性能采集、主机探测等），支持固定间隔与 cron 表达式。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/wyfcoding/agrimonitor/logging"
	"github.com/wyfcoding/agrimonitor/metrics"
	"github.com/wyfcoding/agrimonitor/retry"
)

var (
	// ErrJobNameEmpty 任务名称为空。
	ErrJobNameEmpty = errors.New("job name is empty")
	// ErrJobScheduleInvalid 既没有合法的 cron 表达式也没有正的间隔。
	ErrJobScheduleInvalid = errors.New("job schedule is invalid")
	// ErrJobAlreadyExists 任务名称重复。
	ErrJobAlreadyExists = errors.New("job already exists")
	// ErrJobHandlerNil 任务处理函数为空。
	ErrJobHandlerNil = errors.New("job handler is nil")
)

// Job 定义定时任务函数原型。
type Job func(ctx context.Context) error

// JobConfig 定义任务调度参数。Spec 非空时优先于 Interval。
type JobConfig struct {
	Name            string        // 任务名称（唯一）。
	Spec            string        // 标准 5 段 cron 表达式，支持 @every 等描述符。
	Interval        time.Duration // 调度间隔。
	Timeout         time.Duration // 单次执行超时。
	Retry           retry.Config  // 重试策略配置。
	RunOnStart      bool          // 是否在启动时立即执行一次。
	AllowConcurrent bool          // 是否允许任务并发执行。
}

// Scheduler 负责任务的统一调度与生命周期管理。
type Scheduler struct {
	logger  *logging.Logger
	mu      sync.Mutex
	jobs    map[string]*jobRunner
	stop    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	metrics *schedulerMetrics
	now     func() time.Time
}

type jobRunner struct {
	cfg      JobConfig
	schedule cron.Schedule
	handler  Job
	running  atomic.Bool
}

type schedulerMetrics struct {
	jobRuns     *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	jobRunning  *prometheus.GaugeVec
}

// New 创建任务调度器，m 为空时不采集指标。
func New(logger *logging.Logger, m *metrics.Metrics) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}

	var schedMetrics *schedulerMetrics
	if m != nil {
		schedMetrics = &schedulerMetrics{
			jobRuns: m.NewCounterVec(&prometheus.CounterOpts{
				Namespace: "agrimonitor",
				Subsystem: "scheduler",
				Name:      "job_runs_total",
				Help:      "Total number of scheduled job runs",
			}, []string{"job", "status"}),
			jobDuration: m.NewHistogramVec(&prometheus.HistogramOpts{
				Namespace: "agrimonitor",
				Subsystem: "scheduler",
				Name:      "job_duration_seconds",
				Help:      "Scheduled job execution duration",
				Buckets:   prometheus.DefBuckets,
			}, []string{"job", "status"}),
			jobRunning: m.NewGaugeVec(&prometheus.GaugeOpts{
				Namespace: "agrimonitor",
				Subsystem: "scheduler",
				Name:      "job_running",
				Help:      "Current running jobs",
			}, []string{"job"}),
		}
	}

	return &Scheduler{
		logger:  logger.Named("scheduler"),
		jobs:    make(map[string]*jobRunner),
		stop:    make(chan struct{}),
		metrics: schedMetrics,
		now:     time.Now,
	}
}

// ParseSchedule 解析 cron 表达式，表达式为空时使用固定间隔。
func ParseSchedule(spec string, interval time.Duration) (cron.Schedule, error) {
	if spec != "" {
		s, err := cron.ParseStandard(spec)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrJobScheduleInvalid, err)
		}
		return s, nil
	}
	if interval <= 0 {
		return nil, ErrJobScheduleInvalid
	}
	return intervalSchedule(interval), nil
}

// intervalSchedule 固定间隔调度. cron.Every 会把间隔截断到整秒，这里保留原始精度.
type intervalSchedule time.Duration

func (d intervalSchedule) Next(t time.Time) time.Time { return t.Add(time.Duration(d)) }

// AddJob 注册一个新的调度任务。
func (s *Scheduler) AddJob(cfg JobConfig, handler Job) error {
	if cfg.Name == "" {
		return ErrJobNameEmpty
	}
	if handler == nil {
		return ErrJobHandlerNil
	}
	schedule, err := ParseSchedule(cfg.Spec, cfg.Interval)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[cfg.Name]; exists {
		return ErrJobAlreadyExists
	}
	s.jobs[cfg.Name] = &jobRunner{cfg: cfg, schedule: schedule, handler: handler}
	return nil
}

// Start 启动调度器并异步运行所有任务。
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, runner := range s.jobs {
		s.wg.Add(1)
		go s.runJob(ctx, runner)
	}
}

// Stop 关闭调度器并等待所有任务退出。
func (s *Scheduler) Stop(ctx context.Context) error {
	s.once.Do(func() { close(s.stop) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (s *Scheduler) runJob(ctx context.Context, runner *jobRunner) {
	defer s.wg.Done()

	if runner.cfg.RunOnStart {
		s.execute(ctx, runner)
	}

	for {
		now := s.now()
		timer := time.NewTimer(runner.schedule.Next(now).Sub(now))
		select {
		case <-timer.C:
			s.execute(ctx, runner)
		case <-s.stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, runner *jobRunner) {
	name := runner.cfg.Name
	if !runner.cfg.AllowConcurrent {
		if !runner.running.CompareAndSwap(false, true) {
			s.logger.Warn("scheduler job skipped (already running)", "job", name)
			s.observe(name, "skipped", 0)
			return
		}
		defer runner.running.Store(false)
	}

	execCtx := ctx
	if runner.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, runner.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	if s.metrics != nil {
		s.metrics.jobRunning.WithLabelValues(name).Inc()
	}
	err := retry.Do(execCtx, func() error {
		return s.safeRun(execCtx, runner)
	}, runner.cfg.Retry)
	if s.metrics != nil {
		s.metrics.jobRunning.WithLabelValues(name).Dec()
	}

	if err != nil {
		s.observe(name, "failed", time.Since(start))
		s.logger.Error("scheduler job failed", "job", name, "error", err)
		return
	}
	s.observe(name, "success", time.Since(start))
	s.logger.Debug("scheduler job succeeded", "job", name)
}

func (s *Scheduler) safeRun(ctx context.Context, runner *jobRunner) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", runner.cfg.Name, r)
		}
	}()
	return runner.handler(ctx)
}

func (s *Scheduler) observe(job, status string, d time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.jobRuns.WithLabelValues(job, status).Inc()
	if status != "skipped" {
		s.metrics.jobDuration.WithLabelValues(job, status).Observe(d.Seconds())
	}
}
