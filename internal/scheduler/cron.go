package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/oriys/runbox/internal/config"
	"github.com/oriys/runbox/internal/metrics"
)

// MetricPruner 删除早于给定时间的执行指标，由 storage.PostgresStore 实现。
type MetricPruner interface {
	DeleteMetricsBefore(ctx context.Context, before time.Time) (int64, error)
}

// RetentionManager 按 cron 计划清理过期的执行指标。
type RetentionManager struct {
	cron     *cron.Cron
	pruner   MetricPruner
	maxAge   time.Duration
	schedule string
	metrics  *metrics.Metrics
	logger   *logrus.Logger
	now      func() time.Time

	mu      sync.Mutex
	entryID cron.EntryID
	started bool
}

// NewRetentionManager 创建保留策略管理器。max_age 为 0 时 Start 不会注册任何任务。
func NewRetentionManager(cfg config.RetentionConfig, pruner MetricPruner, m *metrics.Metrics, logger *logrus.Logger) *RetentionManager {
	return &RetentionManager{
		cron:     cron.New(cron.WithSeconds()), // 支持秒级
		pruner:   pruner,
		maxAge:   cfg.Age(),
		schedule: cfg.Schedule,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// Enabled 报告保留策略是否生效。
func (rm *RetentionManager) Enabled() bool {
	return rm.maxAge > 0
}

// Start 注册清理任务并启动调度器。
func (rm *RetentionManager) Start() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if !rm.Enabled() {
		rm.logger.Info("Metric retention disabled")
		return nil
	}
	if rm.started {
		return nil
	}

	id, err := rm.cron.AddFunc(rm.schedule, func() {
		if _, err := rm.Prune(context.Background()); err != nil {
			rm.logger.WithError(err).Error("Metric retention run failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", rm.schedule, err)
	}
	rm.entryID = id
	rm.started = true
	rm.cron.Start()

	rm.logger.WithFields(logrus.Fields{
		"schedule": rm.schedule,
		"max_age":  rm.maxAge.String(),
	}).Info("Metric retention started")
	return nil
}

// Prune 立即执行一次清理，返回删除的记录数。
func (rm *RetentionManager) Prune(ctx context.Context) (int64, error) {
	if !rm.Enabled() {
		return 0, nil
	}
	cutoff := rm.now().Add(-rm.maxAge)
	n, err := rm.pruner.DeleteMetricsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune metrics: %w", err)
	}
	rm.metrics.RecordPruned(n)

	rm.logger.WithFields(logrus.Fields{
		"deleted": n,
		"cutoff":  cutoff.UTC().Format(time.RFC3339),
	}).Info("Pruned expired execution metrics")
	return n, nil
}

// Next 返回下一次计划运行时间，未启动时返回零值。
func (rm *RetentionManager) Next() time.Time {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if !rm.started {
		return time.Time{}
	}
	return rm.cron.Entry(rm.entryID).Next
}

// Stop 停止调度器并等待正在运行的任务完成。
func (rm *RetentionManager) Stop() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if !rm.started {
		return
	}
	<-rm.cron.Stop().Done()
	rm.cron.Remove(rm.entryID)
	rm.started = false
	rm.logger.Info("Metric retention stopped")
}
