package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tempmail/gateway/internal/monitoring"
	"tempmail/gateway/internal/storage"
)

// 回收任务默认参数
const (
	DefaultReapInterval = 10 * time.Minute
	DefaultRetention    = 7 * 24 * time.Hour
)

// Reaper 定期删除长期不活跃的身份及其全部邮件。
type Reaper struct {
	store     storage.IdentityRepository
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
	metrics   *monitoring.Metrics
	log       *zap.Logger
}

// NewReaper 创建回收任务。
func NewReaper(store storage.IdentityRepository, interval, retention time.Duration, metrics *monitoring.Metrics, log *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	if metrics == nil {
		metrics = monitoring.NewMetrics()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reaper{
		store:     store,
		interval:  interval,
		retention: retention,
		now:       time.Now,
		metrics:   metrics,
		log:       log.Named("reaper"),
	}
}

// Run 按间隔执行回收，直到 ctx 结束。单次失败只记录日志。
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("reaper started",
		zap.Duration("interval", r.interval),
		zap.Duration("retention", r.retention))

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reaper stopped")
			return nil
		case <-ticker.C:
			_, _ = r.RunOnce(ctx)
		}
	}
}

// RunOnce 执行一次回收，返回被删除的令牌。
//
// 部分身份删除失败时仍返回已删除的令牌和合并后的错误。
func (r *Reaper) RunOnce(ctx context.Context) ([]string, error) {
	start := time.Now()
	cutoff := r.now().Add(-r.retention)

	r.log.Info("user clean task is running", zap.Time("cutoff", cutoff))
	expired, err := r.store.ExpireIdentitiesOlderThan(ctx, cutoff)
	for _, token := range expired {
		r.log.Warn("clean user data", zap.String("token", token))
	}
	r.metrics.RecordReaperRun(len(expired), time.Since(start), err)

	if err != nil {
		r.log.Error("reaper pass failed", zap.Int("expired", len(expired)), zap.Error(err))
	}
	return expired, err
}
