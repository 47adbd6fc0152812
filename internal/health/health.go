package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

// checkTimeout 单项检查的超时时间
const checkTimeout = 3 * time.Second

// maxGoroutines 存活检查允许的最大 goroutine 数量
const maxGoroutines = 10000

// Pinger 探测依赖是否可用
type Pinger func(ctx context.Context) error

// HealthChecker 健康检查器
//
// /live 只检查进程本身，/ready 额外探测存储和 Redis 等依赖。
type HealthChecker struct {
	health healthcheck.Handler
	logger *zap.Logger

	mu     sync.RWMutex
	checks map[string]Pinger
}

// NewHealthChecker 创建健康检查器，store 为存储的连通性探测
func NewHealthChecker(store Pinger, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		logger: logger.Named("health"),
		checks: make(map[string]Pinger),
	}

	hc.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutines))
	hc.AddReadinessCheck("database", store)

	return hc
}

// AddReadinessCheck 添加就绪检查
func (hc *HealthChecker) AddReadinessCheck(name string, ping Pinger) {
	hc.mu.Lock()
	hc.checks[name] = ping
	hc.mu.Unlock()

	hc.health.AddReadinessCheck(name, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()

		if err := ping(ctx); err != nil {
			hc.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			return err
		}
		return nil
	})
}

// Handler 返回健康检查处理器，提供 /live 与 /ready 两个端点
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// CheckHealth 执行全部就绪检查并返回结果
func (hc *HealthChecker) CheckHealth(ctx context.Context) map[string]string {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	results := make(map[string]string, len(hc.checks)+1)
	for name, ping := range hc.checks {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		if err := ping(checkCtx); err != nil {
			results[name] = fmt.Sprintf("ERROR: %v", err)
		} else {
			results[name] = "OK"
		}
		cancel()
	}
	results["timestamp"] = time.Now().UTC().Format(time.RFC3339)

	return results
}
