package events

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"tempmail/gateway/internal/pool"
)

// ErrPublishQueueFull 表示通知队列已满，事件被丢弃
var ErrPublishQueueFull = errors.New("publish queue full")

// 异步发布的默认参数
const (
	DefaultPublishWorkers = 4
	DefaultPublishQueue   = 1024
	publishTimeout        = 5 * time.Second
)

// AsyncBus 把发布操作交给协程池执行，SMTP 会话不必等待远端总线
type AsyncBus struct {
	Bus
	pool *pool.WorkerPool
	log  *zap.Logger
}

// NewAsyncBus 包装 inner，发布在后台协程中完成
func NewAsyncBus(inner Bus, workers, queueSize int, log *zap.Logger) *AsyncBus {
	if workers <= 0 {
		workers = DefaultPublishWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultPublishQueue
	}
	if log == nil {
		log = zap.NewNop()
	}

	p := pool.NewWorkerPool(workers, queueSize, log)
	p.Start(context.Background())

	return &AsyncBus{
		Bus:  inner,
		pool: p,
		log:  log.Named("events"),
	}
}

// Publish 将事件放入队列；队列满时返回 ErrPublishQueueFull
func (b *AsyncBus) Publish(_ context.Context, event NewMail) error {
	ok := b.pool.TrySubmit(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()

		if err := b.Bus.Publish(ctx, event); err != nil {
			b.log.Warn("failed to publish new mail event",
				zap.String("token", event.Token),
				zap.Error(err))
		}
	})
	if !ok {
		return ErrPublishQueueFull
	}
	return nil
}

// Close 发送完队列中的事件后关闭底层总线
func (b *AsyncBus) Close() error {
	b.pool.Stop()
	return b.Bus.Close()
}
