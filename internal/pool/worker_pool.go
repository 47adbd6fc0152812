package pool

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// WorkerPool 协程池
//
// 用于把可丢弃的后台任务（如新邮件通知）移出请求路径，并限制并发协程数量。
type WorkerPool struct {
	maxWorkers int
	taskQueue  chan func(context.Context)
	wg         sync.WaitGroup
	log        *zap.Logger

	mu      sync.RWMutex
	stopped bool
}

// NewWorkerPool 创建协程池
//
// 参数:
//   - maxWorkers: 最大协程数
//   - queueSize: 任务队列大小
func NewWorkerPool(maxWorkers, queueSize int, log *zap.Logger) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WorkerPool{
		maxWorkers: maxWorkers,
		taskQueue:  make(chan func(context.Context), queueSize),
		log:        log.Named("pool"),
	}
}

// Start 启动协程池，ctx 传递给每个任务
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// TrySubmit 尝试提交任务
//
// 队列已满或协程池已停止时立即返回 false
func (p *WorkerPool) TrySubmit(task func(context.Context)) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return false
	}

	select {
	case p.taskQueue <- task:
		return true
	default:
		return false
	}
}

// Stop 停止接收任务，执行完队列中剩余的任务后返回
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskQueue)
	p.mu.Unlock()

	p.wg.Wait()
}

// worker 工作协程
func (p *WorkerPool) worker(ctx context.Context) {
	defer p.wg.Done()

	for task := range p.taskQueue {
		p.run(ctx, task)
	}
}

// run 执行任务（捕获 panic）
func (p *WorkerPool) run(ctx context.Context, task func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("task panicked", zap.Any("error", r), zap.Stack("stack"))
		}
	}()
	task(ctx)
}
