package events

import (
	"context"
	"errors"
	"sync"
)

// ErrBusClosed 表示事件总线已关闭
var ErrBusClosed = errors.New("event bus closed")

// LocalBus 进程内事件总线，单实例部署时使用
type LocalBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan NewMail
	closed bool
}

// NewLocalBus 创建进程内事件总线
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[int]chan NewMail)}
}

// Publish 向所有订阅者投递事件，订阅者缓冲区已满时丢弃
func (b *LocalBus) Publish(_ context.Context, event NewMail) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe 订阅事件；ctx 结束或调用取消函数都会退订
func (b *LocalBus) Subscribe(ctx context.Context) (<-chan NewMail, func()) {
	ch := make(chan NewMail, subscriberBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
			b.mu.Unlock()
		})
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()

	return ch, cancel
}

// Close 关闭总线并关闭所有订阅通道
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}
