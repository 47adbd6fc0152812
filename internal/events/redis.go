package events

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultChannel 默认的发布订阅频道
const DefaultChannel = "tempmail:newmail"

// RedisBus 基于 Redis Pub/Sub 的事件总线，多个网关实例共享新邮件通知
type RedisBus struct {
	rdb     *goredis.Client
	channel string
	log     *zap.Logger
}

// NewRedisBus 创建 Redis 事件总线
func NewRedisBus(rdb *goredis.Client, channel string, log *zap.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisBus{
		rdb:     rdb,
		channel: channel,
		log:     log.Named("events"),
	}
}

// Publish 序列化事件并发布到频道
func (b *RedisBus) Publish(ctx context.Context, event NewMail) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe 订阅频道，无法解析的消息会被记录并跳过
func (b *RedisBus) Subscribe(ctx context.Context) (<-chan NewMail, func()) {
	ctx, cancel := context.WithCancel(ctx)
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	out := make(chan NewMail, subscriberBuffer)

	go func() {
		defer close(out)
		defer pubsub.Close()

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var event NewMail
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.log.Warn("discarding malformed event", zap.Error(err))
					continue
				}
				select {
				case out <- event:
				default:
					b.log.Warn("subscriber too slow, dropping event", zap.String("token", event.Token))
				}
			}
		}
	}()

	return out, cancel
}

// Close 由 Redis 客户端的所有者负责关闭连接
func (b *RedisBus) Close() error {
	return nil
}
