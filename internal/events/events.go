// Package events 在 SMTP 收信与实时推送之间传递新邮件通知。
package events

import (
	"context"

	"tempmail/gateway/internal/domain"
)

// NewMail 表示某个身份收到了一封新邮件
type NewMail struct {
	Token   string         `json:"token"`
	Message domain.Summary `json:"message"`
}

// Bus 是新邮件事件总线
//
// Publish 不保证送达：没有订阅者或订阅者处理过慢时事件会被丢弃，
// 邮件本身已经入库，客户端刷新列表即可看到。
type Bus interface {
	Publish(ctx context.Context, event NewMail) error
	// Subscribe 返回事件通道和取消函数；取消后通道会被关闭。
	Subscribe(ctx context.Context) (<-chan NewMail, func())
	Close() error
}

// subscriberBuffer 每个订阅者的缓冲区大小
const subscriberBuffer = 64
