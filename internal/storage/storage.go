package storage

import (
	"context"
	"time"

	"tempmail/gateway/internal/domain"
)

// IdentityRepository 定义身份数据存取操作。
type IdentityRepository interface {
	// CreateIdentity 创建身份；令牌已被占用时返回 domain.ErrIdentityExists。
	CreateIdentity(ctx context.Context, token string) (*domain.Identity, error)
	// TouchIdentity 原子地把 LastActiveAt 更新为当前时间；不存在时返回 domain.ErrIdentityNotFound。
	TouchIdentity(ctx context.Context, token string) (*domain.Identity, error)
	// FindIdentity 纯查询，无副作用；不存在时返回 domain.ErrIdentityNotFound。
	FindIdentity(ctx context.Context, token string) (*domain.Identity, error)
	// ClaimIdentity 以单个条件插入或更新完成“存在则续期，不存在则创建”。
	ClaimIdentity(ctx context.Context, token string) (identity *domain.Identity, created bool, err error)
	// ExpireIdentitiesOlderThan 删除 LastActiveAt 早于 cutoff 的身份及其全部邮件，返回被删除的令牌。
	// 每个身份的删除是一次条件删除：期间被续期的身份不会被删除。
	ExpireIdentitiesOlderThan(ctx context.Context, cutoff time.Time) ([]string, error)
}

// MessageRepository 定义邮件数据存取操作。
type MessageRepository interface {
	// AppendMessage 为 ownerID 追加邮件；所有者已被删除时返回 domain.ErrOwnerVanished。
	AppendMessage(ctx context.Context, ownerID uint64, message *domain.Message) (*domain.Message, error)
	// ListMessages 按 ClaimedSentAt 倒序返回至多 limit 封邮件。
	ListMessages(ctx context.Context, ownerID uint64, limit int, excludeBodies bool) ([]domain.Message, error)
	// GetMessage 返回单封完整邮件；不存在时返回 domain.ErrMessageNotFound。
	GetMessage(ctx context.Context, ownerID, messageID uint64) (*domain.Message, error)
}

// Store 定义完整的存储接口。
type Store interface {
	IdentityRepository
	MessageRepository

	// 工具方法
	Health(ctx context.Context) error
	Close() error
}
