package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"tempmail/gateway/internal/domain"
)

// Store 使用内存保存身份与邮件数据，主要用于开发验证和测试。
//
// 所有操作都在同一把锁内完成，因此每个操作天然是原子的；
// 锁不会暴露给调用方。
type Store struct {
	mu         sync.RWMutex
	identities map[uint64]*domain.Identity
	byToken    map[string]uint64
	messages   map[uint64]map[uint64]*domain.Message // identityID -> messageID -> message
	nextID     uint64
	nextMsgID  uint64
	now        func() time.Time
	closed     bool
}

// Option 配置内存存储。
type Option func(*Store)

// WithClock 替换时间源，测试中用于构造边界条件。
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore 创建一个内存存储实例。
func NewStore(opts ...Option) *Store {
	s := &Store{
		identities: make(map[uint64]*domain.Identity),
		byToken:    make(map[string]uint64),
		messages:   make(map[uint64]map[uint64]*domain.Message),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateIdentity 创建身份。
func (s *Store) CreateIdentity(ctx context.Context, token string) (*domain.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	if _, ok := s.byToken[token]; ok {
		return nil, domain.ErrIdentityExists
	}
	identity := s.insertLocked(token)
	return copyIdentity(identity), nil
}

// TouchIdentity 更新身份的最后活跃时间。
func (s *Store) TouchIdentity(ctx context.Context, token string) (*domain.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	id, ok := s.byToken[token]
	if !ok {
		return nil, domain.ErrIdentityNotFound
	}
	identity := s.identities[id]
	identity.LastActiveAt = s.now().Unix()
	return copyIdentity(identity), nil
}

// FindIdentity 根据令牌查询身份。
func (s *Store) FindIdentity(ctx context.Context, token string) (*domain.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	id, ok := s.byToken[token]
	if !ok {
		return nil, domain.ErrIdentityNotFound
	}
	return copyIdentity(s.identities[id]), nil
}

// ClaimIdentity 存在则续期，不存在则创建。
func (s *Store) ClaimIdentity(ctx context.Context, token string) (*domain.Identity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(); err != nil {
		return nil, false, err
	}
	if id, ok := s.byToken[token]; ok {
		identity := s.identities[id]
		identity.LastActiveAt = s.now().Unix()
		return copyIdentity(identity), false, nil
	}
	identity := s.insertLocked(token)
	return copyIdentity(identity), true, nil
}

// ExpireIdentitiesOlderThan 删除不活跃的身份及其邮件。
func (s *Store) ExpireIdentitiesOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	expired := make([]string, 0)
	for id, identity := range s.identities {
		if !identity.IdleSince(cutoff) {
			continue
		}
		delete(s.messages, id)
		delete(s.byToken, identity.Token)
		delete(s.identities, id)
		expired = append(expired, identity.Token)
	}
	sort.Strings(expired)
	return expired, nil
}

// AppendMessage 追加邮件。
func (s *Store) AppendMessage(ctx context.Context, ownerID uint64, message *domain.Message) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	if _, ok := s.identities[ownerID]; !ok {
		return nil, domain.ErrOwnerVanished
	}

	s.nextMsgID++
	stored := *message
	stored.ID = s.nextMsgID
	stored.IdentityID = ownerID
	stored.Identity = nil

	box, ok := s.messages[ownerID]
	if !ok {
		box = make(map[uint64]*domain.Message)
		s.messages[ownerID] = box
	}
	box[stored.ID] = &stored

	out := stored
	return &out, nil
}

// ListMessages 列出邮件，按声称的发送时间倒序。
func (s *Store) ListMessages(ctx context.Context, ownerID uint64, limit int, excludeBodies bool) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	box := s.messages[ownerID]
	result := make([]domain.Message, 0, len(box))
	for _, msg := range box {
		if excludeBodies {
			result = append(result, msg.WithoutBodies())
		} else {
			result = append(result, *msg)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].ClaimedSentAt.Equal(result[j].ClaimedSentAt) {
			return result[i].ClaimedSentAt.After(result[j].ClaimedSentAt)
		}
		return result[i].ID > result[j].ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// GetMessage 获取单封邮件。
func (s *Store) GetMessage(ctx context.Context, ownerID, messageID uint64) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	msg, ok := s.messages[ownerID][messageID]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	out := *msg
	return &out, nil
}

// Health 内存存储在关闭前始终健康。
func (s *Store) Health(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkLocked()
}

// Close 关闭存储，之后的操作返回 domain.ErrStorageUnavailable。
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// insertLocked 插入新身份，调用方需持有写锁。
func (s *Store) insertLocked(token string) *domain.Identity {
	now := s.now()
	s.nextID++
	identity := &domain.Identity{
		ID:           s.nextID,
		Token:        token,
		CreatedAt:    now,
		LastActiveAt: now.Unix(),
	}
	s.identities[identity.ID] = identity
	s.byToken[token] = identity.ID
	return identity
}

func (s *Store) checkLocked() error {
	if s.closed {
		return errors.Join(domain.ErrStorageUnavailable, errors.New("memory store closed"))
	}
	return nil
}

func copyIdentity(identity *domain.Identity) *domain.Identity {
	out := *identity
	return &out
}
