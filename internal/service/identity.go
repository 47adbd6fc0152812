package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tempmail/gateway/internal/domain"
	"tempmail/gateway/internal/monitoring"
	"tempmail/gateway/internal/storage"
)

const (
	// randomTokenLength 随机令牌长度（uuid 十六进制前 8 位）
	randomTokenLength = 8
	// randomClaimAttempts 随机令牌冲突时的最大尝试次数
	randomClaimAttempts = 5
	// DefaultListLimit 邮件列表默认返回条数
	DefaultListLimit = 32
)

// IdentityService 封装身份的领取、续期以及邮箱读取。
type IdentityService struct {
	store     storage.Store
	domains   *domain.DomainSet
	listLimit int
	metrics   *monitoring.Metrics
	log       *zap.Logger
	newToken  func() string
}

// NewIdentityService 创建身份业务服务。
func NewIdentityService(store storage.Store, domains *domain.DomainSet, listLimit int, metrics *monitoring.Metrics, log *zap.Logger) *IdentityService {
	if listLimit <= 0 {
		listLimit = DefaultListLimit
	}
	if metrics == nil {
		metrics = monitoring.NewMetrics()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &IdentityService{
		store:     store,
		domains:   domains,
		listLimit: listLimit,
		metrics:   metrics,
		log:       log.Named("identity"),
		newToken:  randomToken,
	}
}

// Domains 返回允许收信的域名列表。
func (s *IdentityService) Domains() []string {
	return s.domains.List()
}

// ClaimOrRenew 存在则续期，不存在则创建。
func (s *IdentityService) ClaimOrRenew(ctx context.Context, token string) (domain.Descriptor, error) {
	identity, created, err := s.store.ClaimIdentity(ctx, token)
	if err != nil {
		return domain.Descriptor{}, fmt.Errorf("claim identity: %w", err)
	}
	s.metrics.RecordClaim(created)
	if created {
		s.log.Info("identity created", zap.String("token", identity.Token))
	}
	return identity.Descriptor(), nil
}

// RenewOnAccess 只续期已存在的身份。
func (s *IdentityService) RenewOnAccess(ctx context.Context, token string) (domain.Descriptor, error) {
	identity, err := s.renewOnAccess(ctx, token)
	if err != nil {
		return domain.Descriptor{}, err
	}
	return identity.Descriptor(), nil
}

// renewOnAccess 是列表、RSS 等读取路径共用的续期入口
func (s *IdentityService) renewOnAccess(ctx context.Context, token string) (*domain.Identity, error) {
	identity, err := s.store.TouchIdentity(ctx, token)
	if err != nil {
		return nil, err
	}
	s.log.Debug("identity renewed", zap.String("token", token))
	return identity, nil
}

// ClaimRandom 生成随机令牌并创建新身份。
//
// 随机令牌只创建不续期：撞上已存在的令牌时重新生成，
// 不会把别人的邮箱交给调用方。
func (s *IdentityService) ClaimRandom(ctx context.Context) (domain.Descriptor, error) {
	for attempt := 0; attempt < randomClaimAttempts; attempt++ {
		identity, err := s.store.CreateIdentity(ctx, s.newToken())
		if errors.Is(err, domain.ErrIdentityExists) {
			s.log.Debug("random token collision", zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return domain.Descriptor{}, fmt.Errorf("create identity: %w", err)
		}
		s.metrics.RecordClaim(true)
		s.log.Info("identity created", zap.String("token", identity.Token))
		return identity.Descriptor(), nil
	}
	return domain.Descriptor{}, fmt.Errorf("create identity after %d attempts: %w", randomClaimAttempts, domain.ErrIdentityExists)
}

// ClaimCustom 校验域名和令牌后领取或续期自定义身份。
func (s *IdentityService) ClaimCustom(ctx context.Context, token, mailDomain string) (domain.Descriptor, error) {
	if !s.domains.Contains(strings.TrimSpace(mailDomain)) {
		return domain.Descriptor{}, domain.ErrDomainNotAllowed
	}
	token = strings.TrimSpace(token)
	if err := domain.ValidateToken(token); err != nil {
		return domain.Descriptor{}, err
	}
	return s.ClaimOrRenew(ctx, token)
}

// Lookup 查询身份，不续期。
func (s *IdentityService) Lookup(ctx context.Context, token string) (*domain.Identity, error) {
	return s.store.FindIdentity(ctx, token)
}

// ListMessages 续期后返回最近的邮件摘要。
func (s *IdentityService) ListMessages(ctx context.Context, token string) ([]domain.Summary, error) {
	identity, err := s.renewOnAccess(ctx, token)
	if err != nil {
		return nil, err
	}

	messages, err := s.store.ListMessages(ctx, identity.ID, s.listLimit, true)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	summaries := make([]domain.Summary, 0, len(messages))
	for i := range messages {
		summaries = append(summaries, messages[i].Summary())
	}
	return summaries, nil
}

// Feed 续期后返回身份和最近的完整邮件，用于 RSS 订阅。
func (s *IdentityService) Feed(ctx context.Context, token string) (*domain.Identity, []domain.Message, error) {
	identity, err := s.renewOnAccess(ctx, token)
	if err != nil {
		return nil, nil, err
	}

	messages, err := s.store.ListMessages(ctx, identity.ID, s.listLimit, false)
	if err != nil {
		return nil, nil, fmt.Errorf("list messages: %w", err)
	}
	return identity, messages, nil
}

// GetMessage 返回单封完整邮件，不续期。
func (s *IdentityService) GetMessage(ctx context.Context, token string, messageID uint64) (*domain.Message, error) {
	identity, err := s.store.FindIdentity(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.store.GetMessage(ctx, identity.ID, messageID)
}

// randomToken 取 uuid v4 十六进制形式的前 8 位
func randomToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:randomTokenLength]
}
