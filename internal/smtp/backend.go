package smtp

import (
	"context"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"tempmail/gateway/internal/domain"
	"tempmail/gateway/internal/events"
	"tempmail/gateway/internal/monitoring"
	"tempmail/gateway/internal/storage"
)

// storeTimeout 单次存储操作的超时时间
const storeTimeout = 10 * time.Second

// Backend 实现 go-smtp 的 Backend 接口。
//
// 这是一个只接收邮件的 SMTP 服务器：只接受发往白名单域名下已存在身份的邮件，
// 不提供中继，也不对外发信。每个连接一个 session，会话状态不跨连接共享，
// 所有并发安全都来自存储层的原子操作。
type Backend struct {
	store           storage.Store
	domains         *domain.DomainSet
	bus             events.Bus
	limiter         *ConnectionLimiter
	metrics         *monitoring.Metrics
	log             *zap.Logger
	now             func() time.Time
	maxMessageBytes int64
	bodyLimit       int
}

// Option 配置 Backend 的可选项
type Option func(*Backend)

// WithBus 设置新邮件事件总线
func WithBus(bus events.Bus) Option {
	return func(b *Backend) { b.bus = bus }
}

// WithLimiter 设置连接限流器
func WithLimiter(limiter *ConnectionLimiter) Option {
	return func(b *Backend) { b.limiter = limiter }
}

// WithMetrics 设置监控指标
func WithMetrics(metrics *monitoring.Metrics) Option {
	return func(b *Backend) { b.metrics = metrics }
}

// WithLogger 设置日志记录器
func WithLogger(log *zap.Logger) Option {
	return func(b *Backend) { b.log = log }
}

// WithClock 设置时钟，测试中使用
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// WithMaxMessageBytes 设置单封邮件最大字节数
func WithMaxMessageBytes(n int64) Option {
	return func(b *Backend) { b.maxMessageBytes = n }
}

// WithBodyLimit 设置正文最大字符数
func WithBodyLimit(n int) Option {
	return func(b *Backend) { b.bodyLimit = n }
}

// NewBackend 创建 SMTP Backend。
func NewBackend(store storage.Store, domains *domain.DomainSet, opts ...Option) *Backend {
	b := &Backend{
		store:           store,
		domains:         domains,
		log:             zap.NewNop(),
		now:             time.Now,
		maxMessageBytes: 10 << 20,
		bodyLimit:       domain.MaxBodyLength,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics == nil {
		b.metrics = monitoring.NewMetrics()
	}
	b.log = b.log.Named("smtp")
	return b
}

// NewSession 创建新的 SMTP 会话，超过连接限制时返回 421。
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	if b.limiter != nil && !b.limiter.Acquire() {
		b.metrics.SMTPConnectionsRejected.Inc()
		b.log.Warn("connection refused by limiter", zap.String("remote", remoteAddr(c)))
		return nil, replyTooManyConnections
	}
	b.metrics.SMTPSessionsActive.Inc()

	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		backend: b,
		ctx:     ctx,
		cancel:  cancel,
		remote:  remoteAddr(c),
		state:   stateAwaitingEnvelope,
	}, nil
}

// NewServer 按配置创建 go-smtp 服务器。
func NewServer(b *Backend, addr, serverDomain string, readTimeout, writeTimeout time.Duration, maxRecipients int) *gosmtp.Server {
	s := gosmtp.NewServer(b)
	s.Addr = addr
	s.Domain = serverDomain
	s.ReadTimeout = readTimeout
	s.WriteTimeout = writeTimeout
	s.MaxMessageBytes = b.maxMessageBytes
	s.MaxRecipients = maxRecipients
	return s
}

func remoteAddr(c *gosmtp.Conn) string {
	if c == nil || c.Conn() == nil {
		return ""
	}
	return c.Conn().RemoteAddr().String()
}
