package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"tempmail/gateway/internal/domain"
)

// 支持的数据库类型。
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// errStillActive 表示候选身份在回收事务执行前已被续期。
var errStillActive = errors.New("identity renewed before expiry")

// PoolConfig 连接池参数。
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store 基于 GORM 的关系型数据库存储（支持 SQLite、PostgreSQL 和 MySQL）。
type Store struct {
	db      *gorm.DB
	dialect string
	now     func() time.Time
	pool    PoolConfig
}

// Option 配置存储实例。
type Option func(*Store)

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithPool 设置连接池参数，在迁移之前生效。
func WithPool(pool PoolConfig) Option {
	return func(s *Store) {
		s.pool = pool
	}
}

// NewStore 根据数据库类型创建存储实例。
//
// SQLite 是原始部署使用的后端：连接数固定为 1，写操作由连接本身串行化，
// 内存数据库（file::memory:）也因此只存在于这一个连接上。
func NewStore(driverName, dsn string, pool PoolConfig, opts ...Option) (*Store, error) {
	var dialector gorm.Dialector
	switch driverName {
	case DriverSQLite:
		dialector = sqlite.Open(sqliteDSN(dsn))
		pool = PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}
	case DriverPostgres, "postgresql":
		dialector = postgres.Open(dsn)
	case DriverMySQL:
		normalized, err := mysqlDSN(dsn)
		if err != nil {
			return nil, err
		}
		dialector = mysql.Open(normalized)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: sqlite, postgres, mysql)", driverName)
	}

	return NewStoreWithDialector(dialector, append([]Option{WithPool(pool)}, opts...)...)
}

// NewStoreWithDialector 使用指定的 GORM dialector 创建存储实例并执行迁移。
func NewStoreWithDialector(dialector gorm.Dialector, opts ...Option) (*Store, error) {
	config := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &Store{
		db:      db,
		dialect: dialector.Name(),
		now:     time.Now,
		pool: PoolConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
	}
	for _, opt := range opts {
		opt(store)
	}

	// 配置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if store.pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(store.pool.MaxOpenConns)
	}
	if store.pool.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(store.pool.MaxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(store.pool.ConnMaxLifetime)

	if store.dialect == DriverSQLite {
		// SQLite 默认不检查外键
		if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	}

	if err := store.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate 自动迁移数据库表结构
func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&domain.Identity{},
		&domain.Message{},
	)
}

// ========== Identity Repository ==========

// CreateIdentity 创建身份。
func (s *Store) CreateIdentity(ctx context.Context, token string) (*domain.Identity, error) {
	identity := s.newIdentity(token)
	if err := s.db.WithContext(ctx).Create(identity).Error; err != nil {
		return nil, translate(err)
	}
	return identity, nil
}

// TouchIdentity 更新最后活跃时间并返回身份。
func (s *Store) TouchIdentity(ctx context.Context, token string) (*domain.Identity, error) {
	var identity domain.Identity
	now := s.now().Unix()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// MySQL 对未改变的行返回 0，因此不以 RowsAffected 判断是否存在
		if err := tx.Model(&domain.Identity{}).
			Where("token = ?", token).
			Update("last_active_at", now).Error; err != nil {
			return err
		}
		return findByToken(tx, token, &identity)
	})
	if err != nil {
		return nil, translate(err)
	}
	return &identity, nil
}

// FindIdentity 根据令牌查询身份。
func (s *Store) FindIdentity(ctx context.Context, token string) (*domain.Identity, error) {
	var identity domain.Identity
	if err := findByToken(s.db.WithContext(ctx), token, &identity); err != nil {
		return nil, translate(err)
	}
	return &identity, nil
}

// ClaimIdentity 条件插入，冲突时续期。
//
// 插入使用 ON CONFLICT DO NOTHING，同一令牌的并发认领只会有一个成功插入。
// 极少数情况下身份在插入与续期之间被回收，此时重试。
func (s *Store) ClaimIdentity(ctx context.Context, token string) (*domain.Identity, bool, error) {
	const maxAttempts = 3

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		identity, created, err := s.claimOnce(ctx, token)
		if errors.Is(err, domain.ErrIdentityNotFound) {
			lastErr = err
			continue
		}
		return identity, created, err
	}
	return nil, false, fmt.Errorf("claim %q: %w", token, lastErr)
}

func (s *Store) claimOnce(ctx context.Context, token string) (*domain.Identity, bool, error) {
	candidate := s.newIdentity(token)
	var identity domain.Identity
	created := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "token"}},
			DoNothing: true,
		}).Create(candidate)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			created = true
			identity = *candidate
			return nil
		}

		if err := tx.Model(&domain.Identity{}).
			Where("token = ?", token).
			Update("last_active_at", candidate.LastActiveAt).Error; err != nil {
			return err
		}
		return findByToken(tx, token, &identity)
	})
	if err != nil {
		return nil, false, translate(err)
	}
	return &identity, created, nil
}

// ExpireIdentitiesOlderThan 删除不活跃的身份及其邮件。
//
// 候选集合只用于确定要尝试的身份；真正的删除在每个身份各自的事务中
// 以 last_active_at < cutoff 为条件执行，条件不再满足时整体回滚。
// 单个身份失败不会影响其他身份。
func (s *Store) ExpireIdentitiesOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	cutoffUnix := cutoff.Unix()

	var candidates []domain.Identity
	if err := s.db.WithContext(ctx).
		Select("id", "token").
		Where("last_active_at < ?", cutoffUnix).
		Order("id").
		Find(&candidates).Error; err != nil {
		return nil, translate(err)
	}

	expired := make([]string, 0, len(candidates))
	var errs []error
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		deleted, err := s.expireOne(ctx, candidate.ID, cutoffUnix)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire %s: %w", candidate.Token, err))
			continue
		}
		if deleted {
			expired = append(expired, candidate.Token)
		}
	}
	return expired, errors.Join(errs...)
}

func (s *Store) expireOne(ctx context.Context, identityID uint64, cutoffUnix int64) (bool, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("identity_id = ?", identityID).Delete(&domain.Message{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ? AND last_active_at < ?", identityID, cutoffUnix).Delete(&domain.Identity{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errStillActive
		}
		return nil
	})
	if errors.Is(err, errStillActive) {
		return false, nil
	}
	if err != nil {
		return false, translate(err)
	}
	return true, nil
}

// ========== Message Repository ==========

// AppendMessage 追加邮件。
//
// 所有者行在事务内加共享锁，与回收事务互斥；外键约束是第二道保护。
func (s *Store) AppendMessage(ctx context.Context, ownerID uint64, message *domain.Message) (*domain.Message, error) {
	stored := *message
	stored.ID = 0
	stored.IdentityID = ownerID
	stored.Identity = nil

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Select("id")
		if s.dialect != DriverSQLite {
			q = q.Clauses(clause.Locking{Strength: "SHARE"})
		}
		var owner domain.Identity
		if err := q.Where("id = ?", ownerID).Take(&owner).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrOwnerVanished
			}
			return err
		}
		return tx.Omit(clause.Associations).Create(&stored).Error
	})
	if err != nil {
		return nil, translate(err)
	}
	return &stored, nil
}

// ListMessages 列出邮件，按声称的发送时间倒序。
func (s *Store) ListMessages(ctx context.Context, ownerID uint64, limit int, excludeBodies bool) ([]domain.Message, error) {
	q := s.db.WithContext(ctx).
		Where("identity_id = ?", ownerID).
		Order("claimed_sent_at DESC").
		Order("id DESC")
	if excludeBodies {
		q = q.Select("id", "identity_id", "subject", "sender", "received_at", "claimed_sent_at")
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	messages := make([]domain.Message, 0)
	if err := q.Find(&messages).Error; err != nil {
		return nil, translate(err)
	}
	return messages, nil
}

// GetMessage 获取单封邮件。
func (s *Store) GetMessage(ctx context.Context, ownerID, messageID uint64) (*domain.Message, error) {
	var message domain.Message
	err := s.db.WithContext(ctx).
		Where("id = ? AND identity_id = ?", messageID, ownerID).
		First(&message).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrMessageNotFound
		}
		return nil, translate(err)
	}
	return &message, nil
}

// ========== 工具方法 ==========

// Health 检查数据库连接。
func (s *Store) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return translate(err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return translate(err)
	}
	return nil
}

// Close 关闭数据库连接。
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Dialect 返回底层数据库类型。
func (s *Store) Dialect() string {
	return s.dialect
}

func (s *Store) newIdentity(token string) *domain.Identity {
	now := s.now().UTC()
	return &domain.Identity{
		Token:        token,
		CreatedAt:    now,
		LastActiveAt: now.Unix(),
	}
}

func findByToken(tx *gorm.DB, token string, identity *domain.Identity) error {
	err := tx.Where("token = ?", token).First(identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrIdentityNotFound
	}
	return err
}

// translate 把数据库错误映射为业务错误。
// 业务错误原样返回；上下文取消原样返回；其余错误视为存储暂不可用。
func translate(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		domain.ErrIdentityNotFound,
		domain.ErrIdentityExists,
		domain.ErrOwnerVanished,
		domain.ErrMessageNotFound,
		domain.ErrStorageUnavailable,
		context.Canceled,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, known) {
			return err
		}
	}

	switch {
	case errors.Is(err, gorm.ErrDuplicatedKey), isDuplicate(err):
		return domain.ErrIdentityExists
	case errors.Is(err, gorm.ErrForeignKeyViolated), isForeignKey(err):
		return domain.ErrOwnerVanished
	}
	return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
}

func isDuplicate(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "Duplicate entry")
}

func isForeignKey(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "FOREIGN KEY constraint failed") ||
		strings.Contains(msg, "violates foreign key constraint") ||
		strings.Contains(msg, "a foreign key constraint fails")
}

// sqliteDSN 为 SQLite 连接串追加外键与忙等待参数。
func sqliteDSN(dsn string) string {
	if dsn == "" {
		dsn = "mail.db"
	}
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// mysqlDSN 规范化 MySQL 连接串：时间字段解析为 time.Time 并使用 UTC。
func mysqlDSN(dsn string) (string, error) {
	cfg, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}
