package sqlstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"tempmail/gateway/internal/domain"
	"tempmail/gateway/internal/storage"
	"tempmail/gateway/internal/storage/storagetest"
)

func newSQLiteStore(t *testing.T, now func() time.Time) *Store {
	t.Helper()
	store, err := NewStore(DriverSQLite, "file::memory:", PoolConfig{}, WithClock(now))
	require.NoError(t, err)
	return store
}

func TestSQLiteStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, now func() time.Time) storage.Store {
		return newSQLiteStore(t, now)
	})
}

func TestSQLiteStore_ForeignKeyGuard(t *testing.T) {
	store := newSQLiteStore(t, time.Now)
	defer store.Close()

	// 绕过事务内的所有者检查，直接插入孤儿邮件，外键约束应当拒绝
	orphan := &domain.Message{IdentityID: 4242, Subject: "orphan", ReceivedAt: time.Now().UTC(), ClaimedSentAt: time.Now().UTC()}
	err := store.db.Omit("Identity").Create(orphan).Error
	require.Error(t, err)
	assert.ErrorIs(t, translate(err), domain.ErrOwnerVanished)
}

// 候选已选出、条件删除尚未执行时身份被续期：整个回收事务回滚，
// 同一事务中先删掉的邮件也必须恢复。
func TestSQLiteStore_RenewedMidExpiry(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := storagetest.NewClock(start)
	store := newSQLiteStore(t, clock.Now)
	defer store.Close()
	ctx := context.Background()

	identity, err := store.CreateIdentity(ctx, "abc")
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, identity.ID, domain.NewMessage(identity.ID, domain.MessageFields{Subject: "keep"}, 0, start))
	require.NoError(t, err)

	clock.Advance(8 * 24 * time.Hour)
	cutoff := clock.Now().Add(-7 * 24 * time.Hour)

	// 在删除身份行之前，于同一连接上模拟一次续期
	fired := 0
	err = store.db.Callback().Delete().Before("gorm:delete").Register("test:renew_before_delete", func(db *gorm.DB) {
		if db.Statement.Schema == nil || db.Statement.Schema.Table != (domain.Identity{}).TableName() {
			return
		}
		fired++
		renew := db.Session(&gorm.Session{NewDB: true}).
			Model(&domain.Identity{}).
			Where("id = ?", identity.ID).
			Update("last_active_at", clock.Now().Unix())
		require.NoError(t, renew.Error)
	})
	require.NoError(t, err)

	expired, err := store.ExpireIdentitiesOlderThan(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	assert.Empty(t, expired)

	found, err := store.FindIdentity(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Unix(), found.LastActiveAt)

	msgs, err := store.ListMessages(ctx, identity.ID, 10, true)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "keep", msgs[0].Subject)
}

func TestSQLiteStore_Closed(t *testing.T) {
	store := newSQLiteStore(t, time.Now)
	require.NoError(t, store.Close())

	_, err := store.FindIdentity(context.Background(), "abc")
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
}

func TestNewStore_UnsupportedDriver(t *testing.T) {
	_, err := NewStore("oracle", "dsn", PoolConfig{})
	assert.Error(t, err)
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"重复键", gorm.ErrDuplicatedKey, domain.ErrIdentityExists},
		{"外键", gorm.ErrForeignKeyViolated, domain.ErrOwnerVanished},
		{"SQLite 唯一约束文本", errors.New("constraint failed: UNIQUE constraint failed: identities.token (2067)"), domain.ErrIdentityExists},
		{"业务错误透传", domain.ErrIdentityNotFound, domain.ErrIdentityNotFound},
		{"上下文取消透传", context.Canceled, context.Canceled},
		{"其他错误视为不可用", errors.New("connection refused"), domain.ErrStorageUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, translate(tt.in), tt.want)
		})
	}
	assert.NoError(t, translate(nil))
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t, "mail.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", sqliteDSN(""))
	assert.Equal(t, "file::memory:?cache=private&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", sqliteDSN("file::memory:?cache=private"))
	assert.Equal(t, "x.db?_pragma=journal_mode(WAL)", sqliteDSN("x.db?_pragma=journal_mode(WAL)"))
}

func TestMySQLDSN(t *testing.T) {
	dsn, err := mysqlDSN("user:pass@tcp(localhost:3306)/tempmail")
	require.NoError(t, err)
	assert.Contains(t, dsn, "parseTime=true")
	assert.Contains(t, dsn, "tcp(localhost:3306)/tempmail")

	_, err = mysqlDSN("::not a dsn::")
	assert.Error(t, err)
}
