// Package storagetest 提供所有存储实现共用的行为测试。
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempmail/gateway/internal/domain"
	"tempmail/gateway/internal/storage"
)

// Clock 是测试用的可调时钟。
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock 创建从 start 开始的时钟。
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now 返回当前时间。
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance 拨动时钟。
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Factory 为每个子测试创建一个新的存储实例。
type Factory func(t *testing.T, now func() time.Time) storage.Store

// Run 执行完整的存储行为测试。
func Run(t *testing.T, newStore Factory) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	setup := func(t *testing.T) (storage.Store, *Clock) {
		clock := NewClock(start)
		store := newStore(t, clock.Now)
		t.Cleanup(func() { _ = store.Close() })
		return store, clock
	}

	t.Run("重复创建身份返回已存在", func(t *testing.T) {
		store, _ := setup(t)
		ctx := context.Background()

		created, err := store.CreateIdentity(ctx, "abc")
		require.NoError(t, err)
		assert.Equal(t, "abc", created.Token)
		assert.Equal(t, start.Unix(), created.LastActiveAt)

		_, err = store.CreateIdentity(ctx, "abc")
		assert.ErrorIs(t, err, domain.ErrIdentityExists)

		found, err := store.FindIdentity(ctx, "abc")
		require.NoError(t, err)
		assert.Equal(t, created.ID, found.ID)
		assert.Equal(t, created.Token, found.Token)
		assert.True(t, created.CreatedAt.Equal(found.CreatedAt))
	})

	t.Run("查询不存在的身份", func(t *testing.T) {
		store, _ := setup(t)
		_, err := store.FindIdentity(context.Background(), "ghost")
		assert.ErrorIs(t, err, domain.ErrIdentityNotFound)

		_, err = store.TouchIdentity(context.Background(), "ghost")
		assert.ErrorIs(t, err, domain.ErrIdentityNotFound)
	})

	t.Run("续期只更新活跃时间", func(t *testing.T) {
		store, clock := setup(t)
		ctx := context.Background()

		created, err := store.CreateIdentity(ctx, "abc")
		require.NoError(t, err)

		clock.Advance(time.Hour)
		found, err := store.FindIdentity(ctx, "abc")
		require.NoError(t, err)
		assert.Equal(t, created.LastActiveAt, found.LastActiveAt, "查询不应续期")

		touched, err := store.TouchIdentity(ctx, "abc")
		require.NoError(t, err)
		assert.Equal(t, start.Add(time.Hour).Unix(), touched.LastActiveAt)
		assert.True(t, created.CreatedAt.Equal(touched.CreatedAt))
	})

	t.Run("认领身份先创建后续期", func(t *testing.T) {
		store, clock := setup(t)
		ctx := context.Background()

		first, created, err := store.ClaimIdentity(ctx, "abc")
		require.NoError(t, err)
		assert.True(t, created)

		clock.Advance(time.Minute)
		second, created, err := store.ClaimIdentity(ctx, "abc")
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, start.Add(time.Minute).Unix(), second.LastActiveAt)
	})

	t.Run("并发认领同一令牌只创建一个身份", func(t *testing.T) {
		store, _ := setup(t)
		ctx := context.Background()

		const workers = 16
		var wg sync.WaitGroup
		var createdCount atomic.Int32
		ids := make([]uint64, workers)
		errs := make([]error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				identity, created, err := store.ClaimIdentity(ctx, "race")
				errs[i] = err
				if err != nil {
					return
				}
				ids[i] = identity.ID
				if created {
					createdCount.Add(1)
				}
			}(i)
		}
		wg.Wait()

		for _, err := range errs {
			require.NoError(t, err)
		}
		assert.Equal(t, int32(1), createdCount.Load())
		for _, id := range ids {
			assert.Equal(t, ids[0], id)
		}
	})

	t.Run("所有者不存在时追加失败", func(t *testing.T) {
		store, _ := setup(t)
		msg := domain.NewMessage(0, domain.MessageFields{Subject: "x"}, 0, start)
		_, err := store.AppendMessage(context.Background(), 9999, msg)
		assert.ErrorIs(t, err, domain.ErrOwnerVanished)
	})

	t.Run("追加并读取邮件", func(t *testing.T) {
		store, _ := setup(t)
		ctx := context.Background()

		owner, err := store.CreateIdentity(ctx, "abc")
		require.NoError(t, err)
		other, err := store.CreateIdentity(ctx, "other")
		require.NoError(t, err)

		msg := domain.NewMessage(owner.ID, domain.MessageFields{
			Subject:   "hello",
			Sender:    "a@example.com",
			PlainBody: "plain",
			HTMLBody:  "<p>html</p>",
		}, 0, start)
		saved, err := store.AppendMessage(ctx, owner.ID, msg)
		require.NoError(t, err)
		assert.NotZero(t, saved.ID)
		assert.Equal(t, owner.ID, saved.IdentityID)

		got, err := store.GetMessage(ctx, owner.ID, saved.ID)
		require.NoError(t, err)
		assert.Equal(t, "hello", got.Subject)
		assert.Equal(t, "plain", got.PlainBody)
		assert.Equal(t, "<p>html</p>", got.HTMLBody)

		_, err = store.GetMessage(ctx, other.ID, saved.ID)
		assert.ErrorIs(t, err, domain.ErrMessageNotFound)

		// 收信不影响活跃时间
		found, err := store.FindIdentity(ctx, "abc")
		require.NoError(t, err)
		assert.Equal(t, owner.LastActiveAt, found.LastActiveAt)
	})

	t.Run("列表返回最近的32封", func(t *testing.T) {
		store, _ := setup(t)
		ctx := context.Background()

		owner, err := store.CreateIdentity(ctx, "abc")
		require.NoError(t, err)

		// 声称的发送时间与写入顺序相反交错，验证排序依据是 ClaimedSentAt
		for i := 0; i < 40; i++ {
			sent := start.Add(time.Duration((i*7)%40) * time.Minute)
			msg := domain.NewMessage(owner.ID, domain.MessageFields{
				Subject:       fmt.Sprintf("m%d", (i*7)%40),
				PlainBody:     "body",
				ClaimedSentAt: sent,
			}, 0, start)
			_, err := store.AppendMessage(ctx, owner.ID, msg)
			require.NoError(t, err)
		}

		list, err := store.ListMessages(ctx, owner.ID, 32, true)
		require.NoError(t, err)
		require.Len(t, list, 32)
		for i, msg := range list {
			assert.Equal(t, fmt.Sprintf("m%d", 39-i), msg.Subject)
			assert.Empty(t, msg.PlainBody)
			if i > 0 {
				assert.False(t, msg.ClaimedSentAt.After(list[i-1].ClaimedSentAt))
			}
		}

		full, err := store.ListMessages(ctx, owner.ID, 5, false)
		require.NoError(t, err)
		require.Len(t, full, 5)
		assert.Equal(t, "body", full[0].PlainBody)
	})

	t.Run("回收器边界", func(t *testing.T) {
		store, clock := setup(t)
		ctx := context.Background()
		window := 7 * 24 * time.Hour

		stale, err := store.CreateIdentity(ctx, "stale")
		require.NoError(t, err)
		_, err = store.AppendMessage(ctx, stale.ID, domain.NewMessage(stale.ID, domain.MessageFields{Subject: "s"}, 0, start))
		require.NoError(t, err)

		clock.Advance(2 * time.Second)
		fresh, err := store.CreateIdentity(ctx, "fresh")
		require.NoError(t, err)
		_, err = store.AppendMessage(ctx, fresh.ID, domain.NewMessage(fresh.ID, domain.MessageFields{Subject: "f"}, 0, start))
		require.NoError(t, err)

		// now = stale + window + 1 = fresh + window - 1
		now := start.Add(window + time.Second)
		expired, err := store.ExpireIdentitiesOlderThan(ctx, now.Add(-window))
		require.NoError(t, err)
		assert.Equal(t, []string{"stale"}, expired)

		_, err = store.FindIdentity(ctx, "stale")
		assert.ErrorIs(t, err, domain.ErrIdentityNotFound)
		msgs, err := store.ListMessages(ctx, stale.ID, 32, true)
		require.NoError(t, err)
		assert.Empty(t, msgs)

		_, err = store.FindIdentity(ctx, "fresh")
		assert.NoError(t, err)
		msgs, err = store.ListMessages(ctx, fresh.ID, 32, true)
		require.NoError(t, err)
		assert.Len(t, msgs, 1)

		_, err = store.AppendMessage(ctx, stale.ID, domain.NewMessage(stale.ID, domain.MessageFields{}, 0, start))
		assert.ErrorIs(t, err, domain.ErrOwnerVanished)
	})

	t.Run("删除前续期的身份存活", func(t *testing.T) {
		store, clock := setup(t)
		ctx := context.Background()
		window := time.Hour

		_, err := store.CreateIdentity(ctx, "abc")
		require.NoError(t, err)

		clock.Advance(2 * window)
		cutoff := clock.Now().Add(-window)

		_, err = store.TouchIdentity(ctx, "abc")
		require.NoError(t, err)

		expired, err := store.ExpireIdentitiesOlderThan(ctx, cutoff)
		require.NoError(t, err)
		assert.Empty(t, expired)

		_, err = store.FindIdentity(ctx, "abc")
		assert.NoError(t, err)
	})

	t.Run("删除后令牌可重用且无残留", func(t *testing.T) {
		store, clock := setup(t)
		ctx := context.Background()

		old, err := store.CreateIdentity(ctx, "abc")
		require.NoError(t, err)
		_, err = store.AppendMessage(ctx, old.ID, domain.NewMessage(old.ID, domain.MessageFields{Subject: "old"}, 0, start))
		require.NoError(t, err)

		clock.Advance(time.Hour)
		_, err = store.ExpireIdentitiesOlderThan(ctx, clock.Now())
		require.NoError(t, err)

		reborn, err := store.CreateIdentity(ctx, "abc")
		require.NoError(t, err)
		assert.NotEqual(t, old.ID, reborn.ID)

		msgs, err := store.ListMessages(ctx, reborn.ID, 32, true)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("健康检查", func(t *testing.T) {
		store, _ := setup(t)
		assert.NoError(t, store.Health(context.Background()))
	})
}
