package events

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempmail/gateway/internal/domain"
)

func receive(t *testing.T, ch <-chan NewMail) NewMail {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return NewMail{}
	}
}

func TestLocalBus(t *testing.T) {
	t.Run("所有订阅者都收到事件", func(t *testing.T) {
		bus := NewLocalBus()
		defer bus.Close()

		a, cancelA := bus.Subscribe(context.Background())
		defer cancelA()
		b, cancelB := bus.Subscribe(context.Background())
		defer cancelB()

		event := NewMail{Token: "abc", Message: domain.Summary{ID: 7, Subject: "hi"}}
		require.NoError(t, bus.Publish(context.Background(), event))

		assert.Equal(t, event, receive(t, a))
		assert.Equal(t, event, receive(t, b))
	})

	t.Run("取消后通道关闭", func(t *testing.T) {
		bus := NewLocalBus()
		ch, cancel := bus.Subscribe(context.Background())
		cancel()
		cancel()

		_, ok := <-ch
		assert.False(t, ok)
		require.NoError(t, bus.Publish(context.Background(), NewMail{Token: "x"}))
	})

	t.Run("上下文结束时退订", func(t *testing.T) {
		bus := NewLocalBus()
		ctx, cancel := context.WithCancel(context.Background())
		ch, _ := bus.Subscribe(ctx)
		cancel()

		select {
		case _, ok := <-ch:
			assert.False(t, ok)
		case <-time.After(2 * time.Second):
			t.Fatal("subscription not closed")
		}
	})

	t.Run("慢订阅者不阻塞发布", func(t *testing.T) {
		bus := NewLocalBus()
		_, cancel := bus.Subscribe(context.Background())
		defer cancel()

		for i := 0; i < subscriberBuffer*2; i++ {
			require.NoError(t, bus.Publish(context.Background(), NewMail{Token: "slow"}))
		}
	})

	t.Run("关闭后发布失败", func(t *testing.T) {
		bus := NewLocalBus()
		ch, _ := bus.Subscribe(context.Background())
		require.NoError(t, bus.Close())

		_, ok := <-ch
		assert.False(t, ok)
		assert.ErrorIs(t, bus.Publish(context.Background(), NewMail{}), ErrBusClosed)
	})
}

func TestRedisBus(t *testing.T) {
	addr := os.Getenv("TEMPMAIL_TEST_REDIS_ADDRESS")
	if addr == "" {
		t.Skip("TEMPMAIL_TEST_REDIS_ADDRESS not set")
	}

	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	defer rdb.Close()

	bus := NewRedisBus(rdb, "tempmail:test:"+time.Now().Format("150405.000"), nil)
	ch, cancel := bus.Subscribe(context.Background())
	defer cancel()

	// 等待订阅生效
	time.Sleep(200 * time.Millisecond)

	event := NewMail{Token: "redis", Message: domain.Summary{ID: 1, Subject: "pubsub"}}
	require.NoError(t, bus.Publish(context.Background(), event))

	got := receive(t, ch)
	assert.Equal(t, event.Token, got.Token)
	assert.Equal(t, event.Message.Subject, got.Message.Subject)
}

func TestAsyncBus(t *testing.T) {
	t.Run("后台发布到底层总线", func(t *testing.T) {
		inner := NewLocalBus()
		bus := NewAsyncBus(inner, 2, 8, nil)
		defer bus.Close()

		ch, cancel := bus.Subscribe(context.Background())
		defer cancel()

		require.NoError(t, bus.Publish(context.Background(), NewMail{Token: "alice"}))
		assert.Equal(t, "alice", receive(t, ch).Token)
	})

	t.Run("关闭后拒绝发布", func(t *testing.T) {
		bus := NewAsyncBus(NewLocalBus(), 1, 1, nil)
		require.NoError(t, bus.Close())

		err := bus.Publish(context.Background(), NewMail{Token: "alice"})
		assert.ErrorIs(t, err, ErrPublishQueueFull)
	})
}
