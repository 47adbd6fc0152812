package smtp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempmail/gateway/internal/domain"
	"tempmail/gateway/internal/events"
	"tempmail/gateway/internal/monitoring"
	"tempmail/gateway/internal/storage"
	"tempmail/gateway/internal/storage/memory"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// faultyStore 在指定操作上注入错误
type faultyStore struct {
	storage.Store
	findErr   error
	appendErr error
}

func (f *faultyStore) FindIdentity(ctx context.Context, token string) (*domain.Identity, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.Store.FindIdentity(ctx, token)
}

func (f *faultyStore) AppendMessage(ctx context.Context, ownerID uint64, message *domain.Message) (*domain.Message, error) {
	if f.appendErr != nil {
		return nil, f.appendErr
	}
	return f.Store.AppendMessage(ctx, ownerID, message)
}

type fixture struct {
	store   *memory.Store
	backend *Backend
	bus     *events.LocalBus
	metrics *monitoring.Metrics
}

func newFixture(t *testing.T, store storage.Store, opts ...Option) *fixture {
	t.Helper()
	mem := memory.NewStore(memory.WithClock(func() time.Time { return fixedNow }))
	if store == nil {
		store = mem
	}
	bus := events.NewLocalBus()
	metrics := monitoring.NewMetrics()
	opts = append([]Option{
		WithBus(bus),
		WithMetrics(metrics),
		WithClock(func() time.Time { return fixedNow }),
	}, opts...)
	backend := NewBackend(store, domain.NewDomainSet([]string{"temp.mail", "example.com"}), opts...)
	t.Cleanup(func() { _ = bus.Close() })
	return &fixture{store: mem, backend: backend, bus: bus, metrics: metrics}
}

func (f *fixture) session(t *testing.T) *session {
	t.Helper()
	sess, err := f.backend.NewSession(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Logout() })
	return sess.(*session)
}

func smtpCode(t *testing.T, err error) (int, string) {
	t.Helper()
	var smtpErr *gosmtp.SMTPError
	require.True(t, errors.As(err, &smtpErr), "expected SMTPError, got %v", err)
	return smtpErr.Code, smtpErr.Message
}

const sampleMessage = "Subject: hello\r\nDate: Tue, 05 Mar 2024 10:00:00 +0000\r\n\r\nbody text\r\n"

func TestSessionRcpt(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		rcpt    string
		code    int
		message string
		reason  string
	}{
		{"格式错误的地址", "no-at-sign", 501, "Malformed Address", "malformed"},
		{"大写域名视为格式错误", "abc@TEMP.MAIL", 501, "Malformed Address", "malformed"},
		{"未托管的域名", "abc@bad.domain", 501, "Domain Not Handled", "domain"},
		{"身份不存在", "ghost@temp.mail", 510, "Address Does Not Exist", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			_, err := f.store.CreateIdentity(ctx, "abc")
			require.NoError(t, err)

			sess := f.session(t)
			require.NoError(t, sess.Mail("sender@x.org", nil))

			code, msg := smtpCode(t, sess.Rcpt(tt.rcpt, nil))
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.message, msg)
			assert.Equal(t, stateAwaitingEnvelope, sess.state)
			assert.Empty(t, sess.recipients)
			assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RecipientsRejected.WithLabelValues(tt.reason)))
		})
	}

	t.Run("拒绝回复不带增强状态码", func(t *testing.T) {
		for _, reply := range []*gosmtp.SMTPError{replyMalformedAddress, replyDomainNotHandled, replyAddressNotExist} {
			assert.Equal(t, gosmtp.NoEnhancedCode, reply.EnhancedCode)
		}
	})

	t.Run("接受已存在的身份", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.store.CreateIdentity(ctx, "abc")
		require.NoError(t, err)

		sess := f.session(t)
		require.NoError(t, sess.Rcpt("<abc@temp.mail>", nil))
		assert.Equal(t, stateRecipientsAccepted, sess.state)
		require.Len(t, sess.recipients, 1)
		assert.Equal(t, "abc@temp.mail", sess.recipients[0].address)
	})

	t.Run("存储故障返回 451", func(t *testing.T) {
		f := newFixture(t, &faultyStore{findErr: domain.ErrStorageUnavailable})
		sess := f.session(t)

		code, msg := smtpCode(t, sess.Rcpt("abc@temp.mail", nil))
		assert.Equal(t, 451, code)
		assert.Equal(t, "Requested action aborted: local error in processing", msg)
	})
}

func TestSessionData(t *testing.T) {
	ctx := context.Background()

	t.Run("邮件归属第一个收件人", func(t *testing.T) {
		f := newFixture(t, nil)
		first, err := f.store.CreateIdentity(ctx, "first")
		require.NoError(t, err)
		second, err := f.store.CreateIdentity(ctx, "second")
		require.NoError(t, err)

		newMail, cancel := f.bus.Subscribe(ctx)
		defer cancel()

		sess := f.session(t)
		require.NoError(t, sess.Mail("sender@x.org", nil))
		require.NoError(t, sess.Rcpt("first@temp.mail", nil))
		require.NoError(t, sess.Rcpt("second@example.com", nil))
		require.NoError(t, sess.Data(strings.NewReader(sampleMessage)))
		assert.Equal(t, stateComplete, sess.state)

		owned, err := f.store.ListMessages(ctx, first.ID, 32, false)
		require.NoError(t, err)
		require.Len(t, owned, 1)
		assert.Equal(t, "hello", owned[0].Subject)
		assert.Equal(t, "sender@x.org", owned[0].Sender)
		assert.Equal(t, "body text\r\n", owned[0].PlainBody)
		assert.True(t, owned[0].ClaimedSentAt.Equal(time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)))
		assert.True(t, owned[0].ReceivedAt.Equal(fixedNow))

		others, err := f.store.ListMessages(ctx, second.ID, 32, false)
		require.NoError(t, err)
		assert.Empty(t, others)

		select {
		case ev := <-newMail:
			assert.Equal(t, "first", ev.Token)
			assert.Equal(t, owned[0].ID, ev.Message.ID)
		case <-time.After(2 * time.Second):
			t.Fatal("no new mail event")
		}
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MessagesStored))
	})

	t.Run("收信不更新活跃时间", func(t *testing.T) {
		f := newFixture(t, nil)
		identity, err := f.store.CreateIdentity(ctx, "abc")
		require.NoError(t, err)

		sess := f.session(t)
		require.NoError(t, sess.Rcpt("abc@temp.mail", nil))
		require.NoError(t, sess.Data(strings.NewReader(sampleMessage)))

		found, err := f.store.FindIdentity(ctx, "abc")
		require.NoError(t, err)
		assert.Equal(t, identity.LastActiveAt, found.LastActiveAt)
	})

	t.Run("缺少 Date 头时使用接收时间", func(t *testing.T) {
		f := newFixture(t, nil)
		identity, err := f.store.CreateIdentity(ctx, "abc")
		require.NoError(t, err)

		sess := f.session(t)
		require.NoError(t, sess.Rcpt("abc@temp.mail", nil))
		require.NoError(t, sess.Data(strings.NewReader("Subject: no date\r\nDate: garbage\r\n\r\nx")))

		msgs, err := f.store.ListMessages(ctx, identity.ID, 32, true)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.True(t, msgs[0].ClaimedSentAt.Equal(fixedNow))
		assert.Empty(t, msgs[0].PlainBody)
	})

	t.Run("没有收件人时拒绝 DATA", func(t *testing.T) {
		f := newFixture(t, nil)
		sess := f.session(t)

		code, _ := smtpCode(t, sess.Data(strings.NewReader(sampleMessage)))
		assert.Equal(t, 503, code)
	})

	t.Run("超过大小上限返回 552", func(t *testing.T) {
		f := newFixture(t, nil, WithMaxMessageBytes(16))
		identity, err := f.store.CreateIdentity(ctx, "abc")
		require.NoError(t, err)

		sess := f.session(t)
		require.NoError(t, sess.Rcpt("abc@temp.mail", nil))

		code, _ := smtpCode(t, sess.Data(strings.NewReader(sampleMessage)))
		assert.Equal(t, 552, code)
		assert.Equal(t, stateAborted, sess.state)

		msgs, err := f.store.ListMessages(ctx, identity.ID, 32, true)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("所有者消失时返回 451 且连接可继续使用", func(t *testing.T) {
		faulty := &faultyStore{appendErr: domain.ErrOwnerVanished}
		f := newFixture(t, faulty)
		faulty.Store = f.store
		_, err := f.store.CreateIdentity(ctx, "abc")
		require.NoError(t, err)

		sess := f.session(t)
		require.NoError(t, sess.Rcpt("abc@temp.mail", nil))

		code, _ := smtpCode(t, sess.Data(strings.NewReader(sampleMessage)))
		assert.Equal(t, 451, code)
		assert.Equal(t, stateAborted, sess.state)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.IngestFailures.WithLabelValues("owner_vanished")))

		sess.Reset()
		assert.Equal(t, stateAwaitingEnvelope, sess.state)

		faulty.appendErr = nil
		require.NoError(t, sess.Rcpt("abc@temp.mail", nil))
		require.NoError(t, sess.Data(strings.NewReader(sampleMessage)))
	})

	t.Run("按错误类型选择回复", func(t *testing.T) {
		tests := []struct {
			name     string
			err      error
			wantCode int
		}{
			{"存储不可用", domain.ErrStorageUnavailable, 451},
			{"写入超时", context.DeadlineExceeded, 451},
			{"不可重试的错误", errors.New("check constraint violated"), 554},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				faulty := &faultyStore{appendErr: tt.err}
				f := newFixture(t, faulty)
				faulty.Store = f.store
				_, err := f.store.CreateIdentity(ctx, "abc")
				require.NoError(t, err)

				sess := f.session(t)
				require.NoError(t, sess.Rcpt("abc@temp.mail", nil))
				code, _ := smtpCode(t, sess.Data(strings.NewReader(sampleMessage)))
				assert.Equal(t, tt.wantCode, code)
				assert.Equal(t, stateAborted, sess.state)
			})
		}
	})

	t.Run("Reset 清空信封", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.store.CreateIdentity(ctx, "abc")
		require.NoError(t, err)

		sess := f.session(t)
		require.NoError(t, sess.Mail("a@b.c", nil))
		require.NoError(t, sess.Rcpt("abc@temp.mail", nil))
		sess.Reset()

		assert.Empty(t, sess.from)
		assert.Empty(t, sess.recipients)
		code, _ := smtpCode(t, sess.Data(strings.NewReader(sampleMessage)))
		assert.Equal(t, 503, code)
	})
}

func TestBackendLimiter(t *testing.T) {
	f := newFixture(t, nil, WithLimiter(NewConnectionLimiter(1, 0)))

	first, err := f.backend.NewSession(nil)
	require.NoError(t, err)

	_, err = f.backend.NewSession(nil)
	code, _ := smtpCode(t, err)
	assert.Equal(t, 421, code)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SMTPConnectionsRejected))

	require.NoError(t, first.Logout())
	require.NoError(t, first.Logout())
	assert.Equal(t, 0, f.backend.limiter.Current())

	second, err := f.backend.NewSession(nil)
	require.NoError(t, err)
	_ = second.Logout()
}

func TestIngestReply(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want *gosmtp.SMTPError
	}{
		{"正文过大", fmt.Errorf("%w: limit 16 bytes", domain.ErrBodyTooLarge), replyTooLarge},
		{"所有者消失", domain.ErrOwnerVanished, replyLocalError},
		{"包装后的存储错误", fmt.Errorf("append: %w", domain.ErrStorageUnavailable), replyLocalError},
		{"上下文取消", context.Canceled, replyLocalError},
		{"其他错误", errors.New("boom"), replyTransactionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Same(t, tt.want, ingestReply(tt.err))
		})
	}
}
