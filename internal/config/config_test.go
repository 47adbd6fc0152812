package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("加载默认配置成功", func(t *testing.T) {
		t.Setenv("TEMPMAIL_MAILBOX_ALLOWED_DOMAINS", "Temp.Mail, example.com")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9999, cfg.Server.Port)
		assert.Equal(t, "0.0.0.0:9999", cfg.HTTPAddr())
		assert.Equal(t, []string{"temp.mail", "example.com"}, cfg.Mailbox.AllowedDomains)
		assert.Equal(t, 7*24*time.Hour, cfg.Mailbox.Retention)
		assert.Equal(t, 10*time.Minute, cfg.Mailbox.ReapInterval)
		assert.Equal(t, 32, cfg.Mailbox.ListLimit)
		assert.Equal(t, 65535, cfg.Mailbox.BodyLimit)
		assert.Equal(t, ":25", cfg.SMTP.BindAddr)
		assert.Equal(t, int64(10*1024*1024), cfg.SMTP.MaxMessageBytes)
		assert.Equal(t, 50, cfg.SMTP.MaxRecipients)
		assert.Equal(t, 60*time.Second, cfg.SMTP.ReadTimeout)
		assert.Equal(t, "memory", cfg.Database.Type)
		assert.Equal(t, "", cfg.Redis.Address)
		assert.Equal(t, "tempmail:newmail", cfg.Redis.Channel)
		assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
		assert.Equal(t, "info", cfg.Log.Level)
		assert.False(t, cfg.Log.Development)
	})

	t.Run("加载自定义配置成功", func(t *testing.T) {
		t.Setenv("TEMPMAIL_MAILBOX_ALLOWED_DOMAINS", "custom.mail")
		t.Setenv("TEMPMAIL_SERVER_PORT", "8080")
		t.Setenv("TEMPMAIL_SMTP_BIND_ADDR", ":2525")
		t.Setenv("TEMPMAIL_MAILBOX_RETENTION", "24h")
		t.Setenv("TEMPMAIL_MAILBOX_REAP_INTERVAL", "1m")
		t.Setenv("TEMPMAIL_DATABASE_TYPE", "sqlite")
		t.Setenv("TEMPMAIL_DATABASE_DSN", "mail.db")
		t.Setenv("TEMPMAIL_REDIS_ADDRESS", "localhost:6379")
		t.Setenv("TEMPMAIL_LOG_DEVELOPMENT", "true")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, ":2525", cfg.SMTP.BindAddr)
		assert.Equal(t, 24*time.Hour, cfg.Mailbox.Retention)
		assert.Equal(t, time.Minute, cfg.Mailbox.ReapInterval)
		assert.Equal(t, "sqlite", cfg.Database.Type)
		assert.Equal(t, "mail.db", cfg.Database.DSN)
		assert.Equal(t, "localhost:6379", cfg.Redis.Address)
		assert.True(t, cfg.Log.Development)
	})

	t.Run("域名列表为空时失败", func(t *testing.T) {
		t.Setenv("TEMPMAIL_MAILBOX_ALLOWED_DOMAINS", " , ")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("无效的保留时长", func(t *testing.T) {
		t.Setenv("TEMPMAIL_MAILBOX_ALLOWED_DOMAINS", "temp.mail")
		t.Setenv("TEMPMAIL_MAILBOX_RETENTION", "forever")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("不支持的数据库类型", func(t *testing.T) {
		t.Setenv("TEMPMAIL_MAILBOX_ALLOWED_DOMAINS", "temp.mail")
		t.Setenv("TEMPMAIL_DATABASE_TYPE", "oracle")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("PostgreSQL 需要 DSN", func(t *testing.T) {
		t.Setenv("TEMPMAIL_MAILBOX_ALLOWED_DOMAINS", "temp.mail")
		t.Setenv("TEMPMAIL_DATABASE_TYPE", "postgres")
		t.Setenv("TEMPMAIL_DATABASE_DSN", "")

		_, err := Load()
		assert.Error(t, err)
	})
}

func TestParseList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, parseList(" a, ,b "))
	assert.Empty(t, parseList(""))
	assert.Equal(t, []string{"a.io", "b.io"}, parseDomains("A.io,B.IO"))
}
