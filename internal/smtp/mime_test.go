package smtp

import (
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempmail/gateway/internal/domain"
)

func TestParseEmail(t *testing.T) {
	t.Run("纯文本邮件", func(t *testing.T) {
		raw := "From: a@b.c\r\n" +
			"Subject: hello\r\n" +
			"Date: Tue, 05 Mar 2024 10:00:00 +0800\r\n" +
			"\r\n" +
			"plain body\r\n"

		parsed := ParseEmail([]byte(raw))
		assert.Equal(t, "hello", parsed.Subject)
		assert.Equal(t, "plain body\r\n", parsed.Text)
		assert.Empty(t, parsed.HTML)
		require.False(t, parsed.Date.IsZero())
		assert.True(t, parsed.Date.Equal(time.Date(2024, 3, 5, 2, 0, 0, 0, time.UTC)))
	})

	t.Run("缺少或损坏的 Date 头", func(t *testing.T) {
		parsed := ParseEmail([]byte("Subject: x\r\n\r\nbody"))
		assert.True(t, parsed.Date.IsZero())

		parsed = ParseEmail([]byte("Subject: x\r\nDate: not a date\r\n\r\nbody"))
		assert.True(t, parsed.Date.IsZero())
		assert.Equal(t, "body", parsed.Text)
	})

	t.Run("RFC 2047 编码的主题", func(t *testing.T) {
		raw := "Subject: =?UTF-8?B?5rWL6K+V6YKu5Lu2?=\r\n\r\nbody"
		parsed := ParseEmail([]byte(raw))
		assert.Equal(t, "测试邮件", parsed.Subject)
	})

	t.Run("GBK 编码的主题与正文", func(t *testing.T) {
		// "中文" 的 GBK 编码为 D6 D0 CE C4
		raw := "Subject: =?GBK?B?1tDOxA==?=\r\n" +
			"Content-Type: text/plain; charset=gbk\r\n" +
			"Content-Transfer-Encoding: base64\r\n" +
			"\r\n" +
			"1tDOxA==\r\n"
		parsed := ParseEmail([]byte(raw))
		assert.Equal(t, "中文", parsed.Subject)
		assert.Equal(t, "中文", parsed.Text)
	})

	t.Run("multipart/alternative", func(t *testing.T) {
		raw := "Subject: multi\r\n" +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: multipart/alternative; boundary=XYZ\r\n" +
			"\r\n" +
			"--XYZ\r\n" +
			"Content-Type: text/plain; charset=utf-8\r\n" +
			"\r\n" +
			"text part\r\n" +
			"--XYZ\r\n" +
			"Content-Type: text/html; charset=utf-8\r\n" +
			"Content-Transfer-Encoding: quoted-printable\r\n" +
			"\r\n" +
			"<p>html =3D part</p>\r\n" +
			"--XYZ--\r\n"
		parsed := ParseEmail([]byte(raw))
		assert.Equal(t, "text part", parsed.Text)
		assert.Equal(t, "<p>html = part</p>", parsed.HTML)
	})

	t.Run("嵌套 multipart 并跳过附件", func(t *testing.T) {
		raw := "Content-Type: multipart/mixed; boundary=OUT\r\n" +
			"\r\n" +
			"--OUT\r\n" +
			"Content-Type: multipart/alternative; boundary=IN\r\n" +
			"\r\n" +
			"--IN\r\n" +
			"Content-Type: text/html\r\n" +
			"\r\n" +
			"<b>nested</b>\r\n" +
			"--IN--\r\n" +
			"--OUT\r\n" +
			"Content-Type: text/plain\r\n" +
			"Content-Disposition: attachment; filename=a.txt\r\n" +
			"\r\n" +
			"attachment text\r\n" +
			"--OUT--\r\n"
		parsed := ParseEmail([]byte(raw))
		assert.Equal(t, "<b>nested</b>", parsed.HTML)
		assert.Empty(t, parsed.Text)
	})

	t.Run("缺少 boundary 时保存原始正文", func(t *testing.T) {
		raw := "Content-Type: multipart/mixed\r\n\r\nraw content"
		parsed := ParseEmail([]byte(raw))
		assert.Equal(t, "raw content", parsed.Text)
	})

	t.Run("头部无法解析时整封作为文本", func(t *testing.T) {
		raw := "this is not a header block"
		parsed := ParseEmail([]byte(raw))
		assert.Equal(t, raw, parsed.Text)
		assert.Empty(t, parsed.Subject)
	})

	t.Run("单字节西文字符集", func(t *testing.T) {
		tests := []struct {
			name    string
			charset string
			body    string
			want    string
		}{
			{"iso-8859-1", "iso-8859-1", "Caf\xe9 cr\xe8me", "Café crème"},
			{"windows-1252", "windows-1252", "\x93quoted\x94", "\u201cquoted\u201d"},
			{"koi8-r", "KOI8-R", "\xf0\xd2\xc9\xd7\xc5\xd4", "Привет"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				raw := "Subject: x\r\n" +
					"Content-Type: text/plain; charset=" + tt.charset + "\r\n" +
					"\r\n" + tt.body
				parsed := ParseEmail([]byte(raw))
				assert.Equal(t, tt.want, parsed.Text)
				assert.True(t, utf8.ValidString(parsed.Text))
			})
		}
	})

	t.Run("latin-1 编码字主题", func(t *testing.T) {
		parsed := ParseEmail([]byte("Subject: =?iso-8859-1?Q?caf=E9?=\r\n\r\nbody"))
		assert.Equal(t, "café", parsed.Subject)
	})

	t.Run("未知字符集保留原始字节，入库前清理", func(t *testing.T) {
		raw := "Subject: caf\xe9\r\n" +
			"Content-Type: text/plain; charset=x-unknown\r\n" +
			"\r\n" +
			"Caf\xe9"
		parsed := ParseEmail([]byte(raw))

		msg := domain.NewMessage(1, domain.MessageFields{
			Subject:   parsed.Subject,
			PlainBody: parsed.Text,
		}, 0, time.Now())
		assert.True(t, utf8.ValidString(msg.Subject))
		assert.True(t, utf8.ValidString(msg.PlainBody))
		assert.Equal(t, "caf\uFFFD", msg.Subject)
	})
}
