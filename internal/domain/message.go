package domain

import (
	"strings"
	"time"
	"unicode/utf8"
)

// 字段长度上限（按字符计）。
const (
	MaxSubjectLength = 512
	MaxSenderLength  = 256
	MaxBodyLength    = 65535
)

// Message 表示一封已入库的邮件。
//
// ClaimedSentAt 来自邮件自身的 Date 头，未经校验，发件人可以任意伪造；
// 列表按它倒序排列，展示顺序因此受发件人控制。
type Message struct {
	ID            uint64    `json:"id" gorm:"primaryKey;autoIncrement"`
	IdentityID    uint64    `json:"-" gorm:"not null;index:idx_messages_owner_sent,priority:1"`
	Identity      *Identity `json:"-" gorm:"foreignKey:IdentityID;constraint:OnDelete:CASCADE"`
	Subject       string    `json:"subject" gorm:"type:varchar(512)"`
	Sender        string    `json:"sender" gorm:"type:varchar(256)"`
	PlainBody     string    `json:"content,omitempty" gorm:"type:text"`
	HTMLBody      string    `json:"html_content,omitempty" gorm:"type:text"`
	ReceivedAt    time.Time `json:"create_time" gorm:"not null"`
	ClaimedSentAt time.Time `json:"send_time" gorm:"not null;index:idx_messages_owner_sent,priority:2"`
}

// TableName 指定 GORM 表名。
func (Message) TableName() string {
	return "messages"
}

// MessageFields 是写入邮件时由协议层提供的字段。
type MessageFields struct {
	Subject       string
	Sender        string
	PlainBody     string
	HTMLBody      string
	ClaimedSentAt time.Time
}

// Summary 是邮件列表使用的摘要。
type Summary struct {
	ID            uint64    `json:"id"`
	Subject       string    `json:"subject"`
	Sender        string    `json:"sender"`
	ReceivedAt    time.Time `json:"create_time"`
	ClaimedSentAt time.Time `json:"send_time"`
}

// Summary 返回不含正文的摘要。
func (m *Message) Summary() Summary {
	return Summary{
		ID:            m.ID,
		Subject:       m.Subject,
		Sender:        m.Sender,
		ReceivedAt:    m.ReceivedAt,
		ClaimedSentAt: m.ClaimedSentAt,
	}
}

// WithoutBodies 返回去掉正文的副本。
func (m Message) WithoutBodies() Message {
	m.PlainBody = ""
	m.HTMLBody = ""
	return m
}

// NewMessage 根据输入字段构造邮件，清理非法文本并对各字段执行长度上限。
// receivedAt 由服务器指定；ClaimedSentAt 为空时回退为 receivedAt。
// 时间统一转为 UTC，保证各存储后端的排序一致。
func NewMessage(ownerID uint64, fields MessageFields, bodyLimit int, receivedAt time.Time) *Message {
	if bodyLimit <= 0 {
		bodyLimit = MaxBodyLength
	}
	receivedAt = receivedAt.UTC()
	sentAt := fields.ClaimedSentAt.UTC()
	if fields.ClaimedSentAt.IsZero() {
		sentAt = receivedAt
	}
	return &Message{
		IdentityID:    ownerID,
		Subject:       Truncate(CleanText(fields.Subject), MaxSubjectLength),
		Sender:        Truncate(CleanText(fields.Sender), MaxSenderLength),
		PlainBody:     Truncate(CleanText(fields.PlainBody), bodyLimit),
		HTMLBody:      Truncate(CleanText(fields.HTMLBody), bodyLimit),
		ReceivedAt:    receivedAt,
		ClaimedSentAt: sentAt,
	}
}

// CleanText 把非法 UTF-8 序列替换为 U+FFFD 并去掉 NUL，
// 未知字符集的原始字节也能写入 PostgreSQL 与 utf8mb4 列。
func CleanText(s string) string {
	if utf8.ValidString(s) && !strings.ContainsRune(s, 0) {
		return s
	}
	return strings.ReplaceAll(strings.ToValidUTF8(s, "\uFFFD"), "\x00", "")
}

// Truncate 按字符截断字符串，不会切断多字节字符。
func Truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}
