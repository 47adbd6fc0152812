package httptransport

import (
	"time"

	"tempmail/gateway/internal/domain"
)

// timeLayout 旧版前端使用的时间格式
const timeLayout = "2006-01-02 15:04:05"

// summaryView 邮件列表项
type summaryView struct {
	ID         uint64 `json:"id"`
	Subject    string `json:"subject"`
	Sender     string `json:"sender"`
	CreateTime string `json:"create_time"`
	SendTime   string `json:"send_time"`
}

// messageView 邮件详情，正文字段即使为空也会输出
type messageView struct {
	ID          uint64 `json:"id"`
	Subject     string `json:"subject"`
	Sender      string `json:"sender"`
	Content     string `json:"content"`
	HTMLContent string `json:"html_content"`
	CreateTime  string `json:"create_time"`
	SendTime    string `json:"send_time"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func newSummaryViews(summaries []domain.Summary) []summaryView {
	views := make([]summaryView, 0, len(summaries))
	for _, s := range summaries {
		views = append(views, summaryView{
			ID:         s.ID,
			Subject:    s.Subject,
			Sender:     s.Sender,
			CreateTime: formatTime(s.ReceivedAt),
			SendTime:   formatTime(s.ClaimedSentAt),
		})
	}
	return views
}

func newMessageView(m *domain.Message) messageView {
	return messageView{
		ID:          m.ID,
		Subject:     m.Subject,
		Sender:      m.Sender,
		Content:     m.PlainBody,
		HTMLContent: m.HTMLBody,
		CreateTime:  formatTime(m.ReceivedAt),
		SendTime:    formatTime(m.ClaimedSentAt),
	}
}
