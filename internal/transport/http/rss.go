package httptransport

import (
	"encoding/xml"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"tempmail/gateway/internal/domain"
)

type rssFeed struct {
	XMLName xml.Name   `xml:"rss"`
	Version string     `xml:"version,attr"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title         string    `xml:"title"`
	Link          string    `xml:"link"`
	Description   string    `xml:"description"`
	LastBuildDate string    `xml:"lastBuildDate"`
	Items         []rssItem `xml:"item"`
}

type rssItem struct {
	Title       string  `xml:"title"`
	Link        string  `xml:"link"`
	Description string  `xml:"description"`
	Author      string  `xml:"author,omitempty"`
	GUID        rssGUID `xml:"guid"`
	PubDate     string  `xml:"pubDate"`
}

type rssGUID struct {
	IsPermaLink bool   `xml:"isPermaLink,attr"`
	Value       string `xml:",chardata"`
}

// Feed GET /mail/:token/rss
//
// 订阅会续期身份，阅读器轮询即可保持邮箱不被清理。
func (h *Handler) Feed(c *gin.Context) {
	identity, messages, err := h.identities.Feed(c.Request.Context(), c.Param("token"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	base := requestBaseURL(c)
	mailbox := base + "/mail/" + url.PathEscape(identity.Token)

	address := identity.Token
	if domains := h.identities.Domains(); len(domains) > 0 {
		address = domain.Address{LocalPart: identity.Token, Domain: domains[0]}.String()
	}

	feed := rssFeed{
		Version: "2.0",
		Channel: rssChannel{
			Title:         address,
			Link:          base + "/",
			Description:   "Inbox of " + address,
			LastBuildDate: time.Now().UTC().Format(time.RFC1123Z),
			Items:         make([]rssItem, 0, len(messages)),
		},
	}

	for i := range messages {
		m := &messages[i]
		link := mailbox + "/" + strconv.FormatUint(m.ID, 10) + "/show"
		body := m.HTMLBody
		if body == "" {
			body = m.PlainBody
		}
		feed.Channel.Items = append(feed.Channel.Items, rssItem{
			Title:       m.Subject,
			Link:        link,
			Description: body,
			Author:      m.Sender,
			GUID:        rssGUID{IsPermaLink: true, Value: link},
			PubDate:     m.ClaimedSentAt.UTC().Format(time.RFC1123Z),
		})
	}

	out, err := xml.MarshalIndent(feed, "", "  ")
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.Data(http.StatusOK, "text/xml; charset=utf-8", append([]byte(xml.Header), out...))
}

// requestBaseURL 根据请求头还原外部访问地址，兼容反向代理
func requestBaseURL(c *gin.Context) string {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if proto := c.GetHeader("X-Forwarded-Proto"); proto == "https" || proto == "http" {
		scheme = proto
	}
	host := c.GetHeader("X-Forwarded-Host")
	if host == "" {
		host = c.Request.Host
	}
	return scheme + "://" + host
}
