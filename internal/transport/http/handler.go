package httptransport

import (
	"errors"
	"html"
	"html/template"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tempmail/gateway/internal/domain"
	"tempmail/gateway/internal/service"
)

// tokenCookie 保存当前邮箱令牌的 cookie，有效期 65536 天
const (
	tokenCookie    = "uuid"
	tokenCookieTTL = 65536 * 24 * time.Hour
)

// iframeCSP 禁止渲染后的邮件执行脚本或加载插件
const iframeCSP = "script-src 'none'; object-src 'none'"

var showPage = template.Must(template.New("show").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="referrer" content="none">
<title>{{.Title}}</title>
<style>html,body{margin:0;height:100%}iframe{border:0;width:100%;height:100%}</style>
</head>
<body>
<iframe src="{{.Src}}" sandbox="allow-popups allow-popups-to-escape-sandbox"></iframe>
</body>
</html>
`))

// Handler 临时邮箱 HTTP 处理器
//
// 成功响应保持旧版前端的格式（直接返回数据），错误统一为 Response。
type Handler struct {
	identities *service.IdentityService
	log        *zap.Logger
}

// NewHandler 创建处理器
func NewHandler(identities *service.IdentityService, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		identities: identities,
		log:        log.Named("http"),
	}
}

// customClaimRequest 自定义邮箱请求
type customClaimRequest struct {
	UUID   string `json:"uuid"`
	Domain string `json:"domain"`
}

// ClaimRandom POST /user/random
func (h *Handler) ClaimRandom(c *gin.Context) {
	desc, err := h.identities.ClaimRandom(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	h.setTokenCookie(c, desc.Token)
	c.JSON(http.StatusOK, desc)
}

// ClaimCustom POST /user/custom
func (h *Handler) ClaimCustom(c *gin.Context) {
	var req customClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidJSON)
		return
	}

	desc, err := h.identities.ClaimCustom(c.Request.Context(), req.UUID, strings.TrimSpace(req.Domain))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	h.setTokenCookie(c, desc.Token)
	c.JSON(http.StatusOK, desc)
}

// ListDomains GET /domains
func (h *Handler) ListDomains(c *gin.Context) {
	c.JSON(http.StatusOK, h.identities.Domains())
}

// ListMessages GET /mail/:token
func (h *Handler) ListMessages(c *gin.Context) {
	summaries, err := h.identities.ListMessages(c.Request.Context(), c.Param("token"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, newSummaryViews(summaries))
}

// GetMessage GET /mail/:token/:id
//
// 身份不存在返回 404；邮件不存在返回空对象，与旧版前端约定一致。
func (h *Handler) GetMessage(c *gin.Context) {
	message, ok := h.loadMessage(c)
	if !ok {
		return
	}
	if message == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, newMessageView(message))
}

// RenderMessage GET /mail/:token/:id/iframe
func (h *Handler) RenderMessage(c *gin.Context) {
	message, ok := h.loadMessage(c)
	if !ok {
		return
	}
	if message == nil {
		NotFound(c, MsgMessageNotFound)
		return
	}

	var b strings.Builder
	b.WriteString(`<base target="_blank">`)
	b.WriteString(`<meta name="referrer" content="none">`)

	body := strings.TrimSpace(message.HTMLBody)
	if body == "" {
		body = strings.TrimSpace(message.PlainBody)
	}
	if strings.HasPrefix(body, "<") {
		b.WriteString(body)
	} else {
		b.WriteString("<pre>")
		b.WriteString(html.EscapeString(body))
		b.WriteString("</pre>")
	}

	c.Header("Content-Security-Policy", iframeCSP)
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(b.String()))
}

// ShowMessage GET /mail/:token/:id/show，在新标签页中以 iframe 打开邮件
func (h *Handler) ShowMessage(c *gin.Context) {
	token := c.Param("token")
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		NotFound(c, MsgMessageNotFound)
		return
	}

	src := "/mail/" + url.PathEscape(token) + "/" + strconv.FormatUint(id, 10) + "/iframe"
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	if err := showPage.Execute(c.Writer, map[string]string{
		"Title": token,
		"Src":   src,
	}); err != nil {
		h.log.Warn("render show page", zap.Error(err))
	}
}

// loadMessage 读取路由参数对应的邮件
//
// 返回 ok=false 时已经写入错误响应；邮件不存在时返回 (nil, true)。
func (h *Handler) loadMessage(c *gin.Context) (*domain.Message, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		NotFound(c, MsgMessageNotFound)
		return nil, false
	}

	message, err := h.identities.GetMessage(c.Request.Context(), c.Param("token"), id)
	switch {
	case errors.Is(err, domain.ErrMessageNotFound):
		return nil, true
	case err != nil:
		respondError(c, h.log, err)
		return nil, false
	}
	return message, true
}

func (h *Handler) setTokenCookie(c *gin.Context, token string) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     tokenCookie,
		Value:    url.QueryEscape(token),
		Path:     "/",
		Expires:  time.Now().Add(tokenCookieTTL),
		SameSite: http.SameSiteLaxMode,
	})
}
