package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tempmail/gateway/internal/domain"
)

// 通用错误消息
const (
	MsgInvalidJSON      = "JSON格式错误"
	MsgIdentityNotFound = "邮箱不存在"
	MsgMessageNotFound  = "邮件不存在"
	MsgDomainNotAllowed = "域名不在允许列表中"
	MsgInvalidToken     = "邮箱名无效"
	MsgInternalError    = "服务器内部错误，请稍后重试"
)

// errorStatus 业务错误到 HTTP 状态码和中文消息的映射
var errorStatus = []struct {
	err    error
	status int
	msg    string
}{
	{domain.ErrIdentityNotFound, http.StatusNotFound, MsgIdentityNotFound},
	{domain.ErrMessageNotFound, http.StatusNotFound, MsgMessageNotFound},
	{domain.ErrDomainNotAllowed, http.StatusBadRequest, MsgDomainNotAllowed},
	{domain.ErrInvalidToken, http.StatusBadRequest, MsgInvalidToken},
}

// respondError 根据业务错误写入错误响应，未知错误记录日志并返回 500
func respondError(c *gin.Context, log *zap.Logger, err error) {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			Error(c, e.status, e.msg)
			return
		}
	}

	_ = c.Error(err)
	log.Error("request failed",
		zap.String("path", c.FullPath()),
		zap.Error(err))
	InternalError(c, MsgInternalError)
}
