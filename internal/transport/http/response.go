package httptransport

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response 统一错误响应结构
//
// 成功响应沿用旧版前端的格式直接返回数据，只有错误使用该结构，
// code 与 HTTP 状态码一致。
type Response struct {
	Code int         `json:"code"`           // 业务状态码
	Msg  string      `json:"msg,omitempty"`  // 中文提示信息
	Data interface{} `json:"data,omitempty"` // 数据载荷
}

// 业务状态码定义
const (
	CodeBadRequest    = 400 // 请求参数错误
	CodeNotFound      = 404 // 资源不存在
	CodeInternalError = 500 // 服务器内部错误
)

// BadRequest 请求参数错误（400）
func BadRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, Response{
		Code: CodeBadRequest,
		Msg:  msg,
	})
}

// NotFound 资源不存在错误（404）
func NotFound(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusNotFound, Response{
		Code: CodeNotFound,
		Msg:  msg,
	})
}

// InternalError 服务器内部错误（500）
func InternalError(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, Response{
		Code: CodeInternalError,
		Msg:  msg,
	})
}

// Error 通用错误响应（根据HTTP状态码自动选择）
func Error(c *gin.Context, httpCode int, msg string) {
	c.AbortWithStatusJSON(httpCode, Response{
		Code: httpCode,
		Msg:  msg,
	})
}
