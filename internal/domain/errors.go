package domain

import "errors"

// 业务错误定义。存储实现和协议层都以 errors.Is 匹配这些错误。
var (
	ErrMalformedAddress   = errors.New("malformed address")
	ErrDomainNotAllowed   = errors.New("domain not allowed")
	ErrIdentityNotFound   = errors.New("identity not found")
	ErrIdentityExists     = errors.New("identity already exists")
	ErrOwnerVanished      = errors.New("owner identity vanished")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrBodyTooLarge       = errors.New("message body too large")
	ErrMessageNotFound    = errors.New("message not found")
	ErrInvalidToken       = errors.New("invalid token")
)

// IsTransient 判断错误是否可以由调用方稍后重试。
func IsTransient(err error) bool {
	return errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrOwnerVanished)
}
