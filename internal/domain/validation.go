package domain

import (
	"strings"
	"unicode"
)

// MaxTokenLength 令牌最大长度，与 identities.token 列宽一致。
const MaxTokenLength = 64

// ValidateToken 校验用户自选的令牌。
//
// 令牌会成为收件地址的本地部分，因此不能包含 '@'、空白或控制字符。
func ValidateToken(token string) error {
	if token == "" || len(token) > MaxTokenLength {
		return ErrInvalidToken
	}
	if strings.ContainsRune(token, '@') {
		return ErrInvalidToken
	}
	for _, r := range token {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return ErrInvalidToken
		}
	}
	return nil
}
