package smtp

import (
	"context"
	"errors"

	gosmtp "github.com/emersion/go-smtp"

	"tempmail/gateway/internal/domain"
)

// 协议回复。拒绝收件人的回复不带增强状态码，线上文本与旧系统逐字节一致。
var (
	replyMalformedAddress = &gosmtp.SMTPError{
		Code:         501,
		EnhancedCode: gosmtp.NoEnhancedCode,
		Message:      "Malformed Address",
	}
	replyDomainNotHandled = &gosmtp.SMTPError{
		Code:         501,
		EnhancedCode: gosmtp.NoEnhancedCode,
		Message:      "Domain Not Handled",
	}
	replyAddressNotExist = &gosmtp.SMTPError{
		Code:         510,
		EnhancedCode: gosmtp.NoEnhancedCode,
		Message:      "Address Does Not Exist",
	}
	replyLocalError = &gosmtp.SMTPError{
		Code:         451,
		EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
		Message:      "Requested action aborted: local error in processing",
	}
	replyTransactionFailed = &gosmtp.SMTPError{
		Code:         554,
		EnhancedCode: gosmtp.EnhancedCode{5, 3, 0},
		Message:      "Transaction failed",
	}
	replyTooLarge = &gosmtp.SMTPError{
		Code:         552,
		EnhancedCode: gosmtp.EnhancedCode{5, 3, 4},
		Message:      "Message Too Large",
	}
	replyBadSequence = &gosmtp.SMTPError{
		Code:         503,
		EnhancedCode: gosmtp.EnhancedCode{5, 5, 1},
		Message:      "Bad sequence of commands",
	}
	replyTooManyConnections = &gosmtp.SMTPError{
		Code:         421,
		EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
		Message:      "Too many connections, try again later",
	}
)

// ingestReply 把入库失败映射为 DATA 的回复
//
// 可重试的错误（存储不可用、所有者被并发删除、超时）返回 451，发件方稍后重投；
// 其余错误重投也不会成功，返回 554。
func ingestReply(err error) *gosmtp.SMTPError {
	switch {
	case errors.Is(err, domain.ErrBodyTooLarge):
		return replyTooLarge
	case domain.IsTransient(err),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return replyLocalError
	default:
		return replyTransactionFailed
	}
}
