package smtp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"tempmail/gateway/internal/domain"
	"tempmail/gateway/internal/events"
)

// sessionState 单次投递的协议状态
type sessionState int

const (
	stateAwaitingEnvelope sessionState = iota
	stateRecipientsAccepted
	stateAwaitingData
	stateComplete
	stateAborted
)

func (s sessionState) String() string {
	switch s {
	case stateAwaitingEnvelope:
		return "awaiting_envelope"
	case stateRecipientsAccepted:
		return "recipients_accepted"
	case stateAwaitingData:
		return "awaiting_data"
	case stateComplete:
		return "complete"
	case stateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// recipient 已接受的收件人
type recipient struct {
	address    string
	identityID uint64
	token      string
}

type session struct {
	backend *Backend
	ctx     context.Context
	cancel  context.CancelFunc
	remote  string
	once    sync.Once

	state      sessionState
	from       string
	recipients []recipient
}

// Mail 处理 MAIL 命令，不校验发件人。
func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	s.from = from
	return nil
}

// Rcpt 处理 RCPT 命令。
//
// 校验顺序：地址语法、域名白名单、身份是否存在。
// 每个被接受的收件人按顺序记录，第一个收件人就是邮件的所有者。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	b := s.backend

	addr, err := domain.ParseAddress(to)
	if err != nil {
		b.metrics.RecordRecipientRejected("malformed")
		return replyMalformedAddress
	}
	if !b.domains.Contains(addr.Domain) {
		b.metrics.RecordRecipientRejected("domain")
		return replyDomainNotHandled
	}

	ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
	defer cancel()

	identity, err := b.store.FindIdentity(ctx, addr.LocalPart)
	switch {
	case errors.Is(err, domain.ErrIdentityNotFound):
		b.metrics.RecordRecipientRejected("unknown")
		return replyAddressNotExist
	case err != nil:
		b.metrics.RecordRecipientRejected("storage")
		b.log.Error("recipient lookup failed",
			zap.String("rcpt", addr.String()),
			zap.Error(err))
		return replyLocalError
	}

	s.recipients = append(s.recipients, recipient{
		address:    addr.String(),
		identityID: identity.ID,
		token:      identity.Token,
	})
	s.state = stateRecipientsAccepted
	b.metrics.RecipientsAccepted.Inc()
	return nil
}

// Data 处理邮件内容，为第一个收件人写入恰好一封邮件。
//
// 存储失败只让本次投递失败（可重试为 451，否则 554），连接保持可用。
func (s *session) Data(r io.Reader) error {
	b := s.backend

	if s.state != stateRecipientsAccepted || len(s.recipients) == 0 {
		return replyBadSequence
	}
	s.state = stateAwaitingData

	raw, err := io.ReadAll(io.LimitReader(r, b.maxMessageBytes+1))
	if err == nil && int64(len(raw)) > b.maxMessageBytes {
		err = gosmtp.ErrDataTooLarge
	}
	if err != nil {
		s.state = stateAborted
		if errors.Is(err, gosmtp.ErrDataTooLarge) {
			err = fmt.Errorf("%w: limit %d bytes", domain.ErrBodyTooLarge, b.maxMessageBytes)
			b.metrics.RecordIngestFailure("too_large")
			b.log.Info("message rejected",
				zap.String("remote", s.remote),
				zap.Error(err))
			return ingestReply(err)
		}
		b.metrics.RecordIngestFailure("read")
		return err
	}
	b.metrics.MessageSize.Observe(float64(len(raw)))

	parsed := ParseEmail(raw)
	owner := s.recipients[0]
	message := domain.NewMessage(owner.identityID, domain.MessageFields{
		Subject:       parsed.Subject,
		Sender:        s.from,
		PlainBody:     parsed.Text,
		HTMLBody:      parsed.HTML,
		ClaimedSentAt: parsed.Date,
	}, b.bodyLimit, b.now())

	ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
	defer cancel()

	stored, err := b.store.AppendMessage(ctx, owner.identityID, message)
	if err != nil {
		s.state = stateAborted
		reason := "storage"
		if errors.Is(err, domain.ErrOwnerVanished) {
			reason = "owner_vanished"
		}
		b.metrics.RecordIngestFailure(reason)
		b.log.Warn("message not stored",
			zap.String("rcpt", owner.address),
			zap.String("remote", s.remote),
			zap.Bool("transient", domain.IsTransient(err)),
			zap.Error(err))
		return ingestReply(err)
	}

	s.state = stateComplete
	b.metrics.MessagesStored.Inc()
	b.log.Info("message stored",
		zap.String("rcpt", owner.address),
		zap.String("from", s.from),
		zap.Uint64("id", stored.ID),
		zap.Int("recipients", len(s.recipients)))

	if b.bus != nil {
		err := b.bus.Publish(ctx, events.NewMail{Token: owner.token, Message: stored.Summary()})
		b.metrics.RecordEventPublished(err)
		if err != nil {
			b.log.Warn("failed to publish new mail event", zap.Error(err))
		}
	}
	return nil
}

// Reset 放弃当前投递，回到等待信封状态。
func (s *session) Reset() {
	s.from = ""
	s.recipients = nil
	s.state = stateAwaitingEnvelope
}

// Logout 会话结束，释放连接许可。
func (s *session) Logout() error {
	s.once.Do(func() {
		s.cancel()
		s.backend.metrics.SMTPSessionsActive.Dec()
		if s.backend.limiter != nil {
			s.backend.limiter.Release()
		}
	})
	return nil
}
