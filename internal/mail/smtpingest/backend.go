// Package smtpingest 实现一个只接收邮件的 SMTP 监听端。
//
// 【安全说明】
// 这是一个只接收邮件的 SMTP 服务器（Receiving-Only SMTP Server）：
// - 只接收发往受管域名的邮件
// - 不支持对外发送邮件（无邮件中继功能）
// - 不会成为垃圾邮件中继或开放中继
//
// 收到的邮件解析后交给入站处理管线，发件人是否属于某场仪式
// 由管线判定，不在 SMTP 会话内拒绝。
package smtpingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"vowmail/backend/internal/mail"
)

// maxMessageBytes 单封邮件的最大字节数
const maxMessageBytes = 10 << 20 // 10MB

// Config SMTP 监听配置
type Config struct {
	// 监听地址，如 ":25"
	Addr string
	// EHLO 标识域名
	Domain string
	// 接受收件的域名列表，为空时接受全部
	AllowedDomains []string

	MaxConnections int
	MaxConnRate    int
}

// Backend 实现 go-smtp 的 Backend 接口。
type Backend struct {
	handler        mail.Handler
	allowedDomains []string
	limiter        *ConnectionLimiter // 可为 nil
	log            *zap.Logger
}

// NewBackend 创建 SMTP Backend。
func NewBackend(handler mail.Handler, allowedDomains []string, limiter *ConnectionLimiter, log *zap.Logger) *Backend {
	lowered := make([]string, 0, len(allowedDomains))
	for _, d := range allowedDomains {
		lowered = append(lowered, strings.ToLower(strings.TrimSpace(d)))
	}
	return &Backend{
		handler:        handler,
		allowedDomains: lowered,
		limiter:        limiter,
		log:            log,
	}
}

// NewSession 创建新的 SMTP 会话。
func (b *Backend) NewSession(_ *gosmtp.Conn) (gosmtp.Session, error) {
	if b.limiter != nil && !b.limiter.Acquire() {
		return nil, &gosmtp.SMTPError{
			Code:         421,
			EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
			Message:      "too many connections, try again later",
		}
	}
	return &session{backend: b}, nil
}

type session struct {
	backend     *Backend
	fromAddress string
	recipients  []string
	released    bool
}

// Mail 处理 MAIL 命令。
func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	s.fromAddress = normalizeAddress(from)
	return nil
}

// Rcpt 处理 RCPT 命令。
//
// 【安全关键】只接受发往受管域名的邮件，其余地址一律返回 550，
// 确保服务器不会被用作邮件中继。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr := normalizeAddress(to)

	parts := strings.Split(addr, "@")
	if len(parts) != 2 {
		return &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		}
	}

	if !s.backend.domainAllowed(parts[1]) {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      "relay access denied - domain not managed by this server",
		}
	}

	s.recipients = append(s.recipients, addr)
	return nil
}

// Data 处理邮件内容。
func (s *session) Data(r io.Reader) error {
	if len(s.recipients) == 0 {
		return errors.New("no valid recipients")
	}

	rawBytes, err := io.ReadAll(io.LimitReader(r, maxMessageBytes))
	if err != nil {
		return err
	}

	raw, err := mail.ParseRaw(rawBytes)
	if err != nil {
		return fmt.Errorf("parse email: %w", err)
	}

	if raw.FromEmail == "" {
		raw.FromEmail = s.fromAddress
	}
	if raw.ExternalID == "" {
		raw.ExternalID = "smtp-" + uuid.NewString()
	}
	if len(raw.To) == 0 {
		for _, rcpt := range s.recipients {
			raw.To = append(raw.To, mail.Address{Email: rcpt})
		}
	}
	if raw.SentAt.IsZero() {
		raw.SentAt = time.Now().UTC()
	}

	s.backend.log.Debug("smtp message accepted",
		zap.String("external_id", raw.ExternalID),
		zap.String("from", raw.FromEmail),
		zap.Int("size", len(rawBytes)))

	s.backend.handler(context.Background(), raw)
	return nil
}

// Reset 重置状态。
func (s *session) Reset() {
	s.fromAddress = ""
	s.recipients = nil
}

// Logout 会话结束。
func (s *session) Logout() error {
	if s.backend.limiter != nil && !s.released {
		s.backend.limiter.Release()
		s.released = true
	}
	return nil
}

// domainAllowed 判断收件域名是否受管
func (b *Backend) domainAllowed(domain string) bool {
	if len(b.allowedDomains) == 0 {
		return true
	}
	for _, d := range b.allowedDomains {
		if strings.EqualFold(d, domain) {
			return true
		}
	}
	return false
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.Trim(addr, "<>")
	return strings.ToLower(addr)
}

// NewServer 根据配置构建 SMTP 服务器。
func NewServer(cfg Config, backend *Backend) *gosmtp.Server {
	srv := gosmtp.NewServer(backend)
	srv.Addr = cfg.Addr
	srv.Domain = cfg.Domain
	srv.ReadTimeout = 60 * time.Second
	srv.WriteTimeout = 60 * time.Second
	srv.MaxMessageBytes = maxMessageBytes
	srv.MaxRecipients = 10
	srv.AllowInsecureAuth = true
	return srv
}
