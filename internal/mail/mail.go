// Package mail 定义邮件传输适配层的出入站契约。
//
// 出站与入站是两个独立的能力，各自有独立的故障域：
// 出站发送失败落库为 failed 消息并上抛；入站拉取失败只影响当次批次。
package mail

import (
	"context"
	"time"

	"vowmail/backend/internal/domain"
)

// Address 邮件地址。
type Address struct {
	Email string
	Name  string
}

// AttachmentPayload 出站附件内容。
type AttachmentPayload struct {
	Filename    string
	ContentType string
	Content     []byte
	IsInline    bool
}

// Envelope 出站邮件信封。
type Envelope struct {
	From     Address
	To       []Address
	Cc       []Address
	Bcc      []Address
	Subject  string
	TextBody string
	HTMLBody string

	// 回复时引用的父消息外部 ID，写入 In-Reply-To 头
	InReplyTo string

	Attachments []AttachmentPayload
}

// OutboundTransport 出站发送能力。
//
// Send 必须可被并发调用，每次调用彼此独立，无隐式批处理。
// 实现内部负责超时控制；失败返回 *domain.TransportError。
type OutboundTransport interface {
	Send(ctx context.Context, env Envelope) (externalID string, err error)
}

// RawMail 入站原始邮件，已完成 MIME 解析。
type RawMail struct {
	// 传输方提供的全局唯一标识，作为幂等键
	ExternalID string

	FromEmail string
	FromName  string

	To []Address
	Cc []Address

	Subject  string
	TextBody string
	HTMLBody string

	// In-Reply-To 头引用的外部 ID，可为空
	InReplyTo string

	SentAt time.Time

	Attachments []domain.Attachment
}

// Handler 入站邮件处理函数。单条邮件的失败不影响批次内后续邮件。
type Handler func(ctx context.Context, raw RawMail)

// InboundSubscription 入站订阅能力。
//
// Start 启动长期订阅：事件通知与固定间隔轮询两个触发源汇入同一次
// 拉取，拉取到的邮件逐条交给 Handler 并在传输层标记已消费。
// 传输层的标记在崩溃下允许不可靠，消息存储的幂等写入才是
// 权威去重点。Stop 停止计时器、等待在途拉取完成后断开连接。
type InboundSubscription interface {
	Start(ctx context.Context, handler Handler) error
	Stop()
}
