package domain

import (
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MessageStatus 表示消息投递状态。
//
// 状态机只允许前进：
//
//	pending -> sent -> delivered -> read
//
// 任意非终态在传输或校验失败时可进入 failed。
// failed 与 read 为终态；发送失败不原地重试，重试产生新消息。
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// statusRank 状态机前进顺序。
var statusRank = map[MessageStatus]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// CanTransition 判断状态迁移是否合法。
func (s MessageStatus) CanTransition(next MessageStatus) bool {
	if s == StatusFailed || s == StatusRead {
		return false
	}
	if next == StatusFailed {
		return true
	}
	from, okFrom := statusRank[s]
	to, okTo := statusRank[next]
	return okFrom && okTo && to > from
}

// RecipientKind 收件人类型。
type RecipientKind string

const (
	RecipientTo  RecipientKind = "to"
	RecipientCc  RecipientKind = "cc"
	RecipientBcc RecipientKind = "bcc"
)

// Participant 消息发送方。
type Participant struct {
	Email       string          `json:"email"`
	DisplayName string          `json:"displayName,omitempty"`
	Role        ParticipantRole `json:"role"`
}

// Recipient 消息收件人。
type Recipient struct {
	Email       string        `json:"email"`
	DisplayName string        `json:"displayName,omitempty"`
	Kind        RecipientKind `json:"kind"`
}

// Attachment 附件元数据。内容本身不经过本核心。
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	SizeBytes   int64  `json:"sizeBytes"`
	IsInline    bool   `json:"isInline"`
}

// ReadReceipt 已读回执，按用户去重。
type ReadReceipt struct {
	UserID string    `json:"userId"`
	ReadAt time.Time `json:"readAt"`
}

// Message 表示一条仪式会话内的通信记录。
//
// ExternalID 由邮件传输方提供（系统邮件为本地生成），
// 是全库唯一的幂等键：相同 ExternalID 的二次写入为空操作。
// 本核心不删除任何消息。
type Message struct {
	ExternalID string `json:"externalId"`
	CeremonyID string `json:"ceremonyId"`
	ThreadID   string `json:"threadId"`

	Subject  string `json:"subject"`
	BodyText string `json:"bodyText"`
	BodyHTML string `json:"bodyHtml,omitempty"`

	Sender     Participant `json:"sender"`
	Recipients []Recipient `json:"recipients"`

	SentAt     time.Time `json:"sentAt"`
	ReceivedAt time.Time `json:"receivedAt"`

	Attachments []Attachment `json:"attachments,omitempty"`

	Status MessageStatus `json:"status"`

	IsReply          bool   `json:"isReply"`
	ParentExternalID string `json:"parentExternalId,omitempty"`

	ReadReceipts []ReadReceipt `json:"readReceipts,omitempty"`

	// 仅在 Status == failed 时存在
	ProcessingError string `json:"processingError,omitempty"`
}

// ReadBy 判断指定用户是否已读。
func (m *Message) ReadBy(userID string) bool {
	for _, r := range m.ReadReceipts {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// threadNamespace 会话默认线程 ID 的 UUID 命名空间。
var threadNamespace = uuid.MustParse("8c9d4a52-7f31-4be0-9f62-3d5a1e6fb0c4")

// DefaultThreadID 计算仪式的默认线程 ID。
//
// 同一仪式内的消息默认归入同一线程，线程 ID 由仪式 ID 确定性导出；
// 只有被显式识别的回复链才会继承父消息线程。
func DefaultThreadID(ceremonyID string) string {
	return uuid.NewSHA1(threadNamespace, []byte(ceremonyID)).String()
}

// NewLocalExternalID 为系统发起的邮件生成本地外部 ID。
func NewLocalExternalID() string {
	return "local-" + uuid.NewString()
}

// EventKind 实时事件类型。
type EventKind string

const (
	EventMessageCreated         EventKind = "message.created"
	EventMessageRead            EventKind = "message.read"
	EventPresenceJoined         EventKind = "presence.joined"
	EventPresenceLeft           EventKind = "presence.left"
	EventMeetingResponseUpdated EventKind = "meeting.responseUpdated"
)

// MessageView 推送给客户端的消息投影，不携带原始传输载荷。
type MessageView struct {
	ExternalID  string          `json:"externalId"`
	CeremonyID  string          `json:"ceremonyId"`
	ThreadID    string          `json:"threadId"`
	Subject     string          `json:"subject"`
	Preview     string          `json:"preview,omitempty"`
	SenderEmail string          `json:"senderEmail"`
	SenderName  string          `json:"senderName,omitempty"`
	SenderRole  ParticipantRole `json:"senderRole"`
	Status      MessageStatus   `json:"status"`
	IsReply     bool            `json:"isReply"`
	SentAt      time.Time       `json:"sentAt"`
}

// previewLimit 推送预览的最大长度。
const previewLimit = 120

// View 构建消息投影。
func (m *Message) View() MessageView {
	preview := m.BodyText
	if len(preview) > previewLimit {
		// 回退到 UTF-8 字符边界，避免截断多字节字符
		cut := previewLimit
		for cut > 0 && !utf8.RuneStart(preview[cut]) {
			cut--
		}
		preview = preview[:cut]
	}
	return MessageView{
		ExternalID:  m.ExternalID,
		CeremonyID:  m.CeremonyID,
		ThreadID:    m.ThreadID,
		Subject:     m.Subject,
		Preview:     preview,
		SenderEmail: m.Sender.Email,
		SenderName:  m.Sender.DisplayName,
		SenderRole:  m.Sender.Role,
		Status:      m.Status,
		IsReply:     m.IsReply,
		SentAt:      m.SentAt,
	}
}
