package storage

import (
	"context"
	"errors"
	"time"

	"vowmail/backend/internal/domain"
)

var (
	// ErrMessageNotFound 消息未找到错误
	ErrMessageNotFound = errors.New("message not found")
	// ErrCeremonyNotFound 仪式未找到错误
	ErrCeremonyNotFound = errors.New("ceremony not found")
)

// UpsertResult 幂等写入结果。
//
// Created 为 true 表示本次调用完成了插入；为 false 表示 ExternalID
// 已存在，Message 是先前写入的记录（而非本次入参）。
type UpsertResult struct {
	Message *domain.Message
	Created bool
}

// MessageRepository 定义消息数据存取操作。
//
// UpsertMessage 对同一 ExternalID 是线性化的：并发写入同一 ID 时
// 恰好一次插入成功，其余调用观察到已有记录。消息永不删除。
type MessageRepository interface {
	UpsertMessage(ctx context.Context, message *domain.Message) (*UpsertResult, error)
	GetMessageByExternalID(ctx context.Context, externalID string) (*domain.Message, error)
	// ListMessagesByCeremony 按接收时间倒序分页返回仪式消息
	ListMessagesByCeremony(ctx context.Context, ceremonyID string, page, pageSize int) ([]domain.Message, error)
	// MarkMessageRead 为指定用户追加已读回执，已存在时为空操作
	MarkMessageRead(ctx context.Context, externalID, userID string) (*domain.Message, error)
	// SetThreadFromParent 将子消息的线程 ID 设为父消息的线程 ID
	SetThreadFromParent(ctx context.Context, parentExternalID, childExternalID string) error
	// HasRecentSystemReply 判断仪式内是否存在发往 recipientEmail 的
	// 系统消息，其 SentAt 晚于 since
	HasRecentSystemReply(ctx context.Context, ceremonyID, recipientEmail string, since time.Time) (bool, error)
}

// CeremonyRepository 定义仪式数据存取操作。
//
// 仪式对本核心只读，SaveCeremony 仅用于初始化与测试数据。
type CeremonyRepository interface {
	SaveCeremony(ctx context.Context, ceremony *domain.Ceremony) error
	GetCeremony(ctx context.Context, id string) (*domain.Ceremony, error)
	FindCeremonyByParticipantEmail(ctx context.Context, email string) (*domain.Ceremony, error)
	GetAutoReplyConfig(ctx context.Context, ceremonyID string) (*domain.AutoReplyConfig, error)
}

// Store 聚合全部存储接口。
type Store interface {
	MessageRepository
	CeremonyRepository
	// Ping 检查存储可用性，用于健康检查
	Ping(ctx context.Context) error
}
