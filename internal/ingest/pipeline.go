// Package ingest 实现入站邮件处理管线。
//
// 管线把一封已解析的入站邮件变成一条仪式会话消息：
// 解析发件人 -> 确定角色 -> 归一化收件人 -> 计算线程 -> 幂等落库。
// 只有首次落库的消息才触发广播与自动回复；重复投递静默跳过。
// 单封邮件的失败不影响同批次的其他邮件。
package ingest

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"vowmail/backend/internal/directory"
	"vowmail/backend/internal/domain"
	"vowmail/backend/internal/mail"
	"vowmail/backend/internal/monitoring"
	"vowmail/backend/internal/pool"
	"vowmail/backend/internal/service"
	"vowmail/backend/internal/storage"
)

// Resolver 发件人解析能力，由 directory.Resolver 实现。
type Resolver interface {
	ResolveBySenderEmail(ctx context.Context, email string) (*directory.Resolution, error)
}

// AutoReplier 自动回复评估能力，由 service.AutoReplyGuard 实现。
type AutoReplier interface {
	MaybeReply(ctx context.Context, ceremony *domain.Ceremony, inbound *domain.Message)
}

// Pipeline 入站处理管线。
//
// ProcessRaw 可被多个生产者并发调用，正确性依赖存储层的幂等写入
// 而非调用方互斥。
type Pipeline struct {
	resolver    Resolver
	messages    storage.MessageRepository
	broadcaster service.Broadcaster // 可为 nil
	autoReply   AutoReplier         // 可为 nil
	workers     *pool.WorkerPool    // 可为 nil，此时同步处理
	metrics     *monitoring.Metrics // 可为 nil
	log         *zap.Logger
}

// NewPipeline 创建入站管线。
func NewPipeline(resolver Resolver, messages storage.MessageRepository, broadcaster service.Broadcaster, autoReply AutoReplier, workers *pool.WorkerPool, metrics *monitoring.Metrics, log *zap.Logger) *Pipeline {
	return &Pipeline{
		resolver:    resolver,
		messages:    messages,
		broadcaster: broadcaster,
		autoReply:   autoReply,
		workers:     workers,
		metrics:     metrics,
		log:         log,
	}
}

// Handler 返回供入站订阅使用的处理函数。
//
// 返回的函数在处理完成后才返回：传输层在其返回后才确认邮件
// （IMAP 标记 \Seen、SMTP 回复 250），已确认的邮件不会丢失。
// 配置了协程池时由池内协程处理，池起到限流作用。
func (p *Pipeline) Handler() mail.Handler {
	return func(ctx context.Context, raw mail.RawMail) {
		if p.workers != nil {
			done := make(chan struct{})
			p.workers.Submit(func() {
				defer close(done)
				p.ProcessRaw(ctx, raw)
			})
			<-done
			return
		}
		p.ProcessRaw(ctx, raw)
	}
}

// ProcessRaw 处理单封入站邮件。
//
// 发件人未匹配任何仪式时静默丢弃；重复的 ExternalID 跳过全部
// 副作用。处理失败记录日志后返回，不向调用方传播。
func (p *Pipeline) ProcessRaw(ctx context.Context, raw mail.RawMail) {
	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.RecordIngestDuration(time.Since(start))
		}
	}()

	resolution, err := p.resolver.ResolveBySenderEmail(ctx, raw.FromEmail)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			if p.metrics != nil {
				p.metrics.RecordMessageDropped()
			}
			p.log.Debug("dropping mail from unknown sender",
				zap.String("from", raw.FromEmail),
				zap.String("external_id", raw.ExternalID))
			return
		}
		if p.metrics != nil {
			p.metrics.RecordError("resolve", "ingest")
		}
		p.log.Error("sender resolution failed",
			zap.String("from", raw.FromEmail),
			zap.Error(err))
		return
	}

	msg := p.buildMessage(resolution, raw)

	res, err := p.messages.UpsertMessage(ctx, msg)
	if err != nil {
		if p.metrics != nil {
			p.metrics.RecordError("upsert", "ingest")
		}
		p.log.Error("failed to persist inbound message",
			zap.String("external_id", msg.ExternalID),
			zap.Error(err))
		return
	}

	if !res.Created {
		if p.metrics != nil {
			p.metrics.RecordMessageDuplicate()
		}
		p.log.Debug("duplicate inbound message ignored",
			zap.String("external_id", msg.ExternalID))
		return
	}

	stored := res.Message

	// 被识别的回复链继承父消息线程，父消息未知时保留默认线程
	if raw.InReplyTo != "" {
		switch err := p.messages.SetThreadFromParent(ctx, raw.InReplyTo, stored.ExternalID); {
		case err == nil:
			if refreshed, gerr := p.messages.GetMessageByExternalID(ctx, stored.ExternalID); gerr == nil {
				stored = refreshed
			}
		case errors.Is(err, storage.ErrMessageNotFound):
			p.log.Debug("reply parent unknown, keeping default thread",
				zap.String("external_id", stored.ExternalID),
				zap.String("parent", raw.InReplyTo))
		default:
			p.log.Warn("thread inheritance failed",
				zap.String("external_id", stored.ExternalID),
				zap.Error(err))
		}
	}

	if p.metrics != nil {
		p.metrics.RecordMessageIngested()
	}
	p.log.Info("inbound message ingested",
		zap.String("external_id", stored.ExternalID),
		zap.String("ceremony_id", stored.CeremonyID),
		zap.String("role", string(stored.Sender.Role)))

	if p.broadcaster != nil {
		p.broadcaster.BroadcastToCeremony(stored.CeremonyID, domain.EventMessageCreated, stored.View())
	}

	if p.autoReply != nil {
		p.autoReply.MaybeReply(ctx, resolution.Ceremony, stored)
	}
}

// buildMessage 将原始邮件归一化为会话消息。
func (p *Pipeline) buildMessage(resolution *directory.Resolution, raw mail.RawMail) *domain.Message {
	ceremony := resolution.Ceremony
	now := time.Now().UTC()

	senderEmail := strings.ToLower(strings.TrimSpace(raw.FromEmail))
	senderName := raw.FromName
	if senderName == "" {
		senderName = ceremony.DisplayNameForEmail(senderEmail)
	}

	sentAt := raw.SentAt
	if sentAt.IsZero() {
		sentAt = now
	}

	msg := &domain.Message{
		ExternalID: raw.ExternalID,
		CeremonyID: ceremony.ID,
		ThreadID:   domain.DefaultThreadID(ceremony.ID),
		Subject:    raw.Subject,
		BodyText:   raw.TextBody,
		BodyHTML:   raw.HTMLBody,
		Sender: domain.Participant{
			Email:       senderEmail,
			DisplayName: senderName,
			Role:        resolution.Role,
		},
		SentAt:           sentAt,
		ReceivedAt:       now,
		Attachments:      raw.Attachments,
		Status:           domain.StatusDelivered,
		IsReply:          raw.InReplyTo != "",
		ParentExternalID: raw.InReplyTo,
	}

	msg.Recipients = append(msg.Recipients, recipients(ceremony, raw.To, domain.RecipientTo)...)
	msg.Recipients = append(msg.Recipients, recipients(ceremony, raw.Cc, domain.RecipientCc)...)
	return msg
}

// recipients 归一化一组收件人地址。
func recipients(ceremony *domain.Ceremony, addrs []mail.Address, kind domain.RecipientKind) []domain.Recipient {
	out := make([]domain.Recipient, 0, len(addrs))
	for _, a := range addrs {
		email := strings.ToLower(strings.TrimSpace(a.Email))
		if email == "" {
			continue
		}
		name := a.Name
		if name == "" {
			name = ceremony.DisplayNameForEmail(email)
		}
		out = append(out, domain.Recipient{
			Email:       email,
			DisplayName: name,
			Kind:        kind,
		})
	}
	return out
}
