package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"vowmail/backend/internal/domain"
	"vowmail/backend/internal/monitoring"
	"vowmail/backend/internal/storage"
)

// defaultDebounceWindow 自动回复的去抖窗口
const defaultDebounceWindow = 24 * time.Hour

// DraftDispatcher 草稿发送能力，由 Dispatcher 实现。
type DraftDispatcher interface {
	Dispatch(ctx context.Context, ceremony *domain.Ceremony, draft *domain.OutboundDraft) (*domain.Message, error)
}

// AutoReplyGuard 自动回复守卫。
//
// 对每条新入站消息评估是否发送自动回复。三个条件全部满足才发送：
// 仪式启用了自动回复、发件人不是司仪、去抖窗口内没有已发往该
// 发件人的系统消息。守卫失败只记录日志，从不影响入站消息本身。
type AutoReplyGuard struct {
	messages   storage.MessageRepository
	dispatcher DraftDispatcher
	metrics    *monitoring.Metrics // 可为 nil
	log        *zap.Logger

	window time.Duration

	// 系统发件地址，自动回复以该地址与 system 角色发出
	systemEmail string
	systemName  string
}

// NewAutoReplyGuard 创建自动回复守卫。
func NewAutoReplyGuard(messages storage.MessageRepository, dispatcher DraftDispatcher, systemEmail, systemName string, metrics *monitoring.Metrics, log *zap.Logger) *AutoReplyGuard {
	return &AutoReplyGuard{
		messages:    messages,
		dispatcher:  dispatcher,
		metrics:     metrics,
		log:         log,
		window:      defaultDebounceWindow,
		systemEmail: systemEmail,
		systemName:  systemName,
	}
}

// MaybeReply 评估并发送自动回复。
//
// 只应在入站消息首次落库后调用；重复消息不触发评估。
func (g *AutoReplyGuard) MaybeReply(ctx context.Context, ceremony *domain.Ceremony, inbound *domain.Message) {
	if ceremony == nil || !ceremony.AutoReplyEnabled || ceremony.AutoReplyTemplate == "" {
		return
	}
	// 司仪自己的来信不自动回复
	if inbound.Sender.Role == domain.RoleOfficiant {
		return
	}

	since := time.Now().Add(-g.window)
	recent, err := g.messages.HasRecentSystemReply(ctx, ceremony.ID, inbound.Sender.Email, since)
	if err != nil {
		g.log.Error("auto-reply window check failed",
			zap.String("ceremony_id", ceremony.ID),
			zap.String("sender", inbound.Sender.Email),
			zap.Error(err))
		return
	}
	if recent {
		if g.metrics != nil {
			g.metrics.RecordAutoReplySuppressed()
		}
		g.log.Debug("auto-reply suppressed by debounce window",
			zap.String("ceremony_id", ceremony.ID),
			zap.String("sender", inbound.Sender.Email))
		return
	}

	draft := &domain.OutboundDraft{
		CeremonyID: ceremony.ID,
		Sender: domain.Participant{
			Email:       g.systemEmail,
			DisplayName: g.systemName,
			Role:        domain.RoleSystem,
		},
		Recipients: []domain.Recipient{
			{
				Email:       inbound.Sender.Email,
				DisplayName: inbound.Sender.DisplayName,
				Kind:        domain.RecipientTo,
			},
		},
		Subject:          replySubject(inbound.Subject),
		BodyText:         ceremony.AutoReplyTemplate,
		ParentExternalID: inbound.ExternalID,
	}

	if _, err := g.dispatcher.Dispatch(ctx, ceremony, draft); err != nil {
		g.log.Warn("auto-reply dispatch failed",
			zap.String("ceremony_id", ceremony.ID),
			zap.String("sender", inbound.Sender.Email),
			zap.Error(err))
		return
	}

	if g.metrics != nil {
		g.metrics.RecordAutoReplySent()
	}
	g.log.Info("auto-reply sent",
		zap.String("ceremony_id", ceremony.ID),
		zap.String("recipient", inbound.Sender.Email))
}

// replySubject 构造回复主题，避免叠加 Re: 前缀。
func replySubject(subject string) string {
	if subject == "" {
		return "Re: your message"
	}
	if len(subject) >= 3 && (subject[:3] == "Re:" || subject[:3] == "RE:") {
		return subject
	}
	return "Re: " + subject
}
