package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vowmail/backend/internal/calendar"
	"vowmail/backend/internal/domain"
	"vowmail/backend/internal/mail"
	"vowmail/backend/internal/monitoring"
	"vowmail/backend/internal/storage"
)

// defaultSendTimeout 单次出站发送的最长耗时
const defaultSendTimeout = 30 * time.Second

// meetingUIDDomain 日历邀请 UID 的域后缀
const meetingUIDDomain = "vowmail"

// Dispatcher 出站邮件调度器。
//
// 发送结果无条件落库：成功为 sent，失败为 failed 并记录失败原因，
// 失败消息与正常消息一样出现在会话历史中。发送失败不重试，
// 调用方重新提交会产生一条新消息。
type Dispatcher struct {
	transport   mail.OutboundTransport
	messages    storage.MessageRepository
	broadcaster Broadcaster
	metrics     *monitoring.Metrics // 可为 nil
	log         *zap.Logger
	sendTimeout time.Duration
}

// NewDispatcher 创建出站调度器。metrics 传 nil 时不记录指标。
func NewDispatcher(transport mail.OutboundTransport, messages storage.MessageRepository, broadcaster Broadcaster, metrics *monitoring.Metrics, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		transport:   transport,
		messages:    messages,
		broadcaster: broadcaster,
		metrics:     metrics,
		log:         log,
		sendTimeout: defaultSendTimeout,
	}
}

// Dispatch 校验草稿、发送邮件并持久化结果。
//
// 返回的消息永远非空（校验通过后）：发送成功时状态为 sent，
// 发送失败时状态为 failed 且 error 同时上抛，供调用方区分。
// 校验失败返回 *domain.ValidationError，此时不发生任何传输调用。
func (d *Dispatcher) Dispatch(ctx context.Context, ceremony *domain.Ceremony, draft *domain.OutboundDraft) (*domain.Message, error) {
	if err := draft.Validate(); err != nil {
		return nil, err
	}

	env, attachments, err := d.buildEnvelope(ceremony, draft)
	if err != nil {
		return nil, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	externalID, sendErr := d.transport.Send(sendCtx, env)

	now := time.Now().UTC()
	msg := &domain.Message{
		ExternalID:       externalID,
		CeremonyID:       draft.CeremonyID,
		ThreadID:         domain.DefaultThreadID(draft.CeremonyID),
		Subject:          draft.Subject,
		BodyText:         draft.BodyText,
		BodyHTML:         draft.BodyHTML,
		Sender:           draft.Sender,
		Recipients:       draft.Recipients,
		SentAt:           now,
		ReceivedAt:       now,
		Attachments:      attachments,
		Status:           domain.StatusSent,
		IsReply:          draft.ParentExternalID != "",
		ParentExternalID: draft.ParentExternalID,
	}

	// 回复消息继承父消息线程，父消息未知时保留默认线程
	if draft.ParentExternalID != "" {
		if parent, perr := d.messages.GetMessageByExternalID(ctx, draft.ParentExternalID); perr == nil {
			msg.ThreadID = parent.ThreadID
		}
	}

	if sendErr != nil {
		// 失败消息没有传输方标识，生成本地 ID 保证可落库可查询
		msg.ExternalID = domain.NewLocalExternalID()
		msg.Status = domain.StatusFailed
		msg.ProcessingError = sendErr.Error()
		if d.metrics != nil {
			d.metrics.RecordMessageSendFailed()
		}
		d.log.Error("outbound send failed",
			zap.String("ceremony_id", draft.CeremonyID),
			zap.String("subject", draft.Subject),
			zap.Error(sendErr))
	} else if d.metrics != nil {
		d.metrics.RecordMessageSent()
	}

	res, err := d.messages.UpsertMessage(ctx, msg)
	if err != nil {
		d.log.Error("failed to persist outbound message",
			zap.String("external_id", msg.ExternalID),
			zap.Error(err))
		return nil, err
	}

	if d.broadcaster != nil {
		d.broadcaster.BroadcastToCeremony(draft.CeremonyID, domain.EventMessageCreated, res.Message.View())
	}

	return res.Message, sendErr
}

// buildEnvelope 将草稿转换为出站信封，并在需要时生成日历邀请附件。
func (d *Dispatcher) buildEnvelope(ceremony *domain.Ceremony, draft *domain.OutboundDraft) (mail.Envelope, []domain.Attachment, error) {
	env := mail.Envelope{
		From: mail.Address{
			Email: draft.Sender.Email,
			Name:  draft.Sender.DisplayName,
		},
		Subject:   draft.Subject,
		TextBody:  draft.BodyText,
		HTMLBody:  draft.BodyHTML,
		InReplyTo: draft.ParentExternalID,
	}

	for _, r := range draft.Recipients {
		addr := mail.Address{Email: r.Email, Name: r.DisplayName}
		if ceremony != nil && addr.Name == "" {
			addr.Name = ceremony.DisplayNameForEmail(r.Email)
		}
		switch r.Kind {
		case domain.RecipientCc:
			env.Cc = append(env.Cc, addr)
		case domain.RecipientBcc:
			env.Bcc = append(env.Bcc, addr)
		default:
			env.To = append(env.To, addr)
		}
	}

	var attachments []domain.Attachment

	if draft.Meeting != nil {
		inv := calendar.Invite{
			UID:             uuid.NewString() + "@" + meetingUIDDomain,
			Summary:         draft.Subject,
			Description:     draft.BodyText,
			Location:        draft.Meeting.Location,
			Start:           draft.Meeting.StartTime,
			DurationMinutes: draft.Meeting.DurationMinutes,
			Organizer: calendar.Attendee{
				Email: draft.Sender.Email,
				Name:  draft.Sender.DisplayName,
			},
		}
		for _, to := range env.To {
			inv.Attendees = append(inv.Attendees, calendar.Attendee{Email: to.Email, Name: to.Name})
		}

		ics, err := calendar.Render(inv)
		if err != nil {
			return mail.Envelope{}, nil, err
		}

		env.Attachments = append(env.Attachments, mail.AttachmentPayload{
			Filename:    calendar.Filename,
			ContentType: calendar.ContentType,
			Content:     ics,
		})
		attachments = append(attachments, domain.Attachment{
			Filename:    calendar.Filename,
			ContentType: calendar.ContentType,
			SizeBytes:   int64(len(ics)),
		})
	}

	return env, attachments, nil
}
