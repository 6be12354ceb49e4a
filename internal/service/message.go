package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"vowmail/backend/internal/domain"
	"vowmail/backend/internal/storage"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// validMeetingResponses 会面响应的合法取值。
var validMeetingResponses = map[string]bool{
	"accepted":  true,
	"declined":  true,
	"tentative": true,
}

// MessageService 会话消息应用服务。
//
// 封装出站提交、历史查询、已读回执与会面响应，供 HTTP 层调用。
type MessageService struct {
	store       storage.Store
	dispatcher  DraftDispatcher
	broadcaster Broadcaster
	log         *zap.Logger
}

// NewMessageService 创建消息服务。
func NewMessageService(store storage.Store, dispatcher DraftDispatcher, broadcaster Broadcaster, log *zap.Logger) *MessageService {
	return &MessageService{
		store:       store,
		dispatcher:  dispatcher,
		broadcaster: broadcaster,
		log:         log,
	}
}

// SubmitOutboundMessage 提交一封出站邮件。
//
// 发件人角色与显示名从仪式参与者表解析后覆盖草稿内容；
// 非仪式参与者不能作为发件人。发送失败的消息同样会落库并返回，
// 调用方通过 error 区分结果。
func (s *MessageService) SubmitOutboundMessage(ctx context.Context, ceremonyID string, draft *domain.OutboundDraft) (*domain.Message, error) {
	ceremony, err := s.store.GetCeremony(ctx, ceremonyID)
	if err != nil {
		return nil, err
	}

	draft.CeremonyID = ceremony.ID
	role, ok := ceremony.RoleForEmail(draft.Sender.Email)
	if !ok {
		return nil, domain.NewValidationError("sender.email", "not a ceremony participant")
	}
	draft.Sender.Role = role
	if draft.Sender.DisplayName == "" {
		draft.Sender.DisplayName = ceremony.DisplayNameForEmail(draft.Sender.Email)
	}

	return s.dispatcher.Dispatch(ctx, ceremony, draft)
}

// GetConversationHistory 按接收时间倒序分页返回仪式会话历史。
//
// 历史包含全部状态的消息，发送失败的消息也在其中。
func (s *MessageService) GetConversationHistory(ctx context.Context, ceremonyID string, page, pageSize int) ([]domain.Message, error) {
	if _, err := s.store.GetCeremony(ctx, ceremonyID); err != nil {
		return nil, err
	}

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	return s.store.ListMessagesByCeremony(ctx, ceremonyID, page, pageSize)
}

// MarkMessageRead 为指定用户记录已读回执并广播 message.read 事件。
//
// 同一用户重复标记为空操作，不产生第二次广播。
func (s *MessageService) MarkMessageRead(ctx context.Context, externalID, userID string) (*domain.Message, error) {
	if userID == "" {
		return nil, domain.NewValidationError("userId", "must not be empty")
	}

	before, err := s.store.GetMessageByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	alreadyRead := before.ReadBy(userID)

	msg, err := s.store.MarkMessageRead(ctx, externalID, userID)
	if err != nil {
		return nil, err
	}

	if !alreadyRead && s.broadcaster != nil {
		s.broadcaster.BroadcastToCeremony(msg.CeremonyID, domain.EventMessageRead, ReadEventPayload{
			ExternalID: externalID,
			UserID:     userID,
			ReadAt:     time.Now().UTC(),
		})
	}

	return msg, nil
}

// RecordMeetingResponse 记录会面邀请响应并广播 meeting.responseUpdated。
//
// 响应本身不落库，只作为实时事件推送给仪式成员。
func (s *MessageService) RecordMeetingResponse(ctx context.Context, ceremonyID, meetingUID, userID, response string) error {
	if meetingUID == "" {
		return domain.NewValidationError("meetingUid", "must not be empty")
	}
	if userID == "" {
		return domain.NewValidationError("userId", "must not be empty")
	}
	if !validMeetingResponses[response] {
		return domain.NewValidationError("response", "must be one of accepted, declined, tentative")
	}

	if _, err := s.store.GetCeremony(ctx, ceremonyID); err != nil {
		return err
	}

	if s.broadcaster != nil {
		s.broadcaster.BroadcastToCeremony(ceremonyID, domain.EventMeetingResponseUpdated, MeetingResponsePayload{
			MeetingUID:  meetingUID,
			UserID:      userID,
			Response:    response,
			RespondedAt: time.Now().UTC(),
		})
	}

	s.log.Info("meeting response recorded",
		zap.String("ceremony_id", ceremonyID),
		zap.String("meeting_uid", meetingUID),
		zap.String("response", response))
	return nil
}
