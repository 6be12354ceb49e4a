package service

import (
	"time"

	"vowmail/backend/internal/domain"
)

// Broadcaster 实时事件广播能力，由 WebSocket Hub 实现。
//
// 广播是尽力而为的：只投递给当前在线的仪式成员，不落盘、不重试，
// 实现永不返回错误。
type Broadcaster interface {
	BroadcastToCeremony(ceremonyID string, event domain.EventKind, payload any)
}

// ReadEventPayload message.read 事件载荷。
type ReadEventPayload struct {
	ExternalID string    `json:"externalId"`
	UserID     string    `json:"userId"`
	ReadAt     time.Time `json:"readAt"`
}

// MeetingResponsePayload meeting.responseUpdated 事件载荷。
type MeetingResponsePayload struct {
	MeetingUID  string    `json:"meetingUid"`
	UserID      string    `json:"userId"`
	Response    string    `json:"response"`
	RespondedAt time.Time `json:"respondedAt"`
}
