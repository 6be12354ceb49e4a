package domain

import (
	"net/mail"
	"strings"
	"time"
)

// MeetingRequest 会面邀请参数，用于生成日历附件。
type MeetingRequest struct {
	Location        string    `json:"location"`
	StartTime       time.Time `json:"startTime"`
	DurationMinutes int       `json:"durationMinutes"`
}

// OutboundDraft 待发送邮件草稿。
type OutboundDraft struct {
	CeremonyID string      `json:"ceremonyId"`
	Sender     Participant `json:"sender"`
	Recipients []Recipient `json:"recipients"`
	Subject    string      `json:"subject"`
	BodyText   string      `json:"bodyText"`
	BodyHTML   string      `json:"bodyHtml,omitempty"`

	// 回复时引用的父消息外部 ID，可为空
	ParentExternalID string `json:"parentExternalId,omitempty"`

	// 非空时随邮件附带日历邀请
	Meeting *MeetingRequest `json:"meeting,omitempty"`
}

// Validate 校验草稿。失败返回 *ValidationError，此时不会发生任何传输调用。
func (d *OutboundDraft) Validate() error {
	if strings.TrimSpace(d.CeremonyID) == "" {
		return NewValidationError("ceremonyId", "must not be empty")
	}
	if strings.TrimSpace(d.Subject) == "" {
		return NewValidationError("subject", "must not be empty")
	}
	if !validEmail(d.Sender.Email) {
		return NewValidationError("sender.email", "malformed address")
	}
	if !d.Sender.Role.Valid() {
		return NewValidationError("sender.role", "unknown role")
	}
	// 出站消息必须至少有一个收件人
	if len(d.Recipients) == 0 {
		return NewValidationError("recipients", "must not be empty")
	}
	for _, r := range d.Recipients {
		if !validEmail(r.Email) {
			return NewValidationError("recipients", "malformed address: "+r.Email)
		}
		switch r.Kind {
		case RecipientTo, RecipientCc, RecipientBcc:
		default:
			return NewValidationError("recipients", "unknown kind: "+string(r.Kind))
		}
	}
	if d.Meeting != nil {
		if d.Meeting.StartTime.IsZero() {
			return NewValidationError("meeting.startTime", "must be set")
		}
		if d.Meeting.DurationMinutes <= 0 {
			return NewValidationError("meeting.durationMinutes", "must be positive")
		}
	}
	return nil
}

// validEmail 判断地址是否为合法邮箱。
func validEmail(addr string) bool {
	if strings.TrimSpace(addr) == "" {
		return false
	}
	_, err := mail.ParseAddress(addr)
	return err == nil
}
