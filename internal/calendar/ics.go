// Package calendar 生成标准日历交换格式 (RFC 5545) 的会面邀请。
//
// 生成是纯函数：相同输入产生相同输出，除输入校验外没有失败模式。
package calendar

import (
	"strings"
	"time"

	"vowmail/backend/internal/domain"
)

// ContentType 日历附件的 MIME 类型。
const ContentType = "text/calendar; method=REQUEST; charset=UTF-8"

// Filename 日历附件的默认文件名。
const Filename = "invite.ics"

// Attendee 邀请参与者。
type Attendee struct {
	Email string
	Name  string
}

// Invite 会面邀请参数。
type Invite struct {
	UID             string
	Summary         string
	Description     string
	Location        string
	Start           time.Time
	DurationMinutes int
	Organizer       Attendee
	Attendees       []Attendee
	// CONFIRMED / TENTATIVE / CANCELLED，空值按 CONFIRMED 处理
	Status string
}

// Render 生成 iCalendar 载荷。
func Render(inv Invite) ([]byte, error) {
	if strings.TrimSpace(inv.UID) == "" {
		return nil, domain.NewValidationError("uid", "must not be empty")
	}
	if strings.TrimSpace(inv.Summary) == "" {
		return nil, domain.NewValidationError("summary", "must not be empty")
	}
	if inv.Start.IsZero() {
		return nil, domain.NewValidationError("start", "must be set")
	}
	if inv.DurationMinutes <= 0 {
		return nil, domain.NewValidationError("durationMinutes", "must be positive")
	}

	status := strings.ToUpper(strings.TrimSpace(inv.Status))
	switch status {
	case "":
		status = "CONFIRMED"
	case "CONFIRMED", "TENTATIVE", "CANCELLED":
	default:
		return nil, domain.NewValidationError("status", "unknown status: "+inv.Status)
	}

	start := inv.Start.UTC()
	end := start.Add(time.Duration(inv.DurationMinutes) * time.Minute)

	var b strings.Builder
	writeLine(&b, "BEGIN:VCALENDAR")
	writeLine(&b, "VERSION:2.0")
	writeLine(&b, "PRODID:-//vowmail//ceremony scheduler//EN")
	writeLine(&b, "METHOD:REQUEST")
	writeLine(&b, "BEGIN:VEVENT")
	writeLine(&b, "UID:"+escapeText(inv.UID))
	writeLine(&b, "DTSTAMP:"+formatUTC(time.Now()))
	writeLine(&b, "DTSTART:"+formatUTC(start))
	writeLine(&b, "DTEND:"+formatUTC(end))
	writeLine(&b, "SUMMARY:"+escapeText(inv.Summary))
	if inv.Description != "" {
		writeLine(&b, "DESCRIPTION:"+escapeText(inv.Description))
	}
	if inv.Location != "" {
		writeLine(&b, "LOCATION:"+escapeText(inv.Location))
	}
	if inv.Organizer.Email != "" {
		line := "ORGANIZER"
		if inv.Organizer.Name != "" {
			line += ";CN=" + escapeText(inv.Organizer.Name)
		}
		writeLine(&b, line+":mailto:"+inv.Organizer.Email)
	}
	for _, a := range inv.Attendees {
		line := "ATTENDEE;ROLE=REQ-PARTICIPANT;PARTSTAT=NEEDS-ACTION;RSVP=TRUE"
		if a.Name != "" {
			line += ";CN=" + escapeText(a.Name)
		}
		writeLine(&b, line+":mailto:"+a.Email)
	}
	writeLine(&b, "STATUS:"+status)
	writeLine(&b, "END:VEVENT")
	writeLine(&b, "END:VCALENDAR")

	return []byte(b.String()), nil
}

// formatUTC 按 RFC 5545 的 UTC 形式格式化时间。
func formatUTC(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}

// escapeText 转义 TEXT 属性值中的保留字符。
func escapeText(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		";", `\;`,
		",", `\,`,
		"\r\n", `\n`,
		"\n", `\n`,
	)
	return r.Replace(s)
}

// writeLine 输出一行并折叠超长内容。
//
// RFC 5545 要求行不超过 75 个八位组，折行以 CRLF + 空格续行。
func writeLine(b *strings.Builder, line string) {
	const limit = 75
	for len(line) > limit {
		cut := limit
		// 避免在多字节字符中间断行
		for cut > 0 && (line[cut]&0xC0) == 0x80 {
			cut--
		}
		b.WriteString(line[:cut])
		b.WriteString("\r\n ")
		line = line[cut:]
	}
	b.WriteString(line)
	b.WriteString("\r\n")
}
