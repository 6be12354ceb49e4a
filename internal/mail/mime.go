package mail

import (
	"bytes"
	"io"
	"strings"
	"time"

	gomail "github.com/emersion/go-message/mail"

	"vowmail/backend/internal/domain"
)

// ParseRaw 解析一封完整的 RFC 2822 报文。
//
// 报文头提供外部 ID、主题、地址与回复链；报文体按 MIME 结构
// 提取纯文本、HTML 与附件元数据。附件内容只统计大小，不保留。
// 头部解析失败时返回错误；体部分失败按纯文本降级处理。
func ParseRaw(raw []byte) (RawMail, error) {
	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return RawMail{}, err
	}
	defer mr.Close()

	out := RawMail{}

	if id, err := mr.Header.MessageID(); err == nil && id != "" {
		out.ExternalID = id
	}
	if subject, err := mr.Header.Subject(); err == nil {
		out.Subject = subject
	}
	if date, err := mr.Header.Date(); err == nil && !date.IsZero() {
		out.SentAt = date
	} else {
		out.SentAt = time.Now().UTC()
	}

	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		out.FromEmail = strings.ToLower(from[0].Address)
		out.FromName = from[0].Name
	}
	out.To = headerAddresses(mr.Header, "To")
	out.Cc = headerAddresses(mr.Header, "Cc")

	if ids, err := mr.Header.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		out.InReplyTo = ids[0]
	} else if refs, err := mr.Header.MsgIDList("References"); err == nil && len(refs) > 0 {
		// References 的最后一项是直接父消息
		out.InReplyTo = refs[len(refs)-1]
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		switch h := part.Header.(type) {
		case *gomail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			switch {
			case strings.HasPrefix(contentType, "text/plain"):
				out.TextBody = string(body)
			case strings.HasPrefix(contentType, "text/html"):
				out.HTMLBody = string(body)
			}

		case *gomail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			out.Attachments = append(out.Attachments, domain.Attachment{
				Filename:    filename,
				ContentType: contentType,
				SizeBytes:   int64(len(body)),
			})
		}
	}

	return out, nil
}

// headerAddresses 提取一组地址头。
func headerAddresses(h gomail.Header, key string) []Address {
	list, err := h.AddressList(key)
	if err != nil || len(list) == 0 {
		return nil
	}
	out := make([]Address, 0, len(list))
	for _, a := range list {
		out = append(out, Address{
			Email: strings.ToLower(a.Address),
			Name:  a.Name,
		})
	}
	return out
}
