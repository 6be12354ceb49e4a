package imap

import (
	"bytes"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	gomail "github.com/emersion/go-message/mail"

	"vowmail/backend/internal/domain"
	"vowmail/backend/internal/mail"
)

// rawMailFromBuffer 将一次 FETCH 的结果转换为 RawMail。
func rawMailFromBuffer(buf *imapclient.FetchMessageBuffer, section *imap.FetchItemBodySection, host string) (mail.RawMail, error) {
	raw := mail.RawMail{SentAt: buf.InternalDate}

	if env := buf.Envelope; env != nil {
		raw.ExternalID = externalIDFromEnvelope(env.MessageID, buf.UID, host)
		raw.Subject = env.Subject
		if !env.Date.IsZero() {
			raw.SentAt = env.Date
		}
		if len(env.From) > 0 {
			raw.FromEmail = strings.ToLower(env.From[0].Addr())
			raw.FromName = env.From[0].Name
		}
		raw.To = addressList(env.To)
		raw.Cc = addressList(env.Cc)
	} else {
		raw.ExternalID = externalIDFromEnvelope("", buf.UID, host)
	}
	if raw.SentAt.IsZero() {
		raw.SentAt = time.Now().UTC()
	}

	body := buf.FindBodySection(section)
	if body != nil {
		text, html, inReplyTo, attachments := parseMIMEBody(body)
		raw.TextBody = text
		raw.HTMLBody = html
		raw.InReplyTo = inReplyTo
		raw.Attachments = attachments
	}
	if raw.InReplyTo != "" {
		raw.InReplyTo = strings.Trim(raw.InReplyTo, "<>")
	}
	return raw, nil
}

// addressList 转换 IMAP 信封地址。
func addressList(addrs []imap.Address) []mail.Address {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]mail.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, mail.Address{
			Email: strings.ToLower(a.Addr()),
			Name:  a.Name,
		})
	}
	return out
}

// parseMIMEBody 解析 RFC 2822 报文，提取正文、回复头与附件元数据。
//
// 解析失败时整体按纯文本处理，不中断批次。
func parseMIMEBody(raw []byte) (textBody, htmlBody, inReplyTo string, attachments []domain.Attachment) {
	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return string(raw), "", "", nil
	}
	defer mr.Close()

	inReplyTo = strings.TrimSpace(mr.Header.Get("In-Reply-To"))
	if inReplyTo == "" {
		// References 的最后一项是直接父消息
		refs := strings.Fields(mr.Header.Get("References"))
		if len(refs) > 0 {
			inReplyTo = refs[len(refs)-1]
		}
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
				textBody = string(body)
			case strings.HasPrefix(contentType, "text/html"):
				htmlBody = string(body)
			}

		case *gomail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			attachments = append(attachments, domain.Attachment{
				Filename:    filename,
				ContentType: contentType,
				SizeBytes:   int64(len(body)),
			})
		}
	}
	return textBody, htmlBody, inReplyTo, attachments
}
