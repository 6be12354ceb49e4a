// Package ses 通过 AWS SES v2 发送出站邮件。
package ses

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"go.uber.org/zap"

	"vowmail/backend/internal/domain"
	"vowmail/backend/internal/mail"
)

// defaultSendTimeout 单次发送的默认超时。
const defaultSendTimeout = 30 * time.Second

// Config SES 出站配置。
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SendTimeout     time.Duration
}

// SendEmailAPI SES v2 SendEmail 操作接口，测试时以桩替换。
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Transport SES 出站传输。
//
// Send 可被并发调用；每次调用独立超时，超时按传输故障处理。
type Transport struct {
	client  SendEmailAPI
	timeout time.Duration
	log     *zap.Logger
}

// New 创建 SES 出站传输。
func New(ctx context.Context, cfg Config, log *zap.Logger) (*Transport, error) {
	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(sesv2.NewFromConfig(awsCfg), cfg.SendTimeout, log), nil
}

// NewWithClient 使用自定义客户端创建传输，用于测试。
func NewWithClient(client SendEmailAPI, timeout time.Duration, log *zap.Logger) *Transport {
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	return &Transport{client: client, timeout: timeout, log: log}
}

// Send 发送一封邮件，返回 SES 分配的消息 ID 作为外部 ID。
//
// 失败（含超时）返回 *domain.TransportError。
func (t *Transport) Send(ctx context.Context, env mail.Envelope) (string, error) {
	sendCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var input *sesv2.SendEmailInput
	if len(env.Attachments) > 0 || env.InReplyTo != "" {
		raw, err := buildRawMessage(env)
		if err != nil {
			return "", domain.NewTransportError("send", err)
		}
		input = &sesv2.SendEmailInput{
			Destination: destination(env),
			Content: &types.EmailContent{
				Raw: &types.RawMessage{Data: raw},
			},
		}
		input.FromEmailAddress = aws.String(formatAddress(env.From))
	} else {
		input = buildSimpleInput(env)
	}

	out, err := t.client.SendEmail(sendCtx, input)
	if err != nil {
		t.log.Warn("SES send failed", zap.String("subject", env.Subject), zap.Error(err))
		return "", domain.NewTransportError("send", err)
	}

	externalID := aws.ToString(out.MessageId)
	t.log.Debug("mail handed to SES",
		zap.String("external_id", externalID),
		zap.Int("recipients", len(env.To)+len(env.Cc)+len(env.Bcc)),
	)
	return externalID, nil
}

// destination 构建收件人集合。
func destination(env mail.Envelope) *types.Destination {
	return &types.Destination{
		ToAddresses:  formatAddresses(env.To),
		CcAddresses:  formatAddresses(env.Cc),
		BccAddresses: formatAddresses(env.Bcc),
	}
}

// buildSimpleInput 为无附件邮件构建简单格式输入。
func buildSimpleInput(env mail.Envelope) *sesv2.SendEmailInput {
	body := &types.Body{}
	if env.HTMLBody != "" {
		body.Html = &types.Content{
			Data:    aws.String(env.HTMLBody),
			Charset: aws.String("UTF-8"),
		}
	}
	if env.TextBody != "" {
		body.Text = &types.Content{
			Data:    aws.String(env.TextBody),
			Charset: aws.String("UTF-8"),
		}
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(formatAddress(env.From)),
		Destination:      destination(env),
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(env.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: body,
			},
		},
	}
}

// buildRawMessage 为带附件或回复头的邮件构建原始 MIME 报文。
func buildRawMessage(env mail.Envelope) ([]byte, error) {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "From: %s\r\n", formatAddress(env.From))
	if len(env.To) > 0 {
		fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(formatAddresses(env.To), ", "))
	}
	if len(env.Cc) > 0 {
		fmt.Fprintf(&buf, "Cc: %s\r\n", strings.Join(formatAddresses(env.Cc), ", "))
	}
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("UTF-8", env.Subject))
	if env.InReplyTo != "" {
		fmt.Fprintf(&buf, "In-Reply-To: <%s>\r\n", strings.Trim(env.InReplyTo, "<>"))
		fmt.Fprintf(&buf, "References: <%s>\r\n", strings.Trim(env.InReplyTo, "<>"))
	}
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")

	writer := multipart.NewWriter(&buf)
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", writer.Boundary())

	if env.HTMLBody != "" {
		if err := writeBodyPart(writer, "text/html; charset=UTF-8", env.HTMLBody); err != nil {
			return nil, err
		}
	}
	if env.TextBody != "" {
		if err := writeBodyPart(writer, "text/plain; charset=UTF-8", env.TextBody); err != nil {
			return nil, err
		}
	}

	for _, att := range env.Attachments {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Type", att.ContentType)
		header.Set("Content-Transfer-Encoding", "base64")
		disposition := "attachment"
		if att.IsInline {
			disposition = "inline"
		}
		header.Set("Content-Disposition",
			fmt.Sprintf("%s; filename=%s", disposition, mime.QEncoding.Encode("UTF-8", att.Filename)))

		part, err := writer.CreatePart(header)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part: %w", err)
		}
		if _, err := part.Write([]byte(encodeBase64WithLineBreaks(att.Content))); err != nil {
			return nil, err
		}
	}

	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeBodyPart 写入一个正文段。
func writeBodyPart(writer *multipart.Writer, contentType, body string) error {
	header := make(textproto.MIMEHeader)
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("failed to create body part: %w", err)
	}
	_, err = part.Write([]byte(body))
	return err
}

// formatAddress 格式化带显示名的地址。
func formatAddress(a mail.Address) string {
	if a.Name == "" {
		return a.Email
	}
	return fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("UTF-8", a.Name), a.Email)
}

// formatAddresses 批量格式化地址。
func formatAddresses(addrs []mail.Address) []string {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = formatAddress(a)
	}
	return out
}

// encodeBase64WithLineBreaks 按 RFC 2045 以 76 字符折行编码。
func encodeBase64WithLineBreaks(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	var lines []string
	for i := 0; i < len(encoded); i += 76 {
		end := i + 76
		if end > len(encoded) {
			end = len(encoded)
		}
		lines = append(lines, encoded[i:end])
	}
	return strings.Join(lines, "\r\n")
}
