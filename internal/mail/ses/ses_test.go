package ses

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vowmail/backend/internal/domain"
	"vowmail/backend/internal/mail"
)

// mockClient 记录调用并返回预设结果的 SendEmailAPI 桩。
type mockClient struct {
	lastInput *sesv2.SendEmailInput
	messageID string
	err       error
	delay     time.Duration
}

func (m *mockClient) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.lastInput = params
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.delay):
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String(m.messageID)}, nil
}

func simpleEnvelope() mail.Envelope {
	return mail.Envelope{
		From:     mail.Address{Email: "noreply@vowmail.app", Name: "Vowmail"},
		To:       []mail.Address{{Email: "a@x.com", Name: "Alex"}},
		Subject:  "Scheduling",
		TextBody: "See you soon",
	}
}

func TestSendSimple(t *testing.T) {
	client := &mockClient{messageID: "ses-msg-1"}
	tr := NewWithClient(client, time.Second, zap.NewNop())

	id, err := tr.Send(context.Background(), simpleEnvelope())
	require.NoError(t, err)
	assert.Equal(t, "ses-msg-1", id)

	require.NotNil(t, client.lastInput)
	require.NotNil(t, client.lastInput.Content.Simple)
	assert.Equal(t, "Scheduling", aws.ToString(client.lastInput.Content.Simple.Subject.Data))
	require.Len(t, client.lastInput.Destination.ToAddresses, 1)
	assert.Contains(t, client.lastInput.Destination.ToAddresses[0], "a@x.com")
}

func TestSendWithAttachmentBuildsRawMIME(t *testing.T) {
	client := &mockClient{messageID: "ses-msg-2"}
	tr := NewWithClient(client, time.Second, zap.NewNop())

	env := simpleEnvelope()
	env.Attachments = []mail.AttachmentPayload{{
		Filename:    "invite.ics",
		ContentType: "text/calendar; method=REQUEST; charset=UTF-8",
		Content:     []byte("BEGIN:VCALENDAR"),
	}}

	_, err := tr.Send(context.Background(), env)
	require.NoError(t, err)

	require.NotNil(t, client.lastInput.Content.Raw)
	raw := string(client.lastInput.Content.Raw.Data)
	assert.Contains(t, raw, "Content-Type: multipart/mixed")
	assert.Contains(t, raw, "text/calendar")
	assert.Contains(t, raw, "Content-Transfer-Encoding: base64")
	assert.Contains(t, raw, "Subject: Scheduling")
}

func TestSendReplyCarriesInReplyTo(t *testing.T) {
	client := &mockClient{messageID: "ses-msg-3"}
	tr := NewWithClient(client, time.Second, zap.NewNop())

	env := simpleEnvelope()
	env.InReplyTo = "parent-id@mail.example"

	_, err := tr.Send(context.Background(), env)
	require.NoError(t, err)
	require.NotNil(t, client.lastInput.Content.Raw)
	raw := string(client.lastInput.Content.Raw.Data)
	assert.Contains(t, raw, "In-Reply-To: <parent-id@mail.example>")
	assert.Contains(t, raw, "References: <parent-id@mail.example>")
}

func TestSendFailureIsTransportError(t *testing.T) {
	client := &mockClient{err: errors.New("throttled")}
	tr := NewWithClient(client, time.Second, zap.NewNop())

	_, err := tr.Send(context.Background(), simpleEnvelope())
	require.Error(t, err)
	assert.True(t, domain.IsTransportError(err))
	assert.True(t, strings.Contains(err.Error(), "throttled"))
}

func TestSendTimeout(t *testing.T) {
	client := &mockClient{messageID: "never", delay: 200 * time.Millisecond}
	tr := NewWithClient(client, 20*time.Millisecond, zap.NewNop())

	_, err := tr.Send(context.Background(), simpleEnvelope())
	require.Error(t, err)
	assert.True(t, domain.IsTransportError(err))
}
