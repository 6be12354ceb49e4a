package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vowmail/backend/internal/domain"
	"vowmail/backend/internal/storage/memory"
)

func testLogger() *zap.Logger {
	return zap.NewNop()
}

// fakeDispatcher records dispatched drafts without sending anything.
type fakeDispatcher struct {
	drafts []*domain.OutboundDraft
}

func (d *fakeDispatcher) Dispatch(_ context.Context, _ *domain.Ceremony, draft *domain.OutboundDraft) (*domain.Message, error) {
	d.drafts = append(d.drafts, draft)
	return &domain.Message{ExternalID: domain.NewLocalExternalID(), Status: domain.StatusSent}, nil
}

func inboundFrom(email string, role domain.ParticipantRole) *domain.Message {
	return &domain.Message{
		ExternalID: "ext-inbound",
		CeremonyID: "cer-1",
		Subject:    "Question about flowers",
		Sender:     domain.Participant{Email: email, Role: role},
		SentAt:     time.Now(),
	}
}

func TestAutoReplySentForPrincipal(t *testing.T) {
	store := memory.NewStore()
	dispatcher := &fakeDispatcher{}
	guard := NewAutoReplyGuard(store, dispatcher, "noreply@vowmail.test", "Vowmail", nil, testLogger())

	guard.MaybeReply(context.Background(), testCeremony(), inboundFrom("a@example.com", domain.RolePrincipalA))

	require.Len(t, dispatcher.drafts, 1)
	draft := dispatcher.drafts[0]
	assert.Equal(t, domain.RoleSystem, draft.Sender.Role)
	assert.Equal(t, "noreply@vowmail.test", draft.Sender.Email)
	assert.Equal(t, "Thanks!", draft.BodyText)
	assert.Equal(t, "Re: Question about flowers", draft.Subject)
	require.Len(t, draft.Recipients, 1)
	assert.Equal(t, "a@example.com", draft.Recipients[0].Email)
	assert.Equal(t, "ext-inbound", draft.ParentExternalID)
}

func TestAutoReplyOfficiantExempt(t *testing.T) {
	store := memory.NewStore()
	dispatcher := &fakeDispatcher{}
	guard := NewAutoReplyGuard(store, dispatcher, "noreply@vowmail.test", "Vowmail", nil, testLogger())

	guard.MaybeReply(context.Background(), testCeremony(), inboundFrom("officiant@vowmail.test", domain.RoleOfficiant))

	assert.Empty(t, dispatcher.drafts)
}

func TestAutoReplyDisabled(t *testing.T) {
	store := memory.NewStore()
	dispatcher := &fakeDispatcher{}
	guard := NewAutoReplyGuard(store, dispatcher, "noreply@vowmail.test", "Vowmail", nil, testLogger())

	ceremony := testCeremony()
	ceremony.AutoReplyEnabled = false

	guard.MaybeReply(context.Background(), ceremony, inboundFrom("a@example.com", domain.RolePrincipalA))

	assert.Empty(t, dispatcher.drafts)
}

func TestAutoReplyDebouncedWithinWindow(t *testing.T) {
	store := memory.NewStore()

	// a system reply to the same sender 1h ago sits inside the 24h window
	prior := &domain.Message{
		ExternalID: "ext-system-1",
		CeremonyID: "cer-1",
		Subject:    "Re: earlier question",
		Sender:     domain.Participant{Email: "noreply@vowmail.test", Role: domain.RoleSystem},
		Recipients: []domain.Recipient{{Email: "a@example.com", Kind: domain.RecipientTo}},
		SentAt:     time.Now().Add(-time.Hour),
		ReceivedAt: time.Now().Add(-time.Hour),
		Status:     domain.StatusSent,
	}
	_, err := store.UpsertMessage(context.Background(), prior)
	require.NoError(t, err)

	dispatcher := &fakeDispatcher{}
	guard := NewAutoReplyGuard(store, dispatcher, "noreply@vowmail.test", "Vowmail", nil, testLogger())

	guard.MaybeReply(context.Background(), testCeremony(), inboundFrom("a@example.com", domain.RolePrincipalA))
	assert.Empty(t, dispatcher.drafts)
}

func TestAutoReplyFiresAfterWindowExpires(t *testing.T) {
	store := memory.NewStore()

	prior := &domain.Message{
		ExternalID: "ext-system-2",
		CeremonyID: "cer-1",
		Subject:    "Re: old question",
		Sender:     domain.Participant{Email: "noreply@vowmail.test", Role: domain.RoleSystem},
		Recipients: []domain.Recipient{{Email: "a@example.com", Kind: domain.RecipientTo}},
		SentAt:     time.Now().Add(-25 * time.Hour),
		ReceivedAt: time.Now().Add(-25 * time.Hour),
		Status:     domain.StatusSent,
	}
	_, err := store.UpsertMessage(context.Background(), prior)
	require.NoError(t, err)

	dispatcher := &fakeDispatcher{}
	guard := NewAutoReplyGuard(store, dispatcher, "noreply@vowmail.test", "Vowmail", nil, testLogger())

	guard.MaybeReply(context.Background(), testCeremony(), inboundFrom("a@example.com", domain.RolePrincipalA))
	assert.Len(t, dispatcher.drafts, 1)
}

func TestReplySubject(t *testing.T) {
	assert.Equal(t, "Re: hello", replySubject("hello"))
	assert.Equal(t, "Re: hello", replySubject("Re: hello"))
	assert.Equal(t, "Re: your message", replySubject(""))
}
