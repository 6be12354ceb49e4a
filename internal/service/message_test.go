package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vowmail/backend/internal/domain"
	"vowmail/backend/internal/storage"
	"vowmail/backend/internal/storage/memory"
)

func newTestMessageService(t *testing.T) (*MessageService, *memory.Store, *fakeDispatcher, *fakeBroadcaster) {
	t.Helper()
	store := memory.NewStore()
	require.NoError(t, store.SaveCeremony(context.Background(), testCeremony()))
	dispatcher := &fakeDispatcher{}
	broadcaster := &fakeBroadcaster{}
	svc := NewMessageService(store, dispatcher, broadcaster, testLogger())
	return svc, store, dispatcher, broadcaster
}

func TestSubmitOutboundResolvesSenderRole(t *testing.T) {
	svc, _, dispatcher, _ := newTestMessageService(t)

	draft := testDraft()
	draft.Sender.Role = ""
	draft.Sender.DisplayName = ""

	_, err := svc.SubmitOutboundMessage(context.Background(), "cer-1", draft)
	require.NoError(t, err)

	require.Len(t, dispatcher.drafts, 1)
	assert.Equal(t, domain.RoleOfficiant, dispatcher.drafts[0].Sender.Role)
	assert.Equal(t, "Rev. Jordan", dispatcher.drafts[0].Sender.DisplayName)
}

func TestSubmitOutboundRejectsNonParticipant(t *testing.T) {
	svc, _, dispatcher, _ := newTestMessageService(t)

	draft := testDraft()
	draft.Sender.Email = "stranger@example.com"

	_, err := svc.SubmitOutboundMessage(context.Background(), "cer-1", draft)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Empty(t, dispatcher.drafts)
}

func TestSubmitOutboundUnknownCeremony(t *testing.T) {
	svc, _, _, _ := newTestMessageService(t)

	_, err := svc.SubmitOutboundMessage(context.Background(), "nope", testDraft())
	assert.ErrorIs(t, err, storage.ErrCeremonyNotFound)
}

func TestGetConversationHistoryClampsPaging(t *testing.T) {
	svc, store, _, _ := newTestMessageService(t)

	for i := 0; i < 3; i++ {
		msg := &domain.Message{
			ExternalID: "hist-" + string(rune('a'+i)),
			CeremonyID: "cer-1",
			ThreadID:   domain.DefaultThreadID("cer-1"),
			Subject:    "msg",
			Sender:     domain.Participant{Email: "a@example.com", Role: domain.RolePrincipalA},
			Recipients: []domain.Recipient{{Email: "officiant@vowmail.test", Kind: domain.RecipientTo}},
			SentAt:     time.Now().Add(time.Duration(i) * time.Minute),
			ReceivedAt: time.Now().Add(time.Duration(i) * time.Minute),
			Status:     domain.StatusDelivered,
		}
		_, err := store.UpsertMessage(context.Background(), msg)
		require.NoError(t, err)
	}

	history, err := svc.GetConversationHistory(context.Background(), "cer-1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, history, 3)

	_, err = svc.GetConversationHistory(context.Background(), "missing", 1, 10)
	assert.ErrorIs(t, err, storage.ErrCeremonyNotFound)
}

func TestMarkMessageReadBroadcastsOnce(t *testing.T) {
	svc, store, _, broadcaster := newTestMessageService(t)

	msg := &domain.Message{
		ExternalID: "read-me",
		CeremonyID: "cer-1",
		ThreadID:   domain.DefaultThreadID("cer-1"),
		Subject:    "msg",
		Sender:     domain.Participant{Email: "a@example.com", Role: domain.RolePrincipalA},
		Recipients: []domain.Recipient{{Email: "officiant@vowmail.test", Kind: domain.RecipientTo}},
		SentAt:     time.Now(),
		ReceivedAt: time.Now(),
		Status:     domain.StatusDelivered,
	}
	_, err := store.UpsertMessage(context.Background(), msg)
	require.NoError(t, err)

	updated, err := svc.MarkMessageRead(context.Background(), "read-me", "user-1")
	require.NoError(t, err)
	assert.True(t, updated.ReadBy("user-1"))
	require.Len(t, broadcaster.events, 1)
	assert.Equal(t, domain.EventMessageRead, broadcaster.events[0].kind)

	// repeat read is a no-op, no second event
	_, err = svc.MarkMessageRead(context.Background(), "read-me", "user-1")
	require.NoError(t, err)
	assert.Len(t, broadcaster.events, 1)
}

func TestMarkMessageReadUnknownMessage(t *testing.T) {
	svc, _, _, _ := newTestMessageService(t)

	_, err := svc.MarkMessageRead(context.Background(), "ghost", "user-1")
	assert.ErrorIs(t, err, storage.ErrMessageNotFound)
}

func TestRecordMeetingResponse(t *testing.T) {
	svc, _, _, broadcaster := newTestMessageService(t)

	err := svc.RecordMeetingResponse(context.Background(), "cer-1", "uid-1@vowmail", "user-1", "accepted")
	require.NoError(t, err)
	require.Len(t, broadcaster.events, 1)
	assert.Equal(t, domain.EventMeetingResponseUpdated, broadcaster.events[0].kind)

	payload, ok := broadcaster.events[0].payload.(MeetingResponsePayload)
	require.True(t, ok)
	assert.Equal(t, "accepted", payload.Response)

	err = svc.RecordMeetingResponse(context.Background(), "cer-1", "uid-1@vowmail", "user-1", "maybe")
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
}
