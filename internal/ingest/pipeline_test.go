package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vowmail/backend/internal/directory"
	"vowmail/backend/internal/domain"
	"vowmail/backend/internal/mail"
	"vowmail/backend/internal/pool"
	"vowmail/backend/internal/service"
	"vowmail/backend/internal/storage/memory"
)

type recordedEvent struct {
	ceremonyID string
	kind       domain.EventKind
	payload    any
}

// fakeBroadcaster records events; safe for concurrent use.
type fakeBroadcaster struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (b *fakeBroadcaster) BroadcastToCeremony(ceremonyID string, kind domain.EventKind, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, recordedEvent{ceremonyID: ceremonyID, kind: kind, payload: payload})
}

func (b *fakeBroadcaster) byKind(kind domain.EventKind) []recordedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []recordedEvent
	for _, e := range b.events {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// fakeTransport records outbound envelopes; safe for concurrent use.
type fakeTransport struct {
	mu    sync.Mutex
	sent  []mail.Envelope
	calls int
}

func (t *fakeTransport) Send(_ context.Context, env mail.Envelope) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	t.sent = append(t.sent, env)
	return domain.NewLocalExternalID(), nil
}

type fixture struct {
	pipeline    *Pipeline
	store       *memory.Store
	broadcaster *fakeBroadcaster
	transport   *fakeTransport
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zap.NewNop()

	store := memory.NewStore()
	ceremony := &domain.Ceremony{
		ID:                "cer-e2e",
		OfficiantEmail:    "officiant@vowmail.test",
		OfficiantName:     "Rev. Jordan",
		PrincipalAEmail:   "a@x.com",
		PrincipalAName:    "Alex",
		PrincipalBEmail:   "b@x.com",
		PrincipalBName:    "Blake",
		AutoReplyEnabled:  true,
		AutoReplyTemplate: "Thanks!",
	}
	require.NoError(t, store.SaveCeremony(context.Background(), ceremony))

	broadcaster := &fakeBroadcaster{}
	transport := &fakeTransport{}
	dispatcher := service.NewDispatcher(transport, store, broadcaster, nil, log)
	guard := service.NewAutoReplyGuard(store, dispatcher, "noreply@vowmail.test", "Vowmail", nil, log)
	resolver := directory.NewResolver(store, nil, log)

	pipeline := NewPipeline(resolver, store, broadcaster, guard, nil, nil, log)
	return &fixture{pipeline: pipeline, store: store, broadcaster: broadcaster, transport: transport}
}

func rawFromPrincipal() mail.RawMail {
	return mail.RawMail{
		ExternalID: "msg-001@mail.example",
		FromEmail:  "a@x.com",
		FromName:   "Alex",
		To:         []mail.Address{{Email: "officiant@vowmail.test"}},
		Subject:    "Can we meet?",
		TextBody:   "Hoping to talk through the ceremony order.",
		SentAt:     time.Now().Add(-time.Minute),
	}
}

func TestIngestEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.pipeline.ProcessRaw(ctx, rawFromPrincipal())

	// the inbound message is persisted with the resolved role
	stored, err := f.store.GetMessageByExternalID(ctx, "msg-001@mail.example")
	require.NoError(t, err)
	assert.Equal(t, "cer-e2e", stored.CeremonyID)
	assert.Equal(t, domain.RolePrincipalA, stored.Sender.Role)
	assert.Equal(t, domain.StatusDelivered, stored.Status)
	assert.Equal(t, domain.DefaultThreadID("cer-e2e"), stored.ThreadID)

	// exactly one auto-reply goes back to the sender
	require.Equal(t, 1, f.transport.calls)
	reply := f.transport.sent[0]
	require.Len(t, reply.To, 1)
	assert.Equal(t, "a@x.com", reply.To[0].Email)
	assert.Equal(t, "Thanks!", reply.TextBody)

	// two message.created events: the inbound and the auto-reply
	created := f.broadcaster.byKind(domain.EventMessageCreated)
	require.Len(t, created, 2)
	assert.Equal(t, "cer-e2e", created[0].ceremonyID)

	// both ends of the exchange appear in history
	history, err := f.store.ListMessagesByCeremony(ctx, "cer-e2e", 1, 10)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestHandlerWithPoolCompletesBeforeReturning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	workers := pool.NewWorkerPool(2, 8, zap.NewNop())
	workers.Start()
	defer workers.Stop()

	f.pipeline.workers = workers
	handler := f.pipeline.Handler()

	// The transport acknowledges the mail as soon as the handler returns,
	// so the message must already be persisted at that point.
	handler(ctx, rawFromPrincipal())

	stored, err := f.store.GetMessageByExternalID(ctx, "msg-001@mail.example")
	require.NoError(t, err)
	assert.Equal(t, "cer-e2e", stored.CeremonyID)
}

func TestIngestDuplicateSkipsSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.pipeline.ProcessRaw(ctx, rawFromPrincipal())
	f.pipeline.ProcessRaw(ctx, rawFromPrincipal())

	history, err := f.store.ListMessagesByCeremony(ctx, "cer-e2e", 1, 10)
	require.NoError(t, err)
	assert.Len(t, history, 2) // inbound + auto-reply, not doubled

	assert.Equal(t, 1, f.transport.calls)
	assert.Len(t, f.broadcaster.byKind(domain.EventMessageCreated), 2)
}

func TestIngestConcurrentSameExternalID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.pipeline.ProcessRaw(ctx, rawFromPrincipal())
		}()
	}
	wg.Wait()

	history, err := f.store.ListMessagesByCeremony(ctx, "cer-e2e", 1, 50)
	require.NoError(t, err)
	assert.Len(t, history, 2)
	assert.Equal(t, 1, f.transport.calls)
}

func TestIngestUnknownSenderDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	raw := rawFromPrincipal()
	raw.FromEmail = "stranger@elsewhere.test"

	f.pipeline.ProcessRaw(ctx, raw)

	history, err := f.store.ListMessagesByCeremony(ctx, "cer-e2e", 1, 10)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Equal(t, 0, f.transport.calls)
	assert.Empty(t, f.broadcaster.byKind(domain.EventMessageCreated))
}

func TestIngestReplyInheritsKnownParentThread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	parent := &domain.Message{
		ExternalID: "parent-1@mail.example",
		CeremonyID: "cer-e2e",
		ThreadID:   "thread-custom",
		Subject:    "Venue",
		Sender:     domain.Participant{Email: "officiant@vowmail.test", Role: domain.RoleOfficiant},
		Recipients: []domain.Recipient{{Email: "a@x.com", Kind: domain.RecipientTo}},
		SentAt:     time.Now().Add(-time.Hour),
		ReceivedAt: time.Now().Add(-time.Hour),
		Status:     domain.StatusDelivered,
	}
	_, err := f.store.UpsertMessage(ctx, parent)
	require.NoError(t, err)

	raw := rawFromPrincipal()
	raw.ExternalID = "child-1@mail.example"
	raw.InReplyTo = "parent-1@mail.example"

	f.pipeline.ProcessRaw(ctx, raw)

	child, err := f.store.GetMessageByExternalID(ctx, "child-1@mail.example")
	require.NoError(t, err)
	assert.Equal(t, "thread-custom", child.ThreadID)
	assert.True(t, child.IsReply)
}

func TestIngestReplyUnknownParentKeepsDefaultThread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	raw := rawFromPrincipal()
	raw.ExternalID = "child-2@mail.example"
	raw.InReplyTo = "never-seen@mail.example"

	f.pipeline.ProcessRaw(ctx, raw)

	child, err := f.store.GetMessageByExternalID(ctx, "child-2@mail.example")
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultThreadID("cer-e2e"), child.ThreadID)
	assert.True(t, child.IsReply)
}
