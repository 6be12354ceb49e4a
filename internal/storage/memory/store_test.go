package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vowmail/backend/internal/domain"
	"vowmail/backend/internal/storage"
)

func seedCeremony(t *testing.T, s *Store) *domain.Ceremony {
	t.Helper()
	c := &domain.Ceremony{
		ID:                "ceremony-1",
		OfficiantEmail:    "o@x.com",
		OfficiantName:     "Rev. Jordan",
		PrincipalAEmail:   "a@x.com",
		PrincipalAName:    "Alex",
		PrincipalBEmail:   "b@x.com",
		PrincipalBName:    "Bailey",
		AutoReplyEnabled:  true,
		AutoReplyTemplate: "Thanks!",
	}
	require.NoError(t, s.SaveCeremony(context.Background(), c))
	return c
}

func newMessage(externalID, ceremonyID string, received time.Time) *domain.Message {
	return &domain.Message{
		ExternalID: externalID,
		CeremonyID: ceremonyID,
		ThreadID:   domain.DefaultThreadID(ceremonyID),
		Subject:    "Hi",
		BodyText:   "hello",
		Sender:     domain.Participant{Email: "a@x.com", Role: domain.RolePrincipalA},
		Recipients: []domain.Recipient{{Email: "o@x.com", Kind: domain.RecipientTo}},
		SentAt:     received.Add(-time.Minute),
		ReceivedAt: received,
		Status:     domain.StatusDelivered,
	}
}

func TestCeremonyLookup(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	seedCeremony(t, s)

	c, err := s.FindCeremonyByParticipantEmail(ctx, "A@X.com")
	require.NoError(t, err)
	assert.Equal(t, "ceremony-1", c.ID)

	_, err = s.FindCeremonyByParticipantEmail(ctx, "nobody@x.com")
	assert.ErrorIs(t, err, storage.ErrCeremonyNotFound)

	cfg, err := s.GetAutoReplyConfig(ctx, "ceremony-1")
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "Thanks!", cfg.Template)
}

func TestUpsertIdempotence(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	seedCeremony(t, s)

	first := newMessage("m1", "ceremony-1", time.Now())
	res, err := s.UpsertMessage(ctx, first)
	require.NoError(t, err)
	assert.True(t, res.Created)

	// Second upsert with the same id and a different payload must return
	// the first write's state untouched.
	second := newMessage("m1", "ceremony-1", time.Now())
	second.Subject = "changed"
	res, err = s.UpsertMessage(ctx, second)
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, "Hi", res.Message.Subject)

	msgs, err := s.ListMessagesByCeremony(ctx, "ceremony-1", 1, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestUpsertConcurrentSameID(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	seedCeremony(t, s)

	const workers = 16
	var created int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.UpsertMessage(ctx, newMessage("race-1", "ceremony-1", time.Now()))
			if !assert.NoError(t, err) {
				return
			}
			if res.Created {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Exactly one insert wins
	assert.EqualValues(t, 1, created)
	msgs, err := s.ListMessagesByCeremony(ctx, "ceremony-1", 1, 100)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestListMessagesPagination(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	seedCeremony(t, s)

	base := time.Now()
	for i := 0; i < 5; i++ {
		m := newMessage("m"+string(rune('0'+i)), "ceremony-1", base.Add(time.Duration(i)*time.Minute))
		_, err := s.UpsertMessage(ctx, m)
		require.NoError(t, err)
	}

	// Newest first
	msgs, err := s.ListMessagesByCeremony(ctx, "ceremony-1", 1, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m4", msgs[0].ExternalID)
	assert.Equal(t, "m3", msgs[1].ExternalID)

	msgs, err = s.ListMessagesByCeremony(ctx, "ceremony-1", 3, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m0", msgs[0].ExternalID)

	// Past the end
	msgs, err = s.ListMessagesByCeremony(ctx, "ceremony-1", 9, 2)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMarkMessageRead(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	seedCeremony(t, s)

	_, err := s.UpsertMessage(ctx, newMessage("m1", "ceremony-1", time.Now()))
	require.NoError(t, err)

	m, err := s.MarkMessageRead(ctx, "m1", "user-1")
	require.NoError(t, err)
	require.Len(t, m.ReadReceipts, 1)
	assert.Equal(t, domain.StatusRead, m.Status)

	// Second mark by the same user is a no-op
	m, err = s.MarkMessageRead(ctx, "m1", "user-1")
	require.NoError(t, err)
	assert.Len(t, m.ReadReceipts, 1)

	// A different user adds a second receipt
	m, err = s.MarkMessageRead(ctx, "m1", "user-2")
	require.NoError(t, err)
	assert.Len(t, m.ReadReceipts, 2)

	_, err = s.MarkMessageRead(ctx, "missing", "user-1")
	assert.ErrorIs(t, err, storage.ErrMessageNotFound)
}

func TestSetThreadFromParent(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	seedCeremony(t, s)

	parent := newMessage("parent", "ceremony-1", time.Now())
	parent.ThreadID = "thread-custom"
	_, err := s.UpsertMessage(ctx, parent)
	require.NoError(t, err)

	child := newMessage("child", "ceremony-1", time.Now())
	_, err = s.UpsertMessage(ctx, child)
	require.NoError(t, err)

	require.NoError(t, s.SetThreadFromParent(ctx, "parent", "child"))
	got, err := s.GetMessageByExternalID(ctx, "child")
	require.NoError(t, err)
	assert.Equal(t, "thread-custom", got.ThreadID)

	assert.ErrorIs(t, s.SetThreadFromParent(ctx, "missing", "child"), storage.ErrMessageNotFound)
}

func TestHasRecentSystemReply(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	seedCeremony(t, s)

	reply := newMessage("auto-1", "ceremony-1", time.Now())
	reply.Sender = domain.Participant{Email: "noreply@vowmail.app", Role: domain.RoleSystem}
	reply.Recipients = []domain.Recipient{{Email: "a@x.com", Kind: domain.RecipientTo}}
	reply.SentAt = time.Now().Add(-2 * time.Hour)
	_, err := s.UpsertMessage(ctx, reply)
	require.NoError(t, err)

	ok, err := s.HasRecentSystemReply(ctx, "ceremony-1", "a@x.com", time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	// Outside the window
	ok, err = s.HasRecentSystemReply(ctx, "ceremony-1", "a@x.com", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	// Different recipient
	ok, err = s.HasRecentSystemReply(ctx, "ceremony-1", "b@x.com", time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
}
