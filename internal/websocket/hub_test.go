package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vowmail/backend/internal/domain"
	"vowmail/backend/internal/storage/memory"
)

func signTestToken(t *testing.T, secret, userID, email string) string {
	t.Helper()
	claims := JWTClaims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	store := memory.NewStore()
	ceremony := &domain.Ceremony{
		ID:              "cer-1",
		OfficiantEmail:  "officiant@vowmail.test",
		OfficiantName:   "Rev. Jordan",
		PrincipalAEmail: "a@example.com",
		PrincipalAName:  "Alex",
		PrincipalBEmail: "b@example.com",
		PrincipalBName:  "Blake",
	}
	require.NoError(t, store.SaveCeremony(context.Background(), ceremony))
	return NewHub([]string{"*"}, "secret", store, nil, zap.NewNop())
}

func newTestClient(h *Hub, userID, email string, buffer int) *Client {
	c := &Client{
		UserID: userID,
		Email:  email,
		rooms:  make(map[string]bool),
		send:   make(chan []byte, buffer),
		hub:    h,
		log:    zap.NewNop(),
	}
	h.addClient(c)
	return c
}

func drainEvents(c *Client) []Event {
	var out []Event
	for {
		select {
		case data := <-c.send:
			var e Event
			if err := json.Unmarshal(data, &e); err == nil {
				out = append(out, e)
			}
		default:
			return out
		}
	}
}

func TestBroadcastReachesRoomMembersOnly(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	member := newTestClient(h, "u-a", "a@example.com", 8)
	outsider := newTestClient(h, "u-b", "b@example.com", 8)

	require.NoError(t, h.joinRoom(ctx, member, "cer-1"))

	h.BroadcastToCeremony("cer-1", domain.EventMessageCreated, map[string]string{"externalId": "m1"})

	memberEvents := drainEvents(member)
	require.Len(t, memberEvents, 1)
	assert.Equal(t, domain.EventMessageCreated, memberEvents[0].Type)
	assert.Equal(t, "cer-1", memberEvents[0].CeremonyID)

	assert.Empty(t, drainEvents(outsider))
}

func TestBroadcastSkipsBlockedClient(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	// zero-capacity channel simulates a client whose writer stalled
	blocked := newTestClient(h, "u-a", "a@example.com", 0)
	healthy := newTestClient(h, "u-b", "b@example.com", 8)

	require.NoError(t, h.joinRoom(ctx, blocked, "cer-1"))
	require.NoError(t, h.joinRoom(ctx, healthy, "cer-1"))
	drainEvents(healthy) // discard presence notifications

	// must not panic or block
	h.BroadcastToCeremony("cer-1", domain.EventMessageCreated, map[string]string{"externalId": "m1"})

	assert.Len(t, drainEvents(healthy), 1)
}

func TestJoinRequiresParticipant(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	stranger := newTestClient(h, "u-x", "stranger@elsewhere.test", 8)
	err := h.joinRoom(ctx, stranger, "cer-1")
	assert.Error(t, err)

	err = h.joinRoom(ctx, stranger, "no-such-ceremony")
	assert.Error(t, err)
}

func TestJoinIsIdempotentAndNotifiesOthers(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	first := newTestClient(h, "u-a", "a@example.com", 8)
	second := newTestClient(h, "u-b", "b@example.com", 8)

	require.NoError(t, h.joinRoom(ctx, first, "cer-1"))
	require.NoError(t, h.joinRoom(ctx, second, "cer-1"))

	// the earlier member sees exactly one presence.joined for the newcomer
	events := drainEvents(first)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventPresenceJoined, events[0].Type)

	var payload PresencePayload
	require.NoError(t, json.Unmarshal(events[0].Data, &payload))
	assert.Equal(t, "u-b", payload.UserID)

	// repeat join produces no second notification
	require.NoError(t, h.joinRoom(ctx, second, "cer-1"))
	assert.Empty(t, drainEvents(first))
}

func TestLeaveNotifiesAndIsIdempotent(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	first := newTestClient(h, "u-a", "a@example.com", 8)
	second := newTestClient(h, "u-b", "b@example.com", 8)

	require.NoError(t, h.joinRoom(ctx, first, "cer-1"))
	require.NoError(t, h.joinRoom(ctx, second, "cer-1"))
	drainEvents(first)

	h.leaveRoom(second, "cer-1")
	events := drainEvents(first)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventPresenceLeft, events[0].Type)

	// leaving again is a no-op
	h.leaveRoom(second, "cer-1")
	assert.Empty(t, drainEvents(first))
}

func TestDisconnectRemovesFromRooms(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	first := newTestClient(h, "u-a", "a@example.com", 8)
	second := newTestClient(h, "u-b", "b@example.com", 8)

	require.NoError(t, h.joinRoom(ctx, first, "cer-1"))
	require.NoError(t, h.joinRoom(ctx, second, "cer-1"))
	drainEvents(first)

	h.removeClient(second)

	events := drainEvents(first)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventPresenceLeft, events[0].Type)

	// the departed user no longer receives broadcasts
	h.BroadcastToCeremony("cer-1", domain.EventMessageCreated, map[string]string{"externalId": "m2"})
	assert.Len(t, drainEvents(first), 1)
}

func TestLastConnectWins(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	old := newTestClient(h, "u-a", "a@example.com", 8)
	require.NoError(t, h.joinRoom(ctx, old, "cer-1"))

	// a second connection for the same user replaces the first
	replacement := newTestClient(h, "u-a", "a@example.com", 8)

	_, oldOpen := <-old.send
	assert.False(t, oldOpen, "replaced connection channel should be closed")

	// the old connection's room membership is gone until the new one joins
	h.BroadcastToCeremony("cer-1", domain.EventMessageCreated, map[string]string{"externalId": "m3"})
	assert.Empty(t, drainEvents(replacement))

	require.NoError(t, h.joinRoom(ctx, replacement, "cer-1"))
	h.BroadcastToCeremony("cer-1", domain.EventMessageCreated, map[string]string{"externalId": "m4"})
	assert.Len(t, drainEvents(replacement), 1)
}

func TestJoinRejectsReplacedConnection(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	old := newTestClient(h, "u-a", "a@example.com", 8)
	replacement := newTestClient(h, "u-a", "a@example.com", 8)
	other := newTestClient(h, "u-b", "b@example.com", 8)

	// a join racing with the replacement must not re-enter the room
	// with a closed send channel
	err := h.joinRoom(ctx, old, "cer-1")
	assert.Error(t, err)

	require.NoError(t, h.joinRoom(ctx, replacement, "cer-1"))
	require.NoError(t, h.joinRoom(ctx, other, "cer-1"))
	drainEvents(replacement)

	// delivery to the remaining members must not panic or abort
	assert.NotPanics(t, func() {
		h.BroadcastToCeremony("cer-1", domain.EventMessageCreated, map[string]string{"externalId": "m5"})
	})
	assert.Len(t, drainEvents(replacement), 1)
	assert.Len(t, drainEvents(other), 1)
}

func TestValidateJWT(t *testing.T) {
	h := newTestHub(t)

	token := signTestToken(t, "secret", "u-a", "a@example.com")
	userID, email, err := h.validateJWT(token)
	require.NoError(t, err)
	assert.Equal(t, "u-a", userID)
	assert.Equal(t, "a@example.com", email)

	_, _, err = h.validateJWT(signTestToken(t, "wrong-secret", "u-a", "a@example.com"))
	assert.Error(t, err)
}
