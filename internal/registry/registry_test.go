package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pubgate/pubgate/internal/auth"
)

type nopHandle struct{}

func (nopHandle) Send(payload []byte) bool      { return true }
func (nopHandle) CloseWithReason(reason string) {}

func identity(id string) *auth.Identity {
	return &auth.Identity{ID: id, Name: "user-" + id}
}

func TestRegisterAndUnregister(t *testing.T) {
	r := New()
	conn := r.Register("c1", "10.0.0.1:1234", nopHandle{})
	assert.Equal(t, "c1", conn.ID)
	assert.Equal(t, 1, r.Len())
	assert.Same(t, conn, r.Get("c1"))

	channels := r.Unregister("c1")
	assert.Empty(t, channels)
	assert.Equal(t, 0, r.Len())
	assert.Nil(t, r.Get("c1"))

	assert.Nil(t, r.Unregister("c1"), "double unregister")
}

func TestSubscribeIdempotent(t *testing.T) {
	r := New()
	r.Register("c1", "10.0.0.1:1234", nopHandle{})

	assert.True(t, r.Subscribe("c1", "lobby"))
	assert.True(t, r.Subscribe("c1", "lobby"))

	subs := r.SubscribersOf("lobby")
	assert.Len(t, subs, 1)
	assert.Equal(t, []string{"lobby"}, r.Get("c1").Channels())
}

func TestUnsubscribeInverseAndChannelGC(t *testing.T) {
	r := New()
	r.Register("c1", "10.0.0.1:1234", nopHandle{})
	r.Subscribe("c1", "lobby")

	assert.True(t, r.Unsubscribe("c1", "lobby"))
	assert.Empty(t, r.SubscribersOf("lobby"))
	assert.Empty(t, r.Get("c1").Channels())
	assert.NotContains(t, r.Stats().ChannelCounts, "lobby")

	// Unsubscribing a channel never joined is a no-op.
	assert.True(t, r.Unsubscribe("c1", "other"))
}

func TestUnregisterCleansChannels(t *testing.T) {
	r := New()
	r.Register("c1", "10.0.0.1:1234", nopHandle{})
	r.Register("c2", "10.0.0.2:1234", nopHandle{})
	r.Subscribe("c1", "lobby")
	r.Subscribe("c1", "chat.general")
	r.Subscribe("c2", "lobby")

	channels := r.Unregister("c1")
	assert.ElementsMatch(t, []string{"lobby", "chat.general"}, channels)

	assert.Len(t, r.SubscribersOf("lobby"), 1)
	assert.Empty(t, r.SubscribersOf("chat.general"))
}

func TestAuthenticateImmutableIdentity(t *testing.T) {
	r := New()
	r.Register("c1", "10.0.0.1:1234", nopHandle{})

	assert.True(t, r.Authenticate("c1", identity("42")))
	assert.True(t, r.Get("c1").Authenticated())
	assert.Equal(t, "42", r.Get("c1").Identity().ID)

	// Same user again is a no-op; a different user is rejected.
	assert.True(t, r.Authenticate("c1", identity("42")))
	assert.False(t, r.Authenticate("c1", identity("7")))
	assert.Equal(t, "42", r.Get("c1").Identity().ID)

	assert.False(t, r.Authenticate("missing", identity("42")))
}

func TestConnectionOfUserLastWins(t *testing.T) {
	r := New()
	r.Register("c1", "10.0.0.1:1234", nopHandle{})
	r.Register("c2", "10.0.0.2:1234", nopHandle{})

	r.Authenticate("c1", identity("42"))
	assert.Equal(t, "c1", r.ConnectionOfUser("42").ID)

	r.Authenticate("c2", identity("42"))
	assert.Equal(t, "c2", r.ConnectionOfUser("42").ID)

	// Dropping the older connection keeps the newer mapping.
	r.Unregister("c1")
	assert.Equal(t, "c2", r.ConnectionOfUser("42").ID)

	r.Unregister("c2")
	assert.Nil(t, r.ConnectionOfUser("42"))
}

func TestOccupantsDeduplicatesUsers(t *testing.T) {
	r := New()
	r.Register("c1", "10.0.0.1:1234", nopHandle{})
	r.Register("c2", "10.0.0.2:1234", nopHandle{})
	r.Register("c3", "10.0.0.3:1234", nopHandle{})

	r.Authenticate("c1", identity("42"))
	r.Authenticate("c2", identity("42"))
	r.Authenticate("c3", identity("7"))

	for _, id := range []string{"c1", "c2", "c3"} {
		r.Subscribe(id, "chat.general")
	}
	// Unauthenticated connections do not appear.
	r.Register("c4", "10.0.0.4:1234", nopHandle{})
	r.Subscribe("c4", "chat.general")

	occupants := r.OccupantsOf("chat.general")
	ids := make([]string, 0, len(occupants))
	for _, o := range occupants {
		ids = append(ids, o.UserID)
	}
	assert.ElementsMatch(t, []string{"42", "7"}, ids)
}

func TestStats(t *testing.T) {
	r := New()
	r.Register("c1", "10.0.0.1:1234", nopHandle{})
	r.Register("c2", "10.0.0.2:1234", nopHandle{})
	r.Authenticate("c1", identity("42"))
	r.Subscribe("c1", "lobby")
	r.Subscribe("c2", "lobby")
	r.Subscribe("c2", "chat.general")

	stats := r.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Authenticated)
	assert.Equal(t, 2, stats.ChannelCounts["lobby"])
	assert.Equal(t, 1, stats.ChannelCounts["chat.general"])
}
