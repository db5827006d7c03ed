package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pubgate/pubgate/internal/auth"
)

func testPolicy(membership MembershipCheck) *Policy {
	return NewPolicy(
		[]string{"user.*", "chat.*", "private.*"},
		[]string{"chat.*", "room.*"},
		membership,
	)
}

func TestKindClassification(t *testing.T) {
	p := testPolicy(nil)

	assert.Equal(t, KindPublic, p.KindOf("lobby"))
	assert.Equal(t, KindPublic, p.KindOf("notifications"))
	assert.Equal(t, KindPrivate, p.KindOf("user.42"))
	assert.Equal(t, KindPrivate, p.KindOf("private.alerts"))
	assert.Equal(t, KindPresence, p.KindOf("chat.general"))

	// room.* is a presence pattern but not private, so it stays public.
	assert.Equal(t, KindPublic, p.KindOf("room.5"))
}

func TestPublicChannelNeedsNoIdentity(t *testing.T) {
	p := testPolicy(nil)

	assert.True(t, p.CanAccess(nil, "lobby"))
	assert.True(t, p.CanAccess(&auth.Identity{ID: "1"}, "lobby"))
}

func TestOwnedChannelAccess(t *testing.T) {
	p := testPolicy(nil)

	assert.True(t, p.CanAccess(&auth.Identity{ID: "42"}, "user.42"))
	assert.False(t, p.CanAccess(&auth.Identity{ID: "7"}, "user.42"))
	assert.False(t, p.CanAccess(nil, "user.42"))
}

func TestPrivateChannelDefaultMembership(t *testing.T) {
	p := testPolicy(nil)

	// Any authenticated identity may join non-owned private channels when
	// no membership check is configured.
	assert.True(t, p.CanAccess(&auth.Identity{ID: "7"}, "chat.general"))
	assert.False(t, p.CanAccess(nil, "chat.general"))
}

func TestPrivateChannelMembershipCheck(t *testing.T) {
	p := testPolicy(func(identity *auth.Identity, channel string) bool {
		return channel == "chat.general" && identity.ID == "7"
	})

	assert.True(t, p.CanAccess(&auth.Identity{ID: "7"}, "chat.general"))
	assert.False(t, p.CanAccess(&auth.Identity{ID: "8"}, "chat.general"))
	assert.False(t, p.CanAccess(&auth.Identity{ID: "7"}, "chat.other"))
}

func TestClassificationIsDeterministic(t *testing.T) {
	p := testPolicy(nil)

	for i := 0; i < 3; i++ {
		assert.Equal(t, KindPrivate, p.KindOf("user.42"))
		assert.True(t, p.IsPrivate("user.42"))
	}
}
