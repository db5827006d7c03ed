// Package channel classifies channel names and decides admission. Channel
// kind is derived purely from name pattern matching; classification is
// deterministic and side-effect-free.
package channel

import (
	"path"
	"strings"

	"github.com/pubgate/pubgate/internal/auth"
)

// Kind is the broadcast domain class a channel name maps to.
type Kind string

const (
	KindPublic   Kind = "public"
	KindPrivate  Kind = "private"
	KindPresence Kind = "presence"
)

const ownedChannelPrefix = "user."

// MembershipCheck decides whether an identity may join a private channel
// that is not owned by a single user, e.g. chat.<room>.
type MembershipCheck func(identity *auth.Identity, channel string) bool

// Policy derives channel kinds from configured glob patterns and evaluates
// per-channel access.
type Policy struct {
	private    []string
	presence   []string
	membership MembershipCheck
}

// NewPolicy builds a policy from glob-style pattern lists such as
// "user.*", "chat.*", "private.*". A nil membership check admits any
// authenticated identity to non-owned private channels.
func NewPolicy(privatePatterns, presencePatterns []string, membership MembershipCheck) *Policy {
	return &Policy{
		private:    privatePatterns,
		presence:   presencePatterns,
		membership: membership,
	}
}

// KindOf classifies a channel name. Presence channels are a private
// subtype, so presence patterns win over plain private ones.
func (p *Policy) KindOf(channel string) Kind {
	if matchAny(p.presence, channel) && matchAny(p.private, channel) {
		return KindPresence
	}
	if matchAny(p.private, channel) {
		return KindPrivate
	}
	return KindPublic
}

// IsPrivate reports whether the channel requires an authenticated identity.
func (p *Policy) IsPrivate(channel string) bool {
	return p.KindOf(channel) != KindPublic
}

// CanAccess decides admission for the given identity (nil when the
// connection is unauthenticated).
func (p *Policy) CanAccess(identity *auth.Identity, channel string) bool {
	if !p.IsPrivate(channel) {
		return true
	}
	if identity == nil {
		return false
	}

	// Owned channels of the form user.<id>: only the matching user.
	if owner, ok := channelOwner(channel); ok {
		return identity.ID == owner
	}

	if p.membership != nil {
		return p.membership(identity, channel)
	}
	return true
}

// OwnerOf returns the owning user id for user.<id> channels.
func (p *Policy) OwnerOf(channel string) (string, bool) {
	return channelOwner(channel)
}

// channelOwner extracts <id> from user.<id> channels.
func channelOwner(channel string) (string, bool) {
	if !strings.HasPrefix(channel, ownedChannelPrefix) {
		return "", false
	}
	return strings.TrimPrefix(channel, ownedChannelPrefix), true
}

func matchAny(patterns []string, channel string) bool {
	for _, pattern := range patterns {
		// path.Match gives fnmatch-style globbing; channel names never
		// contain '/', so '*' spans the remainder of the name.
		if ok, err := path.Match(pattern, channel); err == nil && ok {
			return true
		}
	}
	return false
}
