package limits

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pubgate/pubgate/internal/cluster"
)

func newTestLimiter(t *testing.T, cfg Config) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	state, err := cluster.NewRedisState(context.Background(), cluster.RedisConfig{
		Addr:   mr.Addr(),
		Prefix: "pubgate:",
		NodeID: "node-1",
		TTL:    time.Hour,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { state.Close() })
	return NewRateLimiter(cfg, state, zerolog.Nop()), mr
}

func TestAdmitConnectionLimit(t *testing.T) {
	rl, mr := newTestLimiter(t, Config{
		Enabled:          true,
		ConnectionsPerIP: 3,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.True(t, rl.AdmitConnection(ctx, "10.0.0.1"), "connection %d", i+1)
	}
	assert.False(t, rl.AdmitConnection(ctx, "10.0.0.1"))

	// Other addresses keep their own window.
	assert.True(t, rl.AdmitConnection(ctx, "10.0.0.2"))

	// Window expiry readmits.
	mr.FastForward(61 * time.Second)
	assert.True(t, rl.AdmitConnection(ctx, "10.0.0.1"))
}

func TestAdmitMessageBurst(t *testing.T) {
	rl, mr := newTestLimiter(t, Config{
		Enabled:           true,
		MessagesPerMinute: 100,
		BurstLimit:        2,
	})
	ctx := context.Background()

	assert.True(t, rl.AdmitMessage(ctx, "10.0.0.1"))
	assert.True(t, rl.AdmitMessage(ctx, "10.0.0.1"))
	assert.False(t, rl.AdmitMessage(ctx, "10.0.0.1"), "third message in the same second")

	mr.FastForward(2 * time.Second)
	assert.True(t, rl.AdmitMessage(ctx, "10.0.0.1"))
}

func TestAdmitMessageMinuteLimit(t *testing.T) {
	rl, mr := newTestLimiter(t, Config{
		Enabled:           true,
		MessagesPerMinute: 3,
		BurstLimit:        100,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.True(t, rl.AdmitMessage(ctx, "10.0.0.1"))
		mr.FastForward(2 * time.Second)
	}
	assert.False(t, rl.AdmitMessage(ctx, "10.0.0.1"))
}

func TestAllowDenyLists(t *testing.T) {
	rl, _ := newTestLimiter(t, Config{
		Enabled:          true,
		ConnectionsPerIP: 1,
		Whitelist:        []string{"127.0.0.1", "192.168.1.*"},
		Blacklist:        []string{"203.0.113.*"},
	})
	ctx := context.Background()

	// Whitelist bypasses counters entirely.
	for i := 0; i < 5; i++ {
		assert.True(t, rl.AdmitConnection(ctx, "127.0.0.1"))
		assert.True(t, rl.AdmitConnection(ctx, "192.168.1.42"))
	}

	// Blacklist rejects without touching counters.
	assert.False(t, rl.AdmitConnection(ctx, "203.0.113.7"))
	assert.False(t, rl.AdmitMessage(ctx, "203.0.113.7"))

	// Wildcard matches a single segment only.
	assert.True(t, rl.AdmitConnection(ctx, "192.168.2.1"))
}

func TestWhitelistBeforeBlacklist(t *testing.T) {
	rl, _ := newTestLimiter(t, Config{
		Enabled:   true,
		Whitelist: []string{"10.0.0.5"},
		Blacklist: []string{"10.0.0.*"},
	})
	assert.True(t, rl.AdmitConnection(context.Background(), "10.0.0.5"))
	assert.False(t, rl.AdmitConnection(context.Background(), "10.0.0.6"))
}

func TestDisabledAdmitsEverything(t *testing.T) {
	rl, _ := newTestLimiter(t, Config{
		Enabled:   false,
		Blacklist: []string{"10.0.0.1"},
	})
	assert.True(t, rl.AdmitConnection(context.Background(), "10.0.0.1"))
	assert.True(t, rl.AdmitMessage(context.Background(), "10.0.0.1"))
}

func TestBackendFailureOpenAndClosed(t *testing.T) {
	openRL, mr := newTestLimiter(t, Config{Enabled: true, ConnectionsPerIP: 1})
	mr.Close()
	assert.True(t, openRL.AdmitConnection(context.Background(), "10.0.0.1"))

	closedRL, mr2 := newTestLimiter(t, Config{Enabled: true, ConnectionsPerIP: 1, FailClosed: true})
	mr2.Close()
	assert.False(t, closedRL.AdmitConnection(context.Background(), "10.0.0.1"))
}

func TestStatus(t *testing.T) {
	rl, _ := newTestLimiter(t, Config{
		Enabled:           true,
		ConnectionsPerIP:  10,
		MessagesPerMinute: 60,
		BurstLimit:        5,
	})
	ctx := context.Background()
	rl.AdmitConnection(ctx, "10.0.0.1")
	rl.AdmitMessage(ctx, "10.0.0.1")

	status := rl.Status(ctx, "10.0.0.1")
	assert.Equal(t, int64(1), status["connections"].Count)
	assert.Equal(t, int64(10), status["connections"].Limit)
	assert.Equal(t, int64(1), status["messages"].Count)
	assert.Equal(t, int64(1), status["burst"].Count)
}

func TestFrameGuard(t *testing.T) {
	g := NewFrameGuard(1, 3)
	defer g.Close()

	for i := 0; i < 3; i++ {
		assert.True(t, g.Allow("conn-1"), "frame %d within burst", i+1)
	}
	assert.False(t, g.Allow("conn-1"))

	// Independent connections get independent buckets.
	assert.True(t, g.Allow("conn-2"))

	// Forget resets the bucket.
	g.Forget("conn-1")
	assert.True(t, g.Allow("conn-1"))
}
