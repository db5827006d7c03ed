package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pubgate/pubgate/internal/auth"
)

func newTestState(t *testing.T) (*RedisState, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	state, err := NewRedisState(context.Background(), RedisConfig{
		Addr:              mr.Addr(),
		Prefix:            "pubgate:",
		TTL:               time.Hour,
		NodeID:            "node-1",
		OfflineMessageMax: 3,
		OfflineMessageTTL: 24 * time.Hour,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { state.Close() })

	return state, mr
}

func TestConnectionLifecycle(t *testing.T) {
	state, _ := newTestState(t)
	ctx := context.Background()

	require.NoError(t, state.PutConnection(ctx, "c1", ConnectionData{
		ID:         "c1",
		RemoteAddr: "10.0.0.1",
	}))

	data, err := state.GetConnection(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, "c1", data.ID)
	assert.Equal(t, "node-1", data.NodeID)
	assert.NotZero(t, data.LastSeen)

	require.NoError(t, state.DeleteConnection(ctx, "c1"))

	data, err = state.GetConnection(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, data)

	// Deleting again is an idempotent no-op.
	require.NoError(t, state.DeleteConnection(ctx, "c1"))
}

func TestUserIndex(t *testing.T) {
	state, _ := newTestState(t)
	ctx := context.Background()

	// Unknown users resolve to nil without error.
	data, err := state.GetConnectionOfUser(ctx, "42")
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, state.PutConnection(ctx, "c1", ConnectionData{
		ID:            "c1",
		UserID:        "42",
		Authenticated: true,
	}))

	data, err = state.GetConnectionOfUser(ctx, "42")
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, "c1", data.ID)

	// The newest connection for a user wins the index.
	require.NoError(t, state.PutConnection(ctx, "c2", ConnectionData{
		ID:            "c2",
		UserID:        "42",
		Authenticated: true,
	}))
	data, err = state.GetConnectionOfUser(ctx, "42")
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, "c2", data.ID)

	// Deleting a stale connection leaves the newer index intact.
	require.NoError(t, state.DeleteConnection(ctx, "c1"))
	data, err = state.GetConnectionOfUser(ctx, "42")
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, "c2", data.ID)

	require.NoError(t, state.DeleteConnection(ctx, "c2"))
	data, err = state.GetConnectionOfUser(ctx, "42")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestSubscriberSets(t *testing.T) {
	state, _ := newTestState(t)
	ctx := context.Background()

	require.NoError(t, state.AddSubscriber(ctx, "lobby", "c1"))
	require.NoError(t, state.AddSubscriber(ctx, "lobby", "c2"))
	require.NoError(t, state.AddSubscriber(ctx, "lobby", "c1")) // idempotent

	members, err := state.ListSubscribers(ctx, "lobby")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c1", "c2"}, members)

	require.NoError(t, state.RemoveSubscriber(ctx, "lobby", "c1"))
	members, err = state.ListSubscribers(ctx, "lobby")
	require.NoError(t, err)
	assert.Equal(t, []string{"c2"}, members)
}

func TestOfflineMessageQueue(t *testing.T) {
	state, _ := newTestState(t)
	ctx := context.Background()

	require.NoError(t, state.EnqueueOfflineMessage(ctx, "42", []byte(`1`)))
	require.NoError(t, state.EnqueueOfflineMessage(ctx, "42", []byte(`2`)))
	require.NoError(t, state.EnqueueOfflineMessage(ctx, "42", []byte(`3`)))

	messages, err := state.ListOfflineMessages(ctx, "42")
	require.NoError(t, err)
	require.Len(t, messages, 3)
	// Delivery order matches send order.
	assert.Equal(t, []byte(`1`), messages[0])
	assert.Equal(t, []byte(`3`), messages[2])

	// Bound is 3: the oldest entry is evicted.
	require.NoError(t, state.EnqueueOfflineMessage(ctx, "42", []byte(`4`)))
	messages, err = state.ListOfflineMessages(ctx, "42")
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, []byte(`2`), messages[0])
	assert.Equal(t, []byte(`4`), messages[2])

	require.NoError(t, state.ClearOfflineMessages(ctx, "42"))
	messages, err = state.ListOfflineMessages(ctx, "42")
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestCounterWindow(t *testing.T) {
	state, mr := newTestState(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		count, err := state.IncrementCounter(ctx, "connections:10.0.0.1", 60*time.Second)
		require.NoError(t, err)
		assert.Equal(t, i, count)
	}

	count, err := state.ReadCounter(ctx, "connections:10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	// After the window elapses the counter resets.
	mr.FastForward(61 * time.Second)

	count, err = state.ReadCounter(ctx, "connections:10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	count, err = state.IncrementCounter(ctx, "connections:10.0.0.1", 60*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestSessionStorage(t *testing.T) {
	state, _ := newTestState(t)
	ctx := context.Background()

	_, err := state.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, auth.ErrSessionNotFound)

	require.NoError(t, state.PutSession(ctx, "sess-1", auth.SessionRecord{
		UserID:    "42",
		Name:      "B",
		CSRFToken: "csrf-1",
	}, time.Hour))

	record, err := state.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "42", record.UserID)
	assert.Equal(t, "csrf-1", record.CSRFToken)

	require.NoError(t, state.TouchSession(ctx, "sess-1"))
	assert.ErrorIs(t, state.TouchSession(ctx, "missing"), auth.ErrSessionNotFound)
}

func TestAggregateStats(t *testing.T) {
	state, _ := newTestState(t)
	ctx := context.Background()

	require.NoError(t, state.PutConnection(ctx, "c1", ConnectionData{ID: "c1"}))
	require.NoError(t, state.PutConnection(ctx, "c2", ConnectionData{ID: "c2"}))
	require.NoError(t, state.AddSubscriber(ctx, "lobby", "c1"))
	require.NoError(t, state.AddSubscriber(ctx, "chat.general", "c2"))

	stats, err := state.AggregateStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalConnections)
	assert.Equal(t, 2, stats.ConnectionsByNode["node-1"])
	assert.Equal(t, 2, stats.ActiveChannels)
}

func TestSweepExpired(t *testing.T) {
	state, mr := newTestState(t)
	ctx := context.Background()

	// A key written without an expiry is an orphan from an interrupted
	// write; the sweeper removes it.
	mr.Set("pubgate:rate_limit:orphan", "5")

	require.NoError(t, state.PutConnection(ctx, "c1", ConnectionData{ID: "c1"}))

	cleaned, err := state.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)

	// The TTL-carrying connection mirror survives.
	data, err := state.GetConnection(ctx, "c1")
	require.NoError(t, err)
	assert.NotNil(t, data)
}

func TestBackendUnavailable(t *testing.T) {
	state, mr := newTestState(t)
	ctx := context.Background()

	mr.Close()

	_, err := state.IncrementCounter(ctx, "messages:10.0.0.1", time.Minute)
	assert.Error(t, err)

	assert.Error(t, state.Ping(ctx))
}
