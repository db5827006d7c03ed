// Package cluster holds the state shared by every gateway node: connection
// mirrors, channel subscriber sets, offline message queues, rate-limit
// counters and metric samples. Everything here carries a TTL and is safe to
// lose; it is a visibility and coordination layer, not a system of record.
package cluster

import (
	"context"
	"time"

	"github.com/pubgate/pubgate/internal/auth"
)

// ConnectionData is the cluster-visible mirror of a node-local connection.
type ConnectionData struct {
	ID            string `json:"id"`
	NodeID        string `json:"node_id"`
	RemoteAddr    string `json:"remote_addr"`
	UserID        string `json:"user_id,omitempty"`
	UserName      string `json:"user_name,omitempty"`
	Authenticated bool   `json:"authenticated"`
	ConnectedAt   int64  `json:"connected_at"`
	LastSeen      int64  `json:"last_seen"`
}

// Stats is the cluster-wide aggregate computed by enumerating keys. The scan
// is O(connections+channels) and is never on a latency-critical path.
type Stats struct {
	TotalConnections  int            `json:"total_connections"`
	ConnectionsByNode map[string]int `json:"connections_by_node"`
	ActiveChannels    int            `json:"active_channels"`
	MemoryUsage       int64          `json:"memory_usage"`
	UptimeSeconds     int64          `json:"uptime_seconds"`
}

// State is the contract every backend must satisfy. All operations must be
// safe under concurrent access from multiple nodes; every write is an atomic
// primitive (set-with-ttl, add-to-set, increment-with-expiry), never a
// read-modify-write.
//
// Any operation may fail when the backend is unreachable. Callers must treat
// failure as "assume worst case" per their own policy: the rate limiter fails
// open or closed by configuration, authentication always fails closed, and
// the gateway's own bookkeeping tolerates loss.
type State interface {
	auth.SessionStore

	PutConnection(ctx context.Context, id string, data ConnectionData) error
	GetConnection(ctx context.Context, id string) (*ConnectionData, error)
	GetConnectionOfUser(ctx context.Context, userID string) (*ConnectionData, error)
	DeleteConnection(ctx context.Context, id string) error

	AddSubscriber(ctx context.Context, channel, connectionID string) error
	RemoveSubscriber(ctx context.Context, channel, connectionID string) error
	ListSubscribers(ctx context.Context, channel string) ([]string, error)

	EnqueueOfflineMessage(ctx context.Context, userID string, message []byte) error
	ListOfflineMessages(ctx context.Context, userID string) ([][]byte, error)
	ClearOfflineMessages(ctx context.Context, userID string) error

	IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error)
	ReadCounter(ctx context.Context, key string) (int64, error)

	RecordMetric(ctx context.Context, name string, value float64, tags map[string]string) error

	PutSession(ctx context.Context, sessionID string, record auth.SessionRecord, ttl time.Duration) error

	AggregateStats(ctx context.Context) (*Stats, error)
	SweepExpired(ctx context.Context) (int, error)

	Ping(ctx context.Context) error
	Close() error
}
