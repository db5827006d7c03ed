package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pubgate/pubgate/internal/auth"
)

// RedisConfig configures the Redis-backed State.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Prefix namespaces every key so several deployments can share one
	// Redis instance.
	Prefix string

	// TTL applies to connection mirrors, subscriber sets and sessions.
	TTL time.Duration

	// NodeID identifies this gateway process in connection mirrors.
	NodeID string

	OfflineMessageTTL time.Duration
	OfflineMessageMax int
	MetricsRetention  time.Duration
}

// RedisState implements State on top of a networked Redis. Every write uses
// an atomic Redis primitive so concurrent nodes never lose updates.
type RedisState struct {
	rdb    *redis.Client
	cfg    RedisConfig
	logger zerolog.Logger
}

// NewRedisState connects to Redis and verifies the connection.
func NewRedisState(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*RedisState, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.OfflineMessageTTL <= 0 {
		cfg.OfflineMessageTTL = 24 * time.Hour
	}
	if cfg.OfflineMessageMax <= 0 {
		cfg.OfflineMessageMax = 1000
	}
	if cfg.MetricsRetention <= 0 {
		cfg.MetricsRetention = 7 * 24 * time.Hour
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	s := &RedisState{
		rdb:    rdb,
		cfg:    cfg,
		logger: logger.With().Str("component", "cluster_state").Logger(),
	}

	if err := s.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	// Uptime anchor for this node, written once per process lifetime.
	s.rdb.SetNX(ctx, s.key("server:uptime:"+cfg.NodeID), time.Now().Unix(), 0)

	return s, nil
}

func (s *RedisState) key(suffix string) string {
	return s.cfg.Prefix + suffix
}

func (s *RedisState) connectionKey(id string) string {
	return s.key("connections:" + id)
}

func (s *RedisState) userKey(userID string) string {
	return s.key("users:" + userID)
}

func (s *RedisState) channelKey(channel string) string {
	return s.key("channels:" + channel)
}

func (s *RedisState) PutConnection(ctx context.Context, id string, data ConnectionData) error {
	data.NodeID = s.cfg.NodeID
	data.LastSeen = time.Now().Unix()

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode connection %s: %w", id, err)
	}
	if err := s.rdb.Set(ctx, s.connectionKey(id), raw, s.cfg.TTL).Err(); err != nil {
		return fmt.Errorf("failed to store connection %s: %w", id, err)
	}
	if data.UserID != "" {
		if err := s.rdb.Set(ctx, s.userKey(data.UserID), id, s.cfg.TTL).Err(); err != nil {
			return fmt.Errorf("failed to index user %s: %w", data.UserID, err)
		}
	}
	return nil
}

// GetConnectionOfUser resolves the user's most recently stored connection,
// or nil when the user has none anywhere in the cluster.
func (s *RedisState) GetConnectionOfUser(ctx context.Context, userID string) (*ConnectionData, error) {
	connID, err := s.rdb.Get(ctx, s.userKey(userID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve user %s: %w", userID, err)
	}
	return s.GetConnection(ctx, connID)
}

func (s *RedisState) GetConnection(ctx context.Context, id string) (*ConnectionData, error) {
	raw, err := s.rdb.Get(ctx, s.connectionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read connection %s: %w", id, err)
	}

	var data ConnectionData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to decode connection %s: %w", id, err)
	}
	return &data, nil
}

// DeleteConnection removes the mirror, its subscription set and, when this
// connection still backs the user index, that index entry. Deleting an
// already-removed connection is a no-op so late cleanup after close is safe.
func (s *RedisState) DeleteConnection(ctx context.Context, id string) error {
	if data, err := s.GetConnection(ctx, id); err == nil && data != nil && data.UserID != "" {
		if current, err := s.rdb.Get(ctx, s.userKey(data.UserID)).Result(); err == nil && current == id {
			s.rdb.Del(ctx, s.userKey(data.UserID))
		}
	}
	if err := s.rdb.Del(ctx, s.connectionKey(id), s.connectionKey(id)+":subscriptions").Err(); err != nil {
		return fmt.Errorf("failed to delete connection %s: %w", id, err)
	}
	return nil
}

func (s *RedisState) AddSubscriber(ctx context.Context, channel, connectionID string) error {
	channelKey := s.channelKey(channel)
	subscriptionsKey := s.connectionKey(connectionID) + ":subscriptions"

	pipe := s.rdb.Pipeline()
	pipe.SAdd(ctx, channelKey, connectionID)
	pipe.SAdd(ctx, subscriptionsKey, channel)
	pipe.Expire(ctx, channelKey, s.cfg.TTL)
	pipe.Expire(ctx, subscriptionsKey, s.cfg.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add subscriber to %s: %w", channel, err)
	}
	return nil
}

func (s *RedisState) RemoveSubscriber(ctx context.Context, channel, connectionID string) error {
	pipe := s.rdb.Pipeline()
	pipe.SRem(ctx, s.channelKey(channel), connectionID)
	pipe.SRem(ctx, s.connectionKey(connectionID)+":subscriptions", channel)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove subscriber from %s: %w", channel, err)
	}
	return nil
}

func (s *RedisState) ListSubscribers(ctx context.Context, channel string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, s.channelKey(channel)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list subscribers of %s: %w", channel, err)
	}
	return members, nil
}

func (s *RedisState) offlineKey(userID string) string {
	return s.key("offline_messages:user:" + userID)
}

// EnqueueOfflineMessage appends, trims to the configured bound (oldest
// entries evicted first) and refreshes the queue TTL.
func (s *RedisState) EnqueueOfflineMessage(ctx context.Context, userID string, message []byte) error {
	key := s.offlineKey(userID)

	pipe := s.rdb.Pipeline()
	pipe.LPush(ctx, key, message)
	pipe.LTrim(ctx, key, 0, int64(s.cfg.OfflineMessageMax)-1)
	pipe.Expire(ctx, key, s.cfg.OfflineMessageTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue offline message for user %s: %w", userID, err)
	}
	return nil
}

// ListOfflineMessages returns queued messages oldest-first.
func (s *RedisState) ListOfflineMessages(ctx context.Context, userID string) ([][]byte, error) {
	raw, err := s.rdb.LRange(ctx, s.offlineKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list offline messages for user %s: %w", userID, err)
	}

	// LPush stores newest-first; reverse so delivery preserves send order.
	messages := make([][]byte, len(raw))
	for i, m := range raw {
		messages[len(raw)-1-i] = []byte(m)
	}
	return messages, nil
}

func (s *RedisState) ClearOfflineMessages(ctx context.Context, userID string) error {
	if err := s.rdb.Del(ctx, s.offlineKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to clear offline messages for user %s: %w", userID, err)
	}
	return nil
}

// IncrementCounter atomically increments the windowed counter, creating it
// with the window's expiry on first use.
func (s *RedisState) IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	fullKey := s.key("rate_limit:" + key)

	count, err := s.rdb.Incr(ctx, fullKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter %s: %w", key, err)
	}
	if count == 1 {
		if err := s.rdb.Expire(ctx, fullKey, window).Err(); err != nil {
			return count, fmt.Errorf("failed to set counter expiry for %s: %w", key, err)
		}
	}
	return count, nil
}

func (s *RedisState) ReadCounter(ctx context.Context, key string) (int64, error) {
	raw, err := s.rdb.Get(ctx, s.key("rate_limit:"+key)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter %s: %w", key, err)
	}
	count, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("counter %s holds non-numeric value: %w", key, err)
	}
	return count, nil
}

type metricSample struct {
	Value     float64           `json:"value"`
	Tags      map[string]string `json:"tags,omitempty"`
	Timestamp int64             `json:"timestamp"`
	NodeID    string            `json:"node_id"`
}

// RecordMetric appends a write-once sample into the current minute bucket.
// Buckets expire after the retention window.
func (s *RedisState) RecordMetric(ctx context.Context, name string, value float64, tags map[string]string) error {
	now := time.Now()
	key := s.key("metrics:" + name + ":" + now.Format("2006-01-02-15-04"))

	raw, err := json.Marshal(metricSample{
		Value:     value,
		Tags:      tags,
		Timestamp: now.Unix(),
		NodeID:    s.cfg.NodeID,
	})
	if err != nil {
		return fmt.Errorf("failed to encode metric %s: %w", name, err)
	}

	pipe := s.rdb.Pipeline()
	pipe.LPush(ctx, key, raw)
	pipe.Expire(ctx, key, s.cfg.MetricsRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record metric %s: %w", name, err)
	}
	return nil
}

func (s *RedisState) sessionKey(id string) string {
	return s.key("sessions:" + id)
}

func (s *RedisState) PutSession(ctx context.Context, sessionID string, record auth.SessionRecord, ttl time.Duration) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", sessionID, err)
	}
	if ttl <= 0 {
		ttl = s.cfg.TTL
	}
	if err := s.rdb.Set(ctx, s.sessionKey(sessionID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session %s: %w", sessionID, err)
	}
	return nil
}

func (s *RedisState) GetSession(ctx context.Context, sessionID string) (*auth.SessionRecord, error) {
	raw, err := s.rdb.Get(ctx, s.sessionKey(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, auth.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session %s: %w", sessionID, err)
	}

	var record auth.SessionRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", sessionID, err)
	}
	return &record, nil
}

// TouchSession is the explicit sliding-expiration operation; authentication
// never calls it implicitly.
func (s *RedisState) TouchSession(ctx context.Context, sessionID string) error {
	ok, err := s.rdb.Expire(ctx, s.sessionKey(sessionID), s.cfg.TTL).Result()
	if err != nil {
		return fmt.Errorf("failed to touch session %s: %w", sessionID, err)
	}
	if !ok {
		return auth.ErrSessionNotFound
	}
	return nil
}

// AggregateStats enumerates connection and channel keys. O(n) scan, only
// used by the status endpoint and admin tooling.
func (s *RedisState) AggregateStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ConnectionsByNode: make(map[string]int)}

	iter := s.rdb.Scan(ctx, 0, s.key("connections:*"), 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasSuffix(key, ":subscriptions") {
			continue
		}
		stats.TotalConnections++

		raw, err := s.rdb.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var data ConnectionData
		if err := json.Unmarshal(raw, &data); err != nil {
			continue
		}
		node := data.NodeID
		if node == "" {
			node = "unknown"
		}
		stats.ConnectionsByNode[node]++
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan connections: %w", err)
	}

	chIter := s.rdb.Scan(ctx, 0, s.key("channels:*"), 100).Iterator()
	for chIter.Next(ctx) {
		stats.ActiveChannels++
	}
	if err := chIter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan channels: %w", err)
	}

	// Best effort: backend memory usage and node uptime.
	if info, err := s.rdb.Info(ctx, "memory").Result(); err == nil {
		stats.MemoryUsage = parseUsedMemory(info)
	}
	if raw, err := s.rdb.Get(ctx, s.key("server:uptime:"+s.cfg.NodeID)).Result(); err == nil {
		if started, err := strconv.ParseInt(raw, 10, 64); err == nil {
			stats.UptimeSeconds = time.Now().Unix() - started
		}
	}

	return stats, nil
}

// SweepExpired removes entries whose write never got its TTL applied (for
// example a crash between INCR and EXPIRE). Keys with a pending expiry are
// left for Redis itself to reap.
func (s *RedisState) SweepExpired(ctx context.Context) (int, error) {
	cleaned := 0

	iter := s.rdb.Scan(ctx, 0, s.key("*"), 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasPrefix(key, s.key("server:uptime:")) {
			continue
		}
		ttl, err := s.rdb.TTL(ctx, key).Result()
		if err != nil {
			continue
		}
		// go-redis reports "exists without expiry" as -1; every
		// legitimate write in this package sets an expiry.
		if ttl == -1 {
			if s.rdb.Del(ctx, key).Err() == nil {
				cleaned++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return cleaned, fmt.Errorf("failed to scan for expired keys: %w", err)
	}
	return cleaned, nil
}

func (s *RedisState) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

func (s *RedisState) Close() error {
	return s.rdb.Close()
}

// parseUsedMemory extracts used_memory from an INFO memory section.
func parseUsedMemory(info string) int64 {
	for _, line := range strings.Split(info, "\n") {
		if strings.HasPrefix(line, "used_memory:") {
			raw := strings.TrimSpace(strings.TrimPrefix(line, "used_memory:"))
			if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
				return v
			}
		}
	}
	return 0
}
