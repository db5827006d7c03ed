// Package limits implements admission control: cluster-shared rolling-window
// limits keyed by source address, plus a node-local token-bucket guard for
// inbound frames.
package limits

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// CounterStore is the slice of cluster state the rate limiter needs.
type CounterStore interface {
	IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error)
	ReadCounter(ctx context.Context, key string) (int64, error)
}

// Config holds rate limiter thresholds and static allow/deny lists.
// List entries support exact addresses and single-level wildcard segments
// such as "192.168.1.*".
type Config struct {
	Enabled           bool
	ConnectionsPerIP  int
	MessagesPerMinute int
	BurstLimit        int
	Whitelist         []string
	Blacklist         []string

	// FailClosed rejects when the counter backend is unreachable. The
	// default is fail open so a shared-state outage does not take down
	// all traffic.
	FailClosed bool
}

const (
	connectionWindow = 60 * time.Second
	messageWindow    = 60 * time.Second
	burstWindow      = time.Second
)

// RateLimiter decides admission for new connections and inbound messages.
// It keeps no ban state; rejected traffic is simply dropped.
type RateLimiter struct {
	cfg       Config
	counters  CounterStore
	whitelist []*addrPattern
	blacklist []*addrPattern
	logger    zerolog.Logger
}

type addrPattern struct {
	exact string
	re    *regexp.Regexp
}

func compilePatterns(entries []string) []*addrPattern {
	patterns := make([]*addrPattern, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		p := &addrPattern{exact: entry}
		if strings.Contains(entry, "*") {
			expr := "^" + strings.ReplaceAll(regexp.QuoteMeta(entry), `\*`, `[^.]*`) + "$"
			if re, err := regexp.Compile(expr); err == nil {
				p.re = re
			}
		}
		patterns = append(patterns, p)
	}
	return patterns
}

func (p *addrPattern) matches(addr string) bool {
	if p.re != nil {
		return p.re.MatchString(addr)
	}
	return p.exact == addr
}

func NewRateLimiter(cfg Config, counters CounterStore, logger zerolog.Logger) *RateLimiter {
	return &RateLimiter{
		cfg:       cfg,
		counters:  counters,
		whitelist: compilePatterns(cfg.Whitelist),
		blacklist: compilePatterns(cfg.Blacklist),
		logger:    logger.With().Str("component", "rate_limiter").Logger(),
	}
}

// AdmitConnection decides whether a new connection from addr may proceed.
func (rl *RateLimiter) AdmitConnection(ctx context.Context, addr string) bool {
	if !rl.cfg.Enabled {
		return true
	}
	if rl.isWhitelisted(addr) {
		return true
	}
	if rl.isBlacklisted(addr) {
		rl.logRejection(addr, "blacklist", 0, 0)
		return false
	}

	count, err := rl.counters.IncrementCounter(ctx, "connections:"+addr, connectionWindow)
	if err != nil {
		return rl.backendFailure(addr, err)
	}
	if count > int64(rl.cfg.ConnectionsPerIP) {
		rl.logRejection(addr, "connections", count, int64(rl.cfg.ConnectionsPerIP))
		return false
	}
	return true
}

// AdmitMessage applies the per-minute threshold and then the per-second
// burst threshold; exceeding either rejects.
func (rl *RateLimiter) AdmitMessage(ctx context.Context, addr string) bool {
	if !rl.cfg.Enabled {
		return true
	}
	if rl.isWhitelisted(addr) {
		return true
	}
	if rl.isBlacklisted(addr) {
		rl.logRejection(addr, "blacklist", 0, 0)
		return false
	}

	count, err := rl.counters.IncrementCounter(ctx, "messages:"+addr, messageWindow)
	if err != nil {
		return rl.backendFailure(addr, err)
	}
	if count > int64(rl.cfg.MessagesPerMinute) {
		rl.logRejection(addr, "messages", count, int64(rl.cfg.MessagesPerMinute))
		return false
	}

	burst, err := rl.counters.IncrementCounter(ctx, "burst:"+addr, burstWindow)
	if err != nil {
		return rl.backendFailure(addr, err)
	}
	if burst > int64(rl.cfg.BurstLimit) {
		rl.logRejection(addr, "burst", burst, int64(rl.cfg.BurstLimit))
		return false
	}
	return true
}

// LimitStatus reports the current counts and thresholds for an address.
type LimitStatus struct {
	Count int64 `json:"count"`
	Limit int64 `json:"limit"`
}

// Status returns the observed counters for addr, for admin tooling.
func (rl *RateLimiter) Status(ctx context.Context, addr string) map[string]LimitStatus {
	status := make(map[string]LimitStatus, 3)
	for kind, limit := range map[string]int{
		"connections": rl.cfg.ConnectionsPerIP,
		"messages":    rl.cfg.MessagesPerMinute,
		"burst":       rl.cfg.BurstLimit,
	} {
		count, err := rl.counters.ReadCounter(ctx, kind+":"+addr)
		if err != nil {
			continue
		}
		status[kind] = LimitStatus{Count: count, Limit: int64(limit)}
	}
	return status
}

func (rl *RateLimiter) isWhitelisted(addr string) bool {
	for _, p := range rl.whitelist {
		if p.matches(addr) {
			return true
		}
	}
	return false
}

func (rl *RateLimiter) isBlacklisted(addr string) bool {
	for _, p := range rl.blacklist {
		if p.matches(addr) {
			return true
		}
	}
	return false
}

func (rl *RateLimiter) backendFailure(addr string, err error) bool {
	rl.logger.Error().
		Err(err).
		Str("addr", addr).
		Bool("fail_closed", rl.cfg.FailClosed).
		Msg("Rate limit backend unavailable")
	return !rl.cfg.FailClosed
}

func (rl *RateLimiter) logRejection(addr, kind string, count, limit int64) {
	rl.logger.Warn().
		Str("addr", addr).
		Str("limit_kind", kind).
		Int64("count", count).
		Int64("limit", limit).
		Msg("Rate limit exceeded")
}
