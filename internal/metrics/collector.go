// Package metrics exposes Prometheus instrumentation for the gateway and
// mirrors key samples into cluster state so operators can query them across
// nodes without a scraper.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var (
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pubgate_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pubgate_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	connectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pubgate_connections_rejected_total",
		Help: "Connections rejected at admission by reason",
	}, []string{"reason"})

	disconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pubgate_disconnects_total",
		Help: "Total disconnections by reason",
	}, []string{"reason"})

	connectionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pubgate_connection_duration_seconds",
		Help:    "Connection duration before disconnect",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
	})

	authAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pubgate_auth_attempts_total",
		Help: "Authentication attempts by provider and outcome",
	}, []string{"provider", "outcome"})

	subscriptionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pubgate_subscriptions_total",
		Help: "Subscription attempts by outcome",
	}, []string{"outcome"})

	messagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pubgate_messages_received_total",
		Help: "Total number of message frames received from clients",
	})

	messagesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pubgate_messages_delivered_total",
		Help: "Total number of messages delivered to subscribers",
	})

	messagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pubgate_messages_dropped_total",
		Help: "Messages dropped by reason",
	}, []string{"reason"})

	bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pubgate_bytes_received_total",
		Help: "Total number of payload bytes received from clients",
	})

	offlineEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pubgate_offline_messages_enqueued_total",
		Help: "Messages queued for offline users",
	})

	offlineDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pubgate_offline_messages_delivered_total",
		Help: "Queued messages flushed to reconnecting users",
	})

	relayPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pubgate_relay_published_total",
		Help: "Messages published to the cross-node relay",
	})

	relayReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pubgate_relay_received_total",
		Help: "Messages received from the cross-node relay",
	})

	rateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pubgate_rate_limited_total",
		Help: "Admissions rejected by the rate limiter, by kind",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(connectionsTotal)
	prometheus.MustRegister(connectionsActive)
	prometheus.MustRegister(connectionsRejected)
	prometheus.MustRegister(disconnectsTotal)
	prometheus.MustRegister(connectionDuration)
	prometheus.MustRegister(authAttempts)
	prometheus.MustRegister(subscriptionsTotal)
	prometheus.MustRegister(messagesReceived)
	prometheus.MustRegister(messagesDelivered)
	prometheus.MustRegister(messagesDropped)
	prometheus.MustRegister(bytesReceived)
	prometheus.MustRegister(offlineEnqueued)
	prometheus.MustRegister(offlineDelivered)
	prometheus.MustRegister(relayPublished)
	prometheus.MustRegister(relayReceived)
	prometheus.MustRegister(rateLimited)
}

// Recorder is the slice of cluster state the collector writes samples to.
type Recorder interface {
	RecordMetric(ctx context.Context, name string, value float64, tags map[string]string) error
}

// Collector is the single entry point the gateway uses to record events.
// Cluster-state writes are fire and forget; a failed write never blocks the
// hot path.
type Collector struct {
	recorder Recorder
	logger   zerolog.Logger
}

func NewCollector(recorder Recorder, logger zerolog.Logger) *Collector {
	return &Collector{
		recorder: recorder,
		logger:   logger.With().Str("component", "metrics").Logger(),
	}
}

func (c *Collector) ConnectionOpened() {
	connectionsTotal.Inc()
	connectionsActive.Inc()
	c.record("connections.opened", 1, nil)
}

func (c *Collector) ConnectionClosed(reason string, lifetime time.Duration) {
	connectionsActive.Dec()
	disconnectsTotal.WithLabelValues(reason).Inc()
	connectionDuration.Observe(lifetime.Seconds())
	c.record("connections.closed", 1, map[string]string{"reason": reason})
}

func (c *Collector) ConnectionRejected(reason string) {
	connectionsRejected.WithLabelValues(reason).Inc()
	if reason == "rate_limited" {
		rateLimited.WithLabelValues("connections").Inc()
	}
	c.record("connections.rejected", 1, map[string]string{"reason": reason})
}

func (c *Collector) AuthAttempt(provider string, success bool) {
	authAttempts.WithLabelValues(provider, outcome(success)).Inc()
	c.record("auth.attempts", 1, map[string]string{
		"provider": provider,
		"outcome":  outcome(success),
	})
}

func (c *Collector) Subscription(channel string, success bool) {
	subscriptionsTotal.WithLabelValues(outcome(success)).Inc()
	c.record("subscriptions", 1, map[string]string{
		"channel": channel,
		"outcome": outcome(success),
	})
}

func (c *Collector) MessageReceived(payloadBytes int) {
	messagesReceived.Inc()
	bytesReceived.Add(float64(payloadBytes))
}

func (c *Collector) MessageDelivered(channel string, recipients int) {
	messagesDelivered.Add(float64(recipients))
	c.record("messages.delivered", float64(recipients), map[string]string{"channel": channel})
}

func (c *Collector) MessageDropped(reason string) {
	messagesDropped.WithLabelValues(reason).Inc()
	if reason == "rate_limited" {
		rateLimited.WithLabelValues("messages").Inc()
	}
}

func (c *Collector) OfflineEnqueued() { offlineEnqueued.Inc() }

func (c *Collector) OfflineDelivered(n int) {
	offlineDelivered.Add(float64(n))
}

func (c *Collector) RelayPublished() { relayPublished.Inc() }
func (c *Collector) RelayReceived()  { relayReceived.Inc() }

func (c *Collector) record(name string, value float64, tags map[string]string) {
	if c.recorder == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.recorder.RecordMetric(ctx, name, value, tags); err != nil {
			c.logger.Debug().Err(err).Str("metric", name).Msg("Metric sample write failed")
		}
	}()
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
