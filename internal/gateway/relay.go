package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const relaySubject = "pubgate.relay"

// relayEnvelope crosses nodes over NATS. Exactly one of Channel or UserID
// is set: Channel for channel broadcasts, UserID for direct delivery.
type relayEnvelope struct {
	Origin  string          `json:"origin"`
	Channel string          `json:"channel,omitempty"`
	UserID  string          `json:"user_id,omitempty"`
	From    string          `json:"from,omitempty"`
	Message json.RawMessage `json:"message"`
}

// relay distributes messages to the other gateway nodes. A node ignores its
// own publications, so local delivery happens exactly once, before publish.
type relay struct {
	nodeID string
	conn   *nats.Conn
	sub    *nats.Subscription
	logger zerolog.Logger
}

func newRelay(url, nodeID string, logger zerolog.Logger) (*relay, error) {
	conn, err := nats.Connect(url,
		nats.Name("pubgate-"+nodeID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("relay connect: %w", err)
	}
	return &relay{
		nodeID: nodeID,
		conn:   conn,
		logger: logger.With().Str("component", "relay").Logger(),
	}, nil
}

// Subscribe starts consuming relay traffic, invoking handle for every
// envelope originating on another node.
func (r *relay) Subscribe(handle func(relayEnvelope)) error {
	sub, err := r.conn.Subscribe(relaySubject, func(msg *nats.Msg) {
		var env relayEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			r.logger.Warn().Err(err).Msg("Undecodable relay envelope")
			return
		}
		if env.Origin == r.nodeID {
			return
		}
		handle(env)
	})
	if err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}
	r.sub = sub
	return nil
}

func (r *relay) PublishChannel(channel, from string, message json.RawMessage) error {
	return r.publish(relayEnvelope{
		Origin:  r.nodeID,
		Channel: channel,
		From:    from,
		Message: message,
	})
}

func (r *relay) PublishUser(userID string, message json.RawMessage) error {
	return r.publish(relayEnvelope{
		Origin:  r.nodeID,
		UserID:  userID,
		Message: message,
	})
}

func (r *relay) publish(env relayEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("relay encode: %w", err)
	}
	if err := r.conn.Publish(relaySubject, data); err != nil {
		return fmt.Errorf("relay publish: %w", err)
	}
	return nil
}

func (r *relay) Close() {
	if r.sub != nil {
		r.sub.Unsubscribe()
	}
	r.conn.Drain()
}
