package gateway

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pubgate/pubgate/internal/auth"
	"github.com/pubgate/pubgate/internal/channel"
	"github.com/pubgate/pubgate/internal/cluster"
	"github.com/pubgate/pubgate/internal/registry"
)

// dispatch routes one decoded text frame for a connection. Protocol errors
// answer with an error envelope and leave the connection open.
func (s *Server) dispatch(ctx context.Context, conn *registry.Connection, raw []byte) {
	s.metrics.MessageReceived(len(raw))

	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		conn.Handle.Send(errorEnvelope(ErrCodeInvalidFrame, "frame is not a JSON object"))
		return
	}

	switch frame.Type {
	case FrameAuth:
		s.handleAuth(ctx, conn, frame)
	case FrameSubscribe:
		s.handleSubscribe(ctx, conn, frame)
	case FrameUnsubscribe:
		s.handleUnsubscribe(ctx, conn, frame)
	case FrameMessage:
		s.handleMessage(ctx, conn, frame)
	case FrameHeartbeat:
		conn.Handle.Send(newEnvelope(EnvelopePong, map[string]string{"node_id": s.cfg.NodeID}))
	default:
		conn.Handle.Send(errorEnvelope(ErrCodeUnknownType, "unknown frame type "+strings.TrimSpace(frame.Type)))
	}
}

func (s *Server) handleAuth(ctx context.Context, conn *registry.Connection, frame Frame) {
	credential := frame.Token
	if credential == "" {
		credential = frame.Credential
	}
	if credential == "" {
		conn.Handle.Send(errorEnvelope(ErrCodeInvalidFrame, "auth frame requires a token"))
		return
	}

	identity, err := s.provider.Authenticate(ctx, credential)
	if err != nil {
		s.metrics.AuthAttempt(s.provider.Name(), false)
		reason := auth.FailureFrom(err)
		s.logger.Info().
			Str("conn_id", conn.ID).
			Str("addr", conn.RemoteAddr).
			Str("provider", s.provider.Name()).
			Str("reason", string(reason)).
			Msg("Authentication failed")
		conn.Handle.Send(errorEnvelope(ErrCodeAuthFailed, "authentication failed: "+string(reason)))
		return
	}

	if !s.registry.Authenticate(conn.ID, identity) {
		s.metrics.AuthAttempt(s.provider.Name(), false)
		conn.Handle.Send(errorEnvelope(ErrCodeAuthFailed, "connection is bound to a different identity"))
		return
	}
	s.metrics.AuthAttempt(s.provider.Name(), true)
	s.cancelAuthDeadline(conn.ID)

	if err := s.state.PutConnection(ctx, conn.ID, cluster.ConnectionData{
		ID:            conn.ID,
		RemoteAddr:    conn.RemoteAddr,
		UserID:        identity.ID,
		UserName:      identity.Name,
		Authenticated: true,
		ConnectedAt:   conn.ConnectedAt.Unix(),
	}); err != nil {
		s.logger.Warn().Err(err).Str("conn_id", conn.ID).Msg("Cluster state connection update failed")
	}

	conn.Handle.Send(newEnvelope(EnvelopeAuth, map[string]any{
		"status": "authenticated",
		"user": map[string]string{
			"id":   identity.ID,
			"name": identity.Name,
		},
	}))

	s.deliverOffline(ctx, conn, identity.ID)
}

// deliverOffline flushes the user's queued messages, oldest first, then
// clears the queue. A flush failure leaves the queue intact for the next
// authentication.
func (s *Server) deliverOffline(ctx context.Context, conn *registry.Connection, userID string) {
	queued, err := s.state.ListOfflineMessages(ctx, userID)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("Offline queue read failed")
		return
	}
	if len(queued) == 0 {
		return
	}
	delivered := 0
	for _, payload := range queued {
		if conn.Handle.Send(newEnvelope(EnvelopeNotification, json.RawMessage(payload))) {
			delivered++
		}
	}
	s.metrics.OfflineDelivered(delivered)
	if err := s.state.ClearOfflineMessages(ctx, userID); err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("Offline queue clear failed")
	}
	s.logger.Debug().
		Str("user_id", userID).
		Int("delivered", delivered).
		Int("queued", len(queued)).
		Msg("Offline messages flushed")
}

func (s *Server) handleSubscribe(ctx context.Context, conn *registry.Connection, frame Frame) {
	if frame.Channel == "" {
		conn.Handle.Send(errorEnvelope(ErrCodeInvalidFrame, "subscribe frame requires a channel"))
		return
	}

	identity := conn.Identity()
	kind := s.policy.KindOf(frame.Channel)
	if kind != channel.KindPublic && identity == nil {
		s.metrics.Subscription(frame.Channel, false)
		conn.Handle.Send(errorEnvelope(ErrCodeNotAuthenticated, "channel "+frame.Channel+" requires authentication"))
		return
	}
	if !s.policy.CanAccess(identity, frame.Channel) {
		s.metrics.Subscription(frame.Channel, false)
		s.logger.Info().
			Str("conn_id", conn.ID).
			Str("channel", frame.Channel).
			Msg("Channel access denied")
		conn.Handle.Send(errorEnvelope(ErrCodeAccessDenied, "access to channel "+frame.Channel+" denied"))
		return
	}

	s.registry.Subscribe(conn.ID, frame.Channel)
	if err := s.state.AddSubscriber(ctx, frame.Channel, conn.ID); err != nil {
		s.logger.Warn().Err(err).Str("channel", frame.Channel).Msg("Cluster subscriber add failed")
	}
	s.metrics.Subscription(frame.Channel, true)

	data := map[string]any{"channel": frame.Channel}
	if kind == channel.KindPresence {
		data["occupants"] = s.registry.OccupantsOf(frame.Channel)
	}
	conn.Handle.Send(newEnvelope(EnvelopeSubscribed, data))
}

func (s *Server) handleUnsubscribe(ctx context.Context, conn *registry.Connection, frame Frame) {
	if frame.Channel == "" {
		conn.Handle.Send(errorEnvelope(ErrCodeInvalidFrame, "unsubscribe frame requires a channel"))
		return
	}

	s.registry.Unsubscribe(conn.ID, frame.Channel)
	if err := s.state.RemoveSubscriber(ctx, frame.Channel, conn.ID); err != nil {
		s.logger.Warn().Err(err).Str("channel", frame.Channel).Msg("Cluster subscriber remove failed")
	}
	conn.Handle.Send(newEnvelope(EnvelopeUnsubscribed, map[string]string{"channel": frame.Channel}))
}

func (s *Server) handleMessage(ctx context.Context, conn *registry.Connection, frame Frame) {
	if frame.Channel == "" || len(frame.Message) == 0 {
		conn.Handle.Send(errorEnvelope(ErrCodeInvalidFrame, "message frame requires channel and message"))
		return
	}

	if !s.limiter.AdmitMessage(ctx, conn.RemoteAddr) {
		s.metrics.MessageDropped("rate_limited")
		conn.Handle.Send(errorEnvelope(ErrCodeRateLimited, "message rate limit exceeded"))
		return
	}

	from := ""
	if identity := conn.Identity(); identity != nil {
		from = identity.ID
	}
	recipients := s.fanOut(frame.Channel, from, frame.Message, conn.ID)
	s.metrics.MessageDelivered(frame.Channel, recipients)

	if s.relay != nil {
		if err := s.relay.PublishChannel(frame.Channel, from, frame.Message); err != nil {
			s.logger.Warn().Err(err).Str("channel", frame.Channel).Msg("Relay publish failed")
		} else {
			s.metrics.RelayPublished()
		}
	}

	s.maybeQueueOffline(ctx, frame.Channel, frame.Message)
}

// fanOut delivers to the channel's local subscribers, skipping excludeID.
// Returns the number of successful deliveries.
func (s *Server) fanOut(channelName, from string, message json.RawMessage, excludeID string) int {
	payload := newEnvelope(EnvelopeBroadcast, broadcastData{
		Channel: channelName,
		Message: message,
		From:    from,
	})
	delivered := 0
	for _, sub := range s.registry.SubscribersOf(channelName) {
		if sub.ID == excludeID {
			continue
		}
		if sub.Handle.Send(payload) {
			delivered++
		} else {
			s.metrics.MessageDropped("slow_client")
		}
	}
	return delivered
}

// maybeQueueOffline stores a copy for the owner of a user channel who has
// no live connection on this node, so it is played back on next auth.
func (s *Server) maybeQueueOffline(ctx context.Context, channelName string, message json.RawMessage) {
	owner, ok := s.policy.OwnerOf(channelName)
	if !ok {
		return
	}
	if s.registry.ConnectionOfUser(owner) != nil {
		return
	}
	payload, err := json.Marshal(broadcastData{Channel: channelName, Message: message})
	if err != nil {
		return
	}
	if err := s.state.EnqueueOfflineMessage(ctx, owner, payload); err != nil {
		s.logger.Warn().Err(err).Str("user_id", owner).Msg("Offline enqueue failed")
		return
	}
	s.metrics.OfflineEnqueued()
}

// handleRelay delivers an envelope that originated on another node.
func (s *Server) handleRelay(env relayEnvelope) {
	s.metrics.RelayReceived()
	s.pool.submit(func() {
		if env.UserID != "" {
			if conn := s.registry.ConnectionOfUser(env.UserID); conn != nil {
				conn.Handle.Send(newEnvelope(EnvelopeNotification, json.RawMessage(env.Message)))
			}
			return
		}
		recipients := s.fanOut(env.Channel, env.From, env.Message, "")
		s.metrics.MessageDelivered(env.Channel, recipients)
	})
}

// SendToUser delivers a payload directly to a user: to their live local
// connection, through the relay for other nodes, and into the offline
// queue when nobody is connected anywhere.
func (s *Server) SendToUser(ctx context.Context, userID string, message json.RawMessage) error {
	if conn := s.registry.ConnectionOfUser(userID); conn != nil {
		conn.Handle.Send(newEnvelope(EnvelopeNotification, message))
		return nil
	}

	remote, err := s.state.GetConnectionOfUser(ctx, userID)
	if err != nil {
		return err
	}
	if remote != nil && s.relay != nil {
		if err := s.relay.PublishUser(userID, message); err == nil {
			s.metrics.RelayPublished()
			return nil
		}
	}

	payload, err := json.Marshal(broadcastData{Channel: "user." + userID, Message: message})
	if err != nil {
		return err
	}
	if err := s.state.EnqueueOfflineMessage(ctx, userID, payload); err != nil {
		return err
	}
	s.metrics.OfflineEnqueued()
	return nil
}
