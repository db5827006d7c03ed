// Package gateway implements the WebSocket server: connection admission,
// frame dispatch, channel fan-out, the cross-node relay, and the HTTP
// surface (health, status, Prometheus metrics).
package gateway

import (
	"encoding/json"
	"time"
)

// Frame is a client-to-server message. Type selects the operation; the
// remaining fields are read per type.
type Frame struct {
	Type       string          `json:"type"`
	Token      string          `json:"token,omitempty"`
	Credential string          `json:"credential,omitempty"`
	Channel    string          `json:"channel,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
}

// Frame types accepted from clients.
const (
	FrameAuth        = "auth"
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameMessage     = "message"
	FrameHeartbeat   = "heartbeat"
)

// Envelope is the server-to-client wire format. Every outbound payload is
// one of these.
type Envelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// Envelope types sent to clients.
const (
	EnvelopeAuth         = "auth"
	EnvelopeSubscribed   = "subscribed"
	EnvelopeUnsubscribed = "unsubscribed"
	EnvelopeBroadcast    = "broadcast"
	EnvelopeNotification = "notification"
	EnvelopeError        = "error"
	EnvelopePong         = "pong"
)

// Error codes carried in error envelopes.
const (
	ErrCodeAuthFailed       = "auth_failed"
	ErrCodeNotAuthenticated = "not_authenticated"
	ErrCodeAccessDenied     = "access_denied"
	ErrCodeRateLimited      = "rate_limited"
	ErrCodeInvalidFrame     = "invalid_frame"
	ErrCodeUnknownType      = "unknown_type"
	ErrCodeServerShutdown   = "server_shutdown"
)

func newEnvelope(envType string, data any) []byte {
	payload, err := json.Marshal(Envelope{
		Type:      envType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		// Data is always a map or struct of marshalable fields; this
		// only trips on a programming error.
		payload, _ = json.Marshal(Envelope{
			Type:      EnvelopeError,
			Data:      map[string]string{"code": "internal", "message": "encoding failure"},
			Timestamp: time.Now().Unix(),
		})
	}
	return payload
}

func errorEnvelope(code, message string) []byte {
	return newEnvelope(EnvelopeError, map[string]string{
		"code":    code,
		"message": message,
	})
}

// broadcastData is the payload of broadcast and notification envelopes.
type broadcastData struct {
	Channel string          `json:"channel"`
	Message json.RawMessage `json:"message"`
	From    string          `json:"from,omitempty"`
}
