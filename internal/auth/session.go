package auth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
)

// SessionRecord is the server-side state a session credential resolves to.
type SessionRecord struct {
	UserID    string   `json:"user_id"`
	Name      string   `json:"name"`
	Email     string   `json:"email,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	CSRFToken string   `json:"csrf_token"`
}

// ErrSessionNotFound is returned by SessionStore implementations when the
// session id does not resolve.
var ErrSessionNotFound = errors.New("session not found")

// SessionStore resolves session ids against external session storage.
// GetSession is read-only; TouchSession is the explicit sliding-expiration
// operation and is never called from Authenticate.
type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (*SessionRecord, error)
	TouchSession(ctx context.Context, sessionID string) error
}

// SessionProvider is the reference-based variant: the credential is a base64
// JSON blob naming a session that must be resolved against external storage.
// The embedded CSRF token is compared in constant time.
type SessionProvider struct {
	store       SessionStore
	requireCSRF bool
}

type sessionCredential struct {
	SessionID string `json:"session_id"`
	CSRFToken string `json:"csrf_token"`
}

func NewSessionProvider(store SessionStore, requireCSRF bool) *SessionProvider {
	return &SessionProvider{store: store, requireCSRF: requireCSRF}
}

func (p *SessionProvider) Name() string { return "session" }

func (p *SessionProvider) Authenticate(ctx context.Context, credential string) (*Identity, error) {
	decoded, err := base64.StdEncoding.DecodeString(credential)
	if err != nil {
		return nil, &Failure{Reason: FailureMalformed, Detail: "credential is not base64"}
	}

	var cred sessionCredential
	if err := json.Unmarshal(decoded, &cred); err != nil {
		return nil, &Failure{Reason: FailureMalformed, Detail: "credential is not a session reference"}
	}
	if cred.SessionID == "" {
		return nil, &Failure{Reason: FailureMalformed, Detail: "session id missing"}
	}

	record, err := p.store.GetSession(ctx, cred.SessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, &Failure{Reason: FailureUnknownSubject}
		}
		// Backend unreachable: authentication fails closed.
		return nil, &Failure{Reason: FailureBackend, Detail: err.Error()}
	}

	if p.requireCSRF {
		if subtle.ConstantTimeCompare([]byte(cred.CSRFToken), []byte(record.CSRFToken)) != 1 {
			return nil, &Failure{Reason: FailureSignature, Detail: "csrf token mismatch"}
		}
	}

	if record.UserID == "" {
		return nil, &Failure{Reason: FailureUnknownSubject}
	}

	return &Identity{
		ID:       record.UserID,
		Name:     record.Name,
		Email:    record.Email,
		Roles:    record.Roles,
		Provider: p.Name(),
	}, nil
}
