// Package auth validates opaque client credentials and turns them into
// identities. A closed set of provider variants is selected once at startup;
// failures carry a typed reason so logging and metrics can distinguish why
// a credential was rejected while clients only ever see "authentication
// failed".
package auth

import (
	"context"
	"time"
)

// Identity is the result of a successful authentication. Once attached to a
// connection it is immutable for that connection's lifetime.
type Identity struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Email    string   `json:"email,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	Provider string   `json:"provider"`
	IssuedAt time.Time `json:"-"`
}

// FailureReason classifies why authentication was rejected.
type FailureReason string

const (
	FailureMalformed      FailureReason = "malformed"
	FailureSignature      FailureReason = "signature"
	FailureExpired        FailureReason = "expired"
	FailureUnknownSubject FailureReason = "unknown_subject"
	FailureMissingAbility FailureReason = "missing_ability"
	FailureBackend        FailureReason = "backend"
)

// Failure is the typed error returned for any rejected credential.
type Failure struct {
	Reason FailureReason
	Detail string
}

func (f *Failure) Error() string {
	if f.Detail == "" {
		return "authentication failed: " + string(f.Reason)
	}
	return "authentication failed: " + string(f.Reason) + ": " + f.Detail
}

// FailureFrom extracts the failure reason from an error, returning
// FailureBackend for anything that is not a *Failure.
func FailureFrom(err error) FailureReason {
	if f, ok := err.(*Failure); ok {
		return f.Reason
	}
	return FailureBackend
}

// Provider validates an opaque credential string. Implementations must not
// mutate session or token state as a side effect of Authenticate; sliding
// expiration is an explicit, separate operation on the backing store.
type Provider interface {
	Name() string
	Authenticate(ctx context.Context, credential string) (*Identity, error)
}

// Issuer is implemented by providers that can mint credentials consumable by
// their own Authenticate, such that authenticating an issued token yields an
// identity with the same user id until the token expires.
type Issuer interface {
	IssueToken(identity Identity, ttl time.Duration) (string, error)
}
