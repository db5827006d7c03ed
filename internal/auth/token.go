package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenProvider is the stateless signed-token variant: the credential is an
// HS256 JWT carrying the user's identity and expiry. Verification needs no
// external store.
type TokenProvider struct {
	secret []byte
}

type tokenClaims struct {
	UserID string   `json:"user_id"`
	Name   string   `json:"name"`
	Email  string   `json:"email,omitempty"`
	Roles  []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

func NewTokenProvider(secret string) *TokenProvider {
	return &TokenProvider{secret: []byte(secret)}
}

func (p *TokenProvider) Name() string { return "token" }

// Authenticate verifies the token signature and expiry and returns the
// embedded identity.
func (p *TokenProvider) Authenticate(_ context.Context, credential string) (*Identity, error) {
	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, &Failure{Reason: FailureExpired}
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, &Failure{Reason: FailureSignature}
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, &Failure{Reason: FailureMalformed, Detail: err.Error()}
		default:
			return nil, &Failure{Reason: FailureMalformed, Detail: err.Error()}
		}
	}
	if !token.Valid {
		return nil, &Failure{Reason: FailureSignature}
	}
	if claims.UserID == "" {
		return nil, &Failure{Reason: FailureUnknownSubject, Detail: "token has no user id"}
	}

	issuedAt := time.Now()
	if claims.IssuedAt != nil {
		issuedAt = claims.IssuedAt.Time
	}

	return &Identity{
		ID:       claims.UserID,
		Name:     claims.Name,
		Email:    claims.Email,
		Roles:    claims.Roles,
		Provider: p.Name(),
		IssuedAt: issuedAt,
	}, nil
}

// IssueToken mints a credential for the given identity. A zero or negative
// ttl produces an already-expired token, which Authenticate will reject.
func (p *TokenProvider) IssueToken(identity Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &tokenClaims{
		UserID: identity.ID,
		Name:   identity.Name,
		Email:  identity.Email,
		Roles:  identity.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
