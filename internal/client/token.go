package client

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stemsi/exstem-session/internal/examsession"
)

// TokenSource supplies the bearer token for authenticated requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken serves one token. When the token is a JWT its expiry is checked
// locally so an expired login fails fast instead of after a round trip.
type StaticToken struct {
	token string
	exp   *time.Time
	now   func() time.Time
}

// NewStaticToken wraps token. Opaque (non-JWT) tokens are passed through.
func NewStaticToken(token string) *StaticToken {
	st := &StaticToken{token: token, now: time.Now}

	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil && claims.ExpiresAt != nil {
		exp := claims.ExpiresAt.Time
		st.exp = &exp
	}
	return st
}

// ExpiresAt returns the JWT expiry, if any.
func (s *StaticToken) ExpiresAt() (time.Time, bool) {
	if s.exp == nil {
		return time.Time{}, false
	}
	return *s.exp, true
}

func (s *StaticToken) Token(_ context.Context) (string, error) {
	if s.token == "" {
		return "", examsession.E(examsession.KindUnauthorized, "token", errors.New("empty token"))
	}
	if s.exp != nil && !s.now().Before(*s.exp) {
		return "", examsession.E(examsession.KindUnauthorized, "token", errors.New("token expired"))
	}
	return s.token, nil
}
