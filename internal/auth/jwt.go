package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrAuthDisabled is returned when no signing secret is configured.
	ErrAuthDisabled = errors.New("auth disabled")
	// ErrInvalidToken covers every rejected token.
	ErrInvalidToken = errors.New("invalid token")
)

// Principal is the authenticated RPC caller.
type Principal struct {
	ID      string
	Name    string
	Channel string
	// Commands authorizes inline directives for messages sent by this caller.
	Commands bool
}

// Claims are the gateway token claims.
type Claims struct {
	Name     string `json:"name,omitempty"`
	Channel  string `json:"channel,omitempty"`
	Commands bool   `json:"commands,omitempty"`
	jwt.RegisteredClaims
}

// TokenService signs and verifies gateway RPC tokens.
type TokenService struct {
	secret []byte
	expiry time.Duration
	now    func() time.Time
}

// NewTokenService builds a token helper. An empty secret disables auth.
func NewTokenService(secret string, expiry time.Duration) *TokenService {
	return &TokenService{secret: []byte(secret), expiry: expiry, now: time.Now}
}

// Enabled reports whether tokens are required.
func (s *TokenService) Enabled() bool {
	return s != nil && len(s.secret) > 0
}

// Issue signs a token for the principal.
func (s *TokenService) Issue(p Principal) (string, error) {
	if !s.Enabled() {
		return "", ErrAuthDisabled
	}
	if strings.TrimSpace(p.ID) == "" {
		return "", errors.New("principal id required")
	}
	now := s.now()
	claims := Claims{
		Name:     strings.TrimSpace(p.Name),
		Channel:  strings.TrimSpace(p.Channel),
		Commands: p.Commands,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  p.ID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if s.expiry > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.expiry))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify parses a token and returns its principal.
func (s *TokenService) Verify(token string) (*Principal, error) {
	if !s.Enabled() {
		return nil, ErrAuthDisabled
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return &Principal{
		ID:       claims.Subject,
		Name:     claims.Name,
		Channel:  claims.Channel,
		Commands: claims.Commands,
	}, nil
}
