package notify

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/sparkbloom/clinic-engine/clinic"
)

// DefaultLinkTTL is how long a confirmation link stays valid.
const DefaultLinkTTL = 24 * time.Hour

// ErrInvalidToken is returned for malformed, expired or mismatched links.
var ErrInvalidToken = errors.New("invalid or expired token")

// Action is what a magic link does to its session.
type Action string

const (
	ActionConfirm Action = "confirm"
	ActionReject  Action = "reject"
)

// LinkClaims binds a magic link to one session and one action.
type LinkClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"session_id"`
	Action    Action `json:"action"`
}

// Signer issues and verifies magic-link tokens (HS256).
type Signer struct {
	Secret []byte
	TTL    time.Duration
	Now    func() time.Time
}

func NewSigner(secret string) *Signer {
	return &Signer{Secret: []byte(secret), TTL: DefaultLinkTTL, Now: time.Now}
}

func (s *Signer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// ValidFor is the lifetime of issued tokens.
func (s *Signer) ValidFor() time.Duration {
	if s.TTL <= 0 {
		return DefaultLinkTTL
	}
	return s.TTL
}

// Issue builds a token for action on sessionID.
func (s *Signer) Issue(sessionID clinic.SessionID, action Action) (string, error) {
	ttl := s.ValidFor()
	now := s.now()
	claims := LinkClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   string(sessionID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		SessionID: string(sessionID),
		Action:    action,
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(s.Secret)
}

// Verify checks signature and expiry and that the token was issued for
// sessionID and action.
func (s *Signer) Verify(token string, sessionID clinic.SessionID, action Action) error {
	if token == "" {
		return ErrInvalidToken
	}
	t, err := jwt.ParseWithClaims(token, &LinkClaims{}, func(t *jwt.Token) (interface{}, error) {
		return s.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return ErrInvalidToken
	}
	c, ok := t.Claims.(*LinkClaims)
	if !ok || !t.Valid || c.SessionID != string(sessionID) || c.Action != action {
		return ErrInvalidToken
	}
	return nil
}
