package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/datarand/datarand-backend/pkg/types"
)

const sessionIssuer = "datarand-backend"

var ErrInvalidSession = errors.New("identity: invalid session token")

// SessionClaims are the claims of the API's own bearer tokens.
type SessionClaims struct {
	UserID     string `json:"user_id"`
	ExternalID string `json:"external_id"`
	jwt.RegisteredClaims
}

// Sessions issues and validates HS256 session tokens.
type Sessions struct {
	secret []byte
	ttl    time.Duration
	clock  clock.Clock
}

func NewSessions(secret string, ttl time.Duration, clk clock.Clock) (*Sessions, error) {
	if secret == "" {
		return nil, fmt.Errorf("session secret is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("session ttl must be positive")
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Sessions{secret: []byte(secret), ttl: ttl, clock: clk}, nil
}

func (s *Sessions) Issue(user *types.User) (string, error) {
	now := s.clock.Now()
	claims := &SessionClaims{
		UserID:     user.ID,
		ExternalID: user.ExternalID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuer,
			Subject:   user.ID,
			Audience:  []string{sessionIssuer},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Validate parses a session token, with or without the "Bearer " prefix.
func (s *Sessions) Validate(tokenString string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(trimBearer(tokenString), claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithAudience(sessionIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidSession)
	}
	return claims, nil
}
