// Package identity verifies identity provider tokens, registers users on
// first login and issues the API's session tokens.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/datarand/datarand-backend/internal/marketplace/metrics"
	"github.com/datarand/datarand-backend/internal/marketplace/store"
	apperrors "github.com/datarand/datarand-backend/pkg/errors"
	"github.com/datarand/datarand-backend/pkg/logging"
	"github.com/datarand/datarand-backend/pkg/types"
)

// fingerprintWindow is how long a device fingerprint remembers its users.
const fingerprintWindow = 30 * 24 * time.Hour

// FingerprintTracker records which users logged in from a device.
type FingerprintTracker interface {
	SAddCount(ctx context.Context, key, member string, expiration time.Duration) (int64, error)
}

type Service struct {
	users        store.UserStore
	verifier     Verifier
	sessions     *Sessions
	fingerprints FingerprintTracker
	clock        clock.Clock
	logger       logging.Logger
}

// NewService wires login. fingerprints may be nil when Redis is not configured.
func NewService(users store.UserStore, verifier Verifier, sessions *Sessions, fingerprints FingerprintTracker, clk clock.Clock, logger logging.Logger) *Service {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &Service{
		users:        users,
		verifier:     verifier,
		sessions:     sessions,
		fingerprints: fingerprints,
		clock:        clk,
		logger:       logger,
	}
}

// Login exchanges an identity provider token for a session token. The user
// is created on first login; wallets are refreshed from the provider.
func (s *Service) Login(ctx context.Context, req types.LoginRequest) (*types.LoginResponse, error) {
	identity, err := s.verifier.Verify(ctx, req.PrivyAccessToken)
	switch {
	case errors.Is(err, ErrInvalidToken):
		return nil, apperrors.Wrap(apperrors.KindAuth, err, "Invalid identity provider token")
	case err != nil:
		return nil, apperrors.External("identity provider", err)
	}

	user, err := s.users.UpsertUserByExternalID(ctx, store.LoginRecord{
		ExternalID:     identity.ExternalID,
		ExternalWallet: identity.ExternalWallet,
		EmbeddedWallet: identity.EmbeddedWallet,
		Fingerprint:    req.DeviceFingerprint,
		At:             s.clock.Now().UTC(),
	})
	if err != nil {
		return nil, apperrors.InternalError(fmt.Errorf("upsert user: %w", err))
	}

	s.trackFingerprint(ctx, req.DeviceFingerprint, user.ID)

	token, err := s.sessions.Issue(user)
	if err != nil {
		return nil, apperrors.InternalError(fmt.Errorf("issue session: %w", err))
	}
	s.logger.Info("User logged in", "user_id", user.ID, "external_id", user.ExternalID)
	return &types.LoginResponse{Token: token, User: user}, nil
}

// trackFingerprint flags devices shared between accounts. It never blocks a login.
func (s *Service) trackFingerprint(ctx context.Context, fingerprint, userID string) {
	if s.fingerprints == nil || fingerprint == "" {
		return
	}
	count, err := s.fingerprints.SAddCount(ctx, "fingerprint:"+fingerprint, userID, fingerprintWindow)
	if err != nil {
		s.logger.Warn("Failed to track device fingerprint", "user_id", userID, "error", err)
		return
	}
	if count > 1 {
		metrics.FingerprintReuseTotal.Inc()
		s.logger.Warn("Device fingerprint shared between accounts", "user_id", userID, "accounts", count)
	}
}

// Authenticate validates a session token and returns its claims.
func (s *Service) Authenticate(token string) (*SessionClaims, error) {
	claims, err := s.sessions.Validate(token)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindAuth, err, apperrors.ErrUnauthorized)
	}
	return claims, nil
}

func (s *Service) Profile(ctx context.Context, userID string) (*types.User, error) {
	user, err := s.users.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.NotFoundf("user %s not found", userID)
	}
	if err != nil {
		return nil, apperrors.InternalError(err)
	}
	return user, nil
}
