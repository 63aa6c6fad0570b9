package identity

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"

	"github.com/datarand/datarand-backend/pkg/logging"
	"github.com/datarand/datarand-backend/pkg/retry"
	"github.com/datarand/datarand-backend/pkg/types"
)

const privyIssuer = "privy.io"

var (
	// ErrInvalidToken means the identity provider token failed verification.
	ErrInvalidToken = errors.New("identity: invalid access token")
	// ErrProviderUnavailable means the provider's user lookup failed.
	ErrProviderUnavailable = errors.New("identity: provider unavailable")
)

// Verifier turns an identity provider access token into an Identity.
type Verifier interface {
	Verify(ctx context.Context, accessToken string) (*types.Identity, error)
}

type PrivyConfig struct {
	AppID     string
	AppSecret string
	// VerificationKey is the app's ES256 public key in PEM form.
	VerificationKey string
	APIURL          string
}

// PrivyVerifier checks access tokens locally against the app's verification
// key, then loads the user's linked accounts from the Privy REST API.
type PrivyVerifier struct {
	cfg    PrivyConfig
	key    *ecdsa.PublicKey
	http   *retry.HTTPClient
	clock  clock.Clock
	logger logging.Logger
}

func NewPrivyVerifier(cfg PrivyConfig, httpClient *retry.HTTPClient, clk clock.Clock, logger logging.Logger) (*PrivyVerifier, error) {
	if cfg.AppID == "" || cfg.AppSecret == "" {
		return nil, fmt.Errorf("privy app id and secret are required")
	}
	key, err := jwt.ParseECPublicKeyFromPEM([]byte(cfg.VerificationKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse privy verification key: %w", err)
	}
	if httpClient == nil {
		if httpClient, err = retry.NewHTTPClient(nil, logger); err != nil {
			return nil, err
		}
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &PrivyVerifier{cfg: cfg, key: key, http: httpClient, clock: clk, logger: logger}, nil
}

func (v *PrivyVerifier) Verify(ctx context.Context, accessToken string) (*types.Identity, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(trimBearer(accessToken), claims, func(token *jwt.Token) (interface{}, error) {
		return v.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithIssuer(privyIssuer),
		jwt.WithAudience(v.cfg.AppID),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	user, err := v.fetchUser(ctx, claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return user.identity(claims.Subject), nil
}

type privyLinkedAccount struct {
	Type             string `json:"type"`
	Address          string `json:"address"`
	WalletClientType string `json:"wallet_client_type"`
	ConnectorType    string `json:"connector_type"`
}

func (a privyLinkedAccount) embedded() bool {
	return a.ConnectorType == "embedded" || a.WalletClientType == "privy"
}

type privyUser struct {
	ID             string               `json:"id"`
	LinkedAccounts []privyLinkedAccount `json:"linked_accounts"`
}

func (u *privyUser) identity(subject string) *types.Identity {
	id := &types.Identity{ExternalID: subject, LinkedWallets: make([]string, 0)}
	for _, acc := range u.LinkedAccounts {
		if acc.Type != "wallet" || acc.Address == "" {
			continue
		}
		id.LinkedWallets = append(id.LinkedWallets, acc.Address)
		if acc.embedded() {
			if id.EmbeddedWallet == "" {
				id.EmbeddedWallet = acc.Address
			}
		} else if id.ExternalWallet == "" {
			id.ExternalWallet = acc.Address
		}
	}
	return id
}

func (v *PrivyVerifier) fetchUser(ctx context.Context, did string) (*privyUser, error) {
	endpoint := fmt.Sprintf("%s/api/v1/users/%s", v.cfg.APIURL, url.PathEscape(did))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(v.cfg.AppID, v.cfg.AppSecret)
	req.Header.Set("privy-app-id", v.cfg.AppID)
	req.Header.Set("Accept", "application/json")

	resp, err := v.http.DoWithRetry(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("privy user lookup returned %d: %s", resp.StatusCode, string(body))
	}

	var user privyUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("failed to decode privy user: %w", err)
	}
	v.logger.Debug("Privy user fetched", "did", did, "linked_accounts", len(user.LinkedAccounts))
	return &user, nil
}

func trimBearer(token string) string {
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
}
