package identity

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/datarand/datarand-backend/internal/marketplace/store/memory"
	apperrors "github.com/datarand/datarand-backend/pkg/errors"
	"github.com/datarand/datarand-backend/pkg/retry"
	"github.com/datarand/datarand-backend/pkg/types"
)

const (
	testSecret = "0123456789abcdef0123456789abcdef"
	testAppID  = "app-123"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newMockClock() *clock.Mock {
	clk := clock.NewMock()
	clk.Set(testNow)
	return clk
}

func TestSessions_IssueAndValidate(t *testing.T) {
	clk := newMockClock()
	sessions, err := NewSessions(testSecret, time.Hour, clk)
	require.NoError(t, err)

	token, err := sessions.Issue(&types.User{ID: "user-1", ExternalID: "did:privy:1"})
	require.NoError(t, err)

	claims, err := sessions.Validate("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "did:privy:1", claims.ExternalID)

	clk.Add(time.Hour + time.Second)
	_, err = sessions.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestSessions_RejectsForeignTokens(t *testing.T) {
	clk := newMockClock()
	sessions, err := NewSessions(testSecret, time.Hour, clk)
	require.NoError(t, err)
	other, err := NewSessions("another-secret-another-secret-xx", time.Hour, clk)
	require.NoError(t, err)

	token, err := other.Issue(&types.User{ID: "user-1"})
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "wrong secret", token: token},
		{name: "garbage", token: "not-a-jwt"},
		{name: "empty", token: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sessions.Validate(tt.token)
			assert.ErrorIs(t, err, ErrInvalidSession)
		})
	}
}

func TestNewSessions_InvalidConfig(t *testing.T) {
	_, err := NewSessions("", time.Hour, nil)
	assert.Error(t, err)
	_, err = NewSessions(testSecret, 0, nil)
	assert.Error(t, err)
}

type privyFixture struct {
	key      *ecdsa.PrivateKey
	server   *httptest.Server
	verifier *PrivyVerifier
	clock    *clock.Mock
	requests int
}

func newPrivyFixture(t *testing.T, status int, body interface{}) *privyFixture {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	f := &privyFixture{key: key, clock: newMockClock()}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.requests++
		user, pass, ok := r.BasicAuth()
		if !ok || user != testAppID || pass != "secret" || r.Header.Get("privy-app-id") != testAppID {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(f.server.Close)

	httpCfg := retry.DefaultHTTPRetryConfig()
	httpCfg.RetryConfig.MaxRetries = 1
	httpClient, err := retry.NewHTTPClient(httpCfg, nil)
	require.NoError(t, err)

	f.verifier, err = NewPrivyVerifier(PrivyConfig{
		AppID:           testAppID,
		AppSecret:       "secret",
		VerificationKey: string(pemKey),
		APIURL:          f.server.URL + "/",
	}, httpClient, f.clock, nil)
	require.NoError(t, err)
	return f
}

func (f *privyFixture) token(t *testing.T, mutate func(*jwt.RegisteredClaims)) string {
	t.Helper()
	claims := &jwt.RegisteredClaims{
		Issuer:    privyIssuer,
		Subject:   "did:privy:abc",
		Audience:  []string{testAppID},
		IssuedAt:  jwt.NewNumericDate(testNow),
		ExpiresAt: jwt.NewNumericDate(testNow.Add(time.Hour)),
	}
	if mutate != nil {
		mutate(claims)
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(f.key)
	require.NoError(t, err)
	return token
}

func TestPrivyVerifier_Verify(t *testing.T) {
	f := newPrivyFixture(t, http.StatusOK, map[string]interface{}{
		"id": "did:privy:abc",
		"linked_accounts": []map[string]string{
			{"type": "email", "address": "a@example.com"},
			{"type": "wallet", "address": "0xEmbedded", "wallet_client_type": "privy", "connector_type": "embedded"},
			{"type": "wallet", "address": "0xExternal", "wallet_client_type": "metamask", "connector_type": "injected"},
		},
	})

	identity, err := f.verifier.Verify(context.Background(), f.token(t, nil))
	require.NoError(t, err)
	assert.Equal(t, "did:privy:abc", identity.ExternalID)
	assert.Equal(t, "0xEmbedded", identity.EmbeddedWallet)
	assert.Equal(t, "0xExternal", identity.ExternalWallet)
	assert.Equal(t, []string{"0xEmbedded", "0xExternal"}, identity.LinkedWallets)
}

func TestPrivyVerifier_InvalidTokens(t *testing.T) {
	f := newPrivyFixture(t, http.StatusOK, map[string]interface{}{"id": "did:privy:abc"})

	tests := []struct {
		name   string
		mutate func(*jwt.RegisteredClaims)
	}{
		{name: "expired", mutate: func(c *jwt.RegisteredClaims) { c.ExpiresAt = jwt.NewNumericDate(testNow.Add(-time.Minute)) }},
		{name: "wrong audience", mutate: func(c *jwt.RegisteredClaims) { c.Audience = []string{"other-app"} }},
		{name: "wrong issuer", mutate: func(c *jwt.RegisteredClaims) { c.Issuer = "evil.io" }},
		{name: "no subject", mutate: func(c *jwt.RegisteredClaims) { c.Subject = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.verifier.Verify(context.Background(), f.token(t, tt.mutate))
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
	assert.Zero(t, f.requests)

	hs, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "x"}).SignedString([]byte("k"))
	require.NoError(t, err)
	_, err = f.verifier.Verify(context.Background(), hs)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestPrivyVerifier_ProviderDown(t *testing.T) {
	f := newPrivyFixture(t, http.StatusInternalServerError, map[string]string{"error": "boom"})

	_, err := f.verifier.Verify(context.Background(), f.token(t, nil))
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestDevVerifier(t *testing.T) {
	id, err := DevVerifier{}.Verify(context.Background(), "dev:alice:0xabc")
	require.NoError(t, err)
	assert.Equal(t, "did:dev:alice", id.ExternalID)
	assert.Equal(t, "0xabc", id.ExternalWallet)

	_, err = DevVerifier{}.Verify(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

type mockVerifier struct {
	mock.Mock
}

func (m *mockVerifier) Verify(ctx context.Context, accessToken string) (*types.Identity, error) {
	args := m.Called(ctx, accessToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Identity), args.Error(1)
}

type fakeTracker struct {
	sets map[string]map[string]bool
}

func (f *fakeTracker) SAddCount(_ context.Context, key, member string, _ time.Duration) (int64, error) {
	if f.sets[key] == nil {
		f.sets[key] = make(map[string]bool)
	}
	f.sets[key][member] = true
	return int64(len(f.sets[key])), nil
}

func TestService_Login(t *testing.T) {
	clk := newMockClock()
	sessions, err := NewSessions(testSecret, time.Hour, clk)
	require.NoError(t, err)

	verifier := new(mockVerifier)
	verifier.On("Verify", mock.Anything, "tok-a").Return(&types.Identity{ExternalID: "did:privy:a", ExternalWallet: "0xA"}, nil)
	verifier.On("Verify", mock.Anything, "tok-a-again").Return(&types.Identity{ExternalID: "did:privy:a", EmbeddedWallet: "0xE"}, nil)
	verifier.On("Verify", mock.Anything, "tok-b").Return(&types.Identity{ExternalID: "did:privy:b"}, nil)
	verifier.On("Verify", mock.Anything, "bad").Return(nil, ErrInvalidToken)
	verifier.On("Verify", mock.Anything, "down").Return(nil, ErrProviderUnavailable)

	tracker := &fakeTracker{sets: make(map[string]map[string]bool)}
	svc := NewService(memory.New(), verifier, sessions, tracker, clk, nil)
	ctx := context.Background()

	first, err := svc.Login(ctx, types.LoginRequest{PrivyAccessToken: "tok-a", DeviceFingerprint: "fp-1"})
	require.NoError(t, err)
	assert.Equal(t, "0xA", first.User.WalletAddress)

	claims, err := svc.Authenticate(first.Token)
	require.NoError(t, err)
	assert.Equal(t, first.User.ID, claims.UserID)

	again, err := svc.Login(ctx, types.LoginRequest{PrivyAccessToken: "tok-a-again", DeviceFingerprint: "fp-1"})
	require.NoError(t, err)
	assert.Equal(t, first.User.ID, again.User.ID)
	assert.Equal(t, "0xA", again.User.WalletAddress)
	assert.Equal(t, "0xE", again.User.EmbeddedWalletAddress)

	_, err = svc.Login(ctx, types.LoginRequest{PrivyAccessToken: "tok-b", DeviceFingerprint: "fp-1"})
	require.NoError(t, err)
	assert.Len(t, tracker.sets["fingerprint:fp-1"], 2)

	_, err = svc.Login(ctx, types.LoginRequest{PrivyAccessToken: "bad", DeviceFingerprint: "fp-1"})
	assert.Equal(t, apperrors.KindAuth, apperrors.KindOf(err))

	_, err = svc.Login(ctx, types.LoginRequest{PrivyAccessToken: "down", DeviceFingerprint: "fp-1"})
	assert.Equal(t, apperrors.KindExternalService, apperrors.KindOf(err))

	profile, err := svc.Profile(ctx, first.User.ID)
	require.NoError(t, err)
	assert.Equal(t, "did:privy:a", profile.ExternalID)

	_, err = svc.Profile(ctx, "missing")
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))

	_, err = svc.Authenticate("garbage")
	assert.Equal(t, apperrors.KindAuth, apperrors.KindOf(err))
}
