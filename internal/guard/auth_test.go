package guard

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/relaygate/config"
	"github.com/relaygate/relaygate/core"
)

var errNotFound = errors.New("not found")

type fakeAuthRepo struct {
	byHash map[string]struct {
		key  *core.Key
		user *core.User
	}
	byID map[string]struct {
		key  *core.Key
		user *core.User
	}
}

func (f *fakeAuthRepo) FindKeyByHash(_ context.Context, rawKey string) (*core.Key, *core.User, error) {
	v, ok := f.byHash[rawKey]
	if !ok {
		return nil, nil, errNotFound
	}
	return v.key, v.user, nil
}

func (f *fakeAuthRepo) FindKeyByID(_ context.Context, keyID string) (*core.Key, *core.User, error) {
	v, ok := f.byID[keyID]
	if !ok {
		return nil, nil, errNotFound
	}
	return v.key, v.user, nil
}

func (f *fakeAuthRepo) MarkUserExpired(_ context.Context, _ string) {}

func newAuthSession(headers http.Header) *core.Session {
	return &core.Session{
		Headers: headers,
		URL:     &url.URL{Path: "/v1/messages"},
	}
}

func TestAuthGuard_RawAPIKeyHash(t *testing.T) {
	repo := &fakeAuthRepo{byHash: map[string]struct {
		key  *core.Key
		user *core.User
	}{
		"sk-raw-key": {key: &core.Key{ID: "key-1", UserID: "user-1"}, user: &core.User{ID: "user-1", Enabled: true}},
	}}
	deps := &Deps{Repo: repo}

	h := http.Header{}
	h.Set("x-api-key", "sk-raw-key")
	s := newAuthSession(h)

	outcome, err := AuthGuard(context.Background(), s, deps)
	require.NoError(t, err)
	assert.Nil(t, outcome)
	assert.True(t, s.Auth.Success)
	assert.Equal(t, "user-1", s.Auth.User.ID)
}

func TestAuthGuard_MissingCredentials(t *testing.T) {
	deps := &Deps{Repo: &fakeAuthRepo{}}
	s := newAuthSession(http.Header{})

	outcome, err := AuthGuard(context.Background(), s, deps)
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, 401, outcome.StatusCode)
}

func TestAuthGuard_JWTSessionToken(t *testing.T) {
	secret := "test-signing-secret"
	repo := &fakeAuthRepo{byID: map[string]struct {
		key  *core.Key
		user *core.User
	}{
		"key-42": {key: &core.Key{ID: "key-42", UserID: "user-7"}, user: &core.User{ID: "user-7", Enabled: true}},
	}}
	deps := &Deps{
		Repo:   repo,
		Config: config.GatewayConfig{JWTSigningSecret: secret, JWTIssuer: "relaygate"},
	}

	claims := jwt.MapClaims{
		"key_id": "key-42",
		"iss":    "relaygate",
		"exp":    time.Now().Add(time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)

	h := http.Header{}
	h.Set("Authorization", "Bearer "+signed)
	s := newAuthSession(h)

	outcome, err := AuthGuard(context.Background(), s, deps)
	require.NoError(t, err)
	assert.Nil(t, outcome)
	assert.True(t, s.Auth.Success)
	assert.Equal(t, "user-7", s.Auth.User.ID)
	assert.Equal(t, "key-42", s.Auth.Key.ID)
}

func TestAuthGuard_JWTPathDisabledWithoutSigningSecret(t *testing.T) {
	repo := &fakeAuthRepo{byID: map[string]struct {
		key  *core.Key
		user *core.User
	}{
		"key-42": {key: &core.Key{ID: "key-42", UserID: "user-7"}, user: &core.User{ID: "user-7", Enabled: true}},
	}}
	deps := &Deps{Repo: repo}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"key_id": "key-42"})
	signed, err := token.SignedString([]byte("whatever"))
	require.NoError(t, err)

	h := http.Header{}
	h.Set("Authorization", "Bearer "+signed)
	s := newAuthSession(h)

	outcome, err := AuthGuard(context.Background(), s, deps)
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, 401, outcome.StatusCode)
}
