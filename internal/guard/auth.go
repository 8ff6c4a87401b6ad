package guard

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/relaygate/relaygate/core"
)

var errConflictingCredentials = errors.New("conflicting credentials")

// AuthGuard resolves the request's credential from Authorization: Bearer,
// x-api-key, or x-goog-api-key (header or ?key= query), rejecting if more
// than one source is present with differing values. On success it looks
// the credential up against the key repository and checks enablement and
// expiry before binding AuthState.
func AuthGuard(ctx context.Context, s *core.Session, deps *Deps) (*Outcome, error) {
	raw, err := extractCredential(s)
	if err != nil {
		return errorOutcome(401, core.ResponseAuthenticationError, "conflicting credentials"), nil
	}
	if raw == "" {
		return errorOutcome(401, core.ResponseAuthenticationError, "missing credentials"), nil
	}

	key, user, err := resolveCredential(ctx, deps, raw)
	if err != nil {
		return errorOutcome(401, core.ResponseInvalidAPIKey, "invalid API key"), nil
	}

	if !user.Enabled {
		return errorOutcome(401, core.ResponseUserDisabled, "this account has been disabled"), nil
	}
	if user.ExpiresAt != nil && user.ExpiresAt.Before(time.Now()) {
		deps.Repo.MarkUserExpired(ctx, user.ID)
		return errorOutcome(401, core.ResponseUserExpired, "this account has expired"), nil
	}

	s.Auth = core.AuthState{Success: true, User: user, Key: key, RawKey: raw}
	return nil, nil
}

// resolveCredential looks raw up as a raw API-key hash, falling back to
// verifying it as a signed HS256 session token (claims: key_id) when it
// has a JWT's three-segment shape and deps.Config.JWTSigningSecret is
// configured. The raw-hash path stays the default and only path when no
// signing secret is set, matching the zero-config deployment case.
func resolveCredential(ctx context.Context, deps *Deps, raw string) (*core.Key, *core.User, error) {
	if deps.Config.JWTSigningSecret != "" && looksLikeJWT(raw) {
		keyID, err := verifySessionToken(raw, deps.Config.JWTSigningSecret, deps.Config.JWTIssuer)
		if err == nil {
			return deps.Repo.FindKeyByID(ctx, keyID)
		}
	}
	return deps.Repo.FindKeyByHash(ctx, raw)
}

func looksLikeJWT(raw string) bool {
	return strings.Count(raw, ".") == 2
}

// verifySessionToken validates a signed session token and returns the
// key_id claim it carries.
func verifySessionToken(raw, secret, issuer string) (string, error) {
	parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(issuer))
	}
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, parserOpts...)
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", errors.New("invalid token claims")
	}
	keyID, ok := claims["key_id"].(string)
	if !ok || keyID == "" {
		return "", errors.New("missing key_id claim")
	}
	return keyID, nil
}

// extractCredential reads every credential source present on the request
// and returns the single value they agree on, or errConflictingCredentials
// if two sources disagree.
func extractCredential(s *core.Session) (string, error) {
	candidates := make([]string, 0, 3)

	if v := s.Headers.Get("Authorization"); v != "" {
		if after, ok := strings.CutPrefix(v, "Bearer "); ok {
			candidates = append(candidates, after)
		}
	}
	if v := s.Headers.Get("x-api-key"); v != "" {
		candidates = append(candidates, v)
	}
	if v := s.Headers.Get("x-goog-api-key"); v != "" {
		candidates = append(candidates, v)
	} else if s.URL != nil {
		if v := s.URL.Query().Get("key"); v != "" {
			candidates = append(candidates, v)
		}
	}

	if len(candidates) == 0 {
		return "", nil
	}
	for _, c := range candidates[1:] {
		if c != candidates[0] {
			return "", errConflictingCredentials
		}
	}
	return candidates[0], nil
}
