package guard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/relaygate/relaygate/core"
	"github.com/relaygate/relaygate/internal/selector"
)

const sessionProviderTTL = 10 * time.Minute

// ProviderGuard resolves the effective group tag, tries to reuse the
// provider bound to this session in Redis, and otherwise runs the full
// selection algorithm against a fresh provider snapshot.
func ProviderGuard(ctx context.Context, s *core.Session, deps *Deps) (*Outcome, error) {
	if deps.Providers == nil || deps.Selector == nil {
		return errorOutcome(http.StatusInternalServerError, core.ResponseInvalidRequestError, "provider selection unavailable"), nil
	}

	providers, err := deps.Providers.Snapshot(ctx)
	if err != nil {
		deps.Logger.Error("provider snapshot failed", zap.Error(err))
		return errorOutcome(http.StatusInternalServerError, core.ResponseInvalidRequestError, "provider selection unavailable"), nil
	}

	req := selector.Request{
		Format:    s.OriginalFormat,
		Model:     s.Model,
		Context1M: s.Context1MRequested,
		GroupTag:  effectiveGroupTag(s),
	}

	if bound := s.SessionID; bound != "" && deps.RDB != nil {
		if providerID, err := deps.RDB.Get(ctx, sessionProviderKey(bound)).Result(); err == nil && providerID != "" {
			if p := findProvider(providers, providerID); p != nil {
				dctx := &core.DecisionContext{}
				if reused, err := deps.Selector.Select(ctx, []*core.Provider{p}, req, dctx); err == nil {
					admitProvider(s, reused, core.ReasonSessionReuse)
					return nil, nil
				}
			}
		}
	}

	dctx := &core.DecisionContext{}
	picked, err := deps.Selector.Select(ctx, providers, req, dctx)
	if err != nil {
		if errors.Is(err, selector.ErrNoAvailableProvider) {
			s.AppendChainItem(core.ProviderChainItem{Reason: core.ReasonGroupFiltered, DecisionContext: dctx})
			return errorOutcome(http.StatusServiceUnavailable, core.ResponseNoAvailableProviders, "no available provider for this request"), nil
		}
		return errorOutcome(http.StatusInternalServerError, core.ResponseInvalidRequestError, "provider selection failed"), nil
	}

	admitProvider(s, picked, core.ReasonInitialSelection)

	if s.SessionID != "" && deps.RDB != nil {
		if err := deps.RDB.Set(ctx, sessionProviderKey(s.SessionID), picked.ID, sessionProviderTTL).Err(); err != nil {
			deps.Logger.Warn("session provider binding write failed", zap.String("session_id", s.SessionID), zap.Error(err))
		}
	}

	return nil, nil
}

func admitProvider(s *core.Session, p *core.Provider, reason core.ProviderChainReason) {
	s.Provider = p
	s.ProviderType = p.ProviderType
	s.AppendChainItem(core.ProviderChainItem{
		ProviderID:   p.ID,
		ProviderName: p.Name,
		Reason:       reason,
	})
}

// effectiveGroupTag is key.providerGroup ?? user.providerGroup ?? "default",
// overridden by the client guard's disguise routing when set.
func effectiveGroupTag(s *core.Session) string {
	if s.GroupOverride != "" {
		return s.GroupOverride
	}
	if s.Auth.Key != nil && s.Auth.Key.ProviderGroup != "" {
		return s.Auth.Key.ProviderGroup
	}
	if s.Auth.User != nil && s.Auth.User.ProviderGroup != "" {
		return s.Auth.User.ProviderGroup
	}
	return "default"
}

func sessionProviderKey(sessionID string) string {
	return fmt.Sprintf("sess:%s:provider", sessionID)
}

func findProvider(providers []*core.Provider, id string) *core.Provider {
	for _, p := range providers {
		if p.ID == id {
			return p
		}
	}
	return nil
}
