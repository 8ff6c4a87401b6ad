// Package seed reads the declarative YAML sources named by
// config.GatewayConfig (providers, users, keys, error rules, request
// filters, sensitive words, prices) and converts them into the runtime
// types each collaborator actually consumes. A missing file yields an
// empty set rather than an error, since every one of these sources is
// optional at first boot.
package seed

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/relaygate/relaygate/core"
	"github.com/relaygate/relaygate/internal/errrule"
	"github.com/relaygate/relaygate/internal/guard"
	"github.com/relaygate/relaygate/internal/pricing"
)

func readFile(path string) ([]byte, bool, error) {
	if path == "" {
		return nil, false, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}
	return data, true, nil
}

// providerDoc is the YAML shape of config/providers.yaml.
type providerDoc struct {
	Providers []struct {
		ID                           string            `yaml:"id"`
		Name                         string            `yaml:"name"`
		URL                          string            `yaml:"url"`
		Credential                   string            `yaml:"credential"`
		ProviderType                 string            `yaml:"provider_type"`
		GroupTag                     string            `yaml:"group_tag"`
		Priority                     int               `yaml:"priority"`
		Weight                       int               `yaml:"weight"`
		CostMultiplier               float64           `yaml:"cost_multiplier"`
		AllowedModels                []string          `yaml:"allowed_models"`
		ModelRedirects               map[string]string `yaml:"model_redirects"`
		JoinClaudePool               bool              `yaml:"join_claude_pool"`
		Context1MPreference          string            `yaml:"context_1m_preference"`
		Limits                       core.SpendLimits  `yaml:"limits"`
		DailyResetTime               string            `yaml:"daily_reset_time"`
		DailyResetMode               string            `yaml:"daily_reset_mode"`
		LimitConcurrentSessions      int               `yaml:"limit_concurrent_sessions"`
		MaxConcurrentRequests        int               `yaml:"max_concurrent_requests"`
		StreamingIdleTimeoutMs       int               `yaml:"streaming_idle_timeout_ms"`
		RequestTimeoutNonStreamingMs int               `yaml:"request_timeout_non_streaming_ms"`
		ProxyURL                     string            `yaml:"proxy_url"`
		Enabled                      bool              `yaml:"enabled"`
	} `yaml:"providers"`
}

// LoadProviders parses path into the provider pool SyncProviders expects.
func LoadProviders(path string) ([]*core.Provider, error) {
	data, found, err := readFile(path)
	if err != nil || !found {
		return nil, err
	}
	var doc providerDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out := make([]*core.Provider, 0, len(doc.Providers))
	for _, p := range doc.Providers {
		out = append(out, &core.Provider{
			ID:                           p.ID,
			Name:                         p.Name,
			URL:                          p.URL,
			Credential:                   p.Credential,
			ProviderType:                 core.ProviderType(p.ProviderType),
			GroupTag:                     p.GroupTag,
			Priority:                     p.Priority,
			Weight:                       p.Weight,
			CostMultiplier:               p.CostMultiplier,
			AllowedModels:                p.AllowedModels,
			ModelRedirects:               p.ModelRedirects,
			JoinClaudePool:               p.JoinClaudePool,
			Context1MPreference:          core.Context1MPreference(p.Context1MPreference),
			Limits:                       p.Limits,
			DailyResetTime:               p.DailyResetTime,
			DailyResetMode:               core.DailyResetMode(p.DailyResetMode),
			LimitConcurrentSessions:      p.LimitConcurrentSessions,
			MaxConcurrentRequests:        p.MaxConcurrentRequests,
			StreamingIdleTimeoutMs:       p.StreamingIdleTimeoutMs,
			RequestTimeoutNonStreamingMs: p.RequestTimeoutNonStreamingMs,
			ProxyURL:                     p.ProxyURL,
			IsEnabled:                    p.Enabled,
		})
	}
	return out, nil
}

type userDoc struct {
	Users []struct {
		ID             string           `yaml:"id"`
		Enabled        bool             `yaml:"enabled"`
		ProviderGroup  string           `yaml:"provider_group"`
		Limits         core.SpendLimits `yaml:"limits"`
		DailyResetTime string           `yaml:"daily_reset_time"`
		DailyResetMode string           `yaml:"daily_reset_mode"`
		RPM            int              `yaml:"rpm"`
		AllowedClients []string         `yaml:"allowed_clients"`
		AllowedModels  []string         `yaml:"allowed_models"`
	} `yaml:"users"`
}

// LoadUsers parses path into the user set SyncUsers expects.
func LoadUsers(path string) ([]*core.User, error) {
	data, found, err := readFile(path)
	if err != nil || !found {
		return nil, err
	}
	var doc userDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out := make([]*core.User, 0, len(doc.Users))
	for _, u := range doc.Users {
		out = append(out, &core.User{
			ID:             u.ID,
			Enabled:        u.Enabled,
			ProviderGroup:  u.ProviderGroup,
			Limits:         u.Limits,
			DailyResetTime: u.DailyResetTime,
			DailyResetMode: core.DailyResetMode(u.DailyResetMode),
			RPM:            u.RPM,
			AllowedClients: u.AllowedClients,
			AllowedModels:  u.AllowedModels,
		})
	}
	return out, nil
}

type keyDoc struct {
	Keys []struct {
		ID                      string           `yaml:"id"`
		RawKey                  string           `yaml:"raw_key"`
		UserID                  string           `yaml:"user_id"`
		ProviderGroup           string           `yaml:"provider_group"`
		Limits                  core.SpendLimits `yaml:"limits"`
		DailyResetTime          string           `yaml:"daily_reset_time"`
		DailyResetMode          string           `yaml:"daily_reset_mode"`
		RPM                     int              `yaml:"rpm"`
		LimitConcurrentSessions int              `yaml:"limit_concurrent_sessions"`
	} `yaml:"keys"`
}

// LoadKeys parses path into the key set SyncKeys expects, plus a map from
// key ID to raw credential so the caller can hash it without this package
// importing the repository's hashing scheme.
func LoadKeys(path string) ([]*core.Key, map[string]string, error) {
	data, found, err := readFile(path)
	if err != nil || !found {
		return nil, nil, err
	}
	var doc keyDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out := make([]*core.Key, 0, len(doc.Keys))
	raw := make(map[string]string, len(doc.Keys))
	for _, k := range doc.Keys {
		out = append(out, &core.Key{
			ID:                      k.ID,
			UserID:                  k.UserID,
			ProviderGroup:           k.ProviderGroup,
			Limits:                  k.Limits,
			DailyResetTime:          k.DailyResetTime,
			DailyResetMode:          core.DailyResetMode(k.DailyResetMode),
			RPM:                     k.RPM,
			LimitConcurrentSessions: k.LimitConcurrentSessions,
		})
		if k.RawKey != "" {
			raw[k.ID] = k.RawKey
		}
	}
	return out, raw, nil
}

type errorRuleDoc struct {
	Rules []struct {
		ID                 string         `yaml:"id"`
		Pattern            string         `yaml:"pattern"`
		IsRegex            bool           `yaml:"is_regex"`
		MarkNonRetryable   bool           `yaml:"mark_non_retryable"`
		OverrideStatusCode int            `yaml:"override_status_code"`
		OverrideResponse   map[string]any `yaml:"override_response"`
	} `yaml:"rules"`
}

// LoadErrorRules parses path into the rule set errrule.Engine.Load expects.
func LoadErrorRules(path string) ([]errrule.Rule, error) {
	data, found, err := readFile(path)
	if err != nil || !found {
		return nil, err
	}
	var doc errorRuleDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out := make([]errrule.Rule, 0, len(doc.Rules))
	for _, r := range doc.Rules {
		out = append(out, errrule.Rule{
			ID:                 r.ID,
			Pattern:            r.Pattern,
			IsRegex:            r.IsRegex,
			MarkNonRetryable:   r.MarkNonRetryable,
			OverrideStatusCode: r.OverrideStatusCode,
			OverrideResponse:   r.OverrideResponse,
		})
	}
	return out, nil
}

type requestFilterDoc struct {
	Global []filterDoc `yaml:"global"`
	Scoped []filterDoc `yaml:"scoped"`
}

type filterDoc struct {
	Scope       string   `yaml:"scope"`
	Action      string   `yaml:"action"`
	MatchType   string   `yaml:"match_type"`
	Target      string   `yaml:"target"`
	Replacement string   `yaml:"replacement"`
	GroupTags   []string `yaml:"group_tags"`
	ProviderID  string   `yaml:"provider_id"`
}

// LoadRequestFilters parses path into the global and provider-scoped
// filter sets FilterEngine.LoadGlobal/LoadScoped expect.
func LoadRequestFilters(path string) (global, scoped []guard.Filter, err error) {
	data, found, err := readFile(path)
	if err != nil || !found {
		return nil, nil, err
	}
	var doc requestFilterDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}
	convert := func(in []filterDoc) []guard.Filter {
		out := make([]guard.Filter, 0, len(in))
		for _, f := range in {
			out = append(out, guard.Filter{
				Scope:       guard.FilterScope(f.Scope),
				Action:      guard.FilterAction(f.Action),
				MatchType:   guard.FilterMatchType(f.MatchType),
				Target:      f.Target,
				Replacement: f.Replacement,
				GroupTags:   f.GroupTags,
				ProviderID:  f.ProviderID,
			})
		}
		return out
	}
	return convert(doc.Global), convert(doc.Scoped), nil
}

type sensitiveDoc struct {
	Words   []string `yaml:"words"`
	Message string   `yaml:"message"`
}

// LoadSensitiveWords parses path into the word list and rejection message
// SensitiveWordMatcher.Load expects.
func LoadSensitiveWords(path string) ([]string, string, error) {
	data, found, err := readFile(path)
	if err != nil || !found {
		return nil, "", err
	}
	var doc sensitiveDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, "", fmt.Errorf("parse %s: %w", path, err)
	}
	return doc.Words, doc.Message, nil
}

type priceDoc struct {
	Prices []pricing.Entry `yaml:"prices"`
}

// LoadPrices parses path into the entries pricing.Table.Load expects.
func LoadPrices(path string) ([]pricing.Entry, error) {
	data, found, err := readFile(path)
	if err != nil || !found {
		return nil, err
	}
	var doc priceDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc.Prices, nil
}
