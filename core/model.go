package core

import (
	"strings"
	"time"
)

// SpendLimits is the per-period spend ceiling shared by User, Key, and
// Provider records.
type SpendLimits struct {
	Total    float64 `json:"total,omitempty" yaml:"total,omitempty"`
	FiveHour float64 `json:"five_hour,omitempty" yaml:"five_hour,omitempty"`
	Daily    float64 `json:"daily,omitempty" yaml:"daily,omitempty"`
	Weekly   float64 `json:"weekly,omitempty" yaml:"weekly,omitempty"`
	Monthly  float64 `json:"monthly,omitempty" yaml:"monthly,omitempty"`
}

// User is a gateway tenant.
type User struct {
	ID             string         `json:"id"`
	Enabled        bool           `json:"enabled"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	ProviderGroup  string         `json:"provider_group,omitempty"`
	Limits         SpendLimits    `json:"limits"`
	DailyResetTime string         `json:"daily_reset_time,omitempty"` // "HH:mm"
	DailyResetMode DailyResetMode `json:"daily_reset_mode,omitempty"`
	RPM            int            `json:"rpm,omitempty"`
	AllowedClients []string       `json:"allowed_clients,omitempty"`
	AllowedModels  []string       `json:"allowed_models,omitempty"`
}

// Key is an API credential bound to a User.
type Key struct {
	ID                      string         `json:"id"`
	Hash                    string         `json:"hash"`
	UserID                  string         `json:"user_id"`
	ProviderGroup           string         `json:"provider_group,omitempty"`
	Limits                  SpendLimits    `json:"limits"`
	DailyResetTime          string         `json:"daily_reset_time,omitempty"`
	DailyResetMode          DailyResetMode `json:"daily_reset_mode,omitempty"`
	RPM                     int            `json:"rpm,omitempty"`
	LimitConcurrentSessions int            `json:"limit_concurrent_sessions,omitempty"`
}

// Provider is one upstream LLM endpoint in the pool.
type Provider struct {
	ID                           string              `json:"id"`
	Name                         string              `json:"name"`
	URL                          string              `json:"url"`
	Credential                   string              `json:"-"`
	ProviderType                 ProviderType        `json:"provider_type"`
	GroupTag                     string              `json:"group_tag,omitempty"`
	Priority                     int                 `json:"priority"`
	Weight                       int                 `json:"weight"`
	CostMultiplier               float64             `json:"cost_multiplier"`
	AllowedModels                []string            `json:"allowed_models,omitempty"`
	ModelRedirects               map[string]string   `json:"model_redirects,omitempty"`
	JoinClaudePool               bool                `json:"join_claude_pool,omitempty"`
	Context1MPreference          Context1MPreference `json:"context_1m_preference,omitempty"`
	Limits                       SpendLimits         `json:"limits"`
	DailyResetTime               string              `json:"daily_reset_time,omitempty"`
	DailyResetMode               DailyResetMode      `json:"daily_reset_mode,omitempty"`
	LimitConcurrentSessions      int                 `json:"limit_concurrent_sessions,omitempty"`
	MaxConcurrentRequests        int                 `json:"max_concurrent_requests,omitempty"`
	StreamingIdleTimeoutMs       int                 `json:"streaming_idle_timeout_ms,omitempty"`
	RequestTimeoutNonStreamingMs int                 `json:"request_timeout_non_streaming_ms,omitempty"`
	ProxyURL                     string              `json:"proxy_url,omitempty"`
	IsEnabled                    bool                `json:"is_enabled"`
	DeletedAt                    *time.Time          `json:"deleted_at,omitempty"`
}

// EffectiveGroupTags splits GroupTag on commas, defaulting an empty tag set
// to "default".
func (p *Provider) EffectiveGroupTags() []string {
	if p.GroupTag == "" {
		return []string{"default"}
	}
	tags := make([]string, 0, strings.Count(p.GroupTag, ",")+1)
	for _, tag := range strings.Split(p.GroupTag, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}

// AuthState is the outcome of the auth guard: either a bound identity or a
// prebuilt failure response.
type AuthState struct {
	Success    bool
	User       *User
	Key        *Key
	RawKey     string
	FailureErr error
}

// ProviderChainReason enumerates why a provider attempt ended the way it did.
type ProviderChainReason string

const (
	ReasonSessionReuse          ProviderChainReason = "session_reuse"
	ReasonInitialSelection      ProviderChainReason = "initial_selection"
	ReasonConcurrentLimitFailed ProviderChainReason = "concurrent_limit_failed"
	ReasonRequestSuccess        ProviderChainReason = "request_success"
	ReasonRetryFailed           ProviderChainReason = "retry_failed"
	ReasonSystemError           ProviderChainReason = "system_error"
	ReasonResourceNotFound      ProviderChainReason = "resource_not_found"
	ReasonClientErrorNonRetry   ProviderChainReason = "client_error_non_retryable"
	ReasonHTTP2Fallback         ProviderChainReason = "http2_fallback"
	ReasonCircuitOpen           ProviderChainReason = "circuit_open"
	ReasonGroupFiltered         ProviderChainReason = "group_filtered"
	ReasonFormatIncompatible    ProviderChainReason = "format_incompatible"
	ReasonModelUnsupported      ProviderChainReason = "model_unsupported"
	ReasonContext1MUnsupported  ProviderChainReason = "context_1m_unsupported"
	ReasonCostLimitExceeded     ProviderChainReason = "cost_limit_exceeded"
)

// ErrorDetails is the sanitized record of an upstream failure kept on a
// ProviderChainItem.
type ErrorDetails struct {
	URL        string            `json:"url,omitempty"`
	Method     string            `json:"method,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
	StatusCode int               `json:"status_code,omitempty"`
}

// DecisionContext records the provider-selection algorithm's working state
// at the moment a decision was made, for audit and for 503 explanations.
type DecisionContext struct {
	GroupFilterApplied string             `json:"group_filter_applied,omitempty"`
	Model              string             `json:"model,omitempty"`
	Candidates         []CandidateScore   `json:"candidates,omitempty"`
	Filtered           []FilteredProvider `json:"filtered,omitempty"`
}

// CandidateScore is one provider's weight/probability in the weighted-random
// selection step.
type CandidateScore struct {
	ProviderID  string  `json:"provider_id"`
	Weight      int     `json:"weight"`
	Probability float64 `json:"probability"`
}

// FilteredProvider explains why a provider was excluded before selection.
type FilteredProvider struct {
	ProviderID string              `json:"provider_id"`
	Reason     ProviderChainReason `json:"reason"`
}

// ProviderChainItem is one append-only attempt record in a session's
// provider decision chain.
type ProviderChainItem struct {
	ProviderID          string              `json:"provider_id"`
	ProviderName        string              `json:"provider_name"`
	Reason              ProviderChainReason `json:"reason"`
	SelectionMethod     string              `json:"selection_method,omitempty"`
	CircuitState        string              `json:"circuit_state,omitempty"`
	Attempt             int                 `json:"attempt"`
	StatusCode          int                 `json:"status_code,omitempty"`
	CircuitFailureCount int                 `json:"circuit_failure_count,omitempty"`
	CircuitThreshold    int                 `json:"circuit_threshold,omitempty"`
	ErrorDetails        *ErrorDetails       `json:"error_details,omitempty"`
	DecisionContext     *DecisionContext    `json:"decision_context,omitempty"`
	Timestamp           time.Time           `json:"timestamp"`
}

// MessageRequest is the persisted audit row for one proxied call.
type MessageRequest struct {
	ID                    string              `json:"id"`
	SessionID             string              `json:"session_id,omitempty"`
	RequestSequence       int64               `json:"request_sequence,omitempty"`
	StartedAt             time.Time           `json:"started_at"`
	DurationMs            int64               `json:"duration_ms,omitempty"`
	TTFBMs                int64               `json:"ttfb_ms,omitempty"`
	PromptTokens          int                 `json:"prompt_tokens,omitempty"`
	CompletionTokens      int                 `json:"completion_tokens,omitempty"`
	CacheCreation5mTokens int                 `json:"cache_creation_5m_tokens,omitempty"`
	CacheCreation1hTokens int                 `json:"cache_creation_1h_tokens,omitempty"`
	CacheReadTokens       int                 `json:"cache_read_tokens,omitempty"`
	ProviderChain         []ProviderChainItem `json:"provider_chain"`
	FinalModel            string              `json:"final_model,omitempty"`
	OriginalModel         string              `json:"original_model,omitempty"`
	FinalProviderID       *string             `json:"final_provider_id,omitempty"`
	Cost                  float64             `json:"cost,omitempty"`
	StatusCode            int                 `json:"status_code,omitempty"`
	ErrorMessage          string              `json:"error_message,omitempty"`
	ErrorStack            string              `json:"error_stack,omitempty"`
	ErrorCause            string              `json:"error_cause,omitempty"`
	Context1M             bool                `json:"context_1m,omitempty"`
	BlockedBy             string              `json:"blocked_by,omitempty"`
	SpecialSettings       map[string]any      `json:"special_settings,omitempty"`
	KeyID                 string              `json:"key_id,omitempty"`
	UserID                string              `json:"user_id,omitempty"`
}
