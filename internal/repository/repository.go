package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/relaygate/relaygate/core"
	"github.com/relaygate/relaygate/internal/ratelimit"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("repository: not found")

// Repository is the gorm-backed store for users, keys, providers, and the
// message-request audit trail. A single instance is shared across requests;
// all methods are safe for concurrent use because gorm.DB itself is.
type Repository struct {
	db     *gorm.DB
	logger *zap.Logger
}

func New(db *gorm.DB, logger *zap.Logger) *Repository {
	return &Repository{db: db, logger: logger.With(zap.String("component", "repository"))}
}

// HashKey derives the stable lookup hash for a raw API credential. Kept
// separate from bcrypt-style password hashing because keys are looked up on
// every request and must stay a single deterministic index hit.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// FindKeyByHash resolves a raw credential to its bound Key and User, the
// core lookup the auth guard performs on every request.
func (r *Repository) FindKeyByHash(ctx context.Context, rawKey string) (*core.Key, *core.User, error) {
	var km KeyModel
	if err := r.db.WithContext(ctx).Where("hash = ?", HashKey(rawKey)).First(&km).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("find key by hash: %w", err)
	}
	var um UserModel
	if err := r.db.WithContext(ctx).Where("id = ?", km.UserID).First(&um).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("find user for key: %w", err)
	}
	return toKey(&km), toUser(&um), nil
}

// FindKeyByID resolves a key ID to its bound Key and User, used by the
// auth guard's JWT path where the signed token's claims name the key
// directly instead of supplying the raw credential to hash.
func (r *Repository) FindKeyByID(ctx context.Context, keyID string) (*core.Key, *core.User, error) {
	var km KeyModel
	if err := r.db.WithContext(ctx).Where("id = ?", keyID).First(&km).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("find key by id: %w", err)
	}
	var um UserModel
	if err := r.db.WithContext(ctx).Where("id = ?", km.UserID).First(&um).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("find user for key: %w", err)
	}
	return toKey(&km), toUser(&um), nil
}

// MarkUserExpired best-effort disables a user whose ExpiresAt has passed;
// failures are logged, not returned, since the auth guard has already
// decided to reject the request regardless.
func (r *Repository) MarkUserExpired(ctx context.Context, userID string) {
	if err := r.db.WithContext(ctx).Model(&UserModel{}).Where("id = ?", userID).Update("enabled", false).Error; err != nil {
		r.logger.Warn("mark user expired failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// ListEnabledProviders returns every non-soft-deleted, enabled provider row,
// the snapshot the Provider Registry caches per request cycle.
func (r *Repository) ListEnabledProviders(ctx context.Context) ([]*core.Provider, error) {
	var rows []ProviderModel
	if err := r.db.WithContext(ctx).Where("is_enabled = ?", true).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list enabled providers: %w", err)
	}
	out := make([]*core.Provider, 0, len(rows))
	for _, m := range rows {
		p := &core.Provider{
			ID:                           m.ID,
			Name:                         m.Name,
			URL:                          m.URL,
			Credential:                   m.Credential,
			ProviderType:                 core.ProviderType(m.ProviderType),
			GroupTag:                     m.GroupTag,
			Priority:                     m.Priority,
			Weight:                       m.Weight,
			CostMultiplier:               m.CostMultiplier,
			AllowedModels:                splitLines(m.AllowedModels),
			JoinClaudePool:               m.JoinClaudePool,
			Context1MPreference:          core.Context1MPreference(m.Context1MPreference),
			Limits: core.SpendLimits{
				Total:    m.LimitTotal,
				FiveHour: m.LimitFiveHour,
				Daily:    m.LimitDaily,
				Weekly:   m.LimitWeekly,
				Monthly:  m.LimitMonthly,
			},
			DailyResetTime:               m.DailyResetTime,
			DailyResetMode:               core.DailyResetMode(m.DailyResetMode),
			LimitConcurrentSessions:      m.LimitConcurrentSessions,
			MaxConcurrentRequests:        m.MaxConcurrentRequests,
			StreamingIdleTimeoutMs:       m.StreamingIdleTimeoutMs,
			RequestTimeoutNonStreamingMs: m.RequestTimeoutNonStreamingMs,
			ProxyURL:                     m.ProxyURL,
			IsEnabled:                    m.IsEnabled,
		}
		if m.ModelRedirects != "" {
			redirects := map[string]string{}
			if err := json.Unmarshal([]byte(m.ModelRedirects), &redirects); err == nil {
				p.ModelRedirects = redirects
			}
		}
		out = append(out, p)
	}
	return out, nil
}

// Snapshot implements guard.ProviderSource, handing the provider guard a
// fresh read of every enabled provider for this request's selection pass.
func (r *Repository) Snapshot(ctx context.Context) ([]*core.Provider, error) {
	return r.ListEnabledProviders(ctx)
}

// SyncProviders replaces the provider pool with the declarative set read
// from GatewayConfig.ProvidersPath: every row is upserted by ID, and any
// row present in the database but absent from providers is disabled
// (never deleted, so its audit history stays intact).
func (r *Repository) SyncProviders(ctx context.Context, providers []*core.Provider) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seen := make([]string, 0, len(providers))
		for _, p := range providers {
			redirects := ""
			if len(p.ModelRedirects) > 0 {
				b, err := json.Marshal(p.ModelRedirects)
				if err != nil {
					return fmt.Errorf("marshal model redirects for provider %s: %w", p.ID, err)
				}
				redirects = string(b)
			}
			m := ProviderModel{
				ID:                           p.ID,
				Name:                         p.Name,
				URL:                          p.URL,
				Credential:                   p.Credential,
				ProviderType:                 string(p.ProviderType),
				GroupTag:                     p.GroupTag,
				Priority:                     p.Priority,
				Weight:                       p.Weight,
				CostMultiplier:               p.CostMultiplier,
				AllowedModels:                joinLines(p.AllowedModels),
				ModelRedirects:               redirects,
				JoinClaudePool:               p.JoinClaudePool,
				Context1MPreference:          string(p.Context1MPreference),
				LimitTotal:                   p.Limits.Total,
				LimitFiveHour:                p.Limits.FiveHour,
				LimitDaily:                   p.Limits.Daily,
				LimitWeekly:                  p.Limits.Weekly,
				LimitMonthly:                 p.Limits.Monthly,
				DailyResetTime:               p.DailyResetTime,
				DailyResetMode:               string(p.DailyResetMode),
				LimitConcurrentSessions:      p.LimitConcurrentSessions,
				MaxConcurrentRequests:        p.MaxConcurrentRequests,
				StreamingIdleTimeoutMs:       p.StreamingIdleTimeoutMs,
				RequestTimeoutNonStreamingMs: p.RequestTimeoutNonStreamingMs,
				ProxyURL:                     p.ProxyURL,
				IsEnabled:                    p.IsEnabled,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				UpdateAll: true,
			}).Create(&m).Error; err != nil {
				return fmt.Errorf("upsert provider %s: %w", p.ID, err)
			}
			seen = append(seen, p.ID)
		}
		q := tx.Model(&ProviderModel{}).Where("is_enabled = ?", true)
		if len(seen) > 0 {
			q = q.Where("id NOT IN ?", seen)
		}
		return q.Update("is_enabled", false).Error
	})
}

// SyncUsers upserts the declarative user set read from
// GatewayConfig.UsersPath, by ID.
func (r *Repository) SyncUsers(ctx context.Context, users []*core.User) error {
	for _, u := range users {
		m := UserModel{
			ID:             u.ID,
			Enabled:        u.Enabled,
			ExpiresAt:      u.ExpiresAt,
			ProviderGroup:  u.ProviderGroup,
			LimitTotal:     u.Limits.Total,
			LimitFiveHour:  u.Limits.FiveHour,
			LimitDaily:     u.Limits.Daily,
			LimitWeekly:    u.Limits.Weekly,
			LimitMonthly:   u.Limits.Monthly,
			DailyResetTime: u.DailyResetTime,
			DailyResetMode: string(u.DailyResetMode),
			RPM:            u.RPM,
			AllowedClients: joinLines(u.AllowedClients),
			AllowedModels:  joinLines(u.AllowedModels),
		}
		if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).Create(&m).Error; err != nil {
			return fmt.Errorf("upsert user %s: %w", u.ID, err)
		}
	}
	return nil
}

// SyncKeys upserts the declarative key set read from
// GatewayConfig.KeysPath. rawKey is hashed before it ever reaches the
// database; the source YAML holds the raw credential so operators can
// rotate it by editing one file.
func (r *Repository) SyncKeys(ctx context.Context, keys []*core.Key, rawByID map[string]string) error {
	for _, k := range keys {
		hash := k.Hash
		if raw, ok := rawByID[k.ID]; ok && raw != "" {
			hash = HashKey(raw)
		}
		m := KeyModel{
			ID:                      k.ID,
			Hash:                    hash,
			UserID:                  k.UserID,
			ProviderGroup:           k.ProviderGroup,
			LimitTotal:              k.Limits.Total,
			LimitFiveHour:           k.Limits.FiveHour,
			LimitDaily:              k.Limits.Daily,
			LimitWeekly:             k.Limits.Weekly,
			LimitMonthly:            k.Limits.Monthly,
			DailyResetTime:          k.DailyResetTime,
			DailyResetMode:          string(k.DailyResetMode),
			RPM:                     k.RPM,
			LimitConcurrentSessions: k.LimitConcurrentSessions,
		}
		if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).Create(&m).Error; err != nil {
			return fmt.Errorf("upsert key %s: %w", k.ID, err)
		}
	}
	return nil
}

func joinLines(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += "\n"
		}
		out += s
	}
	return out
}

// CreateMessageRequest inserts the audit row the message-context guard
// creates before provider selection.
func (r *Repository) CreateMessageRequest(ctx context.Context, mr *core.MessageRequest, userID, keyID string) error {
	m := &MessageRequestModel{
		ID:              mr.ID,
		SessionID:       mr.SessionID,
		UserID:          userID,
		KeyID:           keyID,
		RequestSequence: mr.RequestSequence,
		StartedAt:       mr.StartedAt,
		FinalModel:      mr.FinalModel,
		OriginalModel:   mr.OriginalModel,
	}
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("create message request: %w", err)
	}
	return nil
}

// FinalizeMessageRequest updates the audit row in place once the Response
// Handler has a final outcome: duration, tokens, cost, chain, and error
// details when present.
func (r *Repository) FinalizeMessageRequest(ctx context.Context, mr *core.MessageRequest) error {
	chainJSON, err := json.Marshal(mr.ProviderChain)
	if err != nil {
		return fmt.Errorf("marshal provider chain: %w", err)
	}
	providerID := ""
	if mr.FinalProviderID != nil {
		providerID = *mr.FinalProviderID
	}
	updates := map[string]any{
		"duration_ms":             mr.DurationMs,
		"ttfb_ms":                 mr.TTFBMs,
		"prompt_tokens":           mr.PromptTokens,
		"completion_tokens":       mr.CompletionTokens,
		"cache_creation5m_tokens": mr.CacheCreation5mTokens,
		"cache_creation1h_tokens": mr.CacheCreation1hTokens,
		"cache_read_tokens":       mr.CacheReadTokens,
		"final_model":             mr.FinalModel,
		"final_provider_id":       providerID,
		"cost":                    mr.Cost,
		"status_code":             mr.StatusCode,
		"error_message":           mr.ErrorMessage,
		"error_stack":             mr.ErrorStack,
		"error_cause":             mr.ErrorCause,
		"provider_chain_json":     string(chainJSON),
	}
	if err := r.db.WithContext(ctx).Model(&MessageRequestModel{}).Where("id = ?", mr.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("finalize message request: %w", err)
	}
	return nil
}

// WarmRolling implements ratelimit.Warmer by replaying every
// MessageRequestModel row for scope/id since `since` as cost samples.
func (r *Repository) WarmRolling(ctx context.Context, scope ratelimit.Scope, id string, _ ratelimit.Period, since time.Time) ([]ratelimit.CostSample, error) {
	var rows []MessageRequestModel
	q := r.db.WithContext(ctx).Where("started_at >= ?", since)
	q = scopeColumn(q, scope, id)
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("warm rolling: %w", err)
	}
	samples := make([]ratelimit.CostSample, 0, len(rows))
	for _, row := range rows {
		samples = append(samples, ratelimit.CostSample{Timestamp: row.StartedAt, RequestID: row.ID, Cost: row.Cost})
	}
	return samples, nil
}

// WarmFixed implements ratelimit.Warmer by summing cost for scope/id since
// windowStart, seeding a fixed-window counter on cache miss.
func (r *Repository) WarmFixed(ctx context.Context, scope ratelimit.Scope, id string, _ ratelimit.Period, windowStart time.Time) (float64, error) {
	var total float64
	q := r.db.WithContext(ctx).Model(&MessageRequestModel{}).Where("started_at >= ?", windowStart)
	q = scopeColumn(q, scope, id)
	if err := q.Select("COALESCE(SUM(cost), 0)").Scan(&total).Error; err != nil {
		return 0, fmt.Errorf("warm fixed: %w", err)
	}
	return total, nil
}

func scopeColumn(q *gorm.DB, scope ratelimit.Scope, id string) *gorm.DB {
	switch scope {
	case ratelimit.ScopeKey:
		return q.Where("key_id = ?", id)
	case ratelimit.ScopeUser:
		return q.Where("user_id = ?", id)
	default:
		return q.Where("provider_id = ?", id)
	}
}
