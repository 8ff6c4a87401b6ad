// Package repository is the GORM-backed persistence layer for users, keys,
// providers, and the message-request audit trail. It translates between
// gorm row models (which need column tags, surrogate keys, and soft-delete
// markers) and the core domain types the rest of the gateway operates on.
package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/relaygate/relaygate/core"
)

// UserModel is the gorm row backing core.User.
type UserModel struct {
	ID             string `gorm:"primaryKey"`
	Enabled        bool
	ExpiresAt      *time.Time
	ProviderGroup  string
	LimitTotal     float64
	LimitFiveHour  float64
	LimitDaily     float64
	LimitWeekly    float64
	LimitMonthly   float64
	DailyResetTime string
	DailyResetMode string
	RPM            int
	AllowedClients string `gorm:"type:text"` // newline-joined
	AllowedModels  string `gorm:"type:text"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (UserModel) TableName() string { return "users" }

// KeyModel is the gorm row backing core.Key. Hash is the stable lookup key
// used by the auth guard; the raw credential is never stored.
type KeyModel struct {
	ID                      string `gorm:"primaryKey"`
	Hash                    string `gorm:"uniqueIndex"`
	UserID                  string `gorm:"index"`
	ProviderGroup           string
	LimitTotal              float64
	LimitFiveHour           float64
	LimitDaily              float64
	LimitWeekly             float64
	LimitMonthly            float64
	DailyResetTime          string
	DailyResetMode          string
	RPM                     int
	LimitConcurrentSessions int
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

func (KeyModel) TableName() string { return "api_keys" }

// ProviderModel is the gorm row backing core.Provider.
type ProviderModel struct {
	ID                           string `gorm:"primaryKey"`
	Name                         string
	URL                          string
	Credential                   string
	ProviderType                 string
	GroupTag                     string
	Priority                     int
	Weight                       int
	CostMultiplier               float64
	AllowedModels                string `gorm:"type:text"`
	ModelRedirects               string `gorm:"type:text"` // JSON-encoded map
	JoinClaudePool               bool
	Context1MPreference          string
	LimitTotal                   float64
	LimitFiveHour                float64
	LimitDaily                   float64
	LimitWeekly                  float64
	LimitMonthly                 float64
	DailyResetTime               string
	DailyResetMode               string
	LimitConcurrentSessions      int
	MaxConcurrentRequests        int
	StreamingIdleTimeoutMs       int
	RequestTimeoutNonStreamingMs int
	ProxyURL                     string
	IsEnabled                    bool
	DeletedAt                    gorm.DeletedAt `gorm:"index"`
	CreatedAt                    time.Time
	UpdatedAt                    time.Time
}

func (ProviderModel) TableName() string { return "providers" }

// MessageRequestModel is the gorm row backing core.MessageRequest, plus the
// scope/cost columns the rate-limit warm-up queries against.
type MessageRequestModel struct {
	ID                    string `gorm:"primaryKey"`
	SessionID             string `gorm:"index"`
	UserID                string `gorm:"index"`
	KeyID                 string `gorm:"index"`
	ProviderID            string `gorm:"index"`
	RequestSequence       int64
	StartedAt             time.Time `gorm:"index"`
	DurationMs            int64
	TTFBMs                int64
	PromptTokens          int
	CompletionTokens      int
	CacheCreation5mTokens int
	CacheCreation1hTokens int
	CacheReadTokens       int
	FinalModel            string
	OriginalModel         string
	FinalProviderID       string
	Cost                  float64
	StatusCode            int
	ErrorMessage          string `gorm:"type:text"`
	ErrorStack            string `gorm:"type:text"`
	ErrorCause             string `gorm:"type:text"`
	ProviderChainJSON     string `gorm:"type:text"`
	CreatedAt             time.Time
}

func (MessageRequestModel) TableName() string { return "message_requests" }

func toUser(m *UserModel) *core.User {
	return &core.User{
		ID:             m.ID,
		Enabled:        m.Enabled,
		ExpiresAt:      m.ExpiresAt,
		ProviderGroup:  m.ProviderGroup,
		Limits: core.SpendLimits{
			Total:    m.LimitTotal,
			FiveHour: m.LimitFiveHour,
			Daily:    m.LimitDaily,
			Weekly:   m.LimitWeekly,
			Monthly:  m.LimitMonthly,
		},
		DailyResetTime: m.DailyResetTime,
		DailyResetMode: core.DailyResetMode(m.DailyResetMode),
		RPM:            m.RPM,
		AllowedClients: splitLines(m.AllowedClients),
		AllowedModels:  splitLines(m.AllowedModels),
	}
}

func toKey(m *KeyModel) *core.Key {
	return &core.Key{
		ID:            m.ID,
		Hash:          m.Hash,
		UserID:        m.UserID,
		ProviderGroup: m.ProviderGroup,
		Limits: core.SpendLimits{
			Total:    m.LimitTotal,
			FiveHour: m.LimitFiveHour,
			Daily:    m.LimitDaily,
			Weekly:   m.LimitWeekly,
			Monthly:  m.LimitMonthly,
		},
		DailyResetTime:          m.DailyResetTime,
		DailyResetMode:          core.DailyResetMode(m.DailyResetMode),
		RPM:                     m.RPM,
		LimitConcurrentSessions: m.LimitConcurrentSessions,
	}
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
