// Package core provides the zero-dependency domain types shared by every
// gateway component: the wire dialects, the provider/user/key records, the
// per-request Session, and the decision-chain audit trail. core has no
// internal dependencies so every other package can import it without
// risking an import cycle.
package core

// FormatDialect identifies the wire format a client or provider speaks.
type FormatDialect string

const (
	FormatClaude     FormatDialect = "claude"
	FormatOpenAIChat FormatDialect = "openai"
	FormatResponse   FormatDialect = "response"
	FormatGemini     FormatDialect = "gemini"
	FormatGeminiCLI  FormatDialect = "gemini-cli"
)

// ProviderType identifies the dialect an upstream provider speaks.
type ProviderType string

const (
	ProviderTypeClaude           ProviderType = "claude"
	ProviderTypeClaudeAuth       ProviderType = "claude-auth"
	ProviderTypeCodex            ProviderType = "codex"
	ProviderTypeOpenAICompatible ProviderType = "openai-compatible"
	ProviderTypeGemini           ProviderType = "gemini"
	ProviderTypeGeminiCLI        ProviderType = "gemini-cli"
)

// CompatibleProviderTypes returns the provider types that may natively serve
// a request arriving in the given client format.
func CompatibleProviderTypes(format FormatDialect) []ProviderType {
	switch format {
	case FormatClaude:
		return []ProviderType{ProviderTypeClaude, ProviderTypeClaudeAuth}
	case FormatResponse:
		return []ProviderType{ProviderTypeCodex}
	case FormatOpenAIChat:
		return []ProviderType{ProviderTypeOpenAICompatible}
	case FormatGemini:
		return []ProviderType{ProviderTypeGemini}
	case FormatGeminiCLI:
		return []ProviderType{ProviderTypeGeminiCLI}
	default:
		return nil
	}
}

// IsFormatCompatible reports whether a provider of the given type may serve
// a request whose client format is `format`.
func IsFormatCompatible(format FormatDialect, pt ProviderType) bool {
	for _, c := range CompatibleProviderTypes(format) {
		if c == pt {
			return true
		}
	}
	return false
}

// FormatForProviderType returns the wire dialect a provider of the given
// type natively speaks, the inverse of CompatibleProviderTypes' grouping.
func FormatForProviderType(pt ProviderType) FormatDialect {
	switch pt {
	case ProviderTypeClaude, ProviderTypeClaudeAuth:
		return FormatClaude
	case ProviderTypeCodex:
		return FormatResponse
	case ProviderTypeGemini:
		return FormatGemini
	case ProviderTypeGeminiCLI:
		return FormatGeminiCLI
	default:
		return FormatOpenAIChat
	}
}

// Context1MPreference controls whether a provider participates in 1M-context
// requests.
type Context1MPreference string

const (
	Context1MInherit  Context1MPreference = "inherit"
	Context1MForce    Context1MPreference = "force_enable"
	Context1MDisabled Context1MPreference = "disabled"
)

// DailyResetMode selects between a rolling and a wall-clock-fixed daily
// spend window.
type DailyResetMode string

const (
	DailyResetFixed   DailyResetMode = "fixed"
	DailyResetRolling DailyResetMode = "rolling"
)
