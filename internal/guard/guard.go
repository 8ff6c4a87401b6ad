// Package guard implements the gateway's admission pipeline: an ordered
// list of independent checks run against a Session before a request is
// allowed to reach provider selection and forwarding. Each step either lets
// the request continue or returns a finished response that short-circuits
// the rest of the chain.
package guard

import (
	"context"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relaygate/relaygate/config"
	"github.com/relaygate/relaygate/core"
	"github.com/relaygate/relaygate/internal/ratelimit"
	"github.com/relaygate/relaygate/internal/selector"
)

// Outcome is what a Step returns to short-circuit the pipeline with a
// finished response. A nil Outcome (and nil error) means "continue".
type Outcome struct {
	StatusCode int
	Body       any
	Headers    http.Header
}

// Step is one guard. Returning (nil, nil) continues the pipeline;
// returning a non-nil Outcome or a non-nil error ends it.
type Step func(ctx context.Context, s *core.Session, deps *Deps) (*Outcome, error)

// AuthRepository is the subset of the persistence layer the auth guard
// needs; satisfied by *internal/repository.Repository.
type AuthRepository interface {
	FindKeyByHash(ctx context.Context, rawKey string) (*core.Key, *core.User, error)
	FindKeyByID(ctx context.Context, keyID string) (*core.Key, *core.User, error)
	MarkUserExpired(ctx context.Context, userID string)
}

// MessageContextRepository is the subset of the persistence layer the
// message-context guard needs.
type MessageContextRepository interface {
	CreateMessageRequest(ctx context.Context, mr *core.MessageRequest, userID, keyID string) error
}

// ProviderSource supplies the request-scoped snapshot of enabled providers
// the provider guard hands to the Selector.
type ProviderSource interface {
	Snapshot(ctx context.Context) ([]*core.Provider, error)
}

// Deps bundles every collaborator a guard step may need. Individual steps
// use only the fields relevant to them.
type Deps struct {
	Repo      AuthRepository
	MsgRepo   MessageContextRepository
	Providers ProviderSource
	RDB       *redis.Client
	RateLimit *ratelimit.Store
	Selector  *selector.Selector
	Filters   *FilterEngine
	Sensitive *SensitiveWordMatcher
	Config    config.GatewayConfig
	Logger    *zap.Logger
}

// Pipeline is an ordered, named list of guard steps.
type Pipeline struct {
	name  string
	steps []namedStep
}

type namedStep struct {
	name string
	fn   Step
}

func newPipeline(name string, steps ...namedStep) *Pipeline {
	return &Pipeline{name: name, steps: steps}
}

// Run executes every step in order, returning the first short-circuiting
// Outcome or error. A nil Outcome and nil error after the full pipeline
// means the request is admitted.
func (p *Pipeline) Run(ctx context.Context, s *core.Session, deps *Deps) (*Outcome, error) {
	for _, step := range p.steps {
		out, err := step.fn(ctx, s, deps)
		if err != nil {
			deps.Logger.Debug("guard rejected request", zap.String("pipeline", p.name), zap.String("step", step.name), zap.Error(err))
			return nil, err
		}
		if out != nil {
			deps.Logger.Debug("guard short-circuited request", zap.String("pipeline", p.name), zap.String("step", step.name), zap.Int("status", out.StatusCode))
			return out, nil
		}
	}
	return nil, nil
}

// NewChatPipeline builds the CHAT preset: auth, sensitive, client, model,
// version, probe, session, warmup, request-filter, rate-limit, provider,
// provider-request-filter, message-context.
func NewChatPipeline() *Pipeline {
	return newPipeline("chat",
		namedStep{"auth", AuthGuard},
		namedStep{"sensitive", SensitiveWordGuard},
		namedStep{"client", ClientGuard},
		namedStep{"model", ModelGuard},
		namedStep{"version", VersionGuard},
		namedStep{"probe", ProbeGuard},
		namedStep{"session", SessionGuard},
		namedStep{"warmup", WarmupGuard},
		namedStep{"request_filter", RequestFilterGuard},
		namedStep{"rate_limit", RateLimitGuard},
		namedStep{"provider", ProviderGuard},
		namedStep{"provider_request_filter", ProviderRequestFilterGuard},
		namedStep{"message_context", MessageContextGuard},
	)
}

// NewCountTokensPipeline builds the COUNT_TOKENS preset, skipping
// sensitive/session/warmup/rate-limit since token counting is a cheap meta
// operation that must not consume budgets or create sessions.
func NewCountTokensPipeline() *Pipeline {
	return newPipeline("count_tokens",
		namedStep{"auth", AuthGuard},
		namedStep{"client", ClientGuard},
		namedStep{"model", ModelGuard},
		namedStep{"version", VersionGuard},
		namedStep{"probe", ProbeGuard},
		namedStep{"request_filter", RequestFilterGuard},
		namedStep{"provider", ProviderGuard},
		namedStep{"provider_request_filter", ProviderRequestFilterGuard},
	)
}

func errorOutcome(status int, rt core.ResponseType, message string) *Outcome {
	return &Outcome{
		StatusCode: status,
		Body: map[string]any{
			"error": map[string]any{
				"type":    rt,
				"message": message,
			},
		},
	}
}
