// Package selector implements the gateway's provider selection algorithm:
// filtering the configured provider pool down to the candidates that can
// legally serve a request, then picking one by priority tier and weighted
// random choice, admitted atomically against a per-provider concurrency cap.
package selector

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relaygate/relaygate/core"
	"github.com/relaygate/relaygate/internal/breaker"
)

// ErrNoAvailableProvider is returned when every provider in the pool was
// filtered out before selection, or every admitted candidate failed to
// acquire a concurrency slot.
var ErrNoAvailableProvider = errors.New("no available provider")

// Request carries the inputs the filtering steps need: the client's wire
// format, the requested model, whether a 1M-context window was requested,
// and the group tag resolved from the caller's User/Key.
type Request struct {
	Format     core.FormatDialect
	Model      string
	Context1M  bool
	GroupTag   string
}

// Selector runs the provider-selection algorithm against a candidate pool.
type Selector struct {
	rdb     *redis.Client
	breaker *breaker.Breaker
	logger  *zap.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(rdb *redis.Client, br *breaker.Breaker, logger *zap.Logger) *Selector {
	return &Selector{
		rdb:     rdb,
		breaker: br,
		logger:  logger.With(zap.String("component", "selector")),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Select runs the eight-step filter/score/admit algorithm and records every
// exclusion and the final candidate scores onto dctx for audit.
//
// Steps: group filter, format compatibility, model support, 1M-context
// filter, health filter (enabled + circuit not open), priority layering,
// weighted-random pick within the highest non-empty priority tier, and
// atomic concurrency admission. On admission failure the candidate is
// dropped and the next-best candidate in the tier is tried before falling
// back to the next priority tier.
func (s *Selector) Select(ctx context.Context, providers []*core.Provider, req Request, dctx *core.DecisionContext) (*core.Provider, error) {
	dctx.Model = req.Model
	dctx.GroupFilterApplied = req.GroupTag

	candidates := providers
	candidates = s.filterByGroup(candidates, req.GroupTag, dctx)
	candidates = s.filterByFormat(candidates, req.Format, dctx)
	candidates = s.filterByModel(candidates, req.Model, dctx)
	candidates = s.filterByContext1M(candidates, req.Context1M, dctx)
	candidates = s.filterByHealth(ctx, candidates, dctx)

	if len(candidates) == 0 {
		return nil, ErrNoAvailableProvider
	}

	for _, tier := range priorityTiers(candidates) {
		scored := s.score(tier)
		dctx.Candidates = append(dctx.Candidates, scored...)

		ordered := make([]*core.Provider, len(tier))
		copy(ordered, tier)

		for len(ordered) > 0 {
			pick, idx := s.weightedPick(ordered, scored)
			if pick == nil {
				break
			}
			admitted, err := s.admit(ctx, pick)
			if err != nil {
				s.logger.Warn("concurrency admission check failed", zap.String("provider_id", pick.ID), zap.Error(err))
			}
			if admitted {
				return pick, nil
			}
			dctx.Filtered = append(dctx.Filtered, core.FilteredProvider{ProviderID: pick.ID, Reason: core.ReasonConcurrentLimitFailed})
			ordered = append(ordered[:idx], ordered[idx+1:]...)
			scored = append(scored[:idx], scored[idx+1:]...)
		}
	}

	return nil, ErrNoAvailableProvider
}

// Release returns a provider's admitted concurrency slot once its request
// finishes (success or failure).
func (s *Selector) Release(ctx context.Context, providerID string) error {
	if s.rdb == nil {
		return nil
	}
	return s.rdb.Decr(ctx, concurrencyKey(providerID)).Err()
}

func (s *Selector) filterByGroup(providers []*core.Provider, groupTag string, dctx *core.DecisionContext) []*core.Provider {
	if groupTag == "" {
		groupTag = "default"
	}
	out := make([]*core.Provider, 0, len(providers))
	for _, p := range providers {
		if containsTag(p.EffectiveGroupTags(), groupTag) {
			out = append(out, p)
		} else {
			dctx.Filtered = append(dctx.Filtered, core.FilteredProvider{ProviderID: p.ID, Reason: core.ReasonGroupFiltered})
		}
	}
	return out
}

func (s *Selector) filterByFormat(providers []*core.Provider, format core.FormatDialect, dctx *core.DecisionContext) []*core.Provider {
	out := make([]*core.Provider, 0, len(providers))
	for _, p := range providers {
		if core.IsFormatCompatible(format, p.ProviderType) {
			out = append(out, p)
		} else {
			dctx.Filtered = append(dctx.Filtered, core.FilteredProvider{ProviderID: p.ID, Reason: core.ReasonFormatIncompatible})
		}
	}
	return out
}

func (s *Selector) filterByModel(providers []*core.Provider, model string, dctx *core.DecisionContext) []*core.Provider {
	if model == "" {
		return providers
	}
	out := make([]*core.Provider, 0, len(providers))
	for _, p := range providers {
		if len(p.AllowedModels) == 0 || containsTag(p.AllowedModels, model) {
			out = append(out, p)
			continue
		}
		if _, ok := p.ModelRedirects[model]; ok {
			out = append(out, p)
			continue
		}
		dctx.Filtered = append(dctx.Filtered, core.FilteredProvider{ProviderID: p.ID, Reason: core.ReasonModelUnsupported})
	}
	return out
}

func (s *Selector) filterByContext1M(providers []*core.Provider, context1M bool, dctx *core.DecisionContext) []*core.Provider {
	if !context1M {
		return providers
	}
	out := make([]*core.Provider, 0, len(providers))
	for _, p := range providers {
		if p.Context1MPreference == core.Context1MDisabled {
			dctx.Filtered = append(dctx.Filtered, core.FilteredProvider{ProviderID: p.ID, Reason: core.ReasonContext1MUnsupported})
			continue
		}
		out = append(out, p)
	}
	return out
}

func (s *Selector) filterByHealth(ctx context.Context, providers []*core.Provider, dctx *core.DecisionContext) []*core.Provider {
	out := make([]*core.Provider, 0, len(providers))
	for _, p := range providers {
		if !p.IsEnabled || p.DeletedAt != nil {
			dctx.Filtered = append(dctx.Filtered, core.FilteredProvider{ProviderID: p.ID, Reason: core.ReasonGroupFiltered})
			continue
		}
		if s.breaker != nil {
			if _, err := s.breaker.Check(ctx, p.ID); err != nil {
				dctx.Filtered = append(dctx.Filtered, core.FilteredProvider{ProviderID: p.ID, Reason: core.ReasonCircuitOpen})
				continue
			}
		}
		out = append(out, p)
	}
	return out
}

// priorityTiers groups providers by ascending Priority — lower numbers are
// higher priority — so the caller exhausts the most-preferred tier before
// falling back to the next.
func priorityTiers(providers []*core.Provider) [][]*core.Provider {
	byPriority := map[int][]*core.Provider{}
	for _, p := range providers {
		byPriority[p.Priority] = append(byPriority[p.Priority], p)
	}
	priorities := make([]int, 0, len(byPriority))
	for pr := range byPriority {
		priorities = append(priorities, pr)
	}
	sort.Ints(priorities)
	tiers := make([][]*core.Provider, 0, len(priorities))
	for _, pr := range priorities {
		tiers = append(tiers, byPriority[pr])
	}
	return tiers
}

func (s *Selector) score(providers []*core.Provider) []core.CandidateScore {
	var total int
	for _, p := range providers {
		w := p.Weight
		if w <= 0 {
			w = 1
		}
		total += w
	}
	scores := make([]core.CandidateScore, len(providers))
	for i, p := range providers {
		w := p.Weight
		if w <= 0 {
			w = 1
		}
		prob := 0.0
		if total > 0 {
			prob = float64(w) / float64(total)
		}
		scores[i] = core.CandidateScore{ProviderID: p.ID, Weight: w, Probability: prob}
	}
	return scores
}

// weightedPick picks one provider from ordered by cumulative weight,
// returning its index in ordered/scored so the caller can drop it on a
// failed admission and retry with the remainder.
func (s *Selector) weightedPick(ordered []*core.Provider, scored []core.CandidateScore) (*core.Provider, int) {
	if len(ordered) == 0 {
		return nil, -1
	}
	var total float64
	for _, c := range scored {
		total += float64(c.Weight)
	}
	if total <= 0 {
		return ordered[0], 0
	}

	s.rngMu.Lock()
	target := s.rng.Float64() * total
	s.rngMu.Unlock()

	var cumulative float64
	for i, c := range scored {
		cumulative += float64(c.Weight)
		if cumulative >= target {
			return ordered[i], i
		}
	}
	return ordered[0], 0
}

func concurrencyKey(providerID string) string {
	return "provider_concurrency:" + providerID
}

// admitScript atomically increments the provider's in-flight counter and
// rejects the admission if it would exceed MaxConcurrentRequests (0 means
// unlimited).
var admitScript = redis.NewScript(`
local key = KEYS[1]
local max = tonumber(ARGV[1])
if max <= 0 then
  redis.call('INCR', key)
  return 1
end
local current = tonumber(redis.call('GET', key) or '0')
if current >= max then
  return 0
end
redis.call('INCR', key)
return 1
`)

func (s *Selector) admit(ctx context.Context, p *core.Provider) (bool, error) {
	if s.rdb == nil || p.MaxConcurrentRequests <= 0 {
		return true, nil
	}
	res, err := admitScript.Run(ctx, s.rdb, []string{concurrencyKey(p.ID)}, p.MaxConcurrentRequests).Result()
	if err != nil {
		return false, fmt.Errorf("concurrency admission for %s: %w", p.ID, err)
	}
	allowed, _ := res.(int64)
	return allowed == 1, nil
}

func containsTag(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}
