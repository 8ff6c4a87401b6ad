package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/relaygate/relaygate/core"
)

// FilterScope is where a Filter looks for its target.
type FilterScope string

const (
	FilterScopeHeader FilterScope = "header"
	FilterScopeBody   FilterScope = "body"
)

// FilterAction is what a Filter does once its target is located.
type FilterAction string

const (
	FilterActionRemove      FilterAction = "remove"
	FilterActionSet         FilterAction = "set"
	FilterActionJSONPath    FilterAction = "json_path"
	FilterActionTextReplace FilterAction = "text_replace"
)

// FilterMatchType controls how Target is compared against candidate
// strings for the text_replace action.
type FilterMatchType string

const (
	MatchExact    FilterMatchType = "exact"
	MatchContains FilterMatchType = "contains"
	MatchRegex    FilterMatchType = "regex"
)

// regexMatchTimeout bounds every regex evaluation so a catastrophic
// pattern degrades a single filter instead of the whole request; this is
// the ReDoS safety net, enforced at match time rather than by static
// pattern analysis.
const regexMatchTimeout = 50 * time.Millisecond

// Filter is one declarative request-rewrite rule.
type Filter struct {
	Scope       FilterScope
	Action      FilterAction
	MatchType   FilterMatchType
	Target      string
	Replacement string
	// GroupTags/ProviderID scope a provider-request filter to a specific
	// provider or one of its group tags; both empty means global.
	GroupTags  []string
	ProviderID string

	compiled *regexp2.Regexp
}

// FilterEngine holds the global and provider-scoped filter sets, applying
// them fail-open: any error on one filter is logged and skipped, never
// blocks the request.
type FilterEngine struct {
	mu     sync.RWMutex
	global []*Filter
	scoped []*Filter
	logger *zap.Logger
}

func NewFilterEngine(logger *zap.Logger) *FilterEngine {
	return &FilterEngine{logger: logger.With(zap.String("component", "request_filter"))}
}

// LoadGlobal compiles and installs the global filter set, replacing
// whatever was loaded before (used by the config hot-reload path).
func (e *FilterEngine) LoadGlobal(filters []Filter) error {
	compiled, err := compileFilters(filters)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.global = compiled
	e.mu.Unlock()
	return nil
}

// LoadScoped compiles and installs the provider-scoped filter set.
func (e *FilterEngine) LoadScoped(filters []Filter) error {
	compiled, err := compileFilters(filters)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.scoped = compiled
	e.mu.Unlock()
	return nil
}

func compileFilters(filters []Filter) ([]*Filter, error) {
	out := make([]*Filter, 0, len(filters))
	for i := range filters {
		f := filters[i]
		if f.MatchType == MatchRegex {
			re, err := regexp2.Compile(f.Target, regexp2.None)
			if err != nil {
				return nil, fmt.Errorf("compile filter regex %q: %w", f.Target, err)
			}
			re.MatchTimeout = regexMatchTimeout
			f.compiled = re
		}
		out = append(out, &f)
	}
	return out, nil
}

// RequestFilterGuard applies the global filter set before provider
// selection.
func RequestFilterGuard(ctx context.Context, s *core.Session, deps *Deps) (*Outcome, error) {
	if deps.Filters == nil {
		return nil, nil
	}
	deps.Filters.apply(s, deps.Filters.snapshotGlobal(), deps.Logger)
	return nil, nil
}

// ProviderRequestFilterGuard applies the filters bound to the chosen
// provider or one of its group tags.
func ProviderRequestFilterGuard(ctx context.Context, s *core.Session, deps *Deps) (*Outcome, error) {
	if deps.Filters == nil || s.Provider == nil {
		return nil, nil
	}
	matching := deps.Filters.snapshotScopedFor(s.Provider)
	deps.Filters.apply(s, matching, deps.Logger)
	return nil, nil
}

func (e *FilterEngine) snapshotGlobal() []*Filter {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Filter, len(e.global))
	copy(out, e.global)
	return out
}

func (e *FilterEngine) snapshotScopedFor(p *core.Provider) []*Filter {
	e.mu.RLock()
	defer e.mu.RUnlock()
	tags := p.EffectiveGroupTags()
	out := make([]*Filter, 0, len(e.scoped))
	for _, f := range e.scoped {
		if f.ProviderID != "" && f.ProviderID == p.ID {
			out = append(out, f)
			continue
		}
		for _, t := range f.GroupTags {
			if containsString(tags, t) {
				out = append(out, f)
				break
			}
		}
	}
	return out
}

func (e *FilterEngine) apply(s *core.Session, filters []*Filter, logger *zap.Logger) {
	for _, f := range filters {
		if err := applyOne(s, f); err != nil {
			logger.Warn("request filter failed, skipping", zap.String("target", f.Target), zap.Error(err))
		}
	}
}

func applyOne(s *core.Session, f *Filter) error {
	switch f.Scope {
	case FilterScopeHeader:
		return applyHeaderFilter(s, f)
	case FilterScopeBody:
		return applyBodyFilter(s, f)
	default:
		return fmt.Errorf("unknown filter scope %q", f.Scope)
	}
}

func applyHeaderFilter(s *core.Session, f *Filter) error {
	switch f.Action {
	case FilterActionRemove:
		s.Headers.Del(f.Target)
	case FilterActionSet:
		s.Headers.Set(f.Target, f.Replacement)
	default:
		return fmt.Errorf("action %q not supported for header scope", f.Action)
	}
	return nil
}

func applyBodyFilter(s *core.Session, f *Filter) error {
	switch f.Action {
	case FilterActionRemove, FilterActionSet, FilterActionJSONPath:
		raw, err := json.Marshal(s.Body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		if f.Action == FilterActionRemove && !gjson.GetBytes(raw, f.Target).Exists() {
			return fmt.Errorf("json path %q not present", f.Target)
		}
		var updated []byte
		if f.Action == FilterActionRemove {
			updated, err = sjson.DeleteBytes(raw, f.Target)
		} else {
			updated, err = sjson.SetBytes(raw, f.Target, f.Replacement)
		}
		if err != nil {
			return fmt.Errorf("apply json_path %q: %w", f.Target, err)
		}
		var body map[string]any
		if err := json.Unmarshal(updated, &body); err != nil {
			return fmt.Errorf("unmarshal updated body: %w", err)
		}
		s.Body = body
		return nil
	case FilterActionTextReplace:
		return applyTextReplace(s, f)
	default:
		return fmt.Errorf("unknown filter action %q", f.Action)
	}
}

// applyTextReplace walks the JSON tree recursively and rewrites string
// values that match the filter's pattern.
func applyTextReplace(s *core.Session, f *Filter) error {
	replaced, err := walkReplace(s.Body, f)
	if err != nil {
		return err
	}
	body, ok := replaced.(map[string]any)
	if !ok {
		return fmt.Errorf("text_replace produced a non-object body")
	}
	s.Body = body
	return nil
}

func walkReplace(v any, f *Filter) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			replaced, err := walkReplace(child, f)
			if err != nil {
				return nil, err
			}
			out[k] = replaced
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			replaced, err := walkReplace(child, f)
			if err != nil {
				return nil, err
			}
			out[i] = replaced
		}
		return out, nil
	case string:
		return replaceString(val, f)
	default:
		return v, nil
	}
}

func replaceString(s string, f *Filter) (string, error) {
	switch f.MatchType {
	case MatchExact:
		if s == f.Target {
			return f.Replacement, nil
		}
		return s, nil
	case MatchContains:
		if strings.Contains(s, f.Target) {
			return strings.ReplaceAll(s, f.Target, f.Replacement), nil
		}
		return s, nil
	case MatchRegex:
		if f.compiled == nil {
			return s, nil
		}
		out, err := f.compiled.Replace(s, f.Replacement, -1, -1)
		if err != nil {
			return s, fmt.Errorf("regex replace timed out or failed: %w", err)
		}
		return out, nil
	default:
		return s, nil
	}
}

func containsString(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}
