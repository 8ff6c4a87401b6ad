package errrule

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"go.uber.org/zap"

	"github.com/relaygate/relaygate/core"
)

// TestProperty_SubstringRuleMatchesIffPatternIsContained checks that a
// non-regex rule fires exactly when its pattern is a substring of the
// upstream error body, for any body/pattern pair.
func TestProperty_SubstringRuleMatchesIffPatternIsContained(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("substring rule matches iff pattern is contained in body", prop.ForAll(
		func(body, pattern string) bool {
			if pattern == "" {
				return true
			}
			engine := New(zap.NewNop())
			if err := engine.Load([]Rule{{ID: "r1", Pattern: pattern}}); err != nil {
				t.Logf("Load failed: %v", err)
				return false
			}

			result := engine.Match(&core.ProxyError{Body: body})
			want := containsSubstring(body, pattern)
			return result.Matched == want
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestProperty_StatusOverrideAlwaysClamped checks that any configured
// OverrideStatusCode ends up in [400, 599] after Load, regardless of the
// raw value supplied.
func TestProperty_StatusOverrideAlwaysClamped(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("override status code is always clamped to [400,599]", prop.ForAll(
		func(raw int) bool {
			engine := New(zap.NewNop())
			if err := engine.Load([]Rule{{ID: "r1", Pattern: "boom", OverrideStatusCode: raw}}); err != nil {
				t.Logf("Load failed: %v", err)
				return false
			}
			engine.mu.RLock()
			got := engine.rules[0].OverrideStatusCode
			engine.mu.RUnlock()
			if raw == 0 {
				return got == 0
			}
			return got >= 400 && got <= 599
		},
		gen.IntRange(-1000, 1000),
	))

	properties.TestingRun(t)
}

func containsSubstring(body, pattern string) bool {
	for i := 0; i+len(pattern) <= len(body); i++ {
		if body[i:i+len(pattern)] == pattern {
			return true
		}
	}
	return false
}
