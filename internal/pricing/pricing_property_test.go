package pricing

import (
	"context"
	"strings"
	"testing"

	"pgregory.net/rapid"

	"github.com/relaygate/relaygate/internal/responsehandler"
)

// TestTable_PriceMatchesLoadedEntry checks that, for any set of loaded
// entries, looking a model back up (in any case) returns exactly the
// price it was loaded with.
func TestTable_PriceMatchesLoadedEntry(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 20).Draw(rt, "n")
		entries := make([]Entry, 0, n)
		for i := 0; i < n; i++ {
			entries = append(entries, Entry{
				Model:             rapid.StringMatching(`[a-z]{3,12}-[0-9]`).Draw(rt, "model"),
				PromptPerMTok:     rapid.Float64Range(0, 1000).Draw(rt, "prompt"),
				CompletionPerMTok: rapid.Float64Range(0, 1000).Draw(rt, "completion"),
			})
		}

		table := New()
		table.Load(entries)

		want := map[string]Entry{}
		for _, e := range entries {
			want[strings.ToLower(e.Model)] = e
		}

		for key, e := range want {
			p, ok := table.Price(context.Background(), strings.ToUpper(key), responsehandler.PriceKindPrompt)
			if !ok || p != e.PromptPerMTok {
				rt.Fatalf("prompt price for %q = (%v, %v), want (%v, true)", key, p, ok, e.PromptPerMTok)
			}
			c, ok := table.Price(context.Background(), key, responsehandler.PriceKindCompletion)
			if !ok || c != e.CompletionPerMTok {
				rt.Fatalf("completion price for %q = (%v, %v), want (%v, true)", key, c, ok, e.CompletionPerMTok)
			}
		}

		if _, ok := table.Price(context.Background(), "definitely-not-loaded-xyz", responsehandler.PriceKindPrompt); ok {
			t.Fatalf("expected miss for unloaded model")
		}
	})
}

// TestTable_ReloadReplacesPreviousEntries checks that a second Load fully
// replaces the first rather than merging with it.
func TestTable_ReloadReplacesPreviousEntries(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		first := rapid.StringMatching(`[a-z]{3,10}`).Draw(rt, "first")
		second := rapid.StringMatching(`[a-z]{3,10}`).Draw(rt, "second")
		rapid.Assume(first != second)

		table := New()
		table.Load([]Entry{{Model: first, PromptPerMTok: 1, CompletionPerMTok: 2}})
		table.Load([]Entry{{Model: second, PromptPerMTok: 3, CompletionPerMTok: 4}})

		if _, ok := table.Price(context.Background(), first, responsehandler.PriceKindPrompt); ok {
			rt.Fatalf("expected %q to be gone after reload", first)
		}
		if p, ok := table.Price(context.Background(), second, responsehandler.PriceKindPrompt); !ok || p != 3 {
			rt.Fatalf("price for %q = (%v, %v), want (3, true)", second, p, ok)
		}
	})
}
