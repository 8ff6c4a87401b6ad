// Package pricing holds the per-million-token price table the response
// handler consults when costing a finished request. Price-table
// synchronization (where the numbers come from, how often they change) is
// an external collaborator; this package only holds the active snapshot
// and answers lookups against it.
package pricing

import (
	"context"
	"strings"
	"sync"

	"github.com/relaygate/relaygate/internal/responsehandler"
)

// Entry is one model's price row.
type Entry struct {
	Model             string  `yaml:"model"`
	PromptPerMTok     float64 `yaml:"prompt_per_mtok"`
	CompletionPerMTok float64 `yaml:"completion_per_mtok"`
}

// Table is a hot-reloadable price list, keyed by model name. A missing
// entry is not an error: responsehandler.PriceSource.Price reports ok=false
// and the caller records the request at zero cost.
type Table struct {
	mu     sync.RWMutex
	prompt map[string]float64
	compl  map[string]float64
}

func New() *Table {
	return &Table{prompt: map[string]float64{}, compl: map[string]float64{}}
}

// Load replaces the active price table, used at startup and by the
// config hot-reload path.
func (t *Table) Load(entries []Entry) {
	prompt := make(map[string]float64, len(entries))
	compl := make(map[string]float64, len(entries))
	for _, e := range entries {
		key := strings.ToLower(e.Model)
		prompt[key] = e.PromptPerMTok
		compl[key] = e.CompletionPerMTok
	}
	t.mu.Lock()
	t.prompt = prompt
	t.compl = compl
	t.mu.Unlock()
}

// Price implements responsehandler.PriceSource.
func (t *Table) Price(_ context.Context, model, kind string) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	key := strings.ToLower(model)
	switch kind {
	case responsehandler.PriceKindPrompt:
		p, ok := t.prompt[key]
		return p, ok
	case responsehandler.PriceKindCompletion:
		p, ok := t.compl[key]
		return p, ok
	default:
		return 0, false
	}
}

var _ responsehandler.PriceSource = (*Table)(nil)
