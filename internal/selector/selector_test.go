package selector

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaygate/relaygate/core"
	"github.com/relaygate/relaygate/internal/breaker"
)

func setupTestSelector(t *testing.T) (*miniredis.Miniredis, *Selector) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	br := breaker.New(rdb, nil, zap.NewNop())
	return mr, New(rdb, br, zap.NewNop())
}

func baseProvider(id string) *core.Provider {
	return &core.Provider{
		ID:           id,
		Name:         id,
		ProviderType: core.ProviderTypeClaude,
		GroupTag:     "default",
		Priority:     0,
		Weight:       100,
		IsEnabled:    true,
	}
}

func TestSelector_FiltersByGroup(t *testing.T) {
	mr, s := setupTestSelector(t)
	defer mr.Close()

	p1 := baseProvider("p1")
	p2 := baseProvider("p2")
	p2.GroupTag = "internal"

	dctx := &core.DecisionContext{}
	picked, err := s.Select(context.Background(), []*core.Provider{p1, p2}, Request{Format: core.FormatClaude, GroupTag: "default"}, dctx)
	require.NoError(t, err)
	assert.Equal(t, "p1", picked.ID)
	assert.Len(t, dctx.Filtered, 1)
	assert.Equal(t, core.ReasonGroupFiltered, dctx.Filtered[0].Reason)
}

func TestSelector_FiltersByFormat(t *testing.T) {
	mr, s := setupTestSelector(t)
	defer mr.Close()

	p1 := baseProvider("p1")
	p1.ProviderType = core.ProviderTypeGemini

	dctx := &core.DecisionContext{}
	_, err := s.Select(context.Background(), []*core.Provider{p1}, Request{Format: core.FormatClaude, GroupTag: "default"}, dctx)
	assert.ErrorIs(t, err, ErrNoAvailableProvider)
	require.Len(t, dctx.Filtered, 1)
	assert.Equal(t, core.ReasonFormatIncompatible, dctx.Filtered[0].Reason)
}

func TestSelector_FiltersByModel(t *testing.T) {
	mr, s := setupTestSelector(t)
	defer mr.Close()

	p1 := baseProvider("p1")
	p1.AllowedModels = []string{"claude-3-opus"}

	dctx := &core.DecisionContext{}
	_, err := s.Select(context.Background(), []*core.Provider{p1}, Request{Format: core.FormatClaude, Model: "claude-3-haiku", GroupTag: "default"}, dctx)
	assert.ErrorIs(t, err, ErrNoAvailableProvider)
}

func TestSelector_ModelRedirectCountsAsSupported(t *testing.T) {
	mr, s := setupTestSelector(t)
	defer mr.Close()

	p1 := baseProvider("p1")
	p1.AllowedModels = []string{"claude-3-opus"}
	p1.ModelRedirects = map[string]string{"claude-3-haiku": "claude-3-opus"}

	dctx := &core.DecisionContext{}
	picked, err := s.Select(context.Background(), []*core.Provider{p1}, Request{Format: core.FormatClaude, Model: "claude-3-haiku", GroupTag: "default"}, dctx)
	require.NoError(t, err)
	assert.Equal(t, "p1", picked.ID)
}

func TestSelector_FiltersByContext1M(t *testing.T) {
	mr, s := setupTestSelector(t)
	defer mr.Close()

	p1 := baseProvider("p1")
	p1.Context1MPreference = core.Context1MDisabled

	dctx := &core.DecisionContext{}
	_, err := s.Select(context.Background(), []*core.Provider{p1}, Request{Format: core.FormatClaude, Context1M: true, GroupTag: "default"}, dctx)
	assert.ErrorIs(t, err, ErrNoAvailableProvider)
}

func TestSelector_FiltersDisabledProviders(t *testing.T) {
	mr, s := setupTestSelector(t)
	defer mr.Close()

	p1 := baseProvider("p1")
	p1.IsEnabled = false

	dctx := &core.DecisionContext{}
	_, err := s.Select(context.Background(), []*core.Provider{p1}, Request{Format: core.FormatClaude, GroupTag: "default"}, dctx)
	assert.ErrorIs(t, err, ErrNoAvailableProvider)
}

func TestSelector_FiltersOpenCircuit(t *testing.T) {
	mr, s := setupTestSelector(t)
	defer mr.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.breaker.RecordFailure(ctx, "p1")
		require.NoError(t, err)
	}

	p1 := baseProvider("p1")
	dctx := &core.DecisionContext{}
	_, err := s.Select(ctx, []*core.Provider{p1}, Request{Format: core.FormatClaude, GroupTag: "default"}, dctx)
	assert.ErrorIs(t, err, ErrNoAvailableProvider)
	require.Len(t, dctx.Filtered, 1)
	assert.Equal(t, core.ReasonCircuitOpen, dctx.Filtered[0].Reason)
}

func TestSelector_PrefersLowerPriorityNumberTier(t *testing.T) {
	mr, s := setupTestSelector(t)
	defer mr.Close()

	// Priority is "lower number wins": 0 is tried before 10.
	preferred := baseProvider("preferred")
	preferred.Priority = 0
	fallback := baseProvider("fallback")
	fallback.Priority = 10

	dctx := &core.DecisionContext{}
	picked, err := s.Select(context.Background(), []*core.Provider{fallback, preferred}, Request{Format: core.FormatClaude, GroupTag: "default"}, dctx)
	require.NoError(t, err)
	assert.Equal(t, "preferred", picked.ID)
}

func TestSelector_ConcurrencyAdmissionRejectsOverCap(t *testing.T) {
	mr, s := setupTestSelector(t)
	defer mr.Close()

	p1 := baseProvider("p1")
	p1.MaxConcurrentRequests = 1

	ctx := context.Background()
	dctx := &core.DecisionContext{}
	picked, err := s.Select(ctx, []*core.Provider{p1}, Request{Format: core.FormatClaude, GroupTag: "default"}, dctx)
	require.NoError(t, err)
	assert.Equal(t, "p1", picked.ID)

	dctx2 := &core.DecisionContext{}
	_, err = s.Select(ctx, []*core.Provider{p1}, Request{Format: core.FormatClaude, GroupTag: "default"}, dctx2)
	assert.ErrorIs(t, err, ErrNoAvailableProvider)

	require.NoError(t, s.Release(ctx, "p1"))

	dctx3 := &core.DecisionContext{}
	picked, err = s.Select(ctx, []*core.Provider{p1}, Request{Format: core.FormatClaude, GroupTag: "default"}, dctx3)
	require.NoError(t, err)
	assert.Equal(t, "p1", picked.ID)
}

func TestSelector_WeightedPickFavorsHeavierProvider(t *testing.T) {
	mr, s := setupTestSelector(t)
	defer mr.Close()

	heavy := baseProvider("heavy")
	heavy.Weight = 1000
	light := baseProvider("light")
	light.Weight = 1

	counts := map[string]int{}
	for i := 0; i < 200; i++ {
		dctx := &core.DecisionContext{}
		picked, err := s.Select(context.Background(), []*core.Provider{heavy, light}, Request{Format: core.FormatClaude, GroupTag: "default"}, dctx)
		require.NoError(t, err)
		counts[picked.ID]++
		require.NoError(t, s.Release(context.Background(), picked.ID))
	}

	assert.Greater(t, counts["heavy"], counts["light"])
}
