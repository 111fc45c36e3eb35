package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aimux-ai/aimux/internal/types"
)

type staticHealth map[string]types.HealthState

func (s staticHealth) HealthState(id string) types.HealthState {
	if st, ok := s[id]; ok {
		return st
	}
	return types.HealthUnknown
}

func testCatalog() []types.Provider {
	return []types.Provider{
		{ID: "alpha", Enabled: true, Priority: 3, Capabilities: []types.Capability{types.CapabilityThinking, types.CapabilityTools, types.CapabilityStreaming}},
		{ID: "beta", Enabled: true, Priority: 2, Capabilities: []types.Capability{types.CapabilityVision, types.CapabilityStreaming}},
		{ID: "gamma", Enabled: true, Priority: 1, Capabilities: []types.Capability{types.CapabilityTools}},
	}
}

func newTestSelector(health staticHealth) (*Selector, *PerformanceTracker, *BreakerRegistry) {
	tracker := NewPerformanceTracker()
	breakers := NewBreakerRegistry(true, 5, time.Minute, time.Minute)
	return NewSelector(tracker, breakers, health), tracker, breakers
}

func TestCandidatesEligibilityFilter(t *testing.T) {
	s, _, _ := newTestSelector(nil)
	catalog := testCatalog()
	catalog[2].Enabled = false

	reqs := &types.RequestRequirements{Type: types.RequestTypeDefault}
	got := s.Candidates(catalog, reqs, map[string]bool{"beta": true}, 50)

	require.Len(t, got, 1)
	assert.Equal(t, "alpha", got[0].ID)
}

func TestCandidatesCapabilityFilter(t *testing.T) {
	s, _, _ := newTestSelector(nil)

	reqs := &types.RequestRequirements{
		Type:         types.RequestTypeVision,
		Capabilities: []types.Capability{types.CapabilityVision},
	}
	got := s.Candidates(testCatalog(), reqs, nil, 50)

	require.Len(t, got, 1)
	assert.Equal(t, "beta", got[0].ID)
}

func TestCandidatesHealthFilter(t *testing.T) {
	s, _, _ := newTestSelector(staticHealth{"alpha": types.HealthUnhealthy})

	reqs := &types.RequestRequirements{Type: types.RequestTypeDefault}
	got := s.Candidates(testCatalog(), reqs, nil, 50)

	for _, p := range got {
		assert.NotEqual(t, "alpha", p.ID)
	}
	assert.Len(t, got, 2)
}

func TestCandidatesOpenCircuitFilter(t *testing.T) {
	s, _, breakers := newTestSelector(nil)
	for i := 0; i < 5; i++ {
		breakers.RecordFailure("alpha")
	}

	reqs := &types.RequestRequirements{Type: types.RequestTypeDefault}
	got := s.Candidates(testCatalog(), reqs, nil, 50)

	for _, p := range got {
		assert.NotEqual(t, "alpha", p.ID)
	}
}

func TestCandidatesSuccessRateFloor(t *testing.T) {
	s, tracker, _ := newTestSelector(nil)

	// alpha drops below the floor; gamma has no data and stays in.
	tracker.Record("alpha", time.Millisecond, false, ErrorRetryable)
	tracker.Record("alpha", time.Millisecond, false, ErrorRetryable)
	tracker.Record("alpha", time.Millisecond, true, "")

	reqs := &types.RequestRequirements{Type: types.RequestTypeDefault}
	got := s.Candidates(testCatalog(), reqs, nil, 50)

	ids := providerIDs(got)
	assert.NotContains(t, ids, "alpha")
	assert.Contains(t, ids, "gamma")
}

func TestRankPriorityFallback(t *testing.T) {
	// Scenario: all healthy, no data, priority strategy returns the
	// highest-priority provider.
	s, _, _ := newTestSelector(nil)
	reqs := &types.RequestRequirements{Type: types.RequestTypeDefault}

	ranked, rationale := s.Select(testCatalog(), reqs, nil, StrategyPriorityFallback, nil, 50)

	require.NotEmpty(t, ranked)
	assert.Equal(t, "alpha", ranked[0].ID)
	assert.Equal(t, "priority_fallback", rationale)
}

func TestRankVisionOnlyProvider(t *testing.T) {
	// A vision request must land on the only vision-capable provider
	// regardless of strategy, and on nothing once that provider is gone.
	reqs := &types.RequestRequirements{
		Type:         types.RequestTypeVision,
		Capabilities: []types.Capability{types.CapabilityVision},
	}

	for _, strategy := range []Strategy{
		StrategyRuleBased, StrategyCapabilityPreference, StrategyPerformance,
		StrategyRoundRobin, StrategyLeastConnections, StrategyWeightedRoundRobin,
		StrategyAdaptive, StrategyPriorityFallback,
	} {
		s, _, _ := newTestSelector(nil)
		s.SetRules(defaultRules())

		ranked, _ := s.Select(testCatalog(), reqs, nil, strategy, nil, 50)
		require.NotEmpty(t, ranked, "strategy %s", strategy)
		assert.Equal(t, "beta", ranked[0].ID, "strategy %s", strategy)

		ranked, _ = s.Select(testCatalog(), reqs, map[string]bool{"beta": true}, strategy, nil, 50)
		assert.Empty(t, ranked, "strategy %s with beta excluded", strategy)
	}
}

func TestRankPerformance(t *testing.T) {
	s, tracker, _ := newTestSelector(nil)

	// alpha: 100ms at 100% -> 100. beta: 50ms at 50% -> 100... make it
	// distinct: beta 200ms at 100% -> 200. gamma: all failures -> +Inf.
	tracker.Record("alpha", 100*time.Millisecond, true, "")
	tracker.Record("beta", 200*time.Millisecond, true, "")
	tracker.Record("gamma", 10*time.Millisecond, false, ErrorRetryable)

	catalog := testCatalog()
	reqs := &types.RequestRequirements{Type: types.RequestTypeDefault}
	ranked, _ := s.Rank(catalog, reqs, StrategyPerformance, nil)

	require.Len(t, ranked, 3)
	assert.Equal(t, "alpha", ranked[0].ID)
	assert.Equal(t, "beta", ranked[1].ID)
	assert.Equal(t, "gamma", ranked[2].ID, "0% success rate must sort last")
}

func TestRankRoundRobinCycles(t *testing.T) {
	s, _, _ := newTestSelector(nil)
	catalog := testCatalog()
	reqs := &types.RequestRequirements{Type: types.RequestTypeDefault}

	var picks []string
	for i := 0; i < 6; i++ {
		ranked, _ := s.Rank(catalog, reqs, StrategyRoundRobin, nil)
		picks = append(picks, ranked[0].ID)
	}

	assert.Equal(t, []string{"alpha", "beta", "gamma", "alpha", "beta", "gamma"}, picks)
}

func TestRankLeastConnections(t *testing.T) {
	s, tracker, _ := newTestSelector(nil)
	tracker.IncInFlight("alpha")
	tracker.IncInFlight("alpha")
	tracker.IncInFlight("beta")

	reqs := &types.RequestRequirements{Type: types.RequestTypeDefault}
	ranked, _ := s.Rank(testCatalog(), reqs, StrategyLeastConnections, nil)

	assert.Equal(t, "gamma", ranked[0].ID)
	assert.Equal(t, "alpha", ranked[2].ID)
}

func TestRankWeightedDrawReturnsCandidate(t *testing.T) {
	s, tracker, _ := newTestSelector(nil)
	tracker.Record("alpha", 10*time.Millisecond, true, "")
	tracker.Record("beta", time.Second, true, "")

	catalog := testCatalog()
	reqs := &types.RequestRequirements{Type: types.RequestTypeDefault}
	ids := providerIDs(catalog)

	for i := 0; i < 20; i++ {
		ranked, _ := s.Rank(catalog, reqs, StrategyWeightedRoundRobin, nil)
		require.Len(t, ranked, 3)
		assert.Contains(t, ids, ranked[0].ID)
	}
}

func TestRankAdaptiveTieBreak(t *testing.T) {
	s, tracker, _ := newTestSelector(nil)

	// Same latency and load; beta has more history, so alpha and gamma
	// (untested) must rank ahead of it.
	tracker.Record("beta", 100*time.Millisecond, true, "")
	tracker.Record("beta", 100*time.Millisecond, true, "")
	tracker.Record("alpha", 100*time.Millisecond, true, "")

	reqs := &types.RequestRequirements{Type: types.RequestTypeDefault}
	ranked, _ := s.Rank(testCatalog(), reqs, StrategyAdaptive, nil)

	require.Len(t, ranked, 3)
	assert.Equal(t, "gamma", ranked[0].ID, "unknown latency scores highest")
	assert.Equal(t, "alpha", ranked[1].ID, "fewer requests wins the tie")
	assert.Equal(t, "beta", ranked[2].ID)
}

func TestRankCapabilityPreference(t *testing.T) {
	s, _, _ := newTestSelector(nil)

	reqs := &types.RequestRequirements{
		Type:         types.RequestTypeTools,
		Capabilities: []types.Capability{types.CapabilityTools},
	}
	prefs := map[types.RequestType][]string{
		types.RequestTypeTools: {"gamma", "alpha"},
	}

	ranked, rationale := s.Rank(testCatalog(), reqs, StrategyCapabilityPreference, prefs)
	assert.Equal(t, "gamma", ranked[0].ID)
	assert.Equal(t, "capability_preference", rationale)

	// Without a preference list the first tool-capable candidate wins.
	ranked, _ = s.Rank(testCatalog(), reqs, StrategyCapabilityPreference, nil)
	assert.Equal(t, "alpha", ranked[0].ID)
}

func TestRankRuleBased(t *testing.T) {
	s, _, _ := newTestSelector(nil)
	s.SetRules([]Rule{
		{
			Name:    "disabled-rule",
			Enabled: false,
			Matches: func(*types.RequestRequirements) bool { return true },
			Pick: func(c []types.Provider, _ *types.RequestRequirements) *types.Provider {
				return &c[len(c)-1]
			},
		},
		{
			Name:    "tools-to-gamma",
			Enabled: true,
			Matches: func(r *types.RequestRequirements) bool { return r.Type == types.RequestTypeTools },
			Pick: func(c []types.Provider, _ *types.RequestRequirements) *types.Provider {
				for i := range c {
					if c[i].ID == "gamma" {
						return &c[i]
					}
				}
				return nil
			},
		},
	})

	reqs := &types.RequestRequirements{Type: types.RequestTypeTools}
	ranked, rationale := s.Rank(testCatalog(), reqs, StrategyRuleBased, nil)
	assert.Equal(t, "gamma", ranked[0].ID)
	assert.Equal(t, "rule:gamma", rationale)

	// No rule matches: fall back to priority order.
	reqs = &types.RequestRequirements{Type: types.RequestTypeDefault}
	ranked, rationale = s.Rank(testCatalog(), reqs, StrategyRuleBased, nil)
	assert.Equal(t, "alpha", ranked[0].ID)
	assert.Equal(t, "rule_fallback_priority", rationale)
}

func TestValidStrategy(t *testing.T) {
	for _, name := range []string{
		"rule_based", "capability_preference", "performance", "round_robin",
		"least_connections", "weighted_round_robin", "adaptive", "priority_fallback",
	} {
		assert.True(t, ValidStrategy(name), name)
	}
	assert.False(t, ValidStrategy("cost_optimized"))
	assert.False(t, ValidStrategy(""))
}

func TestRankWeightedDrawSubMillisecondLatency(t *testing.T) {
	s, tracker, _ := newTestSelector(nil)
	tracker.Record("alpha", 500*time.Microsecond, true, "")

	catalog := testCatalog()
	reqs := &types.RequestRequirements{Type: types.RequestTypeDefault}

	// alpha's weight is 2000 against two defaults of 100, so it must win
	// the overwhelming majority of draws instead of degenerating to an
	// infinite weight.
	alphaFirst := 0
	for i := 0; i < 100; i++ {
		ranked, _ := s.Rank(catalog, reqs, StrategyWeightedRoundRobin, nil)
		if ranked[0].ID == "alpha" {
			alphaFirst++
		}
	}
	assert.Greater(t, alphaFirst, 50)
}

func TestRankAdaptiveSubMillisecondLatency(t *testing.T) {
	s, tracker, _ := newTestSelector(nil)

	// Both averages sit below one millisecond; the faster provider must
	// still rank first.
	tracker.Record("alpha", 800*time.Microsecond, true, "")
	tracker.Record("beta", 200*time.Microsecond, true, "")
	tracker.Record("beta", 200*time.Microsecond, true, "")

	reqs := &types.RequestRequirements{Type: types.RequestTypeDefault}
	ranked, _ := s.Rank(testCatalog(), reqs, StrategyAdaptive, nil)

	require.Len(t, ranked, 3)
	assert.Equal(t, "beta", ranked[0].ID)
}

func providerIDs(ps []types.Provider) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.ID)
	}
	return out
}
