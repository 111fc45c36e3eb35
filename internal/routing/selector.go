package routing

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/aimux-ai/aimux/internal/types"
)

// Strategy names a ranking policy. The set is closed: the strategy is picked
// by configuration at startup, never extended at runtime.
type Strategy string

const (
	StrategyRuleBased            Strategy = "rule_based"
	StrategyCapabilityPreference Strategy = "capability_preference"
	StrategyPerformance          Strategy = "performance"
	StrategyRoundRobin           Strategy = "round_robin"
	StrategyLeastConnections     Strategy = "least_connections"
	StrategyWeightedRoundRobin   Strategy = "weighted_round_robin"
	StrategyAdaptive             Strategy = "adaptive"
	StrategyPriorityFallback     Strategy = "priority_fallback"
)

var strategies = map[Strategy]bool{
	StrategyRuleBased:            true,
	StrategyCapabilityPreference: true,
	StrategyPerformance:          true,
	StrategyRoundRobin:           true,
	StrategyLeastConnections:     true,
	StrategyWeightedRoundRobin:   true,
	StrategyAdaptive:             true,
	StrategyPriorityFallback:     true,
}

// ValidStrategy reports whether name is a known ranking strategy.
func ValidStrategy(name string) bool {
	return strategies[Strategy(name)]
}

// HealthSource reports the last known health state per provider.
type HealthSource interface {
	HealthState(providerID string) types.HealthState
}

// Rule is one predicate/selector pair for the rule-based strategy. Rules
// are consulted in order; the first enabled rule that matches and picks a
// member of the candidate set wins.
type Rule struct {
	Name    string
	Enabled bool
	Matches func(*types.RequestRequirements) bool
	Pick    func([]types.Provider, *types.RequestRequirements) *types.Provider
}

// Selector filters the provider catalog down to eligible candidates and
// orders them by the configured strategy.
type Selector struct {
	tracker  *PerformanceTracker
	breakers *BreakerRegistry
	health   HealthSource

	mu      sync.Mutex
	rrIndex int
	rng     *rand.Rand
	rules   []Rule
}

func NewSelector(tracker *PerformanceTracker, breakers *BreakerRegistry, health HealthSource) *Selector {
	return &Selector{
		tracker:  tracker,
		breakers: breakers,
		health:   health,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetRules replaces the rule list for the rule-based strategy.
func (s *Selector) SetRules(rules []Rule) {
	s.mu.Lock()
	s.rules = rules
	s.mu.Unlock()
}

// Candidates applies the eligibility, health, and performance filters and
// returns the surviving providers in catalog order.
func (s *Selector) Candidates(all []types.Provider, reqs *types.RequestRequirements, exclude map[string]bool, minSuccessRate float64) []types.Provider {
	return s.filter(all, reqs, exclude, minSuccessRate, false)
}

// filter is Candidates with an option to keep open-circuit providers, used
// by the intelligent failover scorer which penalizes them instead.
func (s *Selector) filter(all []types.Provider, reqs *types.RequestRequirements, exclude map[string]bool, minSuccessRate float64, keepOpenCircuits bool) []types.Provider {
	var out []types.Provider
	for _, p := range all {
		if !p.Enabled || exclude[p.ID] {
			continue
		}
		if !p.Covers(reqs.Capabilities) {
			continue
		}
		if s.health != nil && s.health.HealthState(p.ID) == types.HealthUnhealthy {
			continue
		}
		if !keepOpenCircuits && s.breakers.OpenNow(p.ID) {
			continue
		}
		if rec, ok := s.tracker.Snapshot(p.ID); ok && rec.TotalRequests > 0 && rec.SuccessRate < minSuccessRate {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Rank orders candidates best first under the given strategy and returns
// the ordering with a rationale tag for observability.
func (s *Selector) Rank(candidates []types.Provider, reqs *types.RequestRequirements, strategy Strategy, prefs map[types.RequestType][]string) ([]types.Provider, string) {
	if len(candidates) == 0 {
		return nil, "no_candidates"
	}

	switch strategy {
	case StrategyRuleBased:
		if p := s.pickByRule(candidates, reqs); p != nil {
			return frontLoad(candidates, p.ID), "rule:" + p.ID
		}
		return byPriority(candidates), "rule_fallback_priority"
	case StrategyCapabilityPreference:
		if p := s.pickByPreference(candidates, reqs, prefs); p != nil {
			return frontLoad(candidates, p.ID), "capability_preference"
		}
		return byPriority(candidates), "preference_fallback_priority"
	case StrategyPerformance:
		return s.byPerformance(candidates), "performance"
	case StrategyRoundRobin:
		return s.byRoundRobin(candidates), "round_robin"
	case StrategyLeastConnections:
		return s.byLeastConnections(candidates), "least_connections"
	case StrategyWeightedRoundRobin:
		return s.byWeightedDraw(candidates), "weighted_round_robin"
	case StrategyAdaptive:
		return s.byAdaptiveScore(candidates), "adaptive"
	}
	return byPriority(candidates), "priority_fallback"
}

// Select runs the full pipeline: filter, then rank.
func (s *Selector) Select(all []types.Provider, reqs *types.RequestRequirements, exclude map[string]bool, strategy Strategy, prefs map[types.RequestType][]string, minSuccessRate float64) ([]types.Provider, string) {
	return s.Rank(s.Candidates(all, reqs, exclude, minSuccessRate), reqs, strategy, prefs)
}

func (s *Selector) pickByRule(candidates []types.Provider, reqs *types.RequestRequirements) *types.Provider {
	s.mu.Lock()
	rules := s.rules
	s.mu.Unlock()

	for _, rule := range rules {
		if !rule.Enabled || rule.Matches == nil || rule.Pick == nil {
			continue
		}
		if !rule.Matches(reqs) {
			continue
		}
		if p := rule.Pick(candidates, reqs); p != nil && containsProvider(candidates, p.ID) {
			return p
		}
	}
	return nil
}

// pickByPreference consults the ordered provider preference list for the
// request's primary capability, then falls back to any candidate declaring
// that capability.
func (s *Selector) pickByPreference(candidates []types.Provider, reqs *types.RequestRequirements, prefs map[types.RequestType][]string) *types.Provider {
	for _, id := range prefs[reqs.Type] {
		for i := range candidates {
			if candidates[i].ID == id {
				return &candidates[i]
			}
		}
	}
	if pc := reqs.PrimaryCapability(); pc != "" {
		for i := range candidates {
			if candidates[i].HasCapability(pc) {
				return &candidates[i]
			}
		}
	}
	return nil
}

// byPerformance sorts ascending by avgLatency/(successRate/100). A provider
// with a 0% success rate sorts last; one with no data yet scores 0 and is
// tried first.
func (s *Selector) byPerformance(candidates []types.Provider) []types.Provider {
	scores := make(map[string]float64, len(candidates))
	for _, p := range candidates {
		rec, ok := s.tracker.Snapshot(p.ID)
		if !ok || rec.TotalRequests == 0 {
			scores[p.ID] = 0
			continue
		}
		if rec.SuccessRate == 0 {
			scores[p.ID] = math.Inf(1)
			continue
		}
		scores[p.ID] = latencyMillis(rec.AvgLatency) / (rec.SuccessRate / 100)
	}
	out := clone(candidates)
	sort.SliceStable(out, func(i, j int) bool {
		return scores[out[i].ID] < scores[out[j].ID]
	})
	return out
}

func (s *Selector) byRoundRobin(candidates []types.Provider) []types.Provider {
	s.mu.Lock()
	idx := s.rrIndex % len(candidates)
	s.rrIndex++
	s.mu.Unlock()

	out := make([]types.Provider, 0, len(candidates))
	for i := 0; i < len(candidates); i++ {
		out = append(out, candidates[(idx+i)%len(candidates)])
	}
	return out
}

func (s *Selector) byLeastConnections(candidates []types.Provider) []types.Provider {
	out := clone(candidates)
	sort.SliceStable(out, func(i, j int) bool {
		return s.tracker.InFlight(out[i].ID) < s.tracker.InFlight(out[j].ID)
	})
	return out
}

// byWeightedDraw picks via a single roulette-wheel draw over cumulative
// weights (1000/avgLatencyMs, or 100 when latency is unknown).
func (s *Selector) byWeightedDraw(candidates []types.Provider) []types.Provider {
	weights := make([]float64, len(candidates))
	total := 0.0
	for i, p := range candidates {
		w := 100.0
		if rec, ok := s.tracker.Snapshot(p.ID); ok && rec.AvgLatency > 0 {
			w = 1000 / latencyMillis(rec.AvgLatency)
		}
		weights[i] = w
		total += w
	}

	s.mu.Lock()
	draw := s.rng.Float64() * total
	s.mu.Unlock()

	picked := len(candidates) - 1
	cum := 0.0
	for i, w := range weights {
		cum += w
		if draw < cum {
			picked = i
			break
		}
	}
	return frontLoad(candidates, candidates[picked].ID)
}

// byAdaptiveScore combines latency and load, preferring under-tested
// providers on ties for more even data collection.
func (s *Selector) byAdaptiveScore(candidates []types.Provider) []types.Provider {
	scores := make(map[string]float64, len(candidates))
	totals := make(map[string]int64, len(candidates))
	for _, p := range candidates {
		latencyScore := 100.0
		var total int64
		if rec, ok := s.tracker.Snapshot(p.ID); ok {
			total = rec.TotalRequests
			if rec.AvgLatency > 0 {
				latencyScore = 100 / latencyMillis(rec.AvgLatency)
			}
		}
		connScore := math.Max(0, 10-float64(s.tracker.InFlight(p.ID)))
		scores[p.ID] = 0.7*latencyScore + 0.3*connScore
		totals[p.ID] = total
	}
	out := clone(candidates)
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := scores[out[i].ID], scores[out[j].ID]
		if si != sj {
			return si > sj
		}
		return totals[out[i].ID] < totals[out[j].ID]
	})
	return out
}

func byPriority(candidates []types.Provider) []types.Provider {
	out := clone(candidates)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

// frontLoad moves the provider with the given id to the front; the rest
// follow in priority order.
func frontLoad(candidates []types.Provider, id string) []types.Provider {
	var picked *types.Provider
	var rest []types.Provider
	for i := range candidates {
		if candidates[i].ID == id && picked == nil {
			picked = &candidates[i]
		} else {
			rest = append(rest, candidates[i])
		}
	}
	if picked == nil {
		return byPriority(candidates)
	}
	out := make([]types.Provider, 0, len(candidates))
	out = append(out, *picked)
	out = append(out, byPriority(rest)...)
	return out
}

// latencyMillis converts to fractional milliseconds so sub-millisecond
// EMAs keep their weight instead of truncating to zero.
func latencyMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func containsProvider(candidates []types.Provider, id string) bool {
	for i := range candidates {
		if candidates[i].ID == id {
			return true
		}
	}
	return false
}

func clone(in []types.Provider) []types.Provider {
	out := make([]types.Provider, len(in))
	copy(out, in)
	return out
}
