package routing

import (
	"time"

	"github.com/aimux-ai/aimux/internal/types"
)

// RoutingDecision explains a single best-effort pick without dispatching.
type RoutingDecision struct {
	Provider       string                     `json:"provider,omitempty"`
	Requirements   *types.RequestRequirements `json:"requirements"`
	CandidateCount int                        `json:"candidate_count"`
	Rationale      string                     `json:"rationale"`
	Strategy       Strategy                   `json:"strategy"`
	Elapsed        time.Duration              `json:"elapsed"`
	Timestamp      time.Time                  `json:"timestamp"`
}

// Decide runs the selection pipeline and returns the full decision record.
// Unlike SelectProvider it surfaces the requirements and rationale, for the
// decision-preview endpoint.
func (r *Router) Decide(req *types.ChatRequest, exclude []string) *RoutingDecision {
	start := time.Now()
	reqs := AnalyzeRequest(req)

	r.mu.RLock()
	cfg := r.cfg
	catalog := r.catalog
	r.mu.RUnlock()

	candidates := r.selector.Candidates(catalog, reqs, toSet(exclude), cfg.MinSuccessRate)
	ranked, rationale := r.selector.Rank(candidates, reqs, cfg.Strategy, cfg.CapabilityPreferences)

	decision := &RoutingDecision{
		Requirements:   reqs,
		CandidateCount: len(candidates),
		Rationale:      rationale,
		Strategy:       cfg.Strategy,
		Elapsed:        time.Since(start),
		Timestamp:      start,
	}
	if len(ranked) > 0 {
		decision.Provider = ranked[0].ID
	}

	entry := HistoryEntry{
		Timestamp:      start,
		RequestType:    reqs.Type,
		CandidateCount: len(candidates),
		Provider:       decision.Provider,
		Rationale:      rationale,
		Elapsed:        decision.Elapsed,
		Success:        decision.Provider != "",
	}
	r.history.Add(entry)
	r.recordRouting(entry)

	return decision
}
