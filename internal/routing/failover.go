package routing

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aimux-ai/aimux/internal/types"
)

// CycleState tags the outcome of one routing cycle.
type CycleState string

const (
	CycleSelecting   CycleState = "selecting"
	CycleDispatching CycleState = "dispatching"
	CycleSucceeded   CycleState = "succeeded"
	CycleRetrying    CycleState = "retrying"
	CycleExhausted   CycleState = "exhausted"
	CycleAborted     CycleState = "aborted"
)

// FailoverAttempt records one dispatch attempt within a routing cycle.
type FailoverAttempt struct {
	Attempt       int           `json:"attempt"`
	Provider      string        `json:"provider"`
	Delay         time.Duration `json:"delay"`
	StartedAt     time.Time     `json:"started_at"`
	CompletedAt   time.Time     `json:"completed_at"`
	Success       bool          `json:"success"`
	ErrorCategory ErrorCategory `json:"error_category,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// FailoverError is the terminal failure of a routing cycle. It carries the
// full attempt trail so the caller never sees a bare "failed".
type FailoverError struct {
	State    CycleState
	Attempts []FailoverAttempt
	LastErr  error
}

func (e *FailoverError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "failover %s after %d attempt(s)", e.State, len(e.Attempts))
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, "; attempt %d: %s (%s)", a.Attempt, a.Provider, a.ErrorCategory)
	}
	if e.LastErr != nil {
		fmt.Fprintf(&b, "; last error: %v", e.LastErr)
	}
	return b.String()
}

func (e *FailoverError) Unwrap() error {
	return e.LastErr
}

// HandleFailover drives the full retry/failover loop for one request.
// originalErr, when non-nil, is the failure that triggered the failover
// (recorded by the caller through the feedback sink already); a
// non-retryable originalErr aborts before any selection.
func (r *Router) HandleFailover(ctx context.Context, req *types.ChatRequest, excludeIDs []string, originalErr error) (*types.ChatResponse, error) {
	cycleStart := time.Now()
	reqs := AnalyzeRequest(req)
	exclude := toSet(excludeIDs)

	r.mu.RLock()
	cfg := r.cfg
	catalog := r.catalog
	r.mu.RUnlock()

	var attempts []FailoverAttempt
	lastErr := originalErr

	// Every cycle, successful or not, lands in the routing history and the
	// aggregate counters.
	outcome := HistoryEntry{Timestamp: cycleStart, RequestType: reqs.Type}
	defer func() {
		outcome.Elapsed = time.Since(cycleStart)
		r.history.Add(outcome)
		r.recordRouting(outcome)
	}()

	if originalErr != nil {
		if cat := Classify(originalErr); !cat.Retryable() {
			return nil, &FailoverError{State: CycleAborted, LastErr: originalErr}
		}
		r.recordFailover()
	}

	attempt := 0
	perProvider := make(map[string]int)

	for attempt < cfg.MaxTotalRetries {
		if err := ctx.Err(); err != nil {
			return nil, &FailoverError{State: CycleAborted, Attempts: attempts, LastErr: firstNonNil(err, lastErr)}
		}

		// SELECTING
		candidate, rationale, candidateCount := r.pickCandidate(catalog, reqs, exclude, cfg)
		if candidate == nil {
			return nil, &FailoverError{State: CycleExhausted, Attempts: attempts, LastErr: firstNonNil(lastErr, fmt.Errorf("no eligible provider for request type %s", reqs.Type))}
		}
		outcome.CandidateCount = candidateCount
		outcome.Rationale = rationale

		// An open circuit is excluded without consuming a delay slot. This
		// is the one trial-claiming check on the dispatch path.
		if r.breakers.IsOpen(candidate.ID) {
			exclude[candidate.ID] = true
			r.logger.WithField("provider", candidate.ID).Debug("Skipping open circuit")
			continue
		}

		dispatcher, ok := r.Dispatcher(candidate.ID)
		if !ok {
			r.breakers.ReleaseTrial(candidate.ID)
			exclude[candidate.ID] = true
			r.logger.WithField("provider", candidate.ID).Warn("No dispatcher registered for provider")
			continue
		}

		attempt++
		perProvider[candidate.ID]++
		outcome.Provider = candidate.ID

		var delay time.Duration
		if attempt > 1 {
			delay = r.backoffDelay(attempt-1, cfg)
			if err := r.sleep(ctx, delay); err != nil {
				r.breakers.ReleaseTrial(candidate.ID)
				return nil, &FailoverError{State: CycleAborted, Attempts: attempts, LastErr: firstNonNil(err, lastErr)}
			}
		}

		// DISPATCHING
		rec := FailoverAttempt{
			Attempt:   attempt,
			Provider:  candidate.ID,
			Delay:     delay,
			StartedAt: time.Now(),
		}

		dispatchCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
		r.tracker.IncInFlight(candidate.ID)
		resp, err := dispatcher.Complete(dispatchCtx, req)
		r.tracker.DecInFlight(candidate.ID)
		cancel()

		latency := time.Since(rec.StartedAt)
		rec.CompletedAt = time.Now()

		if err == nil {
			rec.Success = true
			outcome.Success = true
			attempts = append(attempts, rec)
			r.UpdateProviderPerformance(candidate.ID, latency, true, "")
			if attempt > 1 {
				r.recordFailover()
			}

			if resp.RouterMetadata == nil {
				resp.RouterMetadata = &types.RouterMetadata{}
			}
			md := resp.RouterMetadata
			md.Provider = candidate.ID
			md.Model = resp.Model
			md.RequestType = reqs.Type
			md.RoutingReason = append(md.RoutingReason, rationale)
			md.Attempts = attempt
			md.FailoverUsed = attempt > 1 || originalErr != nil
			md.ProcessingTime = time.Since(cycleStart)
			md.ProviderLatency = latency
			md.RequestID = req.ID

			r.logger.WithFields(logrus.Fields{
				"provider": candidate.ID,
				"attempt":  attempt,
				"latency":  latency,
			}).Info("Dispatch succeeded")

			return resp, nil
		}

		category := Classify(err)
		rec.ErrorCategory = category
		rec.Error = err.Error()
		attempts = append(attempts, rec)
		lastErr = err

		r.UpdateProviderPerformance(candidate.ID, latency, false, category)

		r.logger.WithFields(logrus.Fields{
			"provider": candidate.ID,
			"attempt":  attempt,
			"category": category,
			"error":    err.Error(),
		}).Warn("Dispatch failed")

		if ctx.Err() != nil {
			return nil, &FailoverError{State: CycleAborted, Attempts: attempts, LastErr: err}
		}

		// Client and permanent errors are not outage symptoms; retrying
		// elsewhere will not help.
		if !category.Retryable() {
			return nil, &FailoverError{State: CycleAborted, Attempts: attempts, LastErr: err}
		}

		// Temporary errors (rate limits) retry the same provider after
		// backoff, up to its per-provider budget.
		if category == ErrorTemporary && perProvider[candidate.ID] < cfg.MaxRetriesPerProvider {
			continue
		}
		exclude[candidate.ID] = true
	}

	return nil, &FailoverError{State: CycleExhausted, Attempts: attempts, LastErr: lastErr}
}

// pickCandidate runs step SELECTING: either the configured strategy or, when
// intelligent failover is on, an argmax over scored candidates.
func (r *Router) pickCandidate(catalog []types.Provider, reqs *types.RequestRequirements, exclude map[string]bool, cfg Config) (*types.Provider, string, int) {
	if cfg.EnableIntelligentFailover {
		candidates := r.selector.filter(catalog, reqs, exclude, cfg.MinSuccessRate, true)
		if len(candidates) == 0 {
			return nil, "no_candidates", 0
		}
		best := 0
		bestScore := math.Inf(-1)
		for i := range candidates {
			if score := r.scoreCandidate(&candidates[i], reqs, cfg); score > bestScore {
				bestScore = score
				best = i
			}
		}
		return &candidates[best], fmt.Sprintf("intelligent_score:%.1f", bestScore), len(candidates)
	}

	ranked, rationale := r.selector.Select(catalog, reqs, exclude, cfg.Strategy, cfg.CapabilityPreferences, cfg.MinSuccessRate)
	if len(ranked) == 0 {
		return nil, rationale, 0
	}
	return &ranked[0], rationale, len(ranked)
}

// scoreCandidate biases failover toward providers that are both compatible
// and currently trending healthy, rather than strict static priority.
func (r *Router) scoreCandidate(p *types.Provider, reqs *types.RequestRequirements, cfg Config) float64 {
	score := 10.0 // candidates already cover the required capabilities
	for _, id := range cfg.CapabilityPreferences[reqs.Type] {
		if id == p.ID {
			score += 5
			break
		}
	}

	switch r.HealthState(p.ID) {
	case types.HealthHealthy:
		score += 5
	case types.HealthDegraded:
		score += 2
	case types.HealthUnhealthy:
		score -= 5
	}

	if r.breakers.OpenNow(p.ID) {
		score -= 20
	}

	score -= 2 * float64(r.tracker.RecentFailures(p.ID, cfg.RecentFailureWindow))

	if rec, ok := r.tracker.Snapshot(p.ID); ok && rec.TotalRequests > 0 {
		streak := rec.SimilarErrorStreak
		if streak > cfg.SimilarErrorStreak {
			streak = cfg.SimilarErrorStreak
		}
		score -= 3 * float64(streak)
		score += 2 * (rec.SuccessRate / 100)
		score += math.Max(0, 3-rec.AvgLatency.Seconds())
	} else {
		score += 2 + 3 // optimistic for untested providers
	}

	score += float64(p.Priority) / 10
	return score
}

// backoffDelay computes the pre-dispatch wait for retry n (the n-th retry
// waits initial·multiplier^(n-1)): exponential growth capped at
// MaxRetryDelay, with optional symmetric jitter, never negative.
func (r *Router) backoffDelay(retry int, cfg Config) time.Duration {
	base := float64(r.backoffDelayBase(retry, cfg))

	if cfg.EnableJitter && cfg.JitterFactor > 0 {
		r.randMu.Lock()
		jitter := (r.rand.Float64()*2 - 1) * base * cfg.JitterFactor
		r.randMu.Unlock()
		base += jitter
	}

	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}

// backoffDelayBase is the pre-jitter delay for retry n.
func (r *Router) backoffDelayBase(retry int, cfg Config) time.Duration {
	base := float64(cfg.InitialRetryDelay) * math.Pow(cfg.BackoffMultiplier, float64(retry-1))
	if capped := float64(cfg.MaxRetryDelay); base > capped {
		base = capped
	}
	return time.Duration(base)
}

// sleep waits for d without holding any lock, aborting on cancellation.
func (r *Router) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func firstNonNil(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
