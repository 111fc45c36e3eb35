package routing

import (
	"sync"
	"time"
)

// CircuitState is the per-provider breaker state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// BreakerSnapshot is the externally visible state of one breaker.
type BreakerSnapshot struct {
	ProviderID          string       `json:"provider_id"`
	State               CircuitState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastFailure         time.Time    `json:"last_failure,omitempty"`
	NextAttempt         time.Time    `json:"next_attempt,omitempty"`
}

type breaker struct {
	mu sync.Mutex

	state               CircuitState
	consecutiveFailures int
	lastFailure         time.Time
	nextAttempt         time.Time
	trialInFlight       bool
}

// BreakerRegistry tracks availability per provider. With the full policy it
// runs a CLOSED/OPEN/HALF_OPEN machine; in degraded mode (enabled=false) a
// failed provider is simply unavailable until its cooldown window elapses.
type BreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*breaker

	cfgMu     sync.RWMutex
	enabled   bool
	threshold int
	timeout   time.Duration
	cooldown  time.Duration
}

func NewBreakerRegistry(enabled bool, threshold int, timeout, cooldown time.Duration) *BreakerRegistry {
	return &BreakerRegistry{
		breakers:  make(map[string]*breaker),
		enabled:   enabled,
		threshold: threshold,
		timeout:   timeout,
		cooldown:  cooldown,
	}
}

func (r *BreakerRegistry) breaker(providerID string) *breaker {
	r.mu.RLock()
	b, ok := r.breakers[providerID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[providerID]; ok {
		return b
	}
	b = &breaker{state: CircuitClosed}
	r.breakers[providerID] = b
	return b
}

func (r *BreakerRegistry) policy() (enabled bool, threshold int, timeout, cooldown time.Duration) {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.enabled, r.threshold, r.timeout, r.cooldown
}

// SetPolicy replaces the registry's policy knobs. Existing breaker state is
// kept; new thresholds apply from the next recorded failure.
func (r *BreakerRegistry) SetPolicy(enabled bool, threshold int, timeout, cooldown time.Duration) {
	r.cfgMu.Lock()
	r.enabled = enabled
	r.threshold = threshold
	r.timeout = timeout
	r.cooldown = cooldown
	r.cfgMu.Unlock()
}

// IsOpen reports whether the provider must not be dispatched to right now.
// Side-effecting: an elapsed OPEN timer flips the breaker to HALF_OPEN and
// admits exactly one trial call, so only the dispatch path may call this;
// selection filters use OpenNow. A caller that claims the trial but does
// not dispatch must return it with ReleaseTrial.
func (r *BreakerRegistry) IsOpen(providerID string) bool {
	enabled, _, _, cooldown := r.policy()
	b := r.breaker(providerID)

	b.mu.Lock()
	defer b.mu.Unlock()

	if !enabled {
		// Cooldown policy: unavailable only while inside the window.
		return !b.lastFailure.IsZero() && time.Since(b.lastFailure) < cooldown
	}

	switch b.state {
	case CircuitClosed:
		return false
	case CircuitOpen:
		if time.Now().Before(b.nextAttempt) {
			return true
		}
		b.state = CircuitHalfOpen
		b.trialInFlight = true
		return false
	case CircuitHalfOpen:
		if b.trialInFlight {
			return true
		}
		b.trialInFlight = true
		return false
	}
	return false
}

// RecordSuccess closes the breaker and resets its failure count.
func (r *BreakerRegistry) RecordSuccess(providerID string) {
	b := r.breaker(providerID)
	b.mu.Lock()
	b.state = CircuitClosed
	b.consecutiveFailures = 0
	b.trialInFlight = false
	b.lastFailure = time.Time{}
	b.mu.Unlock()
}

// RecordFailure advances the breaker toward OPEN.
func (r *BreakerRegistry) RecordFailure(providerID string) {
	enabled, threshold, timeout, _ := r.policy()
	b := r.breaker(providerID)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.lastFailure = now

	if !enabled {
		return
	}

	switch b.state {
	case CircuitHalfOpen:
		// Trial failed, back to OPEN with a fresh timer.
		b.state = CircuitOpen
		b.nextAttempt = now.Add(timeout)
		b.trialInFlight = false
		b.consecutiveFailures++
	case CircuitClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= threshold {
			b.state = CircuitOpen
			b.nextAttempt = now.Add(timeout)
		}
	case CircuitOpen:
		b.consecutiveFailures++
	}
}

// OpenNow reports whether the provider is currently unavailable, without
// the OPEN→HALF_OPEN side effect of IsOpen. Used by the selection filter
// and the failover scorer; an elapsed OPEN timer reads as available here
// and the dispatch-path IsOpen claims the trial.
func (r *BreakerRegistry) OpenNow(providerID string) bool {
	enabled, _, _, cooldown := r.policy()
	b := r.breaker(providerID)
	b.mu.Lock()
	defer b.mu.Unlock()

	if !enabled {
		return !b.lastFailure.IsZero() && time.Since(b.lastFailure) < cooldown
	}
	return b.state == CircuitOpen && time.Now().Before(b.nextAttempt)
}

// ReleaseTrial returns an admitted half-open trial that was never
// dispatched, so a later cycle can claim it.
func (r *BreakerRegistry) ReleaseTrial(providerID string) {
	b := r.breaker(providerID)
	b.mu.Lock()
	if b.state == CircuitHalfOpen {
		b.trialInFlight = false
	}
	b.mu.Unlock()
}

// Reset returns the provider's breaker to CLOSED with zeroed counters.
func (r *BreakerRegistry) Reset(providerID string) {
	b := r.breaker(providerID)
	b.mu.Lock()
	b.state = CircuitClosed
	b.consecutiveFailures = 0
	b.trialInFlight = false
	b.lastFailure = time.Time{}
	b.nextAttempt = time.Time{}
	b.mu.Unlock()
}

// ResetAll clears every breaker.
func (r *BreakerRegistry) ResetAll() {
	r.mu.Lock()
	r.breakers = make(map[string]*breaker)
	r.mu.Unlock()
}

// Snapshot returns the provider's breaker state without side effects.
func (r *BreakerRegistry) Snapshot(providerID string) BreakerSnapshot {
	b := r.breaker(providerID)
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		ProviderID:          providerID,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		LastFailure:         b.lastFailure,
		NextAttempt:         b.nextAttempt,
	}
}

// OpenProviders lists provider ids whose breakers are currently OPEN (or,
// in degraded mode, inside their cooldown window). Non-side-effecting.
func (r *BreakerRegistry) OpenProviders() []string {
	enabled, _, _, cooldown := r.policy()

	r.mu.RLock()
	ids := make([]string, 0, len(r.breakers))
	for id := range r.breakers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var open []string
	for _, id := range ids {
		b := r.breaker(id)
		b.mu.Lock()
		if enabled {
			if b.state == CircuitOpen && time.Now().Before(b.nextAttempt) {
				open = append(open, id)
			}
		} else if !b.lastFailure.IsZero() && time.Since(b.lastFailure) < cooldown {
			open = append(open, id)
		}
		b.mu.Unlock()
	}
	return open
}

// FailureCounts returns per-provider consecutive failure counts.
func (r *BreakerRegistry) FailureCounts() map[string]int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.breakers))
	for id := range r.breakers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	out := make(map[string]int, len(ids))
	for _, id := range ids {
		b := r.breaker(id)
		b.mu.Lock()
		out[id] = b.consecutiveFailures
		b.mu.Unlock()
	}
	return out
}
