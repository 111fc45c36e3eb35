package routing

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aimux-ai/aimux/internal/providers"
	"github.com/aimux-ai/aimux/internal/types"
)

// Config is the routing core's knob surface.
type Config struct {
	Strategy              Strategy      `json:"strategy"`
	RequestTimeout        time.Duration `json:"request_timeout"`
	MaxRetriesPerProvider int           `json:"max_retries_per_provider"`
	MaxTotalRetries       int           `json:"max_total_retries"`
	InitialRetryDelay     time.Duration `json:"initial_retry_delay"`
	MaxRetryDelay         time.Duration `json:"max_retry_delay"`
	BackoffMultiplier     float64       `json:"backoff_multiplier"`
	EnableJitter          bool          `json:"enable_jitter"`
	JitterFactor          float64       `json:"jitter_factor"`

	EnableCircuitBreaker    bool          `json:"enable_circuit_breaker"`
	CircuitBreakerThreshold int           `json:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `json:"circuit_breaker_timeout"`
	CooldownWindow          time.Duration `json:"cooldown_window"`

	EnableIntelligentFailover bool          `json:"enable_intelligent_failover"`
	RecentFailureWindow       time.Duration `json:"recent_failure_window"`
	SimilarErrorStreak        int           `json:"similar_error_streak"`
	MinSuccessRate            float64       `json:"min_success_rate"`

	CapabilityPreferences map[types.RequestType][]string `json:"capability_preferences"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:              StrategyPriorityFallback,
		RequestTimeout:        120 * time.Second,
		MaxRetriesPerProvider: 3,
		MaxTotalRetries:       10,
		InitialRetryDelay:     time.Second,
		MaxRetryDelay:         10 * time.Second,
		BackoffMultiplier:     2.0,
		EnableJitter:          true,
		JitterFactor:          0.1,

		EnableCircuitBreaker:    true,
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   60 * time.Second,
		CooldownWindow:          60 * time.Second,

		EnableIntelligentFailover: true,
		RecentFailureWindow:       5 * time.Minute,
		SimilarErrorStreak:        3,
		MinSuccessRate:            50,

		CapabilityPreferences: map[types.RequestType][]string{},
	}
}

// ConfigUpdate is a partial configuration change; nil fields keep their
// current values.
type ConfigUpdate struct {
	Strategy                  *Strategy      `json:"strategy,omitempty"`
	RequestTimeout            *time.Duration `json:"request_timeout,omitempty"`
	MaxRetriesPerProvider     *int           `json:"max_retries_per_provider,omitempty"`
	MaxTotalRetries           *int           `json:"max_total_retries,omitempty"`
	InitialRetryDelay         *time.Duration `json:"initial_retry_delay,omitempty"`
	MaxRetryDelay             *time.Duration `json:"max_retry_delay,omitempty"`
	BackoffMultiplier         *float64       `json:"backoff_multiplier,omitempty"`
	EnableJitter              *bool          `json:"enable_jitter,omitempty"`
	JitterFactor              *float64       `json:"jitter_factor,omitempty"`
	EnableCircuitBreaker      *bool          `json:"enable_circuit_breaker,omitempty"`
	CircuitBreakerThreshold   *int           `json:"circuit_breaker_threshold,omitempty"`
	CircuitBreakerTimeout     *time.Duration `json:"circuit_breaker_timeout,omitempty"`
	CooldownWindow            *time.Duration `json:"cooldown_window,omitempty"`
	EnableIntelligentFailover *bool          `json:"enable_intelligent_failover,omitempty"`
	RecentFailureWindow       *time.Duration `json:"recent_failure_window,omitempty"`
	SimilarErrorStreak        *int           `json:"similar_error_streak,omitempty"`
	MinSuccessRate            *float64       `json:"min_success_rate,omitempty"`
	CapabilityPreferences     map[types.RequestType][]string `json:"capability_preferences,omitempty"`
}

// Router is the facade over the routing and resilience core: candidate
// selection, the failover loop, performance tracking, and circuit breaking.
type Router struct {
	mu          sync.RWMutex // guards cfg, catalog, dispatchers, health
	cfg         Config
	catalog     []types.Provider
	dispatchers map[string]providers.Dispatcher
	health      map[string]types.HealthState

	tracker  *PerformanceTracker
	breakers *BreakerRegistry
	selector *Selector
	history  *History
	logger   *logrus.Logger

	randMu sync.Mutex
	rand   *rand.Rand

	statsMu          sync.Mutex
	totalRequests    int64
	totalFailovers   int64
	totalRoutingTime time.Duration
	providerUsage    map[string]int64
}

// NewRouter builds a router over the given catalog. Dispatchers are
// registered separately per provider id.
func NewRouter(cfg Config, catalog []types.Provider, logger *logrus.Logger) *Router {
	if logger == nil {
		logger = logrus.New()
	}
	r := &Router{
		cfg:           cfg,
		catalog:       append([]types.Provider(nil), catalog...),
		dispatchers:   make(map[string]providers.Dispatcher),
		health:        make(map[string]types.HealthState),
		tracker:       NewPerformanceTracker(),
		history:       NewHistory(defaultHistoryCapacity),
		logger:        logger,
		rand:          rand.New(rand.NewSource(time.Now().UnixNano())),
		providerUsage: make(map[string]int64),
	}
	r.breakers = NewBreakerRegistry(cfg.EnableCircuitBreaker, cfg.CircuitBreakerThreshold, cfg.CircuitBreakerTimeout, cfg.CooldownWindow)
	r.selector = NewSelector(r.tracker, r.breakers, r)
	r.selector.SetRules(defaultRules())

	logger.WithFields(logrus.Fields{
		"strategy":             cfg.Strategy,
		"providers":            len(catalog),
		"circuit_breaker":      cfg.EnableCircuitBreaker,
		"intelligent_failover": cfg.EnableIntelligentFailover,
	}).Info("Router initialized")

	return r
}

// defaultRules wires the rule-based strategy to capability-driven picks:
// for each tagged request type, prefer the highest-priority candidate
// declaring the matching capability.
func defaultRules() []Rule {
	capRule := func(name string, rt types.RequestType, c types.Capability) Rule {
		return Rule{
			Name:    name,
			Enabled: true,
			Matches: func(reqs *types.RequestRequirements) bool { return reqs.Type == rt },
			Pick: func(candidates []types.Provider, _ *types.RequestRequirements) *types.Provider {
				var best *types.Provider
				for i := range candidates {
					if !candidates[i].HasCapability(c) {
						continue
					}
					if best == nil || candidates[i].Priority > best.Priority {
						best = &candidates[i]
					}
				}
				return best
			},
		}
	}
	return []Rule{
		capRule("vision-capable", types.RequestTypeVision, types.CapabilityVision),
		capRule("tool-capable", types.RequestTypeTools, types.CapabilityTools),
		capRule("reasoning-capable", types.RequestTypeThinking, types.CapabilityThinking),
	}
}

// RegisterDispatcher attaches the dispatcher serving the given catalog id.
func (r *Router) RegisterDispatcher(providerID string, d providers.Dispatcher) {
	r.mu.Lock()
	r.dispatchers[providerID] = d
	r.mu.Unlock()
}

// Dispatcher returns the dispatcher for a provider id.
func (r *Router) Dispatcher(providerID string) (providers.Dispatcher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.dispatchers[providerID]
	return d, ok
}

// Catalog returns a copy of the provider catalog.
func (r *Router) Catalog() []types.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]types.Provider(nil), r.catalog...)
}

// HealthState implements HealthSource. Providers never checked report
// unknown and are treated optimistically.
func (r *Router) HealthState(providerID string) types.HealthState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.health[providerID]; ok {
		return s
	}
	return types.HealthUnknown
}

// SetHealthState records a provider's last known health.
func (r *Router) SetHealthState(providerID string, state types.HealthState) {
	r.mu.Lock()
	r.health[providerID] = state
	r.mu.Unlock()
}

// SelectProvider performs a single best-effort pick: no dispatch, no
// retries. Returns nil when no candidate survives filtering.
func (r *Router) SelectProvider(req *types.ChatRequest, exclude []string) *types.Provider {
	reqs := AnalyzeRequest(req)
	return r.selectForRequirements(reqs, toSet(exclude))
}

func (r *Router) selectForRequirements(reqs *types.RequestRequirements, exclude map[string]bool) *types.Provider {
	start := time.Now()

	r.mu.RLock()
	cfg := r.cfg
	catalog := r.catalog
	r.mu.RUnlock()

	candidates := r.selector.Candidates(catalog, reqs, exclude, cfg.MinSuccessRate)
	ranked, rationale := r.selector.Rank(candidates, reqs, cfg.Strategy, cfg.CapabilityPreferences)

	var chosen *types.Provider
	if len(ranked) > 0 {
		chosen = &ranked[0]
	}

	entry := HistoryEntry{
		Timestamp:      start,
		RequestType:    reqs.Type,
		CandidateCount: len(candidates),
		Rationale:      rationale,
		Elapsed:        time.Since(start),
		Success:        chosen != nil,
	}
	if chosen != nil {
		entry.Provider = chosen.ID
	}
	r.history.Add(entry)
	r.recordRouting(entry)

	if chosen == nil {
		r.logger.WithFields(logrus.Fields{
			"request_type": reqs.Type,
			"excluded":     len(exclude),
		}).Warn("No eligible provider")
		return nil
	}

	r.logger.WithFields(logrus.Fields{
		"provider":     chosen.ID,
		"request_type": reqs.Type,
		"candidates":   len(candidates),
		"rationale":    rationale,
	}).Debug("Provider selected")

	return chosen
}

// UpdateProviderPerformance is the feedback sink called after every
// completed attempt, including ones made outside a full failover cycle.
func (r *Router) UpdateProviderPerformance(providerID string, latency time.Duration, success bool, category ErrorCategory) {
	r.tracker.Record(providerID, latency, success, category)
	if success {
		r.breakers.RecordSuccess(providerID)
	} else {
		r.breakers.RecordFailure(providerID)
	}
}

// RoutingStatistics aggregates routing activity for observability.
type RoutingStatistics struct {
	TotalRequests  int64            `json:"total_requests"`
	TotalFailovers int64            `json:"total_failovers"`
	AvgRoutingTime time.Duration    `json:"avg_routing_time"`
	ProviderUsage  map[string]int64 `json:"provider_usage"`
	RecentFailures int              `json:"recent_failures"`
	HistorySize    int              `json:"history_size"`
}

// FailoverStatistics reports circuit state for observability.
type FailoverStatistics struct {
	OpenCircuits            []string       `json:"open_circuits"`
	FailureCounts           map[string]int `json:"failure_counts"`
	CircuitBreakerEnabled   bool           `json:"circuit_breaker_enabled"`
	CircuitBreakerThreshold int            `json:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration  `json:"circuit_breaker_timeout"`
}

func (r *Router) recordRouting(entry HistoryEntry) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	r.totalRequests++
	r.totalRoutingTime += entry.Elapsed
	if entry.Provider != "" {
		r.providerUsage[entry.Provider]++
	}
}

func (r *Router) recordFailover() {
	r.statsMu.Lock()
	r.totalFailovers++
	r.statsMu.Unlock()
}

// RoutingStatistics returns aggregate routing counters.
func (r *Router) RoutingStatistics() RoutingStatistics {
	r.statsMu.Lock()
	stats := RoutingStatistics{
		TotalRequests:  r.totalRequests,
		TotalFailovers: r.totalFailovers,
		ProviderUsage:  make(map[string]int64, len(r.providerUsage)),
	}
	if r.totalRequests > 0 {
		stats.AvgRoutingTime = r.totalRoutingTime / time.Duration(r.totalRequests)
	}
	for k, v := range r.providerUsage {
		stats.ProviderUsage[k] = v
	}
	r.statsMu.Unlock()

	recentFailures := 0
	for _, e := range r.history.Recent(100) {
		if !e.Success {
			recentFailures++
		}
	}
	stats.RecentFailures = recentFailures
	stats.HistorySize = r.history.Len()
	return stats
}

// FailoverStatistics returns open circuits and per-provider failure counts.
func (r *Router) FailoverStatistics() FailoverStatistics {
	r.mu.RLock()
	cfg := r.cfg
	r.mu.RUnlock()

	open := r.breakers.OpenProviders()
	if open == nil {
		open = []string{}
	}
	return FailoverStatistics{
		OpenCircuits:            open,
		FailureCounts:           r.breakers.FailureCounts(),
		CircuitBreakerEnabled:   cfg.EnableCircuitBreaker,
		CircuitBreakerThreshold: cfg.CircuitBreakerThreshold,
		CircuitBreakerTimeout:   cfg.CircuitBreakerTimeout,
	}
}

// ProviderPerformanceMetrics returns the full per-provider snapshot map.
func (r *Router) ProviderPerformanceMetrics() map[string]PerformanceRecord {
	return r.tracker.SnapshotAll()
}

// ResetCircuitBreaker closes the provider's breaker and zeroes its counters.
func (r *Router) ResetCircuitBreaker(providerID string) error {
	r.mu.RLock()
	found := false
	for i := range r.catalog {
		if r.catalog[i].ID == providerID {
			found = true
			break
		}
	}
	r.mu.RUnlock()
	if !found {
		return fmt.Errorf("unknown provider: %s", providerID)
	}

	r.breakers.Reset(providerID)
	r.logger.WithField("provider", providerID).Info("Circuit breaker reset")
	return nil
}

// ClearCache drops routing history and performance data. Circuit breakers
// are left alone; use ResetCircuitBreaker for those.
func (r *Router) ClearCache() {
	r.tracker.Reset()
	r.history.Clear()
	r.statsMu.Lock()
	r.totalRequests = 0
	r.totalFailovers = 0
	r.totalRoutingTime = 0
	r.providerUsage = make(map[string]int64)
	r.statsMu.Unlock()
	r.logger.Info("Routing cache cleared")
}

// UpdateConfig applies a partial configuration change at runtime.
func (r *Router) UpdateConfig(u ConfigUpdate) {
	r.mu.Lock()
	if u.Strategy != nil && ValidStrategy(string(*u.Strategy)) {
		r.cfg.Strategy = *u.Strategy
	}
	if u.RequestTimeout != nil {
		r.cfg.RequestTimeout = *u.RequestTimeout
	}
	if u.MaxRetriesPerProvider != nil {
		r.cfg.MaxRetriesPerProvider = *u.MaxRetriesPerProvider
	}
	if u.MaxTotalRetries != nil {
		r.cfg.MaxTotalRetries = *u.MaxTotalRetries
	}
	if u.InitialRetryDelay != nil {
		r.cfg.InitialRetryDelay = *u.InitialRetryDelay
	}
	if u.MaxRetryDelay != nil {
		r.cfg.MaxRetryDelay = *u.MaxRetryDelay
	}
	if u.BackoffMultiplier != nil {
		r.cfg.BackoffMultiplier = *u.BackoffMultiplier
	}
	if u.EnableJitter != nil {
		r.cfg.EnableJitter = *u.EnableJitter
	}
	if u.JitterFactor != nil {
		r.cfg.JitterFactor = *u.JitterFactor
	}
	if u.EnableCircuitBreaker != nil {
		r.cfg.EnableCircuitBreaker = *u.EnableCircuitBreaker
	}
	if u.CircuitBreakerThreshold != nil {
		r.cfg.CircuitBreakerThreshold = *u.CircuitBreakerThreshold
	}
	if u.CircuitBreakerTimeout != nil {
		r.cfg.CircuitBreakerTimeout = *u.CircuitBreakerTimeout
	}
	if u.CooldownWindow != nil {
		r.cfg.CooldownWindow = *u.CooldownWindow
	}
	if u.EnableIntelligentFailover != nil {
		r.cfg.EnableIntelligentFailover = *u.EnableIntelligentFailover
	}
	if u.RecentFailureWindow != nil {
		r.cfg.RecentFailureWindow = *u.RecentFailureWindow
	}
	if u.SimilarErrorStreak != nil {
		r.cfg.SimilarErrorStreak = *u.SimilarErrorStreak
	}
	if u.MinSuccessRate != nil {
		r.cfg.MinSuccessRate = *u.MinSuccessRate
	}
	if u.CapabilityPreferences != nil {
		r.cfg.CapabilityPreferences = u.CapabilityPreferences
	}
	cfg := r.cfg
	r.mu.Unlock()

	r.breakers.SetPolicy(cfg.EnableCircuitBreaker, cfg.CircuitBreakerThreshold, cfg.CircuitBreakerTimeout, cfg.CooldownWindow)
	r.logger.WithField("strategy", cfg.Strategy).Info("Router configuration updated")
}

// Config returns a copy of the current configuration.
func (r *Router) Config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// History exposes the routing history for the observability endpoints.
func (r *Router) History() *History {
	return r.history
}

func toSet(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}
