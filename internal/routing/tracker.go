package routing

import (
	"sync"
	"time"
)

// latencyAlpha is the EMA smoothing factor: recent samples dominate so a
// degraded provider becomes visible within a handful of requests.
const latencyAlpha = 0.3

// failureTimestampCap bounds the per-provider failure timestamp ring used
// for windowed failure counts.
const failureTimestampCap = 64

// PerformanceRecord is the externally visible per-provider snapshot.
type PerformanceRecord struct {
	ProviderID         string                  `json:"provider_id"`
	TotalRequests      int64                   `json:"total_requests"`
	SuccessfulRequests int64                   `json:"successful_requests"`
	FailedRequests     int64                   `json:"failed_requests"`
	AvgLatency         time.Duration           `json:"avg_latency"`
	SuccessRate        float64                 `json:"success_rate"`
	ErrorCounts        map[ErrorCategory]int64 `json:"error_counts,omitempty"`
	InFlight           int64                   `json:"in_flight"`
	SimilarErrorStreak int                     `json:"similar_error_streak"`
	LastErrorCategory  ErrorCategory           `json:"last_error_category,omitempty"`
	LastUpdated        time.Time               `json:"last_updated"`
}

type providerStats struct {
	mu sync.Mutex

	totalRequests      int64
	successfulRequests int64
	failedRequests     int64
	avgLatency         time.Duration
	hasLatency         bool
	errorCounts        map[ErrorCategory]int64
	inFlight           int64
	lastErrorCategory  ErrorCategory
	similarErrorStreak int
	failureTimes       []time.Time // bounded ring, newest last
	lastUpdated        time.Time
}

// PerformanceTracker keeps one record per provider. The record map is
// guarded separately from the records themselves, so updates for different
// providers never contend.
type PerformanceTracker struct {
	mu      sync.RWMutex
	records map[string]*providerStats
}

func NewPerformanceTracker() *PerformanceTracker {
	return &PerformanceTracker{records: make(map[string]*providerStats)}
}

func (t *PerformanceTracker) stats(providerID string) *providerStats {
	t.mu.RLock()
	s, ok := t.records[providerID]
	t.mu.RUnlock()
	if ok {
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok = t.records[providerID]; ok {
		return s
	}
	s = &providerStats{errorCounts: make(map[ErrorCategory]int64)}
	t.records[providerID] = s
	return s
}

// Record folds one completed attempt into the provider's record. Unknown
// provider ids are created lazily; the call never blocks on other providers.
func (t *PerformanceTracker) Record(providerID string, latency time.Duration, success bool, category ErrorCategory) {
	s := t.stats(providerID)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalRequests++
	if success {
		s.successfulRequests++
		s.lastErrorCategory = ""
		s.similarErrorStreak = 0
	} else {
		s.failedRequests++
		if category != "" {
			s.errorCounts[category]++
		}
		if category != "" && category == s.lastErrorCategory {
			s.similarErrorStreak++
		} else {
			s.lastErrorCategory = category
			s.similarErrorStreak = 1
		}
		s.failureTimes = append(s.failureTimes, now)
		if len(s.failureTimes) > failureTimestampCap {
			s.failureTimes = s.failureTimes[len(s.failureTimes)-failureTimestampCap:]
		}
	}

	if !s.hasLatency {
		// Seed with the first observed sample, zero included.
		s.avgLatency = latency
		s.hasLatency = true
	} else {
		s.avgLatency = time.Duration(latencyAlpha*float64(latency) + (1-latencyAlpha)*float64(s.avgLatency))
	}

	s.lastUpdated = now
}

// IncInFlight marks a dispatch start for least-connections accounting.
func (t *PerformanceTracker) IncInFlight(providerID string) {
	s := t.stats(providerID)
	s.mu.Lock()
	s.inFlight++
	s.mu.Unlock()
}

// DecInFlight marks a dispatch completion.
func (t *PerformanceTracker) DecInFlight(providerID string) {
	s := t.stats(providerID)
	s.mu.Lock()
	if s.inFlight > 0 {
		s.inFlight--
	}
	s.mu.Unlock()
}

// Snapshot returns a read-only copy of the provider's record. The second
// return is false when the provider has never been recorded.
func (t *PerformanceTracker) Snapshot(providerID string) (PerformanceRecord, bool) {
	t.mu.RLock()
	s, ok := t.records[providerID]
	t.mu.RUnlock()
	if !ok {
		return PerformanceRecord{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(providerID), true
}

// SnapshotAll returns copies of every record keyed by provider id.
func (t *PerformanceTracker) SnapshotAll() map[string]PerformanceRecord {
	t.mu.RLock()
	ids := make([]string, 0, len(t.records))
	for id := range t.records {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	out := make(map[string]PerformanceRecord, len(ids))
	for _, id := range ids {
		if rec, ok := t.Snapshot(id); ok {
			out[id] = rec
		}
	}
	return out
}

// RecentFailures counts failures recorded within the past window.
func (t *PerformanceTracker) RecentFailures(providerID string, window time.Duration) int {
	t.mu.RLock()
	s, ok := t.records[providerID]
	t.mu.RUnlock()
	if !ok {
		return 0
	}

	cutoff := time.Now().Add(-window)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ts := range s.failureTimes {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

// InFlight returns the provider's current in-flight dispatch count.
func (t *PerformanceTracker) InFlight(providerID string) int64 {
	t.mu.RLock()
	s, ok := t.records[providerID]
	t.mu.RUnlock()
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// Reset drops all recorded performance data.
func (t *PerformanceTracker) Reset() {
	t.mu.Lock()
	t.records = make(map[string]*providerStats)
	t.mu.Unlock()
}

func (s *providerStats) snapshotLocked(providerID string) PerformanceRecord {
	rec := PerformanceRecord{
		ProviderID:         providerID,
		TotalRequests:      s.totalRequests,
		SuccessfulRequests: s.successfulRequests,
		FailedRequests:     s.failedRequests,
		AvgLatency:         s.avgLatency,
		InFlight:           s.inFlight,
		SimilarErrorStreak: s.similarErrorStreak,
		LastErrorCategory:  s.lastErrorCategory,
		LastUpdated:        s.lastUpdated,
	}
	if s.totalRequests > 0 {
		rec.SuccessRate = float64(s.successfulRequests) / float64(s.totalRequests) * 100
	}
	if len(s.errorCounts) > 0 {
		rec.ErrorCounts = make(map[ErrorCategory]int64, len(s.errorCounts))
		for k, v := range s.errorCounts {
			rec.ErrorCounts[k] = v
		}
	}
	return rec
}
