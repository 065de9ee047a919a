package planner

import (
	"context"
	"sync"

	"github.com/ternarybob/nuntius/internal/interfaces"
)

// CostEstimator keeps a rolling duration window per (host, path shape) and
// predicts fetch cost as the window median. Persisted fetch history, when
// available, primes a key's window the first time it is consulted so
// estimates survive worker restarts.
type CostEstimator struct {
	mu      sync.Mutex
	window  int
	samples map[string][]int64
	primed  map[string]bool
	history interfaces.FetchHistoryStorage // optional
}

// NewCostEstimator creates an estimator. history may be nil; priors are then
// skipped and estimates build from live observations alone.
func NewCostEstimator(window int, history interfaces.FetchHistoryStorage) *CostEstimator {
	if window <= 0 {
		window = 100
	}
	return &CostEstimator{
		window:  window,
		samples: make(map[string][]int64),
		primed:  make(map[string]bool),
		history: history,
	}
}

// Observe feeds one measured duration into the window
func (e *CostEstimator) Observe(host, pathShape string, durationMS int64) {
	if durationMS <= 0 {
		return
	}
	key := estimatorKey(host, pathShape)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.primed[key] = true // live data supersedes priors
	window := append(e.samples[key], durationMS)
	if len(window) > e.window {
		window = window[len(window)-e.window:]
	}
	e.samples[key] = window
}

// Estimate predicts the fetch duration for a (host, path shape), or 0 when
// nothing is known yet.
func (e *CostEstimator) Estimate(ctx context.Context, host, pathShape string) int64 {
	key := estimatorKey(host, pathShape)

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.primed[key] && e.history != nil {
		e.primed[key] = true
		if priors, err := e.history.RecentDurations(ctx, host, pathShape, e.window); err == nil && len(priors) > 0 {
			e.samples[key] = priors
		}
	}

	return median(e.samples[key])
}

// Deviation returns |actual-estimated| / estimated, or 0 with no estimate
func Deviation(estimatedMS, actualMS int64) float64 {
	if estimatedMS <= 0 {
		return 0
	}
	diff := actualMS - estimatedMS
	if diff < 0 {
		diff = -diff
	}
	return float64(diff) / float64(estimatedMS)
}

func estimatorKey(host, pathShape string) string {
	return host + "|" + pathShape
}

func median(values []int64) int64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]int64, len(values))
	copy(sorted, values)
	sortInt64s(sorted)
	return sorted[len(sorted)/2]
}
