package upstream

import (
	"context"
	"sync"
	"time"

	"sinkhole/pkg/telemetry"
)

// CircuitBreakerConfig controls a Pool's per-upstream circuit breaker.
type CircuitBreakerConfig struct {
	Enabled          bool `yaml:"enabled"`
	FailureThreshold int  `yaml:"failure_threshold"`
	SuccessThreshold int  `yaml:"success_threshold"`
	TimeoutSeconds   int  `yaml:"timeout_seconds"`
}

// DefaultCircuitBreakerConfig returns an enabled breaker config with the
// same thresholds NewPool substitutes for zero values. NewPool does not
// call it: a config that omits circuitBreaker leaves the breaker disabled.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		TimeoutSeconds:   30,
	}
}

// UpstreamHealth tracks one CircuitBreaker per upstream address and
// reports the sinkhole's circuit-breaker counters to telemetry as
// breakers trip open or recover.
type UpstreamHealth struct {
	breakers map[string]*CircuitBreaker
	mu       sync.RWMutex
	config   CircuitBreakerConfig
	metrics  *telemetry.Metrics
}

// NewUpstreamHealth builds a CircuitBreaker for each of upstreams.
// metrics may be nil.
func NewUpstreamHealth(upstreams []string, config CircuitBreakerConfig, metrics *telemetry.Metrics) *UpstreamHealth {
	uh := &UpstreamHealth{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
		metrics:  metrics,
	}

	timeout := time.Duration(config.TimeoutSeconds) * time.Second
	for _, upstream := range upstreams {
		uh.breakers[upstream] = uh.newBreaker(timeout)
	}

	return uh
}

func (uh *UpstreamHealth) newBreaker(timeout time.Duration) *CircuitBreaker {
	cb := NewCircuitBreaker(uh.config.FailureThreshold, uh.config.SuccessThreshold, timeout)
	if uh.metrics != nil {
		cb.onTrip = func(open bool) {
			ctx := context.Background()
			delta := int64(1)
			if !open {
				delta = -1
			} else {
				uh.metrics.UpstreamCircuitTrips.Add(ctx, 1)
			}
			uh.metrics.UpstreamCircuitOpen.Add(ctx, delta)
		}
	}
	return cb
}

// IsHealthy reports whether upstream's circuit is closed or half-open.
// An unknown upstream is assumed healthy.
func (uh *UpstreamHealth) IsHealthy(upstream string) bool {
	uh.mu.RLock()
	breaker, exists := uh.breakers[upstream]
	uh.mu.RUnlock()

	if !exists {
		return true
	}
	return breaker.IsHealthy()
}

// RecordResult feeds the outcome of an upstream query into its breaker.
func (uh *UpstreamHealth) RecordResult(upstream string, err error) {
	uh.mu.RLock()
	breaker, exists := uh.breakers[upstream]
	uh.mu.RUnlock()

	if !exists {
		return
	}
	if err != nil {
		breaker.onFailure()
	} else {
		breaker.onSuccess()
	}
}

// GetBreaker returns the circuit breaker tracking upstream, or nil.
func (uh *UpstreamHealth) GetBreaker(upstream string) *CircuitBreaker {
	uh.mu.RLock()
	defer uh.mu.RUnlock()
	return uh.breakers[upstream]
}

// GetHealthyUpstreams filters upstreams down to the ones currently healthy.
func (uh *UpstreamHealth) GetHealthyUpstreams(upstreams []string) []string {
	healthy := make([]string, 0, len(upstreams))
	for _, upstream := range upstreams {
		if uh.IsHealthy(upstream) {
			healthy = append(healthy, upstream)
		}
	}
	return healthy
}

// GetStats returns upstream's consecutive failure/success counts and state.
func (uh *UpstreamHealth) GetStats(upstream string) (failures, successes int64, state CircuitState) {
	uh.mu.RLock()
	breaker, exists := uh.breakers[upstream]
	uh.mu.RUnlock()

	if !exists {
		return 0, 0, StateClosed
	}
	return breaker.GetStats()
}

// GetAllStats returns the current circuit state of every tracked upstream.
func (uh *UpstreamHealth) GetAllStats() map[string]CircuitState {
	uh.mu.RLock()
	defer uh.mu.RUnlock()

	stats := make(map[string]CircuitState)
	for upstream, breaker := range uh.breakers {
		stats[upstream] = breaker.GetState()
	}
	return stats
}

// ResetAll forces every tracked breaker back to closed.
func (uh *UpstreamHealth) ResetAll() {
	uh.mu.RLock()
	defer uh.mu.RUnlock()

	for _, breaker := range uh.breakers {
		breaker.Reset()
	}
}

// AddUpstream starts tracking a new upstream address, a no-op if it is
// already tracked.
func (uh *UpstreamHealth) AddUpstream(upstream string) {
	uh.mu.Lock()
	defer uh.mu.Unlock()

	if _, exists := uh.breakers[upstream]; exists {
		return
	}
	timeout := time.Duration(uh.config.TimeoutSeconds) * time.Second
	uh.breakers[upstream] = uh.newBreaker(timeout)
}

// RemoveUpstream stops tracking upstream.
func (uh *UpstreamHealth) RemoveUpstream(upstream string) {
	uh.mu.Lock()
	defer uh.mu.Unlock()
	delete(uh.breakers, upstream)
}
