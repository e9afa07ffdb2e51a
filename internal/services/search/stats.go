// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package search

import (
	"sync"
	"time"
)

// providerStats tracks per-provider reliability for routing decisions and
// the circuit breaker.
type providerStats struct {
	mu sync.Mutex

	attempts            int
	successes           int
	failures            int
	skips               int
	consecutiveFailures int
	lastLatency         time.Duration
	lastError           string
	lastAttempt         time.Time
	lastSuccess         time.Time

	circuitOpenedAt time.Time
	circuitOpen     bool
}

type statsRegistry struct {
	mu               sync.Mutex
	stats            map[string]*providerStats
	failureThreshold int
	cooldown         time.Duration
}

func newStatsRegistry(failureThreshold int, cooldown time.Duration) *statsRegistry {
	return &statsRegistry{
		stats:            make(map[string]*providerStats),
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
	}
}

func (r *statsRegistry) get(name string) *providerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.stats[name]
	if !ok {
		entry = &providerStats{}
		r.stats[name] = entry
	}
	return entry
}

func (r *statsRegistry) configure(failureThreshold int, cooldown time.Duration) {
	r.mu.Lock()
	r.failureThreshold = failureThreshold
	r.cooldown = cooldown
	r.mu.Unlock()
}

// recordSuccess closes the circuit and resets failure accounting.
func (r *statsRegistry) recordSuccess(name string, latency time.Duration) {
	entry := r.get(name)
	entry.mu.Lock()
	now := time.Now()
	entry.attempts++
	entry.successes++
	entry.consecutiveFailures = 0
	entry.lastLatency = latency
	entry.lastError = ""
	entry.lastAttempt = now
	entry.lastSuccess = now
	entry.circuitOpen = false
	entry.mu.Unlock()
}

func (r *statsRegistry) recordFailure(name string, latency time.Duration, errMsg string) {
	r.mu.Lock()
	threshold := r.failureThreshold
	r.mu.Unlock()

	entry := r.get(name)
	entry.mu.Lock()
	entry.attempts++
	entry.failures++
	entry.consecutiveFailures++
	entry.lastLatency = latency
	entry.lastError = errMsg
	entry.lastAttempt = time.Now()
	if entry.consecutiveFailures >= threshold && !entry.circuitOpen {
		entry.circuitOpen = true
		entry.circuitOpenedAt = time.Now()
	}
	entry.mu.Unlock()
}

// circuitBlocked reports whether the provider should be skipped outright.
// After the cooldown the circuit half-opens: one probe attempt is allowed.
func (r *statsRegistry) circuitBlocked(name string) bool {
	r.mu.Lock()
	cooldown := r.cooldown
	r.mu.Unlock()

	entry := r.get(name)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if !entry.circuitOpen {
		return false
	}
	if time.Since(entry.circuitOpenedAt) >= cooldown {
		// Half-open: let one attempt through; it either closes the
		// circuit on success or re-arms the cooldown on failure.
		entry.circuitOpenedAt = time.Now()
		return false
	}
	entry.skips++
	return true
}

// cooldownRemaining reports how long until an open circuit half-opens.
func (r *statsRegistry) cooldownRemaining(name string) time.Duration {
	r.mu.Lock()
	cooldown := r.cooldown
	r.mu.Unlock()

	entry := r.get(name)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if !entry.circuitOpen {
		return 0
	}
	return max(cooldown-time.Since(entry.circuitOpenedAt), 0)
}

// routingScore ranks providers for dispatch order. Unknown providers get
// full marks so new sources are tried eagerly.
func (r *statsRegistry) routingScore(name string) float64 {
	entry := r.get(name)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.attempts == 0 {
		return 100
	}

	successRate := float64(entry.successes) / float64(entry.attempts)
	score := 40 + successRate*60
	score -= min(float64(entry.lastLatency.Milliseconds())/150, 25)
	score -= float64(entry.consecutiveFailures) * 8
	if entry.circuitOpen {
		score -= 40
	}
	return score
}

// ProviderStatus is the routing view of one provider, exposed by status
// endpoints and the metrics collector.
type ProviderStatus struct {
	Attempts                 int        `json:"attempts"`
	Successes                int        `json:"successes"`
	Failures                 int        `json:"failures"`
	Skips                    int        `json:"skips"`
	ConsecutiveFailures      int        `json:"consecutive_failures"`
	LastLatencyMs            int64      `json:"last_latency_ms"`
	LastError                string     `json:"last_error,omitempty"`
	LastAttempt              *time.Time `json:"last_attempt,omitempty"`
	LastSuccess              *time.Time `json:"last_success,omitempty"`
	CircuitOpen              bool       `json:"circuit_open"`
	CooldownRemainingSeconds float64    `json:"cooldown_remaining_seconds,omitempty"`
	RoutingScore             float64    `json:"routing_score"`
}

// snapshot exposes the stats for status endpoints.
func (r *statsRegistry) snapshot() map[string]ProviderStatus {
	r.mu.Lock()
	names := make([]string, 0, len(r.stats))
	for name := range r.stats {
		names = append(names, name)
	}
	r.mu.Unlock()

	out := make(map[string]ProviderStatus, len(names))
	for _, name := range names {
		entry := r.get(name)
		entry.mu.Lock()
		status := ProviderStatus{
			Attempts:            entry.attempts,
			Successes:           entry.successes,
			Failures:            entry.failures,
			Skips:               entry.skips,
			ConsecutiveFailures: entry.consecutiveFailures,
			LastLatencyMs:       entry.lastLatency.Milliseconds(),
			LastError:           entry.lastError,
			CircuitOpen:         entry.circuitOpen,
		}
		if !entry.lastAttempt.IsZero() {
			at := entry.lastAttempt
			status.LastAttempt = &at
		}
		if !entry.lastSuccess.IsZero() {
			at := entry.lastSuccess
			status.LastSuccess = &at
		}
		entry.mu.Unlock()
		status.CooldownRemainingSeconds = r.cooldownRemaining(name).Seconds()
		status.RoutingScore = r.routingScore(name)
		out[name] = status
	}
	return out
}
