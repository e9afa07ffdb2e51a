// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package httpscrape

import (
	"sync"
	"time"
)

// healthTracker keeps a smoothed latency and failure count per template so
// slow or dying sites can be ranked and reported.
type healthTracker struct {
	mu    sync.Mutex
	stats map[string]*templateHealth
}

type templateHealth struct {
	avgLatencyMs        float64
	successes           int
	failures            int
	consecutiveFailures int
	lastSuccess         time.Time
	lastError           string
}

func newHealthTracker() *healthTracker {
	return &healthTracker{stats: make(map[string]*templateHealth)}
}

func (h *healthTracker) entry(key string) *templateHealth {
	entry, ok := h.stats[key]
	if !ok {
		entry = &templateHealth{}
		h.stats[key] = entry
	}
	return entry
}

// recordSuccess folds the observed latency into the exponential moving
// average with a smoothing factor of 0.2.
func (h *healthTracker) recordSuccess(key string, latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry := h.entry(key)
	ms := float64(latency.Milliseconds())
	if entry.avgLatencyMs == 0 {
		entry.avgLatencyMs = ms
	} else {
		entry.avgLatencyMs = entry.avgLatencyMs*0.8 + ms*0.2
	}
	entry.successes++
	entry.consecutiveFailures = 0
	entry.lastSuccess = time.Now()
	entry.lastError = ""
}

func (h *healthTracker) recordFailure(key string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry := h.entry(key)
	entry.failures++
	entry.consecutiveFailures++
	if err != nil {
		entry.lastError = err.Error()
	}
}

// status summarizes per-template health for runtime dashboards.
func (h *healthTracker) status() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string]any, len(h.stats))
	for key, entry := range h.stats {
		out[key] = map[string]any{
			"avg_latency_ms":       entry.avgLatencyMs,
			"successes":            entry.successes,
			"failures":             entry.failures,
			"consecutive_failures": entry.consecutiveFailures,
			"last_error":           entry.lastError,
		}
	}
	return out
}
