// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package httpscrape

import (
	"sync"
	"time"

	"github.com/fetcharr/fetcharr/internal/models"
)

// templateCache memoizes per-template query results. Fresh entries are
// served directly; stale entries may be served while a background refresh
// replaces them, keeping repeat searches fast even when a site is slow.
type templateCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

type cacheEntry struct {
	results    []models.SearchResult
	fetchedAt  time.Time
	refreshing bool
}

func newTemplateCache(ttl time.Duration) *templateCache {
	return &templateCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
	}
}

// get returns the cached results plus whether they are still fresh. The
// second return is false when nothing is cached at all.
func (c *templateCache) get(key string) ([]models.SearchResult, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false, false
	}
	fresh := time.Since(entry.fetchedAt) < c.ttl
	out := make([]models.SearchResult, len(entry.results))
	copy(out, entry.results)
	return out, true, fresh
}

func (c *templateCache) put(key string, results []models.SearchResult) {
	stored := make([]models.SearchResult, len(results))
	copy(stored, results)

	c.mu.Lock()
	c.entries[key] = &cacheEntry{results: stored, fetchedAt: time.Now()}
	c.mu.Unlock()
}

// tryMarkRefreshing claims the refresh slot for a stale entry so only one
// background fetch runs per key.
func (c *templateCache) tryMarkRefreshing(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || entry.refreshing {
		return false
	}
	entry.refreshing = true
	return true
}

func (c *templateCache) setTTL(ttl time.Duration) {
	c.mu.Lock()
	c.ttl = ttl
	c.mu.Unlock()
}

// status summarizes cache entries for runtime dashboards.
func (c *templateCache) status() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]any, len(c.entries))
	for key, entry := range c.entries {
		out[key] = map[string]any{
			"results":    len(entry.results),
			"age_ms":     time.Since(entry.fetchedAt).Milliseconds(),
			"fresh":      time.Since(entry.fetchedAt) < c.ttl,
			"refreshing": entry.refreshing,
		}
	}
	return out
}
