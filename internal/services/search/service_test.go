// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package search

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetcharr/fetcharr/internal/events"
	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/settings"
)

// fakeSource is a scriptable provider for coordinator tests.
type fakeSource struct {
	name      string
	results   []models.SearchResult
	err       error
	lastError string
	delay     time.Duration
	calls     atomic.Int32

	// failuresBeforeSuccess makes the first N calls fail.
	failuresBeforeSuccess int32
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) LastError() string { return f.lastError }

func (f *fakeSource) Search(ctx context.Context, _ string, _ int) ([]models.SearchResult, error) {
	call := f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if call <= f.failuresBeforeSuccess {
		return nil, errors.New("transient failure")
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

func newTestService(t *testing.T, providers ...*fakeSource) (*Service, *settings.Manager) {
	t.Helper()
	manager, err := settings.NewManager(t.TempDir(), nil)
	require.NoError(t, err)

	svc := NewService(manager, events.NewBus())
	for _, p := range providers {
		svc.providers = append(svc.providers, p)
	}
	return svc, manager
}

func enableSources(t *testing.T, manager *settings.Manager, names ...string) {
	t.Helper()
	flags := make(map[string]bool)
	for _, name := range names {
		flags[name] = true
	}
	require.NoError(t, manager.Set(context.Background(), "enabled_sources", flags))
}

func torrentResult(title, hash string, seeds int) models.SearchResult {
	return models.SearchResult{
		Title:    title,
		Link:     "magnet:?xt=urn:btih:" + hash,
		Infohash: hash,
		Seeds:    seeds,
		Source:   "fake",
	}
}

func TestSearchFanOutMergesProviders(t *testing.T) {
	a := &fakeSource{name: "A", results: []models.SearchResult{torrentResult("App One 1.0", "AAAA000000000000000000000000000000000000", 10)}}
	b := &fakeSource{name: "B", results: []models.SearchResult{torrentResult("Other App 2.0", "BBBB000000000000000000000000000000000000", 99)}}

	svc, manager := newTestService(t, a, b)
	enableSources(t, manager, "A", "B")

	resp, err := svc.Search(context.Background(), Request{Query: "app", WaitForAll: true})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)
	assert.Equal(t, "done", resp.Outcomes["A"].Status)
	assert.Equal(t, "done", resp.Outcomes["B"].Status)
	// Best-seeded first.
	assert.Equal(t, 99, resp.Results[0].Seeds)
}

func TestSearchEmptyQueryReturnsEmpty(t *testing.T) {
	a := &fakeSource{name: "A"}
	svc, manager := newTestService(t, a)
	enableSources(t, manager, "A")

	resp, err := svc.Search(context.Background(), Request{Query: "   "})
	require.NoError(t, err)
	assert.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)
	assert.Empty(t, resp.Outcomes)
	assert.Equal(t, int32(0), a.calls.Load())
}

func TestSearchNoProvidersReturnsEmpty(t *testing.T) {
	svc, _ := newTestService(t)

	resp, err := svc.Search(context.Background(), Request{Query: "app"})
	require.NoError(t, err)
	assert.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)
	assert.Empty(t, resp.Outcomes)
}

func TestSearchPaginatesResults(t *testing.T) {
	a := &fakeSource{name: "A", results: []models.SearchResult{
		torrentResult("App 1.0", "AAAA333333333333333333333333333333333333", 50),
		torrentResult("App 2.0", "BBBB333333333333333333333333333333333333", 40),
		torrentResult("App 3.0", "CCCC333333333333333333333333333333333333", 30),
		torrentResult("App 4.0", "DDDD333333333333333333333333333333333333", 20),
		torrentResult("App 5.0", "EEEE333333333333333333333333333333333333", 10),
	}}

	svc, manager := newTestService(t, a)
	enableSources(t, manager, "A")

	first, err := svc.Search(context.Background(), Request{Query: "app", WaitForAll: true, PerPage: 2})
	require.NoError(t, err)
	require.Len(t, first.Results, 2)
	assert.Equal(t, 50, first.Results[0].Seeds)

	second, err := svc.Search(context.Background(), Request{Query: "app", WaitForAll: true, PerPage: 2, Page: 2})
	require.NoError(t, err)
	require.Len(t, second.Results, 2)
	assert.Equal(t, 30, second.Results[0].Seeds)
	assert.Equal(t, 20, second.Results[1].Seeds)

	// Pages past the end come back empty rather than erroring.
	far, err := svc.Search(context.Background(), Request{Query: "app", WaitForAll: true, PerPage: 2, Page: 9})
	require.NoError(t, err)
	assert.Empty(t, far.Results)
}

func TestSearchRespectsEnabledSources(t *testing.T) {
	a := &fakeSource{name: "A", results: []models.SearchResult{torrentResult("X 1.0", "AAAA000000000000000000000000000000000000", 1)}}
	b := &fakeSource{name: "B"}

	svc, manager := newTestService(t, a, b)
	require.NoError(t, manager.Set(context.Background(), "enabled_sources", map[string]bool{"A": true, "B": false}))

	resp, err := svc.Search(context.Background(), Request{Query: "x", WaitForAll: true})
	require.NoError(t, err)
	assert.Equal(t, int32(1), a.calls.Load())
	assert.Equal(t, int32(0), b.calls.Load())
	_, hasB := resp.Outcomes["B"]
	assert.False(t, hasB)
}

func TestSearchRetriesTransientFailures(t *testing.T) {
	flaky := &fakeSource{
		name:                  "Flaky",
		results:               []models.SearchResult{torrentResult("App 1.0", "CCCC000000000000000000000000000000000000", 5)},
		failuresBeforeSuccess: 1,
	}

	svc, manager := newTestService(t, flaky)
	enableSources(t, manager, "Flaky")
	require.NoError(t, manager.Set(context.Background(), "source_retry_backoff_seconds", 0.01))

	resp, err := svc.Search(context.Background(), Request{Query: "app", WaitForAll: true})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, 2, resp.Outcomes["Flaky"].Attempts)
	assert.Equal(t, "done", resp.Outcomes["Flaky"].Status)
}

func TestSearchCachesResponses(t *testing.T) {
	a := &fakeSource{name: "A", results: []models.SearchResult{torrentResult("App 1.0", "DDDD000000000000000000000000000000000000", 3)}}

	svc, manager := newTestService(t, a)
	enableSources(t, manager, "A")

	first, err := svc.Search(context.Background(), Request{Query: "app", WaitForAll: true})
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := svc.Search(context.Background(), Request{Query: "app", WaitForAll: true})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, int32(1), a.calls.Load())

	// Different filters bypass the cached entry.
	third, err := svc.Search(context.Background(), Request{Query: "app", WaitForAll: true, MinSeeds: 50})
	require.NoError(t, err)
	assert.False(t, third.Cached)
}

func TestSearchTimesOutSlowProvider(t *testing.T) {
	slow := &fakeSource{name: "Slow", delay: 5 * time.Second}
	fast := &fakeSource{name: "Fast", results: []models.SearchResult{torrentResult("App 1.0", "EEEE000000000000000000000000000000000000", 7)}}

	svc, manager := newTestService(t, slow, fast)
	enableSources(t, manager, "Slow", "Fast")

	resp, err := svc.Search(context.Background(), Request{
		Query:          "app",
		WaitForAll:     true,
		TimeoutSeconds: 0.7,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Contains(t, resp.Warnings, "Slow timed out after 0s")
	assert.Equal(t, "timeout", resp.Outcomes["Slow"].Status)
	assert.Equal(t, 1, resp.Outcomes["Slow"].Attempts)
}

func TestTimeoutsTripCircuitBreaker(t *testing.T) {
	slow := &fakeSource{name: "Hang", delay: 5 * time.Second}

	svc, manager := newTestService(t, slow)
	enableSources(t, manager, "Hang")
	ctx := context.Background()
	require.NoError(t, manager.Update(ctx, map[string]any{
		"source_circuit_failure_threshold": 2,
		"source_circuit_cooldown_seconds":  60.0,
	}))

	for range 2 {
		resp, err := svc.Search(ctx, Request{Query: "app", WaitForAll: true, TimeoutSeconds: 0.4, SkipCache: true})
		require.NoError(t, err)
		assert.Equal(t, "timeout", resp.Outcomes["Hang"].Status)
	}
	callsBefore := slow.calls.Load()

	resp, err := svc.Search(ctx, Request{Query: "app", WaitForAll: true, TimeoutSeconds: 0.4, SkipCache: true})
	require.NoError(t, err)
	assert.Equal(t, callsBefore, slow.calls.Load(), "chronic timeouts should open the circuit")
	assert.Equal(t, "skipped", resp.Outcomes["Hang"].Status)
	assert.Contains(t, resp.Outcomes["Hang"].Warning, "retrying automatically in")
}

func TestSearchEmitsPerProviderProgress(t *testing.T) {
	a := &fakeSource{name: "A", results: []models.SearchResult{torrentResult("App 1.0", "FFFF000000000000000000000000000000000000", 4)}}
	b := &fakeSource{name: "B"}

	manager, err := settings.NewManager(t.TempDir(), nil)
	require.NoError(t, err)
	bus := events.NewBus()
	svc := NewService(manager, bus, a, b)
	enableSources(t, manager, "A", "B")

	var mu sync.Mutex
	progressed := make(map[string]int)
	bus.Subscribe(events.SearchProgress, func(payload map[string]any) {
		mu.Lock()
		defer mu.Unlock()
		name, _ := payload["source"].(string)
		results, _ := payload["results"].(int)
		progressed[name] = results
	})

	_, err = svc.Search(context.Background(), Request{Query: "app", WaitForAll: true})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{"A": 1, "B": 0}, progressed)
}

func TestSearchFastReturnSkipsStragglers(t *testing.T) {
	slow := &fakeSource{name: "Straggler", delay: 5 * time.Second}
	fast := &fakeSource{name: "Fast", results: []models.SearchResult{
		torrentResult("App 1.0", "AAAA111111111111111111111111111111111111", 1),
		torrentResult("App 2.0", "BBBB111111111111111111111111111111111111", 2),
		torrentResult("App 3.0", "CCCC111111111111111111111111111111111111", 3),
	}}

	svc, manager := newTestService(t, slow, fast)
	enableSources(t, manager, "Straggler", "Fast")
	ctx := context.Background()
	require.NoError(t, manager.Update(ctx, map[string]any{
		"source_early_return_seconds":     0.3,
		"source_early_return_min_results": 3,
		"source_search_timeout_seconds":   10.0,
	}))

	started := time.Now()
	resp, err := svc.Search(ctx, Request{Query: "app"})
	require.NoError(t, err)
	assert.Less(t, time.Since(started), 3*time.Second)
	assert.Len(t, resp.Results, 3)
	assert.Contains(t, resp.Warnings, "Straggler skipped for fast results")
}

func TestSearchWaitsForPreferredCompletionSources(t *testing.T) {
	// An HTTP provider still running blocks the fast return even though
	// enough results already arrived.
	httpSource := &fakeSource{name: "HTTP", delay: 900 * time.Millisecond, results: []models.SearchResult{
		{Title: "Post App", Link: "https://host.example/file/a.zip", Source: "HTTP"},
	}}
	fast := &fakeSource{name: "Fast", results: []models.SearchResult{
		torrentResult("App 1.0", "AAAA222222222222222222222222222222222222", 1),
		torrentResult("App 2.0", "BBBB222222222222222222222222222222222222", 2),
		torrentResult("App 3.0", "CCCC222222222222222222222222222222222222", 3),
	}}

	svc, manager := newTestService(t, httpSource, fast)
	enableSources(t, manager, "HTTP", "Fast")
	ctx := context.Background()
	require.NoError(t, manager.Update(ctx, map[string]any{
		"source_early_return_seconds":     0.2,
		"source_early_return_min_results": 1,
		"source_search_timeout_seconds":   10.0,
	}))

	resp, err := svc.Search(ctx, Request{Query: "app"})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 4)
	assert.Equal(t, "done", resp.Outcomes["HTTP"].Status)
}

func TestCircuitBreakerSkipsFailingProvider(t *testing.T) {
	failing := &fakeSource{name: "Broken", err: errors.New("connection refused")}

	svc, manager := newTestService(t, failing)
	enableSources(t, manager, "Broken")
	ctx := context.Background()
	require.NoError(t, manager.Update(ctx, map[string]any{
		"source_max_retries":               0,
		"source_circuit_failure_threshold": 2,
		"source_circuit_cooldown_seconds":  60.0,
	}))

	for range 2 {
		_, err := svc.Search(ctx, Request{Query: "app", WaitForAll: true, SkipCache: true})
		require.NoError(t, err)
	}
	callsBefore := failing.calls.Load()

	resp, err := svc.Search(ctx, Request{Query: "app", WaitForAll: true, SkipCache: true})
	require.NoError(t, err)
	assert.Equal(t, callsBefore, failing.calls.Load(), "open circuit should skip the provider")
	assert.Equal(t, "skipped", resp.Outcomes["Broken"].Status)
}

func TestRoutingScore(t *testing.T) {
	stats := newStatsRegistry(4, time.Minute)

	assert.InDelta(t, 100.0, stats.routingScore("fresh"), 0.001)

	stats.recordSuccess("good", 150*time.Millisecond)
	// 40 + 1.0*60 - 1 = 99
	assert.InDelta(t, 99.0, stats.routingScore("good"), 0.001)

	stats.recordFailure("bad", 0, "connection refused")
	// 40 + 0*60 - 0 - 8 = 32
	assert.InDelta(t, 32.0, stats.routingScore("bad"), 0.001)

	status := stats.snapshot()["bad"]
	assert.Equal(t, 1, status.Failures)
	assert.Equal(t, "connection refused", status.LastError)
	assert.NotNil(t, status.LastAttempt)
	assert.Nil(t, status.LastSuccess)
}

func TestCircuitHalfOpenProbe(t *testing.T) {
	stats := newStatsRegistry(2, 50*time.Millisecond)
	stats.recordFailure("p", 0, "boom")
	stats.recordFailure("p", 0, "boom")

	assert.True(t, stats.circuitBlocked("p"))
	assert.Greater(t, stats.cooldownRemaining("p"), time.Duration(0))
	time.Sleep(60 * time.Millisecond)
	// Cooldown elapsed: one probe is allowed, then the circuit re-arms.
	assert.False(t, stats.circuitBlocked("p"))
	assert.True(t, stats.circuitBlocked("p"))

	stats.recordSuccess("p", time.Millisecond)
	assert.False(t, stats.circuitBlocked("p"))
	assert.Equal(t, time.Duration(0), stats.cooldownRemaining("p"))

	// Blocked dispatches are counted.
	assert.Equal(t, 2, stats.snapshot()["p"].Skips)
}
