// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package search implements the fan-out coordinator that queries all
// enabled providers concurrently, applies retry and circuit-breaker policy
// per provider, and merges the combined results into a ranked list.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/events"
	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/settings"
	"github.com/fetcharr/fetcharr/internal/sources"
)

const (
	pollSlice      = 250 * time.Millisecond
	cacheSize      = 100
	cacheTTL       = 5 * time.Minute
	odNoLinksError = "no open-directory file links found"
)

// errEmptyWithWarning marks an attempt that returned nothing but left a
// warning behind; such attempts are retried like failures.
var errEmptyWithWarning = errors.New("provider returned no results with a warning")

// Request describes one fan-out search.
type Request struct {
	Query          string
	Page           int
	PerPage        int
	Sources        []string
	WaitForAll     bool
	TimeoutSeconds float64
	FetchLimit     int
	MinSeeds       int
	SizeMinGB      float64
	SizeMaxGB      float64
	SkipCache      bool
}

// SourceOutcome reports how one provider fared during the fan-out.
type SourceOutcome struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	Results   int    `json:"results"`
	Attempts  int    `json:"attempts"`
	LatencyMs int64  `json:"latency_ms"`
	Warning   string `json:"warning,omitempty"`
}

// Response is the merged, ranked fan-out result.
type Response struct {
	Results  []models.SearchResult    `json:"results"`
	Warnings []string                 `json:"warnings"`
	Outcomes map[string]SourceOutcome `json:"outcomes"`
	Cached   bool                     `json:"cached"`
}

// Service is the search coordinator.
type Service struct {
	settings *settings.Manager
	events   *events.Bus
	stats    *statsRegistry
	cache    *expirable.LRU[string, Response]

	mu        sync.RWMutex
	providers []sources.Source
}

// NewService builds the coordinator over a fixed provider registry.
func NewService(settingsManager *settings.Manager, bus *events.Bus, providers ...sources.Source) *Service {
	return &Service{
		settings:  settingsManager,
		events:    bus,
		stats:     newStatsRegistry(4, 90*time.Second),
		cache:     expirable.NewLRU[string, Response](cacheSize, nil, cacheTTL),
		providers: providers,
	}
}

// Providers returns the registered providers.
func (s *Service) Providers() []sources.Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]sources.Source, len(s.providers))
	copy(out, s.providers)
	return out
}

// ProviderStats exposes routing stats for status endpoints.
func (s *Service) ProviderStats() map[string]ProviderStatus {
	return s.stats.snapshot()
}

// ReloadSources pushes fresh settings into every provider that caches
// settings-derived state and drops the result cache.
func (s *Service) ReloadSources(ctx context.Context) {
	for _, provider := range s.Providers() {
		if reloadable, ok := provider.(sources.Reloadable); ok {
			reloadable.ReloadFromSettings(ctx)
		}
	}
	s.cache.Purge()
	if s.events != nil {
		s.events.Emit(events.SourcesReloaded, map[string]any{})
	}
	log.Debug().Msg("Search providers reloaded from settings")
}

// emptyResponse covers the degenerate searches that cannot produce
// anything: a blank query or an empty provider selection.
func emptyResponse() Response {
	return Response{
		Results:  []models.SearchResult{},
		Outcomes: map[string]SourceOutcome{},
	}
}

// Search runs the fan-out and returns the merged ranked results.
func (s *Service) Search(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.Query) == "" {
		return emptyResponse(), nil
	}
	if req.Page < 1 {
		req.Page = 1
	}

	cacheKey := s.cacheKey(req)
	if !req.SkipCache {
		if cached, ok := s.cache.Get(cacheKey); ok {
			cached.Cached = true
			return cached, nil
		}
	}

	selected := s.selectProviders(ctx, req.Sources)
	if len(selected) == 0 {
		return emptyResponse(), nil
	}

	if s.events != nil {
		s.events.Emit(events.SearchStarted, map[string]any{
			"query":   req.Query,
			"page":    req.Page,
			"sources": providerNames(selected),
		})
	}

	s.stats.configure(
		s.settings.GetInt(ctx, "source_circuit_failure_threshold", 4),
		time.Duration(s.settings.GetFloat(ctx, "source_circuit_cooldown_seconds", 90)*float64(time.Second)),
	)

	gathered := s.gather(ctx, req, selected)

	response := s.assemble(ctx, req, gathered)
	s.cache.Add(cacheKey, response)

	if s.events != nil {
		s.events.Emit(events.SearchCompleted, map[string]any{
			"query":   req.Query,
			"results": len(response.Results),
		})
	}
	return response, nil
}

// selectProviders filters the registry by the enabled_sources map and an
// optional explicit subset, ordered by routing score.
func (s *Service) selectProviders(ctx context.Context, requested []string) []sources.Source {
	enabled := s.settings.GetBoolMap(ctx, "enabled_sources")

	requestedSet := make(map[string]bool, len(requested))
	for _, name := range requested {
		requestedSet[name] = true
	}

	var selected []sources.Source
	for _, provider := range s.Providers() {
		name := provider.Name()
		if len(requestedSet) > 0 && !requestedSet[name] {
			continue
		}
		if on, known := enabled[name]; known && !on {
			continue
		}
		selected = append(selected, provider)
	}

	sort.SliceStable(selected, func(i, j int) bool {
		return s.stats.routingScore(selected[i].Name()) > s.stats.routingScore(selected[j].Name())
	})
	return selected
}

type providerOutcome struct {
	name     string
	results  []models.SearchResult
	attempts int
	latency  time.Duration
	err      error
	warning  string
	timedOut bool
}

// gather fans the query out to the selected providers and collects their
// outcomes under the timeout and fast-return policy.
func (s *Service) gather(ctx context.Context, req Request, selected []sources.Source) map[string]providerOutcome {
	timeout := time.Duration(s.settings.GetFloat(ctx, "source_search_timeout_seconds", 14) * float64(time.Second))
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds * float64(time.Second))
	}
	earlyAfter := time.Duration(s.settings.GetFloat(ctx, "source_early_return_seconds", 5) * float64(time.Second))
	earlyMin := s.settings.GetInt(ctx, "source_early_return_min_results", 3)
	preferCompletion := s.settings.GetBool(ctx, "source_prefer_http_completion", true)
	maxRetries := s.settings.GetInt(ctx, "source_max_retries", 1)
	retryBackoff := time.Duration(s.settings.GetFloat(ctx, "source_retry_backoff_seconds", 0.6) * float64(time.Second))

	runCtx, cancel := context.WithTimeout(ctx, timeout+2*time.Second)
	defer cancel()

	workers := min(8, max(2, len(selected)))
	semaphore := make(chan struct{}, workers)
	outcomeCh := make(chan providerOutcome, len(selected))

	launched := 0
	for _, provider := range selected {
		if s.stats.circuitBlocked(provider.Name()) {
			remaining := int(s.stats.cooldownRemaining(provider.Name()).Seconds())
			outcomeCh <- providerOutcome{
				name:    provider.Name(),
				warning: fmt.Sprintf("%s skipped, circuit open, retrying automatically in %ds", provider.Name(), remaining),
			}
			launched++
			continue
		}
		launched++
		go func(provider sources.Source) {
			semaphore <- struct{}{}
			defer func() { <-semaphore }()
			outcomeCh <- s.runProvider(runCtx, provider, req, maxRetries, retryBackoff)
		}(provider)
	}

	started := time.Now()
	deadline := started.Add(timeout)
	outcomes := make(map[string]providerOutcome, launched)
	pending := make(map[string]bool, launched)
	for _, provider := range selected {
		pending[provider.Name()] = true
	}

	totalResults := 0
	for len(outcomes) < launched {
		select {
		case outcome := <-outcomeCh:
			outcomes[outcome.name] = outcome
			delete(pending, outcome.name)
			totalResults += len(outcome.results)
			if s.events != nil {
				s.events.Emit(events.SearchProgress, map[string]any{
					"source":   outcome.name,
					"results":  len(outcome.results),
					"attempts": outcome.attempts,
				})
			}
		case <-time.After(pollSlice):
		}

		if len(outcomes) == launched {
			break
		}

		now := time.Now()
		if now.After(deadline) {
			for name := range pending {
				// A hung provider counts against the breaker like any
				// other failure; the still-running goroutine suppresses
				// its own accounting once the context is cancelled.
				s.stats.recordFailure(name, timeout, "timed out")
				outcomes[name] = providerOutcome{
					name:     name,
					attempts: 1,
					latency:  timeout,
					timedOut: true,
					warning:  fmt.Sprintf("%s timed out after %ds", name, int(timeout.Seconds())),
				}
			}
			break
		}

		if !req.WaitForAll && totalResults >= earlyMin && now.Sub(started) >= earlyAfter &&
			!completionPreferredPending(pending, preferCompletion) {
			for name := range pending {
				outcomes[name] = providerOutcome{
					name:    name,
					warning: fmt.Sprintf("%s skipped for fast results", name),
				}
			}
			break
		}
	}
	cancel()
	return outcomes
}

// completionPreferredPending reports whether a provider we always let
// finish (the crawling web sources) is still running.
func completionPreferredPending(pending map[string]bool, prefer bool) bool {
	if !prefer {
		return false
	}
	return pending["HTTP"] || pending["OpenDirectory"]
}

// runProvider executes one provider with the retry policy. An attempt is
// retried when it errors, or when it comes back empty with a warning other
// than the open-directory no-links message.
func (s *Service) runProvider(ctx context.Context, provider sources.Source, req Request, maxRetries int, backoff time.Duration) providerOutcome {
	outcome := providerOutcome{name: provider.Name()}
	started := time.Now()

	err := retry.Do(
		func() error {
			outcome.attempts++
			results, err := provider.Search(ctx, req.Query, req.Page)
			if err != nil {
				return err
			}
			outcome.results = results
			if len(results) == 0 {
				if warning := provider.LastError(); warning != "" && warning != odNoLinksError {
					outcome.warning = warning
					return errEmptyWithWarning
				}
			}
			return nil
		},
		retry.Attempts(uint(maxRetries+1)),
		retry.Delay(backoff),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)

	outcome.latency = time.Since(started)
	if err != nil && !errors.Is(err, errEmptyWithWarning) {
		outcome.err = err
	}
	if outcome.warning == "" {
		outcome.warning = provider.LastError()
	}

	switch {
	case outcome.err == nil:
		s.stats.recordSuccess(provider.Name(), outcome.latency)
	case errors.Is(outcome.err, context.Canceled) || errors.Is(outcome.err, context.DeadlineExceeded):
		// The coordinator cancelled us (timeout or fast return) and has
		// already accounted for it; recording here would double-count.
	default:
		s.stats.recordFailure(provider.Name(), outcome.latency, outcome.err.Error())
		log.Warn().Err(outcome.err).Str("source", provider.Name()).Msg("Source search failed")
	}
	return outcome
}

// assemble filters, dedupes, aggregates, scores, and sorts the gathered
// results into the final response.
func (s *Service) assemble(ctx context.Context, req Request, outcomes map[string]providerOutcome) Response {
	minSeeds := req.MinSeeds
	if minSeeds == 0 {
		minSeeds = s.settings.GetInt(ctx, "min_seeds", 0)
	}
	sizeMin := int64(req.SizeMinGB * 1e9)
	sizeMax := int64(req.SizeMaxGB * 1e9)
	fuzzyThreshold := s.settings.GetFloat(ctx, "aggregation_fuzzy_threshold", 0.50)

	var combined []models.SearchResult
	var warnings []string
	outcomeMap := make(map[string]SourceOutcome, len(outcomes))

	names := make([]string, 0, len(outcomes))
	for name := range outcomes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		outcome := outcomes[name]
		status := "done"
		switch {
		case outcome.err != nil:
			status = "error"
		case outcome.timedOut:
			status = "timeout"
		case outcome.attempts == 0:
			status = "skipped"
		case len(outcome.results) == 0:
			status = "empty"
		}
		if outcome.warning != "" {
			warnings = append(warnings, outcome.warning)
		}
		outcomeMap[name] = SourceOutcome{
			Name:      name,
			Status:    status,
			Results:   len(outcome.results),
			Attempts:  outcome.attempts,
			LatencyMs: outcome.latency.Milliseconds(),
			Warning:   outcome.warning,
		}

		for _, result := range outcome.results {
			if result.IsTorrent() && minSeeds > 0 && result.Seeds < minSeeds {
				continue
			}
			if result.Size > 0 && sizeMin > 0 && result.Size < sizeMin {
				continue
			}
			if result.Size > 0 && sizeMax > 0 && result.Size > sizeMax {
				continue
			}
			combined = append(combined, result)
		}
	}

	deduped := dedupeResults(combined)
	aggregated := aggregateResults(deduped, fuzzyThreshold)
	for i := range aggregated {
		scoreResult(&aggregated[i])
	}
	sortResults(aggregated)

	if req.FetchLimit > 0 && len(aggregated) > req.FetchLimit {
		aggregated = aggregated[:req.FetchLimit]
	}

	if req.PerPage > 0 {
		start := min((req.Page-1)*req.PerPage, len(aggregated))
		end := min(start+req.PerPage, len(aggregated))
		aggregated = aggregated[start:end]
	}

	return Response{
		Results:  aggregated,
		Warnings: warnings,
		Outcomes: outcomeMap,
	}
}

// sortResults ranks the merged list: seeders first, then link quality,
// newer versions, larger sizes, and release-marker bonuses.
func sortResults(results []models.SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Seeds != b.Seeds {
			return a.Seeds > b.Seeds
		}
		if a.LinkQuality != b.LinkQuality {
			return a.LinkQuality > b.LinkQuality
		}
		av, bv := versionScore(extractVersion(a.Title)), versionScore(extractVersion(b.Title))
		if av != bv {
			return av > bv
		}
		if a.Size != b.Size {
			return a.Size > b.Size
		}
		return qualityBonus(a.Title) > qualityBonus(b.Title)
	})
}

// cacheKey builds the lookup key from the query, page, and a hash of the
// filter knobs so differing filters never share an entry.
func (s *Service) cacheKey(req Request) string {
	signature := fmt.Sprintf("min_seeds:%d|per_page:%d|size_max:%.3f|size_min:%.3f|sources:%s|wait:%t",
		req.MinSeeds, req.PerPage, req.SizeMaxGB, req.SizeMinGB, strings.Join(sortedCopy(req.Sources), ","), req.WaitForAll)
	return fmt.Sprintf("%s|%d|%016x", strings.ToLower(strings.TrimSpace(req.Query)), req.Page, xxhash.Sum64String(signature))
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

func providerNames(providers []sources.Source) []string {
	names := make([]string, 0, len(providers))
	for _, provider := range providers {
		names = append(names, provider.Name())
	}
	return names
}
