// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package search

import (
	"context"
	"time"

	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/sources"
)

// The methods below expose the coordinator's per-provider machinery to the
// async job facade, which drives its own fan-out so it can publish partial
// snapshots as providers complete.

// ProviderRun couples one provider's results with its outcome record.
type ProviderRun struct {
	Outcome SourceOutcome
	Results []models.SearchResult
}

// SelectProviders returns the enabled providers for an optional explicit
// subset, ordered by routing score. Circuit state is refreshed from settings
// before scoring.
func (s *Service) SelectProviders(ctx context.Context, requested []string) []sources.Source {
	s.stats.configure(
		s.settings.GetInt(ctx, "source_circuit_failure_threshold", 4),
		time.Duration(s.settings.GetFloat(ctx, "source_circuit_cooldown_seconds", 90)*float64(time.Second)),
	)
	return s.selectProviders(ctx, requested)
}

// CircuitBlocked reports whether the named provider's circuit is open.
func (s *Service) CircuitBlocked(name string) bool {
	return s.stats.circuitBlocked(name)
}

// RunProviderSearch executes a single provider under the coordinator's retry
// policy and stats accounting.
func (s *Service) RunProviderSearch(ctx context.Context, provider sources.Source, req Request) ProviderRun {
	maxRetries := s.settings.GetInt(ctx, "source_max_retries", 1)
	backoff := time.Duration(s.settings.GetFloat(ctx, "source_retry_backoff_seconds", 0.6) * float64(time.Second))

	outcome := s.runProvider(ctx, provider, req, maxRetries, backoff)

	status := "done"
	switch {
	case outcome.err != nil:
		status = "error"
	case len(outcome.results) == 0:
		status = "empty"
	}
	return ProviderRun{
		Outcome: SourceOutcome{
			Name:      outcome.name,
			Status:    status,
			Results:   len(outcome.results),
			Attempts:  outcome.attempts,
			LatencyMs: outcome.latency.Milliseconds(),
			Warning:   outcome.warning,
		},
		Results: outcome.results,
	}
}

// MergeAndRank dedupes, aggregates, scores, and sorts an accumulated result
// set with the configured fuzzy threshold.
func (s *Service) MergeAndRank(ctx context.Context, results []models.SearchResult) []models.SearchResult {
	threshold := s.settings.GetFloat(ctx, "aggregation_fuzzy_threshold", 0.50)
	merged := aggregateResults(dedupeResults(results), threshold)
	for i := range merged {
		scoreResult(&merged[i])
	}
	sortResults(merged)
	return merged
}
