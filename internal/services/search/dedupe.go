// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package search

import (
	"strings"

	"github.com/fetcharr/fetcharr/internal/models"
)

// dedupeResults collapses duplicates across providers. Torrents dedupe by
// infohash keeping the best-seeded copy; other results dedupe by URL, then
// title, keeping the first seen. Torrents are emitted ahead of the rest.
func dedupeResults(results []models.SearchResult) []models.SearchResult {
	byInfohash := make(map[string]int)
	var torrents []models.SearchResult

	seenOther := make(map[string]bool)
	var others []models.SearchResult

	for _, result := range results {
		if result.IsTorrent() && result.Infohash != "" {
			key := strings.ToUpper(result.Infohash)
			if idx, ok := byInfohash[key]; ok {
				if result.Seeds > torrents[idx].Seeds {
					merged := result
					merged.AggregatedSources = unionSources(torrents[idx], result)
					torrents[idx] = merged
				} else {
					torrents[idx].AggregatedSources = unionSources(torrents[idx], result)
				}
				continue
			}
			byInfohash[key] = len(torrents)
			torrents = append(torrents, result)
			continue
		}

		key := strings.ToLower(result.Link)
		if key == "" {
			key = strings.ToLower(result.Title)
		}
		if seenOther[key] {
			continue
		}
		seenOther[key] = true
		others = append(others, result)
	}

	return append(torrents, others...)
}

// unionSources merges the source attributions of two duplicate results.
func unionSources(a, b models.SearchResult) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	add(a.Source)
	for _, name := range a.AggregatedSources {
		add(name)
	}
	add(b.Source)
	for _, name := range b.AggregatedSources {
		add(name)
	}
	return out
}
