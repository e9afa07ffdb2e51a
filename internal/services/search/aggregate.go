// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package search

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/fetcharr/fetcharr/internal/models"
)

// stemStopWords are platform and release-scene noise dropped from content
// stems before comparison.
var stemStopWords = map[string]bool{
	"x64": true, "x86": true, "win": true, "windows": true, "mac": true,
	"linux": true, "multilingual": true, "incl": true, "keygen": true,
	"crack": true, "repack": true, "proper": true, "portable": true,
	"final": true, "build": true, "adobe": true, "microsoft": true,
	"corel": true, "apple": true,
}

const maxStemTokens = 6

var (
	bracketBlockRegex = regexp.MustCompile(`\[[^\]]*\]|\([^)]*\)`)
	tokenSplitRegex   = regexp.MustCompile(`[^a-z0-9.+]+`)
	digitsOnlyRegex   = regexp.MustCompile(`^\d+$`)
	titleYearRegex    = regexp.MustCompile(`\b20\d{2}\b`)
	titleVersionRegex = regexp.MustCompile(`\bv?\d+\.\d+`)
)

// stemTokens reduces a title to the tokens that identify the product.
// Dots and pluses stay inside tokens so "v25.1" and "c++" survive intact.
func stemTokens(title string) []string {
	cleaned := bracketBlockRegex.ReplaceAllString(strings.ToLower(title), " ")

	var tokens []string
	for _, token := range tokenSplitRegex.Split(cleaned, -1) {
		token = strings.Trim(token, ".")
		if token == "" || digitsOnlyRegex.MatchString(token) || stemStopWords[token] {
			continue
		}
		tokens = append(tokens, token)
		if len(tokens) == maxStemTokens {
			break
		}
	}
	return tokens
}

// jaccard computes token-set similarity.
func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(a))
	for _, token := range a {
		setA[token] = true
	}
	intersection := 0
	setB := make(map[string]bool, len(b))
	for _, token := range b {
		if setB[token] {
			continue
		}
		setB[token] = true
		if setA[token] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

// contentGroup accumulates results believed to be the same release.
type contentGroup struct {
	tokens  []string
	version string
	members []models.SearchResult
}

// aggregateResults merges results that describe the same release in the
// same version across providers. Exact stem matches merge first; a fuzzy
// pass then folds in near-identical stems within each version bucket.
func aggregateResults(results []models.SearchResult, fuzzyThreshold float64) []models.SearchResult {
	var groups []*contentGroup
	index := make(map[string]*contentGroup)

	for _, result := range results {
		tokens := stemTokens(result.Title)
		version := extractVersion(result.Title)

		// Titles that stem to nothing cannot be compared; they pass through
		// ungrouped instead of all collapsing into one bucket.
		if len(tokens) == 0 {
			groups = append(groups, &contentGroup{version: version, members: []models.SearchResult{result}})
			continue
		}

		key := strings.Join(tokens, " ") + "|" + version

		if group, ok := index[key]; ok {
			group.members = append(group.members, result)
			continue
		}

		if group := findFuzzyGroup(groups, tokens, version, fuzzyThreshold); group != nil {
			group.members = append(group.members, result)
			continue
		}

		group := &contentGroup{tokens: tokens, version: version, members: []models.SearchResult{result}}
		groups = append(groups, group)
		index[key] = group
	}

	merged := make([]models.SearchResult, 0, len(groups))
	for _, group := range groups {
		merged = append(merged, mergeGroup(group.members))
	}
	return merged
}

func findFuzzyGroup(groups []*contentGroup, tokens []string, version string, threshold float64) *contentGroup {
	joined := strings.Join(tokens, "")
	for _, group := range groups {
		// Unversioned titles may join a versioned group; two distinct
		// versions never merge.
		if group.version != version && group.version != noVersion && version != noVersion {
			continue
		}
		if jaccard(group.tokens, tokens) >= threshold {
			return group
		}
		// Catch concatenation variants ("coolapp" vs "cool app") that
		// token comparison misses.
		groupJoined := strings.Join(group.tokens, "")
		if len(joined) >= 6 && len(groupJoined) >= 6 && fuzzy.MatchNormalizedFold(joined, groupJoined) && fuzzy.MatchNormalizedFold(groupJoined, joined) {
			return group
		}
	}
	return nil
}

// mergeGroup folds duplicate releases into one result with the union of
// link candidates and source attributions.
func mergeGroup(members []models.SearchResult) models.SearchResult {
	merged := members[0]
	scoreResult(&merged)

	candidates := make(map[string]models.LinkCandidate)
	addCandidates(candidates, merged)

	sourceSet := map[string]bool{}
	var sourceList []string
	addSource := func(name string) {
		if name != "" && !sourceSet[name] {
			sourceSet[name] = true
			sourceList = append(sourceList, name)
		}
	}
	addSource(merged.Source)
	for _, name := range merged.AggregatedSources {
		addSource(name)
	}

	for _, member := range members[1:] {
		scoreResult(&member)
		addCandidates(candidates, member)
		addSource(member.Source)
		for _, name := range member.AggregatedSources {
			addSource(name)
		}

		if member.Seeds > merged.Seeds {
			merged.Seeds = member.Seeds
			merged.Leeches = member.Leeches
		}
		if member.Size > merged.Size {
			merged.Size = member.Size
		}
		if titleSpecificity(member.Title) > titleSpecificity(merged.Title) {
			merged.Title = member.Title
		}
		if merged.Infohash == "" {
			merged.Infohash = member.Infohash
		}
	}

	merged.LinkCandidates = sortedCandidates(candidates)
	if len(merged.LinkCandidates) > 0 {
		merged.Link = merged.LinkCandidates[0].URL
		merged.LinkQuality = merged.LinkCandidates[0].Quality
	}
	merged.AggregatedSources = sourceList
	if extra := len(sourceList) - 1; extra > 0 {
		merged.Source = fmt.Sprintf("%s +%d", sourceList[0], extra)
	}
	return merged
}

// addCandidates unions a result's candidates by URL, keeping the higher
// quality on collision. Results without explicit candidates contribute
// their primary link.
func addCandidates(candidates map[string]models.LinkCandidate, result models.SearchResult) {
	list := result.LinkCandidates
	if len(list) == 0 && result.Link != "" {
		list = []models.LinkCandidate{{
			URL:     result.Link,
			Source:  result.Source,
			Quality: result.LinkQuality,
			Seeds:   result.Seeds,
			Leeches: result.Leeches,
			Size:    result.Size,
		}}
	}
	for _, candidate := range list {
		key := strings.ToLower(candidate.URL)
		if existing, ok := candidates[key]; !ok || candidate.Quality > existing.Quality {
			candidates[key] = candidate
		}
	}
}

func sortedCandidates(candidates map[string]models.LinkCandidate) []models.LinkCandidate {
	out := make([]models.LinkCandidate, 0, len(candidates))
	for _, candidate := range candidates {
		out = append(out, candidate)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Quality > out[j].Quality
	})
	return out
}

// titleSpecificity prefers titles that carry a year or explicit version.
func titleSpecificity(title string) int {
	score := len(title)
	if titleYearRegex.MatchString(title) {
		score += 20
	}
	if titleVersionRegex.MatchString(title) {
		score += 20
	}
	return score
}
