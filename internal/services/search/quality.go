// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package search

import (
	"net/url"
	"path"
	"strings"

	"github.com/fetcharr/fetcharr/internal/models"
)

// hostQualityWeights rank file hosters by observed reliability and speed.
var hostQualityWeights = map[string]int{
	"rapidgator": 22,
	"nitroflare": 20,
	"katfile":    17,
	"ddownload":  17,
	"turbobit":   14,
	"uploadgig":  14,
	"mega.nz":    24,
	"mediafire":  18,
	"pixeldrain": 16,
	"workupload": 12,
}

var qualityArchiveExtensions = map[string]bool{
	".zip": true, ".rar": true, ".7z": true, ".dmg": true, ".pkg": true,
	".exe": true, ".msi": true, ".iso": true, ".torrent": true,
}

var qualityPathMarkers = []string{"/file/", "/download/", "/dl/"}

// linkQuality scores a single link candidate. Magnets score on swarm
// health; HTTP links score on transport, hoster, and path signals.
func linkQuality(candidate models.LinkCandidate) int {
	if strings.HasPrefix(candidate.URL, "magnet:") {
		return min(candidate.Seeds, 5000) + min(candidate.Leeches, 500)/2
	}

	parsed, err := url.Parse(candidate.URL)
	if err != nil {
		return 0
	}

	score := 0
	if parsed.Scheme == "https" {
		score += 25
	}
	if qualityArchiveExtensions[strings.ToLower(path.Ext(parsed.Path))] {
		score += 30
	}
	lowPath := strings.ToLower(parsed.Path)
	for _, marker := range qualityPathMarkers {
		if strings.Contains(lowPath, marker) {
			score += 20
			break
		}
	}
	host := strings.ToLower(parsed.Host)
	for indicator, weight := range hostQualityWeights {
		if strings.Contains(host, indicator) {
			score += weight
			break
		}
	}
	score += int(min(candidate.Size/500_000_000, 15))
	return score
}

// scoreResult fills in LinkQuality for a result based on its best
// candidate, synthesizing one from the primary link when the provider did
// not supply candidates.
func scoreResult(result *models.SearchResult) {
	if len(result.LinkCandidates) == 0 {
		result.LinkQuality = linkQuality(models.LinkCandidate{
			URL:     result.Link,
			Seeds:   result.Seeds,
			Leeches: result.Leeches,
			Size:    result.Size,
		})
		return
	}

	best := 0
	for i := range result.LinkCandidates {
		candidate := &result.LinkCandidates[i]
		if candidate.Quality == 0 {
			candidate.Quality = linkQuality(*candidate)
		}
		if candidate.Quality > best {
			best = candidate.Quality
		}
	}
	result.LinkQuality = best
}

// qualityBonus rewards release markers that signal a better grab.
func qualityBonus(title string) int {
	low := strings.ToLower(title)
	bonus := 0
	if strings.Contains(low, "repack") || strings.Contains(low, "proper") || strings.Contains(low, "real") {
		bonus += 10
	}
	if strings.Contains(low, "crack") || strings.Contains(low, "keygen") {
		bonus += 5
	}
	if strings.Contains(low, "1080p") || strings.Contains(low, "4k") {
		bonus += 8
	}
	return bonus
}
