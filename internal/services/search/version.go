// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package search

import (
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// noVersion is the bucket for titles without a recognizable version.
const noVersion = "nover"

// Version shapes in priority order: year-based (2024.1), v-prefixed
// (v2.3.1), then bare dotted numbers (12.5).
var (
	yearVersionRegex   = regexp.MustCompile(`\b20\d{2}(\.\d+)*\b`)
	vPrefixedRegex     = regexp.MustCompile(`\bv\d+(\.\d+){0,3}\b`)
	dottedVersionRegex = regexp.MustCompile(`\b\d+\.\d+(\.\d+)*\b`)
)

// extractVersion pulls the release version out of a title, normalized
// without a leading v.
func extractVersion(title string) string {
	if match := yearVersionRegex.FindString(title); match != "" {
		return match
	}
	if match := vPrefixedRegex.FindString(title); match != "" {
		return strings.TrimPrefix(match, "v")
	}
	if match := dottedVersionRegex.FindString(title); match != "" {
		return match
	}
	return noVersion
}

// versionScore orders version strings numerically so 12.10 beats 12.9.
// Builds with more than three numeric groups are trimmed to three so they
// still parse. Unparseable versions score zero.
func versionScore(version string) int64 {
	if version == "" || version == noVersion {
		return 0
	}
	if parts := strings.SplitN(version, ".", 4); len(parts) == 4 {
		version = strings.Join(parts[:3], ".")
	}
	parsed, err := semver.NewVersion(version)
	if err != nil {
		return 0
	}
	return int64(parsed.Major())*1_000_000 + int64(parsed.Minor())*1_000 + int64(parsed.Patch())
}
