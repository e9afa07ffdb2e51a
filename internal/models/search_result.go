// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// LinkCandidate is one of possibly many URLs attached to a unified search
// result, carrying the availability figures observed on the provider that
// surfaced it and a comparable quality score.
type LinkCandidate struct {
	URL     string `json:"url"`
	Source  string `json:"source"`
	Quality int    `json:"quality"`
	Seeds   int    `json:"seeds"`
	Leeches int    `json:"leeches"`
	Size    int64  `json:"size"`
}

// SearchResult is a unified candidate returned by any provider. Identity for
// torrent results is the infohash; non-torrent results are identified by
// their lowercased URL (falling back to the lowercased title).
type SearchResult struct {
	Title    string `json:"title"`
	Link     string `json:"link"`
	Size     int64  `json:"size"`
	Seeds    int    `json:"seeds"`
	Leeches  int    `json:"leeches"`
	Source   string `json:"source"`
	Infohash string `json:"infohash,omitempty"`

	Category   string `json:"category,omitempty"`
	UploadDate string `json:"uploadDate,omitempty"`

	// LinkCandidates is ordered by quality descending. When non-empty the
	// first entry matches (Link, LinkQuality).
	LinkCandidates []LinkCandidate `json:"linkCandidates,omitempty"`

	// AggregatedSources lists contributing provider names; the first entry
	// is the primary provider.
	AggregatedSources []string `json:"aggregatedSources,omitempty"`

	LinkQuality int `json:"linkQuality"`
}

// IsTorrent reports whether the result carries a torrent identity.
func (r *SearchResult) IsTorrent() bool {
	return r.Infohash != ""
}

// IdentityKey returns the dedupe key for the result.
func (r *SearchResult) IdentityKey() string {
	if r.Infohash != "" {
		return strings.ToUpper(r.Infohash)
	}
	if r.Link != "" {
		return strings.ToLower(r.Link)
	}
	return strings.ToLower(r.Title)
}

var infohashRegex = regexp.MustCompile(`btih:([A-Fa-f0-9]{40})`)

// ExtractInfohash pulls the 40-hex infohash out of a magnet URI. The result
// is uppercased; an empty string means no infohash was found.
func ExtractInfohash(magnet string) string {
	m := infohashRegex.FindStringSubmatch(magnet)
	if m == nil {
		return ""
	}
	return strings.ToUpper(m[1])
}

// DefaultTrackers are appended when synthesizing magnets for API-only
// indexers that return bare infohashes.
var DefaultTrackers = []string{
	"udp://tracker.opentrackr.org:1337/announce",
	"udp://open.stealth.si:80/announce",
	"udp://tracker.torrent.eu.org:451/announce",
	"udp://exodus.desync.com:6969/announce",
}

// BuildMagnet synthesizes a magnet URI from an infohash and display name.
func BuildMagnet(infohash, title string) string {
	var b strings.Builder
	b.WriteString("magnet:?xt=urn:btih:")
	b.WriteString(infohash)
	b.WriteString("&dn=")
	b.WriteString(url.QueryEscape(title))
	for _, tr := range DefaultTrackers {
		b.WriteString("&tr=")
		b.WriteString(url.QueryEscape(tr))
	}
	return b.String()
}

var sizeRegex = regexp.MustCompile(`(?i)^([\d.]+)\s*([KMGTP]I?B|B)$`)

// NormalizeSize parses a human-readable size string into bytes. Plain
// integers are taken as bytes. Decimal units (KB, MB, ...) use factor 1000,
// binary units (KiB, MiB, ...) use 1024. Unrecognized input yields 0.
func NormalizeSize(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0
		}
		return n
	}

	m := sizeRegex.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}

	unit := strings.ToUpper(m[2])
	var factor float64
	switch unit {
	case "B":
		factor = 1
	case "KB":
		factor = 1e3
	case "MB":
		factor = 1e6
	case "GB":
		factor = 1e9
	case "TB":
		factor = 1e12
	case "KIB":
		factor = 1 << 10
	case "MIB":
		factor = 1 << 20
	case "GIB":
		factor = 1 << 30
	case "TIB":
		factor = 1 << 40
	case "PB":
		factor = 1e15
	case "PIB":
		factor = 1 << 50
	default:
		return 0
	}
	return int64(value * factor)
}

// FormatSize renders a byte count with binary steps and two decimals.
func FormatSize(bytes int64) string {
	value := float64(bytes)
	units := []string{"B", "KB", "MB", "GB", "TB", "PB"}
	idx := 0
	for value >= 1024 && idx < len(units)-1 {
		value /= 1024
		idx++
	}
	return fmt.Sprintf("%.2f %s", value, units[idx])
}

// IsTorrentReference reports whether a URL points at torrent metadata
// rather than payload, for download routing through the premium resolver.
func IsTorrentReference(rawURL string) bool {
	low := strings.ToLower(rawURL)
	if low == "" {
		return false
	}
	return strings.HasSuffix(low, ".torrent") ||
		strings.Contains(low, "/dl.php?t=") ||
		strings.Contains(low, "download.php?id=") ||
		strings.Contains(low, "viewtopic.php?t=")
}
