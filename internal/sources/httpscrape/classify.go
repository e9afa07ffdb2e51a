// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package httpscrape

import (
	"net/url"
	"path"
	"strings"
)

// archiveExtensions mark a URL as a direct download regardless of host.
var archiveExtensions = map[string]bool{
	".torrent": true,
	".zip":     true,
	".rar":     true,
	".7z":      true,
	".dmg":     true,
	".pkg":     true,
	".exe":     true,
	".msi":     true,
	".deb":     true,
	".rpm":     true,
	".iso":     true,
	".apk":     true,
	".mpkg":    true,
}

// hosterIndicators are file-hoster domains whose links are download
// candidates even without a recognizable path.
var hosterIndicators = []string{
	"rapidgator",
	"nitroflare",
	"katfile",
	"ddownload",
	"turbobit",
	"uploadgig",
	"mega.nz",
	"mediafire",
	"pixeldrain",
	"workupload",
	"1fichier",
	"filefactory",
	"hitfile",
	"uploaded.net",
}

var downloadPathMarkers = []string{
	"/download",
	"/dl/",
	"/get/",
	"/file/",
	"/attachment/",
}

var downloadQueryMarkers = []string{
	"download=1",
	"attachment=",
	"filename=",
	"file=",
	"torrent=",
}

// gatedPhrases flag posts whose downloads sit behind a login, captcha, or
// click-to-reveal wall; such pages produce no usable candidates.
var gatedPhrases = []string{
	"click to show download links",
	"show download links",
	"links are hidden",
	"you must be registered",
	"login to view links",
	"guest cannot",
	"captcha",
	"recaptcha",
}

// gatedWarning is surfaced as the provider lastError when every scraped
// post hides its links behind a wall.
const gatedWarning = "HTTP source appears gated (captcha/login), so download links may be hidden."

// isDownloadLink classifies a URL as a retrievable file candidate. Magnet
// links pass unconditionally.
func isDownloadLink(raw string) bool {
	if strings.HasPrefix(raw, "magnet:") {
		return true
	}
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return false
	}

	if archiveExtensions[strings.ToLower(path.Ext(parsed.Path))] {
		return true
	}

	host := strings.ToLower(parsed.Host)
	for _, indicator := range hosterIndicators {
		if strings.Contains(host, indicator) {
			return true
		}
	}

	lowPath := strings.ToLower(parsed.Path)
	for _, marker := range downloadPathMarkers {
		if strings.Contains(lowPath, marker) {
			return true
		}
	}

	lowQuery := strings.ToLower(parsed.RawQuery)
	for _, marker := range downloadQueryMarkers {
		if strings.Contains(lowQuery, marker) {
			return true
		}
	}
	return false
}

// isGated reports whether the page text indicates a login or password wall.
func isGated(pageText string) bool {
	low := strings.ToLower(pageText)
	for _, phrase := range gatedPhrases {
		if strings.Contains(low, phrase) {
			return true
		}
	}
	return false
}
