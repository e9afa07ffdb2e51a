// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package settings

import (
	"os"
	"path/filepath"
)

// Required baseline URL lists. These are merged into the persisted values on
// every load so user customizations augment the baseline instead of
// replacing it.
var (
	RequiredHTTPSourceTemplates = []string{
		"http://palined.com/search/?q={query}",
		"https://nmac.to/?s={query}",
		"https://macked.app/?s={query}",
		"https://vstorrent.org/?s={query}",
		"https://audioz.download/?s={query}",
	}
	RequiredHTTPDiscoveryEngines = []string{
		"https://duckduckgo.com/html/?q={query}",
		"https://html.duckduckgo.com/html/?q={query}",
		"https://www.startpage.com/sp/search?query={query}",
		"https://searx.be/search?q={query}",
	}
	RequiredPirateBayMirrors = []string{
		"https://www.piratebay.org",
		"https://tpb.party",
		"https://thepiratebay.zone",
		"https://pirateproxylive.org",
		"https://thepiratebay.org",
	}
	RequiredPirateBayAPIs = []string{
		"https://apibay.org",
	}
	RequiredX1337Mirrors = []string{
		"https://1337x.to",
		"https://www.1337x.to",
		"https://1337x.st",
		"https://x1337x.ws",
		"https://x1337x.eu",
		"https://1337xx.to",
		"https://www.1337xx.to",
		"https://1377x.to",
		"https://www.1377x.to",
	}
	RequiredODSeedURLs = []string{
		"http://suhr.ir/plugin/",
		"https://the-eye.eu/public/",
		"https://www.eyeofjustice.com/od/",
		"https://whatintheworld.xyz/",
	}
	RequiredODEngineTemplates = []string{
		"https://duckduckgo.com/html/?q={query}",
		"https://www.startpage.com/sp/search?query={query}",
		"https://searx.be/search?q={query}",
	}
	RequiredODFileExtensions = []string{
		"zip", "rar", "7z", "dmg", "pkg", "exe", "msi", "iso", "torrent", "vst", "vst3", "au", "aax", "dll",
	}
)

func defaultDownloadFolder() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "Downloads"
	}
	return filepath.Join(home, "Downloads")
}

// Defaults returns a fresh copy of the process-level default settings.
func Defaults() map[string]any {
	return map[string]any{
		// Search
		"pagination_size": 20,
		"min_seeds":       0,
		"size_min_gb":     0.0,
		"size_max_gb":     100.0,

		// Sources
		"enabled_sources": map[string]bool{
			"PirateBay":          false,
			"1337x":              false,
			"RuTracker":          false,
			"RealDebrid Library": true,
			"HTTP":               true,
			"OpenDirectory":      true,
			"Prowlarr":           false,
		},
		"piratebay_mirror_order":          cloneStrings(RequiredPirateBayMirrors),
		"piratebay_api_endpoints":         cloneStrings(RequiredPirateBayAPIs),
		"x1337_mirror_order":              cloneStrings(RequiredX1337Mirrors),
		"x1337_detail_timeout_seconds":    6.0,
		"x1337_detail_budget_seconds":     20.0,
		"x1337_max_detail_fetches":        10,
		"http_detail_max_pages":           10,
		"http_links_per_detail":           12,
		"http_sources_enabled":            true,
		"http_sources":                    cloneStrings(RequiredHTTPSourceTemplates),
		"http_discovery_engine_templates": cloneStrings(RequiredHTTPDiscoveryEngines),
		"http_primary_discovery_enabled":  true,
		"http_detail_concurrency":         3,
		"http_time_budget_seconds":        50.0,
		"http_redirect_timeout_seconds":   8.0,
		"http_request_timeout_seconds":    15.0,
		"http_request_retries":            2,
		"http_retry_backoff_seconds":      0.8,
		"http_browser_fallback_enabled":   false,
		"http_browser_timeout_seconds":    20.0,
		"http_browser_expand_dynamic":     true,
		"http_browser_max_expand_cycles":  4,
		"http_source_overrides": map[string]map[string]any{
			"nmac.to": {
				"browser_enabled":         false,
				"detail_max_pages":        10,
				"links_per_detail":        14,
				"request_timeout_seconds": 14.0,
				"time_budget_seconds":     55.0,
			},
			"macked.app": {
				"browser_enabled":           true,
				"browser_timeout_seconds":   22.0,
				"browser_expand_dynamic":    true,
				"browser_max_expand_cycles": 5,
				"detail_max_pages":          12,
				"links_per_detail":          14,
				"time_budget_seconds":       60.0,
			},
			"audioz.download": {
				"browser_enabled":           true,
				"browser_timeout_seconds":   28.0,
				"browser_expand_dynamic":    true,
				"browser_max_expand_cycles": 6,
				"detail_max_pages":          18,
				"links_per_detail":          18,
				"request_timeout_seconds":   18.0,
				"time_budget_seconds":       80.0,
			},
			"vstorrent.org": {
				"browser_enabled":     false,
				"detail_max_pages":    12,
				"links_per_detail":    14,
				"time_budget_seconds": 55.0,
			},
			"palined.com": {
				"browser_enabled":     false,
				"detail_max_pages":    8,
				"links_per_detail":    10,
				"time_budget_seconds": 30.0,
			},
		},
		"http_cache_ttl_seconds":  300.0,
		"http_allow_stale_cache":  true,
		"http_background_refresh": true,

		// Fan-out reliability
		"source_max_retries":               1,
		"source_retry_backoff_seconds":     0.6,
		"source_circuit_failure_threshold": 4,
		"source_circuit_cooldown_seconds":  90.0,
		"source_search_timeout_seconds":    14.0,
		"source_early_return_seconds":      5.0,
		"source_early_return_min_results":  3,
		"source_prefer_http_completion":    true,
		"aggregation_fuzzy_threshold":      0.50,

		// Open directory
		"open_directory_enabled":     true,
		"od_seed_urls":               cloneStrings(RequiredODSeedURLs),
		"od_use_search_engines":      true,
		"od_engine_templates":        cloneStrings(RequiredODEngineTemplates),
		"od_file_extensions":         cloneStrings(RequiredODFileExtensions),
		"od_max_results":             40,
		"od_max_candidate_pages":     12,
		"od_max_depth":               2,
		"od_max_subdirs_per_page":    32,
		"od_fast_return_min_results": 6,
		"od_fast_return_seconds":     9.0,
		"od_request_timeout_seconds": 10.0,
		"od_request_retries":         1,
		"od_retry_backoff_seconds":   0.4,
		"od_allowed_domains":         []string{},
		"od_exclude_patterns":        []string{"/wp-admin/", "/cdn-cgi/"},
		"od_max_file_size_gb":        0.0,
		"od_insecure_hosts":          []string{"suhr.ir"},
		"od_insecure_rewrite_hosts":  []string{"suhr.ir"},

		// Downloads
		"download_folder":          defaultDownloadFolder(),
		"max_concurrent_downloads": 3,
		"download_backend":         "native",

		// RealDebrid
		"rd_access_token":            "",
		"rd_refresh_token":           "",
		"rd_public_client_id":        "X245A4XAIBGVM",
		"rd_client_id":               "X245A4XAIBGVM",
		"rd_client_secret":           "",
		"rd_device_code":             "",
		"rd_library_source_enabled":  true,
		"rd_request_timeout_seconds": 12.0,
		"rd_sharing_mode":            "profile", // "profile" | "shared"

		// RuTracker (opt-in, credentialed)
		"rutracker_enabled":  false,
		"rutracker_username": "",
		"rutracker_password": "",

		// Prowlarr (optional local integration)
		"prowlarr_url":                     "http://127.0.0.1:9696",
		"prowlarr_api_key":                 "",
		"prowlarr_auto_fetch_api_key":      true,
		"prowlarr_request_timeout_seconds": 12.0,
		"prowlarr_limit":                   100,
		"prowlarr_indexer_ids":             []int{},
		"prowlarr_category_ids":            []int{},

		"sources_bootstrap_completed": false,
	}
}

func cloneStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}
