// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package settings

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// sanitize enforces baseline URLs, host quirks, and limit clamps on a
// settings map. Returns true when anything changed.
func sanitize(s map[string]any) bool {
	changed := false

	changed = mergeRequiredURLList(s, "piratebay_mirror_order", RequiredPirateBayMirrors) || changed
	changed = mergeRequiredURLList(s, "piratebay_api_endpoints", RequiredPirateBayAPIs) || changed
	changed = mergeRequiredURLList(s, "x1337_mirror_order", RequiredX1337Mirrors) || changed
	changed = mergeRequiredURLList(s, "http_sources", RequiredHTTPSourceTemplates) || changed
	changed = mergeRequiredURLList(s, "http_discovery_engine_templates", RequiredHTTPDiscoveryEngines) || changed
	changed = mergeRequiredURLList(s, "od_seed_urls", RequiredODSeedURLs) || changed
	changed = mergeRequiredURLList(s, "od_engine_templates", RequiredODEngineTemplates) || changed
	changed = mergeRequiredURLList(s, "od_file_extensions", RequiredODFileExtensions) || changed

	changed = rewriteInsecureSeeds(s) || changed

	if asInt(s["od_max_depth"], 1) < 2 {
		s["od_max_depth"] = 2
		changed = true
	}
	subdirs := asInt(s["od_max_subdirs_per_page"], 32)
	if subdirs <= 0 || subdirs > 64 {
		// Very high crawl fan-out stalls queries.
		s["od_max_subdirs_per_page"] = 32
		changed = true
	}
	if asFloat(s["od_fast_return_seconds"], 0) <= 0 {
		s["od_fast_return_seconds"] = 9.0
		changed = true
	}
	if asInt(s["od_fast_return_min_results"], 0) <= 0 {
		s["od_fast_return_min_results"] = 6
		changed = true
	}
	if _, ok := s["http_sources_enabled"]; !ok {
		s["http_sources_enabled"] = true
		changed = true
	}

	// One-time bootstrap: fresh installs and migrated configs get the core
	// web providers enabled.
	if !asBool(s["sources_bootstrap_completed"], false) {
		flags := asBoolMap(s["enabled_sources"])
		for _, name := range []string{"RealDebrid Library", "HTTP", "OpenDirectory"} {
			if !flags[name] {
				flags[name] = true
			}
		}
		s["enabled_sources"] = flags
		s["sources_bootstrap_completed"] = true
		changed = true
	}

	normalized := sanitizeDownloadFolder(s["download_folder"])
	if asString(s["download_folder"], "") != normalized {
		s["download_folder"] = normalized
		changed = true
	}

	return changed
}

// mergeRequiredURLList appends missing required entries after the persisted
// custom entries, trimming and deduplicating.
func mergeRequiredURLList(s map[string]any, key string, required []string) bool {
	existing := asStringSlice(s[key])

	normalized := make([]string, 0, len(existing)+len(required))
	seen := make(map[string]struct{}, len(existing)+len(required))
	add := func(item string) {
		item = strings.TrimSpace(item)
		if item == "" {
			return
		}
		if _, dup := seen[item]; dup {
			return
		}
		seen[item] = struct{}{}
		normalized = append(normalized, item)
	}
	for _, item := range existing {
		add(item)
	}
	for _, item := range required {
		add(item)
	}

	changed := len(normalized) != len(existing)
	if !changed {
		for i := range normalized {
			if normalized[i] != existing[i] {
				changed = true
				break
			}
		}
	}
	s[key] = normalized
	return changed
}

// rewriteInsecureSeeds downgrades HTTPS seed URLs to HTTP for hosts on the
// insecure-rewrite list, which are known to present bad certificates.
func rewriteInsecureSeeds(s map[string]any) bool {
	hosts := asStringSlice(s["od_insecure_rewrite_hosts"])
	if len(hosts) == 0 {
		hosts = []string{"suhr.ir"}
	}

	seeds := asStringSlice(s["od_seed_urls"])
	normalized := make([]string, 0, len(seeds))
	seen := make(map[string]struct{}, len(seeds))
	changed := false

	for _, raw := range seeds {
		text := strings.TrimSpace(raw)
		if text == "" {
			changed = true
			continue
		}
		low := strings.ToLower(text)
		for _, host := range hosts {
			if strings.HasPrefix(low, "https://"+strings.ToLower(host)+"/") {
				text = "http://" + text[len("https://"):]
				changed = true
				break
			}
		}
		if _, dup := seen[text]; dup {
			changed = true
			continue
		}
		seen[text] = struct{}{}
		normalized = append(normalized, text)
	}

	s["od_seed_urls"] = normalized
	return changed
}

func sanitizeDownloadFolder(value any) string {
	text := strings.TrimSpace(asString(value, ""))
	if text == "" {
		return defaultDownloadFolder()
	}
	if text == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
		return text
	}
	if strings.HasPrefix(text, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, text[2:])
		}
	}
	return filepath.Clean(text)
}

// Coercion helpers. JSON round-trips turn ints into float64 and typed
// slices into []any, so every read tolerates both shapes.

func asString(v any, fallback string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fallback
}

func asInt(v any, fallback int) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n
		}
	}
	return fallback
}

func asFloat(v any, fallback float64) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f
		}
	}
	return fallback
}

func asBool(v any, fallback bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return fallback
}

func asStringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func asIntSlice(v any) []int {
	switch t := v.(type) {
	case []int:
		out := make([]int, len(t))
		copy(out, t)
		return out
	case []any:
		out := make([]int, 0, len(t))
		for _, item := range t {
			if n := asInt(item, -1); n > 0 {
				out = append(out, n)
			}
		}
		return out
	}
	return nil
}

func asBoolMap(v any) map[string]bool {
	out := make(map[string]bool)
	switch t := v.(type) {
	case map[string]bool:
		for k, b := range t {
			out[k] = b
		}
	case map[string]any:
		for k, item := range t {
			if b, ok := item.(bool); ok {
				out[k] = b
			}
		}
	}
	return out
}

func asOverrideMap(v any) map[string]map[string]any {
	out := make(map[string]map[string]any)
	switch t := v.(type) {
	case map[string]map[string]any:
		for k, m := range t {
			inner := make(map[string]any, len(m))
			for ik, iv := range m {
				inner[ik] = iv
			}
			out[k] = inner
		}
	case map[string]any:
		for k, item := range t {
			if m, ok := item.(map[string]any); ok {
				inner := make(map[string]any, len(m))
				for ik, iv := range m {
					inner[ik] = iv
				}
				out[k] = inner
			}
		}
	}
	return out
}
