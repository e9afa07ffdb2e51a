// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package httpscrape

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"
)

// redirectQueryKeys are checked in order for an embedded target URL.
var redirectQueryKeys = []string{"url", "u", "target", "to", "r"}

// wrapperMarkers identify URLs that still look like interstitials after
// static decoding and are worth one network redirect-follow.
var wrapperMarkers = []string{
	"/ads/",
	"/go/",
	"/goto/",
	"/redirect",
	"redirect=",
	"url=",
	"target=",
	"out=",
	"href.li/",
}

// decodeRedirect statically unwraps the ad-gate and interstitial wrappers
// the scraped blogs put around hoster links. It never touches the network.
func decodeRedirect(raw string) string {
	current := strings.TrimSpace(raw)
	// The pipeline is applied repeatedly since wrappers nest, but bounded
	// to avoid loops between two decoders.
	for range 4 {
		next := decodeRedirectOnce(current)
		if next == current {
			return current
		}
		current = next
	}
	return current
}

func decodeRedirectOnce(raw string) string {
	if strings.HasPrefix(raw, "magnet:") {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	// href.li wraps the target after the query separator verbatim.
	if strings.HasSuffix(strings.ToLower(parsed.Host), "href.li") {
		if target := strings.TrimPrefix(parsed.RawQuery, "?"); isTargetURL(target) {
			return target
		}
		if isTargetURL(parsed.RawQuery) {
			return parsed.RawQuery
		}
	}

	// Ad gates encode the target as a base64 path segment after /ads/.
	if decoded := decodeAdsSegment(parsed.Path); decoded != "" {
		return decoded
	}

	if target := targetFromValues(parsed.Query()); target != "" {
		return target
	}

	// Some gates stash the target behind the fragment, either as a bare
	// URL or as url=… pairs mirroring the query form.
	if isTargetURL(parsed.Fragment) {
		return parsed.Fragment
	}
	if values, err := url.ParseQuery(parsed.EscapedFragment()); err == nil {
		if target := targetFromValues(values); target != "" {
			return target
		}
	}
	return raw
}

// targetFromValues checks the known redirect keys, accepting plain and
// base64-encoded http/magnet targets.
func targetFromValues(values url.Values) string {
	for _, key := range redirectQueryKeys {
		candidate := values.Get(key)
		if candidate == "" {
			continue
		}
		if isTargetURL(candidate) {
			return candidate
		}
		if decoded := decodeBase64Target(candidate); decoded != "" {
			return decoded
		}
	}
	return ""
}

func decodeAdsSegment(urlPath string) string {
	idx := strings.Index(urlPath, "/ads/")
	if idx < 0 {
		return ""
	}
	return decodeBase64Target(strings.Trim(urlPath[idx+len("/ads/"):], "/"))
}

func decodeBase64Target(segment string) string {
	if segment == "" {
		return ""
	}
	for _, encoding := range []*base64.Encoding{base64.URLEncoding, base64.StdEncoding, base64.RawURLEncoding, base64.RawStdEncoding} {
		if decoded, err := encoding.DecodeString(segment); err == nil && isTargetURL(string(decoded)) {
			return string(decoded)
		}
	}
	return ""
}

func isHTTPURL(candidate string) bool {
	return strings.HasPrefix(candidate, "http://") || strings.HasPrefix(candidate, "https://")
}

// isTargetURL accepts anything that can serve as a final download target.
func isTargetURL(candidate string) bool {
	return isHTTPURL(candidate) || strings.HasPrefix(candidate, "magnet:")
}

// looksLikeWrapper reports whether a statically-decoded URL still carries
// interstitial markers.
func looksLikeWrapper(raw string) bool {
	low := strings.ToLower(raw)
	for _, marker := range wrapperMarkers {
		if strings.Contains(low, marker) {
			return true
		}
	}
	return false
}

// followRedirect resolves one level of server-side redirect for links that
// still look like interstitials after static decoding. HEAD is tried first;
// hosts that reject it get one GET whose body is never read. At most one
// hop is followed.
func followRedirect(ctx context.Context, client *http.Client, raw string) string {
	noFollow := *client
	noFollow.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	for _, method := range []string{http.MethodHead, http.MethodGet} {
		req, err := http.NewRequestWithContext(ctx, method, raw, nil)
		if err != nil {
			return raw
		}

		resp, err := noFollow.Do(req)
		if err != nil {
			return raw
		}
		resp.Body.Close()

		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			if location := resp.Header.Get("Location"); isTargetURL(location) {
				return location
			}
			return raw
		}
		if resp.StatusCode < 400 {
			// The URL answered normally; nothing to unwrap.
			return raw
		}
		// 4xx on HEAD often means the host rejects the method; retry GET.
	}
	return raw
}
