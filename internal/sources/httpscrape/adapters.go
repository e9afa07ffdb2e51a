// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package httpscrape

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// adapter captures the per-site parse rules for one scraped blog. The
// generic adapter handles any WordPress-flavored site; the named ones pin
// selectors for the sites that ship in the default template list.
type adapter struct {
	name string

	// hostContains selects this adapter for a template URL.
	hostContains string

	// resultSelectors locate post links on the search results page, tried
	// in order until one matches.
	resultSelectors []string

	// postLinkSelectors scope download-link extraction on the post page.
	postLinkSelectors []string

	// directResults means the search page links are themselves file links
	// and no post pages exist (palined's index search works this way).
	directResults bool
}

var adapters = []adapter{
	{
		name:          "palined",
		hostContains:  "palined.com",
		directResults: true,
		resultSelectors: []string{
			"pre a[href]",
			"table a[href]",
			"body a[href]",
		},
	},
	{
		name:         "nmac",
		hostContains: "nmac.to",
		resultSelectors: []string{
			"article h2 a[href]",
			"h2.entry-title a[href]",
		},
		postLinkSelectors: []string{
			".download-links a",
			"a.btn",
			".entry-content a",
		},
	},
	{
		name:         "audioz",
		hostContains: "audioz.download",
		resultSelectors: []string{
			"article h1 a[href]",
			".title a[href]",
			"h2 a[href]",
		},
		postLinkSelectors: []string{
			".dlbutton a",
			"#dl_block a",
			".entry-content a",
			"article a",
		},
	},
	{
		name:         "macked",
		hostContains: "macked.app",
		resultSelectors: []string{
			"h2.entry-title a[href]",
			"article h2 a[href]",
		},
		postLinkSelectors: []string{
			".wp-block-button a",
			"a.download",
			".entry-content a",
		},
	},
	{
		name:         "vstorrent",
		hostContains: "vstorrent.org",
		resultSelectors: []string{
			"h2.entry-title a[href]",
			"article h2 a[href]",
		},
		postLinkSelectors: []string{
			`a[href$=".torrent"]`,
			".entry-content a",
		},
	},
}

var genericAdapter = adapter{
	name: "generic",
	resultSelectors: []string{
		"article h2 a[href]",
		"h2.entry-title a[href]",
		"h2 a[href]",
		".post-title a[href]",
	},
	// Post-link selectors match bare <a> so anchors that only carry
	// data-href/data-url or onclick URLs are still harvested.
	postLinkSelectors: []string{
		".entry-content a",
		"article a",
		"body a",
	},
}

// adapterFor picks the parse rules for a template URL.
func adapterFor(templateURL string) adapter {
	parsed, err := url.Parse(templateURL)
	if err != nil {
		return genericAdapter
	}
	host := strings.ToLower(parsed.Host)
	for _, a := range adapters {
		if strings.Contains(host, a.hostContains) {
			return a
		}
	}
	return genericAdapter
}

// postRef is one search hit pointing at a post page.
type postRef struct {
	title string
	url   string
}

// parseResults extracts post references (or direct file links for
// direct-result adapters) from a search page.
func (a adapter) parseResults(doc *goquery.Document, base *url.URL, limit int) []postRef {
	seen := make(map[string]bool)
	var refs []postRef

	for _, selector := range a.resultSelectors {
		doc.Find(selector).EachWithBreak(func(_ int, anchor *goquery.Selection) bool {
			href, ok := anchor.Attr("href")
			if !ok {
				return true
			}
			resolved := resolveURL(base, href)
			if resolved == "" || seen[resolved] {
				return true
			}
			title := strings.TrimSpace(anchor.Text())
			if title == "" {
				title = strings.TrimSpace(anchor.AttrOr("title", ""))
			}
			if title == "" {
				return true
			}
			// Same-host check keeps navigation chrome out; direct-result
			// adapters point at other hosts by design.
			if !a.directResults && !sameHost(base, resolved) {
				return true
			}
			seen[resolved] = true
			refs = append(refs, postRef{title: title, url: resolved})
			return len(refs) < limit
		})
		if len(refs) >= limit {
			break
		}
	}
	return refs
}

// parsePostLinks extracts download candidates from a post page. Each
// anchor contributes its href plus any data-href/data-url attributes and
// URLs buried in onclick handlers.
func (a adapter) parsePostLinks(doc *goquery.Document, base *url.URL, limit int) []string {
	selectors := a.postLinkSelectors
	if len(selectors) == 0 {
		selectors = genericAdapter.postLinkSelectors
	}

	seen := make(map[string]bool)
	var links []string
	for _, selector := range selectors {
		doc.Find(selector).EachWithBreak(func(_ int, anchor *goquery.Selection) bool {
			for _, href := range candidateHrefs(anchor) {
				candidate := decodeRedirect(resolveURL(base, href))
				if candidate == "" || seen[candidate] || !isDownloadLink(candidate) {
					continue
				}
				seen[candidate] = true
				links = append(links, candidate)
				if len(links) >= limit {
					return false
				}
			}
			return true
		})
		if len(links) >= limit {
			break
		}
	}
	return links
}

var onclickURLRegex = regexp.MustCompile(`(?:https?://|magnet:\?)[^\s'"()]+`)

// candidateHrefs gathers every URL an anchor can carry.
func candidateHrefs(anchor *goquery.Selection) []string {
	var hrefs []string
	for _, attr := range []string{"href", "data-href", "data-url"} {
		if value, ok := anchor.Attr(attr); ok && strings.TrimSpace(value) != "" {
			hrefs = append(hrefs, value)
		}
	}
	if onclick, ok := anchor.Attr("onclick"); ok {
		hrefs = append(hrefs, onclickURLRegex.FindAllString(onclick, -1)...)
	}
	return hrefs
}

func resolveURL(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
		return ""
	}
	// Magnet links resolve to themselves.
	if strings.HasPrefix(href, "magnet:?xt=urn:btih:") {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	return resolved.String()
}

func sameHost(base *url.URL, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(strings.TrimPrefix(parsed.Host, "www."), strings.TrimPrefix(base.Host, "www."))
}
