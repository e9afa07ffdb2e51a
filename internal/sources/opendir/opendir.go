// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package opendir implements the open-directory provider. Candidate
// directory listings come from configured seed URLs and from search-engine
// discovery with an "index of" dork; each candidate is crawled for direct
// file links matching the configured extensions.
package opendir

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"

	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/settings"
	"github.com/fetcharr/fetcharr/internal/sources"
)

const (
	sourceName = "OpenDirectory"

	// A listing with this many file links or fewer is considered sparse
	// and worth descending into subdirectories.
	sparseListingThreshold = 12
	maxSubdirDescent       = 8
	crawlConcurrency       = 4
)

var (
	sizeTextRegex  = regexp.MustCompile(`(?i)\d+(\.\d+)?\s*[KMGTP]i?B`)
	sizeDigitRegex = regexp.MustCompile(`\b\d{7,12}\b`)
	slugRegex      = regexp.MustCompile(`[^a-z0-9]+`)
)

// probePathTemplates are appended to each seed URL when probing for a
// query-specific directory.
var probePathTemplates = []string{
	"mac/%s/",
	"windows/%s/",
	"win.mac/%s/",
	"%s/",
}

type config struct {
	seeds           []string
	useEngines      bool
	engineTemplates []string
	extensions      map[string]bool
	maxResults      int
	maxCandidates   int
	maxDepth        int
	maxSubdirs      int
	fastReturnMin   int
	fastReturnAfter time.Duration
	requestTimeout  time.Duration
	requestRetries  int
	retryBackoff    time.Duration
	allowedDomains  []string
	excludePatterns []string
	maxFileBytes    int64
	insecureHosts   map[string]bool
}

// Source crawls open directories for direct file links.
type Source struct {
	sources.ErrorTracker

	settings       *settings.Manager
	client         *http.Client
	insecureClient *http.Client

	mu  sync.Mutex
	cfg config
}

// New constructs the provider.
func New(settingsManager *settings.Manager) *Source {
	s := &Source{
		settings: settingsManager,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		insecureClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
	s.ReloadFromSettings(context.Background())
	return s
}

// Name implements sources.Source.
func (s *Source) Name() string { return sourceName }

// ReloadFromSettings refreshes crawl configuration.
func (s *Source) ReloadFromSettings(ctx context.Context) {
	extensions := make(map[string]bool)
	for _, ext := range s.settings.GetStringSlice(ctx, "od_file_extensions") {
		extensions[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}
	insecureHosts := make(map[string]bool)
	for _, host := range s.settings.GetStringSlice(ctx, "od_insecure_hosts") {
		insecureHosts[strings.ToLower(host)] = true
	}

	cfg := config{
		seeds:           s.settings.GetStringSlice(ctx, "od_seed_urls"),
		useEngines:      s.settings.GetBool(ctx, "od_use_search_engines", true),
		engineTemplates: s.settings.GetStringSlice(ctx, "od_engine_templates"),
		extensions:      extensions,
		maxResults:      s.settings.GetInt(ctx, "od_max_results", 40),
		maxCandidates:   s.settings.GetInt(ctx, "od_max_candidate_pages", 12),
		maxDepth:        s.settings.GetInt(ctx, "od_max_depth", 2),
		maxSubdirs:      s.settings.GetInt(ctx, "od_max_subdirs_per_page", 32),
		fastReturnMin:   s.settings.GetInt(ctx, "od_fast_return_min_results", 6),
		fastReturnAfter: time.Duration(s.settings.GetFloat(ctx, "od_fast_return_seconds", 9.0) * float64(time.Second)),
		requestTimeout:  time.Duration(s.settings.GetFloat(ctx, "od_request_timeout_seconds", 10.0) * float64(time.Second)),
		requestRetries:  s.settings.GetInt(ctx, "od_request_retries", 1),
		retryBackoff:    time.Duration(s.settings.GetFloat(ctx, "od_retry_backoff_seconds", 0.4) * float64(time.Second)),
		allowedDomains:  s.settings.GetStringSlice(ctx, "od_allowed_domains"),
		excludePatterns: s.settings.GetStringSlice(ctx, "od_exclude_patterns"),
		maxFileBytes:    int64(s.settings.GetFloat(ctx, "od_max_file_size_gb", 0) * 1e9),
		insecureHosts:   insecureHosts,
	}

	s.mu.Lock()
	s.cfg = cfg
	s.client.Timeout = cfg.requestTimeout
	s.insecureClient.Timeout = cfg.requestTimeout
	s.mu.Unlock()
}

// Healthcheck implements sources.HealthChecker.
func (s *Source) Healthcheck(context.Context) sources.Health {
	return sources.DefaultHealth(s)
}

// Search implements sources.Source.
func (s *Source) Search(ctx context.Context, query string, _ int) ([]models.SearchResult, error) {
	s.SetLastError("")

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	started := time.Now()
	collector := newCollector(cfg, started)
	tokens := queryTokens(query)

	probedEnough := s.probeSeeds(ctx, cfg, query, tokens, collector)

	// When the query-specific probes came up short, crawl each seed root so
	// mirrors without per-query subdirectories still get searched.
	if !probedEnough {
		for _, seed := range cfg.seeds {
			if ctx.Err() != nil || collector.satisfied() {
				break
			}
			s.crawl(ctx, cfg, strings.TrimRight(seed, "/")+"/", 0, tokens, collector)
		}
	}

	if cfg.useEngines && !collector.satisfied() {
		candidates := s.discoverCandidates(ctx, cfg, query)
		s.crawlCandidates(ctx, cfg, candidates, tokens, collector)
	}

	results := collector.results()
	if len(results) == 0 {
		s.SetLastError("no open-directory file links found")
	}
	return results, nil
}

// probeSeeds checks query-specific paths under each seed. Seeds are probed
// sequentially and the loop stops early once two probes produced results,
// since seed directories tend to mirror each other. Returns true when the
// probes alone gathered enough and the seed roots need no full crawl.
func (s *Source) probeSeeds(ctx context.Context, cfg config, query string, tokens []string, collector *collector) bool {
	token := slug(query)
	if token == "" {
		return false
	}

	productiveProbes := 0
	for _, seed := range cfg.seeds {
		if ctx.Err() != nil || collector.satisfied() {
			return true
		}
		base := strings.TrimRight(seed, "/") + "/"

		found := false
		for _, template := range probePathTemplates {
			probeURL := base + fmt.Sprintf(template, token)
			if s.crawl(ctx, cfg, probeURL, 0, tokens, collector) > 0 {
				found = true
			}
			if collector.satisfied() {
				return true
			}
		}
		if found {
			productiveProbes++
			if productiveProbes >= 2 {
				return true
			}
		}
	}
	return false
}

// discoverCandidates asks the configured engines for open-directory pages
// matching the query.
func (s *Source) discoverCandidates(ctx context.Context, cfg config, query string) []string {
	dork := buildDork(query, cfg.extensions)

	seen := make(map[string]bool)
	var candidates []string
	for _, template := range cfg.engineTemplates {
		if ctx.Err() != nil || len(candidates) >= cfg.maxCandidates {
			break
		}
		engineURL := strings.ReplaceAll(template, "{query}", url.QueryEscape(dork))

		doc, err := s.fetchDocument(ctx, cfg, engineURL)
		if err != nil {
			log.Debug().Err(err).Str("engine", engineURL).Msg("Open-directory engine query failed")
			continue
		}

		doc.Find("a[href]").EachWithBreak(func(_ int, anchor *goquery.Selection) bool {
			href, _ := anchor.Attr("href")
			candidate := normalizeCandidate(href)
			if candidate == "" || seen[candidate] {
				return true
			}
			if !allowedDomain(candidate, cfg.allowedDomains) || excluded(candidate, cfg.excludePatterns) {
				return true
			}
			seen[candidate] = true
			candidates = append(candidates, candidate)
			return len(candidates) < cfg.maxCandidates
		})
	}
	return candidates
}

func (s *Source) crawlCandidates(ctx context.Context, cfg config, candidates []string, tokens []string, collector *collector) {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(crawlConcurrency)

	for _, candidate := range candidates {
		if collector.satisfied() {
			break
		}
		group.Go(func() error {
			if collector.satisfied() {
				return nil
			}
			s.crawl(groupCtx, cfg, candidate, 0, tokens, collector)
			return nil
		})
	}
	_ = group.Wait()
}

// crawl fetches one directory listing and collects its file links,
// descending into subdirectories when the listing is sparse. Returns the
// number of files found under this page.
func (s *Source) crawl(ctx context.Context, cfg config, dirURL string, depth int, tokens []string, collector *collector) int {
	if ctx.Err() != nil {
		return 0
	}

	doc, err := s.fetchDocument(ctx, cfg, dirURL)
	if err != nil {
		return 0
	}

	base, err := url.Parse(dirURL)
	if err != nil {
		return 0
	}

	files, dirMatches, subdirs := parseListing(doc, base, cfg, tokens)
	for _, file := range files {
		collector.add(file)
	}

	found := len(files)
	canDescend := found <= sparseListingThreshold && depth+1 < cfg.maxDepth && !collector.satisfied()
	if canDescend {
		descend := min(len(subdirs), min(maxSubdirDescent, cfg.maxSubdirs))
		for _, subdir := range subdirs[:descend] {
			if collector.satisfied() {
				break
			}
			found += s.crawl(ctx, cfg, subdir, depth+1, tokens, collector)
		}
	}

	// A fileless crawl still points somewhere useful: surface the matching
	// directories, or failing that the first few subdirectories, as entries
	// the user can descend into manually.
	if found == 0 && depth == 0 {
		entries := dirMatches
		if len(entries) == 0 {
			for _, subdir := range subdirs[:min(len(subdirs), maxSubdirDescent)] {
				entries = append(entries, directoryEntry(subdir))
			}
		}
		for _, entry := range entries {
			collector.add(entry)
		}
	}
	return found
}

// fetchDocument retrieves a page, working around the TLS quirks of hobbyist
// open-directory hosts: a failed https fetch falls back to plain http, and
// allowlisted hosts may retry with certificate verification disabled.
func (s *Source) fetchDocument(ctx context.Context, cfg config, pageURL string) (*goquery.Document, error) {
	doc, err := s.fetchRetrying(ctx, cfg, s.client, pageURL)
	if err == nil {
		return doc, nil
	}
	if !isTLSError(err) {
		return nil, err
	}

	if strings.HasPrefix(pageURL, "https://") {
		httpURL := "http://" + strings.TrimPrefix(pageURL, "https://")
		if doc, httpErr := s.fetchRetrying(ctx, cfg, s.client, httpURL); httpErr == nil {
			return doc, nil
		}
	}

	if parsed, parseErr := url.Parse(pageURL); parseErr == nil && cfg.insecureHosts[strings.ToLower(parsed.Hostname())] {
		return s.fetchRetrying(ctx, cfg, s.insecureClient, pageURL)
	}
	return nil, err
}

// fetchRetrying retries transient failures with a linearly growing backoff.
// TLS errors are not retried here so the caller's fallback chain engages.
func (s *Source) fetchRetrying(ctx context.Context, cfg config, client *http.Client, pageURL string) (*goquery.Document, error) {
	var lastErr error
	for attempt := 0; attempt <= cfg.requestRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(cfg.retryBackoff * time.Duration(attempt)):
			}
		}

		doc, retriable, err := s.fetchOnce(ctx, client, pageURL)
		if err == nil {
			return doc, nil
		}
		lastErr = err
		if !retriable {
			break
		}
	}
	return nil, lastErr
}

func (s *Source) fetchOnce(ctx context.Context, client *http.Client, pageURL string) (*goquery.Document, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")

	resp, err := client.Do(req)
	if err != nil {
		return nil, !isTLSError(err), err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("server error %d for %s", resp.StatusCode, pageURL)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, false, fmt.Errorf("status %d for %s", resp.StatusCode, pageURL)
	}
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, false, err
	}
	return doc, false, nil
}

func isTLSError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "tls:") ||
		strings.Contains(msg, "x509:") ||
		strings.Contains(msg, "certificate")
}

// parseListing splits a directory page's anchors into file results,
// query-matching subdirectory entries, and subdirectory URLs. File links
// must relate to the query tokens, either directly (anchor text or file
// name) or through the page context (title or URL); an empty token set
// disables the filter.
func parseListing(doc *goquery.Document, base *url.URL, cfg config, tokens []string) ([]models.SearchResult, []models.SearchResult, []string) {
	var files []models.SearchResult
	var dirMatches []models.SearchResult
	var subdirs []string

	pageContext := strings.ToLower(doc.Find("title").Text() + " " + base.String())
	contextMatch := anyToken(pageContext, tokens)

	doc.Find("a[href]").Each(func(_ int, anchor *goquery.Selection) {
		href, _ := anchor.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "?") || strings.HasPrefix(href, "#") {
			return
		}

		resolved := resolveRef(base, href)
		if resolved == "" || excluded(resolved, cfg.excludePatterns) {
			return
		}

		anchorText := strings.ToLower(anchor.Text())

		if isDirLink(base, resolved) {
			subdirs = append(subdirs, resolved)
			if len(tokens) > 0 && anyToken(anchorText, tokens) {
				dirMatches = append(dirMatches, directoryEntry(resolved))
			}
			return
		}

		ext := strings.ToLower(strings.TrimPrefix(path.Ext(resolved), "."))
		if !cfg.extensions[ext] {
			return
		}
		if !allowedDomain(resolved, cfg.allowedDomains) {
			return
		}

		name, err := url.PathUnescape(path.Base(resolved))
		if err != nil {
			name = path.Base(resolved)
		}

		if len(tokens) > 0 && !contextMatch &&
			!anyToken(anchorText, tokens) && !anyToken(strings.ToLower(name), tokens) {
			return
		}

		size := sizeNear(anchor)
		if cfg.maxFileBytes > 0 && size > cfg.maxFileBytes {
			return
		}

		files = append(files, models.SearchResult{
			Title:  name,
			Link:   resolved,
			Size:   size,
			Source: sourceName,
		})
	})

	return files, dirMatches, subdirs
}

// anyToken reports whether any query token occurs in the haystack, which
// must already be lowercased.
func anyToken(haystack string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(haystack, token) {
			return true
		}
	}
	return false
}

// directoryEntry turns a subdirectory URL into a browsable result.
func directoryEntry(dirURL string) models.SearchResult {
	trimmed := strings.TrimRight(dirURL, "/")
	name, err := url.PathUnescape(path.Base(trimmed))
	if err != nil {
		name = path.Base(trimmed)
	}
	return models.SearchResult{
		Title:  name + "/",
		Link:   dirURL,
		Source: sourceName,
	}
}

// sizeNear extracts a byte size from the text that follows the anchor in
// the listing, covering both <pre> style and table style indexes.
func sizeNear(anchor *goquery.Selection) int64 {
	if size := sizeFromText(followingText(anchor)); size > 0 {
		return size
	}
	if row := anchor.Closest("tr"); row.Length() > 0 {
		return sizeFromText(row.Text())
	}
	return 0
}

// followingText gathers the text nodes after the anchor up to the next
// element, the layout used by Apache and nginx autoindex pages.
func followingText(anchor *goquery.Selection) string {
	if len(anchor.Nodes) == 0 {
		return ""
	}
	var parts []string
	for node := anchor.Nodes[0].NextSibling; node != nil; node = node.NextSibling {
		if node.Type == html.TextNode {
			parts = append(parts, node.Data)
		}
		if node.Type == html.ElementNode && node.Data == "a" {
			break
		}
	}
	return strings.Join(parts, " ")
}

func sizeFromText(text string) int64 {
	if match := sizeTextRegex.FindString(text); match != "" {
		return models.NormalizeSize(match)
	}
	if match := sizeDigitRegex.FindString(text); match != "" {
		return models.NormalizeSize(match)
	}
	return 0
}

// isDirLink reports whether the resolved URL is a subdirectory of the page
// being parsed. Parent links and cross-host links do not count.
func isDirLink(base *url.URL, resolved string) bool {
	if !strings.HasSuffix(resolved, "/") {
		return false
	}
	parsed, err := url.Parse(resolved)
	if err != nil || parsed.Host != base.Host {
		return false
	}
	return strings.HasPrefix(parsed.Path, base.Path) && parsed.Path != base.Path
}

func resolveRef(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	resolved.Fragment = ""
	return resolved.String()
}

// normalizeCandidate turns an engine result anchor into a crawlable
// directory URL. DuckDuckGo wraps targets in /l/?uddg= redirects.
func normalizeCandidate(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}

	parsed, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if strings.HasSuffix(parsed.Host, "duckduckgo.com") && strings.HasPrefix(parsed.Path, "/l/") {
		if target := parsed.Query().Get("uddg"); target != "" {
			href = target
			if parsed, err = url.Parse(href); err != nil {
				return ""
			}
		}
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ""
	}
	if parsed.Host == "" || strings.Contains(parsed.Host, "duckduckgo.com") ||
		strings.Contains(parsed.Host, "startpage.com") || strings.Contains(parsed.Host, "searx") {
		return ""
	}
	// Only directory-looking URLs are worth crawling.
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path = path.Dir(parsed.Path) + "/"
	}
	parsed.Fragment = ""
	parsed.RawQuery = ""
	return parsed.String()
}

func allowedDomain(rawURL string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	for _, domain := range allowed {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain != "" && (host == domain || strings.HasSuffix(host, "."+domain)) {
			return true
		}
	}
	return false
}

func excluded(rawURL string, patterns []string) bool {
	low := strings.ToLower(rawURL)
	for _, pattern := range patterns {
		if pattern != "" && strings.Contains(low, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

func slug(query string) string {
	token := slugRegex.ReplaceAllString(strings.ToLower(strings.TrimSpace(query)), ".")
	return strings.Trim(token, ".")
}

// queryTokens extracts the lowercase query words used to filter listings.
// Very short words match too much directory noise and are dropped.
func queryTokens(query string) []string {
	var tokens []string
	for _, token := range slugRegex.Split(strings.ToLower(query), -1) {
		if len(token) >= 3 {
			tokens = append(tokens, token)
		}
	}
	return tokens
}

// buildDork builds the search-engine query: the quoted query scoped to
// index pages, with focus terms, the configured extensions, and the usual
// dynamic-page suffixes excluded.
func buildDork(query string, extensions map[string]bool) string {
	parts := []string{
		`intitle:"index of"`,
		`"` + strings.TrimSpace(query) + `"`,
		"(windows OR macos OR vst OR plugin OR installer OR portable)",
	}
	if len(extensions) > 0 {
		exts := make([]string, 0, len(extensions))
		for ext := range extensions {
			exts = append(exts, "ext:"+ext)
		}
		sort.Strings(exts)
		parts = append(parts, "("+strings.Join(exts, " OR ")+")")
	}
	parts = append(parts, "-inurl:(jsp|pl|php|html|aspx|htm|cf|shtml)")
	return strings.Join(parts, " ")
}

// collector accumulates deduplicated results across crawl goroutines and
// answers the fast-return question.
type collector struct {
	cfg     config
	started time.Time

	mu   sync.Mutex
	seen map[string]bool
	out  []models.SearchResult
}

func newCollector(cfg config, started time.Time) *collector {
	return &collector{
		cfg:     cfg,
		started: started,
		seen:    make(map[string]bool),
	}
}

func (c *collector) add(result models.SearchResult) {
	key := strings.ToLower(result.Link)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen[key] || len(c.out) >= c.cfg.maxResults {
		return
	}
	c.seen[key] = true
	c.out = append(c.out, result)
}

// satisfied reports whether crawling can stop: either the result cap is
// reached, or enough results arrived and the fast-return window elapsed.
func (c *collector) satisfied() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.out) >= c.cfg.maxResults {
		return true
	}
	return len(c.out) >= c.cfg.fastReturnMin && time.Since(c.started) >= c.cfg.fastReturnAfter
}

func (c *collector) results() []models.SearchResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.SearchResult, len(c.out))
	copy(out, c.out)
	return out
}
