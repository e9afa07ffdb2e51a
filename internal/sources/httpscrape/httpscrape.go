// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package httpscrape implements the HTTP provider that scrapes software
// blogs and index sites for hoster download links. Each configured site is
// a URL template with a {query} placeholder; results come from a two-level
// crawl of the site's search page and the linked posts.
package httpscrape

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/settings"
	"github.com/fetcharr/fetcharr/internal/sources"
)

const sourceName = "HTTP"

const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

// templateConfig is the effective per-site configuration after applying
// http_source_overrides on top of the global defaults.
type templateConfig struct {
	template            string
	host                string
	detailMaxPages      int
	linksPerDetail      int
	detailConcurrency   int
	requestTimeout      time.Duration
	timeBudget          time.Duration
	requestRetries      int
	retryBackoff        time.Duration
	redirectTimeout     time.Duration
	browserEnabled      bool
	browserTimeout      time.Duration
	browserExpandCycles int
}

type config struct {
	enabled           bool
	templates         []templateConfig
	discoveryEnabled  bool
	discoveryEngines  []string
	allowStaleCache   bool
	backgroundRefresh bool
}

// Source is the HTTP scraping provider.
type Source struct {
	sources.ErrorTracker

	settings   *settings.Manager
	httpClient *http.Client
	cache      *templateCache
	health     *healthTracker
	renderer   pageRenderer

	mu  sync.Mutex
	cfg config
}

// New constructs the provider.
func New(settingsManager *settings.Manager) *Source {
	s := &Source{
		settings:   settingsManager,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		cache:      newTemplateCache(5 * time.Minute),
		health:     newHealthTracker(),
	}
	s.ReloadFromSettings(context.Background())
	return s
}

// Name implements sources.Source.
func (s *Source) Name() string { return sourceName }

// ReloadFromSettings rebuilds the per-template configuration.
func (s *Source) ReloadFromSettings(ctx context.Context) {
	overrides := s.settings.GetOverrideMap(ctx, "http_source_overrides")

	base := templateConfig{
		detailMaxPages:      s.settings.GetInt(ctx, "http_detail_max_pages", 10),
		linksPerDetail:      s.settings.GetInt(ctx, "http_links_per_detail", 12),
		detailConcurrency:   s.settings.GetInt(ctx, "http_detail_concurrency", 3),
		requestTimeout:      secondsSetting(s.settings, ctx, "http_request_timeout_seconds", 15),
		timeBudget:          secondsSetting(s.settings, ctx, "http_time_budget_seconds", 50),
		requestRetries:      s.settings.GetInt(ctx, "http_request_retries", 2),
		retryBackoff:        secondsSetting(s.settings, ctx, "http_retry_backoff_seconds", 0.8),
		redirectTimeout:     secondsSetting(s.settings, ctx, "http_redirect_timeout_seconds", 8),
		browserEnabled:      s.settings.GetBool(ctx, "http_browser_fallback_enabled", false),
		browserTimeout:      secondsSetting(s.settings, ctx, "http_browser_timeout_seconds", 20),
		browserExpandCycles: s.settings.GetInt(ctx, "http_browser_max_expand_cycles", 4),
	}

	var templates []templateConfig
	for _, template := range s.settings.GetStringSlice(ctx, "http_sources") {
		parsed, err := url.Parse(strings.ReplaceAll(template, "{query}", "q"))
		if err != nil {
			continue
		}
		tcfg := base
		tcfg.template = template
		tcfg.host = strings.TrimPrefix(strings.ToLower(parsed.Hostname()), "www.")
		applyOverride(&tcfg, overrides[tcfg.host])
		templates = append(templates, tcfg)
	}

	cfg := config{
		enabled:           s.settings.GetBool(ctx, "http_sources_enabled", true),
		templates:         templates,
		discoveryEnabled:  s.settings.GetBool(ctx, "http_primary_discovery_enabled", true),
		discoveryEngines:  s.settings.GetStringSlice(ctx, "http_discovery_engine_templates"),
		allowStaleCache:   s.settings.GetBool(ctx, "http_allow_stale_cache", true),
		backgroundRefresh: s.settings.GetBool(ctx, "http_background_refresh", true),
	}
	s.cache.setTTL(secondsSetting(s.settings, ctx, "http_cache_ttl_seconds", 300))

	anyBrowser := false
	for _, tcfg := range templates {
		if tcfg.browserEnabled {
			anyBrowser = true
			break
		}
	}

	s.mu.Lock()
	s.cfg = cfg
	if anyBrowser && s.renderer == nil {
		s.renderer = newChromedpRenderer(base.browserTimeout)
	}
	s.mu.Unlock()
}

func applyOverride(tcfg *templateConfig, override map[string]any) {
	if override == nil {
		return
	}
	if v, ok := override["detail_max_pages"]; ok {
		tcfg.detailMaxPages = asInt(v, tcfg.detailMaxPages)
	}
	if v, ok := override["links_per_detail"]; ok {
		tcfg.linksPerDetail = asInt(v, tcfg.linksPerDetail)
	}
	if v, ok := override["request_timeout_seconds"]; ok {
		tcfg.requestTimeout = asSeconds(v, tcfg.requestTimeout)
	}
	if v, ok := override["time_budget_seconds"]; ok {
		tcfg.timeBudget = asSeconds(v, tcfg.timeBudget)
	}
	if v, ok := override["browser_enabled"]; ok {
		tcfg.browserEnabled = asBool(v, tcfg.browserEnabled)
	}
	if v, ok := override["browser_timeout_seconds"]; ok {
		tcfg.browserTimeout = asSeconds(v, tcfg.browserTimeout)
	}
	if v, ok := override["browser_max_expand_cycles"]; ok {
		tcfg.browserExpandCycles = asInt(v, tcfg.browserExpandCycles)
	}
}

// Healthcheck implements sources.HealthChecker.
func (s *Source) Healthcheck(context.Context) sources.Health {
	return sources.DefaultHealth(s)
}

// RuntimeStatus implements sources.RuntimeStatusReporter.
func (s *Source) RuntimeStatus(context.Context) map[string]any {
	return map[string]any{
		"templates": s.health.status(),
		"cache":     s.cache.status(),
	}
}

// Search implements sources.Source. Templates are queried in parallel and
// their results concatenated; dedupe and ranking happen downstream.
func (s *Source) Search(ctx context.Context, query string, _ int) ([]models.SearchResult, error) {
	s.SetLastError("")

	s.mu.Lock()
	cfg := s.cfg
	renderer := s.renderer
	s.mu.Unlock()

	if !cfg.enabled {
		s.SetLastError("HTTP sources are disabled")
		return nil, nil
	}
	if len(cfg.templates) == 0 {
		s.SetLastError("no HTTP source templates configured")
		return nil, nil
	}

	var (
		resultsMu sync.Mutex
		results   []models.SearchResult
		failures  int
	)

	workers := pool.New().WithMaxGoroutines(min(4, len(cfg.templates)))
	for _, tcfg := range cfg.templates {
		workers.Go(func() {
			templateResults, err := s.searchTemplate(ctx, cfg, tcfg, renderer, query)

			resultsMu.Lock()
			defer resultsMu.Unlock()
			if err != nil {
				failures++
				log.Debug().Err(err).Str("template", tcfg.template).Msg("HTTP template search failed")
				return
			}
			results = append(results, templateResults...)
		})
	}
	workers.Wait()

	if len(results) == 0 {
		switch {
		case failures == len(cfg.templates):
			s.SetLastError("all HTTP source templates failed")
		case s.LastError() != "":
			// Gated-content detection already left a more specific message.
		default:
			s.SetLastError("no download links found on HTTP sources")
		}
	}
	return results, nil
}

// searchTemplate serves one template from cache when possible, otherwise
// crawls it. Stale cache hits trigger a detached background refresh.
func (s *Source) searchTemplate(ctx context.Context, cfg config, tcfg templateConfig, renderer pageRenderer, query string) ([]models.SearchResult, error) {
	cacheKey := tcfg.host + "|" + strings.ToLower(query)

	cached, found, fresh := s.cache.get(cacheKey)
	if found && fresh {
		return cached, nil
	}
	if found && cfg.allowStaleCache {
		if cfg.backgroundRefresh && s.cache.tryMarkRefreshing(cacheKey) {
			go func() {
				refreshCtx, cancel := context.WithTimeout(context.Background(), tcfg.timeBudget)
				defer cancel()
				if results, err := s.crawlTemplate(refreshCtx, cfg, tcfg, renderer, query); err == nil {
					s.cache.put(cacheKey, results)
				}
			}()
		}
		return cached, nil
	}

	results, err := s.crawlTemplate(ctx, cfg, tcfg, renderer, query)
	if err != nil {
		return nil, err
	}
	s.cache.put(cacheKey, results)
	return results, nil
}

func (s *Source) crawlTemplate(ctx context.Context, cfg config, tcfg templateConfig, renderer pageRenderer, query string) ([]models.SearchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, tcfg.timeBudget)
	defer cancel()

	started := time.Now()
	searchURL := strings.ReplaceAll(tcfg.template, "{query}", url.QueryEscape(query))
	siteAdapter := adapterFor(tcfg.template)

	doc, base, err := s.fetchPage(ctx, tcfg, searchURL)
	if err != nil {
		s.health.recordFailure(tcfg.host, err)
		return nil, err
	}

	refs := siteAdapter.parseResults(doc, base, tcfg.detailMaxPages)
	if len(refs) == 0 && cfg.discoveryEnabled {
		refs = s.discoverPosts(ctx, cfg, tcfg, query)
	}

	var results []models.SearchResult
	if siteAdapter.directResults {
		results = directResultsFrom(refs, tcfg.host)
	} else {
		results = s.crawlPosts(ctx, tcfg, siteAdapter, renderer, refs)
	}

	s.health.recordSuccess(tcfg.host, time.Since(started))
	return results, nil
}

func directResultsFrom(refs []postRef, host string) []models.SearchResult {
	var results []models.SearchResult
	for _, ref := range refs {
		candidate := decodeRedirect(ref.url)
		if !isDownloadLink(candidate) {
			continue
		}
		results = append(results, models.SearchResult{
			Title:  ref.title,
			Link:   candidate,
			Source: sourceName,
			LinkCandidates: []models.LinkCandidate{
				{URL: candidate, Source: host},
			},
		})
	}
	return results
}

// crawlPosts fetches the post pages behind the search hits and extracts
// download candidates from each.
func (s *Source) crawlPosts(ctx context.Context, tcfg templateConfig, siteAdapter adapter, renderer pageRenderer, refs []postRef) []models.SearchResult {
	var (
		resultsMu sync.Mutex
		results   []models.SearchResult
	)

	workers := pool.New().WithMaxGoroutines(max(1, tcfg.detailConcurrency))
	for _, ref := range refs {
		workers.Go(func() {
			if ctx.Err() != nil {
				return
			}
			links := s.postLinks(ctx, tcfg, siteAdapter, renderer, ref.url)
			if len(links) == 0 {
				return
			}

			candidates := make([]models.LinkCandidate, 0, len(links))
			for _, link := range links {
				candidates = append(candidates, models.LinkCandidate{URL: link, Source: tcfg.host})
			}

			resultsMu.Lock()
			results = append(results, models.SearchResult{
				Title:          ref.title,
				Link:           candidates[0].URL,
				Source:         sourceName,
				LinkCandidates: candidates,
			})
			resultsMu.Unlock()
		})
	}
	workers.Wait()
	return results
}

func (s *Source) postLinks(ctx context.Context, tcfg templateConfig, siteAdapter adapter, renderer pageRenderer, postURL string) []string {
	doc, base, err := s.fetchPage(ctx, tcfg, postURL)
	if err != nil {
		log.Debug().Err(err).Str("url", postURL).Msg("HTTP post fetch failed")
		return nil
	}

	links := siteAdapter.parsePostLinks(doc, base, tcfg.linksPerDetail)
	if len(links) > 0 {
		return s.resolveGatewayLinks(ctx, tcfg, links)
	}
	if isGated(doc.Text()) {
		s.SetLastError(gatedWarning)
		log.Debug().Str("url", postURL).Msg("HTTP post is gated, skipping")
		return nil
	}

	// Dynamic pages hide links behind scripts; render once with the
	// headless browser when the template opts in.
	if tcfg.browserEnabled && renderer != nil {
		rendered, err := renderer.Render(ctx, postURL, tcfg.browserExpandCycles)
		if err != nil {
			log.Debug().Err(err).Str("url", postURL).Msg("Browser render failed")
			return nil
		}
		renderedDoc, err := goquery.NewDocumentFromReader(strings.NewReader(rendered))
		if err != nil {
			return nil
		}
		return s.resolveGatewayLinks(ctx, tcfg, siteAdapter.parsePostLinks(renderedDoc, base, tcfg.linksPerDetail))
	}
	return nil
}

// resolveGatewayLinks replaces download gateways with their 302 target so
// candidates point at the actual hoster. Same-site links and anything that
// still carries wrapper markers after static decoding get one bounded hop.
func (s *Source) resolveGatewayLinks(ctx context.Context, tcfg templateConfig, links []string) []string {
	for i, link := range links {
		parsed, err := url.Parse(link)
		if err != nil {
			continue
		}
		host := strings.TrimPrefix(strings.ToLower(parsed.Hostname()), "www.")
		if host != tcfg.host && !looksLikeWrapper(link) {
			continue
		}

		followCtx, cancel := context.WithTimeout(ctx, tcfg.redirectTimeout)
		resolved := followRedirect(followCtx, s.httpClient, link)
		cancel()
		if resolved != link && isDownloadLink(resolved) {
			links[i] = resolved
		}
	}
	return links
}

// discoverPosts falls back to web search engines with a site-scoped query
// when a template's own search produced nothing.
func (s *Source) discoverPosts(ctx context.Context, cfg config, tcfg templateConfig, query string) []postRef {
	scoped := fmt.Sprintf("site:%s %s", tcfg.host, query)

	seen := make(map[string]bool)
	var refs []postRef
	for _, engine := range cfg.discoveryEngines {
		if ctx.Err() != nil || len(refs) >= tcfg.detailMaxPages {
			break
		}
		engineURL := strings.ReplaceAll(engine, "{query}", url.QueryEscape(scoped))

		doc, _, err := s.fetchPage(ctx, tcfg, engineURL)
		if err != nil {
			continue
		}
		doc.Find("a[href]").EachWithBreak(func(_ int, anchor *goquery.Selection) bool {
			href, _ := anchor.Attr("href")
			target := unwrapEngineResult(href)
			if target == "" || seen[target] {
				return true
			}
			parsed, err := url.Parse(target)
			if err != nil || !strings.HasSuffix(strings.TrimPrefix(strings.ToLower(parsed.Hostname()), "www."), tcfg.host) {
				return true
			}
			title := strings.TrimSpace(anchor.Text())
			if title == "" {
				return true
			}
			seen[target] = true
			refs = append(refs, postRef{title: title, url: target})
			return len(refs) < tcfg.detailMaxPages
		})
	}
	return refs
}

// unwrapEngineResult normalizes engine result hrefs, decoding DuckDuckGo's
// /l/?uddg= indirection.
func unwrapEngineResult(href string) string {
	href = strings.TrimSpace(href)
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	parsed, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if strings.HasSuffix(parsed.Host, "duckduckgo.com") && strings.HasPrefix(parsed.Path, "/l/") {
		if target := parsed.Query().Get("uddg"); isHTTPURL(target) {
			return target
		}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ""
	}
	return parsed.String()
}

// fetchPage retrieves and parses one page, retrying server errors with a
// linearly growing backoff.
func (s *Source) fetchPage(ctx context.Context, tcfg templateConfig, pageURL string) (*goquery.Document, *url.URL, error) {
	var lastErr error
	for attempt := 0; attempt <= tcfg.requestRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(tcfg.retryBackoff * time.Duration(attempt)):
			}
		}

		doc, base, retriable, err := s.fetchPageOnce(ctx, tcfg, pageURL)
		if err == nil {
			return doc, base, nil
		}
		lastErr = err
		if !retriable {
			break
		}
	}
	return nil, nil, lastErr
}

func (s *Source) fetchPageOnce(ctx context.Context, tcfg templateConfig, pageURL string) (*goquery.Document, *url.URL, bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, tcfg.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, nil, true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, nil, true, fmt.Errorf("server error %d for %s", resp.StatusCode, pageURL)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, false, fmt.Errorf("status %d for %s", resp.StatusCode, pageURL)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to parse page: %w", err)
	}

	base := resp.Request.URL
	return doc, base, false, nil
}

func secondsSetting(manager *settings.Manager, ctx context.Context, key string, fallback float64) time.Duration {
	return time.Duration(manager.GetFloat(ctx, key, fallback) * float64(time.Second))
}

func asInt(v any, fallback int) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return fallback
	}
}

func asBool(v any, fallback bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return fallback
}

func asSeconds(v any, fallback time.Duration) time.Duration {
	switch n := v.(type) {
	case float64:
		return time.Duration(n * float64(time.Second))
	case int:
		return time.Duration(n) * time.Second
	default:
		return fallback
	}
}
