// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package x1337 implements the 1337x torrent-index provider. Listing pages
// carry no magnet links, so each result costs one extra detail-page fetch;
// the fetches run under a shared time budget so a slow mirror cannot stall
// the whole search.
package x1337

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/settings"
	"github.com/fetcharr/fetcharr/internal/sources"
)

const (
	sourceName = "1337x"

	defaultDetailBudget  = 20 * time.Second
	defaultDetailTimeout = 6 * time.Second
	defaultMaxDetails    = 10
)

const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

// Source searches 1337x mirrors.
type Source struct {
	sources.ErrorTracker

	settings   *settings.Manager
	httpClient *http.Client

	mu      sync.Mutex
	mirrors []string
	baseURL string

	detailBudget  time.Duration
	detailTimeout time.Duration
	maxDetails    int
}

// New constructs the provider and loads mirrors from settings.
func New(settingsManager *settings.Manager) *Source {
	s := &Source{
		settings: settingsManager,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		detailBudget:  defaultDetailBudget,
		detailTimeout: defaultDetailTimeout,
		maxDetails:    defaultMaxDetails,
	}
	s.ReloadFromSettings(context.Background())
	return s
}

// Name implements sources.Source.
func (s *Source) Name() string { return sourceName }

// ReloadFromSettings refreshes mirrors and detail-fetch limits.
func (s *Source) ReloadFromSettings(ctx context.Context) {
	mirrors := trimAll(s.settings.GetStringSlice(ctx, "x1337_mirror_order"))
	if len(mirrors) == 0 {
		mirrors = settings.RequiredX1337Mirrors
	}

	budget := s.settings.GetFloat(ctx, "x1337_detail_budget_seconds", defaultDetailBudget.Seconds())
	perFetch := s.settings.GetFloat(ctx, "x1337_detail_timeout_seconds", defaultDetailTimeout.Seconds())
	maxDetails := s.settings.GetInt(ctx, "x1337_max_detail_fetches", defaultMaxDetails)

	s.mu.Lock()
	s.mirrors = mirrors
	if !contains(s.mirrors, s.baseURL) {
		s.baseURL = s.mirrors[0]
	}
	s.detailBudget = secondsOrDefault(budget, defaultDetailBudget)
	s.detailTimeout = secondsOrDefault(perFetch, defaultDetailTimeout)
	if maxDetails > 0 {
		s.maxDetails = maxDetails
	}
	s.mu.Unlock()
}

// Healthcheck implements sources.HealthChecker.
func (s *Source) Healthcheck(context.Context) sources.Health {
	return sources.DefaultHealth(s)
}

// listingRow is a parsed search-result row before its magnet is resolved.
type listingRow struct {
	title     string
	detailURL string
	seeds     int
	leeches   int
	size      int64
}

// Search implements sources.Source.
func (s *Source) Search(ctx context.Context, query string, page int) ([]models.SearchResult, error) {
	s.SetLastError("")

	if page < 1 {
		page = 1
	}
	encoded := url.PathEscape(query)

	s.mu.Lock()
	order := mirrorOrder(s.baseURL, s.mirrors)
	budget := s.detailBudget
	perFetch := s.detailTimeout
	maxDetails := s.maxDetails
	s.mu.Unlock()

	var lastErr error
	for _, mirror := range order {
		searchURL := fmt.Sprintf("%s/search/%s/%d/", mirror, encoded, page)

		rows, err := s.fetchListing(ctx, searchURL, mirror)
		if err != nil {
			lastErr = err
			log.Debug().Err(err).Str("mirror", mirror).Msg("1337x mirror search failed")
			continue
		}
		if len(rows) == 0 {
			continue
		}

		s.mu.Lock()
		s.baseURL = mirror
		s.mu.Unlock()

		return s.resolveMagnets(ctx, mirror, rows, budget, perFetch, maxDetails), nil
	}

	if lastErr != nil {
		s.SetLastError(fmt.Sprintf("All 1337x mirrors failed: %v", lastErr))
	}
	return nil, nil
}

func (s *Source) fetchListing(ctx context.Context, searchURL, mirror string) ([]listingRow, error) {
	doc, err := s.fetchDocument(ctx, searchURL, 0)
	if err != nil {
		return nil, err
	}

	var rows []listingRow
	doc.Find(".table-list tbody tr").Each(func(_ int, tr *goquery.Selection) {
		if row, ok := parseListingRow(tr, mirror); ok {
			rows = append(rows, row)
		}
	})
	return rows, nil
}

// resolveMagnets fetches detail pages for the top rows under the shared
// budget. Rows whose magnet could not be resolved within the budget are
// dropped and reported through LastError.
func (s *Source) resolveMagnets(ctx context.Context, mirror string, rows []listingRow, budget, perFetch time.Duration, maxDetails int) []models.SearchResult {
	deadline := time.Now().Add(budget)

	limit := min(len(rows), maxDetails)
	results := make([]models.SearchResult, 0, limit)
	resolved := 0

	for _, row := range rows[:limit] {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		timeout := min(perFetch, remaining)
		magnet, err := s.fetchMagnet(ctx, row.detailURL, timeout)
		if err != nil {
			log.Debug().Err(err).Str("url", row.detailURL).Msg("1337x detail fetch failed")
			continue
		}
		infohash := models.ExtractInfohash(magnet)
		if infohash == "" {
			continue
		}

		resolved++
		results = append(results, models.SearchResult{
			Title:    row.title,
			Link:     magnet,
			Size:     row.size,
			Seeds:    row.seeds,
			Leeches:  row.leeches,
			Source:   sourceName,
			Infohash: infohash,
		})
	}

	if resolved < len(rows) {
		s.SetLastError(fmt.Sprintf("1337x returned partial results: resolved %d of %d magnets within budget", resolved, len(rows)))
	}
	return results
}

func (s *Source) fetchMagnet(ctx context.Context, detailURL string, timeout time.Duration) (string, error) {
	doc, err := s.fetchDocument(ctx, detailURL, timeout)
	if err != nil {
		return "", err
	}

	magnet, ok := doc.Find(`a[href^="magnet:"]`).First().Attr("href")
	if !ok {
		return "", fmt.Errorf("no magnet link on detail page")
	}
	return magnet, nil
}

func (s *Source) fetchDocument(ctx context.Context, pageURL string, timeout time.Duration) (*goquery.Document, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	// Cloudflare interstitials answer 403 with a challenge page.
	if resp.StatusCode == http.StatusForbidden || strings.Contains(strings.ToLower(doc.Find("title").Text()), "just a moment") {
		return nil, fmt.Errorf("mirror is behind a browser challenge")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return doc, nil
}

func parseListingRow(tr *goquery.Selection, mirror string) (listingRow, bool) {
	nameLink := tr.Find(`td.name a[href^="/torrent/"]`).First()
	if nameLink.Length() == 0 {
		return listingRow{}, false
	}
	href, ok := nameLink.Attr("href")
	if !ok {
		return listingRow{}, false
	}

	title := strings.TrimSpace(nameLink.Text())
	if title == "" {
		return listingRow{}, false
	}

	// The size cell embeds the seed count in a child span; drop it before
	// parsing the size text.
	sizeCell := tr.Find("td.size").First().Clone()
	sizeCell.Find("span").Remove()

	return listingRow{
		title:     title,
		detailURL: mirror + href,
		seeds:     intFromCell(tr.Find("td.seeds").First()),
		leeches:   intFromCell(tr.Find("td.leeches").First()),
		size:      models.NormalizeSize(strings.TrimSpace(sizeCell.Text())),
	}, true
}

func intFromCell(cell *goquery.Selection) int {
	text := strings.ReplaceAll(strings.TrimSpace(cell.Text()), ",", "")
	n, err := strconv.Atoi(text)
	if err != nil {
		return 0
	}
	return n
}

func secondsOrDefault(seconds float64, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds * float64(time.Second))
}

func mirrorOrder(baseURL string, mirrors []string) []string {
	order := make([]string, 0, len(mirrors))
	if baseURL != "" {
		order = append(order, baseURL)
	}
	for _, m := range mirrors {
		if m != baseURL {
			order = append(order, m)
		}
	}
	return order
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		item = strings.TrimRight(strings.TrimSpace(item), "/")
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func contains(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}
