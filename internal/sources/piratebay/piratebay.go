// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package piratebay implements the PirateBay torrent-index provider. The
// JSON API is preferred; HTML mirror scraping is the fallback for when the
// API is unreachable.
package piratebay

import (
	"context"
	"encoding/json"
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
	sourceName  = "PirateBay"
	zeroHash    = "0000000000000000000000000000000000000000"
	htmlTimeout = 15 * time.Second
	apiTimeout  = 12 * time.Second
)

var blockedSignals = []string{
	"fastpanel",
	"view more possible reasons",
	"cloudflare",
	"captcha",
	"just a moment",
	"ddos protection",
}

// Source searches PirateBay mirrors and the apibay JSON API.
type Source struct {
	sources.ErrorTracker

	settings   *settings.Manager
	httpClient *http.Client

	mu           sync.Mutex
	mirrors      []string
	apiEndpoints []string
	baseURL      string
}

// New constructs the provider and loads mirror lists from settings.
func New(settingsManager *settings.Manager) *Source {
	s := &Source{
		settings: settingsManager,
		httpClient: &http.Client{
			Timeout: htmlTimeout,
		},
	}
	s.ReloadFromSettings(context.Background())
	return s
}

// Name implements sources.Source.
func (s *Source) Name() string { return sourceName }

// ReloadFromSettings refreshes the mirror rotation from settings. Custom
// entries keep priority; required mirrors are already merged by the
// settings sanitizer.
func (s *Source) ReloadFromSettings(ctx context.Context) {
	mirrors := trimAll(s.settings.GetStringSlice(ctx, "piratebay_mirror_order"))
	apis := trimAll(s.settings.GetStringSlice(ctx, "piratebay_api_endpoints"))
	if len(mirrors) == 0 {
		mirrors = settings.RequiredPirateBayMirrors
	}
	if len(apis) == 0 {
		apis = settings.RequiredPirateBayAPIs
	}

	s.mu.Lock()
	s.mirrors = mirrors
	s.apiEndpoints = apis
	if !contains(s.mirrors, s.baseURL) {
		s.baseURL = s.mirrors[0]
	}
	s.mu.Unlock()
}

// Healthcheck implements sources.HealthChecker.
func (s *Source) Healthcheck(context.Context) sources.Health {
	return sources.DefaultHealth(s)
}

// Search implements sources.Source. The API path is preferred because it
// keeps working when HTML mirrors drift; mirror scraping is the fallback.
func (s *Source) Search(ctx context.Context, query string, page int) ([]models.SearchResult, error) {
	s.SetLastError("")

	if results := s.searchViaAPI(ctx, query); len(results) > 0 {
		return results, nil
	}

	// PirateBay uses 0-indexed pages.
	pageNum := max(0, page-1)
	encoded := url.QueryEscape(query)

	s.mu.Lock()
	order := mirrorOrder(s.baseURL, s.mirrors)
	s.mu.Unlock()

	var lastErr error
	for _, mirror := range order {
		searchURL := fmt.Sprintf("%s/search/%s/%d/99/0", mirror, encoded, pageNum)

		results, err := s.searchMirror(ctx, mirror, searchURL)
		if err != nil {
			lastErr = err
			log.Debug().Err(err).Str("mirror", mirror).Msg("PirateBay mirror search failed")
			continue
		}
		if len(results) > 0 {
			// Non-empty parse marks the mirror healthy; keep it first.
			s.mu.Lock()
			s.baseURL = mirror
			s.mu.Unlock()
			return results, nil
		}
	}

	if lastErr != nil {
		s.SetLastError(fmt.Sprintf("All PirateBay mirrors failed: %v", lastErr))
	}
	return nil, nil
}

func (s *Source) searchMirror(ctx context.Context, mirror, searchURL string) ([]models.SearchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mirror request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("mirror returned status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mirror response: %w", err)
	}

	if looksParkedOrBlocked(doc) {
		return nil, fmt.Errorf("mirror %s returned parked/block page", mirror)
	}

	return parseSearchPage(doc), nil
}

type apiRow struct {
	Name     string `json:"name"`
	InfoHash string `json:"info_hash"`
	Size     string `json:"size"`
	Seeders  string `json:"seeders"`
	Leechers string `json:"leechers"`
}

func (s *Source) searchViaAPI(ctx context.Context, query string) []models.SearchResult {
	s.mu.Lock()
	endpoints := make([]string, len(s.apiEndpoints))
	copy(endpoints, s.apiEndpoints)
	s.mu.Unlock()

	var lastErr error
	for _, base := range endpoints {
		apiURL := fmt.Sprintf("%s/q.php?q=%s", base, url.QueryEscape(query))

		rows, err := s.fetchAPIRows(ctx, apiURL)
		if err != nil {
			lastErr = err
			continue
		}
		if results := parseAPIRows(rows); len(results) > 0 {
			return results
		}
	}

	if lastErr != nil {
		s.SetLastError(fmt.Sprintf("PirateBay API failed: %v", lastErr))
	}
	return nil
}

func (s *Source) fetchAPIRows(ctx context.Context, apiURL string) ([]apiRow, error) {
	reqCtx, cancel := context.WithTimeout(ctx, apiTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Accept", "application/json,text/plain,*/*")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("api returned status %d", resp.StatusCode)
	}

	var rows []apiRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("failed to decode api response: %w", err)
	}
	return rows, nil
}

func parseAPIRows(rows []apiRow) []models.SearchResult {
	results := make([]models.SearchResult, 0, len(rows))
	for _, row := range rows {
		name := strings.TrimSpace(row.Name)
		infohash := strings.ToUpper(strings.TrimSpace(row.InfoHash))
		if name == "" || len(infohash) != 40 || infohash == zeroHash {
			continue
		}

		size, _ := strconv.ParseInt(row.Size, 10, 64)
		seeds, _ := strconv.Atoi(row.Seeders)
		leeches, _ := strconv.Atoi(row.Leechers)

		results = append(results, models.SearchResult{
			Title:    name,
			Link:     models.BuildMagnet(infohash, name),
			Size:     max(0, size),
			Seeds:    max(0, seeds),
			Leeches:  max(0, leeches),
			Source:   sourceName,
			Infohash: infohash,
		})
	}
	return results
}

func looksParkedOrBlocked(doc *goquery.Document) bool {
	low := strings.ToLower(doc.Text())
	for _, sig := range blockedSignals {
		if strings.Contains(low, sig) {
			return true
		}
	}
	return false
}

// parseSearchPage handles both the legacy and the current TPB row layouts.
func parseSearchPage(doc *goquery.Document) []models.SearchResult {
	var results []models.SearchResult

	doc.Find("#searchResult tr").Each(func(_ int, row *goquery.Selection) {
		if result, ok := parseRow(row); ok {
			results = append(results, result)
		}
	})

	return results
}

func parseRow(row *goquery.Selection) (models.SearchResult, bool) {
	if row.Find("td").Length() == 0 {
		return models.SearchResult{}, false
	}

	titleElem := row.Find(".detName a").First()
	if titleElem.Length() == 0 {
		titleElem = row.Find(`td:nth-of-type(2) a[href*="/torrent/"]`).First()
	}
	if titleElem.Length() == 0 {
		return models.SearchResult{}, false
	}
	title := strings.TrimSpace(titleElem.Text())

	magnet, ok := row.Find(`a[href^="magnet:"]`).First().Attr("href")
	if !ok {
		return models.SearchResult{}, false
	}
	infohash := models.ExtractInfohash(magnet)
	if infohash == "" {
		return models.SearchResult{}, false
	}

	// Column positions differ between layouts; probe both.
	seeds := intFromSelectors(row, "td:nth-of-type(6)", "td:nth-of-type(3)")
	leeches := intFromSelectors(row, "td:nth-of-type(7)", "td:nth-of-type(4)")

	var size int64
	if desc := row.Find(".detDesc").First(); desc.Length() > 0 {
		// Format: "Uploaded ..., Size 1.5 GiB, ..."
		text := desc.Text()
		if _, after, found := strings.Cut(text, "Size"); found {
			sizePart := strings.TrimSpace(strings.SplitN(after, ",", 2)[0])
			size = models.NormalizeSize(sizePart)
		}
	} else if sizeElem := row.Find("td:nth-of-type(5)").First(); sizeElem.Length() > 0 {
		size = models.NormalizeSize(strings.TrimSpace(sizeElem.Text()))
	}

	return models.SearchResult{
		Title:    title,
		Link:     magnet,
		Size:     size,
		Seeds:    seeds,
		Leeches:  leeches,
		Source:   sourceName,
		Infohash: infohash,
	}, true
}

func intFromSelectors(row *goquery.Selection, selectors ...string) int {
	for _, selector := range selectors {
		elem := row.Find(selector).First()
		if elem.Length() == 0 {
			continue
		}
		text := strings.ReplaceAll(strings.TrimSpace(elem.Text()), ",", "")
		if n, err := strconv.Atoi(text); err == nil {
			return n
		}
	}
	return 0
}

const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

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
