// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package prowlarr implements the indexer-aggregator provider backed by a
// Prowlarr instance. One query fans out to every indexer Prowlarr manages,
// so a single configured endpoint contributes many upstream trackers.
package prowlarr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/settings"
	"github.com/fetcharr/fetcharr/internal/sources"
)

const sourceName = "Prowlarr"

// initialize.json is served unauthenticated by Prowlarr and embeds the API
// key; used for same-host auto discovery when no key is configured.
var apiKeyRegex = regexp.MustCompile(`"apiKey"\s*:\s*"([^"]+)"`)

// Source queries a Prowlarr instance's aggregated search endpoint.
type Source struct {
	sources.ErrorTracker

	settings   *settings.Manager
	httpClient *http.Client

	mu           sync.Mutex
	baseURL      string
	apiKey       string
	indexerIDs   []int
	categories   []int
	limit        int
	discoveredAt time.Time
}

// New constructs the provider and loads endpoint configuration.
func New(settingsManager *settings.Manager) *Source {
	s := &Source{
		settings: settingsManager,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	s.ReloadFromSettings(context.Background())
	return s
}

// Name implements sources.Source.
func (s *Source) Name() string { return sourceName }

// ReloadFromSettings refreshes endpoint configuration.
func (s *Source) ReloadFromSettings(ctx context.Context) {
	base := strings.TrimRight(strings.TrimSpace(s.settings.GetString(ctx, "prowlarr_base_url", "")), "/")
	key := strings.TrimSpace(s.settings.GetString(ctx, "prowlarr_api_key", ""))

	s.mu.Lock()
	s.baseURL = base
	s.apiKey = key
	s.indexerIDs = s.settings.GetIntSlice(ctx, "prowlarr_indexer_ids")
	s.categories = s.settings.GetIntSlice(ctx, "prowlarr_categories")
	s.limit = clampLimit(s.settings.GetInt(ctx, "prowlarr_limit", 100))
	s.mu.Unlock()
}

// Healthcheck implements sources.HealthChecker.
func (s *Source) Healthcheck(context.Context) sources.Health {
	return sources.DefaultHealth(s)
}

type releaseResource struct {
	Title       string `json:"title"`
	Size        int64  `json:"size"`
	Seeders     int    `json:"seeders"`
	Leechers    int    `json:"leechers"`
	InfoHash    string `json:"infoHash"`
	MagnetURL   string `json:"magnetUrl"`
	DownloadURL string `json:"downloadUrl"`
	GUID        string `json:"guid"`
	Indexer     string `json:"indexer"`
	PublishDate string `json:"publishDate"`
}

// Search implements sources.Source.
func (s *Source) Search(ctx context.Context, query string, page int) ([]models.SearchResult, error) {
	s.SetLastError("")

	s.mu.Lock()
	base := s.baseURL
	key := s.apiKey
	indexerIDs := s.indexerIDs
	categories := s.categories
	limit := s.limit
	s.mu.Unlock()

	if base == "" {
		s.SetLastError("Prowlarr base URL is not configured")
		return nil, nil
	}

	if key == "" {
		discovered, err := s.discoverAPIKey(ctx, base)
		if err != nil {
			s.SetLastError(fmt.Sprintf("Prowlarr API key missing and discovery failed: %v", err))
			return nil, nil
		}
		key = discovered
		s.mu.Lock()
		s.apiKey = discovered
		s.discoveredAt = time.Now()
		s.mu.Unlock()
		log.Info().Str("baseUrl", base).Msg("Discovered Prowlarr API key from initialize.json")
	}

	if page < 1 {
		page = 1
	}

	params := url.Values{}
	params.Set("type", "search")
	params.Set("query", query)
	params.Set("offset", strconv.Itoa((page-1)*limit))
	params.Set("limit", strconv.Itoa(limit))
	for _, id := range indexerIDs {
		params.Add("indexerIds", strconv.Itoa(id))
	}
	for _, cat := range categories {
		params.Add("categories", strconv.Itoa(cat))
	}

	searchURL := fmt.Sprintf("%s/api/v1/search?%s", base, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("X-Api-Key", key)
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("prowlarr request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		s.SetLastError("Prowlarr auth failed (401). Check the API key.")
		return nil, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("prowlarr returned status %d", resp.StatusCode)
	}

	var releases []releaseResource
	if err := json.NewDecoder(resp.Body).Decode(&releases); err != nil {
		return nil, fmt.Errorf("failed to decode prowlarr response: %w", err)
	}

	results := make([]models.SearchResult, 0, len(releases))
	for _, release := range releases {
		if result, ok := mapRelease(release); ok {
			results = append(results, result)
		}
	}
	return results, nil
}

// discoverAPIKey scrapes the key from Prowlarr's initialize.json. Only
// useful for same-host deployments where that endpoint is reachable.
func (s *Source) discoverAPIKey(ctx context.Context, base string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/initialize.json", nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("initialize.json request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("initialize.json returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read initialize.json: %w", err)
	}
	match := apiKeyRegex.FindSubmatch(body)
	if match == nil {
		return "", fmt.Errorf("no apiKey field in initialize.json")
	}
	return string(match[1]), nil
}

func mapRelease(release releaseResource) (models.SearchResult, bool) {
	title := strings.TrimSpace(release.Title)
	if title == "" {
		return models.SearchResult{}, false
	}

	// Prefer magnets so the download manager can hand off to the resolver;
	// fall back to the guid page, then the proxied download URL.
	link := release.MagnetURL
	if link == "" {
		link = release.GUID
	}
	if link == "" {
		link = release.DownloadURL
	}
	if link == "" {
		return models.SearchResult{}, false
	}

	result := models.SearchResult{
		Title:      title,
		Link:       link,
		Size:       max(0, release.Size),
		Seeds:      max(0, release.Seeders),
		Leeches:    max(0, release.Leechers),
		Source:     sourceName,
		Infohash:   strings.ToUpper(strings.TrimSpace(release.InfoHash)),
		UploadDate: release.PublishDate,
	}
	if indexer := strings.TrimSpace(release.Indexer); indexer != "" {
		result.AggregatedSources = []string{indexer}
	}
	if result.Infohash == "" {
		result.Infohash = models.ExtractInfohash(link)
	}
	return result, true
}

func clampLimit(limit int) int {
	switch {
	case limit < 1:
		return 1
	case limit > 500:
		return 500
	default:
		return limit
	}
}
