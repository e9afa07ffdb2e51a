// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rutracker implements the credentialed RuTracker provider. It is
// opt-in: without a username and password in settings the source reports
// itself as disabled. Results link to the tracker's dl.php endpoint, which
// the download manager recognizes as a torrent-file reference.
package rutracker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
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
	sourceName   = "RuTracker"
	pageSize     = 50
	sessionToken = "bb_session"
)

var captchaSignals = []string{
	"captcha",
	"капча",
	"cap_sid",
	"cap_code",
}

// Source searches RuTracker with a logged-in forum session.
type Source struct {
	sources.ErrorTracker

	settings   *settings.Manager
	httpClient *http.Client

	mu       sync.Mutex
	baseURL  string
	username string
	password string
	loggedIn bool
}

// New constructs the provider with its own cookie jar.
func New(settingsManager *settings.Manager) *Source {
	jar, _ := cookiejar.New(nil)
	s := &Source{
		settings: settingsManager,
		httpClient: &http.Client{
			Timeout: 20 * time.Second,
			Jar:     jar,
		},
	}
	s.ReloadFromSettings(context.Background())
	return s
}

// Name implements sources.Source.
func (s *Source) Name() string { return sourceName }

// ReloadFromSettings refreshes credentials; changing them invalidates the
// current session.
func (s *Source) ReloadFromSettings(ctx context.Context) {
	base := strings.TrimRight(s.settings.GetString(ctx, "rutracker_base_url", "https://rutracker.org"), "/")
	username := strings.TrimSpace(s.settings.GetString(ctx, "rutracker_username", ""))
	password := s.settings.GetString(ctx, "rutracker_password", "")

	s.mu.Lock()
	if username != s.username || password != s.password || base != s.baseURL {
		s.loggedIn = false
	}
	s.baseURL = base
	s.username = username
	s.password = password
	s.mu.Unlock()
}

// Healthcheck implements sources.HealthChecker.
func (s *Source) Healthcheck(context.Context) sources.Health {
	return sources.DefaultHealth(s)
}

// Search implements sources.Source.
func (s *Source) Search(ctx context.Context, query string, page int) ([]models.SearchResult, error) {
	s.SetLastError("")

	if !s.settings.GetBool(ctx, "rutracker_enabled", false) {
		s.SetLastError("RuTracker source is disabled")
		return nil, nil
	}

	s.mu.Lock()
	base := s.baseURL
	username := s.username
	password := s.password
	loggedIn := s.loggedIn
	s.mu.Unlock()

	if username == "" || password == "" {
		s.SetLastError("RuTracker credentials are not configured")
		return nil, nil
	}

	if !loggedIn {
		if err := s.login(ctx, base, username, password); err != nil {
			s.SetLastError(err.Error())
			return nil, nil
		}
	}

	results, expired, err := s.searchOnce(ctx, base, query, page)
	if err != nil {
		return nil, err
	}
	if expired {
		// Session lapsed; relog once and retry.
		log.Debug().Msg("RuTracker session expired, re-authenticating")
		if err := s.login(ctx, base, username, password); err != nil {
			s.SetLastError(err.Error())
			return nil, nil
		}
		results, expired, err = s.searchOnce(ctx, base, query, page)
		if err != nil {
			return nil, err
		}
		if expired {
			s.SetLastError("RuTracker session could not be established")
			return nil, nil
		}
	}
	return results, nil
}

func (s *Source) login(ctx context.Context, base, username, password string) error {
	form := url.Values{}
	form.Set("login_username", username)
	form.Set("login_password", password)
	form.Set("login", "Вход")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/forum/login.php", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", browserUserAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("RuTracker login request failed: %w", err)
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to parse login response: %w", err)
	}

	if hasCaptcha(doc) {
		return fmt.Errorf("RuTracker login requires a captcha, log in via a browser first")
	}
	if !s.hasSessionCookie(base) {
		return fmt.Errorf("RuTracker login failed, check the credentials")
	}

	s.mu.Lock()
	s.loggedIn = true
	s.mu.Unlock()
	return nil
}

func (s *Source) hasSessionCookie(base string) bool {
	parsed, err := url.Parse(base)
	if err != nil || s.httpClient.Jar == nil {
		return false
	}
	for _, cookie := range s.httpClient.Jar.Cookies(parsed) {
		if cookie.Name == sessionToken && cookie.Value != "" {
			return true
		}
	}
	return false
}

// searchOnce runs one tracker query. The expired flag is set when the
// response is a login page instead of results.
func (s *Source) searchOnce(ctx context.Context, base, query string, page int) ([]models.SearchResult, bool, error) {
	if page < 1 {
		page = 1
	}
	searchURL := fmt.Sprintf("%s/forum/tracker.php?nm=%s&start=%d", base, url.QueryEscape(query), (page-1)*pageSize)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to build search request: %w", err)
	}
	req.Header.Set("User-Agent", browserUserAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("RuTracker search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, false, fmt.Errorf("RuTracker returned status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("failed to parse search response: %w", err)
	}

	if doc.Find(`input[name="login_username"]`).Length() > 0 {
		return nil, true, nil
	}

	var results []models.SearchResult
	doc.Find(`tr[id^="trs-tr-"]`).Each(func(_ int, row *goquery.Selection) {
		if result, ok := parseRow(row, base); ok {
			results = append(results, result)
		}
	})
	return results, false, nil
}

func parseRow(row *goquery.Selection, base string) (models.SearchResult, bool) {
	topicLink := row.Find(`a[href*="viewtopic.php?t="]`).First()
	if topicLink.Length() == 0 {
		return models.SearchResult{}, false
	}
	href, _ := topicLink.Attr("href")
	topicID := topicIDFromHref(href)
	if topicID == "" {
		return models.SearchResult{}, false
	}

	title := strings.TrimSpace(topicLink.Text())
	if title == "" {
		return models.SearchResult{}, false
	}

	// Numeric columns carry machine-readable values in data-ts_text. The
	// size is the largest value above 1 KiB; the seed count is the largest
	// value that is clearly not a byte size.
	var size int64
	var seeds int
	row.Find("[data-ts_text]").Each(func(_ int, cell *goquery.Selection) {
		raw, _ := cell.Attr("data-ts_text")
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil || n < 0 {
			return
		}
		if n > 1024 && n > size {
			size = n
		}
		if n < 10_000_000 && int(n) > seeds {
			seeds = int(n)
		}
	})
	// Rows for small torrents can confuse the heuristics; a size candidate
	// that also won the seed slot is a size, not a seed count.
	if int64(seeds) == size {
		seeds = 0
	}

	leeches := 0
	if cell := row.Find("td.leechmed").First(); cell.Length() > 0 {
		if n, err := strconv.Atoi(strings.TrimSpace(cell.Text())); err == nil {
			leeches = n
		}
	}

	return models.SearchResult{
		Title:   title,
		Link:    fmt.Sprintf("%s/forum/dl.php?t=%s", base, topicID),
		Size:    size,
		Seeds:   seeds,
		Leeches: leeches,
		Source:  sourceName,
	}, true
}

func topicIDFromHref(href string) string {
	parsed, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return parsed.Query().Get("t")
}

func hasCaptcha(doc *goquery.Document) bool {
	low := strings.ToLower(doc.Text())
	for _, sig := range captchaSignals {
		if strings.Contains(low, sig) {
			return true
		}
	}
	return doc.Find(`img[src*="captcha"]`).Length() > 0
}

const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
