// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package realdebrid implements the premium-link resolver client. It owns
// the device-code OAuth flow, token refresh, and the torrent-to-direct-link
// resolution pipeline against the RealDebrid REST API.
package realdebrid

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/events"
	"github.com/fetcharr/fetcharr/internal/settings"
)

const (
	// PublicClientID is the open-source app id used for the device flow
	// when the user has not registered their own client.
	PublicClientID = "X245A4XAIBGVM"

	defaultAPIBase   = "https://api.real-debrid.com/rest/1.0"
	defaultOAuthBase = "https://api.real-debrid.com/oauth/v2"

	deviceGrantType = "http://oauth.net/grant_type/device/1.0"
)

// ErrNotAuthenticated is returned by API calls before a token is present.
var ErrNotAuthenticated = errors.New("realdebrid: not authenticated")

// Client talks to the RealDebrid API with credentials held in settings.
type Client struct {
	settings   *settings.Manager
	events     *events.Bus
	httpClient *http.Client

	apiBase   string
	oauthBase string
}

// NewClient builds a client bound to the settings manager. Tokens are read
// per call so shared-credential routing in settings stays in effect.
func NewClient(settingsManager *settings.Manager, bus *events.Bus) *Client {
	return &Client{
		settings:   settingsManager,
		events:     bus,
		httpClient: &http.Client{Timeout: 45 * time.Second},
		apiBase:    defaultAPIBase,
		oauthBase:  defaultOAuthBase,
	}
}

// IsAuthenticated reports whether an access token is stored for the caller.
func (c *Client) IsAuthenticated(ctx context.Context) bool {
	return c.settings.GetString(ctx, "rd_access_token", "") != ""
}

// User fetches the authenticated account profile.
func (c *Client) User(ctx context.Context) (map[string]any, error) {
	var user map[string]any
	if err := c.apiGet(ctx, "/user", nil, &user); err != nil {
		return nil, err
	}
	return user, nil
}

// Disconnect drops the stored tokens.
func (c *Client) Disconnect(ctx context.Context) error {
	err := c.settings.Update(ctx, map[string]any{
		"rd_access_token":     "",
		"rd_refresh_token":    "",
		"rd_token_expires_at": float64(0),
	})
	if err != nil {
		return errors.Wrap(err, "failed to clear credentials")
	}
	c.emit(events.RDAuthRevoked, map[string]any{})
	return nil
}

func (c *Client) emit(name string, payload map[string]any) {
	if c.events != nil {
		c.events.Emit(name, payload)
	}
}

// apiGet performs an authenticated GET, refreshing the token once on 401.
func (c *Client) apiGet(ctx context.Context, path string, query url.Values, out any) error {
	return c.apiCall(ctx, http.MethodGet, path, query, nil, out)
}

// apiPostForm performs an authenticated form POST with the same 401 retry.
func (c *Client) apiPostForm(ctx context.Context, path string, form url.Values, out any) error {
	return c.apiCall(ctx, http.MethodPost, path, nil, form, out)
}

func (c *Client) apiCall(ctx context.Context, method, path string, query, form url.Values, out any) error {
	token := c.settings.GetString(ctx, "rd_access_token", "")
	if token == "" {
		return ErrNotAuthenticated
	}

	status, err := c.doOnce(ctx, method, path, query, form, nil, token, out)
	if err == nil && status != http.StatusUnauthorized {
		return nil
	}
	if status != http.StatusUnauthorized {
		return err
	}

	// Expired token: refresh once and retry.
	if refreshErr := c.RefreshToken(ctx); refreshErr != nil {
		return errors.Wrap(refreshErr, "token expired and refresh failed")
	}
	token = c.settings.GetString(ctx, "rd_access_token", "")
	status, err = c.doOnce(ctx, method, path, query, form, nil, token, out)
	if status == http.StatusUnauthorized {
		return errors.New("realdebrid: still unauthorized after refresh")
	}
	return err
}

// apiPutBody uploads raw bytes (torrent files) with the 401 retry.
func (c *Client) apiPutBody(ctx context.Context, path string, body []byte, out any) error {
	token := c.settings.GetString(ctx, "rd_access_token", "")
	if token == "" {
		return ErrNotAuthenticated
	}

	status, err := c.doOnce(ctx, http.MethodPut, path, nil, nil, body, token, out)
	if status != http.StatusUnauthorized {
		return err
	}
	if refreshErr := c.RefreshToken(ctx); refreshErr != nil {
		return errors.Wrap(refreshErr, "token expired and refresh failed")
	}
	token = c.settings.GetString(ctx, "rd_access_token", "")
	_, err = c.doOnce(ctx, http.MethodPut, path, nil, nil, body, token, out)
	return err
}

// doOnce performs a single authenticated request. The status code is
// returned alongside the error so callers can react to 401 specifically.
func (c *Client) doOnce(ctx context.Context, method, path string, query, form url.Values, rawBody []byte, token string, out any) (int, error) {
	reqURL := c.apiBase + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var body io.Reader
	contentType := ""
	switch {
	case rawBody != nil:
		body = strings.NewReader(string(rawBody))
		contentType = "application/octet-stream"
	case form != nil:
		body = strings.NewReader(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return 0, errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "realdebrid request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return resp.StatusCode, errors.New("realdebrid: unauthorized")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, errors.Errorf("realdebrid returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, errors.Wrap(err, "failed to decode response")
	}
	return resp.StatusCode, nil
}

// Torrent is the subset of the torrents/info payload the app consumes.
type Torrent struct {
	ID       string   `json:"id"`
	Filename string   `json:"filename"`
	Hash     string   `json:"hash"`
	Bytes    int64    `json:"bytes"`
	Status   string   `json:"status"`
	Progress float64  `json:"progress"`
	Links    []string `json:"links"`
	Added    string   `json:"added"`
}

// ListTorrents returns one page of the account's torrent library.
func (c *Client) ListTorrents(ctx context.Context, page, limit int) ([]Torrent, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 100
	}
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("limit", strconv.Itoa(limit))

	var torrents []Torrent
	if err := c.apiGet(ctx, "/torrents", query, &torrents); err != nil {
		return nil, err
	}
	return torrents, nil
}

// InstantAvailability reports which hashes RealDebrid has cached.
func (c *Client) InstantAvailability(ctx context.Context, hashes []string) (map[string]bool, error) {
	if len(hashes) == 0 {
		return map[string]bool{}, nil
	}

	var payload map[string]any
	path := "/torrents/instantAvailability/" + strings.Join(hashes, "/")
	if err := c.apiGet(ctx, path, nil, &payload); err != nil {
		return nil, err
	}

	available := make(map[string]bool, len(hashes))
	for _, hash := range hashes {
		available[hash] = false
		for key, value := range payload {
			if !strings.EqualFold(key, hash) {
				continue
			}
			// A cached hash maps to a non-empty variants object.
			if variants, ok := value.(map[string]any); ok && len(variants) > 0 {
				available[hash] = true
			}
		}
	}
	return available, nil
}

// UnrestrictedLink is the unrestrict/link response.
type UnrestrictedLink struct {
	Filename string `json:"filename"`
	Filesize int64  `json:"filesize"`
	Download string `json:"download"`
}

// Unrestrict converts a hoster link into a direct download URL.
func (c *Client) Unrestrict(ctx context.Context, link string) (UnrestrictedLink, error) {
	form := url.Values{}
	form.Set("link", link)

	var out UnrestrictedLink
	if err := c.apiPostForm(ctx, "/unrestrict/link", form, &out); err != nil {
		return UnrestrictedLink{}, err
	}
	if out.Download == "" {
		return UnrestrictedLink{}, errors.Errorf("unrestrict returned no download url for %s", link)
	}
	return out, nil
}

// DeleteTorrent removes a torrent from the account library.
func (c *Client) DeleteTorrent(ctx context.Context, id string) error {
	token := c.settings.GetString(ctx, "rd_access_token", "")
	if token == "" {
		return ErrNotAuthenticated
	}
	status, err := c.doOnce(ctx, http.MethodDelete, "/torrents/delete/"+id, nil, nil, nil, token, nil)
	if status == http.StatusUnauthorized {
		if refreshErr := c.RefreshToken(ctx); refreshErr != nil {
			return errors.Wrap(refreshErr, "token expired and refresh failed")
		}
		token = c.settings.GetString(ctx, "rd_access_token", "")
		_, err = c.doOnce(ctx, http.MethodDelete, "/torrents/delete/"+id, nil, nil, nil, token, nil)
	}
	if err != nil {
		log.Debug().Err(err).Str("torrentID", id).Msg("Failed to delete RealDebrid torrent")
	}
	return err
}
