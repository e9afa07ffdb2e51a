// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rdlibrary exposes the user's RealDebrid torrent library as a
// search provider. Everything in the library is already cached on the
// premium service, so matches here download instantly.
package rdlibrary

import (
	"context"
	"fmt"
	"strings"

	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/services/realdebrid"
	"github.com/fetcharr/fetcharr/internal/settings"
	"github.com/fetcharr/fetcharr/internal/sources"
)

const (
	sourceName = "RealDebrid Library"
	pageLimit  = 100
)

// Source filters the account's torrent library by substring match.
type Source struct {
	sources.ErrorTracker

	settings *settings.Manager
	client   libraryClient
}

// libraryClient is the slice of the RealDebrid client this source needs.
type libraryClient interface {
	IsAuthenticated(ctx context.Context) bool
	ListTorrents(ctx context.Context, page, limit int) ([]realdebrid.Torrent, error)
}

// New constructs the provider.
func New(settingsManager *settings.Manager, client *realdebrid.Client) *Source {
	return &Source{
		settings: settingsManager,
		client:   client,
	}
}

// Name implements sources.Source.
func (s *Source) Name() string { return sourceName }

// Healthcheck implements sources.HealthChecker.
func (s *Source) Healthcheck(context.Context) sources.Health {
	return sources.DefaultHealth(s)
}

// Search implements sources.Source. Results are the library entries whose
// filename contains the query, case-insensitively.
func (s *Source) Search(ctx context.Context, query string, page int) ([]models.SearchResult, error) {
	s.SetLastError("")

	if !s.settings.GetBool(ctx, "rd_library_source_enabled", true) {
		s.SetLastError("RealDebrid library source is disabled")
		return nil, nil
	}
	if !s.client.IsAuthenticated(ctx) {
		s.SetLastError("RealDebrid is not connected")
		return nil, nil
	}

	if page < 1 {
		page = 1
	}
	torrents, err := s.client.ListTorrents(ctx, page, pageLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list RealDebrid torrents: %w", err)
	}

	needle := strings.ToLower(strings.TrimSpace(query))
	results := make([]models.SearchResult, 0, len(torrents))
	for _, torrent := range torrents {
		if needle != "" && !strings.Contains(strings.ToLower(torrent.Filename), needle) {
			continue
		}

		result := models.SearchResult{
			Title:      fmt.Sprintf("%s [%s]", torrent.Filename, torrent.Status),
			Size:       torrent.Bytes,
			Source:     sourceName,
			Infohash:   strings.ToUpper(torrent.Hash),
			UploadDate: torrent.Added,
		}
		// The first hoster link doubles as the downloadable reference; the
		// download manager unrestricts it on demand.
		if len(torrent.Links) > 0 {
			result.Link = torrent.Links[0]
		} else if result.Infohash != "" {
			result.Link = models.BuildMagnet(result.Infohash, torrent.Filename)
		}
		if result.Link == "" {
			continue
		}
		results = append(results, result)
	}
	return results, nil
}
