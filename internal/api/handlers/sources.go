// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/services/search"
	"github.com/fetcharr/fetcharr/internal/settings"
	"github.com/fetcharr/fetcharr/internal/sources"
)

// SourcesHandler reports provider state and runs healthchecks.
type SourcesHandler struct {
	searchService   *search.Service
	settingsManager *settings.Manager
}

func NewSourcesHandler(searchService *search.Service, settingsManager *settings.Manager) *SourcesHandler {
	return &SourcesHandler{
		searchService:   searchService,
		settingsManager: settingsManager,
	}
}

func (h *SourcesHandler) Routes(r chi.Router) {
	r.Get("/", h.ListSources)
	r.Get("/health", h.Healthcheck)
	r.Get("/status", h.RuntimeStatus)
	r.Post("/reload", h.ReloadSources)
}

type SourceInfo struct {
	Name      string `json:"name"`
	Enabled   bool   `json:"enabled"`
	LastError string `json:"lastError,omitempty"`
}

// ListSources returns every registered provider and its enabled flag for
// the caller's scope.
func (h *SourcesHandler) ListSources(w http.ResponseWriter, r *http.Request) {
	enabled := h.settingsManager.GetBoolMap(r.Context(), "enabled_sources")

	providers := h.searchService.Providers()
	out := make([]SourceInfo, 0, len(providers))
	for _, provider := range providers {
		out = append(out, SourceInfo{
			Name:      provider.Name(),
			Enabled:   enabled[provider.Name()],
			LastError: provider.LastError(),
		})
	}

	RespondJSON(w, http.StatusOK, out)
}

// Healthcheck probes every provider. Providers without a dedicated probe
// report their last search error.
func (h *SourcesHandler) Healthcheck(w http.ResponseWriter, r *http.Request) {
	providers := h.searchService.Providers()
	out := make([]sources.Health, 0, len(providers))
	for _, provider := range providers {
		if checker, ok := provider.(sources.HealthChecker); ok {
			out = append(out, checker.Healthcheck(r.Context()))
			continue
		}
		out = append(out, sources.DefaultHealth(provider))
	}

	RespondJSON(w, http.StatusOK, out)
}

// RuntimeStatus combines routing stats with any provider-internal state
// used by the dashboard.
func (h *SourcesHandler) RuntimeStatus(w http.ResponseWriter, r *http.Request) {
	runtime := make(map[string]map[string]any)
	for _, provider := range h.searchService.Providers() {
		if reporter, ok := provider.(sources.RuntimeStatusReporter); ok {
			runtime[provider.Name()] = reporter.RuntimeStatus(r.Context())
		}
	}

	RespondJSON(w, http.StatusOK, map[string]any{
		"stats":   h.searchService.ProviderStats(),
		"runtime": runtime,
	})
}

// ReloadSources pushes the current settings into every provider.
func (h *SourcesHandler) ReloadSources(w http.ResponseWriter, r *http.Request) {
	h.searchService.ReloadSources(r.Context())
	log.Info().Msg("Sources reloaded")

	RespondJSON(w, http.StatusOK, map[string]string{
		"message": "Sources reloaded",
	})
}
