// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/domain"
	"github.com/fetcharr/fetcharr/internal/events"
	"github.com/fetcharr/fetcharr/internal/services/search"
	"github.com/fetcharr/fetcharr/internal/settings"
)

// Keys whose values are secrets and never leave the API in cleartext.
var secretSettingKeys = map[string]bool{
	"rd_access_token":  true,
	"rd_refresh_token": true,
	"rd_client_secret": true,
	"prowlarr_api_key": true,
}

// SettingsHandler reads and writes the scoped settings store.
type SettingsHandler struct {
	settingsManager *settings.Manager
	searchService   *search.Service
	bus             *events.Bus
}

func NewSettingsHandler(settingsManager *settings.Manager, searchService *search.Service, bus *events.Bus) *SettingsHandler {
	return &SettingsHandler{
		settingsManager: settingsManager,
		searchService:   searchService,
		bus:             bus,
	}
}

func (h *SettingsHandler) Routes(r chi.Router) {
	r.Get("/", h.GetSettings)
	r.Put("/", h.UpdateSettings)
	r.Post("/reset", h.ResetSettings)
}

// GetSettings returns the effective settings for the caller's scope with
// secrets redacted.
func (h *SettingsHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	all := h.settingsManager.GetAll(r.Context())

	for key, value := range all {
		if !secretSettingKeys[key] {
			continue
		}
		if text, ok := value.(string); ok && text != "" {
			all[key] = domain.RedactString(text)
		}
	}

	RespondJSON(w, http.StatusOK, all)
}

// UpdateSettings applies a partial settings update, then reloads the
// providers so changes take effect without a restart.
func (h *SettingsHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var values map[string]any
	if !DecodeJSON(w, r, &values) {
		return
	}
	if len(values) == 0 {
		RespondError(w, http.StatusBadRequest, "No settings provided")
		return
	}

	// Clients echo redacted secrets back on save. Dropping them keeps the
	// stored value instead of overwriting it with asterisks.
	for key, value := range values {
		if !secretSettingKeys[key] {
			continue
		}
		if text, ok := value.(string); ok && domain.IsRedactedValue(text) {
			delete(values, key)
		}
	}

	if err := h.settingsManager.Update(r.Context(), values); err != nil {
		log.Error().Err(err).Msg("Failed to update settings")
		RespondError(w, http.StatusInternalServerError, "Failed to update settings")
		return
	}

	h.bus.Emit(events.SettingsChanged, map[string]any{
		"keys": settingKeys(values),
	})
	h.searchService.ReloadSources(r.Context())

	h.GetSettings(w, r)
}

// ResetSettings restores the caller's scope to defaults.
func (h *SettingsHandler) ResetSettings(w http.ResponseWriter, r *http.Request) {
	if err := h.settingsManager.Reset(r.Context()); err != nil {
		log.Error().Err(err).Msg("Failed to reset settings")
		RespondError(w, http.StatusInternalServerError, "Failed to reset settings")
		return
	}

	h.bus.Emit(events.SettingsChanged, map[string]any{
		"reset": true,
	})
	h.searchService.ReloadSources(r.Context())

	h.GetSettings(w, r)
}

func settingKeys(values map[string]any) string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	return strings.Join(keys, ",")
}
