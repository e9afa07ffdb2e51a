// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/database"
	"github.com/fetcharr/fetcharr/internal/session"
	"github.com/fetcharr/fetcharr/internal/settings"
)

// ProfilesHandler manages per-user settings profiles.
type ProfilesHandler struct {
	db              *database.DB
	settingsManager *settings.Manager
}

func NewProfilesHandler(db *database.DB, settingsManager *settings.Manager) *ProfilesHandler {
	return &ProfilesHandler{
		db:              db,
		settingsManager: settingsManager,
	}
}

func (h *ProfilesHandler) Routes(r chi.Router) {
	r.Get("/", h.ListProfiles)
	r.Post("/", h.CreateProfile)
	r.Delete("/{profileID}", h.DeleteProfile)
}

type CreateProfileRequest struct {
	Name string `json:"name"`
}

// ListProfiles returns the caller's profiles in creation order.
func (h *ProfilesHandler) ListProfiles(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())

	profiles, err := h.db.ListProfiles(r.Context(), sess.UserID)
	if err != nil {
		log.Error().Err(err).Int64("user_id", sess.UserID).Msg("Failed to list profiles")
		RespondError(w, http.StatusInternalServerError, "Failed to list profiles")
		return
	}

	RespondJSON(w, http.StatusOK, profiles)
}

// CreateProfile adds a named settings scope for the caller.
func (h *ProfilesHandler) CreateProfile(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())

	var req CreateProfileRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	profile, err := h.db.CreateProfile(r.Context(), sess.UserID, req.Name)
	if err != nil {
		if errors.Is(err, database.ErrProfileLimit) {
			RespondError(w, http.StatusConflict, err.Error())
			return
		}
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	log.Info().Str("profile_id", profile.ID).Int64("user_id", sess.UserID).Msg("Profile created")
	RespondJSON(w, http.StatusCreated, profile)
}

// DeleteProfile removes one of the caller's profiles and its settings.
func (h *ProfilesHandler) DeleteProfile(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())

	profileID, ok := ParseStringParam(w, r, "profileID", "profile ID")
	if !ok {
		return
	}

	profile, err := h.db.GetProfile(r.Context(), profileID)
	if errors.Is(err, database.ErrProfileNotFound) {
		RespondError(w, http.StatusNotFound, "Profile not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("profile_id", profileID).Msg("Failed to load profile")
		RespondError(w, http.StatusInternalServerError, "Failed to load profile")
		return
	}
	if profile.UserID != sess.UserID {
		RespondError(w, http.StatusNotFound, "Profile not found")
		return
	}

	if err := h.db.DeleteProfile(r.Context(), profileID); err != nil {
		if errors.Is(err, database.ErrProfileNotFound) {
			RespondError(w, http.StatusNotFound, "Profile not found")
			return
		}
		log.Error().Err(err).Str("profile_id", profileID).Msg("Failed to delete profile")
		RespondError(w, http.StatusInternalServerError, "Failed to delete profile")
		return
	}

	// Cached scope blobs may still reference the deleted profile.
	h.settingsManager.InvalidateScopeCaches()

	RespondJSON(w, http.StatusOK, map[string]string{
		"message": "Profile deleted",
	})
}
