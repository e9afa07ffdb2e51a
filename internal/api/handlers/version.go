// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/buildinfo"
)

// GetVersion returns the build identifiers.
func GetVersion(w http.ResponseWriter, r *http.Request) {
	data, err := buildinfo.JSON()
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode build info")
		RespondError(w, http.StatusInternalServerError, "Failed to encode build info")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// GetHealth is the liveness endpoint.
func GetHealth(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}
