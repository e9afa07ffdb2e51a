// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/services/realdebrid"
	"github.com/fetcharr/fetcharr/internal/session"
)

// RDAuthHandler drives the Real-Debrid device code flow.
type RDAuthHandler struct {
	client *realdebrid.Client
}

func NewRDAuthHandler(client *realdebrid.Client) *RDAuthHandler {
	return &RDAuthHandler{client: client}
}

func (h *RDAuthHandler) Routes(r chi.Router) {
	r.Post("/device", h.StartDeviceAuth)
	r.Get("/status", h.GetStatus)
	r.Delete("/", h.Disconnect)
}

// StartDeviceAuth requests a device code and polls for authorization in
// the background. The outcome is published on the event stream, so the
// client only needs the user code from this response.
func (h *RDAuthHandler) StartDeviceAuth(w http.ResponseWriter, r *http.Request) {
	deviceAuth, err := h.client.StartDeviceAuth(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to start Real-Debrid device auth")
		RespondError(w, http.StatusBadGateway, "Failed to start device authorization")
		return
	}

	// The poll outlives the request. Carry the session scope over so the
	// tokens land in the right settings tier.
	pollCtx, cancel := context.WithTimeout(
		session.WithSession(context.Background(), session.FromContext(r.Context())),
		time.Duration(deviceAuth.ExpiresIn)*time.Second)
	go func() {
		defer cancel()
		if err := h.client.PollDeviceAuth(pollCtx, deviceAuth); err != nil {
			log.Warn().Err(err).Msg("Real-Debrid device auth did not complete")
		}
	}()

	RespondJSON(w, http.StatusOK, deviceAuth)
}

// GetStatus reports whether a Real-Debrid account is linked, including the
// account summary when it is.
func (h *RDAuthHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if !h.client.IsAuthenticated(r.Context()) {
		RespondJSON(w, http.StatusOK, map[string]any{
			"authenticated": false,
		})
		return
	}

	user, err := h.client.User(r.Context())
	if err != nil {
		// Token present but rejected upstream. Report linked-but-degraded
		// instead of failing the whole status call.
		log.Warn().Err(err).Msg("Failed to fetch Real-Debrid account")
		RespondJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"error":         err.Error(),
		})
		return
	}

	RespondJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"user":          user,
	})
}

// Disconnect revokes the stored tokens.
func (h *RDAuthHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.client.Disconnect(r.Context()); err != nil {
		log.Error().Err(err).Msg("Failed to disconnect Real-Debrid")
		RespondError(w, http.StatusInternalServerError, "Failed to disconnect")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{
		"message": "Disconnected",
	})
}
