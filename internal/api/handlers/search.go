// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/services/search"
)

// SearchHandler exposes the synchronous fan-out endpoint. Clients that want
// progressive results use the search jobs endpoints instead.
type SearchHandler struct {
	searchService *search.Service
}

func NewSearchHandler(searchService *search.Service) *SearchHandler {
	return &SearchHandler{searchService: searchService}
}

func (h *SearchHandler) Routes(r chi.Router) {
	r.Post("/", h.Search)
	r.Get("/stats", h.GetProviderStats)
}

type SearchRequest struct {
	Query          string   `json:"q"`
	Page           int      `json:"page"`
	PerPage        int      `json:"perPage"`
	Sources        []string `json:"sources"`
	WaitForAll     bool     `json:"waitForAll"`
	TimeoutSeconds float64  `json:"timeoutSeconds"`
	FetchLimit     int      `json:"fetchLimit"`
	MinSeeds       int      `json:"minSeeds"`
	SizeMinGB      float64  `json:"sizeMinGb"`
	SizeMaxGB      float64  `json:"sizeMaxGb"`
	SkipCache      bool     `json:"skipCache"`
}

// Search runs one blocking fan-out across the selected providers.
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	resp, err := h.searchService.Search(r.Context(), search.Request{
		Query:          req.Query,
		Page:           req.Page,
		PerPage:        req.PerPage,
		Sources:        req.Sources,
		WaitForAll:     req.WaitForAll,
		TimeoutSeconds: req.TimeoutSeconds,
		FetchLimit:     req.FetchLimit,
		MinSeeds:       req.MinSeeds,
		SizeMinGB:      req.SizeMinGB,
		SizeMaxGB:      req.SizeMaxGB,
		SkipCache:      req.SkipCache,
	})
	if err != nil {
		log.Error().Err(err).Str("query", req.Query).Msg("Search failed")
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	RespondJSON(w, http.StatusOK, resp)
}

// GetProviderStats returns the routing and circuit state per provider.
func (h *SearchHandler) GetProviderStats(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, h.searchService.ProviderStats())
}
