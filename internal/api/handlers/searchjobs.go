// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/services/searchjobs"
)

// SearchJobsHandler exposes the asynchronous search job lifecycle.
type SearchJobsHandler struct {
	jobs *searchjobs.Manager
}

func NewSearchJobsHandler(jobs *searchjobs.Manager) *SearchJobsHandler {
	return &SearchJobsHandler{jobs: jobs}
}

func (h *SearchJobsHandler) Routes(r chi.Router) {
	r.Post("/", h.CreateJob)
	r.Get("/", h.ListJobs)
	r.Get("/{jobID}", h.GetJob)
	r.Delete("/{jobID}", h.CancelJob)
}

// CreateJob starts an asynchronous search and returns its id. The client
// polls GetJob or subscribes to the event stream for progress.
func (h *SearchJobsHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req searchjobs.CreateRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	id, err := h.jobs.Create(r.Context(), req)
	if err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	log.Debug().Str("job_id", id).Str("query", req.Query).Msg("Search job created")
	RespondJSON(w, http.StatusAccepted, map[string]string{
		"id": id,
	})
}

// ListJobs returns snapshots of all live jobs, newest first.
func (h *SearchJobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, h.jobs.Jobs())
}

// GetJob returns the current snapshot of one job.
func (h *SearchJobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := ParseJobID(w, r)
	if !ok {
		return
	}

	snapshot, err := h.jobs.Get(jobID)
	if err != nil {
		RespondError(w, http.StatusNotFound, err.Error())
		return
	}

	RespondJSON(w, http.StatusOK, snapshot)
}

// CancelJob requests cancellation of a running job.
func (h *SearchJobsHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := ParseJobID(w, r)
	if !ok {
		return
	}

	if err := h.jobs.Cancel(jobID); err != nil {
		if strings.Contains(err.Error(), "not found") {
			RespondError(w, http.StatusNotFound, err.Error())
			return
		}
		RespondError(w, http.StatusConflict, err.Error())
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{
		"message": "Cancellation requested",
	})
}
