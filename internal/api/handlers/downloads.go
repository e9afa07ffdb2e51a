// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/services/download"
)

// DownloadsHandler exposes the retrieval queue.
type DownloadsHandler struct {
	downloads *download.Manager
}

func NewDownloadsHandler(downloads *download.Manager) *DownloadsHandler {
	return &DownloadsHandler{downloads: downloads}
}

func (h *DownloadsHandler) Routes(r chi.Router) {
	r.Post("/", h.QueueDownload)
	r.Get("/", h.ListDownloads)
	r.Get("/backend", h.GetBackend)
	r.Put("/backend", h.SetBackend)
	r.Put("/max-concurrent", h.SetMaxConcurrent)
	r.Get("/{jobID}", h.GetDownload)
	r.Post("/{jobID}/pause", h.PauseDownload)
	r.Post("/{jobID}/resume", h.ResumeDownload)
	r.Post("/{jobID}/cancel", h.CancelDownload)
	r.Post("/{jobID}/retry", h.RetryDownload)
	r.Delete("/{jobID}", h.DeleteDownload)
}

type QueueDownloadRequest struct {
	Title      string `json:"title"`
	OutputPath string `json:"outputPath"`
	Magnet     string `json:"magnet"`
	DirectURL  string `json:"directUrl"`
}

type SetBackendRequest struct {
	Backend string `json:"backend"`
}

type SetMaxConcurrentRequest struct {
	MaxConcurrent int `json:"maxConcurrent"`
}

// QueueDownload enqueues a retrieval from a magnet link or direct URL.
func (h *DownloadsHandler) QueueDownload(w http.ResponseWriter, r *http.Request) {
	var req QueueDownloadRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	job, err := h.downloads.Queue(r.Context(), req.Title, req.OutputPath, req.Magnet, req.DirectURL)
	if err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	log.Info().Str("job_id", job.ID).Str("title", job.Title).Msg("Download queued")
	RespondJSON(w, http.StatusCreated, job)
}

// ListDownloads returns all jobs, newest first.
func (h *DownloadsHandler) ListDownloads(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, h.downloads.GetAll())
}

// GetDownload returns one job snapshot.
func (h *DownloadsHandler) GetDownload(w http.ResponseWriter, r *http.Request) {
	jobID, ok := ParseJobID(w, r)
	if !ok {
		return
	}

	job, err := h.downloads.Get(jobID)
	if err != nil {
		RespondError(w, http.StatusNotFound, err.Error())
		return
	}

	RespondJSON(w, http.StatusOK, job)
}

// PauseDownload pauses an active job.
func (h *DownloadsHandler) PauseDownload(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.downloads.Pause, "Download paused")
}

// ResumeDownload resumes a paused job.
func (h *DownloadsHandler) ResumeDownload(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.downloads.Resume, "Download resumed")
}

// CancelDownload stops a job and keeps its record.
func (h *DownloadsHandler) CancelDownload(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.downloads.Cancel, "Download cancelled")
}

func (h *DownloadsHandler) control(w http.ResponseWriter, r *http.Request, op func(string) error, message string) {
	jobID, ok := ParseJobID(w, r)
	if !ok {
		return
	}

	if err := op(jobID); err != nil {
		if strings.Contains(err.Error(), "not found") {
			RespondError(w, http.StatusNotFound, err.Error())
			return
		}
		RespondError(w, http.StatusConflict, err.Error())
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{
		"message": message,
	})
}

// RetryDownload re-queues a failed or cancelled job.
func (h *DownloadsHandler) RetryDownload(w http.ResponseWriter, r *http.Request) {
	jobID, ok := ParseJobID(w, r)
	if !ok {
		return
	}

	job, err := h.downloads.Retry(r.Context(), jobID)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			RespondError(w, http.StatusNotFound, err.Error())
			return
		}
		RespondError(w, http.StatusConflict, err.Error())
		return
	}

	RespondJSON(w, http.StatusOK, job)
}

// DeleteDownload removes a job record, optionally with its file on disk.
func (h *DownloadsHandler) DeleteDownload(w http.ResponseWriter, r *http.Request) {
	jobID, ok := ParseJobID(w, r)
	if !ok {
		return
	}

	deleteFile := QueryBool(r, "deleteFile", false)
	if err := h.downloads.Delete(jobID, deleteFile); err != nil {
		if strings.Contains(err.Error(), "not found") {
			RespondError(w, http.StatusNotFound, err.Error())
			return
		}
		RespondError(w, http.StatusConflict, err.Error())
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{
		"message": "Download deleted",
	})
}

// GetBackend reports the active download backend.
func (h *DownloadsHandler) GetBackend(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]string{
		"backend": h.downloads.GetBackend(),
	})
}

// SetBackend switches between the native and aria2 backends.
func (h *DownloadsHandler) SetBackend(w http.ResponseWriter, r *http.Request) {
	var req SetBackendRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	if err := h.downloads.SetBackend(req.Backend); err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{
		"backend": h.downloads.GetBackend(),
	})
}

// SetMaxConcurrent adjusts the worker pool size.
func (h *DownloadsHandler) SetMaxConcurrent(w http.ResponseWriter, r *http.Request) {
	var req SetMaxConcurrentRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.MaxConcurrent < 1 {
		RespondError(w, http.StatusBadRequest, "maxConcurrent must be at least 1")
		return
	}

	h.downloads.SetMaxConcurrent(req.MaxConcurrent)
	RespondJSON(w, http.StatusOK, map[string]int{
		"maxConcurrent": req.MaxConcurrent,
	})
}
