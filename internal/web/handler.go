// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package web serves the embedded frontend bundle.
package web

import (
	"io/fs"
	"net/http"
	"path"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// hashedAssetPattern matches bundler output with a content hash in the
// filename. Those files are safe to cache forever.
var hashedAssetPattern = regexp.MustCompile(`-[A-Za-z0-9_]{6,}\.(js|css|woff2?|png|svg)$`)

var mimeTypes = map[string]string{
	".html":        "text/html; charset=utf-8",
	".js":          "application/javascript",
	".css":         "text/css",
	".json":        "application/json",
	".webmanifest": "application/manifest+json",
	".svg":         "image/svg+xml",
	".png":         "image/png",
	".ico":         "image/x-icon",
	".woff":        "font/woff",
	".woff2":       "font/woff2",
}

// Handler serves static assets and falls back to index.html so client-side
// routing works on deep links.
type Handler struct {
	version string
	baseURL string
	fs      fs.FS
}

func NewHandler(version, baseURL string, filesystem fs.FS) *Handler {
	if baseURL == "" {
		baseURL = "/"
	}
	return &Handler{
		version: version,
		baseURL: baseURL,
		fs:      filesystem,
	}
}

// RegisterRoutes mounts the asset and SPA fallback routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/assets/*", h.serveAsset)
	r.Get("/favicon.png", h.serveAsset)
	r.Get("/favicon.ico", h.serveAsset)
	r.Get("/sw.js", h.serveAsset)
	r.Get("/registerSW.js", h.serveRewritten)
	r.Get("/manifest.webmanifest", h.serveRewritten)
	r.NotFound(h.serveIndex)
}

func (h *Handler) serveAsset(w http.ResponseWriter, r *http.Request) {
	if h.fs == nil {
		http.Error(w, "Frontend not built", http.StatusNotFound)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/")
	data, err := fs.ReadFile(h.fs, name)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	h.setContentType(w, name)
	if hashedAssetPattern.MatchString(name) {
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	}
	_, _ = w.Write(data)
}

// serveRewritten serves service worker glue files with absolute paths
// rewritten to honor a non-root base URL.
func (h *Handler) serveRewritten(w http.ResponseWriter, r *http.Request) {
	if h.fs == nil {
		http.Error(w, "Frontend not built", http.StatusNotFound)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/")
	data, err := fs.ReadFile(h.fs, name)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	body := string(data)
	if h.baseURL != "/" {
		body = strings.ReplaceAll(body, `'/sw.js'`, `'`+h.baseURL+`sw.js'`)
		body = strings.ReplaceAll(body, `scope: '/'`, `scope: '`+h.baseURL+`'`)
		body = strings.ReplaceAll(body, `"/"`, `"`+h.baseURL+`"`)
	}

	h.setContentType(w, name)
	_, _ = w.Write([]byte(body))
}

// serveIndex returns index.html for any unmatched route, injecting the base
// URL and version so the frontend picks them up before it boots.
func (h *Handler) serveIndex(w http.ResponseWriter, r *http.Request) {
	if h.fs == nil {
		http.Error(w, "Frontend not built", http.StatusNotFound)
		return
	}

	data, err := fs.ReadFile(h.fs, "index.html")
	if err != nil {
		log.Error().Err(err).Msg("Frontend bundle is missing index.html")
		http.Error(w, "Frontend not built", http.StatusNotFound)
		return
	}

	inject := `<script>window.__FETCHARR_BASE_URL__="` + h.baseURL + `";window.__FETCHARR_VERSION__="` + h.version + `";</script>`
	body := strings.Replace(string(data), "<head>", "<head>"+inject, 1)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write([]byte(body))
}

func (h *Handler) setContentType(w http.ResponseWriter, name string) {
	if mime, ok := mimeTypes[path.Ext(name)]; ok {
		w.Header().Set("Content-Type", mime)
	}
}
