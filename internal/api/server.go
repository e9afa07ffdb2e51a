// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package api assembles the HTTP server and its route tree.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/CAFxX/httpcompression"
	"github.com/alexedwards/scs/v2"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/api/handlers"
	"github.com/fetcharr/fetcharr/internal/api/middleware"
	"github.com/fetcharr/fetcharr/internal/api/sse"
	"github.com/fetcharr/fetcharr/internal/auth"
	"github.com/fetcharr/fetcharr/internal/buildinfo"
	"github.com/fetcharr/fetcharr/internal/config"
	"github.com/fetcharr/fetcharr/internal/database"
	"github.com/fetcharr/fetcharr/internal/events"
	"github.com/fetcharr/fetcharr/internal/services/download"
	"github.com/fetcharr/fetcharr/internal/services/realdebrid"
	"github.com/fetcharr/fetcharr/internal/services/search"
	"github.com/fetcharr/fetcharr/internal/services/searchjobs"
	"github.com/fetcharr/fetcharr/internal/settings"
	"github.com/fetcharr/fetcharr/internal/web"
	"github.com/fetcharr/fetcharr/internal/web/swagger"
)

// Dependencies carries everything the route tree needs. All fields are
// required unless noted.
type Dependencies struct {
	Config          *config.AppConfig
	DB              *database.DB
	AuthService     *auth.Service
	SessionManager  *scs.SessionManager
	SettingsManager *settings.Manager
	SearchService   *search.Service
	SearchJobs      *searchjobs.Manager
	Downloads       *download.Manager
	RDClient        *realdebrid.Client
	StreamManager   *sse.StreamManager
	Bus             *events.Bus
}

type Server struct {
	deps   Dependencies
	server *http.Server
}

func NewServer(deps Dependencies) *Server {
	return &Server{deps: deps}
}

// ListenAndServe binds the configured address and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	cfg := s.deps.Config.Config

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}

	log.Info().Str("addr", addr).Str("base_url", cfg.BaseURL).Msg("API server listening")
	err = s.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler builds the full route tree.
func (s *Server) Handler() http.Handler {
	cfg := s.deps.Config.Config

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(log.Logger))

	compress, err := httpcompression.DefaultAdapter()
	if err != nil {
		// Only possible with broken adapter options; fall back to identity.
		log.Error().Err(err).Msg("Failed to initialize response compression")
	} else {
		r.Use(compress)
	}

	r.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", middleware.ProfileHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)

	baseURL := normalizeBaseURL(cfg.BaseURL)
	if baseURL == "/" {
		s.mountRoutes(r)
		return r
	}

	// Mount everything under the base path and redirect the bare prefix.
	r.Route(strings.TrimSuffix(baseURL, "/"), func(sub chi.Router) {
		s.mountRoutes(sub)
	})
	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, baseURL, http.StatusTemporaryRedirect)
	})
	return r
}

func (s *Server) mountRoutes(r chi.Router) {
	cfg := s.deps.Config.Config

	r.Route("/api", func(api chi.Router) {
		api.Use(s.deps.SessionManager.LoadAndSave)
		api.Use(middleware.RequireAuthDisabledIPAllowlist(cfg))

		api.Get("/health", handlers.GetHealth)
		api.Get("/version", handlers.GetVersion)

		authHandler := handlers.NewAuthHandler(s.deps.AuthService, s.deps.SessionManager, cfg)
		api.Route("/auth", authHandler.Routes)

		// Everything below requires a completed setup and a session.
		api.Group(func(protected chi.Router) {
			protected.Use(middleware.RequireSetup(s.deps.AuthService, cfg))
			protected.Use(middleware.IsAuthenticated(s.deps.AuthService, s.deps.SessionManager, cfg))

			protected.Route("/profiles", handlers.NewProfilesHandler(s.deps.DB, s.deps.SettingsManager).Routes)

			searchHandler := handlers.NewSearchHandler(s.deps.SearchService)
			protected.Route("/search", func(sr chi.Router) {
				searchHandler.Routes(sr)
				sr.Route("/jobs", handlers.NewSearchJobsHandler(s.deps.SearchJobs).Routes)
			})

			protected.Route("/downloads", handlers.NewDownloadsHandler(s.deps.Downloads).Routes)
			protected.Route("/settings", handlers.NewSettingsHandler(s.deps.SettingsManager, s.deps.SearchService, s.deps.Bus).Routes)
			protected.Route("/sources", handlers.NewSourcesHandler(s.deps.SearchService, s.deps.SettingsManager).Routes)
			protected.Route("/rd/auth", handlers.NewRDAuthHandler(s.deps.RDClient).Routes)

			protected.Get("/events", s.deps.StreamManager.Serve)
		})
	})

	swagger.RegisterRoutes(r)

	if cfg.PprofEnabled {
		r.Route("/debug/pprof", func(p chi.Router) {
			p.Get("/", pprof.Index)
			p.Get("/cmdline", pprof.Cmdline)
			p.Get("/profile", pprof.Profile)
			p.Get("/symbol", pprof.Symbol)
			p.Get("/trace", pprof.Trace)
			p.Get("/{name}", func(w http.ResponseWriter, req *http.Request) {
				pprof.Handler(chi.URLParam(req, "name")).ServeHTTP(w, req)
			})
		})
	}

	web.NewHandler(buildinfo.Version, normalizeBaseURL(cfg.BaseURL), web.DistFS()).RegisterRoutes(r)
}

// normalizeBaseURL guarantees leading and trailing slashes.
func normalizeBaseURL(baseURL string) string {
	trimmed := strings.Trim(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return "/"
	}
	return "/" + trimmed + "/"
}
