// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetcharr/fetcharr/internal/api/sse"
	"github.com/fetcharr/fetcharr/internal/auth"
	"github.com/fetcharr/fetcharr/internal/config"
	"github.com/fetcharr/fetcharr/internal/database"
	"github.com/fetcharr/fetcharr/internal/domain"
	"github.com/fetcharr/fetcharr/internal/events"
	"github.com/fetcharr/fetcharr/internal/services/download"
	"github.com/fetcharr/fetcharr/internal/services/realdebrid"
	"github.com/fetcharr/fetcharr/internal/services/search"
	"github.com/fetcharr/fetcharr/internal/services/searchjobs"
	"github.com/fetcharr/fetcharr/internal/settings"
)

type serverTestEnv struct {
	handler     http.Handler
	authService *auth.Service
}

func newServerTestEnv(t *testing.T, mutate func(*domain.Config)) *serverTestEnv {
	t.Helper()

	configDir := t.TempDir()
	cfg, err := config.New(configDir)
	require.NoError(t, err)
	if mutate != nil {
		mutate(cfg.Config)
	}

	db, err := database.New(cfg.GetDatabasePath())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	settingsManager, err := settings.NewManager(configDir, db)
	require.NoError(t, err)

	bus := events.NewBus()
	rdClient := realdebrid.NewClient(settingsManager, bus)
	searchService := search.NewService(settingsManager, bus)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	searchJobs := searchjobs.NewManager(searchService, settingsManager, bus)
	downloads := download.NewManager(ctx, settingsManager, bus, rdClient)
	streamManager := sse.NewStreamManager(bus)

	sessionStore := database.NewSessionStore(db, time.Hour)
	t.Cleanup(sessionStore.StopCleanup)

	sessionManager := scs.New()
	sessionManager.Store = sessionStore
	sessionManager.Cookie.Name = "fetcharr_session"

	authService := auth.NewService(db)

	server := NewServer(Dependencies{
		Config:          cfg,
		DB:              db,
		AuthService:     authService,
		SessionManager:  sessionManager,
		SettingsManager: settingsManager,
		SearchService:   searchService,
		SearchJobs:      searchJobs,
		Downloads:       downloads,
		RDClient:        rdClient,
		StreamManager:   streamManager,
		Bus:             bus,
	})

	return &serverTestEnv{handler: server.Handler(), authService: authService}
}

func TestHandler_OpenEndpoints(t *testing.T) {
	env := newServerTestEnv(t, nil)

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)

	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/version", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version"`)
}

func TestHandler_SetupGateBlocksProtectedRoutes(t *testing.T) {
	env := newServerTestEnv(t, nil)

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/settings", nil))
	assert.Equal(t, http.StatusPreconditionRequired, rec.Code)
	assert.Contains(t, rec.Body.String(), "setup_required")
}

func TestHandler_ProtectedRoutesRequireSession(t *testing.T) {
	env := newServerTestEnv(t, nil)

	_, err := env.authService.CreateUser(context.Background(), "admin", "password12345")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/settings", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandler_SetupThenAuthenticatedAccess(t *testing.T) {
	env := newServerTestEnv(t, nil)

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{Jar: jar}

	body, err := json.Marshal(map[string]string{
		"username": "admin",
		"password": "password12345",
	})
	require.NoError(t, err)

	resp, err := client.Post(srv.URL+"/api/auth/setup", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = client.Get(srv.URL + "/api/sources")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandler_BaseURLMount(t *testing.T) {
	env := newServerTestEnv(t, func(cfg *domain.Config) {
		cfg.BaseURL = "/fetcharr/"
	})

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, "/fetcharr/", rec.Header().Get("Location"))

	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fetcharr/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
