// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/alexedwards/scs/v2"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetcharr/fetcharr/internal/auth"
	"github.com/fetcharr/fetcharr/internal/database"
)

func newAuthTestRouter(t *testing.T) (*chi.Mux, *auth.Service, *scs.SessionManager) {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	authService := auth.NewService(db)
	sessionManager := scs.New()

	r := chi.NewRouter()
	r.Use(sessionManager.LoadAndSave)
	r.Route("/api/auth", NewAuthHandler(authService, sessionManager, nil).Routes)
	return r, authService, sessionManager
}

func postJSON(t *testing.T, router http.Handler, path string, body any, cookies []*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()

	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	for _, cookie := range cookies {
		req.AddCookie(cookie)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestAuthHandler_CheckSetup(t *testing.T) {
	router, authService, _ := newAuthTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/check-setup", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body["setup_required"])

	_, err := authService.CreateUser(t.Context(), "admin", "password123")
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/auth/check-setup", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body["setup_required"])
}

func TestAuthHandler_Setup(t *testing.T) {
	router, _, _ := newAuthTestRouter(t)

	rec := postJSON(t, router, "/api/auth/setup", SetupRequest{Username: "admin", Password: "password123"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "admin", body["username"])
	assert.Equal(t, "admin", body["role"])
	assert.NotEmpty(t, rec.Result().Cookies())

	// Second setup attempt must be rejected.
	rec = postJSON(t, router, "/api/auth/setup", SetupRequest{Username: "again", Password: "password123"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAuthHandler_Setup_RejectsShortPassword(t *testing.T) {
	router, _, _ := newAuthTestRouter(t)

	rec := postJSON(t, router, "/api/auth/setup", SetupRequest{Username: "admin", Password: "short"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthHandler_LoginLogout(t *testing.T) {
	router, authService, _ := newAuthTestRouter(t)

	_, err := authService.CreateUser(t.Context(), "alice", "password123")
	require.NoError(t, err)

	t.Run("wrong password", func(t *testing.T) {
		rec := postJSON(t, router, "/api/auth/login", LoginRequest{Username: "alice", Password: "wrong-password"}, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unknown user", func(t *testing.T) {
		rec := postJSON(t, router, "/api/auth/login", LoginRequest{Username: "nobody", Password: "password123"}, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("success then logout", func(t *testing.T) {
		rec := postJSON(t, router, "/api/auth/login", LoginRequest{Username: "alice", Password: "password123"}, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "alice", body["username"])

		cookies := rec.Result().Cookies()
		require.NotEmpty(t, cookies)

		// Session is usable.
		req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
		for _, cookie := range cookies {
			req.AddCookie(cookie)
		}
		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		rec2 := postJSON(t, router, "/api/auth/logout", nil, cookies)
		assert.Equal(t, http.StatusOK, rec2.Code)
	})
}

func TestAuthHandler_GetCurrentUser_Unauthenticated(t *testing.T) {
	router, _, _ := newAuthTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/auth/me", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthHandler_ChangePassword(t *testing.T) {
	router, authService, _ := newAuthTestRouter(t)

	_, err := authService.CreateUser(t.Context(), "alice", "password123")
	require.NoError(t, err)

	login := postJSON(t, router, "/api/auth/login", LoginRequest{Username: "alice", Password: "password123"}, nil)
	require.Equal(t, http.StatusOK, login.Code)
	cookies := login.Result().Cookies()

	t.Run("wrong current password", func(t *testing.T) {
		rec := postJSON(t, router, "/api/auth/change-password",
			ChangePasswordRequest{CurrentPassword: "wrong-password", NewPassword: "newpassword1"}, cookies)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("success", func(t *testing.T) {
		rec := postJSON(t, router, "/api/auth/change-password",
			ChangePasswordRequest{CurrentPassword: "password123", NewPassword: "newpassword1"}, cookies)
		require.Equal(t, http.StatusOK, rec.Code)

		_, err := authService.Login(t.Context(), "alice", "newpassword1")
		assert.NoError(t, err)
	})
}
