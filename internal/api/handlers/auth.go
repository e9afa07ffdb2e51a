// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/alexedwards/scs/v2"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/auth"
	"github.com/fetcharr/fetcharr/internal/domain"
)

type AuthHandler struct {
	authService    *auth.Service
	sessionManager *scs.SessionManager
	config         *domain.Config
}

func NewAuthHandler(authService *auth.Service, sessionManager *scs.SessionManager, config *domain.Config) *AuthHandler {
	return &AuthHandler{
		authService:    authService,
		sessionManager: sessionManager,
		config:         config,
	}
}

func (h *AuthHandler) Routes(r chi.Router) {
	r.Post("/setup", h.Setup)
	r.Get("/check-setup", h.CheckSetup)
	r.Post("/login", h.Login)
	r.Post("/logout", h.Logout)
	r.Get("/me", h.GetCurrentUser)
	r.Post("/change-password", h.ChangePassword)
	r.Get("/validate", h.Validate)
}

type SetupRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember_me"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

// CheckSetup reports whether initial setup is still required.
func (h *AuthHandler) CheckSetup(w http.ResponseWriter, r *http.Request) {
	required, err := h.authService.SetupRequired(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to check setup status")
		RespondError(w, http.StatusInternalServerError, "Failed to check setup status")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]bool{
		"setup_required": required,
	})
}

// Setup creates the initial admin user account.
func (h *AuthHandler) Setup(w http.ResponseWriter, r *http.Request) {
	required, err := h.authService.SetupRequired(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to check setup status")
		RespondError(w, http.StatusInternalServerError, "Failed to check setup status")
		return
	}
	if !required {
		RespondError(w, http.StatusConflict, "Setup already completed")
		return
	}

	var req SetupRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	user, err := h.authService.CreateUser(r.Context(), req.Username, req.Password)
	if err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.sessionManager.RenewToken(r.Context()); err != nil {
		log.Error().Err(err).Msg("Failed to renew session token")
		RespondError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}

	h.sessionManager.Put(r.Context(), "authenticated", true)
	h.sessionManager.Put(r.Context(), "user_id", user.ID)
	h.sessionManager.Put(r.Context(), "username", user.Username)
	h.sessionManager.Put(r.Context(), "role", user.Role)

	RespondJSON(w, http.StatusCreated, map[string]any{
		"id":       user.ID,
		"username": user.Username,
		"role":     user.Role,
	})
}

// Login authenticates a user and establishes a session.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	user, err := h.authService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if err == auth.ErrInvalidCredentials {
			RespondError(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}
		log.Error().Err(err).Msg("Login failed")
		RespondError(w, http.StatusInternalServerError, "Login failed")
		return
	}

	if err := h.sessionManager.RenewToken(r.Context()); err != nil {
		log.Error().Err(err).Msg("Failed to renew session token")
		RespondError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}

	h.sessionManager.Put(r.Context(), "authenticated", true)
	h.sessionManager.Put(r.Context(), "user_id", user.ID)
	h.sessionManager.Put(r.Context(), "username", user.Username)
	h.sessionManager.Put(r.Context(), "role", user.Role)
	h.sessionManager.Put(r.Context(), "auth_method", "password")

	if req.RememberMe {
		h.sessionManager.RememberMe(r.Context(), true)
	}

	RespondJSON(w, http.StatusOK, map[string]any{
		"id":       user.ID,
		"username": user.Username,
		"role":     user.Role,
	})
}

// Logout destroys the current session.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.sessionManager.Destroy(r.Context()); err != nil {
		log.Error().Err(err).Msg("Failed to destroy session")
		RespondError(w, http.StatusInternalServerError, "Failed to logout")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{
		"message": "Logged out",
	})
}

// GetCurrentUser returns the identity bound to the current session.
func (h *AuthHandler) GetCurrentUser(w http.ResponseWriter, r *http.Request) {
	if h.config != nil && h.config.IsAuthDisabled() {
		RespondJSON(w, http.StatusOK, map[string]any{
			"username":      "admin",
			"role":          "admin",
			"auth_disabled": true,
		})
		return
	}

	if !h.sessionManager.GetBool(r.Context(), "authenticated") {
		RespondError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]any{
		"id":       h.sessionManager.GetInt64(r.Context(), "user_id"),
		"username": h.sessionManager.GetString(r.Context(), "username"),
		"role":     h.sessionManager.GetString(r.Context(), "role"),
	})
}

// Validate confirms the session is still live. Used by the frontend on
// startup before it loads any state.
func (h *AuthHandler) Validate(w http.ResponseWriter, r *http.Request) {
	if h.config != nil && h.config.IsAuthDisabled() {
		RespondJSON(w, http.StatusOK, map[string]bool{"valid": true})
		return
	}

	if !h.sessionManager.GetBool(r.Context(), "authenticated") {
		RespondError(w, http.StatusUnauthorized, "Session expired")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

// ChangePassword rotates the password of the logged-in user.
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	if !h.sessionManager.GetBool(r.Context(), "authenticated") {
		RespondError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	var req ChangePasswordRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	username := h.sessionManager.GetString(r.Context(), "username")
	if err := h.authService.ChangePassword(r.Context(), username, req.CurrentPassword, req.NewPassword); err != nil {
		if err == auth.ErrInvalidCredentials {
			RespondError(w, http.StatusUnauthorized, "Current password is incorrect")
			return
		}
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Force re-login everywhere else by rotating the session token.
	if err := h.sessionManager.RenewToken(r.Context()); err != nil {
		log.Error().Err(err).Msg("Failed to renew session token after password change")
	}

	RespondJSON(w, http.StatusOK, map[string]string{
		"message": "Password changed",
	})
}
