// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package settings provides scoped key/value configuration in three tiers:
// process defaults, per-user, and per-profile. Profile scope is selected by
// the session carried on the context; rd_* keys can be routed to the user
// tier when the profile opts into shared premium credentials.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/session"
)

// Store persists scoped settings blobs. Implemented by the sqlite-backed
// user store; nil disables the user/profile tiers.
type Store interface {
	GetProfileSettings(ctx context.Context, profileID string) (map[string]any, error)
	SetProfileSettings(ctx context.Context, profileID string, settings map[string]any) error
	GetUserSettings(ctx context.Context, userID int64) (map[string]any, error)
	SetUserSettings(ctx context.Context, userID int64, settings map[string]any) error
}

// Manager owns the process settings file and the scoped caches.
type Manager struct {
	mu           sync.RWMutex
	settings     map[string]any
	settingsFile string

	store Store

	scopeMu      sync.Mutex
	profileCache map[string]map[string]any
	userCache    map[int64]map[string]any
}

// NewManager loads process settings from dataDir/settings.json, merging the
// defaults and the required URL baselines.
func NewManager(dataDir string, store Store) (*Manager, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create settings dir: %w", err)
	}

	m := &Manager{
		settingsFile: filepath.Join(dataDir, "settings.json"),
		store:        store,
		profileCache: make(map[string]map[string]any),
		userCache:    make(map[int64]map[string]any),
	}

	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.settings = Defaults()

	raw, err := os.ReadFile(m.settingsFile)
	switch {
	case err == nil:
		var loaded map[string]any
		if jsonErr := json.Unmarshal(raw, &loaded); jsonErr != nil {
			log.Error().Err(jsonErr).Msg("Failed to parse settings file, using defaults")
		} else {
			mergeSettings(m.settings, loaded)
		}
	case os.IsNotExist(err):
		// first run
	default:
		return fmt.Errorf("failed to read settings file: %w", err)
	}

	changed := sanitize(m.settings)
	if changed {
		if err := m.saveLocked(); err != nil {
			log.Error().Err(err).Msg("Failed to persist sanitized settings")
		}
	}
	return nil
}

// mergeSettings overlays loaded values on the defaults, deep-merging the
// enabled_sources map so new providers pick up their default state.
func mergeSettings(base, loaded map[string]any) {
	for k, v := range loaded {
		if k == "enabled_sources" {
			continue
		}
		base[k] = v
	}

	defaults := asBoolMap(base["enabled_sources"])
	for name, enabled := range asBoolMap(loaded["enabled_sources"]) {
		defaults[name] = enabled
	}
	base["enabled_sources"] = defaults
}

// saveLocked persists the process settings atomically. Caller holds mu.
func (m *Manager) saveLocked() error {
	payload, err := json.MarshalIndent(m.settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	tmp := m.settingsFile + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Rename(tmp, m.settingsFile); err != nil {
		return fmt.Errorf("failed to replace settings file: %w", err)
	}
	return nil
}

// scoped resolves the active profile settings for the context, loading and
// caching them on first use. Returns nil when no profile scope applies.
func (m *Manager) scoped(ctx context.Context) (string, int64, map[string]any) {
	sess := session.FromContext(ctx)
	if sess.ProfileID == "" || m.store == nil {
		return "", sess.UserID, nil
	}

	m.scopeMu.Lock()
	defer m.scopeMu.Unlock()

	if cached, ok := m.profileCache[sess.ProfileID]; ok {
		return sess.ProfileID, sess.UserID, cached
	}

	loaded, err := m.store.GetProfileSettings(ctx, sess.ProfileID)
	if err != nil {
		log.Error().Err(err).Str("profileID", sess.ProfileID).Msg("Failed to load profile settings")
		loaded = nil
	}

	merged := Defaults()
	if loaded != nil {
		mergeSettings(merged, loaded)
	}
	sanitize(merged)

	// Write back so new keys added by the sanitizer persist.
	if err := m.store.SetProfileSettings(ctx, sess.ProfileID, merged); err != nil {
		log.Error().Err(err).Str("profileID", sess.ProfileID).Msg("Failed to persist profile settings")
	}

	m.profileCache[sess.ProfileID] = merged
	return sess.ProfileID, sess.UserID, merged
}

func (m *Manager) userScoped(ctx context.Context, userID int64) map[string]any {
	m.scopeMu.Lock()
	defer m.scopeMu.Unlock()

	if cached, ok := m.userCache[userID]; ok {
		return cached
	}
	loaded, err := m.store.GetUserSettings(ctx, userID)
	if err != nil {
		log.Error().Err(err).Int64("userID", userID).Msg("Failed to load user settings")
	}
	if loaded == nil {
		loaded = make(map[string]any)
	}
	m.userCache[userID] = loaded
	return loaded
}

func sharedRDKey(key string, scoped map[string]any, userID int64) bool {
	return strings.HasPrefix(key, "rd_") && userID != 0 &&
		asString(scoped["rd_sharing_mode"], "profile") == "shared"
}

// Get returns the value for a key in the caller's scope.
func (m *Manager) Get(ctx context.Context, key string) any {
	_, userID, scoped := m.scoped(ctx)
	if scoped != nil {
		m.scopeMu.Lock()
		shared := sharedRDKey(key, scoped, userID)
		value, ok := scoped[key]
		m.scopeMu.Unlock()

		if shared {
			userScoped := m.userScoped(ctx, userID)
			m.scopeMu.Lock()
			v, userOk := userScoped[key]
			m.scopeMu.Unlock()
			if userOk {
				return sanitizeReadValue(key, v)
			}
		}
		if ok {
			return sanitizeReadValue(key, value)
		}
		return sanitizeReadValue(key, nil)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return sanitizeReadValue(key, m.settings[key])
}

// Set writes one key in the caller's scope and persists.
func (m *Manager) Set(ctx context.Context, key string, value any) error {
	return m.Update(ctx, map[string]any{key: value})
}

// Update writes multiple keys at once and persists atomically per tier.
func (m *Manager) Update(ctx context.Context, values map[string]any) error {
	if v, ok := values["download_folder"]; ok {
		values["download_folder"] = sanitizeDownloadFolder(v)
	}

	profileID, userID, scoped := m.scoped(ctx)
	if scoped != nil && profileID != "" {
		sharing := asString(scoped["rd_sharing_mode"], "profile") == "shared" && userID != 0
		var userScoped map[string]any
		if sharing {
			userScoped = m.userScoped(ctx, userID)
		}

		m.scopeMu.Lock()
		for k, v := range values {
			if sharing && strings.HasPrefix(k, "rd_") {
				userScoped[k] = v
				continue
			}
			scoped[k] = v
		}
		sanitize(scoped)
		m.scopeMu.Unlock()

		if err := m.store.SetProfileSettings(ctx, profileID, scoped); err != nil {
			return fmt.Errorf("failed to persist profile settings: %w", err)
		}
		if sharing && userScoped != nil {
			if err := m.store.SetUserSettings(ctx, userID, userScoped); err != nil {
				return fmt.Errorf("failed to persist user settings: %w", err)
			}
		}
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range values {
		m.settings[k] = v
	}
	sanitize(m.settings)
	return m.saveLocked()
}

// GetAll returns a copy of the effective settings for the caller's scope.
func (m *Manager) GetAll(ctx context.Context) map[string]any {
	_, userID, scoped := m.scoped(ctx)
	if scoped != nil {
		out := make(map[string]any, len(scoped))
		m.scopeMu.Lock()
		for k, v := range scoped {
			out[k] = v
		}
		shared := asString(scoped["rd_sharing_mode"], "profile") == "shared" && userID != 0
		m.scopeMu.Unlock()
		if shared {
			for k, v := range m.userScoped(ctx, userID) {
				out[k] = v
			}
		}
		return out
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]any, len(m.settings))
	for k, v := range m.settings {
		out[k] = v
	}
	return out
}

// Reset restores the caller's scope to defaults.
func (m *Manager) Reset(ctx context.Context) error {
	profileID, _, scoped := m.scoped(ctx)
	if scoped != nil && profileID != "" {
		merged := Defaults()
		sanitize(merged)
		m.scopeMu.Lock()
		m.profileCache[profileID] = merged
		m.scopeMu.Unlock()
		if err := m.store.SetProfileSettings(ctx, profileID, merged); err != nil {
			return fmt.Errorf("failed to persist profile settings: %w", err)
		}
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = Defaults()
	sanitize(m.settings)
	return m.saveLocked()
}

// InvalidateScopeCaches drops the cached user/profile blobs. Called when the
// active session changes so subsequent reads reload from the store.
func (m *Manager) InvalidateScopeCaches() {
	m.scopeMu.Lock()
	m.profileCache = make(map[string]map[string]any)
	m.userCache = make(map[int64]map[string]any)
	m.scopeMu.Unlock()
}

func sanitizeReadValue(key string, value any) any {
	if key == "download_folder" {
		return sanitizeDownloadFolder(value)
	}
	return value
}

// Typed accessors. Persisted JSON yields float64 for numbers, so all
// numeric reads coerce.

func (m *Manager) GetString(ctx context.Context, key, fallback string) string {
	return asString(m.Get(ctx, key), fallback)
}

func (m *Manager) GetInt(ctx context.Context, key string, fallback int) int {
	return asInt(m.Get(ctx, key), fallback)
}

func (m *Manager) GetFloat(ctx context.Context, key string, fallback float64) float64 {
	return asFloat(m.Get(ctx, key), fallback)
}

func (m *Manager) GetBool(ctx context.Context, key string, fallback bool) bool {
	return asBool(m.Get(ctx, key), fallback)
}

func (m *Manager) GetStringSlice(ctx context.Context, key string) []string {
	return asStringSlice(m.Get(ctx, key))
}

func (m *Manager) GetIntSlice(ctx context.Context, key string) []int {
	return asIntSlice(m.Get(ctx, key))
}

func (m *Manager) GetBoolMap(ctx context.Context, key string) map[string]bool {
	return asBoolMap(m.Get(ctx, key))
}

func (m *Manager) GetOverrideMap(ctx context.Context, key string) map[string]map[string]any {
	return asOverrideMap(m.Get(ctx, key))
}
