// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/fetcharr/fetcharr/internal/models"
)

// maxProfilesPerUser caps how many settings scopes one account may create.
const maxProfilesPerUser = 8

var (
	ErrProfileNotFound = errors.New("profile not found")
	ErrProfileLimit    = errors.Errorf("profile limit of %d reached", maxProfilesPerUser)
)

// CreateProfile adds a named settings scope under the user.
func (db *DB) CreateProfile(ctx context.Context, userID int64, name string) (models.Profile, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Profile{}, errors.New("profile name must not be empty")
	}

	var count int
	if err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM profiles WHERE user_id = ?`, userID).Scan(&count); err != nil {
		return models.Profile{}, fmt.Errorf("failed to count profiles: %w", err)
	}
	if count >= maxProfilesPerUser {
		return models.Profile{}, ErrProfileLimit
	}

	profile := models.Profile{ID: uuid.NewString(), UserID: userID, Name: name}
	if _, err := db.conn.ExecContext(ctx,
		`INSERT INTO profiles (id, user_id, name) VALUES (?, ?, ?)`,
		profile.ID, profile.UserID, profile.Name); err != nil {
		return models.Profile{}, fmt.Errorf("failed to create profile: %w", err)
	}
	return db.GetProfile(ctx, profile.ID)
}

// GetProfile fetches one profile by id.
func (db *DB) GetProfile(ctx context.Context, id string) (models.Profile, error) {
	var profile models.Profile
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, user_id, name, created_at FROM profiles WHERE id = ?`, id).
		Scan(&profile.ID, &profile.UserID, &profile.Name, &profile.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Profile{}, ErrProfileNotFound
	}
	if err != nil {
		return models.Profile{}, fmt.Errorf("failed to scan profile: %w", err)
	}
	return profile, nil
}

// ListProfiles returns the user's profiles in creation order.
func (db *DB) ListProfiles(ctx context.Context, userID int64) ([]models.Profile, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, user_id, name, created_at FROM profiles WHERE user_id = ? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []models.Profile
	for rows.Next() {
		var profile models.Profile
		if err := rows.Scan(&profile.ID, &profile.UserID, &profile.Name, &profile.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		profiles = append(profiles, profile)
	}
	return profiles, rows.Err()
}

// DeleteProfile removes a profile and its settings blob.
func (db *DB) DeleteProfile(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM profiles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete profile: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check profile delete: %w", err)
	}
	if affected == 0 {
		return ErrProfileNotFound
	}
	return nil
}

// The four methods below implement settings.Store.

// GetProfileSettings loads the profile's settings blob. A missing row
// yields nil without error.
func (db *DB) GetProfileSettings(ctx context.Context, profileID string) (map[string]any, error) {
	return db.loadSettings(ctx,
		`SELECT settings FROM profile_settings WHERE profile_id = ?`, profileID)
}

// SetProfileSettings replaces the profile's settings blob.
func (db *DB) SetProfileSettings(ctx context.Context, profileID string, settings map[string]any) error {
	return db.saveSettings(ctx,
		`INSERT INTO profile_settings (profile_id, settings, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT (profile_id) DO UPDATE SET settings = excluded.settings, updated_at = CURRENT_TIMESTAMP`,
		profileID, settings)
}

// GetUserSettings loads the user-tier settings blob (shared rd_* keys).
func (db *DB) GetUserSettings(ctx context.Context, userID int64) (map[string]any, error) {
	return db.loadSettings(ctx,
		`SELECT settings FROM user_settings WHERE user_id = ?`, userID)
}

// SetUserSettings replaces the user-tier settings blob.
func (db *DB) SetUserSettings(ctx context.Context, userID int64, settings map[string]any) error {
	return db.saveSettings(ctx,
		`INSERT INTO user_settings (user_id, settings, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT (user_id) DO UPDATE SET settings = excluded.settings, updated_at = CURRENT_TIMESTAMP`,
		userID, settings)
}

func (db *DB) loadSettings(ctx context.Context, query string, key any) (map[string]any, error) {
	var raw string
	err := db.conn.QueryRowContext(ctx, query, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	var settings map[string]any
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	return settings, nil
}

func (db *DB) saveSettings(ctx context.Context, query string, key any, settings map[string]any) error {
	payload, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if _, err := db.conn.ExecContext(ctx, query, key, string(payload)); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}
