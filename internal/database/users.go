// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/fetcharr/fetcharr/internal/models"
)

// ErrUserNotFound is returned when a lookup matches no account.
var ErrUserNotFound = errors.New("user not found")

// CreateUser inserts a new account. Usernames are unique case-insensitively.
func (db *DB) CreateUser(ctx context.Context, username, passwordHash, role string) (models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return models.User{}, errors.New("username must not be empty")
	}
	if role == "" {
		role = "user"
	}

	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, role) VALUES (?, ?, ?)`,
		username, passwordHash, role)
	if err != nil {
		return models.User{}, fmt.Errorf("failed to create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.User{}, fmt.Errorf("failed to read new user id: %w", err)
	}
	return db.GetUserByID(ctx, id)
}

// GetUserByID fetches one account by id.
func (db *DB) GetUserByID(ctx context.Context, id int64) (models.User, error) {
	return db.scanUser(db.conn.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, created_at, updated_at FROM users WHERE id = ?`, id))
}

// GetUserByUsername fetches one account by name, case-insensitively.
func (db *DB) GetUserByUsername(ctx context.Context, username string) (models.User, error) {
	return db.scanUser(db.conn.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, created_at, updated_at FROM users WHERE username = ?`,
		strings.TrimSpace(username)))
}

// UpdateUserPassword replaces the stored hash.
func (db *DB) UpdateUserPassword(ctx context.Context, userID int64, passwordHash string) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE users SET password_hash = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		passwordHash, userID)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check password update: %w", err)
	}
	if affected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// CountUsers reports how many accounts exist. Zero means first-run setup.
func (db *DB) CountUsers(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(1) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return count, nil
}

func (db *DB) scanUser(row *sql.Row) (models.User, error) {
	var user models.User
	err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("failed to scan user: %w", err)
	}
	return user, nil
}
