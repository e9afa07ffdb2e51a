// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package auth

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/database"
	"github.com/fetcharr/fetcharr/internal/models"
)

const minPasswordLength = 8

// ErrInvalidCredentials is returned for unknown users and wrong passwords
// alike so login responses do not leak which half failed.
var ErrInvalidCredentials = errors.New("invalid username or password")

// Service handles account creation and login checks.
type Service struct {
	db *database.DB
}

func NewService(db *database.DB) *Service {
	return &Service{db: db}
}

// SetupRequired reports whether no account exists yet.
func (s *Service) SetupRequired(ctx context.Context) (bool, error) {
	count, err := s.db.CountUsers(ctx)
	if err != nil {
		return false, err
	}
	return count == 0, nil
}

// CreateUser registers an account. The first account becomes an admin.
func (s *Service) CreateUser(ctx context.Context, username, password string) (models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return models.User{}, errors.New("username must not be empty")
	}
	if len(password) < minPasswordLength {
		return models.User{}, errors.Errorf("password must be at least %d characters", minPasswordLength)
	}

	hash, err := HashPassword(password)
	if err != nil {
		return models.User{}, err
	}

	role := "user"
	count, err := s.db.CountUsers(ctx)
	if err != nil {
		return models.User{}, err
	}
	if count == 0 {
		role = "admin"
	}

	user, err := s.db.CreateUser(ctx, username, hash, role)
	if err != nil {
		return models.User{}, err
	}
	log.Info().Str("username", user.Username).Str("role", user.Role).Msg("User created")
	return user, nil
}

// Login verifies the credentials and returns the account.
func (s *Service) Login(ctx context.Context, username, password string) (models.User, error) {
	user, err := s.db.GetUserByUsername(ctx, username)
	if errors.Is(err, database.ErrUserNotFound) {
		// Burn a hash comparison so unknown users cost the same as known
		// ones.
		_, _ = VerifyPassword(password, "pbkdf2_sha256$150000$AAAAAAAAAAAAAAAAAAAAAA==$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
		return models.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return models.User{}, err
	}

	ok, err := VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return models.User{}, err
	}
	if !ok {
		return models.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// ChangePassword verifies the current password and stores a new hash.
func (s *Service) ChangePassword(ctx context.Context, username, current, next string) error {
	user, err := s.Login(ctx, username, current)
	if err != nil {
		return err
	}
	if len(next) < minPasswordLength {
		return errors.Errorf("password must be at least %d characters", minPasswordLength)
	}

	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	return s.db.UpdateUserPassword(ctx, user.ID, hash)
}

// ResetPassword stores a new hash without checking the old one. Used by the
// CLI for operator-driven recovery.
func (s *Service) ResetPassword(ctx context.Context, username, next string) error {
	if len(next) < minPasswordLength {
		return errors.Errorf("password must be at least %d characters", minPasswordLength)
	}
	user, err := s.db.GetUserByUsername(ctx, username)
	if err != nil {
		return err
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	return s.db.UpdateUserPassword(ctx, user.ID, hash)
}
