// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package auth

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetcharr/fetcharr/internal/database"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "fetcharr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewService(db)
}

func TestSetupRequired(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	required, err := svc.SetupRequired(ctx)
	require.NoError(t, err)
	assert.True(t, required)

	_, err = svc.CreateUser(ctx, "admin", "password123")
	require.NoError(t, err)

	required, err = svc.SetupRequired(ctx)
	require.NoError(t, err)
	assert.False(t, required)
}

func TestCreateUserValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, "  ", "password123")
	require.Error(t, err)

	_, err = svc.CreateUser(ctx, "shortpw", "tiny")
	require.Error(t, err)
}

func TestFirstUserBecomesAdmin(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, err := svc.CreateUser(ctx, "root", "password123")
	require.NoError(t, err)
	assert.Equal(t, "admin", first.Role)

	second, err := svc.CreateUser(ctx, "guest", "password123")
	require.NoError(t, err)
	assert.Equal(t, "user", second.Role)
}

func TestLogin(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreateUser(ctx, "alice", "password123")
	require.NoError(t, err)

	user, err := svc.Login(ctx, "alice", "password123")
	require.NoError(t, err)
	assert.Equal(t, created.ID, user.ID)

	_, err = svc.Login(ctx, "alice", "wrong-password")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Login(ctx, "nobody", "password123")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestChangePassword(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, "bob", "password123")
	require.NoError(t, err)

	require.ErrorIs(t, svc.ChangePassword(ctx, "bob", "wrong", "newpassword1"), ErrInvalidCredentials)
	require.Error(t, svc.ChangePassword(ctx, "bob", "password123", "tiny"))
	require.NoError(t, svc.ChangePassword(ctx, "bob", "password123", "newpassword1"))

	_, err = svc.Login(ctx, "bob", "password123")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Login(ctx, "bob", "newpassword1")
	require.NoError(t, err)
}

func TestResetPassword(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, "carol", "password123")
	require.NoError(t, err)

	require.Error(t, svc.ResetPassword(ctx, "missing", "newpassword1"))
	require.NoError(t, svc.ResetPassword(ctx, "carol", "newpassword1"))

	_, err = svc.Login(ctx, "carol", "newpassword1")
	require.NoError(t, err)
}
