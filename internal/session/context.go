// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package session carries the ambient per-request identity through
// context.Context. Background workers must receive an explicit snapshot so
// profile-scoped settings reads resolve against the right profile.
package session

import "context"

type contextKey struct{}

// Context identifies the caller of an operation. The zero value is the
// anonymous process-scope identity.
type Context struct {
	UserID    int64
	Username  string
	Role      string
	ProfileID string
}

// Snapshot returns a copy with the role defaulted, suitable for handing to
// a spawned worker.
func (s Context) Snapshot() Context {
	if s.Role == "" {
		s.Role = "user"
	}
	return s
}

// WithSession attaches the identity to a context.
func WithSession(ctx context.Context, s Context) context.Context {
	return context.WithValue(ctx, contextKey{}, s.Snapshot())
}

// FromContext extracts the identity, returning the anonymous identity when
// none is attached.
func FromContext(ctx context.Context) Context {
	if s, ok := ctx.Value(contextKey{}).(Context); ok {
		return s
	}
	return Context{Role: "user"}
}
