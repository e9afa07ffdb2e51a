// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// SessionStore persists scs web sessions in the sessions table. A
// background goroutine prunes expired rows.
type SessionStore struct {
	db              *sql.DB
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
}

// NewSessionStore builds the store and starts the cleanup loop. Pass a zero
// interval to disable cleanup (tests).
func NewSessionStore(db *DB, cleanupInterval time.Duration) *SessionStore {
	s := &SessionStore{
		db:              db.conn,
		cleanupInterval: cleanupInterval,
	}
	if cleanupInterval > 0 {
		s.stopCleanup = make(chan struct{})
		go s.cleanupLoop()
	}
	return s
}

// Find returns the session data for a token. Expired or unknown tokens
// report found=false.
func (s *SessionStore) Find(token string) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(context.Background(),
		`SELECT data FROM sessions WHERE token = ? AND expiry > ?`, token, time.Now().Unix()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Commit upserts the session data with its expiry.
func (s *SessionStore) Commit(token string, data []byte, expiry time.Time) error {
	_, err := s.db.ExecContext(context.Background(),
		`INSERT OR REPLACE INTO sessions (token, data, expiry) VALUES (?, ?, ?)`,
		token, data, expiry.Unix())
	return err
}

// Delete removes one session.
func (s *SessionStore) Delete(token string) error {
	_, err := s.db.ExecContext(context.Background(), `DELETE FROM sessions WHERE token = ?`, token)
	return err
}

// StopCleanup terminates the cleanup goroutine; call during shutdown.
func (s *SessionStore) StopCleanup() {
	if s.stopCleanup != nil {
		close(s.stopCleanup)
	}
}

func (s *SessionStore) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := s.db.ExecContext(context.Background(),
				`DELETE FROM sessions WHERE expiry <= ?`, time.Now().Unix()); err != nil {
				log.Warn().Err(err).Msg("Failed to prune expired sessions")
			}
		case <-s.stopCleanup:
			return
		}
	}
}
