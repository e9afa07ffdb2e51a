// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package sources

import "sync"

// ErrorTracker is the shared lastError holder providers embed. It is safe
// for concurrent use since the coordinator may probe health while a search
// is in flight.
type ErrorTracker struct {
	mu  sync.Mutex
	msg string
}

// SetLastError records the most recent warning ("" clears it).
func (t *ErrorTracker) SetLastError(msg string) {
	t.mu.Lock()
	t.msg = msg
	t.mu.Unlock()
}

// LastError returns the most recent warning.
func (t *ErrorTracker) LastError() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.msg
}
