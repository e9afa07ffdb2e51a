// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package events provides the in-process publish/subscribe bus that wires
// the search and download services to the API layer.
package events

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/rs/zerolog/log"
)

// Stable event names. The API layer forwards these verbatim over SSE.
const (
	SearchStarted   = "search_started"
	SearchProgress  = "search_progress"
	SearchCompleted = "search_completed"
	SearchError     = "search_error"

	DownloadQueued    = "download_queued"
	DownloadStarted   = "download_started"
	DownloadProgress  = "download_progress"
	DownloadPaused    = "download_paused"
	DownloadResumed   = "download_resumed"
	DownloadCompleted = "download_completed"
	DownloadCancelled = "download_cancelled"
	DownloadDeleted   = "download_deleted"
	DownloadError     = "download_error"

	RDAuthStarted   = "rd_auth_started"
	RDAuthCompleted = "rd_auth_completed"
	RDAuthError     = "rd_auth_error"
	RDAuthRevoked   = "rd_auth_revoked"

	SettingsChanged = "settings_changed"
	SourcesReloaded = "sources_reloaded"
)

// Handler receives the payload of an emitted event.
type Handler func(payload map[string]any)

// Bus is a thread-safe publish/subscribe dispatcher keyed by event name.
// Handler panics are isolated so one misbehaving subscriber cannot take
// down the emitter.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe registers a handler for an event. Registering the same handler
// twice for the same event is a no-op.
func (b *Bus) Subscribe(event string, handler Handler) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	ptr := reflect.ValueOf(handler).Pointer()
	for _, existing := range b.handlers[event] {
		if reflect.ValueOf(existing).Pointer() == ptr {
			return
		}
	}
	b.handlers[event] = append(b.handlers[event], handler)
}

// Emit invokes every subscriber of the event synchronously, in
// subscription order. Panicking handlers are logged and skipped.
func (b *Bus) Emit(event string, payload map[string]any) {
	b.mu.RLock()
	subs := make([]Handler, len(b.handlers[event]))
	copy(subs, b.handlers[event])
	b.mu.RUnlock()

	for _, handler := range subs {
		b.safeInvoke(event, handler, payload)
	}
}

func (b *Bus) safeInvoke(event string, handler Handler, payload map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("event", event).Msg(fmt.Sprintf("event handler panicked: %v", r))
		}
	}()
	handler(payload)
}

// Clear drops all subscriptions.
func (b *Bus) Clear() {
	b.mu.Lock()
	b.handlers = make(map[string][]Handler)
	b.mu.Unlock()
}
