// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package sse bridges the internal event bus onto a server-sent events
// stream consumed by the web UI.
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmaxmax/go-sse"

	"github.com/fetcharr/fetcharr/internal/events"
)

const (
	streamEventHeartbeat = "heartbeat"
	heartbeatInterval    = 15 * time.Second
)

// forwardedEvents lists the bus events that are relayed to SSE clients.
var forwardedEvents = []string{
	events.SearchStarted,
	events.SearchProgress,
	events.SearchCompleted,
	events.SearchError,
	events.DownloadQueued,
	events.DownloadStarted,
	events.DownloadProgress,
	events.DownloadPaused,
	events.DownloadResumed,
	events.DownloadCompleted,
	events.DownloadCancelled,
	events.DownloadDeleted,
	events.DownloadError,
	events.RDAuthStarted,
	events.RDAuthCompleted,
	events.RDAuthError,
	events.RDAuthRevoked,
	events.SettingsChanged,
	events.SourcesReloaded,
}

// StreamPayload is the message envelope sent to the frontend.
type StreamPayload struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// StreamManager owns the SSE server and forwards bus events to every
// connected client.
type StreamManager struct {
	server  *sse.Server
	bus     *events.Bus
	closing atomic.Bool

	ctx    context.Context //nolint:containedctx // lifecycle root context used only for coordinated shutdown
	cancel context.CancelFunc
}

// NewStreamManager constructs a manager and wires it to the bus.
func NewStreamManager(bus *events.Bus) *StreamManager {
	replayer, err := sse.NewFiniteReplayer(32, true)
	if err != nil {
		// Constructor only errors on invalid parameters; fall back to nil replayer just in case.
		log.Warn().Err(err).Msg("Failed to create SSE replayer; reconnecting clients may miss events")
		replayer = nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &StreamManager{
		server: &sse.Server{
			Provider: &sse.Joe{Replayer: replayer},
		},
		bus:    bus,
		ctx:    ctx,
		cancel: cancel,
	}

	for _, event := range forwardedEvents {
		name := event
		bus.Subscribe(name, func(payload map[string]any) {
			m.publish(name, payload)
		})
	}

	go m.heartbeatLoop()
	return m
}

// Serve handles GET /events. Blocks until the client disconnects.
func (m *StreamManager) Serve(w http.ResponseWriter, r *http.Request) {
	if m.closing.Load() {
		http.Error(w, "stream shutting down", http.StatusServiceUnavailable)
		return
	}

	// SSE connections are long-lived; disable the write deadline inherited
	// from the main HTTP server so streams aren't terminated by the global
	// WriteTimeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	m.server.ServeHTTP(w, r)
}

func (m *StreamManager) publish(eventType string, data map[string]any) {
	if m.closing.Load() {
		return
	}

	payload := StreamPayload{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("event", eventType).Msg("Failed to marshal SSE payload")
		return
	}

	message := &sse.Message{Type: sse.Type(eventType)}
	message.AppendData(string(encoded))

	if err := m.server.Publish(message); err != nil && !errors.Is(err, sse.ErrProviderClosed) {
		log.Error().Err(err).Str("event", eventType).Msg("Failed to publish SSE message")
	}
}

func (m *StreamManager) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.publish(streamEventHeartbeat, nil)
		}
	}
}

// Shutdown stops the heartbeat loop and closes every client stream.
func (m *StreamManager) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	if !m.closing.CompareAndSwap(false, true) {
		return nil
	}

	m.cancel()

	if ctx == nil {
		ctx = context.Background()
	}
	if err := m.server.Shutdown(ctx); err != nil &&
		!errors.Is(err, sse.ErrProviderClosed) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
