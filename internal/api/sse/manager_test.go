// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetcharr/fetcharr/internal/events"
)

func TestStreamManager_ForwardsBusEvents(t *testing.T) {
	bus := events.NewBus()
	manager := NewStreamManager(bus)
	t.Cleanup(func() {
		_ = manager.Shutdown(context.Background())
	})

	server := httptest.NewServer(http.HandlerFunc(manager.Serve))
	t.Cleanup(server.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The subscription races the first emit, so keep emitting until the
	// client sees the event.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(25 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				bus.Emit(events.SearchStarted, map[string]any{"job_id": "sj_test"})
			}
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	var data string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data:") {
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			break
		}
	}
	require.NotEmpty(t, data, "no event received before timeout")

	var payload StreamPayload
	require.NoError(t, json.Unmarshal([]byte(data), &payload))
	assert.Equal(t, events.SearchStarted, payload.Type)
	assert.Equal(t, "sj_test", payload.Data["job_id"])
	assert.False(t, payload.Timestamp.IsZero())
}

func TestStreamManager_ShutdownRejectsNewClients(t *testing.T) {
	bus := events.NewBus()
	manager := NewStreamManager(bus)

	require.NoError(t, manager.Shutdown(context.Background()))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	manager.Serve(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStreamManager_ShutdownIdempotent(t *testing.T) {
	bus := events.NewBus()
	manager := NewStreamManager(bus)

	require.NoError(t, manager.Shutdown(context.Background()))
	require.NoError(t, manager.Shutdown(context.Background()))
}

func TestStreamManager_PublishAfterShutdownIsNoop(t *testing.T) {
	bus := events.NewBus()
	manager := NewStreamManager(bus)
	require.NoError(t, manager.Shutdown(context.Background()))

	// Must not panic or block.
	bus.Emit(events.DownloadCompleted, map[string]any{"id": "dl_test"})
}
