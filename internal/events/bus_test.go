// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBusEmitInvokesSubscribers(t *testing.T) {
	bus := NewBus()

	var got []string
	bus.Subscribe(SearchStarted, func(payload map[string]any) {
		got = append(got, payload["query"].(string))
	})

	bus.Emit(SearchStarted, map[string]any{"query": "acme"})
	bus.Emit(SearchStarted, map[string]any{"query": "synth"})

	assert.Equal(t, []string{"acme", "synth"}, got)
}

func TestBusNoDuplicateSubscription(t *testing.T) {
	bus := NewBus()

	calls := 0
	handler := func(map[string]any) { calls++ }

	bus.Subscribe(SearchCompleted, handler)
	bus.Subscribe(SearchCompleted, handler)
	bus.Emit(SearchCompleted, nil)

	assert.Equal(t, 1, calls)
}

func TestBusHandlerPanicIsolated(t *testing.T) {
	bus := NewBus()

	var reached bool
	bus.Subscribe(DownloadError, func(map[string]any) { panic("boom") })
	bus.Subscribe(DownloadError, func(map[string]any) { reached = true })

	assert.NotPanics(t, func() { bus.Emit(DownloadError, nil) })
	assert.True(t, reached)
}

func TestBusClear(t *testing.T) {
	bus := NewBus()

	calls := 0
	bus.Subscribe(SettingsChanged, func(map[string]any) { calls++ })
	bus.Clear()
	bus.Emit(SettingsChanged, nil)

	assert.Equal(t, 0, calls)
}

func TestBusConcurrentEmit(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	calls := 0
	bus.Subscribe(DownloadProgress, func(map[string]any) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Emit(DownloadProgress, nil)
		}()
	}
	wg.Wait()

	assert.Equal(t, 16, calls)
}
