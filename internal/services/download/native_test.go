// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package download

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetcharr/fetcharr/internal/models"
)

func noopCallbacks() Callbacks {
	return Callbacks{
		EmitProgress: func() {},
		IsCancelled:  func() bool { return false },
		IsPaused:     func() bool { return false },
	}
}

// payloadServer serves the full payload and honours Range requests.
func payloadServer(t *testing.T, payload []byte) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ranged := r.Header.Get("Range")
		if ranged == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			_, _ = w.Write(payload)
			return
		}
		offset, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(ranged, "bytes="), "-"), 10, 64)
		require.NoError(t, err)
		rest := payload[offset:]
		w.Header().Set("Content-Length", strconv.Itoa(len(rest)))
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, len(payload)-1, len(payload)))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(rest)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestNativeDownload(t *testing.T) {
	payload := bytes.Repeat([]byte("fetcharr"), 4096)
	server := payloadServer(t, payload)

	outPath := filepath.Join(t.TempDir(), "app.bin")
	job := models.NewDownloadJob("j1", "App", outPath, "", server.URL)

	backend := NewNativeBackend()
	require.NoError(t, backend.Download(context.Background(), job, server.URL, noopCallbacks()))

	written, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, payload, written)
	assert.Equal(t, int64(len(payload)), job.DownloadedBytes())
	assert.Equal(t, int64(len(payload)), job.TotalBytes())
	assert.Equal(t, 100, job.Snapshot().Progress)
}

func TestNativeDownloadResumesFromExistingFile(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789abcdef"), 2048)
	server := payloadServer(t, payload)

	outPath := filepath.Join(t.TempDir(), "app.bin")
	partial := int64(5000)
	require.NoError(t, os.WriteFile(outPath, payload[:partial], 0o644))

	job := models.NewDownloadJob("j2", "App", outPath, "", server.URL)
	backend := NewNativeBackend()
	require.NoError(t, backend.Download(context.Background(), job, server.URL, noopCallbacks()))

	written, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, payload, written)
	assert.Equal(t, int64(len(payload)), job.TotalBytes())
	assert.Equal(t, int64(len(payload)), job.DownloadedBytes())
}

func TestNativeDownloadCancelMidTransfer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < 200; i++ {
			if r.Context().Err() != nil {
				return
			}
			_, _ = w.Write(bytes.Repeat([]byte("x"), 1024))
			flusher.Flush()
			time.Sleep(10 * time.Millisecond)
		}
	}))
	t.Cleanup(server.Close)

	outPath := filepath.Join(t.TempDir(), "app.bin")
	job := models.NewDownloadJob("j3", "App", outPath, "", server.URL)

	var reads atomic.Int32
	cb := Callbacks{
		EmitProgress: func() {},
		IsCancelled:  func() bool { return reads.Add(1) > 3 },
		IsPaused:     func() bool { return false },
	}

	backend := NewNativeBackend()
	err := backend.Download(context.Background(), job, server.URL, cb)
	require.ErrorIs(t, err, ErrCancelled)
}

func TestNativeDownloadHonoursPause(t *testing.T) {
	payload := bytes.Repeat([]byte("y"), 32*1024)
	server := payloadServer(t, payload)

	outPath := filepath.Join(t.TempDir(), "app.bin")
	job := models.NewDownloadJob("j4", "App", outPath, "", server.URL)

	var paused atomic.Bool
	paused.Store(true)
	go func() {
		time.Sleep(300 * time.Millisecond)
		paused.Store(false)
	}()

	cb := Callbacks{
		EmitProgress: func() {},
		IsCancelled:  func() bool { return false },
		IsPaused:     func() bool { return paused.Load() },
	}

	started := time.Now()
	backend := NewNativeBackend()
	require.NoError(t, backend.Download(context.Background(), job, server.URL, cb))
	assert.GreaterOrEqual(t, time.Since(started), 250*time.Millisecond)
}

func TestNativeDownloadServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(server.Close)

	outPath := filepath.Join(t.TempDir(), "app.bin")
	job := models.NewDownloadJob("j5", "App", outPath, "", server.URL)

	backend := NewNativeBackend()
	err := backend.Download(context.Background(), job, server.URL, noopCallbacks())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
