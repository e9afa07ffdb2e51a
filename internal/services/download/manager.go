// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package download

import (
	"context"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/fetcharr/fetcharr/internal/events"
	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/services/realdebrid"
	"github.com/fetcharr/fetcharr/internal/session"
	"github.com/fetcharr/fetcharr/internal/settings"
)

const torrentFetchLimit = 10 << 20

// Resolver converts torrent sources into direct premium links. Implemented
// by the Real-Debrid client.
type Resolver interface {
	IsAuthenticated(ctx context.Context) bool
	ResolveMagnet(ctx context.Context, magnet string) ([]realdebrid.UnrestrictedLink, error)
	ResolveTorrent(ctx context.Context, torrentData []byte) ([]realdebrid.UnrestrictedLink, error)
}

// Manager owns the download job table and the worker pool.
type Manager struct {
	settings *settings.Manager
	events   *events.Bus
	resolver Resolver

	httpClient *http.Client

	mu            sync.Mutex
	jobs          map[string]*models.DownloadJob
	backends      map[string]Backend
	backendName   string
	sem           *semaphore.Weighted
	maxConcurrent int
}

// NewManager builds the download manager with the native and aria2
// backends registered. The resolver may be nil when Real-Debrid is not
// configured; torrent sources then fail with a descriptive error.
func NewManager(ctx context.Context, settingsManager *settings.Manager, bus *events.Bus, resolver Resolver) *Manager {
	maxConcurrent := settingsManager.GetInt(ctx, "max_concurrent_downloads", 3)
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	native := NewNativeBackend()
	aria2 := NewAria2Backend()

	return &Manager{
		settings:      settingsManager,
		events:        bus,
		resolver:      resolver,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		jobs:          make(map[string]*models.DownloadJob),
		backends:      map[string]Backend{native.Name(): native, aria2.Name(): aria2},
		backendName:   settingsManager.GetString(ctx, "download_backend", "native"),
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		maxConcurrent: maxConcurrent,
	}
}

// Queue registers a download and schedules its worker. Either a magnet or a
// direct URL is required.
func (m *Manager) Queue(ctx context.Context, title, outputPath, magnet, directURL string) (models.DownloadJobSnapshot, error) {
	if strings.TrimSpace(outputPath) == "" {
		return models.DownloadJobSnapshot{}, errors.New("output path must not be empty")
	}
	if magnet == "" && directURL == "" {
		return models.DownloadJobSnapshot{}, errors.New("either a magnet or a direct URL is required")
	}

	job := models.NewDownloadJob(uuid.NewString(), title, outputPath, magnet, directURL)

	m.mu.Lock()
	m.jobs[job.ID] = job
	sem := m.sem
	m.mu.Unlock()

	m.emit(events.DownloadQueued, job)
	snap := job.Snapshot()

	caller := session.FromContext(ctx).Snapshot()
	go m.runJob(session.WithSession(context.Background(), caller), job, sem)

	return snap, nil
}

// Get returns a snapshot of one job.
func (m *Manager) Get(id string) (models.DownloadJobSnapshot, error) {
	m.mu.Lock()
	job, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return models.DownloadJobSnapshot{}, errors.Errorf("download job %s not found", id)
	}
	return job.Snapshot(), nil
}

// GetAll returns snapshots of every job, newest first.
func (m *Manager) GetAll() []models.DownloadJobSnapshot {
	m.mu.Lock()
	jobs := make([]*models.DownloadJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	m.mu.Unlock()

	out := make([]models.DownloadJobSnapshot, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, job.Snapshot())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out
}

// Pause flips the pause flag; the worker reacts at the next chunk boundary.
func (m *Manager) Pause(id string) error {
	job, err := m.lookup(id)
	if err != nil {
		return err
	}
	job.Pause()
	m.emit(events.DownloadPaused, job)
	return nil
}

// Resume clears the pause flag.
func (m *Manager) Resume(id string) error {
	job, err := m.lookup(id)
	if err != nil {
		return err
	}
	job.Resume()
	m.emit(events.DownloadResumed, job)
	return nil
}

// Cancel flips the cancel flag and marks the job cancelled.
func (m *Manager) Cancel(id string) error {
	job, err := m.lookup(id)
	if err != nil {
		return err
	}
	job.Cancel()
	m.emit(events.DownloadCancelled, job)
	return nil
}

// Delete unlinks the job record, cancelling it first when still active, and
// optionally removes the payload file.
func (m *Manager) Delete(id string, deleteFile bool) error {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if ok {
		delete(m.jobs, id)
	}
	m.mu.Unlock()
	if !ok {
		return errors.Errorf("download job %s not found", id)
	}

	if !job.Status().IsTerminal() {
		job.Cancel()
	}
	if deleteFile {
		if err := os.Remove(job.OutputPath); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", job.OutputPath).Msg("Failed to delete download file")
		}
	}
	m.emit(events.DownloadDeleted, job)
	return nil
}

// Retry re-queues a failed or cancelled job as a fresh one. The title gets
// a "(retry)" suffix once.
func (m *Manager) Retry(ctx context.Context, id string) (models.DownloadJobSnapshot, error) {
	job, err := m.lookup(id)
	if err != nil {
		return models.DownloadJobSnapshot{}, err
	}

	switch job.Status() {
	case models.JobStatusError, models.JobStatusCancelled:
	default:
		return models.DownloadJobSnapshot{}, errors.Errorf("download job %s is not in a retryable state", id)
	}

	title := job.Title
	if !strings.HasSuffix(title, " (retry)") {
		title += " (retry)"
	}
	return m.Queue(ctx, title, job.OutputPath, job.Magnet, job.DirectURL)
}

// SetMaxConcurrent resizes the worker pool. Outstanding jobs keep their
// slot; only newly queued jobs see the new capacity.
func (m *Manager) SetMaxConcurrent(n int) {
	if n < 1 {
		n = 1
	}
	m.mu.Lock()
	m.maxConcurrent = n
	m.sem = semaphore.NewWeighted(int64(n))
	m.mu.Unlock()
}

// SetBackend selects the transfer backend for subsequent jobs.
func (m *Manager) SetBackend(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.backends[name]; !ok {
		return errors.Errorf("unknown download backend %q", name)
	}
	m.backendName = name
	return nil
}

// GetBackend returns the selected backend name.
func (m *Manager) GetBackend() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backendName
}

func (m *Manager) lookup(id string) (*models.DownloadJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, errors.Errorf("download job %s not found", id)
	}
	return job, nil
}

// runJob is the worker goroutine for one download.
func (m *Manager) runJob(ctx context.Context, job *models.DownloadJob, sem *semaphore.Weighted) {
	if err := sem.Acquire(ctx, 1); err != nil {
		job.SetError("failed to acquire download slot")
		return
	}
	defer sem.Release(1)

	if job.IsCancelled() {
		return
	}

	url, ok := m.resolveSource(ctx, job)
	if !ok {
		return
	}
	if job.IsCancelled() {
		return
	}

	backend := m.pickBackend()
	job.SetStatus(models.JobStatusDownloading)
	m.emit(events.DownloadStarted, job)

	cb := Callbacks{
		EmitProgress: func() { m.emit(events.DownloadProgress, job) },
		IsCancelled:  job.IsCancelled,
		IsPaused:     job.IsPaused,
	}

	err := backend.Download(ctx, job, url, cb)
	switch {
	case errors.Is(err, ErrCancelled) || job.IsCancelled():
		// Cancel() already set the terminal state and emitted the event.
	case err != nil:
		job.SetError(err.Error())
		m.emit(events.DownloadError, job)
		log.Error().Err(err).Str("jobID", job.ID).Str("title", job.Title).Msg("Download failed")
	default:
		job.SetProgressComplete()
		job.Complete()
		m.emit(events.DownloadCompleted, job)
		log.Info().Str("jobID", job.ID).Str("title", job.Title).Msg("Download completed")
	}
}

// resolveSource decides the URL the backend will fetch. Torrent sources go
// through the premium resolver; a resolver failure on a direct URL falls
// back to fetching that URL natively.
func (m *Manager) resolveSource(ctx context.Context, job *models.DownloadJob) (string, bool) {
	needsResolve := job.Magnet != "" || models.IsTorrentReference(job.DirectURL)
	if !needsResolve {
		return job.DirectURL, true
	}

	job.SetStatus(models.JobStatusResolving)
	job.SetStatusDetail("Resolving premium link")
	m.emit(events.DownloadProgress, job)

	links, err := m.resolveLinks(ctx, job)
	if err != nil {
		if job.DirectURL != "" {
			log.Warn().Err(err).Str("jobID", job.ID).Msg("Premium resolve failed, falling back to direct fetch")
			job.SetStatusDetail("Real-Debrid unavailable, using native backend.")
			return job.DirectURL, true
		}
		job.SetError(errors.Wrap(err, "failed to resolve torrent source").Error())
		m.emit(events.DownloadError, job)
		return "", false
	}

	if links[0].Filesize > 0 {
		job.SetTotalBytes(links[0].Filesize)
	}
	job.SetStatusDetail("")
	return links[0].Download, true
}

func (m *Manager) resolveLinks(ctx context.Context, job *models.DownloadJob) ([]realdebrid.UnrestrictedLink, error) {
	if m.resolver == nil {
		return nil, errors.New("no premium resolver configured")
	}

	var (
		links []realdebrid.UnrestrictedLink
		err   error
	)
	if job.Magnet != "" {
		links, err = m.resolver.ResolveMagnet(ctx, job.Magnet)
	} else {
		var data []byte
		data, err = m.fetchTorrent(ctx, job.DirectURL)
		if err == nil {
			links, err = m.resolver.ResolveTorrent(ctx, data)
		}
	}
	if err != nil {
		return nil, err
	}
	if len(links) == 0 {
		return nil, errors.New("resolver returned no links")
	}
	return links, nil
}

func (m *Manager) fetchTorrent(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build torrent request")
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch torrent file")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("torrent fetch returned status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, torrentFetchLimit))
}

// pickBackend returns the selected backend, falling back to native when the
// selection is unavailable.
func (m *Manager) pickBackend() Backend {
	m.mu.Lock()
	name := m.backendName
	backend := m.backends[name]
	native := m.backends["native"]
	m.mu.Unlock()

	if backend == nil || !backend.Available() {
		if backend != nil {
			log.Warn().Str("backend", name).Msg("Download backend unavailable, using native backend")
		}
		return native
	}
	return backend
}

func (m *Manager) emit(event string, job *models.DownloadJob) {
	if m.events == nil {
		return
	}
	snap := job.Snapshot()
	m.events.Emit(event, map[string]any{
		"job_id":   snap.ID,
		"title":    snap.Title,
		"status":   string(snap.Status),
		"progress": snap.Progress,
		"snapshot": snap,
	})
}
