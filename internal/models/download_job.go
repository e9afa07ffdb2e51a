// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"sync"
	"time"
)

// JobStatus represents the current state of a download job
type JobStatus string

const (
	JobStatusQueued      JobStatus = "queued"
	JobStatusResolving   JobStatus = "resolving"
	JobStatusDownloading JobStatus = "downloading"
	JobStatusPaused      JobStatus = "paused"
	JobStatusCompleted   JobStatus = "completed"
	JobStatusCancelled   JobStatus = "cancelled"
	JobStatusError       JobStatus = "error"
)

// terminalJobStatuses is the single source of truth for terminal states.
var terminalJobStatuses = map[JobStatus]struct{}{
	JobStatusCompleted: {},
	JobStatusCancelled: {},
	JobStatusError:     {},
}

// IsTerminal returns true if the status permits no further transitions.
func (s JobStatus) IsTerminal() bool {
	_, ok := terminalJobStatuses[s]
	return ok
}

// DownloadJob is a managed download. It is created by the download manager,
// mutated by the owning worker and by the manager's control calls (which
// only flip the pause/cancel flags or unlink the record), and destroyed on
// explicit delete. All access goes through the guarded methods.
type DownloadJob struct {
	mu sync.RWMutex

	ID         string
	Title      string
	OutputPath string
	Magnet     string
	DirectURL  string

	status          JobStatus
	statusDetail    string
	progress        int
	downloadedBytes int64
	totalBytes      int64
	speedKBps       float64
	errMsg          string
	startTime       time.Time
	endTime         time.Time

	paused    bool
	cancelled bool
}

// NewDownloadJob constructs a queued job.
func NewDownloadJob(id, title, outputPath, magnet, directURL string) *DownloadJob {
	return &DownloadJob{
		ID:         id,
		Title:      title,
		OutputPath: outputPath,
		Magnet:     magnet,
		DirectURL:  directURL,
		status:     JobStatusQueued,
		startTime:  time.Now(),
	}
}

// DownloadJobSnapshot is an immutable copy safe to expose across task
// boundaries (API serialization, event payloads).
type DownloadJobSnapshot struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	OutputPath      string    `json:"outputPath"`
	Magnet          string    `json:"magnet,omitempty"`
	DirectURL       string    `json:"directUrl,omitempty"`
	Status          JobStatus `json:"status"`
	StatusDetail    string    `json:"statusDetail,omitempty"`
	Progress        int       `json:"progress"`
	DownloadedBytes int64     `json:"downloadedBytes"`
	TotalBytes      int64     `json:"totalBytes"`
	SpeedKBps       float64   `json:"speedKbps"`
	Error           string    `json:"error,omitempty"`
	StartTime       time.Time `json:"startTime"`
	EndTime         time.Time `json:"endTime,omitzero"`
	ETASeconds      int64     `json:"etaSeconds"`
}

// Snapshot copies the job state under the read lock.
func (j *DownloadJob) Snapshot() DownloadJobSnapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var eta int64
	if j.speedKBps > 0 && j.totalBytes > 0 && j.downloadedBytes < j.totalBytes {
		remaining := j.totalBytes - j.downloadedBytes
		eta = int64(float64(remaining) / 1024 / j.speedKBps)
	}

	return DownloadJobSnapshot{
		ID:              j.ID,
		Title:           j.Title,
		OutputPath:      j.OutputPath,
		Magnet:          j.Magnet,
		DirectURL:       j.DirectURL,
		Status:          j.status,
		StatusDetail:    j.statusDetail,
		Progress:        j.progress,
		DownloadedBytes: j.downloadedBytes,
		TotalBytes:      j.totalBytes,
		SpeedKBps:       j.speedKBps,
		Error:           j.errMsg,
		StartTime:       j.startTime,
		EndTime:         j.endTime,
		ETASeconds:      eta,
	}
}

// Status returns the current status.
func (j *DownloadJob) Status() JobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

// SetStatus transitions the job status.
func (j *DownloadJob) SetStatus(s JobStatus) {
	j.mu.Lock()
	j.status = s
	j.mu.Unlock()
}

// SetStatusDetail sets the transient human-readable detail line.
func (j *DownloadJob) SetStatusDetail(detail string) {
	j.mu.Lock()
	j.statusDetail = detail
	j.mu.Unlock()
}

// SetError records the failure message and stamps the end time.
func (j *DownloadJob) SetError(msg string) {
	j.mu.Lock()
	j.status = JobStatusError
	j.errMsg = msg
	j.statusDetail = ""
	j.endTime = time.Now()
	j.mu.Unlock()
}

// Complete marks the job finished.
func (j *DownloadJob) Complete() {
	j.mu.Lock()
	j.status = JobStatusCompleted
	j.statusDetail = ""
	j.endTime = time.Now()
	j.mu.Unlock()
}

// SetTotalBytes records the expected payload size (0 when unknown).
func (j *DownloadJob) SetTotalBytes(n int64) {
	j.mu.Lock()
	j.totalBytes = n
	j.mu.Unlock()
}

// SetDownloadedBytes replaces the downloaded counter, recomputing progress.
func (j *DownloadJob) SetDownloadedBytes(n int64) {
	j.mu.Lock()
	j.downloadedBytes = n
	if j.totalBytes > 0 {
		j.progress = int(float64(n) / float64(j.totalBytes) * 100)
	}
	j.mu.Unlock()
}

// AddDownloadedBytes advances the downloaded counter, recomputing progress.
func (j *DownloadJob) AddDownloadedBytes(delta int64) {
	j.mu.Lock()
	j.downloadedBytes += delta
	if j.totalBytes > 0 {
		j.progress = int(float64(j.downloadedBytes) / float64(j.totalBytes) * 100)
	}
	j.mu.Unlock()
}

// DownloadedBytes returns the downloaded counter.
func (j *DownloadJob) DownloadedBytes() int64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.downloadedBytes
}

// TotalBytes returns the expected payload size.
func (j *DownloadJob) TotalBytes() int64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.totalBytes
}

// SetSpeed records the transient transfer speed in KB/s.
func (j *DownloadJob) SetSpeed(kbps float64) {
	j.mu.Lock()
	j.speedKBps = kbps
	j.mu.Unlock()
}

// SetProgressComplete forces the progress bar to 100.
func (j *DownloadJob) SetProgressComplete() {
	j.mu.Lock()
	j.progress = 100
	j.mu.Unlock()
}

// Pause requests a pause. The worker reacts at chunk boundaries.
func (j *DownloadJob) Pause() {
	j.mu.Lock()
	j.paused = true
	if j.status == JobStatusDownloading {
		j.status = JobStatusPaused
	}
	j.mu.Unlock()
}

// Resume clears the pause flag.
func (j *DownloadJob) Resume() {
	j.mu.Lock()
	j.paused = false
	if j.status == JobStatusPaused {
		j.status = JobStatusDownloading
	}
	j.mu.Unlock()
}

// Cancel requests cancellation. The worker reacts at chunk boundaries and
// during pause polls.
func (j *DownloadJob) Cancel() {
	j.mu.Lock()
	j.cancelled = true
	j.paused = false
	if !j.status.IsTerminal() {
		j.status = JobStatusCancelled
		j.endTime = time.Now()
	}
	j.mu.Unlock()
}

// IsPaused reports the pause flag.
func (j *DownloadJob) IsPaused() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.paused
}

// IsCancelled reports the cancel flag.
func (j *DownloadJob) IsCancelled() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.cancelled
}
