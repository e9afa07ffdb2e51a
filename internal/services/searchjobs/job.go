// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package searchjobs is the asynchronous facade over the search
// coordinator. A job runs the fan-out in a background worker and publishes
// incremental snapshots so clients can poll partial results and cancel
// long-running searches.
package searchjobs

import (
	"sync"
	"time"

	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/session"
)

// Job statuses.
const (
	StatusRunning    = "running"
	StatusCancelling = "cancelling"
	StatusCancelled  = "cancelled"
	StatusDone       = "done"
	StatusError      = "error"
)

// Worker phases.
const (
	PhaseInit     = "init"
	PhaseQuerying = "querying"
	PhaseRanking  = "ranking"
	PhaseDone     = "done"
)

// Per-source statuses.
const (
	SourcePending   = "pending"
	SourceRunning   = "running"
	SourceDone      = "done"
	SourceError     = "error"
	SourceSkipped   = "skipped"
	SourceCancelled = "cancelled"
	SourceTimeout   = "timeout"
)

// CreateRequest is the body of a job creation call.
type CreateRequest struct {
	Query                string   `json:"q"`
	Page                 int      `json:"page"`
	PerPage              int      `json:"perPage"`
	Mode                 string   `json:"mode"`
	SourceTimeoutSeconds float64  `json:"sourceTimeoutSeconds"`
	EnabledSources       []string `json:"enabledSources"`
	IncludeMedia         bool     `json:"includeMedia"`
	IncludeCustom        bool     `json:"includeCustom"`
	CacheBust            bool     `json:"cacheBust"`
}

// Progress counts provider completions.
type Progress struct {
	TotalSources     int        `json:"totalSources"`
	CompletedSources int        `json:"completedSources"`
	FirstResultAt    *time.Time `json:"firstResultAt,omitempty"`
}

// Timings breaks the job's elapsed time down for diagnostics. Network wait
// is the sum of provider latencies; CPU time is the cumulative merge and
// rank cost.
type Timings struct {
	WallMs    int64 `json:"wallMs"`
	CPUMs     int64 `json:"cpuMs"`
	NetWaitMs int64 `json:"netWaitMs"`
}

// SourceState is the per-provider slice of a job snapshot.
type SourceState struct {
	Status    string `json:"status"`
	Warning   string `json:"warning,omitempty"`
	ElapsedMs int64  `json:"elapsedMs"`
	Attempts  int    `json:"attempts"`
}

// ResultPage is the paginated view over the merged result set.
type ResultPage struct {
	Groups  []models.SearchResult `json:"groups"`
	Page    int                   `json:"page"`
	PerPage int                   `json:"perPage"`
	HasMore bool                  `json:"hasMore"`
}

// Snapshot is the externally visible state of a job. All slices and maps
// are copies; callers may retain them freely.
type Snapshot struct {
	ID        string                 `json:"id"`
	Query     string                 `json:"query"`
	Status    string                 `json:"status"`
	Phase     string                 `json:"phase"`
	Mode      string                 `json:"mode"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
	Message   string                 `json:"message,omitempty"`
	Partial   bool                   `json:"partial"`
	Progress  Progress               `json:"progress"`
	Timings   Timings                `json:"timings"`
	Sources   map[string]SourceState `json:"sources"`
	Result    ResultPage             `json:"result"`
}

// job is the mutable record behind a snapshot. The worker goroutine and the
// manager's control calls are the only writers.
type job struct {
	mu sync.Mutex

	id        string
	query     string
	status    string
	phase     string
	mode      string
	createdAt time.Time
	updatedAt time.Time
	message   string
	partial   bool

	progress Progress
	cpuMs    int64
	netMs    int64
	started  time.Time

	sources     map[string]SourceState
	accumulated []models.SearchResult
	merged      []models.SearchResult

	page       int
	perPage    int
	fetchLimit int

	cancelRequested bool
	caller          session.Context
}

func (j *job) snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	sourcesCopy := make(map[string]SourceState, len(j.sources))
	for name, state := range j.sources {
		sourcesCopy[name] = state
	}
	groups := make([]models.SearchResult, len(j.pageSliceLocked()))
	copy(groups, j.pageSliceLocked())

	wall := int64(0)
	if !j.started.IsZero() {
		wall = time.Since(j.started).Milliseconds()
	}

	return Snapshot{
		ID:        j.id,
		Query:     j.query,
		Status:    j.status,
		Phase:     j.phase,
		Mode:      j.mode,
		CreatedAt: j.createdAt,
		UpdatedAt: j.updatedAt,
		Message:   j.message,
		Partial:   j.partial,
		Progress:  j.progress,
		Timings:   Timings{WallMs: wall, CPUMs: j.cpuMs, NetWaitMs: j.netMs},
		Sources:   sourcesCopy,
		Result: ResultPage{
			Groups:  groups,
			Page:    j.page,
			PerPage: j.perPage,
			HasMore: len(j.merged) > j.page*j.perPage,
		},
	}
}

// pageSliceLocked returns the current page window. Caller holds mu.
func (j *job) pageSliceLocked() []models.SearchResult {
	start := (j.page - 1) * j.perPage
	if start >= len(j.merged) {
		return nil
	}
	end := min(start+j.perPage, len(j.merged))
	return j.merged[start:end]
}

func (j *job) setSource(name string, state SourceState) {
	j.mu.Lock()
	j.sources[name] = state
	j.updatedAt = time.Now()
	j.mu.Unlock()
}

func (j *job) setPhase(phase string) {
	j.mu.Lock()
	j.phase = phase
	j.updatedAt = time.Now()
	j.mu.Unlock()
}

func (j *job) finish(status, message string) {
	j.mu.Lock()
	j.status = status
	j.phase = PhaseDone
	j.partial = false
	j.message = message
	j.updatedAt = time.Now()
	j.mu.Unlock()
}

func (j *job) isCancelRequested() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelRequested
}
