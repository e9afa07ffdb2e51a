// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package searchjobs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/events"
	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/services/search"
	"github.com/fetcharr/fetcharr/internal/session"
	"github.com/fetcharr/fetcharr/internal/settings"
	"github.com/fetcharr/fetcharr/internal/sources"
)

const (
	maxJobs = 80
	jobTTL  = 45 * time.Minute

	fastTimeout = 10 * time.Second
	deepTimeout = 20 * time.Second
	minTimeout  = 3 * time.Second
	maxTimeout  = 60 * time.Second

	pollSlice = 250 * time.Millisecond

	// The open-directory guard re-runs that provider with a raised timeout
	// when the primary pass came back thin.
	odGuardTimeout    = 18 * time.Second
	odGuardMinResults = 8
	odSourceName      = "OpenDirectory"
)

// fastModeSources is the scraping-friendly subset queried when a fast job
// does not name sources explicitly.
var fastModeSources = []string{"OpenDirectory", "HTTP", "Prowlarr", "RealDebrid Library"}

// Manager owns the bounded in-memory job table and the background workers.
type Manager struct {
	search   *search.Service
	settings *settings.Manager
	events   *events.Bus

	mu   sync.Mutex
	jobs map[string]*job
}

// NewManager builds the facade over the search coordinator.
func NewManager(searchService *search.Service, settingsManager *settings.Manager, bus *events.Bus) *Manager {
	return &Manager{
		search:   searchService,
		settings: settingsManager,
		events:   bus,
		jobs:     make(map[string]*job),
	}
}

// Create registers a job and starts its worker. Returns the job id.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (string, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return "", errors.New("query must not be empty")
	}

	page := req.Page
	if page < 1 {
		page = 1
	}
	perPage := req.PerPage
	if perPage < 1 {
		perPage = 40
	}
	if perPage > 100 {
		perPage = 100
	}

	mode := "fast"
	if req.Mode == "deep" {
		mode = "deep"
	}

	timeout := fastTimeout
	if mode == "deep" {
		timeout = deepTimeout
	}
	if req.SourceTimeoutSeconds > 0 {
		timeout = time.Duration(req.SourceTimeoutSeconds * float64(time.Second))
		if timeout < minTimeout {
			timeout = minTimeout
		}
		if timeout > maxTimeout {
			timeout = maxTimeout
		}
	}

	requested := req.EnabledSources
	if len(requested) == 0 && mode == "fast" {
		requested = fastModeSources
	}

	now := time.Now()
	record := &job{
		id:         newJobID(),
		query:      query,
		status:     StatusRunning,
		phase:      PhaseInit,
		mode:       mode,
		createdAt:  now,
		updatedAt:  now,
		started:    now,
		partial:    true,
		sources:    make(map[string]SourceState),
		page:       page,
		perPage:    perPage,
		fetchLimit: fetchLimit(page, perPage),
		caller:     session.FromContext(ctx).Snapshot(),
	}

	m.mu.Lock()
	m.gcLocked(now)
	m.jobs[record.id] = record
	m.mu.Unlock()

	if m.events != nil {
		m.events.Emit(events.SearchStarted, map[string]any{
			"job_id": record.id,
			"query":  query,
			"mode":   mode,
		})
	}

	go m.run(record, timeout, requested, req.CacheBust)
	return record.id, nil
}

// Get returns a snapshot of the job.
func (m *Manager) Get(id string) (Snapshot, error) {
	m.mu.Lock()
	record, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, errors.Errorf("search job %s not found", id)
	}
	return record.snapshot(), nil
}

// Jobs returns snapshots of every live job, newest first.
func (m *Manager) Jobs() []Snapshot {
	m.mu.Lock()
	records := make([]*job, 0, len(m.jobs))
	for _, record := range m.jobs {
		records = append(records, record)
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(records))
	for _, record := range records {
		out = append(out, record.snapshot())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Cancel requests cancellation. The worker observes the flag between wait
// cycles; cancelling an already finished job is a no-op.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	record, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return errors.Errorf("search job %s not found", id)
	}

	record.mu.Lock()
	defer record.mu.Unlock()
	switch record.status {
	case StatusDone, StatusError, StatusCancelled:
		return nil
	}
	record.cancelRequested = true
	record.status = StatusCancelling
	record.updatedAt = time.Now()
	return nil
}

// run is the worker goroutine for one job.
func (m *Manager) run(record *job, timeout time.Duration, requested []string, cacheBust bool) {
	ctx := session.WithSession(context.Background(), record.caller)
	runCtx, cancel := context.WithTimeout(ctx, timeout+2*time.Second)
	defer cancel()

	record.setPhase(PhaseQuerying)

	providers := m.search.SelectProviders(ctx, requested)
	if len(providers) == 0 {
		record.finish(StatusError, "no providers enabled for this search")
		if m.events != nil {
			m.events.Emit(events.SearchError, map[string]any{"job_id": record.id, "error": "no providers enabled"})
		}
		return
	}

	record.mu.Lock()
	record.progress.TotalSources = len(providers)
	for _, provider := range providers {
		record.sources[provider.Name()] = SourceState{Status: SourcePending}
	}
	record.mu.Unlock()

	searchReq := search.Request{
		Query:     record.query,
		Page:      1,
		SkipCache: cacheBust,
	}

	completions := make(chan search.ProviderRun, len(providers))
	launched := 0
	for _, provider := range providers {
		name := provider.Name()
		if m.search.CircuitBlocked(name) {
			record.setSource(name, SourceState{Status: SourceSkipped, Warning: "circuit open"})
			record.mu.Lock()
			record.progress.CompletedSources++
			record.mu.Unlock()
			continue
		}
		record.setSource(name, SourceState{Status: SourceRunning})
		launched++
		go func(provider sources.Source) {
			completions <- m.search.RunProviderSearch(runCtx, provider, searchReq)
		}(provider)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	received := 0
	cancelled := false
	timedOut := false
	for received < launched {
		select {
		case run := <-completions:
			received++
			m.observeCompletion(ctx, record, run)
		case <-time.After(pollSlice):
		case <-deadline.C:
			timedOut = true
		}

		if !cancelled && record.isCancelRequested() {
			cancelled = true
		}
		if cancelled || timedOut {
			cancel()
			break
		}
	}

	if cancelled || timedOut {
		pendingStatus := SourceTimeout
		if cancelled {
			pendingStatus = SourceCancelled
		}
		record.mu.Lock()
		for name, state := range record.sources {
			if state.Status == SourceRunning || state.Status == SourcePending {
				state.Status = pendingStatus
				record.sources[name] = state
				record.progress.CompletedSources++
			}
		}
		record.mu.Unlock()
	}

	if !cancelled {
		m.runODGuard(ctx, record, timeout, searchReq)
	}

	record.setPhase(PhaseRanking)
	m.recompute(ctx, record)

	if cancelled {
		record.finish(StatusCancelled, "cancelled by user")
	} else {
		record.finish(StatusDone, "")
	}

	if m.events != nil {
		snap := record.snapshot()
		m.events.Emit(events.SearchCompleted, map[string]any{
			"job_id":  record.id,
			"status":  snap.Status,
			"results": len(record.mergedCopy()),
		})
	}
	log.Debug().Str("jobID", record.id).Str("query", record.query).Msg("Search job finished")
}

// observeCompletion folds one provider outcome into the job and refreshes
// the partial snapshot.
func (m *Manager) observeCompletion(ctx context.Context, record *job, run search.ProviderRun) {
	if record.isCancelRequested() {
		// Late completions from cancelled jobs are discarded.
		return
	}

	status := SourceDone
	if run.Outcome.Status == "error" {
		status = SourceError
	}
	record.mu.Lock()
	record.sources[run.Outcome.Name] = SourceState{
		Status:    status,
		Warning:   run.Outcome.Warning,
		ElapsedMs: run.Outcome.LatencyMs,
		Attempts:  run.Outcome.Attempts,
	}
	record.progress.CompletedSources++
	record.netMs += run.Outcome.LatencyMs
	record.accumulated = append(record.accumulated, run.Results...)
	if record.progress.FirstResultAt == nil && len(run.Results) > 0 {
		now := time.Now()
		record.progress.FirstResultAt = &now
	}
	completed, total := record.progress.CompletedSources, record.progress.TotalSources
	record.mu.Unlock()

	m.recompute(ctx, record)

	if m.events != nil {
		m.events.Emit(events.SearchProgress, map[string]any{
			"job_id":    record.id,
			"completed": completed,
			"total":     total,
		})
	}
}

// recompute reruns dedupe, aggregation, and ranking over the accumulated
// results and refreshes the paginated snapshot.
func (m *Manager) recompute(ctx context.Context, record *job) {
	record.mu.Lock()
	accumulated := make([]models.SearchResult, len(record.accumulated))
	copy(accumulated, record.accumulated)
	limit := record.fetchLimit
	record.mu.Unlock()

	started := time.Now()
	merged := m.search.MergeAndRank(ctx, accumulated)
	if len(merged) > limit {
		merged = merged[:limit]
	}
	cost := time.Since(started).Milliseconds()

	record.mu.Lock()
	record.merged = merged
	record.cpuMs += cost
	record.updatedAt = time.Now()
	record.mu.Unlock()
}

// runODGuard re-queries the open-directory provider with a raised timeout
// when the primary pass produced few results or no open-directory rows, and
// merges rows not already present.
func (m *Manager) runODGuard(ctx context.Context, record *job, timeout time.Duration, searchReq search.Request) {
	record.mu.Lock()
	thin := len(record.merged) < odGuardMinResults
	state, odSelected := record.sources[odSourceName]
	hasODRows := false
	for _, result := range record.accumulated {
		if resultFromSource(result, odSourceName) {
			hasODRows = true
			break
		}
	}
	record.mu.Unlock()

	if !thin && hasODRows {
		return
	}
	if odSelected && state.Status == SourceDone && hasODRows {
		return
	}

	var odProvider sources.Source
	for _, provider := range m.search.SelectProviders(ctx, []string{odSourceName}) {
		if provider.Name() == odSourceName {
			odProvider = provider
		}
	}
	if odProvider == nil || m.search.CircuitBlocked(odSourceName) {
		return
	}

	guardTimeout := max(timeout, odGuardTimeout)
	guardCtx, cancel := context.WithTimeout(ctx, guardTimeout)
	defer cancel()

	log.Debug().Str("jobID", record.id).Msg("Running open-directory guard pass")
	record.setSource(odSourceName, SourceState{Status: SourceRunning})
	run := m.search.RunProviderSearch(guardCtx, odProvider, searchReq)

	status := SourceDone
	if run.Outcome.Status == "error" {
		status = SourceError
	}

	record.mu.Lock()
	record.sources[odSourceName] = SourceState{
		Status:    status,
		Warning:   run.Outcome.Warning,
		ElapsedMs: run.Outcome.LatencyMs,
		Attempts:  run.Outcome.Attempts,
	}
	if !odSelected {
		record.progress.TotalSources++
		record.progress.CompletedSources++
	}
	record.netMs += run.Outcome.LatencyMs

	seen := make(map[string]bool, len(record.accumulated))
	for _, result := range record.accumulated {
		seen[result.IdentityKey()] = true
	}
	for _, result := range run.Results {
		if !seen[result.IdentityKey()] {
			record.accumulated = append(record.accumulated, result)
		}
	}
	record.mu.Unlock()

	m.recompute(ctx, record)
}

// gcLocked evicts expired jobs and enforces the table capacity. Caller
// holds mu.
func (m *Manager) gcLocked(now time.Time) {
	for id, record := range m.jobs {
		if now.Sub(record.createdAt) > jobTTL {
			delete(m.jobs, id)
		}
	}
	if len(m.jobs) < maxJobs {
		return
	}

	ids := make([]string, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return m.jobs[ids[i]].createdAt.Before(m.jobs[ids[j]].createdAt)
	})
	for _, id := range ids {
		if len(m.jobs) < maxJobs {
			break
		}
		delete(m.jobs, id)
	}
}

func (j *job) mergedCopy() []models.SearchResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]models.SearchResult, len(j.merged))
	copy(out, j.merged)
	return out
}

func resultFromSource(result models.SearchResult, name string) bool {
	if result.Source == name {
		return true
	}
	for _, source := range result.AggregatedSources {
		if source == name {
			return true
		}
	}
	return false
}

// fetchLimit bounds how many merged results a job retains, scaled to the
// requested page so deep pagination still has material to serve.
func fetchLimit(page, perPage int) int {
	limit := page * perPage * 3
	if limit > 600 {
		limit = 600
	}
	if limit < 120 {
		limit = 120
	}
	return limit
}

func newJobID() string {
	return fmt.Sprintf("sj_%s", strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}
