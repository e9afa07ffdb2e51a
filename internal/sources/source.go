// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package sources defines the provider contract implemented by every search
// provider. Providers are registered with the search service at startup;
// there is no runtime plugin loading.
package sources

import (
	"context"

	"github.com/fetcharr/fetcharr/internal/models"
)

// APIVersion is the provider contract version reported by healthchecks.
const APIVersion = 1

// Source is the capability every provider must implement.
//
// Search returns the results for one query page. Transient or empty
// conditions that only deserve a warning must not be returned as errors:
// return an empty slice and surface the message through LastError instead.
// A non-nil error marks the attempt as failed for retry and circuit
// accounting.
type Source interface {
	Name() string
	Search(ctx context.Context, query string, page int) ([]models.SearchResult, error)
	LastError() string
}

// Reloadable is implemented by providers that cache settings-derived state.
type Reloadable interface {
	ReloadFromSettings(ctx context.Context)
}

// Health is the lightweight payload returned by healthchecks.
type Health struct {
	Name       string `json:"name"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
	APIVersion int    `json:"apiVersion"`
}

// HealthChecker is implemented by providers that expose a health payload.
type HealthChecker interface {
	Healthcheck(ctx context.Context) Health
}

// RuntimeStatusReporter is implemented by providers that expose internal
// runtime state for dashboards (per-template health, cache entries).
type RuntimeStatusReporter interface {
	RuntimeStatus(ctx context.Context) map[string]any
}

// DefaultHealth builds the standard health payload from a source.
func DefaultHealth(s Source) Health {
	lastErr := s.LastError()
	return Health{
		Name:       s.Name(),
		OK:         lastErr == "",
		Error:      lastErr,
		APIVersion: APIVersion,
	}
}
