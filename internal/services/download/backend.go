// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package download implements the managed download queue: a bounded worker
// pool over pluggable transfer backends, with pause/resume/cancel control
// and premium-link resolution for torrent sources.
package download

import (
	"context"

	"github.com/pkg/errors"

	"github.com/fetcharr/fetcharr/internal/models"
)

// ErrCancelled is returned by backends when the job's cancel flag was
// observed mid-transfer.
var ErrCancelled = errors.New("download cancelled")

// Callbacks let a backend report progress and observe the job's control
// flags without knowing about the manager.
type Callbacks struct {
	EmitProgress func()
	IsCancelled  func() bool
	IsPaused     func() bool
}

// Backend transfers one URL to the job's output path. Implementations
// update the job's byte counters and speed; the manager owns status
// transitions.
type Backend interface {
	Name() string
	Available() bool
	Download(ctx context.Context, job *models.DownloadJob, url string, cb Callbacks) error
}
