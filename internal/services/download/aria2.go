// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package download

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	shellquote "github.com/Hellseher/go-shellquote"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/models"
)

const aria2StderrCap = 300

// Aria2Backend shells out to aria2c for segmented downloads. Progress is
// estimated by observing the output file's size; pause is not supported.
type Aria2Backend struct {
	binary string

	warnOnce sync.Once
}

func NewAria2Backend() *Aria2Backend {
	binary, err := exec.LookPath("aria2c")
	if err != nil {
		binary = ""
	}
	return &Aria2Backend{binary: binary}
}

func (b *Aria2Backend) Name() string { return "aria2" }

func (b *Aria2Backend) Available() bool { return b.binary != "" }

func (b *Aria2Backend) Download(ctx context.Context, job *models.DownloadJob, url string, cb Callbacks) error {
	if b.binary == "" {
		return errors.New("aria2c binary not found")
	}

	dir := filepath.Dir(job.OutputPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create download directory")
	}

	args := []string{
		"--allow-overwrite=true",
		"--auto-file-renaming=false",
		"--continue=true",
		"--max-connection-per-server=8",
		"--split=8",
		"--min-split-size=1M",
		"--summary-interval=0",
		"--dir", dir,
		"--out", filepath.Base(job.OutputPath),
		url,
	}
	log.Debug().Str("jobID", job.ID).Str("command", shellquote.Join(append([]string{b.binary}, args...)...)).Msg("Starting aria2 download")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, b.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "failed to start aria2c")
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	started := time.Now()
	ticker := time.NewTicker(progressCadence)
	defer ticker.Stop()

	cancelled := false
	for {
		select {
		case err := <-done:
			if cancelled {
				return ErrCancelled
			}
			if err != nil {
				return errors.Errorf("aria2c failed: %s", truncateStderr(stderr.Bytes()))
			}
			b.observeFileSize(job, started)
			if cb.EmitProgress != nil {
				cb.EmitProgress()
			}
			return nil
		case <-ticker.C:
			if cb.IsCancelled() {
				cancelled = true
				cancel()
				continue
			}
			if cb.IsPaused() {
				b.warnOnce.Do(func() {
					log.Warn().Str("jobID", job.ID).Msg("Pause is not supported by the aria2 backend")
				})
			}
			b.observeFileSize(job, started)
			if cb.EmitProgress != nil {
				cb.EmitProgress()
			}
		}
	}
}

// observeFileSize derives the byte counters from the growing output file.
func (b *Aria2Backend) observeFileSize(job *models.DownloadJob, started time.Time) {
	info, err := os.Stat(job.OutputPath)
	if err != nil {
		return
	}
	job.SetDownloadedBytes(info.Size())
	if elapsed := time.Since(started).Seconds(); elapsed > 0 {
		job.SetSpeed(float64(info.Size()) / 1024 / elapsed)
	}
}

func truncateStderr(raw []byte) string {
	text := string(bytes.TrimSpace(raw))
	if len(text) > aria2StderrCap {
		text = text[:aria2StderrCap]
	}
	if text == "" {
		text = "no error output"
	}
	return text
}
