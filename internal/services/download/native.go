// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/models"
)

const (
	nativeChunkSize   = 8 * 1024
	progressCadence   = 500 * time.Millisecond
	pausePollInterval = 100 * time.Millisecond
)

// NativeBackend is the built-in resume-aware HTTP downloader. It is always
// available and serves as the fallback when an external backend is missing.
type NativeBackend struct {
	client *http.Client
}

func NewNativeBackend() *NativeBackend {
	return &NativeBackend{
		// No overall client timeout: transfers are long-lived and bounded
		// by the request context instead.
		client: &http.Client{},
	}
}

func (b *NativeBackend) Name() string { return "native" }

func (b *NativeBackend) Available() bool { return true }

// Download streams the URL to the output path in 8 KiB chunks. When the
// output file already exists the transfer resumes with a ranged request.
func (b *NativeBackend) Download(ctx context.Context, job *models.DownloadJob, url string, cb Callbacks) error {
	var existing int64
	if info, err := os.Stat(job.OutputPath); err == nil {
		existing = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "failed to build download request")
	}
	if existing > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", existing))
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "download request failed")
	}
	defer resp.Body.Close()

	resumed := existing > 0 && resp.StatusCode == http.StatusPartialContent
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return errors.Errorf("download request returned status %d", resp.StatusCode)
	}

	total := int64(0)
	if resp.ContentLength > 0 {
		total = resp.ContentLength
		if resumed {
			total += existing
		}
	}
	job.SetTotalBytes(total)

	if err := os.MkdirAll(filepath.Dir(job.OutputPath), 0o755); err != nil {
		return errors.Wrap(err, "failed to create download directory")
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if resumed {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		job.SetDownloadedBytes(existing)
		log.Debug().Str("jobID", job.ID).Int64("offset", existing).Msg("Resuming download")
	} else {
		job.SetDownloadedBytes(0)
	}

	out, err := os.OpenFile(job.OutputPath, flags, 0o644)
	if err != nil {
		return errors.Wrap(err, "failed to open output file")
	}
	defer out.Close()

	started := time.Now()
	lastEmit := started
	var sessionBytes int64
	buf := make([]byte, nativeChunkSize)

	for {
		if cb.IsCancelled() {
			return ErrCancelled
		}
		for cb.IsPaused() {
			time.Sleep(pausePollInterval)
			if cb.IsCancelled() {
				return ErrCancelled
			}
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				return errors.Wrap(writeErr, "failed to write download chunk")
			}
			sessionBytes += int64(n)
			job.AddDownloadedBytes(int64(n))

			if elapsed := time.Since(started).Seconds(); elapsed > 0 {
				job.SetSpeed(float64(sessionBytes) / 1024 / elapsed)
			}
			if time.Since(lastEmit) >= progressCadence {
				lastEmit = time.Now()
				if cb.EmitProgress != nil {
					cb.EmitProgress()
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return errors.Wrap(readErr, "download stream failed")
		}
	}

	if cb.EmitProgress != nil {
		cb.EmitProgress()
	}
	return nil
}
