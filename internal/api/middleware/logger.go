// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package middleware holds the HTTP middleware stack for the API server.
package middleware

import (
	"net/http"
	"runtime/debug"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Re-exported chi middleware used when assembling the router.
var (
	RequestID       = chimiddleware.RequestID
	Recoverer       = chimiddleware.Recoverer
	RealIP          = chimiddleware.RealIP
	ThrottleBacklog = chimiddleware.ThrottleBacklog
)

// Logger writes one structured access log line per request and recovers
// handler panics into a 500.
func Logger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				if rec := recover(); rec != nil {
					logger.Error().
						Str("type", "error").
						Timestamp().
						Interface("recover_info", rec).
						Bytes("debug_stack", debug.Stack()).
						Msg("Handler panicked")
					http.Error(ww, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}

				logger.Trace().
					Str("type", "access").
					Timestamp().
					Fields(map[string]any{
						"url":        r.URL.Path,
						"method":     r.Method,
						"status":     ww.Status(),
						"latency_ms": float64(time.Since(start).Nanoseconds()) / 1e6,
						"bytes_in":   r.Header.Get("Content-Length"),
						"bytes_out":  ww.BytesWritten(),
						"remote_ip":  r.RemoteAddr,
						"user_agent": r.UserAgent(),
					}).
					Msg("incoming_request")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
