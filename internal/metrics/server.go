// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// MetricsServer serves the Prometheus registry on a dedicated listener,
// optionally behind basic auth.
type MetricsServer struct {
	manager        *MetricsManager
	server         *http.Server
	basicAuthUsers map[string]string
}

func NewMetricsServer(manager *MetricsManager, host string, port int, basicAuthUsers string) *MetricsServer {
	users := parseBasicAuthUsers(basicAuthUsers)

	mux := http.NewServeMux()
	handler := promhttp.HandlerFor(manager.GetRegistry(), promhttp.HandlerOpts{})
	if len(users) > 0 {
		mux.Handle("/metrics", BasicAuth("metrics", users)(handler))
	} else {
		mux.Handle("/metrics", handler)
	}

	return &MetricsServer{
		manager: manager,
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", host, port),
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		basicAuthUsers: users,
	}
}

func (s *MetricsServer) ListenAndServe() error {
	log.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	return s.server.ListenAndServe()
}

func (s *MetricsServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// parseBasicAuthUsers splits "user:pass,user2:pass2", skipping malformed
// entries.
func parseBasicAuthUsers(raw string) map[string]string {
	users := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		username, password, ok := strings.Cut(entry, ":")
		if !ok || username == "" || password == "" {
			log.Warn().Str("entry", entry).Msg("Skipping malformed metrics basic auth entry")
			continue
		}
		users[strings.TrimSpace(username)] = strings.TrimSpace(password)
	}
	return users
}

// BasicAuth guards a handler with HTTP basic auth against a fixed user map.
func BasicAuth(realm string, users map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			username, password, ok := r.BasicAuth()
			if ok {
				expected, found := users[username]
				if found && subtle.ConstantTimeCompare([]byte(password), []byte(expected)) == 1 {
					next.ServeHTTP(w, r)
					return
				}
			}
			w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Basic realm=%q`, realm))
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		})
	}
}
