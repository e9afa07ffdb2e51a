// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/services/download"
	"github.com/fetcharr/fetcharr/internal/services/search"
)

type MetricsManager struct {
	registry          *prometheus.Registry
	sourceCollector   *SourceCollector
	downloadCollector *DownloadCollector
}

func NewMetricsManager(searchSvc *search.Service, downloads *download.Manager) *MetricsManager {
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sourceCollector := NewSourceCollector(searchSvc)
	registry.MustRegister(sourceCollector)

	downloadCollector := NewDownloadCollector(downloads)
	registry.MustRegister(downloadCollector)

	log.Info().Msg("Metrics manager initialized with source and download collectors")

	return &MetricsManager{
		registry:          registry,
		sourceCollector:   sourceCollector,
		downloadCollector: downloadCollector,
	}
}

func (m *MetricsManager) GetRegistry() *prometheus.Registry {
	return m.registry
}
