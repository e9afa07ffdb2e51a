// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/services/download"
	"github.com/fetcharr/fetcharr/internal/services/search"
)

// SourceCollector exports per-source routing stats from the search
// coordinator.
type SourceCollector struct {
	searchSvc *search.Service

	attemptsDesc            *prometheus.Desc
	successesDesc           *prometheus.Desc
	consecutiveFailuresDesc *prometheus.Desc
	lastLatencyDesc         *prometheus.Desc
	circuitOpenDesc         *prometheus.Desc
	routingScoreDesc        *prometheus.Desc
}

func NewSourceCollector(searchSvc *search.Service) *SourceCollector {
	return &SourceCollector{
		searchSvc: searchSvc,

		attemptsDesc: prometheus.NewDesc(
			"fetcharr_source_attempts_total",
			"Total number of search attempts by source",
			[]string{"source"},
			nil,
		),
		successesDesc: prometheus.NewDesc(
			"fetcharr_source_successes_total",
			"Total number of successful searches by source",
			[]string{"source"},
			nil,
		),
		consecutiveFailuresDesc: prometheus.NewDesc(
			"fetcharr_source_consecutive_failures",
			"Current consecutive failure count by source",
			[]string{"source"},
			nil,
		),
		lastLatencyDesc: prometheus.NewDesc(
			"fetcharr_source_last_latency_seconds",
			"Latency of the most recent search by source",
			[]string{"source"},
			nil,
		),
		circuitOpenDesc: prometheus.NewDesc(
			"fetcharr_source_circuit_open",
			"Whether the circuit breaker is open for a source (1=open, 0=closed)",
			[]string{"source"},
			nil,
		),
		routingScoreDesc: prometheus.NewDesc(
			"fetcharr_source_routing_score",
			"Current routing score by source",
			[]string{"source"},
			nil,
		),
	}
}

func (c *SourceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.attemptsDesc
	ch <- c.successesDesc
	ch <- c.consecutiveFailuresDesc
	ch <- c.lastLatencyDesc
	ch <- c.circuitOpenDesc
	ch <- c.routingScoreDesc
}

func (c *SourceCollector) Collect(ch chan<- prometheus.Metric) {
	if c.searchSvc == nil {
		log.Debug().Msg("Search service is nil, skipping source metrics collection")
		return
	}

	for name, status := range c.searchSvc.ProviderStats() {
		ch <- prometheus.MustNewConstMetric(
			c.attemptsDesc,
			prometheus.CounterValue,
			float64(status.Attempts),
			name,
		)
		ch <- prometheus.MustNewConstMetric(
			c.successesDesc,
			prometheus.CounterValue,
			float64(status.Successes),
			name,
		)
		ch <- prometheus.MustNewConstMetric(
			c.consecutiveFailuresDesc,
			prometheus.GaugeValue,
			float64(status.ConsecutiveFailures),
			name,
		)
		ch <- prometheus.MustNewConstMetric(
			c.lastLatencyDesc,
			prometheus.GaugeValue,
			float64(status.LastLatencyMs)/1000,
			name,
		)

		open := 0.0
		if status.CircuitOpen {
			open = 1.0
		}
		ch <- prometheus.MustNewConstMetric(
			c.circuitOpenDesc,
			prometheus.GaugeValue,
			open,
			name,
		)
		ch <- prometheus.MustNewConstMetric(
			c.routingScoreDesc,
			prometheus.GaugeValue,
			status.RoutingScore,
			name,
		)
	}
}

// DownloadCollector exports download manager state.
type DownloadCollector struct {
	downloads *download.Manager

	jobsDesc            *prometheus.Desc
	downloadedBytesDesc *prometheus.Desc
	speedDesc           *prometheus.Desc
}

func NewDownloadCollector(downloads *download.Manager) *DownloadCollector {
	return &DownloadCollector{
		downloads: downloads,

		jobsDesc: prometheus.NewDesc(
			"fetcharr_download_jobs",
			"Number of download jobs by status",
			[]string{"status"},
			nil,
		),
		downloadedBytesDesc: prometheus.NewDesc(
			"fetcharr_download_bytes_total",
			"Total bytes downloaded across all tracked jobs",
			nil,
			nil,
		),
		speedDesc: prometheus.NewDesc(
			"fetcharr_download_speed_bytes_per_second",
			"Aggregate download speed across active jobs",
			nil,
			nil,
		),
	}
}

func (c *DownloadCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobsDesc
	ch <- c.downloadedBytesDesc
	ch <- c.speedDesc
}

func (c *DownloadCollector) Collect(ch chan<- prometheus.Metric) {
	if c.downloads == nil {
		log.Debug().Msg("Download manager is nil, skipping download metrics collection")
		return
	}

	byStatus := make(map[models.JobStatus]int)
	var totalBytes int64
	var speedKBps float64
	for _, job := range c.downloads.GetAll() {
		byStatus[job.Status]++
		totalBytes += job.DownloadedBytes
		if job.Status == models.JobStatusDownloading {
			speedKBps += job.SpeedKBps
		}
	}

	for status, count := range byStatus {
		ch <- prometheus.MustNewConstMetric(
			c.jobsDesc,
			prometheus.GaugeValue,
			float64(count),
			string(status),
		)
	}
	ch <- prometheus.MustNewConstMetric(
		c.downloadedBytesDesc,
		prometheus.CounterValue,
		float64(totalBytes),
	)
	ch <- prometheus.MustNewConstMetric(
		c.speedDesc,
		prometheus.GaugeValue,
		speedKBps*1024,
	)
}
