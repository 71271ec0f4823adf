// Copyright 2025 Microsoft Corporation
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics holds the Prometheus collectors shared by the HTTP
// session and the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Emitter bundles the client's collectors. Construct one per registry;
// a nil *Emitter is valid and records nothing.
type Emitter struct {
	requestsTotal      *prometheus.CounterVec
	requestRetriesTotal prometheus.Counter
	tokenRefreshesTotal prometheus.Counter
	syncPhaseDuration  *prometheus.HistogramVec
	syncSessionsTotal  *prometheus.CounterVec
}

// New registers the client collectors with the given registerer.
func New(reg prometheus.Registerer) *Emitter {
	return &Emitter{
		requestsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "d365fo_client_requests_total",
			Help: "HTTP requests issued by the client, by method and status class.",
		}, []string{"method", "status"}),
		requestRetriesTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "d365fo_client_request_retries_total",
			Help: "HTTP request retries after 429/503 responses.",
		}),
		tokenRefreshesTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "d365fo_client_token_refreshes_total",
			Help: "OAuth2 token acquisitions and refreshes.",
		}),
		syncPhaseDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "d365fo_sync_phase_duration_seconds",
			Help:    "Duration of metadata sync phases.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"phase"}),
		syncSessionsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "d365fo_sync_sessions_total",
			Help: "Sync sessions by terminal status.",
		}, []string{"status"}),
	}
}

// ObserveRequest records one HTTP request outcome.
func (e *Emitter) ObserveRequest(method, statusClass string) {
	if e == nil {
		return
	}
	e.requestsTotal.WithLabelValues(method, statusClass).Inc()
}

// ObserveRetry records one retried request.
func (e *Emitter) ObserveRetry() {
	if e == nil {
		return
	}
	e.requestRetriesTotal.Inc()
}

// ObserveTokenRefresh records one token acquisition.
func (e *Emitter) ObserveTokenRefresh() {
	if e == nil {
		return
	}
	e.tokenRefreshesTotal.Inc()
}

// ObserveSyncPhase records one completed sync phase.
func (e *Emitter) ObserveSyncPhase(phase string, seconds float64) {
	if e == nil {
		return
	}
	e.syncPhaseDuration.WithLabelValues(phase).Observe(seconds)
}

// ObserveSyncSession records one terminal sync session.
func (e *Emitter) ObserveSyncSession(status string) {
	if e == nil {
		return
	}
	e.syncSessionsTotal.WithLabelValues(status).Inc()
}
