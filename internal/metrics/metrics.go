// Copyright (c) 2026 John Earle
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

// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Requests counts inbound relay requests by terminal result
	// (dispatched, topic_not_found, forbidden, bad_request, ...).
	Requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Inbound relay requests by result.",
		},
		[]string{"result"},
	)

	// Deliveries counts per-recipient outcomes by backend and status.
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Per-recipient delivery outcomes by backend and status.",
		},
		[]string{"backend", "status"},
	)

	// DeliveryDuration observes the time spent in a backend send,
	// retries included.
	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_delivery_duration_seconds",
			Help:    "Duration of a single recipient delivery including retries.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"backend", "status"},
	)

	// QueueDepth is sampled by queue workers.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_queue_depth",
			Help: "Delivery jobs waiting in the Redis queue.",
		},
	)

	// RegistryReloads counts SIGHUP reloads by result.
	RegistryReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_registry_reloads_total",
			Help: "Topic registry reloads by result.",
		},
		[]string{"result"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
