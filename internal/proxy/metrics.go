// Copyright 2025 Tom Barlow
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

package proxy

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// proxyRequests counts forwarded requests by backend, method and code.
	proxyRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolmesh_proxy_requests_total",
			Help: "Total requests forwarded through the proxy by backend, method and status code",
		},
		[]string{"backend", "method", "code"},
	)

	// proxyRequestDuration observes end-to-end forward latency.
	proxyRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toolmesh_proxy_request_duration_seconds",
			Help:    "Forward latency by backend, including streaming relays held open by the client",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	// proxyBackendFailures counts transport-level forwarding failures.
	proxyBackendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolmesh_proxy_backend_failures_total",
			Help: "Transport-level failures reaching a backend, by backend and failure kind",
		},
		[]string{"backend", "kind"},
	)

	// proxyActiveStreams tracks streaming relays currently held open.
	proxyActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "toolmesh_proxy_active_streams",
			Help: "Streaming relays currently open",
		},
	)

	// proxyBackends tracks the mirror size.
	proxyBackends = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "toolmesh_proxy_backends",
			Help: "Backends currently in the routing mirror",
		},
	)

	// proxySessions tracks live session-affinity entries.
	proxySessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "toolmesh_proxy_sessions",
			Help: "Session-affinity entries currently held",
		},
	)

	// proxyRateLimited counts rejected requests.
	proxyRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "toolmesh_proxy_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
	)
)

// recordForward observes one completed forward.
func recordForward(backend, method string, code int, start time.Time) {
	proxyRequests.WithLabelValues(backend, method, strconv.Itoa(code)).Inc()
	proxyRequestDuration.WithLabelValues(backend).Observe(time.Since(start).Seconds())
}

// recordBackendFailure counts one transport-level failure.
func recordBackendFailure(backend, kind string) {
	proxyBackendFailures.WithLabelValues(backend, kind).Inc()
}
