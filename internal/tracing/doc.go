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

/*
Package tracing provides OpenTelemetry plumbing for the mesh: trace and
meter providers, W3C context propagation across proxied requests, and
correlation IDs for log-to-request joins.

# Setup

The daemon initializes telemetry once at boot:

	provider, err := tracing.Setup(ctx, cfg.Proxy.Tracing, "toolmeshd", version, logger)
	if err != nil {
	    return err
	}
	defer provider.Shutdown(ctx)

The meter provider is always installed so otel instruments surface on the
Prometheus /metrics endpoint; span export only runs when tracing is
enabled in config. Exporters are selected by name: "console", "otlp"
(gRPC) or "otlp-http".

# Propagation

HTTPMiddleware starts a server span per inbound request and extracts any
upstream trace context. Outbound hops (forwarded backend requests, bridge
registration calls) carry the context via WrapHTTPClient:

	client := tracing.WrapHTTPClient(&http.Client{})

# Correlation

CorrelationMiddleware guarantees every request has an X-Correlation-ID,
generating one when the client sent none or sent garbage. Handlers pull
it from the context with FromContext for structured log fields.
*/
package tracing
