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
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/toolmesh/internal/httputil"
)

// targetHeader names the backend explicitly when a request cannot carry a
// name in its path, as with the shared /messages endpoint.
const targetHeader = "X-MCP-Server"

// routes builds the request mux. Admin endpoints are registered with method
// patterns; the forwarding families accept any verb and enforce their own
// method rules so they can answer 405 with a useful Allow header.
func (p *Proxy) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /proxy/status", p.handleStatus)
	mux.HandleFunc("GET /proxy/mapping", p.handleMapping)
	mux.HandleFunc("GET /proxy/health", p.handleHealth)
	mux.HandleFunc("POST /proxy/reload", p.requireAuth(p.handleReload))
	mux.HandleFunc("POST /proxy/register", p.requireAuth(p.limitRegistration(p.handleRegister)))
	mux.HandleFunc("DELETE /proxy/unregister/{name}", p.requireAuth(p.handleUnregister))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("/mcp/{name}", p.handleMCP)
	mux.HandleFunc("/mcp/{name}/{rest...}", p.handleMCP)
	mux.HandleFunc("/sse/{name}", p.handleSSE)
	mux.HandleFunc("/sse/{name}/{rest...}", p.handleSSE)
	mux.HandleFunc("/messages", p.handleMessages)
	mux.HandleFunc("/messages/{rest...}", p.handleMessages)
	mux.HandleFunc("/", p.handleFallback)

	return mux
}

// handleMCP forwards /mcp/{name}/... to the named backend with the name
// segment stripped: /mcp/foo/bar?x=1 becomes http://host:port/mcp/bar?x=1.
func (p *Proxy) handleMCP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writePreflight(w)
		return
	}
	name := r.PathValue("name")
	backend, ok := p.mirror.get(name)
	if !ok {
		p.writeUnknownBackend(w, name)
		return
	}
	p.forward(w, r, backend, rewriteTarget(backend, "/mcp", name, r), wantsStreaming(r))
}

// handleSSE forwards /sse/{name}/... event streams. The family is GET-only:
// SSE is a server-push channel, so mutating verbs are a client bug worth a
// clear answer rather than a silent forward.
func (p *Proxy) handleSSE(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		writePreflight(w)
		return
	case http.MethodGet:
	default:
		w.Header().Set("Allow", "GET, OPTIONS")
		httputil.WriteError(w, http.StatusMethodNotAllowed,
			"SSE endpoints accept GET only; use /mcp/"+r.PathValue("name")+" for RPC calls")
		return
	}
	name := r.PathValue("name")
	backend, ok := p.mirror.get(name)
	if !ok {
		p.writeUnknownBackend(w, name)
		return
	}
	p.forward(w, r, backend, rewriteTarget(backend, "/sse", name, r), true)
}

// handleMessages forwards the shared session endpoint. The target backend is
// resolved from an explicit name (query parameter or header), then from a
// previously recorded session mapping, then from a sole registered backend.
func (p *Proxy) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writePreflight(w)
		return
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		name = r.URL.Query().Get("server_name")
	}
	if name == "" {
		name = r.Header.Get(targetHeader)
	}
	if name == "" {
		if id := requestSessionID(r); id != "" {
			name, _ = p.sessions.lookup(id)
		}
	}

	var backend Backend
	var ok bool
	if name != "" {
		backend, ok = p.mirror.get(name)
		if !ok {
			p.writeUnknownBackend(w, name)
			return
		}
	} else if backend, ok = p.mirror.sole(); !ok {
		p.writeAmbiguousTarget(w)
		return
	}

	p.forward(w, r, backend, passthroughTarget(backend, r), wantsStreaming(r))
}

// handleFallback serves every path outside the known families. With exactly
// one backend registered the request is assumed to be for it; otherwise the
// client gets the list of names to disambiguate against.
func (p *Proxy) handleFallback(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writePreflight(w)
		return
	}
	backend, ok := p.mirror.sole()
	if !ok {
		p.writeAmbiguousTarget(w)
		return
	}
	p.forward(w, r, backend, passthroughTarget(backend, r), wantsStreaming(r))
}

// rewriteTarget maps a family-prefixed inbound path onto the backend,
// keeping the family prefix and dropping the name segment. The escaped path
// is used so percent-encoded segments survive the relay untouched.
func rewriteTarget(backend Backend, family, name string, r *http.Request) string {
	rest := strings.TrimPrefix(r.URL.EscapedPath(), family+"/"+name)
	target := backend.BaseURL() + family + rest
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	return target
}

// passthroughTarget relays the inbound path onto the backend unchanged.
func passthroughTarget(backend Backend, r *http.Request) string {
	target := backend.BaseURL() + r.URL.EscapedPath()
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	return target
}

// requestSessionID pulls a session identifier from the query string,
// accepting both spellings MCP clients use.
func requestSessionID(r *http.Request) string {
	q := r.URL.Query()
	if id := q.Get("session_id"); id != "" {
		return id
	}
	return q.Get("sessionId")
}

func (p *Proxy) writeUnknownBackend(w http.ResponseWriter, name string) {
	httputil.WriteErrorDetails(w, http.StatusNotFound,
		"no backend registered under name "+strconv.Quote(name),
		map[string]any{"available": p.mirror.names()})
}

func (p *Proxy) writeAmbiguousTarget(w http.ResponseWriter) {
	names := p.mirror.names()
	msg := "no backends registered"
	if len(names) > 0 {
		msg = "multiple backends registered; address one by name"
	}
	httputil.WriteErrorDetails(w, http.StatusNotFound, msg,
		map[string]any{"available": names})
}
