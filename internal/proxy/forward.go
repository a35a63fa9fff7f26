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
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/tombee/toolmesh/internal/httputil"
	"github.com/tombee/toolmesh/internal/log"
)

const eventStreamType = "text/event-stream"

// hopHeaders are connection-scoped and must not be relayed (RFC 9110 §7.6.1).
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// sessionIDPattern matches the session identifier a backend embeds in its
// stream, in either of the spellings MCP servers emit.
var sessionIDPattern = regexp.MustCompile(`(?:session_id|sessionId)=([0-9A-Za-z._~-]+)`)

// sessionScanTail bounds the carry-over between streamed chunks so an id
// split across a chunk boundary is still seen.
const sessionScanTail = 256

// wantsStreaming applies the relay-mode negotiation: GET streams when the
// Accept header includes the event-stream type anywhere; mutating verbs
// stream only when it is the FIRST listed type, so a JSON-RPC post against
// an SSE-capable endpoint stays buffered.
func wantsStreaming(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	switch r.Method {
	case http.MethodGet:
		return strings.Contains(strings.ToLower(accept), eventStreamType)
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return firstAcceptType(accept) == eventStreamType
	default:
		return false
	}
}

// firstAcceptType extracts the first media type listed in an Accept header,
// lowercased, with any quality parameters removed.
func firstAcceptType(accept string) string {
	first, _, _ := strings.Cut(accept, ",")
	mediaType, _, _ := strings.Cut(first, ";")
	return strings.ToLower(strings.TrimSpace(mediaType))
}

// scanSessionID finds a session identifier in a streamed chunk, prepending
// the previous chunk's tail so boundary-split ids still match. It returns
// the id (or "") and the tail to carry into the next scan.
func scanSessionID(carry, chunk []byte) (string, []byte) {
	buf := chunk
	if len(carry) > 0 {
		buf = append(append(make([]byte, 0, len(carry)+len(chunk)), carry...), chunk...)
	}
	id := ""
	if m := sessionIDPattern.FindSubmatch(buf); m != nil {
		id = string(m[1])
	}
	if len(buf) > sessionScanTail {
		buf = buf[len(buf)-sessionScanTail:]
	}
	tail := append(make([]byte, 0, len(buf)), buf...)
	return id, tail
}

// forward relays one request to the backend. Every call dials a fresh
// connection: backends are short-lived and frequently replaced, so a shared
// pool would bleed connection state across generations and grow without
// bound.
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, backend Backend, targetURL string, streaming bool) {
	start := time.Now()
	logger := p.logger.With(
		log.String(log.ServiceKey, backend.Name),
		log.String("target", targetURL),
	)

	out, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL, r.Body)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "malformed request")
		return
	}
	copyRequestHeaders(out.Header, r.Header)

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: p.connectTimeout(),
		}).DialContext,
		DisableKeepAlives: true,
	}
	defer transport.CloseIdleConnections()
	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(out)
	if err != nil {
		p.handleForwardError(w, r, backend, err, logger)
		code := 0
		if r.Context().Err() != nil {
			code = statusClientClosed
		}
		recordForward(backend.Name, r.Method, code, start)
		return
	}
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	injectCORS(w.Header())
	w.WriteHeader(resp.StatusCode)

	if streaming {
		p.relayStream(w, r, resp.Body, backend, logger)
	} else {
		p.relayBuffered(w, resp.Body, logger)
	}
	recordForward(backend.Name, r.Method, resp.StatusCode, start)
}

// classifyForwardError maps a failed outbound attempt onto the client
// status and a metric label. Refused and timed-out connects get the
// distinct 503/504 the caller can act on; everything else is a generic bad
// gateway.
func classifyForwardError(err error) (status int, kind string) {
	var netErr net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return http.StatusServiceUnavailable, "refused"
	case errors.As(err, &netErr) && netErr.Timeout(), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusBadGateway, "unreachable"
	}
}

// handleForwardError responds to a transport-level failure. The backend is
// unavailable, so its sessions are torn down; a cancelled client is
// nobody's failure and tears down nothing.
func (p *Proxy) handleForwardError(w http.ResponseWriter, r *http.Request, backend Backend, err error, logger *slog.Logger) {
	if r.Context().Err() != nil {
		logger.Debug("client went away during forward", log.Error(err))
		return
	}

	status, kind := classifyForwardError(err)
	dropped := p.sessions.dropBackend(backend.Name)
	recordBackendFailure(backend.Name, kind)
	logger.Warn("backend unreachable, sessions invalidated",
		log.String("kind", kind),
		log.Int("dropped_sessions", dropped),
		log.Error(err))
	httputil.WriteError(w, status, "backend "+backend.Name+" unavailable")
}

// relayBuffered reads the whole body before writing so the wire framing is
// recomputed for the actual payload.
func (p *Proxy) relayBuffered(w http.ResponseWriter, body io.Reader, logger *slog.Logger) {
	data, err := io.ReadAll(body)
	if err != nil {
		logger.Warn("backend response truncated", log.Error(err))
	}
	if len(data) > 0 {
		if _, err := w.Write(data); err != nil {
			logger.Debug("client write failed", log.Error(err))
		}
	}
}

// relayStream copies bytes verbatim, flushing per chunk, while scanning for
// the backend's session announcement. The backend connection stays open for
// the life of the client request; only client cancellation or stream end
// closes it.
func (p *Proxy) relayStream(w http.ResponseWriter, r *http.Request, body io.Reader, backend Backend, logger *slog.Logger) {
	proxyActiveStreams.Inc()
	defer proxyActiveStreams.Dec()

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	var carry []byte
	sessionSeen := false

	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if !sessionSeen {
				var id string
				id, carry = scanSessionID(carry, chunk)
				if id != "" {
					sessionSeen = true
					carry = nil
					p.sessions.record(id, backend.Name)
					logger.Debug("session recorded", log.String(log.SessionKey, id))
				}
			}
			if _, werr := w.Write(chunk); werr != nil {
				logger.Debug("client write failed mid-stream", log.Error(werr))
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
			case r.Context().Err() != nil:
				logger.Debug("client closed stream")
			default:
				// The stream was established, so a mid-stream fault is not
				// the connect-level signal that invalidates sessions.
				logger.Warn("backend stream ended abnormally", log.Error(err))
			}
			return
		}
	}
}

// copyRequestHeaders relays end-to-end headers, dropping the hop-by-hop set
// plus the framing headers so the outbound request is re-framed.
func copyRequestHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, v := range values {
			dst.Add(key, v)
		}
	}
	stripRelayHeaders(dst)
}

// copyResponseHeaders mirrors copyRequestHeaders for the response path.
func copyResponseHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, v := range values {
			dst.Add(key, v)
		}
	}
	stripRelayHeaders(dst)
}

func stripRelayHeaders(h http.Header) {
	for _, hop := range hopHeaders {
		h.Del(hop)
	}
	h.Del("Content-Length")
}

// injectCORS makes every relayed response callable from browser-hosted
// clients. The mesh is local-first; origin allow-listing is left to an
// outer gateway when one exists.
func injectCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept, Mcp-Session-Id, Last-Event-ID")
	h.Set("Access-Control-Expose-Headers", "Mcp-Session-Id")
}

// writePreflight answers an OPTIONS probe locally.
func writePreflight(w http.ResponseWriter) {
	injectCORS(w.Header())
	w.WriteHeader(http.StatusNoContent)
}
