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
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/tombee/toolmesh/internal/config"
	"github.com/tombee/toolmesh/internal/httputil"
	"github.com/tombee/toolmesh/internal/log"
	"github.com/tombee/toolmesh/internal/registry"
)

// healthDialTimeout bounds the per-backend TCP probe behind /proxy/health.
const healthDialTimeout = time.Second

// registerRequest is the payload accepted by POST /proxy/register. The
// field names are the wire contract tool servers self-register with.
type registerRequest struct {
	ServerName string `json:"server_name"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Transport  string `json:"transport"`
	PID        int    `json:"pid"`
}

// backendView is the per-backend shape returned by mapping and status.
type backendView struct {
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Transport string    `json:"transport"`
	PID       int       `json:"pid,omitempty"`
	URL       string    `json:"url"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

func (p *Proxy) handleStatus(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"started_at":     p.startedAt,
		"uptime_seconds": int64(time.Since(p.startedAt).Seconds()),
		"backends":       p.mirror.len(),
		"sessions":       p.sessions.len(),
	})
}

func (p *Proxy) handleMapping(w http.ResponseWriter, r *http.Request) {
	mapping := make(map[string]backendView)
	for _, b := range p.mirror.snapshot() {
		mapping[b.Name] = backendView{
			Host:      b.Host,
			Port:      b.Port,
			Transport: string(b.Transport),
			PID:       b.PID,
			URL:       b.BaseURL(),
			StartedAt: b.StartedAt,
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"backends": mapping})
}

// handleHealth probes each mirrored backend with a short TCP dial. The
// proxy itself answering is the baseline; a backend that no longer accepts
// connections degrades the report without failing it.
func (p *Proxy) handleHealth(w http.ResponseWriter, r *http.Request) {
	backends := p.mirror.snapshot()
	status := "ok"
	perBackend := make(map[string]string, len(backends))
	for _, b := range backends {
		if dialUp(b.Host, b.Port) {
			perBackend[b.Name] = "up"
		} else {
			perBackend[b.Name] = "down"
			status = "degraded"
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"backends": perBackend,
	})
}

func (p *Proxy) handleReload(w http.ResponseWriter, r *http.Request) {
	count, err := p.LoadFromRegistry(r.Context())
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "reload failed: "+err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"reloaded": true,
		"backends": count,
	})
}

func (p *Proxy) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid JSON payload: "+err.Error())
		return
	}
	if !config.ServiceNameRegex.MatchString(req.ServerName) {
		httputil.WriteError(w, http.StatusBadRequest, "invalid server_name "+strconv.Quote(req.ServerName))
		return
	}

	transport := config.Transport(req.Transport)
	if req.Transport == "" {
		transport = config.TransportHTTP
	}
	if !transport.Valid() || !transport.Network() {
		httputil.WriteError(w, http.StatusBadRequest,
			"transport must be http or sse, got "+strconv.Quote(req.Transport))
		return
	}
	if req.Port <= 0 || req.Port > 65535 {
		httputil.WriteError(w, http.StatusBadRequest, "port is required for network transports")
		return
	}
	host := req.Host
	if host == "" {
		host = "127.0.0.1"
	}

	backend := Backend{
		Name:      req.ServerName,
		Transport: transport,
		Host:      host,
		Port:      req.Port,
		PID:       req.PID,
		StartedAt: time.Now().UTC(),
	}
	if err := p.Register(r.Context(), backend); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "registration failed: "+err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"registered": true,
		"name":       backend.Name,
		"url":        backend.BaseURL(),
	})
}

func (p *Proxy) handleUnregister(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	removed, err := p.Unregister(r.Context(), name)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "unregistration failed: "+err.Error())
		return
	}
	if !removed {
		p.writeUnknownBackend(w, name)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"unregistered": true,
		"name":         name,
	})
}

// recordFromBackend converts a mirror entry to its persisted registry form.
func recordFromBackend(b Backend) registry.ServiceRecord {
	return registry.ServiceRecord{
		Name:      b.Name,
		Transport: b.Transport,
		Host:      b.Host,
		Port:      b.Port,
		PID:       b.PID,
		StartedAt: b.StartedAt,
	}
}

func dialUp(host string, port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), healthDialTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// logRegistration emits the shared attrs for register/unregister audit logs.
func (p *Proxy) logRegistration(event, name string, b Backend) {
	p.logger.Info(event,
		log.String(log.ServiceKey, name),
		log.String(log.TransportKey, string(b.Transport)),
		log.Int("port", b.Port),
		log.Int("pid", b.PID),
	)
}
