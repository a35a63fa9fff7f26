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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tombee/toolmesh/internal/config"
	"github.com/tombee/toolmesh/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(registryPath string) *config.Config {
	return &config.Config{
		Registry: config.RegistryConfig{
			Path:         registryPath,
			LockRetries:  5,
			LockBackoff:  5 * time.Millisecond,
			ProbeTimeout: 500 * time.Millisecond,
		},
		Proxy: config.ProxyConfig{
			Host:           "127.0.0.1",
			Port:           0,
			ConnectTimeout: 2 * time.Second,
		},
	}
}

func newTestProxy(t *testing.T) *Proxy {
	t.Helper()
	cfg := testConfig(filepath.Join(t.TempDir(), "registry.json"))
	reg := registry.New(cfg.Registry, testLogger())
	return New(cfg, reg, testLogger())
}

// startEchoBackend runs a backend that answers every request with its own
// name so tests can see which backend a request landed on.
func startEchoBackend(t *testing.T, name string) (*httptest.Server, Backend) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"backend":%q,"path":%q}`, name, r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv, backendFor(t, name, srv)
}

// backendFor builds the mirror entry pointing at a live httptest server.
func backendFor(t *testing.T, name string, srv *httptest.Server) Backend {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse backend URL %q: %v", srv.URL, err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("backend port %q: %v", u.Port(), err)
	}
	return Backend{
		Name:      name,
		Transport: config.TransportHTTP,
		Host:      u.Hostname(),
		Port:      port,
		PID:       os.Getpid(),
		StartedAt: time.Now().UTC(),
	}
}

func serveProxy(t *testing.T, p *Proxy) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(p.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
	return body
}

func TestRegisterUpdatesMirrorAndRegistry(t *testing.T) {
	p := newTestProxy(t)
	srv, backend := startEchoBackend(t, "filesvc")
	defer srv.Close()

	if err := p.Register(context.Background(), backend); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	got, ok := p.mirror.get("filesvc")
	if !ok {
		t.Fatal("mirror missing filesvc after Register()")
	}
	if got.Port != backend.Port {
		t.Errorf("mirror port = %d, want %d", got.Port, backend.Port)
	}

	records, err := p.reg.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if _, ok := records[recordFromBackend(backend).Key()]; !ok {
		t.Errorf("registry missing record %s after Register()", recordFromBackend(backend).Key())
	}
}

func TestRegisterRollsBackMirrorOnPersistFailure(t *testing.T) {
	tmp := t.TempDir()
	blocker := filepath.Join(tmp, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	// The registry path sits under a regular file, so persisting fails.
	cfg := testConfig(filepath.Join(blocker, "registry.json"))
	reg := registry.New(cfg.Registry, testLogger())
	p := New(cfg, reg, testLogger())

	srv, backend := startEchoBackend(t, "filesvc")
	defer srv.Close()

	if err := p.Register(context.Background(), backend); err == nil {
		t.Fatal("Register() succeeded against unwritable registry, want error")
	}
	if _, ok := p.mirror.get("filesvc"); ok {
		t.Error("mirror kept filesvc after failed Register(), want rollback")
	}

	// A failed re-registration must restore the previous entry, not drop it.
	prev := backend
	prev.Port = backend.Port + 1
	p.mirror.set(prev)
	if err := p.Register(context.Background(), backend); err == nil {
		t.Fatal("Register() succeeded against unwritable registry, want error")
	}
	got, ok := p.mirror.get("filesvc")
	if !ok {
		t.Fatal("mirror lost filesvc after failed re-registration")
	}
	if got.Port != prev.Port {
		t.Errorf("mirror port = %d after rollback, want previous %d", got.Port, prev.Port)
	}
}

func TestUnregisterRemovesEverywhere(t *testing.T) {
	p := newTestProxy(t)
	srv, backend := startEchoBackend(t, "filesvc")
	defer srv.Close()

	if err := p.Register(context.Background(), backend); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	p.sessions.record("sess-1", "filesvc")

	removed, err := p.Unregister(context.Background(), "filesvc")
	if err != nil {
		t.Fatalf("Unregister() error = %v", err)
	}
	if !removed {
		t.Fatal("Unregister() = false, want true")
	}
	if _, ok := p.mirror.get("filesvc"); ok {
		t.Error("mirror kept filesvc after Unregister()")
	}
	if _, ok := p.sessions.lookup("sess-1"); ok {
		t.Error("session survived Unregister() of its backend")
	}
	records, err := p.reg.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(records) != 0 {
		t.Errorf("registry has %d records after Unregister(), want 0", len(records))
	}

	removed, err = p.Unregister(context.Background(), "filesvc")
	if err != nil {
		t.Fatalf("Unregister() second call error = %v", err)
	}
	if removed {
		t.Error("Unregister() of absent backend = true, want false")
	}
}

func TestLoadFromRegistry(t *testing.T) {
	p := newTestProxy(t)

	liveSrv, live := startEchoBackend(t, "alive")
	defer liveSrv.Close()

	// A record whose port no longer accepts connections is dead.
	deadSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead := backendFor(t, "dead", deadSrv)
	deadSrv.Close()

	for _, rec := range []registry.ServiceRecord{
		recordFromBackend(live),
		recordFromBackend(dead),
		{Name: "stdio-only", Transport: config.TransportStdio, Host: "127.0.0.1", PID: os.Getpid(), StartedAt: time.Now().UTC()},
	} {
		if err := p.reg.Register(rec); err != nil {
			t.Fatalf("seed Register(%s) error = %v", rec.Name, err)
		}
	}

	count, err := p.LoadFromRegistry(context.Background())
	if err != nil {
		t.Fatalf("LoadFromRegistry() error = %v", err)
	}
	if count != 1 {
		t.Errorf("LoadFromRegistry() = %d backends, want 1 (dead and stdio records skipped)", count)
	}
	if _, ok := p.mirror.get("alive"); !ok {
		t.Error("mirror missing live backend after load")
	}
	if _, ok := p.mirror.get("dead"); ok {
		t.Error("mirror holds dead backend after load")
	}
	if _, ok := p.mirror.get("stdio-only"); ok {
		t.Error("mirror holds stdio record after load")
	}
}

func TestLoadFromRegistryPrefersMostRecent(t *testing.T) {
	p := newTestProxy(t)

	oldSrv, older := startEchoBackend(t, "filesvc")
	defer oldSrv.Close()
	newSrv, newer := startEchoBackend(t, "filesvc")
	defer newSrv.Close()

	older.StartedAt = time.Now().UTC().Add(-time.Hour)
	newer.StartedAt = time.Now().UTC()

	for _, b := range []Backend{older, newer} {
		if err := p.reg.Register(recordFromBackend(b)); err != nil {
			t.Fatalf("seed Register() error = %v", err)
		}
	}

	p.sessions.record("stale", "gone-backend")

	count, err := p.LoadFromRegistry(context.Background())
	if err != nil {
		t.Fatalf("LoadFromRegistry() error = %v", err)
	}
	if count != 1 {
		t.Errorf("LoadFromRegistry() = %d backends, want 1 collapsed name", count)
	}
	got, ok := p.mirror.get("filesvc")
	if !ok {
		t.Fatal("mirror missing filesvc")
	}
	if got.Port != newer.Port {
		t.Errorf("mirror port = %d, want most recent %d (older was %d)", got.Port, newer.Port, older.Port)
	}
	if _, ok := p.sessions.lookup("stale"); ok {
		t.Error("session for unmirrored backend survived the load sweep")
	}
}

func TestStatusEndpoint(t *testing.T) {
	p := newTestProxy(t)
	_, backend := startEchoBackend(t, "filesvc")
	p.mirror.set(backend)
	p.sessions.record("sess-1", "filesvc")

	srv := serveProxy(t, p)
	resp, err := http.Get(srv.URL + "/proxy/status")
	if err != nil {
		t.Fatalf("GET /proxy/status error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /proxy/status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["backends"] != float64(1) {
		t.Errorf("backends = %v, want 1", body["backends"])
	}
	if body["sessions"] != float64(1) {
		t.Errorf("sessions = %v, want 1", body["sessions"])
	}
}

func TestMappingEndpoint(t *testing.T) {
	p := newTestProxy(t)
	_, backend := startEchoBackend(t, "filesvc")
	p.mirror.set(backend)

	srv := serveProxy(t, p)
	resp, err := http.Get(srv.URL + "/proxy/mapping")
	if err != nil {
		t.Fatalf("GET /proxy/mapping error = %v", err)
	}
	body := decodeBody(t, resp)

	backends, ok := body["backends"].(map[string]any)
	if !ok {
		t.Fatalf("backends = %T, want object", body["backends"])
	}
	entry, ok := backends["filesvc"].(map[string]any)
	if !ok {
		t.Fatalf("mapping missing filesvc, have %v", backends)
	}
	if entry["url"] != backend.BaseURL() {
		t.Errorf("url = %v, want %s", entry["url"], backend.BaseURL())
	}
	if entry["transport"] != "http" {
		t.Errorf("transport = %v, want http", entry["transport"])
	}
}

func TestHealthEndpoint(t *testing.T) {
	p := newTestProxy(t)

	upSrv, up := startEchoBackend(t, "up-svc")
	defer upSrv.Close()
	downSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	down := backendFor(t, "down-svc", downSrv)
	downSrv.Close()

	p.mirror.set(up)
	p.mirror.set(down)

	srv := serveProxy(t, p)
	resp, err := http.Get(srv.URL + "/proxy/health")
	if err != nil {
		t.Fatalf("GET /proxy/health error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /proxy/health = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["status"] != "degraded" {
		t.Errorf("status = %v, want degraded with one backend down", body["status"])
	}
	backends := body["backends"].(map[string]any)
	if backends["up-svc"] != "up" {
		t.Errorf("up-svc = %v, want up", backends["up-svc"])
	}
	if backends["down-svc"] != "down" {
		t.Errorf("down-svc = %v, want down", backends["down-svc"])
	}
}

func TestRegisterEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		payload    string
		wantStatus int
	}{
		{
			name:       "valid http registration",
			payload:    `{"server_name":"filesvc","port":%d}`,
			wantStatus: http.StatusOK,
		},
		{
			name:       "invalid name",
			payload:    `{"server_name":"bad name!","port":%d}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "stdio transport rejected",
			payload:    `{"server_name":"filesvc","transport":"stdio","port":%d}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown transport rejected",
			payload:    `{"server_name":"filesvc","transport":"carrier-pigeon","port":%d}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing port",
			payload:    `{"server_name":"filesvc"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed JSON",
			payload:    `{"server_name":`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProxy(t)
			backendSrv, backend := startEchoBackend(t, "filesvc")
			defer backendSrv.Close()
			srv := serveProxy(t, p)

			payload := tt.payload
			if strings.Contains(payload, "%d") {
				payload = fmt.Sprintf(payload, backend.Port)
			}
			resp, err := http.Post(srv.URL+"/proxy/register", "application/json", strings.NewReader(payload))
			if err != nil {
				t.Fatalf("POST /proxy/register error = %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				data, _ := io.ReadAll(resp.Body)
				t.Fatalf("POST /proxy/register = %d, want %d (body %s)", resp.StatusCode, tt.wantStatus, data)
			}
			_, registered := p.mirror.get("filesvc")
			if tt.wantStatus == http.StatusOK && !registered {
				t.Error("mirror missing filesvc after successful registration")
			}
			if tt.wantStatus != http.StatusOK && registered {
				t.Error("mirror holds filesvc after rejected registration")
			}
		})
	}
}

func TestRegisterEndpointDefaults(t *testing.T) {
	p := newTestProxy(t)
	backendSrv, backend := startEchoBackend(t, "filesvc")
	defer backendSrv.Close()
	srv := serveProxy(t, p)

	payload := fmt.Sprintf(`{"server_name":"filesvc","port":%d,"pid":%d}`, backend.Port, os.Getpid())
	resp, err := http.Post(srv.URL+"/proxy/register", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("POST /proxy/register error = %v", err)
	}
	body := decodeBody(t, resp)
	if body["registered"] != true {
		t.Fatalf("registered = %v, want true", body["registered"])
	}

	got, ok := p.mirror.get("filesvc")
	if !ok {
		t.Fatal("mirror missing filesvc")
	}
	if got.Host != "127.0.0.1" {
		t.Errorf("host defaulted to %q, want 127.0.0.1", got.Host)
	}
	if got.Transport != config.TransportHTTP {
		t.Errorf("transport defaulted to %q, want http", got.Transport)
	}
	if body["url"] != got.BaseURL() {
		t.Errorf("url = %v, want %s", body["url"], got.BaseURL())
	}
}

func TestUnregisterEndpoint(t *testing.T) {
	p := newTestProxy(t)
	backendSrv, backend := startEchoBackend(t, "filesvc")
	defer backendSrv.Close()
	if err := p.Register(context.Background(), backend); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	srv := serveProxy(t, p)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/proxy/unregister/filesvc", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE /proxy/unregister error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("DELETE /proxy/unregister = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["unregistered"] != true {
		t.Errorf("unregistered = %v, want true", body["unregistered"])
	}

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/proxy/unregister/filesvc", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE second unregister error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("DELETE absent backend = %d, want 404", resp.StatusCode)
	}
}

func TestReloadEndpoint(t *testing.T) {
	p := newTestProxy(t)
	backendSrv, backend := startEchoBackend(t, "filesvc")
	defer backendSrv.Close()

	// Seed the registry directly; only reload should surface it.
	if err := p.reg.Register(recordFromBackend(backend)); err != nil {
		t.Fatalf("seed Register() error = %v", err)
	}
	if _, ok := p.mirror.get("filesvc"); ok {
		t.Fatal("mirror populated before reload")
	}

	srv := serveProxy(t, p)
	resp, err := http.Post(srv.URL+"/proxy/reload", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /proxy/reload error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /proxy/reload = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["reloaded"] != true {
		t.Errorf("reloaded = %v, want true", body["reloaded"])
	}
	if body["backends"] != float64(1) {
		t.Errorf("backends = %v, want 1", body["backends"])
	}
	if _, ok := p.mirror.get("filesvc"); !ok {
		t.Error("mirror missing filesvc after reload")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	p := newTestProxy(t)
	srv := serveProxy(t, p)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /metrics = %d, want 200", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics body: %v", err)
	}
	if !bytes.Contains(data, []byte("toolmesh_proxy_backends")) {
		t.Error("metrics output missing toolmesh_proxy_backends gauge")
	}
}

func signTestToken(t *testing.T, secret, issuer, audience string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestAdminAuth(t *testing.T) {
	p := newTestProxy(t)
	p.cfg.Proxy.Auth = config.AuthConfig{
		Enabled:   true,
		JWTSecret: "test-secret",
		Issuer:    "toolmesh-test",
		Audience:  "toolmesh",
	}
	srv := serveProxy(t, p)

	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{
			name:       "missing token",
			token:      "",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong secret",
			token:      signTestToken(t, "other-secret", "toolmesh-test", "toolmesh"),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong issuer",
			token:      signTestToken(t, "test-secret", "somebody-else", "toolmesh"),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "valid token",
			token:      signTestToken(t, "test-secret", "toolmesh-test", "toolmesh"),
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodPost, srv.URL+"/proxy/reload", nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("POST /proxy/reload error = %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("POST /proxy/reload = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusUnauthorized && resp.Header.Get("WWW-Authenticate") == "" {
				t.Error("401 response missing WWW-Authenticate header")
			}
		})
	}

	// Read-only endpoints stay open even with auth enabled.
	resp, err := http.Get(srv.URL + "/proxy/status")
	if err != nil {
		t.Fatalf("GET /proxy/status error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /proxy/status with auth enabled = %d, want 200", resp.StatusCode)
	}
}

func TestRegistrationRateLimit(t *testing.T) {
	cfg := testConfig(filepath.Join(t.TempDir(), "registry.json"))
	cfg.Proxy.RateLimit = config.RateLimitConfig{
		Enabled:           true,
		RequestsPerSecond: 0.01,
		Burst:             2,
	}
	reg := registry.New(cfg.Registry, testLogger())
	p := New(cfg, reg, testLogger())

	backendSrv, backend := startEchoBackend(t, "filesvc")
	defer backendSrv.Close()
	srv := serveProxy(t, p)

	payload := fmt.Sprintf(`{"server_name":"filesvc","port":%d}`, backend.Port)
	statuses := make([]int, 0, 3)
	var lastResp *http.Response
	for i := 0; i < 3; i++ {
		resp, err := http.Post(srv.URL+"/proxy/register", "application/json", strings.NewReader(payload))
		if err != nil {
			t.Fatalf("POST /proxy/register #%d error = %v", i+1, err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		statuses = append(statuses, resp.StatusCode)
		lastResp = resp
	}

	want := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("request #%d = %d, want %d (all: %v)", i+1, statuses[i], want[i], statuses)
		}
	}
	if lastResp.Header.Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After header")
	}
}

func TestShutdownBeforeStartIsNoop(t *testing.T) {
	p := newTestProxy(t)
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() before Start() error = %v", err)
	}
	if p.Addr() != "" {
		t.Errorf("Addr() before Start() = %q, want empty", p.Addr())
	}
}

func TestStartServesAndStops(t *testing.T) {
	p := newTestProxy(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Start(ctx) }()

	// Wait for the listener to come up.
	var addr string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr = p.Addr(); addr != "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if addr == "" {
		t.Fatal("proxy never bound a listener")
	}

	resp, err := http.Get("http://" + addr + "/proxy/status")
	if err != nil {
		t.Fatalf("GET /proxy/status error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /proxy/status = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() after cancel = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return after context cancel")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestRegistrationLimiterCleanup(t *testing.T) {
	rl := newRegistrationLimiter(1, 1)
	if !rl.allow("10.0.0.1") {
		t.Fatal("first request denied, want allowed")
	}
	if rl.allow("10.0.0.1") {
		t.Error("second immediate request allowed with burst 1")
	}

	rl.cleanup(0)
	if len(rl.clients) != 0 {
		t.Errorf("clients after cleanup(0) = %d, want 0", len(rl.clients))
	}
	// A fresh bucket after cleanup starts with full burst again.
	if !rl.allow("10.0.0.1") {
		t.Error("request after cleanup denied, want fresh bucket")
	}
}

// verify the dial helper sees a closed port as down even when the host is
// reachable.
func TestDialUp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if !dialUp("127.0.0.1", port) {
		t.Error("dialUp() = false for listening port, want true")
	}
	ln.Close()
	if dialUp("127.0.0.1", port) {
		t.Error("dialUp() = true for closed port, want false")
	}
}
