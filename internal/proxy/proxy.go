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

// Package proxy is the mesh's HTTP front door. It keeps an in-memory mirror
// of the registry's network-facing records and routes client traffic to the
// matching backend by name, with session affinity for streaming transports.
//
// The mirror, not the registry file, is authoritative on the hot request
// path; the file is consulted only at load/reload time and when the admin
// surface mutates registrations. Admin mutations touch the mirror and the
// registry together under one mutex, rolling the mirror back if persistence
// fails, so the two views never diverge.
package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/tombee/toolmesh/internal/config"
	"github.com/tombee/toolmesh/internal/events"
	"github.com/tombee/toolmesh/internal/log"
	"github.com/tombee/toolmesh/internal/registry"
	"github.com/tombee/toolmesh/internal/tracing"
)

const (
	defaultConnectTimeout  = 10 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultSweepInterval   = 60 * time.Second
)

// Proxy routes client requests to registered backends and serves the
// admin surface tool servers register through.
type Proxy struct {
	cfg        *config.Config
	reg        *registry.Registry
	mirror     *mirror
	sessions   *sessionTable
	regLimiter *registrationLimiter
	recorder   events.Recorder
	logger     *slog.Logger
	startedAt  time.Time

	// regMu serializes admin-surface mutations so concurrent registrations
	// cannot interleave their mirror and registry writes.
	regMu sync.Mutex

	mu     sync.Mutex
	server *http.Server
	ln     net.Listener
}

// New creates a Proxy over the given registry handle. Events go nowhere
// until WithRecorder is called.
func New(cfg *config.Config, reg *registry.Registry, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{
		cfg:        cfg,
		reg:        reg,
		mirror:     newMirror(),
		sessions:   newSessionTable(),
		regLimiter: newRegistrationLimiter(cfg.Proxy.RateLimit.RequestsPerSecond, cfg.Proxy.RateLimit.Burst),
		recorder:   events.Nop{},
		logger:     log.WithComponent(logger, "proxy"),
		startedAt:  time.Now().UTC(),
	}
}

// WithRecorder routes lifecycle events to rec.
func (p *Proxy) WithRecorder(rec events.Recorder) *Proxy {
	if rec != nil {
		p.recorder = rec
	}
	return p
}

// LoadFromRegistry rebuilds the mirror from the registry: network-transport
// records that pass the liveness check, most recent record per name.
// Sessions owned by backends that dropped out are pruned. Idempotent;
// serves both startup and the reload endpoint.
func (p *Proxy) LoadFromRegistry(ctx context.Context) (int, error) {
	records, err := p.reg.List()
	if err != nil {
		return 0, err
	}

	backends := make(map[string]Backend)
	for _, rec := range records {
		if !rec.Transport.Network() {
			continue
		}
		if !p.reg.IsAlive(rec) {
			p.logger.Debug("skipping dead record",
				log.String(log.ServiceKey, rec.Name),
				log.String(log.TransportKey, string(rec.Transport)))
			continue
		}
		if cur, ok := backends[rec.Name]; ok && !rec.StartedAt.After(cur.StartedAt) {
			continue
		}
		backends[rec.Name] = Backend{
			Name:      rec.Name,
			Transport: rec.Transport,
			Host:      rec.Host,
			Port:      rec.Port,
			PID:       rec.PID,
			StartedAt: rec.StartedAt,
		}
	}

	p.regMu.Lock()
	p.mirror.replaceAll(backends)
	p.regMu.Unlock()

	pruned := p.sessions.sweep(p.mirror.has)
	p.logger.Info("mirror loaded from registry",
		log.Int("backends", len(backends)),
		log.Int("pruned_sessions", pruned))
	return len(backends), nil
}

// Register adds a backend to the mirror and persists its record. The mirror
// is updated first so the rollback path is a pure in-memory restore; if the
// registry write fails the previous mirror state comes back exactly.
func (p *Proxy) Register(ctx context.Context, b Backend) error {
	p.regMu.Lock()
	defer p.regMu.Unlock()

	prev, had := p.mirror.get(b.Name)
	p.mirror.set(b)
	if err := p.reg.Register(recordFromBackend(b)); err != nil {
		if had {
			p.mirror.set(prev)
		} else {
			p.mirror.remove(b.Name)
		}
		return err
	}

	p.logRegistration("backend registered", b.Name, b)
	p.record(ctx, events.Event{
		Type:      events.TypeProxyRegistered,
		Service:   b.Name,
		Transport: string(b.Transport),
		Port:      b.Port,
		PID:       b.PID,
	})
	return nil
}

// Unregister removes a backend by name from the mirror and the registry,
// then drops its sessions. It reports whether anything was removed.
func (p *Proxy) Unregister(ctx context.Context, name string) (bool, error) {
	p.regMu.Lock()
	defer p.regMu.Unlock()

	prev, had := p.mirror.remove(name)
	removed, err := p.reg.UnregisterName(name)
	if err != nil {
		if had {
			p.mirror.set(prev)
		}
		return false, err
	}
	if !had && len(removed) == 0 {
		return false, nil
	}

	dropped := p.sessions.dropBackend(name)
	p.logger.Info("backend unregistered",
		log.String(log.ServiceKey, name),
		log.Int("records", len(removed)),
		log.Int("dropped_sessions", dropped))
	p.record(ctx, events.Event{
		Type:    events.TypeProxyUnregistered,
		Service: name,
		Message: "unregistered via admin API",
	})
	return true, nil
}

// Handler returns the proxy's full HTTP handler: routing plus the
// middleware chain. Applied innermost to outermost: request logging,
// correlation, span creation, trace-context extraction.
func (p *Proxy) Handler() http.Handler {
	var handler http.Handler = p.routes()
	handler = p.withRequestLogging(handler)
	handler = tracing.CorrelationMiddleware(handler)
	handler = tracing.TracingMiddleware(handler)
	handler = tracing.HTTPMiddleware(handler)
	return handler
}

// Start binds the listener and serves until ctx is cancelled or the server
// fails. Cancellation returns nil; callers run Shutdown afterwards for the
// graceful drain. Write and idle timeouts stay unset: SSE relays are
// long-lived on purpose, and a server-side write deadline would sever them.
func (p *Proxy) Start(ctx context.Context) error {
	addr := net.JoinHostPort(p.cfg.Proxy.Host, strconv.Itoa(p.cfg.Proxy.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.ln = ln
	p.server = &http.Server{
		Handler:           p.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	server := p.server
	p.mu.Unlock()

	if _, err := p.LoadFromRegistry(ctx); err != nil {
		p.logger.Warn("initial registry load failed", log.Error(err))
	}

	go p.sessions.runSweeper(ctx, p.sweepInterval(), p.mirror, p.logger)
	go p.runLimiterCleanup(ctx)

	p.logger.Info("proxy listening", log.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown drains in-flight requests within the configured timeout.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	server := p.server
	p.mu.Unlock()
	if server == nil {
		return nil
	}

	shutCtx, cancel := context.WithTimeout(ctx, p.shutdownTimeout())
	defer cancel()
	if err := server.Shutdown(shutCtx); err != nil {
		return err
	}
	p.logger.Info("proxy stopped")
	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (p *Proxy) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ln == nil {
		return ""
	}
	return p.ln.Addr().String()
}

// runLimiterCleanup periodically drops idle rate-limit buckets.
func (p *Proxy) runLimiterCleanup(ctx context.Context) {
	ticker := time.NewTicker(limiterMaxAge / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.regLimiter.cleanup(limiterMaxAge)
		}
	}
}

func (p *Proxy) connectTimeout() time.Duration {
	if p.cfg.Proxy.ConnectTimeout > 0 {
		return p.cfg.Proxy.ConnectTimeout
	}
	return defaultConnectTimeout
}

func (p *Proxy) shutdownTimeout() time.Duration {
	if p.cfg.Proxy.ShutdownTimeout > 0 {
		return p.cfg.Proxy.ShutdownTimeout
	}
	return defaultShutdownTimeout
}

func (p *Proxy) sweepInterval() time.Duration {
	if p.cfg.Proxy.SessionSweepInterval > 0 {
		return p.cfg.Proxy.SessionSweepInterval
	}
	return defaultSweepInterval
}

func (p *Proxy) record(ctx context.Context, ev events.Event) {
	if err := p.recorder.Record(ctx, ev); err != nil {
		p.logger.Debug("event record failed",
			log.String(log.EventKey, string(ev.Type)),
			log.Error(err))
	}
}
