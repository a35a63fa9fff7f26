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
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tombee/toolmesh/internal/httputil"
	"github.com/tombee/toolmesh/internal/log"
	"github.com/tombee/toolmesh/internal/tracing"
)

// authClockSkew tolerates clock drift between token issuer and proxy.
const authClockSkew = 30 * time.Second

// limiterMaxAge is how long an idle client keeps its rate bucket.
const limiterMaxAge = 10 * time.Minute

// statusClientClosed marks a request the client abandoned before any
// response was written. Non-standard; nginx's 499.
const statusClientClosed = 499

// statusRecorder captures the status code for request logs and metrics. It
// must forward Flush so streaming relays keep working through the wrapper.
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.wrote = true
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	sr.wrote = true
	return sr.ResponseWriter.Write(b)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withRequestLogging logs each request on completion with its id, outcome
// and duration. An inbound X-Request-ID is honored so callers can correlate
// across hops; otherwise one is minted.
func (p *Proxy) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		// A handler that wrote nothing because the client went away is
		// not a 200.
		if !rec.wrote && r.Context().Err() != nil {
			rec.status = statusClientClosed
		}

		logger := log.WithRequestID(p.logger, requestID)
		if id := tracing.FromContextOrEmpty(r.Context()); id.IsValid() {
			logger = log.WithCorrelationID(logger, id.String())
		}
		logger.Info("request completed",
			log.String("method", r.Method),
			log.String("path", r.URL.Path),
			log.Int("status", rec.status),
			log.Duration("duration", time.Since(start).Milliseconds()),
		)
	})
}

// requireAuth gates a mutating admin endpoint behind a bearer token when
// auth is enabled. Forwarding routes are never gated; the mesh is
// local-first and backend traffic carries its own credentials end to end.
func (p *Proxy) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !p.cfg.Proxy.Auth.Enabled {
			next(w, r)
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="toolmesh"`)
			httputil.WriteError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if err := p.validateToken(token); err != nil {
			p.logger.Warn("admin auth rejected", log.Error(err))
			w.Header().Set("WWW-Authenticate", `Bearer realm="toolmesh", error="invalid_token"`)
			httputil.WriteError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}
	return auth[len(prefix):], true
}

// validateToken parses and validates an HS256 bearer token against the
// configured secret, issuer and audience.
func (p *Proxy) validateToken(tokenString string) error {
	authCfg := p.cfg.Proxy.Auth
	if authCfg.JWTSecret == "" {
		return fmt.Errorf("auth enabled but no jwt_secret configured")
	}

	parser := jwt.NewParser(jwt.WithLeeway(authClockSkew))
	claims := &jwt.RegisteredClaims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if token.Method.Alg() != "HS256" {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Method.Alg())
		}
		return []byte(authCfg.JWTSecret), nil
	})
	if err != nil {
		return fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("token is invalid")
	}

	if authCfg.Issuer != "" && claims.Issuer != authCfg.Issuer {
		return fmt.Errorf("invalid issuer: expected %s, got %s", authCfg.Issuer, claims.Issuer)
	}
	if authCfg.Audience != "" {
		valid := false
		for _, aud := range claims.Audience {
			if aud == authCfg.Audience {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("invalid audience: expected %s", authCfg.Audience)
		}
	}
	return nil
}

// clientLimiter pairs a token bucket with its last activity for cleanup.
type clientLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// registrationLimiter rate-limits registration per client address so a
// misbehaving tool server cannot monopolize the registry lock.
type registrationLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	rps     rate.Limit
	burst   int
}

func newRegistrationLimiter(rps float64, burst int) *registrationLimiter {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 20
	}
	return &registrationLimiter{
		clients: make(map[string]*clientLimiter),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

// allow consumes a token from the client's bucket, creating it on first
// sight.
func (rl *registrationLimiter) allow(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cl, ok := rl.clients[client]
	if !ok {
		cl = &clientLimiter{lim: rate.NewLimiter(rl.rps, rl.burst)}
		rl.clients[client] = cl
	}
	cl.lastSeen = time.Now()
	return cl.lim.Allow()
}

// cleanup drops buckets idle longer than maxAge so one-time clients do not
// accumulate.
func (rl *registrationLimiter) cleanup(maxAge time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	for client, cl := range rl.clients {
		if cl.lastSeen.Before(cutoff) {
			delete(rl.clients, client)
		}
	}
}

// limitRegistration applies the per-client rate limit to the registration
// endpoint when enabled.
func (p *Proxy) limitRegistration(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !p.cfg.Proxy.RateLimit.Enabled {
			next(w, r)
			return
		}
		client, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			client = r.RemoteAddr
		}
		if !p.regLimiter.allow(client) {
			proxyRateLimited.Inc()
			w.Header().Set("Retry-After", "1")
			httputil.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}
