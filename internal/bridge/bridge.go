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

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tombee/toolmesh/internal/config"
	"github.com/tombee/toolmesh/internal/events"
	"github.com/tombee/toolmesh/internal/log"
)

// protocolVersion is the MCP revision the bridge negotiates with the
// wrapped process.
const protocolVersion = "2025-03-26"

// Defaults for unset Config fields.
const (
	defaultCallTimeout    = 30 * time.Second
	defaultHandshakeGrace = 10 * time.Second
	defaultStopGrace      = 3 * time.Second
)

// ErrToolUnknown is returned when a call names a tool the wrapped process
// never advertised.
var ErrToolUnknown = errors.New("bridge: unknown tool")

// ErrInvalidArgs is returned when a call fails structural validation
// against the schema captured at discovery.
var ErrInvalidArgs = errors.New("bridge: invalid arguments")

// Config configures a bridge instance.
type Config struct {
	// Name is the service name registered with the proxy. Empty derives a
	// URL-safe name from the command.
	Name string

	// Command and Args launch the wrapped stdio MCP server.
	Command string
	Args    []string

	// Env is extra environment for the wrapped process.
	Env map[string]string

	// Transport is how the bridge republishes the wrapped tools: sse or
	// http (streamable HTTP). Default: sse.
	Transport config.Transport

	// Host and Port are the republish listen address. Port 0 makes the
	// caller's port allocator decide before Start.
	Host string
	Port int

	// ProxyURL is the proxy's base URL for self-registration. Empty skips
	// registration (standalone mode, used by tests).
	ProxyURL string

	// CallTimeout bounds one forwarded tool call. Default: 30s.
	CallTimeout time.Duration

	// StderrPath captures the wrapped process's stderr. Empty discards it.
	StderrPath string
}

// Bridge wraps one external stdio MCP server and republishes it as a
// network backend.
type Bridge struct {
	cfg      Config
	name     string
	logger   *slog.Logger
	recorder events.Recorder

	mu    sync.Mutex
	proc  *wrappedProcess
	tools []ToolDef
	res   []ResourceDef

	srv *publishServer
	reg *proxyClient
}

// New validates the configuration and derives the registered name. The
// wrapped process is not started until Start.
func New(cfg Config, logger *slog.Logger) (*Bridge, error) {
	if cfg.Command == "" {
		return nil, errors.New("bridge: command is required")
	}
	if cfg.Transport == "" {
		cfg.Transport = config.TransportSSE
	}
	if !cfg.Transport.Network() {
		return nil, fmt.Errorf("bridge: transport must be http or sse, got %q", cfg.Transport)
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = defaultCallTimeout
	}

	name := cfg.Name
	if name == "" {
		name = deriveName(cfg.Command)
	}
	if !config.ServiceNameRegex.MatchString(name) {
		return nil, fmt.Errorf("bridge: derived name %q is not a valid service name", name)
	}

	if logger == nil {
		logger = slog.Default()
	}

	b := &Bridge{
		cfg:      cfg,
		name:     name,
		logger:   log.WithService(logger, name, string(cfg.Transport)),
		recorder: events.Nop{},
	}
	if cfg.ProxyURL != "" {
		b.reg = newProxyClient(cfg.ProxyURL)
	}
	return b, nil
}

// WithRecorder sets the lifecycle event recorder.
func (b *Bridge) WithRecorder(r events.Recorder) *Bridge {
	if r != nil {
		b.recorder = r
	}
	return b
}

// Name returns the name the bridge registers under.
func (b *Bridge) Name() string { return b.name }

// Tools returns the discovered tool catalog.
func (b *Bridge) Tools() []ToolDef {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ToolDef, len(b.tools))
	copy(out, b.tools)
	return out
}

// Start spawns the wrapped process, runs the discovery handshake, brings
// up the republish endpoint and registers it with the proxy.
func (b *Bridge) Start(ctx context.Context) error {
	if b.cfg.Port == 0 {
		return errors.New("bridge: port must be allocated before Start")
	}

	if err := b.spawnAndDiscover(ctx); err != nil {
		return err
	}

	srv, err := newPublishServer(b)
	if err != nil {
		b.stopProcess()
		return err
	}
	b.srv = srv
	if err := srv.start(ctx); err != nil {
		b.stopProcess()
		return fmt.Errorf("bridge: start %s endpoint: %w", b.cfg.Transport, err)
	}

	if b.reg != nil {
		if err := b.register(ctx); err != nil {
			srv.shutdown(ctx)
			b.stopProcess()
			return err
		}
	}

	b.logger.Info("bridge started",
		log.Int("port", b.cfg.Port),
		log.Int("pid", b.pid()),
		log.Int("tools", len(b.Tools())))
	b.record(ctx, events.TypeBridgeStarted, "bridge started")
	return nil
}

// Shutdown unregisters from the proxy, stops the republish endpoint and
// tears down the wrapped process. Partial failures are logged but do not
// stop the remaining teardown.
func (b *Bridge) Shutdown(ctx context.Context) error {
	var firstErr error

	if b.reg != nil {
		if err := b.reg.Unregister(ctx, b.name); err != nil {
			b.logger.Warn("unregister failed", log.Error(err))
			firstErr = err
		}
	}
	if b.srv != nil {
		if err := b.srv.shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.stopProcess()

	b.logger.Info("bridge stopped")
	b.record(ctx, events.TypeBridgeStopped, "bridge stopped")
	return firstErr
}

// Run starts the bridge and blocks until ctx is cancelled, then shuts
// down. The shutdown context is fresh so cancellation does not abort its
// own cleanup.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return b.Shutdown(stopCtx)
}

// IsAlive reports composite liveness: the wrapped OS process is running
// and both of its stdio loops are still up.
func (b *Bridge) IsAlive() bool {
	b.mu.Lock()
	proc := b.proc
	b.mu.Unlock()
	return proc != nil && proc.alive()
}

// Invoke forwards one tool call to the wrapped process and returns the raw
// MCP result. The call is validated against the schema captured at
// discovery. A transport failure triggers exactly one restart-and-retry of
// the wrapped process; an RPC-level error response comes back as *RPCError
// for the caller to surface as an ordinary tool error.
func (b *Bridge) Invoke(ctx context.Context, tool string, args map[string]any) (json.RawMessage, error) {
	def, ok := b.lookupTool(tool)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolUnknown, tool)
	}
	if err := def.schema.validate(args); err != nil {
		return nil, fmt.Errorf("%w for %s: %v", ErrInvalidArgs, tool, err)
	}

	result, err := b.callTool(ctx, tool, args)
	if err == nil || !errors.Is(err, ErrTransportClosed) {
		return result, err
	}

	b.logger.Warn("wrapped process transport lost, restarting", log.String("tool", tool))
	if rerr := b.restart(ctx); rerr != nil {
		return nil, fmt.Errorf("bridge: restart after transport failure: %w", rerr)
	}
	b.record(ctx, events.TypeBridgeRestarted, "wrapped process restarted after transport failure")
	return b.callTool(ctx, tool, args)
}

func (b *Bridge) callTool(ctx context.Context, tool string, args map[string]any) (json.RawMessage, error) {
	b.mu.Lock()
	proc := b.proc
	b.mu.Unlock()
	if proc == nil || !proc.alive() {
		return nil, ErrTransportClosed
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	params := map[string]any{"name": tool}
	if args != nil {
		params["arguments"] = args
	}
	return proc.conn.Call(callCtx, "tools/call", params)
}

// restart replaces the wrapped process. Concurrent invocations that hit
// the same dead transport serialize here; whoever arrives second finds a
// live process and skips the respawn.
func (b *Bridge) restart(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.proc != nil && b.proc.alive() {
		return nil
	}
	if b.proc != nil {
		b.proc.stop(defaultStopGrace)
		b.proc = nil
	}
	return b.spawnAndDiscoverLocked(ctx)
}

func (b *Bridge) spawnAndDiscover(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spawnAndDiscoverLocked(ctx)
}

func (b *Bridge) spawnAndDiscoverLocked(ctx context.Context) error {
	proc, err := spawnWrapped(b.cfg.Command, b.cfg.Args, b.cfg.Env, b.cfg.StderrPath, b.logger)
	if err != nil {
		return err
	}

	tools, res, err := b.handshake(ctx, proc.conn)
	if err != nil {
		proc.stop(defaultStopGrace)
		return err
	}

	b.proc = proc
	b.tools = tools
	b.res = res
	return nil
}

// handshake runs the one-time MCP discovery sequence: initialize, the
// initialized notification, tools/list (paginated) and, when the server
// advertises them, resources/list.
func (b *Bridge) handshake(ctx context.Context, conn *stdioConn) ([]ToolDef, []ResourceDef, error) {
	hsCtx, cancel := context.WithTimeout(ctx, defaultHandshakeGrace)
	defer cancel()

	initResult, err := conn.Call(hsCtx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "toolmesh-bridge",
			"version": "1.0",
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("bridge: initialize: %w", err)
	}

	var caps struct {
		Capabilities struct {
			Tools     json.RawMessage `json:"tools"`
			Resources json.RawMessage `json:"resources"`
		} `json:"capabilities"`
		ServerInfo struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(initResult, &caps); err != nil {
		return nil, nil, fmt.Errorf("bridge: parse initialize result: %w", err)
	}

	if err := conn.Notify(hsCtx, "notifications/initialized", nil); err != nil {
		return nil, nil, fmt.Errorf("bridge: initialized notification: %w", err)
	}

	tools, err := b.listTools(hsCtx, conn)
	if err != nil {
		return nil, nil, err
	}

	var resources []ResourceDef
	if len(caps.Capabilities.Resources) > 0 {
		resources, err = b.listResources(hsCtx, conn)
		if err != nil {
			// Resources are informational; a server that advertises the
			// capability but fails the listing still bridges its tools.
			b.logger.Warn("resources/list failed", log.Error(err))
		}
	}

	b.logger.Debug("handshake complete",
		log.String("server", caps.ServerInfo.Name),
		log.Int("tools", len(tools)),
		log.Int("resources", len(resources)))
	return tools, resources, nil
}

// listTools pages through tools/list until the cursor runs out.
func (b *Bridge) listTools(ctx context.Context, conn *stdioConn) ([]ToolDef, error) {
	var tools []ToolDef
	cursor := ""
	for {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		result, err := conn.Call(ctx, "tools/list", params)
		if err != nil {
			return nil, fmt.Errorf("bridge: tools/list: %w", err)
		}

		var page struct {
			Tools      []ToolDef `json:"tools"`
			NextCursor string    `json:"nextCursor"`
		}
		if err := json.Unmarshal(result, &page); err != nil {
			return nil, fmt.Errorf("bridge: parse tools/list result: %w", err)
		}
		for i := range page.Tools {
			page.Tools[i].schema = parseToolSchema(page.Tools[i].InputSchema)
		}
		tools = append(tools, page.Tools...)

		if page.NextCursor == "" {
			return tools, nil
		}
		cursor = page.NextCursor
	}
}

func (b *Bridge) listResources(ctx context.Context, conn *stdioConn) ([]ResourceDef, error) {
	result, err := conn.Call(ctx, "resources/list", nil)
	if err != nil {
		return nil, err
	}
	var page struct {
		Resources []ResourceDef `json:"resources"`
	}
	if err := json.Unmarshal(result, &page); err != nil {
		return nil, err
	}
	return page.Resources, nil
}

func (b *Bridge) lookupTool(name string) (ToolDef, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, def := range b.tools {
		if def.Name == name {
			return def, true
		}
	}
	return ToolDef{}, false
}

func (b *Bridge) register(ctx context.Context) error {
	return b.reg.Register(ctx, registration{
		ServerName: b.name,
		Host:       b.cfg.Host,
		Port:       b.cfg.Port,
		Transport:  string(b.cfg.Transport),
		PID:        os.Getpid(),
	})
}

func (b *Bridge) stopProcess() {
	b.mu.Lock()
	proc := b.proc
	b.proc = nil
	b.mu.Unlock()
	if proc != nil {
		proc.stop(defaultStopGrace)
	}
}

func (b *Bridge) pid() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.proc == nil {
		return 0
	}
	return b.proc.pid()
}

func (b *Bridge) record(ctx context.Context, typ events.Type, msg string) {
	ev := events.Event{
		Type:      typ,
		Service:   b.name,
		Transport: string(b.cfg.Transport),
		Port:      b.cfg.Port,
		PID:       b.pid(),
		Message:   msg,
	}
	if err := b.recorder.Record(ctx, ev); err != nil {
		b.logger.Debug("event record failed", log.Error(err))
	}
}

// deriveName turns a command path into a URL-safe service name: the
// basename without extension, lowercased, with every other rune collapsed
// to a hyphen.
func deriveName(command string) string {
	base := filepath.Base(command)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.ToLower(base)

	var sb strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteRune('-')
		}
	}
	name := strings.Trim(sb.String(), "-")
	if name == "" || (name[0] < 'a' || name[0] > 'z') {
		name = strings.TrimSuffix("bridge-"+name, "-")
	}
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}
