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
	"net"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tombee/toolmesh/internal/config"
	"github.com/tombee/toolmesh/internal/lifecycle"
	"github.com/tombee/toolmesh/internal/log"
)

// publishServer is the network face of the bridge: an MCP server carrying
// the wrapped process's tool catalog verbatim, served over SSE or
// streamable HTTP.
type publishServer struct {
	bridge *Bridge
	addr   string

	sse        *server.SSEServer
	streamable *server.StreamableHTTPServer

	errCh chan error
}

// newPublishServer synthesizes the MCP server from the discovered catalog.
// Every tool keeps its name, description and raw input schema; the handler
// is a forward into Bridge.Invoke.
func newPublishServer(b *Bridge) (*publishServer, error) {
	mcpServer := server.NewMCPServer(
		b.name,
		"1.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	for _, def := range b.Tools() {
		schema := def.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		tool := mcp.NewToolWithRawSchema(def.Name, def.Description, schema)
		mcpServer.AddTool(tool, b.handleToolCall)
	}

	p := &publishServer{
		bridge: b,
		addr:   net.JoinHostPort(b.cfg.Host, strconv.Itoa(b.cfg.Port)),
		errCh:  make(chan error, 1),
	}

	switch b.cfg.Transport {
	case config.TransportSSE:
		p.sse = server.NewSSEServer(mcpServer,
			server.WithSSEEndpoint("/sse"),
			server.WithMessageEndpoint("/messages"),
		)
	case config.TransportHTTP:
		p.streamable = server.NewStreamableHTTPServer(mcpServer,
			server.WithEndpointPath("/mcp"),
		)
	default:
		return nil, fmt.Errorf("bridge: unsupported publish transport %q", b.cfg.Transport)
	}
	return p, nil
}

// start brings the listener up and confirms it accepts connections before
// returning, so registration never advertises a dead port.
func (p *publishServer) start(ctx context.Context) error {
	go func() {
		var err error
		if p.sse != nil {
			err = p.sse.Start(p.addr)
		} else {
			err = p.streamable.Start(p.addr)
		}
		if err != nil {
			p.errCh <- err
		}
	}()

	if err := lifecycle.WaitForListener(p.bridge.cfg.Host, p.bridge.cfg.Port, 5*time.Second); err != nil {
		select {
		case serveErr := <-p.errCh:
			return serveErr
		default:
		}
		return err
	}
	return nil
}

func (p *publishServer) shutdown(ctx context.Context) error {
	var err error
	if p.sse != nil {
		err = p.sse.Shutdown(ctx)
	} else {
		err = p.streamable.Shutdown(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("bridge: shutdown endpoint: %w", err)
	}
	return nil
}

// handleToolCall forwards one republished tool invocation to the wrapped
// process. RPC-level failures become ordinary tool errors on the MCP
// surface; only transport-level failures (already past the bridge's
// one-shot restart) surface as handler errors.
func (b *Bridge) handleToolCall(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := request.Params.Name
	args := request.GetArguments()

	raw, err := b.Invoke(ctx, name, args)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return mcp.NewToolResultError(rpcErr.Message), nil
		}
		if errors.Is(err, ErrToolUnknown) || errors.Is(err, ErrInvalidArgs) {
			return mcp.NewToolResultError(err.Error()), nil
		}
		b.logger.Error("tool call failed", log.String("tool", name), log.Error(err))
		return nil, err
	}

	result, err := mcp.ParseCallToolResult(&raw)
	if err != nil {
		return nil, fmt.Errorf("bridge: parse result for %s: %w", name, err)
	}
	return result, nil
}
