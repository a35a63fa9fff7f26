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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tombee/toolmesh/internal/log"
)

// ErrTransportClosed indicates the wrapped process's stdio channel is no
// longer usable: the process exited, a pipe broke, or an I/O loop stopped.
// It is the signal that distinguishes a dead transport from a tool that
// merely returned an error.
var ErrTransportClosed = errors.New("bridge: transport closed")

// RPCError is a JSON-RPC error response from the wrapped process. It is an
// ordinary tool-level failure, never a reason to restart the process.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// rpcRequest is an outbound JSON-RPC 2.0 frame. A nil ID marks a
// notification.
type rpcRequest struct {
	Jsonrpc string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcResponse is an inbound frame. Frames without an ID (server-initiated
// notifications and log noise) are dropped by the read loop.
type rpcResponse struct {
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// stdioConn is a line-delimited JSON-RPC 2.0 client over a pair of pipes.
//
// Two dedicated loops own the pipes: the write loop is the only writer to
// stdin and the read loop is the only reader of stdout, so neither pipe
// needs a lock on the hot path. The pending table maps request IDs to the
// goroutine waiting for that response.
type stdioConn struct {
	stdin  io.WriteCloser
	writes chan []byte
	logger *slog.Logger

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan rpcResponse

	// writerDone and readerDone close when their loop exits; closed closes
	// on Close. Any of the three means the transport is dead.
	writerDone chan struct{}
	readerDone chan struct{}
	closed     chan struct{}
	closeOnce  sync.Once
}

// newStdioConn starts the I/O loops over the given pipes. The conn owns
// stdin and closes it when the conn closes; stdout is drained until EOF.
func newStdioConn(stdin io.WriteCloser, stdout io.Reader, logger *slog.Logger) *stdioConn {
	if logger == nil {
		logger = slog.Default()
	}
	c := &stdioConn{
		stdin:      stdin,
		writes:     make(chan []byte, 16),
		logger:     logger,
		pending:    make(map[int64]chan rpcResponse),
		writerDone: make(chan struct{}),
		readerDone: make(chan struct{}),
		closed:     make(chan struct{}),
	}
	go c.writeLoop()
	go c.readLoop(stdout)
	return c
}

// Alive reports whether both I/O loops are still running. A process whose
// handle exists but whose pipes have died reports false here.
func (c *stdioConn) Alive() bool {
	select {
	case <-c.writerDone:
		return false
	case <-c.readerDone:
		return false
	case <-c.closed:
		return false
	default:
		return true
	}
}

// Call sends a request and waits for its response. The wait is bounded by
// ctx; callers pass a deadline. Transport death while waiting surfaces as
// ErrTransportClosed, a JSON-RPC error response as *RPCError.
func (c *stdioConn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan rpcResponse, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	frame, err := json.Marshal(rpcRequest{Jsonrpc: "2.0", ID: &id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("bridge: marshal %s: %w", method, err)
	}
	if err := c.enqueue(ctx, frame); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resolve(resp)
	case <-c.readerDone:
		// The response may have been dispatched just before EOF.
		select {
		case resp := <-ch:
			return resolve(resp)
		default:
			return nil, ErrTransportClosed
		}
	case <-c.closed:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func resolve(resp rpcResponse) (json.RawMessage, error) {
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// Notify sends a notification (no response expected).
func (c *stdioConn) Notify(ctx context.Context, method string, params any) error {
	frame, err := json.Marshal(rpcRequest{Jsonrpc: "2.0", Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("bridge: marshal %s: %w", method, err)
	}
	return c.enqueue(ctx, frame)
}

func (c *stdioConn) enqueue(ctx context.Context, frame []byte) error {
	select {
	case c.writes <- frame:
		return nil
	case <-c.writerDone:
		return ErrTransportClosed
	case <-c.closed:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears the conn down. Closing stdin is what tells a well-behaved
// wrapped process to exit; the read loop then drains to EOF.
func (c *stdioConn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.stdin.Close()
	})
}

func (c *stdioConn) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case frame := <-c.writes:
			frame = append(frame, '\n')
			if _, err := c.stdin.Write(frame); err != nil {
				c.logger.Debug("bridge write loop stopped", log.Error(err))
				return
			}
		case <-c.closed:
			return
		}
	}
}

// readLoop drains stdout until EOF or a read error. Waiters are not
// notified individually; every Call also selects on readerDone, whose
// close is the wakeup.
func (c *stdioConn) readLoop(stdout io.Reader) {
	defer close(c.readerDone)

	rd := bufio.NewReader(stdout)
	for {
		line, err := rd.ReadBytes('\n')
		if len(line) > 0 {
			c.dispatch(line)
		}
		if err != nil {
			if err != io.EOF {
				c.logger.Debug("bridge read loop stopped", log.Error(err))
			}
			return
		}
	}
}

// dispatch resolves one inbound line against the pending table. Lines that
// are not JSON-RPC responses (notifications, stray output) are ignored; a
// stdio server that logs to stdout would otherwise kill the session.
func (c *stdioConn) dispatch(line []byte) {
	var resp rpcResponse
	if err := json.Unmarshal(line, &resp); err != nil || resp.ID == nil {
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[*resp.ID]
	c.mu.Unlock()
	if ok {
		ch <- resp
	}
}
