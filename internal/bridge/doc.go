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

// Package bridge wraps a stdio-only MCP server process and republishes it
// as a network backend so it can participate in the mesh.
//
// The wrapped process speaks line-delimited JSON-RPC on its standard
// input/output. The bridge discovers its tool catalog at startup, exposes
// the same tools verbatim on an SSE or streamable-HTTP endpoint, and
// registers that endpoint with the proxy. Tool calls are forwarded through
// a pending-request table; a dead wrapped process triggers a one-shot
// restart-and-retry, while tool-level errors from the process pass through
// to the caller unchanged.
package bridge
