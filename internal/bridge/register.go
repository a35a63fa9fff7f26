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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tombee/toolmesh/internal/tracing"
)

// registerAttempts bounds registration retries against a proxy that is
// still coming up or momentarily contended on its registry lock.
const registerAttempts = 3

// registration is the payload for the proxy's POST /proxy/register.
type registration struct {
	ServerName string `json:"server_name"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Transport  string `json:"transport"`
	PID        int    `json:"pid"`
}

// proxyClient talks to the proxy's admin registration surface.
type proxyClient struct {
	baseURL string
	client  *http.Client
}

func newProxyClient(baseURL string) *proxyClient {
	return &proxyClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  tracing.WrapHTTPClient(&http.Client{Timeout: 10 * time.Second}),
	}
}

// Register announces the bridge's endpoint, retrying with linear backoff.
func (c *proxyClient) Register(ctx context.Context, reg registration) error {
	body, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("bridge: marshal registration: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= registerAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastErr = c.post(ctx, "/proxy/register", body)
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("bridge: register with proxy: %w", lastErr)
}

// Unregister removes the bridge's entry. A 404 counts as success: the goal
// is an absent record, and a sweep may have beaten us to it.
func (c *proxyClient) Unregister(ctx context.Context, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/proxy/unregister/"+name, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("bridge: unregister: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("bridge: unregister: %s", readError(resp))
	}
	return nil
}

func (c *proxyClient) post(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s", readError(resp))
	}
	return nil
}

// readError extracts the proxy's error message from a failed response.
func readError(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil {
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
			return payload.Error
		}
	}
	return fmt.Sprintf("status %d", resp.StatusCode)
}
