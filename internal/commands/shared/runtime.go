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

package shared

import (
	"io"

	"github.com/tombee/toolmesh/internal/config"
	"github.com/tombee/toolmesh/internal/log"
	"log/slog"
)

// LoadConfig loads the configuration honoring the global --config flag.
func LoadConfig() (*config.Config, error) {
	if path := GetConfigPath(); path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, NewInvalidConfigError("failed to load config", err)
		}
		return cfg, nil
	}
	cfg, err := config.LoadDefault()
	if err != nil {
		return nil, NewInvalidConfigError("failed to load config", err)
	}
	return cfg, nil
}

// NewLogger builds the CLI logger. Quiet discards everything, verbose
// lowers the level to debug, and the text format keeps interleaved
// command output readable.
func NewLogger(cfg *config.Config) *slog.Logger {
	logCfg := log.FromEnv()
	logCfg.Format = log.FormatText
	if cfg != nil && cfg.Log.Level != "" {
		logCfg.Level = cfg.Log.Level
	}
	if GetVerbose() {
		logCfg.Level = "debug"
	}
	if GetQuiet() {
		logCfg.Output = io.Discard
	}
	return log.New(logCfg)
}

// ProxyClientFor builds an admin client for the configured proxy,
// honoring the global --proxy override.
func ProxyClientFor(cfg *config.Config) *ProxyClient {
	url := GetProxyURL()
	if url == "" {
		url = cfg.ProxyURL()
	}
	client := NewProxyClient(url)
	if cfg.Proxy.Auth.Enabled && cfg.Proxy.Auth.JWTSecret != "" {
		// Local admin calls mint a short-lived token from the shared secret.
		if token, err := MintAdminToken(cfg.Proxy.Auth); err == nil {
			client = client.WithToken(token)
		}
	}
	return client
}
