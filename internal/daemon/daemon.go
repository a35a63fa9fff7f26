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

// Package daemon assembles and runs the toolmeshd process: the reverse
// proxy, the supervisor's restart monitor, auto-started services and the
// registry file watcher that keeps the routing table current.
package daemon

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tombee/toolmesh/internal/config"
	"github.com/tombee/toolmesh/internal/events"
	"github.com/tombee/toolmesh/internal/log"
	"github.com/tombee/toolmesh/internal/proxy"
	"github.com/tombee/toolmesh/internal/registry"
	"github.com/tombee/toolmesh/internal/secrets"
	"github.com/tombee/toolmesh/internal/supervisor"
	"github.com/tombee/toolmesh/internal/tracing"
)

// Options carries build metadata into the daemon.
type Options struct {
	Version   string
	Commit    string
	BuildDate string

	// Watch enables the registry file watcher. On by default from main;
	// tests turn it off.
	Watch bool

	// AutoStart starts services marked auto_start at boot.
	AutoStart bool
}

// Daemon owns the long-running mesh components.
type Daemon struct {
	cfg     *config.Config
	opts    Options
	logger  *slog.Logger
	reg     *registry.Registry
	journal *events.Journal
	sup     *supervisor.Supervisor
	proxy   *proxy.Proxy
	watcher *registry.Watcher
	tracer  *tracing.Provider
}

// New assembles the daemon from configuration. Nothing is started yet;
// Start does the work so construction failures stay cheap.
func New(cfg *config.Config, opts Options, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.ResolvePaths(); err != nil {
		return nil, err
	}

	reg := registry.New(cfg.Registry, logger)

	d := &Daemon{
		cfg:    cfg,
		opts:   opts,
		logger: log.WithComponent(logger, "daemon"),
		reg:    reg,
	}

	if path, err := config.EventsPath(); err == nil {
		journal, err := events.Open(events.Config{Path: path})
		if err != nil {
			d.logger.Warn("events journal unavailable", log.Error(err))
		} else {
			d.journal = journal
		}
	}

	d.sup = supervisor.New(cfg, reg, logger).WithSecrets(secretResolver())
	d.proxy = proxy.New(cfg, reg, logger)
	if d.journal != nil {
		d.sup.WithRecorder(d.journal)
		d.proxy.WithRecorder(d.journal)
	}

	return d, nil
}

// Start brings the mesh up and blocks serving proxy traffic until ctx is
// cancelled or the proxy fails.
func (d *Daemon) Start(ctx context.Context) error {
	tracer, err := tracing.Setup(ctx, d.cfg.Proxy.Tracing, "toolmeshd", d.opts.Version, d.logger)
	if err != nil {
		return fmt.Errorf("telemetry setup failed: %w", err)
	}
	d.tracer = tracer

	if d.opts.AutoStart {
		d.startConfigured(ctx)
	}

	if d.opts.Watch {
		watcher, err := registry.NewWatcher(registry.WatcherConfig{
			Path:   d.reg.Path(),
			Logger: d.logger,
			OnChange: func() {
				if _, err := d.proxy.LoadFromRegistry(context.Background()); err != nil {
					d.logger.Warn("registry reload failed", log.Error(err))
				}
			},
		})
		if err != nil {
			d.logger.Warn("registry watcher unavailable", log.Error(err))
		} else {
			d.watcher = watcher
		}
	}

	go d.sup.Monitor(ctx)

	d.logger.Info("toolmeshd starting",
		log.String("version", d.opts.Version),
		log.String("registry", d.reg.Path()))

	return d.proxy.Start(ctx)
}

// startConfigured starts every auto_start service. Individual failures are
// logged, not fatal: one broken tool server must not keep the mesh down.
func (d *Daemon) startConfigured(ctx context.Context) {
	results, err := d.sup.StartAll(ctx)
	if err != nil {
		d.logger.Warn("autostart incomplete", log.Error(err))
	}
	for _, result := range results {
		d.logger.Info("service up",
			log.String(log.ServiceKey, result.Name),
			log.Int("port", result.Port),
			log.Int("pid", result.PID))
	}
}

// Shutdown stops the proxy and releases daemon resources. Supervised
// services keep running; they re-register with the next daemon instance.
func (d *Daemon) Shutdown(ctx context.Context) error {
	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			d.logger.Warn("watcher close failed", log.Error(err))
		}
	}
	err := d.proxy.Shutdown(ctx)
	if d.journal != nil {
		d.journal.Close()
	}
	if d.tracer != nil {
		if terr := d.tracer.Shutdown(ctx); terr != nil {
			d.logger.Warn("telemetry shutdown failed", log.Error(terr))
		}
	}
	return err
}

// secretResolver builds the backend chain for secret:// expansion.
func secretResolver() *secrets.Resolver {
	fileBackend, _ := secrets.NewFileBackend("", "")
	return secrets.NewResolver(
		secrets.NewEnvBackend(),
		secrets.NewKeyringBackend(),
		fileBackend,
	)
}
