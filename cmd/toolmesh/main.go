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

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/tombee/toolmesh/internal/cli"
	"github.com/tombee/toolmesh/internal/commands/bridgecmd"
	configcmd "github.com/tombee/toolmesh/internal/commands/config"
	"github.com/tombee/toolmesh/internal/commands/eventscmd"
	"github.com/tombee/toolmesh/internal/commands/meshcheck"
	"github.com/tombee/toolmesh/internal/commands/proxyctl"
	"github.com/tombee/toolmesh/internal/commands/secretscmd"
	"github.com/tombee/toolmesh/internal/commands/service"
	"github.com/tombee/toolmesh/internal/commands/setup"
	"github.com/tombee/toolmesh/internal/commands/version"
)

// Version information (injected via ldflags at build time)
var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

func main() {
	cli.SetVersion(buildVersion, buildCommit, buildDate)

	rootCmd := cli.NewRootCommand()
	rootCmd.AddCommand(service.NewCommand())
	rootCmd.AddCommand(proxyctl.NewCommand())
	rootCmd.AddCommand(bridgecmd.NewCommand())
	rootCmd.AddCommand(configcmd.NewCommand())
	rootCmd.AddCommand(secretscmd.NewCommand())
	rootCmd.AddCommand(eventscmd.NewCommand())
	rootCmd.AddCommand(meshcheck.NewCommand())
	rootCmd.AddCommand(setup.NewCommand())
	rootCmd.AddCommand(version.NewVersionCommand())

	// Ctrl-C cancels the command context so long-running commands (the
	// bridge in particular) shut down gracefully.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		cli.HandleExitError(err)
	}
}
