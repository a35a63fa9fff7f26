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

// Package setup implements the interactive first-run wizard.
package setup

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/tombee/toolmesh/internal/commands/shared"
	"github.com/tombee/toolmesh/internal/config"
)

// NewCommand creates the setup command.
func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive first-run configuration",
		Long: `Walk through creating a config file: proxy listen address, an
optional first service, and where everything is stored.

Re-running setup edits the existing file after confirmation.

Examples:
  toolmesh setup`,
		Args: cobra.NoArgs,
		RunE: runSetup,
	}
}

func runSetup(cmd *cobra.Command, args []string) error {
	path := shared.GetConfigPath()
	if path == "" {
		var err error
		path, err = config.ConfigPath()
		if err != nil {
			return err
		}
	}

	cfg := config.Default()
	if _, err := os.Stat(path); err == nil {
		overwrite := false
		confirm := huh.NewConfirm().
			Title(fmt.Sprintf("Config already exists at %s. Edit it?", path)).
			Value(&overwrite)
		if err := confirm.Run(); err != nil {
			return err
		}
		if !overwrite {
			fmt.Println("Setup canceled")
			return nil
		}
		loaded, err := config.Load(path)
		if err == nil {
			cfg = loaded
		}
	}

	proxyHost := cfg.Proxy.Host
	proxyPort := strconv.Itoa(cfg.Proxy.Port)
	addService := false

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("toolmesh setup").
				Description("Configure the local MCP service mesh."),
			huh.NewInput().
				Title("Proxy listen host").
				Description("Keep 127.0.0.1 unless other machines need access.").
				Value(&proxyHost),
			huh.NewInput().
				Title("Proxy listen port").
				Validate(validatePort).
				Value(&proxyPort),
			huh.NewConfirm().
				Title("Add a first service now?").
				Value(&addService),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg.Proxy.Host = proxyHost
	cfg.Proxy.Port, _ = strconv.Atoi(proxyPort)

	if addService {
		entry, name, err := serviceForm()
		if err != nil {
			return err
		}
		cfg.Services[name] = entry
	}

	if err := cfg.Validate(); err != nil {
		return shared.NewInvalidConfigError("resulting config is invalid", err)
	}
	if err := cfg.Save(path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Println(shared.RenderOK("config written to " + path))
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  toolmeshd                     # start the proxy daemon")
	fmt.Println("  toolmesh service start --all  # start configured services")
	fmt.Println("  toolmesh config clients       # MCP client configuration")
	return nil
}

// serviceForm collects one service entry.
func serviceForm() (config.ServiceEntry, string, error) {
	var (
		name      string
		command   string
		argsLine  string
		transport = string(config.TransportHTTP)
		autoStart = true
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Service name").
				Description("Letters, digits, dash and underscore.").
				Validate(validateName).
				Value(&name),
			huh.NewInput().
				Title("Command").
				Description("Executable that runs the MCP server.").
				Validate(notEmpty).
				Value(&command),
			huh.NewInput().
				Title("Arguments").
				Description("Space separated. {port} and {host} are substituted at spawn.").
				Value(&argsLine),
			huh.NewSelect[string]().
				Title("Transport").
				Options(
					huh.NewOption("HTTP (streamable)", string(config.TransportHTTP)),
					huh.NewOption("SSE", string(config.TransportSSE)),
				).
				Value(&transport),
			huh.NewConfirm().
				Title("Start automatically with the daemon?").
				Value(&autoStart),
		),
	)
	if err := form.Run(); err != nil {
		return config.ServiceEntry{}, "", err
	}

	entry := config.ServiceEntry{
		Command:   command,
		Transport: config.Transport(transport),
		AutoStart: autoStart,
	}
	if argsLine != "" {
		entry.Args = strings.Fields(argsLine)
	}
	return entry, name, nil
}

func validatePort(value string) error {
	port, err := strconv.Atoi(value)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("port must be a number between 1 and 65535")
	}
	return nil
}

func validateName(value string) error {
	if !config.ServiceNameRegex.MatchString(value) {
		return fmt.Errorf("invalid service name")
	}
	return nil
}

func notEmpty(value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("required")
	}
	return nil
}
