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

// Package secretscmd implements the secrets commands for credentials
// referenced from service environments as secret://name.
package secretscmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tombee/toolmesh/internal/commands/shared"
	"github.com/tombee/toolmesh/internal/secrets"
)

var (
	secretBackend string
	secretUnmask  bool
	secretForce   bool
)

// NewCommand creates the secrets command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage secrets for service environments",
		Long: `Manage secrets referenced from service environments.

A service env value of the form secret://name is resolved at spawn
time through a tiered backend chain:
  1. Environment variables (TOOLMESH_SECRET_<NAME>, read-only)
  2. System keyring (macOS Keychain, Linux Secret Service)
  3. Encrypted file (fallback for headless servers)

Commands:
  set       Store a secret securely
  get       Retrieve a secret value
  list      List all secret keys
  delete    Remove a secret

Examples:
  toolmesh secrets set github-token
  toolmesh secrets get github-token --unmask
  toolmesh secrets list --json`,
	}

	cmd.AddCommand(newSetCommand())
	cmd.AddCommand(newGetCommand())
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newDeleteCommand())

	return cmd
}

func newSetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Store a secret securely",
		Long: `Store a secret in the highest-priority writable backend.

The value comes from an interactive hidden prompt, or from stdin when
piped:
  echo "ghp_..." | toolmesh secrets set github-token

Examples:
  toolmesh secrets set github-token
  toolmesh secrets set notes-api-key --backend file`,
		Args: cobra.ExactArgs(1),
		RunE: runSet,
	}

	cmd.Flags().StringVar(&secretBackend, "backend", "", "Target backend (env, keyring, file)")

	return cmd
}

func newGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Retrieve a secret value",
		Long: `Retrieve a secret from the first backend that has it. The value is
masked unless --unmask is passed.`,
		Args: cobra.ExactArgs(1),
		RunE: runGet,
	}

	cmd.Flags().BoolVar(&secretUnmask, "unmask", false, "Show the full value")

	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all secret keys",
		Long:  `List secret keys across all backends. Values are never shown.`,
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
}

func newDeleteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Remove a secret",
		Args:  cobra.ExactArgs(1),
		RunE:  runDelete,
	}

	cmd.Flags().StringVar(&secretBackend, "backend", "", "Target backend (keyring, file)")
	cmd.Flags().BoolVar(&secretForce, "force", false, "Skip confirmation prompt")

	return cmd
}

func newResolver() *secrets.Resolver {
	fileBackend, _ := secrets.NewFileBackend("", "")
	return secrets.NewResolver(
		secrets.NewEnvBackend(),
		secrets.NewKeyringBackend(),
		fileBackend,
	)
}

func runSet(cmd *cobra.Command, args []string) error {
	name := args[0]
	if strings.ContainsAny(name, " \\") {
		return errors.New("secret names cannot contain spaces or backslashes")
	}

	value, err := readSecretValue()
	if err != nil {
		return fmt.Errorf("failed to read secret value: %w", err)
	}
	if value == "" {
		return errors.New("secret value cannot be empty")
	}

	resolver := newResolver()
	if err := resolver.Set(cmd.Context(), name, value, secretBackend); err != nil {
		if errors.Is(err, secrets.ErrBackendUnavailable) {
			return fmt.Errorf("%w\n\nTry --backend file, or export TOOLMESH_SECRET_%s=<value>",
				err, strings.ToUpper(strings.ReplaceAll(name, "-", "_")))
		}
		return fmt.Errorf("failed to set secret: %w", err)
	}

	fmt.Println(shared.RenderOK(fmt.Sprintf("secret %q stored (reference it as secret://%s)", name, name)))
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	name := args[0]
	resolver := newResolver()

	value, err := resolver.Get(cmd.Context(), name)
	if err != nil {
		if errors.Is(err, secrets.ErrNotFound) {
			return fmt.Errorf("secret %q not found\n\nSet it with: toolmesh secrets set %s", name, name)
		}
		return fmt.Errorf("failed to get secret: %w", err)
	}

	if secretUnmask {
		fmt.Println(value)
		return nil
	}
	fmt.Printf("%s %s\n", maskSecret(value), shared.Muted.Render("(use --unmask to show the full value)"))
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	resolver := newResolver()
	metadata, err := resolver.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list secrets: %w", err)
	}

	if shared.GetJSON() {
		type response struct {
			shared.JSONResponse
			Secrets []secrets.Metadata `json:"secrets"`
		}
		return shared.EmitJSON(response{
			JSONResponse: shared.JSONResponse{Version: "1.0", Command: "secrets list", Success: true},
			Secrets:      metadata,
		})
	}

	if len(metadata) == 0 {
		fmt.Println("No secrets stored")
		return nil
	}
	fmt.Printf("%-40s %s\n", "NAME", "BACKEND")
	for _, meta := range metadata {
		fmt.Printf("%-40s %s\n", meta.Key, meta.Backend)
	}
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	name := args[0]

	if !secretForce {
		fmt.Printf("Delete secret %q? [y/N]: ", name)
		var response string
		fmt.Scanln(&response)
		response = strings.ToLower(strings.TrimSpace(response))
		if response != "y" && response != "yes" {
			fmt.Println("Deletion canceled")
			return nil
		}
	}

	resolver := newResolver()
	if err := resolver.Delete(cmd.Context(), name, secretBackend); err != nil {
		if errors.Is(err, secrets.ErrNotFound) {
			return fmt.Errorf("secret %q not found", name)
		}
		if errors.Is(err, secrets.ErrReadOnly) {
			return errors.New("cannot delete from the read-only env backend")
		}
		return fmt.Errorf("failed to delete secret: %w", err)
	}

	fmt.Println(shared.RenderOK(fmt.Sprintf("secret %q deleted", name)))
	return nil
}

// readSecretValue reads from stdin when piped, otherwise prompts with
// hidden input.
func readSecretValue() (string, error) {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return "", err
	}

	if (stat.Mode() & os.ModeCharDevice) == 0 {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	}

	fmt.Print("Enter secret value (hidden): ")
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// maskSecret shows just enough of a value to recognize it.
func maskSecret(value string) string {
	if len(value) <= 8 {
		return "****"
	}
	return value[:4] + "..." + value[len(value)-4:]
}
