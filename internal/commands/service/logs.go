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

package service

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

// maxLogRead bounds how much of the tail is loaded into memory.
const maxLogRead = 1 << 20

func newLogsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs <name>",
		Short: "Show a service's captured output",
		Long: `Print the tail of a service's log file. Services run with stdout
and stderr redirected to a per-service file under the state directory.

Examples:
  toolmesh service logs github
  toolmesh service logs github --tail 200`,
		Args: cobra.ExactArgs(1),
		RunE: runLogs,
	}

	cmd.Flags().IntVarP(&logLines, "tail", "n", 50, "Number of trailing lines to show")

	return cmd
}

func runLogs(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	name := args[0]
	if _, ok := rt.cfg.Services[name]; !ok {
		return fmt.Errorf("service %q is not configured", name)
	}

	path := filepath.Join(rt.cfg.Supervisor.LogDir, name+".log")
	lines, err := tailFile(path, logLines)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no log file for %q (has it been started?)", name)
		}
		return err
	}

	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}

// tailFile returns the last n lines of the file, reading at most maxLogRead
// bytes from the end.
func tailFile(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	size := info.Size()
	offset := int64(0)
	if size > maxLogRead {
		offset = size - maxLogRead
	}
	if _, err := f.Seek(offset, 0); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return nil, nil
	}
	lines := strings.Split(text, "\n")
	if offset > 0 && len(lines) > 0 {
		// First line is likely truncated by the seek.
		lines = lines[1:]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
