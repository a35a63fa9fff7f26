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
	"github.com/charmbracelet/lipgloss"
)

// Terminal styles shared by the command tree. Commands render service
// state and proxy health with these so output stays consistent.
var (
	// StatusOK marks healthy services and completed operations.
	StatusOK = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))

	// StatusWarn marks degraded states, e.g. a running but unhealthy service.
	StatusWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	// StatusError marks failures and stopped services.
	StatusError = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	// Muted styles secondary detail such as timestamps and log paths.
	Muted = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// Status symbols.
const (
	SymbolOK    = "✓"
	SymbolWarn  = "⚠"
	SymbolError = "✗"
)

// RenderOK prefixes msg with a green check.
func RenderOK(msg string) string {
	return StatusOK.Render(SymbolOK) + " " + msg
}

// RenderWarn prefixes msg with a warning symbol.
func RenderWarn(msg string) string {
	return StatusWarn.Render(SymbolWarn) + " " + msg
}

// RenderError prefixes msg with a red cross.
func RenderError(msg string) string {
	return StatusError.Render(SymbolError) + " " + msg
}

// RenderStatus renders a bracketed label such as [ok] or [degraded],
// colored by whether the subject is healthy.
func RenderStatus(ok bool, label string) string {
	if ok {
		return StatusOK.Render("[" + label + "]")
	}
	return StatusError.Render("[" + label + "]")
}

// RenderLabel dims a key in key: value output.
func RenderLabel(label string) string {
	return Muted.Render(label)
}
