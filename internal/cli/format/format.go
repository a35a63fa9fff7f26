// Package format provides CLI output formatting with TTY detection.
package format

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/alecthomas/chroma/v2/quick"
)

// maxJSONSize bounds what the pretty-printer will process.
const maxJSONSize = 10 * 1024 * 1024

// ansiEscapeRegex matches ANSI escape sequences for sanitization.
var ansiEscapeRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// sanitizeANSI removes ANSI escape sequences from a string.
func sanitizeANSI(s string) string {
	return ansiEscapeRegex.ReplaceAllString(s, "")
}

// FormatJSON pretty-prints and, on a TTY, syntax-highlights a JSON
// document. Non-TTY output is plain indented JSON safe for piping.
func FormatJSON(content string, isTTY bool) (string, error) {
	if len(content) > maxJSONSize {
		return "", fmt.Errorf("json output exceeds %d bytes", maxJSONSize)
	}

	var doc any
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return "", fmt.Errorf("invalid JSON: %w", err)
	}
	pretty, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}

	if !isTTY {
		return string(pretty), nil
	}

	var buf bytes.Buffer
	if err := quick.Highlight(&buf, sanitizeANSI(string(pretty)), "json", "terminal256", "monokai"); err != nil {
		// Highlighting is cosmetic; fall back to plain output.
		return string(pretty), nil
	}
	return buf.String(), nil
}
