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
	"encoding/json"
	"fmt"
	"strings"
)

// ToolDef is one tool discovered from the wrapped process. Name,
// Description and InputSchema are carried verbatim: the bridge is a
// structural passthrough, never a reinterpretation of the tool's contract.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`

	// schema is the parsed form, built once at discovery time and used to
	// validate incoming calls before they are forwarded.
	schema *toolSchema
}

// ResourceDef is one resource discovered from the wrapped process.
// Resources are catalogued for diagnostics but not republished; the MCP
// clients this mesh serves invoke tools.
type ResourceDef struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// toolSchema is the subset of JSON Schema the bridge validates against:
// top-level object properties with simple types and a required list.
// Anything deeper is the wrapped tool's own business.
type toolSchema struct {
	properties map[string]string // property name -> declared type ("" = untyped)
	required   []string
}

// parseToolSchema builds the validation form of an input schema. A missing
// or unparseable schema yields a nil result, which validates everything;
// discovery must not fail because a tool ships an exotic schema.
func parseToolSchema(raw json.RawMessage) *toolSchema {
	if len(raw) == 0 {
		return nil
	}
	var decl struct {
		Type       string `json:"type"`
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(raw, &decl); err != nil {
		return nil
	}
	if decl.Type != "" && decl.Type != "object" {
		return nil
	}

	s := &toolSchema{
		properties: make(map[string]string, len(decl.Properties)),
		required:   decl.Required,
	}
	for name, prop := range decl.Properties {
		s.properties[name] = prop.Type
	}
	return s
}

// validate checks args structurally against the schema: required
// properties must be present and declared simple types must match the
// JSON type of the supplied value. Properties the schema does not declare
// pass through untouched.
func (s *toolSchema) validate(args map[string]any) error {
	if s == nil {
		return nil
	}

	var missing []string
	for _, name := range s.required {
		if _, ok := args[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required arguments: %s", strings.Join(missing, ", "))
	}

	for name, value := range args {
		declared, ok := s.properties[name]
		if !ok || declared == "" {
			continue
		}
		if !typeMatches(declared, value) {
			return fmt.Errorf("argument %q must be of type %s", name, declared)
		}
	}
	return nil
}

// typeMatches maps JSON Schema primitive types onto the Go shapes
// encoding/json produces.
func typeMatches(declared string, value any) bool {
	if value == nil {
		// null satisfies any declared type; the wrapped tool decides.
		return true
	}
	switch declared {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		return isJSONNumber(value)
	case "integer":
		switch v := value.(type) {
		case float64:
			return v == float64(int64(v))
		case json.Number:
			_, err := v.Int64()
			return err == nil
		case int, int64:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	}
	return true
}

func isJSONNumber(value any) bool {
	switch value.(type) {
	case float64, json.Number, int, int64:
		return true
	}
	return false
}
