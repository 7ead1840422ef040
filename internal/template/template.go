// Package template renders Jinja-style prompt templates via pongo2.
//
// Agent prompts (system/user prompts, compression and memory-extraction
// prompts) are stored as template strings in agent config and rendered
// against a flat variable map at call time. Rendering is pure: the same
// template and variables always produce the same output.
package template

import (
	"fmt"

	"github.com/flosch/pongo2/v6"
)

// Render renders tmpl against vars. An empty template renders to "".
func Render(tmpl string, vars map[string]any) (string, error) {
	if tmpl == "" {
		return "", nil
	}
	t, err := pongo2.FromString(tmpl)
	if err != nil {
		return "", fmt.Errorf("template: parse: %w", err)
	}
	out, err := t.Execute(pongo2.Context(vars))
	if err != nil {
		return "", fmt.Errorf("template: render: %w", err)
	}
	return out, nil
}
