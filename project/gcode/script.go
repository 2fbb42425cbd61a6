package gcode

import (
	"fmt"
	"strings"

	"github.com/flosch/pongo2/v5"
)

// RenderScript expands a pongo2 template into acknowledged commands, one
// per non-empty line. Comments after ';' are dropped.
func RenderScript(template string, ctx map[string]interface{}) ([]Command, error) {
	if strings.TrimSpace(template) == "" {
		return nil, nil
	}
	tpl, err := pongo2.FromString(template)
	if err != nil {
		return nil, fmt.Errorf("parse script template: %w", err)
	}
	out, err := tpl.Execute(pongo2.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("render script template: %w", err)
	}

	var cmds []Command
	for _, line := range strings.Split(out, "\n") {
		if i := strings.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		cmds = append(cmds, Raw(line))
	}
	return cmds, nil
}
