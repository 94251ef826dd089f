// Package render turns plans and run results into text for people and files.
package render

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sourceplane/liteflow/internal/model"
)

// Renderer serializes plans
type Renderer struct{}

// NewRenderer creates a new renderer
func NewRenderer() *Renderer {
	return &Renderer{}
}

// RenderJSON renders plan as JSON
func (r *Renderer) RenderJSON(plan *model.Plan) ([]byte, error) {
	return json.MarshalIndent(plan, "", "  ")
}

// RenderYAML renders plan as YAML
func (r *Renderer) RenderYAML(plan *model.Plan) ([]byte, error) {
	return yaml.Marshal(plan)
}

// Render renders plan in the named format, json or yaml
func (r *Renderer) Render(plan *model.Plan, format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "", "json":
		return r.RenderJSON(plan)
	case "yaml", "yml":
		return r.RenderYAML(plan)
	}
	return nil, fmt.Errorf("unknown output format %q", format)
}

// WritePlan writes plan to file (JSON or YAML based on extension)
func (r *Renderer) WritePlan(plan *model.Plan, path string) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	format := "json"
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		format = "yaml"
	}
	data, err := r.Render(plan, format)
	if err != nil {
		return fmt.Errorf("failed to render plan: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write plan to %s: %w", path, err)
	}
	return nil
}

// DebugDump outputs debug information about the plan
func (r *Renderer) DebugDump(plan *model.Plan) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Plan: %s (%s)\n", plan.FlowID, plan.Title)
	fmt.Fprintf(&sb, "Nodes: %d\n\n", len(plan.Nodes))

	for _, n := range plan.Nodes {
		fmt.Fprintf(&sb, "Node: %s\n", n.ID)
		fmt.Fprintf(&sb, "  Template: %s\n", n.Template)
		if len(n.Matrix) > 0 {
			fmt.Fprintf(&sb, "  Matrix: %v\n", n.Matrix)
		}
		fmt.Fprintf(&sb, "  Needs: %v\n", n.Needs)
		fmt.Fprintf(&sb, "  Cache: %s\n", n.Cache)
		fmt.Fprintf(&sb, "  Hash: %s\n", n.DefinitionHash)
		sb.WriteString("\n")
	}
	return sb.String()
}
