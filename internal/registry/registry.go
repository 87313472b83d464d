// Package registry enumerates the tools a coworker plan may invoke.
package registry

import (
	"fmt"
	"sort"
)

// Category groups tools by the kind of access they need.
type Category string

const (
	CategoryRead    Category = "read"
	CategoryWrite   Category = "write"
	CategoryNetwork Category = "network"
)

// ToolSpec describes one callable tool.
type ToolSpec struct {
	Name             string
	Category         Category
	RequiresApproval bool
}

// Registry is a fixed, allowlisted set of tools.
type Registry struct {
	tools map[string]ToolSpec
}

// New builds a registry from the given tool specs.
func New(tools []ToolSpec) *Registry {
	r := &Registry{tools: make(map[string]ToolSpec, len(tools))}
	for _, t := range tools {
		r.tools[t.Name] = t
	}
	return r
}

// Get looks up a tool by name, returning ok=false if it is not allowlisted.
func (r *Registry) Get(name string) (ToolSpec, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Require looks up a tool by name or returns an error.
func (r *Registry) Require(name string) (ToolSpec, error) {
	t, ok := r.tools[name]
	if !ok {
		return ToolSpec{}, fmt.Errorf("registry: unknown tool: %s", name)
	}
	return t, nil
}

// Names returns every registered tool name, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultTools is the fixed allowlist of coworker tool calls.
var DefaultTools = []ToolSpec{
	{Name: "fs.read_text", Category: CategoryRead, RequiresApproval: false},
	{Name: "fs.list_dir", Category: CategoryRead, RequiresApproval: false},
	{Name: "fs.propose_write_file", Category: CategoryWrite, RequiresApproval: false},
	{Name: "fs.apply_write_file", Category: CategoryWrite, RequiresApproval: true},
	{Name: "fs.move", Category: CategoryWrite, RequiresApproval: true},
	{Name: "fs.rename", Category: CategoryWrite, RequiresApproval: true},
	{Name: "doc.extract_pdf_text", Category: CategoryRead, RequiresApproval: false},
	{Name: "web.fetch", Category: CategoryNetwork, RequiresApproval: true},
}

// Default is the registry every coworker binary wires in by default.
var Default = New(DefaultTools)
