// Package plugins holds the static registry of optional Manim capability
// plugins. The registry is parsed once from the embedded plugins.yaml and is
// read-only afterwards.
package plugins

import (
	_ "embed"
	"fmt"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed plugins.yaml
var registryYAML []byte

// Plugin describes one installable capability and how to recognise its use.
type Plugin struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	Install     string   `yaml:"install" json:"install"`
	Module      string   `yaml:"module" json:"module"`
	Import      string   `yaml:"import" json:"import"`
	Symbols     []string `yaml:"symbols" json:"symbols"`

	usage    *regexp.Regexp
	imported *regexp.Regexp
}

// Registry is an id-keyed lookup table of plugins in declaration order.
type Registry struct {
	byID    map[string]*Plugin
	ordered []*Plugin
}

type registryFile struct {
	Plugins []*Plugin `yaml:"plugins"`
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the registry built from the embedded plugins.yaml.
func Default() *Registry {
	defaultOnce.Do(func() {
		r, err := Parse(registryYAML)
		if err != nil {
			panic(fmt.Sprintf("plugins: embedded registry: %v", err))
		}
		defaultRegistry = r
	})
	return defaultRegistry
}

// Parse builds a registry from YAML.
func Parse(data []byte) (*Registry, error) {
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode registry: %w", err)
	}
	r := &Registry{byID: make(map[string]*Plugin, len(f.Plugins))}
	for _, p := range f.Plugins {
		if p.ID == "" || p.Module == "" || p.Import == "" {
			return nil, fmt.Errorf("plugin %q: id, module and import are required", p.ID)
		}
		if _, dup := r.byID[p.ID]; dup {
			return nil, fmt.Errorf("plugin %q: duplicate id", p.ID)
		}
		if len(p.Symbols) > 0 {
			p.usage = regexp.MustCompile(`\b(` + joinQuoted(p.Symbols) + `)\s*\(`)
		}
		p.imported = regexp.MustCompile(`(?m)^\s*(from|import)\s+` + regexp.QuoteMeta(p.Module) + `\b`)
		r.byID[p.ID] = p
		r.ordered = append(r.ordered, p)
	}
	return r, nil
}

func joinQuoted(symbols []string) string {
	out := ""
	for i, s := range symbols {
		if i > 0 {
			out += "|"
		}
		out += regexp.QuoteMeta(s)
	}
	return out
}

// Lookup returns the plugin registered under id.
func (r *Registry) Lookup(id string) (Plugin, bool) {
	p, ok := r.byID[id]
	if !ok {
		return Plugin{}, false
	}
	return *p, true
}

// All returns every plugin in declaration order.
func (r *Registry) All() []Plugin {
	out := make([]Plugin, 0, len(r.ordered))
	for _, p := range r.ordered {
		out = append(out, *p)
	}
	return out
}

// Select returns the plugins for ids, skipping unknown ones.
func (r *Registry) Select(ids []string) []Plugin {
	var out []Plugin
	for _, id := range ids {
		if p, ok := r.Lookup(id); ok {
			out = append(out, p)
		}
	}
	return out
}

// Detect returns the plugins whose symbols are called in script.
func (r *Registry) Detect(script string) []Plugin {
	var out []Plugin
	for _, p := range r.ordered {
		if p.Uses(script) {
			out = append(out, *p)
		}
	}
	return out
}

// Uses reports whether script calls one of the plugin's symbols.
func (p Plugin) Uses(script string) bool {
	return p.usage != nil && p.usage.MatchString(script)
}

// Imported reports whether script imports the plugin module.
func (p Plugin) Imported(script string) bool {
	return p.imported != nil && p.imported.MatchString(script)
}

// InstallCommands returns the install commands for plugins, without duplicates.
func InstallCommands(ps []Plugin) []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range ps {
		if p.Install == "" || seen[p.Install] {
			continue
		}
		seen[p.Install] = true
		out = append(out, p.Install)
	}
	return out
}
