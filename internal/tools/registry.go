package tools

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/local/convertqueue/internal/converter"
	"gopkg.in/yaml.v3"
)

// Arity says how many uploads a tool consumes.
type Arity int

const (
	Single Arity = iota
	Multi
)

// Params says what the job's extra payload must carry.
type Params int

const (
	NoParams Params = iota
	PageSpec
)

// Shape selects how the dispatcher drives a tool's operations.
type Shape int

const (
	// Simple runs one operation from one input to one output.
	Simple Shape = iota
	// Fallback retries with a second operation when the first fails.
	Fallback
	// Aggregate combines every input, in order, into one output.
	Aggregate
	// FanOutBundle produces many pieces which are zipped into one output.
	FanOutBundle
	// PageSelection keeps the pages not named in the page spec.
	PageSelection
)

func (s Shape) String() string {
	switch s {
	case Simple:
		return "simple"
	case Fallback:
		return "fallback"
	case Aggregate:
		return "aggregate"
	case FanOutBundle:
		return "fan-out"
	case PageSelection:
		return "page-selection"
	}
	return fmt.Sprintf("shape(%d)", int(s))
}

// Tool is one registry entry.
type Tool struct {
	Name      string
	Arity     Arity
	Params    Params
	Shape     Shape
	OutputExt string
	Primary   converter.Op
	// Fallback is optional on every shape except Simple.
	Fallback converter.Op
	Timeout  time.Duration
}

// Registry is the immutable allow-list of tools.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry validates and indexes tools.
func NewRegistry(list ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(list))}
	for _, t := range list {
		if t.Name == "" || t.Primary == nil {
			return nil, fmt.Errorf("tool %q: name and primary operation are required", t.Name)
		}
		if _, dup := r.tools[t.Name]; dup {
			return nil, fmt.Errorf("tool %q registered twice", t.Name)
		}
		if t.Shape == Fallback && t.Fallback == nil {
			return nil, fmt.Errorf("tool %q: fallback shape without fallback operation", t.Name)
		}
		r.tools[t.Name] = t
	}
	return r, nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns every registered tool name, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Overrides is the YAML tool overrides file.
//
//	disabled: [video:mov-to-mp4]
//	timeouts:
//	  pdf:compress-pdf: 10m
type Overrides struct {
	Disabled []string          `yaml:"disabled"`
	Timeouts map[string]string `yaml:"timeouts"`
}

// LoadOverrides reads an overrides file. An empty path yields no overrides.
func LoadOverrides(path string) (Overrides, error) {
	var o Overrides
	if path == "" {
		return o, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return o, fmt.Errorf("read tools file: %w", err)
	}
	if err := yaml.Unmarshal(data, &o); err != nil {
		return o, fmt.Errorf("parse tools file: %w", err)
	}
	return o, nil
}

// Apply returns a registry with tools disabled and timeouts replaced.
// Names not in the registry are an error.
func (r *Registry) Apply(o Overrides) (*Registry, error) {
	out := &Registry{tools: make(map[string]Tool, len(r.tools))}
	for n, t := range r.tools {
		out.tools[n] = t
	}
	for n, raw := range o.Timeouts {
		t, ok := out.tools[n]
		if !ok {
			return nil, fmt.Errorf("tools file: unknown tool %q", n)
		}
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("tools file: invalid timeout %q for %s", raw, n)
		}
		t.Timeout = d
		out.tools[n] = t
	}
	for _, n := range o.Disabled {
		if _, ok := r.tools[n]; !ok {
			return nil, fmt.Errorf("tools file: unknown tool %q", n)
		}
		delete(out.tools, n)
	}
	return out, nil
}
