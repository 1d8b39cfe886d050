package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/shinji-kodama/sessionrun/internal/model"
)

// Func is the body of a session.
type Func func(ctx context.Context, s *Session) error

// Definition is a named session. A definition with several Pythons expands
// into one instance per interpreter version.
type Definition struct {
	// Name is the session name used with -s, e.g. "unit".
	Name string

	// Doc is the one-line description shown by --list.
	Doc string

	// Pythons lists the interpreter versions. Empty means a single
	// instance that runs without a specific interpreter.
	Pythons []string

	// Func is the session body.
	Func Func
}

// Instance is a definition bound to one interpreter version.
type Instance struct {
	Definition *Definition
	Python     string
}

// Name returns "<session>-<python>", or the session name when the instance
// has no interpreter version.
func (i Instance) Name() string {
	if i.Python == "" {
		return i.Definition.Name
	}
	return i.Definition.Name + "-" + i.Python
}

// Instances expands the definition into its instances, in Pythons order.
func (d *Definition) Instances() []Instance {
	if len(d.Pythons) == 0 {
		return []Instance{{Definition: d}}
	}
	out := make([]Instance, 0, len(d.Pythons))
	for _, py := range d.Pythons {
		out = append(out, Instance{Definition: d, Python: py})
	}
	return out
}

// Registry holds the session definitions in registration order together
// with the default run order.
type Registry struct {
	defs     []*Definition
	byName   map[string]*Definition
	defaults []string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Definition)}
}

// Register adds a definition. Names must be unique and non-empty.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("session name must not be empty")
	}
	if def.Func == nil {
		return fmt.Errorf("session %q has no body", def.Name)
	}
	if _, exists := r.byName[def.Name]; exists {
		return fmt.Errorf("session %q is already registered", def.Name)
	}
	d := def
	r.defs = append(r.defs, &d)
	r.byName[d.Name] = &d
	return nil
}

// SetDefaults sets the run order used when no session is requested.
// Every name must already be registered.
func (r *Registry) SetDefaults(names []string) error {
	var missing []string
	for _, n := range names {
		if _, ok := r.byName[n]; !ok {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return model.NewCLIError(model.ExitNoSuchSession,
			"Default sessions not found: "+strings.Join(missing, ", "))
	}
	r.defaults = append([]string(nil), names...)
	return nil
}

// Defaults returns the default run order.
func (r *Registry) Defaults() []string {
	return append([]string(nil), r.defaults...)
}

// IsDefault reports whether name is part of the default run order.
func (r *Registry) IsDefault(name string) bool {
	for _, n := range r.defaults {
		if n == name {
			return true
		}
	}
	return false
}

// Lookup finds a definition by session name.
func (r *Registry) Lookup(name string) (*Definition, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// Definitions returns all definitions in registration order.
func (r *Registry) Definitions() []*Definition {
	return append([]*Definition(nil), r.defs...)
}

// Select resolves session names into instances.
//
// A name may be a session ("unit", all of its interpreters) or an instance
// ("unit-3.9"). No names selects the default order, or every session when no
// defaults are set. pythons, when non-empty, keeps only instances bound to
// one of those versions.
//
// Any name that matches nothing yields a CLIError with ExitNoSuchSession;
// an unknown name is never silently ignored.
func (r *Registry) Select(names, pythons []string) ([]Instance, error) {
	if len(names) == 0 {
		names = r.defaults
		if len(names) == 0 {
			for _, d := range r.defs {
				names = append(names, d.Name)
			}
		}
	}

	var (
		selected []Instance
		missing  []string
		seen     = make(map[string]bool)
	)
	for _, name := range names {
		matches := r.match(name)
		if len(matches) == 0 {
			missing = append(missing, name)
			continue
		}
		for _, inst := range matches {
			if seen[inst.Name()] {
				continue
			}
			seen[inst.Name()] = true
			selected = append(selected, inst)
		}
	}
	if len(missing) > 0 {
		return nil, model.NewCLIError(model.ExitNoSuchSession,
			"Sessions not found: "+strings.Join(missing, ", "))
	}

	if len(pythons) > 0 {
		want := make(map[string]bool, len(pythons))
		for _, p := range pythons {
			want[p] = true
		}
		filtered := selected[:0]
		for _, inst := range selected {
			if want[inst.Python] {
				filtered = append(filtered, inst)
			}
		}
		selected = filtered
		if len(selected) == 0 {
			return nil, model.NewCLIError(model.ExitNoSuchSession,
				fmt.Sprintf("No sessions selected for python %s", strings.Join(pythons, ", ")))
		}
	}
	return selected, nil
}

// match returns the instances a single name refers to.
func (r *Registry) match(name string) []Instance {
	if d, ok := r.byName[name]; ok {
		return d.Instances()
	}
	for _, d := range r.defs {
		for _, inst := range d.Instances() {
			if inst.Name() == name {
				return []Instance{inst}
			}
		}
	}
	return nil
}
