// Package capability maps command actions to the capabilities that execute them.
package capability

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"clawnode/internal/domain"
)

// Builder collects capabilities at startup. It is not safe for concurrent use.
type Builder struct {
	byAction map[string]domain.Capability
	schemas  map[string]*jsonschema.Schema
	order    []domain.Capability
	logger   *slog.Logger
}

// NewBuilder creates an empty builder.
func NewBuilder(logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		byAction: make(map[string]domain.Capability),
		schemas:  make(map[string]*jsonschema.Schema),
		logger:   logger,
	}
}

// Register adds every action of c. If any action is already claimed nothing
// is registered and the error wraps domain.ErrDuplicateRegistration.
// Param schemas that fail to compile are logged and skipped.
func (b *Builder) Register(c domain.Capability) error {
	actions := c.Actions()
	seen := make(map[string]bool, len(actions))
	for _, a := range actions {
		if a == "" {
			return domain.NewDomainError("Builder.Register", domain.ErrInvalidInput,
				fmt.Sprintf("capability %q declares an empty action", c.Name()))
		}
		if prev, ok := b.byAction[a]; ok {
			return domain.NewDomainError("Builder.Register", domain.ErrDuplicateRegistration,
				fmt.Sprintf("%q claimed by %q and %q", a, prev.Name(), c.Name()))
		}
		if seen[a] {
			return domain.NewDomainError("Builder.Register", domain.ErrDuplicateRegistration,
				fmt.Sprintf("%q declared twice by %q", a, c.Name()))
		}
		seen[a] = true
	}

	for _, a := range actions {
		b.byAction[a] = c
	}
	b.order = append(b.order, c)

	if sp, ok := c.(domain.SchemaProvider); ok {
		for action, raw := range sp.ParamSchemas() {
			if !seen[action] {
				b.logger.Warn("schema for undeclared action ignored", "capability", c.Name(), "action", action)
				continue
			}
			compiled, err := compileSchema(action, raw)
			if err != nil {
				b.logger.Warn("param validation disabled for action", "action", action, "error", err)
				continue
			}
			b.schemas[action] = compiled
		}
	}
	return nil
}

// Build freezes the registrations into a Registry.
func (b *Builder) Build() *Registry {
	r := &Registry{
		byAction: make(map[string]domain.Capability, len(b.byAction)),
		schemas:  make(map[string]*jsonschema.Schema, len(b.schemas)),
	}
	for a, c := range b.byAction {
		r.byAction[a] = c
		r.actions = append(r.actions, a)
	}
	for a, s := range b.schemas {
		r.schemas[a] = s
	}
	sort.Strings(r.actions)

	seen := make(map[string]bool)
	for _, c := range b.order {
		if !seen[c.Name()] {
			seen[c.Name()] = true
			r.categories = append(r.categories, c.Name())
		}
	}
	sort.Strings(r.categories)
	return r
}

// Registry is the immutable action table. All methods are safe for
// concurrent use without locking.
type Registry struct {
	byAction   map[string]domain.Capability
	schemas    map[string]*jsonschema.Schema
	actions    []string
	categories []string
}

// Lookup returns the capability handling action.
func (r *Registry) Lookup(action string) (domain.Capability, bool) {
	c, ok := r.byAction[action]
	return c, ok
}

// Actions returns every registered action, sorted. The slice must not be modified.
func (r *Registry) Actions() []string { return r.actions }

// Categories returns the distinct capability names, sorted.
func (r *Registry) Categories() []string { return r.categories }

// Validate checks params against the action's schema, if one was published.
func (r *Registry) Validate(action string, params map[string]any) error {
	s, ok := r.schemas[action]
	if !ok {
		return nil
	}
	var v any = params
	if params == nil {
		v = map[string]any{}
	}
	if err := s.Validate(v); err != nil {
		return domain.NewDomainError("Registry.Validate", domain.ErrInvalidParams, err.Error())
	}
	return nil
}
