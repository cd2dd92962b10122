// Package persona defines the preset data-science agents and resolves
// speaker ids to display names.
package persona

import (
	"slices"
	"strings"
	"sync/atomic"
)

// Role is the specialty a persona plays in the team.
type Role string

const (
	RoleLead    Role = "Lead Strategist"
	RoleEDA     Role = "Data Detective"
	RoleFeature Role = "Feature Smith"
	RoleModel   Role = "Model Architect"
	RoleCritic  Role = "Code Optimizer"
)

// Persona is an immutable agent profile. SystemPrompt is sent to the model as
// the system instruction on every call.
type Persona struct {
	ID           string `json:"id" yaml:"id"`
	Name         string `json:"name" yaml:"name"`
	Role         Role   `json:"role" yaml:"role"`
	Description  string `json:"description" yaml:"description"`
	Color        string `json:"color,omitempty" yaml:"color,omitempty"`
	SystemPrompt string `json:"-" yaml:"systemPrompt"`
}

// Registry holds the active persona set. Reads are lock-free; Replace swaps
// the whole set at once.
type Registry struct {
	set atomic.Pointer[[]Persona]
}

// NewRegistry returns a registry holding personas, or the built-ins when
// none are given.
func NewRegistry(personas ...Persona) *Registry {
	if len(personas) == 0 {
		personas = Builtin()
	}
	r := &Registry{}
	r.Replace(personas)
	return r
}

// Replace installs a new persona set. Later duplicates of an id win.
func (r *Registry) Replace(personas []Persona) {
	next := make([]Persona, 0, len(personas))
	for _, p := range personas {
		if i := slices.IndexFunc(next, func(q Persona) bool { return q.ID == p.ID }); i >= 0 {
			next[i] = p
			continue
		}
		next = append(next, p)
	}
	r.set.Store(&next)
}

// List returns the personas in roster order.
func (r *Registry) List() []Persona {
	return slices.Clone(*r.set.Load())
}

// Lookup finds a persona by id.
func (r *Registry) Lookup(id string) (Persona, bool) {
	for _, p := range *r.set.Load() {
		if p.ID == id {
			return p, true
		}
	}
	return Persona{}, false
}

// Find resolves user input to a persona: exact id first, then a
// case-insensitive match on id, name, or role.
func (r *Registry) Find(query string) (Persona, bool) {
	query = strings.TrimSpace(query)
	if p, ok := r.Lookup(query); ok {
		return p, true
	}
	for _, p := range *r.set.Load() {
		if strings.EqualFold(p.ID, query) ||
			strings.EqualFold(p.ID, "agent-"+query) ||
			strings.EqualFold(p.Name, query) ||
			strings.EqualFold(string(p.Role), query) {
			return p, true
		}
	}
	return Persona{}, false
}

// ByRole returns the first persona playing role.
func (r *Registry) ByRole(role Role) (Persona, bool) {
	for _, p := range *r.set.Load() {
		if p.Role == role {
			return p, true
		}
	}
	return Persona{}, false
}

// DisplayName returns the persona's name, or id itself when no persona has
// that id. It never fails.
func (r *Registry) DisplayName(id string) string {
	if p, ok := r.Lookup(id); ok && p.Name != "" {
		return p.Name
	}
	return id
}
