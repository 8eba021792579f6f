// Package skills defines the callable actions available to the agent loop
// and the registry that advertises, filters, and dispatches them. It plays
// the same role the teacher's tool registry does, renamed and retargeted
// from Home Assistant device control to memory and scheduling actions.
package skills

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mnemo-ai/mnemo-core/internal/search"
	"github.com/mnemo-ai/mnemo-core/internal/store"
)

// Skill represents one callable action the model can invoke.
type Skill struct {
	Name        string                                                         `json:"name"`
	Description string                                                         `json:"description"`
	Parameters  map[string]any                                                 `json:"parameters"`
	Handler     func(ctx context.Context, args map[string]any) (string, error) `json:"-"`
}

// Registry holds the set of skills currently advertised to the model.
type Registry struct {
	skills  map[string]*Skill
	tempDir *TempFileStore
}

// NewEmptyRegistry creates a registry with no builtins, for tests and
// manual construction.
func NewEmptyRegistry() *Registry {
	return &Registry{skills: make(map[string]*Skill)}
}

// NewRegistry creates a registry with the built-in memory and scheduling
// skills wired against db. searcher is optional; pass nil when no
// embedding index is configured yet.
func NewRegistry(db *store.DB, searcher *search.Hybrid) *Registry {
	r := &Registry{skills: make(map[string]*Skill)}
	RegisterMemorySkills(r, db, searcher)
	RegisterSchedulerSkills(r, db)
	return r
}

// Register adds or replaces a skill.
func (r *Registry) Register(s *Skill) {
	if r.skills == nil {
		r.skills = make(map[string]*Skill)
	}
	r.skills[s.Name] = s
}

// Get retrieves a skill by name.
func (r *Registry) Get(name string) *Skill {
	return r.skills[name]
}

// List returns all skills in the OpenAI-style tool-definition shape
// expected by llm.Client implementations.
func (r *Registry) List() []map[string]any {
	var result []map[string]any
	for _, s := range r.skills {
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        s.Name,
				"description": s.Description,
				"parameters":  s.Parameters,
			},
		})
	}
	return result
}

// AllSkillNames returns the names of every registered skill.
func (r *Registry) AllSkillNames() []string {
	names := make([]string, 0, len(r.skills))
	for name := range r.skills {
		names = append(names, name)
	}
	return names
}

// FilteredCopy creates a new Registry containing only the named skills.
// Names absent from the source are silently skipped.
func (r *Registry) FilteredCopy(names []string) *Registry {
	filtered := &Registry{skills: make(map[string]*Skill, len(names)), tempDir: r.tempDir}
	for _, name := range names {
		if s := r.skills[name]; s != nil {
			filtered.skills[name] = s
		}
	}
	return filtered
}

// FilteredCopyExcluding creates a new Registry containing every skill
// except those named in exclude.
func (r *Registry) FilteredCopyExcluding(exclude []string) *Registry {
	skip := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		skip[name] = true
	}
	filtered := &Registry{skills: make(map[string]*Skill, len(r.skills)), tempDir: r.tempDir}
	for name, s := range r.skills {
		if !skip[name] {
			filtered.skills[name] = s
		}
	}
	return filtered
}

// Execute runs a skill by name with JSON-encoded arguments.
func (r *Registry) Execute(ctx context.Context, name string, argsJSON string) (string, error) {
	s := r.skills[name]
	if s == nil {
		return "", &ErrSkillUnavailable{SkillName: name}
	}

	var args map[string]any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("parse arguments for %s: %w", name, err)
		}
	}
	return s.Handler(ctx, args)
}

// TempFileStore returns the registry's temp-file store, or nil if none is
// configured.
func (r *Registry) TempFileStore() *TempFileStore {
	return r.tempDir
}

// SetTempFileStore wires a temp-file store for skills that produce
// attachments (none are built in yet, but the loop's cleanup path expects
// the accessor to exist).
func (r *Registry) SetTempFileStore(t *TempFileStore) {
	r.tempDir = t
}
