// Package roles loads agent personas from the roles directory. A role file is
// Markdown with a YAML frontmatter block; the body after the frontmatter is
// the role's prompt.
package roles

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when a role name resolves to nothing.
var ErrNotFound = errors.New("role not found")

// ModelHint is the abstract model class a role requests. Hints resolve to
// concrete model names via the configured alias map.
type ModelHint string

// Model hints
const (
	ModelFast      ModelHint = "fast"
	ModelSmart     ModelHint = "smart"
	ModelReasoning ModelHint = "reasoning"
)

// Permission grants a role access to privileged harness features.
type Permission string

// Permissions
const (
	// PermAgentDraft grants access to the tool server's write operations
	// (draft_agent, await_agent, kill_agent).
	PermAgentDraft Permission = "agent-draft"
	// PermNetwork marks roles whose prompts expect outbound network access.
	PermNetwork Permission = "network"
)

var roleName = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// Role is an agent persona.
type Role struct {
	ID          string       `yaml:"id" json:"id"`
	Version     string       `yaml:"version" json:"version"`
	Name        string       `yaml:"name" json:"name"`
	DisplayName string       `yaml:"displayName,omitempty" json:"display_name,omitempty"`
	Description string       `yaml:"description,omitempty" json:"description,omitempty"`
	Model       ModelHint    `yaml:"model" json:"model"`
	Permissions []Permission `yaml:"permissions,omitempty" json:"permissions,omitempty"`

	// Prompt is the role body following the frontmatter; not part of the
	// frontmatter itself.
	Prompt string `yaml:"-" json:"-"`
}

// HasPermission reports whether the role carries the given permission.
func (r *Role) HasPermission(p Permission) bool {
	for _, have := range r.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// FullToolAccess reports whether the role gets the tool server's full flavor.
// Derived from permissions; there is no category allow-list.
func (r *Role) FullToolAccess() bool {
	return r.HasPermission(PermAgentDraft)
}

// ResolveModel maps the role's model hint through the alias map. An unmapped
// hint is passed through verbatim so operators can pin concrete models.
func (r *Role) ResolveModel(aliases map[string]string) string {
	if concrete, ok := aliases[string(r.Model)]; ok {
		return concrete
	}
	return string(r.Model)
}

// Parse splits a role file into frontmatter and prompt body.
func Parse(data []byte) (*Role, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	if !strings.HasPrefix(text, "---\n") {
		return nil, fmt.Errorf("role file missing frontmatter")
	}
	rest := text[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return nil, fmt.Errorf("role file frontmatter not terminated")
	}
	front := rest[:end]
	body := rest[end+len("\n---"):]
	if i := strings.IndexByte(body, '\n'); i >= 0 {
		body = body[i+1:]
	}

	role := &Role{}
	if err := yaml.Unmarshal([]byte(front), role); err != nil {
		return nil, fmt.Errorf("parse role frontmatter: %w", err)
	}
	role.Prompt = strings.TrimSpace(body)

	if role.Name == "" {
		return nil, fmt.Errorf("role is missing a name")
	}
	if !roleName.MatchString(role.Name) {
		return nil, fmt.Errorf("role name %q must be lowercase-hyphen", role.Name)
	}
	if role.Model == "" {
		role.Model = ModelSmart
	}
	return role, nil
}

// Registry holds loaded roles keyed by name.
type Registry struct {
	mu    sync.RWMutex
	dir   string
	roles map[string]*Role
}

// NewRegistry creates an empty registry reading from dir.
func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir, roles: make(map[string]*Role)}
}

// Load rescans the roles dir, replacing the registry contents. Files that
// fail to parse are reported and skipped.
func (r *Registry) Load() []error {
	loaded := make(map[string]*Role)
	var errs []error

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.mu.Lock()
			r.roles = loaded
			r.mu.Unlock()
			return nil
		}
		return []error{fmt.Errorf("read roles dir: %w", err)}
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("read %s: %w", path, err))
			continue
		}
		role, err := Parse(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		loaded[role.Name] = role
	}

	r.mu.Lock()
	r.roles = loaded
	r.mu.Unlock()
	return errs
}

// Get resolves a role by name.
func (r *Registry) Get(name string) (*Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.roles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return role, nil
}

// List returns all loaded roles.
func (r *Registry) List() []*Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Role, 0, len(r.roles))
	for _, role := range r.roles {
		out = append(out, role)
	}
	return out
}
