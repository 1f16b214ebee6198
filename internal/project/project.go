// Package project manages the workspace registry. Each project is a
// subdirectory of the projects dir holding a project.yaml or project.toml
// descriptor plus its tasks tree.
package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when a project name resolves to nothing.
var ErrNotFound = errors.New("project not found")

// ErrDuplicate is returned when creating a project whose name collides
// case-insensitively with an existing one.
var ErrDuplicate = errors.New("project already exists")

// Project is a named workspace.
type Project struct {
	Name        string   `yaml:"name" toml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" toml:"description,omitempty" json:"description,omitempty"`
	Paths       []string `yaml:"paths,omitempty" toml:"paths,omitempty" json:"paths,omitempty"`
	Roles       []string `yaml:"roles,omitempty" toml:"roles,omitempty" json:"roles,omitempty"`

	// Dir is the absolute project directory; not persisted.
	Dir string `yaml:"-" toml:"-" json:"-"`
}

// DefaultCWD returns the project's first working directory, or "" if none is
// configured.
func (p *Project) DefaultCWD() string {
	if len(p.Paths) == 0 {
		return ""
	}
	return p.Paths[0]
}

// AllowsRole reports whether the role is allowed for this project. An empty
// role list allows every role.
func (p *Project) AllowsRole(role string) bool {
	if len(p.Roles) == 0 {
		return true
	}
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// TasksDir returns the directory holding the project's tasks.
func (p *Project) TasksDir() string {
	return filepath.Join(p.Dir, "tasks")
}

// Registry holds the loaded projects, keyed case-insensitively by name.
type Registry struct {
	mu       sync.RWMutex
	baseDir  string
	projects map[string]*Project // lowercased name -> project
}

// NewRegistry creates an empty registry rooted at baseDir.
func NewRegistry(baseDir string) *Registry {
	return &Registry{
		baseDir:  baseDir,
		projects: make(map[string]*Project),
	}
}

// Load scans the projects dir and replaces the registry contents. Directories
// without a descriptor and descriptors that fail to parse are skipped with a
// warning from the caller's log; Load itself collects them in the returned
// slice of errors.
func (r *Registry) Load() []error {
	loaded := make(map[string]*Project)
	var errs []error

	entries, err := os.ReadDir(r.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			r.replace(loaded)
			return nil
		}
		return []error{fmt.Errorf("read projects dir: %w", err)}
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(r.baseDir, entry.Name())
		p, err := loadDescriptor(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				errs = append(errs, fmt.Errorf("project %s: %w", entry.Name(), err))
			}
			continue
		}
		if p.Name == "" {
			p.Name = entry.Name()
		}
		key := strings.ToLower(p.Name)
		if _, dup := loaded[key]; dup {
			errs = append(errs, fmt.Errorf("project %s: duplicate name %q", entry.Name(), p.Name))
			continue
		}
		loaded[key] = p
	}

	r.replace(loaded)
	return errs
}

func (r *Registry) replace(projects map[string]*Project) {
	r.mu.Lock()
	r.projects = projects
	r.mu.Unlock()
}

// loadDescriptor parses project.yaml or project.toml under dir. Returns
// os.ErrNotExist when neither file is present.
func loadDescriptor(dir string) (*Project, error) {
	p := &Project{Dir: dir}

	yamlPath := filepath.Join(dir, "project.yaml")
	if data, err := os.ReadFile(yamlPath); err == nil {
		if err := yaml.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("parse %s: %w", yamlPath, err)
		}
		return p, nil
	}

	tomlPath := filepath.Join(dir, "project.toml")
	if data, err := os.ReadFile(tomlPath); err == nil {
		if err := toml.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("parse %s: %w", tomlPath, err)
		}
		return p, nil
	}

	return nil, os.ErrNotExist
}

// Get resolves a project by name, case-insensitively.
func (r *Registry) Get(name string) (*Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return p, nil
}

// List returns all projects. Order is not guaranteed; callers sort if they
// need stable output.
func (r *Registry) List() []*Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Project, 0, len(r.projects))
	for _, p := range r.projects {
		out = append(out, p)
	}
	return out
}

// Create writes a new project directory with a project.yaml descriptor and
// registers it. The name must be unique case-insensitively.
func (r *Registry) Create(name, description string, roles []string) (*Project, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("project name is required")
	}
	key := strings.ToLower(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.projects[key]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, name)
	}

	dir := filepath.Join(r.baseDir, name)
	if err := os.MkdirAll(filepath.Join(dir, "tasks"), 0o755); err != nil {
		return nil, fmt.Errorf("create project dir: %w", err)
	}

	p := &Project{Name: name, Description: description, Roles: roles, Dir: dir}
	data, err := yaml.Marshal(p)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "project.yaml"), data, 0o644); err != nil {
		return nil, fmt.Errorf("write project.yaml: %w", err)
	}

	r.projects[key] = p
	return p, nil
}
