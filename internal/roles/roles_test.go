package roles

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleRole = `---
id: 01JF2N9A6B3C4D5E6F7G8H9J0K
version: 1.2.0
name: api-dev
displayName: API Developer
description: Implements backend endpoints.
model: smart
permissions:
  - agent-draft
---

You are a backend API developer. Work incrementally.
`

func TestParse(t *testing.T) {
	role, err := Parse([]byte(sampleRole))
	if err != nil {
		t.Fatal(err)
	}
	if role.Name != "api-dev" || role.DisplayName != "API Developer" {
		t.Errorf("unexpected role: %+v", role)
	}
	if role.Model != ModelSmart {
		t.Errorf("model = %q", role.Model)
	}
	if !role.HasPermission(PermAgentDraft) || !role.FullToolAccess() {
		t.Error("agent-draft permission not detected")
	}
	if role.Prompt != "You are a backend API developer. Work incrementally." {
		t.Errorf("prompt = %q", role.Prompt)
	}
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]string{
		"no frontmatter":  "just a prompt",
		"unterminated":    "---\nname: x\n",
		"missing name":    "---\nmodel: fast\n---\nbody",
		"uppercase name":  "---\nname: API-Dev\n---\nbody",
	}
	for name, content := range cases {
		if _, err := Parse([]byte(content)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestResolveModel(t *testing.T) {
	role := &Role{Model: ModelFast}
	aliases := map[string]string{"fast": "claude-haiku"}
	if got := role.ResolveModel(aliases); got != "claude-haiku" {
		t.Errorf("resolved = %q", got)
	}
	// Unmapped hints pass through.
	if got := role.ResolveModel(nil); got != "fast" {
		t.Errorf("passthrough = %q", got)
	}
}

func TestRegistry_Load(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "api-dev.md"), []byte(sampleRole), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.md"), []byte("no frontmatter"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry(dir)
	errs := r.Load()
	if len(errs) != 1 {
		t.Fatalf("expected 1 parse error, got %v", errs)
	}
	if _, err := r.Get("api-dev"); err != nil {
		t.Errorf("Get api-dev: %v", err)
	}
	if _, err := r.Get("missing"); err == nil {
		t.Error("expected ErrNotFound for unknown role")
	}
	if len(r.List()) != 1 {
		t.Errorf("List returned %d roles", len(r.List()))
	}
}

func TestRegistry_MissingDir(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "absent"))
	if errs := r.Load(); len(errs) != 0 {
		t.Errorf("missing dir should load empty, got %v", errs)
	}
}
