package entity

import (
	"strings"
	"testing"
)

func TestScaffoldRole_Validates(t *testing.T) {
	filename, content, err := Scaffold(TypeRole, "api-dev", "dev@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if filename != "api-dev.md" {
		t.Errorf("filename = %q", filename)
	}
	if !strings.Contains(content, "name: api-dev") || !strings.Contains(content, "Api Dev") {
		t.Errorf("content:\n%s", content)
	}
	if findings := Validate([]byte(content), TypeRole); !Valid(findings) {
		t.Errorf("scaffolded role does not validate: %v", findings)
	}
}

func TestScaffoldProject_Validates(t *testing.T) {
	filename, content, err := Scaffold(TypeProject, "Acme", "dev@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if filename != "project.yaml" {
		t.Errorf("filename = %q", filename)
	}
	findings := Validate([]byte(content), TypeProject)
	if !Valid(findings) {
		t.Errorf("scaffolded project does not validate: %v", findings)
	}
	// Empty paths is flagged but not fatal.
	found := false
	for _, f := range findings {
		if f.Level == LevelWarning && f.Field == "paths" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a paths warning, got %v", findings)
	}
}

func TestScaffold_Errors(t *testing.T) {
	if _, _, err := Scaffold("widget", "x", ""); err == nil {
		t.Error("unknown type accepted")
	}
	if _, _, err := Scaffold(TypeRole, "  ", ""); err == nil {
		t.Error("blank name accepted")
	}
}

func TestValidate_Failures(t *testing.T) {
	if findings := Validate([]byte("no frontmatter"), TypeRole); Valid(findings) {
		t.Error("role without frontmatter validated")
	}
	if findings := Validate([]byte("description: x\n"), TypeProject); Valid(findings) {
		t.Error("project without name validated")
	}
	if findings := Validate([]byte("x"), "widget"); Valid(findings) {
		t.Error("unknown type validated")
	}
}

func TestDetectType(t *testing.T) {
	tests := []struct {
		file string
		want string
	}{
		{"api-dev.md", TypeRole},
		{"project.yaml", TypeProject},
		{"project.toml", TypeProject},
		{"readme.txt", ""},
	}
	for _, tt := range tests {
		if got := DetectType(tt.file); got != tt.want {
			t.Errorf("DetectType(%q) = %q, want %q", tt.file, got, tt.want)
		}
	}
}
