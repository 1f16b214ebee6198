// Package entity scaffolds and validates the first-party file formats: role
// definitions and project descriptors.
package entity

import (
	"fmt"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/dispatchd/internal/ids"
	"github.com/dispatchd/internal/roles"
)

// Entity types
const (
	TypeRole    = "role"
	TypeProject = "project"
)

var roleTemplate = template.Must(template.New("role").Parse(`---
id: {{.ID}}
version: 0.1.0
name: {{.Name}}
displayName: {{.DisplayName}}
description: ""
model: smart
# permissions:
#   - agent-draft
---

You are {{.DisplayName}}.

<!-- Written by {{.Author}} -->
`))

var projectTemplate = template.Must(template.New("project").Parse(`name: {{.Name}}
description: ""
paths: []
roles: []
# Written by {{.Author}}
`))

type templateData struct {
	ID          string
	Name        string
	DisplayName string
	Author      string
}

// Scaffold renders a starter file for the entity type. It returns the
// suggested file name and the content.
func Scaffold(entityType, name, author string) (string, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", "", fmt.Errorf("name is required")
	}

	data := templateData{
		ID:          ids.New(),
		Name:        name,
		DisplayName: displayName(name),
		Author:      author,
	}

	var b strings.Builder
	switch entityType {
	case TypeRole:
		if err := roleTemplate.Execute(&b, data); err != nil {
			return "", "", err
		}
		return name + ".md", b.String(), nil
	case TypeProject:
		if err := projectTemplate.Execute(&b, data); err != nil {
			return "", "", err
		}
		return "project.yaml", b.String(), nil
	default:
		return "", "", fmt.Errorf("unknown entity type %q", entityType)
	}
}

// Finding levels
const (
	LevelError   = "error"
	LevelWarning = "warning"
)

// Finding is one validation result. An empty Findings slice means the content
// is valid.
type Finding struct {
	Level   string `json:"level"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// Validate checks entity content against its schema and returns findings.
// Content is valid when no finding has level error.
func Validate(content []byte, entityType string) []Finding {
	switch entityType {
	case TypeRole:
		return validateRole(content)
	case TypeProject:
		return validateProject(content)
	default:
		return []Finding{{Level: LevelError, Field: "type", Message: fmt.Sprintf("unknown entity type %q", entityType)}}
	}
}

// Valid reports whether the findings contain no errors.
func Valid(findings []Finding) bool {
	for _, f := range findings {
		if f.Level == LevelError {
			return false
		}
	}
	return true
}

func validateRole(content []byte) []Finding {
	role, err := roles.Parse(content)
	if err != nil {
		return []Finding{{Level: LevelError, Message: err.Error()}}
	}
	var findings []Finding
	if role.ID == "" {
		findings = append(findings, Finding{Level: LevelWarning, Field: "id", Message: "role has no id"})
	}
	if role.Version == "" {
		findings = append(findings, Finding{Level: LevelWarning, Field: "version", Message: "role has no version"})
	}
	if strings.TrimSpace(role.Prompt) == "" {
		findings = append(findings, Finding{Level: LevelError, Field: "prompt", Message: "role body is empty"})
	}
	return findings
}

func validateProject(content []byte) []Finding {
	var p struct {
		Name  string   `yaml:"name"`
		Paths []string `yaml:"paths"`
	}
	if err := yaml.Unmarshal(content, &p); err != nil {
		return []Finding{{Level: LevelError, Message: fmt.Sprintf("parse project descriptor: %v", err)}}
	}
	var findings []Finding
	if strings.TrimSpace(p.Name) == "" {
		findings = append(findings, Finding{Level: LevelError, Field: "name", Message: "project descriptor is missing a name"})
	}
	if len(p.Paths) == 0 {
		findings = append(findings, Finding{Level: LevelWarning, Field: "paths", Message: "project has no paths"})
	}
	return findings
}

// DetectType guesses the entity type from a file name.
func DetectType(filename string) string {
	switch {
	case strings.HasSuffix(filename, ".md"):
		return TypeRole
	case strings.HasSuffix(filename, ".yaml"), strings.HasSuffix(filename, ".yml"), strings.HasSuffix(filename, ".toml"):
		return TypeProject
	default:
		return ""
	}
}

func displayName(name string) string {
	words := strings.FieldsFunc(name, func(r rune) bool { return r == '-' || r == '_' || r == ' ' })
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}
