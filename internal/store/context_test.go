package store

import (
	"strings"
	"testing"
	"time"
)

func TestBuildTaskContext(t *testing.T) {
	manifest := &TaskManifest{Slug: "build-login", Name: "Build login"}
	t0 := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	envelopes := []Dispatch{
		{
			ID: "02", Role: "reviewer", StartedAt: t0.Add(time.Hour),
			StructuredResult: &StructuredResult{
				Status: "partial", Summary: "Reviewed auth flow",
				Issues: []string{"missing rate limit"},
			},
		},
		{
			ID: "01", Role: "api-dev", StartedAt: t0,
			StructuredResult: &StructuredResult{
				Status: "success", Summary: "Added login endpoint",
				Changes: []string{"auth.go", "routes.go"},
			},
		},
		{ID: "03", Role: "api-dev", StartedAt: t0.Add(2 * time.Hour)}, // no structured result
	}

	out := BuildTaskContext(manifest, envelopes)

	if !strings.HasPrefix(out, "## Task History") {
		t.Errorf("missing header:\n%s", out)
	}
	if !strings.Contains(out, "### Original Request") || !strings.Contains(out, "Build login") {
		t.Errorf("missing original request:\n%s", out)
	}
	if !strings.Contains(out, "### Previous Work") {
		t.Errorf("missing previous work:\n%s", out)
	}

	// Ascending startedAt order.
	first := strings.Index(out, "Added login endpoint")
	second := strings.Index(out, "Reviewed auth flow")
	if first < 0 || second < 0 || first > second {
		t.Errorf("results out of order:\n%s", out)
	}
	if !strings.Contains(out, "- auth.go") || !strings.Contains(out, "- missing rate limit") {
		t.Errorf("missing bullets:\n%s", out)
	}
}

func TestBuildTaskContext_DescriptionPreferred(t *testing.T) {
	manifest := &TaskManifest{Name: "short", Description: "The full description"}
	out := BuildTaskContext(manifest, nil)
	if !strings.Contains(out, "The full description") {
		t.Errorf("description not used:\n%s", out)
	}
}

func TestBuildTaskContext_NoStructuredResults(t *testing.T) {
	manifest := &TaskManifest{Name: "Build login"}
	envelopes := []Dispatch{{ID: "01", Role: "api-dev"}}
	out := BuildTaskContext(manifest, envelopes)
	if strings.Contains(out, "Previous Work") {
		t.Errorf("previous work section should be dropped:\n%s", out)
	}
}

func TestBuildTaskContext_Pure(t *testing.T) {
	manifest := &TaskManifest{Name: "x"}
	envelopes := []Dispatch{{ID: "01", Role: "r", StructuredResult: &StructuredResult{Status: "success", Summary: "s"}}}
	if BuildTaskContext(manifest, envelopes) != BuildTaskContext(manifest, envelopes) {
		t.Error("same inputs produced different output")
	}
}
