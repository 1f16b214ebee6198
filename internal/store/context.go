package store

import (
	"fmt"
	"sort"
	"strings"
)

// BuildTaskContext renders a task's prior structured results as a Markdown
// blob suitable for prepending to a follow-up prompt. Dispatches without a
// structured result are omitted; with none at all the Previous Work section
// is dropped.
func BuildTaskContext(manifest *TaskManifest, envelopes []Dispatch) string {
	var b strings.Builder
	b.WriteString("## Task History\n\n")
	b.WriteString("### Original Request\n\n")
	if manifest.Description != "" {
		b.WriteString(manifest.Description)
	} else {
		b.WriteString(manifest.Name)
	}
	b.WriteString("\n")

	done := make([]Dispatch, 0, len(envelopes))
	for _, d := range envelopes {
		if d.StructuredResult != nil {
			done = append(done, d)
		}
	}
	if len(done) == 0 {
		return b.String()
	}
	sort.Slice(done, func(i, j int) bool { return done[i].StartedAt.Before(done[j].StartedAt) })

	b.WriteString("\n### Previous Work\n")
	for _, d := range done {
		sr := d.StructuredResult
		fmt.Fprintf(&b, "\n**%s** (%s): %s\n", d.Role, sr.Status, sr.Summary)
		writeBullets(&b, "Changes", sr.Changes)
		writeBullets(&b, "Issues", sr.Issues)
		writeBullets(&b, "Questions", sr.Questions)
	}
	return b.String()
}

func writeBullets(b *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", label)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
}
