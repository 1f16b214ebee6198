// Package slug derives filesystem-safe task slugs from free-form task names.
package slug

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// MaxLen is the maximum slug length.
const MaxLen = 64

// maxWords limits how many significant words a generated slug keeps.
const maxWords = 5

var validSlug = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// stopWords are dropped when deriving a slug from a task name.
var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "to": true, "of": true,
	"for": true, "and": true, "or": true, "in": true, "on": true,
	"with": true,
}

// Generate derives a slug from a task name. The second return reports whether
// the slug differs from the (lowercased) input.
func Generate(name string) (string, bool) {
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if validSlug.MatchString(trimmed) && len(trimmed) <= MaxLen {
		return trimmed, false
	}

	// Strip everything except alphanumerics and separators, then split.
	var b strings.Builder
	for _, r := range trimmed {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '\t', r == '\n', r == '-', r == '_':
			b.WriteByte(' ')
		}
	}

	var words []string
	for _, w := range strings.Fields(b.String()) {
		if stopWords[w] {
			continue
		}
		words = append(words, w)
		if len(words) == maxWords {
			break
		}
	}

	s := strings.Join(words, "-")
	if len(s) > MaxLen {
		s = s[:MaxLen]
	}
	s = strings.TrimRight(s, "-")
	if s == "" {
		s = "task"
	}
	return s, true
}

// Deduplicate returns base if no entry named base exists in dir, otherwise the
// first of base-2, base-3, … that is unused.
func Deduplicate(dir, base string) string {
	if !exists(dir, base) {
		return base
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d", base, i)
		if !exists(dir, candidate) {
			return candidate
		}
	}
}

func exists(dir, name string) bool {
	_, err := os.Stat(dir + string(os.PathSeparator) + name)
	return err == nil
}
