package agent

import (
	"fmt"
	"os"
	"strings"
)

// Environment variables handled when spawning children.
const (
	// nestedSessionVar marks a process as running inside an agent session.
	// It is stripped so the child does not refuse to start as a nested agent.
	nestedSessionVar = "CLAUDECODE"

	// streamCloseTimeoutVar bounds how long the child waits before closing
	// an idle stream.
	streamCloseTimeoutVar = "CLAUDE_CODE_STREAM_CLOSE_TIMEOUT"
)

// BuildEnv returns the sanitized environment for a child agent: a copy of
// the parent environment with the nested-session marker removed, the
// stream-close timeout set, and any extra entries appended. The shell path
// variable is inherited only when the parent has it set, which the plain
// copy already guarantees.
func BuildEnv(streamCloseTimeoutMs int, extra []string) []string {
	out := make([]string, 0, len(os.Environ())+len(extra)+1)
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, nestedSessionVar+"=") ||
			strings.HasPrefix(kv, streamCloseTimeoutVar+"=") {
			continue
		}
		out = append(out, kv)
	}
	out = append(out, fmt.Sprintf("%s=%d", streamCloseTimeoutVar, streamCloseTimeoutMs))
	out = append(out, extra...)
	return out
}
